package sync

import (
	"context"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/go-git/go-billy/v5"
	"golang.org/x/sync/semaphore"
)

// LocalFile is a regular file found under the local sync root.
type LocalFile struct {
	// Path is the absolute path on disk.
	Path string
	// Rel is the slash-separated path relative to the sync root.
	Rel     string
	Size    int64
	ModTime time.Time
	// Remote is Rel rebased under the remote sync root.
	Remote string
}

// LocalEventKind identifies what a LocalEvent reports.
type LocalEventKind int

const (
	LocalFileFound LocalEventKind = iota
	LocalDirFound
)

// LocalEvent is one discovery made by WalkLocal.
type LocalEvent struct {
	Kind LocalEventKind
	// Rel is the slash-separated path relative to the walk root.
	Rel  string
	Info os.FileInfo
}

// LocalWalkOptions tunes WalkLocal.
type LocalWalkOptions struct {
	// Concurrency caps simultaneous ReadDir/Stat calls.
	Concurrency int
	// Skip prunes a path (and, for directories, everything below it).
	Skip   func(rel string, isDir bool) bool
	Logger *slog.Logger
}

type localWalker struct {
	ctx     context.Context
	fs      billy.Filesystem
	opts    LocalWalkOptions
	sem     *semaphore.Weighted
	pending atomic.Int64
	events  chan LocalEvent
}

// WalkLocal lists fs recursively and streams a LocalEvent for every regular
// file and directory below its root. The channel is closed once every
// listing and stat it started has completed. Unlistable directories and
// unstattable paths are logged and skipped. Symlinks are followed.
func WalkLocal(ctx context.Context, fs billy.Filesystem, opts LocalWalkOptions) <-chan LocalEvent {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 30
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	w := &localWalker{
		ctx:    ctx,
		fs:     fs,
		opts:   opts,
		sem:    semaphore.NewWeighted(int64(opts.Concurrency)),
		events: make(chan LocalEvent),
	}

	w.pending.Add(1)
	go w.list(".")
	return w.events
}

// done retires one operation; the last one to finish closes the stream.
func (w *localWalker) done() {
	if w.pending.Add(-1) == 0 {
		close(w.events)
	}
}

func (w *localWalker) emit(ev LocalEvent) {
	select {
	case w.events <- ev:
	case <-w.ctx.Done():
	}
}

func (w *localWalker) list(dir string) {
	defer w.done()

	if err := w.sem.Acquire(w.ctx, 1); err != nil {
		return
	}
	infos, err := w.fs.ReadDir(dir)
	w.sem.Release(1)
	if err != nil {
		w.opts.Logger.Warn("skipping unreadable directory", "path", w.fs.Join(w.fs.Root(), dir), "error", err)
		return
	}

	for _, info := range infos {
		// released by stat once its Stat returns
		if err := w.sem.Acquire(w.ctx, 1); err != nil {
			return
		}
		w.pending.Add(1)
		go w.stat(filepath.Join(dir, info.Name()))
	}
}

// stat runs holding a semaphore slot acquired by list.
func (w *localWalker) stat(name string) {
	defer w.done()

	info, err := w.fs.Stat(name)
	w.sem.Release(1)
	if err != nil {
		w.opts.Logger.Warn("skipping unstattable path", "path", w.fs.Join(w.fs.Root(), name), "error", err)
		return
	}

	rel := filepath.ToSlash(name)
	switch {
	case info.IsDir():
		if w.opts.Skip != nil && w.opts.Skip(rel, true) {
			return
		}
		w.emit(LocalEvent{Kind: LocalDirFound, Rel: rel, Info: info})
		w.pending.Add(1)
		go w.list(name)
	case info.Mode().IsRegular():
		if w.opts.Skip != nil && w.opts.Skip(rel, false) {
			return
		}
		w.emit(LocalEvent{Kind: LocalFileFound, Rel: rel, Info: info})
	}
}

// newLocalFile builds the LocalFile for a discovery under root, mapping it to
// its remote path exactly once.
func newLocalFile(root, remoteRoot string, ev LocalEvent) LocalFile {
	return LocalFile{
		Path:    filepath.Join(root, filepath.FromSlash(ev.Rel)),
		Rel:     ev.Rel,
		Size:    ev.Info.Size(),
		ModTime: ev.Info.ModTime(),
		Remote:  RemotePath(remoteRoot, ev.Rel),
	}
}

// RemotePath joins a slash-separated relative path onto the remote root.
func RemotePath(remoteRoot, rel string) string {
	return path.Join(remoteRoot, rel)
}
