package sync

import (
	"context"
	"fmt"
	"path"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// Lister lists the direct children of a remote directory.
type Lister interface {
	ListDir(ctx context.Context, dir string) ([]DirEntry, error)
}

// RemoteEntry is one object or directory found by WalkRemote.
type RemoteEntry struct {
	Path   string
	Name   string
	Parent string
	Type   EntryType
}

type remoteWalker struct {
	ctx     context.Context
	cancel  context.CancelFunc
	lister  Lister
	sem     *semaphore.Weighted
	pending atomic.Int64
	failed  atomic.Bool
	entries chan RemoteEntry
	errc    chan error
}

// WalkRemote recursively lists root, streaming every entry below it with at
// most concurrency listings in flight. Both channels are closed once every
// dispatched directory has been listed. The first listing error is sent on
// the error channel and suppresses all further entries: a walk that reports
// an error must be treated as incomplete.
func WalkRemote(ctx context.Context, lister Lister, root string, concurrency int) (<-chan RemoteEntry, <-chan error) {
	if concurrency <= 0 {
		concurrency = 30
	}
	ctx, cancel := context.WithCancel(ctx)
	w := &remoteWalker{
		ctx:     ctx,
		cancel:  cancel,
		lister:  lister,
		sem:     semaphore.NewWeighted(int64(concurrency)),
		entries: make(chan RemoteEntry),
		errc:    make(chan error, 1),
	}

	w.pending.Add(1)
	go w.list(root)
	return w.entries, w.errc
}

func (w *remoteWalker) done() {
	if w.pending.Add(-1) == 0 {
		w.cancel()
		close(w.entries)
		close(w.errc)
	}
}

func (w *remoteWalker) fail(err error) {
	if w.failed.CompareAndSwap(false, true) {
		w.errc <- err
		w.cancel()
	}
}

func (w *remoteWalker) list(dir string) {
	defer w.done()

	if err := w.sem.Acquire(w.ctx, 1); err != nil {
		w.fail(err)
		return
	}
	children, err := w.lister.ListDir(w.ctx, dir)
	w.sem.Release(1)
	if w.failed.Load() {
		return
	}
	if err != nil {
		w.fail(fmt.Errorf("list %s: %w", dir, err))
		return
	}

	for _, c := range children {
		e := RemoteEntry{
			Path:   path.Join(dir, c.Name),
			Name:   c.Name,
			Parent: dir,
			Type:   c.Type,
		}
		if w.failed.Load() {
			return
		}
		if e.Type == EntryDirectory {
			w.pending.Add(1)
			go w.list(e.Path)
		}
		select {
		case w.entries <- e:
		case <-w.ctx.Done():
			w.fail(w.ctx.Err())
			return
		}
	}
}

// FindRemote returns the paths of every object below root. A listing error
// anywhere discards the partial result.
func FindRemote(ctx context.Context, lister Lister, root string, concurrency int) ([]string, error) {
	entries, errc := WalkRemote(ctx, lister, root, concurrency)

	var files []string
	for e := range entries {
		if e.Type == EntryObject {
			files = append(files, e.Path)
		}
	}
	if err := <-errc; err != nil {
		return nil, err
	}
	return files, nil
}
