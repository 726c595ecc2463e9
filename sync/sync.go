package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	stdsync "sync"
	"sync/atomic"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/dustin/go-humanize"
	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/osfs"

	"github.com/sandeepkandula/treesync/queue"
)

var (
	ErrAlreadyRun = errors.New("sync engine already ran")
	errNoDst      = errors.New("destination is required")
)

// Options configures a sync operation.
type Options struct {
	Src     string      // source directory
	Dst     Destination // destination
	DstRoot string      // remote directory Src is mirrored into
	// FS reads the local tree; defaults to the OS filesystem rooted at Src.
	FS          billy.Filesystem
	Concurrency int      // per-queue ceiling, defaults to queue.DefaultConcurrency
	Compare     Strategy // change detection strategy
	Delete      bool     // if true, remove destination objects absent from Src
	DeleteOnly  bool     // if true, skip uploads and only delete
	DryRun      bool     // if true, report actions without making changes
	Exclude     []string // doublestar patterns relative to Src, on top of IgnoreFileName
	Logger      *slog.Logger
}

// Phase is a step of a run. Phases only ever advance.
type Phase int32

const (
	PhaseIdle Phase = iota
	PhaseScanning
	PhaseDiffing
	PhaseUploading
	PhaseDeleting
	PhaseDone
)

func (p Phase) String() string {
	switch p {
	case PhaseScanning:
		return "scanning-local"
	case PhaseDiffing:
		return "diffing"
	case PhaseUploading:
		return "uploading"
	case PhaseDeleting:
		return "deleting"
	case PhaseDone:
		return "done"
	}
	return "idle"
}

// UploadCandidate is a local file staged for transfer.
type UploadCandidate struct {
	File   LocalFile
	Reason Reason
	MD5    string
}

// Engine runs one sync. Create it with New and call Run once.
type Engine struct {
	opts   Options
	root   string
	fs     billy.Filesystem
	log    *slog.Logger
	report *Report
	ignore *ignoreRules
	phase  atomic.Int32
	ran    atomic.Bool

	mu     stdsync.Mutex
	checkQ *queue.Queue[LocalFile, Decision]
	putQ   *queue.Queue[UploadCandidate, struct{}]
	delQ   *queue.Queue[RemoteEntry, struct{}]

	detector   *Detector
	files      []LocalFile
	discovered atomic.Int64
	known      mapset.Set[string]

	// mutated only from serialized queue callbacks
	uploads                  []UploadCandidate
	nChecked, nPut, nDeleted int
	putTotal, delTotal       int
}

// New validates opts and returns an Engine ready to Run.
func New(opts Options) (*Engine, error) {
	if opts.Dst == nil {
		return nil, errNoDst
	}
	if opts.Concurrency < 0 {
		return nil, fmt.Errorf("concurrency must be positive, got %d", opts.Concurrency)
	}
	if opts.Concurrency == 0 {
		opts.Concurrency = queue.DefaultConcurrency
	}
	ignore, err := newIgnoreRules(opts.Exclude)
	if err != nil {
		return nil, err
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Engine{
		opts:   opts,
		root:   strings.Trim(opts.DstRoot, "/"),
		fs:     opts.FS,
		log:    opts.Logger,
		report: &Report{},
		ignore: ignore,
		known:  mapset.NewSet[string](),
	}, nil
}

// Sync mirrors opts.Src into opts.Dst. The returned error covers invalid
// options only; per-file and listing failures are collected in the Report.
func Sync(ctx context.Context, opts Options) (*Report, error) {
	e, err := New(opts)
	if err != nil {
		return nil, err
	}
	return e.Run(ctx)
}

// Phase returns the current phase.
func (e *Engine) Phase() Phase {
	return Phase(e.phase.Load())
}

func (e *Engine) setPhase(p Phase) {
	e.phase.Store(int32(p))
	e.log.Debug("phase", "phase", p)
}

// Status describes every queue that has work waiting. It never changes queue
// state and may be called from any goroutine while Run is in progress.
func (e *Engine) Status() []queue.Status {
	e.mu.Lock()
	defer e.mu.Unlock()

	var out []queue.Status
	if e.checkQ != nil {
		out = append(out, e.checkQ.Snapshot(func(f LocalFile) string { return f.Remote }))
	}
	if e.putQ != nil {
		out = append(out, e.putQ.Snapshot(func(c UploadCandidate) string { return c.File.Remote }))
	}
	if e.delQ != nil {
		out = append(out, e.delQ.Snapshot(func(r RemoteEntry) string { return r.Path }))
	}
	return out
}

// Run executes the phases in order: scan, diff, upload, delete. Mutating
// operations run on a context that is not cancelled with ctx, so an
// interrupt drops queued work but lets in-flight transfers finish.
func (e *Engine) Run(ctx context.Context) (*Report, error) {
	if !e.ran.CompareAndSwap(false, true) {
		return nil, ErrAlreadyRun
	}
	if e.fs == nil {
		if err := validateSrc(e.opts.Src); err != nil {
			return nil, err
		}
		e.fs = osfs.New(e.opts.Src)
	}
	if err := e.ignore.loadFile(e.fs); err != nil {
		return nil, err
	}
	e.detector = NewDetector(e.opts.Dst, e.fs, e.opts.Compare)
	e.initQueues(context.WithoutCancel(ctx))

	if e.opts.DryRun {
		e.log.Info("== dryrun ==")
	}

	if !e.scan(ctx) {
		return e.done(), nil
	}
	if len(e.files) == 0 && !e.opts.DeleteOnly {
		return e.done(), nil
	}

	if !e.opts.DeleteOnly {
		if !e.diff(ctx) || !e.upload(ctx) {
			return e.done(), nil
		}
	}
	if e.opts.Delete || e.opts.DeleteOnly {
		e.deleteOrphans(ctx)
	}
	return e.done(), nil
}

func (e *Engine) initQueues(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := e.opts.Concurrency
	e.checkQ = queue.New(ctx, queue.Config[LocalFile, Decision]{
		Name: "info", Concurrency: n, Handler: e.detector.Check, OnDone: e.checkDone,
	})
	e.putQ = queue.New(ctx, queue.Config[UploadCandidate, struct{}]{
		Name: "put", Concurrency: n, Handler: e.putFile, OnDone: e.putDone,
	})
	e.delQ = queue.New(ctx, queue.Config[RemoteEntry, struct{}]{
		Name: "delete", Concurrency: n, Handler: e.deleteFile, OnDone: e.deleteDone,
	})
}

// scan builds the local file list, feeding the check queue as files appear.
func (e *Engine) scan(ctx context.Context) bool {
	e.setPhase(PhaseScanning)
	e.log.Info("building local file list...", "src", e.opts.Src)
	start := time.Now()

	events := WalkLocal(ctx, e.fs, LocalWalkOptions{
		Concurrency: e.opts.Concurrency,
		Skip:        e.ignore.match,
		Logger:      e.log,
	})
	for ev := range events {
		if ev.Kind == LocalDirFound {
			e.log.Debug("directory", "path", ev.Rel)
			continue
		}
		f := newLocalFile(e.opts.Src, e.root, ev)
		e.files = append(e.files, f)
		e.known.Add(f.Remote)
		e.discovered.Add(1)
		if !e.opts.DeleteOnly {
			e.checkQ.Push(f)
		}
	}

	if ctx.Err() != nil {
		// the file list may be incomplete, so nothing downstream can trust it
		e.interrupted("scan", len(e.checkQ.Clear()))
		_ = e.checkQ.Wait(context.Background())
		return false
	}
	e.log.Info("local file list built", "files", len(e.files), "took", time.Since(start))
	return true
}

func (e *Engine) diff(ctx context.Context) bool {
	e.setPhase(PhaseDiffing)
	start := time.Now()
	if !waitQueue(ctx, e, e.checkQ) {
		return false
	}
	e.log.Info("upload list built", "staged", len(e.uploads), "took", time.Since(start))
	return true
}

func (e *Engine) upload(ctx context.Context) bool {
	e.setPhase(PhaseUploading)
	if len(e.uploads) == 0 {
		return true
	}
	sort.Slice(e.uploads, func(i, j int) bool {
		return e.uploads[i].File.Remote < e.uploads[j].File.Remote
	})

	start := time.Now()
	e.putTotal = len(e.uploads)
	e.nPut = 0
	e.putQ.Push(e.uploads...)
	ok := waitQueue(ctx, e, e.putQ)

	c := e.report.Counts()
	e.log.Info("uploads finished",
		"put", c.Uploaded,
		"bytes", humanize.Bytes(uint64(c.BytesUploaded)),
		"not_put", e.putTotal-c.Uploaded,
		"took", time.Since(start),
	)
	return ok
}

func (e *Engine) deleteOrphans(ctx context.Context) {
	e.setPhase(PhaseDeleting)
	if len(e.files) == 0 {
		e.log.Warn("no local files found, every remote object will be deleted", "root", e.root)
	}
	e.log.Info("building remote file list for deletion...", "root", e.root)

	plan, err := PlanDeletions(ctx, e.opts.Dst, e.root, e.known, e.protected, e.opts.Concurrency)
	if err != nil {
		msg := fmt.Sprintf("error listing remote files: %s", errorCode(err))
		e.log.Error(msg, "error", err)
		e.report.runFailed(msg)
		return
	}
	e.log.Info("remote file list built", "objects", plan.Scanned, "orphans", len(plan.Orphans))
	if len(plan.Orphans) == 0 {
		return
	}

	start := time.Now()
	e.delTotal = len(plan.Orphans)
	e.delQ.Push(plan.Orphans...)
	waitQueue(ctx, e, e.delQ)

	c := e.report.Counts()
	e.log.Info("deletes finished", "deleted", c.Deleted, "not_deleted", e.delTotal-c.Deleted, "took", time.Since(start))
}

// waitQueue blocks until q drains. If ctx ends first, pending items are
// dropped, in-flight ones are waited for, and false is returned.
func waitQueue[T, R any](ctx context.Context, e *Engine, q *queue.Queue[T, R]) bool {
	if err := q.Wait(ctx); err == nil {
		return true
	}
	e.interrupted(q.Name(), len(q.Clear()))
	_ = q.Wait(context.Background())
	return false
}

func (e *Engine) interrupted(name string, dropped int) {
	msg := fmt.Sprintf("interrupted: %d queued %s tasks were not started", dropped, name)
	e.log.Warn(msg)
	e.report.runFailed(msg)
}

func (e *Engine) done() *Report {
	e.setPhase(PhaseDone)
	c := e.report.Counts()
	e.log.Info("done",
		"uploaded", c.Uploaded,
		"matched", c.Matched,
		"deleted", c.Deleted,
		"failed", c.Failed,
		"errors", len(e.report.Errors()),
		"dryrun", e.opts.DryRun,
	)
	return e.report
}

func (e *Engine) checkDone(f LocalFile, d Decision, err error) {
	e.nChecked++
	progress := fmt.Sprintf("%d/%d", e.nChecked, e.discovered.Load())

	var re *ReadError
	switch {
	case errors.As(err, &re):
		e.fail(fmt.Sprintf("%s... read error: %s (%s)", f.Remote, errorCode(err), progress), err)
	case err != nil:
		e.fail(fmt.Sprintf("%s... unknown error: %s (%s)", f.Remote, errorCode(err), progress), err)
	case d.Upload:
		e.log.Info("adding to put list", "path", f.Remote, "reason", d.Reason, "progress", progress)
		e.uploads = append(e.uploads, UploadCandidate{File: f, Reason: d.Reason, MD5: d.MD5})
	default:
		e.log.Info("skipping", "path", f.Remote, "reason", d.Reason, "progress", progress)
		e.report.matched()
	}
}

func (e *Engine) putFile(ctx context.Context, c UploadCandidate) (struct{}, error) {
	if e.opts.DryRun {
		return struct{}{}, nil
	}
	f, err := e.fs.Open(c.File.Rel)
	if err != nil {
		return struct{}{}, &ReadError{Path: c.File.Path, Err: err}
	}
	defer f.Close()

	return struct{}{}, e.opts.Dst.Put(ctx, c.File.Remote, f, PutOptions{
		Size:    c.File.Size,
		ModTime: c.File.ModTime,
		MD5:     c.MD5,
	})
}

func (e *Engine) putDone(c UploadCandidate, _ struct{}, err error) {
	e.nPut++
	progress := fmt.Sprintf("%d/%d", e.nPut, e.putTotal)

	var re *ReadError
	switch {
	case errors.As(err, &re):
		e.fail(fmt.Sprintf("%s... error opening file: %s (%s)", c.File.Remote, errorCode(err), progress), err)
	case err != nil:
		e.fail(fmt.Sprintf("%s... error uploading: %s (%s)", c.File.Remote, errorCode(err), progress), err)
	default:
		e.log.Info("uploaded", "path", c.File.Remote, "progress", progress, "dryrun", e.opts.DryRun)
		e.report.uploaded(c.File.Size)
	}
}

func (e *Engine) deleteFile(ctx context.Context, r RemoteEntry) (struct{}, error) {
	if e.opts.DryRun {
		return struct{}{}, nil
	}
	return struct{}{}, e.opts.Dst.Delete(ctx, r.Path)
}

func (e *Engine) deleteDone(r RemoteEntry, _ struct{}, err error) {
	e.nDeleted++
	progress := fmt.Sprintf("%d/%d", e.nDeleted, e.delTotal)

	if err != nil {
		e.fail(fmt.Sprintf("%s... error deleting: %s (%s)", r.Path, errorCode(err), progress), err)
		return
	}
	e.log.Info("deleted", "path", r.Path, "progress", progress, "dryrun", e.opts.DryRun)
	e.report.deleted()
}

func (e *Engine) fail(msg string, err error) {
	e.log.Error(msg, "error", err)
	e.report.fileFailed(msg)
}

// protected keeps ignored paths out of the deletion plan.
func (e *Engine) protected(remotePath string) bool {
	rel := remotePath
	if e.root != "" {
		rel = strings.TrimPrefix(remotePath, e.root+"/")
	}
	return e.ignore.match(rel, false)
}

func validateSrc(src string) error {
	info, err := os.Stat(src)
	if err != nil {
		return fmt.Errorf("source: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("source %q is not a directory", src)
	}
	return nil
}
