package sync

import (
	"fmt"
	"io"
	stdsync "sync"
)

// Counts are the per-file outcomes of a run.
type Counts struct {
	Uploaded      int
	Matched       int
	Deleted       int
	Failed        int
	BytesUploaded int64
}

// Report accumulates the outcome of a run. It is safe for concurrent use.
type Report struct {
	mu     stdsync.Mutex
	counts Counts
	errors []string
}

func (r *Report) uploaded(size int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.counts.Uploaded++
	r.counts.BytesUploaded += size
}

func (r *Report) matched() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.counts.Matched++
}

func (r *Report) deleted() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.counts.Deleted++
}

// fileFailed records a per-file failure.
func (r *Report) fileFailed(msg string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.counts.Failed++
	r.errors = append(r.errors, msg)
}

// runFailed records a failure that is not tied to a single file.
func (r *Report) runFailed(msg string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errors = append(r.errors, msg)
}

// Counts returns a snapshot of the counters.
func (r *Report) Counts() Counts {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counts
}

// Errors returns every recorded error message in the order it occurred.
func (r *Report) Errors() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.errors...)
}

// OK reports whether the run finished without errors.
func (r *Report) OK() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.errors) == 0
}

// WriteErrors prints the error list, if any, to w.
func (r *Report) WriteErrors(w io.Writer) {
	errs := r.Errors()
	if len(errs) == 0 {
		return
	}
	fmt.Fprintln(w, "\n== errors")
	for _, e := range errs {
		fmt.Fprintln(w, e)
	}
}
