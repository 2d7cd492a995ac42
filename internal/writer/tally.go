package writer

import (
	"sync"

	"github.com/framesnap/framesnap/internal/failure"
)

const maxErrorSamples = 20

// JobError describes one job that did not produce a file.
type JobError struct {
	Name    string `json:"name"`
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// Counts is a snapshot of a run's output counters.
type Counts struct {
	Written      int64      `json:"written"`
	Failed       int64      `json:"failed"`
	Skipped      int64      `json:"skipped"`
	Bytes        int64      `json:"bytes"`
	MirrorErrors int64      `json:"mirror_errors"`
	LastFile     string     `json:"last_file,omitempty"`
	Errors       []JobError `json:"errors,omitempty"`
}

// Completed is the number of jobs that reached a terminal outcome.
func (c Counts) Completed() int64 {
	return c.Written + c.Failed
}

// Tally holds the counters shared by all workers of a pool. Every update
// takes the one mutex; callers never hold it across I/O.
type Tally struct {
	mu sync.Mutex
	c  Counts
}

func (t *Tally) written(name string, n int64) Counts {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.c.Written++
	t.c.Bytes += n
	t.c.LastFile = name
	return t.snapshotLocked()
}

func (t *Tally) failed(name string, err error) Counts {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.c.Failed++
	if len(t.c.Errors) < maxErrorSamples {
		t.c.Errors = append(t.c.Errors, JobError{Name: name, Kind: failure.Kind(err), Message: err.Error()})
	}
	return t.snapshotLocked()
}

// Skip records n jobs that were planned but never processed.
func (t *Tally) Skip(n int64) {
	if n <= 0 {
		return
	}
	t.mu.Lock()
	t.c.Skipped += n
	t.mu.Unlock()
}

func (t *Tally) mirrorFailed() {
	t.mu.Lock()
	t.c.MirrorErrors++
	t.mu.Unlock()
}

// Snapshot returns a copy of the counters.
func (t *Tally) Snapshot() Counts {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snapshotLocked()
}

func (t *Tally) snapshotLocked() Counts {
	c := t.c
	c.Errors = append([]JobError(nil), t.c.Errors...)
	return c
}
