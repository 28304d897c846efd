// Package job runs transfer tasks in the background and tracks their
// lifecycle: queued, running, then done or error. Every job owns a
// progress.Bus; the terminal event is always the last one on it.
package job

import (
	"context"
	"errors"
	"time"

	"github.com/Gariton/ArtifactFetcher/progress"
)

// Status is the lifecycle state of a job.
type Status string

// Job states. Done and Error are terminal.
const (
	StatusQueued  Status = "queued"
	StatusRunning Status = "running"
	StatusDone    Status = "done"
	StatusError   Status = "error"
)

// Terminal reports whether s is a final state.
func (s Status) Terminal() bool {
	return s == StatusDone || s == StatusError
}

// Kind labels what a job transfers.
type Kind string

// Job kinds started by the service.
const (
	KindPull      Kind = "pull"
	KindPush      Kind = "push"
	KindBatchPush Kind = "batch-push"
	KindNPM       Kind = "npm"
)

var (
	// ErrNotFound is returned for unknown job ids.
	ErrNotFound = errors.New("job: not found")

	// ErrNotTerminal is returned when deleting a job that is still running.
	ErrNotTerminal = errors.New("job: not finished")

	// ErrClosed is returned after the registry was closed.
	ErrClosed = errors.New("job: registry closed")
)

// Result is what a successful task produced.
type Result struct {
	// Filename is reported in the terminal done event.
	Filename string `json:"filename"`

	// Location is the storage key of a stored artifact, if any.
	Location string `json:"location,omitempty"`
}

// Job is a snapshot of a job record.
type Job struct {
	ID      string    `json:"id"`
	Kind    Kind      `json:"kind"`
	Status  Status    `json:"status"`
	Result  *Result   `json:"result,omitempty"`
	Error   string    `json:"error,omitempty"`
	Created time.Time `json:"created"`
	Updated time.Time `json:"updated"`
}

// Task performs one transfer. It reports progress through em and must not
// emit done or error events; the registry emits those from the returned
// result or error.
type Task func(ctx context.Context, em progress.Emitter) (Result, error)
