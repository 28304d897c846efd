package job

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Gariton/ArtifactFetcher/progress"
)

// Registry owns every job and its bus for the lifetime of a process.
// It is safe for concurrent use.
type Registry struct {
	logger         *slog.Logger
	remove         func(ctx context.Context, res Result) error
	idleTimeout    time.Duration
	maxSubscribers int
	observer       func(id string, e progress.Event)
	now            func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	jobs   map[string]*record
	closed bool
}

type record struct {
	job     Job
	bus     *progress.Bus
	done    chan struct{}
	touched time.Time
}

// New creates an empty registry. With WithIdleTimeout a background sweeper
// runs until Close.
func New(opts ...Option) *Registry {
	r := &Registry{
		jobs: make(map[string]*record),
		now:  time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.ctx, r.cancel = context.WithCancel(context.Background())

	if r.idleTimeout > 0 {
		r.wg.Add(1)
		go r.sweepLoop()
	}
	return r
}

func (r *Registry) log() *slog.Logger {
	if r.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return r.logger
}

// Start registers a queued job and runs task on its own goroutine.
func (r *Registry) Start(kind Kind, task Task) (string, error) {
	now := r.now()
	rec := &record{
		job: Job{
			ID:      uuid.NewString(),
			Kind:    kind,
			Status:  StatusQueued,
			Created: now,
			Updated: now,
		},
		bus:     progress.NewBus(progress.WithMaxSubscribers(r.maxSubscribers)),
		done:    make(chan struct{}),
		touched: now,
	}

	if r.observer != nil {
		id := rec.job.ID
		if _, err := rec.bus.Subscribe(func(e progress.Event) { r.observer(id, e) }); err != nil {
			return "", err
		}
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return "", ErrClosed
	}
	r.jobs[rec.job.ID] = rec
	r.wg.Add(1)
	r.mu.Unlock()

	go r.run(rec, task)
	return rec.job.ID, nil
}

func (r *Registry) run(rec *record, task Task) {
	defer r.wg.Done()
	id := rec.job.ID
	log := r.log().With("job", id, "kind", rec.job.Kind)

	r.update(rec, func(j *Job) { j.Status = StatusRunning })
	log.Info("job started")

	res, err := r.invoke(rec, task)
	if err != nil {
		msg := err.Error()
		r.update(rec, func(j *Job) {
			j.Status = StatusError
			j.Error = msg
		})
		log.Warn("job failed", "error", msg)
		rec.bus.Emit(progress.Error(msg))
	} else {
		r.update(rec, func(j *Job) {
			j.Status = StatusDone
			j.Result = &res
		})
		log.Info("job done", "filename", res.Filename)
		rec.bus.Emit(progress.Done(res.Filename))
	}
	close(rec.done)
}

// invoke runs task, turning a panic into an error.
func (r *Registry) invoke(rec *record, task Task) (res Result, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("job: task panicked: %v", p)
		}
	}()
	return task(r.ctx, taskEmitter{bus: rec.bus, log: r.log().With("job", rec.job.ID)})
}

func (r *Registry) update(rec *record, fn func(*Job)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fn(&rec.job)
	rec.job.Updated = r.now()
	rec.touched = rec.job.Updated
}

// taskEmitter forwards task events to the bus but keeps terminal events
// for the registry.
type taskEmitter struct {
	bus *progress.Bus
	log *slog.Logger
}

func (e taskEmitter) Emit(ev progress.Event) {
	if ev.Terminal() {
		e.log.Warn("dropping terminal event emitted by task", "type", ev.Type)
		return
	}
	e.bus.Emit(ev)
}

func (r *Registry) lookup(id string) (*record, error) {
	rec, ok := r.jobs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return rec, nil
}

// Get returns a snapshot of the job.
func (r *Registry) Get(id string) (Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, err := r.lookup(id)
	if err != nil {
		return Job{}, err
	}
	rec.touched = r.now()
	return snapshot(rec.job), nil
}

func snapshot(j Job) Job {
	if j.Result != nil {
		res := *j.Result
		j.Result = &res
	}
	return j
}

// Subscribe attaches h to the job's bus. Only events emitted after this
// call are delivered; callers wanting the current state use Get.
// Unsubscribing never stops the job.
func (r *Registry) Subscribe(id string, h progress.Handler) (func(), error) {
	r.mu.Lock()
	rec, err := r.lookup(id)
	if err == nil {
		rec.touched = r.now()
	}
	r.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return rec.bus.Subscribe(h)
}

// Wait blocks until the job is terminal or ctx is done.
func (r *Registry) Wait(ctx context.Context, id string) (Job, error) {
	r.mu.Lock()
	rec, err := r.lookup(id)
	r.mu.Unlock()
	if err != nil {
		return Job{}, err
	}
	select {
	case <-rec.done:
		return r.Get(id)
	case <-ctx.Done():
		return Job{}, ctx.Err()
	}
}

// List returns snapshots of all jobs, oldest first.
func (r *Registry) List() []Job {
	r.mu.Lock()
	out := make([]Job, 0, len(r.jobs))
	for _, rec := range r.jobs {
		out = append(out, snapshot(rec.job))
	}
	r.mu.Unlock()

	slices.SortFunc(out, func(a, b Job) int {
		if c := a.Created.Compare(b.Created); c != 0 {
			return c
		}
		if a.ID < b.ID {
			return -1
		}
		if a.ID > b.ID {
			return 1
		}
		return 0
	})
	return out
}

// Delete removes a finished job and its stored artifact.
func (r *Registry) Delete(ctx context.Context, id string) error {
	r.mu.Lock()
	rec, err := r.lookup(id)
	if err != nil {
		r.mu.Unlock()
		return err
	}
	if !rec.job.Status.Terminal() {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s is %s", ErrNotTerminal, id, rec.job.Status)
	}
	job := snapshot(rec.job)
	r.mu.Unlock()

	if err := r.removeResult(ctx, job); err != nil {
		return err
	}

	r.mu.Lock()
	delete(r.jobs, id)
	r.mu.Unlock()
	r.log().Info("job deleted", "job", id)
	return nil
}

func (r *Registry) removeResult(ctx context.Context, j Job) error {
	if r.remove == nil || j.Result == nil || j.Result.Location == "" {
		return nil
	}
	if err := r.remove(ctx, *j.Result); err != nil {
		return fmt.Errorf("job: remove result of %s: %w", j.ID, err)
	}
	return nil
}

// Close stops accepting jobs, cancels running tasks and waits for them to
// return or for ctx to end.
func (r *Registry) Close(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.mu.Unlock()

	r.cancel()
	waited := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(waited)
	}()
	select {
	case <-waited:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
