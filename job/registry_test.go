package job_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Gariton/ArtifactFetcher/job"
	"github.com/Gariton/ArtifactFetcher/progress"
)

func newRegistry(t *testing.T, opts ...job.Option) *job.Registry {
	t.Helper()
	r := job.New(opts...)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = r.Close(ctx)
	})
	return r
}

// gatedTask waits on release before emitting events, so tests can subscribe
// before anything happens.
func gatedTask(release <-chan struct{}, events []progress.Event, res job.Result, err error) job.Task {
	return func(ctx context.Context, em progress.Emitter) (job.Result, error) {
		select {
		case <-release:
		case <-ctx.Done():
			return job.Result{}, ctx.Err()
		}
		for _, e := range events {
			em.Emit(e)
		}
		return res, err
	}
}

func wait(t *testing.T, r *job.Registry, id string) job.Job {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	j, err := r.Wait(ctx, id)
	require.NoError(t, err)
	return j
}

func TestRegistry_DoneIsLastEvent(t *testing.T) {
	t.Parallel()
	r := newRegistry(t)
	release := make(chan struct{})
	id, err := r.Start(job.KindPull, gatedTask(release, []progress.Event{
		progress.StageEvent(progress.StageAuth),
		progress.StageEvent(progress.StageResolveManifest),
		progress.Done("ignored.tar"),
		progress.StageEvent(progress.StageTarWriting),
	}, job.Result{Filename: "library_redis@7.2.tar"}, nil))
	require.NoError(t, err)

	rec := &progress.Recorder{}
	_, err = r.Subscribe(id, rec.Handle)
	require.NoError(t, err)
	close(release)

	j := wait(t, r, id)
	assert.Equal(t, job.StatusDone, j.Status)
	require.NotNil(t, j.Result)
	assert.Equal(t, "library_redis@7.2.tar", j.Result.Filename)

	want := []progress.Event{
		progress.StageEvent(progress.StageAuth),
		progress.StageEvent(progress.StageResolveManifest),
		progress.StageEvent(progress.StageTarWriting),
		progress.Done("library_redis@7.2.tar"),
	}
	if diff := cmp.Diff(want, rec.Events()); diff != "" {
		t.Errorf("events mismatch (-want +got):\n%s", diff)
	}
}

func TestRegistry_ErrorIsLastEvent(t *testing.T) {
	t.Parallel()
	r := newRegistry(t)
	release := make(chan struct{})
	id, err := r.Start(job.KindPush, gatedTask(release, []progress.Event{
		progress.StageEvent(progress.StagePrepare),
		progress.Error("ignored"),
	}, job.Result{}, errors.New("registry: blob upload failed: 400")))
	require.NoError(t, err)

	rec := &progress.Recorder{}
	_, err = r.Subscribe(id, rec.Handle)
	require.NoError(t, err)
	close(release)

	j := wait(t, r, id)
	assert.Equal(t, job.StatusError, j.Status)
	assert.Equal(t, "registry: blob upload failed: 400", j.Error)
	assert.Nil(t, j.Result)

	want := []progress.Event{
		progress.StageEvent(progress.StagePrepare),
		progress.Error("registry: blob upload failed: 400"),
	}
	if diff := cmp.Diff(want, rec.Events()); diff != "" {
		t.Errorf("events mismatch (-want +got):\n%s", diff)
	}
}

func TestRegistry_StatusSetBeforeTerminalEvent(t *testing.T) {
	t.Parallel()
	r := newRegistry(t)
	release := make(chan struct{})
	id, err := r.Start(job.KindPull, gatedTask(release, nil, job.Result{Filename: "a.tar"}, nil))
	require.NoError(t, err)

	var seen job.Job
	_, err = r.Subscribe(id, func(e progress.Event) {
		if e.Type == progress.TypeDone {
			seen, _ = r.Get(id)
		}
	})
	require.NoError(t, err)
	close(release)
	wait(t, r, id)

	assert.Equal(t, job.StatusDone, seen.Status)
	require.NotNil(t, seen.Result)
	assert.Equal(t, "a.tar", seen.Result.Filename)
}

func TestRegistry_Panic(t *testing.T) {
	t.Parallel()
	r := newRegistry(t)
	id, err := r.Start(job.KindNPM, func(context.Context, progress.Emitter) (job.Result, error) {
		panic("boom")
	})
	require.NoError(t, err)

	j := wait(t, r, id)
	assert.Equal(t, job.StatusError, j.Status)
	assert.Contains(t, j.Error, "boom")
}

func TestRegistry_QueuedThenRunning(t *testing.T) {
	t.Parallel()
	r := newRegistry(t)
	release := make(chan struct{})
	running := make(chan struct{})
	id, err := r.Start(job.KindPull, func(ctx context.Context, _ progress.Emitter) (job.Result, error) {
		close(running)
		<-release
		return job.Result{Filename: "x.tar"}, nil
	})
	require.NoError(t, err)

	j, err := r.Get(id)
	require.NoError(t, err)
	assert.Contains(t, []job.Status{job.StatusQueued, job.StatusRunning}, j.Status)
	assert.Equal(t, job.KindPull, j.Kind)

	<-running
	j, err = r.Get(id)
	require.NoError(t, err)
	assert.Equal(t, job.StatusRunning, j.Status)

	close(release)
	assert.Equal(t, job.StatusDone, wait(t, r, id).Status)
}

func TestRegistry_UnsubscribeDoesNotCancel(t *testing.T) {
	t.Parallel()
	r := newRegistry(t)
	release := make(chan struct{})
	id, err := r.Start(job.KindPull, gatedTask(release, []progress.Event{
		progress.StageEvent(progress.StageAuth),
	}, job.Result{Filename: "x.tar"}, nil))
	require.NoError(t, err)

	rec := &progress.Recorder{}
	unsub, err := r.Subscribe(id, rec.Handle)
	require.NoError(t, err)
	unsub()
	close(release)

	assert.Equal(t, job.StatusDone, wait(t, r, id).Status)
	assert.Empty(t, rec.Events())
}

func TestRegistry_Delete(t *testing.T) {
	t.Parallel()
	var mu sync.Mutex
	var removed []string
	r := newRegistry(t, job.WithResultRemover(func(_ context.Context, res job.Result) error {
		mu.Lock()
		defer mu.Unlock()
		removed = append(removed, res.Location)
		return nil
	}))
	ctx := context.Background()

	release := make(chan struct{})
	id, err := r.Start(job.KindPull, gatedTask(release, nil, job.Result{Filename: "a.tar", Location: "jobs/a.tar"}, nil))
	require.NoError(t, err)

	err = r.Delete(ctx, id)
	require.ErrorIs(t, err, job.ErrNotTerminal)

	close(release)
	wait(t, r, id)

	require.NoError(t, r.Delete(ctx, id))
	assert.Equal(t, []string{"jobs/a.tar"}, removed)

	_, err = r.Get(id)
	require.ErrorIs(t, err, job.ErrNotFound)
	require.ErrorIs(t, r.Delete(ctx, id), job.ErrNotFound)
	_, err = r.Subscribe(id, func(progress.Event) {})
	require.ErrorIs(t, err, job.ErrNotFound)
}

func TestRegistry_DeleteRemoverFailure(t *testing.T) {
	t.Parallel()
	r := newRegistry(t, job.WithResultRemover(func(context.Context, job.Result) error {
		return errors.New("disk gone")
	}))
	id, err := r.Start(job.KindPull, func(context.Context, progress.Emitter) (job.Result, error) {
		return job.Result{Filename: "a.tar", Location: "a.tar"}, nil
	})
	require.NoError(t, err)
	wait(t, r, id)

	err = r.Delete(context.Background(), id)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk gone")

	_, err = r.Get(id)
	require.NoError(t, err, "job stays registered when the artifact could not be removed")
}

func TestRegistry_List(t *testing.T) {
	t.Parallel()
	clock := newFakeClock()
	r := newRegistry(t, job.WithClock(clock.Now))

	var ids []string
	for range 3 {
		id, err := r.Start(job.KindPush, func(context.Context, progress.Emitter) (job.Result, error) {
			return job.Result{Filename: "x"}, nil
		})
		require.NoError(t, err)
		ids = append(ids, id)
		clock.Advance(time.Second)
	}
	for _, id := range ids {
		wait(t, r, id)
	}

	jobs := r.List()
	require.Len(t, jobs, 3)
	for i, j := range jobs {
		assert.Equal(t, ids[i], j.ID)
	}
}

func TestRegistry_Sweep(t *testing.T) {
	t.Parallel()
	clock := newFakeClock()
	var removed []string
	r := newRegistry(t,
		job.WithClock(clock.Now),
		job.WithIdleTimeout(time.Hour),
		job.WithResultRemover(func(_ context.Context, res job.Result) error {
			removed = append(removed, res.Location)
			return nil
		}),
	)

	finished, err := r.Start(job.KindPull, func(context.Context, progress.Emitter) (job.Result, error) {
		return job.Result{Filename: "a.tar", Location: "a.tar"}, nil
	})
	require.NoError(t, err)
	wait(t, r, finished)

	release := make(chan struct{})
	defer close(release)
	running, err := r.Start(job.KindPull, gatedTask(release, nil, job.Result{}, nil))
	require.NoError(t, err)

	clock.Advance(30 * time.Minute)
	assert.Zero(t, r.Sweep())

	clock.Advance(31 * time.Minute)
	assert.Equal(t, 1, r.Sweep())
	assert.Equal(t, []string{"a.tar"}, removed)

	_, err = r.Get(finished)
	require.ErrorIs(t, err, job.ErrNotFound)
	_, err = r.Get(running)
	require.NoError(t, err, "running jobs are never evicted")
}

func TestRegistry_SweepEvictsBeforeRemovingResult(t *testing.T) {
	t.Parallel()
	clock := newFakeClock()
	removing := make(chan struct{})
	release := make(chan struct{})
	r := newRegistry(t,
		job.WithClock(clock.Now),
		job.WithIdleTimeout(time.Hour),
		job.WithResultRemover(func(context.Context, job.Result) error {
			close(removing)
			<-release
			return nil
		}),
	)
	id, err := r.Start(job.KindPull, func(context.Context, progress.Emitter) (job.Result, error) {
		return job.Result{Filename: "a.tar", Location: "a.tar"}, nil
	})
	require.NoError(t, err)
	wait(t, r, id)

	clock.Advance(2 * time.Hour)
	swept := make(chan int, 1)
	go func() { swept <- r.Sweep() }()
	<-removing

	// A reader arriving while the artifact is being removed must not see
	// a done job whose result is gone.
	_, err = r.Get(id)
	require.ErrorIs(t, err, job.ErrNotFound)

	close(release)
	assert.Equal(t, 1, <-swept)
	_, err = r.Get(id)
	require.ErrorIs(t, err, job.ErrNotFound)
}

func TestRegistry_SweepKeepsJobWhenRemoveFails(t *testing.T) {
	t.Parallel()
	clock := newFakeClock()
	r := newRegistry(t,
		job.WithClock(clock.Now),
		job.WithIdleTimeout(time.Hour),
		job.WithResultRemover(func(context.Context, job.Result) error {
			return errors.New("store offline")
		}),
	)
	id, err := r.Start(job.KindPull, func(context.Context, progress.Emitter) (job.Result, error) {
		return job.Result{Filename: "a.tar", Location: "a.tar"}, nil
	})
	require.NoError(t, err)
	wait(t, r, id)

	clock.Advance(2 * time.Hour)
	assert.Zero(t, r.Sweep())
	j, err := r.Get(id)
	require.NoError(t, err)
	assert.Equal(t, "a.tar", j.Result.Location)
}

func TestRegistry_SweepDisabled(t *testing.T) {
	t.Parallel()
	clock := newFakeClock()
	r := newRegistry(t, job.WithClock(clock.Now))
	id, err := r.Start(job.KindPull, func(context.Context, progress.Emitter) (job.Result, error) {
		return job.Result{Filename: "a.tar"}, nil
	})
	require.NoError(t, err)
	wait(t, r, id)

	clock.Advance(24 * time.Hour)
	assert.Zero(t, r.Sweep())
	_, err = r.Get(id)
	require.NoError(t, err)
}

func TestRegistry_CloseCancelsTasks(t *testing.T) {
	t.Parallel()
	r := job.New()
	started := make(chan struct{})
	id, err := r.Start(job.KindPull, func(ctx context.Context, _ progress.Emitter) (job.Result, error) {
		close(started)
		<-ctx.Done()
		return job.Result{}, ctx.Err()
	})
	require.NoError(t, err)
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, r.Close(ctx))

	j, err := r.Get(id)
	require.NoError(t, err)
	assert.Equal(t, job.StatusError, j.Status)
	assert.Equal(t, context.Canceled.Error(), j.Error)

	_, err = r.Start(job.KindPull, func(context.Context, progress.Emitter) (job.Result, error) {
		return job.Result{}, nil
	})
	require.ErrorIs(t, err, job.ErrClosed)
}

func TestRegistry_WaitContext(t *testing.T) {
	t.Parallel()
	r := newRegistry(t)
	release := make(chan struct{})
	defer close(release)
	id, err := r.Start(job.KindPull, gatedTask(release, nil, job.Result{}, nil))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = r.Wait(ctx, id)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	_, err = r.Wait(context.Background(), "missing")
	require.ErrorIs(t, err, job.ErrNotFound)
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestRegistry_ObserverSeesEveryEvent(t *testing.T) {
	t.Parallel()
	var mu sync.Mutex
	seen := map[string][]progress.Type{}
	r := newRegistry(t, job.WithObserver(func(id string, e progress.Event) {
		mu.Lock()
		defer mu.Unlock()
		seen[id] = append(seen[id], e.Type)
	}))

	id, err := r.Start(job.KindPull, func(_ context.Context, em progress.Emitter) (job.Result, error) {
		em.Emit(progress.StageEvent(progress.StageAuth))
		return job.Result{Filename: "a.tar"}, nil
	})
	require.NoError(t, err)
	wait(t, r, id)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []progress.Type{progress.TypeStage, progress.TypeDone}, seen[id])
}
