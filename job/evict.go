package job

import "time"

// Sweep removes finished jobs idle for longer than the idle timeout and
// returns how many were evicted. It does nothing without an idle timeout.
func (r *Registry) Sweep() int {
	if r.idleTimeout <= 0 {
		return 0
	}
	cutoff := r.now().Add(-r.idleTimeout)

	// Records leave the map before their results are removed, so a job is
	// never visible without its artifact.
	type evictee struct {
		rec *record
		job Job
	}
	r.mu.Lock()
	var stale []evictee
	for id, rec := range r.jobs {
		if rec.job.Status.Terminal() && rec.touched.Before(cutoff) {
			stale = append(stale, evictee{rec: rec, job: snapshot(rec.job)})
			delete(r.jobs, id)
		}
	}
	r.mu.Unlock()

	evicted := 0
	for _, e := range stale {
		j := e.job
		if err := r.removeResult(r.ctx, j); err != nil {
			r.log().Warn("evict job", "job", j.ID, "error", err)
			r.mu.Lock()
			if _, ok := r.jobs[j.ID]; !ok {
				r.jobs[j.ID] = e.rec
			}
			r.mu.Unlock()
			continue
		}
		evicted++
	}
	if evicted > 0 {
		r.log().Info("evicted idle jobs", "count", evicted)
	}
	return evicted
}

func (r *Registry) sweepLoop() {
	defer r.wg.Done()
	interval := max(r.idleTimeout/2, time.Second)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			r.Sweep()
		}
	}
}
