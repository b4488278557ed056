// Package cron is a small in-process scheduler over standard five-segment
// cron expressions (six with a leading seconds field). Each job runs in its
// own goroutine, sequentially with respect to itself: the next tick is not
// armed until the previous run returns.
package cron

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/adhocore/gronx"
)

// Job describes one scheduled task for status listings.
type Job struct {
	Name string
	Expr string
	Next time.Time
}

type job struct {
	name string
	expr string
	fn   func(context.Context)

	mu   sync.Mutex
	next time.Time
}

// Scheduler runs registered jobs on their cron schedule.
type Scheduler struct {
	mu      sync.Mutex
	jobs    []*job
	started bool
	stop    context.CancelFunc
	wg      sync.WaitGroup
}

// New returns an empty scheduler.
func New() *Scheduler {
	return &Scheduler{}
}

// Add registers a job. The expression is validated by computing its next
// tick. Add must be called before Start.
func (s *Scheduler) Add(name, expr string, fn func(context.Context)) error {
	if _, err := gronx.NextTickAfter(expr, time.Now(), false); err != nil {
		return fmt.Errorf("cron: invalid expression %q for %s: %w", expr, name, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return fmt.Errorf("cron: scheduler already started")
	}
	s.jobs = append(s.jobs, &job{name: name, expr: expr, fn: fn})
	return nil
}

// Start launches one goroutine per job. The jobs stop when ctx is cancelled
// or Stop is called.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true

	ctx, s.stop = context.WithCancel(ctx)
	for _, j := range s.jobs {
		s.wg.Add(1)
		go s.run(ctx, j)
	}
	slog.Info("cron scheduler started", "jobs", len(s.jobs))
}

// Stop cancels all jobs and waits for in-flight runs to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	stop := s.stop
	s.mu.Unlock()
	if stop != nil {
		stop()
	}
	s.wg.Wait()
}

// Jobs returns a snapshot of the schedule for status output.
func (s *Scheduler) Jobs() []Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		j.mu.Lock()
		out = append(out, Job{Name: j.name, Expr: j.expr, Next: j.next})
		j.mu.Unlock()
	}
	return out
}

func (s *Scheduler) run(ctx context.Context, j *job) {
	defer s.wg.Done()
	for {
		next, err := gronx.NextTickAfter(j.expr, time.Now(), false)
		if err != nil {
			slog.Error("cron schedule became uncomputable", "job", j.name, "expr", j.expr, "error", err)
			return
		}
		j.mu.Lock()
		j.next = next
		j.mu.Unlock()

		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		invoke(ctx, j)
	}
}

// invoke runs the job body with panic isolation so one bad job cannot take
// down the scheduler.
func invoke(ctx context.Context, j *job) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("cron job panicked", "job", j.name, "panic", r, "stack", string(debug.Stack()))
		}
	}()
	start := time.Now()
	slog.Debug("cron job firing", "job", j.name)
	j.fn(ctx)
	slog.Debug("cron job done", "job", j.name, "took", time.Since(start))
}
