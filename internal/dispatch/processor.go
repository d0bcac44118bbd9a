// Package dispatch runs the outer poll loop: one Processor per
// (recording type, state list), each with a bounded set of concurrent
// workers, coordinated by the Dispatcher.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cacophony-monitoring/processing/internal/domain"
	"github.com/cacophony-monitoring/processing/internal/observability"
	"github.com/cacophony-monitoring/processing/internal/pipeline"
)

type jobState int32

const (
	statePending jobState = iota
	stateRunning
	stateDone
	stateCancelled
)

// jobHandle tracks one scheduled job. The state field moves
// pending→running→done, or pending→cancelled when a duplicate dispatch
// cancels the job before its worker started.
type jobHandle struct {
	jobKey   string
	cancel   context.CancelFunc
	state    atomic.Int32
	err      error
	duration time.Duration
	done     chan struct{}
}

func newJobHandle(jobKey string, cancel context.CancelFunc) *jobHandle {
	return &jobHandle{jobKey: jobKey, cancel: cancel, done: make(chan struct{})}
}

// tryCancel succeeds only while the job has not started. A running job
// cannot be cancelled.
func (h *jobHandle) tryCancel() bool {
	if h.state.CompareAndSwap(int32(statePending), int32(stateCancelled)) {
		h.cancel()
		return true
	}
	return false
}

func (h *jobHandle) run(ctx context.Context, handler pipeline.Handler, job *domain.Job) {
	defer h.cancel()
	if !h.state.CompareAndSwap(int32(statePending), int32(stateRunning)) {
		return
	}
	start := time.Now()
	h.err = invoke(ctx, handler, job)
	h.duration = time.Since(start)
	h.state.Store(int32(stateDone))
	close(h.done)
}

// invoke contains handler panics so a crashing worker is reaped and reported
// failed instead of taking down the dispatcher.
func invoke(ctx context.Context, handler pipeline.Handler, job *domain.Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("panic recovered in job handler",
				slog.Int64("recording_id", job.Recording.ID),
				slog.Any("recover", r))
			err = fmt.Errorf("job panicked: %v", r)
		}
	}()
	return handler(ctx, job)
}

// Processor polls one queue and keeps at most NumWorkers jobs in flight.
// Poll and reap run on the dispatcher goroutine; only the job handlers run
// concurrently.
type Processor struct {
	Name       string
	Type       string
	States     []string
	Handler    pipeline.Handler
	NumWorkers int

	api        domain.API
	clock      domain.Clock
	noJobSleep time.Duration

	mu              sync.Mutex
	inProgress      map[int64]*jobHandle
	lastPoll        time.Time
	lastPollSuccess bool
	lastSuccess     time.Time
	forced          bool
}

// NewProcessor builds a Processor. The api session is used for polling and
// failure reporting only; handlers establish their own sessions.
func NewProcessor(name, recordingType string, states []string, handler pipeline.Handler, numWorkers int, api domain.API, clock domain.Clock, noJobSleep time.Duration) *Processor {
	return &Processor{
		Name:       name,
		Type:       recordingType,
		States:     states,
		Handler:    handler,
		NumWorkers: numWorkers,
		api:        api,
		clock:      clock,
		noJobSleep: noJobSleep,
		inProgress: make(map[int64]*jobHandle),
	}
}

func (p *Processor) full() bool {
	return len(p.inProgress) >= p.NumWorkers
}

// shouldPoll suppresses polling while at capacity, and backs off after an
// empty poll until noJobSleep has elapsed. ForcePoll overrides the back-off.
func (p *Processor) shouldPoll() bool {
	if p.full() {
		return false
	}
	if p.forced || p.lastPollSuccess || p.lastPoll.IsZero() {
		return true
	}
	return p.clock.Now().Sub(p.lastPoll) > p.noJobSleep
}

// ForcePoll makes the next Poll bypass the empty-poll back-off. Called by
// the dispatcher when a prerequisite processor just produced output.
func (p *Processor) ForcePoll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.forced = true
}

// Busy reports whether any job is in flight.
func (p *Processor) Busy() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.inProgress) > 0
}

// Pollable reports whether the next Poll would actually hit the service.
func (p *Processor) Pollable() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.shouldPoll()
}

// LastPoll is the time of the most recent queue poll.
func (p *Processor) LastPoll() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastPoll
}

// LastSuccess is the time of the most recent successful job completion.
func (p *Processor) LastSuccess() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastSuccess
}

// Poll reaps completed jobs, then asks the service for new work in each of
// the processor's states, scheduling whatever arrives.
func (p *Processor) Poll(ctx context.Context) error {
	p.reapCompleted(ctx)

	p.mu.Lock()
	if !p.shouldPoll() {
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()

	found := false
	var pollErr error
	for _, state := range p.States {
		job, err := p.api.NextJob(ctx, p.Type, state)
		if err != nil {
			observability.PollsTotal.WithLabelValues(p.Name, "error").Inc()
			pollErr = err
			break
		}
		if job == nil {
			observability.PollsTotal.WithLabelValues(p.Name, "empty").Inc()
			continue
		}
		observability.PollsTotal.WithLabelValues(p.Name, "job").Inc()
		if p.dispatch(ctx, job) {
			found = true
		}
	}

	p.mu.Lock()
	p.lastPoll = p.clock.Now()
	p.lastPollSuccess = found
	p.forced = false
	p.mu.Unlock()
	return pollErr
}

// dispatch schedules one job. When the service hands back a recording id
// already in flight, the existing job is cancelled and replaced; if it
// cannot be cancelled the new assignment is skipped.
func (p *Processor) dispatch(ctx context.Context, job *domain.Job) bool {
	id := job.Recording.ID
	p.mu.Lock()
	if existing, ok := p.inProgress[id]; ok {
		if !existing.tryCancel() {
			p.mu.Unlock()
			slog.Warn("duplicate job already running, skipping",
				slog.String("processor", p.Name),
				slog.Int64("recording_id", id))
			return false
		}
		delete(p.inProgress, id)
		observability.JobsInFlight.WithLabelValues(p.Name).Dec()
	}
	jobCtx, cancel := context.WithCancel(ctx)
	handle := newJobHandle(job.JobKey, cancel)
	p.inProgress[id] = handle
	p.mu.Unlock()

	slog.Debug("scheduling job",
		slog.String("processor", p.Name),
		slog.Int64("recording_id", id),
		slog.String("state", job.Recording.ProcessingState))
	observability.JobsDispatchedTotal.WithLabelValues(p.Name).Inc()
	observability.JobsInFlight.WithLabelValues(p.Name).Inc()
	go handle.run(jobCtx, p.Handler, job)
	return true
}

// reapCompleted removes terminal jobs. Failed jobs are reported to the
// service; a failure of that report is logged and swallowed. Cancelled jobs
// report nothing.
func (p *Processor) reapCompleted(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, handle := range p.inProgress {
		switch jobState(handle.state.Load()) {
		case stateCancelled:
			delete(p.inProgress, id)
			observability.JobsInFlight.WithLabelValues(p.Name).Dec()
		case stateDone:
			delete(p.inProgress, id)
			observability.JobsInFlight.WithLabelValues(p.Name).Dec()
			observability.JobDuration.WithLabelValues(p.Name).Observe(handle.duration.Seconds())
			if handle.err != nil {
				observability.JobsFailedTotal.WithLabelValues(p.Name).Inc()
				slog.Error("job failed",
					slog.String("processor", p.Name),
					slog.Int64("recording_id", id),
					slog.Any("error", handle.err))
				if err := p.api.ReportFailed(ctx, id, handle.jobKey); err != nil {
					slog.Error("failed to report job failure",
						slog.String("processor", p.Name),
						slog.Int64("recording_id", id),
						slog.Any("error", err))
				}
			} else {
				observability.JobsCompletedTotal.WithLabelValues(p.Name).Inc()
				p.lastSuccess = p.clock.Now()
			}
		default:
		}
	}
}
