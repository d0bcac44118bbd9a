package dispatch

import (
	"context"
	"log/slog"
	"time"

	"github.com/cacophony-monitoring/processing/internal/config"
	"github.com/cacophony-monitoring/processing/internal/domain"
)

// sleepShort paces the loop while there is, or soon may be, work.
const sleepShort = 2 * time.Second

// Dispatcher owns the ordered set of Processors and runs the outer loop:
// prerequisite-driven forced re-polls, adaptive sleep, and the periodic
// self-restart that hedges against slow resource leaks in long-lived
// workers.
type Dispatcher struct {
	conf       *config.Config
	clock      domain.Clock
	processors []*Processor
	prereq     map[*Processor]*Processor
}

// NewDispatcher builds an empty dispatcher.
func NewDispatcher(conf *config.Config, clock domain.Clock) *Dispatcher {
	return &Dispatcher{
		conf:   conf,
		clock:  clock,
		prereq: make(map[*Processor]*Processor),
	}
}

// Add appends a processor. Processors with no workers configured are
// dropped. prereq, when non-nil, marks a processor whose output feeds this
// one; a fresh success there forces this processor's next poll.
func (d *Dispatcher) Add(p *Processor, prereq *Processor) {
	if p.NumWorkers < 1 {
		return
	}
	d.processors = append(d.processors, p)
	if prereq != nil {
		d.prereq[p] = prereq
	}
}

// Processors returns the registered processors in poll order.
func (d *Dispatcher) Processors() []*Processor {
	return d.processors
}

// Run polls until the context is cancelled or the restart threshold passes.
// Poll errors never stop the loop.
func (d *Dispatcher) Run(ctx context.Context) error {
	start := d.clock.Now()
	slog.Info("checking for recordings", slog.Int("processors", len(d.processors)))
	for {
		for _, p := range d.processors {
			if q := d.prereq[p]; q != nil && q.LastSuccess().After(p.LastPoll()) {
				p.ForcePoll()
			}
			if err := p.Poll(ctx); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				if domain.IsNetworkError(err) {
					slog.Warn("network error while polling",
						slog.String("processor", p.Name),
						slog.Any("error", err))
				} else {
					slog.Error("poll failed",
						slog.String("processor", p.Name),
						slog.Any("error", err))
				}
			}
		}

		busy, pollable := false, false
		for _, p := range d.processors {
			busy = busy || p.Busy()
			pollable = pollable || p.Pollable()
		}

		if d.conf.RestartAfter > 0 && d.clock.Now().Sub(start) > d.conf.RestartAfter && !busy {
			slog.Info("restart threshold reached, exiting for supervisor restart")
			return nil
		}

		sleep := sleepShort
		if !busy && !pollable {
			sleep = d.conf.NoRecordingsWait()
		}
		select {
		case <-ctx.Done():
			slog.Info("shutting down")
			return nil
		case <-time.After(sleep):
		}
	}
}
