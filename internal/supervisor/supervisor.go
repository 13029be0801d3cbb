// Package supervisor owns ordered startup and reverse-ordered shutdown of
// every long-lived worker in the pipeline (spec §9: "one owner value per
// subsystem, injected into a top-level supervisor... no global lookups").
package supervisor

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Worker is anything with its own cancellable run loop.
type Worker interface {
	Run(ctx context.Context, interval time.Duration)
}

// intervalFreeFunc adapts a worker whose loop has no externally supplied
// polling interval (e.g. the Stream Analyzer, driven by its own queue
// signal) to the Worker interface.
type intervalFreeFunc func(ctx context.Context)

func (f intervalFreeFunc) Run(ctx context.Context, _ time.Duration) { f(ctx) }

// Func wraps a bare run loop as a Worker, for subsystems that manage their
// own internal cadence instead of taking a polling interval.
func Func(fn func(ctx context.Context)) Worker {
	return intervalFreeFunc(fn)
}

type entry struct {
	name     string
	interval time.Duration
	worker   Worker
}

// Supervisor starts every registered worker in order and stops them in
// reverse order on Shutdown.
type Supervisor struct {
	log     zerolog.Logger
	entries []entry

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates an empty Supervisor.
func New(log zerolog.Logger) *Supervisor {
	return &Supervisor{log: log}
}

// Register adds a worker that will be started with Run(ctx, interval).
func (s *Supervisor) Register(name string, worker Worker, interval time.Duration) {
	s.entries = append(s.entries, entry{name: name, interval: interval, worker: worker})
}

// Start launches every registered worker's loop in its own goroutine, in
// registration order.
func (s *Supervisor) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	for _, e := range s.entries {
		e := e
		s.log.Info().Str("worker", e.name).Dur("interval", e.interval).Msg("supervisor: starting worker")
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			e.worker.Run(ctx, e.interval)
		}()
	}
}

// Shutdown cancels every worker's context and waits up to timeout for
// them to return, logging workers in reverse-registration order as they
// are expected to wind down.
func (s *Supervisor) Shutdown(timeout time.Duration) {
	if s.cancel == nil {
		return
	}
	for i := len(s.entries) - 1; i >= 0; i-- {
		s.log.Info().Str("worker", s.entries[i].name).Msg("supervisor: stopping worker")
	}
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(timeout):
		s.log.Warn().Msg("supervisor: shutdown timed out waiting for workers")
	}
}
