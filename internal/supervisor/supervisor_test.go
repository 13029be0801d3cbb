package supervisor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

type recordingWorker struct {
	mu      sync.Mutex
	started bool
	stopped bool
}

func (w *recordingWorker) Run(ctx context.Context, interval time.Duration) {
	w.mu.Lock()
	w.started = true
	w.mu.Unlock()
	<-ctx.Done()
	w.mu.Lock()
	w.stopped = true
	w.mu.Unlock()
}

func (w *recordingWorker) snapshot() (started, stopped bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.started, w.stopped
}

func TestStartLaunchesAllWorkers(t *testing.T) {
	s := New(zerolog.Nop())
	w1, w2 := &recordingWorker{}, &recordingWorker{}
	s.Register("one", w1, time.Second)
	s.Register("two", w2, time.Second)

	s.Start(context.Background())
	defer s.Shutdown(time.Second)

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		s1, _ := w1.snapshot()
		s2, _ := w2.snapshot()
		if s1 && s2 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("not all workers started")
}

func TestShutdownCancelsAndWaits(t *testing.T) {
	s := New(zerolog.Nop())
	w := &recordingWorker{}
	s.Register("worker", w, time.Second)
	s.Start(context.Background())

	s.Shutdown(time.Second)

	_, stopped := w.snapshot()
	if !stopped {
		t.Fatal("expected worker to observe shutdown and return")
	}
}

func TestFuncAdaptsIntervalFreeWorker(t *testing.T) {
	var called bool
	var mu sync.Mutex
	done := make(chan struct{})
	worker := Func(func(ctx context.Context) {
		mu.Lock()
		called = true
		mu.Unlock()
		close(done)
		<-ctx.Done()
	})

	ctx, cancel := context.WithCancel(context.Background())
	go worker.Run(ctx, 0)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("wrapped func never ran")
	}
	cancel()

	mu.Lock()
	defer mu.Unlock()
	if !called {
		t.Fatal("expected Func-wrapped worker to run")
	}
}
