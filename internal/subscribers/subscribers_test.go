package subscribers

import (
	"context"
	"testing"
	"time"
)

func TestSubscribeReceivesEvents(t *testing.T) {
	b := New()
	id, ch := b.Subscribe()
	defer b.Unsubscribe(id)

	b.Alert("P0", "payment gateway down", map[string]any{"service": "kx-gateway"})

	select {
	case evt := <-ch:
		if evt.Type != EventAlert {
			t.Errorf("Type = %v, want %v", evt.Type, EventAlert)
		}
		if evt.Timestamp == "" {
			t.Errorf("Timestamp should be stamped")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := New()
	id, ch := b.Subscribe()
	b.Unsubscribe(id)

	if _, ok := <-ch; ok {
		t.Errorf("channel should be closed after Unsubscribe")
	}
}

func TestPublishNonBlockingOnFullBuffer(t *testing.T) {
	b := New()
	_, ch := b.Subscribe()

	for i := 0; i < subscriberBuffer+10; i++ {
		b.Heartbeat()
	}

	if len(ch) != subscriberBuffer {
		t.Fatalf("buffered channel len = %d, want %d (producer must never block)", len(ch), subscriberBuffer)
	}
}

func TestCountTracksSubscribers(t *testing.T) {
	b := New()
	if b.Count() != 0 {
		t.Fatalf("Count() = %d, want 0", b.Count())
	}
	id1, _ := b.Subscribe()
	id2, _ := b.Subscribe()
	if b.Count() != 2 {
		t.Fatalf("Count() = %d, want 2", b.Count())
	}
	b.Unsubscribe(id1)
	b.Unsubscribe(id2)
	if b.Count() != 0 {
		t.Fatalf("Count() = %d, want 0", b.Count())
	}
}

func TestRunEmitsHeartbeatsUntilCancelled(t *testing.T) {
	b := New()
	_, ch := b.Subscribe()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		b.Run(ctx, 10*time.Millisecond)
		close(done)
	}()

	select {
	case evt := <-ch:
		if evt.Type != EventHeartbeat {
			t.Errorf("Type = %v, want %v", evt.Type, EventHeartbeat)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for heartbeat")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancellation")
	}
}
