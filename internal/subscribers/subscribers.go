// Package subscribers implements the Subscriber Bus (spec §4.8): a
// push-only fanout to external observers, best-effort and non-blocking so
// one slow subscriber never stalls the Stream Analyzer that produces into
// it.
package subscribers

import (
	"context"
	"sync"
	"time"
)

// EventType enumerates the five outbound message kinds.
type EventType string

const (
	EventAnalysisStart    EventType = "analysis-start"
	EventAnalysisChunk    EventType = "analysis-chunk"
	EventAnalysisComplete EventType = "analysis-complete"
	EventAlert            EventType = "alert"
	EventHeartbeat        EventType = "heartbeat"
)

// Event is one outbound push message.
type Event struct {
	Type       EventType `json:"type"`
	Data       any       `json:"data,omitempty"`
	AnomalyIDs []string  `json:"anomalyIds,omitempty"`
	Timestamp  string    `json:"timestamp"`
}

const subscriberBuffer = 32

type subscriber struct {
	id string
	ch chan Event
}

// Bus fans out Events to a dynamic set of subscribers. Delivery never
// blocks: a subscriber whose buffer is full simply misses the message.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string]*subscriber
	nextID      int
}

// New creates an empty Bus.
func New() *Bus {
	return &Bus{subscribers: make(map[string]*subscriber)}
}

// Subscribe registers a new observer and returns its id plus a read-only
// channel of Events. Unsubscribe must be called to release it.
func (b *Bus) Subscribe() (string, <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := itoa(b.nextID)
	s := &subscriber{id: id, ch: make(chan Event, subscriberBuffer)}
	b.subscribers[id] = s
	return id, s.ch
}

// Unsubscribe removes and closes a subscriber's channel.
func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if s, ok := b.subscribers[id]; ok {
		delete(b.subscribers, id)
		close(s.ch)
	}
}

// Count returns the number of currently connected subscribers, for
// heartbeat payloads.
func (b *Bus) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

func (b *Bus) publish(evt Event) {
	evt.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.subscribers {
		select {
		case s.ch <- evt:
		default:
			// Slow subscriber: drop rather than block the producer.
		}
	}
}

// AnalysisStart notifies subscribers a batch dispatch has begun.
func (b *Bus) AnalysisStart(anomalyIDs []string) {
	b.publish(Event{Type: EventAnalysisStart, AnomalyIDs: anomalyIDs})
}

// StreamChunk forwards one fragment of LLM output as soon as it arrives.
func (b *Bus) StreamChunk(data string, anomalyIDs []string) {
	b.publish(Event{Type: EventAnalysisChunk, Data: data, AnomalyIDs: anomalyIDs})
}

// AnalysisComplete notifies subscribers a batch dispatch has finished,
// successfully or not.
func (b *Bus) AnalysisComplete(anomalyIDs []string, finalText string) {
	b.publish(Event{Type: EventAnalysisComplete, Data: finalText, AnomalyIDs: anomalyIDs})
}

// Alert delivers an immediate P0 notification, bypassing normal batching.
func (b *Bus) Alert(severity, message string, context map[string]any) {
	b.publish(Event{Type: EventAlert, Data: map[string]any{
		"severity": severity,
		"message":  message,
		"context":  context,
	}})
}

// Heartbeat reports the current subscriber count.
func (b *Bus) Heartbeat() {
	b.publish(Event{Type: EventHeartbeat, Data: map[string]any{"clients": b.Count()}})
}

// Run emits a Heartbeat every interval until ctx is cancelled.
func (b *Bus) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.Heartbeat()
		}
	}
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}
