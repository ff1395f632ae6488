package supervisor

import (
	"log"
	"sync/atomic"
	"time"

	"foreman/pkg/models"
)

// Emitter is the supervisor's outbound event stream. Emission never blocks
// the supervisor for long: when the channel is full the send is retried
// briefly, then the event is dropped and counted.
type Emitter struct {
	events       chan models.Event
	droppedCount atomic.Uint64
	closed       atomic.Bool
}

// NewEmitter creates an emitter with the given buffer size.
func NewEmitter(bufferSize int) *Emitter {
	if bufferSize <= 0 {
		bufferSize = 256
	}
	return &Emitter{events: make(chan models.Event, bufferSize)}
}

// Emit sends an event to the stream. If the channel is full it retries
// with a short timeout before dropping the event.
func (e *Emitter) Emit(event models.Event) {
	if e.closed.Load() {
		return
	}

	select {
	case e.events <- event:
		return
	default:
	}

	// Give a slow consumer a chance to drain before dropping.
	select {
	case e.events <- event:
	case <-time.After(100 * time.Millisecond):
		count := e.droppedCount.Add(1)
		if count%10 == 1 { // log every 10th drop to avoid spam
			log.Printf("[supervisor] WARNING: event channel full, dropped event (total dropped: %d): type=%s", count, event.Type)
		}
	}
}

// DroppedCount returns the total number of dropped events.
func (e *Emitter) DroppedCount() uint64 {
	return e.droppedCount.Load()
}

// Events returns the read side of the stream.
func (e *Emitter) Events() <-chan models.Event {
	return e.events
}

// Close closes the stream. Emit becomes a no-op afterward.
func (e *Emitter) Close() {
	if e.closed.CompareAndSwap(false, true) {
		close(e.events)
	}
}
