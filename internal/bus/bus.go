// Package bus implements the priority message bus that routes messages
// between workers. Delivery honors tier ordering (critical before high
// before normal before low) and FIFO order within a tier, per recipient.
// There is no global cross-tier ordering and no automatic retry or expiry:
// a message stays queued until it is explicitly consumed or cleared.
package bus

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"foreman/pkg/models"
)

// Filter restricts which messages Consume returns. A nil filter matches
// every message.
type Filter func(models.Message) bool

// Option configures a Bus.
type Option func(*Bus)

// WithFlowHistoryCap overrides the bound on the rolling flow history.
func WithFlowHistoryCap(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.flows.historyCap = n
		}
	}
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(b *Bus) { b.now = now }
}

// Bus is the in-memory priority message bus. It exclusively owns all
// queued messages; callers only ever see copies.
type Bus struct {
	mu sync.Mutex
	// queues holds one FIFO bucket per priority tier.
	queues map[models.Priority][]models.Message
	// flows records per-(sender, recipient) traffic statistics.
	flows *flowStats

	now func() time.Time
}

// New creates an empty bus.
func New(opts ...Option) *Bus {
	b := &Bus{
		queues: make(map[models.Priority][]models.Message, len(models.Priorities)),
		flows:  newFlowStats(defaultFlowHistoryCap),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Send queues the message in the bucket matching its priority and records
// a flow-statistics entry for the (sender, recipient) pair. Missing ID,
// timestamp or priority are filled with defaults. Returns a copy of the
// queued message.
func (b *Bus) Send(msg models.Message) models.Message {
	b.mu.Lock()
	defer b.mu.Unlock()

	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = b.now()
	}
	if !msg.Priority.Valid() {
		msg.Priority = models.PriorityNormal
	}
	msg.State = models.DeliveryPending

	b.queues[msg.Priority] = append(b.queues[msg.Priority], msg)
	b.flows.record(msg.From, msg.To, msg.Timestamp)

	return msg
}

// Consume returns up to max messages addressed to the recipient, marking
// them delivered and removing them from the queue. Tier order is honored:
// every queued critical message for the recipient is returned before any
// high one, and so on; within a tier, arrival order is preserved. A max
// of zero or less means no limit. The optional filter further restricts
// eligibility; filtered-out messages stay queued.
func (b *Bus) Consume(recipientID string, filter Filter, max int) []models.Message {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []models.Message
	for _, tier := range models.Priorities {
		queue := b.queues[tier]
		kept := queue[:0]
		for _, msg := range queue {
			if max > 0 && len(out) >= max {
				kept = append(kept, msg)
				continue
			}
			if msg.To != recipientID || (filter != nil && !filter(msg)) {
				kept = append(kept, msg)
				continue
			}
			msg.State = models.DeliveryDelivered
			out = append(out, msg)
		}
		b.queues[tier] = kept
	}
	return out
}

// ConsumeOne returns the single next eligible message for the recipient,
// or false if none is queued.
func (b *Bus) ConsumeOne(recipientID string, filter Filter) (models.Message, bool) {
	msgs := b.Consume(recipientID, filter, 1)
	if len(msgs) == 0 {
		return models.Message{}, false
	}
	return msgs[0], true
}

// Clear drops queued messages. With a recipient ID it drops only that
// recipient's messages; with an empty string it drops everything.
// Returns the number of messages dropped.
func (b *Bus) Clear(recipientID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	dropped := 0
	for _, tier := range models.Priorities {
		if recipientID == "" {
			dropped += len(b.queues[tier])
			b.queues[tier] = nil
			continue
		}
		queue := b.queues[tier]
		kept := queue[:0]
		for _, msg := range queue {
			if msg.To == recipientID {
				dropped++
				continue
			}
			kept = append(kept, msg)
		}
		b.queues[tier] = kept
	}
	return dropped
}

// Pending returns the number of queued messages for the recipient, or the
// total queue depth when the recipient is empty.
func (b *Bus) Pending(recipientID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := 0
	for _, tier := range models.Priorities {
		for _, msg := range b.queues[tier] {
			if recipientID == "" || msg.To == recipientID {
				n++
			}
		}
	}
	return n
}

// Flows returns a copy of the aggregated per-pair flow statistics.
func (b *Bus) Flows() []FlowEntry {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.flows.entries()
}

// FlowHistory returns a copy of the bounded rolling history of flow
// records, oldest first.
func (b *Bus) FlowHistory() []FlowRecord {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.flows.history()
}
