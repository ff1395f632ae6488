package bus

import (
	"sort"
	"time"
)

// defaultFlowHistoryCap bounds the rolling flow history.
const defaultFlowHistoryCap = 256

// FlowEntry aggregates message traffic between one sender and one
// recipient, for observability. It is independent of delivery: entries
// persist after their messages are consumed or cleared.
type FlowEntry struct {
	// From is the sender's identifier.
	From string `json:"from"`
	// To is the recipient's identifier.
	To string `json:"to"`
	// Count is the number of messages sent on this pair.
	Count int `json:"count"`
	// LastSeen is when the most recent message on this pair was sent.
	LastSeen time.Time `json:"last_seen"`
}

// FlowRecord is one entry in the bounded rolling history of sends.
type FlowRecord struct {
	// From is the sender's identifier.
	From string `json:"from"`
	// To is the recipient's identifier.
	To string `json:"to"`
	// Timestamp is when the message was sent.
	Timestamp time.Time `json:"timestamp"`
}

type pairKey struct {
	from, to string
}

// flowStats tracks per-pair counters and a bounded rolling history.
// All access is guarded by the owning bus's lock.
type flowStats struct {
	pairs      map[pairKey]*FlowEntry
	rolling    []FlowRecord
	historyCap int
}

func newFlowStats(historyCap int) *flowStats {
	return &flowStats{
		pairs:      make(map[pairKey]*FlowEntry),
		historyCap: historyCap,
	}
}

func (f *flowStats) record(from, to string, ts time.Time) {
	key := pairKey{from: from, to: to}
	entry, ok := f.pairs[key]
	if !ok {
		entry = &FlowEntry{From: from, To: to}
		f.pairs[key] = entry
	}
	entry.Count++
	entry.LastSeen = ts

	if len(f.rolling) >= f.historyCap {
		f.rolling = append(f.rolling[1:], FlowRecord{From: from, To: to, Timestamp: ts})
		return
	}
	f.rolling = append(f.rolling, FlowRecord{From: from, To: to, Timestamp: ts})
}

func (f *flowStats) entries() []FlowEntry {
	out := make([]FlowEntry, 0, len(f.pairs))
	for _, e := range f.pairs {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].From != out[j].From {
			return out[i].From < out[j].From
		}
		return out[i].To < out[j].To
	})
	return out
}

func (f *flowStats) history() []FlowRecord {
	return append([]FlowRecord(nil), f.rolling...)
}
