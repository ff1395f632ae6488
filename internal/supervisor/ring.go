package supervisor

// stringRing is a fixed-capacity append-only buffer that keeps the most
// recent entries. Not safe for concurrent use; callers hold the record lock.
type stringRing struct {
	cap   int
	items []string
}

func newStringRing(capacity int) *stringRing {
	if capacity <= 0 {
		capacity = 1
	}
	return &stringRing{cap: capacity}
}

// Append adds an entry, evicting the oldest once the capacity is reached.
func (r *stringRing) Append(s string) {
	if len(r.items) >= r.cap {
		r.items = append(r.items[1:], s)
		return
	}
	r.items = append(r.items, s)
}

// Last returns up to n of the most recent entries, oldest first.
// A non-positive n returns everything.
func (r *stringRing) Last(n int) []string {
	if n <= 0 || n > len(r.items) {
		n = len(r.items)
	}
	out := make([]string, n)
	copy(out, r.items[len(r.items)-n:])
	return out
}

// Len returns the number of buffered entries.
func (r *stringRing) Len() int {
	return len(r.items)
}
