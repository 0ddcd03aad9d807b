package batchmail

// Tally counts resolved recipients against a fixed total. It is owned by a
// single goroutine and is not safe for concurrent use.
type Tally struct {
	total    int
	resolved int
}

// NewTally fixes the total before any outcome is recorded.
func NewTally(total int) *Tally {
	if total < 0 {
		total = 0
	}
	return &Tally{total: total}
}

// Total is the number of recipients in the run.
func (t *Tally) Total() int { return t.total }

// Resolved is the number of outcomes recorded so far.
func (t *Tally) Resolved() int { return t.resolved }

// Complete reports whether every recipient has resolved. An empty run is
// complete from the start.
func (t *Tally) Complete() bool { return t.resolved == t.total }

// Resolve records one outcome and reports whether it was the last one.
// Recording past the total returns ErrTallyOverflow and changes nothing.
func (t *Tally) Resolve() (bool, error) {
	if t.resolved >= t.total {
		return false, ErrTallyOverflow
	}
	t.resolved++
	return t.resolved == t.total, nil
}
