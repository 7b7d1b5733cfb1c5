package swarm

import (
	"time"

	"github.com/arrowsmith/gorrent/internal/rangeset"
)

// InFlightEntry is one outstanding request: the byte range requested and
// the time the Request was issued.
type InFlightEntry struct {
	Range    rangeset.Range
	IssuedAt time.Time
}

// InFlight tracks requests that have been sent and not yet satisfied or
// expired. It maintains both a canonical RangeList view (for the
// complement/intersection operations the scheduler needs) and an
// issued-at-ordered entry list (for the expiry sweep). Entries are appended
// in non-decreasing IssuedAt order because the scheduler tick is the only
// caller of Insert and ticks advance monotonically, so the entry slice is always
// sorted oldest-first without a separate sort step.
type InFlight struct {
	list    *rangeset.List
	entries []InFlightEntry
}

// NewInFlight returns an empty InFlight set.
func NewInFlight() *InFlight {
	return &InFlight{list: rangeset.New()}
}

// Len returns the number of outstanding requests.
func (f *InFlight) Len() int { return len(f.entries) }

// List returns the canonical RangeList view, for use in complement/
// intersection computations. The returned value must not be mutated.
func (f *InFlight) List() *rangeset.List { return f.list }

// Insert records a new outstanding request issued at now. It fails if r
// overlaps an existing in-flight entry (SchedulerInvariant).
func (f *InFlight) Insert(r rangeset.Range, now time.Time) error {
	if err := f.list.Insert(r); err != nil {
		return err
	}
	f.entries = append(f.entries, InFlightEntry{Range: r, IssuedAt: now})
	return nil
}

// Remove deletes the entry matching r, reporting whether one was found.
// Used when a matching Piece reply arrives.
func (f *InFlight) Remove(r rangeset.Range) bool {
	for i, e := range f.entries {
		if e.Range.Equal(r) {
			f.entries = append(f.entries[:i], f.entries[i+1:]...)
			f.subtract(r)
			return true
		}
	}
	return false
}

// subtract removes r's bytes from the RangeList view. r may be only part of
// a list range, since Insert compacts adjacent requests into one.
func (f *InFlight) subtract(r rangeset.Range) {
	one := rangeset.New()
	if err := one.Insert(r); err != nil {
		return
	}
	f.list = rangeset.Complement(f.list, one)
}

// Expire evicts the oldest entries whose IssuedAt is older than timeout
// relative to now, up to maxEvict entries. It returns the evicted ranges.
func (f *InFlight) Expire(now time.Time, timeout time.Duration, maxEvict int) []rangeset.Range {
	var evicted []rangeset.Range

	i := 0
	for i < len(f.entries) && len(evicted) < maxEvict {
		e := f.entries[i]
		if now.Sub(e.IssuedAt) < timeout {
			break
		}
		f.subtract(e.Range)
		evicted = append(evicted, e.Range)
		i++
	}
	f.entries = f.entries[i:]

	return evicted
}
