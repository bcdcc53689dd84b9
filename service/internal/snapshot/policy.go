package snapshot

import "time"

// Policy decides when a replica emits a snapshot. Zero fields are disabled.
type Policy struct {
	// Every is the number of records folded since the last snapshot.
	Every int
	// Interval is the time since the last snapshot.
	Interval time.Duration
}

// Due reports whether a snapshot should be emitted at index, given the index
// and time of the last one. Nothing is due when no record was folded since.
func (p Policy) Due(index, lastIndex int, lastAt, now time.Time) bool {
	if index <= lastIndex {
		return false
	}
	if p.Every > 0 && index-lastIndex >= p.Every {
		return true
	}
	return p.Interval > 0 && !lastAt.IsZero() && now.Sub(lastAt) >= p.Interval
}
