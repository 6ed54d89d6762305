package tablepoll

import "time"

// QueryPlanner computes the query window that retrieves the rows of a
// partition not yet covered by its watermark.
type QueryPlanner struct {
	TimestampField  string
	IdentifierField string

	// InitialLookback bounds the first query of a partition without a
	// watermark to rows newer than now minus InitialLookback. A negative value
	// leaves the first query unbounded.
	InitialLookback time.Duration

	// Delay keeps the upper bound of a bounded query this far behind now so
	// writes sharing a timestamp can commit before the window passes them.
	Delay time.Duration
}

// Plan returns the query for the next cycle.
//
// Without a watermark or lookback the query is unbounded. Otherwise it is the
// union of the rows sharing the last seen timestamp but sorted after the last
// seen identifier, and the rows strictly between the last seen timestamp and
// now minus Delay.
func (p QueryPlanner) Plan(w Watermark, now time.Time) Filter {
	now = now.UTC()

	from := w.Timestamp
	identifier := w.Identifier
	if w.IsZero() {
		if p.InitialLookback < 0 {
			return p.unbounded()
		}
		from = now.Add(-p.InitialLookback)
		identifier = ""
	}
	through := now.Add(-p.Delay)

	return p.bounded(from, identifier, through)
}

func (p QueryPlanner) unbounded() Filter {
	return NewFilter().
		WhereIsNotEmpty(p.IdentifierField).
		OrderByAsc(p.TimestampField).
		OrderByAsc(p.IdentifierField)
}

func (p QueryPlanner) bounded(from time.Time, identifier string, through time.Time) Filter {
	tie := NewFilter().WhereTimestampEquals(p.TimestampField, from)
	if identifier != "" {
		tie = tie.WhereGreaterThan(p.IdentifierField, identifier)
	}
	tie = tie.WhereIsNotEmpty(p.IdentifierField)

	window := NewFilter().
		WhereBetweenExclusive(p.TimestampField, from, through).
		WhereIsNotEmpty(p.IdentifierField).
		OrderByAsc(p.TimestampField).
		OrderByAsc(p.IdentifierField)

	return tie.Union(window)
}
