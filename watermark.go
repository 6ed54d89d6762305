package tablepoll

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"
)

// Keys of the persisted offset and partition maps.
const (
	OffsetKeyTimestamp      = "timestamp"
	OffsetKeyLastIdentifier = "last_identifier"
	PartitionKeyPartition   = "partition"
)

// Watermark is the progress of one partition: the (timestamp, identifier) of
// the last row handed to the sink.
//
// A zero Timestamp means no progress has been made yet. An empty Identifier
// means the identifier is unknown.
type Watermark struct {
	Timestamp  time.Time
	Identifier string
}

// IsZero reports whether the watermark has no progress.
func (w Watermark) IsZero() bool {
	return w.Timestamp.IsZero()
}

// Advance moves the watermark to (ts, id).
//
// The identifier order within one timestamp follows the order the rows were
// returned in, so only a timestamp earlier than the current one is rejected.
func (w *Watermark) Advance(ts time.Time, id string) error {
	ts = ts.UTC()
	if !w.Timestamp.IsZero() && ts.Before(w.Timestamp) {
		return fmt.Errorf("%w: %s is before %s", ErrWatermarkRegression, ts.Format(time.RFC3339), w.Timestamp.Format(time.RFC3339))
	}
	w.Timestamp = ts
	w.Identifier = id
	return nil
}

func (w Watermark) String() string {
	if w.IsZero() {
		return "<none>"
	}
	return fmt.Sprintf("%s/%s", w.Timestamp.Format(time.RFC3339), w.Identifier)
}

// ToMap returns the persisted form of w. It returns nil for a zero watermark.
func (w Watermark) ToMap() map[string]any {
	if w.IsZero() {
		return nil
	}
	return map[string]any{
		OffsetKeyTimestamp:      w.Timestamp.Unix(),
		OffsetKeyLastIdentifier: w.Identifier,
	}
}

// WatermarkFromMap parses a persisted offset map. A nil or empty map yields a
// zero watermark.
func WatermarkFromMap(m map[string]any) (Watermark, error) {
	if len(m) == 0 {
		return Watermark{}, nil
	}

	raw, ok := m[OffsetKeyTimestamp]
	if !ok || raw == nil {
		return Watermark{}, fmt.Errorf("offset has no %q", OffsetKeyTimestamp)
	}
	seconds, err := toEpochSeconds(raw)
	if err != nil {
		return Watermark{}, fmt.Errorf("offset %q: %w", OffsetKeyTimestamp, err)
	}

	w := Watermark{Timestamp: time.Unix(seconds, 0).UTC()}
	switch id := m[OffsetKeyLastIdentifier].(type) {
	case nil:
	case string:
		w.Identifier = id
	default:
		return Watermark{}, fmt.Errorf("offset %q: unexpected type %T", OffsetKeyLastIdentifier, id)
	}
	return w, nil
}

func toEpochSeconds(v any) (int64, error) {
	switch n := v.(type) {
	case int64:
		return n, nil
	case int:
		return int64(n), nil
	case int32:
		return int64(n), nil
	case float64:
		if n != math.Trunc(n) {
			return 0, fmt.Errorf("not an integer: %v", n)
		}
		return int64(n), nil
	case json.Number:
		return n.Int64()
	default:
		return 0, fmt.Errorf("unexpected type %T", v)
	}
}

// SourcePartition returns the persisted identity of the partition with the
// given table key.
func SourcePartition(tableKey string) map[string]any {
	return map[string]any{PartitionKeyPartition: tableKey}
}

const remoteDateTimeLayout = "2006-01-02 15:04:05"

// parseRemoteDateTime parses a timestamp as rendered by the Table API. Values
// carry no zone and are UTC; a trailing "Z" is accepted.
func parseRemoteDateTime(s string) (time.Time, error) {
	s = strings.TrimSuffix(strings.TrimSpace(s), "Z")
	return time.ParseInLocation(remoteDateTimeLayout, s, time.UTC)
}
