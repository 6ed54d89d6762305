package tablepoll

import (
	"context"
	"encoding/json"
	"time"
)

// Record is a row ready to be published, together with the watermark it
// leaves its partition at.
type Record struct {
	TableKey string

	// Offset is the watermark of the partition after this row.
	Offset Watermark

	Channel string

	// TargetPartition is nil when the sink chooses the destination partition.
	TargetPartition *int

	KeySchema *KeySchema
	Key       *Key

	ValueSchema *ValueSchema
	Value       any

	// Row is the row as returned by the Table API.
	Row Row

	// Timestamp is the row's position in the partition order.
	Timestamp time.Time
}

// SourcePartition returns the persisted identity of the record's partition.
func (r *Record) SourcePartition() map[string]any {
	return SourcePartition(r.TableKey)
}

// SourceOffset returns the persisted form of r.Offset.
func (r *Record) SourceOffset() map[string]any {
	return r.Offset.ToMap()
}

// EncodeKey returns the JSON form of the key, or nil when r has no key.
func (r *Record) EncodeKey() ([]byte, error) {
	if r.Key == nil {
		return nil, nil
	}
	return json.Marshal(r.Key)
}

// EncodeValue returns the JSON form of the mapped value.
func (r *Record) EncodeValue() ([]byte, error) {
	return json.Marshal(r.Value)
}

// Sink publishes records. Publish returns nil only when every record has been
// accepted by the destination, after which their offsets are committed.
type Sink interface {
	Publish(ctx context.Context, records []*Record) error
}

// SinkFunc is an adapter to allow the use of ordinary functions as Sink.
type SinkFunc func(context.Context, []*Record) error

// Publish calls f(ctx, records).
func (f SinkFunc) Publish(ctx context.Context, records []*Record) error {
	return f(ctx, records)
}
