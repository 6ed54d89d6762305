package tablepoll

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// waitChunk bounds a single wait of Task.Poll.
const waitChunk = 5 * time.Second

// OffsetStorage is an interface for reading and writing the watermarks of
// partitions, keyed by table key.
type OffsetStorage interface {
	// ReadOffsets returns the stored watermarks of tableKeys. Keys without a
	// stored watermark are absent from the result.
	ReadOffsets(ctx context.Context, tableKeys []string) (map[string]Watermark, error)
	WriteOffsets(ctx context.Context, offsets map[string]Watermark) error
}

// Task polls a set of partitions and hands their records to a Sink.
type Task struct {
	scheduler *Scheduler
	storage   OffsetStorage
	logger    *slog.Logger
	metrics   *Metrics

	nextPoll   time.Time
	waitLogged bool

	// err is the fatal error of a failed cycle. A failed task does not poll
	// again: records of the failed cycle were dropped, but the pollers that
	// produced them already moved past them.
	err error
}

// NewTask validates partitions, loads their stored watermarks and creates a
// Task polling them with fetcher.
func NewTask(ctx context.Context, fetcher Fetcher, storage OffsetStorage, partitions []Partition, options ...Option) (*Task, error) {
	c := newConfig(options...)
	if err := c.validate(); err != nil {
		return nil, err
	}

	keys := make([]string, 0, len(partitions))
	seen := make(map[string]struct{}, len(partitions))
	for _, p := range partitions {
		if err := p.Validate(); err != nil {
			return nil, err
		}
		if _, ok := seen[p.TableKey]; ok {
			return nil, &ConfigurationError{Partition: p.TableKey, Setting: "tableKey", Message: "is configured more than once"}
		}
		seen[p.TableKey] = struct{}{}
		keys = append(keys, p.TableKey)
	}

	offsets, err := storage.ReadOffsets(ctx, keys)
	if err != nil {
		return nil, fmt.Errorf("read offsets: %w", err)
	}

	pollers := make([]*partitionPoller, 0, len(partitions))
	for _, p := range partitions {
		w := offsets[p.TableKey]
		c.logger.InfoContext(ctx, "added partition",
			slog.String("partition", p.TableKey),
			slog.String("table", p.TableName),
			slog.String("channel", p.Channel),
			slog.String("watermark", w.String()),
		)
		pollers = append(pollers, newPartitionPoller(p, w, fetcher, c))
	}

	return &Task{
		scheduler: newScheduler(pollers, c.logger),
		storage:   storage,
		logger:    c.logger,
		metrics:   c.metrics,
	}, nil
}

// Poll returns the records of the next scheduler cycle.
//
// When the next cycle is not due yet, Poll waits at most 5 seconds and returns
// no records, so a caller observes cancellation promptly. A cancelled ctx ends
// the wait immediately with no records and no error.
//
// Once a cycle fails, Poll returns that error on every later call.
func (t *Task) Poll(ctx context.Context) ([]*Record, error) {
	if t.err != nil {
		return nil, t.err
	}
	if ctx.Err() != nil {
		return []*Record{}, nil
	}

	if !t.nextPoll.IsZero() {
		if delay := t.nextPoll.Sub(nowFunc()); delay > 0 {
			if !t.waitLogged {
				t.logger.InfoContext(ctx, "waiting for next poll", slog.Duration("delay", delay))
				t.waitLogged = true
			}
			timer := time.NewTimer(min(delay, waitChunk))
			defer timer.Stop()
			select {
			case <-ctx.Done():
			case <-timer.C:
			}
			return []*Record{}, nil
		}
	}
	t.waitLogged = false

	t.logger.DebugContext(ctx, "polling partitions", slog.Int("partitions", t.scheduler.Len()))
	page, err := t.scheduler.Poll(ctx)
	if err != nil {
		t.err = err
		t.logger.ErrorContext(ctx, "poll cycle failed, task stopped", slog.Any("error", err))
		return nil, err
	}
	t.nextPoll = page.NextPoll

	t.logger.InfoContext(ctx, "polled partitions", slog.Int("records", len(page.Records)), slog.Time("next_poll", page.NextPoll))
	return page.Records, nil
}

// Commit writes the watermark of the last record of each partition in records.
func (t *Task) Commit(ctx context.Context, records []*Record) error {
	if len(records) == 0 {
		return nil
	}
	offsets := make(map[string]Watermark)
	for _, r := range records {
		offsets[r.TableKey] = r.Offset
	}
	err := t.storage.WriteOffsets(ctx, offsets)
	t.metrics.observeCommit(err)
	if err != nil {
		return fmt.Errorf("write offsets: %w", err)
	}
	return nil
}

// Run polls until ctx is canceled, publishing each batch to sink and
// committing its offsets once sink accepted it.
//
// Run returns ctx.Err() when ctx is canceled, or the first fatal error.
func (t *Task) Run(ctx context.Context, sink Sink) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		records, err := t.Poll(ctx)
		if err != nil {
			return err
		}
		if len(records) == 0 {
			continue
		}

		if err := sink.Publish(ctx, records); err != nil {
			return fmt.Errorf("publish %d records: %w", len(records), err)
		}
		if err := t.Commit(ctx, records); err != nil {
			return err
		}
	}
}

// RunFunc runs with a function as Sink.
func (t *Task) RunFunc(ctx context.Context, f SinkFunc) error {
	return t.Run(ctx, f)
}
