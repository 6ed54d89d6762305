package tablepoll

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

type pollerState int

const (
	stateIdle pollerState = iota
	statePolling
)

func (s pollerState) String() string {
	switch s {
	case stateIdle:
		return "Idle"
	case statePolling:
		return "Polling"
	default:
		return fmt.Sprintf("pollerState(%d)", int(s))
	}
}

// partitionPoller polls a single partition.
type partitionPoller struct {
	partition Partition
	fetcher   Fetcher
	planner   QueryPlanner
	mapper    RowMapper

	batchSize    int
	fastInterval time.Duration
	slowInterval time.Duration

	logger  *slog.Logger
	metrics *Metrics

	state     pollerState
	watermark Watermark
	nextPoll  time.Time
}

func newPartitionPoller(p Partition, w Watermark, fetcher Fetcher, c *config) *partitionPoller {
	return &partitionPoller{
		partition: p,
		fetcher:   fetcher,
		planner: QueryPlanner{
			TimestampField:  p.TimestampField,
			IdentifierField: p.IdentifierField,
			InitialLookback: c.initialLookback,
			Delay:           c.delay,
		},
		mapper:       c.newRowMapper(),
		batchSize:    c.batchSize,
		fastInterval: c.fastInterval,
		slowInterval: c.slowInterval,
		logger:       c.logger.With(slog.String("partition", p.TableKey)),
		metrics:      c.metrics,
		state:        stateIdle,
		watermark:    w,
	}
}

// due reports whether the poller should be polled at now. A poller that has
// never been polled is always due.
func (p *partitionPoller) due(now time.Time) bool {
	return p.nextPoll.IsZero() || !p.nextPoll.After(now)
}

// poll runs one cycle and returns the mapped records. The watermark is moved
// only when every row of the batch was mapped.
func (p *partitionPoller) poll(ctx context.Context) (records []*Record, err error) {
	p.state = statePolling
	defer func() {
		p.state = stateIdle
		p.metrics.observePollCycle(p.partition.TableKey, len(records), err)
	}()

	query := p.planner.Plan(p.watermark, nowFunc())
	p.logger.DebugContext(ctx, "querying", slog.String("query", query.String()), slog.String("watermark", p.watermark.String()))

	rows, err := p.fetcher.Fetch(ctx, FetchRequest{
		Table:                p.partition.TableName,
		Query:                query,
		Offset:               0,
		Limit:                p.batchSize,
		Fields:               p.partition.Fields,
		ExcludeReferenceLink: true,
	})
	if err != nil {
		return nil, fmt.Errorf("partition %q: %w", p.partition.TableKey, err)
	}

	records, next, err := p.mapBatch(rows)
	if err != nil {
		return nil, fmt.Errorf("partition %q: %w", p.partition.TableKey, err)
	}
	p.watermark = next

	interval := p.slowInterval
	if len(records) > 0 {
		interval = p.fastInterval
	}
	p.nextPoll = nowFunc().Add(interval)

	p.logger.InfoContext(ctx, "polled partition",
		slog.Int("records", len(records)),
		slog.String("table", p.partition.TableName),
		slog.Time("next_poll", p.nextPoll),
	)
	return records, nil
}

func (p *partitionPoller) mapBatch(rows []Row) ([]*Record, Watermark, error) {
	w := p.watermark
	records := make([]*Record, 0, len(rows))
	for i, row := range rows {
		ts, id, err := p.position(i, row)
		if err != nil {
			return nil, Watermark{}, err
		}
		if err := w.Advance(ts, id); err != nil {
			return nil, Watermark{}, fmt.Errorf("row %d: %w", i, err)
		}

		a := p.partition.Assigner.Assign(row)
		valueSchema, value, err := p.mapper.MapRow(row.Fields())
		if err != nil {
			return nil, Watermark{}, fmt.Errorf("row %d: map row: %w", i, err)
		}

		records = append(records, &Record{
			TableKey:        p.partition.TableKey,
			Offset:          w,
			Channel:         p.partition.Channel,
			TargetPartition: a.TargetPartition,
			KeySchema:       a.KeySchema,
			Key:             a.Key,
			ValueSchema:     valueSchema,
			Value:           value,
			Row:             row,
			Timestamp:       ts,
		})
	}
	return records, w, nil
}

func (p *partitionPoller) position(i int, row Row) (time.Time, string, error) {
	rawTS, ok := row.GetString(p.partition.TimestampField)
	if !ok || rawTS == "" {
		return time.Time{}, "", &MissingFieldError{Table: p.partition.TableName, Field: p.partition.TimestampField, Index: i}
	}
	ts, err := parseRemoteDateTime(rawTS)
	if err != nil {
		return time.Time{}, "", &MissingFieldError{Table: p.partition.TableName, Field: p.partition.TimestampField, Index: i, Err: err}
	}
	id, ok := row.GetString(p.partition.IdentifierField)
	if !ok || id == "" {
		return time.Time{}, "", &MissingFieldError{Table: p.partition.TableName, Field: p.partition.IdentifierField, Index: i}
	}
	return ts, id, nil
}
