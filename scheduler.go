package tablepoll

import (
	"context"
	"log/slog"
	"time"
)

// emptyPollInterval is the next poll delay of a scheduler without partitions.
const emptyPollInterval = 120 * time.Second

// Page is the result of one scheduler cycle.
type Page struct {
	Records []*Record

	// NextPoll is the earliest time any partition wants to be polled again.
	NextPoll time.Time
}

// Scheduler polls its partitions in turn. Each call to Poll visits every
// partition exactly once, in FIFO order, and polls those that are due.
type Scheduler struct {
	queue  []*partitionPoller
	logger *slog.Logger
}

func newScheduler(pollers []*partitionPoller, logger *slog.Logger) *Scheduler {
	return &Scheduler{queue: pollers, logger: logger}
}

// Len returns the number of partitions.
func (s *Scheduler) Len() int {
	return len(s.queue)
}

// Poll runs one cycle. The first partition error aborts the cycle and is
// returned; the partition order is kept either way.
func (s *Scheduler) Poll(ctx context.Context) (*Page, error) {
	page := &Page{Records: []*Record{}}

	n := len(s.queue)
	for i := 0; i < n; i++ {
		p := s.queue[0]
		s.queue = append(s.queue[1:], p)

		now := nowFunc()
		if !p.due(now) {
			s.logger.DebugContext(ctx, "skipping partition", slog.String("partition", p.partition.TableKey), slog.Time("next_poll", p.nextPoll))
			page.NextPoll = earliest(page.NextPoll, p.nextPoll)
			continue
		}

		records, err := p.poll(ctx)
		if err != nil {
			return nil, err
		}
		page.NextPoll = earliest(page.NextPoll, p.nextPoll)
		page.Records = append(page.Records, records...)
	}

	if page.NextPoll.IsZero() {
		s.logger.WarnContext(ctx, "no partitions are configured", slog.Duration("interval", emptyPollInterval))
		page.NextPoll = nowFunc().Add(emptyPollInterval)
	}
	return page, nil
}

func earliest(a, b time.Time) time.Time {
	if a.IsZero() || b.Before(a) {
		return b
	}
	return a
}
