package tablepoll

import (
	"log/slog"
	"time"
)

// config holds the configuration shared by Client and Task.
type config struct {
	logger          *slog.Logger
	metrics         *Metrics
	fastInterval    time.Duration
	slowInterval    time.Duration
	batchSize       int
	initialLookback time.Duration
	delay           time.Duration
	newRowMapper    func() RowMapper
}

// Option is an interface for configuring Client and Task.
type Option interface {
	Apply(*config)
}

type withLogger struct {
	logger *slog.Logger
}

func (o withLogger) Apply(c *config) {
	c.logger = o.logger
}

// WithLogger sets the logger.
//
// Default value is slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return withLogger{logger: logger}
}

type withMetrics struct {
	metrics *Metrics
}

func (o withMetrics) Apply(c *config) {
	c.metrics = o.metrics
}

// WithMetrics sets the metrics collector. Default is none.
func WithMetrics(metrics *Metrics) Option {
	return withMetrics{metrics: metrics}
}

type withFastPollInterval time.Duration

func (o withFastPollInterval) Apply(c *config) {
	c.fastInterval = time.Duration(o)
}

// WithFastPollInterval sets the wait before the next poll of a partition whose
// last batch returned rows.
//
// Default value is 500 milliseconds.
func WithFastPollInterval(d time.Duration) Option {
	return withFastPollInterval(d)
}

type withSlowPollInterval time.Duration

func (o withSlowPollInterval) Apply(c *config) {
	c.slowInterval = time.Duration(o)
}

// WithSlowPollInterval sets the wait before the next poll of a partition whose
// last batch was empty.
//
// Default value is 30 seconds.
func WithSlowPollInterval(d time.Duration) Option {
	return withSlowPollInterval(d)
}

type withBatchSize int

func (o withBatchSize) Apply(c *config) {
	c.batchSize = int(o)
}

// WithBatchSize sets the maximum number of rows fetched per poll cycle.
//
// Default value is 20.
func WithBatchSize(n int) Option {
	return withBatchSize(n)
}

type withInitialLookback time.Duration

func (o withInitialLookback) Apply(c *config) {
	c.initialLookback = time.Duration(o)
}

// WithInitialLookback bounds the first query of a partition without a
// persisted offset to rows newer than now minus d. A negative d reads the
// whole table.
//
// Default value is -1 (whole table).
func WithInitialLookback(d time.Duration) Option {
	return withInitialLookback(d)
}

type withTimestampDelay time.Duration

func (o withTimestampDelay) Apply(c *config) {
	c.delay = time.Duration(o)
}

// WithTimestampDelay keeps the upper bound of each query d behind now.
//
// Default value is 0.
func WithTimestampDelay(d time.Duration) Option {
	return withTimestampDelay(d)
}

type withRowMapper func() RowMapper

func (o withRowMapper) Apply(c *config) {
	c.newRowMapper = o
}

// WithRowMapper sets the factory of the RowMapper of each partition. It is
// called once per partition.
//
// Default is a new StringRowMapper per partition.
func WithRowMapper(newMapper func() RowMapper) Option {
	return withRowMapper(newMapper)
}

var (
	defaultFastInterval    = 500 * time.Millisecond
	defaultSlowInterval    = 30 * time.Second
	defaultBatchSize       = 20
	defaultInitialLookback = time.Duration(-1)
)

func newConfig(options ...Option) *config {
	c := &config{
		logger:          slog.Default(),
		fastInterval:    defaultFastInterval,
		slowInterval:    defaultSlowInterval,
		batchSize:       defaultBatchSize,
		initialLookback: defaultInitialLookback,
		newRowMapper:    func() RowMapper { return &StringRowMapper{} },
	}
	for _, o := range options {
		o.Apply(c)
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	return c
}

func (c *config) validate() error {
	if c.batchSize <= 0 {
		return &ConfigurationError{Setting: "batchSize", Message: "must be positive"}
	}
	if c.fastInterval < 0 {
		return &ConfigurationError{Setting: "fastPollIntervalMs", Message: "must not be negative"}
	}
	if c.slowInterval < 0 {
		return &ConfigurationError{Setting: "slowPollIntervalMs", Message: "must not be negative"}
	}
	if c.delay < 0 {
		return &ConfigurationError{Setting: "timestampDelaySeconds", Message: "must not be negative"}
	}
	if c.newRowMapper == nil {
		return &ConfigurationError{Setting: "rowMapper", Message: "must not be nil"}
	}
	return nil
}

var nowFunc = time.Now
