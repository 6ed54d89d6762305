package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"cloud.google.com/go/spanner"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/toga4/tablepoll"
	"github.com/toga4/tablepoll/kafkasink"
	"github.com/toga4/tablepoll/partitionstorage"
	"golang.org/x/sync/errgroup"
)

type rootOptions struct {
	verbose    bool
	configPath string
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "tablepoll",
		Short: "Incrementally extract table changes from the Table API",
	}
	cmd.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "tablepoll.yaml", "path to the YAML configuration")

	cmd.AddCommand(newRunCommand(opts))
	cmd.AddCommand(newValidateCommand(opts))
	return cmd
}

func newValidateCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "validate",
		Short:         "Validate the configuration without polling",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := loadConfig(opts.configPath)
			if err != nil {
				return err
			}
			partitions, _ := c.partitions()
			for _, p := range partitions {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\t%s\n", p.TableKey, p.TableName, p.Channel, p.Assigner.Strategy)
			}
			return nil
		},
	}
}

func newRunCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Poll the configured tables until interrupted",
		Long: `Poll the configured tables and publish every new or updated row.

Progress is committed to the configured offset storage after each batch was
published, so a restarted run resumes where the previous one stopped.

Example:
  tablepoll run --config ./tablepoll.yaml
  tablepoll run -c ./tablepoll.yaml --verbose`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), opts)
		},
	}
}

func newLogger(verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func run(ctx context.Context, opts *rootOptions) error {
	logger := newLogger(opts.verbose)
	slog.SetDefault(logger)

	c, err := loadConfig(opts.configPath)
	if err != nil {
		return err
	}
	clientConfig, _ := c.clientConfig()
	partitions, _ := c.partitions()
	pollOptions, _ := c.options()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := tablepoll.NewMetrics(reg)

	options := append([]tablepoll.Option{
		tablepoll.WithLogger(logger),
		tablepoll.WithMetrics(metrics),
	}, pollOptions...)

	client, err := tablepoll.NewClient(ctx, clientConfig, options...)
	if err != nil {
		return fmt.Errorf("create client: %w", err)
	}
	defer client.Close()

	storage, closeStorage, err := openStorage(ctx, c.Storage)
	if err != nil {
		return fmt.Errorf("open offset storage: %w", err)
	}
	defer closeStorage()

	sink, closeSink := openSink(c.Sink, logger)
	defer closeSink()

	task, err := tablepoll.NewTask(ctx, client, storage, partitions, options...)
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return task.Run(ctx, sink)
	})
	if c.Metrics.Address != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		server := &http.Server{Addr: c.Metrics.Address, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

		g.Go(func() error {
			logger.Info("serving metrics", slog.String("address", c.Metrics.Address))
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return server.Shutdown(shutdownCtx)
		})
	}

	logger.Info("polling tables", slog.Int("tables", len(partitions)))
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("stopped")
	return nil
}

func openStorage(ctx context.Context, c storageConfig) (tablepoll.OffsetStorage, func(), error) {
	switch c.Type {
	case storageSQLite:
		s, err := partitionstorage.OpenSQLite(ctx, c.Path, c.Table)
		if err != nil {
			return nil, nil, err
		}
		return s, func() { s.Close() }, nil
	case storageSpanner:
		priority, err := parsePriority(c.Priority)
		if err != nil {
			return nil, nil, err
		}
		client, err := spanner.NewClient(ctx, c.Database)
		if err != nil {
			return nil, nil, err
		}
		s := partitionstorage.NewSpanner(client, c.Table, partitionstorage.WithRequestPriority(priority))
		if err := s.CreateTableIfNotExists(ctx); err != nil {
			client.Close()
			return nil, nil, err
		}
		return s, client.Close, nil
	default:
		return partitionstorage.NewInmemory(), func() {}, nil
	}
}

func openSink(c sinkConfig, logger *slog.Logger) (tablepoll.Sink, func()) {
	if c.Type == sinkKafka {
		s := kafkasink.New(kafkasink.NewWriter(c.Brokers...), logger)
		return s, func() { s.Close() }
	}
	return &jsonOutputSink{out: os.Stdout}, func() {}
}

type jsonOutputSink struct {
	out io.Writer
	mu  sync.Mutex
}

type jsonOutputRecord struct {
	Channel         string         `json:"channel"`
	Partition       map[string]any `json:"partition"`
	Offset          map[string]any `json:"offset"`
	TargetPartition *int           `json:"targetPartition,omitempty"`
	Key             *tablepoll.Key `json:"key,omitempty"`
	Value           any            `json:"value"`
	Row             tablepoll.Row  `json:"row"`
}

func (s *jsonOutputSink) Publish(ctx context.Context, records []*tablepoll.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	enc := json.NewEncoder(s.out)
	for _, r := range records {
		if err := enc.Encode(jsonOutputRecord{
			Channel:         r.Channel,
			Partition:       r.SourcePartition(),
			Offset:          r.SourceOffset(),
			TargetPartition: r.TargetPartition,
			Key:             r.Key,
			Value:           r.Value,
			Row:             r.Row,
		}); err != nil {
			return err
		}
	}
	return nil
}

func main() {
	if err := newRootCommand().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
