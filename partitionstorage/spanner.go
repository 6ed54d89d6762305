package partitionstorage

import (
	"context"
	"fmt"

	"cloud.google.com/go/spanner"
	database "cloud.google.com/go/spanner/admin/database/apiv1"
	"cloud.google.com/go/spanner/admin/database/apiv1/databasepb"
	"cloud.google.com/go/spanner/apiv1/spannerpb"
	"github.com/toga4/tablepoll"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
)

// SpannerOffsetStorage implements OffsetStorage that stores offsets in Cloud Spanner.
type SpannerOffsetStorage struct {
	client          *spanner.Client
	tableName       string
	requestPriority spannerpb.RequestOptions_Priority
}

type spannerConfig struct {
	requestPriority spannerpb.RequestOptions_Priority
}

type spannerOption interface {
	Apply(*spannerConfig)
}

type withRequestPriority spannerpb.RequestOptions_Priority

func (o withRequestPriority) Apply(c *spannerConfig) {
	c.requestPriority = spannerpb.RequestOptions_Priority(o)
}

// WithRequestPriority set the priority option for spanner requests.
//
// Default value is unspecified, equivalent to high.
func WithRequestPriority(priority spannerpb.RequestOptions_Priority) spannerOption {
	return withRequestPriority(priority)
}

// NewSpanner creates new instance of SpannerOffsetStorage
func NewSpanner(client *spanner.Client, tableName string, options ...spannerOption) *SpannerOffsetStorage {
	c := &spannerConfig{}
	for _, o := range options {
		o.Apply(c)
	}

	return &SpannerOffsetStorage{
		client:          client,
		tableName:       tableName,
		requestPriority: c.requestPriority,
	}
}

// Assert that SpannerOffsetStorage implements OffsetStorage.
var _ tablepoll.OffsetStorage = (*SpannerOffsetStorage)(nil)

const (
	columnPartitionKey   = "PartitionKey"
	columnTimestamp      = "Timestamp"
	columnLastIdentifier = "LastIdentifier"
	columnUpdatedAt      = "UpdatedAt"
)

// CreateTableIfNotExists creates the offsets table.
func (s *SpannerOffsetStorage) CreateTableIfNotExists(ctx context.Context) error {
	databaseAdminClient, err := database.NewDatabaseAdminClient(ctx)
	if err != nil {
		return err
	}
	defer databaseAdminClient.Close()

	stmt := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %[1]s (
  %[2]s STRING(MAX) NOT NULL,
  %[3]s INT64 NOT NULL,
  %[4]s STRING(MAX),
  %[5]s TIMESTAMP NOT NULL OPTIONS (allow_commit_timestamp=true),
) PRIMARY KEY (%[2]s)`,
		s.tableName,
		columnPartitionKey,
		columnTimestamp,
		columnLastIdentifier,
		columnUpdatedAt,
	)

	req := &databasepb.UpdateDatabaseDdlRequest{
		Database:   s.client.DatabaseName(),
		Statements: []string{stmt},
	}
	op, err := databaseAdminClient.UpdateDatabaseDdl(ctx, req)
	if err != nil {
		return err
	}

	if err := op.Wait(ctx); err != nil {
		return err
	}

	return nil
}

type offsetRow struct {
	PartitionKey   string             `spanner:"PartitionKey"`
	Timestamp      int64              `spanner:"Timestamp"`
	LastIdentifier spanner.NullString `spanner:"LastIdentifier"`
}

func (s *SpannerOffsetStorage) ReadOffsets(ctx context.Context, tableKeys []string) (map[string]tablepoll.Watermark, error) {
	offsets := make(map[string]tablepoll.Watermark, len(tableKeys))
	if len(tableKeys) == 0 {
		return offsets, nil
	}

	keys := make([]spanner.KeySet, 0, len(tableKeys))
	for _, k := range tableKeys {
		keys = append(keys, spanner.Key{k})
	}

	iter := s.client.Single().ReadWithOptions(ctx, s.tableName, spanner.KeySets(keys...),
		[]string{columnPartitionKey, columnTimestamp, columnLastIdentifier},
		&spanner.ReadOptions{Priority: s.requestPriority},
	)
	defer iter.Stop()

	for {
		r, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			if spanner.ErrCode(err) == codes.NotFound {
				return nil, fmt.Errorf("offsets table %q: %w", s.tableName, err)
			}
			return nil, err
		}

		var row offsetRow
		if err := r.ToStruct(&row); err != nil {
			return nil, err
		}
		m := map[string]any{tablepoll.OffsetKeyTimestamp: row.Timestamp}
		if row.LastIdentifier.Valid {
			m[tablepoll.OffsetKeyLastIdentifier] = row.LastIdentifier.StringVal
		}
		w, err := tablepoll.WatermarkFromMap(m)
		if err != nil {
			return nil, fmt.Errorf("partition %q: %w", row.PartitionKey, err)
		}
		offsets[row.PartitionKey] = w
	}

	return offsets, nil
}

func (s *SpannerOffsetStorage) WriteOffsets(ctx context.Context, offsets map[string]tablepoll.Watermark) error {
	mutations := make([]*spanner.Mutation, 0, len(offsets))
	for k, w := range offsets {
		if w.IsZero() {
			continue
		}
		lastIdentifier := spanner.NullString{StringVal: w.Identifier, Valid: w.Identifier != ""}
		m := spanner.InsertOrUpdateMap(s.tableName, map[string]any{
			columnPartitionKey:   k,
			columnTimestamp:      w.Timestamp.Unix(),
			columnLastIdentifier: lastIdentifier,
			columnUpdatedAt:      spanner.CommitTimestamp,
		})
		mutations = append(mutations, m)
	}
	if len(mutations) == 0 {
		return nil
	}

	_, err := s.client.Apply(ctx, mutations, spanner.Priority(s.requestPriority))
	return err
}
