package partitionstorage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/toga4/tablepoll"
)

// SQLiteOffsetStorage implements OffsetStorage that stores offsets in a SQLite database.
type SQLiteOffsetStorage struct {
	db        *sql.DB
	tableName string
}

// OpenSQLite opens or creates the SQLite database at path and creates the
// offsets table if it does not exist.
func OpenSQLite(ctx context.Context, path string, tableName string) (*SQLiteOffsetStorage, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite only supports one writer at a time.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &SQLiteOffsetStorage{db: db, tableName: tableName}
	if err := s.init(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Assert that SQLiteOffsetStorage implements OffsetStorage.
var _ tablepoll.OffsetStorage = (*SQLiteOffsetStorage)(nil)

func (s *SQLiteOffsetStorage) init(ctx context.Context) error {
	stmts := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %[1]s (
  %[2]s TEXT NOT NULL PRIMARY KEY,
  %[3]s INTEGER NOT NULL,
  %[4]s TEXT,
  %[5]s TEXT NOT NULL
)`, s.tableName, columnPartitionKey, columnTimestamp, columnLastIdentifier, columnUpdatedAt),
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to execute %q: %w", stmt, err)
		}
	}
	return nil
}

// Close closes the database.
func (s *SQLiteOffsetStorage) Close() error {
	return s.db.Close()
}

func (s *SQLiteOffsetStorage) ReadOffsets(ctx context.Context, tableKeys []string) (map[string]tablepoll.Watermark, error) {
	offsets := make(map[string]tablepoll.Watermark, len(tableKeys))
	if len(tableKeys) == 0 {
		return offsets, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(tableKeys)), ",")
	args := make([]any, 0, len(tableKeys))
	for _, k := range tableKeys {
		args = append(args, k)
	}

	query := fmt.Sprintf("SELECT %s, %s, %s FROM %s WHERE %s IN (%s)",
		columnPartitionKey, columnTimestamp, columnLastIdentifier, s.tableName, columnPartitionKey, placeholders)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			key        string
			seconds    int64
			identifier sql.NullString
		)
		if err := rows.Scan(&key, &seconds, &identifier); err != nil {
			return nil, err
		}
		m := map[string]any{tablepoll.OffsetKeyTimestamp: seconds}
		if identifier.Valid {
			m[tablepoll.OffsetKeyLastIdentifier] = identifier.String
		}
		w, err := tablepoll.WatermarkFromMap(m)
		if err != nil {
			return nil, fmt.Errorf("partition %q: %w", key, err)
		}
		offsets[key] = w
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return offsets, nil
}

func (s *SQLiteOffsetStorage) WriteOffsets(ctx context.Context, offsets map[string]tablepoll.Watermark) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt := fmt.Sprintf(`INSERT INTO %[1]s (%[2]s, %[3]s, %[4]s, %[5]s) VALUES (?, ?, ?, ?)
ON CONFLICT(%[2]s) DO UPDATE SET %[3]s = excluded.%[3]s, %[4]s = excluded.%[4]s, %[5]s = excluded.%[5]s`,
		s.tableName, columnPartitionKey, columnTimestamp, columnLastIdentifier, columnUpdatedAt)
	updatedAt := time.Now().UTC().Format(time.RFC3339Nano)

	for k, w := range offsets {
		if w.IsZero() {
			continue
		}
		var identifier sql.NullString
		if w.Identifier != "" {
			identifier = sql.NullString{String: w.Identifier, Valid: true}
		}
		if _, err := tx.ExecContext(ctx, stmt, k, w.Timestamp.Unix(), identifier, updatedAt); err != nil {
			return fmt.Errorf("partition %q: %w", k, err)
		}
	}
	return tx.Commit()
}
