package trace

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ongoingai/llmtrace/migrations"

	_ "modernc.org/sqlite"
)

// SQLiteStore keeps trace records in a local SQLite database. Rows are
// ordered by an autoincrement sequence, which is the append order.
type SQLiteStore struct {
	Path string
	db   *sql.DB
	// SQLite allows only one writer at a time.
	writeMu sync.Mutex
}

func NewSQLiteStore(path string) (*SQLiteStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("sqlite path cannot be empty")
	}
	if err := ensureParentDir(path); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", "file:"+path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database %q: %w", path, err)
	}

	store := &SQLiteStore{
		Path: path,
		db:   db,
	}
	if err := store.configure(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := migrations.Apply(context.Background(), db, migrations.DriverSQLite); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ensure sqlite schema: %w", err)
	}
	return store, nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) Append(ctx context.Context, record *Record) error {
	if record == nil {
		return errNilRecord
	}
	if ctx == nil {
		ctx = context.Background()
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_, err := s.db.ExecContext(ctx, `
INSERT INTO trace_records (id, timestamp, request, response, duration_ms, error)
VALUES (?, ?, ?, ?, ?, ?)`,
		record.ID,
		record.Timestamp.UTC().Format(time.RFC3339Nano),
		string(requestColumn(record)),
		responseColumn(record),
		record.DurationMS,
		record.Error,
	)
	if err != nil {
		return fmt.Errorf("write trace record %q: %w", record.ID, err)
	}
	return nil
}

func (s *SQLiteStore) ReadAll(ctx context.Context) ([]*Record, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	rows, err := s.db.QueryContext(ctx, `
SELECT id, timestamp, request, response, duration_ms, error
FROM trace_records
ORDER BY seq ASC`)
	if err != nil {
		return nil, fmt.Errorf("query trace records: %w", err)
	}
	defer rows.Close()

	records := make([]*Record, 0)
	for rows.Next() {
		var (
			record    Record
			timestamp string
			request   string
			response  sql.NullString
			errorText sql.NullString
		)
		if err := rows.Scan(&record.ID, &timestamp, &request, &response, &record.DurationMS, &errorText); err != nil {
			return nil, fmt.Errorf("scan trace record: %w", err)
		}
		parsed, err := time.Parse(time.RFC3339Nano, timestamp)
		if err != nil {
			return nil, fmt.Errorf("parse trace record %q timestamp: %w", record.ID, err)
		}
		record.Timestamp = parsed.UTC()
		record.Request = json.RawMessage(request)
		if response.Valid {
			record.Response = json.RawMessage(response.String)
		}
		if errorText.Valid {
			message := errorText.String
			record.Error = &message
		}
		record.normalize()
		records = append(records, &record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate trace records: %w", err)
	}
	return records, nil
}

func (s *SQLiteStore) configure() error {
	if _, err := s.db.Exec(`PRAGMA journal_mode = WAL;`); err != nil {
		return fmt.Errorf("enable sqlite WAL mode: %w", err)
	}
	if _, err := s.db.Exec(`PRAGMA synchronous = NORMAL;`); err != nil {
		return fmt.Errorf("set sqlite synchronous mode: %w", err)
	}
	// Readers in other processes (the traces CLI) may briefly hold the lock.
	if _, err := s.db.Exec(`PRAGMA busy_timeout = 5000;`); err != nil {
		return fmt.Errorf("set sqlite busy timeout: %w", err)
	}
	return nil
}

func requestColumn(record *Record) json.RawMessage {
	if len(record.Request) == 0 {
		return json.RawMessage(jsonNull)
	}
	return record.Request
}

func responseColumn(record *Record) any {
	if !record.HasResponse() {
		return nil
	}
	return string(record.Response)
}
