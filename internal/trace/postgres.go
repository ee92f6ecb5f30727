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

	_ "github.com/jackc/pgx/v5/stdlib"
)

// PostgresStore keeps trace records in a shared Postgres table. JSON (not
// JSONB) columns keep request and response text as appended.
type PostgresStore struct {
	DSN string
	db  *sql.DB
	// Serializes appends from this process so seq follows Append call order.
	writeMu sync.Mutex
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("postgres dsn cannot be empty")
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres database: %w", err)
	}

	store := &PostgresStore{
		DSN: dsn,
		db:  db,
	}
	if err := store.configure(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := migrations.Apply(context.Background(), db, migrations.DriverPostgres); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ensure postgres schema: %w", err)
	}
	return store, nil
}

func (s *PostgresStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *PostgresStore) Append(ctx context.Context, record *Record) error {
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
VALUES ($1, $2, $3::json, $4::json, $5, $6)`,
		record.ID,
		record.Timestamp.UTC(),
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

func (s *PostgresStore) ReadAll(ctx context.Context) ([]*Record, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	rows, err := s.db.QueryContext(ctx, `
SELECT id, timestamp, request::text, response::text, duration_ms, error
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
			timestamp time.Time
			request   string
			response  sql.NullString
			errorText sql.NullString
		)
		if err := rows.Scan(&record.ID, &timestamp, &request, &response, &record.DurationMS, &errorText); err != nil {
			return nil, fmt.Errorf("scan trace record: %w", err)
		}
		record.Timestamp = timestamp.UTC()
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

func (s *PostgresStore) configure() error {
	s.db.SetMaxOpenConns(10)
	s.db.SetMaxIdleConns(5)
	s.db.SetConnMaxLifetime(30 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	return nil
}
