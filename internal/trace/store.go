package trace

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

const (
	DriverJSONL    = "jsonl"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

var ErrNotFound = errors.New("trace record not found")
var ErrUnsupportedDriver = errors.New("unsupported trace storage driver")
var errNilRecord = errors.New("trace record is nil")

// Store is the append-only persistence boundary for trace records.
//
// Append must be safe for concurrent use: each record is stored as one whole
// unit and never interleaves with another. ReadAll replays every record in
// append order and is meant for offline inspection, not the proxy hot path.
type Store interface {
	Append(ctx context.Context, record *Record) error
	ReadAll(ctx context.Context) ([]*Record, error)
	Close() error
}

// Options selects and configures a Store implementation.
type Options struct {
	Driver string
	Path   string
	DSN    string
	Fsync  bool
}

// Open returns the Store for options.Driver. An empty driver selects JSONL.
func Open(options Options) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(options.Driver))
	switch driver {
	case "", DriverJSONL:
		return NewJSONLStoreWithOptions(options.Path, JSONLOptions{Fsync: options.Fsync})
	case DriverSQLite:
		return NewSQLiteStore(options.Path)
	case DriverPostgres:
		return NewPostgresStore(options.DSN)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedDriver, options.Driver)
	}
}

// FindRecord returns the record with the given id from a replayed log.
func FindRecord(records []*Record, id string) (*Record, error) {
	id = strings.TrimSpace(id)
	for _, record := range records {
		if record != nil && record.ID == id {
			return record, nil
		}
	}
	return nil, fmt.Errorf("%w: %q", ErrNotFound, id)
}
