package trace

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"
)

func newSQLiteTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "data", "llmtrace.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore() error: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Fatalf("close sqlite store: %v", err)
		}
	})
	return store
}

func TestSQLiteStoreContract(t *testing.T) {
	t.Parallel()
	exerciseStoreContract(t, newSQLiteTestStore(t))
}

func TestSQLiteStoreConcurrentAppends(t *testing.T) {
	t.Parallel()
	exerciseConcurrentAppends(t, newSQLiteTestStore(t), 32)
}

func TestSQLiteStoreReopenKeepsRecords(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "llmtrace.db")
	store, err := NewSQLiteStore(path)
	if err != nil {
		t.Fatalf("NewSQLiteStore() error: %v", err)
	}
	record := NewRecord([]byte(`{"model":"m"}`), time.Now())
	record.Complete(json.RawMessage(`{"ok":true}`), time.Now())
	if err := store.Append(context.Background(), record); err != nil {
		t.Fatalf("Append() error: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("Close() error: %v", err)
	}

	reopened, err := NewSQLiteStore(path)
	if err != nil {
		t.Fatalf("reopen sqlite store: %v", err)
	}
	defer reopened.Close()

	records, err := reopened.ReadAll(context.Background())
	if err != nil {
		t.Fatalf("ReadAll() error: %v", err)
	}
	if len(records) != 1 || records[0].ID != record.ID {
		t.Fatalf("ReadAll() after reopen = %d records", len(records))
	}
}

func TestSQLiteStoreRejectsDuplicateID(t *testing.T) {
	t.Parallel()

	store := newSQLiteTestStore(t)
	record := NewRecord([]byte(`{}`), time.Now())
	record.Complete(json.RawMessage(`{}`), time.Now())
	if err := store.Append(context.Background(), record); err != nil {
		t.Fatalf("Append() error: %v", err)
	}

	err := store.Append(context.Background(), record)
	if err == nil {
		t.Fatal("second Append() of the same record expected error")
	}
	if class := ClassifyWriteError(err); class != WriteErrorClassConstraint {
		t.Fatalf("ClassifyWriteError(%v) = %q, want constraint", err, class)
	}
}
