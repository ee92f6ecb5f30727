package trace

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func newJSONLTestStore(t *testing.T) *JSONLStore {
	t.Helper()

	store, err := NewJSONLStore(filepath.Join(t.TempDir(), "nested", "dir", "traces.jsonl"))
	if err != nil {
		t.Fatalf("NewJSONLStore() error: %v", err)
	}
	return store
}

func TestJSONLStoreContract(t *testing.T) {
	t.Parallel()
	exerciseStoreContract(t, newJSONLTestStore(t))
}

func TestJSONLStoreConcurrentAppends(t *testing.T) {
	t.Parallel()

	store := newJSONLTestStore(t)
	exerciseConcurrentAppends(t, store, 64)

	raw, err := os.ReadFile(store.Path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	lines := bytes.Split(bytes.TrimSuffix(raw, []byte("\n")), []byte("\n"))
	if len(lines) != 64 {
		t.Fatalf("line count=%d, want 64", len(lines))
	}
	for i, line := range lines {
		if !json.Valid(line) {
			t.Fatalf("line %d is not a complete JSON document: %q", i+1, line)
		}
	}
}

func TestJSONLStoreReadAllMissingFileIsEmpty(t *testing.T) {
	t.Parallel()

	store := newJSONLTestStore(t)
	records, err := store.ReadAll(context.Background())
	if err != nil {
		t.Fatalf("ReadAll() error: %v", err)
	}
	if records == nil || len(records) != 0 {
		t.Fatalf("ReadAll() = %#v, want empty slice", records)
	}
}

func TestJSONLStoreAppendCreatesParentDirectory(t *testing.T) {
	t.Parallel()

	store := newJSONLTestStore(t)
	if err := os.RemoveAll(filepath.Dir(store.Path)); err != nil {
		t.Fatalf("remove parent dir: %v", err)
	}

	record := NewRecord([]byte(`{}`), time.Now())
	record.Complete(json.RawMessage(`{}`), time.Now())
	if err := store.Append(context.Background(), record); err != nil {
		t.Fatalf("Append() error: %v", err)
	}
	if _, err := os.Stat(store.Path); err != nil {
		t.Fatalf("expected log file to exist: %v", err)
	}
}

func TestJSONLStoreReadAllSkipsBlankLinesAndTornTail(t *testing.T) {
	t.Parallel()

	store := newJSONLTestStore(t)
	record := NewRecord([]byte(`{"a":1}`), time.Now())
	record.Complete(json.RawMessage(`{"ok":true}`), time.Now())
	line, err := EncodeLine(record)
	if err != nil {
		t.Fatalf("EncodeLine() error: %v", err)
	}

	content := "\n" + string(line) + "\n\n" + `{"id":"torn","timest`
	if err := os.WriteFile(store.Path, []byte(content), 0o644); err != nil {
		t.Fatalf("write log: %v", err)
	}

	records, err := store.ReadAll(context.Background())
	if err != nil {
		t.Fatalf("ReadAll() error: %v", err)
	}
	if len(records) != 1 || records[0].ID != record.ID {
		t.Fatalf("ReadAll() = %d records, want only %q", len(records), record.ID)
	}
}

func TestJSONLStoreReadAllRejectsCorruptInteriorLine(t *testing.T) {
	t.Parallel()

	store := newJSONLTestStore(t)
	if err := os.WriteFile(store.Path, []byte("not json\n"), 0o644); err != nil {
		t.Fatalf("write log: %v", err)
	}

	_, err := store.ReadAll(context.Background())
	if err == nil || !strings.Contains(err.Error(), "line 1") {
		t.Fatalf("ReadAll() error=%v, want decode error naming line 1", err)
	}
}

func TestJSONLStoreAppendSurfacesIOErrors(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	// A directory where the log file should be makes every open fail.
	path := filepath.Join(dir, "traces.jsonl")
	if err := os.Mkdir(path, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	store, err := NewJSONLStore(path)
	if err != nil {
		t.Fatalf("NewJSONLStore() error: %v", err)
	}

	record := NewRecord([]byte(`{}`), time.Now())
	record.Complete(json.RawMessage(`{}`), time.Now())
	if err := store.Append(context.Background(), record); err == nil {
		t.Fatal("Append() expected error when log path is a directory")
	}
}

func TestJSONLStoreFsyncOption(t *testing.T) {
	t.Parallel()

	store, err := NewJSONLStoreWithOptions(filepath.Join(t.TempDir(), "traces.jsonl"), JSONLOptions{Fsync: true})
	if err != nil {
		t.Fatalf("NewJSONLStoreWithOptions() error: %v", err)
	}
	exerciseStoreContract(t, store)
}

func TestNewJSONLStoreRejectsEmptyPath(t *testing.T) {
	t.Parallel()

	if _, err := NewJSONLStore("  "); err == nil {
		t.Fatal("NewJSONLStore(\"\") expected error")
	}
}
