package trace

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// JSONLOptions tunes JSONLStore durability.
type JSONLOptions struct {
	// Fsync flushes the file to stable storage after every append.
	Fsync bool
}

// JSONLStore keeps one JSON-encoded Record per line in an append-only file.
type JSONLStore struct {
	Path string

	fsync bool
	// writeMu serializes appends so each line reaches the file as a single
	// O_APPEND write.
	writeMu sync.Mutex
}

func NewJSONLStore(path string) (*JSONLStore, error) {
	return NewJSONLStoreWithOptions(path, JSONLOptions{})
}

func NewJSONLStoreWithOptions(path string, options JSONLOptions) (*JSONLStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("jsonl path cannot be empty")
	}
	if err := ensureParentDir(path); err != nil {
		return nil, err
	}
	return &JSONLStore{Path: path, fsync: options.Fsync}, nil
}

func (s *JSONLStore) Close() error {
	return nil
}

// Append encodes record and writes it as one newline-terminated line. Any
// I/O failure is returned to the caller; nothing is retried.
func (s *JSONLStore) Append(_ context.Context, record *Record) error {
	if record == nil {
		return errNilRecord
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	line, err := EncodeLine(record)
	if err != nil {
		return fmt.Errorf("encode trace record %q: %w", record.ID, err)
	}
	if err := ensureParentDir(s.Path); err != nil {
		return err
	}

	file, err := os.OpenFile(s.Path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open trace log %q: %w", s.Path, err)
	}
	n, writeErr := file.Write(line)
	if writeErr == nil && n != len(line) {
		writeErr = io.ErrShortWrite
	}
	if writeErr == nil && s.fsync {
		writeErr = file.Sync()
	}
	closeErr := file.Close()
	if writeErr != nil {
		return fmt.Errorf("write trace record %q: %w", record.ID, writeErr)
	}
	if closeErr != nil {
		return fmt.Errorf("close trace log %q: %w", s.Path, closeErr)
	}
	return nil
}

// ReadAll replays the log in append order. A missing file is an empty log.
// A trailing line without a newline that does not decode is a torn write
// from an interrupted append and is skipped.
func (s *JSONLStore) ReadAll(ctx context.Context) ([]*Record, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	file, err := os.Open(s.Path)
	if errors.Is(err, os.ErrNotExist) {
		return []*Record{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open trace log %q: %w", s.Path, err)
	}
	defer file.Close()

	records := make([]*Record, 0)
	reader := bufio.NewReader(file)
	for lineNo := 1; ; lineNo++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		line, readErr := reader.ReadBytes('\n')
		if readErr != nil && !errors.Is(readErr, io.EOF) {
			return nil, fmt.Errorf("read trace log %q: %w", s.Path, readErr)
		}

		if trimmed := bytes.TrimSpace(line); len(trimmed) > 0 {
			record, decodeErr := DecodeLine(trimmed)
			switch {
			case decodeErr == nil:
				records = append(records, record)
			case errors.Is(readErr, io.EOF):
				// torn tail
			default:
				return nil, fmt.Errorf("decode trace log %q line %d: %w", s.Path, lineNo, decodeErr)
			}
		}

		if errors.Is(readErr, io.EOF) {
			return records, nil
		}
	}
}

func ensureParentDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create trace log directory %q: %w", dir, err)
	}
	return nil
}
