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
	"time"

	"github.com/fsnotify/fsnotify"
)

const defaultFollowPollInterval = time.Second

// FollowOptions controls how Follow reads a JSONL trace log.
type FollowOptions struct {
	// FromStart emits the lines already in the file before new ones.
	FromStart bool
	// Watch keeps reading appended lines until ctx is done. Without it,
	// Follow returns once the current end of file is reached.
	Watch bool
	// PollInterval re-reads the file even without a filesystem event, for
	// filesystems where notifications are coalesced or missing.
	PollInterval time.Duration
}

// Follow calls fn with every complete line of the JSONL log at path, without
// the trailing newline. A line still being written is held back until its
// newline arrives. Truncation or replacement of the file restarts reading at
// offset zero.
func Follow(ctx context.Context, path string, options FollowOptions, fn func(line []byte) error) error {
	if fn == nil {
		return fmt.Errorf("follow callback is required")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	tail := &lineTail{path: path, fn: fn}
	if !options.FromStart {
		if err := tail.skipToEnd(); err != nil {
			return err
		}
	}
	if err := tail.drain(); err != nil {
		return err
	}
	if !options.Watch {
		return nil
	}

	if err := ensureParentDir(path); err != nil {
		return err
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	defer watcher.Close()

	// Watch the directory so creates and renames of the log are seen too.
	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watch trace log directory %q: %w", dir, err)
	}

	interval := options.PollInterval
	if interval <= 0 {
		interval = defaultFollowPollInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	target := filepath.Clean(path)
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return fmt.Errorf("watcher events channel closed")
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
				tail.reset()
				continue
			}
			if err := tail.drain(); err != nil {
				return err
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return fmt.Errorf("watcher errors channel closed")
			}
			return fmt.Errorf("watch trace log: %w", err)
		case <-ticker.C:
			if err := tail.drain(); err != nil {
				return err
			}
		}
	}
}

type lineTail struct {
	path    string
	offset  int64
	partial []byte
	fn      func([]byte) error
}

func (t *lineTail) reset() {
	t.offset = 0
	t.partial = nil
}

func (t *lineTail) skipToEnd() error {
	info, err := os.Stat(t.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("stat trace log %q: %w", t.path, err)
	}
	t.offset = info.Size()
	return nil
}

func (t *lineTail) drain() error {
	file, err := os.Open(t.path)
	if errors.Is(err, os.ErrNotExist) {
		t.reset()
		return nil
	}
	if err != nil {
		return fmt.Errorf("open trace log %q: %w", t.path, err)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return fmt.Errorf("stat trace log %q: %w", t.path, err)
	}
	if info.Size() < t.offset {
		t.reset()
	}
	if _, err := file.Seek(t.offset, io.SeekStart); err != nil {
		return fmt.Errorf("seek trace log %q: %w", t.path, err)
	}

	reader := bufio.NewReader(file)
	for {
		chunk, readErr := reader.ReadBytes('\n')
		t.offset += int64(len(chunk))

		if n := len(chunk); n > 0 {
			if chunk[n-1] != '\n' {
				t.partial = append(t.partial, chunk...)
			} else {
				line := append(t.partial, chunk[:n-1]...)
				t.partial = nil
				line = bytes.TrimRight(line, "\r")
				if len(bytes.TrimSpace(line)) > 0 {
					if err := t.fn(line); err != nil {
						return err
					}
				}
			}
		}

		if errors.Is(readErr, io.EOF) {
			return nil
		}
		if readErr != nil {
			return fmt.Errorf("read trace log %q: %w", t.path, readErr)
		}
	}
}
