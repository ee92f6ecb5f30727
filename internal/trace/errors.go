package trace

import (
	"context"
	"errors"
	"io/fs"
	"net"
	"strings"
	"syscall"

	"github.com/jackc/pgx/v5/pgconn"
)

// Error class constants for trace append failure classification.
const (
	WriteErrorClassDiskFull   = "disk_full"
	WriteErrorClassPermission = "permission"
	WriteErrorClassConnection = "connection"
	WriteErrorClassTimeout    = "timeout"
	WriteErrorClassContention = "contention"
	WriteErrorClassConstraint = "constraint"
	WriteErrorClassUnknown    = "unknown"
)

// ClassifyWriteError maps an append error to a small fixed set of classes
// usable as a metric label.
func ClassifyWriteError(err error) string {
	if err == nil {
		return WriteErrorClassUnknown
	}

	// Local filesystem failures first; they are the common JSONL case.
	if errors.Is(err, syscall.ENOSPC) || errors.Is(err, syscall.EDQUOT) {
		return WriteErrorClassDiskFull
	}
	if errors.Is(err, fs.ErrPermission) || errors.Is(err, syscall.EROFS) {
		return WriteErrorClassPermission
	}

	// Timeout before connection, since net.Error can be both.
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return WriteErrorClassTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return WriteErrorClassTimeout
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return WriteErrorClassConnection
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNABORTED) {
		return WriteErrorClassConnection
	}

	// SQLSTATE class 23 is integrity constraint violation.
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && strings.HasPrefix(pgErr.Code, "23") {
		return WriteErrorClassConstraint
	}

	// Driver errors often lose their type once wrapped; fall back to text.
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "no space left on device") || strings.Contains(msg, "sqlite_full") || strings.Contains(msg, "database or disk is full"):
		return WriteErrorClassDiskFull
	case strings.Contains(msg, "permission denied") || strings.Contains(msg, "read-only file system") || strings.Contains(msg, "attempt to write a readonly database"):
		return WriteErrorClassPermission
	case strings.Contains(msg, "connection refused") || strings.Contains(msg, "broken pipe") || strings.Contains(msg, "no such host"):
		return WriteErrorClassConnection
	case strings.Contains(msg, "timeout") || strings.Contains(msg, "deadline exceeded"):
		return WriteErrorClassTimeout
	case strings.Contains(msg, "sqlite_busy") || strings.Contains(msg, "database is locked"):
		return WriteErrorClassContention
	case strings.Contains(msg, "unique constraint") || strings.Contains(msg, "duplicate key") || strings.Contains(msg, "constraint failed"):
		return WriteErrorClassConstraint
	}
	return WriteErrorClassUnknown
}
