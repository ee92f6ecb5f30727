package correlation

import (
	"context"
	"net/http"
	"strings"

	"github.com/google/uuid"
)

const (
	// HeaderName is the canonical correlation identifier header. It is echoed
	// to callers and never forwarded upstream.
	HeaderName = "X-LLMTrace-Correlation-ID"
	maxIDLen   = 128
)

// fallbackHeaders are consulted in order after HeaderName.
var fallbackHeaders = []string{"X-Request-ID", "X-Correlation-ID"}

type contextKey struct{}

// EnsureRequest returns req carrying a correlation id in its context and in
// the HeaderName header, reusing a valid incoming id when present.
func EnsureRequest(req *http.Request) (*http.Request, string) {
	if req == nil {
		return nil, ""
	}

	id, ok := FromContext(req.Context())
	if !ok {
		id = FromHeaders(req.Header)
		if id == "" {
			id = NewID()
		}
		req = req.WithContext(WithContext(req.Context(), id))
	}
	if req.Header == nil {
		req.Header = make(http.Header)
	}
	req.Header.Set(HeaderName, id)
	return req, id
}

// WithContext stores a normalized correlation id in ctx. Invalid ids are
// dropped.
func WithContext(ctx context.Context, id string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	if normalized := normalizeID(id); normalized != "" {
		return context.WithValue(ctx, contextKey{}, normalized)
	}
	return ctx
}

func FromContext(ctx context.Context) (string, bool) {
	if ctx == nil {
		return "", false
	}
	value, _ := ctx.Value(contextKey{}).(string)
	value = normalizeID(value)
	return value, value != ""
}

// FromHeaders returns the first valid id among HeaderName and the common
// request id headers.
func FromHeaders(headers http.Header) string {
	if headers == nil {
		return ""
	}
	if id := normalizeID(headers.Get(HeaderName)); id != "" {
		return id
	}
	for _, name := range fallbackHeaders {
		if id := normalizeID(headers.Get(name)); id != "" {
			return id
		}
	}
	return ""
}

func NewID() string {
	return "llmt-" + uuid.NewString()
}

// normalizeID trims raw, caps its length and rejects anything outside
// [A-Za-z0-9-_.:] so ids are safe to log and echo.
func normalizeID(raw string) string {
	value := strings.TrimSpace(raw)
	if len(value) > maxIDLen {
		value = value[:maxIDLen]
	}
	for _, r := range value {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '-', r == '_', r == '.', r == ':':
		default:
			return ""
		}
	}
	return value
}
