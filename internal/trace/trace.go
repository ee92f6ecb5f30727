package trace

import (
	"bytes"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

var jsonNull = []byte("null")

// Record describes one proxied chat-completion call. The relay owns a record
// as a draft until the call reaches a terminal outcome; after it is handed to
// a Store it is never modified again.
type Record struct {
	ID         string          `json:"id"`
	Timestamp  time.Time       `json:"timestamp"`
	Request    json.RawMessage `json:"request"`
	Response   json.RawMessage `json:"response"`
	DurationMS int64           `json:"duration_ms"`
	Error      *string         `json:"error"`

	// startedAt keeps the monotonic clock reading of Timestamp so DurationMS
	// is immune to wall clock adjustments during the call.
	startedAt time.Time
}

// NewRecord starts a draft for a call received at receivedAt. The request
// body must already be valid JSON; it is stored compacted so every encoded
// record fits on a single line.
func NewRecord(request []byte, receivedAt time.Time) *Record {
	if receivedAt.IsZero() {
		receivedAt = time.Now()
	}
	return &Record{
		ID:        uuid.NewString(),
		Timestamp: receivedAt.UTC(),
		Request:   compactJSON(request),
		startedAt: receivedAt,
	}
}

// Complete finalizes the draft with an upstream response payload.
func (r *Record) Complete(response json.RawMessage, finishedAt time.Time) {
	r.Response = compactJSON(response)
	r.finish(finishedAt)
}

// Fail finalizes the draft with a transport-level failure message.
func (r *Record) Fail(message string, finishedAt time.Time) {
	r.Error = &message
	r.finish(finishedAt)
}

// HasResponse reports whether a response payload was recorded.
func (r *Record) HasResponse() bool {
	return r != nil && len(r.Response) > 0 && !bytes.Equal(r.Response, jsonNull)
}

// ErrorMessage returns the recorded failure message, or "" when the call did
// not fail at the transport level.
func (r *Record) ErrorMessage() string {
	if r == nil || r.Error == nil {
		return ""
	}
	return *r.Error
}

func (r *Record) finish(finishedAt time.Time) {
	start := r.startedAt
	if start.IsZero() {
		start = r.Timestamp
	}
	elapsed := finishedAt.Sub(start)
	if elapsed < 0 {
		elapsed = 0
	}
	r.DurationMS = elapsed.Milliseconds()
}

// normalize undoes the decode artifacts of a round trip through storage:
// JSON null decodes into a RawMessage holding the literal "null".
func (r *Record) normalize() {
	if bytes.Equal(bytes.TrimSpace(r.Response), jsonNull) {
		r.Response = nil
	}
	if r.Request == nil {
		r.Request = json.RawMessage(jsonNull)
	}
	r.startedAt = r.Timestamp
}

func compactJSON(raw []byte) json.RawMessage {
	if len(raw) == 0 {
		return nil
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		// Not JSON: keep the bytes as a JSON string so the record stays
		// encodable on one line.
		encoded, marshalErr := json.Marshal(string(raw))
		if marshalErr != nil {
			return nil
		}
		return encoded
	}
	return buf.Bytes()
}

// EncodeLine renders a record as one newline-terminated JSON line.
func EncodeLine(record *Record) ([]byte, error) {
	var buf bytes.Buffer
	encoder := json.NewEncoder(&buf)
	encoder.SetEscapeHTML(false)
	if err := encoder.Encode(record); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecodeLine parses one stored JSON line back into a Record.
func DecodeLine(line []byte) (*Record, error) {
	var record Record
	if err := json.Unmarshal(line, &record); err != nil {
		return nil, err
	}
	record.normalize()
	return &record, nil
}
