package proxy

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/ongoingai/llmtrace/internal/correlation"
	"github.com/ongoingai/llmtrace/internal/pathutil"
	"github.com/ongoingai/llmtrace/internal/trace"
)

const (
	DefaultUpstreamBaseURL     = "https://api.openai.com"
	DefaultChatCompletionsPath = "/v1/chat/completions"
	DefaultUpstreamTimeout     = 300 * time.Second

	streamReadBufferSize = 32 << 10
)

// Relay modes.
const (
	ModeBuffered  = "buffered"
	ModeStreaming = "streaming"
)

// Call outcomes reported through RelayMetrics.
const (
	OutcomeCompleted        = "completed"
	OutcomeUpstreamError    = "upstream_error"
	OutcomeClientDisconnect = "client_disconnect"
	OutcomeInvalidRequest   = "invalid_request"
	OutcomeStoreError       = "store_error"
)

var (
	forwardedHeaders = []string{"Authorization", "Content-Type"}
	jsonTrue         = []byte("true")
)

// CallStats describes one finished relay call.
type CallStats struct {
	Mode       string
	Outcome    string
	StatusCode int
	Duration   time.Duration
}

// RelayMetrics receives relay callbacks. Nil fields are skipped.
type RelayMetrics struct {
	OnCall          func(ctx context.Context, stats CallStats)
	OnLineForwarded func(ctx context.Context)
	OnAppend        func(ctx context.Context, err error)
}

type RelayOptions struct {
	// BaseURL and Path form the upstream target; Path defaults to
	// DefaultChatCompletionsPath.
	BaseURL string
	Path    string
	// Timeout bounds the whole upstream call, including a full stream.
	Timeout   time.Duration
	Transport http.RoundTripper
	Store     trace.Store
	Logger    *slog.Logger
	Metrics   *RelayMetrics
	// Now is the clock used for record timestamps and durations.
	Now func() time.Time
}

// Relay forwards chat-completion calls to one upstream and appends exactly
// one trace record per well-formed call.
type Relay struct {
	target  string
	client  *http.Client
	store   trace.Store
	logger  *slog.Logger
	metrics *RelayMetrics
	now     func() time.Time
}

func NewRelay(options RelayOptions) (*Relay, error) {
	if options.Store == nil {
		return nil, fmt.Errorf("relay requires a trace store")
	}
	if options.BaseURL == "" {
		options.BaseURL = DefaultUpstreamBaseURL
	}
	if options.Path == "" {
		options.Path = DefaultChatCompletionsPath
	}
	target := pathutil.JoinURL(options.BaseURL, options.Path)
	parsed, err := url.Parse(target)
	if err != nil {
		return nil, fmt.Errorf("parse upstream target: %w", err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("invalid upstream target %q", target)
	}
	if options.Timeout <= 0 {
		options.Timeout = DefaultUpstreamTimeout
	}
	if options.Logger == nil {
		options.Logger = slog.Default()
	}
	if options.Metrics == nil {
		options.Metrics = &RelayMetrics{}
	}
	if options.Now == nil {
		options.Now = time.Now
	}

	return &Relay{
		target: target,
		client: &http.Client{
			Transport: options.Transport,
			Timeout:   options.Timeout,
		},
		store:   options.Store,
		logger:  options.Logger,
		metrics: options.Metrics,
		now:     options.Now,
	}, nil
}

// Target returns the upstream URL calls are forwarded to.
func (r *Relay) Target() string {
	return r.target
}

func (r *Relay) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	receivedAt := r.now()

	body, err := io.ReadAll(req.Body)
	if err != nil || !json.Valid(body) {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Invalid JSON"})
		r.reportCall(req.Context(), CallStats{
			Mode:       modeFor(false),
			Outcome:    OutcomeInvalidRequest,
			StatusCode: http.StatusBadRequest,
			Duration:   r.now().Sub(receivedAt),
		})
		return
	}

	stream := requestsStream(body)
	record := trace.NewRecord(body, receivedAt)

	upstreamReq, err := http.NewRequestWithContext(req.Context(), http.MethodPost, r.target, bytes.NewReader(body))
	if err == nil {
		copyForwardedHeaders(upstreamReq.Header, req.Header)
	}

	call := &relayCall{
		relay:      r,
		w:          w,
		req:        req,
		record:     record,
		receivedAt: receivedAt,
		mode:       modeFor(stream),
	}
	if err != nil {
		call.upstreamFailed(fmt.Errorf("build upstream request: %w", err))
		return
	}
	if stream {
		call.stream(upstreamReq)
		return
	}
	call.buffered(upstreamReq)
}

// relayCall carries the per-call draft record. It is owned by the serving
// goroutine and never shared.
type relayCall struct {
	relay      *Relay
	w          http.ResponseWriter
	req        *http.Request
	record     *trace.Record
	receivedAt time.Time
	mode       string
	status     int
}

func (c *relayCall) buffered(upstreamReq *http.Request) {
	resp, err := c.relay.client.Do(upstreamReq)
	if err != nil {
		c.upstreamFailed(err)
		return
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		c.upstreamFailed(fmt.Errorf("read upstream response: %w", err))
		return
	}

	recorded := json.RawMessage(payload)
	if len(bytes.TrimSpace(payload)) == 0 {
		// An empty upstream body is still a response.
		recorded = json.RawMessage(`""`)
	}
	c.record.Complete(recorded, c.relay.now())
	if err := c.relay.persist(c.req.Context(), c.record); err != nil {
		c.writeStoreError()
		c.finish(OutcomeStoreError)
		return
	}

	if contentType := resp.Header.Get("Content-Type"); contentType != "" {
		c.w.Header().Set("Content-Type", contentType)
	}
	c.status = resp.StatusCode
	c.w.WriteHeader(resp.StatusCode)
	_, _ = c.w.Write(payload)
	c.finish(OutcomeCompleted)
}

// upstreamFailed handles a call that never obtained a usable upstream
// response.
func (c *relayCall) upstreamFailed(cause error) {
	message, outcome := c.failure(cause)
	c.record.Fail(message, c.relay.now())
	c.relay.logger.WarnContext(c.req.Context(), "upstream request failed",
		"correlation_id", correlationID(c.req),
		"trace_record_id", c.record.ID,
		"mode", c.mode,
		"error", cause,
	)
	storeErr := c.relay.persist(c.req.Context(), c.record)

	if c.mode == ModeStreaming {
		setSSEHeaders(c.w.Header())
		c.status = http.StatusBadGateway
		c.w.WriteHeader(http.StatusBadGateway)
		if outcome != OutcomeClientDisconnect {
			c.writeErrorFrame(message)
		}
		if storeErr != nil {
			outcome = OutcomeStoreError
		}
		c.finish(outcome)
		return
	}

	if storeErr != nil {
		c.writeStoreError()
		c.finish(OutcomeStoreError)
		return
	}
	c.status = http.StatusBadGateway
	writeJSON(c.w, http.StatusBadGateway, proxyErrorBody(message))
	c.finish(outcome)
}

func (c *relayCall) stream(upstreamReq *http.Request) {
	resp, err := c.relay.client.Do(upstreamReq)
	if err != nil {
		c.upstreamFailed(err)
		return
	}
	defer resp.Body.Close()

	setSSEHeaders(c.w.Header())
	c.status = resp.StatusCode
	c.w.WriteHeader(resp.StatusCode)
	controller := http.NewResponseController(c.w)
	if err := flush(controller); err != nil {
		c.streamAborted(err, true)
		return
	}

	var state StreamState
	reader := bufio.NewReaderSize(resp.Body, streamReadBufferSize)
	for {
		line, readErr := reader.ReadBytes('\n')
		if len(line) > 0 {
			out := line
			if line[len(line)-1] != '\n' {
				out = append(line, '\n')
			}
			if _, err := c.w.Write(out); err != nil {
				c.streamAborted(err, true)
				return
			}
			if err := flush(controller); err != nil {
				c.streamAborted(err, true)
				return
			}
			c.relay.lineForwarded(c.req.Context())
			state = ObserveLine(state, line)
		}

		if errors.Is(readErr, io.EOF) {
			break
		}
		if readErr != nil {
			c.streamAborted(readErr, false)
			return
		}
	}

	c.record.Complete(state.Summary(), c.relay.now())
	outcome := OutcomeCompleted
	if err := c.relay.persist(c.req.Context(), c.record); err != nil {
		outcome = OutcomeStoreError
	}
	c.finish(outcome)
}

// streamAborted ends a stream that failed after headers were sent. Write
// failures toward the caller are always treated as a disconnect.
func (c *relayCall) streamAborted(cause error, callerSide bool) {
	message, outcome := c.failure(cause)
	if callerSide && outcome != OutcomeClientDisconnect {
		message = "client disconnected: " + cause.Error()
		outcome = OutcomeClientDisconnect
	}
	c.record.Fail(message, c.relay.now())

	if outcome == OutcomeClientDisconnect {
		c.relay.logger.InfoContext(c.req.Context(), "client disconnected during stream",
			"correlation_id", correlationID(c.req),
			"trace_record_id", c.record.ID,
			"error", cause,
		)
	} else {
		c.relay.logger.WarnContext(c.req.Context(), "upstream stream interrupted",
			"correlation_id", correlationID(c.req),
			"trace_record_id", c.record.ID,
			"error", cause,
		)
	}

	storeErr := c.relay.persist(c.req.Context(), c.record)
	if outcome != OutcomeClientDisconnect {
		c.writeErrorFrame(message)
	}
	if storeErr != nil {
		outcome = OutcomeStoreError
	}
	c.finish(outcome)
}

// failure turns a transport error into the recorded message, telling caller
// cancellation apart from upstream failures.
func (c *relayCall) failure(cause error) (string, string) {
	if ctxErr := c.req.Context().Err(); ctxErr != nil {
		return "client disconnected: " + cause.Error(), OutcomeClientDisconnect
	}
	return cause.Error(), OutcomeUpstreamError
}

func (c *relayCall) writeErrorFrame(message string) {
	frame, err := json.Marshal(proxyErrorBody(message))
	if err != nil {
		return
	}
	var buf bytes.Buffer
	buf.Grow(len(frame) + len(sseDataPrefix) + 2)
	buf.Write(sseDataPrefix)
	buf.Write(frame)
	buf.WriteString("\n\n")
	if _, err := c.w.Write(buf.Bytes()); err != nil {
		return
	}
	_ = flush(http.NewResponseController(c.w))
}

func (c *relayCall) writeStoreError() {
	c.status = http.StatusInternalServerError
	writeJSON(c.w, http.StatusInternalServerError, map[string]any{
		"error": map[string]string{
			"message": "failed to persist trace record",
			"type":    "trace_store_error",
		},
	})
}

func (c *relayCall) finish(outcome string) {
	c.relay.reportCall(c.req.Context(), CallStats{
		Mode:       c.mode,
		Outcome:    outcome,
		StatusCode: c.status,
		Duration:   c.relay.now().Sub(c.receivedAt),
	})
}

// persist appends record once. The append outlives caller cancellation so a
// disconnect is still recorded.
func (r *Relay) persist(ctx context.Context, record *trace.Record) error {
	err := r.store.Append(context.WithoutCancel(ctx), record)
	if r.metrics.OnAppend != nil {
		r.metrics.OnAppend(ctx, err)
	}
	if err != nil {
		r.logger.ErrorContext(ctx, "trace append failed",
			"trace_record_id", record.ID,
			"error_class", trace.ClassifyWriteError(err),
			"error", err,
		)
	}
	return err
}

func (r *Relay) reportCall(ctx context.Context, stats CallStats) {
	if r.metrics.OnCall != nil {
		r.metrics.OnCall(ctx, stats)
	}
}

func (r *Relay) lineForwarded(ctx context.Context) {
	if r.metrics.OnLineForwarded != nil {
		r.metrics.OnLineForwarded(ctx)
	}
}

// requestsStream reports whether body is a JSON object whose "stream" member
// is the literal true.
func requestsStream(body []byte) bool {
	var probe struct {
		Stream json.RawMessage `json:"stream"`
	}
	if err := json.Unmarshal(body, &probe); err != nil {
		return false
	}
	return bytes.Equal(bytes.TrimSpace(probe.Stream), jsonTrue)
}

func copyForwardedHeaders(dst, src http.Header) {
	for _, name := range forwardedHeaders {
		if values := src.Values(name); len(values) > 0 {
			dst[name] = append([]string(nil), values...)
		}
	}
	if dst.Get("Content-Type") == "" {
		dst.Set("Content-Type", "application/json")
	}
}

func setSSEHeaders(header http.Header) {
	header.Set("Content-Type", "text/event-stream")
	header.Set("Cache-Control", "no-cache")
	header.Set("Connection", "keep-alive")
}

func flush(controller *http.ResponseController) error {
	if err := controller.Flush(); err != nil && !errors.Is(err, http.ErrNotSupported) {
		return err
	}
	return nil
}

func proxyErrorBody(message string) map[string]any {
	return map[string]any{
		"error": map[string]string{
			"message": message,
			"type":    "proxy_error",
		},
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func modeFor(stream bool) string {
	if stream {
		return ModeStreaming
	}
	return ModeBuffered
}

func correlationID(req *http.Request) string {
	id, _ := correlation.FromContext(req.Context())
	return id
}
