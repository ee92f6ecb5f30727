package proxy

import (
	"bytes"
	"encoding/json"
)

var (
	sseDataPrefix = []byte("data: ")
	sseDoneToken  = []byte("[DONE]")
)

// StreamState is the running summary of a chat-completion SSE stream. It is
// a value folded over upstream lines with ObserveLine; a state must not be
// reused after it has been passed to ObserveLine.
type StreamState struct {
	// ID and Model hold the first non-null values seen, as raw JSON.
	ID    json.RawMessage
	Model json.RawMessage
	// Chunks counts data frames that parsed as JSON objects.
	Chunks int

	content []byte
}

// ObserveLine folds one raw upstream line into state. Only "data: " frames
// are considered; "[DONE]" and payloads that are not JSON objects leave the
// state unchanged. ObserveLine never fails.
func ObserveLine(state StreamState, line []byte) StreamState {
	payload, ok := bytes.CutPrefix(bytes.TrimRight(line, "\r\n"), sseDataPrefix)
	if !ok || bytes.Equal(payload, sseDoneToken) {
		return state
	}

	var chunk map[string]json.RawMessage
	if err := json.Unmarshal(payload, &chunk); err != nil || chunk == nil {
		return state
	}
	state.Chunks++

	if state.ID == nil {
		state.ID = presentValue(chunk["id"])
	}
	if state.Model == nil {
		state.Model = presentValue(chunk["model"])
	}
	if delta, ok := firstDeltaContent(chunk["choices"]); ok {
		state.content = append(state.content, delta...)
	}
	return state
}

// Content returns the concatenated choices[0].delta.content text.
func (s StreamState) Content() string {
	return string(s.content)
}

// Summary renders the persisted stream response:
// {"id": ..., "model": ..., "content": ..., "stream": true}.
func (s StreamState) Summary() json.RawMessage {
	summary := struct {
		ID      json.RawMessage `json:"id"`
		Model   json.RawMessage `json:"model"`
		Content string          `json:"content"`
		Stream  bool            `json:"stream"`
	}{
		ID:      s.ID,
		Model:   s.Model,
		Content: string(s.content),
		Stream:  true,
	}
	encoded, err := json.Marshal(summary)
	if err != nil {
		// ID and Model were validated by json.Unmarshal; only reachable on a
		// programming error.
		return json.RawMessage(`{"id":null,"model":null,"content":"","stream":true}`)
	}
	return encoded
}

func presentValue(raw json.RawMessage) json.RawMessage {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil
	}
	return append(json.RawMessage(nil), raw...)
}

func firstDeltaContent(rawChoices json.RawMessage) (string, bool) {
	if len(rawChoices) == 0 {
		return "", false
	}
	var choices []struct {
		Delta *struct {
			Content *string `json:"content"`
		} `json:"delta"`
	}
	if err := json.Unmarshal(rawChoices, &choices); err != nil || len(choices) == 0 {
		return "", false
	}
	delta := choices[0].Delta
	if delta == nil || delta.Content == nil {
		return "", false
	}
	return *delta.Content, true
}
