package proxy

import (
	"encoding/json"
	"testing"
)

func foldLines(lines ...string) StreamState {
	var state StreamState
	for _, line := range lines {
		state = ObserveLine(state, []byte(line))
	}
	return state
}

func TestObserveLineConcatenatesDeltaContent(t *testing.T) {
	t.Parallel()

	state := foldLines(
		`data: {"id":"chatcmpl-1","model":"gpt-4o-mini","choices":[{"delta":{"role":"assistant"}}]}`+"\n",
		"\n",
		`data: {"id":"chatcmpl-1","choices":[{"delta":{"content":"Hel"}}]}`+"\n",
		`data: {"choices":[{"delta":{"content":"lo"}}]}`+"\r\n",
		`data: {"choices":[{"delta":{"content":""},"finish_reason":"stop"}]}`+"\n",
		"data: [DONE]\n",
	)

	if got := state.Content(); got != "Hello" {
		t.Fatalf("content=%q, want %q", got, "Hello")
	}
	if string(state.ID) != `"chatcmpl-1"` || string(state.Model) != `"gpt-4o-mini"` {
		t.Fatalf("id=%s model=%s", state.ID, state.Model)
	}
	if state.Chunks != 4 {
		t.Fatalf("chunks=%d, want 4", state.Chunks)
	}
}

func TestObserveLineIgnoresNonDataAndMalformedFrames(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		line string
	}{
		{name: "comment", line: ": keep-alive"},
		{name: "event field", line: "event: message"},
		{name: "missing space after colon", line: `data:{"choices":[{"delta":{"content":"x"}}]}`},
		{name: "done token", line: "data: [DONE]"},
		{name: "invalid json", line: `data: {"choices":[{"delta":`},
		{name: "non-object json", line: `data: 42`},
		{name: "choices not array", line: `data: {"choices":{"delta":{"content":"x"}}}`},
		{name: "empty choices", line: `data: {"choices":[]}`},
		{name: "null content", line: `data: {"choices":[{"delta":{"content":null}}]}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			state := ObserveLine(StreamState{}, []byte(tt.line))
			if state.Content() != "" || state.ID != nil || state.Model != nil {
				t.Fatalf("state changed for %q: %+v", tt.line, state)
			}
		})
	}
}

func TestObserveLineCapturesIDAndModelIndependently(t *testing.T) {
	t.Parallel()

	state := foldLines(
		`data: {"id":null,"model":"first-model"}`,
		`data: {"id":"late-id","model":"second-model"}`,
		`data: {"id":"ignored-id"}`,
	)
	if string(state.ID) != `"late-id"` {
		t.Fatalf("id=%s, want first non-null id", state.ID)
	}
	if string(state.Model) != `"first-model"` {
		t.Fatalf("model=%s, want first model", state.Model)
	}
}

func TestSummaryShape(t *testing.T) {
	t.Parallel()

	var empty map[string]any
	if err := json.Unmarshal(StreamState{}.Summary(), &empty); err != nil {
		t.Fatalf("decode empty summary: %v", err)
	}
	if empty["id"] != nil || empty["model"] != nil || empty["content"] != "" || empty["stream"] != true {
		t.Fatalf("empty summary=%v", empty)
	}

	state := foldLines(`data: {"id":"c-1","model":"m","choices":[{"delta":{"content":"<b>hi</b>"}}]}`)
	var summary struct {
		ID      string `json:"id"`
		Model   string `json:"model"`
		Content string `json:"content"`
		Stream  bool   `json:"stream"`
	}
	if err := json.Unmarshal(state.Summary(), &summary); err != nil {
		t.Fatalf("decode summary: %v", err)
	}
	if summary.ID != "c-1" || summary.Model != "m" || summary.Content != "<b>hi</b>" || !summary.Stream {
		t.Fatalf("summary=%+v", summary)
	}
}
