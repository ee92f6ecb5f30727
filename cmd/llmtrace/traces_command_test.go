package main

import (
	"encoding/json"
	"fmt"
	"strings"
	"testing"

	"github.com/ongoingai/llmtrace/internal/trace"
)

func tracesConfig(t *testing.T, logPath string) string {
	t.Helper()
	return writeConfigFile(t, fmt.Sprintf("storage:\n  driver: jsonl\n  path: %q\n", logPath))
}

func TestTracesListText(t *testing.T) {
	clearLLMTraceEnv(t)

	logPath, ids := seedTraceLog(t,
		`{"model":"gpt-4o","messages":[]}`,
		`{"model":"gpt-4o-mini","messages":[]}`,
		`[1,2,3]`,
	)
	code, out, errOut := runCLI(t, "traces", "list", "--config", tracesConfig(t, logPath))
	if code != 0 {
		t.Fatalf("exit code=%d stderr=%q", code, errOut)
	}

	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) != 4 {
		t.Fatalf("got %d lines, want header plus 3 rows:\n%s", len(lines), out)
	}
	if !strings.HasPrefix(lines[0], "ID") || !strings.Contains(lines[0], "STATUS") {
		t.Fatalf("header=%q", lines[0])
	}
	checks := []struct {
		id    string
		model string
		state string
	}{
		{id: ids[0], model: "gpt-4o", state: "ok"},
		{id: ids[1], model: "gpt-4o-mini", state: "error: dial tcp: connection refused"},
		{id: ids[2], model: "-", state: "ok"},
	}
	for i, check := range checks {
		row := lines[i+1]
		if !strings.HasPrefix(row, check.id) || !strings.Contains(row, check.model) || !strings.HasSuffix(row, check.state) {
			t.Fatalf("row %d=%q, want id %s model %s status %q", i, row, check.id, check.model, check.state)
		}
	}
	if !strings.Contains(lines[1], "2026-01-02T03:04:05Z") || !strings.Contains(lines[1], "150") {
		t.Fatalf("row 0 missing timestamp or duration: %q", lines[1])
	}
}

func TestTracesListJSONKeepsMostRecent(t *testing.T) {
	clearLLMTraceEnv(t)

	logPath, ids := seedTraceLog(t, `{"n":1}`, `{"n":2}`, `{"n":3}`)
	code, out, errOut := runCLI(t, "traces", "list", "--config", tracesConfig(t, logPath), "--format", "json", "--limit", "2")
	if code != 0 {
		t.Fatalf("exit code=%d stderr=%q", code, errOut)
	}

	var records []trace.Record
	if err := json.Unmarshal([]byte(out), &records); err != nil {
		t.Fatalf("decode list output: %v\n%s", err, out)
	}
	if len(records) != 2 || records[0].ID != ids[1] || records[1].ID != ids[2] {
		t.Fatalf("records=%+v, want the last two of %v", records, ids)
	}
}

func TestTracesListEmptyLogJSON(t *testing.T) {
	clearLLMTraceEnv(t)

	logPath := t.TempDir() + "/missing.jsonl"
	code, out, errOut := runCLI(t, "traces", "list", "--config", tracesConfig(t, logPath), "--format", "json")
	if code != 0 {
		t.Fatalf("exit code=%d stderr=%q", code, errOut)
	}
	if strings.TrimSpace(out) != "[]" {
		t.Fatalf("output=%q, want []", out)
	}
}

func TestTracesListRejectsBadFlags(t *testing.T) {
	clearLLMTraceEnv(t)

	logPath, _ := seedTraceLog(t, `{}`)
	configPath := tracesConfig(t, logPath)
	for _, args := range [][]string{
		{"traces", "list", "--config", configPath, "--format", "yaml"},
		{"traces", "list", "--config", configPath, "--limit", "-1"},
	} {
		if code, _, _ := runCLI(t, args...); code != 2 {
			t.Fatalf("%v exit code=%d, want 2", args, code)
		}
	}
}

func TestTracesShow(t *testing.T) {
	clearLLMTraceEnv(t)

	logPath, ids := seedTraceLog(t, `{"model":"gpt-4o"}`, `{"model":"gpt-4o-mini"}`)
	configPath := tracesConfig(t, logPath)

	code, out, errOut := runCLI(t, "traces", "show", ids[1], "--config", configPath)
	if code != 0 {
		t.Fatalf("exit code=%d stderr=%q", code, errOut)
	}
	var record trace.Record
	if err := json.Unmarshal([]byte(out), &record); err != nil {
		t.Fatalf("decode show output: %v", err)
	}
	if record.ID != ids[1] || record.ErrorMessage() != "dial tcp: connection refused" || record.HasResponse() {
		t.Fatalf("record=%+v", record)
	}
	if !strings.Contains(out, "\n  \"request\"") {
		t.Fatalf("output is not indented: %q", out)
	}

	code, _, errOut = runCLI(t, "traces", "show", "no-such-id", "--config", configPath)
	if code != 1 || !strings.Contains(errOut, `trace "no-such-id" not found`) {
		t.Fatalf("exit code=%d stderr=%q, want not found", code, errOut)
	}

	if code, _, _ := runCLI(t, "traces", "show", "--config", configPath); code != 2 {
		t.Fatalf("show without id exit code=%d, want 2", code)
	}
}

func TestTracesTailPrintsRawLines(t *testing.T) {
	clearLLMTraceEnv(t)

	logPath, ids := seedTraceLog(t, `{"a":1}`, `{"b":2}`)
	code, out, errOut := runCLI(t, "traces", "tail", "--config", tracesConfig(t, logPath))
	if code != 0 {
		t.Fatalf("exit code=%d stderr=%q", code, errOut)
	}

	lines := strings.Split(strings.TrimSuffix(out, "\n"), "\n")
	if len(lines) != len(ids) {
		t.Fatalf("got %d lines, want %d:\n%s", len(lines), len(ids), out)
	}
	for i, line := range lines {
		record, err := trace.DecodeLine([]byte(line))
		if err != nil {
			t.Fatalf("line %d is not a record: %v", i, err)
		}
		if record.ID != ids[i] {
			t.Fatalf("line %d id=%s, want %s", i, record.ID, ids[i])
		}
	}
}

func TestTracesTailRequiresJSONLDriver(t *testing.T) {
	clearLLMTraceEnv(t)

	configPath := writeConfigFile(t, fmt.Sprintf("storage:\n  driver: sqlite\n  path: %q\n", t.TempDir()+"/traces.db"))
	code, _, errOut := runCLI(t, "traces", "tail", "--config", configPath)
	if code != 1 || !strings.Contains(errOut, "requires the jsonl storage driver") {
		t.Fatalf("exit code=%d stderr=%q", code, errOut)
	}
}
