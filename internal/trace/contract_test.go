package trace

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"
)

// exerciseStoreContract checks the behavior every Store driver shares.
func exerciseStoreContract(t *testing.T, store Store) {
	t.Helper()
	ctx := context.Background()

	existing, err := store.ReadAll(ctx)
	if err != nil {
		t.Fatalf("ReadAll() on fresh store error: %v", err)
	}
	if existing == nil {
		t.Fatal("ReadAll() on fresh store returned nil, want empty slice")
	}
	base := len(existing)

	start := time.Date(2026, 3, 1, 9, 30, 0, 123000000, time.UTC)
	first := NewRecord([]byte(`{"model":"gpt-4o-mini","stream":false}`), start)
	first.Complete(json.RawMessage(`{"id":"chatcmpl-1","choices":[]}`), start.Add(42*time.Millisecond))

	second := NewRecord([]byte(`{"model":"gpt-4o-mini","stream":true}`), start.Add(time.Second))
	second.Fail("dial tcp: connection refused", start.Add(1100*time.Millisecond))

	for _, record := range []*Record{first, second} {
		if err := store.Append(ctx, record); err != nil {
			t.Fatalf("Append(%s) error: %v", record.ID, err)
		}
	}

	records, err := store.ReadAll(ctx)
	if err != nil {
		t.Fatalf("ReadAll() error: %v", err)
	}
	if len(records) != base+2 {
		t.Fatalf("ReadAll() len=%d, want %d", len(records), base+2)
	}
	gotFirst, gotSecond := records[base], records[base+1]

	if gotFirst.ID != first.ID || gotSecond.ID != second.ID {
		t.Fatalf("append order not preserved: got %s,%s want %s,%s", gotFirst.ID, gotSecond.ID, first.ID, second.ID)
	}
	if !gotFirst.Timestamp.Equal(first.Timestamp) {
		t.Fatalf("timestamp=%v, want %v", gotFirst.Timestamp, first.Timestamp)
	}
	assertJSONEqual(t, gotFirst.Request, first.Request)
	assertJSONEqual(t, gotFirst.Response, first.Response)
	if gotFirst.DurationMS != 42 || gotFirst.Error != nil {
		t.Fatalf("first record duration=%d error=%v", gotFirst.DurationMS, gotFirst.Error)
	}
	if gotSecond.HasResponse() {
		t.Fatalf("failed record response=%s, want none", gotSecond.Response)
	}
	if gotSecond.ErrorMessage() != "dial tcp: connection refused" {
		t.Fatalf("failed record error=%q", gotSecond.ErrorMessage())
	}
}

// exerciseConcurrentAppends checks that concurrent appends all land intact.
func exerciseConcurrentAppends(t *testing.T, store Store, n int) {
	t.Helper()
	ctx := context.Background()

	before, err := store.ReadAll(ctx)
	if err != nil {
		t.Fatalf("ReadAll() error: %v", err)
	}

	ids := make(map[string]bool, n)
	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			record := NewRecord([]byte(fmt.Sprintf(`{"n":%d,"pad":"%0128d"}`, i, i)), time.Now())
			record.Complete(json.RawMessage(fmt.Sprintf(`{"n":%d}`, i)), time.Now())
			mu.Lock()
			ids[record.ID] = true
			mu.Unlock()
			if err := store.Append(ctx, record); err != nil {
				errs <- err
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("concurrent Append() error: %v", err)
	}

	after, err := store.ReadAll(ctx)
	if err != nil {
		t.Fatalf("ReadAll() error: %v", err)
	}
	if got := len(after) - len(before); got != n {
		t.Fatalf("appended records=%d, want %d", got, n)
	}
	for _, record := range after[len(before):] {
		if !ids[record.ID] {
			t.Fatalf("unexpected record id %q", record.ID)
		}
		delete(ids, record.ID)
	}
	if len(ids) != 0 {
		t.Fatalf("%d records missing after concurrent appends", len(ids))
	}
}

func assertJSONEqual(t *testing.T, got, want json.RawMessage) {
	t.Helper()

	var gotValue, wantValue any
	if err := json.Unmarshal(got, &gotValue); err != nil {
		t.Fatalf("decode %s: %v", got, err)
	}
	if err := json.Unmarshal(want, &wantValue); err != nil {
		t.Fatalf("decode %s: %v", want, err)
	}
	gotCanonical, _ := json.Marshal(gotValue)
	wantCanonical, _ := json.Marshal(wantValue)
	if string(gotCanonical) != string(wantCanonical) {
		t.Fatalf("json=%s, want %s", got, want)
	}
}
