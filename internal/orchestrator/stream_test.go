package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/pysugar/qwen-gateway/internal/tools"
)

type recordingRunner struct {
	batches int
}

func (r *recordingRunner) ExecuteBatch(ctx context.Context, calls []tools.Call) []tools.Result {
	r.batches++
	return nil
}

func sseBody(events ...string) string {
	var body string
	for _, e := range events {
		body += "data: " + e + "\n\n"
	}
	return body + "data: [DONE]\n\n"
}

func TestStream_RelayAndAccounting(t *testing.T) {
	body := sseBody(
		`{"choices":[{"delta":{"content":"Hel"}}]}`,
		`{"choices":[{"delta":{"content":"lo!"}}]}`,
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Accept") != "text/event-stream" {
			t.Errorf("expected event-stream accept header, got %q", r.Header.Get("Accept"))
		}
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, body)
	}))
	defer srv.Close()

	o, creds, ledger := newTestOrchestrator(t, srv.URL, nil)
	rec := httptest.NewRecorder()
	req := reqWith("hey") // 3 prompt tokens under runeCounter
	req.Stream = true

	if err := o.Submit(context.Background(), rec, req); err != nil {
		t.Fatalf("submit: %v", err)
	}

	if rec.Body.String() != body {
		t.Fatalf("stream must be relayed byte for byte:\n%q\nvs\n%q", rec.Body.String(), body)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("unexpected content type %q", ct)
	}
	if !rec.Flushed {
		t.Fatal("stream chunks must be flushed as they arrive")
	}

	// "Hello!" is 6 runes, plus 3 prompt runes.
	if len(ledger.records) != 1 || ledger.records[0].tokens != 9 {
		t.Fatalf("expected 9 accounted tokens, got %+v", ledger.records)
	}
	if creds.increments != 1 {
		t.Fatalf("expected exactly 1 usage increment, got %d", creds.increments)
	}
}

func TestStream_EmptyStreamAccountsPromptOnly(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	o, _, ledger := newTestOrchestrator(t, srv.URL, nil)
	req := reqWith("hey")
	req.Stream = true

	if err := o.Submit(context.Background(), httptest.NewRecorder(), req); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if len(ledger.records) != 1 || ledger.records[0].tokens != 3 {
		t.Fatalf("expected prompt-only accounting, got %+v", ledger.records)
	}
}

func TestStream_ToolCallsDetectedNotDispatched(t *testing.T) {
	body := sseBody(
		`{"choices":[{"delta":{"tool_calls":[{"index":0,"function":{"name":"echo"}}]}}]}`,
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, body)
	}))
	defer srv.Close()

	runner := &recordingRunner{}
	o, _, _ := newTestOrchestrator(t, srv.URL, runner)
	req := reqWith("call a tool")
	req.Stream = true

	rec := httptest.NewRecorder()
	if err := o.Submit(context.Background(), rec, req); err != nil {
		t.Fatalf("submit: %v", err)
	}

	if runner.batches != 0 {
		t.Fatalf("stream path must never dispatch tools, got %d batches", runner.batches)
	}
	if rec.Body.String() != body {
		t.Fatal("tool-call chunks must still be relayed to the client")
	}
}

func TestStream_UpstreamErrorBeforeRelay(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"bad token"}`, http.StatusUnauthorized)
	}))
	defer srv.Close()

	o, creds, ledger := newTestOrchestrator(t, srv.URL, nil)
	req := reqWith("hi")
	req.Stream = true

	err := o.Submit(context.Background(), httptest.NewRecorder(), req)
	var re *RequestError
	if !errors.As(err, &re) || re.Status != http.StatusBadGateway {
		t.Fatalf("expected 502 RequestError, got %v", err)
	}
	if len(ledger.records) != 0 || creds.increments != 0 {
		t.Fatal("failed streams must not be accounted")
	}
}

func TestDeltaScanner_ChunkBoundaries(t *testing.T) {
	s := &deltaScanner{}
	full := "data: {\"choices\":[{\"delta\":{\"content\":\"split across\"}}]}\n" +
		"data: {\"choices\":[{\"delta\":{\"content\":\" chunks\"}}]}\n" +
		"data: [DONE]\n"

	// Feed one byte at a time to force reassembly.
	for i := 0; i < len(full); i++ {
		s.feed([]byte{full[i]})
	}
	s.finish()

	if got := s.content.String(); got != "split across chunks" {
		t.Fatalf("unexpected accumulated content %q", got)
	}
	if s.sawToolCalls {
		t.Fatal("no tool calls in this stream")
	}
}

func TestDeltaScanner_TrailingLineWithoutNewline(t *testing.T) {
	s := &deltaScanner{}
	s.feed([]byte(`data: {"choices":[{"delta":{"content":"tail"}}]}`))
	s.finish()
	if got := s.content.String(); got != "tail" {
		t.Fatalf("expected trailing line to be scanned, got %q", got)
	}
}
