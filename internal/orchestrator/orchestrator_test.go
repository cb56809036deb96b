package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/pysugar/qwen-gateway/internal/auth/token"
	"github.com/pysugar/qwen-gateway/internal/tools"
	"github.com/pysugar/qwen-gateway/internal/upstream"
)

type fakeCreds struct {
	mu         sync.Mutex
	empty      bool
	increments int
}

func (f *fakeCreds) SelectValid(ctx context.Context) (string, token.Credential, error) {
	if f.empty {
		return "", token.Credential{}, token.ErrNoToken
	}
	return "tok-1", token.Credential{AccessToken: "acc"}, nil
}

func (f *fakeCreds) IncrementUsage(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.increments++
	return nil
}

type usageRecord struct {
	date   string
	model  string
	tokens int64
}

type fakeLedger struct {
	mu      sync.Mutex
	records []usageRecord
}

func (f *fakeLedger) AddUsage(date, model string, tokens int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = append(f.records, usageRecord{date: date, model: model, tokens: tokens})
	return nil
}

// runeCounter makes usage totals deterministic: one token per rune.
type runeCounter struct{}

func (runeCounter) Count(text string) int { return len([]rune(text)) }

func newTestOrchestrator(t *testing.T, endpoint string, runner ToolRunner) (*Orchestrator, *fakeCreds, *fakeLedger) {
	t.Helper()
	creds := &fakeCreds{}
	ledger := &fakeLedger{}
	o := New(upstream.NewClient(false), creds, ledger, runner, runeCounter{}, nil, Config{
		ChatEndpoint: endpoint,
		MaxToolCalls: 10,
		MaxAttempts:  3,
		BackoffBase:  time.Millisecond,
	})
	return o, creds, ledger
}

func reqWith(content string) *ChatRequest {
	return &ChatRequest{
		Model:    "qwen3-coder-plus",
		Messages: []Message{{Role: "user", Content: content}},
	}
}

func TestSubmit_NoMessages(t *testing.T) {
	o, _, _ := newTestOrchestrator(t, "http://unused", nil)

	err := o.Submit(context.Background(), httptest.NewRecorder(), &ChatRequest{Model: "m"})
	var re *RequestError
	if !errors.As(err, &re) || re.Status != http.StatusBadRequest {
		t.Fatalf("expected 400 RequestError, got %v", err)
	}
}

func TestSubmit_NoCredential(t *testing.T) {
	o, creds, _ := newTestOrchestrator(t, "http://unused", nil)
	creds.empty = true

	err := o.Submit(context.Background(), httptest.NewRecorder(), reqWith("hello"))
	var re *RequestError
	if !errors.As(err, &re) || re.Status != http.StatusBadRequest {
		t.Fatalf("expected 400 RequestError, got %v", err)
	}
}

func TestSubmit_BlockingSuccess(t *testing.T) {
	upstreamBody := `{"choices":[{"message":{"content":"hello there"}}],"usage":{"total_tokens":42}}`
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer acc" {
			t.Errorf("missing bearer token, got %q", r.Header.Get("Authorization"))
		}
		fmt.Fprint(w, upstreamBody)
	}))
	defer srv.Close()

	o, creds, ledger := newTestOrchestrator(t, srv.URL, nil)
	rec := httptest.NewRecorder()
	if err := o.Submit(context.Background(), rec, reqWith("hi")); err != nil {
		t.Fatalf("submit: %v", err)
	}

	if rec.Body.String() != upstreamBody {
		t.Fatalf("body must be relayed unchanged, got %s", rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Fatalf("unexpected content type %q", ct)
	}

	if len(ledger.records) != 1 {
		t.Fatalf("expected 1 usage record, got %d", len(ledger.records))
	}
	rec0 := ledger.records[0]
	if rec0.tokens != 42 || rec0.model != "qwen3-coder-plus" {
		t.Fatalf("unexpected usage record %+v", rec0)
	}
	if rec0.date != time.Now().Local().Format("2006-01-02") {
		t.Fatalf("usage must use the local date, got %s", rec0.date)
	}
	if creds.increments != 1 {
		t.Fatalf("expected exactly 1 usage increment, got %d", creds.increments)
	}
}

func toolCallBody(name, args string) string {
	return fmt.Sprintf(`{"choices":[{"message":{"content":"","tool_calls":[{"id":"c1","type":"function","function":{"name":%q,"arguments":%q}}]}}]}`, name, args)
}

func echoRegistry(t *testing.T) *tools.Registry {
	t.Helper()
	r := tools.NewRegistry()
	err := r.Register(tools.Tool{
		Name:       "echo",
		Parameters: tools.NewSchema().String("text", "text").Required("text").Build(),
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			return args["text"], nil
		},
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	return r
}

func TestSubmit_ToolLoop(t *testing.T) {
	var requests []ChatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req ChatRequest
		json.NewDecoder(r.Body).Decode(&req)
		requests = append(requests, req)

		if len(requests) <= 2 {
			fmt.Fprint(w, toolCallBody("echo", `{"text":"ping"}`))
			return
		}
		fmt.Fprint(w, `{"choices":[{"message":{"content":"final answer"}}],"usage":{"total_tokens":99}}`)
	}))
	defer srv.Close()

	o, creds, ledger := newTestOrchestrator(t, srv.URL, echoRegistry(t))
	rec := httptest.NewRecorder()
	if err := o.Submit(context.Background(), rec, reqWith("run the tool")); err != nil {
		t.Fatalf("submit: %v", err)
	}

	if len(requests) != 3 {
		t.Fatalf("expected 3 upstream rounds, got %d", len(requests))
	}

	// Round 3 must carry the conversation: user, assistant tool_calls, tool
	// result, twice over.
	final := requests[2]
	if len(final.Messages) != 5 {
		t.Fatalf("expected 5 messages in final round, got %d", len(final.Messages))
	}
	if final.Messages[1].Role != "assistant" || len(final.Messages[1].ToolCalls) != 1 {
		t.Fatalf("expected assistant tool_calls message, got %+v", final.Messages[1])
	}
	toolMsg := final.Messages[2]
	if toolMsg.Role != "tool" || toolMsg.ToolCallID != "c1" || toolMsg.Content != "ping" {
		t.Fatalf("unexpected tool message %+v", toolMsg)
	}

	// Accounting happens once, at the terminal round.
	if len(ledger.records) != 1 || ledger.records[0].tokens != 99 {
		t.Fatalf("expected single usage record of 99 tokens, got %+v", ledger.records)
	}
	if creds.increments != 1 {
		t.Fatalf("expected exactly 1 usage increment, got %d", creds.increments)
	}
}

func TestSubmit_ToolLoopBounded(t *testing.T) {
	var rounds int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rounds++
		fmt.Fprint(w, toolCallBody("echo", `{"text":"again"}`))
	}))
	defer srv.Close()

	o, _, _ := newTestOrchestrator(t, srv.URL, echoRegistry(t))
	o.cfg.MaxToolCalls = 2

	rec := httptest.NewRecorder()
	if err := o.Submit(context.Background(), rec, reqWith("loop forever")); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if rounds != 3 {
		t.Fatalf("expected 2 tool rounds plus terminal round, got %d", rounds)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("bounded loop must still answer, got %d", rec.Code)
	}
}

func TestSubmit_ProseAnswerRelayedUnchanged(t *testing.T) {
	upstreamBody := `{"choices":[{"message":{"content":"Use fmt.Println(\"hello\") inside func main() to print."}}],"usage":{"total_tokens":21}}`
	var rounds int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rounds++
		fmt.Fprint(w, upstreamBody)
	}))
	defer srv.Close()

	// Runner attached, but the request declares no tools: word(...) shapes in
	// prose or code must never be mistaken for tool calls.
	o, creds, ledger := newTestOrchestrator(t, srv.URL, echoRegistry(t))
	rec := httptest.NewRecorder()
	if err := o.Submit(context.Background(), rec, reqWith("how do I print in go")); err != nil {
		t.Fatalf("submit: %v", err)
	}

	if rounds != 1 {
		t.Fatalf("prose answer must terminate in 1 round, got %d", rounds)
	}
	if rec.Body.String() != upstreamBody {
		t.Fatalf("prose answer must be relayed unchanged, got %s", rec.Body.String())
	}
	if len(ledger.records) != 1 || ledger.records[0].tokens != 21 {
		t.Fatalf("expected single usage record of 21 tokens, got %+v", ledger.records)
	}
	if creds.increments != 1 {
		t.Fatalf("expected exactly 1 usage increment, got %d", creds.increments)
	}
}

func TestSubmit_ContentCallsParsedOnlyWhenToolsDeclared(t *testing.T) {
	textCall := `{"choices":[{"message":{"content":"{\"tool_calls\":[{\"id\":\"c1\",\"type\":\"function\",\"function\":{\"name\":\"echo\",\"arguments\":\"{\\\"text\\\":\\\"pong\\\"}\"}}]}"}}]}`
	var rounds int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rounds++
		if rounds == 1 {
			fmt.Fprint(w, textCall)
			return
		}
		fmt.Fprint(w, `{"choices":[{"message":{"content":"done"}}],"usage":{"total_tokens":7}}`)
	}))
	defer srv.Close()

	o, _, _ := newTestOrchestrator(t, srv.URL, echoRegistry(t))
	req := reqWith("run the tool")
	req.Tools = []any{map[string]any{"type": "function"}}

	rec := httptest.NewRecorder()
	if err := o.Submit(context.Background(), rec, req); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if rounds != 2 {
		t.Fatalf("declared tools enable the content fallback, got %d rounds", rounds)
	}
	if req.Messages[2].Role != "tool" || req.Messages[2].Content != "pong" {
		t.Fatalf("expected dispatched tool result, got %+v", req.Messages[2])
	}
}

func TestSubmit_NoRunnerRelaysToolCalls(t *testing.T) {
	var rounds int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rounds++
		fmt.Fprint(w, toolCallBody("echo", `{"text":"x"}`))
	}))
	defer srv.Close()

	o, _, _ := newTestOrchestrator(t, srv.URL, nil)
	rec := httptest.NewRecorder()
	if err := o.Submit(context.Background(), rec, reqWith("hi")); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if rounds != 1 {
		t.Fatalf("without a runner the answer is relayed directly, got %d rounds", rounds)
	}
}

func TestSubmit_UpstreamErrorNotRetried(t *testing.T) {
	var requests int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	o, _, ledger := newTestOrchestrator(t, srv.URL, nil)
	err := o.Submit(context.Background(), httptest.NewRecorder(), reqWith("hi"))

	var re *RequestError
	if !errors.As(err, &re) || re.Status != http.StatusBadGateway {
		t.Fatalf("expected 502 RequestError, got %v", err)
	}
	if requests != 1 {
		t.Fatalf("answered requests must not be retried, got %d attempts", requests)
	}
	if len(ledger.records) != 0 {
		t.Fatalf("failed exchanges must not be accounted, got %+v", ledger.records)
	}
}

func TestSubmit_TransportFailureRetried(t *testing.T) {
	o, _, _ := newTestOrchestrator(t, "http://127.0.0.1:1", nil)

	start := time.Now()
	err := o.Submit(context.Background(), httptest.NewRecorder(), reqWith("hi"))
	var re *RequestError
	if !errors.As(err, &re) || re.Status != http.StatusBadGateway {
		t.Fatalf("expected 502 RequestError, got %v", err)
	}
	// Three attempts with 1ms base backoff finish quickly.
	if time.Since(start) > 5*time.Second {
		t.Fatal("retry loop took too long")
	}
}
