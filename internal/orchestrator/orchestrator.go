package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/pysugar/qwen-gateway/internal/auth/token"
	"github.com/pysugar/qwen-gateway/internal/tools"
	"github.com/pysugar/qwen-gateway/internal/upstream"
	"github.com/pysugar/qwen-gateway/internal/util"
)

// Message is one chat message on the wire.
type Message struct {
	Role       string       `json:"role"`
	Content    string       `json:"content"`
	ToolCalls  []tools.Call `json:"tool_calls,omitempty"`
	ToolCallID string       `json:"tool_call_id,omitempty"`
}

// ChatRequest is the inbound chat-completion request body. Unknown upstream
// parameters are intentionally not modeled; the request is re-marshalled from
// this shape before each upstream round.
type ChatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Stream      bool      `json:"stream,omitempty"`
	Temperature *float64  `json:"temperature,omitempty"`
	TopP        *float64  `json:"top_p,omitempty"`
	MaxTokens   *int      `json:"max_tokens,omitempty"`
	Tools       []any     `json:"tools,omitempty"`
	ToolChoice  any       `json:"tool_choice,omitempty"`
}

// RequestError carries the HTTP status the gateway should answer with.
type RequestError struct {
	Status  int
	Message string
}

func (e *RequestError) Error() string { return e.Message }

// CredentialSource selects and accounts pool credentials.
type CredentialSource interface {
	SelectValid(ctx context.Context) (string, token.Credential, error)
	IncrementUsage(id string) error
}

// UsageLedger records per-day per-model token totals.
type UsageLedger interface {
	AddUsage(date, model string, tokens int64) error
}

// ToolRunner dispatches tool calls the model requested.
type ToolRunner interface {
	ExecuteBatch(ctx context.Context, calls []tools.Call) []tools.Result
}

// TokenCounter counts text tokens for usage accounting.
type TokenCounter interface {
	Count(text string) int
}

// Config tunes the orchestrator.
type Config struct {
	ChatEndpoint string
	DefaultModel string
	MaxToolCalls int           // tool rounds per request
	MaxAttempts  int           // send attempts per round
	BackoffBase  time.Duration // doubled per attempt, transport errors only
	Verbose      bool
}

// Orchestrator drives one chat-completion exchange end to end: credential
// selection, upstream send with retry, the server-side tool loop, and usage
// accounting.
type Orchestrator struct {
	client   *upstream.Client
	creds    CredentialSource
	ledger   UsageLedger
	runner   ToolRunner // nil disables server-side dispatch
	counter  TokenCounter
	resolver token.IdentityResolver // may be nil
	cfg      Config
}

// New creates an orchestrator. Zero config fields get working defaults.
func New(client *upstream.Client, creds CredentialSource, ledger UsageLedger, runner ToolRunner, counter TokenCounter, resolver token.IdentityResolver, cfg Config) *Orchestrator {
	if cfg.MaxToolCalls <= 0 {
		cfg.MaxToolCalls = 10
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = time.Second
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = "qwen3-coder-plus"
	}
	return &Orchestrator{
		client:   client,
		creds:    creds,
		ledger:   ledger,
		runner:   runner,
		counter:  counter,
		resolver: resolver,
		cfg:      cfg,
	}
}

// Submit handles one chat-completion request, writing the upstream answer (or
// relayed stream) to w. A returned error has not written anything to w.
func (o *Orchestrator) Submit(ctx context.Context, w http.ResponseWriter, req *ChatRequest) error {
	if len(req.Messages) == 0 {
		return &RequestError{Status: http.StatusBadRequest, Message: "messages is required"}
	}
	if req.Model == "" {
		req.Model = o.cfg.DefaultModel
	}

	id, cred, err := o.creds.SelectValid(ctx)
	if err != nil {
		return &RequestError{Status: http.StatusBadRequest, Message: "no valid token available, please upload or authorize a token first"}
	}

	promptTokens := o.countMessages(req.Messages)

	if req.Stream {
		return o.streamExchange(ctx, w, req, id, cred, promptTokens)
	}
	return o.blockingExchange(ctx, w, req, id, cred, promptTokens)
}

// completionBody is the subset of the upstream answer the tool loop and usage
// accounting need; the raw body is what goes back to the client.
type completionBody struct {
	Choices []struct {
		Message struct {
			Content   string       `json:"content"`
			ToolCalls []tools.Call `json:"tool_calls"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		TotalTokens int64 `json:"total_tokens"`
	} `json:"usage"`
}

func (o *Orchestrator) blockingExchange(ctx context.Context, w http.ResponseWriter, req *ChatRequest, credID string, cred token.Credential, promptTokens int) error {
	for round := 0; ; round++ {
		payload, err := json.Marshal(req)
		if err != nil {
			return &RequestError{Status: http.StatusBadRequest, Message: fmt.Sprintf("unserializable request: %v", err)}
		}

		resp, err := o.sendWithRetry(ctx, payload, cred.AccessToken, false)
		if err != nil {
			return &RequestError{Status: http.StatusBadGateway, Message: fmt.Sprintf("upstream request failed: %v", err)}
		}

		body := upstream.ReadBody(resp)
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			log.Printf("❌ Upstream returned HTTP %d: %s", resp.StatusCode, util.TruncateLog(body, util.DefaultLogMaxLen))
			return &RequestError{Status: http.StatusBadGateway, Message: fmt.Sprintf("upstream error: HTTP %d: %s", resp.StatusCode, body)}
		}

		var parsed completionBody
		if err := json.Unmarshal([]byte(body), &parsed); err != nil {
			log.Printf("⚠️ Unparsable upstream completion, relaying as-is: %v", err)
		}

		calls := o.extractToolCalls(req, parsed)
		if o.runner != nil && len(calls) > 0 && round < o.cfg.MaxToolCalls {
			log.Printf("🔧 Dispatching %d tool call(s), round %d/%d", len(calls), round+1, o.cfg.MaxToolCalls)
			o.appendToolRound(ctx, req, parsed, calls)
			continue
		}
		if len(calls) > 0 && round >= o.cfg.MaxToolCalls {
			log.Printf("⚠️ Tool call limit reached (%d), returning last answer", o.cfg.MaxToolCalls)
		}

		o.accountUsage(req.Model, credID, promptTokens, parsed)

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(body))
		return nil
	}
}

// extractToolCalls prefers structured tool_calls. Parsing the message content
// for text-emitted calls only happens when the request declared tools: prose
// and code answers are full of word(...) shapes that must relay untouched.
func (o *Orchestrator) extractToolCalls(req *ChatRequest, parsed completionBody) []tools.Call {
	if len(parsed.Choices) == 0 {
		return nil
	}
	msg := parsed.Choices[0].Message
	if len(msg.ToolCalls) > 0 {
		return msg.ToolCalls
	}
	if len(req.Tools) == 0 {
		return nil
	}
	return tools.ParseToolCalls(msg.Content)
}

func (o *Orchestrator) appendToolRound(ctx context.Context, req *ChatRequest, parsed completionBody, calls []tools.Call) {
	assistant := Message{Role: "assistant", ToolCalls: calls}
	if len(parsed.Choices) > 0 {
		assistant.Content = parsed.Choices[0].Message.Content
	}
	req.Messages = append(req.Messages, assistant)

	for _, result := range o.runner.ExecuteBatch(ctx, calls) {
		req.Messages = append(req.Messages, Message{
			Role:       result.Role,
			Content:    result.Content,
			ToolCallID: result.CallID,
		})
	}
}

// accountUsage records one completed exchange: per-day model totals and one
// usage tick against the credential. Recorded once per request, at the
// terminal round only.
func (o *Orchestrator) accountUsage(model, credID string, promptTokens int, parsed completionBody) {
	total := parsed.Usage.TotalTokens
	if total <= 0 {
		var completion int
		if len(parsed.Choices) > 0 {
			completion = o.counter.Count(parsed.Choices[0].Message.Content)
		}
		total = int64(promptTokens + completion)
	}

	if err := o.ledger.AddUsage(localToday(), model, total); err != nil {
		log.Printf("⚠️ Failed to record usage: %v", err)
	}
	if err := o.creds.IncrementUsage(credID); err != nil {
		log.Printf("⚠️ Failed to increment token usage for %s: %v", credID, err)
	}
}

// sendWithRetry posts the payload, retrying transport failures with
// exponential backoff. An answered request is never retried, whatever the
// status: the upstream saw it, and replaying risks duplicate effects.
func (o *Orchestrator) sendWithRetry(ctx context.Context, payload []byte, accessToken string, stream bool) (*http.Response, error) {
	var userAgent string
	if o.resolver != nil {
		userAgent = o.resolver.UserAgent(ctx)
	}

	var lastErr error
	for attempt := 0; attempt < o.cfg.MaxAttempts; attempt++ {
		if attempt > 0 {
			delay := o.cfg.BackoffBase * (1 << (attempt - 1))
			log.Printf("⏳ Upstream retry %d/%d after %s: %v", attempt, o.cfg.MaxAttempts-1, delay, lastErr)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}

		resp, err := o.client.ChatCompletions(ctx, o.cfg.ChatEndpoint, accessToken, userAgent, payload, stream)
		if err == nil {
			return resp, nil
		}
		lastErr = err
	}
	return nil, fmt.Errorf("all %d attempts failed: %w", o.cfg.MaxAttempts, lastErr)
}

func (o *Orchestrator) countMessages(messages []Message) int {
	total := 0
	for _, msg := range messages {
		total += o.counter.Count(msg.Content)
		for _, call := range msg.ToolCalls {
			total += o.counter.Count(call.Function.Name) + o.counter.Count(call.Function.Arguments)
		}
	}
	return total
}

func localToday() string {
	return time.Now().Local().Format("2006-01-02")
}
