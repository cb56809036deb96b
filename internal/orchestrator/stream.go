package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"

	"github.com/pysugar/qwen-gateway/internal/auth/token"
	"github.com/pysugar/qwen-gateway/internal/upstream"
)

// streamExchange relays the upstream SSE byte stream to the client unmodified
// while a scanner accumulates delta content on the side for usage accounting.
// Tool calls appearing mid-stream are detected and logged but not dispatched;
// dispatching would require buffering the whole stream and breaking relay.
func (o *Orchestrator) streamExchange(ctx context.Context, w http.ResponseWriter, req *ChatRequest, credID string, cred token.Credential, promptTokens int) error {
	payload, err := json.Marshal(req)
	if err != nil {
		return &RequestError{Status: http.StatusBadRequest, Message: fmt.Sprintf("unserializable request: %v", err)}
	}

	resp, err := o.sendWithRetry(ctx, payload, cred.AccessToken, true)
	if err != nil {
		return &RequestError{Status: http.StatusBadGateway, Message: fmt.Sprintf("upstream request failed: %v", err)}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body := upstream.ReadBody(resp)
		log.Printf("❌ Upstream stream returned HTTP %d: %s", resp.StatusCode, body)
		return &RequestError{Status: http.StatusBadGateway, Message: fmt.Sprintf("upstream error: HTTP %d: %s", resp.StatusCode, body)}
	}
	defer resp.Body.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	flusher, _ := w.(http.Flusher)
	scanner := &deltaScanner{}
	buf := make([]byte, 4096)

	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			if _, writeErr := w.Write(buf[:n]); writeErr != nil {
				log.Printf("⚠️ Client disconnected mid-stream: %v", writeErr)
				break
			}
			if flusher != nil {
				flusher.Flush()
			}
			scanner.feed(buf[:n])
		}
		if readErr != nil {
			if readErr != io.EOF {
				log.Printf("⚠️ Upstream stream ended with error: %v", readErr)
			}
			break
		}
	}
	scanner.finish()

	if scanner.sawToolCalls {
		log.Printf("🔧 Tool calls detected in stream response, relayed without dispatch")
	}

	completionTokens := o.counter.Count(scanner.content.String())
	total := int64(promptTokens + completionTokens)
	if err := o.ledger.AddUsage(localToday(), req.Model, total); err != nil {
		log.Printf("⚠️ Failed to record usage: %v", err)
	}
	if err := o.creds.IncrementUsage(credID); err != nil {
		log.Printf("⚠️ Failed to increment token usage for %s: %v", credID, err)
	}
	return nil
}

// deltaScanner reassembles SSE lines from arbitrary byte chunks and
// accumulates the delta content of each data event.
type deltaScanner struct {
	partial      bytes.Buffer
	content      strings.Builder
	sawToolCalls bool
}

func (s *deltaScanner) feed(p []byte) {
	s.partial.Write(p)
	for {
		data := s.partial.Bytes()
		idx := bytes.IndexByte(data, '\n')
		if idx < 0 {
			return
		}
		line := string(data[:idx])
		s.partial.Next(idx + 1)
		s.scanLine(line)
	}
}

// finish processes a trailing line that arrived without a newline.
func (s *deltaScanner) finish() {
	if s.partial.Len() > 0 {
		s.scanLine(s.partial.String())
		s.partial.Reset()
	}
}

func (s *deltaScanner) scanLine(line string) {
	line = strings.TrimRight(line, "\r")
	if !strings.HasPrefix(line, "data:") {
		return
	}
	data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
	if data == "" || data == "[DONE]" {
		return
	}

	var chunk struct {
		Choices []struct {
			Delta struct {
				Content   string            `json:"content"`
				ToolCalls []json.RawMessage `json:"tool_calls"`
			} `json:"delta"`
		} `json:"choices"`
	}
	if err := json.Unmarshal([]byte(data), &chunk); err != nil {
		return
	}
	for _, choice := range chunk.Choices {
		s.content.WriteString(choice.Delta.Content)
		if len(choice.Delta.ToolCalls) > 0 {
			s.sawToolCalls = true
		}
	}
}
