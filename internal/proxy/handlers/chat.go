package handlers

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"github.com/pysugar/qwen-gateway/internal/logging"
	"github.com/pysugar/qwen-gateway/internal/orchestrator"
)

// ChatCompletionsHandler serves the chat-completion surface, both the
// OpenAI-compatible /v1 route and the management /api/chat route.
func ChatCompletionsHandler(orch *orchestrator.Orchestrator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req orchestrator.ChatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeOpenAIError(w, http.StatusBadRequest, "invalid request body: "+err.Error(), "invalid_request_error")
			return
		}

		if err := orch.Submit(r.Context(), w, &req); err != nil {
			var re *orchestrator.RequestError
			if errors.As(err, &re) {
				errType := "api_error"
				if re.Status == http.StatusBadRequest {
					errType = "invalid_request_error"
				}
				writeOpenAIError(w, re.Status, re.Message, errType)
				return
			}
			log.Printf("❌ [%s] Chat completion failed: %v", logging.GetRequestID(r.Context()), err)
			writeOpenAIError(w, http.StatusInternalServerError, "internal error", "api_error")
		}
	}
}
