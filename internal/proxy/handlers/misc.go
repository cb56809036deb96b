package handlers

import (
	"net/http"
	"time"

	"github.com/pysugar/qwen-gateway/internal/auth/token"
	"github.com/pysugar/qwen-gateway/internal/upstream"
	"github.com/pysugar/qwen-gateway/internal/version"
)

// gatewayModels is the model list advertised on the OpenAI surface. The
// upstream accepts these ids; anything else is relayed and rejected there.
var gatewayModels = []string{
	"qwen3-coder-plus",
	"qwen3-coder-flash",
}

// ModelsHandler serves the OpenAI-compatible model list.
func ModelsHandler() http.HandlerFunc {
	created := time.Now().Unix()
	return func(w http.ResponseWriter, r *http.Request) {
		data := make([]map[string]any, 0, len(gatewayModels))
		for _, id := range gatewayModels {
			data = append(data, map[string]any{
				"id":       id,
				"object":   "model",
				"created":  created,
				"owned_by": "qwen",
			})
		}
		writeJSON(w, http.StatusOK, map[string]any{"object": "list", "data": data})
	}
}

// AccessTokenHandler vends a raw pooled access token for clients that talk to
// the upstream directly. The vend counts as one use of the credential.
func AccessTokenHandler(pool *token.Pool, resolver *upstream.Resolver) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, cred, err := pool.SelectValid(r.Context())
		if err != nil {
			writeFailure(w, http.StatusBadRequest, "no valid token available")
			return
		}
		if err := pool.IncrementUsage(id); err != nil {
			writeFailure(w, http.StatusInternalServerError, err.Error())
			return
		}

		var userAgent string
		if resolver != nil {
			userAgent = resolver.UserAgent(r.Context())
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"success":      true,
			"tokenId":      id,
			"access_token": cred.AccessToken,
			"user_agent":   userAgent,
		})
	}
}

// VersionHandler reports the build stamp.
func VersionHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"version":   version.Version,
			"commit":    version.Commit,
			"buildTime": version.BuildTime,
		})
	}
}

// HealthHandler is the liveness probe.
func HealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
	}
}
