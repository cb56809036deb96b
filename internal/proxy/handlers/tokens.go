package handlers

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/pysugar/qwen-gateway/internal/auth/token"
	"github.com/pysugar/qwen-gateway/internal/db"
	"gorm.io/gorm"
)

// tokenIDFromBody reads the {tokenId} request body shared by the per-token
// management endpoints.
func tokenIDFromBody(r *http.Request) (string, bool) {
	var req struct {
		TokenID string `json:"tokenId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.TokenID == "" {
		return "", false
	}
	return req.TokenID, true
}

// LoginHandler checks the management password and hands the browser a go/no-go.
// With no password configured, login always succeeds.
func LoginHandler(password string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Password string `json:"password"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeFailure(w, http.StatusBadRequest, "invalid request body")
			return
		}

		if password != "" && subtle.ConstantTimeCompare([]byte(req.Password), []byte(password)) != 1 {
			writeFailure(w, http.StatusUnauthorized, "Invalid password")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"success": true})
	}
}

// UploadTokenHandler accepts a credential pair obtained elsewhere. The id is
// derived from the refresh secret, so re-uploading the same secret upserts.
func UploadTokenHandler(pool *token.Pool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			AccessToken  string `json:"access_token"`
			RefreshToken string `json:"refresh_token"`
			ExpiresAt    *int64 `json:"expires_at"`
			ExpiryDate   *int64 `json:"expiry_date"` // qwen-cli credential file field
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeFailure(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if req.AccessToken == "" || req.RefreshToken == "" {
			writeFailure(w, http.StatusBadRequest, "access_token and refresh_token are required")
			return
		}

		expiresAt := req.ExpiresAt
		if expiresAt == nil {
			expiresAt = req.ExpiryDate
		}

		id := token.TokenID(req.RefreshToken)
		err := pool.Save(id, token.Credential{
			AccessToken:  req.AccessToken,
			RefreshToken: req.RefreshToken,
			ExpiresAt:    expiresAt,
			UploadedAt:   time.Now().UnixMilli(),
		})
		if err != nil {
			writeFailure(w, http.StatusInternalServerError, "failed to save token: "+err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "tokenId": id})
	}
}

// TokenStatusHandler reports every pooled credential.
func TokenStatusHandler(pool *token.Pool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, pool.Status())
	}
}

// RefreshSingleTokenHandler force-refreshes one credential by id.
func RefreshSingleTokenHandler(pool *token.Pool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := tokenIDFromBody(r)
		if !ok {
			writeFailure(w, http.StatusBadRequest, "tokenId is required")
			return
		}
		if err := pool.RefreshSingle(r.Context(), id); err != nil {
			if errors.Is(err, token.ErrTokenNotFound) {
				writeFailure(w, http.StatusNotFound, "token not found")
				return
			}
			writeFailure(w, http.StatusBadGateway, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "tokenId": id})
	}
}

// RefreshAllHandler force-refreshes the whole pool.
func RefreshAllHandler(pool *token.Pool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		summary, err := pool.RefreshAll(r.Context())
		if err != nil {
			if errors.Is(err, token.ErrNoToken) {
				writeFailure(w, http.StatusBadRequest, "no token to refresh")
				return
			}
			writeFailure(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, summary)
	}
}

// DeleteTokenHandler removes one credential by id.
func DeleteTokenHandler(pool *token.Pool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := tokenIDFromBody(r)
		if !ok {
			writeFailure(w, http.StatusBadRequest, "tokenId is required")
			return
		}
		if _, ok := pool.Get(id); !ok {
			writeFailure(w, http.StatusNotFound, "token not found")
			return
		}
		if err := pool.Delete(id); err != nil {
			writeFailure(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"success": true})
	}
}

// DeleteAllTokensHandler empties the pool.
func DeleteAllTokensHandler(pool *token.Pool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		deleted, err := pool.DeleteAll()
		if err != nil {
			writeFailure(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "deleted": deleted})
	}
}

// GetAPIKeyHandler returns the OpenAI-surface API key.
func GetAPIKeyHandler(database *gorm.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"apiKey": db.GetAPIKey(database)})
	}
}

// RegenerateAPIKeyHandler rotates the OpenAI-surface API key.
func RegenerateAPIKeyHandler(database *gorm.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"apiKey": db.RegenerateAPIKey(database)})
	}
}
