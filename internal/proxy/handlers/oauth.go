package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/pysugar/qwen-gateway/internal/auth/device"
	"github.com/pysugar/qwen-gateway/internal/auth/token"
)

// OAuthInitHandler starts a device authorization and hands the browser the
// session id and verification codes.
func OAuthInitHandler(flow *device.Flow) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		result, err := flow.Init(r.Context())
		if err != nil {
			writeFailure(w, http.StatusBadGateway, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"success":                 true,
			"stateId":                 result.SessionID,
			"userCode":                result.UserCode,
			"verificationUri":         result.VerificationURI,
			"verificationUriComplete": result.VerificationURIComplete,
			"expiresIn":               result.ExpiresIn,
			"interval":                result.Interval,
		})
	}
}

// OAuthPollHandler polls one device session. On approval the minted credential
// goes straight into the pool and the browser gets its id.
func OAuthPollHandler(flow *device.Flow, pool *token.Pool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			SessionID string `json:"stateId"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.SessionID == "" {
			writeFailure(w, http.StatusBadRequest, "stateId is required")
			return
		}

		cred, err := flow.Poll(r.Context(), req.SessionID)
		if err != nil {
			switch {
			case errors.Is(err, device.ErrAuthorizationPending):
				writeJSON(w, http.StatusOK, map[string]any{"success": false, "pending": true})
			case errors.Is(err, device.ErrSessionNotFound):
				writeFailure(w, http.StatusNotFound, err.Error())
			default:
				writeFailure(w, http.StatusOK, err.Error())
			}
			return
		}

		id := token.TokenID(cred.RefreshToken)
		if err := pool.Save(id, cred); err != nil {
			writeFailure(w, http.StatusInternalServerError, "failed to save token: "+err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "tokenId": id})
	}
}

// OAuthCancelHandler discards a device session.
func OAuthCancelHandler(flow *device.Flow) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			SessionID string `json:"stateId"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.SessionID == "" {
			writeFailure(w, http.StatusBadRequest, "stateId is required")
			return
		}
		flow.Cancel(req.SessionID)
		writeJSON(w, http.StatusOK, map[string]any{"success": true})
	}
}
