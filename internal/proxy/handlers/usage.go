package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/pysugar/qwen-gateway/internal/db"
)

// GetUsageHandler reports per-model usage for a date, defaulting to the local
// today.
func GetUsageHandler(ledger *db.Ledger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		date := r.URL.Query().Get("date")
		if date == "" {
			date = time.Now().Local().Format("2006-01-02")
		}

		summary, err := ledger.GetUsageStats(date)
		if err != nil {
			writeFailure(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, summary)
	}
}

// DeleteUsageHandler clears one day's usage records. The date comes from the
// body or, failing that, the query string.
func DeleteUsageHandler(ledger *db.Ledger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Date string `json:"date"`
		}
		json.NewDecoder(r.Body).Decode(&req)
		if req.Date == "" {
			req.Date = r.URL.Query().Get("date")
		}
		if req.Date == "" {
			writeFailure(w, http.StatusBadRequest, "date is required")
			return
		}

		deleted, err := ledger.DeleteUsageStats(req.Date)
		if err != nil {
			writeFailure(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "deleted": deleted})
	}
}
