package db

import (
	"github.com/pysugar/qwen-gateway/internal/db/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Ledger records per-day, per-model token consumption. Counters are additive;
// updates are best-effort and may under-count one exchange on a crash mid-write.
type Ledger struct {
	db *gorm.DB
}

// NewLedger wraps a database handle for usage accounting.
func NewLedger(db *gorm.DB) *Ledger {
	return &Ledger{db: db}
}

// AddUsage adds tokens to the (date, model) bucket and counts one call.
func (l *Ledger) AddUsage(date, model string, tokens int64) error {
	return l.db.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "date"}, {Name: "model_name"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"total_tokens": gorm.Expr("total_tokens + ?", tokens),
			"call_count":   gorm.Expr("call_count + 1"),
		}),
	}).Create(&models.UsageStat{
		Date:        date,
		ModelName:   model,
		TotalTokens: tokens,
		CallCount:   1,
	}).Error
}

// ModelUsage is the per-model slice of a day's statistics.
type ModelUsage struct {
	TotalTokens int64 `json:"total_tokens"`
	CallCount   int64 `json:"call_count"`
}

// UsageSummary is the aggregate answer for a usage query.
type UsageSummary struct {
	Date             string                `json:"date"`
	TotalTokensToday int64                 `json:"total_tokens_today"`
	TotalCallsToday  int64                 `json:"total_calls_today"`
	Models           map[string]ModelUsage `json:"models"`
}

// GetUsageStats returns the aggregated statistics for a date.
func (l *Ledger) GetUsageStats(date string) (UsageSummary, error) {
	var rows []models.UsageStat
	if err := l.db.Where("date = ?", date).Find(&rows).Error; err != nil {
		return UsageSummary{}, err
	}

	summary := UsageSummary{
		Date:   date,
		Models: make(map[string]ModelUsage, len(rows)),
	}
	for _, row := range rows {
		summary.TotalTokensToday += row.TotalTokens
		summary.TotalCallsToday += row.CallCount
		summary.Models[row.ModelName] = ModelUsage{
			TotalTokens: row.TotalTokens,
			CallCount:   row.CallCount,
		}
	}
	return summary, nil
}

// DeleteUsageStats removes all rows for a date and reports how many were deleted.
func (l *Ledger) DeleteUsageStats(date string) (int64, error) {
	result := l.db.Where("date = ?", date).Delete(&models.UsageStat{})
	return result.RowsAffected, result.Error
}
