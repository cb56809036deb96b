package models

// UsageStat accumulates per-day, per-model token consumption.
type UsageStat struct {
	Date        string `gorm:"primaryKey"` // local date, ISO format (2006-01-02)
	ModelName   string `gorm:"primaryKey"`
	TotalTokens int64
	CallCount   int64 `gorm:"default:0"`
}
