package models

// Token stores a Qwen OAuth credential, either uploaded directly or issued by
// the device authorization flow. The ID is derived from a prefix of the refresh
// token, so re-uploading the same grant upserts the same row.
type Token struct {
	ID           string `gorm:"primaryKey"`
	AccessToken  string `gorm:"not null"`
	RefreshToken string `gorm:"not null"`
	ExpiresAt    *int64 // epoch milliseconds; nil means unknown/never expires
	UploadedAt   int64  // epoch milliseconds
	UsageCount   int64  `gorm:"not null;default:0"`
}
