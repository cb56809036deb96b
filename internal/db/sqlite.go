package db

import (
	"crypto/rand"
	"encoding/hex"
	"log"
	"os"
	"path/filepath"

	"github.com/glebarez/sqlite"
	"github.com/pysugar/qwen-gateway/internal/db/models"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const apiKeySetting = "api_key"

// InitDB opens the SQLite database and runs migrations.
func InitDB(dbPath string) (*gorm.DB, error) {
	if dir := filepath.Dir(dbPath); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}

	db, err := gorm.Open(sqlite.Open(dbPath), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, err
	}

	if err := db.AutoMigrate(&models.Token{}, &models.UsageStat{}, &models.Setting{}); err != nil {
		return nil, err
	}

	ensureAPIKey(db)

	return db, nil
}

// ensureAPIKey generates the OpenAI-surface API key on first run.
func ensureAPIKey(db *gorm.DB) {
	var setting models.Setting
	if err := db.Where("key = ?", apiKeySetting).First(&setting).Error; err == nil {
		return
	}

	db.Create(&models.Setting{
		Key:   apiKeySetting,
		Value: newAPIKey(),
	})
	log.Printf("🔑 Generated new API key")
}

func newAPIKey() string {
	keyBytes := make([]byte, 16)
	rand.Read(keyBytes)
	return "sk-" + hex.EncodeToString(keyBytes)
}

// GetAPIKey retrieves the API key from the database.
func GetAPIKey(db *gorm.DB) string {
	return GetSetting(db, apiKeySetting)
}

// RegenerateAPIKey replaces the stored API key and returns the new value.
func RegenerateAPIKey(db *gorm.DB) string {
	apiKey := newAPIKey()
	SaveSetting(db, apiKeySetting, apiKey)
	log.Printf("🔑 Regenerated API key")
	return apiKey
}

// GetSetting returns the value for a settings key, or "" when absent.
func GetSetting(db *gorm.DB, key string) string {
	var setting models.Setting
	if err := db.Where("key = ?", key).First(&setting).Error; err != nil {
		return ""
	}
	return setting.Value
}

// SaveSetting upserts a settings key.
func SaveSetting(db *gorm.DB, key, value string) {
	var setting models.Setting
	if err := db.Where("key = ?", key).First(&setting).Error; err != nil {
		db.Create(&models.Setting{Key: key, Value: value})
		return
	}
	db.Model(&models.Setting{}).Where("key = ?", key).Update("value", value)
}
