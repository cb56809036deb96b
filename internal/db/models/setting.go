package models

// Setting is a key-value row for runtime state that must survive restarts
// (generated API key, cached upstream CLI version).
type Setting struct {
	Key   string `gorm:"primaryKey"`
	Value string
}
