package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Qwen OAuth device flow and chat completion defaults. These match the public
// qwen-code CLI; override via environment or the optional config file.
const (
	DefaultDeviceEndpoint = "https://chat.qwen.ai/api/v1/oauth2/device/code"
	DefaultTokenEndpoint  = "https://chat.qwen.ai/api/v1/oauth2/token"
	DefaultChatEndpoint   = "https://portal.qwen.ai/v1/chat/completions"
	DefaultClientID       = "f0304373b74a44d2b584a3fb70ca9e56"
	DefaultScope          = "openid profile email model.completion"
	DefaultRegistryURL    = "https://registry.npmjs.org/@qwen-code/qwen-code/latest"
)

// Config contains runtime configuration values.
type Config struct {
	Host         string
	Port         string
	DatabasePath string
	APIPassword  string

	DeviceEndpoint string
	TokenEndpoint  string
	ChatEndpoint   string
	ClientID       string
	Scope          string
	RegistryURL    string

	SweepInterval time.Duration
	RefreshWindow time.Duration
	MaxToolCalls  int
	Verbose       bool
}

// fileConfig is the optional YAML overlay; only set fields override env values.
type fileConfig struct {
	Host           *string `yaml:"host"`
	Port           *string `yaml:"port"`
	DatabasePath   *string `yaml:"database_path"`
	APIPassword    *string `yaml:"api_password"`
	DeviceEndpoint *string `yaml:"device_endpoint"`
	TokenEndpoint  *string `yaml:"token_endpoint"`
	ChatEndpoint   *string `yaml:"chat_endpoint"`
	ClientID       *string `yaml:"client_id"`
	Scope          *string `yaml:"scope"`
	RegistryURL    *string `yaml:"registry_url"`
	SweepInterval  *string `yaml:"sweep_interval"`
	RefreshWindow  *string `yaml:"refresh_window"`
	MaxToolCalls   *int    `yaml:"max_tool_calls"`
	Verbose        *bool   `yaml:"verbose"`
}

// Load reads configuration from environment variables with sane defaults, then
// applies the YAML file named by GATEWAY_CONFIG when present.
func Load() (Config, error) {
	cfg := Config{
		Host:           getEnv("HOST", "127.0.0.1"),
		Port:           getEnv("PORT", "8080"),
		DatabasePath:   getEnv("DATABASE_PATH", "data/tokens.db"),
		APIPassword:    os.Getenv("API_PASSWORD"),
		DeviceEndpoint: getEnv("QWEN_DEVICE_ENDPOINT", DefaultDeviceEndpoint),
		TokenEndpoint:  getEnv("QWEN_TOKEN_ENDPOINT", DefaultTokenEndpoint),
		ChatEndpoint:   getEnv("QWEN_CHAT_ENDPOINT", DefaultChatEndpoint),
		ClientID:       getEnv("QWEN_CLIENT_ID", DefaultClientID),
		Scope:          getEnv("QWEN_SCOPE", DefaultScope),
		RegistryURL:    getEnv("QWEN_REGISTRY_URL", DefaultRegistryURL),
		SweepInterval:  getDuration("SWEEP_INTERVAL", time.Minute),
		RefreshWindow:  getDuration("REFRESH_WINDOW", 2*time.Hour),
		MaxToolCalls:   getInt("MAX_TOOL_CALLS", 10),
		Verbose:        getBool("GATEWAY_VERBOSE", false),
	}

	if path := os.Getenv("GATEWAY_CONFIG"); path != "" {
		if err := cfg.applyFile(path); err != nil {
			return Config{}, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Minute
	}
	if cfg.MaxToolCalls <= 0 {
		cfg.MaxToolCalls = 10
	}

	return cfg, nil
}

func (c *Config) applyFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return err
	}

	setString(&c.Host, fc.Host)
	setString(&c.Port, fc.Port)
	setString(&c.DatabasePath, fc.DatabasePath)
	setString(&c.APIPassword, fc.APIPassword)
	setString(&c.DeviceEndpoint, fc.DeviceEndpoint)
	setString(&c.TokenEndpoint, fc.TokenEndpoint)
	setString(&c.ChatEndpoint, fc.ChatEndpoint)
	setString(&c.ClientID, fc.ClientID)
	setString(&c.Scope, fc.Scope)
	setString(&c.RegistryURL, fc.RegistryURL)
	if fc.SweepInterval != nil {
		d, err := time.ParseDuration(*fc.SweepInterval)
		if err != nil {
			return fmt.Errorf("sweep_interval: %w", err)
		}
		c.SweepInterval = d
	}
	if fc.RefreshWindow != nil {
		d, err := time.ParseDuration(*fc.RefreshWindow)
		if err != nil {
			return fmt.Errorf("refresh_window: %w", err)
		}
		c.RefreshWindow = d
	}
	if fc.MaxToolCalls != nil {
		c.MaxToolCalls = *fc.MaxToolCalls
	}
	if fc.Verbose != nil {
		c.Verbose = *fc.Verbose
	}
	return nil
}

func setString(dst *string, src *string) {
	if src != nil {
		*dst = *src
	}
}

func getEnv(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

func getDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

func getInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func getBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}
