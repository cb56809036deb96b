package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"runtime"
	"sync"
	"time"

	"github.com/pysugar/qwen-gateway/internal/db"
	"gorm.io/gorm"
)

const (
	// DefaultCLIVersion is the pinned fallback when neither the registry nor
	// the database can supply a version.
	DefaultCLIVersion = "0.0.10"

	versionSetting  = "qwen_cli_version"
	versionCacheTTL = time.Hour
	fetchTimeout    = 10 * time.Second
)

// Resolver supplies the User-Agent the upstream expects: the version of the
// official qwen-code CLI, resolved from the npm registry and cached in memory
// with a database fallback.
type Resolver struct {
	database    *gorm.DB
	client      *Client
	registryURL string

	mu        sync.Mutex
	version   string
	fetchedAt time.Time
}

// NewResolver builds a version resolver over the shared upstream client.
func NewResolver(database *gorm.DB, client *Client, registryURL string) *Resolver {
	return &Resolver{
		database:    database,
		client:      client,
		registryURL: registryURL,
	}
}

// UserAgent returns the identification string for upstream requests.
func (r *Resolver) UserAgent(ctx context.Context) string {
	return fmt.Sprintf("QwenCode/%s (%s; %s)", r.Version(ctx), runtime.GOOS, runtime.GOARCH)
}

// Version returns the cached CLI version, refreshing it when stale.
func (r *Resolver) Version(ctx context.Context) string {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.version != "" && time.Since(r.fetchedAt) < versionCacheTTL {
		return r.version
	}

	if v := r.fetchFromRegistry(ctx); v != "" {
		r.version = v
		r.fetchedAt = time.Now()
		db.SaveSetting(r.database, versionSetting, v)
		return v
	}

	if v := db.GetSetting(r.database, versionSetting); v != "" {
		r.version = v
		r.fetchedAt = time.Now()
		log.Printf("⚠️ CLI version fetch failed, using cached version: %s", v)
		return v
	}

	log.Printf("⚠️ CLI version fetch failed, using default version: %s", DefaultCLIVersion)
	return DefaultCLIVersion
}

// Refresh drops the in-memory cache and re-resolves.
func (r *Resolver) Refresh(ctx context.Context) string {
	r.mu.Lock()
	r.version = ""
	r.fetchedAt = time.Time{}
	r.mu.Unlock()
	return r.Version(ctx)
}

func (r *Resolver) fetchFromRegistry(ctx context.Context) string {
	ctx, cancel := context.WithTimeout(ctx, fetchTimeout)
	defer cancel()

	resp, err := r.client.Get(ctx, r.registryURL, "")
	if err != nil {
		return ""
	}
	defer resp.Body.Close()

	if resp.StatusCode != 200 {
		return ""
	}

	var result struct {
		Version string `json:"version"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return ""
	}
	return result.Version
}
