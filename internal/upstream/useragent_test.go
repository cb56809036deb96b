package upstream

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/pysugar/qwen-gateway/internal/db/models"
	"gorm.io/gorm"

	gwdb "github.com/pysugar/qwen-gateway/internal/db"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	database, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open db: %v", err)
	}
	if err := database.AutoMigrate(&models.Setting{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	return database
}

func TestResolver_FetchesAndCaches(t *testing.T) {
	var hits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.Write([]byte(`{"version":"0.2.3"}`))
	}))
	defer srv.Close()

	database := newTestDB(t)
	resolver := NewResolver(database, NewClient(false), srv.URL)

	ua := resolver.UserAgent(context.Background())
	if !strings.HasPrefix(ua, "QwenCode/0.2.3 (") {
		t.Fatalf("unexpected user agent: %q", ua)
	}

	// Second call is served from the in-memory cache.
	resolver.UserAgent(context.Background())
	if hits != 1 {
		t.Fatalf("expected 1 registry hit, got %d", hits)
	}

	if v := gwdb.GetSetting(database, "qwen_cli_version"); v != "0.2.3" {
		t.Fatalf("expected version persisted to db, got %q", v)
	}
}

func TestResolver_DBFallback(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	database := newTestDB(t)
	gwdb.SaveSetting(database, "qwen_cli_version", "0.1.9")

	resolver := NewResolver(database, NewClient(false), srv.URL)
	if v := resolver.Version(context.Background()); v != "0.1.9" {
		t.Fatalf("expected db fallback version, got %q", v)
	}
}

func TestResolver_DefaultFallback(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	resolver := NewResolver(newTestDB(t), NewClient(false), srv.URL)
	if v := resolver.Version(context.Background()); v != DefaultCLIVersion {
		t.Fatalf("expected default version, got %q", v)
	}
}

func TestResolver_RefreshDropsCache(t *testing.T) {
	version := `{"version":"0.3.0"}`
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(version))
	}))
	defer srv.Close()

	resolver := NewResolver(newTestDB(t), NewClient(false), srv.URL)
	if v := resolver.Version(context.Background()); v != "0.3.0" {
		t.Fatalf("unexpected version: %q", v)
	}

	version = `{"version":"0.3.1"}`
	if v := resolver.Refresh(context.Background()); v != "0.3.1" {
		t.Fatalf("expected refreshed version, got %q", v)
	}
}
