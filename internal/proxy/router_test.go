package proxy

import (
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/pysugar/qwen-gateway/internal/auth/device"
	"github.com/pysugar/qwen-gateway/internal/auth/token"
	"github.com/pysugar/qwen-gateway/internal/db"
	"github.com/pysugar/qwen-gateway/internal/orchestrator"
	"github.com/pysugar/qwen-gateway/internal/tokenizer"
	"github.com/pysugar/qwen-gateway/internal/upstream"
)

func newTestRouter(t *testing.T) http.Handler {
	t.Helper()
	database, err := db.InitDB(filepath.Join(t.TempDir(), "router.db"))
	if err != nil {
		t.Fatalf("init db: %v", err)
	}

	client := upstream.NewClient(false)
	pool := token.NewPool(database, client, nil, "http://unused", "client")
	ledger := db.NewLedger(database)
	orch := orchestrator.New(client, pool, ledger, nil, tokenizer.New(), nil, orchestrator.Config{
		ChatEndpoint: "http://unused",
	})
	flow := device.NewFlow(client, nil, "http://unused", "http://unused", "client", "scope")

	return NewRouter(Deps{
		DB:           database,
		Pool:         pool,
		Flow:         flow,
		Ledger:       ledger,
		Orchestrator: orch,
		APIPassword:  "admin-pass",
	})
}

func get(t *testing.T, router http.Handler, path string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestRouter_PublicRoutes(t *testing.T) {
	router := newTestRouter(t)

	if rec := get(t, router, "/healthz", nil); rec.Code != http.StatusOK {
		t.Fatalf("healthz = %d", rec.Code)
	}
	if rec := get(t, router, "/api/version", nil); rec.Code != http.StatusOK {
		t.Fatalf("version = %d", rec.Code)
	}
}

func TestRouter_V1RequiresAPIKey(t *testing.T) {
	router := newTestRouter(t)

	rec := get(t, router, "/v1/models", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("unauthenticated /v1 = %d, want 401", rec.Code)
	}
	if rec.Header().Get("X-Request-Id") == "" {
		t.Fatal("responses must carry a request id")
	}
}

func TestRouter_ManagementRequiresPassword(t *testing.T) {
	router := newTestRouter(t)

	rec := get(t, router, "/api/token-status", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("unauthenticated /api = %d, want 401", rec.Code)
	}

	rec = get(t, router, "/api/token-status", map[string]string{"Authorization": "Bearer admin-pass"})
	if rec.Code != http.StatusOK {
		t.Fatalf("authenticated /api = %d, want 200", rec.Code)
	}
}
