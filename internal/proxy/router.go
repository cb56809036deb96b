package proxy

import (
	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/pysugar/qwen-gateway/internal/auth/device"
	"github.com/pysugar/qwen-gateway/internal/auth/token"
	"github.com/pysugar/qwen-gateway/internal/db"
	"github.com/pysugar/qwen-gateway/internal/orchestrator"
	"github.com/pysugar/qwen-gateway/internal/proxy/handlers"
	"github.com/pysugar/qwen-gateway/internal/proxy/middleware"
	"github.com/pysugar/qwen-gateway/internal/upstream"
	"gorm.io/gorm"
)

// Deps carries everything the HTTP surface needs.
type Deps struct {
	DB           *gorm.DB
	Pool         *token.Pool
	Flow         *device.Flow
	Ledger       *db.Ledger
	Orchestrator *orchestrator.Orchestrator
	Resolver     *upstream.Resolver
	APIPassword  string
}

// NewRouter assembles the gateway's two surfaces: the key-guarded
// OpenAI-compatible /v1 routes and the password-guarded management /api routes.
func NewRouter(deps Deps) *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(chimiddleware.Logger)
	r.Use(chimiddleware.Recoverer)

	r.Get("/healthz", handlers.HealthHandler())

	r.Route("/v1", func(r chi.Router) {
		r.Use(middleware.APIKeyAuth(deps.DB))
		r.Post("/chat/completions", handlers.ChatCompletionsHandler(deps.Orchestrator))
		r.Get("/models", handlers.ModelsHandler())
		r.Get("/qwen/access-token", handlers.AccessTokenHandler(deps.Pool, deps.Resolver))
	})

	r.Route("/api", func(r chi.Router) {
		r.Post("/login", handlers.LoginHandler(deps.APIPassword))
		r.Get("/version", handlers.VersionHandler())

		r.Group(func(r chi.Router) {
			r.Use(middleware.PasswordAuth(deps.APIPassword))

			r.Post("/chat", handlers.ChatCompletionsHandler(deps.Orchestrator))

			r.Post("/upload-token", handlers.UploadTokenHandler(deps.Pool))
			r.Get("/token-status", handlers.TokenStatusHandler(deps.Pool))
			r.Post("/refresh-token", handlers.RefreshAllHandler(deps.Pool))
			r.Post("/refresh-single-token", handlers.RefreshSingleTokenHandler(deps.Pool))
			r.Post("/delete-token", handlers.DeleteTokenHandler(deps.Pool))
			r.Post("/delete-all-tokens", handlers.DeleteAllTokensHandler(deps.Pool))

			r.Post("/oauth-init", handlers.OAuthInitHandler(deps.Flow))
			r.Post("/oauth-poll", handlers.OAuthPollHandler(deps.Flow, deps.Pool))
			r.Post("/oauth-cancel", handlers.OAuthCancelHandler(deps.Flow))

			r.Get("/statistics/usage", handlers.GetUsageHandler(deps.Ledger))
			r.Delete("/statistics/usage", handlers.DeleteUsageHandler(deps.Ledger))

			r.Get("/apikey", handlers.GetAPIKeyHandler(deps.DB))
			r.Post("/apikey/regenerate", handlers.RegenerateAPIKeyHandler(deps.DB))
		})
	})

	return r
}
