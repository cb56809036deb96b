package main

import (
	"context"
	"errors"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pysugar/qwen-gateway/internal/auth/device"
	"github.com/pysugar/qwen-gateway/internal/auth/token"
	"github.com/pysugar/qwen-gateway/internal/config"
	"github.com/pysugar/qwen-gateway/internal/db"
	"github.com/pysugar/qwen-gateway/internal/orchestrator"
	"github.com/pysugar/qwen-gateway/internal/proxy"
	"github.com/pysugar/qwen-gateway/internal/tokenizer"
	"github.com/pysugar/qwen-gateway/internal/tools"
	"github.com/pysugar/qwen-gateway/internal/upstream"
	"github.com/pysugar/qwen-gateway/internal/version"
)

func main() {
	log.Printf("🚀 Qwen gateway %s (%s, built %s)", version.Version, version.Commit, version.BuildTime)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("❌ Failed to load config: %v", err)
	}

	database, err := db.InitDB(cfg.DatabasePath)
	if err != nil {
		log.Fatalf("❌ Failed to initialize database: %v", err)
	}

	client := upstream.NewClient(cfg.Verbose)
	resolver := upstream.NewResolver(database, client, cfg.RegistryURL)
	pool := token.NewPool(database, client, resolver, cfg.TokenEndpoint, cfg.ClientID)
	if err := pool.Load(); err != nil {
		log.Fatalf("❌ Failed to load token pool: %v", err)
	}
	log.Printf("🔑 Loaded %d token(s) from database", pool.Count())

	flow := device.NewFlow(client, resolver, cfg.DeviceEndpoint, cfg.TokenEndpoint, cfg.ClientID, cfg.Scope)
	ledger := db.NewLedger(database)
	counter := tokenizer.New()

	registry := tools.NewRegistry()
	if err := tools.RegisterBuiltins(registry); err != nil {
		log.Fatalf("❌ Failed to register tools: %v", err)
	}
	log.Printf("🔧 Registered tools: %v", registry.Names())

	orch := orchestrator.New(client, pool, ledger, registry, counter, resolver, orchestrator.Config{
		ChatEndpoint: cfg.ChatEndpoint,
		MaxToolCalls: cfg.MaxToolCalls,
		Verbose:      cfg.Verbose,
	})

	router := proxy.NewRouter(proxy.Deps{
		DB:           database,
		Pool:         pool,
		Flow:         flow,
		Ledger:       ledger,
		Orchestrator: orch,
		Resolver:     resolver,
		APIPassword:  cfg.APIPassword,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool.StartSweep(ctx, cfg.SweepInterval, cfg.RefreshWindow)

	addr := net.JoinHostPort(cfg.Host, cfg.Port)
	server := &http.Server{
		Addr:    addr,
		Handler: router,
	}

	go func() {
		log.Printf("🌐 Listening on http://%s", addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("❌ Server failed: %v", err)
		}
	}()

	<-ctx.Done()
	log.Printf("🛑 Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("⚠️ Graceful shutdown failed: %v", err)
	}
	log.Printf("👋 Goodbye")
}
