// Package main is the entry point for the calendar hub server.
package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/calendar-hub/backend/internal/api"
	"github.com/calendar-hub/backend/internal/config"
	"github.com/calendar-hub/backend/internal/feed"
	"github.com/calendar-hub/backend/internal/jobs"
	"github.com/calendar-hub/backend/internal/provider"
	"github.com/calendar-hub/backend/internal/storage"
	"github.com/calendar-hub/backend/internal/sync"
	"github.com/calendar-hub/backend/internal/token"
	"github.com/calendar-hub/backend/internal/vault"
	"github.com/calendar-hub/backend/internal/webhook"
	"github.com/calendar-hub/backend/internal/websocket"
)

// version is set at build time via -ldflags "-X main.version=x.y.z".
var version = "dev"

func main() {
	configPath := flag.String("config", "", "Path to TOML config file")
	addr := flag.String("addr", "", "HTTP server address (overrides config)")
	healthCheck := flag.Bool("health-check", false, "Run health check and exit")
	flag.Parse()

	// Optional .env for local development; environment wins over TOML.
	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if *addr != "" {
		cfg.Server.Addr = *addr
	}

	// Health check mode for Docker HEALTHCHECK
	if *healthCheck {
		if err := runHealthCheck(cfg.Server.Addr); err != nil {
			log.Fatalf("Health check failed: %v", err)
		}
		os.Exit(0)
	}

	log.Printf("Starting calendar hub (version: %s)...", version)

	if dir := filepath.Dir(cfg.Database.Path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			log.Fatalf("Failed to create data directory %q: %v", dir, err)
		}
	}
	db, err := storage.NewDB(cfg.Database.Path)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer db.Close()

	if err := storage.RunMigrations(db); err != nil {
		log.Fatalf("Failed to run migrations: %v", err)
	}
	log.Println("Database migrations complete")

	v, err := vault.NewAESVault(cfg.Vault.Key)
	if err != nil {
		log.Fatalf("Failed to initialize vault: %v", err)
	}

	// Repositories
	connectionRepo := storage.NewConnectionRepository(db)
	eventRepo := storage.NewEventRepository(db)
	webhookRepo := storage.NewWebhookRepository(db)
	stateRepo := storage.NewOAuthStateRepository(db)

	// WebSocket hub
	hub := websocket.NewHub()
	go hub.Run()
	broadcaster := websocket.NewBroadcaster(hub)

	// Provider adapters and services
	registry := provider.NewRegistry(
		provider.NewGoogleAdapter(),
		provider.NewMicrosoftAdapter(),
	)
	tokens := token.NewManager(cfg, v, connectionRepo, stateRepo)
	poller := feed.NewPoller()

	engine := sync.NewEngine(
		db,
		connectionRepo,
		eventRepo,
		registry,
		tokens,
		v,
		poller,
		broadcaster,
		cfg.SyncWindow,
	)

	webhooks := webhook.NewManager(
		webhookRepo,
		connectionRepo,
		registry,
		tokens,
		engine,
		cfg.Server.BaseURL,
	)

	// Background jobs
	intervals := jobs.DefaultIntervals()
	intervals.FeedPoll = cfg.Sync.FeedPollInterval.Duration
	intervals.WebhookRenewal = cfg.Sync.WebhookRenewalEvery.Duration
	intervals.Cleanup = cfg.Sync.CleanupEvery.Duration
	scheduler := jobs.NewScheduler(engine, webhooks, stateRepo, intervals)
	if err := scheduler.Start(); err != nil {
		log.Fatalf("Failed to start scheduler: %v", err)
	}

	router := api.NewRouter(api.Deps{
		DB:          db,
		Connections: connectionRepo,
		Events:      eventRepo,
		Vault:       v,
		Tokens:      tokens,
		Registry:    registry,
		Poller:      poller,
		Engine:      engine,
		Webhooks:    webhooks,
		Hub:         hub,
		Broadcaster: broadcaster,
	})

	server := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("Server listening on %s", cfg.Server.Addr)
		if err := server.ListenAndServe(); err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")

	scheduler.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Fatalf("Server shutdown error: %v", err)
	}

	log.Println("Server stopped")
}

// runHealthCheck performs a health check against the running server.
func runHealthCheck(addr string) error {
	url := "http://localhost" + addr + "/api/health"
	resp, err := http.Get(url)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return http.ErrAbortHandler
	}
	return nil
}
