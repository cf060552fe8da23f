// Command gateway runs the email protection gateway: inbound webhook
// and SMTP providers, the analysis pipeline, and outbound delivery.
package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	_ "github.com/lib/pq"

	"github.com/hearthmail/gateway/internal/analysis"
	"github.com/hearthmail/gateway/internal/api"
	"github.com/hearthmail/gateway/internal/config"
	"github.com/hearthmail/gateway/internal/inbound"
	"github.com/hearthmail/gateway/internal/orchestrator"
	"github.com/hearthmail/gateway/internal/outbound"
	"github.com/hearthmail/gateway/internal/policy"
	"github.com/hearthmail/gateway/internal/ratelimit"
	"github.com/hearthmail/gateway/internal/shield"
	"github.com/hearthmail/gateway/internal/store"
	"github.com/hearthmail/gateway/internal/transform"
	"github.com/hearthmail/gateway/internal/webhook"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.LoadFromEnv(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	ctx := context.Background()

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Printf("[Main] Redis unreachable at startup (rate limiting and replay detection degraded): %v", err)
	}

	resolver, db, err := buildResolver(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to initialize shield resolver: %v", err)
	}
	router := shield.NewRouter(cfg.Shield.ServiceDomains, resolver)

	analyzer, err := buildAnalyzer(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to initialize analyzer: %v", err)
	}

	sender, err := buildSender(cfg)
	if err != nil {
		log.Fatalf("Failed to initialize outbound sender: %v", err)
	}

	st := store.New(cfg.Store.Capacity)
	reaper := store.NewReaper(st, cfg.Store.ReaperInterval(), cfg.Store.ReaperGrace())
	go reaper.Start(ctx)

	orch := orchestrator.New(st, analyzer, policy.DefaultPolicy(),
		transform.New(cfg.Outbound.From), router, sender, orchestrator.Config{
			AnalyzerTimeout: cfg.Analyzer.Timeout(),
			DrainTimeout:    cfg.Server.DrainTimeout(),
			NotifyOnBlock:   cfg.Policy.NotifyOnBlock,
		})

	validators := make(map[string]*webhook.Validator, len(cfg.Webhook.Secrets))
	for provider, secret := range cfg.Webhook.Secrets {
		validators[provider] = webhook.NewValidator(secret, cfg.Webhook.SignatureMaxAge(), rdb)
	}
	webhooks := inbound.NewWebhookHandler(validators, router, orch, cfg.Store.TTL(),
		cfg.Webhook.MaxBodyBytes, cfg.Store.ReaperIntervalSeconds)

	limiter := ratelimit.New(rdb, ratelimit.Limit{
		PerMinute: cfg.RateLimit.RPM,
		Burst:     cfg.RateLimit.Burst,
	})

	health := api.NewHealthChecker(st, rdb, db)
	routes := api.SetupRoutes(health, webhooks, orch, st, limiter, cfg.Server.AllowedOrigins)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      routes,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	go func() {
		log.Printf("[Main] HTTP listening on %s", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("HTTP server error: %v", err)
		}
	}()

	var smtpServer *inbound.SMTPServer
	if cfg.SMTP.Enabled {
		smtpServer = inbound.NewSMTPServer(cfg.SMTP.Addr, cfg.SMTP.Hostname,
			router, orch, cfg.Store.TTL(), cfg.SMTP.MaxBytes)
		go func() {
			if err := smtpServer.ListenAndServe(); err != nil {
				log.Printf("[Main] SMTP server stopped: %v", err)
			}
		}()
	}

	log.Printf("[Main] Gateway ready (domains: %v, analyzer: %s, outbound: %s, dry_run: %v)",
		cfg.Shield.ServiceDomains, cfg.Analyzer.Provider, cfg.Outbound.Provider, cfg.Outbound.DryRun)

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	<-done
	log.Println("[Main] Shutting down...")

	// Stop intake first, then drain the pipeline, then stop the reaper.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("[Main] HTTP shutdown error: %v", err)
	}
	if smtpServer != nil {
		if err := smtpServer.Close(); err != nil {
			log.Printf("[Main] SMTP shutdown error: %v", err)
		}
	}
	orch.Shutdown()
	reaper.Stop()
	if db != nil {
		db.Close()
	}
	log.Println("[Main] Gateway stopped")
}

// buildResolver picks Postgres or the static YAML table. The returned
// *sql.DB is nil for the static resolver.
func buildResolver(ctx context.Context, cfg *config.Config) (shield.Resolver, *sql.DB, error) {
	if cfg.Shield.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.Shield.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("open postgres: %w", err)
		}
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := db.PingContext(pingCtx); err != nil {
			return nil, nil, fmt.Errorf("ping postgres: %w", err)
		}
		db.SetMaxOpenConns(10)
		return shield.NewPostgresResolver(db), db, nil
	}
	resolver, err := shield.LoadStaticResolver(cfg.Shield.StaticFile)
	if err != nil {
		return nil, nil, fmt.Errorf("load static shields: %w", err)
	}
	log.Printf("[Main] Using static shield table from %s", cfg.Shield.StaticFile)
	return resolver, nil, nil
}

func buildAnalyzer(ctx context.Context, cfg *config.Config) (analysis.Analyzer, error) {
	switch cfg.Analyzer.Provider {
	case "mock":
		log.Printf("[Main] Using mock analyzer")
		return analysis.NewMockAnalyzer(nil), nil
	default:
		return analysis.NewBedrockAnalyzer(ctx, cfg.Analyzer.ModelID, cfg.Analyzer.Region)
	}
}

// buildSender assembles the configured sender wrapped with the retry
// policy. The dry-run flag overrides whatever provider is configured.
func buildSender(cfg *config.Config) (outbound.Sender, error) {
	var inner outbound.Sender
	switch {
	case cfg.Outbound.DryRun || cfg.Outbound.Provider == "dry_run":
		log.Printf("[Main] Outbound in dry-run mode, no mail will be sent")
		inner = outbound.NewDryRunSender()
	case cfg.Outbound.Provider == "ses":
		ses, err := outbound.NewSESSender(cfg.Outbound.SESAccessKey,
			cfg.Outbound.SESSecretKey, cfg.Outbound.SESRegion)
		if err != nil {
			return nil, err
		}
		inner = ses
	case cfg.Outbound.Provider == "smtp":
		inner = outbound.NewSMTPSender(cfg.Outbound.SMTPHost, cfg.Outbound.SMTPPort,
			cfg.Outbound.SMTPUsername, cfg.Outbound.SMTPPassword)
	}

	retryPolicy := outbound.DefaultRetryPolicy()
	retryPolicy.Attempts = cfg.Outbound.RetryAttempts
	retryPolicy.AttemptTimeout = cfg.Outbound.SendTimeout()
	return outbound.NewRetryingSender(inner, retryPolicy), nil
}
