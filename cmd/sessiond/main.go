// sessiond runs the session and identity synchronization engine as a
// long-lived process: it restores local state, keeps the session validated,
// and mirrors remote profile changes into the local cache.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"

	"github.com/classpulse/identity-engine/internal/cache"
	"github.com/classpulse/identity-engine/internal/config"
	"github.com/classpulse/identity-engine/internal/connectivity"
	"github.com/classpulse/identity-engine/internal/db"
	"github.com/classpulse/identity-engine/internal/identity/service"
	"github.com/classpulse/identity-engine/internal/remote/postgres"
	"github.com/classpulse/identity-engine/internal/remote/rest"
	"github.com/classpulse/identity-engine/internal/security"
	"github.com/classpulse/identity-engine/internal/telemetry/otel"
)

// navLogger satisfies navigation.Navigator for a headless process: route
// replacements are logged instead of rendered.
type navLogger struct{}

func (navLogger) Replace(route string) {
	log.Printf("navigate: %s", route)
}

func main() {
	log.Printf("sessiond starting, instance %s", uuid.NewString())

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if cfg.AuthBaseURL == "" && cfg.DatabaseURL == "" {
		log.Fatal("one of AUTH_BASE_URL or DATABASE_URL must be set")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	providers, err := otel.NewProviders(ctx, cfg.OTLPEndpoint, "identity-engine", cfg.OTLPInsecure)
	if err != nil {
		log.Fatalf("telemetry: %v", err)
	}
	providers.SetGlobal()
	defer func() {
		if err := providers.Shutdown(context.Background()); err != nil {
			log.Printf("telemetry shutdown: %v", err)
		}
	}()

	store, err := cache.OpenSQLite(cfg.CachePath)
	if err != nil {
		log.Fatalf("cache: %v", err)
	}
	defer store.Close()

	parser := security.NewTokenParser(cfg.JWTSecret)

	var (
		auth     service.Authenticator
		profiles service.ProfileStore
		feed     service.ChangeFeed
	)
	switch {
	case cfg.AuthBaseURL != "":
		client := rest.NewClient(cfg.AuthBaseURL, cfg.AuthAPIKey, parser, store)
		auth = client
		profiles = client
	default:
		conn, err := db.Open(cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("db: %v", err)
		}
		defer conn.Close()

		issuer, err := security.NewTokenIssuer(cfg.JWTSecret, cfg.JWTIssuer, cfg.AccessTTL(), cfg.RefreshTTL())
		if err != nil {
			log.Fatalf("tokens: %v", err)
		}
		pgStore := postgres.NewStore(conn, security.NewHasher(cfg.BcryptCost), issuer)
		auth = pgStore
		profiles = pgStore
	}

	if cfg.DatabaseURL != "" {
		pgFeed := postgres.NewFeed(cfg.DatabaseURL)
		feed = pgFeed
		go func() {
			if err := pgFeed.Run(ctx); err != nil && ctx.Err() == nil {
				log.Printf("change feed: %v", err)
			}
		}()
	}

	monitor := connectivity.NewProber(cfg.ProbeAddr, cfg.ProbeTimeoutDuration(), cfg.ProbePeriodDuration())
	go monitor.Run(ctx)

	mgr := service.NewSessionManager(service.ManagerOptions{
		Cache:            store,
		Auth:             auth,
		Profiles:         profiles,
		Feed:             feed,
		Connectivity:     monitor,
		Navigator:        navLogger{},
		TokenParser:      parser,
		LoginRoute:       cfg.LoginRoute,
		ValidateInterval: cfg.ValidateIntervalDuration(),
	})

	if err := mgr.Initialize(ctx); err != nil {
		log.Printf("initialize: %v", err)
	}
	log.Printf("engine state: %s", mgr.State())

	go mgr.Run(ctx)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	log.Println("shutting down...")
	cancel()
	log.Println("stopped")
}
