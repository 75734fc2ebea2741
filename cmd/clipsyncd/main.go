package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/SherClockHolmes/webpush-go"
	"golang.org/x/sync/errgroup"

	"clipsync/config"
	"clipsync/internal/api"
	"clipsync/internal/auth"
	"clipsync/internal/db"
	"clipsync/internal/hub"
	"clipsync/internal/notification"
	"clipsync/internal/presence"
	"clipsync/internal/relay"
	"clipsync/internal/store"
	"clipsync/internal/ws"
)

func main() {
	// Setup logger
	logger := log.New(os.Stdout, "clipsyncd ", log.LstdFlags)

	// Load configuration
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "./config/config.yaml" // Default path for local development
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		logger.Fatalf("failed to load configuration from %s: %v", configPath, err)
	}

	// Handle the token subcommand before starting any service.
	if len(os.Args) > 1 && os.Args[1] == "token" {
		if err := issueToken(cfg, os.Args[2:]); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	logger.Printf("configuration loaded successfully from %s", configPath)

	if err := run(logger, cfg); err != nil {
		logger.Fatalf("%v", err)
	}
	logger.Println("Server gracefully stopped")
}

// issueToken prints a bearer token for a user, for local development.
func issueToken(cfg *config.Config, args []string) error {
	if len(args) < 1 || args[0] == "" {
		return fmt.Errorf("usage: clipsyncd token <user-id> [ttl]")
	}
	ttl := 24 * time.Hour
	if len(args) > 1 {
		d, err := time.ParseDuration(args[1])
		if err != nil {
			return fmt.Errorf("parsing ttl: %w", err)
		}
		ttl = d
	}

	token, err := auth.NewSigner(cfg.Auth).Issue(args[0], ttl)
	if err != nil {
		return err
	}
	fmt.Println(token)
	return nil
}

func run(logger *log.Logger, cfg *config.Config) error {
	// Initialize database
	gormDB, err := db.Init(&cfg.Database)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	logger.Println("database initialized successfully")
	appStore := store.NewGormStore(gormDB)

	// Flags left by a process that did not stop cleanly.
	if err := appStore.ResetPresence(context.Background()); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	responseCache := api.NewResponseCache(cfg.Server)
	tracker := presence.NewTracker(appStore, cfg.Relay.PresenceQueueSize).
		WithOnChange(responseCache.Invalidate)
	registry := hub.New(func(s *hub.Session) {
		tracker.Offline(s.UserID, s.DeviceID)
	}).WithOnAdded(func(s *hub.Session) {
		tracker.Online(s.UserID, s.DeviceID, s.DeviceName)
	})

	var (
		dispatcher     relay.Dispatcher
		webpushOptions *webpush.Options
		pool           *notification.WorkerPool
	)
	if cfg.Push.Enabled() {
		webpushOptions = &webpush.Options{
			VAPIDPublicKey:  cfg.Push.PublicKey,
			VAPIDPrivateKey: cfg.Push.PrivateKey,
			Subscriber:      cfg.Push.Subject,
			TTL:             cfg.Push.TTL,
		}
		pool = notification.NewWorkerPool(cfg.WorkerPool.Size, cfg.WorkerPool.QueueSize, appStore, webpushOptions)
		pool.Start(gctx)
		dispatcher = pool
	} else {
		logger.Println("VAPID keys are not configured; push fallback is disabled")
	}

	clipRelay := relay.New(registry, dispatcher, cfg.Relay.DedupTTL)
	verifier := auth.NewVerifier(cfg.Auth)
	wsHandler := ws.NewHandler(registry, clipRelay, verifier, cfg.Relay)

	router := api.NewRouter(cfg.Server, api.Deps{
		Store:     appStore,
		Relay:     clipRelay,
		Sessions:  registry,
		Verifier:  verifier,
		WebPush:   webpushOptions,
		WebSocket: wsHandler,
		Cache:     responseCache,
	})
	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: router,
	}

	// The tracker outlives the signal so it can write the offline updates
	// fired while sessions are closed below.
	trackerCtx, stopTracker := context.WithCancel(context.Background())
	trackerDone := make(chan struct{})
	go func() {
		defer close(trackerDone)
		tracker.Run(trackerCtx)
	}()

	g.Go(func() error {
		logger.Printf("HTTP server starting on port %d", cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server ListenAndServe: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Println("Shutdown signal received, stopping services...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		shutdownErr := server.Shutdown(shutdownCtx)

		// Hijacked WebSocket connections are not tracked by Shutdown.
		logger.Printf("Closed %d live sessions", registry.CloseAll())
		stopTracker()
		<-trackerDone

		if pool != nil {
			pool.Wait()
		}
		if shutdownErr != nil {
			return fmt.Errorf("HTTP server Shutdown: %w", shutdownErr)
		}
		return nil
	})

	return g.Wait()
}
