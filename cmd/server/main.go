package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/mail2robbins/tv-alert-reader-sub002/internal/broker"
	"github.com/mail2robbins/tv-alert-reader-sub002/internal/config"
	"github.com/mail2robbins/tv-alert-reader-sub002/internal/dispatch"
	"github.com/mail2robbins/tv-alert-reader-sub002/internal/events"
	"github.com/mail2robbins/tv-alert-reader-sub002/internal/guard"
	"github.com/mail2robbins/tv-alert-reader-sub002/internal/instrument"
	"github.com/mail2robbins/tv-alert-reader-sub002/internal/metrics"
	"github.com/mail2robbins/tv-alert-reader-sub002/internal/rebase"
	"github.com/mail2robbins/tv-alert-reader-sub002/internal/store"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		slog.Error("configuration error", "err", err)
		os.Exit(1)
	}
	slog.Info("configuration loaded", "accounts", len(cfg.Accounts))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Order history store ---
	var st store.Store
	var cleanup []func()

	if cfg.DatabaseURL != "" {
		pool, err := pgxpool.New(context.Background(), cfg.DatabaseURL)
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pool.Close)
		st = store.NewPostgresStore(pool)
		slog.Info("connected to PostgreSQL")
	} else {
		slog.Warn("DATABASE_URL not set, using in-memory order store (history will not persist)")
		st = store.NewMemoryStore()
	}

	// --- Duplicate-order guard ---
	var dg guard.DailyGuard
	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			slog.Error("invalid REDIS_URL", "err", err)
			os.Exit(1)
		}
		rdb := redis.NewClient(opt)
		cleanup = append(cleanup, func() { rdb.Close() })
		dg = guard.NewRedisGuard(rdb)
		slog.Info("Redis duplicate guard enabled")
	} else {
		dg = guard.NewMemoryGuard()
	}

	defer func() {
		for _, fn := range cleanup {
			fn()
		}
	}()

	// --- Instrument resolver ---
	var resolver instrument.Resolver
	if cfg.ScripMasterCSV != "" {
		f, err := os.Open(cfg.ScripMasterCSV)
		if err != nil {
			slog.Error("failed to open scrip master", "path", cfg.ScripMasterCSV, "err", err)
			os.Exit(1)
		}
		resolver, err = instrument.LoadCSV(f, "SEM_TRADING_SYMBOL", "SEM_SMST_SECURITY_ID")
		f.Close()
		if err != nil {
			slog.Error("failed to load scrip master", "err", err)
			os.Exit(1)
		}
		slog.Info("scrip master loaded", "path", cfg.ScripMasterCSV)
	} else {
		slog.Warn("SCRIP_MASTER_CSV not set, resolver is empty (all tickers will be rejected)")
		resolver = instrument.NewMapResolver(nil)
	}

	// --- Broker client ---
	bk := broker.NewRESTClient(cfg.BrokerBaseURL, cfg.BrokerTimeout)

	// --- WebSocket event hub ---
	hub := events.NewHub()
	go hub.Run()

	// --- Rebase engine ---
	engine := rebase.NewEngine(rebase.Config{
		MaxAttempts:          cfg.RebaseMaxAttempts,
		InitialDelay:         cfg.RebaseInitialDelay,
		PollInterval:         cfg.RebasePollInterval,
		FallbackToAlertPrice: cfg.RebaseFallbackToAlertPrice,
	}, bk, st, hub)
	engine.Start(ctx)

	// --- Dispatch service ---
	svc := dispatch.NewService(cfg.Accounts, bk, st, dg, resolver, engine, hub)

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)

	// CORS for the dashboard frontend.
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"tv-alert-reader"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// WebSocket endpoint for real-time placement/rebase events.
		r.Get("/ws", hub.HandleWS)

		// Alert ingestion (payload already normalized upstream).
		r.Post("/alerts", svc.HandleAlert)

		// Order history.
		r.Get("/orders", svc.ListOrders)

		// Rebase observability.
		r.Get("/rebase/status", svc.QueueStatus)
		r.Get("/rebase/results/{orderID}", svc.RebaseResults)
	})

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("tv-alert-reader listening", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown. In-flight rebase items are abandoned; already
	// placed orders keep their alert-price TP/SL.
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	slog.Info("shutting down tv-alert-reader...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	fmt.Println("tv-alert-reader stopped")
}
