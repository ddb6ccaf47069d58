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
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/lalalune/babylon-sub005/internal/config"
	"github.com/lalalune/babylon-sub005/internal/metrics"
	"github.com/lalalune/babylon-sub005/internal/pricefeed"
	"github.com/lalalune/babylon-sub005/internal/risk"
	"github.com/lalalune/babylon-sub005/internal/store"
	"github.com/lalalune/babylon-sub005/internal/trading"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg := config.Load()

	// --- Redis client (cache + price feed), if configured ---
	var rdb *redis.Client
	var cleanup []func()

	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			slog.Error("invalid REDIS_URL", "err", err)
			os.Exit(1)
		}
		rdb = redis.NewClient(opt)
		cleanup = append(cleanup, func() { rdb.Close() })
	}

	// --- Store ---
	var st store.Store
	if cfg.DatabaseURL != "" {
		pool, err := pgxpool.New(context.Background(), cfg.DatabaseURL)
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pool.Close)
		st = store.NewPostgresStore(pool)
		slog.Info("connected to PostgreSQL")

		if rdb != nil {
			st = store.NewCachedStore(st, rdb, cfg.CacheTTL)
			slog.Info("Redis cache enabled", "ttl", cfg.CacheTTL)
		}
	} else {
		slog.Warn("DATABASE_URL not set, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	defer func() {
		for _, fn := range cleanup {
			fn()
		}
	}()

	// --- Price feed ---
	// The external feed process publishes prices into Redis with a TTL;
	// without Redis a static feed serves development only.
	var feed pricefeed.Feed
	if rdb != nil {
		feed = pricefeed.NewRedisFeed(rdb)
		slog.Info("Redis price feed enabled")
	} else {
		slog.Warn("REDIS_URL not set, using empty static price feed")
		feed = pricefeed.NewStaticFeed()
	}

	// --- Exposure limits ---
	limiter := risk.NewLimiter(cfg.MaxPoolNotional, cfg.MaxSymbolNotional)

	// --- WebSocket hub ---
	hub := trading.NewHub()
	go hub.Run()

	// --- Trading service ---
	svc := trading.NewService(st, feed, limiter, hub)

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)

	// CORS middleware for dashboard cross-origin requests.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"trading-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// WebSocket endpoint for real-time execution events.
		r.Get("/ws", hub.HandleWS)

		// Pools.
		r.Post("/pools", svc.HandleCreatePool)
		r.Get("/pools/{poolID}", svc.HandleGetPool)
		r.Get("/pools/{poolID}/performance", svc.HandlePerformance)
		r.Get("/pools/{poolID}/trades", svc.HandleTrades)

		// NPC decision execution.
		r.Post("/decisions", svc.HandleDecision)

		// Liquidation sweep, driven by the external tick scheduler.
		r.Post("/pools/{poolID}/liquidations", svc.HandleLiquidations)

		// Investor flows.
		r.Post("/pools/{poolID}/deposits", svc.HandleDeposit)
		r.Post("/pools/{poolID}/withdrawals", svc.HandleWithdraw)
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
		slog.Info("trading-engine listening", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	slog.Info("shutting down trading-engine...")
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	fmt.Println("trading-engine stopped")
}
