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

	"github.com/paperbroker/broker-engine/internal/api"
	"github.com/paperbroker/broker-engine/internal/config"
	"github.com/paperbroker/broker-engine/internal/engine"
	"github.com/paperbroker/broker-engine/internal/marketdata"
	"github.com/paperbroker/broker-engine/internal/metrics"
	"github.com/paperbroker/broker-engine/internal/networth"
	"github.com/paperbroker/broker-engine/internal/store"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg := config.Load()

	// --- Initialize store ---
	var st store.Store
	var cleanup []func()

	var rdb *redis.Client
	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			slog.Error("invalid REDIS_URL", "err", err)
			os.Exit(1)
		}
		rdb = redis.NewClient(opt)
		cleanup = append(cleanup, func() { rdb.Close() })
	}

	if cfg.DatabaseURL != "" {
		pool, err := pgxpool.New(context.Background(), cfg.DatabaseURL)
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pool.Close)
		st = store.NewPostgresStore(pool)
		slog.Info("connected to PostgreSQL")

		// Wrap with Redis read-through cache if configured.
		if rdb != nil {
			st = store.NewCachedStore(st, rdb, cfg.CacheTTL)
			slog.Info("Redis store cache enabled")
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

	// --- Market data gateway ---
	var gw marketdata.Gateway
	if cfg.QuoteAPIURL != "" {
		gw = marketdata.NewHTTPGateway(cfg.QuoteAPIURL, 5*time.Second)
		if rdb != nil {
			gw = marketdata.NewCachedGateway(gw, rdb, cfg.CacheTTL)
			slog.Info("Redis quote cache enabled")
		}
		slog.Info("quote gateway configured", "url", cfg.QuoteAPIURL)
	} else {
		slog.Warn("QUOTE_API_URL not set, using static gateway (no live quotes)")
		gw = marketdata.NewStaticGateway()
	}

	// --- WebSocket hub ---
	wsHub := api.NewWSHub()
	go wsHub.Run()

	// --- Services ---
	eng := engine.NewService(st, gw, wsHub)
	nw := networth.NewService(st, gw)
	apiSvc := api.NewService(eng, nw, cfg.DecimationTarget)

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)

	// CORS middleware for frontend cross-origin requests.
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
		w.Write([]byte(`{"status":"ok","service":"broker-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// WebSocket endpoint for real-time fill notifications.
		r.Get("/ws", wsHub.HandleWS)

		apiSvc.Routes(r)
	})

	// --- Scheduled passes ---
	passCtx, stopPasses := context.WithCancel(context.Background())
	defer stopPasses()
	go runEvery(passCtx, cfg.MatchingInterval, "matching", func(ctx context.Context) error {
		_, err := eng.RunMatchingPass(ctx)
		return err
	})
	go runEvery(passCtx, cfg.SnapshotInterval, "snapshot", func(ctx context.Context) error {
		_, err := nw.RunSnapshotPass(ctx)
		return err
	})
	go runEvery(passCtx, cfg.DecimationInterval, "decimation", func(ctx context.Context) error {
		_, err := nw.RunDecimationPass(ctx, cfg.DecimationTarget)
		return err
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
		slog.Info("broker-engine listening", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	stopPasses()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	slog.Info("shutting down broker-engine...")
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	fmt.Println("broker-engine stopped")
}

// runEvery invokes fn on a fixed interval until ctx is cancelled.
func runEvery(ctx context.Context, interval time.Duration, name string, fn func(context.Context) error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := fn(ctx); err != nil {
				slog.Error("scheduled pass failed", "pass", name, "err", err)
			}
		}
	}
}
