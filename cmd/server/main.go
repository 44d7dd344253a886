package main

import (
	"context"
	"errors"
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

	"github.com/atmx/risk-bridge/internal/alert"
	"github.com/atmx/risk-bridge/internal/api"
	"github.com/atmx/risk-bridge/internal/broker"
	"github.com/atmx/risk-bridge/internal/closer"
	"github.com/atmx/risk-bridge/internal/config"
	"github.com/atmx/risk-bridge/internal/engine"
	"github.com/atmx/risk-bridge/internal/exposure"
	"github.com/atmx/risk-bridge/internal/guard"
	"github.com/atmx/risk-bridge/internal/metrics"
	"github.com/atmx/risk-bridge/internal/monitor"
	"github.com/atmx/risk-bridge/internal/protocol"
	"github.com/atmx/risk-bridge/internal/reconcile"
	"github.com/atmx/risk-bridge/internal/session"
	"github.com/atmx/risk-bridge/internal/store"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var cleanup []func()
	defer func() {
		for _, fn := range cleanup {
			fn()
		}
	}()

	// --- Redis (optional) ---
	var rdb redis.UniversalClient
	if cfg.Redis.URL != "" {
		opt, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			slog.Error("invalid REDIS_URL", "err", err)
			os.Exit(1)
		}
		client := redis.NewClient(opt)
		cleanup = append(cleanup, func() { client.Close() })
		rdb = client
		slog.Info("Redis enabled")
	}

	// --- Initialize store ---
	var st store.Store
	if cfg.Database.URL != "" {
		pool, err := pgxpool.New(ctx, cfg.Database.URL)
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pool.Close)
		if cfg.Database.Migrate {
			if err := store.Migrate(ctx, pool); err != nil {
				slog.Error("migration failed", "err", err)
				os.Exit(1)
			}
		}
		st = store.NewPostgresStore(pool)
		slog.Info("connected to PostgreSQL")

		// Read-through cache for account state.
		if rdb != nil {
			st = store.NewCachedStore(st, rdb, cfg.Redis.CacheTTL)
		}
	} else {
		slog.Warn("DATABASE_URL not set, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	var (
		queue  protocol.Queue
		nonces protocol.NonceStore
	)
	if rdb != nil {
		queue = protocol.NewRedisQueue(rdb, cfg.Redis.Prefix)
		nonces = protocol.NewRedisNonceStore(rdb, cfg.Redis.Prefix)
	} else {
		queue = protocol.NewMemoryQueue()
		nonces = protocol.NewMemoryNonceStore(time.Now)
	}

	// --- Broker sessions ---
	engineSessions := make(map[string]engine.Session, len(cfg.Accounts))
	probes := make(map[string]api.SessionProbe, len(cfg.Accounts))
	managers := make(map[string]*session.Manager, len(cfg.Accounts))
	for _, a := range cfg.Accounts {
		baseURL := a.BaseURL
		if baseURL == "" {
			baseURL = cfg.Broker.BaseURL
		}
		gw := broker.NewHTTPGateway(baseURL, a.ID, cfg.Broker.RequestsPerSec, cfg.Broker.HTTPTimeout)
		m := session.NewManager(a.ID, gw, broker.Credentials{Login: a.Login, Password: a.Password, Server: a.Server}, cfg.SessionOptions())
		managers[a.ID] = m
		engineSessions[a.ID] = m
		probes[a.ID] = m
	}
	brokers := func(accountID string) (closer.Broker, error) {
		m, ok := managers[accountID]
		if !ok {
			return nil, fmt.Errorf("no broker session for account %q", accountID)
		}
		return m, nil
	}

	devices := make([]protocol.Device, 0, len(cfg.Devices))
	for _, d := range cfg.Devices {
		devices = append(devices, protocol.Device{ID: d.ID, AccountID: d.AccountID, Secret: d.Secret})
	}
	registry := protocol.NewStaticRegistry(devices)

	// --- Close path ---
	notifier := alert.New(cfg.Alerts.WebhookURL)
	channel := protocol.NewService(queue, st, protocol.Options{
		CloseTTL: cfg.Protocol.CloseTTL,
		EntryTTL: cfg.Protocol.EntryTTL,
	})
	cl := closer.New(st, brokers, closer.Options{
		Attempts:    cfg.Closer.Attempts,
		BackoffMin:  cfg.Closer.BackoffMin,
		BackoffMax:  cfg.Closer.BackoffMax,
		Parallelism: cfg.Closer.Parallelism,
		Notifier:    notifier,
		Dispatcher:  channel,
	})
	channel.SetResolver(cl)
	mon := monitor.New(cl, channel, cfg.Monitor.Buffer)
	channel.SetObserver(mon)

	cal, err := cfg.BuildCalendar()
	if err != nil {
		slog.Error("calendar build failed", "err", err)
		os.Exit(1)
	}
	reconciler := reconcile.NewService(st, cfg.Tolerance(), func() time.Time { return time.Now().UTC() })
	reconciler.SetConfirmer(cl)

	// --- WebSocket hub ---
	hub := api.NewHub(cfg.Server.AllowedOrigins)
	go hub.Run(ctx)

	srv := api.NewServer(api.Deps{
		Store:    st,
		Closer:   cl,
		Channel:  channel,
		Devices:  registry,
		Peaks:    reconciler,
		Sessions: probes,
		Limiter:  exposure.NewLimiter(cfg.Exposure.MaxPerInstrument, cfg.Exposure.MaxCorrelated),
	})
	deviceAuth := &protocol.Authenticator{Devices: registry, Nonces: nonces, Skew: cfg.Protocol.ClockSkew}

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(cfg.Server.RequestTimeout))
	r.Use(metrics.Middleware)

	// CORS middleware for dashboard cross-origin requests.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
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
		w.Write([]byte(`{"status":"ok","service":"risk-bridge"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Mount("/api/v1", srv.Routes(api.TokenVerifier{Secret: []byte(cfg.Auth.JWTSecret)}, deviceAuth.Middleware, hub))

	httpSrv := &http.Server{
		Addr:        ":" + cfg.Server.Port,
		Handler:     r,
		ReadTimeout: 10 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	go func() {
		slog.Info("risk-bridge listening", "port", cfg.Server.Port, "accounts", len(cfg.Accounts))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", "err", err)
			stop()
		}
	}()

	// --- Engine ---
	eng := engine.New(engine.Deps{
		Sessions:   engineSessions,
		Reconciler: reconciler,
		Guards: guard.NewEvaluator(
			guard.NewDrawdownGuard(cfg.DrawdownConfig()),
			guard.NewMarketConditionGuard(cfg.MarketConfig()),
		),
		Calendar: cal,
		Closer:   cl,
		Monitor:  mon,
		Store:    st,
		Notifier: notifier,
		Status:   hub,
	}, engine.Options{
		Interval:      cfg.Engine.Interval,
		Workers:       cfg.Engine.Workers,
		ShutdownGrace: cfg.Engine.ShutdownGrace,
	})
	if err := eng.Run(ctx); err != nil {
		slog.Error("engine error", "err", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	slog.Info("shutting down risk-bridge...")
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	fmt.Println("risk-bridge stopped")
}
