package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"github.com/sHx2604/relay/internal/auth"
	"github.com/sHx2604/relay/internal/config"
	"github.com/sHx2604/relay/internal/devicebus"
	"github.com/sHx2604/relay/internal/httpapi"
	"github.com/sHx2604/relay/internal/mqtt"
	"github.com/sHx2604/relay/internal/observability"
	"github.com/sHx2604/relay/internal/realtime"
	"github.com/sHx2604/relay/internal/reconcile"
	"github.com/sHx2604/relay/internal/relays"
	"github.com/sHx2604/relay/internal/store"
	"github.com/sHx2604/relay/internal/timers"
)

const serviceName = "relay-bridge"

func setupLogger(level, format string) {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}
	var h slog.Handler = slog.NewTextHandler(os.Stdout, opts)
	if strings.EqualFold(format, "json") {
		h = slog.NewJSONHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(h))
}

func openDB(cfg config.Config) (*gorm.DB, error) {
	if cfg.DBDriver == "postgres" {
		return store.OpenPostgres(
			cfg.Postgres.User,
			cfg.Postgres.Password,
			cfg.Postgres.DBName,
			cfg.Postgres.Host,
			cfg.Postgres.Port,
			cfg.Postgres.SSLMode,
		)
	}
	return store.OpenSQLite(cfg.SQLitePath)
}

func openReportCache(ctx context.Context, cfg config.Config) *store.ReportCache {
	if cfg.RedisAddr == "" {
		return nil
	}
	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		slog.Warn("redis unavailable, device reports will not be cached", "addr", cfg.RedisAddr, "error", err)
		_ = rdb.Close()
		return nil
	}
	return store.NewReportCache(rdb)
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", "error", err)
		os.Exit(1)
	}
	setupLogger(cfg.LogLevel, cfg.LogFormat)

	shutdownObs, promHandler, tracer, err := observability.SetupObservability(serviceName, cfg.OTLPEndpoint)
	if err != nil {
		slog.Error("observability setup failed", "error", err)
		os.Exit(1)
	}
	defer shutdownObs()

	db, err := openDB(cfg)
	if err != nil {
		slog.Error("db connect failed", "driver", cfg.DBDriver, "error", err)
		os.Exit(1)
	}
	repo, err := store.New(db)
	if err != nil {
		slog.Error("db init failed", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cache := openReportCache(ctx, cfg)

	secret := cfg.SessionSecret
	if secret == "" {
		secret, err = auth.RandomSecret()
		if err != nil {
			slog.Error("session secret generation failed", "error", err)
			os.Exit(1)
		}
		slog.Warn("SESSION_SECRET not set, sessions will not survive a restart")
	}
	sessions := auth.NewSessions(secret, cfg.SessionTTL)

	cli, err := mqtt.New(mqtt.Options{
		BrokerURL:         cfg.MQTT.BrokerURL,
		Username:          cfg.MQTT.Username,
		Password:          cfg.MQTT.Password,
		ClientIDPrefix:    cfg.MQTT.ClientID,
		ReconnectInterval: cfg.MQTT.ReconnectInterval,
	})
	if err != nil {
		slog.Error("mqtt setup failed", "error", err)
		os.Exit(1)
	}

	hub := realtime.NewHub()
	bus := devicebus.New(cli)
	svc := relays.New(repo, bus, hub, relays.WithReportCache(cache))
	bus.SetStatusHandler(reconcile.New(repo, svc).HandleMessage)
	cli.OnConnect(bus.Reprobe)

	engine := timers.New(repo, bus, svc, cfg.TimerSchedule)
	if err := engine.Start(ctx); err != nil {
		slog.Error("timer engine start failed", "error", err)
		os.Exit(1)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	mux.Handle("/metrics", promHandler)

	srv := httpapi.NewServer(svc, sessions, hub, httpapi.Options{
		CORSOrigins: cfg.CORSOrigins,
		StaticDir:   cfg.StaticDir,
		Middleware:  []func(http.Handler) http.Handler{observability.MetricsAndTracingMiddleware(tracer, serviceName)},
	})
	srv.Register(mux)

	httpSrv := &http.Server{Addr: ":" + cfg.Port, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		slog.Info("relay-bridge started", "port", cfg.Port, "db", cfg.DBDriver, "broker", cfg.MQTT.BrokerURL)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	cancel()

	engine.Stop()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("graceful shutdown failed", "error", err)
	}
	cli.Disconnect(250)

	slog.Info("relay-bridge stopped")
}
