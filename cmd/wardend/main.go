package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/wardenhub/warden-gateway/internal/config"
	"github.com/wardenhub/warden-gateway/internal/logging"
	"github.com/wardenhub/warden-gateway/internal/notify"
	"github.com/wardenhub/warden-gateway/internal/orchestrator"
	"github.com/wardenhub/warden-gateway/internal/policy"
	"github.com/wardenhub/warden-gateway/internal/router"
	"github.com/wardenhub/warden-gateway/internal/scheduler"
	"github.com/wardenhub/warden-gateway/internal/server"
	"github.com/wardenhub/warden-gateway/internal/store"
	"github.com/wardenhub/warden-gateway/internal/tools"
	"github.com/wardenhub/warden-gateway/internal/transport"
)

const version = "1.0.0"

func main() {
	configPath := flag.String("config", "config.yaml", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logging.WithComponent("main").Error("Failed to load config", "error", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		logging.WithComponent("main").Error("Invalid config", "error", err)
		os.Exit(1)
	}

	logging.Configure(cfg.Logging.Level, cfg.Logging.Format)
	logger := logging.WithComponent("main")
	logger.Info("Starting Warden-Gateway", "version", version)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Store backend
	var st store.Store
	switch cfg.Store.Backend {
	case "redis":
		st, err = store.NewRedisStore(store.RedisConfig{
			Addr:     cfg.Store.Addr,
			Password: cfg.Store.Password,
			DB:       cfg.Store.DB,
		})
		if err != nil {
			logger.Error("Failed to connect to Redis", "error", err)
			os.Exit(1)
		}
		logger.Info("Redis store connected", "addr", cfg.Store.Addr)
	default:
		st = store.NewMemoryStore()
		logger.Info("In-memory store initialized")
	}
	defer st.Close()

	// Capability router
	rt, err := router.NewFromConfig(cfg, logging.WithComponent("router"))
	if err != nil {
		logger.Error("Failed to create capability router", "error", err)
		os.Exit(1)
	}

	// Policy engine and notifiers
	gate := policy.NewEngine(st, logging.WithComponent("policy"))

	hub := transport.NewHub(logging.WithComponent("transport"))
	gate.AddNotifier(hub)

	if cfg.Notifiers.Telegram.Enabled && cfg.Notifiers.Telegram.Token != "" {
		tg := notify.NewTelegramNotifier(cfg.Notifiers.Telegram.Token, cfg.Notifiers.Telegram.ChatID, gate, logging.WithComponent("telegram"))
		if err := tg.Start(ctx); err != nil {
			logger.Error("Failed to start Telegram notifier", "error", err)
		} else {
			gate.AddNotifier(tg)
			logger.Info("Telegram notifier started")
		}
	}
	if cfg.Notifiers.Discord.Enabled && cfg.Notifiers.Discord.Token != "" {
		dc := notify.NewDiscordNotifier(cfg.Notifiers.Discord.Token, cfg.Notifiers.Discord.ChannelID, gate, logging.WithComponent("discord"))
		if err := dc.Start(ctx); err != nil {
			logger.Error("Failed to start Discord notifier", "error", err)
		} else {
			gate.AddNotifier(dc)
			logger.Info("Discord notifier started")
		}
	}

	// Orchestrator
	registry := tools.NewBuiltinRegistry()
	canceller := orchestrator.NewCanceller()
	orch := orchestrator.New(rt, st, gate, registry, canceller, cfg.Policy.GetWaitBudget(), logging.WithComponent("orchestrator"))

	// Expiry sweep
	sched := scheduler.New(gate, cfg.Policy.GetPendingMaxAge(), logging.WithComponent("scheduler"))
	sched.Start()
	defer sched.Stop()
	logger.Info("Scheduler started")

	// HTTP server
	wsHandler := transport.NewHandler(hub, orch, gate, logging.WithComponent("transport"))
	srv := server.New(cfg, rt, gate, st, hub, wsHandler, logging.WithComponent("server"))

	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			logger.Error("HTTP server failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Shutdown error", "error", err)
	}
	logger.Info("Goodbye")
}
