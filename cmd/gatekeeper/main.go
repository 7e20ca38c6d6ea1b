package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"sentinel-gateway/internal/analytics"
	"sentinel-gateway/internal/bot"
	"sentinel-gateway/internal/captcha"
	"sentinel-gateway/internal/challenge"
	"sentinel-gateway/internal/config"
	"sentinel-gateway/internal/modules/audit"
	"sentinel-gateway/internal/settings"
	"sentinel-gateway/internal/storage"
	"sentinel-gateway/internal/timer"

	"go.uber.org/zap"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger, err := config.BuildLogger(cfg.LogLevel)
	if err != nil {
		panic(err)
	}
	defer func() {
		_ = logger.Sync()
	}()

	startCtx, cancelStart := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelStart()

	store, err := storage.Open(startCtx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("storage init failed", zap.Error(err))
	}
	defer store.Close()

	scope := cfg.Gateway.MainGuildID
	if scope == "" {
		scope = "default"
	}
	settingsStore, err := settings.Open(startCtx, store, scope, logger)
	if err != nil {
		logger.Fatal("settings init failed", zap.Error(err))
	}

	generator, err := challenge.NewGenerator()
	if err != nil {
		logger.Fatal("captcha generator init failed", zap.Error(err))
	}

	auditLogger := audit.NewLogger(store, logger)
	analyticsEngine := analytics.New(store)

	botSvc, err := bot.New(cfg, logger, auditLogger, analyticsEngine)
	if err != nil {
		logger.Fatal("bot init failed", zap.Error(err))
	}

	module := captcha.New(captcha.Deps{
		Platform:  botSvc.Platform(),
		Store:     store,
		Settings:  settingsStore,
		Generator: generator,
		Clock:     timer.Real(),
		Logger:    logger,
		Audit:     auditLogger,
	}, captcha.Options{
		MainGuildID:   cfg.Gateway.MainGuildID,
		GuildCap:      cfg.Gateway.GuildCap,
		SweepSchedule: cfg.Gateway.SweepSchedule,
	})
	botSvc.Attach(module)

	if err := botSvc.Start(); err != nil {
		logger.Fatal("bot start failed", zap.Error(err))
	}
	logger.Info("bot started")

	if module.Enabled() {
		if err := module.Load(context.Background()); err != nil {
			logger.Error("captcha gateway load failed", zap.Error(err))
		}
		if err := module.StartSweep(); err != nil {
			logger.Error("sweep schedule failed", zap.Error(err))
		}
	}
	botSvc.Release()

	var server *http.Server
	if cfg.Health.Enabled {
		mux := http.NewServeMux()
		mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ok"))
		})
		server = &http.Server{Addr: cfg.Health.Addr, Handler: mux}
		go func() {
			logger.Info("health endpoint enabled", zap.String("addr", cfg.Health.Addr))
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("health server error", zap.Error(err))
			}
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	logger.Info("shutdown requested")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if server != nil {
		_ = server.Shutdown(ctx)
	}
	module.Close()
	botSvc.Close(ctx)
}
