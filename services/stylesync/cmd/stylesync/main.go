package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"styleai/internal/ratelimit"
	"styleai/internal/usertoken"
	"styleai/internal/util"
	"styleai/services/stylesync/internal/app"
	"styleai/services/stylesync/internal/config"
	"styleai/services/stylesync/internal/server"
)

func main() {
	cfg, err := config.Load(config.Path())
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	logger := util.InitLogger(cfg.LogLevel)

	trusted, err := util.ParseTrustedProxies(cfg.TrustedProxies)
	if err != nil {
		log.Fatalf("failed to parse trusted proxies: %v", err)
	}

	initCtx, cancelInit := context.WithTimeout(context.Background(), 15*time.Second)
	tokenVerifier, err := usertoken.NewVerifier(initCtx, usertoken.Config{
		JWKSURL:    cfg.AuthJWKSURL,
		Issuer:     cfg.AuthIssuer,
		Audience:   cfg.AuthAudience,
		HTTPClient: &http.Client{Timeout: 5 * time.Second},
	})
	cancelInit()
	if err != nil {
		log.Fatalf("failed to init jwks verifier: %v", err)
	}

	loginLimiter, err := ratelimit.NewRedisFixedWindowLimiter(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisKeyPrefix+":ratelimit:login", cfg.LoginLimitPerMinute, time.Minute)
	if err != nil {
		log.Fatalf("failed to init login limiter: %v", err)
	}

	appCore, err := app.New(app.ConfigFrom(cfg, logger))
	if err != nil {
		log.Fatalf("failed to init app: %v", err)
	}

	httpServer, err := server.New(server.Config{
		App:            appCore,
		TokenVerifier:  tokenVerifier,
		LoginLimiter:   loginLimiter,
		TrustedProxies: trusted,
	})
	if err != nil {
		log.Fatalf("failed to init server: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	appCore.Start(ctx)

	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:         addr,
		Handler:      httpServer.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("http shutdown", "err", err)
		}
	}()

	slog.Info("stylesync listening", "addr", addr, "strategy", cfg.SyncStrategy, "change_feed", cfg.ChangeFeed)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("server error", "err", err)
	}
	stop()
	if err := appCore.Close(); err != nil {
		logger.Warn("shutdown", "err", err)
	}
}
