package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/webdecoy/humancheck/internal/abuse"
	"github.com/webdecoy/humancheck/internal/config"
	"github.com/webdecoy/humancheck/internal/metrics"
	"github.com/webdecoy/humancheck/internal/nonce"
	"github.com/webdecoy/humancheck/internal/risk"
	"github.com/webdecoy/humancheck/internal/server"
	"github.com/webdecoy/humancheck/internal/verify"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()

	clk := clock.New()
	limits := abuse.Limits{
		RateWindow:     cfg.RateWindow,
		IssueLimit:     cfg.NonceLimit,
		VerifyLimit:    cfg.VerifyLimit,
		AbuseWindow:    cfg.AbuseWindow,
		AbuseThreshold: cfg.AbuseThreshold,
		BanDuration:    cfg.BanDuration,
	}

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	var store nonce.Store
	var guard abuse.Guard
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			logger.Fatal("redis url", zap.Error(err))
		}
		client := redis.NewClient(opts)
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		if err := client.Ping(pingCtx).Err(); err != nil {
			cancel()
			logger.Fatal("redis unreachable", zap.Error(err))
		}
		cancel()
		store = nonce.NewRedisStore(client)
		guard = abuse.NewRedisGuard(client, limits)
		logger.Info("using redis-backed stores")
	} else {
		store = nonce.NewMemoryStore()
		memGuard := abuse.NewMemoryGuard(clk, limits)
		guard = memGuard
		go memGuard.Run(ctx, cfg.SweepInterval)
	}

	authority := nonce.NewAuthority(store, clk, cfg.NonceTTL)
	go authority.Run(ctx, cfg.SweepInterval)

	svc := verify.New(verify.Options{
		Secret:         cfg.Secret,
		ScoreThreshold: cfg.ScoreThreshold,
		MaxClockSkew:   cfg.MaxClockSkew,
	}, authority, guard, risk.NewEngine(), clk, logger)

	srv := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      server.New(svc, metrics.New(), logger).Router(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("humancheck server starting", zap.String("addr", cfg.ListenAddr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down")
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Fatal("shutdown error", zap.Error(err))
	}
}
