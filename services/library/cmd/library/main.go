package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
	"libraryrecords/internal/ratelimit"
	"libraryrecords/internal/util"
	"libraryrecords/pkg/events"
	"libraryrecords/services/library/internal/app"
	"libraryrecords/services/library/internal/config"
	"libraryrecords/services/library/internal/server"
)

func main() {
	cfg, err := config.Load(config.ConfigPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger := util.InitLogger(cfg.LogLevel)

	trusted, err := util.NewTrustedProxies(cfg.TrustedProxyCIDRs)
	if err != nil {
		util.Fatal("failed to parse trusted proxies", "err", err)
	}

	appCfg := app.Config{
		DatabaseDriver: cfg.DatabaseDriver,
		DatabaseURL:    cfg.DatabaseURL,
	}
	var limiter *ratelimit.FixedWindowLimiter
	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
		})
		defer client.Close()
		pingCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		err := client.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			util.Fatal("failed to connect redis", "addr", cfg.RedisAddr, "err", err)
		}
		stream, err := events.NewRedisStream(events.RedisStreamConfig{Client: client, Stream: cfg.EventStream})
		if err != nil {
			util.Fatal("failed to init ledger event stream", "err", err)
		}
		appCfg.Events = stream
		if cfg.WriteRateLimitPerMinute > 0 {
			limiter, err = ratelimit.NewFixedWindowLimiter(ratelimit.Config{
				Client: client,
				Prefix: "library:ratelimit:write",
				Limit:  cfg.WriteRateLimitPerMinute,
				Window: time.Minute,
			})
			if err != nil {
				util.Fatal("failed to init write limiter", "err", err)
			}
		}
	}

	appCore, err := app.New(appCfg)
	if err != nil {
		util.Fatal("failed to init app", "err", err)
	}
	defer appCore.Close()

	httpServer, err := server.New(server.Config{
		App:            appCore,
		WriteLimiter:   limiter,
		TrustedProxies: trusted,
	})
	if err != nil {
		util.Fatal("failed to init server", "err", err)
	}

	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:         addr,
		Handler:      httpServer.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("library server listening", "addr", addr, "driver", cfg.DatabaseDriver)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	if err := g.Wait(); err != nil {
		logger.Error("server error", "err", err)
	}
	slog.Info("library server stopped")
}
