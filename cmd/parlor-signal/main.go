package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"github.com/parlorchat/parlor/internal/auth"
	"github.com/parlorchat/parlor/internal/config"
	"github.com/parlorchat/parlor/internal/httpserver"
	"github.com/parlorchat/parlor/internal/metrics"
	"github.com/parlorchat/parlor/internal/signaling"
	"github.com/parlorchat/parlor/internal/store"
)

var (
	// Set via -ldflags at build time. Values may be empty in local/dev builds.
	buildCommit = ""
	buildTime   = ""
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger, err := config.NewLogger(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	slog.SetDefault(logger)

	logger.Info("starting parlor-signal",
		"listen_addr", cfg.ListenAddr,
		"public_base_url", cfg.PublicBaseURL,
		"mode", cfg.Mode,
		"redis_url_set", cfg.RedisURL != "",
		"room_ttl", cfg.RoomTTL,
		"max_signaling_message_bytes", cfg.MaxSignalingMessageBytes,
		"max_signaling_messages_per_second", cfg.MaxSignalingMessagesPerSecond,
		"message_rate_limit", cfg.MessageRateLimit,
		"message_rate_window", cfg.MessageRateWindow,
	)

	verifier, err := auth.NewVerifier(cfg)
	if err != nil {
		logger.Error("failed to configure auth", "err", err)
		os.Exit(2)
	}
	if cfg.Mode == config.ModeDev && cfg.JWTSecret == "" {
		logger.Warn("JWT_SECRET not set; accepting unsigned tokens (dev mode only)")
	}

	st, err := newStore(cfg, logger)
	if err != nil {
		logger.Error("failed to configure store", "err", err)
		os.Exit(2)
	}
	defer func() {
		if err := st.Close(); err != nil {
			logger.Warn("store close", "err", err)
		}
	}()

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		logger.Error("failed to listen", "err", err)
		os.Exit(1)
	}

	m := metrics.New()
	srv := httpserver.New(cfg, logger, resolveBuildInfo(buildCommit, buildTime), st, m)
	sig := signaling.NewServer(cfg, logger, verifier, st, m)
	sig.RegisterRoutes(srv.Mux())

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-errCh:
		sig.Close()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server exited", "err", err)
			os.Exit(1)
		}
		return
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown failed", "err", err)
	}
	sig.Close()

	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("http server exited after shutdown", "err", err)
		os.Exit(1)
	}
}

func newStore(cfg config.Config, logger *slog.Logger) (store.Store, error) {
	if cfg.RedisURL != "" {
		rs, err := store.NewRedisStore(cfg.RedisURL, cfg.RoomTTL)
		if err != nil {
			return nil, err
		}
		return rs, nil
	}
	logger.Warn("REDIS_URL not set; room and user documents are kept in memory")
	return store.NewMemoryStore(), nil
}

func resolveBuildInfo(commit, buildTime string) httpserver.BuildInfo {
	// Prefer ldflags-injected values (production builds) but fall back to the Go
	// build info when available (useful for `go run` / dev builds).
	if bi, ok := debug.ReadBuildInfo(); ok {
		for _, s := range bi.Settings {
			switch s.Key {
			case "vcs.revision":
				if commit == "" {
					commit = s.Value
				}
			case "vcs.time":
				if buildTime == "" {
					buildTime = s.Value
				}
			}
		}
	}

	return httpserver.BuildInfo{Commit: commit, BuildTime: buildTime}
}
