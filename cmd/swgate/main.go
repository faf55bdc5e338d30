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
	"syscall"
	"time"

	"swgate/internal/swgate"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", getenvDefault("SWGATE_CONFIG", "/swgate.yaml"), "path to swgate.yaml")
	flag.Parse()

	cfg, err := swgate.LoadConfig(configPath)
	if err != nil {
		fatal(slog.Default(), "load config", err)
	}
	logger := newLogger(cfg.Logging.Level)

	svc, err := swgate.NewService(cfg, logger)
	if err != nil {
		fatal(logger, "init service", err)
	}
	defer svc.Close()

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		fatal(logger, "listen "+addr, err)
	}

	srv := &http.Server{
		Handler:           svc.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		logger.Info("swgate listening", "addr", addr, "origin", cfg.Server.Origin)
		err := srv.Serve(ln)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", "error", err)
			stop()
		}
	}()

	// Serve straight through while the core assets are pre-warmed.
	go func() {
		if err := svc.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("lifecycle", "error", err)
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}

func fatal(logger *slog.Logger, msg string, err error) {
	logger.Error(msg, "error", err)
	os.Exit(1)
}

func getenvDefault(name, def string) string {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	return v
}
