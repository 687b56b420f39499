package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/relaytun/relaytun/internal/server"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	configPath := flag.String("config", "", "path to config file (default: /etc/relaytun/server.yaml)")
	flag.Parse()

	slog.Info("starting relaytun server")

	cfg, certPEM, keyPEM, err := loadConfig(*configPath)
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("configuration loaded",
		"listen_addr", cfg.ListenAddr,
		"tls_mode", cfg.TLSMode,
		"auth_required", cfg.Auth.Required,
		"tunnel_port_range", cfg.TunnelPortRange,
	)

	srv := server.New(cfg)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		slog.Info("public listener starting", "addr", cfg.ListenAddr)
		errCh <- srv.ListenAndServe(ctx, certPEM, keyPEM)
	}()

	select {
	case <-ctx.Done():
		slog.Info("received shutdown signal")
		<-errCh // wait for ListenAndServe to close every session
	case err := <-errCh:
		if err != nil {
			slog.Error("server exited with error", "error", err)
			os.Exit(1)
		}
	}

	slog.Info("relaytun server shut down cleanly")
}
