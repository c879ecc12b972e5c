package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/quillvec/quillvec/internal/server"
)

func main() {
	configPath := flag.String("config", "", "path to the YAML config file")
	httpAddr := flag.String("http-addr", "", "HTTP API listen address (overrides config)")
	tcpAddr := flag.String("tcp-addr", "", "line protocol listen address (overrides config)")
	aofPath := flag.String("aof-path", "", "append-only log path (overrides config)")
	snapshotPath := flag.String("snapshot-path", "", "snapshot file path (overrides config)")
	flag.Parse()

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, nil)))

	cfg := server.DefaultConfig()
	if *configPath != "" {
		loaded, err := server.LoadConfig(*configPath)
		if err != nil {
			slog.Error("failed to load config", "error", err)
			os.Exit(1)
		}
		cfg = loaded
	}
	if *httpAddr != "" {
		cfg.HTTPAddr = *httpAddr
	}
	if *tcpAddr != "" {
		cfg.TCPAddr = *tcpAddr
	}
	if *aofPath != "" {
		cfg.AOF.Path = *aofPath
	}
	if *snapshotPath != "" {
		cfg.SnapshotPath = *snapshotPath
	}

	srv, err := server.New(cfg)
	if err != nil {
		slog.Error("failed to start server", "error", err)
		os.Exit(1)
	}

	shutdownChan := make(chan os.Signal, 1)
	signal.Notify(shutdownChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		if err := srv.Start(); err != nil {
			slog.Error("server exited", "error", err)
			os.Exit(1)
		}
	}()

	<-shutdownChan
	slog.Info("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("shutdown error", "error", err)
		os.Exit(1)
	}
}
