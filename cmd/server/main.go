package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"kvrepl/internal/config"
	"kvrepl/internal/logging"
	"kvrepl/internal/server"

	"go.uber.org/zap"
)

func main() {
	cfg, err := config.Parse(os.Args[1:])
	if err != nil {
		panic(err)
	}

	if err := logging.Init(cfg.LogLevel); err != nil {
		panic(err)
	}
	defer logging.Sync()

	srv, err := server.New(cfg)
	if err != nil {
		logging.Fatal("startup failed", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		logging.Info("shutting down")
		cancel()
	}()

	logging.Info("starting", zap.String("host", cfg.Host), zap.Int("port", cfg.Port), zap.String("role", string(cfg.Role)))
	if err := srv.Run(ctx); err != nil {
		logging.Fatal("server exited with error", zap.Error(err))
	}
}
