package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"tabmind/internal/app"
	"tabmind/internal/config"
	"tabmind/internal/logging"
)

const shutdownTimeout = 10 * time.Second

func main() {
	envPath, loaded, envErr := loadEnvFile()

	cfg, err := config.Load()
	if err != nil {
		logrus.Fatalf("load config failed: %v", err)
	}
	logger := logging.Init(cfg.LogLevel, cfg.LogFormat)
	if envErr != nil {
		logger.WithError(envErr).WithField("path", envPath).Warn("failed to read env file")
	} else if loaded > 0 {
		logger.WithFields(logrus.Fields{"path": envPath, "keys": loaded}).Info("env file loaded")
	}

	srv, err := app.NewServerWithLogger(cfg, logger)
	if err != nil {
		logger.Fatalf("init server failed: %v", err)
	}

	httpServer := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.WithFields(logrus.Fields{
			"addr":    cfg.Addr(),
			"storage": cfg.Storage,
		}).Info("gateway listening")
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			srv.Close()
			logger.Fatalf("listen failed: %v", err)
		}
	case <-ctx.Done():
		logger.Info("shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("http shutdown incomplete")
	}
	srv.Close()
}
