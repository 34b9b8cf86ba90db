package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"voicebridge-server/pkg/config"
	http_server "voicebridge-server/pkg/http"
	"voicebridge-server/pkg/messaging"
	"voicebridge-server/pkg/metrics"
	"voicebridge-server/pkg/tools"
)

var logger = logrus.New()

func main() {
	cfg, err := config.Load(logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to load configuration")
	}
	if err := cfg.SetupLogger(logger); err != nil {
		logger.WithError(err).Fatal("Failed to configure logging")
	}

	metrics.Init(logger)
	metrics.StartMetrics(logger, cfg.HTTP.MetricsEnabled)
	logger.Info("Metrics system initialized")

	registry := tools.NewRegistry(&cfg.Tools)
	logger.Info("Tool registry initialized")

	sink, err := messaging.NewSink(logger, &cfg.Messaging)
	if err != nil {
		logger.WithError(err).Fatal("Failed to connect event sink")
	}

	server := http_server.NewServer(logger, cfg, registry, sink)

	errChan := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- err
		}
	}()
	logger.WithField("port", cfg.HTTP.Port).Info("Voice bridge started")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigChan:
		logger.WithField("signal", sig.String()).Info("Shutdown signal received")
	case err := <-errChan:
		logger.WithError(err).Error("HTTP server failed")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("HTTP server shutdown error")
	} else {
		logger.Info("HTTP server shut down successfully")
	}

	if err := sink.Close(); err != nil {
		logger.WithError(err).Error("Event sink close error")
	}

	logger.Info("Application shut down gracefully")
}
