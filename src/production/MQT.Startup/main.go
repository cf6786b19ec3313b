package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	container "gitlab.com/maplesense1/mpt.telemetry_bridge/src/production/MQT.Container"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Initialize dependency injection container
	ctr, err := container.NewContainer(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize container: %v\n", err)
		os.Exit(1)
	}

	logger := ctr.GetLogger()
	cfg := ctr.GetConfig()
	logger.Logger.Info().
		Str("version", container.Version).
		Str("broker", cfg.MQTT.GetMQTTBrokerURL()).
		Msg("Starting MQTT telemetry bridge")

	if err := ctr.Start(ctx); err != nil {
		logger.ErrorWithError(err, "Failed to start MQTT manager")
		_ = ctr.Shutdown(context.Background())
		os.Exit(1)
	}

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- ctr.Serve()
	}()

	select {
	case <-ctx.Done():
		logger.Info("Shutdown signal received")
	case err := <-serverErr:
		if err != nil {
			logger.ErrorWithError(err, "HTTP server failed")
		}
	}

	// Give outstanding requests and in-flight readings time to finish
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownGrace+5*time.Second)
	defer cancel()
	if err := ctr.Shutdown(shutdownCtx); err != nil {
		fmt.Fprintf(os.Stderr, "Shutdown completed with errors: %v\n", err)
		os.Exit(1)
	}
}
