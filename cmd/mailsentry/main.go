package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/mikey/mailsentry/internal/adapters/httpapi"
	"github.com/mikey/mailsentry/internal/config"
	"github.com/mikey/mailsentry/internal/core"
	"github.com/mikey/mailsentry/internal/di"
	"github.com/mikey/mailsentry/internal/ports"
	"github.com/mikey/mailsentry/internal/rewriter"
	"github.com/mikey/mailsentry/internal/sandbox"
)

func main() {
	// Build the dependency injection container
	container, err := di.BuildContainer()
	if err != nil {
		fmt.Printf("Failed to build dependency container: %v\n", err)
		os.Exit(1)
	}

	// Run the application
	if err := container.Invoke(run); err != nil {
		fmt.Printf("Application error: %v\n", err)
		os.Exit(1)
	}
}

// run is the main application function that gets all dependencies injected
func run(
	cfg *config.Config,
	logger *zap.Logger,
	server *httpapi.Server,
	gateway ports.MessageGateway,
	orchestrator *sandbox.Orchestrator,
	rw *rewriter.Rewriter,
	cache core.ReputationCache,
	store core.VerdictStore,
	events core.EventPublisher,
) error {
	defer logger.Sync()

	// Start the HTTP surface
	httpErrCh := make(chan error, 1)
	go func() {
		httpErrCh <- server.Start()
	}()

	// Start the SMTP gateway when enabled
	if gateway != nil {
		if err := gateway.Start(); err != nil {
			logger.Fatal("Failed to start SMTP gateway", zap.Error(err))
			return err
		}
	}

	// Expire stale link handles periodically
	cleanupFreq, err := cfg.GetDuration("rewriter.cleanup_frequency")
	if err != nil {
		cleanupFreq = time.Hour
	}
	cleanupStop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(cleanupFreq)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if removed := rw.Cleanup(); removed > 0 {
					logger.Debug("Expired link handles removed", zap.Int("count", removed))
				}
			case <-cleanupStop:
				return
			}
		}
	}()

	// Handle graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-sigCh:
		logger.Info("Shutting down...")
	case err := <-httpErrCh:
		if err != nil {
			logger.Error("HTTP server failed", zap.Error(err))
		}
	}

	close(cleanupStop)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Stop(shutdownCtx); err != nil {
		logger.Error("Failed to stop HTTP server", zap.Error(err))
	}

	if gateway != nil {
		if err := gateway.Stop(); err != nil {
			logger.Error("Failed to stop SMTP gateway", zap.Error(err))
		}
	}

	orchestrator.Stop()

	if err := events.Close(); err != nil {
		logger.Error("Failed to close event publisher", zap.Error(err))
	}

	// Close any resources that need closing
	if stopper, ok := cache.(interface{ Stop() }); ok {
		stopper.Stop()
	}
	if closer, ok := store.(interface{ Close() error }); ok {
		if err := closer.Close(); err != nil {
			logger.Error("Failed to close verdict store", zap.Error(err))
		}
	}

	logger.Info("Shutdown complete")
	return nil
}
