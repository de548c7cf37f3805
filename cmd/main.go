package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/kcolemangt/tierproxy/config"
	"github.com/kcolemangt/tierproxy/handler"
	"github.com/kcolemangt/tierproxy/logging"
	"github.com/kcolemangt/tierproxy/metrics"
	"github.com/kcolemangt/tierproxy/model"
	"github.com/kcolemangt/tierproxy/proxy"
)

const shutdownTimeout = 10 * time.Second

func main() {
	// Initialize command-line flags
	configFile, listeningPort, logLevel := config.InitFlags()

	// Initialize the logger
	logger, err := logging.NewLogger(logLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	// Load the configuration
	cfg, err := config.LoadConfig(configFile, listeningPort, model.DefaultConfig(), logger)
	if err != nil {
		logger.Fatal("Failed to load configuration", zap.Error(err))
	}

	printBanner(*cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, *cfg, logger); err != nil {
		logger.Fatal("Server error", zap.Error(err))
	}
}

// run wires the proxy together and serves until ctx is canceled, then
// drains in-flight requests before returning.
func run(ctx context.Context, cfg model.Config, logger *zap.Logger) error {
	client := proxy.NewUpstreamClient(cfg.Upstream)
	defer client.Close()

	m := metrics.New(prometheus.NewRegistry())
	routes := proxy.NewRouteTable(cfg)
	fwd := proxy.NewForwarder(routes, client, cfg.Retry, logger, m)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.ListeningPort),
		Handler:           handler.NewRouter(cfg, fwd, m, logger),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
		// No write timeout: it would sever long-lived streaming responses.
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Starting server", zap.Int("port", cfg.ListeningPort))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// printBanner reports the resolved routing setup on stdout so operators
// can see at a glance where each tier goes.
func printBanner(cfg model.Config) {
	line := strings.Repeat("=", 78)
	fmt.Println(line)
	fmt.Println("  tierproxy: model-tier routing proxy for Anthropic-style APIs")
	fmt.Println(line)
	fmt.Printf("\nPort: %d\n\nModel Tier Configuration:\n", cfg.ListeningPort)

	for _, tier := range cfg.Tiers {
		provider := cfg.AnthropicBaseURL + " (caller credentials)"
		if tier.BaseURL != "" {
			provider = tier.BaseURL
		}
		keyState := "not set"
		if tier.APIKey != "" {
			keyState = "set"
		}
		fmt.Printf("  %-8s model: %s\n", tier.Name, tier.Model)
		fmt.Printf("           provider: %s\n", provider)
		fmt.Printf("           api key: %s\n", keyState)
	}

	fmt.Printf("\nRequests for any other model pass through to %s\n", cfg.AnthropicBaseURL)
	fmt.Printf("Point clients at http://localhost:%d\n", cfg.ListeningPort)
	fmt.Println(line)
}
