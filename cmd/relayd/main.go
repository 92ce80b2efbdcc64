// Command relayd runs the canvas relay server: websocket rooms, rebroadcast,
// and the monitoring endpoints.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/collabcanvas/go-canvas-sync/config"
	"github.com/collabcanvas/go-canvas-sync/logging"
	"github.com/collabcanvas/go-canvas-sync/relay"
)

func main() {
	configPath := flag.String("config", "", "path to TOML configuration file")
	addr := flag.String("addr", "", "listen address (overrides config)")
	flag.Parse()

	cfg := config.DefaultConfig()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			logging.Init(logging.DefaultConfig)
			logging.Default().Error("cannot load configuration",
				"path", *configPath, "error", err.Error())
			os.Exit(1)
		}
		cfg = loaded
	}
	if *addr != "" {
		cfg.Relay.Addr = *addr
	}

	logging.Init(logging.Config{
		Level:       cfg.Log.Level,
		Format:      cfg.Log.Format,
		Environment: "prod",
	})
	logger := logging.Default()

	server := relay.NewServer(relay.Options{
		Addr:           cfg.Relay.Addr,
		MaxConnections: cfg.Relay.MaxConnections,
		MaxMessageSize: cfg.Relay.MaxMessageSize,
		PingInterval:   cfg.Relay.PingInterval,
		PongTimeout:    cfg.Relay.PongTimeout,
		Logger:         logger,
	})

	errCh := make(chan error, 1)
	go func() { errCh <- server.ListenAndServe() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("shutting down", "signal", sig.String())
		ctx, cancel := context.WithTimeout(context.Background(), cfg.Relay.ShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil {
			logger.Error("shutdown incomplete", "error", err.Error())
			os.Exit(1)
		}
	case err := <-errCh:
		if err != nil {
			logger.Error("relay failed", "error", err.Error())
			os.Exit(1)
		}
	}
}
