package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/zde37/rangedht/internal/api"
	"github.com/zde37/rangedht/internal/config"
	"github.com/zde37/rangedht/internal/dht"
	"github.com/zde37/rangedht/internal/metrics"
	"github.com/zde37/rangedht/internal/transport"
	"github.com/zde37/rangedht/pkg"
)

func main() {
	configPath := flag.String("config", "", "Path to a YAML config file")
	host := flag.String("host", "127.0.0.1", "Host address to bind to")
	port := flag.Int("port", 7001, "Port for the node gRPC server")
	httpPort := flag.Int("http-port", 8080, "Port for HTTP API server (0 disables it)")
	home := flag.String("home", "./data", "Directory holding the node's blocks")
	bootstrap := flag.String("bootstrap", "", "Comma separated bootstrap node addresses (host:port)")
	authToken := flag.String("auth-token", "", "Shared secret required from peers")
	logLevel := flag.String("log-level", "info", "Log level (trace, debug, info, warn, error)")
	logFormat := flag.String("log-format", "console", "Log format (json, console)")
	logFile := flag.String("log-file", "", "Rotated log file, in addition to the console")
	flag.Parse()

	cfg := config.DefaultConfig()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
			os.Exit(1)
		}
		cfg = loaded
	}

	// flags given explicitly win over the config file
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "host":
			cfg.Host = *host
		case "port":
			cfg.Port = *port
		case "http-port":
			cfg.HTTPPort = *httpPort
		case "home":
			cfg.HomeDir = *home
		case "bootstrap":
			cfg.BootstrapNodes = splitAddrs(*bootstrap)
		case "auth-token":
			cfg.AuthToken = *authToken
		case "log-level":
			cfg.LogLevel = *logLevel
		case "log-format":
			cfg.LogFormat = *logFormat
		case "log-file":
			cfg.LogFile = *logFile
		}
	})

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(1)
	}

	loggerConfig := pkg.DefaultConfig()
	loggerConfig.Level = cfg.LogLevel
	loggerConfig.Format = cfg.LogFormat
	if cfg.LogFile != "" {
		loggerConfig.File.Enable = true
		loggerConfig.File.Path = cfg.LogFile
	}

	logger, err := pkg.New(loggerConfig)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Close()

	logger.Info().
		Str("address", cfg.Address()).
		Int("http_port", cfg.HTTPPort).
		Str("home", cfg.HomeDir).
		Strs("bootstrap", cfg.BootstrapNodes).
		Msg("Starting rangedht node")

	var collector *metrics.Collector
	if cfg.MetricsEnabled {
		collector = metrics.New(nil, "rangedht")
	}
	hub := api.NewWebSocketHub(logger)
	grpcClient := transport.NewGRPCClient(logger, cfg.CallTimeout, cfg.AuthToken)

	node, err := dht.New(cfg, dht.Options{
		Transport: grpcClient,
		Logger:    logger,
		Metrics:   collector,
		OnEvent:   hub.Publish,
	})
	if err != nil {
		logger.Error().Err(err).Msg("Failed to create node")
		os.Exit(1)
	}

	grpcServer, err := transport.NewGRPCServer(node.Operator(), cfg.Address(), cfg.AuthToken, logger)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to create gRPC server")
		os.Exit(1)
	}
	if err := grpcServer.Start(); err != nil {
		logger.Error().Err(err).Msg("Failed to start gRPC server")
		cleanup(node, nil, grpcClient, nil, logger)
		os.Exit(1)
	}

	var httpServer *api.Server
	if cfg.HTTPPort > 0 {
		httpServer, err = api.NewServer(node, hub, collector, logger)
		if err == nil {
			err = httpServer.Start(cfg.HTTPPort)
		}
		if err != nil {
			logger.Error().Err(err).Msg("Failed to start HTTP API server")
			cleanup(node, grpcServer, grpcClient, nil, logger)
			os.Exit(1)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := node.Start(ctx); err != nil {
		logger.Error().Err(err).Msg("Failed to start node")
		cleanup(node, grpcServer, grpcClient, httpServer, logger)
		os.Exit(1)
	}

	logger.Info().Str("status", string(node.Status())).Msg("Node is running")

	<-ctx.Done()
	logger.Info().Msg("Received shutdown signal")

	cleanup(node, grpcServer, grpcClient, httpServer, logger)
	logger.Info().Msg("Node shutdown complete")
}

func splitAddrs(s string) []string {
	var out []string
	for _, a := range strings.Split(s, ",") {
		if a = strings.TrimSpace(a); a != "" {
			out = append(out, a)
		}
	}
	return out
}

// cleanup performs graceful shutdown of all components
func cleanup(node *dht.Node, grpcServer *transport.GRPCServer, grpcClient *transport.GRPCClient, httpServer *api.Server, logger *pkg.Logger) {
	logger.Info().Msg("Starting graceful shutdown")

	if httpServer != nil {
		if err := httpServer.Stop(); err != nil {
			logger.Error().Err(err).Msg("Error stopping HTTP server")
		}
	}

	if err := node.Stop(); err != nil {
		logger.Error().Err(err).Msg("Error stopping node")
	}

	if grpcServer != nil {
		if err := grpcServer.Stop(); err != nil {
			logger.Error().Err(err).Msg("Error stopping gRPC server")
		}
	}

	if err := grpcClient.Close(); err != nil {
		logger.Error().Err(err).Msg("Error closing gRPC client")
	}
}
