// streamgate serves per-user brokerage market data to browser clients over
// WebSocket and to business consumers over NATS.
//
// Usage: go run ./cmd/streamgate --config configs/streamgate.local.yaml
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/nats-io/nats.go"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/rickgao/marketstream/internal/app"
	"github.com/rickgao/marketstream/internal/broadcast"
	"github.com/rickgao/marketstream/internal/config"
	"github.com/rickgao/marketstream/internal/gateway"
	"github.com/rickgao/marketstream/internal/session"
	"github.com/rickgao/marketstream/internal/version"
)

func main() {
	configPath := flag.String("config", "configs/streamgate.local.yaml", "path to config file")
	envFile := flag.String("env", ".env", "optional dotenv file loaded before the config")
	flag.Parse()

	if err := godotenv.Load(*envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("failed to load env file", "path", *envFile, "error", err)
	}

	// Load configuration
	cfg, err := config.LoadAndValidate(*configPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := app.NewLogger(cfg.Log)
	slog.SetDefault(logger)

	logger.Info("starting streamgate",
		"version", version.Version,
		"commit", version.Commit,
		"config", *configPath,
		"instance_id", cfg.Instance.ID,
		"market_url", cfg.Upstream.MarketURL,
	)

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	comp, err := app.Build(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to build components", "error", err)
		os.Exit(1)
	}
	defer comp.Close()

	hub := gateway.NewHub(logger)
	var out session.Broadcaster = hub

	var (
		nc        *nats.Conn
		publisher *broadcast.NATSPublisher
	)
	if cfg.NATS.Enabled {
		name := cfg.NATS.Name
		if name == "" {
			name = "streamgate-" + cfg.Instance.ID
		}
		nc, err = broadcast.Connect(cfg.NATS.URL, name, logger)
		if err != nil {
			logger.Error("failed to connect to NATS", "error", err)
			os.Exit(1)
		}
		defer nc.Close()

		publisher = broadcast.NewNATSPublisher(nc, cfg.NATS.SubjectPrefix, logger)
		out = broadcast.Fanout{hub, publisher}
		logger.Info("connected to NATS", "url", cfg.NATS.URL, "prefix", cfg.NATS.SubjectPrefix)
	}

	reg := app.NewRegistry(cfg, comp, out, logger)
	if err := reg.Start(ctx); err != nil {
		logger.Error("failed to start session registry", "error", err)
		os.Exit(1)
	}
	defer func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer stopCancel()
		if err := reg.Stop(stopCtx); err != nil {
			logger.Error("session registry stop error", "error", err)
		}
	}()

	if publisher != nil {
		sub, err := publisher.ListenSubscribeRequests(reg, cfg.Sessions.ReadyTimeout)
		if err != nil {
			logger.Error("failed to listen for subscribe requests", "error", err)
			os.Exit(1)
		}
		defer sub.Drain()
		logger.Info("listening for subscribe requests", "subject", publisher.ControlSubject())
	}

	server := gateway.New(gateway.Config{
		InstanceID:       cfg.Instance.ID,
		AllowedOrigins:   cfg.Server.AllowedOrigins,
		SendBuffer:       cfg.Server.SendBuffer,
		AccountFeed:      cfg.Upstream.AccountURL != "",
		SubscribeTimeout: cfg.Upstream.HandshakeTimeout,
	}, reg, hub, gateway.HeaderAuthenticator{
		Header:   cfg.Server.UserHeader,
		Provider: comp.Provider,
	}, comp.Cache, gateway.NewMarketClock("xnys"), logger)

	httpServer := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server error", "error", err)
			cancel()
		}
	}()
	logger.Info("gateway listening", "addr", cfg.Server.Addr)

	// gRPC health for orchestrators
	grpcServer := grpc.NewServer()
	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)

	lis, err := net.Listen("tcp", cfg.Server.GRPCAddr)
	if err != nil {
		logger.Error("grpc listen failed", "addr", cfg.Server.GRPCAddr, "error", err)
		os.Exit(1)
	}
	go func() {
		if err := grpcServer.Serve(lis); err != nil {
			logger.Error("grpc server error", "error", err)
		}
	}()
	logger.Info("grpc health listening", "addr", cfg.Server.GRPCAddr)

	// Wait for shutdown
	<-ctx.Done()

	logger.Info("shutting down...")
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown error", "error", err)
	}
	server.Close()
	grpcServer.GracefulStop()

	logger.Info("streamgate stopped")
}
