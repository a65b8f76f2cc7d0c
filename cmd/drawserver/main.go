// Package main provides the drawing relay binary: a WebSocket endpoint for
// collaborative canvases plus a gRPC status side channel.
package main

import (
	"context"
	"flag"
	"log"
	"time"

	"go.uber.org/zap"

	"github.com/cory-johannsen/drawsync/internal/config"
	"github.com/cory-johannsen/drawsync/internal/gateway"
	"github.com/cory-johannsen/drawsync/internal/observability"
	"github.com/cory-johannsen/drawsync/internal/room"
	"github.com/cory-johannsen/drawsync/internal/server"
	"github.com/cory-johannsen/drawsync/internal/session"
	"github.com/cory-johannsen/drawsync/internal/statusrpc"
	"github.com/cory-johannsen/drawsync/internal/transport/websocket"
)

func main() {
	start := time.Now()

	configPath := flag.String("config", "configs/dev.yaml", "path to configuration file; empty uses built-in defaults")
	envFile := flag.String("env", ".env", "optional dotenv file applied before the config file")
	flag.Parse()

	if err := config.LoadEnvFile(*envFile); err != nil {
		log.Fatalf("loading env file: %v", err)
	}
	var cfg config.Config
	var err error
	if *configPath == "" {
		cfg, err = config.Default()
	} else {
		cfg, err = config.Load(*configPath)
	}
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}

	logger, err := observability.NewLogger(cfg.Logging)
	if err != nil {
		log.Fatalf("initializing logger: %v", err)
	}
	defer logger.Sync()

	logger.Info("starting drawing relay",
		zap.String("http_addr", cfg.Server.Addr()),
		zap.String("ws_path", cfg.WebSocket.Path),
		zap.Bool("status_enabled", cfg.Status.Enabled),
	)

	rooms := room.NewRegistry(room.Options{
		GracePeriod: cfg.Rooms.GracePeriod,
		LogCap:      cfg.Rooms.LogCap,
		LogKeep:     cfg.Rooms.LogKeep,
	}, logger.Named("rooms"))
	sessions := session.NewManager(cfg.WebSocket.SendBuffer)
	gw := gateway.New(rooms, sessions, gateway.Options{
		MaxChatLength: cfg.Gateway.MaxChatLength,
	}, logger.Named("gateway"))

	acceptor := websocket.NewAcceptor(cfg.Server, cfg.WebSocket, gw, gw, logger.Named("http"))

	lifecycle := server.NewLifecycle(logger)
	lifecycle.Add("http", &server.FuncService{
		StartFn: acceptor.ListenAndServe,
		StopFn:  acceptor.Stop,
	})

	if cfg.Status.Enabled {
		status := statusrpc.NewServer(cfg.Status, gw, start, logger.Named("status"))
		lifecycle.Add("grpc-status", &server.FuncService{
			StartFn: status.ListenAndServe,
			StopFn:  status.Stop,
		})
	}
	lifecycle.OnShutdown("rooms", rooms.Close)

	logger.Info("drawing relay initialized",
		zap.Duration("startup", time.Since(start)),
	)

	if err := lifecycle.Run(context.Background()); err != nil {
		logger.Fatal("server error", zap.Error(err))
	}
}
