package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"

	"github.com/lestonEth/dnstore/internal/node"
	"github.com/lestonEth/dnstore/internal/rendezvous"
)

func main() {
	configPath := flag.String("config", "configs/rendezvous.yaml", "path to the rendezvous config file (empty for defaults)")
	flag.Parse()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, err := rendezvous.LoadConfig(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	logger := node.NewLogger(node.LogConfig{Level: cfg.Log.Level, Format: cfg.Log.Format})

	srv, err := rendezvous.NewServer(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create rendezvous server")
	}
	if err := srv.Start(); err != nil {
		logger.Fatal().Err(err).Msg("failed to start rendezvous server")
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info().Msg("shutting down rendezvous server")
	srv.Stop()
}
