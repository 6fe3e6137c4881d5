package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"

	"github.com/lestonEth/dnstore/internal/node"
)

func main() {
	configPath := flag.String("config", "configs/node.yaml", "path to the node config file (empty for defaults)")
	flag.Parse()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, err := node.LoadConfig(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	logger := node.NewLogger(cfg.Log)

	n, err := node.NewNode(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create node")
	}

	logger.Info().Str("address", n.Address).Str("data", cfg.Node.DataDir).Msg("starting dnstore node")
	if err := n.Start(); err != nil {
		logger.Fatal().Err(err).Msg("failed to start node")
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info().Msg("shutting down node")
	n.Stop()
}
