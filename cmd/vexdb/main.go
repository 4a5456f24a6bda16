// Package main provides the entry point for the vexdb server.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/thebtf/vexdb/internal/config"
	"github.com/thebtf/vexdb/internal/embedding"
	"github.com/thebtf/vexdb/internal/server"
)

var Version = "dev"

func main() {
	configPath := flag.String("config", "", "path to the YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	if level, err := zerolog.ParseLevel(cfg.LogLevel()); err == nil && level != zerolog.NoLevel {
		zerolog.SetGlobalLevel(level)
	}
	if cfg.Log.Pretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}

	log.Info().
		Str("version", Version).
		Str("listen", cfg.Server.Listen).
		Str("storage_root", cfg.Storage.Root).
		Msg("Starting vexdb")

	var opts []server.Option
	if key := os.Getenv("VEXDB_EMBEDDING_API_KEY"); key != "" {
		embedder, err := embedding.NewClient(embedding.Config{
			BaseURL:    cfg.Embedding.BaseURL,
			Model:      cfg.Embedding.Model,
			APIKey:     key,
			Dimensions: cfg.Embedding.Dimensions,
		})
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to create embedding client")
		}
		opts = append(opts, server.WithEmbedder(embedder))
		log.Info().Str("model", cfg.Embedding.Model).Msg("Text search enabled")
	}

	svc, err := server.New(cfg, opts...)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create service")
	}

	errCh := make(chan error, 1)
	go func() { errCh <- svc.Start() }()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil {
			log.Fatal().Err(err).Msg("Server failed")
		}
		return
	case sig := <-quit:
		log.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := svc.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("Shutdown error")
	}
	log.Info().Msg("Shutdown complete")
}
