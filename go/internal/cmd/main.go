package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	configPath := flag.String("config", "", "path to YAML config file (optional)")
	flag.Parse()

	if err := godotenv.Load(); err != nil {
		log.Debug().Err(err).Msg("no .env file loaded")
	}

	config, err := loadConfig(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, dbConfig, err := setupDatabase(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to set up database")
	}
	defer pool.Close()

	services, err := setupServices(ctx, config, pool, dbConfig)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to set up services")
	}
	defer services.Close()

	go services.Gateway.Start(ctx)

	server := setupServer(config, services)
	go func() {
		log.Info().Str("addr", server.Addr).Msg("roomsync server listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info().Msg("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server shutdown failed")
	}
	cancel()
}
