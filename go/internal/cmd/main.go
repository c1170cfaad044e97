package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/murielcore/pipeline/go/internal/pipeline/config"
)

func main() {
	// load .env
	if err := godotenv.Load(); err != nil {
		log.Warn().Err(err).Msg("could not load .env file")
	}

	// configure zerolog console output and level
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout})
	if os.Getenv("LOG_LEVEL") == "debug" {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	} else {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	cfg, err := config.Load(getEnv("PIPELINE_CONFIG", "pipeline.yaml"))
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}

	pool, dsn, err := setupDatabase(context.Background())
	if err != nil {
		log.Fatal().Err(err).Msg("setup database")
	}
	defer pool.Close()

	clock := clockwork.NewRealClock()
	services, err := setupServices(pool, dsn, cfg, clock)
	if err != nil {
		log.Fatal().Err(err).Msg("setup services")
	}
	defer services.Close()

	server := setupServer(services, cfg)

	// signal-aware context
	ctx, stop := signal.NotifyContext(context.Background(),
		syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := services.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("start workers")
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", server.Addr).Msg("admin API listening")
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-errCh:
		log.Error().Err(err).Msg("server exited unexpectedly")
	}

	// allow in-flight work to finish
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil && err != http.ErrServerClosed {
		log.Error().Err(err).Msg("server shutdown")
	}
	services.Stop()
	log.Info().Msg("graceful shutdown complete")
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
