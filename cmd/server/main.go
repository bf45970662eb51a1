package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"pulsechat-backend/internal/api"
	"pulsechat-backend/internal/config"
	"pulsechat-backend/internal/realtime"
	"pulsechat-backend/internal/store"
)

func main() {
	// Setup structured logging
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	config, err := config.LoadConfig(".")
	if err != nil {
		log.Fatal().Err(err).Msg("cannot load config")
	}

	st := store.New(config.DataFile)
	st.Load()

	hub := realtime.NewHub()

	server, err := api.NewServer(config, st, hub)
	if err != nil {
		log.Fatal().Err(err).Msg("cannot create server")
	}

	// Graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	address := "0.0.0.0:" + config.Port
	go func() {
		if err := server.Start(address); err != nil {
			log.Fatal().Err(err).Msg("cannot start server")
		}
	}()

	log.Info().Msgf("Server started on %s", address)

	<-ctx.Done()
	log.Info().Msg("Shutting down gracefully...")

	// One last snapshot so nothing mutated since the previous flush is lost
	st.Flush()
	log.Info().Msg("Server stopped")
}
