// main is the entry point of the MeshGate application.
// It initializes the configuration, logger and database, then starts the
// gateway bridging the mesh radio to APRS-IS.
package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"

	"github.com/hamlab/meshgate/internal/config"
	"github.com/hamlab/meshgate/internal/events"
	"github.com/hamlab/meshgate/internal/fake"
	"github.com/hamlab/meshgate/internal/gateway"
	"github.com/hamlab/meshgate/internal/logger"
	"github.com/hamlab/meshgate/internal/maintenance"
	"github.com/hamlab/meshgate/internal/storage"
)

func main() {
	cfg := config.Parse()

	logger.Setup(cfg.Logger)
	log.Info().Msg("Starting meshgate service...")

	// Database
	store, err := storage.New(cfg.Storage.Path)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize database")
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Error().Err(err).Msg("Error closing database")
		}
	}()

	// data generation or database maintenance
	if cfg.Storage.GenerateCount > 0 {
		fake.GenerateData(store, cfg.Storage.GenerateCount)
		return
	} else if maintenance.Run(cfg, store) {
		return
	}

	gw := gateway.New(cfg, store, events.NewBus())
	gw.Start()

	// Graceful Shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down gateway...")

	gw.Stop()

	if err := store.Close(); err != nil {
		log.Error().Err(err).Msg("Error closing database")
	}

	log.Info().Msg("Gateway exited")
}
