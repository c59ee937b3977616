// Package maintenance provides one-shot operator tasks over the database.
package maintenance

import (
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/hamlab/meshgate/internal/config"
	"github.com/hamlab/meshgate/internal/storage"
)

// Run checks if any maintenance flags are set and executes the corresponding tasks.
// Returns true if a maintenance task was executed (indicating the program should exit).
func Run(cfg *config.Config, store *storage.Repository) bool {
	if cfg.Maintenance.ResetNodes {
		log.Info().Msg("Resetting persisted node registry...")

		if err := store.DeleteRecord(storage.RecordNodeRegistry); err != nil {
			log.Error().Err(err).Msg("Failed to reset node registry")
		} else {
			log.Info().Msg("Node registry reset")
		}

		return true
	}

	if cfg.Maintenance.PruneStats > 0 {
		log.Info().Dur("older_than", cfg.Maintenance.PruneStats).Msg("Pruning relay link stats...")

		count, err := store.PruneRelayStats(cfg.Maintenance.PruneStats)
		if err != nil {
			log.Error().Err(err).Msg("Failed to prune relay stats")
		} else {
			log.Info().Int64("deleted", count).Msg("Prune finished")
		}

		return true
	}

	if cfg.Maintenance.ShowRecords {
		records, err := store.ListRecords()
		if err != nil {
			log.Error().Err(err).Msg("Failed to list records")
			return true
		}

		if len(records) == 0 {
			fmt.Println("no records stored")
			return true
		}

		for _, rec := range records {
			fmt.Printf("%-24s %s\n  %s\n", rec.Name, rec.UpdatedAt.Format("2006-01-02 15:04:05"), rec.Value)
		}

		return true
	}

	return false
}
