// Package fake populates the database with randomized mesh state for testing
// and development purposes.
package fake

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/hamlab/meshgate/internal/mesh"
	"github.com/hamlab/meshgate/internal/relay"
	"github.com/hamlab/meshgate/internal/storage"
)

// GenerateData populates the storage with a randomized node registry, relay
// link stats for roughly half the nodes and a day of telemetry log rows.
func GenerateData(store *storage.Repository, count int) {
	shortNames := []string{"BASE", "HILL", "RVR1", "TWR2", "CAMP", "LAKE", "PEAK", "GATE"}
	longSuffix := []string{"Repeater", "Base", "Tracker", "Solar Node", "Router", "Mobile"}
	hwModels := []uint32{9, 12, 31, 43, 68}

	// Cluster positions around one site like a real deployment
	baseLat := 48.21 + rand.Float64()*0.1
	baseLon := 16.37 + rand.Float64()*0.1

	registry := mesh.NewRegistry()
	var stats []relay.LinkStat

	for i := 0; i < count; i++ {
		num := rand.Uint32()
		seen := time.Now().Add(-time.Duration(rand.Intn(72)) * time.Hour)

		short := shortNames[rand.Intn(len(shortNames))]
		long := fmt.Sprintf("%s %s %d", short, longSuffix[rand.Intn(len(longSuffix))], rand.Intn(100))

		registry.Upsert(num, short, long, hwModels[rand.Intn(len(hwModels))], uint32(rand.Intn(3)), seen)

		// 70% of nodes have reported a position
		if rand.Float32() < 0.7 {
			lat := baseLat + (rand.Float64()-0.5)*0.5
			lon := baseLon + (rand.Float64()-0.5)*0.5
			registry.SetPosition(num, lat, lon, seen)
		}

		// Half the nodes were heard directly and carry link stats
		if rand.Float32() < 0.5 {
			stats = append(stats, relay.LinkStat{
				Node:    num,
				SNR:     rand.Float64()*20 - 10,
				RSSI:    -(60 + rand.Float64()*70),
				Samples: int64(rand.Intn(500) + 1),
				Updated: seen,
			})
		}
	}

	if data, err := registry.MarshalJSON(); err == nil {
		if err := store.SetRecord(storage.RecordNodeRegistry, string(data)); err != nil {
			log.Error().Err(err).Msg("Failed to store generated node registry")
		}
	}

	if err := store.SaveRelayStats(stats); err != nil {
		log.Error().Err(err).Msg("Failed to store generated relay stats")
	}

	// One day of 10-minute telemetry windows
	for i := 0; i < 144; i++ {
		at := time.Now().Add(-time.Duration(i) * 10 * time.Minute)
		all := rand.Intn(120)
		fwd := rand.Intn(all + 1)
		pos := rand.Intn(all + 1)

		if err := store.AppendTelemetry(at, all, fwd, pos, rand.Intn(20), rand.Intn(30)); err != nil {
			log.Error().Err(err).Msg("Failed to append generated telemetry")
			break
		}
	}

	summary, _ := json.Marshal(map[string]int{"nodes": registry.Len(), "relay_stats": len(stats)})
	log.Info().RawJSON("generated", summary).Msg("Fake data generation complete")
}
