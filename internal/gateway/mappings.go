package gateway

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/hamlab/meshgate/internal/backend"
	"github.com/hamlab/meshgate/internal/mesh"
	"github.com/hamlab/meshgate/internal/storage"
)

// FormatCallsign renders the APRS callsign `BASE[-SSID]`; SSID zero means the
// bare base call.
func FormatCallsign(base string, ssid int) string {
	base = strings.ToUpper(strings.TrimSpace(base))
	if ssid == 0 {
		return base
	}
	return fmt.Sprintf("%s-%d", base, ssid)
}

// normalizeMappings indexes a mapping table by normalized mesh id. Entries
// with an unparseable mesh id or empty callsign are skipped with a log line.
func normalizeMappings(items []backend.MappingEntry) map[string]backend.MappingEntry {
	out := make(map[string]backend.MappingEntry, len(items))

	for _, item := range items {
		num, ok := mesh.ParseMeshID(item.MeshID)
		if !ok || item.Callsign == "" {
			log.Warn().Str("mesh_id", item.MeshID).Str("callsign", item.Callsign).
				Msg("Skipping malformed mapping entry")
			continue
		}
		out[mesh.MeshID(num)] = item
	}

	return out
}

// setMappingsLocked replaces the in-memory mapping table and persists it.
// The unmapped-node log suppression set is cleared so nodes gaining a mapping
// start forwarding and nodes losing one get logged again.
func (g *Gateway) setMappingsLocked(items []backend.MappingEntry, hash string) {
	g.mappings = normalizeMappings(items)
	g.mappingsHash = hash
	g.unmappedSeen = make(map[string]struct{})

	if data, err := json.Marshal(items); err == nil {
		g.persistLocked(storage.RecordMappings, string(data))
	}
	g.persistLocked(storage.RecordMappingsHash, hash)
	g.persistLocked(storage.RecordMappingsSynced, time.Now().UTC().Format(time.RFC3339))

	log.Info().Int("entries", len(g.mappings)).Str("hash", hash).Msg("Mapping table updated")
}

// loadMappingsLocked restores the persisted mapping table at boot.
func (g *Gateway) loadMappingsLocked() {
	value, ok, err := g.store.GetRecord(storage.RecordMappings)
	if err != nil || !ok {
		return
	}

	var items []backend.MappingEntry
	if err := json.Unmarshal([]byte(value), &items); err != nil {
		log.Warn().Err(err).Msg("Discarding unreadable cached mapping table")
		return
	}

	g.mappings = normalizeMappings(items)
	if hash, ok, _ := g.store.GetRecord(storage.RecordMappingsHash); ok {
		g.mappingsHash = hash
	}

	log.Debug().Int("entries", len(g.mappings)).Msg("Mapping table restored from cache")
}

// persistLocked writes one named record, logging instead of propagating
// failures. A failed write is retried on the next mutation of the same
// record, never blocked on.
func (g *Gateway) persistLocked(name, value string) {
	if err := g.store.SetRecord(name, value); err != nil {
		log.Warn().Err(err).Str("record", name).Msg("Persist failed")
	}
}
