package gateway

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/hamlab/meshgate/internal/backend"
	"github.com/hamlab/meshgate/internal/events"
	"github.com/hamlab/meshgate/internal/storage"
)

// heartbeatTick runs one backend heartbeat exchange and reschedules itself.
// An auth rejection is terminal: the stored key state is cleared and the loop
// stops. Any other failure marks the gateway degraded and re-applies the
// cached provisioning so the station keeps beaconing with a stale identity.
func (g *Gateway) heartbeatTick() {
	g.mu.Lock()
	if g.stopped || g.hbStopped {
		g.mu.Unlock()
		return
	}
	hash := g.mappingsHash
	g.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), g.cfg.Backend.Timeout)
	resp, err := g.backend.Heartbeat(ctx, backend.HeartbeatRequest{LocalHash: hash})
	cancel()

	switch {
	case errors.Is(err, backend.ErrUnauthorized):
		g.mu.Lock()
		g.hbStopped = true
		g.persistLocked(storage.RecordAPIKeyState, "revoked")
		g.mu.Unlock()

		log.Error().Msg("Backend rejected the API key; heartbeat stopped until the key is replaced")
		g.publishStatus()
		return

	case err != nil:
		g.mu.Lock()
		g.degraded = true
		if cached := g.loadProvisionLocked(); cached != nil {
			g.applyProvisionLocked(cached, false)
		}
		g.mu.Unlock()

		log.Warn().Err(err).Msg("Backend heartbeat failed, running degraded on cached provisioning")

	default:
		g.mu.Lock()
		g.degraded = false
		g.lastHeartbeat = time.Now()
		if resp.Provision != nil {
			g.applyProvisionLocked(resp.Provision, true)
		}
		needSync := resp.NeedsUpdate || g.mappingsHash == ""
		g.mu.Unlock()

		if needSync {
			g.syncMappings(hash)
		}
	}

	g.publishStatus()

	g.mu.Lock()
	if !g.stopped && !g.hbStopped {
		g.heartbeat = time.AfterFunc(g.cfg.Backend.HeartbeatInterval, g.heartbeatTick)
	}
	g.mu.Unlock()
}

// syncMappings fetches the full mapping table and installs it.
func (g *Gateway) syncMappings(knownHash string) {
	ctx, cancel := context.WithTimeout(context.Background(), g.cfg.Backend.Timeout)
	resp, err := g.backend.Mappings(ctx, backend.MappingsRequest{KnownHash: knownHash})
	cancel()

	if err != nil {
		log.Warn().Err(err).Msg("Mapping table fetch failed, keeping cached table")
		return
	}

	g.mu.Lock()
	g.setMappingsLocked(resp.Items, resp.Hash)
	g.mu.Unlock()

	g.bus.Publish(events.KindStateSnapshot, g.Status())
}
