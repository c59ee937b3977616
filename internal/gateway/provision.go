package gateway

import (
	"encoding/json"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/rs/zerolog/log"

	"github.com/hamlab/meshgate/internal/aprs"
	"github.com/hamlab/meshgate/internal/backend"
	"github.com/hamlab/meshgate/internal/storage"
	"github.com/hamlab/meshgate/internal/vars"
)

// hashProvision fingerprints a provisioning record through its normalized
// JSON form, so a re-delivered identical payload is detected as a no-op
// regardless of object identity.
func hashProvision(p *backend.Provision) uint64 {
	data, err := json.Marshal(p)
	if err != nil {
		return 0
	}
	return xxhash.Sum64(data)
}

// applyProvisionLocked installs a provisioning record. A content-identical
// update is ignored. A changed callsign tears the APRS session down and
// builds a fresh one; any other change just re-beacons when verified.
func (g *Gateway) applyProvisionLocked(p *backend.Provision, persist bool) {
	if p == nil || p.Callsign == "" {
		return
	}

	hash := hashProvision(p)
	if hash == g.provisionHash && g.session != nil {
		return
	}

	g.provision = p
	g.provisionHash = hash

	if persist {
		if data, err := json.Marshal(p); err == nil {
			g.persistLocked(storage.RecordProvision, string(data))
		}
	}

	callsign := FormatCallsign(p.Callsign, p.SSID)
	if callsign != g.callsign || g.session == nil {
		g.rebuildSessionLocked(callsign)
		return
	}

	log.Info().Str("callsign", callsign).Msg("Provisioning updated, callsign unchanged")
	if g.verified {
		g.sendBeaconLocked(time.Now())
	}
}

// rebuildSessionLocked replaces the APRS session for a new callsign. The old
// session's timers are canceled synchronously by its Stop before the
// replacement starts connecting.
func (g *Gateway) rebuildSessionLocked(callsign string) {
	if old := g.session; old != nil {
		old.Stop()
	}

	g.callsign = callsign
	g.passcode = aprs.Passcode(callsign)
	g.verified = false
	g.statusSent = false
	g.cancelSchedulesLocked()

	log.Info().Str("callsign", callsign).Int("passcode", g.passcode).Msg("Building APRS session")

	s := aprs.NewSession(aprs.Config{
		Server:            g.cfg.APRS.Server,
		Callsign:          callsign,
		Filter:            g.cfg.APRS.Filter,
		SoftwareName:      vars.Name,
		SoftwareVersion:   vars.Version,
		Passcode:          g.passcode,
		KeepaliveInterval: g.cfg.APRS.KeepaliveInterval,
		ReconnectDelay:    g.cfg.APRS.ReconnectDelay,
	})
	s.OnState = g.onSessionState
	s.OnVerified = g.onVerified
	g.session = s

	if g.started {
		s.Start()
	}
}

// loadProvisionLocked restores the cached provisioning record, returning nil
// when none is stored or it cannot be read.
func (g *Gateway) loadProvisionLocked() *backend.Provision {
	value, ok, err := g.store.GetRecord(storage.RecordProvision)
	if err != nil || !ok {
		return nil
	}

	var p backend.Provision
	if err := json.Unmarshal([]byte(value), &p); err != nil {
		log.Warn().Err(err).Msg("Discarding unreadable cached provisioning")
		return nil
	}
	return &p
}
