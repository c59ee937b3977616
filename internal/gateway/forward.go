package gateway

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/hamlab/meshgate/internal/aprs"
	"github.com/hamlab/meshgate/internal/events"
	"github.com/hamlab/meshgate/internal/mesh"
)

// errRateLimited marks an uplink dropped by the local rate limiter.
var errRateLimited = errors.New("gateway: uplink rate limited")

// Symbol fallback when neither the mapping nor the provisioning sets one.
const (
	defaultSymbolTable = '/'
	defaultSymbolCode  = '>'
)

// symbolOf picks the first byte of each symbol string, falling back to the
// defaults for empty values.
func symbolOf(table, code string) (byte, byte) {
	t, c := byte(defaultSymbolTable), byte(defaultSymbolCode)
	if table != "" {
		t = table[0]
	}
	if code != "" {
		c = code[0]
	}
	return t, c
}

// onSummary is the interpreter sink: every decoded mesh event lands here.
// Runs on the radio read goroutine.
func (g *Gateway) onSummary(s mesh.Summary) {
	g.bus.Publish(events.KindMeshSummary, s)

	self := g.interp.MyNodeNum()
	if self != 0 && s.From.Num == self {
		return // own traffic never feeds counters or forwarding
	}

	now := time.Now()

	g.mu.Lock()
	defer g.mu.Unlock()

	g.counters.countPacket(s.Port, now)

	if s.Kind == "position" && s.Position != nil {
		g.forwardPositionLocked(s, now)
	}
}

// forwardPositionLocked relays a mesh position to APRS-IS as third-party
// traffic. A mapping entry is mandatory; nodes without one are skipped and
// logged once. Identical reports within the dedup window are suppressed by
// digest.
func (g *Gateway) forwardPositionLocked(s mesh.Summary, now time.Time) {
	meshID := s.From.MeshID

	m, ok := g.mappings[meshID]
	if !ok {
		if _, seen := g.unmappedSeen[meshID]; !seen {
			g.unmappedSeen[meshID] = struct{}{}
			log.Info().Str("mesh_id", meshID).Str("node", s.From.Label).
				Msg("Position from unmapped node, not forwarded")
		}
		return
	}

	callsign := FormatCallsign(m.Callsign, m.SSID)

	// Symbol resolution: mapping override, then provisioning default, then
	// the built-in fallback.
	table, code := byte(0), byte(0)
	if g.provision != nil {
		table, code = symbolOf(g.provision.SymbolTable, g.provision.SymbolCode)
	}
	if m.SymbolTable != "" {
		table = m.SymbolTable[0]
	}
	if m.SymbolCode != "" {
		code = m.SymbolCode[0]
	}
	if table == 0 || code == 0 {
		table, code = symbolOf("", "")
	}

	pos := aprs.Position{
		Latitude:    s.Position.Latitude,
		Longitude:   s.Position.Longitude,
		Course:      math.NaN(),
		Speed:       math.NaN(),
		Altitude:    math.NaN(),
		Comment:     aprs.SanitizeComment(m.Comment),
		SymbolTable: table,
		SymbolCode:  code,
	}
	if s.Position.HasCourse {
		pos.Course = s.Position.Course
	}
	if s.Position.HasSpeed {
		pos.Speed = s.Position.SpeedKnots
	}
	if s.Position.HasAltitude {
		pos.Altitude = s.Position.Altitude
	}

	digest := positionDigest(callsign, pos)
	if !g.digests.shouldSend(meshID, digest, now, g.cfg.Beacon.DedupWindow) {
		log.Trace().Str("mesh_id", meshID).Msg("Duplicate position within dedup window, suppressed")
		return
	}

	frame := aprs.EncodeFrame(callsign, aprs.DestinationCall,
		aprs.ThirdPartyPath(g.callsign), aprs.EncodePosition(pos))

	if err := g.sendUplinkLocked(frame); err != nil {
		log.Debug().Err(err).Str("mesh_id", meshID).Msg("Position uplink failed")
		return
	}

	g.digests.record(meshID, digest, now)
	g.counters.add(counterForwarded, now)

	log.Debug().Str("mesh_id", meshID).Str("callsign", callsign).Str("flow_id", s.FlowID).
		Msg("Position forwarded to APRS-IS")
}

// positionDigest builds the canonical fingerprint used for duplicate
// suppression: identity, symbol and the rounded values that actually reach
// the wire.
func positionDigest(callsign string, p aprs.Position) string {
	course, speed, altFeet := -1, -1, math.MinInt32
	if !math.IsNaN(p.Course) {
		course = int(math.Round(p.Course))
	}
	if !math.IsNaN(p.Speed) {
		speed = int(math.Round(p.Speed))
	}
	if !math.IsNaN(p.Altitude) {
		altFeet = int(math.Round(p.Altitude * 3.28084))
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s|%c%c|%.5f|%.5f|%d|%d|%d|%s",
		callsign, p.SymbolTable, p.SymbolCode,
		p.Latitude, p.Longitude, course, speed, altFeet, p.Comment)
	return b.String()
}

// sendUplinkLocked pushes one line through the rate limiter and the APRS
// session, publishing successful uplinks on the event bus.
func (g *Gateway) sendUplinkLocked(frame string) error {
	if g.session == nil {
		return aprs.ErrNotConnected
	}
	if !g.limiter.Allow() {
		log.Warn().Str("frame", frame).Msg("Uplink dropped by rate limiter")
		return errRateLimited
	}

	if err := g.session.SendLine(frame); err != nil {
		return err
	}

	g.bus.Publish(events.KindAPRSUplink, frame)
	return nil
}
