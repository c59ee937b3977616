package gateway

import (
	"math"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/hamlab/meshgate/internal/aprs"
	"github.com/hamlab/meshgate/internal/events"
	"github.com/hamlab/meshgate/internal/storage"
	"github.com/hamlab/meshgate/internal/vars"
)

// telemetryDefsInterval is how often the PARM/UNIT/EQNS definition lines are
// re-sent; receivers that joined late need them to label the T# data.
const telemetryDefsInterval = 6 * time.Hour

// onVerified arms the periodic transmissions after a successful APRS login.
// Delays are self-correcting: each schedule resumes from its last actual send
// time, so a reconnect or restart does not reset the cadence. First-ever
// sends fire immediately.
func (g *Gateway) onVerified() {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.verified = true
	g.cancelSchedulesLocked()
	gen := g.schedGen

	g.beaconTimer = g.scheduleLocked(g.cfg.Beacon.Interval, g.lastBeacon, gen, g.beaconTick)
	g.defsTimer = g.scheduleLocked(telemetryDefsInterval, g.lastDefs, gen, g.defsTick)
	g.dataTimer = g.scheduleLocked(g.cfg.Beacon.TelemetryWindow, g.lastData, gen, g.dataTick)

	if !g.statusSent {
		g.sendStatusLocked()
	}

	go g.publishStatus()
}

// scheduleLocked arms one timer with the remaining portion of the interval,
// firing immediately when the last send is unset or overdue.
func (g *Gateway) scheduleLocked(interval time.Duration, last time.Time, gen int, fn func(int)) *time.Timer {
	var delay time.Duration
	if !last.IsZero() {
		if d := interval - time.Since(last); d > 0 {
			delay = d
		}
	}
	return time.AfterFunc(delay, func() { fn(gen) })
}

// cancelSchedulesLocked synchronously stops every periodic transmission timer
// and invalidates callbacks already in flight.
func (g *Gateway) cancelSchedulesLocked() {
	g.schedGen++
	for _, t := range []*time.Timer{g.beaconTimer, g.defsTimer, g.dataTimer} {
		if t != nil {
			t.Stop()
		}
	}
	g.beaconTimer, g.defsTimer, g.dataTimer = nil, nil, nil
}

func (g *Gateway) beaconTick(gen int) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.stopped || gen != g.schedGen {
		return
	}

	if g.verified {
		g.sendBeaconLocked(time.Now())
	}
	g.beaconTimer = time.AfterFunc(g.cfg.Beacon.Interval, func() { g.beaconTick(gen) })
}

// sendBeaconLocked transmits the station's own position report from the
// provisioned identity. Without provisioned coordinates there is nothing to
// beacon; the schedule keeps running so a later provisioning update takes
// effect at the next tick.
func (g *Gateway) sendBeaconLocked(now time.Time) {
	p := g.provision
	if p == nil || p.Latitude == nil || p.Longitude == nil {
		log.Debug().Msg("No provisioned coordinates, beacon skipped")
		return
	}

	table, code := symbolOf(p.SymbolTable, p.SymbolCode)
	pos := aprs.Position{
		Latitude:    *p.Latitude,
		Longitude:   *p.Longitude,
		Course:      math.NaN(),
		Speed:       math.NaN(),
		Altitude:    math.NaN(),
		Comment:     aprs.SanitizeComment(p.Comment),
		PHG:         p.PHG,
		SymbolTable: table,
		SymbolCode:  code,
	}
	if p.Altitude != nil {
		pos.Altitude = *p.Altitude
	}

	frame := aprs.EncodeFrame(g.callsign, aprs.DestinationCall, aprs.SelfPath(), aprs.EncodePosition(pos))
	if err := g.sendUplinkLocked(frame); err != nil {
		log.Debug().Err(err).Msg("Beacon send failed, will retry at next tick")
		return
	}

	g.lastBeacon = now
	log.Info().Str("callsign", g.callsign).Msg("Self beacon sent")
}

// sendStatusLocked transmits the software-identity status line, once per
// APRS session.
func (g *Gateway) sendStatusLocked() {
	frame := aprs.EncodeFrame(g.callsign, aprs.DestinationCall, aprs.SelfPath(),
		aprs.EncodeStatus(vars.Name+" "+vars.Version))

	if err := g.sendUplinkLocked(frame); err != nil {
		log.Debug().Err(err).Msg("Status send failed")
		return
	}
	g.statusSent = true
}

func (g *Gateway) defsTick(gen int) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.stopped || gen != g.schedGen {
		return
	}

	if g.verified {
		sent := true
		for _, payload := range aprs.TelemetryDefinitions(g.callsign) {
			frame := aprs.EncodeFrame(g.callsign, aprs.DestinationCall, aprs.SelfPath(), payload)
			if err := g.sendUplinkLocked(frame); err != nil {
				log.Debug().Err(err).Msg("Telemetry definition send failed, will retry at next tick")
				sent = false
				break
			}
		}
		if sent {
			g.lastDefs = time.Now()
		}
	}

	g.defsTimer = time.AfterFunc(telemetryDefsInterval, func() { g.defsTick(gen) })
}

func (g *Gateway) dataTick(gen int) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.stopped || gen != g.schedGen {
		return
	}

	if g.verified {
		g.sendTelemetryLocked(time.Now())
	}
	g.dataTimer = time.AfterFunc(g.cfg.Beacon.TelemetryWindow, func() { g.dataTick(gen) })
}

// sendTelemetryLocked transmits one T# data line with the windowed packet
// counters and advances the persisted sequence number.
func (g *Gateway) sendTelemetryLocked(now time.Time) {
	sums := g.counters.windowSums(g.cfg.Beacon.TelemetryWindow, now)
	seq := (g.telemetrySeq + 1) % (aprs.TelemetrySeqMax + 1)

	payload := aprs.TelemetryData(seq, [5]int{
		sums[counterAll], sums[counterForwarded], sums[counterPosition],
		sums[counterMessage], sums[counterControl],
	})

	frame := aprs.EncodeFrame(g.callsign, aprs.DestinationCall, aprs.SelfPath(), payload)
	if err := g.sendUplinkLocked(frame); err != nil {
		log.Debug().Err(err).Msg("Telemetry data send failed, will retry at next tick")
		return
	}

	g.lastData = now
	g.telemetrySeq = seq
	g.persistLocked(storage.RecordTelemetrySeq, strconv.Itoa(seq))

	if err := g.store.AppendTelemetry(now, sums[counterAll], sums[counterForwarded],
		sums[counterPosition], sums[counterMessage], sums[counterControl]); err != nil {
		log.Warn().Err(err).Msg("Telemetry log append failed")
	}

	g.bus.Publish(events.KindTelemetryUpdate, map[string]any{
		"seq": seq, "all": sums[counterAll], "forwarded": sums[counterForwarded],
		"position": sums[counterPosition], "message": sums[counterMessage], "control": sums[counterControl],
	})
}
