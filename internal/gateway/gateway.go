// Package gateway is the orchestrator: it owns the radio link, the mesh
// interpreter, the APRS session, the provisioning relationship with the
// backend and every periodic transmission schedule. All shared mutable state
// lives behind its single mutex.
package gateway

import (
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/hamlab/meshgate/internal/aprs"
	"github.com/hamlab/meshgate/internal/backend"
	"github.com/hamlab/meshgate/internal/config"
	"github.com/hamlab/meshgate/internal/events"
	"github.com/hamlab/meshgate/internal/mesh"
	"github.com/hamlab/meshgate/internal/radio"
	"github.com/hamlab/meshgate/internal/relay"
	"github.com/hamlab/meshgate/internal/storage"
	"github.com/hamlab/meshgate/internal/vars"
)

// flushInterval is how often volatile caches (node registry, relay stats) are
// written back to the database.
const flushInterval = time.Minute

// Status is the operator-facing connection snapshot published on the event bus.
type Status struct {
	LastHeartbeat  time.Time `json:"last_heartbeat,omitempty"`
	APRSState      string    `json:"aprs_state"`
	APRSServer     string    `json:"aprs_server,omitempty"`
	Callsign       string    `json:"callsign,omitempty"`
	Nodes          int       `json:"nodes"`
	Mappings       int       `json:"mappings"`
	RadioConnected bool      `json:"radio_connected"`
	Verified       bool      `json:"verified"`
	Degraded       bool      `json:"degraded"`
}

// Gateway bridges the mesh radio to APRS-IS under backend-supplied identity.
type Gateway struct {
	cfg   *config.Config
	store *storage.Repository
	bus   *events.Bus

	registry *mesh.Registry
	stats    *relay.Table
	interp   *mesh.Interpreter
	radio    *radio.Client
	backend  *backend.Client
	limiter  *rate.Limiter

	mu sync.Mutex

	session  *aprs.Session
	callsign string
	passcode int

	provision     *backend.Provision
	provisionHash uint64

	mappings     map[string]backend.MappingEntry
	mappingsHash string

	radioUp       bool
	verified      bool
	degraded      bool
	started       bool
	stopped       bool
	hbStopped     bool
	lastHeartbeat time.Time

	heartbeat *time.Timer
	flush     *time.Timer

	schedGen    int
	beaconTimer *time.Timer
	defsTimer   *time.Timer
	dataTimer   *time.Timer
	lastBeacon  time.Time
	lastDefs    time.Time
	lastData    time.Time
	statusSent  bool

	telemetrySeq int
	unmappedSeen map[string]struct{}
	digests      *digestCache
	counters     *telemetryCounters
}

// New assembles the gateway from configuration and restores persisted state.
// Call Start to bring the links up.
func New(cfg *config.Config, store *storage.Repository, bus *events.Bus) *Gateway {
	g := &Gateway{
		cfg:      cfg,
		store:    store,
		bus:      bus,
		registry: mesh.NewRegistry(),
		stats:    relay.NewTable(),
		limiter:  rate.NewLimiter(rate.Limit(cfg.APRS.UplinkRate), cfg.APRS.UplinkBurst),
		backend:  backend.NewClient(cfg.Backend.URL, cfg.Backend.APIKey, vars.Agent(), cfg.Backend.Timeout),

		mappings:     make(map[string]backend.MappingEntry),
		unmappedSeen: make(map[string]struct{}),
		digests:      newDigestCache(digestCapacity),
		counters:     newTelemetryCounters(),
	}

	g.interp = mesh.NewInterpreter(mesh.Config{
		BacklogGrace: cfg.Radio.BacklogGrace,
		ClockSkew:    cfg.Radio.ClockSkew,
	}, g.registry, g.stats)
	g.interp.OnSummary = g.onSummary
	g.interp.OnNode = g.onNode

	g.radio = radio.NewClient(radio.Config{
		Address:           cfg.Radio.Address,
		SerialPort:        cfg.Radio.SerialPort,
		BaudRate:          cfg.Radio.BaudRate,
		ConnectTimeout:    cfg.Radio.ConnectTimeout,
		ReconnectDelay:    cfg.Radio.ReconnectDelay,
		HeartbeatInterval: cfg.Radio.HeartbeatInterval,
	})
	g.radio.OnConnect = g.onRadioConnect
	g.radio.OnDisconnect = g.onRadioDisconnect
	g.radio.OnFrame = g.interp.HandleFrame

	g.restoreState()
	return g
}

// Events returns the gateway's event bus.
func (g *Gateway) Events() *events.Bus {
	return g.bus
}

// restoreState loads everything persisted by a previous run: node registry,
// relay link stats, mapping table, telemetry sequence and cached
// provisioning. The cached provisioning builds the APRS session immediately
// so the station can log in before the first backend heartbeat completes.
func (g *Gateway) restoreState() {
	g.mu.Lock()
	defer g.mu.Unlock()

	if value, ok, _ := g.store.GetRecord(storage.RecordNodeRegistry); ok {
		if err := g.registry.LoadJSON([]byte(value)); err != nil {
			log.Warn().Err(err).Msg("Discarding unreadable persisted node registry")
		}
	}

	if stats, err := g.store.LoadRelayStats(); err != nil {
		log.Warn().Err(err).Msg("Relay stats load failed")
	} else if len(stats) > 0 {
		g.stats.Load(stats)
	}

	if value, ok, _ := g.store.GetRecord(storage.RecordTelemetrySeq); ok {
		if seq, err := strconv.Atoi(value); err == nil {
			g.telemetrySeq = seq
		}
	}

	g.loadMappingsLocked()

	if cached := g.loadProvisionLocked(); cached != nil {
		g.applyProvisionLocked(cached, false)
	}

	log.Info().
		Int("nodes", g.registry.Len()).
		Int("relay_stats", g.stats.Len()).
		Int("mappings", len(g.mappings)).
		Msg("Persisted state restored")
}

// Start brings the radio link, the APRS session (when provisioned) and the
// backend heartbeat loop up.
func (g *Gateway) Start() {
	g.mu.Lock()
	g.started = true
	session := g.session
	g.mu.Unlock()

	g.radio.Start()
	if session != nil {
		session.Start()
	}

	// First heartbeat immediately: provisioning may be waiting server-side.
	go g.heartbeatTick()

	g.mu.Lock()
	g.flush = time.AfterFunc(flushInterval, g.flushTick)
	g.mu.Unlock()

	log.Info().Str("radio", g.radio.Target()).Str("aprs", g.cfg.APRS.Server).Msg("Gateway started")
}

// Stop shuts everything down and writes volatile state back to the database.
func (g *Gateway) Stop() {
	g.mu.Lock()
	if g.stopped {
		g.mu.Unlock()
		return
	}
	g.stopped = true
	g.cancelSchedulesLocked()
	for _, t := range []*time.Timer{g.heartbeat, g.flush} {
		if t != nil {
			t.Stop()
		}
	}
	g.heartbeat, g.flush = nil, nil
	session := g.session
	g.mu.Unlock()

	if session != nil {
		session.Stop()
	}
	g.radio.Stop()

	g.flushState()
	log.Info().Msg("Gateway stopped")
}

// Status returns the current connection snapshot.
func (g *Gateway) Status() Status {
	g.mu.Lock()
	defer g.mu.Unlock()

	st := Status{
		RadioConnected: g.radioUp,
		APRSState:      aprs.StateDisconnected.String(),
		Callsign:       g.callsign,
		Verified:       g.verified,
		Degraded:       g.degraded,
		LastHeartbeat:  g.lastHeartbeat,
		Nodes:          g.registry.Len(),
		Mappings:       len(g.mappings),
	}
	if g.session != nil {
		st.APRSState = g.session.State().String()
		st.APRSServer = g.session.ActualServer()
	}
	return st
}

func (g *Gateway) publishStatus() {
	g.bus.Publish(events.KindConnectionStatus, g.Status())
}

func (g *Gateway) onRadioConnect(at time.Time) {
	g.interp.SetConnectedAt(at)

	g.mu.Lock()
	g.radioUp = true
	g.mu.Unlock()

	g.publishStatus()
}

func (g *Gateway) onRadioDisconnect(err error) {
	g.mu.Lock()
	g.radioUp = false
	g.mu.Unlock()

	g.publishStatus()
}

// onSessionState tracks APRS session transitions. Verification itself is
// handled by onVerified; a drop back to disconnected clears the session-local
// send markers so the next login re-sends the status line.
func (g *Gateway) onSessionState(st aprs.State) {
	g.mu.Lock()
	if st == aprs.StateDisconnected {
		g.verified = false
		g.statusSent = false
		g.cancelSchedulesLocked()
	}
	g.mu.Unlock()

	g.publishStatus()
}

// onNode receives node identity updates from the interpreter.
func (g *Gateway) onNode(rec mesh.NodeRecord) {
	g.bus.Publish(events.KindNodeUpdate, rec)
}

// flushTick periodically persists the volatile caches.
func (g *Gateway) flushTick() {
	g.mu.Lock()
	if g.stopped {
		g.mu.Unlock()
		return
	}
	g.mu.Unlock()

	g.flushState()
	g.bus.Publish(events.KindStateSnapshot, g.Status())

	g.mu.Lock()
	if !g.stopped {
		g.flush = time.AfterFunc(flushInterval, g.flushTick)
	}
	g.mu.Unlock()
}

// flushState writes the node registry and relay stats back to the database.
// Failures are logged and retried at the next flush, never propagated.
func (g *Gateway) flushState() {
	if data, err := g.registry.MarshalJSON(); err == nil {
		if err := g.store.SetRecord(storage.RecordNodeRegistry, string(data)); err != nil {
			log.Warn().Err(err).Msg("Node registry persist failed")
		}
	}

	if err := g.store.SaveRelayStats(g.stats.Snapshot()); err != nil {
		log.Warn().Err(err).Msg("Relay stats persist failed")
	}
}
