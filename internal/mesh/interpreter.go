// Package mesh turns decoded radio protocol messages into structured
// summaries. It owns the live node identity cache, drops re-received
// duplicates, suppresses the radio's on-device backlog after connect and
// resolves relay references through the inference engine.
package mesh

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/hamlab/meshgate/internal/meshproto"
	"github.com/hamlab/meshgate/internal/relay"
)

// Config holds interpreter tunables.
type Config struct {
	// BacklogGrace is how long after connect the backlog suppression window
	// stays active.
	BacklogGrace time.Duration

	// ClockSkew is the allowance when comparing a packet's embedded receive
	// time against the connection establishment time.
	ClockSkew time.Duration

	// DedupCapacity bounds the duplicate-packet set; zero means the default.
	DedupCapacity int
}

// Interpreter consumes decoded protocol messages and emits summaries and
// node identity events. HandleFrame must be called from a single goroutine
// (the transport read loop); packets are processed strictly in arrival order.
type Interpreter struct {
	// OnSummary receives every decoded mesh event. Must not block.
	OnSummary func(Summary)

	// OnNode receives node identity updates. Must not block.
	OnNode func(NodeRecord)

	// OnMyInfo receives the local radio's node number once known.
	OnMyInfo func(uint32)

	cfg      Config
	registry *Registry
	resolver *relay.Resolver
	stats    *relay.Table
	dedup    *dedupSet

	mu          sync.Mutex
	myNodeNum   uint32
	connectedAt time.Time
}

// NewInterpreter creates an interpreter over the shared registry and relay
// stats table.
func NewInterpreter(cfg Config, registry *Registry, stats *relay.Table) *Interpreter {
	return &Interpreter{
		cfg:      cfg,
		registry: registry,
		stats:    stats,
		resolver: &relay.Resolver{Table: stats, Registry: registry},
		dedup:    newDedupSet(cfg.DedupCapacity),
	}
}

// SetConnectedAt records the transport connection establishment time, which
// anchors the backlog suppression window.
func (it *Interpreter) SetConnectedAt(t time.Time) {
	it.mu.Lock()
	it.connectedAt = t
	it.mu.Unlock()
}

// MyNodeNum returns the local radio's node number, zero when not yet known.
func (it *Interpreter) MyNodeNum() uint32 {
	it.mu.Lock()
	defer it.mu.Unlock()
	return it.myNodeNum
}

// HandleFrame decodes one framed payload from the radio. Malformed payloads
// are logged and dropped; they never abort the stream.
func (it *Interpreter) HandleFrame(payload []byte) {
	env, err := meshproto.DecodeEnvelope(payload)
	if err != nil {
		log.Debug().Err(err).Int("bytes", len(payload)).Msg("Undecodable radio message, dropped")
		return
	}

	switch {
	case env.Packet != nil:
		it.handlePacket(env.Packet)
	case env.MyInfo != nil:
		it.handleMyInfo(env.MyInfo)
	case env.NodeInfo != nil:
		it.handleNodeInfo(env.NodeInfo)
	case env.ConfigCompleteID != 0:
		log.Debug().Uint32("nonce", env.ConfigCompleteID).Msg("Radio config dump complete")
	case env.Rebooted:
		log.Info().Msg("Radio reports it rebooted")
	}
}

func (it *Interpreter) handleMyInfo(mi *meshproto.MyNodeInfo) {
	it.mu.Lock()
	changed := it.myNodeNum != mi.MyNodeNum
	it.myNodeNum = mi.MyNodeNum
	it.mu.Unlock()

	if changed {
		log.Info().Str("mesh_id", MeshID(mi.MyNodeNum)).Msg("Local radio identity learned")
		if it.OnMyInfo != nil {
			it.OnMyInfo(mi.MyNodeNum)
		}
	}
}

func (it *Interpreter) handleNodeInfo(ni *meshproto.NodeInfo) {
	seen := time.Now()
	if ni.LastHeard > 0 {
		seen = time.Unix(int64(ni.LastHeard), 0)
	}

	var rec NodeRecord
	if ni.User != nil {
		rec = it.registry.Upsert(ni.Num, ni.User.ShortName, ni.User.LongName, ni.User.HwModel, ni.User.Role, seen)
	} else {
		it.registry.Touch(ni.Num, seen)
		rec, _ = it.registry.Get(ni.Num)
	}

	if ni.Position != nil && ni.Position.HasLocation {
		it.registry.SetPosition(ni.Num, ni.Position.Latitude(), ni.Position.Longitude(), seen)
		rec, _ = it.registry.Get(ni.Num)
	}

	it.emitNode(rec)
}

func (it *Interpreter) emitNode(rec NodeRecord) {
	if it.OnNode != nil {
		it.OnNode(rec)
	}
}

func (it *Interpreter) handlePacket(p *meshproto.MeshPacket) {
	if it.dedup.check(p.From, p.ID) {
		log.Trace().
			Str("from", MeshID(p.From)).
			Uint32("packet_id", p.ID).
			Msg("Duplicate packet dropped")
		return
	}

	now := time.Now()
	rxTime := now
	if p.RxTime > 0 {
		rxTime = time.Unix(int64(p.RxTime), 0)
	}

	if it.isBacklog(rxTime, now) {
		log.Debug().
			Str("from", MeshID(p.From)).
			Time("rx_time", rxTime).
			Msg("Backlogged packet from before connect, dropped")
		return
	}

	it.registry.Touch(p.From, rxTime)

	s := Summary{
		Time:     rxTime,
		Channel:  p.Channel,
		SNR:      p.RxSNR,
		RSSI:     int(p.RxRSSI),
		HopStart: int(p.HopStart),
		HopLimit: int(p.HopLimit),
		UsedHops: usedHops(p.HopStart, p.HopLimit),
		PacketID: p.ID,
		FlowID:   flowID(p.From, p.ID, rxTime),
		From:     it.nodeRef(p.From),
		To:       it.nodeRef(p.To),
	}

	resolved := it.resolveRelay(&s, p, now)

	self := it.MyNodeNum()
	s.Direct = relay.IsDirect(s.UsedHops, p.RelayNode, p.NextHop, resolved, self, p.From)

	// Only confirmed direct receptions with real RF metrics feed the link
	// stats; guessed relays and MQTT-tunneled packets must not.
	if s.Direct && !p.ViaMQTT && (p.RxSNR != 0 || p.RxRSSI != 0) && p.From != self {
		it.stats.Observe(p.From, p.RxSNR, int(p.RxRSSI), rxTime)
	}

	if p.Decoded != nil {
		s.Port = p.Decoded.Portnum
		it.decodePayload(&s, p.Decoded)
	} else {
		s.Kind = "encrypted"
		s.Detail = "encrypted payload, no channel key"
	}

	if it.OnSummary != nil {
		it.OnSummary(s)
	}
}

// isBacklog reports whether a packet predates the connection and arrived
// within the post-connect grace window. Radios replay their on-device buffer
// after connect; replaying it into fresh state would flood stale data.
func (it *Interpreter) isBacklog(rxTime, now time.Time) bool {
	it.mu.Lock()
	connectedAt := it.connectedAt
	it.mu.Unlock()

	if connectedAt.IsZero() {
		return false
	}
	if !now.Before(connectedAt.Add(it.cfg.BacklogGrace)) {
		return false
	}

	return rxTime.Add(it.cfg.ClockSkew).Before(connectedAt)
}

// resolveRelay fills the relay and next-hop references and returns the
// resolved relay node id (zero when none). When the relay reference cannot
// be disambiguated but hop data shows the packet was relayed, resolution
// falls back to the next-hop field.
func (it *Interpreter) resolveRelay(s *Summary, p *meshproto.MeshPacket, now time.Time) uint32 {
	var resolved uint32

	if p.RelayNode != 0 {
		res := it.resolver.Resolve(p.RelayNode, p.RxSNR, int(p.RxRSSI), now)
		s.Relay = it.resolutionRef(res)
		s.RelayGuessed = res.Guessed
		resolved = res.Node

		if res.Forced && s.UsedHops > 0 && p.NextHop != 0 {
			nh := it.resolver.Resolve(p.NextHop, p.RxSNR, int(p.RxRSSI), now)
			if !nh.Forced {
				log.Debug().
					Str("relay", s.Relay.Label).
					Str("via_next_hop", MeshID(nh.Node)).
					Msg("Relay resolved through next-hop fallback")
				s.Relay = it.resolutionRef(nh)
				s.RelayGuessed = true
				resolved = nh.Node
			}
		}
	}

	if p.NextHop != 0 {
		nh := it.resolver.Resolve(p.NextHop, p.RxSNR, int(p.RxRSSI), now)
		s.NextHop = it.resolutionRef(nh)
	}

	return resolved
}

func (it *Interpreter) nodeRef(num uint32) NodeRef {
	if num == 0 {
		return NodeRef{}
	}
	return NodeRef{Num: num, MeshID: MeshID(num), Label: it.registry.Label(num)}
}

// resolutionRef builds a node reference from a relay resolution. A forced
// resolution keeps the bare tail byte visible in the label together with the
// reason it could not be pinned down.
func (it *Interpreter) resolutionRef(res relay.Resolution) NodeRef {
	if res.Forced {
		return NodeRef{
			Num:    res.Node,
			MeshID: MeshID(res.Node),
			Label:  "relay ?" + MeshID(res.Node)[7:] + " (" + res.Reason + ")",
		}
	}
	return it.nodeRef(res.Node)
}
