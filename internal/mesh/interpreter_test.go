package mesh

import (
	"math"
	"strings"
	"testing"
	"time"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/hamlab/meshgate/internal/meshproto"
	"github.com/hamlab/meshgate/internal/relay"
)

// packetOpts drives the test packet builder.
type packetOpts struct {
	from, to  uint32
	id        uint32
	rxTime    uint32
	snr       float32
	rssi      int32
	hopStart  uint32
	hopLimit  uint32
	relayNode uint32
	nextHop   uint32
	port      meshproto.PortNum
	payload   []byte
}

func buildEnvelope(opts packetOpts) []byte {
	var data []byte
	data = protowire.AppendTag(data, 1, protowire.VarintType)
	data = protowire.AppendVarint(data, uint64(opts.port))
	data = protowire.AppendTag(data, 2, protowire.BytesType)
	data = protowire.AppendBytes(data, opts.payload)

	var pkt []byte
	pkt = protowire.AppendTag(pkt, 1, protowire.Fixed32Type)
	pkt = protowire.AppendFixed32(pkt, opts.from)
	pkt = protowire.AppendTag(pkt, 2, protowire.Fixed32Type)
	pkt = protowire.AppendFixed32(pkt, opts.to)
	pkt = protowire.AppendTag(pkt, 4, protowire.BytesType)
	pkt = protowire.AppendBytes(pkt, data)
	pkt = protowire.AppendTag(pkt, 6, protowire.Fixed32Type)
	pkt = protowire.AppendFixed32(pkt, opts.id)
	if opts.rxTime != 0 {
		pkt = protowire.AppendTag(pkt, 7, protowire.Fixed32Type)
		pkt = protowire.AppendFixed32(pkt, opts.rxTime)
	}
	pkt = protowire.AppendTag(pkt, 8, protowire.Fixed32Type)
	pkt = protowire.AppendFixed32(pkt, math.Float32bits(opts.snr))
	pkt = protowire.AppendTag(pkt, 9, protowire.VarintType)
	pkt = protowire.AppendVarint(pkt, uint64(opts.hopLimit))
	pkt = protowire.AppendTag(pkt, 12, protowire.VarintType)
	pkt = protowire.AppendVarint(pkt, uint64(uint32(opts.rssi)))
	if opts.hopStart != 0 {
		pkt = protowire.AppendTag(pkt, 15, protowire.VarintType)
		pkt = protowire.AppendVarint(pkt, uint64(opts.hopStart))
	}
	if opts.nextHop != 0 {
		pkt = protowire.AppendTag(pkt, 18, protowire.VarintType)
		pkt = protowire.AppendVarint(pkt, uint64(opts.nextHop))
	}
	if opts.relayNode != 0 {
		pkt = protowire.AppendTag(pkt, 19, protowire.VarintType)
		pkt = protowire.AppendVarint(pkt, uint64(opts.relayNode))
	}

	var env []byte
	env = protowire.AppendTag(env, 2, protowire.BytesType)
	env = protowire.AppendBytes(env, pkt)
	return env
}

func newTestInterpreter() (*Interpreter, *relay.Table, *[]Summary) {
	registry := NewRegistry()
	stats := relay.NewTable()
	it := NewInterpreter(Config{BacklogGrace: 90 * time.Second, ClockSkew: 20 * time.Second}, registry, stats)

	summaries := &[]Summary{}
	it.OnSummary = func(s Summary) { *summaries = append(*summaries, s) }
	return it, stats, summaries
}

func TestHandleFrame_TextSummary(t *testing.T) {
	t.Parallel()

	it, _, summaries := newTestInterpreter()
	it.HandleFrame(buildEnvelope(packetOpts{
		from: 0x11223344, to: 0xFFFFFFFF, id: 1,
		snr: 6.5, rssi: -85,
		port: meshproto.PortTextMessage, payload: []byte("hi all"),
	}))

	if len(*summaries) != 1 {
		t.Fatalf("got %d summaries, want 1", len(*summaries))
	}

	s := (*summaries)[0]
	if s.Kind != "text" || s.Detail != "hi all" {
		t.Fatalf("bad summary: %+v", s)
	}
	if s.From.MeshID != "!11223344" {
		t.Fatalf("bad from ref: %+v", s.From)
	}
	if s.SNR != 6.5 || s.RSSI != -85 {
		t.Fatalf("bad signal: snr=%v rssi=%v", s.SNR, s.RSSI)
	}
}

func TestHandleFrame_Dedup(t *testing.T) {
	t.Parallel()

	it, _, summaries := newTestInterpreter()
	pkt := packetOpts{from: 0x01, id: 42, port: meshproto.PortTextMessage, payload: []byte("x"), snr: 1, rssi: -90}

	it.HandleFrame(buildEnvelope(pkt))
	it.HandleFrame(buildEnvelope(pkt))

	if len(*summaries) != 1 {
		t.Fatalf("duplicate packet must emit once, got %d", len(*summaries))
	}

	// Packet id zero is never deduplicated
	zero := packetOpts{from: 0x01, id: 0, port: meshproto.PortTextMessage, payload: []byte("y"), snr: 1, rssi: -90}
	it.HandleFrame(buildEnvelope(zero))
	it.HandleFrame(buildEnvelope(zero))

	if len(*summaries) != 3 {
		t.Fatalf("id 0 must always emit, got %d total", len(*summaries))
	}
}

func TestHandleFrame_BacklogSuppression(t *testing.T) {
	t.Parallel()

	it, _, summaries := newTestInterpreter()
	it.SetConnectedAt(time.Now())

	// Packet stamped 10 minutes before connect, arriving inside the grace
	// window: dropped.
	stale := packetOpts{
		from: 0x02, id: 7,
		rxTime: uint32(time.Now().Add(-10 * time.Minute).Unix()),
		port:   meshproto.PortTextMessage, payload: []byte("old"),
	}
	it.HandleFrame(buildEnvelope(stale))
	if len(*summaries) != 0 {
		t.Fatalf("backlogged packet must be dropped, got %d", len(*summaries))
	}

	// Fresh packet passes
	fresh := stale
	fresh.id = 8
	fresh.rxTime = uint32(time.Now().Unix())
	it.HandleFrame(buildEnvelope(fresh))
	if len(*summaries) != 1 {
		t.Fatalf("fresh packet must pass, got %d", len(*summaries))
	}
}

func TestHandleFrame_DirectReceptionFeedsStats(t *testing.T) {
	t.Parallel()

	it, stats, summaries := newTestInterpreter()

	// hopStart == hopLimit means zero used hops: direct
	it.HandleFrame(buildEnvelope(packetOpts{
		from: 0xAA, id: 1, snr: 7.5, rssi: -70,
		hopStart: 3, hopLimit: 3,
		port: meshproto.PortTextMessage, payload: []byte("d"),
	}))

	if len(*summaries) != 1 || !(*summaries)[0].Direct {
		t.Fatalf("expected direct summary: %+v", summaries)
	}
	if s, ok := stats.Get(0xAA); !ok || s.Samples != 1 || s.SNR != 7.5 {
		t.Fatalf("direct reception must feed stats, got %+v ok=%v", s, ok)
	}
}

func TestHandleFrame_RelayedDoesNotFeedStats(t *testing.T) {
	t.Parallel()

	it, stats, summaries := newTestInterpreter()

	// One hop used, relayed by a known full-width relay id
	it.HandleFrame(buildEnvelope(packetOpts{
		from: 0xBB, id: 2, snr: 2, rssi: -100,
		hopStart: 3, hopLimit: 2, relayNode: 0x11223344,
		port: meshproto.PortTextMessage, payload: []byte("r"),
	}))

	if len(*summaries) != 1 {
		t.Fatalf("got %d summaries", len(*summaries))
	}
	s := (*summaries)[0]
	if s.Direct {
		t.Fatalf("relayed packet classified direct: %+v", s)
	}
	if s.UsedHops != 1 {
		t.Fatalf("got usedHops %d, want 1", s.UsedHops)
	}
	if s.Relay.Num != 0x11223344 || s.RelayGuessed {
		t.Fatalf("full relay id must pass through unguessed: %+v", s.Relay)
	}
	if _, ok := stats.Get(0xBB); ok {
		t.Fatal("relayed packet must not feed sender stats")
	}
}

func TestHandleFrame_RelayInferenceFromTailByte(t *testing.T) {
	t.Parallel()

	it, stats, summaries := newTestInterpreter()
	stats.Observe(0x99887742, 5, -80, time.Now())

	it.HandleFrame(buildEnvelope(packetOpts{
		from: 0xCC, id: 3, snr: 4.8, rssi: -82,
		hopStart: 2, hopLimit: 1, relayNode: 0x42,
		port: meshproto.PortTextMessage, payload: []byte("g"),
	}))

	s := (*summaries)[0]
	if s.Relay.Num != 0x99887742 {
		t.Fatalf("tail byte should resolve to the known node, got %+v", s.Relay)
	}
	if !s.RelayGuessed {
		t.Fatal("resolution without an identity record must be flagged guessed")
	}
}

func TestHandleFrame_NodeInfoUpdatesRegistry(t *testing.T) {
	t.Parallel()

	registry := NewRegistry()
	it := NewInterpreter(Config{}, registry, relay.NewTable())

	var updated []NodeRecord
	it.OnNode = func(rec NodeRecord) { updated = append(updated, rec) }

	user := protowire.AppendTag(nil, 1, protowire.BytesType)
	user = protowire.AppendBytes(user, []byte("!000000aa"))
	user = protowire.AppendTag(user, 2, protowire.BytesType)
	user = protowire.AppendBytes(user, []byte("Hill Repeater"))
	user = protowire.AppendTag(user, 3, protowire.BytesType)
	user = protowire.AppendBytes(user, []byte("HILL"))

	ni := protowire.AppendTag(nil, 1, protowire.VarintType)
	ni = protowire.AppendVarint(ni, 0xAA)
	ni = protowire.AppendTag(ni, 2, protowire.BytesType)
	ni = protowire.AppendBytes(ni, user)

	env := protowire.AppendTag(nil, 4, protowire.BytesType)
	env = protowire.AppendBytes(env, ni)

	it.HandleFrame(env)

	if len(updated) != 1 {
		t.Fatalf("got %d node updates, want 1", len(updated))
	}
	if got := registry.Label(0xAA); got != "Hill Repeater (!000000aa)" {
		t.Fatalf("label %q", got)
	}
	if !registry.Known(0xAA) {
		t.Fatal("node with names must be Known")
	}
}

func TestHandleFrame_UnknownPortRawFallback(t *testing.T) {
	t.Parallel()

	it, _, summaries := newTestInterpreter()
	it.HandleFrame(buildEnvelope(packetOpts{
		from: 0xDD, id: 4, snr: 1, rssi: -90,
		port: meshproto.PortNum(200), payload: []byte{0xDE, 0xAD},
	}))

	s := (*summaries)[0]
	if s.Kind != "raw" {
		t.Fatalf("got kind %q, want raw", s.Kind)
	}
	if !strings.Contains(s.Detail, "dead") {
		t.Fatalf("raw detail missing hex dump: %q", s.Detail)
	}
}

func TestRegistryLoadJSONRoundTrip(t *testing.T) {
	t.Parallel()

	registry := NewRegistry()
	registry.Upsert(0xAB, "AB", "Alpha Bravo", 9, 1, time.Now())

	data, err := registry.MarshalJSON()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	restored := NewRegistry()
	if err := restored.LoadJSON(data); err != nil {
		t.Fatalf("load: %v", err)
	}
	if restored.Label(0xAB) != "Alpha Bravo (!000000ab)" {
		t.Fatalf("label %q", restored.Label(0xAB))
	}
}

func TestParseMeshID(t *testing.T) {
	t.Parallel()

	if num, ok := ParseMeshID("!deadbeef"); !ok || num != 0xDEADBEEF {
		t.Fatalf("got %#x ok=%v", num, ok)
	}
	if num, ok := ParseMeshID("DEADBEEF"); !ok || num != 0xDEADBEEF {
		t.Fatalf("bare hex should parse, got %#x ok=%v", num, ok)
	}
	if _, ok := ParseMeshID("!nothex"); ok {
		t.Fatal("invalid id should not parse")
	}
}
