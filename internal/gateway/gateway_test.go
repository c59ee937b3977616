package gateway

import (
	"bufio"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/hamlab/meshgate/internal/backend"
	"github.com/hamlab/meshgate/internal/config"
	"github.com/hamlab/meshgate/internal/events"
	"github.com/hamlab/meshgate/internal/mesh"
	"github.com/hamlab/meshgate/internal/meshproto"
	"github.com/hamlab/meshgate/internal/storage"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()

	return &config.Config{
		Radio: config.Radio{
			Address:           "127.0.0.1:1", // never reachable in tests
			ConnectTimeout:    100 * time.Millisecond,
			ReconnectDelay:    time.Hour,
			HeartbeatInterval: time.Hour,
			BacklogGrace:      90 * time.Second,
			ClockSkew:         20 * time.Second,
		},
		APRS: config.APRS{
			Server:            "127.0.0.1:1",
			KeepaliveInterval: time.Hour,
			ReconnectDelay:    time.Hour,
			UplinkRate:        1000,
			UplinkBurst:       1000,
		},
		Backend: config.Backend{
			URL:               "http://127.0.0.1:1",
			APIKey:            "test-key",
			HeartbeatInterval: time.Hour,
			Timeout:           time.Second,
		},
		Beacon: config.Beacon{
			Interval:        30 * time.Minute,
			TelemetryWindow: 10 * time.Minute,
			DedupWindow:     200 * time.Millisecond,
		},
	}
}

func testStore(t *testing.T) *storage.Repository {
	t.Helper()

	store, err := storage.New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("storage: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

// aprsServer is a minimal APRS-IS endpoint: it verifies any login and
// collects every received line.
type aprsServer struct {
	ln    net.Listener
	lines chan string
}

func newAPRSServer(t *testing.T) *aprsServer {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { _ = ln.Close() })

	srv := &aprsServer{ln: ln, lines: make(chan string, 64)}
	go srv.serve()
	return srv
}

func (s *aprsServer) serve() {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}

		go func(conn net.Conn) {
			defer conn.Close()
			scanner := bufio.NewScanner(conn)
			for scanner.Scan() {
				line := strings.TrimRight(scanner.Text(), "\r")
				if strings.HasPrefix(line, "user ") {
					_, _ = conn.Write([]byte("# logresp TEST verified, server T2TEST\r\n"))
					continue
				}
				s.lines <- line
			}
		}(conn)
	}
}

func waitFor(t *testing.T, cond func() bool, what string) {
	t.Helper()

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timeout waiting for %s", what)
}

func positionSummary(lat, lon float64) mesh.Summary {
	return mesh.Summary{
		Time:     time.Now(),
		Kind:     "position",
		Port:     meshproto.PortPosition,
		From:     mesh.NodeRef{Num: 0xAA, MeshID: "!000000aa", Label: "!000000aa"},
		Position: &mesh.PositionDetail{Latitude: lat, Longitude: lon},
	}
}

// collect drains forwarded position lines (source NODE1-7) for the given
// duration.
func collectPositions(srv *aprsServer, d time.Duration) []string {
	var got []string
	deadline := time.After(d)
	for {
		select {
		case line := <-srv.lines:
			if strings.HasPrefix(line, "NODE1-7>") {
				got = append(got, line)
			}
		case <-deadline:
			return got
		}
	}
}

func TestPositionForwardingDedupWindow(t *testing.T) {
	t.Parallel()

	srv := newAPRSServer(t)
	cfg := testConfig(t)
	cfg.APRS.Server = srv.ln.Addr().String()

	g := New(cfg, testStore(t), events.NewBus())
	t.Cleanup(g.Stop)

	g.mu.Lock()
	g.started = true
	g.setMappingsLocked([]backend.MappingEntry{
		{MeshID: "!000000aa", Callsign: "NODE1", SSID: 7},
	}, "h1")
	g.applyProvisionLocked(&backend.Provision{Callsign: "N0GW"}, false)
	g.mu.Unlock()

	waitFor(t, func() bool { return g.Status().Verified }, "APRS verification")

	// Two identical positions inside the dedup window: exactly one uplink
	g.onSummary(positionSummary(25.033, 121.565))
	g.onSummary(positionSummary(25.033, 121.565))

	got := collectPositions(srv, 500*time.Millisecond)
	if len(got) != 1 {
		t.Fatalf("got %d uplinks inside window, want 1: %v", len(got), got)
	}

	if !strings.Contains(got[0], ">APZMGT,MESHGT,qAO,N0GW:!2501.98N/12133.90E>") {
		t.Fatalf("unexpected uplink frame: %q", got[0])
	}

	// Same position again after the window expires: a second uplink
	time.Sleep(cfg.Beacon.DedupWindow + 50*time.Millisecond)
	g.onSummary(positionSummary(25.033, 121.565))

	got = collectPositions(srv, 500*time.Millisecond)
	if len(got) != 1 {
		t.Fatalf("got %d uplinks beyond window, want 1: %v", len(got), got)
	}
}

func TestUnmappedNodeNotForwarded(t *testing.T) {
	t.Parallel()

	srv := newAPRSServer(t)
	cfg := testConfig(t)
	cfg.APRS.Server = srv.ln.Addr().String()

	g := New(cfg, testStore(t), events.NewBus())
	t.Cleanup(g.Stop)

	g.mu.Lock()
	g.started = true
	g.applyProvisionLocked(&backend.Provision{Callsign: "N0GW"}, false)
	g.mu.Unlock()

	waitFor(t, func() bool { return g.Status().Verified }, "APRS verification")

	g.onSummary(positionSummary(25.033, 121.565))

	if got := collectPositions(srv, 300*time.Millisecond); len(got) != 0 {
		t.Fatalf("unmapped node must not be forwarded, got %v", got)
	}
}

func TestHeartbeatAppliesProvisionAndMappings(t *testing.T) {
	t.Parallel()

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v1/heartbeat":
			_ = json.NewEncoder(w).Encode(backend.HeartbeatResponse{
				NeedsUpdate: true,
				Hash:        "h2",
				Provision:   &backend.Provision{Callsign: "N0GW", SSID: 1},
			})
		case "/api/v1/mappings":
			_ = json.NewEncoder(w).Encode(backend.MappingsResponse{
				Hash:  "h2",
				Items: []backend.MappingEntry{{MeshID: "!000000aa", Callsign: "NODE1"}},
			})
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(ts.Close)

	cfg := testConfig(t)
	cfg.Backend.URL = ts.URL

	store := testStore(t)
	g := New(cfg, store, events.NewBus())
	t.Cleanup(g.Stop)

	g.heartbeatTick()

	st := g.Status()
	if st.Degraded {
		t.Fatal("successful heartbeat must not be degraded")
	}
	if st.Callsign != "N0GW-1" {
		t.Fatalf("callsign = %q, want N0GW-1", st.Callsign)
	}
	if st.Mappings != 1 {
		t.Fatalf("mappings = %d, want 1", st.Mappings)
	}

	// Provisioning and mapping table must be persisted
	if _, ok, _ := store.GetRecord(storage.RecordProvision); !ok {
		t.Fatal("provision record not persisted")
	}
	if hash, ok, _ := store.GetRecord(storage.RecordMappingsHash); !ok || hash != "h2" {
		t.Fatalf("mappings hash record = %q ok=%v", hash, ok)
	}
}

func TestHeartbeatTransientFailureDegrades(t *testing.T) {
	t.Parallel()

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream exploded", http.StatusInternalServerError)
	}))
	t.Cleanup(ts.Close)

	cfg := testConfig(t)
	cfg.Backend.URL = ts.URL

	store := testStore(t)

	// Seed a cached provisioning record from a previous run
	cached, _ := json.Marshal(backend.Provision{Callsign: "N0GW"})
	if err := store.SetRecord(storage.RecordProvision, string(cached)); err != nil {
		t.Fatalf("seed: %v", err)
	}

	g := New(cfg, store, events.NewBus())
	t.Cleanup(g.Stop)

	g.heartbeatTick()

	st := g.Status()
	if !st.Degraded {
		t.Fatal("transient backend failure must mark degraded")
	}
	if st.Callsign != "N0GW" {
		t.Fatalf("cached provisioning not applied, callsign = %q", st.Callsign)
	}

	g.mu.Lock()
	stopped := g.hbStopped
	g.mu.Unlock()
	if stopped {
		t.Fatal("transient failure must not stop the heartbeat loop")
	}
}

func TestHeartbeatAuthFailureIsTerminal(t *testing.T) {
	t.Parallel()

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad key", http.StatusUnauthorized)
	}))
	t.Cleanup(ts.Close)

	cfg := testConfig(t)
	cfg.Backend.URL = ts.URL

	store := testStore(t)
	g := New(cfg, store, events.NewBus())
	t.Cleanup(g.Stop)

	g.heartbeatTick()

	g.mu.Lock()
	stopped := g.hbStopped
	g.mu.Unlock()
	if !stopped {
		t.Fatal("auth failure must stop the heartbeat loop")
	}

	if state, ok, _ := store.GetRecord(storage.RecordAPIKeyState); !ok || state != "revoked" {
		t.Fatalf("api key state record = %q ok=%v, want revoked", state, ok)
	}
}

func TestProvisionNoopUpdateKeepsSession(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	g := New(cfg, testStore(t), events.NewBus())
	t.Cleanup(g.Stop)

	g.mu.Lock()
	g.applyProvisionLocked(&backend.Provision{Callsign: "N0GW", SSID: 2}, false)
	first := g.session
	g.applyProvisionLocked(&backend.Provision{Callsign: "N0GW", SSID: 2}, false)
	same := g.session == first
	g.applyProvisionLocked(&backend.Provision{Callsign: "N0GW", SSID: 3}, false)
	rebuilt := g.session != first
	callsign := g.callsign
	g.mu.Unlock()

	if !same {
		t.Fatal("identical provisioning must not rebuild the session")
	}
	if !rebuilt || callsign != "N0GW-3" {
		t.Fatalf("callsign change must rebuild the session, callsign = %q", callsign)
	}
}
