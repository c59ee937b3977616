package backend

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestHeartbeat_SendsKeyAndAgent(t *testing.T) {
	t.Parallel()

	s := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/heartbeat" {
			t.Errorf("path %q", r.URL.Path)
		}
		if got := r.Header.Get("X-Api-Key"); got != "secret" {
			t.Errorf("api key %q", got)
		}

		var req HeartbeatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode: %v", err)
		}
		if req.LocalHash != "abc123" || !strings.HasPrefix(req.Agent, "MeshGate/") {
			t.Errorf("request %+v", req)
		}

		_ = json.NewEncoder(w).Encode(HeartbeatResponse{
			NeedsUpdate: true,
			Hash:        "def456",
		})
	}))
	defer s.Close()

	c := NewClient(s.URL, "secret", "MeshGate/test", time.Second)
	resp, err := c.Heartbeat(context.Background(), HeartbeatRequest{LocalHash: "abc123"})
	if err != nil {
		t.Fatalf("heartbeat failed: %v", err)
	}
	if !resp.NeedsUpdate || resp.Hash != "def456" {
		t.Fatalf("response %+v", resp)
	}
}

func TestHeartbeat_UnauthorizedIsTerminal(t *testing.T) {
	t.Parallel()

	s := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "invalid key", http.StatusUnauthorized)
	}))
	defer s.Close()

	c := NewClient(s.URL, "revoked", "MeshGate/test", time.Second)
	_, err := c.Heartbeat(context.Background(), HeartbeatRequest{})
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("got %v, want ErrUnauthorized", err)
	}
}

func TestHeartbeat_ServerErrorIncludesBody(t *testing.T) {
	t.Parallel()

	s := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "database down", http.StatusInternalServerError)
	}))
	defer s.Close()

	c := NewClient(s.URL, "k", "MeshGate/test", time.Second)
	_, err := c.Heartbeat(context.Background(), HeartbeatRequest{})
	if err == nil {
		t.Fatal("expected error")
	}
	if errors.Is(err, ErrUnauthorized) {
		t.Fatal("5xx must not be terminal")
	}
	if !strings.Contains(err.Error(), "database down") {
		t.Fatalf("error missing body: %v", err)
	}
}

func TestMappings(t *testing.T) {
	t.Parallel()

	s := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/mappings" {
			t.Errorf("path %q", r.URL.Path)
		}
		_ = json.NewEncoder(w).Encode(MappingsResponse{
			Hash: "h1",
			Items: []MappingEntry{
				{MeshID: "!deadbeef", Callsign: "N0CALL", SSID: 7},
			},
		})
	}))
	defer s.Close()

	c := NewClient(s.URL, "k", "MeshGate/test", time.Second)
	resp, err := c.Mappings(context.Background(), MappingsRequest{KnownHash: "old"})
	if err != nil {
		t.Fatalf("mappings failed: %v", err)
	}
	if resp.Hash != "h1" || len(resp.Items) != 1 || resp.Items[0].MeshID != "!deadbeef" {
		t.Fatalf("response %+v", resp)
	}
}

func TestHeartbeat_Timeout(t *testing.T) {
	t.Parallel()

	s := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer s.Close()

	c := NewClient(s.URL, "k", "MeshGate/test", 50*time.Millisecond)
	_, err := c.Heartbeat(context.Background(), HeartbeatRequest{})
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if errors.Is(err, ErrUnauthorized) {
		t.Fatal("timeout must not be terminal")
	}
}
