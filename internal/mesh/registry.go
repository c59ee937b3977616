package mesh

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"
)

// NodeRecord is one identity cache entry. Records are only removed by an
// explicit operator reset, never by expiry.
type NodeRecord struct {
	LastSeen    time.Time `json:"last_seen"`
	MeshID      string    `json:"mesh_id"`
	ShortName   string    `json:"short_name,omitempty"`
	LongName    string    `json:"long_name,omitempty"`
	Latitude    float64   `json:"latitude,omitempty"`
	Longitude   float64   `json:"longitude,omitempty"`
	Num         uint32    `json:"num"`
	HwModel     uint32    `json:"hw_model,omitempty"`
	Role        uint32    `json:"role,omitempty"`
	HasPosition bool      `json:"has_position,omitempty"`
}

// Label composes the display label: "{longName or shortName} ({meshId})",
// falling back to the bare mesh id.
func (n *NodeRecord) Label() string {
	name := n.LongName
	if name == "" {
		name = n.ShortName
	}
	if name == "" {
		return n.MeshID
	}
	return fmt.Sprintf("%s (%s)", name, n.MeshID)
}

// MeshID renders a node number as the normalized mesh identifier
// (`!` + 8 lowercase hex digits).
func MeshID(num uint32) string {
	return fmt.Sprintf("!%08x", num)
}

// ParseMeshID converts a normalized mesh identifier back to a node number.
func ParseMeshID(id string) (uint32, bool) {
	s := strings.TrimPrefix(strings.ToLower(strings.TrimSpace(id)), "!")
	if len(s) == 0 || len(s) > 8 {
		return 0, false
	}
	v, err := strconv.ParseUint(s, 16, 32)
	if err != nil {
		return 0, false
	}
	return uint32(v), true
}

// Registry is the live node identity cache, keyed by node number. Safe for
// concurrent use; it also serves as the candidate source for relay inference.
type Registry struct {
	mu    sync.Mutex
	nodes map[uint32]*NodeRecord
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{nodes: make(map[uint32]*NodeRecord)}
}

// Upsert merges identity fields into the record for num, creating it if
// needed, and returns a copy of the updated record. Empty strings do not
// overwrite known names.
func (r *Registry) Upsert(num uint32, shortName, longName string, hwModel, role uint32, seen time.Time) NodeRecord {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec := r.getOrCreateLocked(num)
	if shortName != "" {
		rec.ShortName = shortName
	}
	if longName != "" {
		rec.LongName = longName
	}
	if hwModel != 0 {
		rec.HwModel = hwModel
	}
	if role != 0 {
		rec.Role = role
	}
	if seen.After(rec.LastSeen) {
		rec.LastSeen = seen
	}

	return *rec
}

// Touch updates the last-seen timestamp, creating a bare record if needed.
func (r *Registry) Touch(num uint32, seen time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec := r.getOrCreateLocked(num)
	if seen.After(rec.LastSeen) {
		rec.LastSeen = seen
	}
}

// SetPosition records a node's last known position.
func (r *Registry) SetPosition(num uint32, lat, lon float64, seen time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec := r.getOrCreateLocked(num)
	rec.Latitude = lat
	rec.Longitude = lon
	rec.HasPosition = true
	if seen.After(rec.LastSeen) {
		rec.LastSeen = seen
	}
}

func (r *Registry) getOrCreateLocked(num uint32) *NodeRecord {
	rec, ok := r.nodes[num]
	if !ok {
		rec = &NodeRecord{Num: num, MeshID: MeshID(num)}
		r.nodes[num] = rec
	}
	return rec
}

// Get returns a copy of the record for num.
func (r *Registry) Get(num uint32) (NodeRecord, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.nodes[num]
	if !ok {
		return NodeRecord{}, false
	}
	return *rec, true
}

// Label returns the display label for num, or the bare mesh id for nodes
// without a record.
func (r *Registry) Label(num uint32) string {
	r.mu.Lock()
	defer r.mu.Unlock()

	if rec, ok := r.nodes[num]; ok {
		return rec.Label()
	}
	return MeshID(num)
}

// Known reports whether a full identity record (at least one name) exists.
// Part of the relay inference Registry interface.
func (r *Registry) Known(num uint32) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.nodes[num]
	return ok && (rec.ShortName != "" || rec.LongName != "")
}

// Nums returns all tracked node numbers. Part of the relay inference
// Registry interface.
func (r *Registry) Nums() []uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]uint32, 0, len(r.nodes))
	for num := range r.nodes {
		out = append(out, num)
	}
	return out
}

// Snapshot returns copies of all records, for persistence and state dumps.
func (r *Registry) Snapshot() []NodeRecord {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]NodeRecord, 0, len(r.nodes))
	for _, rec := range r.nodes {
		out = append(out, *rec)
	}
	return out
}

// Len returns the number of tracked nodes.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.nodes)
}

// Reset drops every record. Only the explicit operator maintenance path
// calls this.
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nodes = make(map[uint32]*NodeRecord)
}

// MarshalJSON encodes the registry as a record array for persistence.
func (r *Registry) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.Snapshot())
}

// LoadJSON replaces the registry contents from a persisted record array.
func (r *Registry) LoadJSON(data []byte) error {
	var records []NodeRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.nodes = make(map[uint32]*NodeRecord, len(records))
	for i := range records {
		rec := records[i]
		if rec.MeshID == "" {
			rec.MeshID = MeshID(rec.Num)
		}
		r.nodes[rec.Num] = &rec
	}

	return nil
}
