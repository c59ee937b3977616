package mesh

import (
	"fmt"
	"time"

	"github.com/hamlab/meshgate/internal/meshproto"
)

// NodeRef is a resolved reference to a mesh node within a summary.
type NodeRef struct {
	MeshID string `json:"mesh_id,omitempty"`
	Label  string `json:"label,omitempty"`
	Num    uint32 `json:"num,omitempty"`
}

// PositionDetail is the position payload of a summary.
type PositionDetail struct {
	Latitude    float64 `json:"latitude"`
	Longitude   float64 `json:"longitude"`
	Altitude    float64 `json:"altitude,omitempty"`
	Course      float64 `json:"course,omitempty"`
	SpeedKnots  float64 `json:"speed_knots,omitempty"`
	HasAltitude bool    `json:"has_altitude,omitempty"`
	HasCourse   bool    `json:"has_course,omitempty"`
	HasSpeed    bool    `json:"has_speed,omitempty"`
}

// TelemetryDetail is the telemetry payload of a summary: the variant kind
// plus a flat metric map.
type TelemetryDetail struct {
	Metrics map[string]float64 `json:"metrics"`
	Kind    string             `json:"kind"`
}

// Summary is one decoded mesh event, the unit the orchestrator consumes.
type Summary struct {
	Time      time.Time          `json:"time"`
	Position  *PositionDetail    `json:"position,omitempty"`
	Telemetry *TelemetryDetail   `json:"telemetry,omitempty"`
	Kind      string             `json:"kind"`
	Detail    string             `json:"detail,omitempty"`
	FlowID    string             `json:"flow_id"`
	From      NodeRef            `json:"from"`
	To        NodeRef            `json:"to"`
	Relay     NodeRef            `json:"relay,omitempty"`
	NextHop   NodeRef            `json:"next_hop,omitempty"`
	Port      meshproto.PortNum  `json:"port"`
	Channel   uint32             `json:"channel"`
	PacketID  uint32             `json:"packet_id"`
	SNR       float64            `json:"snr"`
	RSSI      int                `json:"rssi"`
	HopStart  int                `json:"hop_start"`
	HopLimit  int                `json:"hop_limit"`
	UsedHops  int                `json:"used_hops"`

	// RelayGuessed is true only when the relay identity was inferred rather
	// than reported verbatim.
	RelayGuessed bool `json:"relay_guessed,omitempty"`

	// Direct is true when the packet was classified as directly received.
	Direct bool `json:"direct"`
}

// usedHops derives hops actually used from the hop accounting fields.
// A zero hopStart means the sender did not report it (older firmware).
func usedHops(hopStart, hopLimit uint32) int {
	if hopStart == 0 {
		return 0
	}
	if hopStart <= hopLimit {
		return 0
	}
	return int(hopStart - hopLimit)
}

// flowID builds the synthetic identifier correlating an uplink back to the
// mesh packet that triggered it.
func flowID(from, packetID uint32, rxTime time.Time) string {
	return fmt.Sprintf("%08x-%08x-%d", from, packetID, rxTime.Unix())
}
