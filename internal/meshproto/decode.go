// Package meshproto decodes the protobuf wire format of the mesh radio
// protocol. Only the fields the gateway consumes are mapped; unknown fields
// are skipped, which keeps the decoder forward compatible with newer
// firmware without carrying generated code.
package meshproto

import (
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"
)

// Envelope is one decoded radio-to-host message. Exactly one of the pointer
// fields is set for the message kinds the gateway handles; a fully empty
// envelope means the variant was something we do not consume (config,
// channel info, queue status and so on).
type Envelope struct {
	Packet           *MeshPacket
	MyInfo           *MyNodeInfo
	NodeInfo         *NodeInfo
	ConfigCompleteID uint32
	Rebooted         bool
}

// MeshPacket is one routed packet as observed by the local radio.
type MeshPacket struct {
	From      uint32
	To        uint32
	Channel   uint32
	Decoded   *Data
	Encrypted []byte
	ID        uint32
	RxTime    uint32
	RxSNR     float64
	HopLimit  uint32
	WantAck   bool
	RxRSSI    int32
	ViaMQTT   bool
	HopStart  uint32
	NextHop   uint32
	RelayNode uint32
}

// Data is the decoded application payload of a packet.
type Data struct {
	Portnum      PortNum
	Payload      []byte
	WantResponse bool
	Dest         uint32
	Source       uint32
	RequestID    uint32
	ReplyID      uint32
}

// User is a node's self-reported identity.
type User struct {
	ID         string
	LongName   string
	ShortName  string
	HwModel    uint32
	Role       uint32
	IsLicensed bool
}

// NodeInfo is the radio's node database entry for a peer.
type NodeInfo struct {
	Num       uint32
	User      *User
	Position  *Position
	SNR       float64
	LastHeard uint32
	HopsAway  uint32
}

// MyNodeInfo identifies the locally connected radio.
type MyNodeInfo struct {
	MyNodeNum uint32
}

// Position is a reported location. Latitude/longitude are in 1e-7 degrees,
// ground speed in m/s, ground track in 1e-5 degrees.
type Position struct {
	LatitudeI      int32
	LongitudeI     int32
	HasLocation    bool
	Altitude       int32
	HasAltitude    bool
	Time           uint32
	GroundSpeed    uint32
	HasGroundSpeed bool
	GroundTrack    uint32
	HasGroundTrack bool
	PrecisionBits  uint32
}

// Latitude returns the position latitude in degrees.
func (p *Position) Latitude() float64 { return float64(p.LatitudeI) * 1e-7 }

// Longitude returns the position longitude in degrees.
func (p *Position) Longitude() float64 { return float64(p.LongitudeI) * 1e-7 }

// Telemetry is a decoded telemetry payload flattened into a metric map.
type Telemetry struct {
	Time    uint32
	Kind    string
	Metrics map[string]float64
}

// Routing is a routing control payload.
type Routing struct {
	ErrorReason uint32
	HasError    bool
	Request     *RouteDiscovery
	Reply       *RouteDiscovery
}

// RouteDiscovery is a traceroute route with per-hop SNR (dB*4).
type RouteDiscovery struct {
	Route      []uint32
	SNRTowards []int32
	RouteBack  []uint32
	SNRBack    []int32
}

// NeighborInfo lists the direct RF neighbors a node reports.
type NeighborInfo struct {
	NodeID    uint32
	Neighbors []Neighbor
}

// Neighbor is one entry of a NeighborInfo report.
type Neighbor struct {
	NodeID uint32
	SNR    float64
}

// Waypoint is a shared map marker.
type Waypoint struct {
	ID          uint32
	LatitudeI   int32
	LongitudeI  int32
	Name        string
	Description string
}

type field struct {
	num  protowire.Number
	typ  protowire.Type
	data []byte // bytes fields
	v    uint64 // varint and fixed fields
}

// walk iterates over all fields of a message, skipping anything the visitor
// does not consume. Unknown field types are tolerated.
func walk(b []byte, visit func(f field) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]

		var f field
		f.num = num
		f.typ = typ

		switch typ {
		case protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			f.v = v
			b = b[n:]
		case protowire.Fixed32Type:
			v, n := protowire.ConsumeFixed32(b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			f.v = uint64(v)
			b = b[n:]
		case protowire.Fixed64Type:
			v, n := protowire.ConsumeFixed64(b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			f.v = v
			b = b[n:]
		case protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			f.data = v
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			b = b[n:]
			continue
		}

		if err := visit(f); err != nil {
			return err
		}
	}

	return nil
}

func (f field) float32() float64 {
	return float64(math.Float32frombits(uint32(f.v)))
}

// DecodeEnvelope decodes one radio-to-host protobuf message.
func DecodeEnvelope(b []byte) (*Envelope, error) {
	env := &Envelope{}

	err := walk(b, func(f field) error {
		switch f.num {
		case 2: // packet
			p, err := decodeMeshPacket(f.data)
			if err != nil {
				return fmt.Errorf("packet: %w", err)
			}
			env.Packet = p
		case 3: // my_info
			mi, err := decodeMyNodeInfo(f.data)
			if err != nil {
				return fmt.Errorf("my_info: %w", err)
			}
			env.MyInfo = mi
		case 4: // node_info
			ni, err := decodeNodeInfo(f.data)
			if err != nil {
				return fmt.Errorf("node_info: %w", err)
			}
			env.NodeInfo = ni
		case 7: // config_complete_id
			env.ConfigCompleteID = uint32(f.v)
		case 8: // rebooted
			env.Rebooted = f.v != 0
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return env, nil
}

func decodeMeshPacket(b []byte) (*MeshPacket, error) {
	p := &MeshPacket{}

	err := walk(b, func(f field) error {
		switch f.num {
		case 1:
			p.From = uint32(f.v)
		case 2:
			p.To = uint32(f.v)
		case 3:
			p.Channel = uint32(f.v)
		case 4:
			d, err := decodeData(f.data)
			if err != nil {
				return fmt.Errorf("data: %w", err)
			}
			p.Decoded = d
		case 5:
			p.Encrypted = append([]byte(nil), f.data...)
		case 6:
			p.ID = uint32(f.v)
		case 7:
			p.RxTime = uint32(f.v)
		case 8:
			p.RxSNR = f.float32()
		case 9:
			p.HopLimit = uint32(f.v)
		case 10:
			p.WantAck = f.v != 0
		case 12:
			p.RxRSSI = int32(f.v)
		case 14:
			p.ViaMQTT = f.v != 0
		case 15:
			p.HopStart = uint32(f.v)
		case 18:
			p.NextHop = uint32(f.v)
		case 19:
			p.RelayNode = uint32(f.v)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return p, nil
}

func decodeData(b []byte) (*Data, error) {
	d := &Data{}

	err := walk(b, func(f field) error {
		switch f.num {
		case 1:
			d.Portnum = PortNum(f.v)
		case 2:
			d.Payload = append([]byte(nil), f.data...)
		case 3:
			d.WantResponse = f.v != 0
		case 4:
			d.Dest = uint32(f.v)
		case 5:
			d.Source = uint32(f.v)
		case 6:
			d.RequestID = uint32(f.v)
		case 7:
			d.ReplyID = uint32(f.v)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return d, nil
}

// DecodeUser decodes a node identity payload (also carried on the nodeinfo port).
func DecodeUser(b []byte) (*User, error) {
	u := &User{}

	err := walk(b, func(f field) error {
		switch f.num {
		case 1:
			u.ID = string(f.data)
		case 2:
			u.LongName = string(f.data)
		case 3:
			u.ShortName = string(f.data)
		case 5:
			u.HwModel = uint32(f.v)
		case 6:
			u.IsLicensed = f.v != 0
		case 7:
			u.Role = uint32(f.v)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return u, nil
}

func decodeNodeInfo(b []byte) (*NodeInfo, error) {
	ni := &NodeInfo{}

	err := walk(b, func(f field) error {
		switch f.num {
		case 1:
			ni.Num = uint32(f.v)
		case 2:
			u, err := DecodeUser(f.data)
			if err != nil {
				return fmt.Errorf("user: %w", err)
			}
			ni.User = u
		case 3:
			p, err := DecodePosition(f.data)
			if err != nil {
				return fmt.Errorf("position: %w", err)
			}
			ni.Position = p
		case 4:
			ni.SNR = f.float32()
		case 5:
			ni.LastHeard = uint32(f.v)
		case 9:
			ni.HopsAway = uint32(f.v)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return ni, nil
}

func decodeMyNodeInfo(b []byte) (*MyNodeInfo, error) {
	mi := &MyNodeInfo{}

	err := walk(b, func(f field) error {
		if f.num == 1 {
			mi.MyNodeNum = uint32(f.v)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return mi, nil
}

// DecodePosition decodes a position payload.
func DecodePosition(b []byte) (*Position, error) {
	p := &Position{}

	err := walk(b, func(f field) error {
		switch f.num {
		case 1:
			p.LatitudeI = int32(f.v)
			p.HasLocation = true
		case 2:
			p.LongitudeI = int32(f.v)
		case 3:
			p.Altitude = int32(f.v)
			p.HasAltitude = true
		case 4:
			p.Time = uint32(f.v)
		case 14:
			p.GroundSpeed = uint32(f.v)
			p.HasGroundSpeed = true
		case 15:
			p.GroundTrack = uint32(f.v)
			p.HasGroundTrack = true
		case 22:
			p.PrecisionBits = uint32(f.v)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return p, nil
}

// Telemetry variant field numbers.
const (
	telemetryDeviceMetrics      = 2
	telemetryEnvironmentMetrics = 3
	telemetryAirQualityMetrics  = 4
	telemetryPowerMetrics       = 5
	telemetryLocalStats         = 6
)

// DecodeTelemetry decodes a telemetry payload into a flat metric map.
func DecodeTelemetry(b []byte) (*Telemetry, error) {
	t := &Telemetry{Metrics: map[string]float64{}}

	err := walk(b, func(f field) error {
		switch f.num {
		case 1:
			t.Time = uint32(f.v)
		case telemetryDeviceMetrics:
			t.Kind = "device"
			return decodeDeviceMetrics(f.data, t.Metrics)
		case telemetryEnvironmentMetrics:
			t.Kind = "environment"
			return decodeEnvironmentMetrics(f.data, t.Metrics)
		case telemetryAirQualityMetrics:
			t.Kind = "air-quality"
		case telemetryPowerMetrics:
			t.Kind = "power"
			return decodePowerMetrics(f.data, t.Metrics)
		case telemetryLocalStats:
			t.Kind = "local-stats"
			return decodeLocalStats(f.data, t.Metrics)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if t.Kind == "" {
		t.Kind = "unknown"
	}

	return t, nil
}

func decodeDeviceMetrics(b []byte, m map[string]float64) error {
	return walk(b, func(f field) error {
		switch f.num {
		case 1:
			m["battery_level"] = float64(f.v)
		case 2:
			m["voltage"] = f.float32()
		case 3:
			m["channel_utilization"] = f.float32()
		case 4:
			m["air_util_tx"] = f.float32()
		case 5:
			m["uptime_seconds"] = float64(f.v)
		}
		return nil
	})
}

func decodeEnvironmentMetrics(b []byte, m map[string]float64) error {
	return walk(b, func(f field) error {
		switch f.num {
		case 1:
			m["temperature"] = f.float32()
		case 2:
			m["relative_humidity"] = f.float32()
		case 3:
			m["barometric_pressure"] = f.float32()
		case 4:
			m["gas_resistance"] = f.float32()
		case 7:
			m["iaq"] = float64(f.v)
		}
		return nil
	})
}

func decodePowerMetrics(b []byte, m map[string]float64) error {
	return walk(b, func(f field) error {
		switch f.num {
		case 1:
			m["ch1_voltage"] = f.float32()
		case 2:
			m["ch1_current"] = f.float32()
		case 3:
			m["ch2_voltage"] = f.float32()
		case 4:
			m["ch2_current"] = f.float32()
		}
		return nil
	})
}

func decodeLocalStats(b []byte, m map[string]float64) error {
	return walk(b, func(f field) error {
		switch f.num {
		case 1:
			m["uptime_seconds"] = float64(f.v)
		case 2:
			m["channel_utilization"] = f.float32()
		case 3:
			m["air_util_tx"] = f.float32()
		case 4:
			m["num_packets_tx"] = float64(f.v)
		case 5:
			m["num_packets_rx"] = float64(f.v)
		case 6:
			m["num_packets_rx_bad"] = float64(f.v)
		case 7:
			m["num_online_nodes"] = float64(f.v)
		case 8:
			m["num_total_nodes"] = float64(f.v)
		}
		return nil
	})
}

// DecodeRouting decodes a routing control payload.
func DecodeRouting(b []byte) (*Routing, error) {
	r := &Routing{}

	err := walk(b, func(f field) error {
		switch f.num {
		case 1:
			rd, err := DecodeRouteDiscovery(f.data)
			if err != nil {
				return err
			}
			r.Request = rd
		case 2:
			rd, err := DecodeRouteDiscovery(f.data)
			if err != nil {
				return err
			}
			r.Reply = rd
		case 3:
			r.ErrorReason = uint32(f.v)
			r.HasError = true
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return r, nil
}

// DecodeRouteDiscovery decodes a traceroute payload.
func DecodeRouteDiscovery(b []byte) (*RouteDiscovery, error) {
	rd := &RouteDiscovery{}

	err := walk(b, func(f field) error {
		switch f.num {
		case 1:
			return consumePacked(f, func(v uint64) { rd.Route = append(rd.Route, uint32(v)) })
		case 2:
			return consumePacked(f, func(v uint64) { rd.SNRTowards = append(rd.SNRTowards, int32(decodeZigZag(v))) })
		case 3:
			return consumePacked(f, func(v uint64) { rd.RouteBack = append(rd.RouteBack, uint32(v)) })
		case 4:
			return consumePacked(f, func(v uint64) { rd.SNRBack = append(rd.SNRBack, int32(decodeZigZag(v))) })
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return rd, nil
}

// consumePacked handles repeated scalar fields in both packed and unpacked form.
func consumePacked(f field, emit func(uint64)) error {
	if f.typ != protowire.BytesType {
		emit(f.v)
		return nil
	}

	b := f.data
	for len(b) > 0 {
		v, n := protowire.ConsumeVarint(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		emit(v)
		b = b[n:]
	}

	return nil
}

// decodeZigZag maps an unsigned zig-zag value back to signed.
func decodeZigZag(v uint64) int64 {
	return int64(v>>1) ^ -int64(v&1)
}

// DecodeNeighborInfo decodes a neighbor report payload.
func DecodeNeighborInfo(b []byte) (*NeighborInfo, error) {
	ni := &NeighborInfo{}

	err := walk(b, func(f field) error {
		switch f.num {
		case 1:
			ni.NodeID = uint32(f.v)
		case 4:
			var n Neighbor
			err := walk(f.data, func(nf field) error {
				switch nf.num {
				case 1:
					n.NodeID = uint32(nf.v)
				case 2:
					n.SNR = nf.float32()
				}
				return nil
			})
			if err != nil {
				return err
			}
			ni.Neighbors = append(ni.Neighbors, n)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return ni, nil
}

// DecodeWaypoint decodes a shared map marker payload.
func DecodeWaypoint(b []byte) (*Waypoint, error) {
	w := &Waypoint{}

	err := walk(b, func(f field) error {
		switch f.num {
		case 1:
			w.ID = uint32(f.v)
		case 2:
			w.LatitudeI = int32(f.v)
		case 3:
			w.LongitudeI = int32(f.v)
		case 5:
			w.Name = string(f.data)
		case 6:
			w.Description = string(f.data)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return w, nil
}
