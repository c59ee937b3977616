package mesh

import (
	"encoding/base64"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math"
	"sort"
	"strings"
	"unicode"

	"github.com/hamlab/meshgate/internal/meshproto"
)

// knots per meter/second, for position speed conversion.
const mpsToKnots = 1.943844

// decodePayload fills the type-specific parts of a summary from the packet's
// application payload. Decode faults never abort the stream: a payload that
// fails to parse is surfaced through the raw fallback instead.
func (it *Interpreter) decodePayload(s *Summary, data *meshproto.Data) {
	switch data.Portnum {
	case meshproto.PortTextMessage:
		s.Kind = "text"
		s.Detail = string(data.Payload)

	case meshproto.PortPosition:
		it.decodePositionPayload(s, data.Payload)

	case meshproto.PortTelemetry:
		decodeTelemetryPayload(s, data.Payload)

	case meshproto.PortNodeInfo:
		it.decodeNodeInfoPayload(s, data.Payload)

	case meshproto.PortRouting:
		decodeRoutingPayload(s, data)

	case meshproto.PortAdmin:
		s.Kind = "admin"
		s.Detail = fmt.Sprintf("admin message, %d bytes", len(data.Payload))

	case meshproto.PortTraceroute:
		it.decodeTraceroutePayload(s, data.Payload)

	case meshproto.PortNeighborInfo:
		it.decodeNeighborInfoPayload(s, data.Payload)

	case meshproto.PortWaypoint:
		decodeWaypointPayload(s, data.Payload)

	default:
		s.Kind = "raw"
		s.Detail = describeRawPayload(data.Portnum, data.Payload)
	}
}

func (it *Interpreter) decodePositionPayload(s *Summary, payload []byte) {
	pos, err := meshproto.DecodePosition(payload)
	if err != nil || !pos.HasLocation {
		s.Kind = "raw"
		s.Detail = describeRawPayload(meshproto.PortPosition, payload)
		return
	}

	detail := &PositionDetail{
		Latitude:  pos.Latitude(),
		Longitude: pos.Longitude(),
	}
	if pos.HasAltitude {
		detail.Altitude = float64(pos.Altitude)
		detail.HasAltitude = true
	}
	if pos.HasGroundTrack {
		detail.Course = float64(pos.GroundTrack) * 1e-5
		detail.HasCourse = true
	}
	if pos.HasGroundSpeed {
		detail.SpeedKnots = float64(pos.GroundSpeed) * mpsToKnots
		detail.HasSpeed = true
	}

	s.Kind = "position"
	s.Position = detail
	s.Detail = fmt.Sprintf("%.5f, %.5f", detail.Latitude, detail.Longitude)
	if detail.HasAltitude {
		s.Detail += fmt.Sprintf(" alt %.0fm", detail.Altitude)
	}

	it.registry.SetPosition(s.From.Num, detail.Latitude, detail.Longitude, s.Time)
}

func decodeTelemetryPayload(s *Summary, payload []byte) {
	tele, err := meshproto.DecodeTelemetry(payload)
	if err != nil {
		s.Kind = "raw"
		s.Detail = describeRawPayload(meshproto.PortTelemetry, payload)
		return
	}

	s.Kind = "telemetry"
	s.Telemetry = &TelemetryDetail{Kind: tele.Kind, Metrics: tele.Metrics}
	s.Detail = formatMetrics(tele.Kind, tele.Metrics)
}

func formatMetrics(kind string, metrics map[string]float64) string {
	keys := make([]string, 0, len(metrics))
	for k := range metrics {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%.4g", k, metrics[k]))
	}

	if len(parts) == 0 {
		return kind
	}
	return kind + ": " + strings.Join(parts, " ")
}

// decodeNodeInfoPayload handles a User identity broadcast arriving as a
// regular packet; the registry is updated just like for a node_info envelope.
func (it *Interpreter) decodeNodeInfoPayload(s *Summary, payload []byte) {
	user, err := meshproto.DecodeUser(payload)
	if err != nil {
		s.Kind = "raw"
		s.Detail = describeRawPayload(meshproto.PortNodeInfo, payload)
		return
	}

	rec := it.registry.Upsert(s.From.Num, user.ShortName, user.LongName, user.HwModel, user.Role, s.Time)
	s.Kind = "nodeinfo"
	s.Detail = rec.Label()
	s.From.Label = rec.Label()

	it.emitNode(rec)
}

func decodeRoutingPayload(s *Summary, data *meshproto.Data) {
	s.Kind = "routing"

	r, err := meshproto.DecodeRouting(data.Payload)
	if err != nil {
		s.Detail = describeRawPayload(meshproto.PortRouting, data.Payload)
		return
	}

	switch {
	case r.HasError && r.ErrorReason != 0:
		s.Detail = fmt.Sprintf("routing error %d for request %08x", r.ErrorReason, data.RequestID)
	case r.HasError:
		s.Detail = fmt.Sprintf("ack for request %08x", data.RequestID)
	default:
		s.Detail = "route discovery"
	}
}

func (it *Interpreter) decodeTraceroutePayload(s *Summary, payload []byte) {
	rd, err := meshproto.DecodeRouteDiscovery(payload)
	if err != nil {
		s.Kind = "raw"
		s.Detail = describeRawPayload(meshproto.PortTraceroute, payload)
		return
	}

	s.Kind = "traceroute"
	if len(rd.Route) == 0 {
		s.Detail = "traceroute (empty route)"
		return
	}

	hops := make([]string, 0, len(rd.Route))
	for _, num := range rd.Route {
		hops = append(hops, it.registry.Label(num))
	}
	s.Detail = strings.Join(hops, " -> ")
}

func (it *Interpreter) decodeNeighborInfoPayload(s *Summary, payload []byte) {
	ni, err := meshproto.DecodeNeighborInfo(payload)
	if err != nil {
		s.Kind = "raw"
		s.Detail = describeRawPayload(meshproto.PortNeighborInfo, payload)
		return
	}

	s.Kind = "neighbor-info"
	parts := make([]string, 0, len(ni.Neighbors))
	for _, n := range ni.Neighbors {
		parts = append(parts, fmt.Sprintf("%s (snr %.1f)", it.registry.Label(n.NodeID), n.SNR))
	}
	if len(parts) == 0 {
		s.Detail = "no neighbors reported"
		return
	}
	s.Detail = strings.Join(parts, ", ")
}

func decodeWaypointPayload(s *Summary, payload []byte) {
	w, err := meshproto.DecodeWaypoint(payload)
	if err != nil {
		s.Kind = "raw"
		s.Detail = describeRawPayload(meshproto.PortWaypoint, payload)
		return
	}

	s.Kind = "waypoint"
	s.Detail = fmt.Sprintf("%s @ %.5f, %.5f", w.Name, float64(w.LatitudeI)*1e-7, float64(w.LongitudeI)*1e-7)
}

// describeRawPayload renders a best-effort diagnostic dump of an unsupported
// or undecodable payload: hex and base64 always, plus printable ASCII and a
// float32 reading when they look plausible. Diagnostic only.
func describeRawPayload(port meshproto.PortNum, payload []byte) string {
	if len(payload) == 0 {
		return fmt.Sprintf("%s: empty payload", port)
	}

	shown := payload
	truncated := ""
	if len(shown) > 64 {
		shown = shown[:64]
		truncated = "..."
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s: %d bytes hex=%s%s b64=%s%s",
		port, len(payload),
		hex.EncodeToString(shown), truncated,
		base64.StdEncoding.EncodeToString(shown), truncated)

	if ascii := printableASCII(payload); ascii != "" {
		fmt.Fprintf(&b, " ascii=%q", ascii)
	}

	if len(payload) == 4 {
		f := math.Float32frombits(binary.LittleEndian.Uint32(payload))
		if !math.IsNaN(float64(f)) && !math.IsInf(float64(f), 0) {
			fmt.Fprintf(&b, " float32=%g", f)
		}
	}

	return b.String()
}

// printableASCII returns the payload as a string when every byte is
// printable, otherwise "".
func printableASCII(payload []byte) string {
	for _, c := range payload {
		if c > unicode.MaxASCII || (!unicode.IsPrint(rune(c)) && c != ' ') {
			return ""
		}
	}
	return string(payload)
}
