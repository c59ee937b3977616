package meshproto

// PortNum identifies the application-level payload type of a mesh packet.
type PortNum uint32

// Port numbers understood by the gateway. Packets on other ports are still
// surfaced through the raw fallback decoder.
const (
	PortUnknown         PortNum = 0
	PortTextMessage     PortNum = 1
	PortRemoteHardware  PortNum = 2
	PortPosition        PortNum = 3
	PortNodeInfo        PortNum = 4
	PortRouting         PortNum = 5
	PortAdmin           PortNum = 6
	PortTextCompressed  PortNum = 7
	PortWaypoint        PortNum = 8
	PortDetectionSensor PortNum = 10
	PortReply           PortNum = 32
	PortPaxcounter      PortNum = 34
	PortStoreForward    PortNum = 65
	PortRangeTest       PortNum = 66
	PortTelemetry       PortNum = 67
	PortTraceroute      PortNum = 70
	PortNeighborInfo    PortNum = 71
	PortMapReport       PortNum = 73
)

var portNames = map[PortNum]string{
	PortUnknown:         "unknown",
	PortTextMessage:     "text",
	PortRemoteHardware:  "remote-hardware",
	PortPosition:        "position",
	PortNodeInfo:        "nodeinfo",
	PortRouting:         "routing",
	PortAdmin:           "admin",
	PortTextCompressed:  "text-compressed",
	PortWaypoint:        "waypoint",
	PortDetectionSensor: "detection-sensor",
	PortReply:           "reply",
	PortPaxcounter:      "paxcounter",
	PortStoreForward:    "store-forward",
	PortRangeTest:       "range-test",
	PortTelemetry:       "telemetry",
	PortTraceroute:      "traceroute",
	PortNeighborInfo:    "neighbor-info",
	PortMapReport:       "map-report",
}

// String returns the lowercase name of the port, or "port-N" when unknown.
func (p PortNum) String() string {
	if name, ok := portNames[p]; ok {
		return name
	}
	return "port-" + itoa(uint32(p))
}

func itoa(v uint32) string {
	if v == 0 {
		return "0"
	}
	var buf [10]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	return string(buf[i:])
}
