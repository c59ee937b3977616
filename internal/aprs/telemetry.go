package aprs

import "fmt"

// TelemetrySeqMax is the wrap point of the telemetry sequence counter.
const TelemetrySeqMax = 999

// telemetry channel labels for the gateway's self-telemetry: windowed packet
// counters by classification.
var (
	telemetryParams = [5]string{"RxAll", "Fwd", "Pos", "Msg", "Ctl"}
	telemetryUnits  = [5]string{"Pkt", "Pkt", "Pkt", "Pkt", "Pkt"}
)

// TelemetryDefinitions renders the one-time PARM/UNIT/EQNS definition
// payloads. They are addressed to the station itself per the APRS telemetry
// spec: the addressee field is the sending callsign padded to 9 characters.
func TelemetryDefinitions(callsign string) []string {
	addressee := fmt.Sprintf("%-9s", callsign)

	return []string{
		fmt.Sprintf(":%s:PARM.%s,%s,%s,%s,%s", addressee,
			telemetryParams[0], telemetryParams[1], telemetryParams[2], telemetryParams[3], telemetryParams[4]),
		fmt.Sprintf(":%s:UNIT.%s,%s,%s,%s,%s", addressee,
			telemetryUnits[0], telemetryUnits[1], telemetryUnits[2], telemetryUnits[3], telemetryUnits[4]),
		fmt.Sprintf(":%s:EQNS.0,1,0,0,1,0,0,1,0,0,1,0,0,1,0", addressee),
	}
}

// TelemetryData renders one T# data payload with five counter fields clamped
// to 0..999 and an all-zero digital bits block.
func TelemetryData(seq int, values [5]int) string {
	seq = ((seq % (TelemetrySeqMax + 1)) + TelemetrySeqMax + 1) % (TelemetrySeqMax + 1)

	for i, v := range values {
		values[i] = clampInt(v, 0, 999)
	}

	return fmt.Sprintf("T#%03d,%03d,%03d,%03d,%03d,%03d,00000000",
		seq, values[0], values[1], values[2], values[3], values[4])
}
