// Package aprs implements the APRS-IS client side: the login/keepalive
// session state machine and the pure frame codec for position, status and
// telemetry reports.
package aprs

import (
	"fmt"
	"math"
	"strings"
)

const (
	// DestinationCall is the fixed product destination code in uplink frames.
	DestinationCall = "APZMGT"

	// PathAlias is the software-identifying digipeater alias for relayed traffic.
	PathAlias = "MESHGT"

	// metersToFeet converts altitude for the /A= extension.
	metersToFeet = 3.28084

	// mpsToKnots converts ground speed for the course/speed extension.
	mpsToKnots = 1.943844
)

// Position describes one position report to encode. Course, Speed and
// Altitude are optional; use NaN to omit them. Speed is in knots, Altitude
// in meters. PHG is only set for the station's own self-beacon.
type Position struct {
	Latitude    float64
	Longitude   float64
	Course      float64
	Speed       float64
	Altitude    float64
	Comment     string
	PHG         string
	SymbolTable byte
	SymbolCode  byte
}

// EncodeFrame assembles a complete uplink line `SRC>DEST,PATH:payload`.
func EncodeFrame(src, dest, path, payload string) string {
	if path == "" {
		return fmt.Sprintf("%s>%s:%s", src, dest, payload)
	}
	return fmt.Sprintf("%s>%s,%s:%s", src, dest, path, payload)
}

// SelfPath is the uplink path for the station's own beacons.
func SelfPath() string {
	return "TCPIP*"
}

// ThirdPartyPath is the uplink path for relayed mesh traffic: the software
// alias, the q-construct and the reporting station's own callsign.
func ThirdPartyPath(gatewayCall string) string {
	return fmt.Sprintf("%s,qAO,%s", PathAlias, gatewayCall)
}

// EncodePosition renders a position payload:
// `!<lat><table><lon><symbol>[course/speed][/A=altitude][comment]`.
func EncodePosition(p Position) string {
	var b strings.Builder

	b.WriteByte('!')
	b.WriteString(FormatLatitude(p.Latitude))
	b.WriteByte(p.SymbolTable)
	b.WriteString(FormatLongitude(p.Longitude))
	b.WriteByte(p.SymbolCode)

	if !math.IsNaN(p.Course) || !math.IsNaN(p.Speed) {
		course := 0
		if !math.IsNaN(p.Course) {
			course = int(math.Round(p.Course))
			course = ((course % 360) + 360) % 360
		}
		speed := 0
		if !math.IsNaN(p.Speed) {
			speed = clampInt(int(math.Round(p.Speed)), 0, 999)
		}
		fmt.Fprintf(&b, "%03d/%03d", course, speed)
	}

	if !math.IsNaN(p.Altitude) {
		feet := clampInt(int(math.Round(p.Altitude*metersToFeet)), 0, 999999)
		fmt.Fprintf(&b, "/A=%06d", feet)
	}

	comment := p.Comment
	if p.PHG != "" {
		comment = "PHG" + p.PHG + comment
	}
	b.WriteString(comment)

	return b.String()
}

// EncodeStatus renders a status payload `>text`.
func EncodeStatus(text string) string {
	return ">" + text
}

// FormatLatitude renders degrees as zero-padded APRS degrees-minutes
// (`DDMM.mmN`). A minutes value that rounds to 60.00 carries into degrees.
func FormatLatitude(deg float64) string {
	hemi := byte('N')
	if deg < 0 {
		hemi = 'S'
		deg = -deg
	}
	d, m := degreesMinutes(deg)
	return fmt.Sprintf("%02d%05.2f%c", d, m, hemi)
}

// FormatLongitude renders degrees as `DDDMM.mmE`.
func FormatLongitude(deg float64) string {
	hemi := byte('E')
	if deg < 0 {
		hemi = 'W'
		deg = -deg
	}
	d, m := degreesMinutes(deg)
	return fmt.Sprintf("%03d%05.2f%c", d, m, hemi)
}

func degreesMinutes(deg float64) (int, float64) {
	d := int(deg)
	m := (deg - float64(d)) * 60

	// Round to 2 decimals here so a carry is decided on the printed value
	m = math.Round(m*100) / 100
	if m >= 60 {
		d++
		m -= 60
	}

	return d, m
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// SanitizeComment strips control characters and line breaks from free-form
// comment text so it cannot corrupt the line protocol.
func SanitizeComment(s string) string {
	return strings.Map(func(r rune) rune {
		if r < 0x20 || r == 0x7F {
			return -1
		}
		return r
	}, s)
}
