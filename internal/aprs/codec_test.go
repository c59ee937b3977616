package aprs

import (
	"math"
	"strings"
	"testing"
)

func nanPosition() Position {
	return Position{
		Course:   math.NaN(),
		Speed:    math.NaN(),
		Altitude: math.NaN(),
	}
}

func TestEncodePosition_Basic(t *testing.T) {
	t.Parallel()

	p := nanPosition()
	p.Latitude = 25.033
	p.Longitude = 121.565
	p.SymbolTable = '/'
	p.SymbolCode = '>'

	if got, want := EncodePosition(p), "!2501.98N/12133.90E>"; got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestEncodePosition_SouthWest(t *testing.T) {
	t.Parallel()

	p := nanPosition()
	p.Latitude = -33.8568
	p.Longitude = -151.2153
	p.SymbolTable = '/'
	p.SymbolCode = '-'

	got := EncodePosition(p)
	if !strings.Contains(got, "S") || !strings.Contains(got, "W") {
		t.Fatalf("missing hemisphere letters: %q", got)
	}
	if !strings.HasPrefix(got, "!3351.41S/15112.92W-") {
		t.Fatalf("got %q", got)
	}
}

func TestEncodePosition_MinutesCarry(t *testing.T) {
	t.Parallel()

	p := nanPosition()
	// 59.9999 minutes rounds to 60.00 and must carry into degrees
	p.Latitude = 25.0 + 59.9999/60.0
	p.Longitude = 121.0
	p.SymbolTable = '/'
	p.SymbolCode = '>'

	got := EncodePosition(p)
	if !strings.HasPrefix(got, "!2600.00N") {
		t.Fatalf("expected carry into degrees, got %q", got)
	}
}

func TestEncodePosition_CourseSpeedAltitude(t *testing.T) {
	t.Parallel()

	p := nanPosition()
	p.Latitude = 25.033
	p.Longitude = 121.565
	p.SymbolTable = '/'
	p.SymbolCode = '>'
	p.Course = 370 // mod 360 -> 010
	p.Speed = 1500 // clamped to 999
	p.Altitude = 100
	p.Comment = "via mesh"

	got := EncodePosition(p)
	if !strings.Contains(got, "010/999") {
		t.Fatalf("bad course/speed in %q", got)
	}
	if !strings.Contains(got, "/A=000328") {
		t.Fatalf("bad altitude in %q", got)
	}
	if !strings.HasSuffix(got, "via mesh") {
		t.Fatalf("missing comment in %q", got)
	}
}

func TestEncodePosition_CourseOnly(t *testing.T) {
	t.Parallel()

	p := nanPosition()
	p.Latitude = 1
	p.Longitude = 1
	p.SymbolTable = '/'
	p.SymbolCode = '>'
	p.Course = 90

	if got := EncodePosition(p); !strings.Contains(got, "090/000") {
		t.Fatalf("course without speed should emit 000 speed: %q", got)
	}
}

func TestEncodePosition_PHGOnlyWhenSet(t *testing.T) {
	t.Parallel()

	p := nanPosition()
	p.Latitude = 1
	p.Longitude = 1
	p.SymbolTable = '/'
	p.SymbolCode = '#'
	p.PHG = "5360"
	p.Comment = " igate"

	got := EncodePosition(p)
	if !strings.Contains(got, "PHG5360 igate") {
		t.Fatalf("PHG must prefix the comment: %q", got)
	}
}

func TestEncodeFrame(t *testing.T) {
	t.Parallel()

	got := EncodeFrame("N0CALL-1", DestinationCall, ThirdPartyPath("N0CALL-1"), "!payload")
	want := "N0CALL-1>APZMGT,MESHGT,qAO,N0CALL-1:!payload"
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}

	if got := EncodeFrame("N0CALL", "APZMGT", "", ">hi"); got != "N0CALL>APZMGT:>hi" {
		t.Fatalf("got %q", got)
	}
}

func TestFormatLatitudeLongitude(t *testing.T) {
	t.Parallel()

	cases := []struct {
		lat  float64
		want string
	}{
		{0, "0000.00N"},
		{25.033, "2501.98N"},
		{-0.5, "0030.00S"},
		{89.9999, "8959.99N"},
	}
	for _, tc := range cases {
		if got := FormatLatitude(tc.lat); got != tc.want {
			t.Errorf("FormatLatitude(%v) = %q, want %q", tc.lat, got, tc.want)
		}
	}

	if got, want := FormatLongitude(121.565), "12133.90E"; got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
	if got, want := FormatLongitude(-0.1), "00006.00W"; got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestSanitizeComment(t *testing.T) {
	t.Parallel()

	if got := SanitizeComment("ok\r\nbad\x00text"); got != "okbadtext" {
		t.Fatalf("got %q", got)
	}
}

func TestPasscode(t *testing.T) {
	t.Parallel()

	// Reference values from the canonical algorithm
	cases := []struct {
		call string
		want int
	}{
		{"N0CALL", 13023},
		{"n0call", 13023},     // case-insensitive
		{"N0CALL-10", 13023},  // SSID stripped
	}
	for _, tc := range cases {
		if got := Passcode(tc.call); got != tc.want {
			t.Errorf("Passcode(%q) = %d, want %d", tc.call, got, tc.want)
		}
	}

	// Determinism across runs
	for i := 0; i < 3; i++ {
		if Passcode("KJ7ABC") != Passcode("KJ7ABC") {
			t.Fatal("passcode must be deterministic")
		}
	}

	if p := Passcode("KJ7ABC"); p < 0 || p > 0x7FFF {
		t.Fatalf("passcode %d outside 15-bit range", p)
	}
}

func TestTelemetryData(t *testing.T) {
	t.Parallel()

	got := TelemetryData(7, [5]int{1, 2, 3, 4, 5})
	if got != "T#007,001,002,003,004,005,00000000" {
		t.Fatalf("got %q", got)
	}

	// Sequence wraps at 999, values clamp at 999
	got = TelemetryData(1000, [5]int{2000, -5, 0, 999, 10})
	if got != "T#000,999,000,000,999,010,00000000" {
		t.Fatalf("got %q", got)
	}
}

func TestTelemetryDefinitions(t *testing.T) {
	t.Parallel()

	defs := TelemetryDefinitions("N0CALL-1")
	if len(defs) != 3 {
		t.Fatalf("got %d definition lines, want 3", len(defs))
	}
	if !strings.HasPrefix(defs[0], ":N0CALL-1 :PARM.") {
		t.Fatalf("bad PARM line: %q", defs[0])
	}
	if !strings.Contains(defs[1], "UNIT.") || !strings.Contains(defs[2], "EQNS.") {
		t.Fatalf("bad UNIT/EQNS lines: %q %q", defs[1], defs[2])
	}
}
