package aprs

import "strings"

// Passcode derives the APRS-IS login passcode from a base callsign. The
// algorithm XOR-folds character pairs of the uppercase base call (SSID
// stripped) into a 15-bit value. It is pure and deterministic; the backend
// relies on it matching the reference implementation bit for bit.
func Passcode(callsign string) int {
	base := strings.ToUpper(callsign)
	if i := strings.IndexByte(base, '-'); i >= 0 {
		base = base[:i]
	}

	hash := 0x73E2
	for i := 0; i < len(base); i += 2 {
		hash ^= int(base[i]) << 8
		if i+1 < len(base) {
			hash ^= int(base[i+1])
		}
	}

	return hash & 0x7FFF
}
