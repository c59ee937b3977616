package gateway

import (
	"fmt"
	"testing"
	"time"

	"github.com/hamlab/meshgate/internal/meshproto"
)

func TestDigestCacheWindow(t *testing.T) {
	t.Parallel()

	c := newDigestCache(8)
	now := time.Now()
	window := 30 * time.Second

	if !c.shouldSend("!aa", "d1", now, window) {
		t.Fatal("first send must pass")
	}
	c.record("!aa", "d1", now)

	if c.shouldSend("!aa", "d1", now.Add(5*time.Second), window) {
		t.Fatal("identical digest inside the window must be suppressed")
	}
	if !c.shouldSend("!aa", "d1", now.Add(40*time.Second), window) {
		t.Fatal("identical digest beyond the window must pass")
	}
	if !c.shouldSend("!aa", "d2", now.Add(time.Second), window) {
		t.Fatal("changed digest must pass immediately")
	}
	if !c.shouldSend("!bb", "d1", now.Add(time.Second), window) {
		t.Fatal("other mesh ids are independent")
	}
}

func TestDigestCacheEviction(t *testing.T) {
	t.Parallel()

	c := newDigestCache(2)
	now := time.Now()

	c.record("!01", "d", now)
	c.record("!02", "d", now)
	c.record("!03", "d", now) // evicts !01, the least recently used

	if !c.shouldSend("!01", "d", now, time.Minute) {
		t.Fatal("evicted entry must not suppress")
	}
	if c.shouldSend("!03", "d", now, time.Minute) {
		t.Fatal("retained entry must suppress")
	}
}

func TestTelemetryCountersWindow(t *testing.T) {
	t.Parallel()

	c := newTelemetryCounters()
	now := time.Now()

	c.countPacket(meshproto.PortPosition, now.Add(-15*time.Minute)) // outside window
	c.countPacket(meshproto.PortPosition, now.Add(-2*time.Minute))
	c.countPacket(meshproto.PortTextMessage, now.Add(-time.Minute))
	c.countPacket(meshproto.PortRouting, now)
	c.countPacket(meshproto.PortTelemetry, now) // counts in all only
	c.add(counterForwarded, now)

	sums := c.windowSums(10*time.Minute, now)

	if sums[counterAll] != 4 {
		t.Fatalf("all = %d, want 4", sums[counterAll])
	}
	if sums[counterPosition] != 1 || sums[counterMessage] != 1 || sums[counterControl] != 1 {
		t.Fatalf("classified = %d/%d/%d, want 1/1/1",
			sums[counterPosition], sums[counterMessage], sums[counterControl])
	}
	if sums[counterForwarded] != 1 {
		t.Fatalf("forwarded = %d, want 1", sums[counterForwarded])
	}
}

func TestFormatCallsign(t *testing.T) {
	t.Parallel()

	tests := []struct {
		base string
		ssid int
		want string
	}{
		{"n0call", 0, "N0CALL"},
		{"N0CALL", 7, "N0CALL-7"},
		{" n0call ", 10, "N0CALL-10"},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(fmt.Sprintf("%s-%d", tt.base, tt.ssid), func(t *testing.T) {
			t.Parallel()
			if got := FormatCallsign(tt.base, tt.ssid); got != tt.want {
				t.Fatalf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestSymbolOf(t *testing.T) {
	t.Parallel()

	if table, code := symbolOf("", ""); table != '/' || code != '>' {
		t.Fatalf("default symbol = %c%c", table, code)
	}
	if table, code := symbolOf("\\", "#"); table != '\\' || code != '#' {
		t.Fatalf("explicit symbol = %c%c", table, code)
	}
}
