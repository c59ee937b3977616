package gateway

import (
	"time"

	"github.com/hamlab/meshgate/internal/meshproto"
)

// Telemetry counter slots, in T# field order.
const (
	counterAll = iota
	counterForwarded
	counterPosition
	counterMessage
	counterControl
	counterSlots
)

// telemetryCounters aggregates packet counts into one-minute buckets; the
// windowed sum over the configured aggregation window feeds the periodic T#
// data line. Not safe for concurrent use; the orchestrator owns it.
type telemetryCounters struct {
	buckets map[int64]*[counterSlots]int
}

func newTelemetryCounters() *telemetryCounters {
	return &telemetryCounters{buckets: make(map[int64]*[counterSlots]int)}
}

func bucketKey(t time.Time) int64 {
	return t.Truncate(time.Minute).Unix()
}

// add increments one counter slot in the current minute bucket.
func (c *telemetryCounters) add(slot int, now time.Time) {
	key := bucketKey(now)
	b, ok := c.buckets[key]
	if !ok {
		b = &[counterSlots]int{}
		c.buckets[key] = b
	}
	b[slot]++
}

// countPacket records one inbound mesh packet: the all counter plus the
// port-type classification counter when one applies.
func (c *telemetryCounters) countPacket(port meshproto.PortNum, now time.Time) {
	c.add(counterAll, now)

	switch port {
	case meshproto.PortPosition:
		c.add(counterPosition, now)
	case meshproto.PortTextMessage:
		c.add(counterMessage, now)
	case meshproto.PortRouting, meshproto.PortAdmin, meshproto.PortNodeInfo,
		meshproto.PortTraceroute, meshproto.PortNeighborInfo:
		c.add(counterControl, now)
	}
}

// windowSums returns the summed counters over the trailing window and drops
// buckets that fell out of it.
func (c *telemetryCounters) windowSums(window time.Duration, now time.Time) [counterSlots]int {
	cutoff := bucketKey(now.Add(-window))

	var sums [counterSlots]int
	for key, b := range c.buckets {
		if key < cutoff {
			delete(c.buckets, key)
			continue
		}
		for i, v := range b {
			sums[i] += v
		}
	}
	return sums
}
