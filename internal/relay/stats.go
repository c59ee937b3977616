// Package relay resolves ambiguous relay-node references. The mesh protocol
// only transmits the low byte of the relaying node's id, so the engine keeps
// smoothed link-quality statistics for every directly heard node and uses
// them to disambiguate which known node a tail byte refers to.
package relay

import (
	"sync"
	"time"
)

// Tunables for the EWMA smoothing and candidate scoring. These are
// load-bearing: the disambiguation behavior is tested against them.
const (
	// EWMAAlpha is the smoothing factor for link stat updates.
	EWMAAlpha = 0.25

	// RSSIWeight scales RSSI distance relative to SNR distance when scoring.
	RSSIWeight = 0.1

	// StalenessStep adds one penalty point per this much time since the
	// candidate's stats were last updated.
	StalenessStep = 10 * time.Minute

	// StalenessCap bounds the total staleness penalty.
	StalenessCap = 6.0

	// SampleBonusPer is the score reduction per recorded sample.
	SampleBonusPer = 0.1

	// SampleBonusCap bounds the total sample-count reward.
	SampleBonusCap = 2.0

	// WinMargin is how much better the best candidate's score must be than
	// the runner-up's for the guess to be accepted.
	WinMargin = 1.5
)

// LinkStat is the smoothed link quality record for one directly heard node.
type LinkStat struct {
	Updated time.Time `json:"updated"`
	Node    uint32    `json:"node"`
	SNR     float64   `json:"snr"`
	RSSI    float64   `json:"rssi"`
	Samples int64     `json:"samples"`
}

// Table holds link stats keyed by full 32-bit node id. Safe for concurrent use.
type Table struct {
	mu    sync.Mutex
	stats map[uint32]LinkStat
}

// NewTable creates an empty stats table.
func NewTable() *Table {
	return &Table{stats: make(map[uint32]LinkStat)}
}

// Observe folds one direct-reception sample into the node's EWMA stats.
// Only confirmed direct receptions may feed this; guessed relays must never
// reach it, or the statistics the guessing depends on would corrupt.
func (t *Table) Observe(node uint32, snr float64, rssi int, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, ok := t.stats[node]
	if !ok {
		t.stats[node] = LinkStat{Node: node, SNR: snr, RSSI: float64(rssi), Samples: 1, Updated: now}
		return
	}

	s.SNR = s.SNR*(1-EWMAAlpha) + snr*EWMAAlpha
	s.RSSI = s.RSSI*(1-EWMAAlpha) + float64(rssi)*EWMAAlpha
	s.Samples++
	s.Updated = now
	t.stats[node] = s
}

// Get returns the stats for a node.
func (t *Table) Get(node uint32) (LinkStat, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, ok := t.stats[node]
	return s, ok
}

// Nodes returns all node ids with recorded stats.
func (t *Table) Nodes() []uint32 {
	t.mu.Lock()
	defer t.mu.Unlock()

	ids := make([]uint32, 0, len(t.stats))
	for id := range t.stats {
		ids = append(ids, id)
	}
	return ids
}

// Snapshot returns a copy of all stats, for persistence.
func (t *Table) Snapshot() []LinkStat {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]LinkStat, 0, len(t.stats))
	for _, s := range t.stats {
		out = append(out, s)
	}
	return out
}

// Load replaces the table contents, for restoring persisted stats at boot.
func (t *Table) Load(stats []LinkStat) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.stats = make(map[uint32]LinkStat, len(stats))
	for _, s := range stats {
		t.stats[s.Node] = s
	}
}

// Prune removes stats not updated within the given age and reports how many
// entries were dropped.
func (t *Table) Prune(age time.Duration, now time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	dropped := 0
	for id, s := range t.stats {
		if now.Sub(s.Updated) > age {
			delete(t.stats, id)
			dropped++
		}
	}
	return dropped
}

// Len returns the number of tracked nodes.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	return len(t.stats)
}
