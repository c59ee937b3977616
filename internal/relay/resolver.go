package relay

import (
	"fmt"
	"math"
	"sort"
	"time"
)

// Registry is the node identity view the resolver consults for candidates.
// Known reports whether a full identity record exists for the node.
type Registry interface {
	Known(node uint32) bool
	Nums() []uint32
}

// Resolution is the outcome of resolving a (possibly truncated) relay reference.
type Resolution struct {
	// Node is the resolved full node id; for a forced resolution it is the
	// bare tail byte.
	Node uint32

	// Guessed is true when the identity was inferred rather than reported
	// verbatim or confirmed by a full identity record.
	Guessed bool

	// Forced is true when no disambiguating data existed and the tail byte
	// is surfaced as-is for visibility.
	Forced bool

	// Reason describes how the resolution was reached, for operator logs.
	Reason string
}

// Resolver disambiguates truncated relay ids against the stats table and the
// node registry.
type Resolver struct {
	Table    *Table
	Registry Registry
}

type scored struct {
	node  uint32
	score float64
}

// Resolve maps a raw relay reference to a full node id. Values wider than
// one byte are already full ids and pass through unmodified. A one-byte
// value is matched against known node ids by low byte; a single match is
// accepted directly, multiple matches are scored by link-quality distance,
// and with no usable evidence the tail byte itself is reported as a forced
// guess.
func (r *Resolver) Resolve(raw uint32, snr float64, rssi int, now time.Time) Resolution {
	if raw > 0xFF {
		return Resolution{Node: raw, Reason: "full id reported"}
	}

	tail := byte(raw)
	candidates := r.candidates(tail)

	switch len(candidates) {
	case 0:
		return Resolution{
			Node:    raw,
			Guessed: true,
			Forced:  true,
			Reason:  fmt.Sprintf("no known node with tail byte %02x", tail),
		}
	case 1:
		node := candidates[0]
		return Resolution{
			Node:    node,
			Guessed: !r.Registry.Known(node),
			Reason:  "single tail byte match",
		}
	}

	best, runnerUp, ok := r.score(candidates, snr, rssi, now)
	if !ok || runnerUp.score-best.score < WinMargin {
		return Resolution{
			Node:    raw,
			Guessed: true,
			Forced:  true,
			Reason:  fmt.Sprintf("%d ambiguous candidates for tail byte %02x", len(candidates), tail),
		}
	}

	return Resolution{
		Node:    best.node,
		Guessed: true,
		Reason:  fmt.Sprintf("link stats match among %d candidates", len(candidates)),
	}
}

// candidates returns the union of stats-table and registry node ids whose
// low byte matches, deduplicated and sorted for deterministic scoring.
func (r *Resolver) candidates(tail byte) []uint32 {
	seen := map[uint32]struct{}{}

	for _, id := range r.Table.Nodes() {
		if byte(id) == tail {
			seen[id] = struct{}{}
		}
	}
	if r.Registry != nil {
		for _, id := range r.Registry.Nums() {
			if byte(id) == tail {
				seen[id] = struct{}{}
			}
		}
	}

	out := make([]uint32, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// score ranks candidates by weighted distance between the packet's signal
// metrics and each candidate's smoothed history. Candidates without stats
// cannot be scored and rank last. ok is false when nothing was scorable.
func (r *Resolver) score(candidates []uint32, snr float64, rssi int, now time.Time) (best, runnerUp scored, ok bool) {
	ranked := make([]scored, 0, len(candidates))
	scorable := false

	for _, node := range candidates {
		s, found := r.Table.Get(node)
		if !found {
			ranked = append(ranked, scored{node: node, score: math.Inf(1)})
			continue
		}
		scorable = true

		score := math.Abs(snr-s.SNR) + RSSIWeight*math.Abs(float64(rssi)-s.RSSI)

		staleness := now.Sub(s.Updated) / StalenessStep
		score += math.Min(float64(staleness), StalenessCap)

		score -= math.Min(float64(s.Samples)*SampleBonusPer, SampleBonusCap)

		ranked = append(ranked, scored{node: node, score: score})
	}

	if !scorable {
		return scored{}, scored{}, false
	}

	sort.Slice(ranked, func(i, j int) bool { return ranked[i].score < ranked[j].score })
	return ranked[0], ranked[1], true
}

// IsDirect classifies whether a packet was received without an intermediate
// relay. Zero used hops, an absence of any relay or next-hop evidence, or a
// relay that resolves to the receiving station or the sender itself all mean
// the sender was heard directly.
func IsDirect(usedHops int, relayRaw, nextHopRaw, resolved, self, sender uint32) bool {
	if usedHops == 0 {
		return true
	}
	if relayRaw == 0 && nextHopRaw == 0 {
		return true
	}
	if resolved != 0 && (resolved == self || resolved == sender) {
		return true
	}
	return false
}
