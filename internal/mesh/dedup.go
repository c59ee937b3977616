package mesh

// DedupCapacity bounds the packet dedup set; the oldest key is evicted
// first-in first-out when the set is full.
const DedupCapacity = 512

type dedupKey struct {
	from uint32
	id   uint32
}

// dedupSet is a bounded FIFO-evicted set of recently seen packet keys. Mesh
// networks retransmit, so the same (sender, packet id) pair can be received
// several times over different paths.
type dedupSet struct {
	seen  map[dedupKey]struct{}
	order []dedupKey
	cap   int
}

func newDedupSet(capacity int) *dedupSet {
	if capacity <= 0 {
		capacity = DedupCapacity
	}
	return &dedupSet{
		seen: make(map[dedupKey]struct{}, capacity),
		cap:  capacity,
	}
}

// check records the key and reports whether it was already present. Packet
// id zero means "no id assigned" and is never deduplicated.
func (d *dedupSet) check(from, id uint32) bool {
	if id == 0 {
		return false
	}

	key := dedupKey{from: from, id: id}
	if _, ok := d.seen[key]; ok {
		return true
	}

	if len(d.order) >= d.cap {
		oldest := d.order[0]
		d.order = d.order[1:]
		delete(d.seen, oldest)
	}

	d.seen[key] = struct{}{}
	d.order = append(d.order, key)
	return false
}
