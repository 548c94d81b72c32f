package connection

// pendingPing is one slot of the ring. A slot whose ping was completed or purged
// stays in place as a tombstone until the head moves past it.
type pendingPing struct {
	id     uint64
	sentAt int64
	live   bool
}

// pendingPings is a bounded table of outstanding pings in send order.
// Insert, remove and evict are amortized O(1); when full, the oldest live entry is evicted.
type pendingPings struct {
	slots []pendingPing
	head  int // oldest slot, always live when size > 0
	size  int // occupied slots from head, tombstones included
	index map[uint64]int
}

func newPendingPings(capacity int) *pendingPings {
	if capacity < 1 {
		capacity = 1
	}
	return &pendingPings{
		slots: make([]pendingPing, capacity),
		index: make(map[uint64]int, capacity),
	}
}

// Len is the number of live entries.
func (p *pendingPings) Len() int { return len(p.index) }

// Cap is the fixed capacity.
func (p *pendingPings) Cap() int { return len(p.slots) }

// Insert records a ping. A reused id replaces the earlier entry. It returns the id
// evicted to make room, if any.
func (p *pendingPings) Insert(id uint64, sentAt int64) (evicted uint64, ok bool) {
	if pos, dup := p.index[id]; dup {
		p.kill(pos)
	}

	if p.size == len(p.slots) {
		if len(p.index) < len(p.slots) {
			p.repack()
		} else {
			evicted, ok = p.slots[p.head].id, true
			p.kill(p.head)
		}
	}

	pos := (p.head + p.size) % len(p.slots)
	p.slots[pos] = pendingPing{id: id, sentAt: sentAt, live: true}
	p.index[id] = pos
	p.size++
	return evicted, ok
}

// Remove deletes id and returns its send time.
func (p *pendingPings) Remove(id uint64) (int64, bool) {
	pos, ok := p.index[id]
	if !ok {
		return 0, false
	}
	sentAt := p.slots[pos].sentAt
	p.kill(pos)
	return sentAt, true
}

// Purge drops entries sent before cutoff and returns how many were dropped.
func (p *pendingPings) Purge(cutoff int64) int {
	n := 0
	for i := 0; i < p.size; i++ {
		pos := (p.head + i) % len(p.slots)
		if s := p.slots[pos]; s.live && s.sentAt < cutoff {
			delete(p.index, s.id)
			p.slots[pos].live = false
			n++
		}
	}
	p.compact()
	return n
}

// Oldest returns the send time of the oldest live entry.
func (p *pendingPings) Oldest() (int64, bool) {
	if p.size == 0 {
		return 0, false
	}
	return p.slots[p.head].sentAt, true
}

// kill tombstones the slot at pos and advances the head past leading tombstones.
func (p *pendingPings) kill(pos int) {
	delete(p.index, p.slots[pos].id)
	p.slots[pos].live = false
	p.compact()
}

func (p *pendingPings) compact() {
	for p.size > 0 && !p.slots[p.head].live {
		p.pop()
	}
}

func (p *pendingPings) pop() {
	p.slots[p.head] = pendingPing{}
	p.head = (p.head + 1) % len(p.slots)
	p.size--
}

// repack squeezes out tombstones while keeping send order.
func (p *pendingPings) repack() {
	n := len(p.slots)
	w := 0
	for i := 0; i < p.size; i++ {
		s := p.slots[(p.head+i)%n]
		if !s.live {
			continue
		}
		pos := (p.head + w) % n
		p.slots[pos] = s
		p.index[s.id] = pos
		w++
	}
	for i := w; i < p.size; i++ {
		p.slots[(p.head+i)%n] = pendingPing{}
	}
	p.size = w
}
