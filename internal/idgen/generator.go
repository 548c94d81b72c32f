package idgen

import (
	"sync/atomic"

	"github.com/benbjohnson/clock"
)

const (
	SequenceBits = 20
	sequenceMask = 1<<SequenceBits - 1
	millisMask   = 1<<(64-SequenceBits) - 1
)

// Generator hands out ids. The zero value is not usable; call New.
type Generator struct {
	clock clock.Clock
	state atomic.Uint64 // last issued id
}

// New creates a generator reading time from clk. A nil clk uses the wall clock.
func New(clk clock.Clock) *Generator {
	if clk == nil {
		clk = clock.New()
	}
	return &Generator{clock: clk}
}

// Next returns the next id.
func (g *Generator) Next() uint64 {
	for {
		now := uint64(g.clock.Now().UnixMilli()) & millisMask
		prev := g.state.Load()
		last := prev >> SequenceBits

		var next uint64
		if now > last {
			next = now << SequenceBits
		} else {
			// Same millisecond, or the clock stepped back: stay on the last millisecond.
			seq := (prev + 1) & sequenceMask
			next = last<<SequenceBits | seq
		}

		if g.state.CompareAndSwap(prev, next) {
			return next
		}
	}
}

// Millis extracts the millisecond timestamp from an id.
func Millis(id uint64) int64 {
	return int64(id >> SequenceBits)
}

// Sequence extracts the per-millisecond sequence from an id.
func Sequence(id uint64) uint32 {
	return uint32(id & sequenceMask)
}
