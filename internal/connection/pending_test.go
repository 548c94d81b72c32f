package connection

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPendingPings_EvictsOldest(t *testing.T) {
	p := newPendingPings(3)
	p.Insert(1, 100)
	p.Insert(2, 200)
	p.Insert(3, 300)

	evicted, ok := p.Insert(4, 400)
	assert.True(t, ok)
	assert.Equal(t, uint64(1), evicted)

	_, ok = p.Remove(1)
	assert.False(t, ok, "evicted ping should be gone")
	assert.Equal(t, 3, p.Len())
}

func TestPendingPings_NeverExceedsCapacity(t *testing.T) {
	p := newPendingPings(8)
	for i := uint64(0); i < 10_000; i++ {
		p.Insert(i, int64(i))
		if i%3 == 0 {
			p.Remove(i - 1)
		}
		require.LessOrEqual(t, p.Len(), p.Cap())
	}

	// The newest entries survive.
	_, ok := p.Remove(9_999)
	assert.True(t, ok, "newest ping should be pending")
}

func TestPendingPings_EvictionSkipsCompleted(t *testing.T) {
	p := newPendingPings(3)
	p.Insert(1, 100)
	p.Insert(2, 200)
	p.Insert(3, 300)

	// Completing the oldest frees its slot; the next insert must not evict 2.
	p.Remove(1)
	_, ok := p.Insert(4, 400)
	assert.False(t, ok, "insert into freed slot should not evict")

	// Completing a middle entry leaves a tombstone; eviction still takes the oldest live.
	p.Remove(3)
	evicted, ok := p.Insert(5, 500)
	assert.False(t, ok, "unexpected eviction of %d", evicted)

	evicted, ok = p.Insert(6, 600)
	assert.True(t, ok)
	assert.Equal(t, uint64(2), evicted)
}

func TestPendingPings_Purge(t *testing.T) {
	p := newPendingPings(4)
	p.Insert(1, 100)
	p.Insert(2, 200)
	p.Insert(3, 300)

	assert.Equal(t, 2, p.Purge(250))
	assert.Equal(t, 1, p.Len())

	oldest, ok := p.Oldest()
	assert.True(t, ok)
	assert.Equal(t, int64(300), oldest)
}

func TestPendingPings_ReusedID(t *testing.T) {
	p := newPendingPings(2)
	p.Insert(1, 100)
	p.Insert(1, 150)
	require.Equal(t, 1, p.Len())

	sentAt, ok := p.Remove(1)
	assert.True(t, ok)
	assert.Equal(t, int64(150), sentAt)
}
