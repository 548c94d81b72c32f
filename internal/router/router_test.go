package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rickgao/arena-gateway/internal/protocol"
)

func envelope(user string, id uint64) Envelope {
	msg := protocol.NewMessage(protocol.TypeGameplayInput, id, 1000, &protocol.GameplayInput{Tick: uint32(id)})
	return Envelope{
		Context: MessageContext{UserID: user, ConnectionID: "conn-" + user, Header: msg.Header},
		Message: msg,
	}
}

// usersOnDistinctPartitions finds two users hashed to different partitions.
func usersOnDistinctPartitions(t *testing.T, r Router) (string, string) {
	t.Helper()
	a := "user-0"
	for i := 1; i < 1000; i++ {
		b := fmt.Sprintf("user-%d", i)
		if r.PartitionFor(a) != r.PartitionFor(b) {
			return a, b
		}
	}
	t.Fatal("no two users on distinct partitions")
	return "", ""
}

func stopRouter(t *testing.T, r Router) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.NoError(t, r.Stop(ctx))
}

func waitGroupDone(t *testing.T, wg *sync.WaitGroup) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("handlers did not finish")
	}
}

func TestDefaultOptions(t *testing.T) {
	opts := DefaultOptions()
	assert.GreaterOrEqual(t, opts.PartitionCount, 1)
	assert.Equal(t, 512, opts.QueueCapacity)
	assert.Equal(t, opts, Options{}.withDefaults())
}

func TestRouter_StartStop(t *testing.T) {
	r := NewRouter(DefaultOptions(), NewHandlers(), nil, slog.Default())
	require.NoError(t, r.Start(context.Background()))

	// Give it a moment to start
	time.Sleep(10 * time.Millisecond)

	stopRouter(t, r)
	assert.ErrorIs(t, r.Submit(envelope("alice", 1)), ErrStopped)
}

func TestRouter_PreservesPerUserOrder(t *testing.T) {
	const perUser = 200
	users := []string{"alice", "bob", "carol", "dave"}

	var mu sync.Mutex
	seen := make(map[string][]uint64)
	var wg sync.WaitGroup
	wg.Add(perUser * len(users))

	handlers := NewHandlers().Handle(protocol.TypeGameplayInput, func(ctx context.Context, mc MessageContext, msg *protocol.Message) error {
		defer wg.Done()
		mu.Lock()
		seen[mc.UserID] = append(seen[mc.UserID], msg.Header.ID)
		mu.Unlock()
		return nil
	})

	r := NewRouter(Options{PartitionCount: 4, QueueCapacity: perUser * len(users)}, handlers, nil, nil)
	require.NoError(t, r.Start(context.Background()))
	defer stopRouter(t, r)

	for i := 1; i <= perUser; i++ {
		for _, u := range users {
			require.NoError(t, r.Submit(envelope(u, uint64(i))), "Submit(%s, %d)", u, i)
		}
	}
	waitGroupDone(t, &wg)

	mu.Lock()
	defer mu.Unlock()
	for _, u := range users {
		ids := seen[u]
		require.Len(t, ids, perUser, u)
		for i, id := range ids {
			require.Equal(t, uint64(i+1), id, "%s message %d", u, i)
		}
	}
}

func TestRouter_BackpressureIsolatedToPartition(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{}, 1)

	var processedB sync.WaitGroup
	var blocked string

	handlers := NewHandlers().Handle(protocol.TypeGameplayInput, func(ctx context.Context, mc MessageContext, msg *protocol.Message) error {
		if mc.UserID == blocked {
			select {
			case started <- struct{}{}:
			default:
			}
			<-release
			return nil
		}
		processedB.Done()
		return nil
	})

	r := NewRouter(Options{PartitionCount: 2, QueueCapacity: 2}, handlers, nil, nil)
	userA, userB := usersOnDistinctPartitions(t, r)
	blocked = userA

	require.NoError(t, r.Start(context.Background()))
	defer stopRouter(t, r)
	defer close(release)

	// The worker takes the first message and blocks on it.
	require.NoError(t, r.Submit(envelope(userA, 1)))
	select {
	case <-started:
	case <-time.After(time.Second):
		t.Fatal("worker never started the blocking handler")
	}

	// Fill the queue, then overflow.
	for i := uint64(2); i <= 3; i++ {
		require.NoError(t, r.Submit(envelope(userA, i)))
	}

	start := time.Now()
	for i := uint64(4); i <= 10; i++ {
		require.ErrorIs(t, r.Submit(envelope(userA, i)), ErrBackpressure, "Submit(%d)", i)
	}
	assert.Less(t, time.Since(start), 100*time.Millisecond, "Submit must not block")

	// The other partition keeps accepting and processing.
	processedB.Add(2)
	for i := uint64(1); i <= 2; i++ {
		require.NoError(t, r.Submit(envelope(userB, i)))
	}
	waitGroupDone(t, &processedB)

	assert.Equal(t, int64(7), r.Stats().Rejected)
}

func TestRouter_HandlerFailuresContained(t *testing.T) {
	var mu sync.Mutex
	var failures []error
	var handled []uint64
	var wg sync.WaitGroup
	wg.Add(3)

	handlers := NewHandlers().
		Handle(protocol.TypeGameplayInput, func(ctx context.Context, mc MessageContext, msg *protocol.Message) error {
			defer wg.Done()
			switch msg.Header.ID {
			case 1:
				panic("boom")
			case 2:
				return errors.New("bad input")
			}
			mu.Lock()
			handled = append(handled, msg.Header.ID)
			mu.Unlock()
			return nil
		}).
		OnFailure(func(mc MessageContext, msg *protocol.Message, err error) {
			mu.Lock()
			failures = append(failures, err)
			mu.Unlock()
		})

	r := NewRouter(Options{PartitionCount: 1, QueueCapacity: 8}, handlers, nil, nil)
	require.NoError(t, r.Start(context.Background()))

	for i := uint64(1); i <= 3; i++ {
		require.NoError(t, r.Submit(envelope("alice", i)))
	}
	waitGroupDone(t, &wg)
	stopRouter(t, r)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []uint64{3}, handled)
	require.Len(t, failures, 2)
	assert.ErrorContains(t, failures[0], "handler panic: boom")
	assert.EqualError(t, failures[1], "bad input")

	// A panic is a failed handler too.
	stats := r.Stats()
	assert.Equal(t, int64(1), stats.HandlerPanics)
	assert.Equal(t, int64(2), stats.HandlerErrors)
	assert.Equal(t, int64(3), stats.Processed)
}

func TestRouter_FailureHookPanicContained(t *testing.T) {
	var wg sync.WaitGroup
	wg.Add(2)
	handled := make(chan uint64, 2)

	handlers := NewHandlers().
		Handle(protocol.TypeGameplayInput, func(ctx context.Context, mc MessageContext, msg *protocol.Message) error {
			defer wg.Done()
			if msg.Header.ID == 1 {
				return errors.New("bad input")
			}
			handled <- msg.Header.ID
			return nil
		}).
		OnFailure(func(mc MessageContext, msg *protocol.Message, err error) {
			panic("hook exploded")
		})

	r := NewRouter(Options{PartitionCount: 1, QueueCapacity: 8}, handlers, nil, nil)
	require.NoError(t, r.Start(context.Background()))

	require.NoError(t, r.Submit(envelope("alice", 1)))
	require.NoError(t, r.Submit(envelope("alice", 2)))
	waitGroupDone(t, &wg)
	stopRouter(t, r)

	// The worker survived the hook and handled the next message.
	assert.Equal(t, uint64(2), <-handled)

	stats := r.Stats()
	assert.Equal(t, int64(1), stats.HandlerErrors)
	assert.Equal(t, int64(1), stats.HandlerPanics)
	assert.Equal(t, int64(2), stats.Processed)
}

func TestRouter_DefaultHandler(t *testing.T) {
	got := make(chan protocol.MessageType, 1)

	handlers := NewHandlers().Default(func(ctx context.Context, mc MessageContext, msg *protocol.Message) error {
		got <- msg.Header.Type
		return nil
	})

	r := NewRouter(Options{PartitionCount: 1, QueueCapacity: 4}, handlers, nil, nil)
	require.NoError(t, r.Start(context.Background()))
	defer stopRouter(t, r)

	require.NoError(t, r.Submit(envelope("alice", 1)))

	select {
	case typ := <-got:
		assert.Equal(t, protocol.TypeGameplayInput, typ)
	case <-time.After(time.Second):
		t.Fatal("default handler not invoked")
	}
}

func TestRouter_Unhandled(t *testing.T) {
	r := NewRouter(Options{PartitionCount: 1, QueueCapacity: 4}, NewHandlers(), nil, nil)
	require.NoError(t, r.Start(context.Background()))

	require.NoError(t, r.Submit(envelope("alice", 1)))
	stopRouter(t, r)

	stats := r.Stats()
	assert.Equal(t, int64(1), stats.Unhandled)
	assert.Zero(t, stats.Processed)
}

func TestRouter_PartitionFor(t *testing.T) {
	r := NewRouter(Options{PartitionCount: 8, QueueCapacity: 1}, nil, nil, nil)

	used := make(map[int]bool)
	for i := 0; i < 100; i++ {
		key := fmt.Sprintf("user-%d", i)
		p := r.PartitionFor(key)
		require.GreaterOrEqual(t, p, 0, key)
		require.Less(t, p, 8, key)
		require.Equal(t, p, r.PartitionFor(key), "PartitionFor(%s) not stable", key)
		used[p] = true
	}
	assert.Greater(t, len(used), 1, "keys spread over partitions")
}

func TestMessageContext_PartitionKey(t *testing.T) {
	assert.Equal(t, "u", MessageContext{UserID: "u", ConnectionID: "c"}.PartitionKey())
	assert.Equal(t, "c", MessageContext{ConnectionID: "c"}.PartitionKey())
}
