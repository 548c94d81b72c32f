package sender

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/multierr"

	"github.com/rickgao/arena-gateway/internal/codec"
	"github.com/rickgao/arena-gateway/internal/connection"
	"github.com/rickgao/arena-gateway/internal/protocol"
)

type fakeTransport struct {
	mu     sync.Mutex
	frames [][]byte
	kinds  []codec.FrameKind
	err    error
}

func (f *fakeTransport) WriteFrame(kind codec.FrameKind, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.frames = append(f.frames, data)
	f.kinds = append(f.kinds, kind)
	return nil
}

func (f *fakeTransport) Close(int, string) error { return nil }
func (f *fakeTransport) RemoteAddr() string      { return "test" }

func (f *fakeTransport) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.frames)
}

func newSender(t *testing.T, format codec.Format) (*Sender, *connection.Registry, codec.Codec) {
	t.Helper()
	c, err := codec.New(format, protocol.NewDefaultRegistry(), codec.DefaultOptions())
	require.NoError(t, err)
	registry := connection.NewRegistry(nil)
	return New(registry, c, nil, nil, nil, nil), registry, c
}

func register(t *testing.T, r *connection.Registry, id, user string, tr connection.Transport) *connection.Conn {
	t.Helper()
	conn := connection.NewConn(id, user, tr, 1, 4)
	require.NoError(t, r.Register(conn))
	return conn
}

func TestSendToUser_FansOut(t *testing.T) {
	s, registry, c := newSender(t, codec.FormatBinary)
	phone, desktop := &fakeTransport{}, &fakeTransport{}
	register(t, registry, "phone", "alice", phone)
	register(t, registry, "desktop", "alice", desktop)

	msg := s.NewMessage(protocol.TypeChatPush, &protocol.ChatPush{From: "bob", Text: "gg"})
	require.NoError(t, s.SendToUser(context.Background(), "alice", msg))

	require.Equal(t, 1, phone.count())
	require.Equal(t, 1, desktop.count())
	assert.Equal(t, phone.frames[0], desktop.frames[0], "same encoded frame goes to every connection")
	assert.Equal(t, codec.FrameBinary, phone.kinds[0])

	decoded, err := c.Decode(phone.frames[0])
	require.NoError(t, err)
	assert.Equal(t, msg.Payload, decoded.Payload)
}

func TestSendToUser_NoConnectionsIsNoop(t *testing.T) {
	s, _, _ := newSender(t, codec.FormatJSON)
	err := s.Push(context.Background(), "nobody", protocol.TypeChatPush, &protocol.ChatPush{Text: "hello?"})
	assert.NoError(t, err)
}

func TestSendToUser_PartialFailure(t *testing.T) {
	s, registry, _ := newSender(t, codec.FormatJSON)
	broken := &fakeTransport{err: errors.New("broken pipe")}
	healthy := &fakeTransport{}
	register(t, registry, "broken", "alice", broken)
	register(t, registry, "healthy", "alice", healthy)

	err := s.Push(context.Background(), "alice", protocol.TypeChatPush, &protocol.ChatPush{Text: "hi"})
	require.Error(t, err)
	assert.Len(t, multierr.Errors(err), 1)
	assert.Contains(t, err.Error(), "conn broken")
	assert.Equal(t, 1, healthy.count(), "healthy connection still receives the message")
}

func TestSendToUser_SkipsDisconnected(t *testing.T) {
	s, registry, _ := newSender(t, codec.FormatBinary)
	closed := &fakeTransport{}
	conn := register(t, registry, "old", "alice", closed)
	conn.MarkDisconnected(5)

	require.NoError(t, s.Push(context.Background(), "alice", protocol.TypeChatPush, &protocol.ChatPush{}))
	assert.Equal(t, 0, closed.count())
}

func TestSendToConnection(t *testing.T) {
	s, registry, _ := newSender(t, codec.FormatJSON)
	tr := &fakeTransport{}
	conn := register(t, registry, "c1", "alice", tr)

	msg := s.NewMessage(protocol.TypeErrorPush, &protocol.ErrorPush{Code: protocol.ErrorCodeBackpressure})
	require.NoError(t, s.SendToConnectionID("c1", msg))
	assert.Equal(t, codec.FrameText, tr.kinds[0])

	assert.ErrorIs(t, s.SendToConnectionID("missing", msg), connection.ErrNotFound)

	conn.MarkDisconnected(10)
	assert.ErrorIs(t, s.SendToConnection(conn, msg), ErrClosed)
}

func TestNewMessage_IDsIncrease(t *testing.T) {
	s, _, _ := newSender(t, codec.FormatBinary)
	a := s.NewMessage(protocol.TypeChatPush, nil)
	b := s.NewMessage(protocol.TypeChatPush, nil)
	assert.Greater(t, b.Header.ID, a.Header.ID)
	assert.NotZero(t, a.Header.Timestamp)
}
