package gateway

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rickgao/arena-gateway/internal/auth"
	"github.com/rickgao/arena-gateway/internal/codec"
	"github.com/rickgao/arena-gateway/internal/config"
	"github.com/rickgao/arena-gateway/internal/connection"
	"github.com/rickgao/arena-gateway/internal/journal"
	"github.com/rickgao/arena-gateway/internal/protocol"
	"github.com/rickgao/arena-gateway/internal/router"
	"github.com/rickgao/arena-gateway/internal/sender"
)

type recordingJournal struct {
	mu     sync.Mutex
	events []journal.Event
}

func (r *recordingJournal) Record(ev journal.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recordingJournal) kinds() []journal.Kind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]journal.Kind, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Kind
	}
	return out
}

type recordingPresence struct {
	mu     sync.Mutex
	online map[string]bool
}

func (p *recordingPresence) Online(_ context.Context, user, conn string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.online[user+"/"+conn] = true
	return nil
}

func (p *recordingPresence) Offline(_ context.Context, user, conn string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.online, user+"/"+conn)
	return nil
}

func (p *recordingPresence) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.online)
}

type harness struct {
	gw       *Gateway
	server   *httptest.Server
	url      string
	journal  *recordingJournal
	presence *recordingPresence
	codec    codec.Codec
}

func testConfig(format string) *config.GatewayConfig {
	cfg := &config.GatewayConfig{
		Instance: config.InstanceConfig{ID: "gw-test"},
		Wire:     config.WireConfig{Format: format},
		Metrics:  config.MetricsConfig{Enabled: true},
	}
	cfg.Liveness.PingInterval = -1
	cfg.Routing.PartitionCount = 2
	cfg.ApplyDefaults()
	return cfg
}

func newHarness(t *testing.T, cfg *config.GatewayConfig, clk clock.Clock, routes RoutesFunc) *harness {
	t.Helper()
	h := &harness{
		journal:  &recordingJournal{},
		presence: &recordingPresence{online: make(map[string]bool)},
	}

	gw, err := New(cfg, Deps{
		Resolver: auth.HeaderResolver{},
		Routes:   routes,
		Journal:  h.journal,
		Presence: h.presence,
		Clock:    clk,
	})
	require.NoError(t, err)
	require.NoError(t, gw.Start(context.Background()))

	h.gw = gw
	h.codec = gw.Codec()
	h.server = httptest.NewServer(gw.Handler())
	h.url = "ws" + strings.TrimPrefix(h.server.URL, "http") + cfg.Server.Path

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = gw.Shutdown(ctx)
		h.server.Close()
	})
	return h
}

func (h *harness) client(t *testing.T, user string) connection.Client {
	t.Helper()
	cfg := connection.DefaultClientConfig()
	cfg.URL = h.url
	cfg.UserID = user
	cfg.Codec = h.codec

	c := connection.NewClient(cfg, nil)
	require.NoError(t, c.Connect(context.Background()))
	t.Cleanup(func() { c.Close() })

	require.Eventually(t, func() bool { return h.gw.Registry().IsUserConnected(user) }, time.Second, 5*time.Millisecond)
	return c
}

func (h *harness) rawDial(t *testing.T, user string) *websocket.Conn {
	t.Helper()
	header := http.Header{}
	header.Set(auth.HeaderUser, user)
	ws, _, err := websocket.DefaultDialer.Dial(h.url, header)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })
	return ws
}

func receive(t *testing.T, c connection.Client) *protocol.Message {
	t.Helper()
	select {
	case msg := <-c.Messages():
		return msg
	case err := <-c.Errors():
		t.Fatalf("client error: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for message")
	}
	return nil
}

func readCloseCode(t *testing.T, ws *websocket.Conn) int {
	t.Helper()
	ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		_, _, err := ws.ReadMessage()
		if err == nil {
			continue
		}
		var ce *websocket.CloseError
		require.True(t, errors.As(err, &ce), "expected close frame, got %v", err)
		return ce.Code
	}
}

func chatRoutes(s *sender.Sender) *router.Handlers {
	return router.NewHandlers().
		Handle(protocol.TypeChatSend, func(ctx context.Context, mc router.MessageContext, msg *protocol.Message) error {
			chat := msg.Payload.(*protocol.ChatSend)
			return s.Push(ctx, chat.To, protocol.TypeChatPush, &protocol.ChatPush{From: mc.UserID, Text: chat.Text})
		}).
		Handle(protocol.TypeSessionJoin, func(context.Context, router.MessageContext, *protocol.Message) error {
			return errors.New("session store unavailable")
		})
}

func TestGateway_ChatRelay(t *testing.T) {
	for _, format := range []string{"binary", "json"} {
		t.Run(format, func(t *testing.T) {
			h := newHarness(t, testConfig(format), nil, chatRoutes)
			alice := h.client(t, "alice")
			bob := h.client(t, "bob")

			require.NoError(t, alice.Send(protocol.NewMessage(protocol.TypeChatSend, 0, 0, &protocol.ChatSend{To: "bob", Text: "glhf"})))

			msg := receive(t, bob)
			assert.Equal(t, protocol.TypeChatPush, msg.Header.Type)
			assert.Equal(t, &protocol.ChatPush{From: "alice", Text: "glhf"}, msg.Payload)
		})
	}
}

func TestGateway_Ping(t *testing.T) {
	h := newHarness(t, testConfig("binary"), nil, nil)
	c := h.client(t, "alice")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	rtt, err := c.Ping(ctx)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, rtt, time.Duration(0))

	conn := h.gw.Registry().ByUserID("alice")[0]
	assert.NotZero(t, conn.Snapshot().LastClientActivity)
}

func TestGateway_NoHandler(t *testing.T) {
	h := newHarness(t, testConfig("json"), nil, chatRoutes)
	c := h.client(t, "alice")

	req := protocol.NewMessage(protocol.TypeMatchmakingEnqueue, 4242, 0, &protocol.MatchmakingEnqueue{Queue: "ranked"})
	require.NoError(t, c.Send(req))

	msg := receive(t, c)
	require.Equal(t, protocol.TypeErrorPush, msg.Header.Type)
	push := msg.Payload.(*protocol.ErrorPush)
	assert.Equal(t, protocol.ErrorCodeNoHandler, push.Code)
	assert.Equal(t, uint64(4242), push.CorrelationID)
	assert.False(t, push.Retryable)
}

func TestGateway_HandlerFailure(t *testing.T) {
	h := newHarness(t, testConfig("binary"), nil, chatRoutes)
	c := h.client(t, "alice")

	require.NoError(t, c.Send(protocol.NewMessage(protocol.TypeSessionJoin, 77, 0, &protocol.SessionJoin{SessionID: "s-1"})))

	msg := receive(t, c)
	require.Equal(t, protocol.TypeErrorPush, msg.Header.Type)
	push := msg.Payload.(*protocol.ErrorPush)
	assert.Equal(t, protocol.ErrorCodeInternal, push.Code)
	assert.Equal(t, uint64(77), push.CorrelationID)
	assert.True(t, c.IsConnected(), "handler failure keeps the connection")
}

func TestGateway_RejectsMissingIdentity(t *testing.T) {
	h := newHarness(t, testConfig("binary"), nil, nil)

	_, resp, err := websocket.DefaultDialer.Dial(h.url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Zero(t, h.gw.Registry().Count())
}

func TestGateway_ProtocolErrorCloses(t *testing.T) {
	h := newHarness(t, testConfig("binary"), nil, nil)
	ws := h.rawDial(t, "mallory")

	require.Eventually(t, func() bool { return h.gw.Registry().IsUserConnected("mallory") }, time.Second, 5*time.Millisecond)
	require.NoError(t, ws.WriteMessage(websocket.BinaryMessage, []byte{0x00, 0x01, 0x02}))

	assert.Equal(t, 1002, readCloseCode(t, ws))
	assert.Eventually(t, func() bool { return h.gw.Registry().Count() == 0 }, time.Second, 5*time.Millisecond)
	assert.Contains(t, h.journal.kinds(), journal.KindProtocolError)
	assert.Equal(t, 0, h.presence.count())
}

func TestGateway_IdleTimeout(t *testing.T) {
	clk := clock.NewMock()
	clk.Set(time.UnixMilli(1_700_000_000_000))

	cfg := testConfig("binary")
	cfg.Liveness.IdleTimeout = 10 * time.Second
	cfg.Liveness.SweepInterval = time.Second
	h := newHarness(t, cfg, clk, nil)

	ws := h.rawDial(t, "sleepy")
	require.Eventually(t, func() bool { return h.gw.Registry().IsUserConnected("sleepy") }, time.Second, 5*time.Millisecond)

	go func() {
		for i := 0; i < 30 && h.gw.Registry().Count() > 0; i++ {
			clk.Add(time.Second)
			time.Sleep(5 * time.Millisecond)
		}
	}()

	assert.Equal(t, cfg.Liveness.CloseCode, readCloseCode(t, ws))
	assert.Eventually(t, func() bool { return h.gw.Registry().Count() == 0 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []journal.Kind{journal.KindConnected, journal.KindTimedOut}, h.journal.kinds())
}

func TestGateway_ClientDisconnect(t *testing.T) {
	h := newHarness(t, testConfig("json"), nil, nil)
	c := h.client(t, "alice")
	require.Equal(t, 1, h.presence.count())

	require.NoError(t, c.Close())

	assert.Eventually(t, func() bool { return h.gw.Registry().Count() == 0 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, h.presence.count())
	assert.Equal(t, []journal.Kind{journal.KindConnected, journal.KindDisconnected}, h.journal.kinds())
}

func TestGateway_ShutdownClosesConnections(t *testing.T) {
	h := newHarness(t, testConfig("binary"), nil, nil)
	ws := h.rawDial(t, "alice")
	require.Eventually(t, func() bool { return h.gw.Registry().Count() == 1 }, time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.gw.Shutdown(ctx))

	assert.Equal(t, websocket.CloseGoingAway, readCloseCode(t, ws))
	assert.Zero(t, h.gw.Registry().Count())

	resp, err := http.Get(h.server.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestGateway_ShutdownDuringAccept(t *testing.T) {
	h := newHarness(t, testConfig("binary"), nil, nil)

	shutdownDone := make(chan time.Duration, 1)
	h.gw.testHookBeforeRegister = func() {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			start := time.Now()
			_ = h.gw.Shutdown(ctx)
			shutdownDone <- time.Since(start)
		}()
		// Let Shutdown take its connection snapshot before this conn registers.
		assert.Eventually(t, h.gw.isShuttingDown, time.Second, time.Millisecond)
		time.Sleep(50 * time.Millisecond)
	}

	ws := h.rawDial(t, "alice")
	assert.Equal(t, websocket.CloseGoingAway, readCloseCode(t, ws))

	select {
	case elapsed := <-shutdownDone:
		assert.Less(t, elapsed, 2*time.Second, "shutdown waited for an unclosed reader")
	case <-time.After(6 * time.Second):
		t.Fatal("shutdown did not return")
	}
	assert.Zero(t, h.gw.Registry().Count())
}

func TestGateway_HealthAndMetrics(t *testing.T) {
	h := newHarness(t, testConfig("binary"), nil, nil)
	h.client(t, "alice")

	resp, err := http.Get(h.server.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	mresp, err := http.Get(h.server.URL + "/metrics")
	require.NoError(t, err)
	defer mresp.Body.Close()
	assert.Equal(t, http.StatusOK, mresp.StatusCode)
}

func TestGateway_CheckOrigin(t *testing.T) {
	cfg := testConfig("binary")
	cfg.Server.AllowedOrigins = []string{"play.example.com"}
	gw, err := New(cfg, Deps{Resolver: auth.HeaderResolver{}})
	require.NoError(t, err)

	tests := []struct {
		origin string
		want   bool
	}{
		{"", true},
		{"https://play.example.com", true},
		{"https://evil.example.com", false},
	}
	for _, tt := range tests {
		r := httptest.NewRequest(http.MethodGet, "/ws", nil)
		if tt.origin != "" {
			r.Header.Set("Origin", tt.origin)
		}
		assert.Equal(t, tt.want, gw.checkOrigin(r), "origin %q", tt.origin)
	}
}
