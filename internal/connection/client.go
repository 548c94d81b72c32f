package connection

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rickgao/arena-gateway/internal/auth"
	"github.com/rickgao/arena-gateway/internal/idgen"
	"github.com/rickgao/arena-gateway/internal/protocol"
)

// Client is a realtime connection to a gateway.
type Client interface {
	// Connect dials the gateway and performs the handshake.
	Connect(ctx context.Context) error

	// Close gracefully closes the connection.
	Close() error

	// Send encodes and writes one message.
	Send(msg *protocol.Message) error

	// Ping sends a heartbeat ping and waits for the matching pong.
	Ping(ctx context.Context) (time.Duration, error)

	// Messages returns inbound non-heartbeat messages.
	Messages() <-chan *protocol.Message

	// Errors returns connection errors.
	Errors() <-chan error

	// IsConnected returns current connection state.
	IsConnected() bool
}

// client implements the Client interface.
type client struct {
	cfg    ClientConfig
	logger *slog.Logger
	ids    *idgen.Generator

	conn *websocket.Conn

	// Output channels
	messages chan *protocol.Message
	errors   chan error
	done     chan struct{}

	// Write serialization
	writeMu sync.Mutex

	// Outstanding pings
	pingMu  sync.Mutex
	pings   *pendingPings
	waiters map[uint64]chan int64
	lastRTT atomic.Int64

	// State
	mu        sync.RWMutex
	connected bool
	closed    bool
}

// NewClient creates a new realtime client.
func NewClient(cfg ClientConfig, logger *slog.Logger) Client {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultClientConfig().BufferSize
	}

	c := &client{
		cfg:      cfg,
		logger:   logger,
		ids:      idgen.New(nil),
		messages: make(chan *protocol.Message, cfg.BufferSize),
		errors:   make(chan error, 1),
		done:     make(chan struct{}),
		pings:    newPendingPings(64),
		waiters:  make(map[uint64]chan int64),
	}
	c.lastRTT.Store(-1)
	return c
}

// Connect establishes the WebSocket connection.
func (c *client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrAlreadyClosed
	}
	c.mu.Unlock()

	if c.cfg.Codec == nil {
		return fmt.Errorf("client codec is required")
	}

	u, err := url.Parse(c.cfg.URL)
	if err != nil {
		return fmt.Errorf("parse url: %w", err)
	}

	// Build headers
	header := http.Header{}
	if c.cfg.UserID != "" {
		header.Set(auth.HeaderUser, c.cfg.UserID)
	}
	if c.cfg.Signer != nil {
		signed, err := c.cfg.Signer.SignHandshake(u.Path)
		if err != nil {
			return fmt.Errorf("sign handshake: %w", err)
		}
		for k, v := range signed {
			header.Set(k, v)
		}
	}

	// Dial with context
	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
	}

	conn, _, err := dialer.DialContext(ctx, c.cfg.URL, header)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.conn = conn
	c.connected = true
	c.mu.Unlock()

	go c.readLoop()

	c.logger.Debug("websocket connected", "url", c.cfg.URL, "format", c.cfg.Codec.Format())

	return nil
}

// Close gracefully closes the connection.
func (c *client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.connected = false
	c.mu.Unlock()

	// Signal goroutines to stop
	close(c.done)

	if c.conn != nil {
		// WriteControl is safe beside a blocked Send, so writeMu is not taken.
		_ = c.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		return c.conn.Close()
	}

	return nil
}

// Send encodes msg and writes it to the connection.
func (c *client) Send(msg *protocol.Message) error {
	c.mu.RLock()
	if !c.connected {
		c.mu.RUnlock()
		return ErrNotConnected
	}
	c.mu.RUnlock()

	if msg.Header.ID == 0 {
		msg.Header.ID = c.ids.Next()
	}
	if msg.Header.Timestamp == 0 {
		msg.Header.Timestamp = time.Now().UnixMilli()
	}

	data, err := c.cfg.Codec.Encode(msg)
	if err != nil {
		return fmt.Errorf("encode %s: %w", msg.Header.Type, err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	return c.conn.WriteMessage(int(c.cfg.Codec.FrameKind()), data)
}

// Ping measures the round trip of one heartbeat.
func (c *client) Ping(ctx context.Context) (time.Duration, error) {
	pingID := c.ids.Next()
	sentAt := time.Now().UnixMilli()
	ch := make(chan int64, 1)

	c.pingMu.Lock()
	if evicted, ok := c.pings.Insert(pingID, sentAt); ok {
		delete(c.waiters, evicted)
	}
	c.waiters[pingID] = ch
	c.pingMu.Unlock()

	msg := protocol.NewMessage(protocol.TypePingRequest, pingID, sentAt, &protocol.Ping{PingID: pingID, SentAt: sentAt})
	if err := c.Send(msg); err != nil {
		c.forgetPing(pingID)
		return 0, err
	}

	timer := time.NewTimer(c.cfg.PingTimeout)
	defer timer.Stop()

	select {
	case rtt := <-ch:
		return time.Duration(rtt) * time.Millisecond, nil
	case <-timer.C:
		c.forgetPing(pingID)
		return 0, ErrPingTimeout
	case <-ctx.Done():
		c.forgetPing(pingID)
		return 0, ctx.Err()
	case <-c.done:
		return 0, ErrAlreadyClosed
	}
}

func (c *client) forgetPing(pingID uint64) {
	c.pingMu.Lock()
	c.pings.Remove(pingID)
	delete(c.waiters, pingID)
	c.pingMu.Unlock()
}

// Messages returns the messages channel.
func (c *client) Messages() <-chan *protocol.Message {
	return c.messages
}

// Errors returns the errors channel.
func (c *client) Errors() <-chan error {
	return c.errors
}

// IsConnected returns the current connection state.
func (c *client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

// readLoop decodes frames, answers heartbeats and forwards everything else.
func (c *client) readLoop() {
	defer func() {
		c.mu.Lock()
		c.connected = false
		c.mu.Unlock()
	}()

	for {
		select {
		case <-c.done:
			return
		default:
		}

		_, data, err := c.conn.ReadMessage()
		if err != nil {
			// Ignore errors after Close() is called
			select {
			case <-c.done:
				return
			default:
				c.reportError(err)
				return
			}
		}

		msg, err := c.cfg.Codec.Decode(data)
		if err != nil {
			c.logger.Warn("dropping undecodable frame", "error", err)
			continue
		}

		switch msg.Header.Type {
		case protocol.TypePongPush:
			c.completePing(msg)
			continue
		case protocol.TypePingPush:
			c.answerPing(msg)
			continue
		}

		select {
		case c.messages <- msg:
		case <-c.done:
			return
		default:
			c.logger.Warn("message buffer full, dropping message", "type", msg.Header.Type)
		}
	}
}

func (c *client) completePing(msg *protocol.Message) {
	pong, ok := msg.Payload.(*protocol.Pong)
	if !ok {
		return
	}
	now := time.Now().UnixMilli()

	c.pingMu.Lock()
	sentAt, found := c.pings.Remove(pong.PingID)
	ch := c.waiters[pong.PingID]
	delete(c.waiters, pong.PingID)
	c.pingMu.Unlock()

	if !found {
		c.logger.Debug("late or unknown pong", "ping_id", pong.PingID)
		return
	}
	rtt := max(now-sentAt, 0)
	c.lastRTT.Store(rtt)
	if ch != nil {
		ch <- rtt
	}
}

// answerPing replies to a server heartbeat, piggybacking the last observed RTT.
func (c *client) answerPing(msg *protocol.Message) {
	ping, ok := msg.Payload.(*protocol.Ping)
	if !ok {
		return
	}
	reply := protocol.NewMessage(protocol.TypePongRequest, 0, 0, &protocol.Pong{
		PingID:     ping.PingID,
		PingSentAt: ping.SentAt,
	})
	if rtt := c.lastRTT.Load(); rtt >= 0 {
		reply.WithTelemetry((&protocol.Telemetry{}).AddUint32(protocol.TelemetryClientRTT, uint32(rtt)))
	}
	if err := c.Send(reply); err != nil {
		c.logger.Debug("failed to answer ping", "ping_id", ping.PingID, "error", err)
	}
}

func (c *client) reportError(err error) {
	select {
	case c.errors <- err:
	default:
	}
}
