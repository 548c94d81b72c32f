// Package sender delivers outbound realtime messages to client connections.
//
// Delivery is at-most-once and best-effort: a user without open connections is
// skipped silently, and a failed write to one connection does not stop delivery
// to the user's other connections.
package sender

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/benbjohnson/clock"
	"go.uber.org/multierr"

	"github.com/rickgao/arena-gateway/internal/codec"
	"github.com/rickgao/arena-gateway/internal/connection"
	"github.com/rickgao/arena-gateway/internal/idgen"
	"github.com/rickgao/arena-gateway/internal/metrics"
	"github.com/rickgao/arena-gateway/internal/protocol"
)

// ErrClosed is returned when writing to a connection already marked disconnected.
var ErrClosed = errors.New("connection closed")

// Sender encodes messages and writes them to registered connections.
type Sender struct {
	registry *connection.Registry
	codec    codec.Codec
	ids      *idgen.Generator
	clock    clock.Clock
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

// New creates a sender.
func New(
	registry *connection.Registry,
	c codec.Codec,
	ids *idgen.Generator,
	clk clock.Clock,
	m *metrics.Metrics,
	logger *slog.Logger,
) *Sender {
	if logger == nil {
		logger = slog.Default()
	}
	if clk == nil {
		clk = clock.New()
	}
	if ids == nil {
		ids = idgen.New(clk)
	}
	return &Sender{
		registry: registry,
		codec:    c,
		ids:      ids,
		clock:    clk,
		metrics:  metrics.OrNop(m),
		logger:   logger,
	}
}

// NewMessage builds an outbound message with a fresh id and the current time.
func (s *Sender) NewMessage(t protocol.MessageType, payload any) *protocol.Message {
	return protocol.NewMessage(t, s.ids.Next(), s.clock.Now().UnixMilli(), payload)
}

// SendToUser writes msg to every open connection of userID. The message is
// encoded once. Per-connection write errors are combined into the result.
func (s *Sender) SendToUser(ctx context.Context, userID string, msg *protocol.Message) error {
	conns := s.registry.ByUserID(userID)
	if len(conns) == 0 {
		return nil
	}

	data, err := s.codec.Encode(msg)
	if err != nil {
		return fmt.Errorf("encode %s: %w", msg.Header.Type, err)
	}

	var errs error
	for _, conn := range conns {
		if err := ctx.Err(); err != nil {
			return multierr.Append(errs, err)
		}
		if !conn.IsOpen() {
			continue
		}
		if err := s.write(conn, data); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("conn %s: %w", conn.ID(), err))
		}
	}
	return errs
}

// Push builds a message of type t and sends it to userID.
func (s *Sender) Push(ctx context.Context, userID string, t protocol.MessageType, payload any) error {
	return s.SendToUser(ctx, userID, s.NewMessage(t, payload))
}

// SendToConnection writes msg to one connection.
func (s *Sender) SendToConnection(conn *connection.Conn, msg *protocol.Message) error {
	if !conn.IsOpen() {
		return ErrClosed
	}
	data, err := s.codec.Encode(msg)
	if err != nil {
		return fmt.Errorf("encode %s: %w", msg.Header.Type, err)
	}
	return s.write(conn, data)
}

// SendToConnectionID writes msg to the connection with the given id.
func (s *Sender) SendToConnectionID(connID string, msg *protocol.Message) error {
	conn, ok := s.registry.ByConnectionID(connID)
	if !ok {
		return fmt.Errorf("%w: %s", connection.ErrNotFound, connID)
	}
	return s.SendToConnection(conn, msg)
}

func (s *Sender) write(conn *connection.Conn, data []byte) error {
	if err := conn.Transport().WriteFrame(s.codec.FrameKind(), data); err != nil {
		s.metrics.SendErrors.Inc()
		s.logger.Debug("write failed", "conn", conn.ID(), "user", conn.UserID(), "error", err)
		return err
	}
	s.metrics.MessagesSent.Inc()
	return nil
}
