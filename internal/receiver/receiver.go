package receiver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/benbjohnson/clock"

	"github.com/rickgao/arena-gateway/internal/codec"
	"github.com/rickgao/arena-gateway/internal/connection"
	"github.com/rickgao/arena-gateway/internal/idgen"
	"github.com/rickgao/arena-gateway/internal/liveness"
	"github.com/rickgao/arena-gateway/internal/metrics"
	"github.com/rickgao/arena-gateway/internal/protocol"
	"github.com/rickgao/arena-gateway/internal/router"
)

// CloseProtocolError is the websocket status for an undecodable frame.
const CloseProtocolError = 1002

// ErrFrameKind is returned for a frame whose transport kind does not match the
// deployment wire format.
var ErrFrameKind = errors.New("unexpected frame kind")

// Submitter accepts application messages for ordered processing.
type Submitter interface {
	Submit(env router.Envelope) error
}

// Replier writes a message to one connection.
type Replier interface {
	SendToConnection(conn *connection.Conn, msg *protocol.Message) error
}

// Closer tears down a connection after a framing error. It must tolerate
// repeated calls for the same connection.
type Closer interface {
	CloseProtocolError(conn *connection.Conn, err error)
}

// Receiver decodes frames and dispatches the resulting messages.
type Receiver struct {
	codec   codec.Codec
	policy  liveness.Policy
	router  Submitter
	replier Replier
	closer  Closer
	ids     *idgen.Generator
	clock   clock.Clock
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// Config holds the collaborators of a Receiver.
type Config struct {
	Codec   codec.Codec
	Policy  liveness.Policy
	Router  Submitter
	Replier Replier
	Closer  Closer
	IDs     *idgen.Generator
	Clock   clock.Clock
	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

// New creates a receiver.
func New(cfg Config) *Receiver {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.IDs == nil {
		cfg.IDs = idgen.New(cfg.Clock)
	}
	return &Receiver{
		codec:   cfg.Codec,
		policy:  cfg.Policy,
		router:  cfg.Router,
		replier: cfg.Replier,
		closer:  cfg.Closer,
		ids:     cfg.IDs,
		clock:   cfg.Clock,
		metrics: metrics.OrNop(cfg.Metrics),
		logger:  cfg.Logger.With("component", "receiver"),
	}
}

// HandleFrame processes one inbound frame from conn. A non-nil error means the
// connection has been closed and the read loop should stop.
func (r *Receiver) HandleFrame(ctx context.Context, conn *connection.Conn, kind codec.FrameKind, data []byte) error {
	now := r.clock.Now().UnixMilli()
	r.metrics.FramesReceived.WithLabelValues(kind.String()).Inc()

	if r.policy.Options().CountAnyInboundAsActivity {
		conn.MarkClientActivity(now)
	}

	if kind != r.codec.FrameKind() {
		return r.fail(conn, fmt.Errorf("%w: got %s, want %s", ErrFrameKind, kind, r.codec.FrameKind()))
	}

	msg, err := r.codec.Decode(data)
	if err != nil {
		return r.fail(conn, fmt.Errorf("decode frame: %w", err))
	}

	if protocol.IsHeartbeat(msg.Header.Type) {
		conn.MarkClientActivity(now)
	}
	r.ackTelemetry(conn, msg, now)

	switch msg.Header.Type {
	case protocol.TypePingRequest:
		r.answerPing(conn, msg, now)
		return nil
	case protocol.TypePongRequest:
		if pong, ok := msg.Payload.(*protocol.Pong); ok {
			r.completePing(conn, pong.PingID, now)
		}
		return nil
	case protocol.TypePingPush, protocol.TypePongPush:
		// Push types are server-to-client only.
		r.logger.Debug("ignoring push type from client", "conn", conn.ID(), "type", msg.Header.Type)
		return nil
	}

	return r.route(ctx, conn, msg, now)
}

func (r *Receiver) route(ctx context.Context, conn *connection.Conn, msg *protocol.Message, now int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	env := router.Envelope{
		Context: router.MessageContext{
			UserID:       conn.UserID(),
			ConnectionID: conn.ID(),
			Header:       msg.Header,
			ReceivedAt:   now,
		},
		Message: msg,
	}

	err := r.router.Submit(env)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, router.ErrBackpressure):
		r.reject(conn, msg, protocol.ErrorCodeBackpressure, "server busy, retry later", true, now)
		return nil
	case errors.Is(err, router.ErrStopped):
		r.reject(conn, msg, protocol.ErrorCodeInternal, "server shutting down", true, now)
		return nil
	default:
		r.logger.Warn("submit failed", "conn", conn.ID(), "type", msg.Header.Type, "error", err)
		return nil
	}
}

func (r *Receiver) answerPing(conn *connection.Conn, msg *protocol.Message, now int64) {
	ping, ok := msg.Payload.(*protocol.Ping)
	if !ok {
		return
	}
	pong := protocol.NewMessage(protocol.TypePongPush, r.ids.Next(), now, &protocol.Pong{
		PingID:     ping.PingID,
		PingSentAt: ping.SentAt,
		ServerTime: now,
	})
	pong.WithTelemetry((&protocol.Telemetry{}).AddUint64(protocol.TelemetryServerTime, uint64(now)))
	if err := r.replier.SendToConnection(conn, pong); err != nil {
		r.logger.Debug("pong write failed", "conn", conn.ID(), "ping_id", ping.PingID, "error", err)
	}
}

func (r *Receiver) completePing(conn *connection.Conn, pingID uint64, now int64) {
	rtt, ok := conn.TryCompletePing(pingID, now)
	if !ok {
		r.logger.Debug("unknown or late pong", "conn", conn.ID(), "ping_id", pingID)
		return
	}
	r.metrics.PingRTT.WithLabelValues("server").Observe(float64(rtt))
}

// ackTelemetry consumes the telemetry block of any inbound message: a ping ack
// completes that server ping, a client RTT is recorded on the connection.
func (r *Receiver) ackTelemetry(conn *connection.Conn, msg *protocol.Message, now int64) {
	if msg.Telemetry == nil {
		return
	}
	if pingID, ok := msg.Telemetry.Uint64(protocol.TelemetryPingAck); ok {
		r.completePing(conn, pingID, now)
	}
	if rtt, ok := msg.Telemetry.Uint32(protocol.TelemetryClientRTT); ok {
		conn.MarkClientRTT(int64(rtt))
		r.metrics.PingRTT.WithLabelValues("client").Observe(float64(rtt))
	}
}

func (r *Receiver) reject(conn *connection.Conn, msg *protocol.Message, code, text string, retryable bool, now int64) {
	push := protocol.NewMessage(protocol.TypeErrorPush, r.ids.Next(), now, &protocol.ErrorPush{
		Code:          code,
		Message:       text,
		CorrelationID: msg.Header.ID,
		Retryable:     retryable,
	})
	if err := r.replier.SendToConnection(conn, push); err != nil {
		r.logger.Debug("error push failed", "conn", conn.ID(), "code", code, "error", err)
	}
}

func (r *Receiver) fail(conn *connection.Conn, err error) error {
	r.metrics.FrameErrors.Inc()
	r.logger.Warn("closing connection on bad frame",
		"conn", conn.ID(),
		"user", conn.UserID(),
		"error", err,
	)
	r.closer.CloseProtocolError(conn, err)
	return err
}
