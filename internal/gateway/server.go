package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/rickgao/arena-gateway/internal/codec"
	"github.com/rickgao/arena-gateway/internal/connection"
	"github.com/rickgao/arena-gateway/internal/journal"
	"github.com/rickgao/arena-gateway/internal/liveness"
	"github.com/rickgao/arena-gateway/internal/protocol"
	"github.com/rickgao/arena-gateway/internal/receiver"
	"github.com/rickgao/arena-gateway/internal/router"
	"github.com/rickgao/arena-gateway/internal/version"
)

// presenceTimeout bounds presence updates made on the accept and close paths.
const presenceTimeout = 2 * time.Second

// Handler returns the HTTP handler: the websocket endpoint, /health and,
// when enabled, the metrics endpoint.
func (g *Gateway) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(g.cfg.Server.Path, g.handleUpgrade)
	mux.HandleFunc("/health", g.handleHealth)
	if g.cfg.Metrics.Enabled {
		mux.Handle(g.cfg.Metrics.Path, g.metrics.Handler())
	}
	return mux
}

func (g *Gateway) checkOrigin(r *http.Request) bool {
	allowed := g.cfg.Server.AllowedOrigins
	if len(allowed) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	for _, a := range allowed {
		if strings.EqualFold(a, u.Host) || strings.EqualFold(a, origin) {
			return true
		}
	}
	return false
}

// handleUpgrade authenticates the handshake, upgrades it and runs the receive
// loop for the connection until it closes.
func (g *Gateway) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if g.isShuttingDown() {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}

	userID, err := g.deps.Resolver.Resolve(r)
	if err != nil {
		g.metrics.ConnectionsTotal.WithLabelValues("rejected").Inc()
		g.logger.Info("handshake rejected", "remote", r.RemoteAddr, "error", err)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	ws, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		g.metrics.ConnectionsTotal.WithLabelValues("rejected").Inc()
		g.logger.Warn("upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	ws.SetReadLimit(g.cfg.Server.MaxFrameSize)

	now := g.clock.Now().UnixMilli()
	transport := newWSTransport(ws, g.cfg.Server.WriteTimeout)
	conn := connection.NewConn(uuid.NewString(), userID, transport, now, g.policy.Options().PendingPingCapacity)

	if !g.acquireReader() {
		_ = transport.Close(websocket.CloseGoingAway, "server shutting down")
		return
	}
	defer g.readers.Done()

	if g.testHookBeforeRegister != nil {
		g.testHookBeforeRegister()
	}
	if err := g.registry.Register(conn); err != nil {
		g.logger.Error("register connection", "conn", conn.ID(), "error", err)
		_ = transport.Close(websocket.CloseInternalServerErr, "registration failed")
		return
	}
	// Shutdown may have taken its connection snapshot before Register.
	if g.isShuttingDown() {
		conn.MarkDisconnected(g.clock.Now().UnixMilli())
		g.registry.Unregister(conn.ID())
		_ = transport.Close(websocket.CloseGoingAway, "server shutting down")
		return
	}

	g.metrics.ConnectionsTotal.WithLabelValues("accepted").Inc()
	g.metrics.ConnectionsOpen.Inc()
	g.setOnline(conn)
	g.deps.Journal.Record(journal.Event{
		Kind:         journal.KindConnected,
		At:           time.UnixMilli(now),
		InstanceID:   g.cfg.Instance.ID,
		ConnectionID: conn.ID(),
		UserID:       userID,
		RemoteAddr:   transport.RemoteAddr(),
		LastRTTMs:    -1,
	})
	g.logger.Info("connection opened",
		"conn", conn.ID(),
		"user", userID,
		"remote", transport.RemoteAddr(),
	)

	g.receiveLoop(ws, conn)
}

// receiveLoop reads frames until the socket fails or the receiver closes the
// connection.
func (g *Gateway) receiveLoop(ws *websocket.Conn, conn *connection.Conn) {
	for {
		mt, data, err := ws.ReadMessage()
		if err != nil {
			if conn.IsOpen() {
				detail := err.Error()
				var ce *websocket.CloseError
				if errors.As(err, &ce) {
					detail = ce.Text
				}
				g.logger.Debug("read loop ended", "conn", conn.ID(), "error", err)
				g.closeConnReason(conn, journal.KindDisconnected, websocket.CloseNormalClosure, "", detail)
			}
			return
		}

		if err := g.receiver.HandleFrame(g.ctx, conn, codec.FrameKind(mt), data); err != nil {
			if conn.IsOpen() {
				g.closeConn(conn, journal.KindShutdown, websocket.CloseGoingAway, "server shutting down")
			}
			return
		}
	}
}

// CloseTimedOut implements liveness.Closer.
func (g *Gateway) CloseTimedOut(conn *connection.Conn, d liveness.Decision) {
	g.logger.Info("closing idle connection", "conn", conn.ID(), "user", conn.UserID(), "idle_ms", d.IdleMs)
	g.closeConn(conn, journal.KindTimedOut, d.CloseCode, d.CloseReason)
}

// CloseProtocolError implements receiver.Closer.
func (g *Gateway) CloseProtocolError(conn *connection.Conn, err error) {
	g.closeConnReason(conn, journal.KindProtocolError, receiver.CloseProtocolError, "protocol error", err.Error())
}

func (g *Gateway) closeConn(conn *connection.Conn, kind journal.Kind, code int, reason string) {
	g.closeConnReason(conn, kind, code, reason, reason)
}

// closeConnReason tears conn down exactly once, whichever of the receive
// loop, the liveness sweep or shutdown gets here first.
func (g *Gateway) closeConnReason(conn *connection.Conn, kind journal.Kind, code int, reason, detail string) {
	now := g.clock.Now().UnixMilli()
	if !conn.MarkDisconnected(now) {
		return
	}

	if err := conn.Transport().Close(code, reason); err != nil {
		g.logger.Debug("transport close", "conn", conn.ID(), "error", err)
	}
	g.registry.Unregister(conn.ID())

	g.metrics.ConnectionsOpen.Dec()
	g.metrics.Disconnects.WithLabelValues(string(kind)).Inc()
	g.setOffline(conn)

	rtt, ok := conn.LastRTT()
	if !ok {
		rtt = -1
	}
	g.deps.Journal.Record(journal.Event{
		Kind:         kind,
		At:           time.UnixMilli(now),
		InstanceID:   g.cfg.Instance.ID,
		ConnectionID: conn.ID(),
		UserID:       conn.UserID(),
		RemoteAddr:   conn.Transport().RemoteAddr(),
		Reason:       detail,
		DurationMs:   now - conn.ConnectedAt(),
		LastRTTMs:    rtt,
	})
	g.logger.Info("connection closed",
		"conn", conn.ID(),
		"user", conn.UserID(),
		"kind", kind,
		"code", code,
	)
}

func (g *Gateway) setOnline(conn *connection.Conn) {
	ctx, cancel := context.WithTimeout(context.Background(), presenceTimeout)
	defer cancel()
	_ = g.deps.Presence.Online(ctx, conn.UserID(), conn.ID())
}

func (g *Gateway) setOffline(conn *connection.Conn) {
	ctx, cancel := context.WithTimeout(context.Background(), presenceTimeout)
	defer cancel()
	_ = g.deps.Presence.Offline(ctx, conn.UserID(), conn.ID())
}

// noHandler answers messages whose type has no registered handler.
func (g *Gateway) noHandler(_ context.Context, mc router.MessageContext, msg *protocol.Message) error {
	g.replyError(mc, protocol.ErrorCodeNoHandler, "no handler for "+msg.Header.Type.String(), false)
	return nil
}

// reportFailure tells the client that its request failed inside a handler.
func (g *Gateway) reportFailure(mc router.MessageContext, _ *protocol.Message, _ error) {
	g.replyError(mc, protocol.ErrorCodeInternal, "request failed", false)
}

func (g *Gateway) replyError(mc router.MessageContext, code, text string, retryable bool) {
	msg := g.sender.NewMessage(protocol.TypeErrorPush, &protocol.ErrorPush{
		Code:          code,
		Message:       text,
		CorrelationID: mc.Header.ID,
		Retryable:     retryable,
	})
	if err := g.sender.SendToConnectionID(mc.ConnectionID, msg); err != nil {
		g.logger.Debug("error push failed", "conn", mc.ConnectionID, "code", code, "error", err)
	}
}

func (g *Gateway) handleHealth(w http.ResponseWriter, _ *http.Request) {
	stats := g.router.Stats()
	health := struct {
		Status     string                 `json:"status"`
		Build      version.Info           `json:"build"`
		Instance   string                 `json:"instance"`
		Components map[string]interface{} `json:"components"`
	}{
		Status:   "healthy",
		Build:    version.Get(),
		Instance: g.cfg.Instance.ID,
		Components: map[string]interface{}{
			"connections": g.registry.Stats(),
			"router": map[string]int64{
				"submitted": stats.Submitted,
				"rejected":  stats.Rejected,
				"processed": stats.Processed,
			},
		},
	}
	if g.isShuttingDown() {
		health.Status = "draining"
	}

	w.Header().Set("Content-Type", "application/json")
	if health.Status != "healthy" {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(health)
}
