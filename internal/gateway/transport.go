package gateway

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rickgao/arena-gateway/internal/codec"
)

// closeFrameTimeout bounds the close frame write. A writer stuck on a slow peer
// holds gorilla's write lock, so the close frame may be skipped after this.
const closeFrameTimeout = time.Second

// wsTransport adapts a websocket connection to connection.Transport.
// gorilla allows one concurrent writer; writeMu serializes router workers,
// the heartbeat loop and the receive loop's inline replies. Close does not take
// writeMu: WriteControl and Close may run concurrently with a blocked writer.
type wsTransport struct {
	conn         *websocket.Conn
	writeTimeout time.Duration
	writeMu      sync.Mutex
	closeOnce    sync.Once
}

func newWSTransport(conn *websocket.Conn, writeTimeout time.Duration) *wsTransport {
	return &wsTransport{conn: conn, writeTimeout: writeTimeout}
}

func (t *wsTransport) WriteFrame(kind codec.FrameKind, data []byte) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	if t.writeTimeout > 0 {
		if err := t.conn.SetWriteDeadline(time.Now().Add(t.writeTimeout)); err != nil {
			return err
		}
	}
	return t.conn.WriteMessage(int(kind), data)
}

// Close sends a close frame with code and reason, then closes the socket.
// Later calls are no-ops.
func (t *wsTransport) Close(code int, reason string) error {
	var err error
	t.closeOnce.Do(func() {
		deadline := time.Now().Add(closeFrameTimeout)
		_ = t.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
		err = t.conn.Close()
	})
	return err
}

func (t *wsTransport) RemoteAddr() string {
	return t.conn.RemoteAddr().String()
}
