package transport

import (
	"net"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

const (
	// Time allowed to write a frame to the peer. Slow clients that cannot
	// drain within this window are treated as dead.
	writeWait = 5 * time.Second

	// Inactivity window before the read loop gives up on the peer.
	readWait = 120 * time.Second
)

// wsTransport adapts a gobwas WebSocket connection to the hub transport
// interface. Writes carry a deadline; the hub serializes them per connection.
type wsTransport struct {
	conn       net.Conn
	remoteAddr string
	userAgent  string

	closeOnce sync.Once
	closeErr  error
}

func newWSTransport(conn net.Conn, remoteAddr, userAgent string) *wsTransport {
	return &wsTransport{
		conn:       conn,
		remoteAddr: remoteAddr,
		userAgent:  userAgent,
	}
}

func (t *wsTransport) Write(data []byte) error {
	if err := t.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return wsutil.WriteServerMessage(t.conn, ws.OpText, data)
}

// Close sends a close frame with the given code and tears the socket down.
// Safe to call from multiple goroutines; only the first wins.
func (t *wsTransport) Close(code int, reason string) error {
	t.closeOnce.Do(func() {
		t.conn.SetWriteDeadline(time.Now().Add(writeWait))
		body := ws.NewCloseFrameBody(ws.StatusCode(code), reason)
		_ = ws.WriteFrame(t.conn, ws.NewCloseFrame(body))
		t.closeErr = t.conn.Close()
	})
	return t.closeErr
}

func (t *wsTransport) RemoteAddr() string {
	return t.remoteAddr
}

func (t *wsTransport) UserAgent() string {
	return t.userAgent
}
