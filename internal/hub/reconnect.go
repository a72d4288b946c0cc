package hub

import (
	"crypto/rand"
	"encoding/hex"
	"time"
)

// reconnectRecord is the snapshot saved when a connection disconnects with
// save_state, allowing a later transport to resume the session. Invisible to
// Connect once older than the reconnection window, even before the cleanup
// sweep removes it.
type reconnectRecord struct {
	clientID       string
	rooms          []string
	token          string
	disconnectedAt time.Time
	reconnects     int
}

func (r *reconnectRecord) expired(now time.Time, window time.Duration) bool {
	return now.Sub(r.disconnectedAt) > window
}

// newToken returns an unguessable reconnection token. 16 random bytes gives
// 128 bits, hex-encoded for transport in a query parameter.
func newToken() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		// crypto/rand failing means the process is in serious trouble;
		// fall back to a time-derived value rather than panic the hub.
		return hex.EncodeToString([]byte(time.Now().String()))[:32]
	}
	return hex.EncodeToString(b)
}

// newClientID generates a server-assigned client id when the caller did not
// supply one.
func newClientID() string {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return hex.EncodeToString([]byte(time.Now().String()))[:16]
	}
	return "c-" + hex.EncodeToString(b)
}
