package hub

import (
	"fmt"

	"github.com/rs/zerolog"
)

// Observer receives connection lifecycle notifications. Callbacks are invoked
// asynchronously on the manager's worker pool and never block the accept or
// disconnect paths; a panicking observer is logged and isolated so one
// misbehaving listener cannot take down delivery.
type Observer interface {
	OnConnect(clientID string, conn *Connection)
	OnDisconnect(clientID string, conn *Connection)
	OnReconnect(clientID string, conn *Connection)
}

// ObserverFuncs adapts plain functions to the Observer interface; nil fields
// are skipped.
type ObserverFuncs struct {
	Connect    func(clientID string, conn *Connection)
	Disconnect func(clientID string, conn *Connection)
	Reconnect  func(clientID string, conn *Connection)
}

func (o ObserverFuncs) OnConnect(clientID string, conn *Connection) {
	if o.Connect != nil {
		o.Connect(clientID, conn)
	}
}

func (o ObserverFuncs) OnDisconnect(clientID string, conn *Connection) {
	if o.Disconnect != nil {
		o.Disconnect(clientID, conn)
	}
}

func (o ObserverFuncs) OnReconnect(clientID string, conn *Connection) {
	if o.Reconnect != nil {
		o.Reconnect(clientID, conn)
	}
}

// notify runs one observer callback with panic isolation.
func notify(logger zerolog.Logger, event, clientID string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error().
				Str("event", event).
				Str("client_id", clientID).
				Err(fmt.Errorf("observer panic: %v", r)).
				Msg("Lifecycle observer failed")
		}
	}()
	fn()
}
