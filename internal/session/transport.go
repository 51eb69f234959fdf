package session

import (
	"context"

	"github.com/rackdesk/rackdesk/internal/models"
)

// Transport is the persistent event channel a session store owns for its
// workflow namespace. Implementations deliver events strictly in arrival
// order; a handler runs to completion before the next event is dispatched.
type Transport interface {
	// Connect establishes the connection and pulls a full state snapshot.
	Connect(ctx context.Context) error
	// Send emits a client frame. Data may be nil.
	Send(event string, data interface{}) error
	// Disconnect is idempotent and safe when already disconnected.
	Disconnect()
}

// TransportFactory builds a transport for a namespace with the store's
// event handler and connectivity-error callback already registered. The
// connection object is owned by the calling store, never package state.
type TransportFactory func(namespace string, onEvent func(models.Event), onConnError func(error)) Transport
