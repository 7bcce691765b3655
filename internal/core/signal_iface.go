package core

import (
	"context"

	"github.com/dkeye/meshroom/internal/domain"
	"github.com/dkeye/meshroom/internal/protocol"
)

// SignalChannel is the client side of the relay connection.
type SignalChannel interface {
	Connect(ctx context.Context) error
	// Join sends the join request; the outcome arrives on Incoming.
	Join(roomID, name string) error
	Send(t protocol.Type, to domain.ClientID, data any) error
	// Incoming yields relay messages in receive order and is closed when the
	// connection ends.
	Incoming() <-chan *protocol.Message
	Close()
}
