package ports

import (
	"context"

	"github.com/opsdeck/realtime-backend/internal/core/domain"
)

// EventBroadcaster is the port through which change events reach connected
// dashboard tabs. Implemented by the websocket hub.
type EventBroadcaster interface {
	Broadcast(env domain.ChangeEnvelope) error
}

// ChangeSource is the port for the upstream feed of row-level database
// changes. Run blocks until the context is cancelled, delivering every
// received envelope to the broadcaster it was constructed with.
type ChangeSource interface {
	Run(ctx context.Context) error
}
