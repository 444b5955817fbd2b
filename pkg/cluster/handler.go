package cluster

import (
	"context"

	"github.com/amirimatin/go-peerwatch/pkg/membership"
)

// EventHandler receives committed membership events in generation order.
// When a handler is attached, or re-attached after falling behind, it first
// receives the events that bring it from its last known state to the current
// view, so implementations need not be idempotent across gaps.
type EventHandler interface {
	HandleEvent(ctx context.Context, ev membership.Event) error
}

// EventHandlerFunc adapts a function to EventHandler.
type EventHandlerFunc func(ctx context.Context, ev membership.Event) error

func (f EventHandlerFunc) HandleEvent(ctx context.Context, ev membership.Event) error { return f(ctx, ev) }
