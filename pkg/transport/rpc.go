package transport

import (
	"context"
	"errors"

	"github.com/amirimatin/go-peerwatch/pkg/membership"
)

// ErrUnsupported is returned by servers and clients when the peer does not
// implement an operation, such as refresh on a source without one.
var ErrUnsupported = errors.New("transport: operation not supported")

// ErrUnavailable marks failures caused by discovery not running.
var ErrUnavailable = errors.New("transport: discovery unavailable")

// StatusFunc returns a JSON-encoded status payload for management /status.
// Using []byte avoids import cycles on cluster types.
type StatusFunc func(ctx context.Context) ([]byte, error)

// SnapshotFunc returns the currently published membership view.
type SnapshotFunc func(ctx context.Context) (membership.Snapshot, error)

// RefreshFunc asks discovery for an immediate resynchronization.
type RefreshFunc func(ctx context.Context) error

// HealthFunc reports nil while discovery is running.
type HealthFunc func() error

// Feed is a live view subscription: the snapshot it started from and every
// later event, in order. Events is closed when the feed ends.
type Feed interface {
	Snapshot() membership.Snapshot
	Events() <-chan membership.Event
	Err() error
	Close()
}

// SubscribeFunc opens a Feed that ends when ctx is done.
type SubscribeFunc func(ctx context.Context) (Feed, error)

// Handlers bundles the callbacks a management server exposes. Nil handlers
// are reported as unsupported.
type Handlers struct {
	Status    StatusFunc
	Snapshot  SnapshotFunc
	Refresh   RefreshFunc
	Subscribe SubscribeFunc
	Health    HealthFunc
}

// RPCServer exposes the management endpoints (status, snapshot, refresh,
// event stream and health).
type RPCServer interface {
	Start(ctx context.Context, h Handlers) error
	Addr() string
	Stop(ctx context.Context) error
}

// StreamMessage is one frame of the event stream. The first frame carries
// the snapshot; the rest carry one event each. A frame with Error ends the
// stream.
type StreamMessage struct {
	Snapshot *membership.Snapshot `json:"snapshot,omitempty"`
	Event    *membership.Event    `json:"event,omitempty"`
	Error    string               `json:"error,omitempty"`
}

// RPCClient calls the management endpoints of a running node using the
// chosen protocol (HTTP/JSON or gRPC JSON codec).
type RPCClient interface {
	GetStatus(ctx context.Context, addr string) ([]byte, error)
	GetSnapshot(ctx context.Context, addr string) (membership.Snapshot, error)
	PostRefresh(ctx context.Context, addr string) error
	// Watch streams frames to fn until the stream ends, ctx is done or fn
	// returns an error.
	Watch(ctx context.Context, addr string, fn func(StreamMessage) error) error
}
