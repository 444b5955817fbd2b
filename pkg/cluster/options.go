package cluster

import (
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/amirimatin/go-peerwatch/pkg/discovery"
	"github.com/amirimatin/go-peerwatch/pkg/transport"
)

const (
	DefaultDebounce         = 250 * time.Millisecond
	DefaultSubscriberBuffer = 64
)

// Options carries dependency-injected components and runtime configuration used
// to assemble the cluster facade. Instances are typically produced from
// bootstrap.Config.
type Options struct {
	// NodeID is this node's own peer id. It is never reported as a peer.
	NodeID string
	// SelfAddrs are this node's advertised addresses, "host" or "host:port".
	// Discovered entries at one of them are this node and never reported.
	SelfAddrs []string
	// Source is the single active discovery backend.
	Source discovery.Source
	// Logger is used by cluster to report operational messages.
	Logger *zap.Logger

	// Debounce coalesces raw updates arriving within the window into one
	// recomputation. Zero uses DefaultDebounce; negative disables debouncing.
	Debounce time.Duration
	// FlapTolerance is the number of consecutive cycles a known peer may be
	// absent or not ready before it is removed.
	FlapTolerance int
	// CycleInterval advances flap tolerance for sources that emit deltas
	// (snapshot sources count one cycle per snapshot). Zero disables it.
	CycleInterval time.Duration
	// OutboxSize bounds the source→reconciler queue.
	OutboxSize int
	// SubscriberBuffer is the per-subscriber event buffer.
	SubscriberBuffer int

	// Optional handlers receiving every committed event (SPI).
	Handlers []EventHandler

	// Optional management RPC server.
	RPCServer transport.RPCServer
}

// Validate performs a minimal validation of Options. It does not start any
// network activity and is safe to call before New.
func (o Options) Validate() error {
	if o.NodeID == "" {
		return errors.New("cluster: empty NodeID")
	}
	if o.Source == nil {
		return errors.New("cluster: nil Source")
	}
	if o.FlapTolerance < 0 {
		return errors.New("cluster: negative FlapTolerance")
	}
	if o.CycleInterval < 0 {
		return errors.New("cluster: negative CycleInterval")
	}
	if o.OutboxSize < 0 || o.SubscriberBuffer < 0 {
		return errors.New("cluster: negative queue size")
	}
	return nil
}

func (o Options) withDefaults() Options {
	if o.Debounce == 0 {
		o.Debounce = DefaultDebounce
	}
	if o.OutboxSize == 0 {
		o.OutboxSize = discovery.DefaultOutboxSize
	}
	if o.SubscriberBuffer == 0 {
		o.SubscriberBuffer = DefaultSubscriberBuffer
	}
	return o
}
