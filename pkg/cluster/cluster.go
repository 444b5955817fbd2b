package cluster

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/amirimatin/go-peerwatch/internal/logutil"
	"github.com/amirimatin/go-peerwatch/pkg/discovery"
	"github.com/amirimatin/go-peerwatch/pkg/health"
	"github.com/amirimatin/go-peerwatch/pkg/membership"
	obsmetrics "github.com/amirimatin/go-peerwatch/pkg/observability/metrics"
	statemembership "github.com/amirimatin/go-peerwatch/pkg/state/membership"
	"github.com/amirimatin/go-peerwatch/pkg/transport"
)

// Facade exposes the high-level API for consumers.
type Facade interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Subscribe(ctx context.Context) (*Subscription, error)
	CurrentSnapshot() membership.Snapshot
	Status(ctx context.Context) (*Status, error)
	Refresh(ctx context.Context) error
}

// Cluster is the concrete implementation of the Facade. It runs one discovery
// source, reconciles its output into a versioned membership view and
// delivers ordered change events to subscribers.
type Cluster struct {
	opts     Options
	log      *zap.Logger
	view     *statemembership.View
	notifier *Notifier
	rec      *Reconciler
	rpcS     transport.RPCServer

	mu  sync.Mutex
	run struct {
		started bool
		stopped bool
		cancel  context.CancelFunc
		wg      sync.WaitGroup
		outbox  *discovery.Outbox
	}
	done chan struct{}

	errMu sync.Mutex
	err   error
}

var _ Facade = (*Cluster)(nil)

// New constructs a new Cluster instance from validated options. It performs no
// network activity; call Start to launch discovery.
func New(opts Options) (*Cluster, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	opts = opts.withDefaults()
	log := logutil.OrNop(opts.Logger).With(zap.String("node", opts.NodeID))
	view := statemembership.New()
	n := NewNotifier(view, opts.SubscriberBuffer, log)
	gate := health.NewGate(opts.FlapTolerance, health.Self{ID: opts.NodeID, Addrs: opts.SelfAddrs})
	c := &Cluster{
		opts:     opts,
		log:      log,
		view:     view,
		notifier: n,
		rec:      NewReconciler(gate, view, n, opts.Debounce, opts.CycleInterval, log),
		rpcS:     opts.RPCServer,
		done:     make(chan struct{}),
	}
	return c, nil
}

// Close is a convenience alias for Stop with a background context.
func (c *Cluster) Close() error {
	return c.Stop(context.Background())
}

// Start launches the discovery source, the reconciler, attached event
// handlers and the management endpoint. Discovery runs until Stop, until ctx
// is canceled, or until the source halts.
func (c *Cluster) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.run.stopped {
		return ErrStopped
	}
	if c.run.started {
		return nil
	}
	c.run.started = true
	// Register metrics once
	obsmetrics.Register()

	rctx, cancel := context.WithCancel(ctx)
	c.run.cancel = cancel
	src := c.opts.Source
	out := discovery.NewOutbox(src.Name(), c.opts.OutboxSize)
	c.run.outbox = out
	obsmetrics.SetCondition(src.Name(), string(discovery.ConditionHealthy))

	c.run.wg.Add(2)
	go func() {
		defer c.run.wg.Done()
		c.rec.Run(rctx, out.C())
	}()
	go func() {
		defer c.run.wg.Done()
		err := src.Run(rctx, out)
		c.sourceStopped(err)
	}()
	for _, h := range c.opts.Handlers {
		c.run.wg.Add(1)
		go func(h EventHandler) {
			defer c.run.wg.Done()
			c.dispatch(rctx, h)
		}(h)
	}
	c.log.Info("discovery started", logutil.Source(src.Name()), zap.Int("flap_tolerance", c.opts.FlapTolerance),
		zap.Duration("debounce", c.opts.Debounce))

	// Start management RPC server (if configured)
	if c.rpcS != nil {
		if err := c.rpcS.Start(rctx, c.handlers()); err != nil {
			cancel()
			return fmt.Errorf("cluster: management server: %w", err)
		}
		c.log.Info("management endpoint listening", zap.String("addr", c.rpcS.Addr()))
	}
	return nil
}

func (c *Cluster) sourceStopped(err error) {
	if err != nil && discovery.Classify(err) != discovery.ClassCanceled {
		c.errMu.Lock()
		c.err = err
		c.errMu.Unlock()
		c.run.outbox.SetCondition(discovery.ConditionHalted, err.Error())
		c.log.Error("discovery halted", zap.Error(err))
		c.notifier.CloseAll(fmt.Errorf("%w: %v", ErrHalted, err))
	}
	close(c.done)
}

// Stop ends discovery, closes subscriptions and stops the management server.
func (c *Cluster) Stop(ctx context.Context) error {
	c.mu.Lock()
	if !c.run.started || c.run.stopped {
		c.run.stopped = true
		c.mu.Unlock()
		return nil
	}
	c.run.stopped = true
	c.run.cancel()
	c.mu.Unlock()

	waited := make(chan struct{})
	go func() {
		c.run.wg.Wait()
		close(waited)
	}()
	var err error
	select {
	case <-waited:
	case <-ctx.Done():
		err = ctx.Err()
	}
	c.notifier.CloseAll(ErrStopped)
	if c.rpcS != nil {
		err = errors.Join(err, c.rpcS.Stop(ctx))
	}
	c.log.Info("discovery stopped")
	return err
}

// Done is closed when the discovery source has stopped, either through Stop
// or because it halted; Err then reports the halt cause.
func (c *Cluster) Done() <-chan struct{} { return c.done }

// Err returns the fatal error that halted discovery, if any.
func (c *Cluster) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

// Subscribe returns the current snapshot together with the ordered stream of
// every later event. The subscription ends when ctx is done.
func (c *Cluster) Subscribe(ctx context.Context) (*Subscription, error) {
	c.mu.Lock()
	started := c.run.started
	c.mu.Unlock()
	if !started {
		return nil, ErrNotStarted
	}
	return c.notifier.Subscribe(ctx)
}

// CurrentSnapshot returns the published view without blocking.
func (c *Cluster) CurrentSnapshot() membership.Snapshot { return c.view.Load() }

// Condition reports the discovery condition.
func (c *Cluster) Condition() discovery.Condition {
	c.mu.Lock()
	out := c.run.outbox
	c.mu.Unlock()
	if out == nil {
		return discovery.Condition{State: discovery.ConditionHealthy, Reason: "not started"}
	}
	return out.Condition()
}

// Status returns a synthesized summary of the local view.
func (c *Cluster) Status(ctx context.Context) (*Status, error) {
	snap := c.view.Load()
	cond := c.Condition()
	size := snap.Len() + 1
	s := &Status{
		NodeID:      c.opts.NodeID,
		Generation:  snap.Generation,
		Peers:       snap.Len(),
		ClusterSize: size,
		Quorum:      QuorumSize(size),
		Source:      c.opts.Source.Name(),
		Condition:   cond,
		Healthy:     cond.State != discovery.ConditionHalted,
		LastCommit:  c.rec.LastCommit(),
		Subscribers: c.notifier.Len(),
	}
	switch cond.State {
	case discovery.ConditionDegraded:
		s.Warnings = append(s.Warnings, "discovery degraded: "+cond.Reason)
	case discovery.ConditionHalted:
		s.Warnings = append(s.Warnings, "discovery halted: "+cond.Reason)
	}
	for _, h := range c.opts.Handlers {
		if hr, ok := h.(membership.HealthReporter); ok {
			if score := hr.HealthScore(); score > 0 {
				s.Warnings = append(s.Warnings, fmt.Sprintf("%T health score %d", h, score))
			}
		}
	}
	return s, nil
}

// Refresh asks the source for an immediate poll, reload or relist.
func (c *Cluster) Refresh(ctx context.Context) error {
	c.mu.Lock()
	started, stopped := c.run.started, c.run.stopped
	c.mu.Unlock()
	switch {
	case !started:
		return ErrNotStarted
	case stopped:
		return ErrStopped
	case c.Err() != nil:
		return ErrHalted
	}
	r, ok := c.opts.Source.(discovery.Refresher)
	if !ok {
		return ErrRefreshUnsupported
	}
	r.Refresh()
	return nil
}

func (c *Cluster) handlers() transport.Handlers {
	return transport.Handlers{
		Status: func(ctx context.Context) ([]byte, error) {
			st, err := c.Status(ctx)
			if err != nil {
				return nil, err
			}
			return json.Marshal(st)
		},
		Snapshot: func(context.Context) (membership.Snapshot, error) { return c.CurrentSnapshot(), nil },
		Refresh: func(ctx context.Context) error {
			return unavailable(c.Refresh(ctx))
		},
		Subscribe: func(ctx context.Context) (transport.Feed, error) {
			sub, err := c.Subscribe(ctx)
			if err != nil {
				return nil, unavailable(err)
			}
			return sub, nil
		},
		Health: func() error {
			if err := c.Err(); err != nil {
				return fmt.Errorf("%w: %v", ErrHalted, err)
			}
			return nil
		},
	}
}

func unavailable(err error) error {
	if errors.Is(err, ErrNotStarted) || errors.Is(err, ErrStopped) || errors.Is(err, ErrHalted) {
		return fmt.Errorf("%w: %w", transport.ErrUnavailable, err)
	}
	return err
}

// dispatch feeds h from a subscription, resubscribing after it falls behind.
// It tracks what h has seen so a resubscription only replays the difference.
func (c *Cluster) dispatch(ctx context.Context, h EventHandler) {
	known := map[string]membership.PeerEndpoint{}
	var knownGen uint64
	for ctx.Err() == nil {
		sub, err := c.notifier.Subscribe(ctx)
		if err != nil {
			return
		}
		snap := sub.Snapshot()
		catchUp := Diff(sortedPeers(known), snap.Peers)
		for i := range catchUp {
			catchUp[i].Generation = snap.Generation
		}
		c.deliver(ctx, h, known, catchUp)
		knownGen = snap.Generation
		for ev := range sub.Events() {
			c.deliver(ctx, h, known, []membership.Event{ev})
			knownGen = ev.Generation
		}
		if !errors.Is(sub.Err(), ErrSlowSubscriber) {
			return
		}
		c.log.Warn("event handler fell behind, resubscribing", zap.Uint64("generation", knownGen))
	}
}

func (c *Cluster) deliver(ctx context.Context, h EventHandler, known map[string]membership.PeerEndpoint, events []membership.Event) {
	for _, ev := range events {
		if err := h.HandleEvent(ctx, ev); err != nil {
			c.log.Warn("event handler failed", zap.String("type", string(ev.Type)), logutil.Peer(ev.Peer.ID), zap.Error(err))
		}
		membership.Replay(known, ev)
	}
}

func sortedPeers(m map[string]membership.PeerEndpoint) []membership.PeerEndpoint {
	out := make([]membership.PeerEndpoint, 0, len(m))
	for _, p := range m {
		out = append(out, p)
	}
	return membership.SortPeers(out)
}
