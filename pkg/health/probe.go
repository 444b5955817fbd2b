package health

import (
	"context"
	"errors"
	"net"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/amirimatin/go-peerwatch/internal/logutil"
	"github.com/amirimatin/go-peerwatch/pkg/discovery"
	"github.com/amirimatin/go-peerwatch/pkg/membership"
	obsmetrics "github.com/amirimatin/go-peerwatch/pkg/observability/metrics"
)

// Prober confirms that a discovered peer is reachable.
type Prober interface {
	Probe(ctx context.Context, p membership.PeerEndpoint) error
}

// ProberFunc adapts a function to Prober.
type ProberFunc func(ctx context.Context, p membership.PeerEndpoint) error

func (f ProberFunc) Probe(ctx context.Context, p membership.PeerEndpoint) error { return f(ctx, p) }

// TCPProber opens and closes a TCP connection to the peer address.
type TCPProber struct {
	Dialer net.Dialer
}

func (t *TCPProber) Probe(ctx context.Context, p membership.PeerEndpoint) error {
	conn, err := t.Dialer.DialContext(ctx, "tcp", p.Addr())
	if err != nil {
		return err
	}
	return conn.Close()
}

// FilterOptions configures probing.
type FilterOptions struct {
	// Prober defaults to a TCPProber.
	Prober Prober
	// Timeout bounds each probe; defaults to 1s.
	Timeout time.Duration
	// Concurrency bounds in-flight probes per update; defaults to 8.
	Concurrency int
	// Size is the capacity of the internal queue; defaults to the outbox default.
	Size   int
	Logger *zap.Logger
}

// Filter wraps a Source and probes every ready peer before forwarding it.
// Peers that fail the probe are forwarded as not ready, so the gate treats
// them like any other not-ready observation.
type Filter struct {
	src  discovery.Source
	opts FilterOptions
	log  *zap.Logger
}

// NewFilter wraps src.
func NewFilter(src discovery.Source, opts FilterOptions) *Filter {
	if opts.Prober == nil {
		opts.Prober = &TCPProber{}
	}
	if opts.Timeout <= 0 {
		opts.Timeout = time.Second
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 8
	}
	return &Filter{src: src, opts: opts, log: logutil.OrNop(opts.Logger).With(logutil.Source(src.Name()))}
}

func (f *Filter) Name() string { return f.src.Name() }

// Refresh forwards to the wrapped source when it supports it.
func (f *Filter) Refresh() {
	if r, ok := f.src.(discovery.Refresher); ok {
		r.Refresh()
	}
}

// Run runs the wrapped source and forwards its probed output to out.
func (f *Filter) Run(ctx context.Context, out *discovery.Outbox) error {
	inner := out.Pipe(f.opts.Size)
	errc := make(chan error, 1)
	go func() { errc <- f.src.Run(ctx, inner) }()
	for {
		select {
		case err := <-errc:
			for {
				select {
				case u := <-inner.C():
					f.forward(ctx, out, u)
				default:
					return err
				}
			}
		case u := <-inner.C():
			f.forward(ctx, out, u)
		}
	}
}

func (f *Filter) forward(ctx context.Context, out *discovery.Outbox, u discovery.Update) {
	u = f.probe(ctx, u)
	if err := out.Publish(ctx, u); errors.Is(err, discovery.ErrOverflow) {
		// the delta is lost; ask the source to resynchronize
		f.Refresh()
	}
}

// probe returns a copy of u with unreachable peers marked not ready.
func (f *Filter) probe(ctx context.Context, u discovery.Update) discovery.Update {
	var targets []*membership.PeerEndpoint
	switch u.Kind {
	case discovery.UpdateSnapshot:
		peers := append([]membership.PeerEndpoint(nil), u.Peers...)
		for i := range peers {
			if peers[i].Ready {
				targets = append(targets, &peers[i])
			}
		}
		u.Peers = peers
	case discovery.UpdateDelta:
		changes := append([]discovery.Change(nil), u.Changes...)
		for i := range changes {
			if changes[i].Op == discovery.ChangeUpsert && changes[i].Peer.Ready {
				targets = append(targets, &changes[i].Peer)
			}
		}
		u.Changes = changes
	}
	if len(targets) == 0 {
		return u
	}
	var g errgroup.Group
	g.SetLimit(f.opts.Concurrency)
	for _, p := range targets {
		p := p
		g.Go(func() error {
			pctx, cancel := context.WithTimeout(ctx, f.opts.Timeout)
			defer cancel()
			if err := f.opts.Prober.Probe(pctx, *p); err != nil {
				if ctx.Err() == nil {
					obsmetrics.ProbeFailures.WithLabelValues(f.src.Name()).Inc()
					f.log.Debug("probe failed", logutil.Peer(p.ID), zap.String("addr", p.Addr()), zap.Error(err))
				}
				p.Ready = false
			}
			return nil
		})
	}
	_ = g.Wait()
	return u
}
