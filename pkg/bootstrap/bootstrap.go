// Package bootstrap assembles a peerwatch node from a single Config. Programs
// embed discovery by loading or building a Config and calling Build/Run.
package bootstrap

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/amirimatin/go-peerwatch/internal/logutil"
	"github.com/amirimatin/go-peerwatch/pkg/cluster"
	"github.com/amirimatin/go-peerwatch/pkg/discovery"
	dDNS "github.com/amirimatin/go-peerwatch/pkg/discovery/dns"
	dFile "github.com/amirimatin/go-peerwatch/pkg/discovery/file"
	"github.com/amirimatin/go-peerwatch/pkg/discovery/watch"
	wEtcd "github.com/amirimatin/go-peerwatch/pkg/discovery/watch/etcd"
	wKube "github.com/amirimatin/go-peerwatch/pkg/discovery/watch/kube"
	"github.com/amirimatin/go-peerwatch/pkg/health"
	ml "github.com/amirimatin/go-peerwatch/pkg/membership/memberlist"
	"github.com/amirimatin/go-peerwatch/pkg/observability/tracing"
	"github.com/amirimatin/go-peerwatch/pkg/transport"
	mgmtgrpc "github.com/amirimatin/go-peerwatch/pkg/transport/grpc"
	httpjson "github.com/amirimatin/go-peerwatch/pkg/transport/httpjson"
)

// DefaultWatchCycle advances flap tolerance for watch backends when no
// CycleInterval is configured.
const DefaultWatchCycle = 5 * time.Second

// Node is an assembled, not yet started, peerwatch node. It owns the
// resources Build created besides the cluster itself.
type Node struct {
	*cluster.Cluster

	cfg    Config
	log    *zap.Logger
	rpc    transport.RPCServer
	seeder *ml.Seeder

	etcd       *wEtcd.API
	deregister func(context.Context) error
	closers    []func(context.Context) error
}

// Build assembles a Node from cfg without starting it. Defaults are applied
// and the result is validated first. A malformed static peer document fails
// here, so a misconfigured process never starts.
func Build(cfg Config) (*Node, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	n := &Node{cfg: cfg}
	ok := false
	defer func() {
		if !ok {
			_ = n.close(context.Background())
		}
	}()

	log := cfg.Logger
	if log == nil {
		l, err := logutil.New(cfg.Log.Format, cfg.Log.Level)
		if err != nil {
			return nil, err
		}
		log = l
		n.closers = append(n.closers, func(context.Context) error { _ = l.Sync(); return nil })
	}
	n.log = log.With(zap.String("node", cfg.NodeID))

	shutdown, err := tracing.Setup(cfg.Trace)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: tracing: %w", err)
	}
	n.closers = append(n.closers, shutdown)

	src, cycle, err := n.source(cfg)
	if err != nil {
		return nil, err
	}
	if cfg.Probe.Enable {
		src = health.NewFilter(src, health.FilterOptions{
			Timeout:     cfg.Probe.Timeout,
			Concurrency: cfg.Probe.Concurrency,
			Logger:      log,
		})
	}

	handlers := append([]cluster.EventHandler(nil), cfg.Handlers...)
	if g := cfg.Gossip; g != nil {
		meta := map[string]string{}
		if cfg.Mgmt.Addr != "" {
			meta["mgmt"] = cfg.Mgmt.Addr
		}
		s, err := ml.New(ml.Options{
			NodeID:     cfg.NodeID,
			Bind:       g.Bind,
			Advertise:  g.Advertise,
			GossipPort: g.Port,
			Meta:       meta,
			Logger:     log,
		})
		if err != nil {
			return nil, err
		}
		n.seeder = s
		handlers = append(handlers, s)
	}

	if cfg.Mgmt.Addr != "" {
		srvTLS, err := cfg.Mgmt.TLS.Server()
		if err != nil {
			return nil, err
		}
		n.rpc = newServer(cfg.Mgmt, srvTLS, log)
	}

	c, err := cluster.New(cluster.Options{
		NodeID:           cfg.NodeID,
		SelfAddrs:        cfg.SelfAddrs(),
		Source:           src,
		Logger:           log,
		Debounce:         cfg.Debounce,
		FlapTolerance:    cfg.FlapTolerance,
		CycleInterval:    cycle,
		SubscriberBuffer: cfg.SubscriberBuffer,
		Handlers:         handlers,
		RPCServer:        n.rpc,
	})
	if err != nil {
		return nil, err
	}
	n.Cluster = c
	ok = true
	return n, nil
}

// source builds the single configured backend and the cycle interval it needs.
func (n *Node) source(cfg Config) (discovery.Source, time.Duration, error) {
	switch {
	case cfg.DNS != nil:
		d := cfg.DNS
		opts := dnsOptions(d, n.log)
		if d.Resolver == "miekg" || len(d.Servers) > 0 {
			r, err := dDNS.NewDNSClient(d.Servers, d.Timeout)
			if err != nil {
				return nil, 0, err
			}
			opts.Resolver = r
		}
		s, err := dDNS.New(opts)
		return s, cfg.CycleInterval, err

	case cfg.File != nil:
		f := cfg.File
		s, err := dFile.New(context.Background(), dFile.Options{
			Path:           f.Path,
			Env:            f.Env,
			ReloadInterval: f.ReloadInterval,
			S3:             f.S3,
			Logger:         n.log,
		})
		return s, cfg.CycleInterval, err

	case cfg.Kube != nil:
		k := cfg.Kube
		api, err := wKube.New(wKube.Options{
			APIServer:     k.APIServer,
			Namespace:     k.Namespace,
			LabelSelector: k.LabelSelector,
			Port:          k.Port,
			PortName:      k.PortName,
			TokenFile:     k.TokenFile,
			CAFile:        k.CAFile,
			Logger:        n.log,
		})
		if err != nil {
			return nil, 0, err
		}
		s, err := watch.New(watchOptions("kube", api, k.Backoff, n.log))
		return s, watchCycle(cfg.CycleInterval), err

	case cfg.Etcd != nil:
		e := cfg.Etcd
		api, err := wEtcd.New(wEtcd.Options{
			Endpoints:   e.Endpoints,
			DialTimeout: e.DialTimeout,
			Username:    e.Username,
			Password:    e.Password,
			Prefix:      e.Prefix,
			Logger:      n.log,
		})
		if err != nil {
			return nil, 0, err
		}
		n.etcd = api
		n.closers = append(n.closers, func(context.Context) error { return api.Close() })
		s, err := watch.New(watchOptions("etcd", api, e.Backoff, n.log))
		return s, watchCycle(cfg.CycleInterval), err
	}
	return nil, 0, errors.New("bootstrap: no discovery backend configured")
}

func dnsOptions(d *DNSConfig, log *zap.Logger) dDNS.Options {
	return dDNS.Options{
		Name:           d.Name,
		PortName:       d.PortName,
		Service:        d.Service,
		Namespace:      d.Namespace,
		Domain:         d.Domain,
		Interval:       d.Interval,
		CacheTTL:       d.CacheTTL,
		StalenessBound: d.StalenessBound,
		BackoffInitial: d.Backoff.BackoffInitial,
		BackoffMax:     d.Backoff.BackoffMax,
		Logger:         log,
	}
}

func watchOptions(name string, api watch.API, b BackoffConfig, log *zap.Logger) watch.Options {
	return watch.Options{
		API:            api,
		Name:           name,
		BackoffInitial: b.BackoffInitial,
		BackoffMax:     b.BackoffMax,
		Logger:         log,
	}
}

func watchCycle(d time.Duration) time.Duration {
	if d > 0 {
		return d
	}
	return DefaultWatchCycle
}

func newServer(m MgmtConfig, tlsCfg *tls.Config, log *zap.Logger) transport.RPCServer {
	switch m.Proto {
	case "grpc":
		s := mgmtgrpc.NewServer(m.Addr, log)
		if tlsCfg != nil {
			s.UseTLS(tlsCfg)
		}
		return s
	default:
		s := httpjson.NewServer(m.Addr, log)
		if tlsCfg != nil {
			s.UseTLS(tlsCfg)
		}
		return s
	}
}

// NewClient returns a management client speaking m.Proto, with TLS when
// m.TLS is enabled.
func NewClient(m MgmtConfig, timeout time.Duration) (transport.RPCClient, error) {
	cliTLS, err := m.TLS.Client()
	if err != nil {
		return nil, err
	}
	switch m.Proto {
	case "grpc":
		c := mgmtgrpc.NewClient(timeout)
		if cliTLS != nil {
			c.UseTLS(cliTLS)
		}
		return c, nil
	default:
		c := httpjson.NewClient(timeout)
		if cliTLS != nil {
			c.UseTLS(cliTLS)
		}
		return c, nil
	}
}

// Start launches the gossip seeder (when configured), the cluster, and the
// etcd self-registration (when configured), in that order.
func (n *Node) Start(ctx context.Context) error {
	if n.seeder != nil {
		if err := n.seeder.Start(ctx); err != nil {
			return fmt.Errorf("bootstrap: gossip: %w", err)
		}
	}
	if err := n.Cluster.Start(ctx); err != nil {
		return err
	}
	if e := n.cfg.Etcd; e != nil && e.Register != nil {
		r := e.Register
		ready := true
		stop, err := wEtcd.Register(ctx, n.etcd.Client(), n.etcd.Prefix(), n.cfg.NodeID,
			wEtcd.Registration{Host: r.Host, Port: r.Port, Ready: &ready}, r.TTL, n.log)
		if err != nil {
			_ = n.Cluster.Stop(context.Background())
			return err
		}
		n.deregister = stop
	}
	n.log.Info("peerwatch node started", zap.String("mgmt", n.MgmtAddr()))
	return nil
}

// Stop deregisters, stops the cluster and releases every resource Build
// created. It is safe to call once after Start or after a failed Start.
func (n *Node) Stop(ctx context.Context) error {
	var errs []error
	if n.deregister != nil {
		errs = append(errs, n.deregister(ctx))
		n.deregister = nil
	}
	errs = append(errs, n.Cluster.Stop(ctx))
	if n.seeder != nil {
		_ = n.seeder.Leave()
	}
	errs = append(errs, n.close(ctx))
	return errors.Join(errs...)
}

// Close is Stop with a background context.
func (n *Node) Close() error { return n.Stop(context.Background()) }

func (n *Node) close(ctx context.Context) error {
	var errs []error
	if n.seeder != nil {
		errs = append(errs, n.seeder.Stop())
	}
	for i := len(n.closers) - 1; i >= 0; i-- {
		errs = append(errs, n.closers[i](ctx))
	}
	n.closers = nil
	return errors.Join(errs...)
}

// MgmtAddr returns the bound management address, or "" without one.
func (n *Node) MgmtAddr() string {
	if n.rpc == nil {
		return ""
	}
	return n.rpc.Addr()
}

// Seeder returns the gossip seeder, or nil when gossip is disabled.
func (n *Node) Seeder() *ml.Seeder { return n.seeder }

// Run builds and starts a node. The caller must call Stop when finished.
func Run(ctx context.Context, cfg Config) (*Node, error) {
	n, err := Build(cfg)
	if err != nil {
		return nil, err
	}
	if err := n.Start(ctx); err != nil {
		_ = n.close(context.Background())
		return nil, err
	}
	return n, nil
}
