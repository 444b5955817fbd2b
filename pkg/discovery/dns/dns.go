// Package dns implements the DNS-poll discovery backend: periodic SRV queries
// against the headless service of the fleet.
package dns

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/exp/slices"

	"github.com/amirimatin/go-peerwatch/internal/logutil"
	"github.com/amirimatin/go-peerwatch/pkg/discovery"
	"github.com/amirimatin/go-peerwatch/pkg/membership"
	obsmetrics "github.com/amirimatin/go-peerwatch/pkg/observability/metrics"
	"github.com/amirimatin/go-peerwatch/pkg/observability/tracing"
)

const name = "dns"

// Options configures DNS-based discovery.
type Options struct {
	// Name is the full SRV query name. When empty it is built as
	// _<PortName>._tcp.<Service>.<Namespace>.svc.<Domain>.
	Name      string
	PortName  string
	Service   string
	Namespace string
	// Domain defaults to cluster.local.
	Domain string

	// Interval between successful polls; defaults to 5s.
	Interval time.Duration
	// BackoffInitial and BackoffMax bound the retry delay after a failed query.
	BackoffInitial time.Duration
	BackoffMax     time.Duration
	// CacheTTL bounds how long a target whose address lookup fails keeps its
	// last-good address; defaults to 30s.
	CacheTTL time.Duration
	// StalenessBound is how long queries may keep failing before the
	// condition turns degraded; defaults to 30s.
	StalenessBound time.Duration

	// Resolver defaults to NetResolver{}.
	Resolver Resolver
	Logger   *zap.Logger
}

// QueryName returns the SRV name that will be polled.
func (o Options) QueryName() string {
	if o.Name != "" {
		return o.Name
	}
	domain := o.Domain
	if domain == "" {
		domain = "cluster.local"
	}
	return fmt.Sprintf("_%s._tcp.%s.%s.svc.%s", o.PortName, o.Service, o.Namespace, domain)
}

// Validate reports whether a query name can be built.
func (o Options) Validate() error {
	if o.Name != "" {
		return nil
	}
	var missing []string
	if o.PortName == "" {
		missing = append(missing, "port name")
	}
	if o.Service == "" {
		missing = append(missing, "service")
	}
	if o.Namespace == "" {
		missing = append(missing, "namespace")
	}
	if len(missing) > 0 {
		return fmt.Errorf("dns: %s required when no SRV name is given", strings.Join(missing, ", "))
	}
	return nil
}

type cached struct {
	host string
	at   time.Time
}

// Source is the DNS-poll discovery backend.
type Source struct {
	opts    Options
	query   string
	log     *zap.Logger
	refresh chan struct{}
	now     func() time.Time

	// owned by Run
	cache map[string]cached
}

// New validates opts and applies defaults.
func New(opts Options) (*Source, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if opts.Interval <= 0 {
		opts.Interval = 5 * time.Second
	}
	if opts.BackoffInitial <= 0 {
		opts.BackoffInitial = 500 * time.Millisecond
	}
	if opts.BackoffMax <= 0 {
		opts.BackoffMax = 30 * time.Second
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = 30 * time.Second
	}
	if opts.StalenessBound <= 0 {
		opts.StalenessBound = 30 * time.Second
	}
	if opts.Resolver == nil {
		opts.Resolver = NetResolver{}
	}
	q := opts.QueryName()
	return &Source{
		opts:    opts,
		query:   q,
		log:     logutil.OrNop(opts.Logger).With(logutil.Source(name), zap.String("srv", q)),
		refresh: make(chan struct{}, 1),
		now:     time.Now,
		cache:   map[string]cached{},
	}, nil
}

func (s *Source) Name() string { return name }

// Refresh requests an immediate poll.
func (s *Source) Refresh() {
	select {
	case s.refresh <- struct{}{}:
	default:
	}
}

// Run polls until ctx is done. Query failures never blank the view: the
// previous snapshot stays in effect and the condition degrades once failures
// outlast StalenessBound.
func (s *Source) Run(ctx context.Context, out *discovery.Outbox) error {
	bo := discovery.Backoff{Initial: s.opts.BackoffInitial, Max: s.opts.BackoffMax}
	lastOK := s.now()
	for {
		peers, err := s.poll(ctx)
		wait := s.opts.Interval
		switch {
		case ctx.Err() != nil:
			return nil
		case err != nil:
			obsmetrics.SourceErrors.WithLabelValues(name, discovery.Classify(err).String()).Inc()
			wait = bo.Next()
			stale := s.now().Sub(lastOK)
			s.log.Warn("srv query failed", zap.Error(err), zap.Duration("retry_in", wait), zap.Duration("stale_for", stale))
			if stale > s.opts.StalenessBound {
				out.SetCondition(discovery.ConditionDegraded, fmt.Sprintf("no successful SRV query for %s", stale.Round(time.Second)))
			}
		default:
			bo.Reset()
			lastOK = s.now()
			out.SetCondition(discovery.ConditionHealthy, "")
			if err := out.Publish(ctx, discovery.Snapshot(peers, false)); err != nil {
				return nil
			}
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		case <-s.refresh:
		}
	}
}

// poll runs one SRV query and resolves its targets. An error means the query
// itself failed; per-target resolution failures are logged and fall back to
// the last-good cache.
func (s *Source) poll(ctx context.Context) (peers []membership.PeerEndpoint, err error) {
	ctx, end := tracing.StartSpan(ctx, "discovery.dns.poll", attribute.String("srv", s.query))
	defer func() { end(err) }()

	recs, err := s.opts.Resolver.LookupSRV(ctx, s.query)
	if err != nil {
		return nil, fmt.Errorf("dns: lookup %s: %w", s.query, err)
	}
	SortRecords(recs)

	now := s.now()
	var partial *multierror.Error
	seen := make(map[string]struct{}, len(recs))
	for _, r := range recs {
		id := strings.TrimSuffix(r.Target, ".")
		if id == "" {
			continue
		}
		// The target is the peer's identity, so a second record for it (on
		// another port) is dropped; records are already in preference order.
		if _, dup := seen[id]; dup {
			s.log.Debug("duplicate SRV target ignored", logutil.Peer(id), zap.Uint16("port", r.Port))
			continue
		}
		host, at, rerr := s.resolve(ctx, id, now)
		if rerr != nil {
			if errors.Is(rerr, context.Canceled) {
				return nil, rerr
			}
			partial = multierror.Append(partial, rerr)
			continue
		}
		seen[id] = struct{}{}
		peers = append(peers, membership.PeerEndpoint{ID: id, Host: host, Port: int(r.Port), Ready: true, LastSeen: at})
	}
	for id, c := range s.cache {
		if _, ok := seen[id]; !ok && now.Sub(c.at) > s.opts.CacheTTL {
			delete(s.cache, id)
		}
	}
	if partial != nil {
		s.log.Warn("some SRV targets did not resolve", zap.Error(partial.ErrorOrNil()), zap.Int("resolved", len(peers)))
	}
	return peers, nil
}

// resolve returns the address of target and when it was observed, falling
// back to a cache entry no older than CacheTTL.
func (s *Source) resolve(ctx context.Context, target string, now time.Time) (string, time.Time, error) {
	addrs, err := s.opts.Resolver.LookupHost(ctx, target)
	if err == nil && len(addrs) > 0 {
		s.cache[target] = cached{host: addrs[0], at: now}
		return addrs[0], now, nil
	}
	if err == nil {
		err = errors.New("no addresses")
	}
	if c, ok := s.cache[target]; ok && now.Sub(c.at) <= s.opts.CacheTTL {
		s.log.Debug("using cached address", logutil.Peer(target), zap.Error(err))
		return c.host, c.at, nil
	}
	return "", time.Time{}, fmt.Errorf("dns: resolve %s: %w", target, err)
}

// SortRecords orders records by priority ascending, then weight descending,
// then target for determinism.
func SortRecords(recs []Record) {
	slices.SortStableFunc(recs, func(a, b Record) int {
		if a.Priority != b.Priority {
			return int(a.Priority) - int(b.Priority)
		}
		if a.Weight != b.Weight {
			return int(b.Weight) - int(a.Weight)
		}
		return strings.Compare(a.Target, b.Target)
	})
}
