// Package file implements the static-file discovery backend: a JSON peer
// document read from a local path or an S3 object, optionally overridden by
// an environment variable and optionally reloaded on an interval.
package file

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/twmb/murmur3"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/amirimatin/go-peerwatch/internal/logutil"
	"github.com/amirimatin/go-peerwatch/pkg/discovery"
	"github.com/amirimatin/go-peerwatch/pkg/discovery/static"
	"github.com/amirimatin/go-peerwatch/pkg/membership"
	obsmetrics "github.com/amirimatin/go-peerwatch/pkg/observability/metrics"
	"github.com/amirimatin/go-peerwatch/pkg/observability/tracing"
)

const name = "file"

// Options configures file/ENV-based discovery.
type Options struct {
	// Path is a local file path or an s3://bucket/key URI.
	Path string
	// Env names an environment variable holding a CSV of host:port. When set
	// and non-empty it overrides the document.
	Env string
	// ReloadInterval re-reads the document periodically. Zero disables reloads.
	ReloadInterval time.Duration
	// S3 configures the client used for s3:// paths.
	S3 S3Options
	// Fetcher overrides how the document is read.
	Fetcher Fetcher
	Logger  *zap.Logger
}

// Source is the static-file discovery backend.
type Source struct {
	opts    Options
	fetcher Fetcher
	log     *zap.Logger
	refresh chan struct{}

	// owned by Run after construction
	peers []membership.PeerEndpoint
	fp    uint64
}

// New reads and validates the initial contents. Malformed content is
// reported as an error wrapping discovery.ErrMalformed and must prevent
// startup.
func New(ctx context.Context, opts Options) (*Source, error) {
	s := &Source{opts: opts, log: logutil.OrNop(opts.Logger).With(logutil.Source(name)), refresh: make(chan struct{}, 1)}
	switch {
	case opts.Fetcher != nil:
		s.fetcher = opts.Fetcher
	case strings.HasPrefix(opts.Path, "s3://"):
		f, err := NewS3Fetcher(ctx, opts.Path, opts.S3)
		if err != nil {
			return nil, err
		}
		s.fetcher = f
	case opts.Path != "":
		s.fetcher = LocalFetcher{Path: opts.Path}
	}
	if s.fetcher == nil && s.envValue() == "" {
		return nil, fmt.Errorf("file: neither a document path nor a non-empty $%s is configured", opts.Env)
	}
	peers, fp, err := s.load(ctx)
	if err != nil {
		return nil, err
	}
	s.peers, s.fp = peers, fp
	return s, nil
}

func (s *Source) Name() string { return name }

// Refresh requests an immediate reload.
func (s *Source) Refresh() {
	select {
	case s.refresh <- struct{}{}:
	default:
	}
}

// Run publishes the initial contents and then, if configured, reloads them.
// Reload failures keep the previous contents.
func (s *Source) Run(ctx context.Context, out *discovery.Outbox) error {
	if out.Publish(ctx, discovery.Snapshot(stamp(s.peers), true)) != nil {
		return nil // canceled
	}
	var tick <-chan time.Time
	if s.opts.ReloadInterval > 0 {
		t := time.NewTicker(s.opts.ReloadInterval)
		defer t.Stop()
		tick = t.C
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-tick:
		case <-s.refresh:
		}
		s.reload(ctx, out)
	}
}

func (s *Source) reload(ctx context.Context, out *discovery.Outbox) {
	ctx, end := tracing.StartSpan(ctx, "discovery.file.reload", attribute.String("location", s.location()))
	peers, fp, err := s.load(ctx)
	end(err)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		obsmetrics.SourceErrors.WithLabelValues(name, discovery.ClassTransient.String()).Inc()
		s.log.Warn("reload failed, keeping previous peers", zap.Error(err), zap.Int("peers", len(s.peers)))
		out.SetCondition(discovery.ConditionDegraded, err.Error())
		return
	}
	out.SetCondition(discovery.ConditionHealthy, "")
	if fp == s.fp {
		return
	}
	s.peers, s.fp = peers, fp
	s.log.Info("peer document changed", zap.Int("peers", len(peers)))
	_ = out.Publish(ctx, discovery.Snapshot(stamp(peers), true))
}

func (s *Source) envValue() string {
	if s.opts.Env == "" {
		return ""
	}
	return strings.TrimSpace(os.Getenv(s.opts.Env))
}

func (s *Source) location() string {
	if v := s.envValue(); v != "" || s.fetcher == nil {
		return "$" + s.opts.Env
	}
	return s.fetcher.Location()
}

// load reads the effective contents and returns them with their fingerprint.
func (s *Source) load(ctx context.Context) ([]membership.PeerEndpoint, uint64, error) {
	if v := s.envValue(); v != "" {
		peers, err := static.Endpoints(static.Parse(v))
		if err != nil {
			return nil, 0, fmt.Errorf("file: $%s: %w", s.opts.Env, err)
		}
		return peers, murmur3.Sum64([]byte("env\x00" + v)), nil
	}
	if s.fetcher == nil {
		return nil, 0, fmt.Errorf("file: $%s is empty and no document path is configured", s.opts.Env)
	}
	b, err := s.fetcher.Fetch(ctx)
	if err != nil {
		return nil, 0, fmt.Errorf("file: fetch %s: %w", s.fetcher.Location(), err)
	}
	peers, err := static.ParseDocument(b)
	if err != nil {
		return nil, 0, fmt.Errorf("file: %s: %w", s.fetcher.Location(), err)
	}
	return peers, murmur3.Sum64(b), nil
}

func stamp(peers []membership.PeerEndpoint) []membership.PeerEndpoint {
	now := time.Now()
	out := make([]membership.PeerEndpoint, len(peers))
	for i, p := range peers {
		p.LastSeen = now
		out[i] = p
	}
	return out
}
