// Package watch implements the watch-stream discovery backend: a List
// followed by an incremental Watch resumed from a token, over any API that
// follows that model (the Kubernetes API server, an etcd key prefix).
package watch

import (
	"context"
	"errors"
	"io"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/amirimatin/go-peerwatch/internal/logutil"
	"github.com/amirimatin/go-peerwatch/pkg/discovery"
	"github.com/amirimatin/go-peerwatch/pkg/membership"
	obsmetrics "github.com/amirimatin/go-peerwatch/pkg/observability/metrics"
	"github.com/amirimatin/go-peerwatch/pkg/observability/tracing"
)

type EventType string

const (
	Added    EventType = "ADDED"
	Modified EventType = "MODIFIED"
	Deleted  EventType = "DELETED"
	Bookmark EventType = "BOOKMARK"
)

// Object is the backend-neutral form of one watched resource.
type Object struct {
	ID              string
	Host            string
	Port            int
	Ready           bool
	ResourceVersion string
}

// Endpoint converts o into a peer endpoint observed at t.
func (o Object) Endpoint(t time.Time) membership.PeerEndpoint {
	return membership.PeerEndpoint{ID: o.ID, Host: o.Host, Port: o.Port, Ready: o.Ready, LastSeen: t}
}

type WatchEvent struct {
	Type   EventType
	Object Object
}

// ListResult is a consistent listing plus the token to resume watching from.
type ListResult struct {
	Items           []Object
	ResourceVersion string
}

// Stream yields watch events. Next returns io.EOF when the server ended the
// stream cleanly; errors wrap discovery.ErrGone or discovery.ErrUnauthorized
// where they apply.
type Stream interface {
	Next() (WatchEvent, error)
	Close() error
}

// API is the List + Watch protocol spoken by a watch-stream backend.
type API interface {
	List(ctx context.Context) (ListResult, error)
	Watch(ctx context.Context, resumeToken string) (Stream, error)
}

// Options configures the watch loop.
type Options struct {
	API API
	// Name labels logs and metrics; defaults to "watch".
	Name           string
	BackoffInitial time.Duration
	BackoffMax     time.Duration
	Logger         *zap.Logger
}

// Source is the watch-stream discovery backend.
type Source struct {
	opts    Options
	log     *zap.Logger
	refresh chan struct{}
	token   atomic.Value // string
}

var errRelist = errors.New("watch: relist requested")

// New returns a watch source over opts.API.
func New(opts Options) (*Source, error) {
	if opts.API == nil {
		return nil, errors.New("watch: API is required")
	}
	if opts.Name == "" {
		opts.Name = "watch"
	}
	if opts.BackoffInitial <= 0 {
		opts.BackoffInitial = 500 * time.Millisecond
	}
	if opts.BackoffMax <= 0 {
		opts.BackoffMax = 30 * time.Second
	}
	s := &Source{opts: opts, log: logutil.OrNop(opts.Logger).With(logutil.Source(opts.Name)), refresh: make(chan struct{}, 1)}
	s.token.Store("")
	return s, nil
}

func (s *Source) Name() string { return s.opts.Name }

// Refresh forces a full relist.
func (s *Source) Refresh() {
	select {
	case s.refresh <- struct{}{}:
	default:
	}
}

// ResumeToken returns the last token adopted from a list or event.
func (s *Source) ResumeToken() string { return s.token.Load().(string) }

// Run lists, then watches from the list's token. Transient failures resume
// from the last token after a backoff; an expired token or a lost delta
// forces a relist; authorization failures halt and are returned.
func (s *Source) Run(ctx context.Context, out *discovery.Outbox) error {
	bo := discovery.Backoff{Initial: s.opts.BackoffInitial, Max: s.opts.BackoffMax}
	needList := true
	for {
		if ctx.Err() != nil {
			return nil
		}
		if needList {
			err := s.relist(ctx, out)
			if err != nil {
				if stop, ferr := s.fail(ctx, out, &bo, "list", err); stop {
					return ferr
				}
				continue
			}
			needList = false
			bo.Reset()
		}
		select {
		case <-s.refresh:
			needList = true
			continue
		default:
		}
		n, err := s.watch(ctx, out)
		if n > 0 {
			bo.Reset()
		}
		switch {
		case ctx.Err() != nil:
			return nil
		case err == nil:
			// clean end of stream; reconnect from the current token
		case errors.Is(err, errRelist):
			needList = true
		case errors.Is(err, discovery.ErrOverflow):
			s.log.Warn("outbox full, relisting to recover dropped delta")
			needList = true
		case discovery.Classify(err) == discovery.ClassGone:
			obsmetrics.SourceErrors.WithLabelValues(s.opts.Name, discovery.ClassGone.String()).Inc()
			s.log.Info("resume token expired, relisting", zap.String("token", s.ResumeToken()))
			needList = true
		default:
			if stop, ferr := s.fail(ctx, out, &bo, "watch", err); stop {
				return ferr
			}
		}
	}
}

// fail handles a non-recoverable-in-place error. It reports whether Run
// must return, and with which error.
func (s *Source) fail(ctx context.Context, out *discovery.Outbox, bo *discovery.Backoff, op string, err error) (bool, error) {
	class := discovery.Classify(err)
	if ctx.Err() != nil || class == discovery.ClassCanceled {
		return true, nil
	}
	obsmetrics.SourceErrors.WithLabelValues(s.opts.Name, class.String()).Inc()
	if class == discovery.ClassFatal {
		s.log.Error("discovery halted", zap.String("op", op), zap.Error(err))
		out.SetCondition(discovery.ConditionHalted, err.Error())
		return true, err
	}
	wait := bo.Next()
	s.log.Warn("stream error, retrying", zap.String("op", op), zap.Error(err), zap.Duration("retry_in", wait))
	out.SetCondition(discovery.ConditionDegraded, err.Error())
	discovery.Sleep(ctx, wait)
	return false, nil
}

func (s *Source) relist(ctx context.Context, out *discovery.Outbox) (err error) {
	ctx, end := tracing.StartSpan(ctx, "discovery.watch.relist", attribute.String("source", s.opts.Name))
	defer func() { end(err) }()
	obsmetrics.SourceRelists.WithLabelValues(s.opts.Name).Inc()

	// this listing answers any refresh requested before it started
	select {
	case <-s.refresh:
	default:
	}
	res, err := s.opts.API.List(ctx)
	if err != nil {
		return err
	}
	now := time.Now()
	peers := make([]membership.PeerEndpoint, 0, len(res.Items))
	for _, it := range res.Items {
		peers = append(peers, it.Endpoint(now))
	}
	if err := out.Publish(ctx, discovery.Snapshot(peers, true)); err != nil {
		return err
	}
	s.token.Store(res.ResourceVersion)
	out.SetCondition(discovery.ConditionHealthy, "")
	s.log.Debug("listed", zap.Int("items", len(peers)), zap.String("token", res.ResourceVersion))
	return nil
}

// watch consumes one stream and returns how many events it forwarded.
func (s *Source) watch(ctx context.Context, out *discovery.Outbox) (int, error) {
	wctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stream, err := s.opts.API.Watch(wctx, s.ResumeToken())
	if err != nil {
		return 0, err
	}
	defer stream.Close()
	out.SetCondition(discovery.ConditionHealthy, "")

	// A refresh taken by the watcher is always answered with a relist, even
	// when the stream ended on its own at the same moment.
	refreshed := make(chan struct{})
	watcherDone := make(chan struct{})
	go func() {
		defer close(watcherDone)
		select {
		case <-wctx.Done():
		case <-s.refresh:
			close(refreshed)
			cancel()
			_ = stream.Close()
		}
	}()
	finish := func(n int, err error) (int, error) {
		cancel()
		<-watcherDone
		select {
		case <-refreshed:
			if ctx.Err() == nil {
				return n, errRelist
			}
		default:
		}
		return n, err
	}

	n := 0
	for {
		ev, err := stream.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				err = nil
			}
			return finish(n, err)
		}
		if ev.Object.ResourceVersion != "" {
			s.token.Store(ev.Object.ResourceVersion)
		}
		var ch discovery.Change
		switch ev.Type {
		case Added, Modified:
			ch = discovery.Change{Op: discovery.ChangeUpsert, Peer: ev.Object.Endpoint(time.Now())}
		case Deleted:
			ch = discovery.Change{Op: discovery.ChangeDelete, Peer: ev.Object.Endpoint(time.Now())}
		default:
			continue
		}
		if ch.Peer.ID == "" {
			continue
		}
		if err := out.Publish(ctx, discovery.Delta(ch)); err != nil {
			return finish(n, err)
		}
		n++
	}
}
