// Package etcd adapts an etcd key prefix of peer registrations to the
// watch-stream protocol. The store revision is the resume token.
package etcd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"go.etcd.io/etcd/api/v3/v3rpc/rpctypes"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"

	"github.com/amirimatin/go-peerwatch/internal/logutil"
	"github.com/amirimatin/go-peerwatch/pkg/discovery"
	"github.com/amirimatin/go-peerwatch/pkg/discovery/static"
	"github.com/amirimatin/go-peerwatch/pkg/discovery/watch"
)

// DefaultPrefix is where peers register when no prefix is configured.
const DefaultPrefix = "/peerwatch/peers/"

// Registration is the value stored under <prefix><id>. A plain "host:port"
// value is accepted as a ready registration as well.
type Registration struct {
	Host  string `json:"host"`
	Port  int    `json:"port"`
	Ready *bool  `json:"ready,omitempty"`
}

// Options configures the etcd adapter.
type Options struct {
	// Client is used when set; otherwise one is dialed from Endpoints.
	Client      *clientv3.Client
	Endpoints   []string
	DialTimeout time.Duration
	Username    string
	Password    string
	Prefix      string
	Logger      *zap.Logger
}

// API implements watch.API over a key prefix.
type API struct {
	cli    *clientv3.Client
	prefix string
	owned  bool
	log    *zap.Logger
}

// NewClient dials etcd.
func NewClient(opts Options) (*clientv3.Client, error) {
	if len(opts.Endpoints) == 0 {
		return nil, errors.New("etcd: at least one endpoint is required")
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 5 * time.Second
	}
	return clientv3.New(clientv3.Config{
		Endpoints:   opts.Endpoints,
		DialTimeout: opts.DialTimeout,
		Username:    opts.Username,
		Password:    opts.Password,
		Logger:      logutil.OrNop(opts.Logger).Named("etcd-client"),
	})
}

// New returns an adapter; Close releases a client it dialed itself.
func New(opts Options) (*API, error) {
	a := &API{cli: opts.Client, prefix: opts.Prefix, log: logutil.OrNop(opts.Logger).With(logutil.Source("etcd"))}
	if a.prefix == "" {
		a.prefix = DefaultPrefix
	}
	if a.cli == nil {
		cli, err := NewClient(opts)
		if err != nil {
			return nil, fmt.Errorf("etcd: dial: %w", err)
		}
		a.cli, a.owned = cli, true
	}
	return a, nil
}

// Client exposes the underlying client, e.g. for Register.
func (a *API) Client() *clientv3.Client { return a.cli }

// Prefix returns the registration prefix.
func (a *API) Prefix() string { return a.prefix }

func (a *API) Close() error {
	if a.owned {
		return a.cli.Close()
	}
	return nil
}

func (a *API) List(ctx context.Context) (watch.ListResult, error) {
	resp, err := a.cli.Get(ctx, a.prefix, clientv3.WithPrefix())
	if err != nil {
		return watch.ListResult{}, mapErr("list", err)
	}
	res := watch.ListResult{ResourceVersion: strconv.FormatInt(resp.Header.Revision, 10)}
	for _, kv := range resp.Kvs {
		o, err := a.decode(string(kv.Key), kv.Value, kv.ModRevision)
		if err != nil {
			a.log.Warn("skipping malformed registration", zap.ByteString("key", kv.Key), zap.Error(err))
			continue
		}
		res.Items = append(res.Items, o)
	}
	return res, nil
}

func (a *API) Watch(ctx context.Context, resumeToken string) (watch.Stream, error) {
	rev, err := strconv.ParseInt(resumeToken, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("etcd: resume token %q: %w", resumeToken, discovery.ErrGone)
	}
	wctx, cancel := context.WithCancel(clientv3.WithRequireLeader(ctx))
	wch := a.cli.Watch(wctx, a.prefix, clientv3.WithPrefix(), clientv3.WithRev(rev+1), clientv3.WithProgressNotify())
	return &stream{a: a, wch: wch, cancel: cancel}, nil
}

type stream struct {
	a       *API
	wch     clientv3.WatchChan
	cancel  context.CancelFunc
	pending []watch.WatchEvent
}

func (s *stream) Next() (watch.WatchEvent, error) {
	for len(s.pending) == 0 {
		resp, ok := <-s.wch
		if !ok {
			return watch.WatchEvent{}, io.EOF
		}
		if resp.CompactRevision != 0 {
			return watch.WatchEvent{}, fmt.Errorf("etcd: compacted at %d: %w", resp.CompactRevision, discovery.ErrGone)
		}
		if err := resp.Err(); err != nil {
			return watch.WatchEvent{}, mapErr("watch", err)
		}
		if resp.IsProgressNotify() {
			return watch.WatchEvent{Type: watch.Bookmark, Object: watch.Object{ResourceVersion: strconv.FormatInt(resp.Header.Revision, 10)}}, nil
		}
		for _, ev := range resp.Events {
			key := string(ev.Kv.Key)
			rv := strconv.FormatInt(ev.Kv.ModRevision, 10)
			if ev.Type == clientv3.EventTypeDelete {
				s.pending = append(s.pending, watch.WatchEvent{Type: watch.Deleted, Object: watch.Object{ID: s.a.id(key), ResourceVersion: rv}})
				continue
			}
			o, err := s.a.decode(key, ev.Kv.Value, ev.Kv.ModRevision)
			if err != nil {
				s.a.log.Warn("skipping malformed registration", zap.String("key", key), zap.Error(err))
				s.pending = append(s.pending, watch.WatchEvent{Type: watch.Bookmark, Object: watch.Object{ResourceVersion: rv}})
				continue
			}
			t := watch.Modified
			if ev.IsCreate() {
				t = watch.Added
			}
			s.pending = append(s.pending, watch.WatchEvent{Type: t, Object: o})
		}
	}
	ev := s.pending[0]
	s.pending = s.pending[1:]
	return ev, nil
}

func (s *stream) Close() error {
	s.cancel()
	return nil
}

func (a *API) id(key string) string { return strings.TrimPrefix(key, a.prefix) }

func (a *API) decode(key string, val []byte, rev int64) (watch.Object, error) {
	o := watch.Object{ID: a.id(key), Ready: true, ResourceVersion: strconv.FormatInt(rev, 10)}
	if o.ID == "" {
		return o, fmt.Errorf("etcd: empty id under %q: %w", key, discovery.ErrMalformed)
	}
	v := strings.TrimSpace(string(val))
	if strings.HasPrefix(v, "{") {
		var r Registration
		if err := json.Unmarshal([]byte(v), &r); err != nil {
			return o, fmt.Errorf("etcd: %s: %w: %v", key, discovery.ErrMalformed, err)
		}
		if r.Host == "" || r.Port <= 0 {
			return o, fmt.Errorf("etcd: %s: missing host or port: %w", key, discovery.ErrMalformed)
		}
		o.Host, o.Port = r.Host, r.Port
		if r.Ready != nil {
			o.Ready = *r.Ready
		}
		return o, nil
	}
	host, port, err := static.SplitHostPort(v)
	if err != nil {
		return o, err
	}
	o.Host, o.Port = host, port
	return o, nil
}

func mapErr(op string, err error) error {
	switch {
	case errors.Is(err, context.Canceled):
		return err
	case errors.Is(err, rpctypes.ErrCompacted), errors.Is(err, rpctypes.ErrFutureRev):
		return fmt.Errorf("etcd: %s: %v: %w", op, err, discovery.ErrGone)
	case errors.Is(err, rpctypes.ErrPermissionDenied), errors.Is(err, rpctypes.ErrAuthFailed),
		errors.Is(err, rpctypes.ErrInvalidAuthToken), errors.Is(err, rpctypes.ErrUserEmpty):
		return fmt.Errorf("etcd: %s: %v: %w", op, err, discovery.ErrUnauthorized)
	default:
		return fmt.Errorf("etcd: %s: %w", op, err)
	}
}
