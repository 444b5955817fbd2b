package httpjson

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/amirimatin/go-peerwatch/pkg/membership"
	statemembership "github.com/amirimatin/go-peerwatch/pkg/state/membership"
	"github.com/amirimatin/go-peerwatch/pkg/transport"
)

type fakeFeed struct {
	snap membership.Snapshot
	ch   chan membership.Event
	err  error
}

func (f *fakeFeed) Snapshot() membership.Snapshot    { return f.snap }
func (f *fakeFeed) Events() <-chan membership.Event { return f.ch }
func (f *fakeFeed) Err() error                      { return f.err }
func (f *fakeFeed) Close()                          {}

var testSnap = membership.Snapshot{Generation: 3, Peers: []membership.PeerEndpoint{
	{ID: "a", Host: "10.0.0.1", Port: 7000, Ready: true},
	{ID: "b", Host: "10.0.0.2", Port: 7000, Ready: true},
}}

func newTestServer(t *testing.T, h transport.Handlers) (*httptest.Server, *Client) {
	t.Helper()
	ts := httptest.NewServer(NewServer("", zaptest.NewLogger(t)).Handler(h))
	t.Cleanup(ts.Close)
	return ts, NewClient(time.Second)
}

func TestSnapshotETag(t *testing.T) {
	ts, cli := newTestServer(t, transport.Handlers{
		Snapshot: func(context.Context) (membership.Snapshot, error) { return testSnap, nil },
	})

	got, err := cli.GetSnapshot(context.Background(), ts.URL)
	require.NoError(t, err)
	assert.Equal(t, testSnap.Generation, got.Generation)
	require.Len(t, got.Peers, 2)
	assert.Equal(t, "10.0.0.2", got.Peers[1].Host)

	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/snapshot", nil)
	req.Header.Set("If-None-Match", statemembership.ETag(testSnap))
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotModified, resp.StatusCode)
}

func TestStatus(t *testing.T) {
	ts, cli := newTestServer(t, transport.Handlers{
		Status: func(context.Context) ([]byte, error) { return []byte(`{"nodeId":"n1"}`), nil },
	})
	b, err := cli.GetStatus(context.Background(), ts.URL)
	require.NoError(t, err)
	assert.JSONEq(t, `{"nodeId":"n1"}`, string(b))
}

func TestRefreshErrors(t *testing.T) {
	var calls atomic.Int32
	refresh := func(context.Context) error {
		switch calls.Add(1) {
		case 1:
			return nil
		case 2:
			return fmt.Errorf("no refresh: %w", transport.ErrUnsupported)
		default:
			return fmt.Errorf("halted: %w", transport.ErrUnavailable)
		}
	}
	ts, cli := newTestServer(t, transport.Handlers{Refresh: refresh})
	ctx := context.Background()

	require.NoError(t, cli.PostRefresh(ctx, ts.URL))
	assert.ErrorIs(t, cli.PostRefresh(ctx, ts.URL), transport.ErrUnsupported)
	assert.ErrorIs(t, cli.PostRefresh(ctx, ts.URL), transport.ErrUnavailable)
	assert.Equal(t, int32(3), calls.Load(), "501 and 503 are not retried")
}

func TestMissingHandlersAreUnsupported(t *testing.T) {
	ts, cli := newTestServer(t, transport.Handlers{})
	err := cli.PostRefresh(context.Background(), ts.URL)
	assert.ErrorIs(t, err, transport.ErrUnsupported)

	resp, err := http.Get(ts.URL + "/refresh")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestHealthz(t *testing.T) {
	var halted atomic.Bool
	ts, _ := newTestServer(t, transport.Handlers{Health: func() error {
		if halted.Load() {
			return errors.New("halted")
		}
		return nil
	}})

	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	halted.Store(true)
	resp, err = http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestWatchStream(t *testing.T) {
	feed := &fakeFeed{snap: testSnap, ch: make(chan membership.Event, 2), err: errors.New("subscriber fell behind")}
	feed.ch <- membership.Event{Type: membership.EventRemoved, Peer: membership.PeerEndpoint{ID: "a"}, Generation: 4}
	feed.ch <- membership.Event{Type: membership.EventAdded, Peer: membership.PeerEndpoint{ID: "c", Host: "10.0.0.3", Port: 7000, Ready: true}, Generation: 4}
	close(feed.ch)
	ts, cli := newTestServer(t, transport.Handlers{
		Subscribe: func(context.Context) (transport.Feed, error) { return feed, nil },
	})

	var frames []transport.StreamMessage
	err := cli.Watch(context.Background(), ts.URL, func(m transport.StreamMessage) error {
		frames = append(frames, m)
		return nil
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "subscriber fell behind")
	require.Len(t, frames, 4)
	require.NotNil(t, frames[0].Snapshot)
	assert.Equal(t, uint64(3), frames[0].Snapshot.Generation)
	assert.Equal(t, membership.EventRemoved, frames[1].Event.Type)
	assert.Equal(t, "c", frames[2].Event.Peer.ID)
	assert.NotEmpty(t, frames[3].Error)
}

func TestWatchUnavailable(t *testing.T) {
	ts, cli := newTestServer(t, transport.Handlers{
		Subscribe: func(context.Context) (transport.Feed, error) {
			return nil, fmt.Errorf("stopped: %w", transport.ErrUnavailable)
		},
	})
	err := cli.Watch(context.Background(), ts.URL, func(transport.StreamMessage) error { return nil })
	assert.ErrorIs(t, err, transport.ErrUnavailable)
}

func TestServerStartStop(t *testing.T) {
	s := NewServer("127.0.0.1:0", zaptest.NewLogger(t))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, s.Start(ctx, transport.Handlers{
		Status: func(context.Context) ([]byte, error) { return []byte(`{}`), nil },
	}))
	_, err := NewClient(time.Second).GetStatus(ctx, s.Addr())
	require.NoError(t, err)
	require.NoError(t, s.Stop(context.Background()))
}
