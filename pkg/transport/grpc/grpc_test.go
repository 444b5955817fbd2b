package grpc

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/amirimatin/go-peerwatch/pkg/membership"
	obsmetrics "github.com/amirimatin/go-peerwatch/pkg/observability/metrics"
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

func startServer(t *testing.T, h transport.Handlers) (*Server, *Client) {
	t.Helper()
	s := NewServer("127.0.0.1:0", zaptest.NewLogger(t))
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, s.Start(ctx, h))
	cli := NewClient(2 * time.Second)
	t.Cleanup(func() {
		cli.Close()
		cancel()
		_ = s.Stop(context.Background())
	})
	return s, cli
}

func TestUnaryCalls(t *testing.T) {
	snap := membership.Snapshot{Generation: 7, Peers: []membership.PeerEndpoint{{ID: "a", Host: "10.0.0.1", Port: 7000, Ready: true}}}
	refreshed := make(chan struct{}, 1)
	s, cli := startServer(t, transport.Handlers{
		Status:   func(context.Context) ([]byte, error) { return []byte(`{"nodeId":"n1"}`), nil },
		Snapshot: func(context.Context) (membership.Snapshot, error) { return snap, nil },
		Refresh: func(context.Context) error {
			refreshed <- struct{}{}
			return nil
		},
	})
	ctx := context.Background()

	b, err := cli.GetStatus(ctx, s.Addr())
	require.NoError(t, err)
	assert.JSONEq(t, `{"nodeId":"n1"}`, string(b))

	got, err := cli.GetSnapshot(ctx, s.Addr())
	require.NoError(t, err)
	assert.Equal(t, snap, got)

	require.NoError(t, cli.PostRefresh(ctx, s.Addr()))
	assert.Len(t, refreshed, 1)
}

func TestErrorMapping(t *testing.T) {
	s, cli := startServer(t, transport.Handlers{
		Refresh: func(context.Context) error { return fmt.Errorf("x: %w", transport.ErrUnsupported) },
	})
	ctx := context.Background()
	assert.ErrorIs(t, cli.PostRefresh(ctx, s.Addr()), transport.ErrUnsupported)

	_, err := cli.GetSnapshot(ctx, s.Addr())
	assert.ErrorIs(t, err, transport.ErrUnsupported, "missing handler")
}

func TestEventsStream(t *testing.T) {
	feed := &fakeFeed{snap: membership.Snapshot{Generation: 1}, ch: make(chan membership.Event, 1)}
	feed.ch <- membership.Event{Type: membership.EventAdded, Peer: membership.PeerEndpoint{ID: "b", Host: "h", Port: 1, Ready: true}, Generation: 2}
	close(feed.ch)
	s, cli := startServer(t, transport.Handlers{
		Subscribe: func(context.Context) (transport.Feed, error) { return feed, nil },
	})

	var frames []transport.StreamMessage
	err := cli.Watch(context.Background(), s.Addr(), func(m transport.StreamMessage) error {
		frames = append(frames, m)
		return nil
	})
	require.NoError(t, err)
	require.Len(t, frames, 2)
	require.NotNil(t, frames[0].Snapshot)
	assert.Equal(t, uint64(1), frames[0].Snapshot.Generation)
	require.NotNil(t, frames[1].Event)
	assert.Equal(t, "b", frames[1].Event.Peer.ID)
}

func TestEventsStreamAborted(t *testing.T) {
	feed := &fakeFeed{ch: make(chan membership.Event), err: errors.New("discovery halted")}
	close(feed.ch)
	s, cli := startServer(t, transport.Handlers{
		Subscribe: func(context.Context) (transport.Feed, error) { return feed, nil },
	})
	var last transport.StreamMessage
	err := cli.Watch(context.Background(), s.Addr(), func(m transport.StreamMessage) error {
		last = m
		return nil
	})
	require.Error(t, err)
	assert.Contains(t, last.Error, "discovery halted")
}

func TestHealthReflectsDiscovery(t *testing.T) {
	halted := make(chan struct{})
	s, _ := startServer(t, transport.Handlers{Health: func() error {
		select {
		case <-halted:
			return errors.New("halted")
		default:
			return nil
		}
	}})
	cc, err := grpc.NewClient(s.Addr(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	defer cc.Close()
	hc := healthpb.NewHealthClient(cc)
	check := func() healthpb.HealthCheckResponse_ServingStatus {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		resp, err := hc.Check(ctx, &healthpb.HealthCheckRequest{Service: serviceName})
		if err != nil {
			return healthpb.HealthCheckResponse_UNKNOWN
		}
		return resp.GetStatus()
	}
	require.Eventually(t, func() bool { return check() == healthpb.HealthCheckResponse_SERVING }, 3*time.Second, 50*time.Millisecond)
	close(halted)
	require.Eventually(t, func() bool { return check() == healthpb.HealthCheckResponse_NOT_SERVING }, 3*time.Second, 50*time.Millisecond)
}

func TestConnCacheReuseAndSweep(t *testing.T) {
	created := 0
	c := newConnCache(time.Minute, func(target string) (*grpc.ClientConn, error) {
		created++
		return grpc.NewClient(target, grpc.WithTransportCredentials(insecure.NewCredentials()))
	})
	defer c.close()
	now := time.Now()
	c.now = func() time.Time { return now }
	reuse := testutil.ToFloat64(obsmetrics.GRPCConnReuse)
	evictions := testutil.ToFloat64(obsmetrics.GRPCConnEvictions)

	cc1, rel1, err := c.acquire("127.0.0.1:1")
	require.NoError(t, err)
	cc2, rel2, err := c.acquire("127.0.0.1:1")
	require.NoError(t, err)
	assert.Same(t, cc1, cc2)
	assert.Equal(t, 1, created)
	assert.Equal(t, reuse+1, testutil.ToFloat64(obsmetrics.GRPCConnReuse))

	// in use, so an idle period does not close it
	now = now.Add(2 * time.Minute)
	_, rel3, err := c.acquire("127.0.0.1:2")
	require.NoError(t, err)
	assert.Equal(t, 2, c.len())

	rel1()
	rel1()
	rel2()
	rel3()
	now = now.Add(2 * time.Minute)
	_, rel4, err := c.acquire("127.0.0.1:3")
	require.NoError(t, err)
	defer rel4()
	assert.Equal(t, 1, c.len(), "idle connections are swept on access")
	assert.Equal(t, evictions+2, testutil.ToFloat64(obsmetrics.GRPCConnEvictions))
}

func TestConnCacheReplacesShutdownConn(t *testing.T) {
	c := newConnCache(time.Minute, func(target string) (*grpc.ClientConn, error) {
		return grpc.NewClient(target, grpc.WithTransportCredentials(insecure.NewCredentials()))
	})
	defer c.close()

	cc1, rel, err := c.acquire("127.0.0.1:1")
	require.NoError(t, err)
	rel()
	require.NoError(t, cc1.Close())

	cc2, rel, err := c.acquire("127.0.0.1:1")
	require.NoError(t, err)
	defer rel()
	assert.NotSame(t, cc1, cc2)
	assert.Equal(t, 1, c.len())
}
