package memberlist

import (
	"context"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	base "github.com/amirimatin/go-peerwatch/pkg/membership"
)

func startNode(t *testing.T, ctx context.Context, id string) *Seeder {
	t.Helper()
	m, err := New(Options{NodeID: id, Bind: "127.0.0.1:0", Logger: zap.NewNop(), ProbeInterval: 100 * time.Millisecond, SuspicionMult: 2})
	require.NoError(t, err)
	require.NoError(t, m.Start(ctx))
	t.Cleanup(func() { _ = m.Stop() })
	require.NotEmpty(t, m.Local().Addr)
	return m
}

func endpoint(t *testing.T, id string, m *Seeder) base.PeerEndpoint {
	t.Helper()
	host, ps, err := net.SplitHostPort(m.Local().Addr)
	require.NoError(t, err)
	port, err := strconv.Atoi(ps)
	require.NoError(t, err)
	return base.PeerEndpoint{ID: id, Host: host, Port: port, Ready: true}
}

func awaitMembers(t *testing.T, m *Seeder, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return len(m.Members()) == n }, 5*time.Second, 50*time.Millisecond)
}

func TestSeederStartLocal(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	m := startNode(t, ctx, "t1")
	assert.Equal(t, "t1", m.Local().ID)
	assert.GreaterOrEqual(t, m.HealthScore(), 0)

	require.NoError(t, m.Stop())
	assert.Equal(t, -1, m.HealthScore())
}

func TestSeederJoinsDiscoveredPeers(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	n1 := startNode(t, ctx, "n1")
	n2 := startNode(t, ctx, "n2")
	n3 := startNode(t, ctx, "n3")

	// n1 discovers n2 and n3 and seeds the pool
	require.NoError(t, n1.HandleEvent(ctx, base.Event{Type: base.EventAdded, Peer: endpoint(t, "n2", n2)}))
	require.NoError(t, n1.HandleEvent(ctx, base.Event{Type: base.EventAdded, Peer: endpoint(t, "n3", n3)}))
	awaitMembers(t, n1, 3)
	awaitMembers(t, n2, 3)
	awaitMembers(t, n3, 3)

	// a repeated event for an unchanged address is a no-op
	require.NoError(t, n1.HandleEvent(ctx, base.Event{Type: base.EventUpdated, Peer: endpoint(t, "n2", n2)}))

	require.NoError(t, n1.HandleEvent(ctx, base.Event{Type: base.EventRemoved, Peer: base.PeerEndpoint{ID: "n2"}}))
	_ = n2.Leave()
	_ = n2.Stop()
	awaitMembers(t, n1, 2)
	awaitMembers(t, n3, 2)
}

func TestSeederIgnoresSelfAndRequiresStart(t *testing.T) {
	m, err := New(Options{NodeID: "n1", Bind: "127.0.0.1:0"})
	require.NoError(t, err)
	assert.NoError(t, m.HandleEvent(context.Background(), base.Event{Type: base.EventAdded, Peer: base.PeerEndpoint{ID: "n1"}}))
	assert.Error(t, m.HandleEvent(context.Background(), base.Event{Type: base.EventAdded, Peer: base.PeerEndpoint{ID: "n2", Host: "127.0.0.1", Port: 1}}))
}

func TestGossipAddr(t *testing.T) {
	m, err := New(Options{NodeID: "n1", Bind: ":7946", GossipPort: 7946})
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.5:7946", m.GossipAddr(base.PeerEndpoint{Host: "10.0.0.5", Port: 8080}))

	_, err = New(Options{NodeID: "n1"})
	assert.Error(t, err)
}
