package cluster

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/amirimatin/go-peerwatch/pkg/discovery"
	"github.com/amirimatin/go-peerwatch/pkg/health"
	"github.com/amirimatin/go-peerwatch/pkg/membership"
	obsmetrics "github.com/amirimatin/go-peerwatch/pkg/observability/metrics"
	statemembership "github.com/amirimatin/go-peerwatch/pkg/state/membership"
)

func pe(id, host string) membership.PeerEndpoint {
	return membership.PeerEndpoint{ID: id, Host: host, Port: 7000, Ready: true}
}

func types(events []membership.Event) []string {
	out := make([]string, 0, len(events))
	for _, e := range events {
		out = append(out, string(e.Type)+":"+e.Peer.ID)
	}
	return out
}

func TestDiffOrdering(t *testing.T) {
	from := []membership.PeerEndpoint{pe("a", "h1"), pe("b", "h2"), pe("c", "h3"), pe("e", "h5")}
	moved := pe("b", "h9")
	to := []membership.PeerEndpoint{moved, pe("c", "h3"), pe("d", "h4")}

	got := Diff(from, to)
	assert.Equal(t, []string{"removed:a", "removed:e", "updated:b", "added:d"}, types(got))
	assert.Equal(t, "h9", got[2].Peer.Host)
}

func TestDiffIgnoresLastSeen(t *testing.T) {
	a := pe("a", "h1")
	b := a
	b.LastSeen = time.Now()
	assert.Empty(t, Diff([]membership.PeerEndpoint{a}, []membership.PeerEndpoint{b}))
	assert.Empty(t, Diff(nil, nil))
}

func TestNotifierDeliversInOrder(t *testing.T) {
	view := statemembership.New()
	n := NewNotifier(view, 8, zaptest.NewLogger(t))
	ctx := context.Background()
	s1, err := n.Subscribe(ctx)
	require.NoError(t, err)
	s2, err := n.Subscribe(ctx)
	require.NoError(t, err)
	assert.NotEqual(t, s1.ID(), s2.ID())
	assert.Equal(t, uint64(0), s1.Snapshot().Generation)

	events := []membership.Event{
		{Type: membership.EventAdded, Peer: pe("a", "h"), Generation: 1},
		{Type: membership.EventAdded, Peer: pe("b", "h"), Generation: 1},
	}
	require.NoError(t, n.Commit(membership.Snapshot{Generation: 1, Peers: []membership.PeerEndpoint{pe("a", "h"), pe("b", "h")}}, events))
	for _, s := range []*Subscription{s1, s2} {
		assert.Equal(t, "a", (<-s.Events()).Peer.ID)
		assert.Equal(t, "b", (<-s.Events()).Peer.ID)
	}

	// a stale generation is rejected and nothing is delivered
	require.Error(t, n.Commit(membership.Snapshot{Generation: 1}, events))
	assert.Len(t, s1.Events(), 0)

	s3, err := n.Subscribe(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), s3.Snapshot().Generation)
	assert.Equal(t, 3, n.Len())
}

func TestNotifierSlowSubscriber(t *testing.T) {
	view := statemembership.New()
	n := NewNotifier(view, 1, zaptest.NewLogger(t))
	sub, err := n.Subscribe(context.Background())
	require.NoError(t, err)
	before := testutil.ToFloat64(obsmetrics.SlowSubscribers)

	events := []membership.Event{
		{Type: membership.EventAdded, Peer: pe("a", "h"), Generation: 1},
		{Type: membership.EventAdded, Peer: pe("b", "h"), Generation: 1},
	}
	require.NoError(t, n.Commit(membership.Snapshot{Generation: 1, Peers: []membership.PeerEndpoint{pe("a", "h"), pe("b", "h")}}, events))

	<-sub.Done()
	assert.ErrorIs(t, sub.Err(), ErrSlowSubscriber)
	_, open := <-sub.Events()
	assert.False(t, open, "no partial generation is delivered")
	assert.Equal(t, 0, n.Len())
	assert.Equal(t, before+1, testutil.ToFloat64(obsmetrics.SlowSubscribers))
	assert.Equal(t, uint64(1), view.Load().Generation, "the view still advances")
}

func TestNotifierCloseAllAndCancel(t *testing.T) {
	n := NewNotifier(statemembership.New(), 4, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	canceled, err := n.Subscribe(ctx)
	require.NoError(t, err)
	kept, err := n.Subscribe(context.Background())
	require.NoError(t, err)

	cancel()
	<-canceled.Done()
	assert.NoError(t, canceled.Err())
	require.Eventually(t, func() bool { return n.Len() == 1 }, time.Second, 5*time.Millisecond)

	n.CloseAll(ErrStopped)
	<-kept.Done()
	assert.ErrorIs(t, kept.Err(), ErrStopped)
	_, err = n.Subscribe(context.Background())
	assert.ErrorIs(t, err, ErrStopped)

	kept.Close() // idempotent
}

func TestRecomputeCommitsOnlyOnChange(t *testing.T) {
	view := statemembership.New()
	n := NewNotifier(view, 16, zap.NewNop())
	rec := NewReconciler(health.NewGate(0, health.Self{ID: "self"}), view, n, -1, 0, zap.NewNop())
	fixed := time.Unix(1700000000, 0)
	rec.now = func() time.Time { return fixed }
	sub, err := n.Subscribe(context.Background())
	require.NoError(t, err)
	ctx := context.Background()

	rec.gate.Ingest(discovery.Snapshot([]membership.PeerEndpoint{pe("a", "h1"), pe("self", "h0")}, false))
	require.True(t, rec.Recompute(ctx))
	ev := <-sub.Events()
	assert.Equal(t, "a", ev.Peer.ID)
	assert.Equal(t, uint64(1), ev.Generation)
	assert.Equal(t, fixed, ev.At)
	assert.Equal(t, fixed, rec.LastCommit())

	seen := pe("a", "h1")
	seen.LastSeen = time.Now()
	rec.gate.Ingest(discovery.Snapshot([]membership.PeerEndpoint{seen}, false))
	assert.False(t, rec.Recompute(ctx), "re-observing an unchanged peer is not a change")
	assert.Equal(t, uint64(1), view.Load().Generation)
}

func TestReconcilerDebounce(t *testing.T) {
	view := statemembership.New()
	n := NewNotifier(view, 16, zap.NewNop())
	rec := NewReconciler(health.NewGate(0, health.Self{}), view, n, 200*time.Millisecond, 0, zaptest.NewLogger(t))
	in := make(chan discovery.Update, 4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	coalesced := testutil.ToFloat64(obsmetrics.Coalesced)

	in <- discovery.Snapshot([]membership.PeerEndpoint{pe("a", "h")}, false)
	in <- discovery.Snapshot([]membership.PeerEndpoint{pe("a", "h"), pe("b", "h")}, false)
	in <- discovery.Snapshot([]membership.PeerEndpoint{pe("b", "h"), pe("c", "h")}, false)
	go rec.Run(ctx, in)

	require.Eventually(t, func() bool { return view.Load().Generation == 1 }, 2*time.Second, 10*time.Millisecond)
	snap := view.Load()
	require.Len(t, snap.Peers, 2)
	assert.Equal(t, "b", snap.Peers[0].ID)
	assert.Equal(t, "c", snap.Peers[1].ID)
	assert.Equal(t, coalesced+2, testutil.ToFloat64(obsmetrics.Coalesced))

	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, uint64(1), view.Load().Generation, "a burst commits once")
}

func peersFrom(step []int) []membership.PeerEndpoint {
	seen := map[string]bool{}
	var out []membership.PeerEndpoint
	for _, v := range step {
		id := fmt.Sprintf("p%d", v%4)
		if seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, membership.PeerEndpoint{
			ID:    id,
			Host:  fmt.Sprintf("10.0.%d.1", v/4),
			Port:  7000,
			Ready: v < 8,
		})
	}
	return out
}

func TestReplayReproducesView(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("events replayed onto the starting snapshot reproduce every generation", prop.ForAll(
		func(steps [][]int, tolerance int) bool {
			ctx := context.Background()
			view := statemembership.New()
			n := NewNotifier(view, 1024, zap.NewNop())
			rec := NewReconciler(health.NewGate(tolerance, health.Self{}), view, n, -1, 0, zap.NewNop())
			sub, err := n.Subscribe(ctx)
			if err != nil {
				return false
			}
			defer sub.Close()

			replayed := map[string]membership.PeerEndpoint{}
			var lastGen uint64
			for _, step := range steps {
				rec.gate.Ingest(discovery.Snapshot(peersFrom(step), false))
				committed := rec.Recompute(ctx)
				snap := view.Load()

				var events []membership.Event
				for len(sub.Events()) > 0 {
					events = append(events, <-sub.Events())
				}
				if committed != (len(events) > 0) {
					return false
				}
				if committed && snap.Generation != lastGen+1 || !committed && snap.Generation != lastGen {
					return false
				}
				for _, ev := range events {
					if ev.Generation != snap.Generation {
						return false
					}
				}
				membership.Replay(replayed, events...)
				lastGen = snap.Generation

				if len(replayed) != snap.Len() {
					return false
				}
				for _, p := range snap.Peers {
					if r, ok := replayed[p.ID]; !ok || !r.SameAs(p) {
						return false
					}
				}
				eligible := rec.gate.Eligible()
				if len(Diff(snap.Peers, eligible)) != 0 {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.SliceOf(gen.IntRange(0, 11))),
		gen.IntRange(0, 2),
	))

	properties.TestingRun(t)
}
