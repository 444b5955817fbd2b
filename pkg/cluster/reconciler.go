package cluster

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/amirimatin/go-peerwatch/pkg/discovery"
	"github.com/amirimatin/go-peerwatch/pkg/health"
	"github.com/amirimatin/go-peerwatch/pkg/membership"
	obsmetrics "github.com/amirimatin/go-peerwatch/pkg/observability/metrics"
	"github.com/amirimatin/go-peerwatch/pkg/observability/tracing"
	statemembership "github.com/amirimatin/go-peerwatch/pkg/state/membership"
)

// Reconciler is the single consumer of a source's updates. It folds them into
// a health.Gate, debounces bursts, and commits a new generation whenever the
// eligible set differs from the published view.
type Reconciler struct {
	gate     *health.Gate
	view     *statemembership.View
	notifier *Notifier
	debounce time.Duration
	cycle    time.Duration
	log      *zap.Logger
	now      func() time.Time

	lastCommit atomic.Int64
}

// NewReconciler wires a reconciler. debounce <= 0 recomputes after every
// update; cycle > 0 ticks the gate for delta sources.
func NewReconciler(gate *health.Gate, view *statemembership.View, n *Notifier, debounce, cycle time.Duration, log *zap.Logger) *Reconciler {
	return &Reconciler{gate: gate, view: view, notifier: n, debounce: debounce, cycle: cycle, log: log, now: time.Now}
}

// LastCommit returns when the last generation was committed.
func (r *Reconciler) LastCommit() time.Time {
	ns := r.lastCommit.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// Run consumes in until ctx is done or in is closed. The debounce timer is
// armed by the first update after a recomputation and is not extended by
// later ones, so a steady stream still commits once per window.
func (r *Reconciler) Run(ctx context.Context, in <-chan discovery.Update) {
	var (
		timer  *time.Timer
		timerC <-chan time.Time
		tickC  <-chan time.Time
	)
	if r.cycle > 0 {
		t := time.NewTicker(r.cycle)
		defer t.Stop()
		tickC = t.C
	}
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return
		case u, ok := <-in:
			if !ok {
				return
			}
			r.gate.Ingest(u)
			if r.debounce <= 0 {
				r.Recompute(ctx)
				continue
			}
			if timerC != nil {
				obsmetrics.Coalesced.Inc()
				continue
			}
			timer = time.NewTimer(r.debounce)
			timerC = timer.C
		case <-timerC:
			timerC = nil
			r.Recompute(ctx)
		case <-tickC:
			if r.gate.Tick() && timerC == nil {
				r.Recompute(ctx)
			}
		}
	}
}

// Recompute diffs the gate's eligible set against the view and commits a new
// generation when they differ. It reports whether a generation was committed.
func (r *Reconciler) Recompute(ctx context.Context) bool {
	_, end := tracing.StartSpan(ctx, "cluster.reconcile")
	desired := r.gate.Eligible()
	r.gate.NextPass()
	cur := r.view.Load()
	events := Diff(cur.Peers, desired)
	if len(events) == 0 {
		end(nil)
		return false
	}
	gen := cur.Generation + 1
	at := r.now()
	for i := range events {
		events[i].Generation = gen
		events[i].At = at
	}
	err := r.notifier.Commit(membership.Snapshot{Generation: gen, Peers: desired}, events)
	end(err)
	if err != nil {
		r.log.Error("commit failed", zap.Uint64("generation", gen), zap.Error(err))
		return false
	}
	r.lastCommit.Store(at.UnixNano())
	obsmetrics.Commits.Inc()
	obsmetrics.Generation.Set(float64(gen))
	obsmetrics.Peers.Set(float64(len(desired)))
	for _, ev := range events {
		obsmetrics.Events.WithLabelValues(string(ev.Type)).Inc()
		r.log.Info("membership change", zap.String("type", string(ev.Type)), zap.String("peer", ev.Peer.ID),
			zap.String("addr", ev.Peer.Addr()), zap.Uint64("generation", gen))
	}
	return true
}

// Diff returns the minimal events turning from into to. Both slices must be
// sorted by ID. Removals come first, then additions and updates, each in ID
// order. LastSeen is ignored.
func Diff(from, to []membership.PeerEndpoint) []membership.Event {
	var removed, changed []membership.Event
	i, j := 0, 0
	for i < len(from) || j < len(to) {
		switch {
		case j == len(to) || (i < len(from) && from[i].ID < to[j].ID):
			removed = append(removed, membership.Event{Type: membership.EventRemoved, Peer: from[i]})
			i++
		case i == len(from) || to[j].ID < from[i].ID:
			changed = append(changed, membership.Event{Type: membership.EventAdded, Peer: to[j]})
			j++
		default:
			if !from[i].SameAs(to[j]) {
				changed = append(changed, membership.Event{Type: membership.EventUpdated, Peer: to[j]})
			}
			i++
			j++
		}
	}
	return append(removed, changed...)
}
