package discovery

import (
	"context"
	"sync/atomic"
	"time"

	obsmetrics "github.com/amirimatin/go-peerwatch/pkg/observability/metrics"
)

// DefaultOutboxSize is the default capacity of the source→reconciler channel.
const DefaultOutboxSize = 16

// Outbox is the bounded channel between one Source and the reconciler. It
// implements the backpressure policy: a snapshot replaces everything still
// queued (snapshots are self-describing), while a delta that does not fit is
// rejected with ErrOverflow so the source can relist.
type Outbox struct {
	source string
	ch     chan Update
	cond   atomic.Pointer[Condition]
	parent *Outbox
}

// NewOutbox creates an outbox with the given capacity for the named source.
func NewOutbox(source string, size int) *Outbox {
	if size <= 0 {
		size = DefaultOutboxSize
	}
	o := &Outbox{source: source, ch: make(chan Update, size)}
	o.cond.Store(&Condition{State: ConditionHealthy, Since: time.Now()})
	return o
}

// Pipe returns an outbox whose updates are read by a stage sitting between a
// source and o. Conditions set on the pipe are reported on o.
func (o *Outbox) Pipe(size int) *Outbox {
	p := NewOutbox(o.source, size)
	p.parent = o
	return p
}

// C returns the receive side, consumed by the reconciler only.
func (o *Outbox) C() <-chan Update { return o.ch }

// Source returns the name of the producing source.
func (o *Outbox) Source() string { return o.source }

// Publish enqueues u according to the backpressure policy. It blocks only
// while ctx is alive and only for snapshots racing a concurrent reader.
func (o *Outbox) Publish(ctx context.Context, u Update) error {
	if u.ObservedAt.IsZero() {
		u.ObservedAt = time.Now()
	}
	select {
	case o.ch <- u:
		obsmetrics.SourceUpdates.WithLabelValues(o.source, u.Kind.String()).Inc()
		return nil
	default:
	}
	if u.Kind == UpdateDelta {
		obsmetrics.SourceDropped.WithLabelValues(o.source, u.Kind.String()).Inc()
		return ErrOverflow
	}
	// Drop everything queued; the new snapshot supersedes it.
	dropped := 0
drain:
	for {
		select {
		case <-o.ch:
			dropped++
		default:
			break drain
		}
	}
	obsmetrics.SourceDropped.WithLabelValues(o.source, UpdateSnapshot.String()).Add(float64(dropped))
	select {
	case o.ch <- u:
		obsmetrics.SourceUpdates.WithLabelValues(o.source, u.Kind.String()).Inc()
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SetCondition records the health of the source. Since only moves when the
// state changes.
func (o *Outbox) SetCondition(state ConditionState, reason string) {
	if o.parent != nil {
		o.parent.SetCondition(state, reason)
		return
	}
	cur := o.cond.Load()
	if cur != nil && cur.State == state && cur.Reason == reason {
		return
	}
	since := time.Now()
	if cur != nil && cur.State == state {
		since = cur.Since
	}
	o.cond.Store(&Condition{State: state, Reason: reason, Since: since})
	obsmetrics.SetCondition(o.source, string(state))
}

// Condition returns the last reported condition.
func (o *Outbox) Condition() Condition {
	if o.parent != nil {
		return o.parent.Condition()
	}
	return *o.cond.Load()
}
