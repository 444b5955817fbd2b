package cluster

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/amirimatin/go-peerwatch/pkg/membership"
	obsmetrics "github.com/amirimatin/go-peerwatch/pkg/observability/metrics"
	statemembership "github.com/amirimatin/go-peerwatch/pkg/state/membership"
)

// Subscription is an ordered stream of committed events that starts right
// after Snapshot. Events is closed when the subscription ends; Err then tells
// why (nil after Close or context cancellation).
type Subscription struct {
	id   string
	snap membership.Snapshot
	ch   chan membership.Event
	done chan struct{}

	mu     sync.Mutex
	err    error
	closed bool
	n      *Notifier
}

// ID identifies the subscription in logs.
func (s *Subscription) ID() string { return s.id }

// Snapshot is the view at subscription time. Every event on Events has a
// greater generation.
func (s *Subscription) Snapshot() membership.Snapshot { return s.snap }

// Events returns the event channel.
func (s *Subscription) Events() <-chan membership.Event { return s.ch }

// Err returns why the subscription ended, or nil while it is active.
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Done is closed when the subscription ends.
func (s *Subscription) Done() <-chan struct{} { return s.done }

// Close ends the subscription.
func (s *Subscription) Close() { s.n.remove(s, nil) }

// end must be called with the notifier lock held.
func (s *Subscription) end(err error) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.closed = true
	s.err = err
	close(s.ch)
	close(s.done)
	return true
}

// Notifier publishes new generations of the view and fans their events out.
// Publishing and fan-out happen under one lock, so a subscriber never misses
// or repeats an event relative to its starting snapshot.
type Notifier struct {
	mu   sync.Mutex
	view *statemembership.View
	subs map[*Subscription]struct{}
	buf  int
	log  *zap.Logger
	// closedWith is set once the notifier stops accepting subscribers.
	closedWith error
}

// NewNotifier fans out over view with per-subscriber buffers of size buf.
func NewNotifier(view *statemembership.View, buf int, log *zap.Logger) *Notifier {
	if buf <= 0 {
		buf = DefaultSubscriberBuffer
	}
	return &Notifier{view: view, subs: map[*Subscription]struct{}{}, buf: buf, log: log}
}

// Commit publishes s and delivers events to every subscriber. A subscriber
// without room for all events is terminated with ErrSlowSubscriber instead of
// receiving a partial generation.
func (n *Notifier) Commit(s membership.Snapshot, events []membership.Event) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if err := n.view.Publish(s); err != nil {
		return err
	}
	for sub := range n.subs {
		if cap(sub.ch)-len(sub.ch) < len(events) {
			n.log.Warn("terminating slow subscriber", zap.String("subscription", sub.id), zap.Uint64("generation", s.Generation))
			obsmetrics.SlowSubscribers.Inc()
			n.drop(sub, ErrSlowSubscriber)
			continue
		}
		for _, ev := range events {
			sub.ch <- ev
		}
	}
	return nil
}

// Subscribe registers a subscriber. It ends when ctx is done.
func (n *Notifier) Subscribe(ctx context.Context) (*Subscription, error) {
	n.mu.Lock()
	if n.closedWith != nil {
		err := n.closedWith
		n.mu.Unlock()
		return nil, err
	}
	sub := &Subscription{
		id:   uuid.NewString(),
		snap: n.view.Load(),
		ch:   make(chan membership.Event, n.buf),
		done: make(chan struct{}),
		n:    n,
	}
	n.subs[sub] = struct{}{}
	obsmetrics.Subscribers.Set(float64(len(n.subs)))
	n.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
			n.remove(sub, nil)
		case <-sub.done:
		}
	}()
	return sub, nil
}

// CloseAll ends every subscription with err and refuses new ones.
func (n *Notifier) CloseAll(err error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closedWith == nil {
		n.closedWith = err
	}
	for sub := range n.subs {
		n.drop(sub, err)
	}
}

// Len returns the number of active subscribers.
func (n *Notifier) Len() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.subs)
}

func (n *Notifier) remove(sub *Subscription, err error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.drop(sub, err)
}

func (n *Notifier) drop(sub *Subscription, err error) {
	if _, ok := n.subs[sub]; !ok {
		return
	}
	delete(n.subs, sub)
	sub.end(err)
	obsmetrics.Subscribers.Set(float64(len(n.subs)))
}
