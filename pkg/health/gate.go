// Package health decides which observed peers are eligible for the
// membership view: readiness gating, flap tolerance and optional
// reachability probing.
package health

import (
	"net"
	"strings"

	"golang.org/x/exp/slices"

	"github.com/amirimatin/go-peerwatch/pkg/discovery"
	"github.com/amirimatin/go-peerwatch/pkg/membership"
)

type entry struct {
	// last is the most recent observation, good the most recent ready one.
	last    membership.PeerEndpoint
	good    membership.PeerEndpoint
	hasGood bool
	present bool
	missed  int
	pass    uint64
}

func (e *entry) healthy() bool { return e.present && e.last.Ready }

// Gate folds raw updates into per-peer state and yields the eligible set.
// A peer is eligible once observed ready; it stays eligible, at its last
// ready endpoint, while it has been absent or not ready for at most
// tolerance consecutive cycles. Explicit deletions take effect at once.
// Gate is not safe for concurrent use; the reconciler owns it.
type Gate struct {
	tolerance int
	self      Self
	entries   map[string]*entry
	pass      uint64
}

// Self identifies this node's own entries in discovery results. Backends
// name peers differently (pod name, SRV target, host:port), so an entry is
// self when any of these match:
//   - its ID equals ID, or starts with ID followed by a dot (an SRV target
//     or FQDN whose first label is the node name);
//   - its ID or address equals one of Addrs given as host:port;
//   - its host equals one of Addrs given as a bare host.
type Self struct {
	ID    string
	Addrs []string
}

// Matches reports whether p is this node.
func (s Self) Matches(p membership.PeerEndpoint) bool {
	if s.ID != "" && (p.ID == s.ID || strings.HasPrefix(p.ID, s.ID+".")) {
		return true
	}
	for _, a := range s.Addrs {
		if _, _, err := net.SplitHostPort(a); err == nil {
			if p.ID == a || (p.Host != "" && p.Addr() == a) {
				return true
			}
			continue
		}
		if a != "" && p.Host == a {
			return true
		}
	}
	return false
}

// NewGate returns a gate that never admits entries matching self.
func NewGate(tolerance int, self Self) *Gate {
	if tolerance < 0 {
		tolerance = 0
	}
	return &Gate{tolerance: tolerance, self: self, entries: map[string]*entry{}, pass: 1}
}

// Tolerance returns the configured flap tolerance in cycles.
func (g *Gate) Tolerance() int { return g.tolerance }

// NextPass starts a new reconciliation pass. Within a pass, conflicting
// observations of one id resolve to the most recently observed.
func (g *Gate) NextPass() { g.pass++ }

// Ingest applies one raw update.
func (g *Gate) Ingest(u discovery.Update) {
	switch u.Kind {
	case discovery.UpdateSnapshot:
		g.ingestSnapshot(u.Peers, u.Authoritative)
	case discovery.UpdateDelta:
		for _, c := range u.Changes {
			if g.self.Matches(c.Peer) {
				continue
			}
			if c.Op == discovery.ChangeDelete {
				delete(g.entries, c.Peer.ID)
				continue
			}
			g.observe(c.Peer)
		}
	}
}

// ingestSnapshot counts as one cycle: every known peer missing from it, or
// present but not ready, accrues a miss.
func (g *Gate) ingestSnapshot(peers []membership.PeerEndpoint, authoritative bool) {
	seen := make(map[string]membership.PeerEndpoint, len(peers))
	for _, p := range peers {
		if p.ID == "" || g.self.Matches(p) {
			continue
		}
		if prev, dup := seen[p.ID]; dup && p.LastSeen.Before(prev.LastSeen) {
			continue
		}
		seen[p.ID] = p
	}
	for id, e := range g.entries {
		if _, ok := seen[id]; ok {
			continue
		}
		if authoritative {
			delete(g.entries, id)
			continue
		}
		e.present = false
		e.missed++
	}
	for _, p := range seen {
		e, ok := g.entries[p.ID]
		if ok && e.pass == g.pass && p.LastSeen.Before(e.last.LastSeen) {
			continue
		}
		if !ok {
			e = &entry{}
			g.entries[p.ID] = e
		}
		e.last, e.present, e.pass = p, true, g.pass
		if p.Ready {
			e.good, e.hasGood, e.missed = p, true, 0
		} else {
			e.missed++
		}
	}
	g.prune()
}

// observe applies a delta upsert. A ready peer turning not ready accrues its
// first miss immediately; later misses come from Tick.
func (g *Gate) observe(p membership.PeerEndpoint) {
	e, ok := g.entries[p.ID]
	if ok && e.pass == g.pass && p.LastSeen.Before(e.last.LastSeen) {
		return
	}
	if !ok {
		e = &entry{}
		g.entries[p.ID] = e
	}
	wasHealthy := e.healthy()
	e.last, e.present, e.pass = p, true, g.pass
	switch {
	case p.Ready:
		e.good, e.hasGood, e.missed = p, true, 0
	case wasHealthy:
		e.missed = 1
	}
	g.prune()
}

// Tick counts one cycle for delta sources. It reports whether any peer
// accrued a miss.
func (g *Gate) Tick() bool {
	changed := false
	for _, e := range g.entries {
		if !e.healthy() && e.hasGood {
			e.missed++
			changed = true
		}
	}
	g.prune()
	return changed
}

func (g *Gate) prune() {
	for id, e := range g.entries {
		if e.missed > g.tolerance && (e.hasGood || !e.present) {
			delete(g.entries, id)
		}
	}
}

// Eligible returns the peers that belong in the view, sorted by ID.
func (g *Gate) Eligible() []membership.PeerEndpoint {
	out := make([]membership.PeerEndpoint, 0, len(g.entries))
	for _, e := range g.entries {
		if !e.hasGood || e.missed > g.tolerance {
			continue
		}
		if e.healthy() {
			out = append(out, e.last)
		} else {
			out = append(out, e.good)
		}
	}
	slices.SortFunc(out, func(a, b membership.PeerEndpoint) int { return strings.Compare(a.ID, b.ID) })
	return out
}

// Len returns the number of tracked peers, eligible or not.
func (g *Gate) Len() int { return len(g.entries) }
