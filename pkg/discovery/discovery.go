package discovery

import (
	"context"
	"time"

	"github.com/amirimatin/go-peerwatch/pkg/membership"
)

// Source abstracts a discovery backend. Run produces raw updates into out
// until ctx is cancelled or a fatal condition occurs. Implementations decide
// whether they emit full snapshots or incremental deltas.
type Source interface {
	// Name identifies the backend in logs and metrics ("dns", "watch", "file").
	Name() string
	// Run blocks until ctx is done (returning nil) or discovery cannot continue
	// (returning a non-nil error, typically wrapping ErrUnauthorized or ErrMalformed).
	Run(ctx context.Context, out *Outbox) error
}

// Refresher is an optional capability of a Source: request an immediate
// poll, reload or relist instead of waiting for the next cycle.
type Refresher interface {
	Refresh()
}

type UpdateKind int

const (
	// UpdateSnapshot carries the full peer set as currently known by the source.
	UpdateSnapshot UpdateKind = iota
	// UpdateDelta carries incremental changes.
	UpdateDelta
)

func (k UpdateKind) String() string {
	if k == UpdateDelta {
		return "delta"
	}
	return "snapshot"
}

type ChangeOp int

const (
	// ChangeUpsert adds or modifies a peer.
	ChangeUpsert ChangeOp = iota
	// ChangeDelete is an explicit deletion issued by the backend.
	ChangeDelete
)

// Change is a single incremental modification within a delta update.
type Change struct {
	Op   ChangeOp
	Peer membership.PeerEndpoint
}

// Update is one unit of raw discovery output.
type Update struct {
	Kind UpdateKind
	// Peers is the full set for snapshot updates.
	Peers []membership.PeerEndpoint
	// Authoritative marks a snapshot whose omissions are explicit deletions
	// (watch relists, static documents) rather than possibly transient absence.
	Authoritative bool
	// Changes is the ordered change list for delta updates.
	Changes []Change
	// ObservedAt is when the source produced the update.
	ObservedAt time.Time
}

// Snapshot builds a snapshot update.
func Snapshot(peers []membership.PeerEndpoint, authoritative bool) Update {
	return Update{Kind: UpdateSnapshot, Peers: peers, Authoritative: authoritative, ObservedAt: time.Now()}
}

// Delta builds a delta update.
func Delta(changes ...Change) Update {
	return Update{Kind: UpdateDelta, Changes: changes, ObservedAt: time.Now()}
}
