package state

import "github.com/amirimatin/go-peerwatch/pkg/membership"

// Reader exposes the current membership view without blocking.
type Reader interface {
	Load() membership.Snapshot
}

// Publisher installs a new generation of the view.
type Publisher interface {
	Publish(s membership.Snapshot) error
}
