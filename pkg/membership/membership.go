package membership

import (
	"net"
	"strconv"
	"strings"
	"time"

	"golang.org/x/exp/slices"
)

// PeerEndpoint describes a peer as observed by a discovery backend. ID is the
// stable identity of the peer; Host and Port churn as pods are rescheduled.
type PeerEndpoint struct {
	ID       string    `json:"id"`
	Host     string    `json:"host"`
	Port     int       `json:"port"`
	Ready    bool      `json:"ready"`
	LastSeen time.Time `json:"lastSeen"`
}

// Addr returns the host:port form of the endpoint.
func (p PeerEndpoint) Addr() string {
	return net.JoinHostPort(p.Host, strconv.Itoa(p.Port))
}

// SameAs reports whether p and o describe the same endpoint. LastSeen is
// observational and deliberately ignored so that re-observing an unchanged
// peer never counts as a change.
func (p PeerEndpoint) SameAs(o PeerEndpoint) bool {
	return p.ID == o.ID && p.Host == o.Host && p.Port == o.Port && p.Ready == o.Ready
}

type EventType string

const (
	// EventAdded indicates a peer became eligible and entered the view.
	EventAdded EventType = "added"
	// EventRemoved indicates a peer left the view.
	EventRemoved EventType = "removed"
	// EventUpdated indicates a peer in the view changed address or state.
	EventUpdated EventType = "updated"
)

// Event is a committed membership change. Generation is the generation of the
// view that contains the change. For EventRemoved only Peer.ID is guaranteed;
// the last committed endpoint is attached when known.
type Event struct {
	Type       EventType    `json:"type"`
	Peer       PeerEndpoint `json:"peer"`
	Generation uint64       `json:"generation"`
	At         time.Time    `json:"at"`
}

// Snapshot is an immutable, versioned membership view. Peers are sorted by ID
// and must not be modified by readers.
type Snapshot struct {
	Generation uint64         `json:"generation"`
	Peers      []PeerEndpoint `json:"peers"`
}

// Get returns the peer with the given id.
func (s Snapshot) Get(id string) (PeerEndpoint, bool) {
	lo, hi := 0, len(s.Peers)
	for lo < hi {
		mid := (lo + hi) / 2
		if s.Peers[mid].ID < id {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	if lo < len(s.Peers) && s.Peers[lo].ID == id {
		return s.Peers[lo], true
	}
	return PeerEndpoint{}, false
}

// Len returns the number of peers in the snapshot.
func (s Snapshot) Len() int { return len(s.Peers) }

// SortPeers sorts peers by ID in place and returns them.
func SortPeers(peers []PeerEndpoint) []PeerEndpoint {
	slices.SortFunc(peers, func(a, b PeerEndpoint) int { return strings.Compare(a.ID, b.ID) })
	return peers
}
