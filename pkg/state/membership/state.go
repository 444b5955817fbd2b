package membership

import (
	"encoding/json"
	"fmt"
	"strconv"
	"sync/atomic"

	"github.com/twmb/murmur3"

	m "github.com/amirimatin/go-peerwatch/pkg/membership"
	base "github.com/amirimatin/go-peerwatch/pkg/state"
)

// View holds the published membership snapshot. Readers never block;
// a single writer swaps in whole generations.
type View struct {
	cur atomic.Pointer[m.Snapshot]
}

// New returns a view at generation 0 with no peers.
func New() *View {
	v := &View{}
	v.cur.Store(&m.Snapshot{Peers: []m.PeerEndpoint{}})
	return v
}

// Load returns the current snapshot. Its Peers slice must not be modified.
func (v *View) Load() m.Snapshot { return *v.cur.Load() }

// Publish installs s. The generation must increase and peers must be sorted
// by unique, non-empty ID.
func (v *View) Publish(s m.Snapshot) error {
	cur := v.cur.Load()
	if s.Generation <= cur.Generation {
		return fmt.Errorf("state: generation %d does not follow %d", s.Generation, cur.Generation)
	}
	for i, p := range s.Peers {
		if p.ID == "" {
			return fmt.Errorf("state: empty peer id at %d", i)
		}
		if i > 0 && s.Peers[i-1].ID >= p.ID {
			return fmt.Errorf("state: peers not sorted or duplicated at %q", p.ID)
		}
	}
	peers := make([]m.PeerEndpoint, len(s.Peers))
	copy(peers, s.Peers)
	v.cur.Store(&m.Snapshot{Generation: s.Generation, Peers: peers})
	return nil
}

// Encode renders a snapshot as stable JSON.
func Encode(s m.Snapshot) ([]byte, error) {
	if s.Peers == nil {
		s.Peers = []m.PeerEndpoint{}
	}
	return json.Marshal(s)
}

// Decode parses a snapshot produced by Encode.
func Decode(b []byte) (m.Snapshot, error) {
	var s m.Snapshot
	if err := json.Unmarshal(b, &s); err != nil {
		return m.Snapshot{}, fmt.Errorf("state: decode snapshot: %w", err)
	}
	return s, nil
}

// Fingerprint hashes the membership content of s. LastSeen does not
// contribute, so equal memberships hash equally across generations.
func Fingerprint(s m.Snapshot) uint64 {
	h := murmur3.New64()
	for _, p := range s.Peers {
		_, _ = h.Write([]byte(p.ID))
		_, _ = h.Write([]byte{0})
		_, _ = h.Write([]byte(p.Addr()))
		if p.Ready {
			_, _ = h.Write([]byte{1})
		} else {
			_, _ = h.Write([]byte{0})
		}
	}
	return h.Sum64()
}

// ETag returns an HTTP entity tag for s.
func ETag(s m.Snapshot) string {
	return `"` + strconv.FormatUint(s.Generation, 10) + "-" + strconv.FormatUint(Fingerprint(s), 16) + `"`
}

var (
	_ base.Reader    = (*View)(nil)
	_ base.Publisher = (*View)(nil)
)
