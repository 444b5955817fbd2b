package membership

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	m "github.com/amirimatin/go-peerwatch/pkg/membership"
)

func peers(ids ...string) []m.PeerEndpoint {
	out := make([]m.PeerEndpoint, 0, len(ids))
	for _, id := range ids {
		out = append(out, m.PeerEndpoint{ID: id, Host: "10.0.0." + id, Port: 7000, Ready: true})
	}
	return out
}

func TestView_StartsEmpty(t *testing.T) {
	v := New()
	s := v.Load()
	assert.Equal(t, uint64(0), s.Generation)
	assert.Empty(t, s.Peers)
}

func TestView_PublishRules(t *testing.T) {
	v := New()
	require.NoError(t, v.Publish(m.Snapshot{Generation: 1, Peers: peers("1", "2")}))
	assert.Error(t, v.Publish(m.Snapshot{Generation: 1, Peers: peers("1")}), "generation must increase")
	assert.Error(t, v.Publish(m.Snapshot{Generation: 2, Peers: peers("2", "1")}), "unsorted")
	assert.Error(t, v.Publish(m.Snapshot{Generation: 2, Peers: peers("1", "1")}), "duplicate id")
	assert.Equal(t, uint64(1), v.Load().Generation)
}

func TestView_PublishedSnapshotIsIsolated(t *testing.T) {
	v := New()
	in := peers("1")
	require.NoError(t, v.Publish(m.Snapshot{Generation: 1, Peers: in}))
	in[0].Host = "changed"
	assert.Equal(t, "10.0.0.1", v.Load().Peers[0].Host)
}

func TestView_ConcurrentReaders(t *testing.T) {
	v := New()
	var wg sync.WaitGroup
	stop := make(chan struct{})
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			var last uint64
			for {
				select {
				case <-stop:
					return
				default:
				}
				g := v.Load().Generation
				if g < last {
					t.Errorf("generation went backwards: %d after %d", g, last)
					return
				}
				last = g
			}
		}()
	}
	for g := uint64(1); g <= 200; g++ {
		require.NoError(t, v.Publish(m.Snapshot{Generation: g, Peers: peers("1")}))
	}
	close(stop)
	wg.Wait()
}

func TestEncodeDecodeAndETag(t *testing.T) {
	s := m.Snapshot{Generation: 3, Peers: peers("1", "2")}
	b, err := Encode(s)
	require.NoError(t, err)
	got, err := Decode(b)
	require.NoError(t, err)
	assert.Equal(t, s.Generation, got.Generation)
	assert.Equal(t, []string{"1", "2"}, []string{got.Peers[0].ID, got.Peers[1].ID})

	empty, err := Encode(m.Snapshot{})
	require.NoError(t, err)
	assert.JSONEq(t, `{"generation":0,"peers":[]}`, string(empty))

	seen := s
	seen.Peers = peers("1", "2")
	seen.Peers[0].LastSeen = time.Now()
	assert.Equal(t, Fingerprint(s), Fingerprint(seen), "LastSeen does not change the fingerprint")
	assert.NotEqual(t, ETag(s), ETag(m.Snapshot{Generation: 3, Peers: peers("1")}))

	_, err = Decode([]byte("{"))
	assert.Error(t, err)
}
