//go:build integration

package integration

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/amirimatin/go-peerwatch/pkg/bootstrap"
	"github.com/amirimatin/go-peerwatch/pkg/membership"
	"github.com/amirimatin/go-peerwatch/pkg/transport"
)

func TestFileReload_StreamsMinimalEvents(t *testing.T) {
	for _, proto := range []string{"http", "grpc"} {
		t.Run(proto, func(t *testing.T) {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()

			doc := filepath.Join(t.TempDir(), "peers.json")
			writePeers(t, doc, "10.0.0.1:7000", "10.0.0.2:7000")
			n, err := bootstrap.Run(ctx, bootstrap.Config{
				NodeID:   "n1",
				File:     &bootstrap.FileConfig{Path: doc, ReloadInterval: 100 * time.Millisecond},
				Debounce: 50 * time.Millisecond,
				Mgmt:     bootstrap.MgmtConfig{Addr: "127.0.0.1:0", Proto: proto},
				Logger:   zap.NewNop(),
			})
			if err != nil {
				t.Fatalf("run: %v", err)
			}
			defer n.Stop(context.Background())

			cli, err := bootstrap.NewClient(bootstrap.MgmtConfig{Proto: proto}, 3*time.Second)
			if err != nil {
				t.Fatal(err)
			}
			waitUntil(t, 5*time.Second, func() error {
				s, err := fetchStatus(ctx, cli, n.MgmtAddr())
				if err != nil {
					return err
				}
				if s.Peers != 2 {
					return errNotYet
				}
				return nil
			})

			var (
				mu     sync.Mutex
				frames []transport.StreamMessage
			)
			wctx, wcancel := context.WithCancel(ctx)
			defer wcancel()
			go func() {
				_ = cli.Watch(wctx, n.MgmtAddr(), func(m transport.StreamMessage) error {
					mu.Lock()
					frames = append(frames, m)
					mu.Unlock()
					return nil
				})
			}()
			waitUntil(t, 5*time.Second, func() error {
				mu.Lock()
				defer mu.Unlock()
				if len(frames) == 0 {
					return errNotYet
				}
				return nil
			})

			writePeers(t, doc, "10.0.0.2:7000", "10.0.0.3:7000")
			waitUntil(t, 5*time.Second, func() error {
				mu.Lock()
				defer mu.Unlock()
				if len(frames) < 3 {
					return errNotYet
				}
				return nil
			})

			mu.Lock()
			defer mu.Unlock()
			if frames[0].Snapshot == nil || len(frames[0].Snapshot.Peers) != 2 {
				t.Fatalf("first frame is not the snapshot: %+v", frames[0])
			}
			removed, added := frames[1].Event, frames[2].Event
			if removed == nil || removed.Type != membership.EventRemoved || removed.Peer.ID != "10.0.0.1:7000" {
				t.Fatalf("want removal of 10.0.0.1:7000 first, got %+v", frames[1])
			}
			if added == nil || added.Type != membership.EventAdded || added.Peer.ID != "10.0.0.3:7000" {
				t.Fatalf("want addition of 10.0.0.3:7000, got %+v", frames[2])
			}
			if removed.Generation != added.Generation || removed.Generation != frames[0].Snapshot.Generation+1 {
				t.Fatalf("events of one reload must share the next generation: %d %d", removed.Generation, added.Generation)
			}
		})
	}
}
