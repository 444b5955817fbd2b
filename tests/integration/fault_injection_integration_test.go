//go:build integration

package integration

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/amirimatin/go-peerwatch/pkg/bootstrap"
)

// TestEtcdRegistration_PeerLossAndRejoin needs a reachable etcd, e.g.
// PEERWATCH_ETCD_ENDPOINTS=127.0.0.1:2379.
func TestEtcdRegistration_PeerLossAndRejoin(t *testing.T) {
	endpoints := os.Getenv("PEERWATCH_ETCD_ENDPOINTS")
	if endpoints == "" {
		t.Skip("PEERWATCH_ETCD_ENDPOINTS not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 45*time.Second)
	defer cancel()
	prefix := "/peerwatch-it/" + strings.ReplaceAll(t.Name(), "/", "-") + "/"

	start := func(id string, port int) *bootstrap.Node {
		n, err := bootstrap.Run(ctx, bootstrap.Config{
			NodeID:        id,
			AdvertiseHost: "127.0.0.1",
			Etcd: &bootstrap.EtcdConfig{
				Endpoints: strings.Split(endpoints, ","),
				Prefix:    prefix,
				Register:  &bootstrap.RegisterConfig{Port: port, TTL: 5 * time.Second},
			},
			Debounce:      50 * time.Millisecond,
			CycleInterval: 200 * time.Millisecond,
			Logger:        zap.NewNop(),
		})
		if err != nil {
			t.Fatalf("%s: %v", id, err)
		}
		return n
	}

	n1 := start("n1", 7001)
	defer n1.Stop(context.Background())
	n2 := start("n2", 7002)

	waitUntil(t, 10*time.Second, func() error {
		if _, ok := n1.CurrentSnapshot().Get("n2"); !ok {
			return errNotYet
		}
		if _, ok := n2.CurrentSnapshot().Get("n1"); !ok {
			return errNotYet
		}
		return nil
	})

	// stopping n2 revokes its lease, which n1 observes as a delete
	if err := n2.Stop(context.Background()); err != nil {
		t.Fatalf("stop n2: %v", err)
	}
	waitUntil(t, 10*time.Second, func() error {
		if _, ok := n1.CurrentSnapshot().Get("n2"); ok {
			return errNotYet
		}
		return nil
	})

	n2 = start("n2", 7002)
	defer n2.Stop(context.Background())
	waitUntil(t, 10*time.Second, func() error {
		p, ok := n1.CurrentSnapshot().Get("n2")
		if !ok || p.Port != 7002 {
			return errNotYet
		}
		return nil
	})
}
