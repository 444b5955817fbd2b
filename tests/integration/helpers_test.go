//go:build integration

package integration

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/amirimatin/go-peerwatch/pkg/discovery/static"
	"github.com/amirimatin/go-peerwatch/pkg/transport"
)

type status struct {
	NodeID      string `json:"nodeId"`
	Generation  uint64 `json:"generation"`
	Peers       int    `json:"peers"`
	ClusterSize int    `json:"clusterSize"`
	Healthy     bool   `json:"healthy"`
	Source      string `json:"source"`
}

var errNotYet = &temporaryError{}

type temporaryError struct{}

func (e *temporaryError) Error() string { return "not yet" }

func waitUntil(t *testing.T, timeout time.Duration, fn func() error) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	var last error
	for time.Now().Before(deadline) {
		if err := fn(); err == nil {
			return
		} else {
			last = err
		}
		time.Sleep(200 * time.Millisecond)
	}
	t.Fatalf("timeout waiting for condition: %v", last)
}

func fetchStatus(ctx context.Context, cli transport.RPCClient, addr string) (status, error) {
	var s status
	b, err := cli.GetStatus(ctx, addr)
	if err != nil {
		return s, err
	}
	if err := json.Unmarshal(b, &s); err != nil {
		return s, err
	}
	return s, nil
}

// writePeers atomically replaces the peer document at path.
func writePeers(t *testing.T, path string, peers ...string) {
	t.Helper()
	if peers == nil {
		peers = []string{}
	}
	b, err := json.Marshal(static.Document{Peers: peers})
	if err != nil {
		t.Fatal(err)
	}
	tmp := filepath.Join(filepath.Dir(path), ".peers.tmp")
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.Rename(tmp, path); err != nil {
		t.Fatal(err)
	}
}
