// Command gossipdemo seeds a memberlist pool from a static peer list. Start a
// few instances on different ports, each listing the others' gossip
// addresses, and watch the pool converge.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/amirimatin/go-peerwatch/internal/logutil"
	"github.com/amirimatin/go-peerwatch/pkg/cluster"
	dFile "github.com/amirimatin/go-peerwatch/pkg/discovery/file"
	"github.com/amirimatin/go-peerwatch/pkg/discovery/static"
	"github.com/amirimatin/go-peerwatch/pkg/membership"
	ml "github.com/amirimatin/go-peerwatch/pkg/membership/memberlist"
)

// flagPeers serves the --peers list as a peer document.
type flagPeers string

func (f flagPeers) Fetch(context.Context) ([]byte, error) {
	peers := static.Parse(string(f))
	if peers == nil {
		peers = []string{}
	}
	return json.Marshal(static.Document{Peers: peers})
}

func (f flagPeers) Location() string { return "--peers" }

func main() {
	var (
		id        = flag.String("id", "node-1", "node id")
		bind      = flag.String("bind", "127.0.0.1:7946", "gossip bind host:port")
		advertise = flag.String("advertise", "", "gossip advertise host:port (optional)")
		peersCSV  = flag.String("peers", "", "comma-separated gossip addresses of the other nodes (host:port)")
		logFormat = flag.String("log-format", "", "console|json")
	)
	flag.Parse()

	log, err := logutil.New(*logFormat, "info")
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer log.Sync()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	src, err := dFile.New(ctx, dFile.Options{Fetcher: flagPeers(*peersCSV), Logger: log})
	if err != nil {
		log.Fatal("peer list", zap.Error(err))
	}
	seeder, err := ml.New(ml.Options{NodeID: *id, Bind: *bind, Advertise: *advertise, Logger: log})
	if err != nil {
		log.Fatal("gossip", zap.Error(err))
	}
	if err := seeder.Start(ctx); err != nil {
		log.Fatal("gossip start", zap.Error(err))
	}

	printer := cluster.EventHandlerFunc(func(_ context.Context, ev membership.Event) error {
		fmt.Printf("event: %-7s id=%s addr=%s gen=%d\n", ev.Type, ev.Peer.ID, ev.Peer.Addr(), ev.Generation)
		return nil
	})
	// static peers are identified by host:port
	c, err := cluster.New(cluster.Options{
		NodeID:   *bind,
		Source:   src,
		Logger:   log,
		Handlers: []cluster.EventHandler{printer, seeder},
	})
	if err != nil {
		log.Fatal("cluster", zap.Error(err))
	}
	if err := c.Start(ctx); err != nil {
		log.Fatal("cluster start", zap.Error(err))
	}
	fmt.Println("gossipdemo started. Press Ctrl+C to exit.")

	t := time.NewTicker(5 * time.Second)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			_ = seeder.Leave()
			_ = c.Stop(context.Background())
			_ = seeder.Stop()
			return
		case <-t.C:
			members := seeder.Members()
			fmt.Printf("pool: %d members, health score %d\n", len(members), seeder.HealthScore())
		}
	}
}
