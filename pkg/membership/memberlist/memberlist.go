// Package memberlist seeds a HashiCorp memberlist gossip pool from discovered
// peers. Discovery decides who should be in the pool; memberlist then handles
// failure detection among the members that actually joined.
package memberlist

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/hashicorp/memberlist"
	"go.uber.org/zap"

	"github.com/amirimatin/go-peerwatch/internal/logutil"
	base "github.com/amirimatin/go-peerwatch/pkg/membership"
)

// Options configures the gossip seeder.
type Options struct {
	// NodeID is the unique node identifier.
	NodeID string

	// Bind is the bind address in host:port form (e.g. ":7946" or "0.0.0.0:7946").
	Bind string

	// Advertise is the advertised address (host:port) that peers will use to reach this node.
	// If empty, memberlist derives it from Bind.
	Advertise string

	// GossipPort is the port peers gossip on. Zero joins each peer on its
	// discovered port.
	GossipPort int

	// Meta is optional metadata associated with the node.
	Meta map[string]string

	Logger *zap.Logger

	// Tuning parameters (optional). Zero means use defaults.
	ProbeInterval time.Duration
	ProbeTimeout  time.Duration
	SuspicionMult int
}

// MemberInfo describes a gossip pool member.
type MemberInfo struct {
	ID   string
	Addr string
	Meta map[string]string
}

// Seeder joins discovered peers into a memberlist pool. It implements the
// cluster event handler contract through HandleEvent.
type Seeder struct {
	mu     sync.RWMutex
	opts   Options
	log    *zap.Logger
	ml     *memberlist.Memberlist
	joined map[string]string // peer id -> gossip address
	closed bool
}

// New constructs a seeder. Start must be called before events are handled.
func New(opts Options) (*Seeder, error) {
	if opts.NodeID == "" {
		return nil, fmt.Errorf("memberlist: empty NodeID")
	}
	if opts.Bind == "" {
		return nil, fmt.Errorf("memberlist: empty Bind address")
	}
	if opts.GossipPort < 0 || opts.GossipPort > 65535 {
		return nil, fmt.Errorf("memberlist: invalid gossip port %d", opts.GossipPort)
	}
	return &Seeder{
		opts:   opts,
		log:    logutil.OrNop(opts.Logger).Named("gossip"),
		joined: map[string]string{},
	}, nil
}

// Start creates and launches the underlying memberlist instance.
func (m *Seeder) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ml != nil {
		return nil
	}

	cfg := memberlist.DefaultLANConfig()
	cfg.Name = m.opts.NodeID
	cfg.Logger = zap.NewStdLog(m.log)
	host, port, err := splitHostPort(m.opts.Bind)
	if err != nil {
		return fmt.Errorf("memberlist: invalid bind address %q: %w", m.opts.Bind, err)
	}
	cfg.BindAddr = host
	cfg.BindPort = port

	if m.opts.Advertise != "" {
		ahost, aport, err := splitHostPort(m.opts.Advertise)
		if err != nil {
			return fmt.Errorf("memberlist: invalid advertise address %q: %w", m.opts.Advertise, err)
		}
		cfg.AdvertiseAddr = ahost
		cfg.AdvertisePort = aport
	}

	if m.opts.ProbeInterval > 0 {
		cfg.ProbeInterval = m.opts.ProbeInterval
	}
	if m.opts.ProbeTimeout > 0 {
		cfg.ProbeTimeout = m.opts.ProbeTimeout
	}
	if m.opts.SuspicionMult > 0 {
		cfg.SuspicionMult = m.opts.SuspicionMult
	}

	cfg.Events = &eventDelegate{log: m.log}
	metaBytes, _ := json.Marshal(m.opts.Meta)
	cfg.Delegate = &nodeDelegate{meta: metaBytes}

	ml, err := memberlist.Create(cfg)
	if err != nil {
		return err
	}
	m.ml = ml

	go func() {
		<-ctx.Done()
		_ = m.Stop()
	}()
	return nil
}

// GossipAddr returns the address a peer is joined on.
func (m *Seeder) GossipAddr(p base.PeerEndpoint) string {
	port := p.Port
	if m.opts.GossipPort > 0 {
		port = m.opts.GossipPort
	}
	return net.JoinHostPort(p.Host, strconv.Itoa(port))
}

// HandleEvent joins added or moved peers into the pool. Removed peers are
// only forgotten; memberlist detects their departure itself.
func (m *Seeder) HandleEvent(_ context.Context, ev base.Event) error {
	if ev.Peer.ID == m.opts.NodeID {
		return nil
	}
	switch ev.Type {
	case base.EventRemoved:
		m.mu.Lock()
		delete(m.joined, ev.Peer.ID)
		m.mu.Unlock()
		return nil
	case base.EventAdded, base.EventUpdated:
	default:
		return nil
	}
	addr := m.GossipAddr(ev.Peer)
	m.mu.RLock()
	ml := m.ml
	prev, ok := m.joined[ev.Peer.ID]
	m.mu.RUnlock()
	if ml == nil {
		return fmt.Errorf("memberlist: not started")
	}
	if ok && prev == addr {
		return nil
	}
	if _, err := ml.Join([]string{addr}); err != nil {
		return fmt.Errorf("memberlist: join %s at %s: %w", ev.Peer.ID, addr, err)
	}
	m.mu.Lock()
	m.joined[ev.Peer.ID] = addr
	m.mu.Unlock()
	m.log.Debug("joined peer", logutil.Peer(ev.Peer.ID), zap.String("addr", addr))
	return nil
}

// Local returns this node as seen by the pool.
func (m *Seeder) Local() MemberInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.ml == nil {
		return MemberInfo{}
	}
	return memberInfo(m.ml.LocalNode())
}

// Members returns the live pool members, including this node.
func (m *Seeder) Members() []MemberInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.ml == nil {
		return nil
	}
	nodes := m.ml.Members()
	out := make([]MemberInfo, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, memberInfo(n))
	}
	return out
}

// Leave broadcasts a graceful departure.
func (m *Seeder) Leave() error {
	m.mu.RLock()
	ml := m.ml
	m.mu.RUnlock()
	if ml == nil {
		return nil
	}
	// best-effort: leave and give some time to broadcast
	return ml.Leave(time.Second)
}

func (m *Seeder) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	if m.ml != nil {
		err := m.ml.Shutdown()
		m.ml = nil
		return err
	}
	return nil
}

// HealthScore exposes memberlist's awareness score if available.
// Implements membership.HealthReporter.
func (m *Seeder) HealthScore() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.ml == nil {
		return -1
	}
	return m.ml.GetHealthScore()
}

var _ base.HealthReporter = (*Seeder)(nil)

func memberInfo(n *memberlist.Node) MemberInfo {
	meta := map[string]string{}
	if len(n.Meta) > 0 {
		_ = json.Unmarshal(n.Meta, &meta)
	}
	return MemberInfo{ID: n.Name, Addr: net.JoinHostPort(n.Addr.String(), strconv.Itoa(int(n.Port))), Meta: meta}
}

// eventDelegate logs pool changes.
type eventDelegate struct {
	log *zap.Logger
}

func (d *eventDelegate) NotifyJoin(n *memberlist.Node) {
	d.log.Info("gossip member joined", zap.String("member", n.Name), zap.String("addr", n.Address()))
}

func (d *eventDelegate) NotifyLeave(n *memberlist.Node) {
	// memberlist conflates explicit leave and failure
	d.log.Info("gossip member left", zap.String("member", n.Name), zap.String("addr", n.Address()))
}

func (d *eventDelegate) NotifyUpdate(n *memberlist.Node) {
	d.log.Debug("gossip member updated", zap.String("member", n.Name))
}

func splitHostPort(addr string) (string, int, error) {
	host, ps, err := net.SplitHostPort(addr)
	if err != nil {
		return "", 0, err
	}
	p, err := strconv.Atoi(ps)
	if err != nil || p < 0 || p > 65535 {
		return "", 0, fmt.Errorf("invalid port: %q", ps)
	}
	return host, p, nil
}

// nodeDelegate implements memberlist.Delegate to propagate node metadata (e.g., mgmt address).
type nodeDelegate struct{ meta []byte }

// NodeMeta is used to retrieve meta-data about the current node when broadcasting
// an alive message. The returned byte slice will be truncated to the given limit,
// as it will be broadcast in gossip.
func (d *nodeDelegate) NodeMeta(limit int) []byte {
	if len(d.meta) <= limit {
		return d.meta
	}
	if limit <= 0 {
		return nil
	}
	return d.meta[:limit]
}

// Unused hooks; required to satisfy the interface.
func (d *nodeDelegate) NotifyMsg([]byte)                       {}
func (d *nodeDelegate) GetBroadcasts(int, int) [][]byte        { return nil }
func (d *nodeDelegate) LocalState(join bool) []byte            { return nil }
func (d *nodeDelegate) MergeRemoteState(buf []byte, join bool) {}
