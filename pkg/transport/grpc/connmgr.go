package grpc

import (
	"errors"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"

	obsmetrics "github.com/amirimatin/go-peerwatch/pkg/observability/metrics"
)

// connCache shares one ClientConn per management address. grpc.NewClient
// does not dial, so entries are created under the lock, and idle entries are
// swept on access rather than by a background goroutine.
type connCache struct {
	mu    sync.Mutex
	idle  time.Duration
	newCC func(target string) (*grpc.ClientConn, error)
	now   func() time.Time
	conns map[string]*cachedConn
}

type cachedConn struct {
	cc       *grpc.ClientConn
	users    int
	lastUsed time.Time
}

func newConnCache(idle time.Duration, newCC func(string) (*grpc.ClientConn, error)) *connCache {
	if idle <= 0 {
		idle = 30 * time.Second
	}
	return &connCache{idle: idle, newCC: newCC, now: time.Now, conns: map[string]*cachedConn{}}
}

// acquire returns the connection for target and a func releasing it. A
// cached connection that has been shut down is replaced.
func (c *connCache) acquire(target string) (*grpc.ClientConn, func(), error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	c.sweep(now)

	e, ok := c.conns[target]
	if ok && e.cc.GetState() == connectivity.Shutdown {
		delete(c.conns, target)
		obsmetrics.GRPCConnActive.Dec()
		ok = false
	}
	if ok {
		obsmetrics.GRPCConnReuse.Inc()
	} else {
		cc, err := c.newCC(target)
		if err != nil {
			return nil, nil, err
		}
		e = &cachedConn{cc: cc}
		c.conns[target] = e
		obsmetrics.GRPCConnDials.Inc()
		obsmetrics.GRPCConnActive.Inc()
	}
	e.users++
	e.lastUsed = now

	var once sync.Once
	return e.cc, func() { once.Do(func() { c.release(e) }) }, nil
}

func (c *connCache) release(e *cachedConn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e.users--
	e.lastUsed = c.now()
}

// sweep closes connections unused for longer than idle. mu must be held.
func (c *connCache) sweep(now time.Time) {
	for addr, e := range c.conns {
		if e.users == 0 && now.Sub(e.lastUsed) > c.idle {
			_ = e.cc.Close()
			delete(c.conns, addr)
			obsmetrics.GRPCConnEvictions.Inc()
			obsmetrics.GRPCConnActive.Dec()
		}
	}
}

func (c *connCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.conns)
}

// close closes every cached connection, in use or not.
func (c *connCache) close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var errs []error
	for addr, e := range c.conns {
		errs = append(errs, e.cc.Close())
		delete(c.conns, addr)
		obsmetrics.GRPCConnActive.Dec()
	}
	return errors.Join(errs...)
}
