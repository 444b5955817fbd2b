package grpc

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/backoff"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/status"

	"github.com/amirimatin/go-peerwatch/pkg/membership"
	"github.com/amirimatin/go-peerwatch/pkg/transport"
)

type Client struct {
	timeout time.Duration
	tlsCfg  *tls.Config

	mu    sync.Mutex
	conns *connCache
}

func NewClient(timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &Client{timeout: timeout}
}

// UseTLS sets TLS config for the client.
func (c *Client) UseTLS(cfg *tls.Config) *Client { c.tlsCfg = cfg; return c }

func (c *Client) newConn(target string) (*grpc.ClientConn, error) {
	// Use JSON codec and set content subtype accordingly.
	opts := []grpc.DialOption{
		grpc.WithDefaultCallOptions(grpc.ForceCodec(jsonCodec{}), grpc.CallContentSubtype("json")),
		grpc.WithConnectParams(grpc.ConnectParams{Backoff: backoff.DefaultConfig, MinConnectTimeout: 500 * time.Millisecond}),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{Time: 20 * time.Second, Timeout: 5 * time.Second, PermitWithoutStream: true}),
	}
	if c.tlsCfg != nil {
		opts = append(opts, grpc.WithTransportCredentials(credentials.NewTLS(c.tlsCfg)))
	} else {
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}
	return grpc.NewClient(target, opts...)
}

func (c *Client) GetStatus(ctx context.Context, addr string) ([]byte, error) {
	cctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	cc, rel, err := c.getConn(addr)
	if err != nil {
		return nil, err
	}
	defer rel()
	out := new(statusBlob)
	if err := cc.Invoke(cctx, "/"+serviceName+"/GetStatus", &empty{}, out); err != nil {
		return nil, fromStatus(err)
	}
	return out.Data, nil
}

func (c *Client) GetSnapshot(ctx context.Context, addr string) (membership.Snapshot, error) {
	cctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	var out membership.Snapshot
	cc, rel, err := c.getConn(addr)
	if err != nil {
		return out, err
	}
	defer rel()
	if err := cc.Invoke(cctx, "/"+serviceName+"/GetSnapshot", &empty{}, &out); err != nil {
		return membership.Snapshot{}, fromStatus(err)
	}
	return out, nil
}

func (c *Client) PostRefresh(ctx context.Context, addr string) error {
	cctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	cc, rel, err := c.getConn(addr)
	if err != nil {
		return err
	}
	defer rel()
	if err := cc.Invoke(cctx, "/"+serviceName+"/Refresh", &empty{}, &empty{}); err != nil {
		return fromStatus(err)
	}
	return nil
}

// Watch opens the Events server stream and hands each frame to fn. It returns
// nil when the server ends the stream cleanly.
func (c *Client) Watch(ctx context.Context, addr string, fn func(transport.StreamMessage) error) error {
	cc, rel, err := c.getConn(addr)
	if err != nil {
		return err
	}
	defer rel()
	desc := &grpc.StreamDesc{StreamName: "Events", ServerStreams: true}
	st, err := cc.NewStream(ctx, desc, "/"+serviceName+"/Events")
	if err != nil {
		return fromStatus(err)
	}
	if err := st.SendMsg(&empty{}); err != nil {
		return fromStatus(err)
	}
	if err := st.CloseSend(); err != nil {
		return err
	}
	for {
		var msg transport.StreamMessage
		if err := st.RecvMsg(&msg); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			if ctx.Err() != nil {
				return nil
			}
			if s, ok := status.FromError(err); ok && s.Code() == codes.Aborted {
				_ = fn(transport.StreamMessage{Error: s.Message()})
				return fmt.Errorf("grpc: stream ended: %s", s.Message())
			}
			return fromStatus(err)
		}
		if err := fn(msg); err != nil {
			return err
		}
	}
}

// Close releases cached connections.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conns != nil {
		_ = c.conns.close()
		c.conns = nil
	}
}

func fromStatus(err error) error {
	s, ok := status.FromError(err)
	if !ok {
		return err
	}
	switch s.Code() {
	case codes.Unimplemented:
		return fmt.Errorf("%w: %s", transport.ErrUnsupported, s.Message())
	case codes.Unavailable:
		return fmt.Errorf("%w: %s", transport.ErrUnavailable, s.Message())
	}
	return err
}

var _ transport.RPCClient = (*Client)(nil)

// getConn returns the shared connection for addr and its release func.
func (c *Client) getConn(addr string) (*grpc.ClientConn, func(), error) {
	c.mu.Lock()
	if c.conns == nil {
		c.conns = newConnCache(30*time.Second, c.newConn)
	}
	conns := c.conns
	c.mu.Unlock()
	return conns.acquire(addr)
}
