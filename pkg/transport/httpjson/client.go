package httpjson

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/amirimatin/go-peerwatch/pkg/membership"
	statemembership "github.com/amirimatin/go-peerwatch/pkg/state/membership"
	"github.com/amirimatin/go-peerwatch/pkg/transport"
)

// Client is a thin HTTP client for the management API. It supports optional
// TLS configuration and simple retry with backoff for robustness.
type Client struct {
	httpc     *http.Client
	streamc   *http.Client
	transport *http.Transport
	isTLS     bool
}

// NewClient constructs a new Client with the given timeout. The timeout does
// not apply to Watch, which runs until its context ends.
func NewClient(timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	tr := &http.Transport{}
	return &Client{
		httpc:     &http.Client{Timeout: timeout, Transport: tr},
		streamc:   &http.Client{Transport: tr},
		transport: tr,
	}
}

// UseTLS sets the TLS config for the underlying HTTP client and switches the
// request scheme to https.
func (c *Client) UseTLS(cfg *tls.Config) *Client {
	if c.transport != nil {
		c.transport.TLSClientConfig = cfg
	}
	c.isTLS = cfg != nil
	return c
}

func (c *Client) url(addr, path string) string {
	if strings.Contains(addr, "://") {
		return strings.TrimSuffix(addr, "/") + path
	}
	scheme := "http"
	if c.isTLS {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s%s", scheme, addr, path)
}

// do sends a request built by mk, retrying transport errors and 5xx replies
// other than 501 and 503 up to three times.
func (c *Client) do(ctx context.Context, mk func() (*http.Request, error)) ([]byte, error) {
	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		req, err := mk()
		if err != nil {
			return nil, err
		}
		resp, err := c.httpc.Do(req)
		if err != nil {
			lastErr = err
		} else {
			b, rerr := io.ReadAll(resp.Body)
			_ = resp.Body.Close()
			switch {
			case rerr != nil:
				lastErr = rerr
			case resp.StatusCode < 300:
				return b, nil
			default:
				lastErr = statusError(resp.StatusCode, b)
				if resp.StatusCode < 500 || resp.StatusCode == http.StatusNotImplemented || resp.StatusCode == http.StatusServiceUnavailable {
					return nil, lastErr
				}
			}
		}
		// backoff unless context is done
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Duration(100*(1<<attempt)) * time.Millisecond):
		}
	}
	return nil, lastErr
}

func statusError(code int, body []byte) error {
	msg := strings.TrimSpace(string(body))
	switch code {
	case http.StatusNotImplemented:
		return fmt.Errorf("%w: %s", transport.ErrUnsupported, msg)
	case http.StatusServiceUnavailable:
		return fmt.Errorf("%w: %s", transport.ErrUnavailable, msg)
	}
	return fmt.Errorf("status %d: %s", code, msg)
}

func (c *Client) GetStatus(ctx context.Context, addr string) ([]byte, error) {
	return c.do(ctx, func() (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, c.url(addr, "/status"), nil)
	})
}

func (c *Client) GetSnapshot(ctx context.Context, addr string) (membership.Snapshot, error) {
	b, err := c.do(ctx, func() (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, c.url(addr, "/snapshot"), nil)
	})
	if err != nil {
		return membership.Snapshot{}, err
	}
	return statemembership.Decode(b)
}

func (c *Client) PostRefresh(ctx context.Context, addr string) error {
	_, err := c.do(ctx, func() (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodPost, c.url(addr, "/refresh"), nil)
	})
	return err
}

// Watch reads the newline-delimited event stream. It returns nil when the
// server ends the stream cleanly and an error carrying the server's reason
// when the stream ends with an error frame.
func (c *Client) Watch(ctx context.Context, addr string, fn func(transport.StreamMessage) error) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url(addr, "/events"), nil)
	if err != nil {
		return err
	}
	resp, err := c.streamc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return statusError(resp.StatusCode, b)
	}
	sc := bufio.NewScanner(resp.Body)
	sc.Buffer(make([]byte, 0, 64<<10), 4<<20)
	for sc.Scan() {
		var msg transport.StreamMessage
		if err := json.Unmarshal(sc.Bytes(), &msg); err != nil {
			return fmt.Errorf("httpjson: decode frame: %w", err)
		}
		if err := fn(msg); err != nil {
			return err
		}
		if msg.Error != "" {
			return fmt.Errorf("httpjson: stream ended: %s", msg.Error)
		}
	}
	if err := sc.Err(); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

var _ transport.RPCClient = (*Client)(nil)
