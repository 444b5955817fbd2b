// Package kube adapts the Kubernetes pods API to the watch-stream protocol.
package kube

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/amirimatin/go-peerwatch/internal/logutil"
	"github.com/amirimatin/go-peerwatch/pkg/discovery"
	"github.com/amirimatin/go-peerwatch/pkg/discovery/watch"
	"github.com/amirimatin/go-peerwatch/pkg/security/tlsconfig"
)

const (
	DefaultTokenFile = "/var/run/secrets/kubernetes.io/serviceaccount/token"
	DefaultCAFile    = "/var/run/secrets/kubernetes.io/serviceaccount/ca.crt"
)

// Options configures the pods API adapter.
type Options struct {
	// APIServer defaults to https://$KUBERNETES_SERVICE_HOST:$KUBERNETES_SERVICE_PORT.
	APIServer     string
	Namespace     string
	LabelSelector string
	// Port is the peer port. When zero, the container port named PortName is used.
	Port     int
	PortName string
	// TokenFile and CAFile default to the mounted service account files.
	// The token is read once, at construction.
	TokenFile string
	CAFile    string
	// HTTPClient overrides the client built from CAFile.
	HTTPClient *http.Client
	Logger     *zap.Logger
}

// Client implements watch.API against /api/v1/namespaces/<ns>/pods.
type Client struct {
	base     *url.URL
	ns       string
	selector string
	port     int
	portName string
	token    string
	hc       *http.Client
	log      *zap.Logger
}

// New builds a client and reads the bearer token.
func New(opts Options) (*Client, error) {
	if opts.Namespace == "" {
		return nil, errors.New("kube: namespace is required")
	}
	if opts.Port == 0 && opts.PortName == "" {
		return nil, errors.New("kube: port or port name is required")
	}
	server := opts.APIServer
	if server == "" {
		host, port := os.Getenv("KUBERNETES_SERVICE_HOST"), os.Getenv("KUBERNETES_SERVICE_PORT")
		if host == "" || port == "" {
			return nil, errors.New("kube: no API server configured and not running in a cluster")
		}
		server = "https://" + net.JoinHostPort(host, port)
	}
	base, err := url.Parse(server)
	if err != nil {
		return nil, fmt.Errorf("kube: api server %q: %w", server, err)
	}
	c := &Client{
		base:     base,
		ns:       opts.Namespace,
		selector: opts.LabelSelector,
		port:     opts.Port,
		portName: opts.PortName,
		hc:       opts.HTTPClient,
		log:      logutil.OrNop(opts.Logger).With(logutil.Source("kube")),
	}
	tokenFile := opts.TokenFile
	if tokenFile == "" && opts.HTTPClient == nil {
		tokenFile = DefaultTokenFile
	}
	if tokenFile != "" {
		b, err := os.ReadFile(tokenFile)
		if err != nil {
			return nil, fmt.Errorf("kube: read token: %w", err)
		}
		c.token = strings.TrimSpace(string(b))
		c.checkExpiry()
	}
	if c.hc == nil {
		caFile := opts.CAFile
		if caFile == "" {
			caFile = DefaultCAFile
		}
		pool, err := tlsconfig.CAPool(caFile)
		if err != nil {
			return nil, fmt.Errorf("kube: %w", err)
		}
		tr := http.DefaultTransport.(*http.Transport).Clone()
		tr.TLSClientConfig = &tls.Config{RootCAs: pool, MinVersion: tls.VersionTLS12}
		c.hc = &http.Client{Transport: tr}
	}
	return c, nil
}

// checkExpiry warns when the mounted token is already expired. The signature
// is not verified; only the API server can do that.
func (c *Client) checkExpiry() {
	tok, _, err := jwt.NewParser().ParseUnverified(c.token, jwt.MapClaims{})
	if err != nil {
		return
	}
	exp, err := tok.Claims.GetExpirationTime()
	if err != nil || exp == nil {
		return
	}
	if time.Now().After(exp.Time) {
		c.log.Warn("service account token is expired; API calls will be rejected", zap.Time("exp", exp.Time))
	}
}

func (c *Client) podsURL(params url.Values) string {
	u := *c.base
	u.Path = strings.TrimSuffix(u.Path, "/") + "/api/v1/namespaces/" + url.PathEscape(c.ns) + "/pods"
	if c.selector != "" {
		params.Set("labelSelector", c.selector)
	}
	u.RawQuery = params.Encode()
	return u.String()
}

func (c *Client) do(ctx context.Context, params url.Values) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.podsURL(params), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, err
	}
	if err := statusError(resp); err != nil {
		resp.Body.Close()
		return nil, err
	}
	return resp, nil
}

func statusError(resp *http.Response) error {
	switch {
	case resp.StatusCode == http.StatusOK:
		return nil
	case resp.StatusCode == http.StatusGone:
		return fmt.Errorf("kube: %s: %w", resp.Status, discovery.ErrGone)
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("kube: %s: %w", resp.Status, discovery.ErrUnauthorized)
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("kube: unexpected status %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}
}

func (c *Client) List(ctx context.Context) (watch.ListResult, error) {
	resp, err := c.do(ctx, url.Values{})
	if err != nil {
		return watch.ListResult{}, err
	}
	defer resp.Body.Close()
	var list podList
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		return watch.ListResult{}, fmt.Errorf("kube: decode pod list: %w", err)
	}
	res := watch.ListResult{ResourceVersion: list.Metadata.ResourceVersion}
	for _, p := range list.Items {
		if o, ok := c.object(p); ok {
			res.Items = append(res.Items, o)
		}
	}
	return res, nil
}

func (c *Client) Watch(ctx context.Context, resumeToken string) (watch.Stream, error) {
	params := url.Values{}
	params.Set("watch", "1")
	params.Set("allowWatchBookmarks", "true")
	if resumeToken != "" {
		params.Set("resourceVersion", resumeToken)
	}
	resp, err := c.do(ctx, params)
	if err != nil {
		return nil, err
	}
	return &stream{c: c, body: resp.Body, dec: json.NewDecoder(resp.Body)}, nil
}

type stream struct {
	c    *Client
	body io.ReadCloser
	dec  *json.Decoder
}

func (s *stream) Next() (watch.WatchEvent, error) {
	for {
		var ev rawEvent
		if err := s.dec.Decode(&ev); err != nil {
			return watch.WatchEvent{}, err
		}
		switch ev.Type {
		case "ERROR":
			var st status
			_ = json.Unmarshal(ev.Object, &st)
			switch st.Code {
			case http.StatusGone:
				return watch.WatchEvent{}, fmt.Errorf("kube: watch: %s: %w", st.Message, discovery.ErrGone)
			case http.StatusUnauthorized, http.StatusForbidden:
				return watch.WatchEvent{}, fmt.Errorf("kube: watch: %s: %w", st.Message, discovery.ErrUnauthorized)
			default:
				return watch.WatchEvent{}, fmt.Errorf("kube: watch error %d: %s", st.Code, st.Message)
			}
		case string(watch.Added), string(watch.Modified), string(watch.Deleted), string(watch.Bookmark):
		default:
			continue
		}
		var p pod
		if err := json.Unmarshal(ev.Object, &p); err != nil {
			return watch.WatchEvent{}, fmt.Errorf("kube: decode pod: %w", err)
		}
		t := watch.EventType(ev.Type)
		if t == watch.Bookmark {
			return watch.WatchEvent{Type: t, Object: watch.Object{ResourceVersion: p.Metadata.ResourceVersion}}, nil
		}
		o, ok := s.c.object(p)
		if !ok && t != watch.Deleted {
			// no resolvable port yet; carry the token forward only
			return watch.WatchEvent{Type: watch.Bookmark, Object: watch.Object{ResourceVersion: p.Metadata.ResourceVersion}}, nil
		}
		o.ID = p.Metadata.Name
		o.ResourceVersion = p.Metadata.ResourceVersion
		return watch.WatchEvent{Type: t, Object: o}, nil
	}
}

func (s *stream) Close() error { return s.body.Close() }

// object maps a pod to a watch object. It reports false when no peer port
// can be determined.
func (c *Client) object(p pod) (watch.Object, bool) {
	port := c.port
	if port == 0 {
		for _, ct := range p.Spec.Containers {
			for _, cp := range ct.Ports {
				if cp.Name == c.portName {
					port = cp.ContainerPort
				}
			}
		}
	}
	ready := p.Metadata.DeletionTimestamp == nil && p.Status.PodIP != ""
	if ready {
		ready = false
		for _, cond := range p.Status.Conditions {
			if cond.Type == "Ready" {
				ready = cond.Status == "True"
			}
		}
	}
	o := watch.Object{
		ID:              p.Metadata.Name,
		Host:            p.Status.PodIP,
		Port:            port,
		Ready:           ready,
		ResourceVersion: p.Metadata.ResourceVersion,
	}
	return o, port != 0
}

type rawEvent struct {
	Type   string          `json:"type"`
	Object json.RawMessage `json:"object"`
}

type status struct {
	Code    int    `json:"code"`
	Reason  string `json:"reason"`
	Message string `json:"message"`
}

type objectMeta struct {
	Name              string     `json:"name"`
	ResourceVersion   string     `json:"resourceVersion"`
	DeletionTimestamp *time.Time `json:"deletionTimestamp,omitempty"`
}

type pod struct {
	Metadata objectMeta `json:"metadata"`
	Spec     struct {
		Containers []struct {
			Ports []struct {
				Name          string `json:"name"`
				ContainerPort int    `json:"containerPort"`
			} `json:"ports"`
		} `json:"containers"`
	} `json:"spec"`
	Status struct {
		PodIP      string `json:"podIP"`
		Conditions []struct {
			Type   string `json:"type"`
			Status string `json:"status"`
		} `json:"conditions"`
	} `json:"status"`
}

type podList struct {
	Metadata struct {
		ResourceVersion string `json:"resourceVersion"`
	} `json:"metadata"`
	Items []pod `json:"items"`
}
