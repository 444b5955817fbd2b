// Package static parses static peer lists: comma-separated host:port lists
// and the JSON peer document {"peers": ["host:port", ...]}.
package static

import (
	"encoding/json"
	"fmt"
	"net"
	"strconv"
	"strings"

	"golang.org/x/exp/slices"

	"github.com/amirimatin/go-peerwatch/pkg/discovery"
	"github.com/amirimatin/go-peerwatch/pkg/membership"
)

// Document is the static peer file format.
type Document struct {
	Peers []string `json:"peers"`
}

// Parse converts a comma-separated list into []string seeds.
func Parse(csv string) []string {
	if csv == "" {
		return nil
	}
	parts := strings.Split(csv, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// ParseDocument decodes a JSON peer document. Any syntax error, unknown
// top-level shape or invalid address yields an error wrapping
// discovery.ErrMalformed.
func ParseDocument(b []byte) ([]membership.PeerEndpoint, error) {
	var doc Document
	if err := json.Unmarshal(b, &doc); err != nil {
		return nil, fmt.Errorf("static: decode document: %w: %v", discovery.ErrMalformed, err)
	}
	if doc.Peers == nil {
		return nil, fmt.Errorf("static: document has no \"peers\" array: %w", discovery.ErrMalformed)
	}
	return Endpoints(doc.Peers)
}

// Endpoints converts host:port strings into ready endpoints with ID = host:port.
// Duplicates collapse and the result is sorted by ID.
func Endpoints(addrs []string) ([]membership.PeerEndpoint, error) {
	seen := make(map[string]struct{}, len(addrs))
	out := make([]membership.PeerEndpoint, 0, len(addrs))
	for _, a := range addrs {
		a = strings.TrimSpace(a)
		if a == "" {
			continue
		}
		host, port, err := SplitHostPort(a)
		if err != nil {
			return nil, err
		}
		id := net.JoinHostPort(host, strconv.Itoa(port))
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, membership.PeerEndpoint{ID: id, Host: host, Port: port, Ready: true})
	}
	slices.SortFunc(out, func(a, b membership.PeerEndpoint) int { return strings.Compare(a.ID, b.ID) })
	return out, nil
}

// SplitHostPort validates and splits a host:port address.
func SplitHostPort(addr string) (string, int, error) {
	host, ps, err := net.SplitHostPort(addr)
	if err != nil {
		return "", 0, fmt.Errorf("static: address %q: %w: %v", addr, discovery.ErrMalformed, err)
	}
	if host == "" {
		return "", 0, fmt.Errorf("static: address %q has no host: %w", addr, discovery.ErrMalformed)
	}
	port, err := strconv.Atoi(ps)
	if err != nil || port <= 0 || port > 65535 {
		return "", 0, fmt.Errorf("static: address %q has invalid port: %w", addr, discovery.ErrMalformed)
	}
	return host, port, nil
}
