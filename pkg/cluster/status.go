package cluster

import (
	"time"

	"github.com/amirimatin/go-peerwatch/pkg/discovery"
)

// Status is a JSON-serializable summary of the local membership view
// suitable for external status endpoints and tooling.
type Status struct {
	NodeID string `json:"nodeId"`
	// Generation of the published view.
	Generation uint64 `json:"generation"`
	// Peers is the number of peers in the view, excluding this node.
	Peers int `json:"peers"`
	// ClusterSize counts this node plus its peers.
	ClusterSize int `json:"clusterSize"`
	// Quorum is the majority of ClusterSize.
	Quorum int `json:"quorum"`
	// Source names the active discovery backend.
	Source    string              `json:"source"`
	Condition discovery.Condition `json:"condition"`
	// Healthy is false only when discovery has halted.
	Healthy     bool      `json:"healthy"`
	LastCommit  time.Time `json:"lastCommit,omitempty"`
	Subscribers int       `json:"subscribers"`
	// Warnings contains any non-fatal observations (e.g., degraded states).
	Warnings []string `json:"warnings,omitempty"`
}

// QuorumSize returns the majority of a cluster of n nodes.
func QuorumSize(n int) int { return n/2 + 1 }
