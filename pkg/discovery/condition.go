package discovery

import "time"

type ConditionState string

const (
	// ConditionHealthy means the source is producing fresh data.
	ConditionHealthy ConditionState = "healthy"
	// ConditionDegraded means the view is stale but retained.
	ConditionDegraded ConditionState = "degraded"
	// ConditionHalted means discovery stopped. Consumers should treat it as fatal.
	ConditionHalted ConditionState = "halted"
)

// Condition is the discovery health reported by a source.
type Condition struct {
	State  ConditionState `json:"state"`
	Reason string         `json:"reason,omitempty"`
	Since  time.Time      `json:"since"`
}
