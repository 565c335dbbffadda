package models

import "time"

// Invalidation modes.
const (
	InvalidatePattern = "pattern" // the literal key and its direct dependents
	InvalidatePrefix  = "prefix"  // every key under the prefix, cascading through dependents
)

// InvalidationEvent asks every instance to drop Target.
type InvalidationEvent struct {
	ID     string    `json:"id"`
	Origin string    `json:"origin"`
	Target string    `json:"target"`
	Mode   string    `json:"mode"`
	Reason string    `json:"reason,omitempty"`
	At     time.Time `json:"at"`
}
