// Package queue projects content deltas and a cadence schedule into a
// point-in-time moderation queue snapshot.
package queue

import "time"

// Safety carries the pre-computed moderation classification attached to a
// delta by the narrative pipeline. This subsystem never classifies content
// itself.
type Safety struct {
	RequiresModeration   bool
	Reasons              []string
	Confidence           string
	Conflicts            []string
	CapabilityViolations []string
}

// Delta is one proposed world-content change produced by the narrative
// pipeline after a session closes.
type Delta struct {
	ID              string
	EntityID        string
	EntityType      string
	CanonicalName   string
	CreatedAt       time.Time
	Status          string
	ProposedChanges map[string]any
	Before          map[string]any
	After           map[string]any
	Safety          Safety
	CapabilityRefs  []string
}
