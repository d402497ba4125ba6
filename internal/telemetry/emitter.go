// Package telemetry records structured operational events for the continuity
// subsystem. Every event's fields pass through a per-event allow-list before
// persisting, so free-form payloads cannot leak into durable telemetry.
package telemetry

import (
	"context"
	"time"

	"github.com/mirrowen/afterglow/internal/continuity/storage"
)

// Severity describes the telemetry severity level.
type Severity string

const (
	SeverityInfo  Severity = "info"
	SeverityWarn  Severity = "warn"
	SeverityError Severity = "error"
)

// Job lifecycle and cadence event names.
const (
	EventJobQueued       = "job.queued"
	EventJobStarted      = "job.started"
	EventJobCompleted    = "job.completed"
	EventJobFailed       = "job.failed"
	EventCadencePlanned  = "cadence.initialised"
	EventOverrideApplied = "cadence.override.applied"
	EventBatchStatus     = "cadence.batch.status"
	EventQueueRefreshed  = "queue.refreshed"
)

// allowedFields lists, per event name, the only field keys that persist.
// Anything else is silently dropped.
var allowedFields = map[string]map[string]bool{
	EventJobQueued:       jobFields,
	EventJobStarted:      jobFields,
	EventJobCompleted:    jobFields,
	EventJobFailed:       jobFields,
	EventCadencePlanned:  fieldSet("closedAt", "windowStartAt", "windowEndAt", "batchIds", "digestRunAt"),
	EventOverrideApplied: fieldSet("batchId", "deferByMinutes", "actor", "reason", "previousRunAt", "newRunAt"),
	EventBatchStatus:     fieldSet("batchId", "from", "to", "deltaCount", "latencyMs"),
	EventQueueRefreshed:  fieldSet("pendingCount", "itemCount", "generatedAt"),
}

var jobFields = fieldSet("jobId", "status", "attempts", "enqueuedAt", "startedAt", "completedAt", "durationMs", "error", "result")

func fieldSet(keys ...string) map[string]bool {
	set := make(map[string]bool, len(keys))
	for _, key := range keys {
		set[key] = true
	}
	return set
}

// Emitter records operational telemetry events.
type Emitter struct {
	store storage.TelemetryEventStore
	clock func() time.Time
}

// NewEmitter creates a new telemetry emitter. A nil store yields a no-op
// emitter, so callers never need to branch on telemetry being configured.
func NewEmitter(store storage.TelemetryEventStore) *Emitter {
	return &Emitter{store: store, clock: time.Now}
}

// WithClock overrides the emitter's time source, primarily for tests.
func (e *Emitter) WithClock(clock func() time.Time) *Emitter {
	if e != nil && clock != nil {
		e.clock = clock
	}
	return e
}

// Emit records an event after filtering its fields through the event's
// allow-list. Events with an unknown name persist without fields.
func (e *Emitter) Emit(ctx context.Context, name string, sessionID string, severity Severity, fields map[string]any) error {
	if e == nil || e.store == nil {
		return nil
	}

	evt := storage.TelemetryEvent{
		EventName: name,
		SessionID: sessionID,
		Severity:  string(severity),
		Fields:    filterFields(name, fields),
	}
	if e.clock != nil {
		evt.Timestamp = e.clock().UTC()
	}
	return e.store.AppendTelemetryEvent(ctx, evt)
}

func filterFields(name string, fields map[string]any) map[string]any {
	allowed, ok := allowedFields[name]
	if !ok || len(fields) == 0 {
		return nil
	}
	filtered := make(map[string]any, len(fields))
	for key, value := range fields {
		if allowed[key] {
			filtered[key] = value
		}
	}
	if len(filtered) == 0 {
		return nil
	}
	return filtered
}
