// Package storage defines the durable interfaces for the continuity
// subsystem: cadence schedules, moderation queue snapshots, and telemetry
// events. Implementations serialize writes per session key so concurrent
// callers for different sessions never contend.
package storage

import (
	"context"
	"time"

	"github.com/mirrowen/afterglow/internal/continuity/domain/cadence"
	"github.com/mirrowen/afterglow/internal/continuity/domain/queue"
	apperrors "github.com/mirrowen/afterglow/internal/platform/errors"
)

// ErrNotFound indicates a requested persistence record is missing.
var ErrNotFound = apperrors.New(apperrors.CodeNotFound, "record not found")

// ErrSessionScheduleExists indicates planForSession was called twice for the
// same session; callers must explicitly reset rather than silently re-plan.
var ErrSessionScheduleExists = apperrors.New(apperrors.CodeSessionScheduleExists, "cadence schedule already exists for session")

// ErrUnknownBatch indicates a batch id that does not belong to the session's
// schedule.
var ErrUnknownBatch = apperrors.New(apperrors.CodeUnknownBatch, "batch not found in session schedule")

// ErrOverrideExceedsLimit indicates a deferral beyond the configured bound;
// the stored schedule is left untouched.
var ErrOverrideExceedsLimit = apperrors.New(apperrors.CodeOverrideExceedsLimit, "override defer exceeds configured limit")

// ErrInvalidBatchTransition indicates a status change the batch state machine
// forbids (e.g. publishing a batch that was never ready).
var ErrInvalidBatchTransition = apperrors.New(apperrors.CodeInvalidBatchTransition, "batch status transition not allowed")

// ErrNoDeferrableBatch indicates an override with no explicit target found no
// batch still awaiting its run.
var ErrNoDeferrableBatch = apperrors.New(apperrors.CodeNoDeferrableBatch, "no batch available to defer")

// ErrVersionConflict indicates a concurrent writer updated the schedule
// between read and write; the caller may retry.
var ErrVersionConflict = apperrors.New(apperrors.CodeVersionConflict, "schedule modified by concurrent writer")

// OverrideRequest is one bounded human deferral of a scheduled batch.
type OverrideRequest = cadence.OverrideRequest

// BatchStatusUpdate carries the metadata merged into a batch alongside a
// status change. Nil fields are left untouched.
type BatchStatusUpdate = cadence.BatchStatusUpdate

// ScheduleStore owns cadence schedules. It is the sole writer; every read
// returns a structurally independent copy.
type ScheduleStore interface {
	// PlanSession computes and persists the schedule for a freshly closed
	// session, appending a cadence.initialised history entry. Fails with
	// ErrSessionScheduleExists when a schedule is already present.
	PlanSession(ctx context.Context, sessionID string, closedAt time.Time) (cadence.Schedule, error)
	// GetSchedule returns a deep copy of the stored schedule.
	GetSchedule(ctx context.Context, sessionID string) (cadence.Schedule, error)
	// ApplyOverride defers a batch within the configured bound and appends a
	// cadence.override.applied history entry.
	ApplyOverride(ctx context.Context, sessionID string, req OverrideRequest) (cadence.Schedule, error)
	// UpdateBatchStatus merges metadata, advances the batch state machine,
	// and appends a cadence.batch.status history entry.
	UpdateBatchStatus(ctx context.Context, sessionID, batchID string, status cadence.BatchStatus, update BatchStatusUpdate) (cadence.Schedule, error)
}

// QueueRecord wraps a stored queue snapshot with its denormalized columns.
type QueueRecord struct {
	SessionID    string
	State        queue.State
	PendingCount int
	UpdatedAt    time.Time
}

// QueuePage is one page of queue records, newest-updated first.
type QueuePage struct {
	Queues        []QueueRecord
	NextPageToken string
}

// ListQueuesRequest selects a page of queue snapshots.
type ListQueuesRequest struct {
	PageSize  int
	PageToken string
	// Filter is an optional AIP-160 expression over session_id,
	// pending_count, and updated_at.
	Filter string
}

// QueueStore persists the latest moderation queue snapshot per session.
// Writes are strict (snapshot must be complete), reads are permissive
// (missing nested fields default structurally).
type QueueStore interface {
	SaveQueue(ctx context.Context, sessionID string, state queue.State) error
	GetQueue(ctx context.Context, sessionID string) (QueueRecord, error)
	ListQueues(ctx context.Context, req ListQueuesRequest) (QueuePage, error)
	// DeleteQueue is unconditional and idempotent.
	DeleteQueue(ctx context.Context, sessionID string) error
}

// TelemetryEvent is one structured, allow-listed observation record.
type TelemetryEvent struct {
	ID        int64
	EventName string
	SessionID string
	Severity  string
	Fields    map[string]any
	Timestamp time.Time
}

// TelemetryEventStore appends telemetry events durably.
type TelemetryEventStore interface {
	AppendTelemetryEvent(ctx context.Context, evt TelemetryEvent) error
}
