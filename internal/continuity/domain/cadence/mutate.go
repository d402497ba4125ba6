package cadence

import (
	"strconv"
	"strings"
	"time"

	apperrors "github.com/mirrowen/afterglow/internal/platform/errors"
)

// OverrideRequest is one bounded human deferral of a scheduled batch.
type OverrideRequest struct {
	DeferByMinutes int
	Actor          string
	Reason         string
	// TargetBatchID optionally names the batch; when empty the soonest
	// not-yet-run batch is deferred.
	TargetBatchID string
}

// BatchStatusUpdate carries the metadata merged into a batch alongside a
// status change. Nil fields are left untouched.
type BatchStatusUpdate struct {
	PreparedAt  *time.Time
	PublishedAt *time.Time
	DeltaCount  *int
	LatencyMs   *int64
	Notes       *string
}

// Plan computes the schedule for a freshly closed session and stamps its
// identity and initialisation history. Stores persist the result as-is.
func Plan(sessionID string, closedAt time.Time, cfg Config, now time.Time) (Schedule, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return Schedule{}, apperrors.New(apperrors.CodeEmptySessionID, "session id is required")
	}

	schedule, err := Compute(closedAt, cfg)
	if err != nil {
		return Schedule{}, err
	}

	now = now.UTC()
	schedule.SessionID = sessionID
	schedule.CreatedAt = now
	schedule.UpdatedAt = now
	schedule.Window.UpdatedAt = now

	batchIDs := make([]any, 0, len(schedule.Batches))
	for _, batch := range schedule.Batches {
		batchIDs = append(batchIDs, batch.ID)
	}
	schedule.History = append(schedule.History, HistoryEntry{
		Type:       HistoryCadenceInitialised,
		OccurredAt: now,
		Payload: map[string]any{
			"session_id":    sessionID,
			"closed_at":     schedule.ClosedAt.Format(time.RFC3339),
			"window_end_at": schedule.Window.EndAt.Format(time.RFC3339),
			"batch_ids":     batchIDs,
			"digest_run_at": schedule.Digest.RunAt.Format(time.RFC3339),
		},
	})
	return schedule, nil
}

// Defer applies one override to a copy of the schedule and returns it. The
// receiver schedule is never mutated, so a rejected override leaves stored
// state untouched by construction.
//
// The bound is incremental: each override's deferral is checked against
// maxDefer on its own, relative to the batch's current run-time. Stacked
// overrides may therefore exceed maxDefer in total; each individual step may
// not.
func Defer(schedule Schedule, req OverrideRequest, maxDefer time.Duration, now time.Time) (Schedule, error) {
	if req.DeferByMinutes <= 0 {
		return Schedule{}, apperrors.New(apperrors.CodeInvalidOverride, "defer minutes must be positive")
	}
	deferBy := time.Duration(req.DeferByMinutes) * time.Minute
	if maxDefer <= 0 {
		maxDefer = DefaultMaxOverrideDefer
	}
	if deferBy > maxDefer {
		return Schedule{}, apperrors.WithMetadata(apperrors.CodeOverrideExceedsLimit, "override defer exceeds configured limit", map[string]string{
			"defer_by_minutes": strconv.Itoa(req.DeferByMinutes),
			"max_minutes":      strconv.Itoa(int(maxDefer / time.Minute)),
		})
	}

	updated := schedule.Clone()
	idx := -1
	if target := strings.TrimSpace(req.TargetBatchID); target != "" {
		idx = updated.BatchIndex(target)
		if idx == -1 {
			return Schedule{}, apperrors.WithMetadata(apperrors.CodeUnknownBatch, "batch not found in session schedule", map[string]string{
				"batch_id": target,
			})
		}
		if updated.Batches[idx].Status.Terminal() {
			return Schedule{}, apperrors.New(apperrors.CodeInvalidBatchTransition, "cannot defer a published or failed batch")
		}
	} else {
		idx = updated.NextDeferrableBatchIndex()
		if idx == -1 {
			return Schedule{}, apperrors.New(apperrors.CodeNoDeferrableBatch, "no batch available to defer")
		}
	}

	now = now.UTC()
	batch := &updated.Batches[idx]
	previousRunAt := batch.RunAt
	override := Override{
		DeferByMinutes: req.DeferByMinutes,
		Actor:          strings.TrimSpace(req.Actor),
		Reason:         strings.TrimSpace(req.Reason),
		TargetBatchID:  batch.ID,
		AppliedAt:      now,
	}
	batch.RunAt = previousRunAt.Add(deferBy)
	batch.Override = &override
	updated.Overrides = append(updated.Overrides, override)
	updated.UpdatedAt = now
	updated.History = append(updated.History, HistoryEntry{
		Type:       HistoryOverrideApplied,
		OccurredAt: now,
		Payload: map[string]any{
			"batch_id":         batch.ID,
			"defer_by_minutes": req.DeferByMinutes,
			"actor":            override.Actor,
			"reason":           override.Reason,
			"previous_run_at":  previousRunAt.Format(time.RFC3339),
			"new_run_at":       batch.RunAt.Format(time.RFC3339),
		},
	})
	return updated, nil
}

// AdvanceBatch moves a batch through its state machine on a copy of the
// schedule, merging the supplied metadata, and returns the copy.
func AdvanceBatch(schedule Schedule, batchID string, status BatchStatus, update BatchStatusUpdate, now time.Time) (Schedule, error) {
	batchID = strings.TrimSpace(batchID)
	if batchID == "" {
		return Schedule{}, apperrors.New(apperrors.CodeUnknownBatch, "batch id is required")
	}

	updated := schedule.Clone()
	idx := updated.BatchIndex(batchID)
	if idx == -1 {
		return Schedule{}, apperrors.WithMetadata(apperrors.CodeUnknownBatch, "batch not found in session schedule", map[string]string{
			"batch_id": batchID,
		})
	}

	batch := &updated.Batches[idx]
	if !batch.Status.CanTransition(status) {
		return Schedule{}, apperrors.WithMetadata(apperrors.CodeInvalidBatchTransition, "batch status transition not allowed", map[string]string{
			"batch_id": batchID,
			"from":     string(batch.Status),
			"to":       string(status),
		})
	}

	now = now.UTC()
	previous := batch.Status
	if update.PreparedAt != nil {
		preparedAt := update.PreparedAt.UTC()
		batch.PreparedAt = &preparedAt
	}
	if update.PublishedAt != nil {
		publishedAt := update.PublishedAt.UTC()
		batch.PublishedAt = &publishedAt
	}
	if update.DeltaCount != nil {
		batch.DeltaCount = *update.DeltaCount
	}
	if update.LatencyMs != nil {
		batch.LatencyMs = *update.LatencyMs
	}
	if update.Notes != nil {
		batch.Notes = *update.Notes
	}
	batch.Status = status
	updated.UpdatedAt = now
	updated.History = append(updated.History, HistoryEntry{
		Type:       HistoryBatchStatus,
		OccurredAt: now,
		Payload: map[string]any{
			"batch_id":    batchID,
			"from":        string(previous),
			"to":          string(status),
			"delta_count": batch.DeltaCount,
		},
	})
	return updated, nil
}
