package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mirrowen/afterglow/internal/continuity/domain/cadence"
	"github.com/mirrowen/afterglow/internal/continuity/storage"
	apperrors "github.com/mirrowen/afterglow/internal/platform/errors"
)

// scheduleDoc is the persisted JSON form of a cadence schedule. Times are
// RFC 3339 via encoding/json; the row's integer columns carry the sort keys.
type scheduleDoc struct {
	SessionID string        `json:"sessionId"`
	ClosedAt  time.Time     `json:"closedAt"`
	Window    windowDoc     `json:"window"`
	Batches   []batchDoc    `json:"batches"`
	Digest    digestDoc     `json:"digest"`
	Overrides []overrideDoc `json:"overrides,omitempty"`
	History   []historyDoc  `json:"history,omitempty"`
	CreatedAt time.Time     `json:"createdAt"`
	UpdatedAt time.Time     `json:"updatedAt"`
}

type windowDoc struct {
	Status      string      `json:"status,omitempty"`
	StartAt     time.Time   `json:"startAt"`
	EndAt       time.Time   `json:"endAt"`
	Escalations []time.Time `json:"escalations,omitempty"`
	Notes       string      `json:"notes,omitempty"`
	UpdatedAt   time.Time   `json:"updatedAt"`
}

type batchDoc struct {
	ID          string       `json:"id"`
	Type        string       `json:"type"`
	RunAt       time.Time    `json:"runAt"`
	Status      string       `json:"status"`
	PreparedAt  *time.Time   `json:"preparedAt,omitempty"`
	PublishedAt *time.Time   `json:"publishedAt,omitempty"`
	DeltaCount  int          `json:"deltaCount,omitempty"`
	LatencyMs   int64        `json:"latencyMs,omitempty"`
	Notes       string       `json:"notes,omitempty"`
	Override    *overrideDoc `json:"override,omitempty"`
}

type digestDoc struct {
	RunAt  time.Time `json:"runAt"`
	Status string    `json:"status"`
	Notes  string    `json:"notes,omitempty"`
}

type overrideDoc struct {
	DeferByMinutes int       `json:"deferByMinutes"`
	Actor          string    `json:"actor"`
	Reason         string    `json:"reason"`
	TargetBatchID  string    `json:"targetBatchId"`
	AppliedAt      time.Time `json:"appliedAt"`
}

type historyDoc struct {
	Type       string         `json:"type"`
	OccurredAt time.Time      `json:"occurredAt"`
	Payload    map[string]any `json:"payload,omitempty"`
}

func encodeSchedule(schedule cadence.Schedule) ([]byte, error) {
	doc := scheduleDoc{
		SessionID: schedule.SessionID,
		ClosedAt:  schedule.ClosedAt,
		Window: windowDoc{
			Status:      string(schedule.Window.Status),
			StartAt:     schedule.Window.StartAt,
			EndAt:       schedule.Window.EndAt,
			Escalations: schedule.Window.Escalations,
			Notes:       schedule.Window.Notes,
			UpdatedAt:   schedule.Window.UpdatedAt,
		},
		Digest: digestDoc{
			RunAt:  schedule.Digest.RunAt,
			Status: string(schedule.Digest.Status),
			Notes:  schedule.Digest.Notes,
		},
		CreatedAt: schedule.CreatedAt,
		UpdatedAt: schedule.UpdatedAt,
	}
	for _, batch := range schedule.Batches {
		doc.Batches = append(doc.Batches, encodeBatch(batch))
	}
	for _, override := range schedule.Overrides {
		doc.Overrides = append(doc.Overrides, encodeOverride(override))
	}
	for _, entry := range schedule.History {
		doc.History = append(doc.History, historyDoc{
			Type:       entry.Type,
			OccurredAt: entry.OccurredAt,
			Payload:    entry.Payload,
		})
	}
	return json.Marshal(doc)
}

func encodeBatch(batch cadence.Batch) batchDoc {
	doc := batchDoc{
		ID:          batch.ID,
		Type:        string(batch.Type),
		RunAt:       batch.RunAt,
		Status:      string(batch.Status),
		PreparedAt:  batch.PreparedAt,
		PublishedAt: batch.PublishedAt,
		DeltaCount:  batch.DeltaCount,
		LatencyMs:   batch.LatencyMs,
		Notes:       batch.Notes,
	}
	if batch.Override != nil {
		override := encodeOverride(*batch.Override)
		doc.Override = &override
	}
	return doc
}

func encodeOverride(override cadence.Override) overrideDoc {
	return overrideDoc{
		DeferByMinutes: override.DeferByMinutes,
		Actor:          override.Actor,
		Reason:         override.Reason,
		TargetBatchID:  override.TargetBatchID,
		AppliedAt:      override.AppliedAt,
	}
}

func decodeSchedule(raw []byte) (cadence.Schedule, error) {
	var doc scheduleDoc
	if err := json.Unmarshal(raw, &doc); err != nil {
		return cadence.Schedule{}, fmt.Errorf("decode schedule document: %w", err)
	}

	schedule := cadence.Schedule{
		SessionID: doc.SessionID,
		ClosedAt:  doc.ClosedAt,
		Window: cadence.ModerationWindow{
			Status:      doc.Window.Status,
			StartAt:     doc.Window.StartAt,
			EndAt:       doc.Window.EndAt,
			Escalations: doc.Window.Escalations,
			Notes:       doc.Window.Notes,
			UpdatedAt:   doc.Window.UpdatedAt,
		},
		Digest: cadence.Digest{
			RunAt:  doc.Digest.RunAt,
			Status: cadence.BatchStatus(doc.Digest.Status),
			Notes:  doc.Digest.Notes,
		},
		CreatedAt: doc.CreatedAt,
		UpdatedAt: doc.UpdatedAt,
	}
	for _, batch := range doc.Batches {
		schedule.Batches = append(schedule.Batches, decodeBatch(batch))
	}
	for _, override := range doc.Overrides {
		schedule.Overrides = append(schedule.Overrides, decodeOverride(override))
	}
	for _, entry := range doc.History {
		schedule.History = append(schedule.History, cadence.HistoryEntry{
			Type:       entry.Type,
			OccurredAt: entry.OccurredAt,
			Payload:    entry.Payload,
		})
	}
	return schedule, nil
}

func decodeBatch(doc batchDoc) cadence.Batch {
	batch := cadence.Batch{
		ID:          doc.ID,
		Type:        cadence.BatchType(doc.Type),
		RunAt:       doc.RunAt,
		Status:      cadence.BatchStatus(doc.Status),
		PreparedAt:  doc.PreparedAt,
		PublishedAt: doc.PublishedAt,
		DeltaCount:  doc.DeltaCount,
		LatencyMs:   doc.LatencyMs,
		Notes:       doc.Notes,
	}
	if doc.Override != nil {
		override := decodeOverride(*doc.Override)
		batch.Override = &override
	}
	return batch
}

func decodeOverride(doc overrideDoc) cadence.Override {
	return cadence.Override{
		DeferByMinutes: doc.DeferByMinutes,
		Actor:          doc.Actor,
		Reason:         doc.Reason,
		TargetBatchID:  doc.TargetBatchID,
		AppliedAt:      doc.AppliedAt,
	}
}

// PlanSession computes and persists the cadence schedule for a freshly
// closed session.
func (s *Store) PlanSession(ctx context.Context, sessionID string, closedAt time.Time) (cadence.Schedule, error) {
	if err := s.guard(ctx); err != nil {
		return cadence.Schedule{}, err
	}
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return cadence.Schedule{}, apperrors.New(apperrors.CodeEmptySessionID, "session id is required")
	}

	schedule, err := cadence.Plan(sessionID, closedAt, s.cfg, s.clock())
	if err != nil {
		return cadence.Schedule{}, err
	}
	raw, err := encodeSchedule(schedule)
	if err != nil {
		return cadence.Schedule{}, fmt.Errorf("encode schedule: %w", err)
	}

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return cadence.Schedule{}, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var exists int
	err = tx.QueryRowContext(ctx, `SELECT 1 FROM cadence_schedules WHERE session_id = ?`, sessionID).Scan(&exists)
	switch {
	case err == nil:
		return cadence.Schedule{}, storage.ErrSessionScheduleExists
	case !errors.Is(err, sql.ErrNoRows):
		return cadence.Schedule{}, fmt.Errorf("check existing schedule: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
INSERT INTO cadence_schedules (session_id, document, version, created_at, updated_at)
VALUES (?, ?, 1, ?, ?)`,
		sessionID, string(raw), toMillis(schedule.CreatedAt), toMillis(schedule.UpdatedAt))
	if err != nil {
		return cadence.Schedule{}, fmt.Errorf("insert schedule: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return cadence.Schedule{}, fmt.Errorf("commit tx: %w", err)
	}
	return schedule, nil
}

// GetSchedule loads the stored schedule for a session.
func (s *Store) GetSchedule(ctx context.Context, sessionID string) (cadence.Schedule, error) {
	if err := s.guard(ctx); err != nil {
		return cadence.Schedule{}, err
	}
	sessionID = strings.TrimSpace(sessionID)

	var raw string
	err := s.sqlDB.QueryRowContext(ctx, `SELECT document FROM cadence_schedules WHERE session_id = ?`, sessionID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return cadence.Schedule{}, storage.ErrNotFound
	}
	if err != nil {
		return cadence.Schedule{}, fmt.Errorf("query schedule: %w", err)
	}
	return decodeSchedule([]byte(raw))
}

// ApplyOverride defers a batch within the configured bound. A rejected
// override leaves the stored row untouched.
func (s *Store) ApplyOverride(ctx context.Context, sessionID string, req storage.OverrideRequest) (cadence.Schedule, error) {
	return s.mutateSchedule(ctx, sessionID, func(schedule cadence.Schedule) (cadence.Schedule, error) {
		return cadence.Defer(schedule, req, s.cfg.MaxOverrideDefer, s.clock())
	})
}

// UpdateBatchStatus advances a batch through its state machine and merges
// the supplied metadata.
func (s *Store) UpdateBatchStatus(ctx context.Context, sessionID, batchID string, status cadence.BatchStatus, update storage.BatchStatusUpdate) (cadence.Schedule, error) {
	return s.mutateSchedule(ctx, sessionID, func(schedule cadence.Schedule) (cadence.Schedule, error) {
		return cadence.AdvanceBatch(schedule, batchID, status, update, s.clock())
	})
}

// mutateSchedule applies an optimistic read-modify-write: the single UPDATE
// only matches the version that was read, so a concurrent writer surfaces as
// ErrVersionConflict instead of a silent lost update. Callers may retry.
func (s *Store) mutateSchedule(ctx context.Context, sessionID string, mutate func(cadence.Schedule) (cadence.Schedule, error)) (cadence.Schedule, error) {
	if err := s.guard(ctx); err != nil {
		return cadence.Schedule{}, err
	}
	sessionID = strings.TrimSpace(sessionID)

	var raw string
	var version int64
	err := s.sqlDB.QueryRowContext(ctx, `SELECT document, version FROM cadence_schedules WHERE session_id = ?`, sessionID).Scan(&raw, &version)
	if errors.Is(err, sql.ErrNoRows) {
		return cadence.Schedule{}, storage.ErrNotFound
	}
	if err != nil {
		return cadence.Schedule{}, fmt.Errorf("query schedule: %w", err)
	}

	schedule, err := decodeSchedule([]byte(raw))
	if err != nil {
		return cadence.Schedule{}, err
	}

	updated, err := mutate(schedule)
	if err != nil {
		return cadence.Schedule{}, err
	}

	encoded, err := encodeSchedule(updated)
	if err != nil {
		return cadence.Schedule{}, fmt.Errorf("encode schedule: %w", err)
	}

	result, err := s.sqlDB.ExecContext(ctx, `
UPDATE cadence_schedules
SET document = ?, version = version + 1, updated_at = ?
WHERE session_id = ? AND version = ?`,
		string(encoded), toMillis(updated.UpdatedAt), sessionID, version)
	if err != nil {
		return cadence.Schedule{}, fmt.Errorf("update schedule: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return cadence.Schedule{}, fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return cadence.Schedule{}, storage.ErrVersionConflict
	}
	return updated, nil
}
