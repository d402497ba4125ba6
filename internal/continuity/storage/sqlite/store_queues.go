package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mirrowen/afterglow/internal/continuity/core/filter"
	"github.com/mirrowen/afterglow/internal/continuity/domain/cadence"
	"github.com/mirrowen/afterglow/internal/continuity/domain/queue"
	"github.com/mirrowen/afterglow/internal/continuity/storage"
	"github.com/mirrowen/afterglow/internal/continuity/storage/cursor"
	apperrors "github.com/mirrowen/afterglow/internal/platform/errors"
)

const defaultQueuePageSize = 50

// queueStateDoc is the persisted JSON form of a moderation queue snapshot.
// Decoding is permissive: absent fields default structurally so older rows
// written before a field existed still load.
type queueStateDoc struct {
	SessionID    string          `json:"sessionId"`
	GeneratedAt  time.Time       `json:"generatedAt"`
	PendingCount int             `json:"pendingCount"`
	Items        []queueItemDoc  `json:"items"`
	Window       *windowDoc      `json:"window,omitempty"`
	Cadence      *cadenceViewDoc `json:"cadence,omitempty"`
}

type queueItemDoc struct {
	DeltaID              string         `json:"deltaId"`
	EntityID             string         `json:"entityId,omitempty"`
	EntityType           string         `json:"entityType,omitempty"`
	CanonicalName        string         `json:"canonicalName,omitempty"`
	CreatedAt            time.Time      `json:"createdAt"`
	Status               string         `json:"status"`
	Blocking             bool           `json:"blocking"`
	Reasons              []string       `json:"reasons,omitempty"`
	CapabilityViolations []string       `json:"capabilityViolations,omitempty"`
	ConfidenceTier       string         `json:"confidenceTier,omitempty"`
	Conflicts            []string       `json:"conflicts,omitempty"`
	CapabilityRefs       []string       `json:"capabilityRefs,omitempty"`
	ProposedChanges      map[string]any `json:"proposedChanges,omitempty"`
	Before               map[string]any `json:"before,omitempty"`
	After                map[string]any `json:"after,omitempty"`
	CountdownMs          *int64         `json:"countdownMs,omitempty"`
	DeadlineAt           *time.Time     `json:"deadlineAt,omitempty"`
	WindowStartAt        *time.Time     `json:"windowStartAt,omitempty"`
	EscalationsAt        []time.Time    `json:"escalationsAt,omitempty"`
	ModerationDecisionID string         `json:"moderationDecisionId,omitempty"`
	ResolvedAt           *time.Time     `json:"resolvedAt,omitempty"`
	DecisionActor        string         `json:"decisionActor,omitempty"`
	Notes                string         `json:"notes,omitempty"`
}

type cadenceViewDoc struct {
	NextBatchAt  *time.Time     `json:"nextBatchAt,omitempty"`
	NextDigestAt *time.Time     `json:"nextDigestAt,omitempty"`
	Batches      []batchViewDoc `json:"batches,omitempty"`
	Digest       digestDoc      `json:"digest"`
}

type batchViewDoc struct {
	ID     string    `json:"id"`
	Type   string    `json:"type"`
	RunAt  time.Time `json:"runAt"`
	Status string    `json:"status"`
}

func encodeQueueState(state queue.State) ([]byte, error) {
	doc := queueStateDoc{
		SessionID:    state.SessionID,
		GeneratedAt:  state.GeneratedAt,
		PendingCount: state.PendingCount,
		Items:        []queueItemDoc{},
	}
	for _, item := range state.Items {
		doc.Items = append(doc.Items, queueItemDoc(item))
	}
	if state.Window != nil {
		doc.Window = &windowDoc{
			Status:      state.Window.Status,
			StartAt:     state.Window.StartAt,
			EndAt:       state.Window.EndAt,
			Escalations: state.Window.Escalations,
			Notes:       state.Window.Notes,
			UpdatedAt:   state.Window.UpdatedAt,
		}
	}
	if len(state.Cadence.Batches) > 0 || state.Cadence.NextBatchAt != nil || !state.Cadence.Digest.RunAt.IsZero() {
		view := cadenceViewDoc{
			NextBatchAt:  state.Cadence.NextBatchAt,
			NextDigestAt: state.Cadence.NextDigestAt,
			Digest: digestDoc{
				RunAt:  state.Cadence.Digest.RunAt,
				Status: string(state.Cadence.Digest.Status),
			},
		}
		for _, batch := range state.Cadence.Batches {
			view.Batches = append(view.Batches, batchViewDoc{
				ID:     batch.ID,
				Type:   string(batch.Type),
				RunAt:  batch.RunAt,
				Status: string(batch.Status),
			})
		}
		doc.Cadence = &view
	}
	return json.Marshal(doc)
}

// decodeQueueState rebuilds a snapshot, defaulting whatever the stored
// document does not carry.
func decodeQueueState(sessionID string, raw []byte) (queue.State, error) {
	var doc queueStateDoc
	if err := json.Unmarshal(raw, &doc); err != nil {
		return queue.State{}, fmt.Errorf("decode queue snapshot: %w", err)
	}

	state := queue.State{
		SessionID:    doc.SessionID,
		GeneratedAt:  doc.GeneratedAt,
		PendingCount: doc.PendingCount,
		Items:        []queue.Item{},
	}
	if state.SessionID == "" {
		state.SessionID = sessionID
	}
	for _, item := range doc.Items {
		decoded := queue.Item(item)
		if decoded.Status == "" {
			decoded.Status = queue.ItemStatusNeedsReview
		}
		state.Items = append(state.Items, decoded)
	}
	if doc.Window != nil {
		state.Window = &cadence.ModerationWindow{
			Status:      doc.Window.Status,
			StartAt:     doc.Window.StartAt,
			EndAt:       doc.Window.EndAt,
			Escalations: doc.Window.Escalations,
			Notes:       doc.Window.Notes,
			UpdatedAt:   doc.Window.UpdatedAt,
		}
	}
	if doc.Cadence != nil {
		state.Cadence = queue.CadenceView{
			NextBatchAt:  doc.Cadence.NextBatchAt,
			NextDigestAt: doc.Cadence.NextDigestAt,
			Digest: queue.DigestView{
				RunAt:  doc.Cadence.Digest.RunAt,
				Status: cadence.BatchStatus(doc.Cadence.Digest.Status),
			},
		}
		for _, batch := range doc.Cadence.Batches {
			state.Cadence.Batches = append(state.Cadence.Batches, queue.BatchView{
				ID:     batch.ID,
				Type:   cadence.BatchType(batch.Type),
				RunAt:  batch.RunAt,
				Status: cadence.BatchStatus(batch.Status),
			})
		}
	}
	return state, nil
}

// SaveQueue upserts the latest moderation queue snapshot for a session.
func (s *Store) SaveQueue(ctx context.Context, sessionID string, state queue.State) error {
	if err := s.guard(ctx); err != nil {
		return err
	}
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return apperrors.New(apperrors.CodeEmptySessionID, "session id is required")
	}
	if err := queue.ValidateSnapshot(sessionID, state); err != nil {
		return err
	}

	raw, err := encodeQueueState(state)
	if err != nil {
		return apperrors.Wrap(apperrors.CodeInvalidQueueSnapshot, "encode queue snapshot", err)
	}

	updatedAt := s.clock().UTC()
	_, err = s.sqlDB.ExecContext(ctx, `
INSERT INTO moderation_queues (session_id, snapshot, pending_count, updated_at)
VALUES (?, ?, ?, ?)
ON CONFLICT(session_id) DO UPDATE SET
	snapshot = excluded.snapshot,
	pending_count = excluded.pending_count,
	updated_at = excluded.updated_at`,
		sessionID, string(raw), state.PendingCount, toMillis(updatedAt))
	if err != nil {
		return fmt.Errorf("upsert queue snapshot: %w", err)
	}
	return nil
}

// GetQueue loads the stored queue snapshot for a session.
func (s *Store) GetQueue(ctx context.Context, sessionID string) (storage.QueueRecord, error) {
	if err := s.guard(ctx); err != nil {
		return storage.QueueRecord{}, err
	}
	sessionID = strings.TrimSpace(sessionID)

	var raw string
	var pendingCount int
	var updatedAtMillis int64
	err := s.sqlDB.QueryRowContext(ctx, `
SELECT snapshot, pending_count, updated_at FROM moderation_queues WHERE session_id = ?`, sessionID).
		Scan(&raw, &pendingCount, &updatedAtMillis)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.QueueRecord{}, storage.ErrNotFound
	}
	if err != nil {
		return storage.QueueRecord{}, fmt.Errorf("query queue snapshot: %w", err)
	}

	state, err := decodeQueueState(sessionID, []byte(raw))
	if err != nil {
		return storage.QueueRecord{}, err
	}
	return storage.QueueRecord{
		SessionID:    sessionID,
		State:        state,
		PendingCount: pendingCount,
		UpdatedAt:    fromMillis(updatedAtMillis),
	}, nil
}

// ListQueues returns a filtered page of queue snapshots, newest-updated
// first with session id as tiebreaker.
func (s *Store) ListQueues(ctx context.Context, req storage.ListQueuesRequest) (storage.QueuePage, error) {
	if err := s.guard(ctx); err != nil {
		return storage.QueuePage{}, err
	}

	condition, err := filter.ParseQueueFilter(req.Filter)
	if err != nil {
		return storage.QueuePage{}, apperrors.Wrap(apperrors.CodeUnknown, "invalid queue filter", err)
	}

	pageSize := req.PageSize
	if pageSize <= 0 {
		pageSize = defaultQueuePageSize
	}

	clauses := []string{}
	params := []any{}
	if condition.Clause != "" {
		clauses = append(clauses, condition.Clause)
		params = append(params, condition.Params...)
	}
	if req.PageToken != "" {
		decoded, err := cursor.Decode(req.PageToken)
		if err != nil {
			return storage.QueuePage{}, err
		}
		if err := cursor.ValidateFilterHash(decoded, req.Filter); err != nil {
			return storage.QueuePage{}, err
		}
		clauses = append(clauses, "(updated_at < ? OR (updated_at = ? AND session_id > ?))")
		params = append(params, decoded.UpdatedAtMillis, decoded.UpdatedAtMillis, decoded.SessionID)
	}

	query := `SELECT session_id, snapshot, pending_count, updated_at FROM moderation_queues`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += ` ORDER BY updated_at DESC, session_id ASC LIMIT ?`
	params = append(params, pageSize+1)

	rows, err := s.sqlDB.QueryContext(ctx, query, params...)
	if err != nil {
		return storage.QueuePage{}, fmt.Errorf("query queue snapshots: %w", err)
	}
	defer rows.Close()

	page := storage.QueuePage{}
	for rows.Next() {
		var sessionID, raw string
		var pendingCount int
		var updatedAtMillis int64
		if err := rows.Scan(&sessionID, &raw, &pendingCount, &updatedAtMillis); err != nil {
			return storage.QueuePage{}, fmt.Errorf("scan queue snapshot: %w", err)
		}
		if len(page.Queues) == pageSize {
			last := page.Queues[len(page.Queues)-1]
			token, err := cursor.Encode(cursor.New(toMillis(last.UpdatedAt), last.SessionID, req.Filter))
			if err != nil {
				return storage.QueuePage{}, err
			}
			page.NextPageToken = token
			break
		}
		state, err := decodeQueueState(sessionID, []byte(raw))
		if err != nil {
			return storage.QueuePage{}, err
		}
		page.Queues = append(page.Queues, storage.QueueRecord{
			SessionID:    sessionID,
			State:        state,
			PendingCount: pendingCount,
			UpdatedAt:    fromMillis(updatedAtMillis),
		})
	}
	if err := rows.Err(); err != nil {
		return storage.QueuePage{}, fmt.Errorf("iterate queue snapshots: %w", err)
	}
	return page, nil
}

// DeleteQueue removes a session's queue snapshot. Deleting a missing queue
// is not an error.
func (s *Store) DeleteQueue(ctx context.Context, sessionID string) error {
	if err := s.guard(ctx); err != nil {
		return err
	}
	sessionID = strings.TrimSpace(sessionID)

	_, err := s.sqlDB.ExecContext(ctx, `DELETE FROM moderation_queues WHERE session_id = ?`, sessionID)
	if err != nil {
		return fmt.Errorf("delete queue snapshot: %w", err)
	}
	return nil
}
