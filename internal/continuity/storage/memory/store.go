// Package memory provides an in-memory implementation of the continuity
// stores, used by tests and single-process deployments without durability
// needs.
package memory

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/mirrowen/afterglow/internal/continuity/core/filter"
	"github.com/mirrowen/afterglow/internal/continuity/domain/cadence"
	"github.com/mirrowen/afterglow/internal/continuity/domain/queue"
	"github.com/mirrowen/afterglow/internal/continuity/storage"
	"github.com/mirrowen/afterglow/internal/continuity/storage/cursor"
	apperrors "github.com/mirrowen/afterglow/internal/platform/errors"
)

const defaultPageSize = 50

// Store holds continuity state in memory. Writes for the same session are
// serialized on a per-session lock; different sessions never contend.
type Store struct {
	cfg   cadence.Config
	clock func() time.Time

	mu        sync.Mutex
	locks     map[string]*sync.Mutex
	schedules map[string]cadence.Schedule
	queues    map[string]storage.QueueRecord
	telemetry []storage.TelemetryEvent
}

// Option configures the in-memory store.
type Option func(*Store)

// WithClock overrides the time source, primarily for tests.
func WithClock(clock func() time.Time) Option {
	return func(s *Store) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// WithCadenceConfig overrides the cadence policy used when planning sessions.
func WithCadenceConfig(cfg cadence.Config) Option {
	return func(s *Store) {
		s.cfg = cfg.Normalized()
	}
}

// NewStore creates an empty in-memory store with default cadence policy.
func NewStore(opts ...Option) *Store {
	s := &Store{
		cfg:       cadence.DefaultConfig(),
		clock:     func() time.Time { return time.Now().UTC() },
		locks:     make(map[string]*sync.Mutex),
		schedules: make(map[string]cadence.Schedule),
		queues:    make(map[string]storage.QueueRecord),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// sessionLock returns the lock serializing writes for one session key.
func (s *Store) sessionLock(sessionID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.locks[sessionID]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[sessionID] = lock
	}
	return lock
}

func (s *Store) guard(ctx context.Context) error {
	if ctx != nil {
		if err := ctx.Err(); err != nil {
			return err
		}
	}
	if s == nil {
		return errors.New("continuity store is required")
	}
	return nil
}

// PlanSession computes and stores the cadence schedule for a freshly closed
// session.
func (s *Store) PlanSession(ctx context.Context, sessionID string, closedAt time.Time) (cadence.Schedule, error) {
	if err := s.guard(ctx); err != nil {
		return cadence.Schedule{}, err
	}
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return cadence.Schedule{}, apperrors.New(apperrors.CodeEmptySessionID, "session id is required")
	}

	lock := s.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	s.mu.Lock()
	_, exists := s.schedules[sessionID]
	s.mu.Unlock()
	if exists {
		return cadence.Schedule{}, storage.ErrSessionScheduleExists
	}

	schedule, err := cadence.Plan(sessionID, closedAt, s.cfg, s.clock())
	if err != nil {
		return cadence.Schedule{}, err
	}

	s.mu.Lock()
	s.schedules[sessionID] = schedule.Clone()
	s.mu.Unlock()
	return schedule, nil
}

// GetSchedule returns a deep copy of the stored schedule.
func (s *Store) GetSchedule(ctx context.Context, sessionID string) (cadence.Schedule, error) {
	if err := s.guard(ctx); err != nil {
		return cadence.Schedule{}, err
	}
	sessionID = strings.TrimSpace(sessionID)

	s.mu.Lock()
	defer s.mu.Unlock()
	schedule, ok := s.schedules[sessionID]
	if !ok {
		return cadence.Schedule{}, storage.ErrNotFound
	}
	return schedule.Clone(), nil
}

// ApplyOverride defers a batch within the configured bound. A rejected
// override leaves the stored schedule untouched.
func (s *Store) ApplyOverride(ctx context.Context, sessionID string, req storage.OverrideRequest) (cadence.Schedule, error) {
	if err := s.guard(ctx); err != nil {
		return cadence.Schedule{}, err
	}
	sessionID = strings.TrimSpace(sessionID)

	lock := s.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	s.mu.Lock()
	schedule, ok := s.schedules[sessionID]
	s.mu.Unlock()
	if !ok {
		return cadence.Schedule{}, storage.ErrNotFound
	}

	updated, err := cadence.Defer(schedule, req, s.cfg.MaxOverrideDefer, s.clock())
	if err != nil {
		return cadence.Schedule{}, err
	}

	s.mu.Lock()
	s.schedules[sessionID] = updated.Clone()
	s.mu.Unlock()
	return updated, nil
}

// UpdateBatchStatus advances a batch through its state machine and merges
// the supplied metadata.
func (s *Store) UpdateBatchStatus(ctx context.Context, sessionID, batchID string, status cadence.BatchStatus, update storage.BatchStatusUpdate) (cadence.Schedule, error) {
	if err := s.guard(ctx); err != nil {
		return cadence.Schedule{}, err
	}
	sessionID = strings.TrimSpace(sessionID)

	lock := s.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	s.mu.Lock()
	schedule, ok := s.schedules[sessionID]
	s.mu.Unlock()
	if !ok {
		return cadence.Schedule{}, storage.ErrNotFound
	}

	updated, err := cadence.AdvanceBatch(schedule, batchID, status, update, s.clock())
	if err != nil {
		return cadence.Schedule{}, err
	}

	s.mu.Lock()
	s.schedules[sessionID] = updated.Clone()
	s.mu.Unlock()
	return updated, nil
}

// SaveQueue stores the latest moderation queue snapshot for a session.
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

	lock := s.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	record := storage.QueueRecord{
		SessionID:    sessionID,
		State:        state.Clone(),
		PendingCount: state.PendingCount,
		UpdatedAt:    s.clock().UTC(),
	}
	s.mu.Lock()
	s.queues[sessionID] = record
	s.mu.Unlock()
	return nil
}

// GetQueue returns a deep copy of the stored queue snapshot.
func (s *Store) GetQueue(ctx context.Context, sessionID string) (storage.QueueRecord, error) {
	if err := s.guard(ctx); err != nil {
		return storage.QueueRecord{}, err
	}
	sessionID = strings.TrimSpace(sessionID)

	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.queues[sessionID]
	if !ok {
		return storage.QueueRecord{}, storage.ErrNotFound
	}
	record.State = record.State.Clone()
	return record, nil
}

// ListQueues returns a filtered page of queue snapshots, newest-updated
// first with session id as tiebreaker.
func (s *Store) ListQueues(ctx context.Context, req storage.ListQueuesRequest) (storage.QueuePage, error) {
	if err := s.guard(ctx); err != nil {
		return storage.QueuePage{}, err
	}

	match, err := filter.NewQueueMatcher(req.Filter)
	if err != nil {
		return storage.QueuePage{}, apperrors.Wrap(apperrors.CodeUnknown, "invalid queue filter", err)
	}

	pageSize := req.PageSize
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}

	var after *cursor.Cursor
	if req.PageToken != "" {
		decoded, err := cursor.Decode(req.PageToken)
		if err != nil {
			return storage.QueuePage{}, err
		}
		if err := cursor.ValidateFilterHash(decoded, req.Filter); err != nil {
			return storage.QueuePage{}, err
		}
		after = &decoded
	}

	s.mu.Lock()
	records := make([]storage.QueueRecord, 0, len(s.queues))
	for _, record := range s.queues {
		records = append(records, record)
	}
	s.mu.Unlock()

	sort.Slice(records, func(i, j int) bool {
		if !records[i].UpdatedAt.Equal(records[j].UpdatedAt) {
			return records[i].UpdatedAt.After(records[j].UpdatedAt)
		}
		return records[i].SessionID < records[j].SessionID
	})

	page := storage.QueuePage{}
	for _, record := range records {
		if !match(filter.QueueFields{
			SessionID:    record.SessionID,
			PendingCount: record.PendingCount,
			UpdatedAt:    record.UpdatedAt,
		}) {
			continue
		}
		if after != nil && !afterCursor(record, *after) {
			continue
		}
		if len(page.Queues) == pageSize {
			last := page.Queues[len(page.Queues)-1]
			token, err := cursor.Encode(cursor.New(last.UpdatedAt.UTC().UnixMilli(), last.SessionID, req.Filter))
			if err != nil {
				return storage.QueuePage{}, err
			}
			page.NextPageToken = token
			return page, nil
		}
		record.State = record.State.Clone()
		page.Queues = append(page.Queues, record)
	}
	return page, nil
}

// afterCursor reports whether the record sorts strictly after the cursor
// position in (updated_at desc, session_id asc) order.
func afterCursor(record storage.QueueRecord, c cursor.Cursor) bool {
	millis := record.UpdatedAt.UTC().UnixMilli()
	if millis != c.UpdatedAtMillis {
		return millis < c.UpdatedAtMillis
	}
	return record.SessionID > c.SessionID
}

// DeleteQueue removes a session's queue snapshot. Deleting a missing queue
// is not an error.
func (s *Store) DeleteQueue(ctx context.Context, sessionID string) error {
	if err := s.guard(ctx); err != nil {
		return err
	}
	sessionID = strings.TrimSpace(sessionID)

	lock := s.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	s.mu.Lock()
	delete(s.queues, sessionID)
	s.mu.Unlock()
	return nil
}

// AppendTelemetryEvent records one telemetry event.
func (s *Store) AppendTelemetryEvent(ctx context.Context, evt storage.TelemetryEvent) error {
	if err := s.guard(ctx); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	evt.ID = int64(len(s.telemetry) + 1)
	if evt.Timestamp.IsZero() {
		evt.Timestamp = s.clock().UTC()
	}
	if evt.Fields != nil {
		fields := make(map[string]any, len(evt.Fields))
		for key, value := range evt.Fields {
			fields[key] = value
		}
		evt.Fields = fields
	}
	s.telemetry = append(s.telemetry, evt)
	return nil
}

// TelemetryEvents returns a copy of all recorded events, oldest first.
func (s *Store) TelemetryEvents() []storage.TelemetryEvent {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]storage.TelemetryEvent, len(s.telemetry))
	copy(out, s.telemetry)
	return out
}
