package cadence

import "time"

// BatchType identifies the publication cadence a batch belongs to.
type BatchType string

const (
	// BatchTypeHourly is the near-term publication batch scheduled at the
	// moderation window close.
	BatchTypeHourly BatchType = "hourly"
)

// BatchStatus is the lifecycle state of one publication batch.
type BatchStatus string

const (
	BatchStatusScheduled BatchStatus = "scheduled"
	BatchStatusReady     BatchStatus = "ready"
	BatchStatusPublished BatchStatus = "published"
	BatchStatusFailed    BatchStatus = "failed"
)

// Valid reports whether the status is a known batch status.
func (s BatchStatus) Valid() bool {
	switch s {
	case BatchStatusScheduled, BatchStatusReady, BatchStatusPublished, BatchStatusFailed:
		return true
	}
	return false
}

// Terminal reports whether the status admits no further transitions.
func (s BatchStatus) Terminal() bool {
	return s == BatchStatusPublished || s == BatchStatusFailed
}

// CanTransition reports whether a batch may move from s to next.
// Publication never skips ready: a batch must be prepared and counted before
// it publishes. Failed is reachable from any non-terminal state. Re-asserting
// the current non-terminal status is allowed so metadata merges stay
// idempotent.
func (s BatchStatus) CanTransition(next BatchStatus) bool {
	if !next.Valid() {
		return false
	}
	if s.Terminal() {
		return false
	}
	if next == s {
		return true
	}
	switch s {
	case BatchStatusScheduled:
		return next == BatchStatusReady || next == BatchStatusFailed
	case BatchStatusReady:
		return next == BatchStatusPublished || next == BatchStatusFailed
	}
	return false
}

// Moderation window statuses. An empty status means the window status is
// derived by readers (the queue projector) instead of pinned by an operator.
const (
	WindowStatusAwaitingReview = "awaiting_review"
	WindowStatusClear          = "clear"
)

// History entry types appended by the schedule store.
const (
	HistoryCadenceInitialised = "cadence.initialised"
	HistoryOverrideApplied    = "cadence.override.applied"
	HistoryBatchStatus        = "cadence.batch.status"
)

// ModerationWindow is the span during which pending deltas may be reviewed
// before the near-term batch publishes.
type ModerationWindow struct {
	Status      string
	StartAt     time.Time
	EndAt       time.Time
	Escalations []time.Time
	Notes       string
	UpdatedAt   time.Time
}

// Override records one bounded human deferral applied to a batch.
type Override struct {
	DeferByMinutes int
	Actor          string
	Reason         string
	TargetBatchID  string
	AppliedAt      time.Time
}

// Batch is one scheduled unit of content publication.
type Batch struct {
	ID          string
	Type        BatchType
	RunAt       time.Time
	Status      BatchStatus
	PreparedAt  *time.Time
	PublishedAt *time.Time
	DeltaCount  int
	LatencyMs   int64
	Notes       string
	Override    *Override
}

// Digest is the once-daily aggregate publication event for a session.
type Digest struct {
	RunAt  time.Time
	Status BatchStatus
	Notes  string
}

// HistoryEntry is one immutable audit record of a schedule state change.
type HistoryEntry struct {
	Type       string
	OccurredAt time.Time
	Payload    map[string]any
}

// Schedule is the full offline publication plan for one session.
type Schedule struct {
	SessionID string
	ClosedAt  time.Time
	Window    ModerationWindow
	Batches   []Batch
	Digest    Digest
	Overrides []Override
	History   []HistoryEntry
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Clone returns a structurally independent deep copy. Mutating the clone
// never affects the receiver.
func (s Schedule) Clone() Schedule {
	cloned := s
	cloned.Window = s.Window.clone()
	if s.Batches != nil {
		cloned.Batches = make([]Batch, len(s.Batches))
		for i, batch := range s.Batches {
			cloned.Batches[i] = batch.clone()
		}
	}
	if s.Overrides != nil {
		cloned.Overrides = make([]Override, len(s.Overrides))
		copy(cloned.Overrides, s.Overrides)
	}
	if s.History != nil {
		cloned.History = make([]HistoryEntry, len(s.History))
		for i, entry := range s.History {
			cloned.History[i] = HistoryEntry{
				Type:       entry.Type,
				OccurredAt: entry.OccurredAt,
				Payload:    cloneAnyMap(entry.Payload),
			}
		}
	}
	return cloned
}

func (w ModerationWindow) clone() ModerationWindow {
	cloned := w
	if w.Escalations != nil {
		cloned.Escalations = make([]time.Time, len(w.Escalations))
		copy(cloned.Escalations, w.Escalations)
	}
	return cloned
}

func (b Batch) clone() Batch {
	cloned := b
	cloned.PreparedAt = cloneTime(b.PreparedAt)
	cloned.PublishedAt = cloneTime(b.PublishedAt)
	if b.Override != nil {
		override := *b.Override
		cloned.Override = &override
	}
	return cloned
}

func cloneTime(value *time.Time) *time.Time {
	if value == nil {
		return nil
	}
	cloned := *value
	return &cloned
}

func cloneAnyMap(value map[string]any) map[string]any {
	if value == nil {
		return nil
	}
	cloned := make(map[string]any, len(value))
	for k, v := range value {
		cloned[k] = cloneAnyValue(v)
	}
	return cloned
}

func cloneAnySlice(value []any) []any {
	cloned := make([]any, len(value))
	for i, v := range value {
		cloned[i] = cloneAnyValue(v)
	}
	return cloned
}

func cloneAnyValue(value any) any {
	switch typed := value.(type) {
	case map[string]any:
		return cloneAnyMap(typed)
	case []any:
		return cloneAnySlice(typed)
	default:
		return typed
	}
}

// BatchIndex returns the position of the batch with the given id, or -1.
func (s Schedule) BatchIndex(batchID string) int {
	for i := range s.Batches {
		if s.Batches[i].ID == batchID {
			return i
		}
	}
	return -1
}

// NextDeferrableBatchIndex returns the position of the soonest batch that has
// not yet run (status scheduled or ready), or -1 when every batch is terminal.
func (s Schedule) NextDeferrableBatchIndex() int {
	best := -1
	for i := range s.Batches {
		if s.Batches[i].Status.Terminal() {
			continue
		}
		if best == -1 || s.Batches[i].RunAt.Before(s.Batches[best].RunAt) {
			best = i
		}
	}
	return best
}
