package queue

import (
	"sort"
	"time"

	"github.com/mirrowen/afterglow/internal/continuity/domain/cadence"
)

// Item statuses.
const (
	ItemStatusNeedsReview = "needs-review"
	ItemStatusResolved    = "resolved"
)

// Item is one queue entry for a delta that requires moderation.
type Item struct {
	DeltaID              string
	EntityID             string
	EntityType           string
	CanonicalName        string
	CreatedAt            time.Time
	Status               string
	Blocking             bool
	Reasons              []string
	CapabilityViolations []string
	ConfidenceTier       string
	Conflicts            []string
	CapabilityRefs       []string
	ProposedChanges      map[string]any
	Before               map[string]any
	After                map[string]any
	CountdownMs          *int64
	DeadlineAt           *time.Time
	WindowStartAt        *time.Time
	EscalationsAt        []time.Time
	ModerationDecisionID string
	ResolvedAt           *time.Time
	DecisionActor        string
	Notes                string
}

// BatchView is the read-optimized batch summary carried on a snapshot.
type BatchView struct {
	ID     string
	Type   cadence.BatchType
	RunAt  time.Time
	Status cadence.BatchStatus
}

// DigestView is the read-optimized digest summary carried on a snapshot.
type DigestView struct {
	RunAt  time.Time
	Status cadence.BatchStatus
}

// CadenceView summarizes the owning schedule for queue readers.
type CadenceView struct {
	NextBatchAt  *time.Time
	NextDigestAt *time.Time
	Batches      []BatchView
	Digest       DigestView
}

// State is one derived moderation queue snapshot for a session.
type State struct {
	SessionID    string
	GeneratedAt  time.Time
	PendingCount int
	Items        []Item
	Window       *cadence.ModerationWindow
	Cadence      CadenceView
}

// Input carries everything Project needs. Schedule may be nil when no cadence
// has been planned yet; items then carry no deadline.
type Input struct {
	SessionID string
	Deltas    []Delta
	Schedule  *cadence.Schedule
	Now       time.Time
}

// Project derives a queue snapshot from the delta set and the session's
// cadence schedule. It is pure: neither input is mutated, and every slice or
// map on the result is freshly allocated.
//
// Deltas whose safety classification does not require moderation are
// intentionally excluded, not errors.
func Project(input Input) State {
	now := input.Now.UTC()
	state := State{
		SessionID:   input.SessionID,
		GeneratedAt: now,
		Items:       []Item{},
	}

	var window cadence.ModerationWindow
	hasWindow := false
	if input.Schedule != nil {
		schedule := input.Schedule.Clone()
		window = schedule.Window
		hasWindow = true
		state.Cadence = cadenceView(schedule)
	}

	for _, delta := range input.Deltas {
		if !delta.Safety.RequiresModeration {
			continue
		}
		item := Item{
			DeltaID:              delta.ID,
			EntityID:             delta.EntityID,
			EntityType:           delta.EntityType,
			CanonicalName:        delta.CanonicalName,
			CreatedAt:            delta.CreatedAt,
			Status:               itemStatus(delta.Status),
			Reasons:              normalizeReasons(delta.Safety.Reasons),
			CapabilityViolations: copyStrings(delta.Safety.CapabilityViolations),
			ConfidenceTier:       delta.Safety.Confidence,
			Conflicts:            copyStrings(delta.Safety.Conflicts),
			CapabilityRefs:       copyStrings(delta.CapabilityRefs),
			ProposedChanges:      copyValueMap(delta.ProposedChanges),
			Before:               copyValueMap(delta.Before),
			After:                copyValueMap(delta.After),
		}
		item.Blocking = item.Status != ItemStatusResolved
		if hasWindow {
			item.DeadlineAt = timePtr(window.EndAt)
			item.WindowStartAt = timePtr(window.StartAt)
			item.EscalationsAt = append([]time.Time(nil), window.Escalations...)
			item.CountdownMs = countdown(window.EndAt, now)
		}
		if item.Blocking {
			state.PendingCount++
		}
		state.Items = append(state.Items, item)
	}

	if hasWindow {
		if window.Status == "" {
			if state.PendingCount > 0 {
				window.Status = cadence.WindowStatusAwaitingReview
			} else {
				window.Status = cadence.WindowStatusClear
			}
		}
		state.Window = &window
	}

	return state
}

func cadenceView(schedule cadence.Schedule) CadenceView {
	view := CadenceView{
		Digest: DigestView{RunAt: schedule.Digest.RunAt, Status: schedule.Digest.Status},
	}
	if !schedule.Digest.RunAt.IsZero() {
		view.NextDigestAt = timePtr(schedule.Digest.RunAt)
	}
	for _, batch := range schedule.Batches {
		view.Batches = append(view.Batches, BatchView{
			ID:     batch.ID,
			Type:   batch.Type,
			RunAt:  batch.RunAt,
			Status: batch.Status,
		})
		if batch.Status.Terminal() {
			continue
		}
		if view.NextBatchAt == nil || batch.RunAt.Before(*view.NextBatchAt) {
			view.NextBatchAt = timePtr(batch.RunAt)
		}
	}
	return view
}

func itemStatus(status string) string {
	if status == ItemStatusResolved {
		return ItemStatusResolved
	}
	return ItemStatusNeedsReview
}

// normalizeReasons de-duplicates and sorts the reason set.
func normalizeReasons(reasons []string) []string {
	seen := make(map[string]bool, len(reasons))
	normalized := make([]string, 0, len(reasons))
	for _, reason := range reasons {
		if reason == "" || seen[reason] {
			continue
		}
		seen[reason] = true
		normalized = append(normalized, reason)
	}
	sort.Strings(normalized)
	return normalized
}

// countdown clamps deadline minus now to zero; a deadline in the past still
// reports a zero countdown, never a negative one.
func countdown(deadline, now time.Time) *int64 {
	if deadline.IsZero() {
		return nil
	}
	remaining := deadline.Sub(now).Milliseconds()
	if remaining < 0 {
		remaining = 0
	}
	return &remaining
}

func timePtr(value time.Time) *time.Time {
	cloned := value
	return &cloned
}

func copyStrings(values []string) []string {
	if values == nil {
		return nil
	}
	return append([]string(nil), values...)
}

func copyValueMap(value map[string]any) map[string]any {
	if value == nil {
		return nil
	}
	cloned := make(map[string]any, len(value))
	for k, v := range value {
		switch typed := v.(type) {
		case map[string]any:
			cloned[k] = copyValueMap(typed)
		case []any:
			items := make([]any, len(typed))
			for i, item := range typed {
				if nested, ok := item.(map[string]any); ok {
					items[i] = copyValueMap(nested)
					continue
				}
				items[i] = item
			}
			cloned[k] = items
		default:
			cloned[k] = typed
		}
	}
	return cloned
}

// Clone returns a structurally independent copy of the snapshot.
func (s State) Clone() State {
	cloned := s
	if s.Items != nil {
		cloned.Items = make([]Item, len(s.Items))
		for i, item := range s.Items {
			cloned.Items[i] = item.clone()
		}
	}
	if s.Window != nil {
		window := *s.Window
		if s.Window.Escalations != nil {
			window.Escalations = append([]time.Time(nil), s.Window.Escalations...)
		}
		cloned.Window = &window
	}
	cloned.Cadence = s.Cadence.clone()
	return cloned
}

func (i Item) clone() Item {
	cloned := i
	cloned.Reasons = copyStrings(i.Reasons)
	cloned.CapabilityViolations = copyStrings(i.CapabilityViolations)
	cloned.Conflicts = copyStrings(i.Conflicts)
	cloned.CapabilityRefs = copyStrings(i.CapabilityRefs)
	cloned.ProposedChanges = copyValueMap(i.ProposedChanges)
	cloned.Before = copyValueMap(i.Before)
	cloned.After = copyValueMap(i.After)
	if i.CountdownMs != nil {
		value := *i.CountdownMs
		cloned.CountdownMs = &value
	}
	if i.DeadlineAt != nil {
		cloned.DeadlineAt = timePtr(*i.DeadlineAt)
	}
	if i.WindowStartAt != nil {
		cloned.WindowStartAt = timePtr(*i.WindowStartAt)
	}
	if i.EscalationsAt != nil {
		cloned.EscalationsAt = append([]time.Time(nil), i.EscalationsAt...)
	}
	if i.ResolvedAt != nil {
		cloned.ResolvedAt = timePtr(*i.ResolvedAt)
	}
	return cloned
}

func (v CadenceView) clone() CadenceView {
	cloned := v
	if v.NextBatchAt != nil {
		cloned.NextBatchAt = timePtr(*v.NextBatchAt)
	}
	if v.NextDigestAt != nil {
		cloned.NextDigestAt = timePtr(*v.NextDigestAt)
	}
	if v.Batches != nil {
		cloned.Batches = append([]BatchView(nil), v.Batches...)
	}
	return cloned
}
