package memory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/mirrowen/afterglow/internal/continuity/domain/cadence"
	"github.com/mirrowen/afterglow/internal/continuity/domain/queue"
	"github.com/mirrowen/afterglow/internal/continuity/storage"
	apperrors "github.com/mirrowen/afterglow/internal/platform/errors"
)

func testStore(t *testing.T, now time.Time) *Store {
	t.Helper()
	return NewStore(WithClock(func() time.Time { return now }))
}

func TestPlanSessionComputesSchedule(t *testing.T) {
	closedAt := time.Date(2025, 11, 5, 10, 0, 0, 0, time.UTC)
	store := testStore(t, closedAt.Add(time.Second))
	ctx := context.Background()

	schedule, err := store.PlanSession(ctx, "sess-1", closedAt)
	if err != nil {
		t.Fatalf("PlanSession() error = %v", err)
	}

	if !schedule.Window.StartAt.Equal(closedAt.Add(15 * time.Minute)) {
		t.Fatalf("Window.StartAt = %v, want closure + 15m", schedule.Window.StartAt)
	}
	if !schedule.Window.EndAt.Equal(closedAt.Add(time.Hour)) {
		t.Fatalf("Window.EndAt = %v, want closure + 60m", schedule.Window.EndAt)
	}
	if len(schedule.Batches) != 1 || !schedule.Batches[0].RunAt.Equal(schedule.Window.EndAt) {
		t.Fatalf("Batches = %+v, want one hourly batch at window end", schedule.Batches)
	}
	wantDigest := time.Date(2025, 11, 6, 2, 0, 0, 0, time.UTC)
	if !schedule.Digest.RunAt.Equal(wantDigest) {
		t.Fatalf("Digest.RunAt = %v, want %v", schedule.Digest.RunAt, wantDigest)
	}
}

func TestPlanSessionRejectsDuplicate(t *testing.T) {
	closedAt := time.Date(2025, 11, 5, 10, 0, 0, 0, time.UTC)
	store := testStore(t, closedAt)
	ctx := context.Background()

	if _, err := store.PlanSession(ctx, "sess-1", closedAt); err != nil {
		t.Fatalf("PlanSession() error = %v", err)
	}
	_, err := store.PlanSession(ctx, "sess-1", closedAt.Add(time.Hour))
	if !errors.Is(err, storage.ErrSessionScheduleExists) {
		t.Fatalf("second PlanSession() error = %v, want ErrSessionScheduleExists", err)
	}

	// Original schedule survives the rejected re-plan.
	schedule, err := store.GetSchedule(ctx, "sess-1")
	if err != nil {
		t.Fatalf("GetSchedule() error = %v", err)
	}
	if !schedule.ClosedAt.Equal(closedAt) {
		t.Fatalf("ClosedAt = %v, want %v", schedule.ClosedAt, closedAt)
	}
}

func TestGetScheduleReturnsIndependentCopy(t *testing.T) {
	closedAt := time.Date(2025, 11, 5, 10, 0, 0, 0, time.UTC)
	store := testStore(t, closedAt)
	ctx := context.Background()

	if _, err := store.PlanSession(ctx, "sess-1", closedAt); err != nil {
		t.Fatalf("PlanSession() error = %v", err)
	}

	first, err := store.GetSchedule(ctx, "sess-1")
	if err != nil {
		t.Fatalf("GetSchedule() error = %v", err)
	}
	first.Batches[0].Status = cadence.BatchStatusFailed
	first.Window.Notes = "scribbled"

	second, err := store.GetSchedule(ctx, "sess-1")
	if err != nil {
		t.Fatalf("GetSchedule() error = %v", err)
	}
	if second.Batches[0].Status != cadence.BatchStatusScheduled {
		t.Fatal("mutating a returned schedule leaked into the store")
	}
	if second.Window.Notes != "" {
		t.Fatal("mutating a returned window leaked into the store")
	}
}

func TestApplyOverrideRejectionLeavesStateUntouched(t *testing.T) {
	closedAt := time.Date(2025, 11, 5, 10, 0, 0, 0, time.UTC)
	store := testStore(t, closedAt)
	ctx := context.Background()

	planned, err := store.PlanSession(ctx, "sess-1", closedAt)
	if err != nil {
		t.Fatalf("PlanSession() error = %v", err)
	}

	_, err = store.ApplyOverride(ctx, "sess-1", storage.OverrideRequest{
		DeferByMinutes: 721,
		Actor:          "mod-7",
		Reason:         "too far",
	})
	if !errors.Is(err, storage.ErrOverrideExceedsLimit) {
		t.Fatalf("ApplyOverride() error = %v, want ErrOverrideExceedsLimit", err)
	}

	schedule, err := store.GetSchedule(ctx, "sess-1")
	if err != nil {
		t.Fatalf("GetSchedule() error = %v", err)
	}
	if !schedule.Batches[0].RunAt.Equal(planned.Batches[0].RunAt) {
		t.Fatal("rejected override moved the batch run time")
	}
	if len(schedule.Overrides) != 0 {
		t.Fatalf("len(Overrides) = %d, want 0 after rejection", len(schedule.Overrides))
	}
}

func TestApplyOverrideStacks(t *testing.T) {
	closedAt := time.Date(2025, 11, 5, 10, 0, 0, 0, time.UTC)
	store := testStore(t, closedAt)
	ctx := context.Background()

	planned, err := store.PlanSession(ctx, "sess-1", closedAt)
	if err != nil {
		t.Fatalf("PlanSession() error = %v", err)
	}
	baseRunAt := planned.Batches[0].RunAt

	for _, minutes := range []int{30, 45} {
		if _, err := store.ApplyOverride(ctx, "sess-1", storage.OverrideRequest{
			DeferByMinutes: minutes,
			Actor:          "mod-7",
			Reason:         "queue backlog",
		}); err != nil {
			t.Fatalf("ApplyOverride(%d) error = %v", minutes, err)
		}
	}

	schedule, err := store.GetSchedule(ctx, "sess-1")
	if err != nil {
		t.Fatalf("GetSchedule() error = %v", err)
	}
	want := baseRunAt.Add(75 * time.Minute)
	if !schedule.Batches[0].RunAt.Equal(want) {
		t.Fatalf("RunAt = %v, want %v", schedule.Batches[0].RunAt, want)
	}
	if len(schedule.Overrides) != 2 {
		t.Fatalf("len(Overrides) = %d, want 2", len(schedule.Overrides))
	}
}

func TestConcurrentWritesSerializePerSession(t *testing.T) {
	closedAt := time.Date(2025, 11, 5, 10, 0, 0, 0, time.UTC)

	// Each clock read advances one millisecond under the store's session
	// lock, so history timestamps expose the completion order.
	var clockMu sync.Mutex
	now := closedAt
	store := NewStore(WithClock(func() time.Time {
		clockMu.Lock()
		defer clockMu.Unlock()
		now = now.Add(time.Millisecond)
		return now
	}))
	ctx := context.Background()

	if _, err := store.PlanSession(ctx, "sess-1", closedAt); err != nil {
		t.Fatalf("PlanSession() error = %v", err)
	}

	const writers = 8
	var wg sync.WaitGroup
	errs := make([]error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = store.ApplyOverride(ctx, "sess-1", storage.OverrideRequest{
				DeferByMinutes: 1,
				Actor:          "mod-7",
				Reason:         "load",
			})
		}(i)
	}
	wg.Wait()
	for i, err := range errs {
		if err != nil {
			t.Fatalf("ApplyOverride() #%d error = %v", i, err)
		}
	}

	schedule, err := store.GetSchedule(ctx, "sess-1")
	if err != nil {
		t.Fatalf("GetSchedule() error = %v", err)
	}
	if len(schedule.Overrides) != writers {
		t.Fatalf("len(Overrides) = %d, want %d", len(schedule.Overrides), writers)
	}
	wantRunAt := closedAt.Add(time.Hour).Add(writers * time.Minute)
	if !schedule.Batches[0].RunAt.Equal(wantRunAt) {
		t.Fatalf("RunAt = %v, want every deferral applied (%v)", schedule.Batches[0].RunAt, wantRunAt)
	}
	if len(schedule.History) != writers+1 {
		t.Fatalf("len(History) = %d, want %d", len(schedule.History), writers+1)
	}
	for i := 1; i < len(schedule.History); i++ {
		if !schedule.History[i].OccurredAt.After(schedule.History[i-1].OccurredAt) {
			t.Fatalf("History[%d].OccurredAt = %v, not after History[%d].OccurredAt = %v",
				i, schedule.History[i].OccurredAt, i-1, schedule.History[i-1].OccurredAt)
		}
	}
}

func TestUpdateBatchStatusEnforcesStateMachine(t *testing.T) {
	closedAt := time.Date(2025, 11, 5, 10, 0, 0, 0, time.UTC)
	store := testStore(t, closedAt)
	ctx := context.Background()

	planned, err := store.PlanSession(ctx, "sess-1", closedAt)
	if err != nil {
		t.Fatalf("PlanSession() error = %v", err)
	}
	batchID := planned.Batches[0].ID

	_, err = store.UpdateBatchStatus(ctx, "sess-1", batchID, cadence.BatchStatusPublished, storage.BatchStatusUpdate{})
	if !errors.Is(err, storage.ErrInvalidBatchTransition) {
		t.Fatalf("scheduled->published error = %v, want ErrInvalidBatchTransition", err)
	}

	if _, err := store.UpdateBatchStatus(ctx, "sess-1", batchID, cadence.BatchStatusReady, storage.BatchStatusUpdate{}); err != nil {
		t.Fatalf("scheduled->ready error = %v", err)
	}
	schedule, err := store.UpdateBatchStatus(ctx, "sess-1", batchID, cadence.BatchStatusPublished, storage.BatchStatusUpdate{})
	if err != nil {
		t.Fatalf("ready->published error = %v", err)
	}
	if schedule.Batches[0].Status != cadence.BatchStatusPublished {
		t.Fatalf("Status = %q, want published", schedule.Batches[0].Status)
	}

	_, err = store.UpdateBatchStatus(ctx, "sess-1", batchID, cadence.BatchStatusFailed, storage.BatchStatusUpdate{})
	if !errors.Is(err, storage.ErrInvalidBatchTransition) {
		t.Fatalf("published->failed error = %v, want ErrInvalidBatchTransition", err)
	}

	_, err = store.UpdateBatchStatus(ctx, "sess-1", "missing", cadence.BatchStatusReady, storage.BatchStatusUpdate{})
	if !errors.Is(err, storage.ErrUnknownBatch) {
		t.Fatalf("unknown batch error = %v, want ErrUnknownBatch", err)
	}
}

func TestQueueRoundTrip(t *testing.T) {
	now := time.Date(2025, 11, 5, 12, 0, 0, 0, time.UTC)
	store := testStore(t, now)
	ctx := context.Background()

	state := queue.State{
		SessionID:    "sess-1",
		GeneratedAt:  now,
		PendingCount: 2,
		Items: []queue.Item{
			{DeltaID: "delta-1", Status: queue.ItemStatusNeedsReview, Blocking: true},
			{DeltaID: "delta-2", Status: queue.ItemStatusNeedsReview, Blocking: true},
		},
	}
	if err := store.SaveQueue(ctx, "sess-1", state); err != nil {
		t.Fatalf("SaveQueue() error = %v", err)
	}

	record, err := store.GetQueue(ctx, "sess-1")
	if err != nil {
		t.Fatalf("GetQueue() error = %v", err)
	}
	if record.PendingCount != 2 || len(record.State.Items) != 2 {
		t.Fatalf("record = %+v, want 2 pending items", record)
	}

	// Returned snapshot is independent of stored state.
	record.State.Items[0].Status = queue.ItemStatusResolved
	again, err := store.GetQueue(ctx, "sess-1")
	if err != nil {
		t.Fatalf("GetQueue() error = %v", err)
	}
	if again.State.Items[0].Status != queue.ItemStatusNeedsReview {
		t.Fatal("mutating a returned snapshot leaked into the store")
	}

	if err := store.DeleteQueue(ctx, "sess-1"); err != nil {
		t.Fatalf("DeleteQueue() error = %v", err)
	}
	if _, err := store.GetQueue(ctx, "sess-1"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("GetQueue() after delete error = %v, want ErrNotFound", err)
	}
	if err := store.DeleteQueue(ctx, "sess-1"); err != nil {
		t.Fatalf("DeleteQueue() on missing queue error = %v, want nil", err)
	}
}

func TestSaveQueueRejectsInconsistentSnapshot(t *testing.T) {
	now := time.Date(2025, 11, 5, 12, 0, 0, 0, time.UTC)
	store := testStore(t, now)
	ctx := context.Background()

	err := store.SaveQueue(ctx, "sess-1", queue.State{
		SessionID:    "sess-1",
		PendingCount: 5,
		Items:        []queue.Item{{DeltaID: "delta-1", Status: queue.ItemStatusNeedsReview, Blocking: true}},
	})
	if apperrors.CodeOf(err) != apperrors.CodeInvalidQueueSnapshot {
		t.Fatalf("CodeOf(err) = %q, want %q", apperrors.CodeOf(err), apperrors.CodeInvalidQueueSnapshot)
	}

	err = store.SaveQueue(ctx, "sess-1", queue.State{
		SessionID:    "sess-2",
		PendingCount: 0,
	})
	if apperrors.CodeOf(err) != apperrors.CodeInvalidQueueSnapshot {
		t.Fatalf("mismatched session CodeOf(err) = %q, want %q", apperrors.CodeOf(err), apperrors.CodeInvalidQueueSnapshot)
	}

	// The rejected write leaves nothing behind.
	if _, err := store.GetQueue(ctx, "sess-1"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("GetQueue() after rejected save error = %v, want ErrNotFound", err)
	}
}

func TestListQueuesPaginationAndFilter(t *testing.T) {
	base := time.Date(2025, 11, 5, 12, 0, 0, 0, time.UTC)
	now := base
	store := NewStore(WithClock(func() time.Time { return now }))
	ctx := context.Background()

	sessions := []struct {
		id      string
		pending int
	}{
		{"sess-a", 0},
		{"sess-b", 3},
		{"sess-c", 1},
		{"sess-d", 5},
	}
	for i, s := range sessions {
		now = base.Add(time.Duration(i) * time.Minute)
		state := queue.State{SessionID: s.id, PendingCount: s.pending}
		for j := 0; j < s.pending; j++ {
			state.Items = append(state.Items, queue.Item{
				DeltaID:  s.id + "-delta",
				Status:   queue.ItemStatusNeedsReview,
				Blocking: true,
			})
		}
		if err := store.SaveQueue(ctx, s.id, state); err != nil {
			t.Fatalf("SaveQueue(%s) error = %v", s.id, err)
		}
	}

	// Newest-updated first.
	page, err := store.ListQueues(ctx, storage.ListQueuesRequest{PageSize: 2})
	if err != nil {
		t.Fatalf("ListQueues() error = %v", err)
	}
	if len(page.Queues) != 2 || page.Queues[0].SessionID != "sess-d" || page.Queues[1].SessionID != "sess-c" {
		t.Fatalf("first page = %+v, want sess-d then sess-c", page.Queues)
	}
	if page.NextPageToken == "" {
		t.Fatal("expected a next page token")
	}

	rest, err := store.ListQueues(ctx, storage.ListQueuesRequest{PageSize: 2, PageToken: page.NextPageToken})
	if err != nil {
		t.Fatalf("ListQueues(page 2) error = %v", err)
	}
	if len(rest.Queues) != 2 || rest.Queues[0].SessionID != "sess-b" || rest.Queues[1].SessionID != "sess-a" {
		t.Fatalf("second page = %+v, want sess-b then sess-a", rest.Queues)
	}
	if rest.NextPageToken != "" {
		t.Fatalf("NextPageToken = %q, want empty on last page", rest.NextPageToken)
	}

	// Filter narrows to blocked sessions only.
	filtered, err := store.ListQueues(ctx, storage.ListQueuesRequest{Filter: "pending_count > 0"})
	if err != nil {
		t.Fatalf("ListQueues(filtered) error = %v", err)
	}
	if len(filtered.Queues) != 3 {
		t.Fatalf("len(filtered) = %d, want 3", len(filtered.Queues))
	}
	for _, record := range filtered.Queues {
		if record.PendingCount == 0 {
			t.Fatalf("filter leaked clear session %s", record.SessionID)
		}
	}

	// A token minted under one filter cannot be replayed under another.
	withFilter, err := store.ListQueues(ctx, storage.ListQueuesRequest{PageSize: 1, Filter: "pending_count > 0"})
	if err != nil {
		t.Fatalf("ListQueues() error = %v", err)
	}
	if _, err := store.ListQueues(ctx, storage.ListQueuesRequest{PageToken: withFilter.NextPageToken, Filter: "pending_count > 1"}); err == nil {
		t.Fatal("expected filter hash mismatch error")
	}
}

func TestAppendTelemetryEvent(t *testing.T) {
	now := time.Date(2025, 11, 5, 12, 0, 0, 0, time.UTC)
	store := testStore(t, now)
	ctx := context.Background()

	err := store.AppendTelemetryEvent(ctx, storage.TelemetryEvent{
		EventName: "job.completed",
		SessionID: "sess-1",
		Severity:  "info",
		Fields:    map[string]any{"durationMs": int64(1200)},
	})
	if err != nil {
		t.Fatalf("AppendTelemetryEvent() error = %v", err)
	}

	events := store.TelemetryEvents()
	if len(events) != 1 {
		t.Fatalf("len(events) = %d, want 1", len(events))
	}
	if events[0].ID != 1 || !events[0].Timestamp.Equal(now) {
		t.Fatalf("event = %+v, want id 1 stamped at clock time", events[0])
	}
}
