package cadence

import (
	stderrors "errors"
	"testing"
	"time"

	apperrors "github.com/mirrowen/afterglow/internal/platform/errors"
)

func TestComputeReferenceScenario(t *testing.T) {
	closedAt := time.Date(2025, 11, 5, 10, 0, 0, 0, time.UTC)

	schedule, err := Compute(closedAt, DefaultConfig())
	if err != nil {
		t.Fatalf("compute: %v", err)
	}

	wantStart := time.Date(2025, 11, 5, 10, 15, 0, 0, time.UTC)
	wantEnd := time.Date(2025, 11, 5, 11, 0, 0, 0, time.UTC)
	if !schedule.Window.StartAt.Equal(wantStart) {
		t.Fatalf("window start = %v, want %v", schedule.Window.StartAt, wantStart)
	}
	if !schedule.Window.EndAt.Equal(wantEnd) {
		t.Fatalf("window end = %v, want %v", schedule.Window.EndAt, wantEnd)
	}

	wantEscalations := []time.Time{
		time.Date(2025, 11, 5, 10, 45, 0, 0, time.UTC),
		time.Date(2025, 11, 5, 10, 55, 0, 0, time.UTC),
	}
	if len(schedule.Window.Escalations) != len(wantEscalations) {
		t.Fatalf("escalations len = %d, want %d", len(schedule.Window.Escalations), len(wantEscalations))
	}
	for i, want := range wantEscalations {
		if !schedule.Window.Escalations[i].Equal(want) {
			t.Fatalf("escalation[%d] = %v, want %v", i, schedule.Window.Escalations[i], want)
		}
	}

	if len(schedule.Batches) != 1 {
		t.Fatalf("batches len = %d, want 1", len(schedule.Batches))
	}
	batch := schedule.Batches[0]
	if batch.Type != BatchTypeHourly {
		t.Fatalf("batch type = %q, want %q", batch.Type, BatchTypeHourly)
	}
	if batch.Status != BatchStatusScheduled {
		t.Fatalf("batch status = %q, want %q", batch.Status, BatchStatusScheduled)
	}
	if !batch.RunAt.Equal(schedule.Window.EndAt) {
		t.Fatalf("batch run at = %v, want window end %v", batch.RunAt, schedule.Window.EndAt)
	}
	if batch.ID == "" {
		t.Fatal("expected generated batch id")
	}

	wantDigest := time.Date(2025, 11, 6, 2, 0, 0, 0, time.UTC)
	if !schedule.Digest.RunAt.Equal(wantDigest) {
		t.Fatalf("digest run at = %v, want %v", schedule.Digest.RunAt, wantDigest)
	}
}

func TestComputeWindowOrderingHolds(t *testing.T) {
	closures := []time.Time{
		time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2025, 6, 30, 23, 59, 59, 0, time.UTC),
		time.Date(2025, 12, 31, 12, 34, 56, 0, time.UTC),
		time.Date(2026, 2, 28, 23, 0, 0, 0, time.UTC),
	}
	for _, closedAt := range closures {
		schedule, err := Compute(closedAt, DefaultConfig())
		if err != nil {
			t.Fatalf("compute %v: %v", closedAt, err)
		}
		window := schedule.Window
		if len(window.Escalations) != 2 {
			t.Fatalf("escalations len = %d, want 2", len(window.Escalations))
		}
		if !window.StartAt.Before(window.Escalations[0]) {
			t.Fatalf("start %v not before first escalation %v", window.StartAt, window.Escalations[0])
		}
		if !window.Escalations[0].Before(window.Escalations[1]) {
			t.Fatalf("escalations not strictly increasing: %v", window.Escalations)
		}
		if !window.Escalations[1].Before(window.EndAt) {
			t.Fatalf("last escalation %v not before end %v", window.Escalations[1], window.EndAt)
		}
		if !schedule.Batches[0].RunAt.Equal(window.EndAt) {
			t.Fatalf("batch run %v != window end %v", schedule.Batches[0].RunAt, window.EndAt)
		}
	}
}

func TestDigestAlwaysNextCalendarDay(t *testing.T) {
	cases := []struct {
		closedAt time.Time
		want     time.Time
	}{
		// Early-morning closure before the digest hour still digests the
		// NEXT day, never the same day.
		{time.Date(2025, 11, 5, 1, 30, 0, 0, time.UTC), time.Date(2025, 11, 6, 2, 0, 0, 0, time.UTC)},
		{time.Date(2025, 11, 5, 0, 0, 0, 0, time.UTC), time.Date(2025, 11, 6, 2, 0, 0, 0, time.UTC)},
		{time.Date(2025, 11, 5, 23, 59, 0, 0, time.UTC), time.Date(2025, 11, 6, 2, 0, 0, 0, time.UTC)},
		// Month and year rollovers.
		{time.Date(2025, 11, 30, 22, 0, 0, 0, time.UTC), time.Date(2025, 12, 1, 2, 0, 0, 0, time.UTC)},
		{time.Date(2025, 12, 31, 5, 0, 0, 0, time.UTC), time.Date(2026, 1, 1, 2, 0, 0, 0, time.UTC)},
		// Non-UTC input is normalized to the UTC calendar day.
		{time.Date(2025, 11, 5, 20, 0, 0, 0, time.FixedZone("plus5", 5*3600)), time.Date(2025, 11, 6, 2, 0, 0, 0, time.UTC)},
	}
	for _, tc := range cases {
		got := DigestRunAt(tc.closedAt, 2)
		if !got.Equal(tc.want) {
			t.Fatalf("digest for %v = %v, want %v", tc.closedAt, got, tc.want)
		}
	}
}

func TestComputeRejectsZeroClosure(t *testing.T) {
	_, err := Compute(time.Time{}, DefaultConfig())
	if err == nil {
		t.Fatal("expected error for zero closure instant")
	}
	if !stderrors.Is(err, apperrors.New(apperrors.CodeInvalidClosureInstant, "")) {
		t.Fatalf("expected invalid closure code, got %v", err)
	}
}

func TestComputeRejectsEscalationOutsideWindow(t *testing.T) {
	cfg := DefaultConfig()
	cfg.EscalationsAfter = []time.Duration{10 * time.Minute}

	if _, err := Compute(time.Date(2025, 11, 5, 10, 0, 0, 0, time.UTC), cfg); err == nil {
		t.Fatal("expected error for escalation before window open")
	}

	cfg.EscalationsAfter = []time.Duration{60 * time.Minute}
	if _, err := Compute(time.Date(2025, 11, 5, 10, 0, 0, 0, time.UTC), cfg); err == nil {
		t.Fatal("expected error for escalation at window close")
	}
}

func TestComputeRejectsInvertedWindow(t *testing.T) {
	cfg := DefaultConfig()
	cfg.WindowOpensAfter = time.Hour
	cfg.WindowClosesAfter = 30 * time.Minute

	if _, err := Compute(time.Date(2025, 11, 5, 10, 0, 0, 0, time.UTC), cfg); err == nil {
		t.Fatal("expected error for window closing before it opens")
	}
}

func TestConfigNormalizedFillsDefaults(t *testing.T) {
	cfg := Config{}.Normalized()
	if cfg.WindowOpensAfter != DefaultWindowOpensAfter {
		t.Fatalf("opens after = %v, want %v", cfg.WindowOpensAfter, DefaultWindowOpensAfter)
	}
	if cfg.WindowClosesAfter != DefaultWindowClosesAfter {
		t.Fatalf("closes after = %v, want %v", cfg.WindowClosesAfter, DefaultWindowClosesAfter)
	}
	if cfg.MaxOverrideDefer != DefaultMaxOverrideDefer {
		t.Fatalf("max defer = %v, want %v", cfg.MaxOverrideDefer, DefaultMaxOverrideDefer)
	}
	if cfg.NewID == nil {
		t.Fatal("expected id generator default")
	}
}
