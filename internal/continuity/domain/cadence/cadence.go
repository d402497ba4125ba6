package cadence

import (
	"fmt"
	"sort"
	"time"

	apperrors "github.com/mirrowen/afterglow/internal/platform/errors"
	"github.com/mirrowen/afterglow/internal/platform/id"
)

// Defaults for the reference cadence. Offsets are measured from the closure
// instant.
const (
	DefaultWindowOpensAfter  = 15 * time.Minute
	DefaultWindowClosesAfter = 60 * time.Minute
	DefaultDigestHourUTC     = 2
	DefaultMaxOverrideDefer  = 12 * time.Hour
)

// DefaultEscalationsAfter returns the reference escalation checkpoint offsets.
func DefaultEscalationsAfter() []time.Duration {
	return []time.Duration{45 * time.Minute, 55 * time.Minute}
}

// Config controls the clock policy and the override bound.
type Config struct {
	// WindowOpensAfter is the closure-to-window-open offset.
	WindowOpensAfter time.Duration
	// WindowClosesAfter is the closure-to-window-close offset; the near-term
	// batch runs exactly at the close.
	WindowClosesAfter time.Duration
	// EscalationsAfter are closure-relative checkpoint offsets, strictly
	// increasing and strictly inside the window.
	EscalationsAfter []time.Duration
	// DigestHourUTC is the UTC hour of the nightly digest.
	DigestHourUTC int
	// MaxOverrideDefer bounds each individual override deferral.
	MaxOverrideDefer time.Duration
	// NewID generates batch identifiers; defaults to platform id generation.
	NewID func() (string, error)
}

// DefaultConfig returns the reference cadence configuration.
func DefaultConfig() Config {
	return Config{
		WindowOpensAfter:  DefaultWindowOpensAfter,
		WindowClosesAfter: DefaultWindowClosesAfter,
		EscalationsAfter:  DefaultEscalationsAfter(),
		DigestHourUTC:     DefaultDigestHourUTC,
		MaxOverrideDefer:  DefaultMaxOverrideDefer,
	}
}

// Normalized fills zero-valued fields from the reference defaults.
func (c Config) Normalized() Config {
	if c.WindowOpensAfter <= 0 {
		c.WindowOpensAfter = DefaultWindowOpensAfter
	}
	if c.WindowClosesAfter <= 0 {
		c.WindowClosesAfter = DefaultWindowClosesAfter
	}
	if len(c.EscalationsAfter) == 0 {
		c.EscalationsAfter = DefaultEscalationsAfter()
	}
	if c.DigestHourUTC <= 0 || c.DigestHourUTC > 23 {
		c.DigestHourUTC = DefaultDigestHourUTC
	}
	if c.MaxOverrideDefer <= 0 {
		c.MaxOverrideDefer = DefaultMaxOverrideDefer
	}
	if c.NewID == nil {
		c.NewID = id.NewID
	}
	return c
}

// Compute derives the full timing plan for one session closure. It is a pure
// function of closedAt and cfg; "now" never participates, so recomputing with
// the same inputs yields the same instants.
//
// A zero closedAt is a programmer error and fails immediately rather than
// defaulting.
func Compute(closedAt time.Time, cfg Config) (Schedule, error) {
	if closedAt.IsZero() {
		return Schedule{}, apperrors.New(apperrors.CodeInvalidClosureInstant, "closure instant is required")
	}
	cfg = cfg.Normalized()
	closedAt = closedAt.UTC()

	if cfg.WindowClosesAfter <= cfg.WindowOpensAfter {
		return Schedule{}, fmt.Errorf("window close offset %s must exceed open offset %s", cfg.WindowClosesAfter, cfg.WindowOpensAfter)
	}

	startAt := closedAt.Add(cfg.WindowOpensAfter)
	endAt := closedAt.Add(cfg.WindowClosesAfter)

	escalations := make([]time.Time, 0, len(cfg.EscalationsAfter))
	offsets := append([]time.Duration(nil), cfg.EscalationsAfter...)
	sort.Slice(offsets, func(i, j int) bool { return offsets[i] < offsets[j] })
	var prev time.Time
	for _, offset := range offsets {
		at := closedAt.Add(offset)
		if !at.After(startAt) || !at.Before(endAt) {
			return Schedule{}, fmt.Errorf("escalation offset %s falls outside the moderation window", offset)
		}
		if !prev.IsZero() && !at.After(prev) {
			return Schedule{}, fmt.Errorf("escalation offsets must be strictly increasing")
		}
		escalations = append(escalations, at)
		prev = at
	}

	batchID, err := cfg.NewID()
	if err != nil {
		return Schedule{}, fmt.Errorf("generate batch id: %w", err)
	}

	return Schedule{
		ClosedAt: closedAt,
		Window: ModerationWindow{
			StartAt:     startAt,
			EndAt:       endAt,
			Escalations: escalations,
			UpdatedAt:   closedAt,
		},
		Batches: []Batch{{
			ID:     batchID,
			Type:   BatchTypeHourly,
			RunAt:  endAt,
			Status: BatchStatusScheduled,
		}},
		Digest: Digest{
			RunAt:  DigestRunAt(closedAt, cfg.DigestHourUTC),
			Status: BatchStatusScheduled,
		},
	}, nil
}

// DigestRunAt returns the digest instant: hourUTC on the UTC calendar day
// strictly after closedAt's calendar day. A closure at 01:30 UTC still
// digests at 02:00 the NEXT day, never 02:00 of the same day; the increment
// is anchored to the closure's date, not to the nearest future occurrence of
// the digest hour.
func DigestRunAt(closedAt time.Time, hourUTC int) time.Time {
	closedAt = closedAt.UTC()
	year, month, day := closedAt.Date()
	return time.Date(year, month, day+1, hourUTC, 0, 0, 0, time.UTC)
}
