// Package job models the lifecycle of asynchronous offline work (closure
// processing, batch publication) as reported to transport and telemetry
// collaborators. The model carries no store of its own: it is the event
// shape, not the work.
package job

import "time"

// Status is the lifecycle state of one offline job.
type Status string

const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Valid reports whether the status is a known job status.
func (s Status) Valid() bool {
	switch s {
	case StatusQueued, StatusProcessing, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// Terminal reports whether the status admits no further transitions.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// CanAdvanceTo reports whether a job may move from s to next. Transitions are
// monotonic forward only: a completed or failed job never regresses to queued
// or processing.
func (s Status) CanAdvanceTo(next Status) bool {
	if !next.Valid() || s.Terminal() {
		return false
	}
	switch s {
	case StatusQueued:
		return next == StatusProcessing || next == StatusCompleted || next == StatusFailed
	case StatusProcessing:
		return next == StatusCompleted || next == StatusFailed
	}
	return false
}

// ErrorDetail is the normalized wire form of a job error.
type ErrorDetail struct {
	Message string `json:"message"`
}

// Job is one offline unit of work as reported to listeners.
type Job struct {
	ID          string
	Status      Status
	EnqueuedAt  *time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
	DurationMs  *int64
	Attempts    int
	Error       *ErrorDetail
	Result      map[string]any
}

// Queued reports a job waiting to be picked up. Only EnqueuedAt is stamped.
func Queued(jobID string, attempts int) Job {
	now := time.Now().UTC()
	return Job{
		ID:         jobID,
		Status:     StatusQueued,
		EnqueuedAt: &now,
		Attempts:   attempts,
	}
}

// Started reports a job that began processing. Only StartedAt is stamped.
func Started(jobID string, attempts int) Job {
	now := time.Now().UTC()
	return Job{
		ID:        jobID,
		Status:    StatusProcessing,
		StartedAt: &now,
		Attempts:  attempts,
	}
}

// Completed reports a finished job. Only CompletedAt is stamped; duration is
// carried separately because the caller measured it.
func Completed(jobID string, result map[string]any, durationMs int64) Job {
	now := time.Now().UTC()
	return Job{
		ID:          jobID,
		Status:      StatusCompleted,
		CompletedAt: &now,
		DurationMs:  &durationMs,
		Result:      result,
	}
}

// Failed reports a job that gave up. Only CompletedAt is stamped; the error
// message is normalized into an ErrorDetail for the wire.
func Failed(jobID string, err error, durationMs int64) Job {
	now := time.Now().UTC()
	reported := Job{
		ID:          jobID,
		Status:      StatusFailed,
		CompletedAt: &now,
		DurationMs:  &durationMs,
	}
	if err != nil {
		reported.Error = &ErrorDetail{Message: err.Error()}
	}
	return reported
}

// NormalizeError converts a plain message into the {message} wire shape.
func NormalizeError(message string) *ErrorDetail {
	if message == "" {
		return nil
	}
	return &ErrorDetail{Message: message}
}

// Event is one lifecycle notification pushed to downstream listeners.
type Event struct {
	Type        string         `json:"type"`
	JobID       string         `json:"jobId"`
	Status      Status         `json:"status"`
	Attempts    int            `json:"attempts"`
	EnqueuedAt  *time.Time     `json:"enqueuedAt,omitempty"`
	StartedAt   *time.Time     `json:"startedAt,omitempty"`
	CompletedAt *time.Time     `json:"completedAt,omitempty"`
	DurationMs  *int64         `json:"durationMs,omitempty"`
	Error       *ErrorDetail   `json:"error,omitempty"`
	Result      map[string]any `json:"result,omitempty"`
}

// Event types pushed at each job transition.
const (
	EventTypeQueued    = "job.queued"
	EventTypeStarted   = "job.started"
	EventTypeCompleted = "job.completed"
	EventTypeFailed    = "job.failed"
)

// EventFor derives the listener notification for a job state.
func EventFor(reported Job) Event {
	eventType := EventTypeQueued
	switch reported.Status {
	case StatusProcessing:
		eventType = EventTypeStarted
	case StatusCompleted:
		eventType = EventTypeCompleted
	case StatusFailed:
		eventType = EventTypeFailed
	}
	return Event{
		Type:        eventType,
		JobID:       reported.ID,
		Status:      reported.Status,
		Attempts:    reported.Attempts,
		EnqueuedAt:  reported.EnqueuedAt,
		StartedAt:   reported.StartedAt,
		CompletedAt: reported.CompletedAt,
		DurationMs:  reported.DurationMs,
		Error:       reported.Error,
		Result:      reported.Result,
	}
}
