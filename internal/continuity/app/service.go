// Package app orchestrates the continuity subsystem: planning cadence
// schedules when sessions close, projecting moderation queues, and reporting
// the offline work as tracked jobs.
package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/mirrowen/afterglow/internal/continuity/domain/cadence"
	"github.com/mirrowen/afterglow/internal/continuity/domain/job"
	"github.com/mirrowen/afterglow/internal/continuity/domain/queue"
	"github.com/mirrowen/afterglow/internal/continuity/storage"
	"github.com/mirrowen/afterglow/internal/platform/id"
	"github.com/mirrowen/afterglow/internal/telemetry"
)

// JobListener receives lifecycle notifications for offline jobs. Listener
// failures never fail the job itself.
type JobListener func(ctx context.Context, evt job.Event)

// Service coordinates the continuity stores and reports offline work.
type Service struct {
	schedules storage.ScheduleStore
	queues    storage.QueueStore
	emitter   *telemetry.Emitter
	listeners []JobListener
	tracer    trace.Tracer
	clock     func() time.Time
	newID     func() (string, error)
}

// Option configures the service.
type Option func(*Service)

// WithTelemetry attaches a telemetry emitter.
func WithTelemetry(emitter *telemetry.Emitter) Option {
	return func(s *Service) { s.emitter = emitter }
}

// WithJobListener registers a listener for job lifecycle events.
func WithJobListener(listener JobListener) Option {
	return func(s *Service) {
		if listener != nil {
			s.listeners = append(s.listeners, listener)
		}
	}
}

// WithClock overrides the time source, primarily for tests.
func WithClock(clock func() time.Time) Option {
	return func(s *Service) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// WithIDGenerator overrides job id generation, primarily for tests.
func WithIDGenerator(newID func() (string, error)) Option {
	return func(s *Service) {
		if newID != nil {
			s.newID = newID
		}
	}
}

// NewService creates the continuity service.
func NewService(schedules storage.ScheduleStore, queues storage.QueueStore, opts ...Option) (*Service, error) {
	if schedules == nil {
		return nil, fmt.Errorf("schedule store is required")
	}
	if queues == nil {
		return nil, fmt.Errorf("queue store is required")
	}
	s := &Service{
		schedules: schedules,
		queues:    queues,
		tracer:    otel.Tracer("continuity/app"),
		clock:     func() time.Time { return time.Now().UTC() },
		newID:     id.NewID,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// ClosureResult is the outcome of processing one session closure.
type ClosureResult struct {
	JobID    string
	Schedule cadence.Schedule
	Queue    queue.State
}

// ProcessClosure plans the cadence schedule for a freshly closed session,
// projects its moderation queue, and persists both. The work is reported as
// a tracked offline job: listeners and telemetry observe queued, started,
// and completed or failed transitions.
func (s *Service) ProcessClosure(ctx context.Context, sessionID string, closedAt time.Time, deltas []queue.Delta) (ClosureResult, error) {
	ctx, span := s.tracer.Start(ctx, "continuity.ProcessClosure",
		trace.WithAttributes(attribute.String("session.id", sessionID)))
	defer span.End()

	jobID, err := s.newID()
	if err != nil {
		return ClosureResult{}, fmt.Errorf("generate job id: %w", err)
	}

	startedAt := s.clock()
	s.report(ctx, sessionID, job.Queued(jobID, 1))
	s.report(ctx, sessionID, job.Started(jobID, 1))

	schedule, err := s.schedules.PlanSession(ctx, sessionID, closedAt)
	if err != nil {
		s.report(ctx, sessionID, job.Failed(jobID, err, s.sinceMs(startedAt)))
		return ClosureResult{}, err
	}

	batchIDs := make([]string, 0, len(schedule.Batches))
	for _, batch := range schedule.Batches {
		batchIDs = append(batchIDs, batch.ID)
	}
	s.emit(ctx, telemetry.EventCadencePlanned, sessionID, telemetry.SeverityInfo, map[string]any{
		"closedAt":      schedule.ClosedAt.Format(time.RFC3339),
		"windowStartAt": schedule.Window.StartAt.Format(time.RFC3339),
		"windowEndAt":   schedule.Window.EndAt.Format(time.RFC3339),
		"batchIds":      batchIDs,
		"digestRunAt":   schedule.Digest.RunAt.Format(time.RFC3339),
	})

	state := queue.Project(queue.Input{
		SessionID: sessionID,
		Deltas:    deltas,
		Schedule:  &schedule,
		Now:       s.clock(),
	})
	if err := s.queues.SaveQueue(ctx, sessionID, state); err != nil {
		s.report(ctx, sessionID, job.Failed(jobID, err, s.sinceMs(startedAt)))
		return ClosureResult{}, err
	}

	s.report(ctx, sessionID, job.Completed(jobID, map[string]any{
		"sessionId":    sessionID,
		"pendingCount": state.PendingCount,
		"batchCount":   len(schedule.Batches),
	}, s.sinceMs(startedAt)))

	return ClosureResult{JobID: jobID, Schedule: schedule, Queue: state}, nil
}

// RefreshQueue re-projects and persists a session's moderation queue from
// the current delta set. A session without a planned schedule still gets a
// queue; its items simply carry no deadlines.
func (s *Service) RefreshQueue(ctx context.Context, sessionID string, deltas []queue.Delta) (queue.State, error) {
	ctx, span := s.tracer.Start(ctx, "continuity.RefreshQueue",
		trace.WithAttributes(attribute.String("session.id", sessionID)))
	defer span.End()

	var schedulePtr *cadence.Schedule
	schedule, err := s.schedules.GetSchedule(ctx, sessionID)
	switch {
	case err == nil:
		schedulePtr = &schedule
	case errors.Is(err, storage.ErrNotFound):
	default:
		return queue.State{}, err
	}

	state := queue.Project(queue.Input{
		SessionID: sessionID,
		Deltas:    deltas,
		Schedule:  schedulePtr,
		Now:       s.clock(),
	})
	if err := s.queues.SaveQueue(ctx, sessionID, state); err != nil {
		return queue.State{}, err
	}

	s.emit(ctx, telemetry.EventQueueRefreshed, sessionID, telemetry.SeverityInfo, map[string]any{
		"pendingCount": state.PendingCount,
		"itemCount":    len(state.Items),
		"generatedAt":  state.GeneratedAt.Format(time.RFC3339),
	})
	return state, nil
}

// GetQueue returns the stored moderation queue snapshot for a session.
func (s *Service) GetQueue(ctx context.Context, sessionID string) (storage.QueueRecord, error) {
	return s.queues.GetQueue(ctx, sessionID)
}

// ListQueues returns a filtered page of moderation queue snapshots.
func (s *Service) ListQueues(ctx context.Context, req storage.ListQueuesRequest) (storage.QueuePage, error) {
	return s.queues.ListQueues(ctx, req)
}

// GetSchedule returns the stored cadence schedule for a session.
func (s *Service) GetSchedule(ctx context.Context, sessionID string) (cadence.Schedule, error) {
	return s.schedules.GetSchedule(ctx, sessionID)
}

// DeferBatch applies a bounded human override to a scheduled batch.
func (s *Service) DeferBatch(ctx context.Context, sessionID string, req storage.OverrideRequest) (cadence.Schedule, error) {
	ctx, span := s.tracer.Start(ctx, "continuity.DeferBatch",
		trace.WithAttributes(attribute.String("session.id", sessionID)))
	defer span.End()

	schedule, err := s.schedules.ApplyOverride(ctx, sessionID, req)
	if err != nil {
		return cadence.Schedule{}, err
	}

	override := schedule.Overrides[len(schedule.Overrides)-1]
	s.emit(ctx, telemetry.EventOverrideApplied, sessionID, telemetry.SeverityInfo, map[string]any{
		"batchId":        override.TargetBatchID,
		"deferByMinutes": override.DeferByMinutes,
		"actor":          override.Actor,
		"reason":         override.Reason,
	})
	return schedule, nil
}

// MarkBatch advances a batch through its state machine with metadata.
func (s *Service) MarkBatch(ctx context.Context, sessionID, batchID string, status cadence.BatchStatus, update storage.BatchStatusUpdate) (cadence.Schedule, error) {
	ctx, span := s.tracer.Start(ctx, "continuity.MarkBatch",
		trace.WithAttributes(
			attribute.String("session.id", sessionID),
			attribute.String("batch.id", batchID),
			attribute.String("batch.status", string(status))))
	defer span.End()

	schedule, err := s.schedules.UpdateBatchStatus(ctx, sessionID, batchID, status, update)
	if err != nil {
		return cadence.Schedule{}, err
	}

	severity := telemetry.SeverityInfo
	if status == cadence.BatchStatusFailed {
		severity = telemetry.SeverityError
	}
	fields := map[string]any{
		"batchId": batchID,
		"to":      string(status),
	}
	if idx := schedule.BatchIndex(batchID); idx != -1 {
		fields["deltaCount"] = schedule.Batches[idx].DeltaCount
		fields["latencyMs"] = schedule.Batches[idx].LatencyMs
	}
	s.emit(ctx, telemetry.EventBatchStatus, sessionID, severity, fields)
	return schedule, nil
}

func (s *Service) sinceMs(startedAt time.Time) int64 {
	return s.clock().Sub(startedAt).Milliseconds()
}

// report fans a job transition out to listeners and telemetry. Reporting
// failures are logged and swallowed: observers never fail the work.
func (s *Service) report(ctx context.Context, sessionID string, reported job.Job) {
	evt := job.EventFor(reported)
	for _, listener := range s.listeners {
		listener(ctx, evt)
	}

	fields := map[string]any{
		"jobId":    evt.JobID,
		"status":   string(evt.Status),
		"attempts": evt.Attempts,
	}
	if evt.DurationMs != nil {
		fields["durationMs"] = *evt.DurationMs
	}
	if evt.Error != nil {
		fields["error"] = evt.Error.Message
	}
	severity := telemetry.SeverityInfo
	if reported.Status == job.StatusFailed {
		severity = telemetry.SeverityError
	}
	s.emit(ctx, evt.Type, sessionID, severity, fields)
}

func (s *Service) emit(ctx context.Context, name, sessionID string, severity telemetry.Severity, fields map[string]any) {
	if err := s.emitter.Emit(ctx, name, sessionID, severity, fields); err != nil {
		log.Printf("continuity: emit %s telemetry: %v", name, err)
	}
}
