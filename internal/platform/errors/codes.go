// Package errors provides structured error handling with machine-readable codes.
package errors

import "google.golang.org/grpc/codes"

// Code is a machine-readable error code carried on the wire and in telemetry.
type Code string

const (
	// CodeUnknown represents an unknown error.
	CodeUnknown Code = "unknown"

	// Storage errors
	CodeNotFound        Code = "not_found"
	CodeVersionConflict Code = "publishing_version_conflict"

	// Cadence schedule errors
	CodeSessionScheduleExists  Code = "publishing_state_session_exists"
	CodeOverrideExceedsLimit   Code = "publishing_override_exceeds_limit"
	CodeUnknownBatch           Code = "publishing_unknown_batch"
	CodeInvalidBatchTransition Code = "publishing_invalid_batch_transition"
	CodeInvalidClosureInstant  Code = "publishing_invalid_closure_instant"
	CodeEmptySessionID         Code = "publishing_empty_session_id"
	CodeNoDeferrableBatch      Code = "publishing_no_deferrable_batch"
	CodeInvalidOverride        Code = "publishing_invalid_override"

	// Moderation queue errors
	CodeInvalidQueueSnapshot Code = "moderation_queue_invalid_snapshot"

	// Job lifecycle errors
	CodeJobInvalidTransition Code = "offline_job_invalid_transition"
)

// GRPCCode maps domain codes to gRPC status codes.
func (c Code) GRPCCode() codes.Code {
	switch c {
	// InvalidArgument - validation failures, bad input
	case CodeInvalidClosureInstant,
		CodeEmptySessionID,
		CodeInvalidOverride,
		CodeInvalidQueueSnapshot:
		return codes.InvalidArgument

	// FailedPrecondition - state doesn't allow operation
	case CodeOverrideExceedsLimit,
		CodeInvalidBatchTransition,
		CodeNoDeferrableBatch,
		CodeJobInvalidTransition:
		return codes.FailedPrecondition

	// AlreadyExists - duplicate creation
	case CodeSessionScheduleExists:
		return codes.AlreadyExists

	// NotFound - resource doesn't exist
	case CodeNotFound,
		CodeUnknownBatch:
		return codes.NotFound

	// Aborted - concurrent writer won the race; callers may retry
	case CodeVersionConflict:
		return codes.Aborted

	default:
		return codes.Internal
	}
}
