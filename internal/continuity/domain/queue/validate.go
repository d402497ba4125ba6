package queue

import (
	"fmt"
	"strings"

	apperrors "github.com/mirrowen/afterglow/internal/platform/errors"
)

// ValidateSnapshot enforces the write-side contract for persisted snapshots:
// they must be internally consistent so permissive readers never have to
// guess. Every store backend applies it before accepting a write.
func ValidateSnapshot(sessionID string, state State) error {
	if state.SessionID != "" && state.SessionID != sessionID {
		return apperrors.WithMetadata(apperrors.CodeInvalidQueueSnapshot, "snapshot session id does not match target session", map[string]string{
			"session_id":          sessionID,
			"snapshot_session_id": state.SessionID,
		})
	}
	blocking := 0
	for i, item := range state.Items {
		if strings.TrimSpace(item.DeltaID) == "" {
			return apperrors.WithMetadata(apperrors.CodeInvalidQueueSnapshot, "queue item is missing its delta id", map[string]string{
				"index": fmt.Sprintf("%d", i),
			})
		}
		if item.Status != ItemStatusNeedsReview && item.Status != ItemStatusResolved {
			return apperrors.WithMetadata(apperrors.CodeInvalidQueueSnapshot, "queue item has an unknown status", map[string]string{
				"delta_id": item.DeltaID,
				"status":   item.Status,
			})
		}
		if item.Blocking {
			blocking++
		}
	}
	if state.PendingCount != blocking {
		return apperrors.WithMetadata(apperrors.CodeInvalidQueueSnapshot, "pending count does not match blocking items", map[string]string{
			"pending_count": fmt.Sprintf("%d", state.PendingCount),
			"blocking":      fmt.Sprintf("%d", blocking),
		})
	}
	return nil
}
