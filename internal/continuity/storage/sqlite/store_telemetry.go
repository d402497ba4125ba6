package sqlite

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mirrowen/afterglow/internal/continuity/storage"
)

// AppendTelemetryEvent durably records one telemetry event.
func (s *Store) AppendTelemetryEvent(ctx context.Context, evt storage.TelemetryEvent) error {
	if err := s.guard(ctx); err != nil {
		return err
	}

	evt.EventName = strings.TrimSpace(evt.EventName)
	if evt.EventName == "" {
		return fmt.Errorf("event name is required")
	}
	if evt.Severity == "" {
		evt.Severity = "info"
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = s.clock().UTC()
	}

	fields := evt.Fields
	if fields == nil {
		fields = map[string]any{}
	}
	raw, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("encode telemetry fields: %w", err)
	}

	_, err = s.sqlDB.ExecContext(ctx, `
INSERT INTO telemetry_events (event_name, session_id, severity, fields, created_at)
VALUES (?, ?, ?, ?, ?)`,
		evt.EventName, strings.TrimSpace(evt.SessionID), evt.Severity, string(raw), toMillis(evt.Timestamp))
	if err != nil {
		return fmt.Errorf("insert telemetry event: %w", err)
	}
	return nil
}

// TelemetryEvents returns a session's recorded events, oldest first. An
// empty session id returns every event.
func (s *Store) TelemetryEvents(ctx context.Context, sessionID string) ([]storage.TelemetryEvent, error) {
	if err := s.guard(ctx); err != nil {
		return nil, err
	}
	sessionID = strings.TrimSpace(sessionID)

	query := `SELECT id, event_name, session_id, severity, fields, created_at FROM telemetry_events`
	params := []any{}
	if sessionID != "" {
		query += ` WHERE session_id = ?`
		params = append(params, sessionID)
	}
	query += ` ORDER BY id ASC`

	rows, err := s.sqlDB.QueryContext(ctx, query, params...)
	if err != nil {
		return nil, fmt.Errorf("query telemetry events: %w", err)
	}
	defer rows.Close()

	var events []storage.TelemetryEvent
	for rows.Next() {
		var evt storage.TelemetryEvent
		var raw string
		var createdAtMillis int64
		if err := rows.Scan(&evt.ID, &evt.EventName, &evt.SessionID, &evt.Severity, &raw, &createdAtMillis); err != nil {
			return nil, fmt.Errorf("scan telemetry event: %w", err)
		}
		if err := json.Unmarshal([]byte(raw), &evt.Fields); err != nil {
			return nil, fmt.Errorf("decode telemetry fields: %w", err)
		}
		evt.Timestamp = fromMillis(createdAtMillis)
		events = append(events, evt)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate telemetry events: %w", err)
	}
	return events, nil
}
