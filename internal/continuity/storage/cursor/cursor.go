// Package cursor provides opaque pagination token encoding/decoding for
// queue listings ordered by recency.
package cursor

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// Cursor marks the last row of a page in the (updated_at DESC, session_id
// ASC) ordering used by queue listings.
type Cursor struct {
	// UpdatedAtMillis is the last row's update instant in Unix milliseconds.
	UpdatedAtMillis int64 `json:"updated_at_ms"`
	// SessionID breaks ties between rows updated in the same millisecond.
	SessionID string `json:"session_id"`
	// FilterHash ensures tokens are invalidated if the filter changes.
	FilterHash string `json:"filter_hash,omitempty"`
}

// Encode encodes a cursor to an opaque base64 string.
func Encode(c Cursor) (string, error) {
	data, err := json.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("marshal cursor: %w", err)
	}
	return base64.URLEncoding.EncodeToString(data), nil
}

// Decode decodes an opaque base64 string to a cursor.
// Returns an error if the token is invalid or malformed.
func Decode(token string) (Cursor, error) {
	if token == "" {
		return Cursor{}, fmt.Errorf("empty token")
	}

	data, err := base64.URLEncoding.DecodeString(token)
	if err != nil {
		return Cursor{}, fmt.Errorf("decode base64: %w", err)
	}

	var c Cursor
	if err := json.Unmarshal(data, &c); err != nil {
		return Cursor{}, fmt.Errorf("unmarshal cursor: %w", err)
	}
	if c.SessionID == "" {
		return Cursor{}, fmt.Errorf("cursor missing session id")
	}
	return c, nil
}

// HashFilter computes a short hash of the filter string for cursor validation.
// Returns empty string for empty filter.
func HashFilter(filter string) string {
	if filter == "" {
		return ""
	}
	h := sha256.Sum256([]byte(filter))
	return hex.EncodeToString(h[:8])
}

// ValidateFilterHash checks if the cursor's filter hash matches the current
// filter. Returns an error if the filter has changed since the cursor was
// created.
func ValidateFilterHash(c Cursor, currentFilter string) error {
	if c.FilterHash != HashFilter(currentFilter) {
		return fmt.Errorf("filter changed since cursor was created")
	}
	return nil
}

// New creates a cursor for the page following the given row.
func New(updatedAtMillis int64, sessionID, filter string) Cursor {
	return Cursor{
		UpdatedAtMillis: updatedAtMillis,
		SessionID:       sessionID,
		FilterHash:      HashFilter(filter),
	}
}
