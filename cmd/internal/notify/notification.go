// Package notify implements durable notification dispatch and
// read/confirmation tracking for the residential complex.
//
// Durability contract: every notification is persisted before any delivery
// attempt. Delivery to live connections is best-effort; a recipient who is
// offline receives pending records during the next connect flush.
package notify

import (
	"strings"
	"time"
)

// Type classifies a notification for client rendering.
type Type string

const (
	TypeInfo    Type = "info"
	TypeSuccess Type = "success"
	TypeWarning Type = "warning"
	TypeError   Type = "error"
)

// Priority orders notifications for client rendering. It does not affect
// delivery order, which is always creation order per recipient.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// Scope records how a notification batch was targeted. Confirmation
// statistics reconstruct the expected audience from it.
type Scope string

const (
	ScopeUser  Scope = "user"
	ScopeUsers Scope = "users"
	ScopeRole  Scope = "role"
	ScopeUnit  Scope = "unit"
	ScopeAll   Scope = "all"
)

// Data is the caller-supplied portion of a notification.
type Data struct {
	Type                Type
	Title               string
	Message             string
	Link                string
	RequireConfirmation bool
	Priority            Priority
	ExpiresAt           *time.Time
	Payload             map[string]any
}

// Validate normalizes defaults and rejects malformed data.
func (d *Data) Validate() error {
	if strings.TrimSpace(d.Title) == "" || strings.TrimSpace(d.Message) == "" {
		return ErrInvalidInput
	}
	if d.Type == "" {
		d.Type = TypeInfo
	}
	switch d.Type {
	case TypeInfo, TypeSuccess, TypeWarning, TypeError:
	default:
		return ErrInvalidInput
	}
	if d.Priority == "" {
		d.Priority = PriorityMedium
	}
	switch d.Priority {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityUrgent:
	default:
		return ErrInvalidInput
	}
	return nil
}

// Notification is the canonical durable record, one per recipient.
//
// Records created by one fan-out share a BatchID; TargetScope/TargetParam
// preserve the original targeting criteria for stats reconstruction.
type Notification struct {
	ID          string
	BatchID     string
	RecipientID string

	Type                Type
	Title               string
	Message             string
	Link                string
	RequireConfirmation bool
	Priority            Priority
	ExpiresAt           *time.Time
	Payload             map[string]any

	TargetScope Scope
	TargetParam string

	Read      bool
	ReadAt    *time.Time
	CreatedAt time.Time
}

// Expired reports whether the record is past its expiry at time now.
func (n Notification) Expired(now time.Time) bool {
	return n.ExpiresAt != nil && n.ExpiresAt.Before(now)
}

// Confirmation is one append-only read confirmation.
type Confirmation struct {
	NotificationID string
	UserID         string
	ConfirmedAt    time.Time
}

// Stats is the confirmation statistics of a notification batch.
type Stats struct {
	NotificationID string
	TotalExpected  int
	Confirmed      int
	Percentage     int
}

// roundHalfUpPercent computes confirmed/total as a whole percentage with
// ties rounding up (e.g. 1/8 -> 13). total must be > 0.
func roundHalfUpPercent(confirmed, total int) int {
	return (confirmed*200 + total) / (total * 2)
}
