package notify

import (
	"context"
	"time"
)

// Store persists notifications and confirmations.
//
// Requirements:
//   - Insert is the durability point: it must complete before delivery.
//   - UnreadFor returns unread, unexpired records in creation order.
//   - MarkRead and Confirm are recipient-scoped: a mismatched userID is
//     indistinguishable from a missing record (ErrNotFound).
//   - Confirm is idempotent per (notification, user).
type Store interface {
	Insert(ctx context.Context, n Notification) error
	Get(ctx context.Context, id string) (Notification, error)
	UnreadFor(ctx context.Context, userID string, now time.Time) ([]Notification, error)

	// MarkRead sets read=true/readAt and returns the updated record.
	MarkRead(ctx context.Context, id, userID string, now time.Time) (Notification, error)

	// Confirm appends a Confirmation and marks the record read.
	// It reports whether the user had already confirmed.
	Confirm(ctx context.Context, id, userID string, now time.Time) (already bool, err error)

	// CountBatch returns the number of records created by a fan-out batch.
	CountBatch(ctx context.Context, batchID string) (int, error)
	// CountConfirmed returns the number of confirmed records in a batch.
	CountConfirmed(ctx context.Context, batchID string) (int, error)

	// DeleteExpired removes every record with expiresAt < now and returns
	// the number deleted. Idempotent.
	DeleteExpired(ctx context.Context, now time.Time) (int, error)

	Close() error
}
