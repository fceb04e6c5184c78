package notify

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"domus/cmd/internal/audit"
	"domus/cmd/internal/directory"
	"domus/cmd/internal/metrics"
)

// Tracker owns read/confirmation state and the expiry sweep.
type Tracker struct {
	log   *slog.Logger
	store Store
	dir   directory.Directory
	audit *audit.Logger
	now   func() time.Time
}

// NewTracker constructs a Tracker. auditLog may be nil.
func NewTracker(log *slog.Logger, store Store, dir directory.Directory, auditLog *audit.Logger) *Tracker {
	if log == nil {
		log = slog.Default()
	}
	return &Tracker{
		log:   log,
		store: store,
		dir:   dir,
		audit: auditLog,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// WithClock overrides the tracker clock (tests).
func (t *Tracker) WithClock(now func() time.Time) *Tracker {
	if now != nil {
		t.now = now
	}
	return t
}

// MarkRead marks a notification read for its recipient. A notification
// addressed to someone else is reported as missing, not forbidden.
func (t *Tracker) MarkRead(ctx context.Context, notificationID, userID string) (Notification, error) {
	return t.store.MarkRead(ctx, notificationID, userID, t.now())
}

// ConfirmReading records a confirmation and marks the record read.
// Re-confirming is a no-op; the Confirmation row is immutable.
func (t *Tracker) ConfirmReading(ctx context.Context, notificationID, userID string) error {
	n, err := t.store.Get(ctx, notificationID)
	if err != nil {
		return err
	}
	if !n.RequireConfirmation || n.RecipientID != userID {
		return ErrNotFound
	}

	already, err := t.store.Confirm(ctx, notificationID, userID, t.now())
	if err != nil {
		return err
	}
	if already {
		return nil
	}

	if t.audit != nil {
		t.audit.Record(ctx, audit.ActionNotifyConfirmed, userID, map[string]any{
			"notification_id": notificationID,
		})
	}
	return nil
}

// ConfirmationStats computes {totalExpected, confirmed, percentage} for a
// confirmation-required notification. TotalExpected is reconstructed from
// the original targeting criteria; a role/unit re-resolution therefore
// reflects the directory as of now, which is the observed source behavior.
func (t *Tracker) ConfirmationStats(ctx context.Context, notificationID string) (Stats, error) {
	n, err := t.store.Get(ctx, notificationID)
	if err != nil {
		return Stats{}, err
	}
	if !n.RequireConfirmation {
		return Stats{}, ErrNotFound
	}

	total, err := t.totalExpected(ctx, n)
	if err != nil {
		return Stats{}, err
	}

	confirmed, err := t.store.CountConfirmed(ctx, n.BatchID)
	if err != nil {
		return Stats{}, err
	}

	stats := Stats{
		NotificationID: notificationID,
		TotalExpected:  total,
		Confirmed:      confirmed,
	}
	if total > 0 {
		stats.Percentage = roundHalfUpPercent(confirmed, total)
	}
	return stats, nil
}

// ExpireSweep deletes every record past its expiry. Idempotent; intended to
// run on a schedule, not from user requests.
func (t *Tracker) ExpireSweep(ctx context.Context, now time.Time) (int, error) {
	deleted, err := t.store.DeleteExpired(ctx, now)
	if err != nil {
		return 0, err
	}
	if deleted > 0 {
		metrics.NotificationsExpired.Add(float64(deleted))
		t.log.Info("notify.sweep.expired", "deleted", deleted)
	}
	return deleted, nil
}

// RunExpireSweep runs ExpireSweep on a ticker until ctx is done.
func (t *Tracker) RunExpireSweep(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Minute
	}

	tick := time.NewTicker(interval)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tick.C:
			if _, err := t.ExpireSweep(ctx, t.now()); err != nil && ctx.Err() == nil {
				t.log.Error("notify.sweep.fail", "err", err)
			}
		}
	}
}

func (t *Tracker) totalExpected(ctx context.Context, n Notification) (int, error) {
	switch n.TargetScope {
	case ScopeUser:
		return 1, nil
	case ScopeUsers:
		// The original explicit set is not re-resolvable; the batch size
		// recorded at dispatch time is the target set size.
		return t.store.CountBatch(ctx, n.BatchID)
	case ScopeRole:
		users, err := t.dir.UsersByRole(ctx, n.TargetParam)
		if err != nil {
			return 0, mapDirectoryErr(err)
		}
		return len(users), nil
	case ScopeUnit:
		unitID, err := strconv.Atoi(n.TargetParam)
		if err != nil {
			return 0, ErrInvalidInput
		}
		users, err := t.dir.ResidentsOfUnit(ctx, unitID)
		if err != nil {
			return 0, mapDirectoryErr(err)
		}
		return len(users), nil
	case ScopeAll:
		users, err := t.dir.AllResidents(ctx)
		if err != nil {
			return 0, err
		}
		return len(users), nil
	default:
		return t.store.CountBatch(ctx, n.BatchID)
	}
}
