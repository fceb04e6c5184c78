package notify

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"domus/cmd/internal/audit"
	"domus/cmd/internal/directory"
	"domus/cmd/internal/ids"
	"domus/cmd/internal/metrics"
)

// Deliverer pushes a freshly persisted notification to the recipient's live
// connections. Implementations must be best-effort and non-blocking: the
// durable write has already succeeded by the time Deliver runs.
type Deliverer interface {
	Deliver(userID string, n Notification)
}

// DelivererFunc adapts a function to the Deliverer interface.
type DelivererFunc func(userID string, n Notification)

// Deliver calls f.
func (f DelivererFunc) Deliver(userID string, n Notification) { f(userID, n) }

// Dispatcher creates durable notification records and attempts immediate
// delivery. All collaborators are constructor-injected.
type Dispatcher struct {
	log     *slog.Logger
	store   Store
	dir     directory.Directory
	deliver Deliverer
	audit   *audit.Logger
	now     func() time.Time
}

// NewDispatcher constructs a Dispatcher. deliver may be nil (store-only mode,
// useful in tests); auditLog may be nil.
func NewDispatcher(log *slog.Logger, store Store, dir directory.Directory, deliver Deliverer, auditLog *audit.Logger) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	return &Dispatcher{
		log:     log,
		store:   store,
		dir:     dir,
		deliver: deliver,
		audit:   auditLog,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// WithClock overrides the dispatcher clock (tests).
func (d *Dispatcher) WithClock(now func() time.Time) *Dispatcher {
	if now != nil {
		d.now = now
	}
	return d
}

// NotifyUser persists one notification for userID and attempts immediate
// delivery. The write is the durability point: a delivery failure only
// delays receipt until the next connect flush.
func (d *Dispatcher) NotifyUser(ctx context.Context, userID string, data Data) (Notification, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return Notification{}, ErrInvalidInput
	}
	if err := data.Validate(); err != nil {
		return Notification{}, err
	}

	ok, err := d.dir.Exists(ctx, userID)
	if err != nil {
		return Notification{}, err
	}
	if !ok {
		return Notification{}, ErrNotFound
	}

	now := d.now()
	batchID := ids.MustULID(now)
	n, err := d.createAndDeliver(ctx, userID, data, batchID, ScopeUser, userID, now)
	if err != nil {
		return Notification{}, err
	}

	d.auditDispatch(ctx, ScopeUser, userID, 1)
	return n, nil
}

// NotifyUsers fans out per recipient. A failure for one id is logged and
// skipped, never fatal to the batch. Returns the created records.
func (d *Dispatcher) NotifyUsers(ctx context.Context, userIDs []string, data Data) ([]Notification, error) {
	if len(userIDs) == 0 {
		return nil, ErrInvalidInput
	}
	if err := data.Validate(); err != nil {
		return nil, err
	}

	now := d.now()
	batchID := ids.MustULID(now)
	param := strconv.Itoa(len(userIDs))

	created := make([]Notification, 0, len(userIDs))
	for _, userID := range userIDs {
		userID = strings.TrimSpace(userID)
		if userID == "" {
			continue
		}

		ok, err := d.dir.Exists(ctx, userID)
		if err != nil {
			return created, err
		}
		if !ok {
			d.log.Warn("notify.skip.unknown_user", "user_id", userID)
			continue
		}

		n, err := d.createAndDeliver(ctx, userID, data, batchID, ScopeUsers, param, d.now())
		if err != nil {
			d.log.Warn("notify.skip.create_fail", "user_id", userID, "err", err)
			continue
		}
		created = append(created, n)
	}

	d.auditDispatch(ctx, ScopeUsers, param, len(created))
	return created, nil
}

// NotifyByRole resolves role members via the directory and fans out.
func (d *Dispatcher) NotifyByRole(ctx context.Context, role string, data Data) ([]Notification, error) {
	userIDs, err := d.dir.UsersByRole(ctx, role)
	if err != nil {
		return nil, mapDirectoryErr(err)
	}
	return d.fanOut(ctx, userIDs, data, ScopeRole, role)
}

// NotifyUnit resolves unit residents via the directory and fans out.
func (d *Dispatcher) NotifyUnit(ctx context.Context, unitID int, data Data) ([]Notification, error) {
	userIDs, err := d.dir.ResidentsOfUnit(ctx, unitID)
	if err != nil {
		return nil, mapDirectoryErr(err)
	}
	return d.fanOut(ctx, userIDs, data, ScopeUnit, strconv.Itoa(unitID))
}

// NotifyAll fans out to every resident of the complex.
func (d *Dispatcher) NotifyAll(ctx context.Context, data Data) ([]Notification, error) {
	userIDs, err := d.dir.AllResidents(ctx)
	if err != nil {
		return nil, err
	}
	return d.fanOut(ctx, userIDs, data, ScopeAll, "")
}

// PendingFor returns the unread, unexpired records flushed on connect,
// in creation order.
func (d *Dispatcher) PendingFor(ctx context.Context, userID string) ([]Notification, error) {
	return d.store.UnreadFor(ctx, userID, d.now())
}

func (d *Dispatcher) fanOut(ctx context.Context, userIDs []string, data Data, scope Scope, param string) ([]Notification, error) {
	if err := data.Validate(); err != nil {
		return nil, err
	}

	now := d.now()
	batchID := ids.MustULID(now)

	created := make([]Notification, 0, len(userIDs))
	for _, userID := range userIDs {
		n, err := d.createAndDeliver(ctx, userID, data, batchID, scope, param, d.now())
		if err != nil {
			d.log.Warn("notify.skip.create_fail", "user_id", userID, "err", err)
			continue
		}
		created = append(created, n)
	}

	d.auditDispatch(ctx, scope, param, len(created))
	return created, nil
}

// createAndDeliver is the write-then-notify primitive: persist first, then
// best-effort push. Order matters and must never be inverted.
func (d *Dispatcher) createAndDeliver(ctx context.Context, userID string, data Data, batchID string, scope Scope, param string, now time.Time) (Notification, error) {
	n := Notification{
		ID:                  ids.MustULID(now),
		BatchID:             batchID,
		RecipientID:         userID,
		Type:                data.Type,
		Title:               data.Title,
		Message:             data.Message,
		Link:                data.Link,
		RequireConfirmation: data.RequireConfirmation,
		Priority:            data.Priority,
		ExpiresAt:           data.ExpiresAt,
		Payload:             data.Payload,
		TargetScope:         scope,
		TargetParam:         param,
		CreatedAt:           now,
	}

	if err := d.store.Insert(ctx, n); err != nil {
		return Notification{}, err
	}
	metrics.NotificationsCreated.Inc()

	if d.deliver != nil {
		d.deliver.Deliver(userID, n)
	}
	return n, nil
}

func (d *Dispatcher) auditDispatch(ctx context.Context, scope Scope, param string, created int) {
	if d.audit == nil || created == 0 {
		return
	}
	d.audit.Record(ctx, audit.ActionNotifyDispatched, "", map[string]any{
		"scope":   string(scope),
		"param":   param,
		"created": created,
	})
}

func mapDirectoryErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, directory.ErrNotFound):
		return ErrNotFound
	case errors.Is(err, directory.ErrInvalidInput):
		return ErrInvalidInput
	default:
		return err
	}
}
