package notify

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"domus/cmd/internal/audit"
	"domus/cmd/internal/directory"
)

func testTracker(t *testing.T, dir directory.Directory, store Store) *Tracker {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	auditor, err := audit.New(log)
	if err != nil {
		t.Fatalf("audit.New: %v", err)
	}
	return NewTracker(log, store, dir, auditor)
}

func TestTracker_MarkRead(t *testing.T) {
	ctx := context.Background()
	dir := testDirectory(t)
	d, store, _ := testDispatcher(t, dir)
	tr := testTracker(t, dir, store)

	n, err := d.NotifyUser(ctx, "res-1", Data{Title: "t", Message: "m"})
	if err != nil {
		t.Fatalf("NotifyUser: %v", err)
	}

	read, err := tr.MarkRead(ctx, n.ID, "res-1")
	if err != nil {
		t.Fatalf("MarkRead: %v", err)
	}
	if !read.Read || read.ReadAt == nil {
		t.Fatalf("expected read record, got %+v", read)
	}

	pending, err := d.PendingFor(ctx, "res-1")
	if err != nil {
		t.Fatalf("PendingFor: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("read notification must leave the pending set, got %d", len(pending))
	}

	// A recipient can only mark their own records.
	if _, err := tr.MarkRead(ctx, n.ID, "res-2"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for foreign record, got %v", err)
	}
}

func TestTracker_ConfirmReading(t *testing.T) {
	ctx := context.Background()
	dir := testDirectory(t)
	d, store, _ := testDispatcher(t, dir)
	tr := testTracker(t, dir, store)

	n, err := d.NotifyUser(ctx, "res-1", Data{Title: "t", Message: "m", RequireConfirmation: true})
	if err != nil {
		t.Fatalf("NotifyUser: %v", err)
	}

	if err := tr.ConfirmReading(ctx, n.ID, "res-1"); err != nil {
		t.Fatalf("ConfirmReading: %v", err)
	}
	// Confirming implies read.
	got, err := store.Get(ctx, n.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !got.Read {
		t.Fatalf("confirmation must mark the record read")
	}

	// Idempotent.
	if err := tr.ConfirmReading(ctx, n.ID, "res-1"); err != nil {
		t.Fatalf("repeat ConfirmReading: %v", err)
	}
	stats, err := tr.ConfirmationStats(ctx, n.ID)
	if err != nil {
		t.Fatalf("ConfirmationStats: %v", err)
	}
	if stats.Confirmed != 1 {
		t.Fatalf("repeat confirmation must not double count, got %d", stats.Confirmed)
	}

	// Wrong recipient.
	if err := tr.ConfirmReading(ctx, n.ID, "res-2"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for foreign confirm, got %v", err)
	}
}

func TestTracker_ConfirmReading_NotRequired(t *testing.T) {
	ctx := context.Background()
	dir := testDirectory(t)
	d, store, _ := testDispatcher(t, dir)
	tr := testTracker(t, dir, store)

	n, err := d.NotifyUser(ctx, "res-1", Data{Title: "t", Message: "m"})
	if err != nil {
		t.Fatalf("NotifyUser: %v", err)
	}
	if err := tr.ConfirmReading(ctx, n.ID, "res-1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for non-confirmable record, got %v", err)
	}
}

func TestTracker_ConfirmationStats_RoleBatch(t *testing.T) {
	ctx := context.Background()
	dir := testDirectory(t)
	d, store, _ := testDispatcher(t, dir)
	tr := testTracker(t, dir, store)

	ns, err := d.NotifyByRole(ctx, "resident", Data{Title: "t", Message: "m", RequireConfirmation: true})
	if err != nil {
		t.Fatalf("NotifyByRole: %v", err)
	}
	if len(ns) != 6 {
		t.Fatalf("expected 6 records, got %d", len(ns))
	}

	// 2 of 6 confirm; each confirms their own record from the batch.
	for _, n := range ns[:2] {
		if err := tr.ConfirmReading(ctx, n.ID, n.RecipientID); err != nil {
			t.Fatalf("ConfirmReading %s: %v", n.RecipientID, err)
		}
	}

	// Stats are batch-wide regardless of which record is asked about.
	stats, err := tr.ConfirmationStats(ctx, ns[4].ID)
	if err != nil {
		t.Fatalf("ConfirmationStats: %v", err)
	}
	if stats.TotalExpected != 6 || stats.Confirmed != 2 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	if stats.Percentage != 33 {
		t.Fatalf("2/6 must round to 33, got %d", stats.Percentage)
	}
}

func TestTracker_ConfirmationStats_ExplicitSet(t *testing.T) {
	ctx := context.Background()
	dir := testDirectory(t)
	d, store, _ := testDispatcher(t, dir)
	tr := testTracker(t, dir, store)

	ns, err := d.NotifyUsers(ctx, []string{"res-1", "res-2", "res-3", "res-4"},
		Data{Title: "t", Message: "m", RequireConfirmation: true})
	if err != nil {
		t.Fatalf("NotifyUsers: %v", err)
	}
	if err := tr.ConfirmReading(ctx, ns[0].ID, "res-1"); err != nil {
		t.Fatalf("ConfirmReading: %v", err)
	}

	stats, err := tr.ConfirmationStats(ctx, ns[0].ID)
	if err != nil {
		t.Fatalf("ConfirmationStats: %v", err)
	}
	if stats.TotalExpected != 4 || stats.Confirmed != 1 || stats.Percentage != 25 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestTracker_ExpireSweep(t *testing.T) {
	ctx := context.Background()
	dir := testDirectory(t)
	d, store, _ := testDispatcher(t, dir)
	tr := testTracker(t, dir, store)

	now := time.Now().UTC()
	soon := now.Add(time.Minute)
	if _, err := d.NotifyUser(ctx, "res-1", Data{Title: "ephemeral", Message: "m", ExpiresAt: &soon}); err != nil {
		t.Fatalf("NotifyUser: %v", err)
	}
	if _, err := d.NotifyUser(ctx, "res-1", Data{Title: "durable", Message: "m"}); err != nil {
		t.Fatalf("NotifyUser: %v", err)
	}

	deleted, err := tr.ExpireSweep(ctx, now.Add(time.Hour))
	if err != nil {
		t.Fatalf("ExpireSweep: %v", err)
	}
	if deleted != 1 {
		t.Fatalf("expected 1 deleted, got %d", deleted)
	}

	pending, err := d.PendingFor(ctx, "res-1")
	if err != nil {
		t.Fatalf("PendingFor: %v", err)
	}
	if len(pending) != 1 || pending[0].Title != "durable" {
		t.Fatalf("unexpected pending set: %+v", pending)
	}

	// Second sweep has nothing to do.
	deleted, err = tr.ExpireSweep(ctx, now.Add(2*time.Hour))
	if err != nil {
		t.Fatalf("second ExpireSweep: %v", err)
	}
	if deleted != 0 {
		t.Fatalf("expected 0 deleted, got %d", deleted)
	}
}

func TestRoundHalfUpPercent(t *testing.T) {
	cases := []struct {
		confirmed, total, want int
	}{
		{0, 1, 0},
		{1, 1, 100},
		{1, 2, 50},
		{1, 3, 33},
		{2, 3, 67},
		{1, 8, 13}, // 12.5 rounds up
		{5, 6, 83},
	}
	for _, c := range cases {
		if got := roundHalfUpPercent(c.confirmed, c.total); got != c.want {
			t.Fatalf("roundHalfUpPercent(%d, %d) = %d, want %d", c.confirmed, c.total, got, c.want)
		}
	}
}
