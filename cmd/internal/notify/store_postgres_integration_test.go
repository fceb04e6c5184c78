package notify

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"domus/cmd/internal/ids"
)

// Integration tests are enabled when DOMUS_DATABASE_URL is set.
// This keeps local "go test ./..." fast & deterministic without requiring Postgres.

func TestPostgresStore_NotificationLifecycle(t *testing.T) {
	t.Parallel()

	pool := mustOpenTestPool(t)
	defer pool.Close()

	schema := mustCreateTestSchema(t, pool)
	t.Cleanup(func() { mustDropSchema(t, pool, schema) })
	mustApplyNotifySchema(t, pool, schema)

	store, err := NewPostgresStore(pool, WithSchema(schema))
	if err != nil {
		t.Fatalf("NewPostgresStore: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	now := time.Now().UTC().Truncate(time.Millisecond)
	batchID := ids.MustULID(now)

	var first Notification
	for i := 0; i < 3; i++ {
		n := Notification{
			ID:                  ids.MustULID(now.Add(time.Duration(i) * time.Millisecond)),
			BatchID:             batchID,
			RecipientID:         "res-it-1",
			Type:                TypeWarning,
			Title:               fmt.Sprintf("notice %d", i),
			Message:             "building inspection",
			RequireConfirmation: true,
			Priority:            PriorityHigh,
			Payload:             map[string]any{"floor": float64(i)},
			TargetScope:         ScopeUsers,
			TargetParam:         "3",
			CreatedAt:           now,
		}
		if err := store.Insert(ctx, n); err != nil {
			t.Fatalf("Insert %d: %v", i, err)
		}
		if i == 0 {
			first = n
		}
	}

	got, err := store.Get(ctx, first.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Title != "notice 0" || !got.RequireConfirmation || got.Payload["floor"] != float64(0) {
		t.Fatalf("roundtrip mismatch: %+v", got)
	}

	unread, err := store.UnreadFor(ctx, "res-it-1", now)
	if err != nil {
		t.Fatalf("UnreadFor: %v", err)
	}
	if len(unread) != 3 || unread[0].ID != first.ID {
		t.Fatalf("expected 3 unread in creation order, got %+v", unread)
	}

	already, err := store.Confirm(ctx, first.ID, "res-it-1", now)
	if err != nil {
		t.Fatalf("Confirm: %v", err)
	}
	if already {
		t.Fatalf("first confirm must not be a duplicate")
	}
	already, err = store.Confirm(ctx, first.ID, "res-it-1", now.Add(time.Second))
	if err != nil {
		t.Fatalf("repeat Confirm: %v", err)
	}
	if !already {
		t.Fatalf("repeat confirm must report already")
	}

	// Confirm implies read.
	unread, err = store.UnreadFor(ctx, "res-it-1", now)
	if err != nil {
		t.Fatalf("UnreadFor after confirm: %v", err)
	}
	if len(unread) != 2 {
		t.Fatalf("expected 2 unread after confirm, got %d", len(unread))
	}

	total, err := store.CountBatch(ctx, batchID)
	if err != nil {
		t.Fatalf("CountBatch: %v", err)
	}
	confirmed, err := store.CountConfirmed(ctx, batchID)
	if err != nil {
		t.Fatalf("CountConfirmed: %v", err)
	}
	if total != 3 || confirmed != 1 {
		t.Fatalf("expected 3/1, got %d/%d", total, confirmed)
	}

	if _, err := store.MarkRead(ctx, first.ID, "someone-else", now); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for foreign MarkRead, got %v", err)
	}
}

func TestPostgresStore_DeleteExpiredCascades(t *testing.T) {
	t.Parallel()

	pool := mustOpenTestPool(t)
	defer pool.Close()

	schema := mustCreateTestSchema(t, pool)
	t.Cleanup(func() { mustDropSchema(t, pool, schema) })
	mustApplyNotifySchema(t, pool, schema)

	store, err := NewPostgresStore(pool, WithSchema(schema))
	if err != nil {
		t.Fatalf("NewPostgresStore: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	now := time.Now().UTC()
	expiry := now.Add(time.Minute)
	n := Notification{
		ID:                  ids.MustULID(now),
		BatchID:             ids.MustULID(now),
		RecipientID:         "res-it-2",
		Type:                TypeInfo,
		Title:               "ephemeral",
		Message:             "m",
		RequireConfirmation: true,
		Priority:            PriorityLow,
		ExpiresAt:           &expiry,
		TargetScope:         ScopeUser,
		TargetParam:         "res-it-2",
		CreatedAt:           now,
	}
	if err := store.Insert(ctx, n); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if _, err := store.Confirm(ctx, n.ID, "res-it-2", now); err != nil {
		t.Fatalf("Confirm: %v", err)
	}

	deleted, err := store.DeleteExpired(ctx, now.Add(time.Hour))
	if err != nil {
		t.Fatalf("DeleteExpired: %v", err)
	}
	if deleted != 1 {
		t.Fatalf("expected 1 deleted, got %d", deleted)
	}
	if _, err := store.Get(ctx, n.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after expiry, got %v", err)
	}
	confirmed, err := store.CountConfirmed(ctx, n.BatchID)
	if err != nil {
		t.Fatalf("CountConfirmed: %v", err)
	}
	if confirmed != 0 {
		t.Fatalf("confirmations must cascade, got %d", confirmed)
	}
}

func mustOpenTestPool(t *testing.T) *pgxpool.Pool {
	t.Helper()

	raw := strings.TrimSpace(os.Getenv("DOMUS_DATABASE_URL"))
	if raw == "" {
		t.Skip("integration test skipped: DOMUS_DATABASE_URL is not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	cfg, err := pgxpool.ParseConfig(raw)
	if err != nil {
		t.Fatalf("parse DOMUS_DATABASE_URL: %v", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		t.Fatalf("connect postgres: %v", err)
	}
	return pool
}

func mustCreateTestSchema(t *testing.T, pool *pgxpool.Pool) string {
	t.Helper()

	schema := "domus_it_" + strings.ToLower(ids.NewRandomHex(8))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if _, err := pool.Exec(ctx, `CREATE SCHEMA `+pgx.Identifier{schema}.Sanitize()); err != nil {
		t.Fatalf("create schema: %v", err)
	}
	return schema
}

func mustDropSchema(t *testing.T, pool *pgxpool.Pool, schema string) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if _, err := pool.Exec(ctx, `DROP SCHEMA IF EXISTS `+pgx.Identifier{schema}.Sanitize()+` CASCADE`); err != nil {
		t.Fatalf("drop schema: %v", err)
	}
}

func mustApplyNotifySchema(t *testing.T, pool *pgxpool.Pool, schema string) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 12*time.Second)
	defer cancel()

	notifications := pgIdent(schema, "notifications")
	confirmations := pgIdent(schema, "confirmations")

	// Minimal schema required by PostgresStore.
	// Must remain semantically aligned with infra/db/schema.sql.
	schemaSQL := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
  id                   TEXT PRIMARY KEY,
  batch_id             TEXT NOT NULL,
  recipient_id         TEXT NOT NULL,
  type                 TEXT NOT NULL CHECK (type IN ('info', 'success', 'warning', 'error')),
  title                TEXT NOT NULL,
  message              TEXT NOT NULL,
  link                 TEXT,
  require_confirmation BOOLEAN NOT NULL DEFAULT FALSE,
  priority             TEXT NOT NULL CHECK (priority IN ('low', 'medium', 'high', 'urgent')),
  expires_at           TIMESTAMPTZ,
  payload              JSONB,
  target_scope         TEXT NOT NULL CHECK (target_scope IN ('user', 'users', 'role', 'unit', 'all')),
  target_param         TEXT,
  read                 BOOLEAN NOT NULL DEFAULT FALSE,
  read_at              TIMESTAMPTZ,
  created_at           TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_notifications_recipient_unread
  ON %s (recipient_id, id ASC) WHERE NOT read;

CREATE INDEX IF NOT EXISTS idx_notifications_batch
  ON %s (batch_id);

CREATE TABLE IF NOT EXISTS %s (
  notification_id TEXT NOT NULL REFERENCES %s(id) ON DELETE CASCADE,
  user_id         TEXT NOT NULL,
  confirmed_at    TIMESTAMPTZ NOT NULL,

  PRIMARY KEY (notification_id, user_id)
);
`, notifications, notifications, notifications, confirmations, notifications)

	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		t.Fatalf("apply schema: %v", err)
	}
}
