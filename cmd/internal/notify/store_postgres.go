package notify

import (
	"context"
	"encoding/json"
	"errors"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore is a Store backed by PostgreSQL.
//
// Ownership model:
// - PostgresStore does NOT own the pgx pool. The caller must close the pool.
// - Close() is therefore a no-op.
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
}

// PostgresOption configures PostgresStore behavior.
type PostgresOption func(*PostgresStore) error

// WithSchema sets the DB schema used by this store (default: "domus").
// The schema name is validated and safely quoted in queries.
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresStore) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return errors.New("notify: empty schema")
		}
		if !isValidPGIdent(schema) {
			return errors.New("notify: invalid schema identifier")
		}
		s.schema = schema
		return nil
	}
}

// NewPostgresStore constructs a Postgres-backed Store.
func NewPostgresStore(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresStore, error) {
	st := &PostgresStore{
		pool:   pool,
		schema: "domus",
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.pool == nil {
		return nil, errors.New("notify: nil pool")
	}
	return st, nil
}

// Close is a no-op because the pool is owned by the caller.
func (s *PostgresStore) Close() error { return nil }

const notificationColumns = `id, batch_id, recipient_id, type, title, message, link,
 require_confirmation, priority, expires_at, payload, target_scope, target_param,
 read, read_at, created_at`

// Insert persists one record.
func (s *PostgresStore) Insert(ctx context.Context, n Notification) error {
	if n.ID == "" || n.RecipientID == "" {
		return ErrInvalidInput
	}

	var payload any
	if len(n.Payload) > 0 {
		b, err := json.Marshal(n.Payload)
		if err != nil {
			return ErrInvalidInput
		}
		payload = string(b)
	}

	notifications := pgIdent(s.schema, "notifications")
	_, err := s.pool.Exec(ctx,
		`INSERT INTO `+notifications+` (`+notificationColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11::jsonb, $12, $13, $14, $15, $16)`,
		n.ID, n.BatchID, n.RecipientID, string(n.Type), n.Title, n.Message, nullIfEmpty(n.Link),
		n.RequireConfirmation, string(n.Priority), n.ExpiresAt, payload,
		string(n.TargetScope), nullIfEmpty(n.TargetParam),
		n.Read, n.ReadAt, n.CreatedAt,
	)
	return err
}

// Get returns one record by id.
func (s *PostgresStore) Get(ctx context.Context, id string) (Notification, error) {
	notifications := pgIdent(s.schema, "notifications")
	row := s.pool.QueryRow(ctx,
		`SELECT `+notificationColumns+` FROM `+notifications+` WHERE id = $1`,
		id,
	)
	n, err := scanNotification(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Notification{}, ErrNotFound
	}
	return n, err
}

// UnreadFor returns unread, unexpired records for userID in creation order.
func (s *PostgresStore) UnreadFor(ctx context.Context, userID string, now time.Time) ([]Notification, error) {
	notifications := pgIdent(s.schema, "notifications")
	rows, err := s.pool.Query(ctx,
		`SELECT `+notificationColumns+`
		   FROM `+notifications+`
		  WHERE recipient_id = $1
		    AND NOT read
		    AND (expires_at IS NULL OR expires_at >= $2)
		  ORDER BY id ASC`,
		userID, now,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Notification
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// MarkRead sets read=true for a record owned by userID.
func (s *PostgresStore) MarkRead(ctx context.Context, id, userID string, now time.Time) (Notification, error) {
	notifications := pgIdent(s.schema, "notifications")
	row := s.pool.QueryRow(ctx,
		`UPDATE `+notifications+`
		    SET read = TRUE,
		        read_at = COALESCE(read_at, $3)
		  WHERE id = $1 AND recipient_id = $2
		RETURNING `+notificationColumns,
		id, userID, now,
	)
	n, err := scanNotification(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Notification{}, ErrNotFound
	}
	return n, err
}

// Confirm appends a confirmation (idempotent) and marks the record read.
// Both writes run in one transaction so a crash cannot leave a confirmation
// on an unread record.
func (s *PostgresStore) Confirm(ctx context.Context, id, userID string, now time.Time) (bool, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.ReadCommitted,
		AccessMode: pgx.ReadWrite,
	})
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	notifications := pgIdent(s.schema, "notifications")
	confirmations := pgIdent(s.schema, "confirmations")

	var one int
	err = tx.QueryRow(ctx,
		`SELECT 1 FROM `+notifications+` WHERE id = $1 AND recipient_id = $2`,
		id, userID,
	).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, ErrNotFound
	}
	if err != nil {
		return false, err
	}

	tag, err := tx.Exec(ctx,
		`INSERT INTO `+confirmations+` (notification_id, user_id, confirmed_at)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (notification_id, user_id) DO NOTHING`,
		id, userID, now,
	)
	if err != nil {
		return false, err
	}
	already := tag.RowsAffected() == 0

	if _, err := tx.Exec(ctx,
		`UPDATE `+notifications+`
		    SET read = TRUE,
		        read_at = COALESCE(read_at, $3)
		  WHERE id = $1 AND recipient_id = $2`,
		id, userID, now,
	); err != nil {
		return false, err
	}

	if err := tx.Commit(ctx); err != nil {
		return false, err
	}
	return already, nil
}

// CountBatch returns the number of records in a fan-out batch.
func (s *PostgresStore) CountBatch(ctx context.Context, batchID string) (int, error) {
	notifications := pgIdent(s.schema, "notifications")

	var count int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM `+notifications+` WHERE batch_id = $1`,
		batchID,
	).Scan(&count)
	return count, err
}

// CountConfirmed returns the number of confirmed records in a batch.
func (s *PostgresStore) CountConfirmed(ctx context.Context, batchID string) (int, error) {
	notifications := pgIdent(s.schema, "notifications")
	confirmations := pgIdent(s.schema, "confirmations")

	var count int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(DISTINCT c.notification_id)
		   FROM `+confirmations+` c
		   JOIN `+notifications+` n ON n.id = c.notification_id
		  WHERE n.batch_id = $1`,
		batchID,
	).Scan(&count)
	return count, err
}

// DeleteExpired removes every record past its expiry.
// Confirmations cascade via the FK.
func (s *PostgresStore) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	notifications := pgIdent(s.schema, "notifications")

	tag, err := s.pool.Exec(ctx,
		`DELETE FROM `+notifications+` WHERE expires_at IS NOT NULL AND expires_at < $1`,
		now,
	)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

func scanNotification(row pgx.Row) (Notification, error) {
	var (
		n          Notification
		typ, prio  string
		scope      string
		link       *string
		param      *string
		payloadRaw []byte
	)
	err := row.Scan(
		&n.ID, &n.BatchID, &n.RecipientID, &typ, &n.Title, &n.Message, &link,
		&n.RequireConfirmation, &prio, &n.ExpiresAt, &payloadRaw, &scope, &param,
		&n.Read, &n.ReadAt, &n.CreatedAt,
	)
	if err != nil {
		return Notification{}, err
	}

	n.Type = Type(typ)
	n.Priority = Priority(prio)
	n.TargetScope = Scope(scope)
	if link != nil {
		n.Link = *link
	}
	if param != nil {
		n.TargetParam = *param
	}
	if len(payloadRaw) > 0 {
		if err := json.Unmarshal(payloadRaw, &n.Payload); err != nil {
			return Notification{}, err
		}
	}
	return n, nil
}

func nullIfEmpty(s string) any {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return s
}

var pgIdentRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func isValidPGIdent(s string) bool {
	return pgIdentRE.MatchString(s)
}

func pgIdent(schema, table string) string {
	// pgx.Identifier safely quotes identifiers, preventing SQL injection.
	return pgx.Identifier{schema, table}.Sanitize()
}
