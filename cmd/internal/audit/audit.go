// Package audit writes the durable action trail for the realtime core.
//
// Every record is logged via slog; when a pgx pool is configured the record
// is also inserted into the audit_log table. Insert failures are logged and
// never surfaced to callers: auditing must not fail the audited operation.
package audit

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"regexp"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Action names recorded by the core.
const (
	ActionConnect          = "ws.connect"
	ActionDisconnect       = "ws.disconnect"
	ActionNotifyDispatched = "notify.dispatched"
	ActionNotifyConfirmed  = "notification.confirmed"
	ActionQuestionCreated  = "vote.question.created"
	ActionVotingOpened     = "vote.opened"
	ActionVoteCast         = "vote.cast"
	ActionVotingClosed     = "vote.closed"
)

// Logger records audit events.
type Logger struct {
	log    *slog.Logger
	pool   *pgxpool.Pool
	schema string
}

// Option configures Logger behavior.
type Option func(*Logger) error

// WithPool enables durable inserts into <schema>.audit_log.
func WithPool(pool *pgxpool.Pool) Option {
	return func(l *Logger) error {
		l.pool = pool
		return nil
	}
}

// WithSchema sets the DB schema (default: "domus").
func WithSchema(schema string) Option {
	return func(l *Logger) error {
		schema = strings.TrimSpace(schema)
		if schema == "" || !pgIdentRE.MatchString(schema) {
			return errors.New("audit: invalid schema identifier")
		}
		l.schema = schema
		return nil
	}
}

// New constructs an audit Logger. Without WithPool it is log-only.
func New(log *slog.Logger, opts ...Option) (*Logger, error) {
	if log == nil {
		log = slog.Default()
	}
	l := &Logger{log: log, schema: "domus"}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(l); err != nil {
			return nil, err
		}
	}
	return l, nil
}

// Record writes one audit entry. userID may be empty for system actions
// (e.g. the timer sweep closing a question).
func (l *Logger) Record(ctx context.Context, action, userID string, meta map[string]any) {
	if l == nil {
		return
	}
	action = strings.TrimSpace(action)
	if action == "" {
		return
	}

	attrs := []any{"action", action}
	if userID != "" {
		attrs = append(attrs, "user_id", userID)
	}
	for k, v := range meta {
		attrs = append(attrs, k, v)
	}
	l.log.Info("audit", attrs...)

	if l.pool == nil {
		return
	}

	var userVal any
	if userID != "" {
		userVal = userID
	}

	var metaVal *string
	if len(meta) > 0 {
		if b, err := json.Marshal(meta); err == nil {
			s := string(b)
			metaVal = &s
		}
	}

	table := pgx.Identifier{l.schema, "audit_log"}.Sanitize()
	_, err := l.pool.Exec(ctx,
		`INSERT INTO `+table+` (action, user_id, created_at, meta)
		 VALUES ($1, $2, now(), $3::jsonb)`,
		action, userVal, metaVal,
	)
	if err != nil {
		l.log.Error("audit.insert.fail", "err", err, "action", action)
	}
}

var pgIdentRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)
