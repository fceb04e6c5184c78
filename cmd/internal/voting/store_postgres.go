package voting

import (
	"context"
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
//
// Concurrency model:
// - Per-question transactional advisory locks serialize vote upserts and
//   the close transition, so a close strictly happens-after every vote it
//   tallies and unrelated questions never contend.
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
}

// PostgresOption configures PostgresStore behavior.
type PostgresOption func(*PostgresStore) error

// WithSchema sets the DB schema used by this store (default: "domus").
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresStore) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return errors.New("voting: empty schema")
		}
		if !isValidPGIdent(schema) {
			return errors.New("voting: invalid schema identifier")
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
		return nil, errors.New("voting: nil pool")
	}
	return st, nil
}

// Close is a no-op because the pool is owned by the caller.
func (s *PostgresStore) Close() error { return nil }

const questionColumns = `id, assembly_id, text, state, opened_at, closes_at,
 eligible_voters, yes_count, no_count, abstain_count, approved`

// CreateQuestion inserts a draft question, enforcing the per-assembly cap
// under an assembly-level advisory lock.
func (s *PostgresStore) CreateQuestion(ctx context.Context, q Question, maxOpenPerAssembly int) error {
	if q.ID == "" || q.AssemblyID == "" {
		return ErrInvalidInput
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.ReadCommitted,
		AccessMode: pgx.ReadWrite,
	})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx,
		`SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, q.AssemblyID,
	); err != nil {
		return err
	}

	questions := pgIdent(s.schema, "questions")

	if maxOpenPerAssembly > 0 {
		var active int
		if err := tx.QueryRow(ctx,
			`SELECT COUNT(*) FROM `+questions+` WHERE assembly_id = $1 AND state <> 'closed'`,
			q.AssemblyID,
		).Scan(&active); err != nil {
			return err
		}
		if active >= maxOpenPerAssembly {
			return ErrCapacityExceeded
		}
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO `+questions+` (id, assembly_id, text, state) VALUES ($1, $2, $3, 'draft')`,
		q.ID, q.AssemblyID, q.Text,
	); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

// GetQuestion returns one question by id.
func (s *PostgresStore) GetQuestion(ctx context.Context, id string) (Question, error) {
	questions := pgIdent(s.schema, "questions")
	row := s.pool.QueryRow(ctx,
		`SELECT `+questionColumns+` FROM `+questions+` WHERE id = $1`, id,
	)
	q, err := scanQuestion(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Question{}, ErrNotFound
	}
	return q, err
}

// QuestionsByAssembly returns the assembly's questions in creation order.
func (s *PostgresStore) QuestionsByAssembly(ctx context.Context, assemblyID string) ([]Question, error) {
	questions := pgIdent(s.schema, "questions")
	rows, err := s.pool.Query(ctx,
		`SELECT `+questionColumns+` FROM `+questions+` WHERE assembly_id = $1 ORDER BY id ASC`,
		assemblyID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Question
	for rows.Next() {
		q, err := scanQuestion(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, q)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// OpenQuestion transitions draft -> open via a state-guarded UPDATE.
func (s *PostgresStore) OpenQuestion(ctx context.Context, id string, openedAt, closesAt time.Time, eligibleVoters int) (Question, error) {
	questions := pgIdent(s.schema, "questions")
	row := s.pool.QueryRow(ctx,
		`UPDATE `+questions+`
		    SET state = 'open', opened_at = $2, closes_at = $3, eligible_voters = $4
		  WHERE id = $1 AND state = 'draft'
		RETURNING `+questionColumns,
		id, openedAt, closesAt, eligibleVoters,
	)
	q, err := scanQuestion(row)
	if errors.Is(err, pgx.ErrNoRows) {
		// Missing row and wrong-state row need different errors.
		if _, getErr := s.GetQuestion(ctx, id); getErr != nil {
			return Question{}, getErr
		}
		return Question{}, ErrInvalidState
	}
	return q, err
}

// UpsertVote records or overwrites the voter's choice under the question's
// advisory lock, then returns the recomputed tally.
func (s *PostgresStore) UpsertVote(ctx context.Context, questionID, voterID string, choice Choice, now time.Time) (Tally, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.ReadCommitted,
		AccessMode: pgx.ReadWrite,
	})
	if err != nil {
		return Tally{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx,
		`SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, questionID,
	); err != nil {
		return Tally{}, err
	}

	questions := pgIdent(s.schema, "questions")
	votes := pgIdent(s.schema, "votes")

	var state string
	err = tx.QueryRow(ctx,
		`SELECT state FROM `+questions+` WHERE id = $1`, questionID,
	).Scan(&state)
	if errors.Is(err, pgx.ErrNoRows) {
		return Tally{}, ErrNotFound
	}
	if err != nil {
		return Tally{}, err
	}
	if State(state) != StateOpen {
		return Tally{}, ErrVotingClosed
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO `+votes+` (question_id, voter_id, choice, updated_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (question_id, voter_id)
		 DO UPDATE SET choice = EXCLUDED.choice, updated_at = EXCLUDED.updated_at`,
		questionID, voterID, string(choice), now,
	); err != nil {
		return Tally{}, err
	}

	tally, err := tallyTx(ctx, tx, votes, questionID)
	if err != nil {
		return Tally{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Tally{}, err
	}
	return tally, nil
}

// TallyFor returns the current vote reduction.
func (s *PostgresStore) TallyFor(ctx context.Context, questionID string) (Tally, error) {
	votes := pgIdent(s.schema, "votes")

	var t Tally
	err := s.pool.QueryRow(ctx,
		`SELECT
		   COUNT(*) FILTER (WHERE choice = 'yes'),
		   COUNT(*) FILTER (WHERE choice = 'no'),
		   COUNT(*) FILTER (WHERE choice = 'abstain')
		 FROM `+votes+` WHERE question_id = $1`,
		questionID,
	).Scan(&t.Yes, &t.No, &t.Abstain)
	return t, err
}

// CloseQuestion performs the open -> closed compare-and-set under the
// question's advisory lock and freezes the result columns.
func (s *PostgresStore) CloseQuestion(ctx context.Context, id string, now time.Time) (Question, bool, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.ReadCommitted,
		AccessMode: pgx.ReadWrite,
	})
	if err != nil {
		return Question{}, false, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx,
		`SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, id,
	); err != nil {
		return Question{}, false, err
	}

	questions := pgIdent(s.schema, "questions")
	votes := pgIdent(s.schema, "votes")

	row := tx.QueryRow(ctx,
		`SELECT `+questionColumns+` FROM `+questions+` WHERE id = $1`, id,
	)
	q, err := scanQuestion(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Question{}, false, ErrNotFound
	}
	if err != nil {
		return Question{}, false, err
	}

	switch q.State {
	case StateClosed:
		if err := tx.Commit(ctx); err != nil {
			return Question{}, false, err
		}
		return q, false, nil
	case StateDraft:
		return Question{}, false, ErrInvalidState
	}

	tally, err := tallyTx(ctx, tx, votes, id)
	if err != nil {
		return Question{}, false, err
	}

	ok := approved(tally.Yes, q.EligibleVoters)
	if _, err := tx.Exec(ctx,
		`UPDATE `+questions+`
		    SET state = 'closed', yes_count = $2, no_count = $3, abstain_count = $4, approved = $5
		  WHERE id = $1`,
		id, tally.Yes, tally.No, tally.Abstain, ok,
	); err != nil {
		return Question{}, false, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Question{}, false, err
	}

	q.State = StateClosed
	q.Result = &Result{Tally: tally, Approved: ok}
	return q, true, nil
}

// OpenQuestionIDsDue returns open questions past their deadline.
func (s *PostgresStore) OpenQuestionIDsDue(ctx context.Context, now time.Time) ([]string, error) {
	questions := pgIdent(s.schema, "questions")
	rows, err := s.pool.Query(ctx,
		`SELECT id FROM `+questions+`
		  WHERE state = 'open' AND closes_at IS NOT NULL AND closes_at <= $1
		  ORDER BY id ASC`,
		now,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func tallyTx(ctx context.Context, tx pgx.Tx, votesTable, questionID string) (Tally, error) {
	var t Tally
	err := tx.QueryRow(ctx,
		`SELECT
		   COUNT(*) FILTER (WHERE choice = 'yes'),
		   COUNT(*) FILTER (WHERE choice = 'no'),
		   COUNT(*) FILTER (WHERE choice = 'abstain')
		 FROM `+votesTable+` WHERE question_id = $1`,
		questionID,
	).Scan(&t.Yes, &t.No, &t.Abstain)
	return t, err
}

func scanQuestion(row pgx.Row) (Question, error) {
	var (
		q         Question
		state     string
		yes       *int
		no        *int
		abstain   *int
		approvedV *bool
	)
	err := row.Scan(
		&q.ID, &q.AssemblyID, &q.Text, &state, &q.OpenedAt, &q.ClosesAt,
		&q.EligibleVoters, &yes, &no, &abstain, &approvedV,
	)
	if err != nil {
		return Question{}, err
	}

	q.State = State(state)
	if q.State == StateClosed && yes != nil && no != nil && abstain != nil && approvedV != nil {
		q.Result = &Result{
			Tally:    Tally{Yes: *yes, No: *no, Abstain: *abstain},
			Approved: *approvedV,
		}
	}
	return q, nil
}

var pgIdentRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func isValidPGIdent(s string) bool {
	return pgIdentRE.MatchString(s)
}

func pgIdent(schema, table string) string {
	// pgx.Identifier safely quotes identifiers, preventing SQL injection.
	return pgx.Identifier{schema, table}.Sanitize()
}
