package directory

import (
	"context"
	"errors"
	"regexp"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresDirectory resolves audiences from the domus.residents table.
//
// Ownership model:
// - PostgresDirectory does NOT own the pgx pool. The caller must close the pool.
type PostgresDirectory struct {
	pool   *pgxpool.Pool
	schema string
}

// PostgresOption configures PostgresDirectory behavior.
type PostgresOption func(*PostgresDirectory) error

// WithSchema sets the DB schema used by this directory (default: "domus").
// The schema name is validated and safely quoted in queries.
func WithSchema(schema string) PostgresOption {
	return func(d *PostgresDirectory) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return errors.New("directory: empty schema")
		}
		if !isValidPGIdent(schema) {
			return errors.New("directory: invalid schema identifier")
		}
		d.schema = schema
		return nil
	}
}

// NewPostgresDirectory constructs a Postgres-backed Directory.
func NewPostgresDirectory(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresDirectory, error) {
	d := &PostgresDirectory{
		pool:   pool,
		schema: "domus",
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(d); err != nil {
			return nil, err
		}
	}
	if d.pool == nil {
		return nil, errors.New("directory: nil pool")
	}
	return d, nil
}

// UsersByRole returns the user ids holding role, ErrNotFound for an unknown role.
func (d *PostgresDirectory) UsersByRole(ctx context.Context, role string) ([]string, error) {
	if strings.TrimSpace(role) == "" {
		return nil, ErrInvalidInput
	}

	residents := pgIdent(d.schema, "residents")
	rows, err := d.pool.Query(ctx,
		`SELECT user_id FROM `+residents+` WHERE role = $1 ORDER BY user_id`,
		role,
	)
	if err != nil {
		return nil, err
	}
	out, err := collectIDs(rows)
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, ErrNotFound
	}
	return out, nil
}

// ResidentsOfUnit returns the residents of unitID, ErrNotFound for an unknown unit.
func (d *PostgresDirectory) ResidentsOfUnit(ctx context.Context, unitID int) ([]string, error) {
	residents := pgIdent(d.schema, "residents")
	rows, err := d.pool.Query(ctx,
		`SELECT user_id FROM `+residents+` WHERE unit = $1 ORDER BY user_id`,
		unitID,
	)
	if err != nil {
		return nil, err
	}
	out, err := collectIDs(rows)
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, ErrNotFound
	}
	return out, nil
}

// AllResidents returns every known user id in stable order.
func (d *PostgresDirectory) AllResidents(ctx context.Context) ([]string, error) {
	residents := pgIdent(d.schema, "residents")
	rows, err := d.pool.Query(ctx, `SELECT user_id FROM `+residents+` ORDER BY user_id`)
	if err != nil {
		return nil, err
	}
	return collectIDs(rows)
}

// Exists reports whether userID is known.
func (d *PostgresDirectory) Exists(ctx context.Context, userID string) (bool, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return false, nil
	}

	residents := pgIdent(d.schema, "residents")

	var one int
	err := d.pool.QueryRow(ctx,
		`SELECT 1 FROM `+residents+` WHERE user_id = $1`,
		userID,
	).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func collectIDs(rows pgx.Rows) ([]string, error) {
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

var pgIdentRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func isValidPGIdent(s string) bool {
	return pgIdentRE.MatchString(s)
}

func pgIdent(schema, table string) string {
	// pgx.Identifier safely quotes identifiers, preventing SQL injection.
	return pgx.Identifier{schema, table}.Sanitize()
}
