// Package directory resolves notification and voting audiences: role to
// users, unit to residents, and the full resident set of the complex.
//
// Domus treats the directory as an inbound collaborator: the resident CRUD
// that populates it lives outside this core.
package directory

import "context"

// Resident is one directory entry.
type Resident struct {
	UserID string
	Role   string
	Unit   int
}

// Directory is the audience-resolution boundary.
//
// Requirements:
//   - UsersByRole / ResidentsOfUnit return ErrNotFound for an unknown role/unit,
//     never a silent empty slice, so dispatch callers can distinguish
//     "nobody matched" from "bad targeting criteria".
//   - Results are returned in stable (sorted by user id) order.
type Directory interface {
	// UsersByRole returns the user ids holding the given role.
	UsersByRole(ctx context.Context, role string) ([]string, error)
	// ResidentsOfUnit returns the user ids of the residents of a unit.
	ResidentsOfUnit(ctx context.Context, unitID int) ([]string, error)
	// AllResidents returns every user id known to the complex.
	AllResidents(ctx context.Context) ([]string, error)
	// Exists reports whether a user id is known to the directory.
	Exists(ctx context.Context, userID string) (bool, error)
}
