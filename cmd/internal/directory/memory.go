package directory

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// InMemoryDirectory is a seedable Directory used in dev mode and tests.
type InMemoryDirectory struct {
	mu     sync.RWMutex
	byID   map[string]Resident
	byRole map[string]map[string]struct{}
	byUnit map[int]map[string]struct{}
}

// NewInMemoryDirectory constructs an empty in-memory Directory.
func NewInMemoryDirectory() *InMemoryDirectory {
	return &InMemoryDirectory{
		byID:   make(map[string]Resident),
		byRole: make(map[string]map[string]struct{}),
		byUnit: make(map[int]map[string]struct{}),
	}
}

// Add upserts one resident entry.
func (d *InMemoryDirectory) Add(r Resident) {
	r.UserID = strings.TrimSpace(r.UserID)
	if r.UserID == "" {
		return
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if prev, ok := d.byID[r.UserID]; ok {
		delete(d.byRole[prev.Role], r.UserID)
		delete(d.byUnit[prev.Unit], r.UserID)
	}

	d.byID[r.UserID] = r

	if d.byRole[r.Role] == nil {
		d.byRole[r.Role] = make(map[string]struct{})
	}
	d.byRole[r.Role][r.UserID] = struct{}{}

	if d.byUnit[r.Unit] == nil {
		d.byUnit[r.Unit] = make(map[string]struct{})
	}
	d.byUnit[r.Unit][r.UserID] = struct{}{}
}

// UsersByRole returns the user ids holding role, ErrNotFound for an unknown role.
func (d *InMemoryDirectory) UsersByRole(ctx context.Context, role string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(role) == "" {
		return nil, ErrInvalidInput
	}

	d.mu.RLock()
	defer d.mu.RUnlock()

	set, ok := d.byRole[role]
	if !ok {
		return nil, ErrNotFound
	}
	return sortedKeys(set), nil
}

// ResidentsOfUnit returns the residents of unitID, ErrNotFound for an unknown unit.
func (d *InMemoryDirectory) ResidentsOfUnit(ctx context.Context, unitID int) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	d.mu.RLock()
	defer d.mu.RUnlock()

	set, ok := d.byUnit[unitID]
	if !ok {
		return nil, ErrNotFound
	}
	return sortedKeys(set), nil
}

// AllResidents returns every known user id in stable order.
func (d *InMemoryDirectory) AllResidents(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make([]string, 0, len(d.byID))
	for id := range d.byID {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

// Exists reports whether userID is known.
func (d *InMemoryDirectory) Exists(ctx context.Context, userID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	d.mu.RLock()
	defer d.mu.RUnlock()

	_, ok := d.byID[userID]
	return ok, nil
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
