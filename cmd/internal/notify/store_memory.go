package notify

import (
	"context"
	"sort"
	"sync"
	"time"
)

// InMemoryStore is the dev/test Store. All maps are guarded by one mutex;
// notification volume per complex is small enough that finer locking would
// buy nothing here.
type InMemoryStore struct {
	mu            sync.Mutex
	byID          map[string]*Notification
	confirmations map[string]map[string]Confirmation // notification id -> user id -> confirmation
}

// NewInMemoryStore constructs an empty in-memory Store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		byID:          make(map[string]*Notification),
		confirmations: make(map[string]map[string]Confirmation),
	}
}

// Close closes the store (noop for in-memory).
func (s *InMemoryStore) Close() error { return nil }

// Insert persists one record. Duplicate ids are rejected as invalid input.
func (s *InMemoryStore) Insert(ctx context.Context, n Notification) error {
	if n.ID == "" || n.RecipientID == "" {
		return ErrInvalidInput
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byID[n.ID]; ok {
		return ErrInvalidInput
	}
	cp := n
	s.byID[n.ID] = &cp
	return nil
}

// Get returns one record by id.
func (s *InMemoryStore) Get(ctx context.Context, id string) (Notification, error) {
	if err := ctx.Err(); err != nil {
		return Notification{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.byID[id]
	if !ok {
		return Notification{}, ErrNotFound
	}
	return *n, nil
}

// UnreadFor returns unread, unexpired records for userID in creation order.
func (s *InMemoryStore) UnreadFor(ctx context.Context, userID string, now time.Time) ([]Notification, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Notification
	for _, n := range s.byID {
		if n.RecipientID != userID || n.Read || n.Expired(now) {
			continue
		}
		out = append(out, *n)
	}

	// ULIDs sort in creation order; CreatedAt is the tie-breaking intent.
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// MarkRead sets read=true for a record owned by userID.
func (s *InMemoryStore) MarkRead(ctx context.Context, id, userID string, now time.Time) (Notification, error) {
	if err := ctx.Err(); err != nil {
		return Notification{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.byID[id]
	if !ok || n.RecipientID != userID {
		return Notification{}, ErrNotFound
	}
	if !n.Read {
		n.Read = true
		at := now
		n.ReadAt = &at
	}
	return *n, nil
}

// Confirm appends a confirmation (idempotent) and marks the record read.
func (s *InMemoryStore) Confirm(ctx context.Context, id, userID string, now time.Time) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.byID[id]
	if !ok || n.RecipientID != userID {
		return false, ErrNotFound
	}

	set := s.confirmations[id]
	if set == nil {
		set = make(map[string]Confirmation)
		s.confirmations[id] = set
	}
	if _, ok := set[userID]; ok {
		return true, nil
	}
	set[userID] = Confirmation{NotificationID: id, UserID: userID, ConfirmedAt: now}

	if !n.Read {
		n.Read = true
		at := now
		n.ReadAt = &at
	}
	return false, nil
}

// CountBatch returns the number of records in a fan-out batch.
func (s *InMemoryStore) CountBatch(ctx context.Context, batchID string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0
	for _, n := range s.byID {
		if n.BatchID == batchID {
			count++
		}
	}
	return count, nil
}

// CountConfirmed returns the number of confirmed records in a batch.
func (s *InMemoryStore) CountConfirmed(ctx context.Context, batchID string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0
	for id, n := range s.byID {
		if n.BatchID != batchID {
			continue
		}
		if len(s.confirmations[id]) > 0 {
			count++
		}
	}
	return count, nil
}

// DeleteExpired removes every record past its expiry.
func (s *InMemoryStore) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	deleted := 0
	for id, n := range s.byID {
		if n.Expired(now) {
			delete(s.byID, id)
			delete(s.confirmations, id)
			deleted++
		}
	}
	return deleted, nil
}
