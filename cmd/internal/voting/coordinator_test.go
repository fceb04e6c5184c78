package voting

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"domus/cmd/internal/audit"
	"domus/cmd/internal/directory"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type recordingEvents struct {
	mu      sync.Mutex
	opened  []string
	tallies []string
	closed  []string
}

func (r *recordingEvents) QuestionOpened(_ string, q Question) {
	r.mu.Lock()
	r.opened = append(r.opened, q.ID)
	r.mu.Unlock()
}

func (r *recordingEvents) TallyUpdated(_ string, questionID string, _ Tally) {
	r.mu.Lock()
	r.tallies = append(r.tallies, questionID)
	r.mu.Unlock()
}

func (r *recordingEvents) QuestionClosed(_ string, q Question) {
	r.mu.Lock()
	r.closed = append(r.closed, q.ID)
	r.mu.Unlock()
}

func (r *recordingEvents) closedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.closed)
}

func testCoordinator(t *testing.T, residents int, clock *fakeClock) (*Coordinator, *recordingEvents) {
	t.Helper()

	dir := directory.NewInMemoryDirectory()
	for i := 0; i < residents; i++ {
		dir.Add(directory.Resident{
			UserID: fmt.Sprintf("user-%02d", i),
			Role:   "resident",
			Unit:   i % 4,
		})
	}

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	auditor, err := audit.New(log)
	if err != nil {
		t.Fatalf("audit.New: %v", err)
	}
	events := &recordingEvents{}
	c := NewCoordinator(log, NewInMemoryStore(), dir, events, auditor,
		Config{MaxQuestionsPerAssembly: 10, Window: 3 * time.Minute},
		WithClock(clock.Now),
	)
	return c, events
}

func openOne(t *testing.T, c *Coordinator, assemblyID string) Question {
	t.Helper()
	ctx := context.Background()
	q, err := c.CreateQuestion(ctx, assemblyID, "install bicycle racks", "mgr-1")
	if err != nil {
		t.Fatalf("CreateQuestion: %v", err)
	}
	q, err = c.OpenVoting(ctx, q.ID, "mgr-1")
	if err != nil {
		t.Fatalf("OpenVoting: %v", err)
	}
	return q
}

func TestCoordinator_OpenVoting_SnapshotsEligibleVoters(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 3, 14, 19, 0, 0, 0, time.UTC)}
	c, events := testCoordinator(t, 9, clock)

	q := openOne(t, c, "asm-1")
	if q.EligibleVoters != 9 {
		t.Fatalf("expected 9 eligible voters, got %d", q.EligibleVoters)
	}
	if q.ClosesAt == nil || !q.ClosesAt.Equal(clock.Now().Add(3*time.Minute)) {
		t.Fatalf("unexpected window: %v", q.ClosesAt)
	}
	if len(events.opened) != 1 || events.opened[0] != q.ID {
		t.Fatalf("expected one opened event for %s, got %v", q.ID, events.opened)
	}
}

func TestCoordinator_CastVote_ConcurrentVoters(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 3, 14, 19, 0, 0, 0, time.UTC)}
	c, _ := testCoordinator(t, 20, clock)
	ctx := context.Background()

	q := openOne(t, c, "asm-1")

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			choice := ChoiceYes
			if i%4 == 3 {
				choice = ChoiceNo
			}
			if _, err := c.CastVote(ctx, q.ID, fmt.Sprintf("user-%02d", i), choice); err != nil {
				t.Errorf("CastVote %d: %v", i, err)
			}
		}(i)
	}
	wg.Wait()

	closed, err := c.CloseVoting(ctx, q.ID, "mgr-1")
	if err != nil {
		t.Fatalf("CloseVoting: %v", err)
	}
	if closed.Result == nil {
		t.Fatalf("missing result")
	}
	if got := closed.Result.Tally; got.Yes != 15 || got.No != 5 || got.Total() != 20 {
		t.Fatalf("unexpected tally: %+v", got)
	}
	if !closed.Result.Approved {
		t.Fatalf("15 of 20 must approve")
	}
}

func TestCoordinator_CastVote_Resubmission(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 3, 14, 19, 0, 0, 0, time.UTC)}
	c, _ := testCoordinator(t, 5, clock)
	ctx := context.Background()

	q := openOne(t, c, "asm-1")

	if _, err := c.CastVote(ctx, q.ID, "user-00", ChoiceYes); err != nil {
		t.Fatalf("first vote: %v", err)
	}
	tally, err := c.CastVote(ctx, q.ID, "user-00", ChoiceAbstain)
	if err != nil {
		t.Fatalf("resubmission: %v", err)
	}
	if tally.Yes != 0 || tally.Abstain != 1 || tally.Total() != 1 {
		t.Fatalf("resubmission must replace the previous choice: %+v", tally)
	}
}

func TestCoordinator_CastVote_AfterDeadline(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 3, 14, 19, 0, 0, 0, time.UTC)}
	c, _ := testCoordinator(t, 5, clock)
	ctx := context.Background()

	q := openOne(t, c, "asm-1")

	// The deadline itself is already out of the window.
	clock.Advance(3 * time.Minute)
	_, err := c.CastVote(ctx, q.ID, "user-00", ChoiceYes)
	if !errors.Is(err, ErrVotingClosed) {
		t.Fatalf("expected ErrVotingClosed, got %v", err)
	}
}

func TestCoordinator_CastVote_InvalidChoice(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 3, 14, 19, 0, 0, 0, time.UTC)}
	c, _ := testCoordinator(t, 5, clock)
	ctx := context.Background()

	q := openOne(t, c, "asm-1")
	if _, err := c.CastVote(ctx, q.ID, "user-00", Choice("maybe")); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestCoordinator_SweepClosesExpired(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 3, 14, 19, 0, 0, 0, time.UTC)}
	c, events := testCoordinator(t, 4, clock)
	ctx := context.Background()

	q := openOne(t, c, "asm-1")
	for _, voter := range []string{"user-00", "user-01", "user-02"} {
		if _, err := c.CastVote(ctx, q.ID, voter, ChoiceYes); err != nil {
			t.Fatalf("CastVote %s: %v", voter, err)
		}
	}

	clock.Advance(3*time.Minute + time.Second)
	n, err := c.CloseDue(ctx)
	if err != nil {
		t.Fatalf("CloseDue: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 closed question, got %d", n)
	}

	got, err := c.store.GetQuestion(ctx, q.ID)
	if err != nil {
		t.Fatalf("GetQuestion: %v", err)
	}
	if got.State != StateClosed || got.Result == nil || !got.Result.Approved {
		t.Fatalf("unexpected question after sweep: %+v", got)
	}
	if events.closedCount() != 1 {
		t.Fatalf("expected one closed event, got %d", events.closedCount())
	}

	// A second sweep finds nothing to do.
	n, err = c.CloseDue(ctx)
	if err != nil {
		t.Fatalf("second CloseDue: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected 0, got %d", n)
	}
}

func TestCoordinator_ManualCloseBeatsSweep(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 3, 14, 19, 0, 0, 0, time.UTC)}
	c, events := testCoordinator(t, 4, clock)
	ctx := context.Background()

	q := openOne(t, c, "asm-1")
	if _, err := c.CastVote(ctx, q.ID, "user-00", ChoiceNo); err != nil {
		t.Fatalf("CastVote: %v", err)
	}

	manual, err := c.CloseVoting(ctx, q.ID, "mgr-1")
	if err != nil {
		t.Fatalf("CloseVoting: %v", err)
	}

	clock.Advance(time.Hour)
	n, err := c.CloseDue(ctx)
	if err != nil {
		t.Fatalf("CloseDue: %v", err)
	}
	if n != 0 {
		t.Fatalf("sweep must not re-close, got %d", n)
	}
	if events.closedCount() != 1 {
		t.Fatalf("expected exactly one closed broadcast, got %d", events.closedCount())
	}

	again, err := c.CloseVoting(ctx, q.ID, "mgr-2")
	if err != nil {
		t.Fatalf("repeat CloseVoting: %v", err)
	}
	if *again.Result != *manual.Result {
		t.Fatalf("repeat close changed result: %+v vs %+v", again.Result, manual.Result)
	}
}

func TestCoordinator_AssemblyState(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 3, 14, 19, 0, 0, 0, time.UTC)}
	c, _ := testCoordinator(t, 4, clock)
	ctx := context.Background()

	draft, err := c.CreateQuestion(ctx, "asm-1", "renew elevator contract", "mgr-1")
	if err != nil {
		t.Fatalf("CreateQuestion: %v", err)
	}
	open := openOne(t, c, "asm-1")
	if _, err := c.CastVote(ctx, open.ID, "user-00", ChoiceYes); err != nil {
		t.Fatalf("CastVote: %v", err)
	}

	qs, tallies, err := c.AssemblyState(ctx, "asm-1")
	if err != nil {
		t.Fatalf("AssemblyState: %v", err)
	}
	if len(qs) != 2 {
		t.Fatalf("expected 2 questions, got %d", len(qs))
	}
	// ULIDs keep creation order.
	if qs[0].ID != draft.ID || qs[1].ID != open.ID {
		t.Fatalf("unexpected order: %s, %s", qs[0].ID, qs[1].ID)
	}
	if tallies[open.ID].Yes != 1 {
		t.Fatalf("expected live tally for open question, got %+v", tallies)
	}
	if _, ok := tallies[draft.ID]; ok {
		t.Fatalf("draft question must not carry a tally")
	}
}

func TestCoordinator_CreateQuestion_Capacity(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 3, 14, 19, 0, 0, 0, time.UTC)}
	c, _ := testCoordinator(t, 4, clock)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		if _, err := c.CreateQuestion(ctx, "asm-1", fmt.Sprintf("agenda item %d", i), "mgr-1"); err != nil {
			t.Fatalf("CreateQuestion %d: %v", i, err)
		}
	}
	_, err := c.CreateQuestion(ctx, "asm-1", "one too many", "mgr-1")
	if !errors.Is(err, ErrCapacityExceeded) {
		t.Fatalf("expected ErrCapacityExceeded, got %v", err)
	}
}
