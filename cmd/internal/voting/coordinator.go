package voting

import (
	"context"
	"log/slog"
	"time"

	"domus/cmd/internal/audit"
	"domus/cmd/internal/directory"
	"domus/cmd/internal/ids"
	"domus/cmd/internal/metrics"
)

// Events receives voting state changes for fan-out to connected clients.
// Implementations must not block: the coordinator calls these while holding
// no locks but inside the request path.
type Events interface {
	QuestionOpened(assemblyID string, q Question)
	TallyUpdated(assemblyID, questionID string, tally Tally)
	QuestionClosed(assemblyID string, q Question)
}

// NopEvents discards all events. Useful in tests and tools.
type NopEvents struct{}

func (NopEvents) QuestionOpened(string, Question)    {}
func (NopEvents) TallyUpdated(string, string, Tally) {}
func (NopEvents) QuestionClosed(string, Question)    {}

// Config bounds the coordinator's voting windows.
type Config struct {
	// MaxQuestionsPerAssembly caps non-closed questions per assembly.
	MaxQuestionsPerAssembly int
	// Window is the fixed voting window applied at open time.
	Window time.Duration
}

// Coordinator owns the question lifecycle. All state transitions funnel
// through the store's per-question serialization, so a moderator close and
// the timer sweep racing each other still produce exactly one transition.
type Coordinator struct {
	log    *slog.Logger
	store  Store
	dir    directory.Directory
	events Events
	audit  *audit.Logger
	cfg    Config
	now    func() time.Time
}

// CoordinatorOption configures a Coordinator.
type CoordinatorOption func(*Coordinator)

// WithClock overrides the coordinator's time source. Tests use this to step
// through the voting window deterministically.
func WithClock(now func() time.Time) CoordinatorOption {
	return func(c *Coordinator) { c.now = now }
}

// NewCoordinator wires a Coordinator. A nil events sink is replaced with
// NopEvents.
func NewCoordinator(log *slog.Logger, store Store, dir directory.Directory, events Events, auditor *audit.Logger, cfg Config, opts ...CoordinatorOption) *Coordinator {
	if events == nil {
		events = NopEvents{}
	}
	if cfg.MaxQuestionsPerAssembly <= 0 {
		cfg.MaxQuestionsPerAssembly = 10
	}
	if cfg.Window <= 0 {
		cfg.Window = 180 * time.Second
	}
	c := &Coordinator{
		log:    log,
		store:  store,
		dir:    dir,
		events: events,
		audit:  auditor,
		cfg:    cfg,
		now:    time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// CreateQuestion registers a draft question on the assembly's agenda.
func (c *Coordinator) CreateQuestion(ctx context.Context, assemblyID, text, createdBy string) (Question, error) {
	if assemblyID == "" || text == "" {
		return Question{}, ErrInvalidInput
	}

	q := Question{
		ID:         ids.MustULID(c.now()),
		AssemblyID: assemblyID,
		Text:       text,
		State:      StateDraft,
	}
	if err := c.store.CreateQuestion(ctx, q, c.cfg.MaxQuestionsPerAssembly); err != nil {
		return Question{}, err
	}

	c.log.Info("vote.question.created",
		"question_id", q.ID,
		"assembly_id", assemblyID,
		"created_by", createdBy,
	)
	c.audit.Record(ctx, audit.ActionQuestionCreated, createdBy, map[string]any{
		"question_id": q.ID,
		"assembly_id": assemblyID,
	})
	return q, nil
}

// OpenVoting transitions a draft question to open, snapshots the eligible
// voter count and starts the voting window.
func (c *Coordinator) OpenVoting(ctx context.Context, questionID, openedBy string) (Question, error) {
	if questionID == "" {
		return Question{}, ErrInvalidInput
	}

	residents, err := c.dir.AllResidents(ctx)
	if err != nil {
		return Question{}, err
	}

	now := c.now()
	closes := now.Add(c.cfg.Window)
	q, err := c.store.OpenQuestion(ctx, questionID, now, closes, len(residents))
	if err != nil {
		return Question{}, err
	}

	c.log.Info("vote.opened",
		"question_id", q.ID,
		"assembly_id", q.AssemblyID,
		"eligible_voters", q.EligibleVoters,
		"closes_at", closes,
	)
	c.audit.Record(ctx, audit.ActionVotingOpened, openedBy, map[string]any{
		"question_id":     q.ID,
		"assembly_id":     q.AssemblyID,
		"eligible_voters": q.EligibleVoters,
	})
	c.events.QuestionOpened(q.AssemblyID, q)
	return q, nil
}

// CastVote records voterID's choice. Re-submitting overwrites the previous
// choice (last write wins). The wall clock is checked here so a vote that
// arrives after the deadline is rejected even if the sweep has not run yet.
func (c *Coordinator) CastVote(ctx context.Context, questionID, voterID string, choice Choice) (Tally, error) {
	if questionID == "" || voterID == "" {
		return Tally{}, ErrInvalidInput
	}
	if !choice.Valid() {
		metrics.VotesRejected.Inc()
		return Tally{}, ErrInvalidInput
	}

	now := c.now()
	q, err := c.store.GetQuestion(ctx, questionID)
	if err != nil {
		metrics.VotesRejected.Inc()
		return Tally{}, err
	}
	if q.State != StateOpen || (q.ClosesAt != nil && !now.Before(*q.ClosesAt)) {
		metrics.VotesRejected.Inc()
		return Tally{}, ErrVotingClosed
	}

	tally, err := c.store.UpsertVote(ctx, questionID, voterID, choice, now)
	if err != nil {
		metrics.VotesRejected.Inc()
		return Tally{}, err
	}
	metrics.VotesCast.Inc()

	c.log.Info("vote.cast",
		"question_id", questionID,
		"voter_id", voterID,
		"total_votes", tally.Total(),
	)
	c.audit.Record(ctx, audit.ActionVoteCast, voterID, map[string]any{
		"question_id": questionID,
	})
	c.events.TallyUpdated(q.AssemblyID, questionID, tally)
	return tally, nil
}

// CloseVoting closes the question on a moderator's request. Closing an
// already closed question returns its frozen result without side effects.
func (c *Coordinator) CloseVoting(ctx context.Context, questionID, closedBy string) (Question, error) {
	if questionID == "" {
		return Question{}, ErrInvalidInput
	}
	q, _, err := c.close(ctx, questionID, closedBy, "manual")
	return q, err
}

// AssemblyState returns the assembly's questions in creation order, with
// live tallies attached to open questions.
func (c *Coordinator) AssemblyState(ctx context.Context, assemblyID string) ([]Question, map[string]Tally, error) {
	if assemblyID == "" {
		return nil, nil, ErrInvalidInput
	}

	qs, err := c.store.QuestionsByAssembly(ctx, assemblyID)
	if err != nil {
		return nil, nil, err
	}

	tallies := make(map[string]Tally)
	for _, q := range qs {
		if q.State != StateOpen {
			continue
		}
		t, err := c.store.TallyFor(ctx, q.ID)
		if err != nil {
			return nil, nil, err
		}
		tallies[q.ID] = t
	}
	return qs, tallies, nil
}

// CloseDue closes every open question whose window has expired. It returns
// the number of questions this call transitioned.
func (c *Coordinator) CloseDue(ctx context.Context) (int, error) {
	due, err := c.store.OpenQuestionIDsDue(ctx, c.now())
	if err != nil {
		return 0, err
	}

	closed := 0
	for _, id := range due {
		_, transitioned, err := c.close(ctx, id, "", "timer")
		if err != nil {
			c.log.Error("vote.sweep.close.fail", "question_id", id, "error", err)
			continue
		}
		if transitioned {
			closed++
		}
	}
	return closed, nil
}

// RunSweep drives CloseDue on a ticker until ctx is canceled. The interval
// bounds how late a timer close can fire after the deadline.
func (c *Coordinator) RunSweep(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := c.CloseDue(ctx); err != nil {
				c.log.Error("vote.sweep.fail", "error", err)
			}
		}
	}
}

func (c *Coordinator) close(ctx context.Context, questionID, closedBy, reason string) (Question, bool, error) {
	q, transitioned, err := c.store.CloseQuestion(ctx, questionID, c.now())
	if err != nil {
		return Question{}, false, err
	}
	if !transitioned {
		// Someone else already closed it; the frozen result was broadcast
		// by that caller.
		return q, false, nil
	}

	metrics.QuestionsClosed.Inc()
	c.log.Info("vote.closed",
		"question_id", q.ID,
		"assembly_id", q.AssemblyID,
		"reason", reason,
		"yes", q.Result.Tally.Yes,
		"no", q.Result.Tally.No,
		"abstain", q.Result.Tally.Abstain,
		"approved", q.Result.Approved,
	)
	c.audit.Record(ctx, audit.ActionVotingClosed, closedBy, map[string]any{
		"question_id": q.ID,
		"assembly_id": q.AssemblyID,
		"reason":      reason,
		"approved":    q.Result.Approved,
	})
	c.events.QuestionClosed(q.AssemblyID, q)
	return q, true, nil
}
