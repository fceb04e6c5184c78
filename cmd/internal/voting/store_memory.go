package voting

import (
	"context"
	"sort"
	"sync"
	"time"
)

// InMemoryStore is the dev/test Store. The outer mutex only guards the
// question map; each question carries its own lock so vote storms on one
// question never contend with another assembly's questions.
type InMemoryStore struct {
	mu        sync.RWMutex
	questions map[string]*memQuestion
}

type memQuestion struct {
	mu    sync.Mutex
	q     Question
	votes map[string]Vote // voter id -> current vote
}

// NewInMemoryStore constructs an empty in-memory Store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		questions: make(map[string]*memQuestion),
	}
}

// Close closes the store (noop for in-memory).
func (s *InMemoryStore) Close() error { return nil }

// CreateQuestion inserts a draft question, enforcing the per-assembly cap.
// Closed questions do not count against the cap.
func (s *InMemoryStore) CreateQuestion(ctx context.Context, q Question, maxOpenPerAssembly int) error {
	if q.ID == "" || q.AssemblyID == "" {
		return ErrInvalidInput
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.questions[q.ID]; ok {
		return ErrInvalidInput
	}

	if maxOpenPerAssembly > 0 {
		active := 0
		for _, mq := range s.questions {
			if mq.q.AssemblyID == q.AssemblyID && mq.q.State != StateClosed {
				active++
			}
		}
		if active >= maxOpenPerAssembly {
			return ErrCapacityExceeded
		}
	}

	s.questions[q.ID] = &memQuestion{
		q:     q,
		votes: make(map[string]Vote),
	}
	return nil
}

// GetQuestion returns one question by id.
func (s *InMemoryStore) GetQuestion(ctx context.Context, id string) (Question, error) {
	if err := ctx.Err(); err != nil {
		return Question{}, err
	}

	mq, err := s.question(id)
	if err != nil {
		return Question{}, err
	}

	mq.mu.Lock()
	defer mq.mu.Unlock()
	return mq.q, nil
}

// QuestionsByAssembly returns the assembly's questions in creation order.
func (s *InMemoryStore) QuestionsByAssembly(ctx context.Context, assemblyID string) ([]Question, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	matched := make([]*memQuestion, 0, 4)
	for _, mq := range s.questions {
		if mq.q.AssemblyID == assemblyID {
			matched = append(matched, mq)
		}
	}
	s.mu.RUnlock()

	out := make([]Question, 0, len(matched))
	for _, mq := range matched {
		mq.mu.Lock()
		out = append(out, mq.q)
		mq.mu.Unlock()
	}

	// ULIDs sort in creation order.
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// OpenQuestion transitions draft -> open.
func (s *InMemoryStore) OpenQuestion(ctx context.Context, id string, openedAt, closesAt time.Time, eligibleVoters int) (Question, error) {
	if err := ctx.Err(); err != nil {
		return Question{}, err
	}

	mq, err := s.question(id)
	if err != nil {
		return Question{}, err
	}

	mq.mu.Lock()
	defer mq.mu.Unlock()

	if mq.q.State != StateDraft {
		return Question{}, ErrInvalidState
	}

	opened, closes := openedAt, closesAt
	mq.q.State = StateOpen
	mq.q.OpenedAt = &opened
	mq.q.ClosesAt = &closes
	mq.q.EligibleVoters = eligibleVoters
	return mq.q, nil
}

// UpsertVote records or overwrites the voter's choice while open.
func (s *InMemoryStore) UpsertVote(ctx context.Context, questionID, voterID string, choice Choice, now time.Time) (Tally, error) {
	if err := ctx.Err(); err != nil {
		return Tally{}, err
	}

	mq, err := s.question(questionID)
	if err != nil {
		return Tally{}, err
	}

	mq.mu.Lock()
	defer mq.mu.Unlock()

	if mq.q.State != StateOpen {
		return Tally{}, ErrVotingClosed
	}

	mq.votes[voterID] = Vote{
		QuestionID: questionID,
		VoterID:    voterID,
		Choice:     choice,
		UpdatedAt:  now,
	}
	return reduce(mq.votes), nil
}

// TallyFor returns the current vote reduction.
func (s *InMemoryStore) TallyFor(ctx context.Context, questionID string) (Tally, error) {
	if err := ctx.Err(); err != nil {
		return Tally{}, err
	}

	mq, err := s.question(questionID)
	if err != nil {
		return Tally{}, err
	}

	mq.mu.Lock()
	defer mq.mu.Unlock()
	return reduce(mq.votes), nil
}

// CloseQuestion performs the open -> closed compare-and-set.
func (s *InMemoryStore) CloseQuestion(ctx context.Context, id string, now time.Time) (Question, bool, error) {
	if err := ctx.Err(); err != nil {
		return Question{}, false, err
	}

	mq, err := s.question(id)
	if err != nil {
		return Question{}, false, err
	}

	mq.mu.Lock()
	defer mq.mu.Unlock()

	switch mq.q.State {
	case StateClosed:
		// The racing caller observes the identical frozen result.
		return mq.q, false, nil
	case StateDraft:
		return Question{}, false, ErrInvalidState
	}

	tally := reduce(mq.votes)
	mq.q.State = StateClosed
	mq.q.Result = &Result{
		Tally:    tally,
		Approved: approved(tally.Yes, mq.q.EligibleVoters),
	}
	return mq.q, true, nil
}

// OpenQuestionIDsDue returns open questions past their deadline.
func (s *InMemoryStore) OpenQuestionIDsDue(ctx context.Context, now time.Time) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	candidates := make([]*memQuestion, 0, 4)
	for _, mq := range s.questions {
		candidates = append(candidates, mq)
	}
	s.mu.RUnlock()

	var due []string
	for _, mq := range candidates {
		mq.mu.Lock()
		if mq.q.State == StateOpen && mq.q.ClosesAt != nil && !now.Before(*mq.q.ClosesAt) {
			due = append(due, mq.q.ID)
		}
		mq.mu.Unlock()
	}
	sort.Strings(due)
	return due, nil
}

func (s *InMemoryStore) question(id string) (*memQuestion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	mq, ok := s.questions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return mq, nil
}

func reduce(votes map[string]Vote) Tally {
	var t Tally
	for _, v := range votes {
		switch v.Choice {
		case ChoiceYes:
			t.Yes++
		case ChoiceNo:
			t.No++
		case ChoiceAbstain:
			t.Abstain++
		}
	}
	return t
}
