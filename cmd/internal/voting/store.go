package voting

import (
	"context"
	"time"
)

// Store persists questions and votes.
//
// Requirements:
//   - CreateQuestion enforces the per-assembly cap atomically.
//   - UpsertVote keeps exactly one row per (question, voter), last write
//     wins, and only while the stored state is open.
//   - CloseQuestion is a compare-and-set on state: exactly one caller
//     observes transitioned=true; every later caller gets the identical
//     frozen question with transitioned=false.
//   - Per-question writes are serialized (mutex in memory, advisory
//     transaction lock in Postgres) so unrelated questions never contend.
type Store interface {
	CreateQuestion(ctx context.Context, q Question, maxOpenPerAssembly int) error
	GetQuestion(ctx context.Context, id string) (Question, error)
	QuestionsByAssembly(ctx context.Context, assemblyID string) ([]Question, error)

	// OpenQuestion transitions draft -> open. Any other starting state is
	// ErrInvalidState: re-opening must never silently reset the timer.
	OpenQuestion(ctx context.Context, id string, openedAt, closesAt time.Time, eligibleVoters int) (Question, error)

	// UpsertVote records or overwrites the voter's choice and returns the
	// recomputed tally. ErrVotingClosed unless the stored state is open.
	UpsertVote(ctx context.Context, questionID, voterID string, choice Choice, now time.Time) (Tally, error)

	// TallyFor returns the current reduction of the question's vote rows.
	TallyFor(ctx context.Context, questionID string) (Tally, error)

	// CloseQuestion freezes the result. transitioned reports whether this
	// call performed the open -> closed transition.
	CloseQuestion(ctx context.Context, id string, now time.Time) (q Question, transitioned bool, err error)

	// OpenQuestionIDsDue returns ids of open questions whose deadline has
	// passed, for the timer sweep.
	OpenQuestionIDsDue(ctx context.Context, now time.Time) ([]string, error)

	Close() error
}
