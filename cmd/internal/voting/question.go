// Package voting implements the live assembly voting protocol: per-question
// lifecycle (draft -> open -> closed), concurrent vote submission with
// last-write-wins per voter, and a timer-bound window with a single
// idempotent close path.
package voting

import "time"

// State is the question lifecycle state. Closed is terminal.
type State string

const (
	StateDraft  State = "draft"
	StateOpen   State = "open"
	StateClosed State = "closed"
)

// Choice is one vote option.
type Choice string

const (
	ChoiceYes     Choice = "yes"
	ChoiceNo      Choice = "no"
	ChoiceAbstain Choice = "abstain"
)

// Valid reports whether c is a known choice.
func (c Choice) Valid() bool {
	switch c {
	case ChoiceYes, ChoiceNo, ChoiceAbstain:
		return true
	}
	return false
}

// Tally is the reduction of a question's current vote rows. Exactly one row
// exists per voter, so Yes+No+Abstain equals the number of distinct voters.
type Tally struct {
	Yes     int
	No      int
	Abstain int
}

// Total returns the number of distinct voters who voted.
func (t Tally) Total() int { return t.Yes + t.No + t.Abstain }

// Result is the frozen outcome of a closed question.
type Result struct {
	Tally    Tally
	Approved bool
}

// Question is one assembly voting question.
type Question struct {
	ID         string
	AssemblyID string
	Text       string
	State      State

	OpenedAt *time.Time
	ClosesAt *time.Time

	// EligibleVoters is snapshotted from the directory when voting opens.
	// It is the approval denominator, not the number of votes cast.
	EligibleVoters int

	// Result is set exactly once, by the close transition.
	Result *Result
}

// Vote is one voter's current choice on a question.
type Vote struct {
	QuestionID string
	VoterID    string
	Choice     Choice
	UpdatedAt  time.Time
}

// approved applies the assembly decision rule: a question passes only when
// yes votes exceed half of the eligible voters. Abstentions and absentees
// count against approval. Integer arithmetic avoids the 0.5 boundary:
// yes > eligible/2  <=>  2*yes > eligible.
func approved(yes, eligibleVoters int) bool {
	return yes*2 > eligibleVoters
}
