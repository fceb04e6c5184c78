// Package v1 defines the Domus Realtime Protocol v1 contract.
//
// This package is intentionally stable and dependency-light.
// It is shared between server and clients to keep the wire protocol authoritative.
package v1

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Version is the protocol version identifier embedded into every envelope.
const Version = "v1"

// Type constants (wire-stable).
const (
	// TypeHello starts a session handshake (client -> server). Carries the identity token.
	TypeHello = "hello"
	// TypeHelloAck acknowledges the session handshake (server -> client).
	TypeHelloAck = "hello.ack"

	// TypePresenceState is the full presence snapshot sent on connect (server -> client).
	TypePresenceState = "presence.state"
	// TypePresenceChanged is broadcast whenever a user gains or loses presence.
	TypePresenceChanged = "presence.changed"

	// TypeAssemblyJoin subscribes the session to an assembly room (client -> server).
	TypeAssemblyJoin = "assembly.join"
	// TypeAssemblyStateFetch requests the full voting state of an assembly (client -> server).
	TypeAssemblyStateFetch = "assembly.state.fetch"
	// TypeAssemblyState returns all questions of an assembly with live tallies (server -> client).
	TypeAssemblyState = "assembly.state"

	// TypeNotifyUser .. TypeNotifyAll dispatch durable notifications (client -> server, manager only).
	TypeNotifyUser  = "notify.user"
	TypeNotifyUsers = "notify.users"
	TypeNotifyRole  = "notify.role"
	TypeNotifyUnit  = "notify.unit"
	TypeNotifyAll   = "notify.all"
	// TypeNotifyAck acknowledges a dispatch request with the created record ids.
	TypeNotifyAck = "notify.ack"

	// TypeNotification delivers one durable notification record (server -> client).
	TypeNotification = "notification"
	// TypeNotificationRead marks a notification read (client -> server).
	TypeNotificationRead = "notification.read"
	// TypeNotificationConfirm confirms a confirmation-required notification (client -> server).
	TypeNotificationConfirm = "notification.confirm"
	// TypeNotificationStats requests confirmation statistics (client -> server, manager only).
	TypeNotificationStats = "notification.stats"
	// TypeNotificationStatsResult returns confirmation statistics (server -> client).
	TypeNotificationStatsResult = "notification.stats.result"

	// TypeVoteQuestionCreate creates a draft question (client -> server, manager only).
	TypeVoteQuestionCreate = "vote.question.create"
	// TypeVoteOpen opens the voting window of a draft question (client -> server, manager only).
	TypeVoteOpen = "vote.open"
	// TypeVoteCast submits or overwrites the caller's vote (client -> server).
	TypeVoteCast = "vote.cast"
	// TypeVoteClose closes voting early (client -> server, manager only).
	TypeVoteClose = "vote.close"

	// TypeVoteStateChanged is broadcast on question lifecycle transitions.
	TypeVoteStateChanged = "vote.state_changed"
	// TypeVoteTallyUpdated is broadcast after every accepted vote.
	TypeVoteTallyUpdated = "vote.tally_updated"
	// TypeVoteClosed is broadcast exactly once with the frozen result.
	TypeVoteClosed = "vote.closed"

	// TypeMessageSend relays a transient assembly-room message (client -> server).
	TypeMessageSend = "message.send"
	// TypeMessage is the relayed room message (server -> room members).
	TypeMessage = "message"
	// TypeTyping is a transient typing indicator relayed to room members.
	TypeTyping = "typing"

	// TypeError is a generic error envelope (server -> client).
	TypeError = "error"
)

// Notification type values (wire-stable).
const (
	NotificationInfo    = "info"
	NotificationSuccess = "success"
	NotificationWarning = "warning"
	NotificationError   = "error"
)

// Notification priority values (wire-stable).
const (
	PriorityLow    = "low"
	PriorityMedium = "medium"
	PriorityHigh   = "high"
	PriorityUrgent = "urgent"
)

// Vote choice values (wire-stable).
const (
	ChoiceYes     = "yes"
	ChoiceNo      = "no"
	ChoiceAbstain = "abstain"
)

// Question state values (wire-stable).
const (
	QuestionDraft  = "draft"
	QuestionOpen   = "open"
	QuestionClosed = "closed"
)

// Envelope is the canonical wire wrapper.
type Envelope struct {
	V       string          `json:"v"`
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	TS      time.Time       `json:"ts,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

var knownTypes = map[string]struct{}{
	TypeHello:                   {},
	TypeHelloAck:                {},
	TypePresenceState:           {},
	TypePresenceChanged:         {},
	TypeAssemblyJoin:            {},
	TypeAssemblyStateFetch:      {},
	TypeAssemblyState:           {},
	TypeNotifyUser:              {},
	TypeNotifyUsers:             {},
	TypeNotifyRole:              {},
	TypeNotifyUnit:              {},
	TypeNotifyAll:               {},
	TypeNotifyAck:               {},
	TypeNotification:            {},
	TypeNotificationRead:        {},
	TypeNotificationConfirm:     {},
	TypeNotificationStats:       {},
	TypeNotificationStatsResult: {},
	TypeVoteQuestionCreate:      {},
	TypeVoteOpen:                {},
	TypeVoteCast:                {},
	TypeVoteClose:               {},
	TypeVoteStateChanged:        {},
	TypeVoteTallyUpdated:        {},
	TypeVoteClosed:              {},
	TypeMessageSend:             {},
	TypeMessage:                 {},
	TypeTyping:                  {},
	TypeError:                   {},
}

// Validate performs strict structural validation for an Envelope.
func (e Envelope) Validate() error {
	if strings.TrimSpace(e.V) == "" {
		return errors.New("missing field: v")
	}
	if e.V != Version {
		return fmt.Errorf("unsupported protocol version: %q", e.V)
	}
	if strings.TrimSpace(e.Type) == "" {
		return errors.New("missing field: type")
	}
	if _, ok := knownTypes[e.Type]; !ok {
		return fmt.Errorf("unknown type: %q", e.Type)
	}
	return nil
}

// ---- session payloads ----

// HelloPayload is sent by the client to initiate an authenticated session.
type HelloPayload struct {
	Token string `json:"token"`
}

// HelloAckPayload confirms authentication and carries the canonical session id.
type HelloAckPayload struct {
	SessionID string `json:"session_id"`
	UserID    string `json:"user_id"`
}

// PresenceStatePayload is the full presence snapshot.
type PresenceStatePayload struct {
	Users []string `json:"users"`
}

// PresenceChangedPayload notifies a single user's presence flip.
type PresenceChangedPayload struct {
	UserID string `json:"user_id"`
	Online bool   `json:"online"`
}

// ---- assembly payloads ----

// AssemblyJoinPayload subscribes to an assembly room and is echoed back.
type AssemblyJoinPayload struct {
	AssemblyID string `json:"assembly_id"`
}

// AssemblyStateFetchPayload requests the full voting state of an assembly.
type AssemblyStateFetchPayload struct {
	AssemblyID string `json:"assembly_id"`
}

// AssemblyStatePayload returns every question of an assembly with its live tally.
type AssemblyStatePayload struct {
	AssemblyID string            `json:"assembly_id"`
	Questions  []QuestionPayload `json:"questions"`
}

// ---- notification payloads ----

// NotificationData is the client-supplied portion of a dispatch request.
type NotificationData struct {
	Type                string         `json:"type"`
	Title               string         `json:"title"`
	Message             string         `json:"message"`
	Link                string         `json:"link,omitempty"`
	RequireConfirmation bool           `json:"require_confirmation,omitempty"`
	Priority            string         `json:"priority,omitempty"`
	ExpiresAt           *time.Time     `json:"expires_at,omitempty"`
	Payload             map[string]any `json:"payload,omitempty"`
}

// NotifyUserPayload dispatches to a single user.
type NotifyUserPayload struct {
	UserID string           `json:"user_id"`
	Data   NotificationData `json:"data"`
}

// NotifyUsersPayload dispatches to an explicit user set.
type NotifyUsersPayload struct {
	UserIDs []string         `json:"user_ids"`
	Data    NotificationData `json:"data"`
}

// NotifyRolePayload dispatches to every user holding a role.
type NotifyRolePayload struct {
	Role string           `json:"role"`
	Data NotificationData `json:"data"`
}

// NotifyUnitPayload dispatches to every resident of a unit.
type NotifyUnitPayload struct {
	UnitID int              `json:"unit_id"`
	Data   NotificationData `json:"data"`
}

// NotifyAllPayload dispatches to every resident.
type NotifyAllPayload struct {
	Data NotificationData `json:"data"`
}

// NotifyAckPayload acknowledges a dispatch request.
type NotifyAckPayload struct {
	NotificationIDs []string `json:"notification_ids"`
}

// NotificationPayload is one durable notification record on the wire.
type NotificationPayload struct {
	ID                  string         `json:"id"`
	RecipientID         string         `json:"recipient_id"`
	Type                string         `json:"type"`
	Title               string         `json:"title"`
	Message             string         `json:"message"`
	Link                string         `json:"link,omitempty"`
	RequireConfirmation bool           `json:"require_confirmation"`
	Priority            string         `json:"priority"`
	ExpiresAt           *time.Time     `json:"expires_at,omitempty"`
	Payload             map[string]any `json:"payload,omitempty"`
	Read                bool           `json:"read"`
	ReadAt              *time.Time     `json:"read_at,omitempty"`
	CreatedAt           time.Time      `json:"created_at"`
}

// NotificationReadPayload marks a notification read.
type NotificationReadPayload struct {
	NotificationID string `json:"notification_id"`
}

// NotificationConfirmPayload confirms a confirmation-required notification.
type NotificationConfirmPayload struct {
	NotificationID string `json:"notification_id"`
}

// NotificationStatsPayload requests confirmation statistics.
type NotificationStatsPayload struct {
	NotificationID string `json:"notification_id"`
}

// NotificationStatsResultPayload returns confirmation statistics.
type NotificationStatsResultPayload struct {
	NotificationID string `json:"notification_id"`
	TotalExpected  int    `json:"total_expected"`
	Confirmed      int    `json:"confirmed"`
	Percentage     int    `json:"percentage"`
}

// ---- voting payloads ----

// VoteQuestionCreatePayload creates a draft question in an assembly.
type VoteQuestionCreatePayload struct {
	AssemblyID string `json:"assembly_id"`
	Text       string `json:"text"`
}

// VoteOpenPayload opens a draft question for voting.
type VoteOpenPayload struct {
	QuestionID string `json:"question_id"`
}

// VoteCastPayload submits or overwrites the caller's vote.
type VoteCastPayload struct {
	QuestionID string `json:"question_id"`
	Choice     string `json:"choice"`
}

// VoteClosePayload closes voting before the deadline.
type VoteClosePayload struct {
	QuestionID string `json:"question_id"`
}

// TallyPayload is a live or frozen vote reduction.
type TallyPayload struct {
	Yes     int `json:"yes"`
	No      int `json:"no"`
	Abstain int `json:"abstain"`
}

// QuestionPayload is one assembly question on the wire.
type QuestionPayload struct {
	ID             string       `json:"id"`
	AssemblyID     string       `json:"assembly_id"`
	Text           string       `json:"text"`
	State          string       `json:"state"`
	OpenedAt       *time.Time   `json:"opened_at,omitempty"`
	ClosesAt       *time.Time   `json:"closes_at,omitempty"`
	EligibleVoters int          `json:"eligible_voters"`
	Tally          TallyPayload `json:"tally"`
	Approved       *bool        `json:"approved,omitempty"`
}

// VoteStateChangedPayload is broadcast on lifecycle transitions (draft -> open).
type VoteStateChangedPayload struct {
	Question QuestionPayload `json:"question"`
}

// VoteTallyUpdatedPayload is broadcast after every accepted vote.
type VoteTallyUpdatedPayload struct {
	QuestionID string       `json:"question_id"`
	Tally      TallyPayload `json:"tally"`
}

// VoteClosedPayload carries the frozen result, broadcast exactly once.
type VoteClosedPayload struct {
	QuestionID     string       `json:"question_id"`
	Tally          TallyPayload `json:"tally"`
	EligibleVoters int          `json:"eligible_voters"`
	Approved       bool         `json:"approved"`
}

// ---- room chat payloads ----

// MessageSendPayload relays a transient message into an assembly room.
type MessageSendPayload struct {
	AssemblyID string `json:"assembly_id"`
	Text       string `json:"text"`
}

// MessagePayload is the relayed room message.
type MessagePayload struct {
	AssemblyID string    `json:"assembly_id"`
	Sender     string    `json:"sender"`
	Text       string    `json:"text"`
	SentAt     time.Time `json:"sent_at"`
}

// TypingPayload is a transient typing indicator.
type TypingPayload struct {
	AssemblyID string `json:"assembly_id"`
	UserID     string `json:"user_id,omitempty"`
}

// ErrorPayload is a generic error response payload.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
