package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"strings"
	"time"

	v1 "domus/contracts/realtime/v1"

	"github.com/coder/websocket"

	"domus/cmd/internal/ids"
	"domus/cmd/internal/metrics"
	"domus/cmd/internal/notify"
	"domus/cmd/internal/voting"
)

// ---- domain -> wire converters ----

func notificationPayload(n notify.Notification) v1.NotificationPayload {
	return v1.NotificationPayload{
		ID:                  n.ID,
		RecipientID:         n.RecipientID,
		Type:                string(n.Type),
		Title:               n.Title,
		Message:             n.Message,
		Link:                n.Link,
		RequireConfirmation: n.RequireConfirmation,
		Priority:            string(n.Priority),
		ExpiresAt:           n.ExpiresAt,
		Payload:             n.Payload,
		Read:                n.Read,
		ReadAt:              n.ReadAt,
		CreatedAt:           n.CreatedAt,
	}
}

func notificationData(d v1.NotificationData) notify.Data {
	return notify.Data{
		Type:                notify.Type(d.Type),
		Title:               d.Title,
		Message:             d.Message,
		Link:                d.Link,
		RequireConfirmation: d.RequireConfirmation,
		Priority:            notify.Priority(d.Priority),
		ExpiresAt:           d.ExpiresAt,
		Payload:             d.Payload,
	}
}

func questionPayload(q voting.Question, tally voting.Tally) v1.QuestionPayload {
	p := v1.QuestionPayload{
		ID:             q.ID,
		AssemblyID:     q.AssemblyID,
		Text:           q.Text,
		State:          string(q.State),
		OpenedAt:       q.OpenedAt,
		ClosesAt:       q.ClosesAt,
		EligibleVoters: q.EligibleVoters,
		Tally: v1.TallyPayload{
			Yes:     tally.Yes,
			No:      tally.No,
			Abstain: tally.Abstain,
		},
	}
	if q.Result != nil {
		p.Tally = v1.TallyPayload{
			Yes:     q.Result.Tally.Yes,
			No:      q.Result.Tally.No,
			Abstain: q.Result.Tally.Abstain,
		}
		approved := q.Result.Approved
		p.Approved = &approved
	}
	return p
}

// ---- dispatcher and coordinator hooks ----

// NotificationSender adapts the Registry to the dispatcher's delivery hook:
// best-effort push to every live session of the recipient.
type NotificationSender struct {
	registry *Registry
}

// NewNotificationSender constructs the delivery hook.
func NewNotificationSender(registry *Registry) *NotificationSender {
	return &NotificationSender{registry: registry}
}

// Deliver pushes one durable record to the recipient's live sessions.
// An offline recipient is not an error; the record is flushed on reconnect.
func (s *NotificationSender) Deliver(userID string, n notify.Notification) {
	payload, err := json.Marshal(notificationPayload(n))
	if err != nil {
		return
	}
	if s.registry.SendToUser(userID, newEnvelope(v1.TypeNotification, payload, time.Now().UTC())) > 0 {
		metrics.NotificationsDelivered.Inc()
	}
}

// VoteEvents adapts assembly Rooms to the voting coordinator's broadcast hook.
type VoteEvents struct {
	rooms *Rooms
}

// NewVoteEvents constructs the broadcast hook.
func NewVoteEvents(rooms *Rooms) *VoteEvents {
	return &VoteEvents{rooms: rooms}
}

// QuestionOpened broadcasts the opened question to the assembly room.
func (e *VoteEvents) QuestionOpened(assemblyID string, q voting.Question) {
	payload, err := json.Marshal(v1.VoteStateChangedPayload{Question: questionPayload(q, voting.Tally{})})
	if err != nil {
		return
	}
	e.broadcast(assemblyID, v1.TypeVoteStateChanged, payload)
}

// TallyUpdated broadcasts a live tally to the assembly room.
func (e *VoteEvents) TallyUpdated(assemblyID, questionID string, tally voting.Tally) {
	payload, err := json.Marshal(v1.VoteTallyUpdatedPayload{
		QuestionID: questionID,
		Tally:      v1.TallyPayload{Yes: tally.Yes, No: tally.No, Abstain: tally.Abstain},
	})
	if err != nil {
		return
	}
	e.broadcast(assemblyID, v1.TypeVoteTallyUpdated, payload)
}

// QuestionClosed broadcasts the frozen result to the assembly room.
func (e *VoteEvents) QuestionClosed(assemblyID string, q voting.Question) {
	if q.Result == nil {
		return
	}
	payload, err := json.Marshal(v1.VoteClosedPayload{
		QuestionID: q.ID,
		Tally: v1.TallyPayload{
			Yes:     q.Result.Tally.Yes,
			No:      q.Result.Tally.No,
			Abstain: q.Result.Tally.Abstain,
		},
		EligibleVoters: q.EligibleVoters,
		Approved:       q.Result.Approved,
	})
	if err != nil {
		return
	}
	e.broadcast(assemblyID, v1.TypeVoteClosed, payload)
}

func (e *VoteEvents) broadcast(assemblyID, typ string, payload json.RawMessage) {
	room, ok := e.rooms.Get(assemblyID)
	if !ok {
		return
	}
	room.Broadcast(newEnvelope(typ, payload, time.Now().UTC()))
}

// ---- envelope IO ----

func newEnvelope(typ string, payload json.RawMessage, ts time.Time) v1.Envelope {
	return v1.Envelope{
		V:       v1.Version,
		Type:    typ,
		ID:      ids.NewRandomHex(10),
		TS:      ts,
		Payload: payload,
	}
}

func readEnvelope(ctx context.Context, conn *websocket.Conn) (v1.Envelope, error) {
	mt, data, err := conn.Read(ctx)
	if err != nil {
		return v1.Envelope{}, err
	}
	if mt != websocket.MessageText && mt != websocket.MessageBinary {
		return v1.Envelope{}, fmt.Errorf("unsupported message type: %v", mt)
	}
	var env v1.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return v1.Envelope{}, err
	}
	return env, nil
}

func writeEnvelope(parent context.Context, conn *websocket.Conn, env v1.Envelope, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, b)
}

// ---- read error classification ----

type readErrKind uint8

const (
	readErrUnknown readErrKind = iota
	readErrClose
	readErrCtxDone
	readErrConnClosed
	readErrBadJSON
)

func classifyReadErr(err error) readErrKind {
	if websocket.CloseStatus(err) != -1 {
		return readErrClose
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return readErrCtxDone
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
		return readErrConnClosed
	}

	// JSON decode errors are typically returned by json.Unmarshal, not conn.Read.
	// This fallback exists for robustness when error strings are propagated.
	s := err.Error()
	if strings.Contains(s, "unexpected end of JSON input") || strings.Contains(s, "invalid character") {
		return readErrBadJSON
	}
	return readErrUnknown
}

// ---- origin policy ----

func originHostOnly(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}

	// URL form.
	if strings.Contains(s, "://") {
		u, err := url.Parse(s)
		if err != nil {
			return ""
		}
		h := strings.TrimSpace(u.Host)
		if h == "" {
			return ""
		}
		if host, _, err := net.SplitHostPort(h); err == nil {
			return strings.ToLower(host)
		}
		return strings.ToLower(h)
	}

	// host[:port] form.
	if host, _, err := net.SplitHostPort(s); err == nil {
		return strings.ToLower(host)
	}
	return strings.ToLower(s)
}

func deriveOriginPatternsFromAllowedOrigins(allowed []string) []string {
	// websocket.Accept matches OriginPatterns against the origin host using
	// filepath.Match patterns. Only hosts from the allowlist are accepted.
	seen := make(map[string]struct{}, len(allowed))

	for _, a := range allowed {
		h := originHostOnly(a)
		if h == "" || h == "*" {
			continue
		}
		seen[h] = struct{}{}
	}

	out := make([]string, 0, len(seen))
	for h := range seen {
		out = append(out, h)
	}
	for i := 0; i < len(out); i++ {
		for j := i + 1; j < len(out); j++ {
			if out[j] < out[i] {
				out[i], out[j] = out[j], out[i]
			}
		}
	}
	return out
}
