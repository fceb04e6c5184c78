package realtime

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"domus/cmd/internal/audit"
	"domus/cmd/internal/directory"
	"domus/cmd/internal/identity"
	"domus/cmd/internal/notify"
	"domus/cmd/internal/voting"
	v1 "domus/contracts/realtime/v1"

	"github.com/coder/websocket"
	"github.com/golang-jwt/jwt/v5"
)

const gwTestKey = "0123456789abcdef0123456789abcdef"

func gwTestToken(t *testing.T, sub, role string, unit int) string {
	t.Helper()

	now := time.Now()
	claims := jwt.MapClaims{
		"sub":  sub,
		"iss":  "domus-identity",
		"iat":  now.Unix(),
		"exp":  now.Add(time.Hour).Unix(),
		"role": role,
		"unit": unit,
	}
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(gwTestKey))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return s
}

// newGatewayServer wires a full in-memory stack behind an httptest server.
func newGatewayServer(t *testing.T, residents []directory.Resident) (*httptest.Server, *Registry) {
	t.Helper()

	t.Setenv("DOMUS_WS_ORIGIN_REQUIRED", "false")

	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	dir := directory.NewInMemoryDirectory()
	for _, r := range residents {
		dir.Add(r)
	}

	verifier, err := identity.NewVerifier([]byte(gwTestKey), "domus-identity", time.Minute)
	if err != nil {
		t.Fatalf("NewVerifier: %v", err)
	}
	auditor, err := audit.New(log)
	if err != nil {
		t.Fatalf("audit.New: %v", err)
	}

	registry := NewRegistry(log)
	rooms := NewRooms(log)
	sender := NewNotificationSender(registry)
	events := NewVoteEvents(rooms)

	store := notify.NewInMemoryStore()
	dispatcher := notify.NewDispatcher(log, store, dir, sender, auditor)
	tracker := notify.NewTracker(log, store, dir, auditor)
	votes := voting.NewCoordinator(log, voting.NewInMemoryStore(), dir, events, auditor, voting.Config{})

	gw, err := NewGateway(log, GatewayDeps{
		Registry:   registry,
		Rooms:      rooms,
		Verifier:   verifier,
		Dispatcher: dispatcher,
		Tracker:    tracker,
		Votes:      votes,
		Audit:      auditor,
	})
	if err != nil {
		t.Fatalf("NewGateway: %v", err)
	}

	ts := httptest.NewServer(gw)
	t.Cleanup(ts.Close)
	return ts, registry
}

type gwTestClient struct {
	t         *testing.T
	conn      *websocket.Conn
	userID    string
	sessionID string
}

func gwDial(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http")
	conn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		Subprotocols: []string{"domus.realtime.v1"},
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") })
	conn.SetReadLimit(1 << 20)
	return conn
}

// gwConnect dials, completes the hello handshake and returns a session.
func gwConnect(t *testing.T, ts *httptest.Server, token string) *gwTestClient {
	t.Helper()

	conn := gwDial(t, ts)
	c := &gwTestClient{t: t, conn: conn}
	c.send(v1.TypeHello, v1.HelloPayload{Token: token})

	ack := c.readUntil(v1.TypeHelloAck)
	var p v1.HelloAckPayload
	if err := json.Unmarshal(ack.Payload, &p); err != nil {
		t.Fatalf("hello.ack payload: %v", err)
	}
	if p.SessionID == "" || p.UserID == "" {
		t.Fatalf("incomplete hello.ack: %+v", p)
	}
	c.sessionID = p.SessionID
	c.userID = p.UserID
	return c
}

func (c *gwTestClient) send(typ string, payload any) {
	c.t.Helper()

	b, err := json.Marshal(payload)
	if err != nil {
		c.t.Fatalf("marshal payload: %v", err)
	}
	env := v1.Envelope{
		V:       v1.Version,
		Type:    typ,
		ID:      "test-" + typ,
		TS:      time.Now().UTC(),
		Payload: b,
	}
	raw, err := json.Marshal(env)
	if err != nil {
		c.t.Fatalf("marshal envelope: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.conn.Write(ctx, websocket.MessageText, raw); err != nil {
		c.t.Fatalf("write %s: %v", typ, err)
	}
}

// readUntil returns the next envelope of the wanted type, skipping
// unrelated broadcasts; a server error envelope fails the test.
func (c *gwTestClient) readUntil(typ string) v1.Envelope {
	c.t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for {
		_, data, err := c.conn.Read(ctx)
		if err != nil {
			c.t.Fatalf("read while waiting for %s: %v", typ, err)
		}
		var env v1.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.t.Fatalf("bad server frame: %v", err)
		}
		if env.Type == typ {
			return env
		}
		if env.Type == v1.TypeError {
			var ep v1.ErrorPayload
			_ = json.Unmarshal(env.Payload, &ep)
			c.t.Fatalf("server error while waiting for %s: code=%q msg=%q", typ, ep.Code, ep.Message)
		}
	}
}

// readErrorCode returns the code of the next error envelope.
func (c *gwTestClient) readErrorCode() string {
	c.t.Helper()

	env := c.readUntilAllowError(v1.TypeError)
	var ep v1.ErrorPayload
	if err := json.Unmarshal(env.Payload, &ep); err != nil {
		c.t.Fatalf("error payload: %v", err)
	}
	return ep.Code
}

func (c *gwTestClient) readUntilAllowError(typ string) v1.Envelope {
	c.t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for {
		_, data, err := c.conn.Read(ctx)
		if err != nil {
			c.t.Fatalf("read while waiting for %s: %v", typ, err)
		}
		var env v1.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.t.Fatalf("bad server frame: %v", err)
		}
		if env.Type == typ {
			return env
		}
	}
}

func TestGateway_InvalidTokenRejectedWithoutSideEffects(t *testing.T) {
	ts, registry := newGatewayServer(t, []directory.Resident{
		{UserID: "res-1", Role: "resident", Unit: 1},
	})

	conn := gwDial(t, ts)
	c := &gwTestClient{t: t, conn: conn}
	c.send(v1.TypeHello, v1.HelloPayload{Token: "garbage"})

	if code := c.readErrorCode(); code != "auth_failed" {
		t.Fatalf("error code=%q want=auth_failed", code)
	}
	if online := registry.OnlineUsers(); len(online) != 0 {
		t.Fatalf("registry must stay untouched, got %v", online)
	}
}

func TestGateway_HelloAckAndPresenceSnapshot(t *testing.T) {
	ts, _ := newGatewayServer(t, []directory.Resident{
		{UserID: "res-1", Role: "resident", Unit: 1},
	})

	c := gwConnect(t, ts, gwTestToken(t, "res-1", "resident", 1))
	if c.userID != "res-1" {
		t.Fatalf("hello.ack user_id=%q want=res-1", c.userID)
	}

	snap := c.readUntil(v1.TypePresenceState)
	var p v1.PresenceStatePayload
	if err := json.Unmarshal(snap.Payload, &p); err != nil {
		t.Fatalf("presence.state payload: %v", err)
	}
	found := false
	for _, u := range p.Users {
		if u == "res-1" {
			found = true
		}
	}
	if !found {
		t.Fatalf("presence snapshot missing self: %v", p.Users)
	}
}

func TestGateway_ResidentCannotDispatchOrManageVotes(t *testing.T) {
	ts, _ := newGatewayServer(t, []directory.Resident{
		{UserID: "res-1", Role: "resident", Unit: 1},
	})

	c := gwConnect(t, ts, gwTestToken(t, "res-1", "resident", 1))

	c.send(v1.TypeNotifyAll, v1.NotifyAllPayload{
		Data: v1.NotificationData{Type: "info", Title: "t", Message: "m"},
	})
	if code := c.readErrorCode(); code != "forbidden" {
		t.Fatalf("notify.all error code=%q want=forbidden", code)
	}

	c.send(v1.TypeVoteQuestionCreate, v1.VoteQuestionCreatePayload{
		AssemblyID: "assembly-1",
		Text:       "q?",
	})
	if code := c.readErrorCode(); code != "forbidden" {
		t.Fatalf("vote.question.create error code=%q want=forbidden", code)
	}
}

func TestGateway_NotificationDispatchConfirmStats(t *testing.T) {
	ts, _ := newGatewayServer(t, []directory.Resident{
		{UserID: "mgr-1", Role: "manager", Unit: 0},
		{UserID: "res-1", Role: "resident", Unit: 1},
	})

	mgr := gwConnect(t, ts, gwTestToken(t, "mgr-1", "manager", 0))
	res := gwConnect(t, ts, gwTestToken(t, "res-1", "resident", 1))

	mgr.send(v1.TypeNotifyUser, v1.NotifyUserPayload{
		UserID: "res-1",
		Data: v1.NotificationData{
			Type:                "warning",
			Title:               "Water outage",
			Message:             "Tomorrow 09:00-12:00",
			RequireConfirmation: true,
		},
	})

	ack := mgr.readUntil(v1.TypeNotifyAck)
	var ackP v1.NotifyAckPayload
	if err := json.Unmarshal(ack.Payload, &ackP); err != nil {
		t.Fatalf("notify.ack payload: %v", err)
	}
	if len(ackP.NotificationIDs) != 1 {
		t.Fatalf("notify.ack ids=%v want one", ackP.NotificationIDs)
	}
	notifID := ackP.NotificationIDs[0]

	push := res.readUntil(v1.TypeNotification)
	var np v1.NotificationPayload
	if err := json.Unmarshal(push.Payload, &np); err != nil {
		t.Fatalf("notification payload: %v", err)
	}
	if np.ID != notifID || np.RecipientID != "res-1" || !np.RequireConfirmation {
		t.Fatalf("notification mismatch: %+v", np)
	}

	res.send(v1.TypeNotificationConfirm, v1.NotificationConfirmPayload{NotificationID: notifID})

	// The confirm travels on another connection; poll until visible.
	deadline := time.Now().Add(3 * time.Second)
	for {
		mgr.send(v1.TypeNotificationStats, v1.NotificationStatsPayload{NotificationID: notifID})
		result := mgr.readUntil(v1.TypeNotificationStatsResult)

		var sp v1.NotificationStatsResultPayload
		if err := json.Unmarshal(result.Payload, &sp); err != nil {
			t.Fatalf("stats payload: %v", err)
		}
		if sp.Confirmed == 1 {
			if sp.TotalExpected != 1 || sp.Percentage != 100 {
				t.Fatalf("stats mismatch: %+v", sp)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("confirmation never became visible: %+v", sp)
		}
		time.Sleep(25 * time.Millisecond)
	}
}

func TestGateway_VotingLifecycleOverWire(t *testing.T) {
	ts, _ := newGatewayServer(t, []directory.Resident{
		{UserID: "mgr-1", Role: "manager", Unit: 0},
		{UserID: "res-1", Role: "resident", Unit: 1},
	})

	mgr := gwConnect(t, ts, gwTestToken(t, "mgr-1", "manager", 0))
	res := gwConnect(t, ts, gwTestToken(t, "res-1", "resident", 1))

	for _, c := range []*gwTestClient{mgr, res} {
		c.send(v1.TypeAssemblyJoin, v1.AssemblyJoinPayload{AssemblyID: "assembly-1"})
		echo := c.readUntil(v1.TypeAssemblyJoin)
		var jp v1.AssemblyJoinPayload
		if err := json.Unmarshal(echo.Payload, &jp); err != nil {
			t.Fatalf("join echo payload: %v", err)
		}
		if jp.AssemblyID != "assembly-1" {
			t.Fatalf("join echo=%q", jp.AssemblyID)
		}
	}

	mgr.send(v1.TypeVoteQuestionCreate, v1.VoteQuestionCreatePayload{
		AssemblyID: "assembly-1",
		Text:       "Renovate the lobby?",
	})
	created := mgr.readUntil(v1.TypeVoteStateChanged)
	var cp v1.VoteStateChangedPayload
	if err := json.Unmarshal(created.Payload, &cp); err != nil {
		t.Fatalf("state_changed payload: %v", err)
	}
	if cp.Question.State != "draft" || cp.Question.ID == "" {
		t.Fatalf("created question: %+v", cp.Question)
	}
	questionID := cp.Question.ID

	mgr.send(v1.TypeVoteOpen, v1.VoteOpenPayload{QuestionID: questionID})
	for _, c := range []*gwTestClient{mgr, res} {
		opened := c.readUntil(v1.TypeVoteStateChanged)
		var op v1.VoteStateChangedPayload
		if err := json.Unmarshal(opened.Payload, &op); err != nil {
			t.Fatalf("state_changed payload: %v", err)
		}
		if op.Question.ID != questionID || op.Question.State != "open" || op.Question.ClosesAt == nil {
			t.Fatalf("open broadcast: %+v", op.Question)
		}
	}

	res.send(v1.TypeVoteCast, v1.VoteCastPayload{QuestionID: questionID, Choice: "yes"})
	for _, c := range []*gwTestClient{mgr, res} {
		tally := c.readUntil(v1.TypeVoteTallyUpdated)
		var tp v1.VoteTallyUpdatedPayload
		if err := json.Unmarshal(tally.Payload, &tp); err != nil {
			t.Fatalf("tally payload: %v", err)
		}
		if tp.QuestionID != questionID || tp.Tally.Yes != 1 {
			t.Fatalf("tally broadcast: %+v", tp)
		}
	}

	mgr.send(v1.TypeVoteClose, v1.VoteClosePayload{QuestionID: questionID})
	for _, c := range []*gwTestClient{mgr, res} {
		closed := c.readUntil(v1.TypeVoteClosed)
		var zp v1.VoteClosedPayload
		if err := json.Unmarshal(closed.Payload, &zp); err != nil {
			t.Fatalf("closed payload: %v", err)
		}
		if zp.QuestionID != questionID || zp.Tally.Yes != 1 {
			t.Fatalf("closed broadcast: %+v", zp)
		}
	}

	res.send(v1.TypeVoteCast, v1.VoteCastPayload{QuestionID: questionID, Choice: "no"})
	if code := res.readErrorCode(); code != "voting_closed" {
		t.Fatalf("late cast error code=%q want=voting_closed", code)
	}
}

func TestGateway_MessageRequiresJoinThenRelays(t *testing.T) {
	ts, _ := newGatewayServer(t, []directory.Resident{
		{UserID: "res-1", Role: "resident", Unit: 1},
		{UserID: "res-2", Role: "resident", Unit: 2},
	})

	a := gwConnect(t, ts, gwTestToken(t, "res-1", "resident", 1))
	b := gwConnect(t, ts, gwTestToken(t, "res-2", "resident", 2))

	a.send(v1.TypeMessageSend, v1.MessageSendPayload{AssemblyID: "assembly-1", Text: "hi"})
	if code := a.readErrorCode(); code != "not_joined" {
		t.Fatalf("pre-join message error code=%q want=not_joined", code)
	}

	for _, c := range []*gwTestClient{a, b} {
		c.send(v1.TypeAssemblyJoin, v1.AssemblyJoinPayload{AssemblyID: "assembly-1"})
		c.readUntil(v1.TypeAssemblyJoin)
	}

	a.send(v1.TypeMessageSend, v1.MessageSendPayload{AssemblyID: "assembly-1", Text: "hello there"})
	msg := b.readUntil(v1.TypeMessage)

	var mp v1.MessagePayload
	if err := json.Unmarshal(msg.Payload, &mp); err != nil {
		t.Fatalf("message payload: %v", err)
	}
	if mp.AssemblyID != "assembly-1" || mp.Sender != "res-1" || mp.Text != "hello there" {
		t.Fatalf("relayed message: %+v", mp)
	}
}

func TestGateway_ServerOnlyTypeRejected(t *testing.T) {
	ts, _ := newGatewayServer(t, []directory.Resident{
		{UserID: "res-1", Role: "resident", Unit: 1},
	})

	c := gwConnect(t, ts, gwTestToken(t, "res-1", "resident", 1))

	c.send(v1.TypePresenceState, v1.PresenceStatePayload{})
	if code := c.readErrorCode(); code != "unsupported" {
		t.Fatalf("error code=%q want=unsupported", code)
	}
}

func TestGateway_BadJSONKeepsSessionAlive(t *testing.T) {
	ts, _ := newGatewayServer(t, []directory.Resident{
		{UserID: "res-1", Role: "resident", Unit: 1},
	})

	c := gwConnect(t, ts, gwTestToken(t, "res-1", "resident", 1))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.conn.Write(ctx, websocket.MessageText, []byte("{not json")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if code := c.readErrorCode(); code != "bad_json" {
		t.Fatalf("error code=%q want=bad_json", code)
	}

	// Session must still answer a valid request.
	c.send(v1.TypeHello, v1.HelloPayload{})
	c.readUntil(v1.TypeHelloAck)
}
