// Package main provides a CI-friendly WebSocket smoke test for the Domus
// realtime core.
//
// It validates:
//   - handshake + subprotocol selection
//   - hello/ack session establishment (token minted from the shared key)
//   - assembly join echo
//   - notification dispatch -> ack -> push -> confirm -> stats
//   - question create -> open -> cast -> tally fanout -> close
//   - voting_closed rejection after close
//   - transient room chat relay
//
// The server must be seeded with the manager and resident users, e.g.
//
//	DOMUS_DEV_RESIDENTS="mgr-1:manager:0,res-1:resident:1"
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	v1 "domus/contracts/realtime/v1"

	"github.com/coder/websocket"
	"github.com/golang-jwt/jwt/v5"
)

const (
	defaultSubprotocol = "domus.realtime.v1"
	maxReadBytes       = 1 << 20 // 1MiB
)

type smokeClient struct {
	name      string
	conn      *websocket.Conn
	sessionID string
	userID    string

	inbox chan v1.Envelope
	errCh chan error
}

func main() {
	var (
		wsURL      = flag.String("url", "ws://127.0.0.1:8080/ws", "WebSocket URL")
		origin     = flag.String("origin", "http://localhost", "Origin header to send (browser-like WS handshake)")
		assemblyID = flag.String("assembly", "assembly-2026-smoke", "Assembly ID to join")
		managerID  = flag.String("manager", "mgr-1", "Manager user id (must exist in the directory)")
		residentID = flag.String("resident", "res-1", "Resident user id (must exist in the directory)")
		issuer     = flag.String("issuer", "domus-identity", "Token issuer claim")
		timeout    = flag.Duration("timeout", 7*time.Second, "Per-step timeout")
		verbose    = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	if err := validateWSURL(*wsURL); err != nil {
		fatalf("invalid -url: %v", err)
	}
	if err := validateOrigin(*origin); err != nil {
		fatalf("invalid -origin: %v", err)
	}

	key := strings.TrimSpace(os.Getenv("DOMUS_TOKEN_HMAC_KEY"))
	if len(key) < 32 {
		fatalf("DOMUS_TOKEN_HMAC_KEY must be set (min 32 bytes) to mint smoke tokens")
	}

	root := context.Background()

	mgr := mustConnect(root, "MGR", *wsURL, *origin, mintToken([]byte(key), *issuer, *managerID, "manager", 0), *timeout)
	defer closeWS(mgr.conn)

	res := mustConnect(root, "RES", *wsURL, *origin, mintToken([]byte(key), *issuer, *residentID, "resident", 1), *timeout)
	defer closeWS(res.conn)

	if *verbose {
		fmt.Printf("connected: MGR=%s RES=%s origin=%q\n", mgr.sessionID, res.sessionID, *origin)
	}

	mustJoin(root, mgr, *assemblyID, *timeout)
	mustJoin(root, res, *assemblyID, *timeout)

	notifID := mustNotifyUser(root, mgr, res.userID, *timeout)
	mustReceiveNotification(root, res, notifID, *timeout)
	mustConfirm(root, res, notifID, *timeout)
	mustStats(root, mgr, notifID, *timeout)

	questionID := mustCreateQuestion(root, mgr, *assemblyID, *timeout)
	mustOpenVoting(root, mgr, res, questionID, *timeout)
	mustCastAndSeeTally(root, res, mgr, questionID, *timeout)
	mustCloseVoting(root, mgr, res, questionID, *timeout)
	mustRejectLateVote(root, res, questionID, *timeout)

	mustChatRelay(root, mgr, res, *assemblyID, *timeout)

	fmt.Printf("OK: MGR=%s RES=%s assembly=%s question=%s notification=%s\n",
		mgr.sessionID, res.sessionID, *assemblyID, questionID, notifID)
}

func validateWSURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("missing host")
	}
	if strings.TrimSpace(u.Path) == "" {
		return errors.New("missing path")
	}
	return nil
}

func validateOrigin(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("origin must be http/https, got: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("origin missing host")
	}
	return nil
}

func mintToken(key []byte, issuer, sub, role string, unit int) string {
	now := time.Now()
	claims := jwt.MapClaims{
		"sub":  sub,
		"iss":  issuer,
		"iat":  now.Unix(),
		"exp":  now.Add(10 * time.Minute).Unix(),
		"role": role,
		"unit": unit,
	}
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(key)
	if err != nil {
		fatalf("mint token: %v", err)
	}
	return tok
}

func mustConnect(parent context.Context, name, wsURL, origin, token string, stepTimeout time.Duration) *smokeClient {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	h := http.Header{}
	if strings.TrimSpace(origin) != "" {
		h.Set("Origin", origin)
	}

	conn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		Subprotocols: []string{defaultSubprotocol},
		HTTPHeader:   h,
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}

	if err != nil {
		fatalf("connect %s: %v", name, err)
	}

	assertSubprotocol(resp, defaultSubprotocol)

	conn.SetReadLimit(maxReadBytes)

	c := &smokeClient{
		name:  name,
		conn:  conn,
		inbox: make(chan v1.Envelope, 512),
		errCh: make(chan error, 1),
	}
	c.startReadLoop()

	hello := v1.Envelope{
		V:       v1.Version,
		Type:    v1.TypeHello,
		ID:      fmt.Sprintf("%s-hello", name),
		TS:      time.Now().UTC(),
		Payload: mustJSON(v1.HelloPayload{Token: token}),
	}
	mustWriteWithTimeout(parent, conn, hello, stepTimeout)

	ack := c.mustReadUntilType(parent, v1.TypeHelloAck, stepTimeout)

	var p v1.HelloAckPayload
	if err := json.Unmarshal(ack.Payload, &p); err != nil {
		fatalf("unmarshal hello.ack payload (%s): %v", name, err)
	}
	if strings.TrimSpace(p.SessionID) == "" {
		fatalf("hello.ack missing session_id (%s)", name)
	}
	c.sessionID = p.SessionID
	c.userID = p.UserID

	return c
}

func assertSubprotocol(resp *http.Response, want string) {
	if resp == nil {
		return
	}
	got := strings.TrimSpace(resp.Header.Get("Sec-WebSocket-Protocol"))
	if got == "" {
		return
	}
	if got != want {
		fatalf("subprotocol mismatch: got=%q want=%q", got, want)
	}
}

func (c *smokeClient) startReadLoop() {
	go func() {
		defer close(c.inbox)

		for {
			mt, data, err := c.conn.Read(context.Background())
			if err != nil {
				select {
				case c.errCh <- err:
				default:
				}
				return
			}

			if mt != websocket.MessageText && mt != websocket.MessageBinary {
				select {
				case c.errCh <- fmt.Errorf("unsupported message type: %v", mt):
				default:
				}
				return
			}

			var env v1.Envelope
			if err := json.Unmarshal(data, &env); err != nil {
				select {
				case c.errCh <- fmt.Errorf("bad json: %w", err):
				default:
				}
				return
			}
			if err := env.Validate(); err != nil {
				select {
				case c.errCh <- fmt.Errorf("bad envelope: %w", err):
				default:
				}
				return
			}

			select {
			case c.inbox <- env:
			default:
				select {
				case c.errCh <- errors.New("inbox overflow: consumer too slow"):
				default:
				}
				return
			}
		}
	}()
}

func mustJoin(parent context.Context, c *smokeClient, assemblyID string, stepTimeout time.Duration) {
	env := v1.Envelope{
		V:       v1.Version,
		Type:    v1.TypeAssemblyJoin,
		ID:      fmt.Sprintf("%s-join", c.name),
		TS:      time.Now().UTC(),
		Payload: mustJSON(v1.AssemblyJoinPayload{AssemblyID: assemblyID}),
	}
	mustWriteWithTimeout(parent, c.conn, env, stepTimeout)

	echo := c.mustReadUntilType(parent, v1.TypeAssemblyJoin, stepTimeout)

	var p v1.AssemblyJoinPayload
	if err := json.Unmarshal(echo.Payload, &p); err != nil {
		fatalf("unmarshal join echo payload (%s): %v", c.name, err)
	}
	if p.AssemblyID != assemblyID {
		fatalf("join echo assembly_id mismatch (%s): got=%q want=%q", c.name, p.AssemblyID, assemblyID)
	}
}

func mustNotifyUser(parent context.Context, c *smokeClient, recipientID string, stepTimeout time.Duration) string {
	env := v1.Envelope{
		V:    v1.Version,
		Type: v1.TypeNotifyUser,
		ID:   fmt.Sprintf("%s-notify", c.name),
		TS:   time.Now().UTC(),
		Payload: mustJSON(v1.NotifyUserPayload{
			UserID: recipientID,
			Data: v1.NotificationData{
				Type:                "info",
				Title:               "Smoke check",
				Message:             "water outage drill",
				RequireConfirmation: true,
			},
		}),
	}
	mustWriteWithTimeout(parent, c.conn, env, stepTimeout)

	ack := c.mustReadUntilType(parent, v1.TypeNotifyAck, stepTimeout)

	var p v1.NotifyAckPayload
	if err := json.Unmarshal(ack.Payload, &p); err != nil {
		fatalf("unmarshal notify.ack payload (%s): %v", c.name, err)
	}
	if len(p.NotificationIDs) != 1 || strings.TrimSpace(p.NotificationIDs[0]) == "" {
		fatalf("notify.ack expected exactly one notification id (%s), got=%v", c.name, p.NotificationIDs)
	}
	return p.NotificationIDs[0]
}

func mustReceiveNotification(parent context.Context, c *smokeClient, notifID string, stepTimeout time.Duration) {
	env := c.mustReadUntilType(parent, v1.TypeNotification, stepTimeout)

	var p v1.NotificationPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		fatalf("unmarshal notification payload (%s): %v", c.name, err)
	}
	if p.ID != notifID {
		fatalf("notification id mismatch (%s): got=%q want=%q", c.name, p.ID, notifID)
	}
	if !p.RequireConfirmation {
		fatalf("notification should require confirmation (%s)", c.name)
	}
}

func mustConfirm(parent context.Context, c *smokeClient, notifID string, stepTimeout time.Duration) {
	env := v1.Envelope{
		V:       v1.Version,
		Type:    v1.TypeNotificationConfirm,
		ID:      fmt.Sprintf("%s-confirm", c.name),
		TS:      time.Now().UTC(),
		Payload: mustJSON(v1.NotificationConfirmPayload{NotificationID: notifID}),
	}
	mustWriteWithTimeout(parent, c.conn, env, stepTimeout)
}

// mustStats polls the stats until the resident's confirm (sent on another
// connection) is visible, bounded by stepTimeout overall.
func mustStats(parent context.Context, c *smokeClient, notifID string, stepTimeout time.Duration) {
	deadline := time.Now().Add(stepTimeout)

	for attempt := 0; ; attempt++ {
		env := v1.Envelope{
			V:       v1.Version,
			Type:    v1.TypeNotificationStats,
			ID:      fmt.Sprintf("%s-stats-%d", c.name, attempt),
			TS:      time.Now().UTC(),
			Payload: mustJSON(v1.NotificationStatsPayload{NotificationID: notifID}),
		}
		mustWriteWithTimeout(parent, c.conn, env, stepTimeout)

		result := c.mustReadUntilType(parent, v1.TypeNotificationStatsResult, stepTimeout)

		var p v1.NotificationStatsResultPayload
		if err := json.Unmarshal(result.Payload, &p); err != nil {
			fatalf("unmarshal stats payload (%s): %v", c.name, err)
		}
		if p.NotificationID != notifID {
			fatalf("stats notification_id mismatch (%s): got=%q want=%q", c.name, p.NotificationID, notifID)
		}
		if p.Confirmed >= 1 {
			return
		}
		if time.Now().After(deadline) {
			fatalf("stats never showed the confirmation (%s): %+v", c.name, p)
		}
		time.Sleep(150 * time.Millisecond)
	}
}

func mustCreateQuestion(parent context.Context, c *smokeClient, assemblyID string, stepTimeout time.Duration) string {
	env := v1.Envelope{
		V:    v1.Version,
		Type: v1.TypeVoteQuestionCreate,
		ID:   fmt.Sprintf("%s-create", c.name),
		TS:   time.Now().UTC(),
		Payload: mustJSON(v1.VoteQuestionCreatePayload{
			AssemblyID: assemblyID,
			Text:       "Approve the smoke-test budget?",
		}),
	}
	mustWriteWithTimeout(parent, c.conn, env, stepTimeout)

	created := c.mustReadUntilType(parent, v1.TypeVoteStateChanged, stepTimeout)

	var p v1.VoteStateChangedPayload
	if err := json.Unmarshal(created.Payload, &p); err != nil {
		fatalf("unmarshal vote.state_changed payload (%s): %v", c.name, err)
	}
	if p.Question.State != "draft" {
		fatalf("created question state (%s): got=%q want=draft", c.name, p.Question.State)
	}
	if strings.TrimSpace(p.Question.ID) == "" {
		fatalf("created question missing id (%s)", c.name)
	}
	return p.Question.ID
}

func mustOpenVoting(parent context.Context, mgr, res *smokeClient, questionID string, stepTimeout time.Duration) {
	env := v1.Envelope{
		V:       v1.Version,
		Type:    v1.TypeVoteOpen,
		ID:      fmt.Sprintf("%s-open", mgr.name),
		TS:      time.Now().UTC(),
		Payload: mustJSON(v1.VoteOpenPayload{QuestionID: questionID}),
	}
	mustWriteWithTimeout(parent, mgr.conn, env, stepTimeout)

	for _, c := range []*smokeClient{mgr, res} {
		opened := c.mustReadUntilType(parent, v1.TypeVoteStateChanged, stepTimeout)

		var p v1.VoteStateChangedPayload
		if err := json.Unmarshal(opened.Payload, &p); err != nil {
			fatalf("unmarshal vote.state_changed payload (%s): %v", c.name, err)
		}
		if p.Question.ID != questionID || p.Question.State != "open" {
			fatalf("open broadcast mismatch (%s): id=%q state=%q", c.name, p.Question.ID, p.Question.State)
		}
		if p.Question.ClosesAt == nil {
			fatalf("open broadcast missing closes_at (%s)", c.name)
		}
	}
}

func mustCastAndSeeTally(parent context.Context, voter, other *smokeClient, questionID string, stepTimeout time.Duration) {
	env := v1.Envelope{
		V:       v1.Version,
		Type:    v1.TypeVoteCast,
		ID:      fmt.Sprintf("%s-cast", voter.name),
		TS:      time.Now().UTC(),
		Payload: mustJSON(v1.VoteCastPayload{QuestionID: questionID, Choice: "yes"}),
	}
	mustWriteWithTimeout(parent, voter.conn, env, stepTimeout)

	for _, c := range []*smokeClient{voter, other} {
		tally := c.mustReadUntilType(parent, v1.TypeVoteTallyUpdated, stepTimeout)

		var p v1.VoteTallyUpdatedPayload
		if err := json.Unmarshal(tally.Payload, &p); err != nil {
			fatalf("unmarshal vote.tally_updated payload (%s): %v", c.name, err)
		}
		if p.QuestionID != questionID {
			fatalf("tally question_id mismatch (%s): got=%q want=%q", c.name, p.QuestionID, questionID)
		}
		if p.Tally.Yes != 1 {
			fatalf("tally yes count (%s): got=%d want=1", c.name, p.Tally.Yes)
		}
	}
}

func mustCloseVoting(parent context.Context, mgr, res *smokeClient, questionID string, stepTimeout time.Duration) {
	env := v1.Envelope{
		V:       v1.Version,
		Type:    v1.TypeVoteClose,
		ID:      fmt.Sprintf("%s-close", mgr.name),
		TS:      time.Now().UTC(),
		Payload: mustJSON(v1.VoteClosePayload{QuestionID: questionID}),
	}
	mustWriteWithTimeout(parent, mgr.conn, env, stepTimeout)

	for _, c := range []*smokeClient{mgr, res} {
		closed := c.mustReadUntilType(parent, v1.TypeVoteClosed, stepTimeout)

		var p v1.VoteClosedPayload
		if err := json.Unmarshal(closed.Payload, &p); err != nil {
			fatalf("unmarshal vote.closed payload (%s): %v", c.name, err)
		}
		if p.QuestionID != questionID {
			fatalf("vote.closed question_id mismatch (%s): got=%q want=%q", c.name, p.QuestionID, questionID)
		}
		if p.Tally.Yes != 1 {
			fatalf("frozen tally yes count (%s): got=%d want=1", c.name, p.Tally.Yes)
		}
	}
}

func mustRejectLateVote(parent context.Context, c *smokeClient, questionID string, stepTimeout time.Duration) {
	env := v1.Envelope{
		V:       v1.Version,
		Type:    v1.TypeVoteCast,
		ID:      fmt.Sprintf("%s-late-cast", c.name),
		TS:      time.Now().UTC(),
		Payload: mustJSON(v1.VoteCastPayload{QuestionID: questionID, Choice: "no"}),
	}
	mustWriteWithTimeout(parent, c.conn, env, stepTimeout)

	code := c.mustReadErrorCode(parent, stepTimeout)
	if code != "voting_closed" {
		fatalf("late vote error code (%s): got=%q want=voting_closed", c.name, code)
	}
}

func mustChatRelay(parent context.Context, sender, receiver *smokeClient, assemblyID string, stepTimeout time.Duration) {
	text := "smoke check message"
	env := v1.Envelope{
		V:       v1.Version,
		Type:    v1.TypeMessageSend,
		ID:      fmt.Sprintf("%s-chat", sender.name),
		TS:      time.Now().UTC(),
		Payload: mustJSON(v1.MessageSendPayload{AssemblyID: assemblyID, Text: text}),
	}
	mustWriteWithTimeout(parent, sender.conn, env, stepTimeout)

	msg := receiver.mustReadUntilType(parent, v1.TypeMessage, stepTimeout)

	var p v1.MessagePayload
	if err := json.Unmarshal(msg.Payload, &p); err != nil {
		fatalf("unmarshal message payload (%s): %v", receiver.name, err)
	}
	if p.AssemblyID != assemblyID || p.Text != text || p.Sender != sender.userID {
		fatalf("message relay mismatch (%s): %+v", receiver.name, p)
	}
}

// mustReadUntilType waits for wantType, skipping unrelated broadcasts
// (presence flips, pending flushes) and failing fast on server errors.
func (c *smokeClient) mustReadUntilType(parent context.Context, wantType string, stepTimeout time.Duration) v1.Envelope {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			fatalf("timeout waiting for %q (%s): %v", wantType, c.name, ctx.Err())
		case err := <-c.errCh:
			if err == nil {
				fatalf("connection closed while waiting for %q (%s)", wantType, c.name)
			}
			fatalf("connection error while waiting for %q (%s): %v", wantType, c.name, err)
		case env, ok := <-c.inbox:
			if !ok {
				fatalf("connection closed while waiting for %q (%s)", wantType, c.name)
			}
			if env.Type == wantType {
				return env
			}
			if env.Type == v1.TypeError {
				var ep v1.ErrorPayload
				_ = json.Unmarshal(env.Payload, &ep)
				fatalf("server error (%s): code=%q msg=%q", c.name, ep.Code, ep.Message)
			}
		}
	}
}

// mustReadErrorCode waits for an error envelope and returns its code,
// skipping unrelated broadcasts.
func (c *smokeClient) mustReadErrorCode(parent context.Context, stepTimeout time.Duration) string {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			fatalf("timeout waiting for error (%s): %v", c.name, ctx.Err())
		case err := <-c.errCh:
			if err == nil {
				fatalf("connection closed while waiting for error (%s)", c.name)
			}
			fatalf("connection error while waiting for error (%s): %v", c.name, err)
		case env, ok := <-c.inbox:
			if !ok {
				fatalf("connection closed while waiting for error (%s)", c.name)
			}
			if env.Type == v1.TypeError {
				var ep v1.ErrorPayload
				if err := json.Unmarshal(env.Payload, &ep); err != nil {
					fatalf("unmarshal error payload (%s): %v", c.name, err)
				}
				return ep.Code
			}
		}
	}
}

func mustWriteWithTimeout(parent context.Context, conn *websocket.Conn, env v1.Envelope, stepTimeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		fatalf("marshal envelope: %v", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, b); err != nil {
		fatalf("write failed: %v", err)
	}
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}

func closeWS(conn *websocket.Conn) {
	_ = conn.Close(websocket.StatusNormalClosure, "bye")
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "FAIL: "+format+"\n", args...)
	os.Exit(1)
}
