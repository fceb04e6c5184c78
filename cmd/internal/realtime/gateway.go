package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	v1 "domus/contracts/realtime/v1"

	"github.com/coder/websocket"

	"domus/cmd/internal/audit"
	"domus/cmd/internal/identity"
	"domus/cmd/internal/ids"
	"domus/cmd/internal/notify"
	"domus/cmd/internal/voting"
)

const (
	wsSubprotocolV1 = "domus.realtime.v1"

	wsDefaultSendQueueSize = 256
	wsMinSendQueueSize     = 32

	wsDefaultWriteTimeout = 5 * time.Second
	wsDefaultReadIdle     = 2 * time.Minute
	wsDefaultHelloTimeout = 10 * time.Second
	wsCloseGrace          = 1 * time.Second

	wsMaxPingFailures = 3

	// Security defaults:
	// - Origin is required by default.
	// - Only localhost is allowed by default (secure-by-default for dev).
	wsDefaultOriginRequired = true
	wsDefaultAllowedOrigins = "http://localhost,http://127.0.0.1"
)

// Gateway error codes (wire-stable).
const (
	codeAuthFailed       = "auth_failed"
	codeNotFound         = "not_found"
	codeInvalidState     = "invalid_state"
	codeVotingClosed     = "voting_closed"
	codeCapacityExceeded = "capacity_exceeded"
	codeInvalidInput     = "invalid_input"
	codeForbidden        = "forbidden"
	codeBadJSON          = "bad_json"
	codeBadEnvelope      = "bad_envelope"
	codeRateLimited      = "rate_limited"
	codeNotJoined        = "not_joined"
	codeUnsupported      = "unsupported"
)

// Gateway is the WebSocket entrypoint for Domus realtime.
//
// It enforces origin policy, subprotocol selection, rate limits, heartbeats,
// and routes validated envelopes to the registry, dispatcher, tracker and
// voting coordinator. Authentication is hello-first: the registry is never
// touched before the identity token verifies.
type Gateway struct {
	log      *slog.Logger
	registry *Registry
	rooms    *Rooms
	verifier *identity.Verifier

	dispatcher *notify.Dispatcher
	tracker    *notify.Tracker
	votes      *voting.Coordinator
	audit      *audit.Logger

	devInsecure    bool
	originRequired bool
	allowedOrigins []string

	// Derived for websocket.Accept origin checks.
	originPatterns []string

	writeTimeout    time.Duration
	readIdleTimeout time.Duration
	helloTimeout    time.Duration
	sendQueueSize   int

	heartbeatEvery   time.Duration
	heartbeatTimeout time.Duration

	rateEvents int
	rateWindow time.Duration
}

// GatewayDeps bundles the collaborators routed to by the gateway.
type GatewayDeps struct {
	Registry   *Registry
	Rooms      *Rooms
	Verifier   *identity.Verifier
	Dispatcher *notify.Dispatcher
	Tracker    *notify.Tracker
	Votes      *voting.Coordinator
	Audit      *audit.Logger
}

// NewGateway constructs a gateway with secure defaults.
func NewGateway(log *slog.Logger, deps GatewayDeps) (*Gateway, error) {
	if log == nil {
		log = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	if deps.Registry == nil || deps.Rooms == nil {
		return nil, errors.New("realtime: registry and rooms are required")
	}
	if deps.Verifier == nil {
		return nil, errors.New("realtime: verifier is required")
	}
	if deps.Dispatcher == nil || deps.Tracker == nil || deps.Votes == nil {
		return nil, errors.New("realtime: notify and voting services are required")
	}

	g := &Gateway{
		log:        log,
		registry:   deps.Registry,
		rooms:      deps.Rooms,
		verifier:   deps.Verifier,
		dispatcher: deps.Dispatcher,
		tracker:    deps.Tracker,
		votes:      deps.Votes,
		audit:      deps.Audit,
	}

	// NOTE: InsecureSkipVerify is a dev-only knob (TLS verification). It is not an origin policy.
	g.devInsecure = envBoolWS("DOMUS_WS_DEV_INSECURE", false)

	g.originRequired = envBoolWS("DOMUS_WS_ORIGIN_REQUIRED", wsDefaultOriginRequired)
	g.allowedOrigins = envCSVWS("DOMUS_WS_ALLOWED_ORIGINS", wsDefaultAllowedOrigins)

	// websocket.Accept enforces its own origin policy: same-host is ok,
	// cross-origin requires OriginPatterns. Derive them from the allowlist
	// so the two layers agree.
	g.originPatterns = deriveOriginPatternsFromAllowedOrigins(g.allowedOrigins)

	g.writeTimeout = envDurationWS("DOMUS_WS_WRITE_TIMEOUT", wsDefaultWriteTimeout)
	g.readIdleTimeout = envDurationWS("DOMUS_WS_READ_IDLE_TIMEOUT", wsDefaultReadIdle)
	g.helloTimeout = envDurationWS("DOMUS_WS_HELLO_TIMEOUT", wsDefaultHelloTimeout)

	g.sendQueueSize = envIntWS("DOMUS_WS_SEND_QUEUE", wsDefaultSendQueueSize)
	if g.sendQueueSize < wsMinSendQueueSize {
		g.sendQueueSize = wsMinSendQueueSize
	}

	g.heartbeatEvery = envDurationWS("DOMUS_WS_HEARTBEAT_INTERVAL", heartbeatInterval)
	g.heartbeatTimeout = envDurationWS("DOMUS_WS_HEARTBEAT_TIMEOUT", heartbeatTimeout)

	g.rateEvents = envIntWS("DOMUS_WS_RATE_EVENTS", rateLimitEvents)
	g.rateWindow = envDurationWS("DOMUS_WS_RATE_WINDOW", rateLimitWindow)

	return g, nil
}

// ServeHTTP adapter so it can be mounted as http.Handler.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.HandleWS(w, r)
}

// HandleWS upgrades an HTTP request to a WebSocket session and runs the realtime loop.
func (g *Gateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	if err := g.enforceOrigin(r); err != nil {
		g.log.Info("ws.reject.origin", "err", err, "origin", r.Header.Get("Origin"), "remote", r.RemoteAddr)
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:       []string{wsSubprotocolV1},
		OriginPatterns:     g.originPatterns,
		InsecureSkipVerify: g.devInsecure,
	})
	if err != nil {
		g.log.Error("ws.accept.fail", "err", err)
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	if sp := conn.Subprotocol(); sp != wsSubprotocolV1 {
		g.log.Info("ws.reject.subprotocol", "got", sp, "want", wsSubprotocolV1)
		_ = conn.Close(websocket.StatusProtocolError, "subprotocol required")
		return
	}

	conn.SetReadLimit(maxFrameBytes)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// Hello-first: the session has no identity and no side effects until the
	// token verifies. A failed handshake leaves the registry untouched.
	claims, err := g.awaitHello(ctx, conn)
	if err != nil {
		g.log.Info("ws.reject.auth", "err", err, "remote", r.RemoteAddr)
		g.writeDirectError(ctx, conn, codeAuthFailed, "authentication failed")
		_ = conn.Close(websocket.StatusPolicyViolation, "authentication failed")
		return
	}

	sessionID := ids.NewRandomHex(10)
	client := NewClient(sessionID, claims.UserID, claims.Role, claims.Unit, g.sendQueueSize)

	cameOnline := g.registry.Register(client)
	if g.audit != nil {
		g.audit.Record(ctx, audit.ActionConnect, claims.UserID, map[string]any{
			"session_id": sessionID,
		})
	}

	var (
		closeOnce sync.Once
		joined    *Room
	)

	// shutdown is idempotent. It does NOT close client.Send.
	// Membership removal happens before client.Close via Unregister.
	shutdown := func(code websocket.StatusCode, reason string) {
		closeOnce.Do(func() {
			if joined != nil {
				joined.Leave(sessionID)
				joined = nil
			}

			wentOffline := g.registry.Unregister(client.UserID, sessionID)
			if wentOffline {
				g.broadcastPresence(client.UserID, false)
			}
			if g.audit != nil {
				g.audit.Record(context.WithoutCancel(ctx), audit.ActionDisconnect, client.UserID, map[string]any{
					"session_id": sessionID,
					"reason":     reason,
				})
			}

			_ = conn.Close(code, reason)
			cancel()
		})
	}

	rl := NewRateLimiter(g.rateEvents, g.rateWindow)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)

		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				return
			case env := <-client.Send:
				if err := writeEnvelope(ctx, conn, env, g.writeTimeout); err != nil {
					g.log.Info("ws.write.fail", "session_id", sessionID, "close_status", websocket.CloseStatus(err), "err", err)
					shutdown(websocket.StatusAbnormalClosure, "write failed")
					return
				}
			}
		}
	}()

	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)

		t := time.NewTicker(g.heartbeatEvery)
		defer t.Stop()

		failures := 0
		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				return
			case <-t.C:
				hbCtx, hbCancel := context.WithTimeout(ctx, g.heartbeatTimeout)
				err := conn.Ping(hbCtx)
				hbCancel()

				if err != nil {
					failures++
					g.log.Info("ws.ping.fail", "session_id", sessionID, "failures", failures, "err", err)
					if failures >= wsMaxPingFailures {
						shutdown(websocket.StatusGoingAway, "heartbeat failed")
						return
					}
					continue
				}
				failures = 0
			}
		}
	}()

	g.onSessionStart(ctx, client, cameOnline)

readLoop:
	for {
		readCtx, readCancel := context.WithTimeout(ctx, g.readIdleTimeout)
		env, err := readEnvelope(readCtx, conn)
		readCancel()

		if err != nil {
			switch classifyReadErr(err) {
			case readErrClose:
				shutdown(websocket.StatusNormalClosure, "peer closed")
				break readLoop
			case readErrCtxDone:
				shutdown(websocket.StatusNormalClosure, "context done")
				break readLoop
			case readErrConnClosed:
				shutdown(websocket.StatusAbnormalClosure, "conn closed")
				break readLoop
			case readErrBadJSON:
				g.trySendError(ctx, client, codeBadJSON, "invalid JSON")
				continue readLoop
			default:
				g.log.Info("ws.read.fail", "session_id", sessionID, "err", err)
				shutdown(websocket.StatusAbnormalClosure, "read failed")
				break readLoop
			}
		}

		now := time.Now().UTC()
		if !rl.Allow(now) {
			g.trySendError(ctx, client, codeRateLimited, "too many events")
			shutdown(websocket.StatusPolicyViolation, "rate limited")
			break readLoop
		}

		if err := env.Validate(); err != nil {
			g.trySendError(ctx, client, codeBadEnvelope, err.Error())
			continue readLoop
		}

		switch env.Type {
		case v1.TypeHello:
			// Idempotent re-hello: the session identity is already fixed.
			g.sendHelloAck(ctx, client)

		case v1.TypeAssemblyJoin:
			room, err := g.onAssemblyJoin(ctx, client, env)
			if err != nil {
				g.sendDomainError(ctx, client, err)
				continue readLoop
			}
			if joined != nil && joined.ID != room.ID {
				joined.Leave(sessionID)
			}
			joined = room

		case v1.TypeAssemblyStateFetch:
			if err := g.onAssemblyStateFetch(ctx, client, env); err != nil {
				g.sendDomainError(ctx, client, err)
			}

		case v1.TypeNotifyUser, v1.TypeNotifyUsers, v1.TypeNotifyRole, v1.TypeNotifyUnit, v1.TypeNotifyAll:
			if err := g.onNotifyDispatch(ctx, client, env); err != nil {
				g.sendDomainError(ctx, client, err)
			}

		case v1.TypeNotificationRead:
			if err := g.onNotificationRead(ctx, client, env); err != nil {
				g.sendDomainError(ctx, client, err)
			}

		case v1.TypeNotificationConfirm:
			if err := g.onNotificationConfirm(ctx, client, env); err != nil {
				g.sendDomainError(ctx, client, err)
			}

		case v1.TypeNotificationStats:
			if err := g.onNotificationStats(ctx, client, env); err != nil {
				g.sendDomainError(ctx, client, err)
			}

		case v1.TypeVoteQuestionCreate:
			if err := g.onVoteQuestionCreate(ctx, client, env); err != nil {
				g.sendDomainError(ctx, client, err)
			}

		case v1.TypeVoteOpen:
			if err := g.onVoteOpen(ctx, client, env); err != nil {
				g.sendDomainError(ctx, client, err)
			}

		case v1.TypeVoteCast:
			if err := g.onVoteCast(ctx, client, env); err != nil {
				g.sendDomainError(ctx, client, err)
			}

		case v1.TypeVoteClose:
			if err := g.onVoteClose(ctx, client, env); err != nil {
				g.sendDomainError(ctx, client, err)
			}

		case v1.TypeMessageSend:
			if joined == nil {
				g.trySendError(ctx, client, codeNotJoined, "join first")
				continue readLoop
			}
			if err := g.onMessageSend(client, joined, env, now); err != nil {
				g.sendDomainError(ctx, client, err)
			}

		case v1.TypeTyping:
			if joined == nil {
				g.trySendError(ctx, client, codeNotJoined, "join first")
				continue readLoop
			}
			g.onTyping(client, joined, env)

		default:
			g.trySendError(ctx, client, codeUnsupported, fmt.Sprintf("unsupported type: %s", env.Type))
		}
	}

	shutdown(websocket.StatusNormalClosure, "bye")
	<-writerDone

	select {
	case <-heartbeatDone:
	case <-time.After(wsCloseGrace):
	}
}

// awaitHello reads the first envelope, which must be a valid hello carrying
// a verifiable identity token.
func (g *Gateway) awaitHello(ctx context.Context, conn *websocket.Conn) (identity.Claims, error) {
	helloCtx, cancel := context.WithTimeout(ctx, g.helloTimeout)
	defer cancel()

	env, err := readEnvelope(helloCtx, conn)
	if err != nil {
		return identity.Claims{}, fmt.Errorf("hello read: %w", err)
	}
	if err := env.Validate(); err != nil {
		return identity.Claims{}, fmt.Errorf("hello envelope: %w", err)
	}
	if env.Type != v1.TypeHello {
		return identity.Claims{}, fmt.Errorf("expected hello, got %s", env.Type)
	}

	var p v1.HelloPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return identity.Claims{}, fmt.Errorf("hello payload: %w", err)
	}
	return g.verifier.Verify(p.Token, time.Now().UTC())
}

// onSessionStart performs the post-auth bootstrap: ack, presence flip and
// snapshot, then the pending-notification flush in creation order.
func (g *Gateway) onSessionStart(ctx context.Context, client *Client, cameOnline bool) {
	g.sendHelloAck(ctx, client)

	if cameOnline {
		g.broadcastPresence(client.UserID, true)
	}

	snapshot, _ := json.Marshal(v1.PresenceStatePayload{Users: g.registry.OnlineUsers()})
	g.enqueue(ctx, client, newEnvelope(v1.TypePresenceState, snapshot, time.Now().UTC()))

	pending, err := g.dispatcher.PendingFor(ctx, client.UserID)
	if err != nil {
		g.log.Error("ws.flush.fail", "user_id", client.UserID, "err", err)
		return
	}
	for _, n := range pending {
		payload, err := json.Marshal(notificationPayload(n))
		if err != nil {
			continue
		}
		g.enqueue(ctx, client, newEnvelope(v1.TypeNotification, payload, time.Now().UTC()))
	}
	if len(pending) > 0 {
		g.log.Info("ws.flush", "user_id", client.UserID, "count", len(pending))
	}
}

func (g *Gateway) sendHelloAck(ctx context.Context, client *Client) {
	payload, _ := json.Marshal(v1.HelloAckPayload{
		SessionID: client.SessionID,
		UserID:    client.UserID,
	})
	g.enqueue(ctx, client, newEnvelope(v1.TypeHelloAck, payload, time.Now().UTC()))
}

func (g *Gateway) broadcastPresence(userID string, online bool) {
	payload, _ := json.Marshal(v1.PresenceChangedPayload{UserID: userID, Online: online})
	g.registry.Broadcast(newEnvelope(v1.TypePresenceChanged, payload, time.Now().UTC()))
}

// ---- assembly handlers ----

func (g *Gateway) onAssemblyJoin(ctx context.Context, client *Client, env v1.Envelope) (*Room, error) {
	var p v1.AssemblyJoinPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return nil, errInvalidPayload(err)
	}

	assemblyID := strings.TrimSpace(p.AssemblyID)
	if assemblyID == "" {
		return nil, voting.ErrInvalidInput
	}

	room := g.rooms.GetOrCreate(assemblyID)
	room.Join(client)

	echo, _ := json.Marshal(v1.AssemblyJoinPayload{AssemblyID: room.ID})
	if !g.enqueue(ctx, client, newEnvelope(v1.TypeAssemblyJoin, echo, time.Now().UTC())) {
		room.Leave(client.SessionID)
		return nil, errors.New("backpressure: join echo")
	}
	return room, nil
}

func (g *Gateway) onAssemblyStateFetch(ctx context.Context, client *Client, env v1.Envelope) error {
	var p v1.AssemblyStateFetchPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return errInvalidPayload(err)
	}

	questions, tallies, err := g.votes.AssemblyState(ctx, strings.TrimSpace(p.AssemblyID))
	if err != nil {
		return err
	}

	out := make([]v1.QuestionPayload, 0, len(questions))
	for _, q := range questions {
		out = append(out, questionPayload(q, tallies[q.ID]))
	}

	payload, _ := json.Marshal(v1.AssemblyStatePayload{
		AssemblyID: p.AssemblyID,
		Questions:  out,
	})
	if !g.enqueue(ctx, client, newEnvelope(v1.TypeAssemblyState, payload, time.Now().UTC())) {
		return errors.New("backpressure: assembly state")
	}
	return nil
}

// ---- notification handlers ----

func (g *Gateway) onNotifyDispatch(ctx context.Context, client *Client, env v1.Envelope) error {
	if client.Role != identity.RoleManager {
		return errForbidden
	}

	var created []notify.Notification

	switch env.Type {
	case v1.TypeNotifyUser:
		var p v1.NotifyUserPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return errInvalidPayload(err)
		}
		if err := validateNotificationData(p.Data); err != nil {
			return err
		}
		n, err := g.dispatcher.NotifyUser(ctx, p.UserID, notificationData(p.Data))
		if err != nil {
			return err
		}
		created = []notify.Notification{n}

	case v1.TypeNotifyUsers:
		var p v1.NotifyUsersPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return errInvalidPayload(err)
		}
		if len(p.UserIDs) > maxExplicitRecipients {
			return notify.ErrInvalidInput
		}
		if err := validateNotificationData(p.Data); err != nil {
			return err
		}
		ns, err := g.dispatcher.NotifyUsers(ctx, p.UserIDs, notificationData(p.Data))
		if err != nil {
			return err
		}
		created = ns

	case v1.TypeNotifyRole:
		var p v1.NotifyRolePayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return errInvalidPayload(err)
		}
		if err := validateNotificationData(p.Data); err != nil {
			return err
		}
		ns, err := g.dispatcher.NotifyByRole(ctx, p.Role, notificationData(p.Data))
		if err != nil {
			return err
		}
		created = ns

	case v1.TypeNotifyUnit:
		var p v1.NotifyUnitPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return errInvalidPayload(err)
		}
		if err := validateNotificationData(p.Data); err != nil {
			return err
		}
		ns, err := g.dispatcher.NotifyUnit(ctx, p.UnitID, notificationData(p.Data))
		if err != nil {
			return err
		}
		created = ns

	case v1.TypeNotifyAll:
		var p v1.NotifyAllPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return errInvalidPayload(err)
		}
		if err := validateNotificationData(p.Data); err != nil {
			return err
		}
		ns, err := g.dispatcher.NotifyAll(ctx, notificationData(p.Data))
		if err != nil {
			return err
		}
		created = ns
	}

	ackIDs := make([]string, 0, len(created))
	for _, n := range created {
		ackIDs = append(ackIDs, n.ID)
	}
	payload, _ := json.Marshal(v1.NotifyAckPayload{NotificationIDs: ackIDs})
	if !g.enqueue(ctx, client, newEnvelope(v1.TypeNotifyAck, payload, time.Now().UTC())) {
		return errors.New("backpressure: notify ack")
	}
	return nil
}

func (g *Gateway) onNotificationRead(ctx context.Context, client *Client, env v1.Envelope) error {
	var p v1.NotificationReadPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return errInvalidPayload(err)
	}
	_, err := g.tracker.MarkRead(ctx, p.NotificationID, client.UserID)
	return err
}

func (g *Gateway) onNotificationConfirm(ctx context.Context, client *Client, env v1.Envelope) error {
	var p v1.NotificationConfirmPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return errInvalidPayload(err)
	}
	return g.tracker.ConfirmReading(ctx, p.NotificationID, client.UserID)
}

func (g *Gateway) onNotificationStats(ctx context.Context, client *Client, env v1.Envelope) error {
	if client.Role != identity.RoleManager {
		return errForbidden
	}

	var p v1.NotificationStatsPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return errInvalidPayload(err)
	}

	stats, err := g.tracker.ConfirmationStats(ctx, p.NotificationID)
	if err != nil {
		return err
	}

	payload, _ := json.Marshal(v1.NotificationStatsResultPayload{
		NotificationID: stats.NotificationID,
		TotalExpected:  stats.TotalExpected,
		Confirmed:      stats.Confirmed,
		Percentage:     stats.Percentage,
	})
	if !g.enqueue(ctx, client, newEnvelope(v1.TypeNotificationStatsResult, payload, time.Now().UTC())) {
		return errors.New("backpressure: stats result")
	}
	return nil
}

// ---- voting handlers ----

func (g *Gateway) onVoteQuestionCreate(ctx context.Context, client *Client, env v1.Envelope) error {
	if client.Role != identity.RoleManager {
		return errForbidden
	}

	var p v1.VoteQuestionCreatePayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return errInvalidPayload(err)
	}

	q, err := g.votes.CreateQuestion(ctx, strings.TrimSpace(p.AssemblyID), strings.TrimSpace(p.Text), client.UserID)
	if err != nil {
		return err
	}

	payload, _ := json.Marshal(v1.VoteStateChangedPayload{Question: questionPayload(q, voting.Tally{})})
	if !g.enqueue(ctx, client, newEnvelope(v1.TypeVoteStateChanged, payload, time.Now().UTC())) {
		return errors.New("backpressure: question created")
	}
	return nil
}

func (g *Gateway) onVoteOpen(ctx context.Context, client *Client, env v1.Envelope) error {
	if client.Role != identity.RoleManager {
		return errForbidden
	}

	var p v1.VoteOpenPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return errInvalidPayload(err)
	}

	// The coordinator broadcasts the state change to the assembly room.
	_, err := g.votes.OpenVoting(ctx, strings.TrimSpace(p.QuestionID), client.UserID)
	return err
}

func (g *Gateway) onVoteCast(ctx context.Context, client *Client, env v1.Envelope) error {
	var p v1.VoteCastPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return errInvalidPayload(err)
	}

	// The coordinator broadcasts the updated tally to the assembly room.
	_, err := g.votes.CastVote(ctx, strings.TrimSpace(p.QuestionID), client.UserID, voting.Choice(p.Choice))
	return err
}

func (g *Gateway) onVoteClose(ctx context.Context, client *Client, env v1.Envelope) error {
	if client.Role != identity.RoleManager {
		return errForbidden
	}

	var p v1.VoteClosePayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return errInvalidPayload(err)
	}

	// The coordinator broadcasts the frozen result to the assembly room.
	_, err := g.votes.CloseVoting(ctx, strings.TrimSpace(p.QuestionID), client.UserID)
	return err
}

// ---- room chat handlers ----

func (g *Gateway) onMessageSend(client *Client, room *Room, env v1.Envelope, now time.Time) error {
	var p v1.MessageSendPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return errInvalidPayload(err)
	}

	if strings.TrimSpace(p.AssemblyID) == "" || p.AssemblyID != room.ID {
		return voting.ErrInvalidInput
	}
	text := strings.TrimSpace(p.Text)
	if text == "" || len([]rune(text)) > maxMessageChars {
		return voting.ErrInvalidInput
	}

	// Room messages are transient: relayed, never persisted.
	payload, _ := json.Marshal(v1.MessagePayload{
		AssemblyID: room.ID,
		Sender:     client.UserID,
		Text:       text,
		SentAt:     now,
	})
	room.Broadcast(newEnvelope(v1.TypeMessage, payload, now))
	return nil
}

func (g *Gateway) onTyping(client *Client, room *Room, env v1.Envelope) {
	var p v1.TypingPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return
	}
	if p.AssemblyID != room.ID {
		return
	}

	payload, _ := json.Marshal(v1.TypingPayload{AssemblyID: room.ID, UserID: client.UserID})
	room.Broadcast(newEnvelope(v1.TypeTyping, payload, time.Now().UTC()))
}

// ---- validation and error mapping ----

var errForbidden = errors.New("manager role required")

func errInvalidPayload(err error) error {
	return fmt.Errorf("%w: %v", notify.ErrInvalidInput, err)
}

func validateNotificationData(d v1.NotificationData) error {
	if len([]rune(d.Title)) > maxTitleChars || len([]rune(d.Message)) > maxBodyChars {
		return notify.ErrInvalidInput
	}
	return nil
}

// sendDomainError maps a service error onto a wire error code. The mapping
// order matters: ErrVotingClosed wraps ErrInvalidState and must win.
func (g *Gateway) sendDomainError(ctx context.Context, client *Client, err error) {
	code := codeInvalidInput
	switch {
	case errors.Is(err, errForbidden):
		code = codeForbidden
	case errors.Is(err, voting.ErrVotingClosed):
		code = codeVotingClosed
	case errors.Is(err, voting.ErrCapacityExceeded):
		code = codeCapacityExceeded
	case errors.Is(err, voting.ErrInvalidState):
		code = codeInvalidState
	case errors.Is(err, voting.ErrNotFound), errors.Is(err, notify.ErrNotFound):
		code = codeNotFound
	case errors.Is(err, voting.ErrInvalidInput), errors.Is(err, notify.ErrInvalidInput):
		code = codeInvalidInput
	}
	g.trySendError(ctx, client, code, err.Error())
}

// ---- send helpers ----

func (g *Gateway) trySendError(ctx context.Context, client *Client, code, msg string) {
	p, _ := json.Marshal(v1.ErrorPayload{Code: code, Message: msg})
	_ = g.enqueue(ctx, client, newEnvelope(v1.TypeError, p, time.Now().UTC()))
}

// writeDirectError writes an error envelope before the session loop exists
// (pre-registration failures have no writer goroutine).
func (g *Gateway) writeDirectError(ctx context.Context, conn *websocket.Conn, code, msg string) {
	p, _ := json.Marshal(v1.ErrorPayload{Code: code, Message: msg})
	_ = writeEnvelope(ctx, conn, newEnvelope(v1.TypeError, p, time.Now().UTC()), g.writeTimeout)
}

func (g *Gateway) enqueue(ctx context.Context, client *Client, env v1.Envelope) bool {
	select {
	case <-ctx.Done():
		return false
	case <-client.Done():
		return false
	case client.Send <- env:
		return true
	default:
		return false
	}
}

// ---- origin policy ----

func (g *Gateway) enforceOrigin(r *http.Request) error {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		if g.originRequired {
			return errors.New("missing origin")
		}
		return nil
	}

	if len(g.allowedOrigins) == 0 {
		return errors.New("origin not allowed (no allowlist)")
	}

	originHost := originHostOnly(origin)

	for _, a := range g.allowedOrigins {
		a = strings.TrimSpace(a)
		if a == "" {
			continue
		}
		if a == "*" {
			// Strongly discouraged, but honored if explicitly configured.
			return nil
		}
		if origin == a {
			return nil
		}
		if originHost != "" && originHost == originHostOnly(a) {
			return nil
		}
	}

	return fmt.Errorf("origin not allowed: %s", origin)
}

// ---- env helpers ----

func envBoolWS(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envIntWS(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func envDurationWS(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

func envCSVWS(key string, def string) []string {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		raw = def
	}
	if raw == "" {
		return nil
	}

	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		s := strings.TrimSpace(p)
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}
