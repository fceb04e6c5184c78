package realtime

import (
	"log/slog"
	"sort"
	"sync"

	v1 "domus/contracts/realtime/v1"

	"domus/cmd/internal/metrics"
)

// Registry is the connection registry: it maps users to their live sessions
// and derives presence from them. A user is present while at least one
// session is registered.
//
// Concurrency guarantees:
// - Register/Unregister are safe under concurrent SendToUser/Broadcast.
// - Fan-out never blocks (drops under backpressure).
// - Fan-out is panic-safe because Client.Send is never closed by the server.
type Registry struct {
	log *slog.Logger

	mu       sync.RWMutex
	sessions map[string]map[string]*Client // userID -> sessionID -> client
}

// NewRegistry constructs an empty Registry.
func NewRegistry(log *slog.Logger) *Registry {
	return &Registry{
		log:      log,
		sessions: make(map[string]map[string]*Client),
	}
}

// Register adds a session. It reports whether this flipped the user online
// (first session); the caller broadcasts the presence change.
func (r *Registry) Register(c *Client) (cameOnline bool) {
	if r == nil || c == nil || c.SessionID == "" || c.UserID == "" {
		return false
	}

	r.mu.Lock()
	bysess, ok := r.sessions[c.UserID]
	if !ok {
		bysess = make(map[string]*Client)
		r.sessions[c.UserID] = bysess
	}
	cameOnline = len(bysess) == 0
	bysess[c.SessionID] = c
	r.mu.Unlock()

	metrics.ConnectionsActive.Inc()
	if cameOnline {
		metrics.UsersPresent.Inc()
	}

	r.log.Info("registry.session.register",
		"user_id", c.UserID,
		"session_id", c.SessionID,
		"came_online", cameOnline,
	)
	return cameOnline
}

// Unregister removes a session and closes its client. It reports whether
// this flipped the user offline (last session gone).
func (r *Registry) Unregister(userID, sessionID string) (wentOffline bool) {
	if r == nil || userID == "" || sessionID == "" {
		return false
	}

	var cl *Client

	r.mu.Lock()
	bysess, ok := r.sessions[userID]
	if ok {
		cl, ok = bysess[sessionID]
		if ok {
			delete(bysess, sessionID)
			if len(bysess) == 0 {
				delete(r.sessions, userID)
				wentOffline = true
			}
		}
	}
	r.mu.Unlock()

	if cl == nil {
		return false
	}

	// Close after membership removal so broadcasters holding the pointer
	// observe a consistent shutdown.
	cl.Close()

	metrics.ConnectionsActive.Dec()
	if wentOffline {
		metrics.UsersPresent.Dec()
	}

	r.log.Info("registry.session.unregister",
		"user_id", userID,
		"session_id", sessionID,
		"went_offline", wentOffline,
	)
	return wentOffline
}

// SendToUser fans an envelope out to every live session of userID and
// returns the number of sessions that accepted it.
func (r *Registry) SendToUser(userID string, env v1.Envelope) int {
	if r == nil {
		return 0
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	delivered := 0
	for _, c := range r.sessions[userID] {
		if c.trySend(env) {
			delivered++
		}
	}
	return delivered
}

// Broadcast fans an envelope out to every registered session.
func (r *Registry) Broadcast(env v1.Envelope) {
	if r == nil {
		return
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, bysess := range r.sessions {
		for _, c := range bysess {
			c.trySend(env)
		}
	}
}

// OnlineUsers returns the present user ids in stable order.
func (r *Registry) OnlineUsers() []string {
	if r == nil {
		return nil
	}

	r.mu.RLock()
	out := make([]string, 0, len(r.sessions))
	for userID := range r.sessions {
		out = append(out, userID)
	}
	r.mu.RUnlock()

	sort.Strings(out)
	return out
}

// HandlesFor returns the live session handles of userID in stable order.
// Unknown users get an empty slice.
func (r *Registry) HandlesFor(userID string) []*Client {
	if r == nil {
		return []*Client{}
	}

	r.mu.RLock()
	out := make([]*Client, 0, len(r.sessions[userID]))
	for _, c := range r.sessions[userID] {
		out = append(out, c)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].SessionID < out[j].SessionID })
	return out
}

// IsOnline reports whether userID has at least one live session.
func (r *Registry) IsOnline(userID string) bool {
	if r == nil {
		return false
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions[userID]) > 0
}
