package realtime

import (
	"log/slog"
	"sync"

	v1 "domus/contracts/realtime/v1"
)

// Room is the in-memory fanout primitive for one assembly. Membership is a
// subscription only: rooms never own client lifecycles, the Registry does.
//
// Concurrency guarantees:
// - Join/Leave are safe under concurrent Broadcast.
// - Broadcast never blocks (drops under backpressure).
type Room struct {
	log *slog.Logger
	ID  string

	mu      sync.RWMutex
	members map[string]*Client
}

// NewRoom constructs a room for one assembly.
func NewRoom(log *slog.Logger, assemblyID string) *Room {
	return &Room{
		log:     log,
		ID:      assemblyID,
		members: make(map[string]*Client),
	}
}

// Join subscribes a client to the room.
func (r *Room) Join(client *Client) {
	if r == nil || client == nil || client.SessionID == "" {
		return
	}

	r.mu.Lock()
	r.members[client.SessionID] = client
	r.mu.Unlock()

	r.log.Info("room.member.join", "assembly_id", r.ID, "session_id", client.SessionID)
}

// Leave unsubscribes a session. It must NOT close the client: the session
// may still be subscribed elsewhere or switching rooms.
func (r *Room) Leave(sessionID string) {
	if r == nil || sessionID == "" {
		return
	}

	r.mu.Lock()
	_, ok := r.members[sessionID]
	delete(r.members, sessionID)
	r.mu.Unlock()

	if ok {
		r.log.Info("room.member.leave", "assembly_id", r.ID, "session_id", sessionID)
	}
}

// Broadcast fanouts an envelope to all members.
// Non-blocking: if a member queue is full or the client is shutting down, it is dropped.
func (r *Room) Broadcast(env v1.Envelope) {
	if r == nil {
		return
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, m := range r.members {
		m.trySend(env)
	}
}

// Rooms owns the in-memory assembly rooms and provides stable handles.
type Rooms struct {
	log *slog.Logger

	mu    sync.RWMutex
	rooms map[string]*Room
}

// NewRooms constructs a Rooms index.
func NewRooms(log *slog.Logger) *Rooms {
	return &Rooms{
		log:   log,
		rooms: make(map[string]*Room),
	}
}

// GetOrCreate returns a stable room handle for an assembly.
func (rs *Rooms) GetOrCreate(assemblyID string) *Room {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if r, ok := rs.rooms[assemblyID]; ok {
		return r
	}
	r := NewRoom(rs.log, assemblyID)
	rs.rooms[assemblyID] = r
	return r
}

// Get returns the room handle if it exists.
func (rs *Rooms) Get(assemblyID string) (*Room, bool) {
	rs.mu.RLock()
	defer rs.mu.RUnlock()

	r, ok := rs.rooms[assemblyID]
	return r, ok
}
