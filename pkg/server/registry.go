package server

import (
	"sync"

	"github.com/openfsd/openfsd/pkg/protocol"
)

// ConnID identifies a connection by its transport endpoint address. It is
// stable for the lifetime of the socket.
type ConnID string

// ClientState is the session lifecycle state.
type ClientState int

const (
	// StateConnected means the socket is open but the client has not identified.
	StateConnected ClientState = iota
	// StateIdentified means the client passed the software whitelist check.
	StateIdentified
	// StateActive means the client completed a login exchange.
	StateActive
	// StateDisconnected is terminal.
	StateDisconnected
)

// ClientType distinguishes pilots, controllers and observers.
type ClientType int

const (
	ClientUnknown ClientType = iota
	ClientPilot
	ClientAtc
	ClientObserver
)

// replyQueueSize bounds the per-session reply queue. Replies beyond this are
// dropped rather than blocking the dispatcher on a slow socket.
const replyQueueSize = 64

// Session holds per-connection protocol state, distinct from the socket
// itself. Fields are guarded by mu; use Mutate/View for access from handlers.
type Session struct {
	ID ConnID

	mu           sync.RWMutex
	Callsign     string
	State        ClientState
	Type         ClientType
	RealName     string
	NetworkID    string
	Rating       int
	ClientString string
	Latitude     float64
	Longitude    float64
	Altitude     int

	// out carries handler replies to this connection's writer. Distinct from
	// the broadcast bus so replies are never subject to self-exclusion.
	out chan *protocol.Packet
}

// Mutate applies fn under the session's own lock. Entries never block each
// other.
func (s *Session) Mutate(fn func(*Session)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s)
}

// View applies fn under the session's read lock.
func (s *Session) View(fn func(*Session)) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	fn(s)
}

// Registry maps connection identity to Session, with a secondary index from
// callsign to connection identity. The secondary index is eventually
// consistent with the primary map: consumers must treat a resolved callsign
// whose primary entry is gone as "unknown client", not as an error.
type Registry struct {
	mu        sync.RWMutex
	sessions  map[ConnID]*Session
	callsigns map[string]ConnID
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		sessions:  make(map[ConnID]*Session),
		callsigns: make(map[string]ConnID),
	}
}

// Register creates a Session in Connected state. Registering an identity twice
// replaces the previous entry.
func (r *Registry) Register(id ConnID) *Session {
	sess := &Session{
		ID:    id,
		State: StateConnected,
		out:   make(chan *protocol.Packet, replyQueueSize),
	}

	r.mu.Lock()
	r.sessions[id] = sess
	r.mu.Unlock()

	return sess
}

// Get returns the session for a connection identity.
func (r *Registry) Get(id ConnID) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sess, ok := r.sessions[id]
	return sess, ok
}

// Mutate applies fn to the session under its entry lock. Mutating a removed
// session is a no-op, not an error: handlers tolerate "client vanished
// mid-request".
func (r *Registry) Mutate(id ConnID, fn func(*Session)) bool {
	sess, ok := r.Get(id)
	if !ok {
		return false
	}
	sess.Mutate(fn)
	return true
}

// View applies fn to the session under its entry read lock.
func (r *Registry) View(id ConnID, fn func(*Session)) bool {
	sess, ok := r.Get(id)
	if !ok {
		return false
	}
	sess.View(fn)
	return true
}

// IndexCallsign records the callsign → connection mapping. The callsign must
// already be set on the session.
func (r *Registry) IndexCallsign(callsign string, id ConnID) {
	r.mu.Lock()
	r.callsigns[callsign] = id
	r.mu.Unlock()
}

// ResolveCallsign looks up the connection identity for a callsign.
func (r *Registry) ResolveCallsign(callsign string) (ConnID, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id, ok := r.callsigns[callsign]
	return id, ok
}

// DropCallsign removes a callsign index entry. Missing entries are a no-op.
func (r *Registry) DropCallsign(callsign string) {
	r.mu.Lock()
	delete(r.callsigns, callsign)
	r.mu.Unlock()
}

// Remove deletes the session and any callsign index entry pointing at it.
// Removing a nonexistent entry is a no-op.
func (r *Registry) Remove(id ConnID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sessions[id]; !ok {
		return
	}
	delete(r.sessions, id)

	for callsign, owner := range r.callsigns {
		if owner == id {
			delete(r.callsigns, callsign)
		}
	}
}

// Count returns the number of live sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.sessions)
}

// All returns a snapshot of all live sessions.
func (r *Registry) All() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sessions := make([]*Session, 0, len(r.sessions))
	for _, sess := range r.sessions {
		sessions = append(sessions, sess)
	}
	return sessions
}
