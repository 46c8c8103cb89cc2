package gateway

import (
	"sync"

	"github.com/talkhouse/server/internal/types"
	"github.com/teris-io/shortid"
)

// Connection is a snapshot of a registry entry. The registry owns the live
// state; callers only ever see copies.
type Connection struct {
	SessionId string
	UserId    int
	Username  string
	RoomId    string
}

type entry struct {
	session  *Session
	userId   int
	username string
	roomId   string
}

// Registry is the process-wide table of live sessions. It is keyed by
// session id and additionally indexed by account id so call signaling can
// address a user directly. All methods are safe for concurrent use; the
// lock is never held while pushing frames to a session.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry
	byUser  map[int]string
}

func NewRegistry() *Registry {
	return &Registry{
		entries: make(map[string]*entry),
		byUser:  make(map[int]string),
	}
}

// Register allocates a session id for s and stores it with no room. If the
// user already has a registered session, the new one becomes the signaling
// target for that user.
func (r *Registry) Register(s *Session) (string, error) {
	sid, err := shortid.Generate()
	if err != nil {
		return "", err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.entries[sid] = &entry{
		session: s,
		userId:  s.user.Id,
	}
	r.byUser[s.user.Id] = sid
	s.id = sid

	return sid, nil
}

// Unregister removes the session. Unknown ids are a no-op.
func (r *Registry) Unregister(sessionId string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[sessionId]
	if !ok {
		return
	}

	delete(r.entries, sessionId)
	if r.byUser[e.userId] == sessionId {
		delete(r.byUser, e.userId)
	}
}

// Lookup returns a snapshot of the entry for sessionId.
func (r *Registry) Lookup(sessionId string) (Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[sessionId]
	if !ok {
		return Connection{}, false
	}

	return Connection{
		SessionId: sessionId,
		UserId:    e.userId,
		Username:  e.username,
		RoomId:    e.roomId,
	}, true
}

// SetRoom moves the session into roomId under the given display name and
// returns the previous room, if any. Unknown ids are a no-op.
func (r *Registry) SetRoom(sessionId, username, roomId string) (prevRoom string, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, found := r.entries[sessionId]
	if !found {
		return "", false
	}

	prevRoom = e.roomId
	e.username = username
	e.roomId = roomId

	return prevRoom, true
}

// ClearRoom detaches the session from its room and returns the room it was
// in. Unknown or unjoined ids return "".
func (r *Registry) ClearRoom(sessionId string) string {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[sessionId]
	if !ok {
		return ""
	}

	prev := e.roomId
	e.roomId = ""

	return prev
}

// Roster lists the sessions currently joined to roomId.
func (r *Registry) Roster(roomId string) []types.RoomUser {
	r.mu.RLock()
	defer r.mu.RUnlock()

	users := make([]types.RoomUser, 0)
	for sid, e := range r.entries {
		if e.roomId == roomId {
			users = append(users, types.RoomUser{
				SessionId: sid,
				Username:  e.username,
			})
		}
	}

	return users
}

// RoomCount returns the number of rooms with at least one session.
func (r *Registry) RoomCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rooms := make(map[string]struct{})
	for _, e := range r.entries {
		if e.roomId != "" {
			rooms[e.roomId] = struct{}{}
		}
	}

	return len(rooms)
}

// Broadcast pushes frame to every session whose current room is roomId,
// skipping excludeSessionId if non-empty, and returns the number of
// successful deliveries. A full send queue on one session does not stop
// delivery to the others.
func (r *Registry) Broadcast(roomId string, frame *ServerFrame, excludeSessionId string) int {
	r.mu.RLock()
	var targets []*Session
	for sid, e := range r.entries {
		if e.roomId == roomId && sid != excludeSessionId {
			targets = append(targets, e.session)
		}
	}
	r.mu.RUnlock()

	var sent int
	for _, s := range targets {
		if s.queueFrame(frame) {
			sent++
		}
	}

	return sent
}

// SendToUser delivers frame to the registered session of the given account
// id. An absent user is a silent miss, not an error.
func (r *Registry) SendToUser(userId int, frame *ServerFrame) bool {
	r.mu.RLock()
	var target *Session
	if sid, ok := r.byUser[userId]; ok {
		if e, ok := r.entries[sid]; ok {
			target = e.session
		}
	}
	r.mu.RUnlock()

	if target == nil {
		return false
	}

	return target.queueFrame(frame)
}

// Sessions returns every registered session. Used for shutdown.
func (r *Registry) Sessions() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sessions := make([]*Session, 0, len(r.entries))
	for _, e := range r.entries {
		sessions = append(sessions, e.session)
	}

	return sessions
}
