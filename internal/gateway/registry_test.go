package gateway

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/talkhouse/server/internal/testutil"
	"github.com/talkhouse/server/internal/types"
)

func newTestSession(t *testing.T, user types.User) *Session {
	t.Helper()

	return &Session{
		log:  testutil.TestLogger(t),
		user: user,
		send: make(chan *ServerFrame, 16),
		stop: make(chan struct{}),
	}
}

func TestRegistryRegister(t *testing.T) {
	r := NewRegistry()

	s := newTestSession(t, types.User{Id: 1, Username: "alice"})
	sid, err := r.Register(s)
	assert.NoError(t, err, "expected no error registering session")
	assert.NotEmpty(t, sid, "expected a session id")
	assert.Equal(t, sid, s.id, "expected session id to be stored on the session")

	conn, ok := r.Lookup(sid)
	assert.True(t, ok, "expected session to be found")
	assert.Equal(t, 1, conn.UserId, "expected user id to be recorded")
	assert.Empty(t, conn.RoomId, "expected no room after register")
}

func TestRegistryRegister_secondConnectionWins(t *testing.T) {
	r := NewRegistry()

	first := newTestSession(t, types.User{Id: 1, Username: "alice"})
	_, err := r.Register(first)
	assert.NoError(t, err)

	second := newTestSession(t, types.User{Id: 1, Username: "alice"})
	_, err = r.Register(second)
	assert.NoError(t, err)

	// signaling for the user must reach the newest connection
	delivered := r.SendToUser(1, newErrorFrame("test"))
	assert.True(t, delivered, "expected delivery to succeed")
	assert.Len(t, second.send, 1, "expected frame on the new session")
	assert.Len(t, first.send, 0, "expected no frame on the old session")

	// removing the old session must not break the user index
	r.Unregister(first.id)
	delivered = r.SendToUser(1, newErrorFrame("test"))
	assert.True(t, delivered, "expected delivery after unregistering the old session")
}

func TestRegistryUnregister(t *testing.T) {
	r := NewRegistry()

	s := newTestSession(t, types.User{Id: 1, Username: "alice"})
	sid, err := r.Register(s)
	assert.NoError(t, err)

	r.Unregister(sid)
	_, ok := r.Lookup(sid)
	assert.False(t, ok, "expected session to be removed")
	assert.False(t, r.SendToUser(1, newErrorFrame("test")), "expected user index to be cleared")

	// unknown ids are a no-op
	r.Unregister("missing")
}

func TestRegistrySetRoom(t *testing.T) {
	r := NewRegistry()

	s := newTestSession(t, types.User{Id: 1, Username: "alice"})
	sid, err := r.Register(s)
	assert.NoError(t, err)

	prev, ok := r.SetRoom(sid, "alice", "general")
	assert.True(t, ok, "expected SetRoom to succeed")
	assert.Empty(t, prev, "expected no previous room")

	prev, ok = r.SetRoom(sid, "alice", "random")
	assert.True(t, ok)
	assert.Equal(t, "general", prev, "expected previous room to be returned")

	conn, ok := r.Lookup(sid)
	assert.True(t, ok)
	assert.Equal(t, "random", conn.RoomId)

	_, ok = r.SetRoom("missing", "bob", "general")
	assert.False(t, ok, "expected SetRoom to fail for unknown session")
}

func TestRegistryClearRoom(t *testing.T) {
	r := NewRegistry()

	s := newTestSession(t, types.User{Id: 1, Username: "alice"})
	sid, err := r.Register(s)
	assert.NoError(t, err)

	_, ok := r.SetRoom(sid, "alice", "general")
	assert.True(t, ok)

	prev := r.ClearRoom(sid)
	assert.Equal(t, "general", prev, "expected former room to be returned")

	conn, _ := r.Lookup(sid)
	assert.Empty(t, conn.RoomId, "expected room to be cleared")

	assert.Empty(t, r.ClearRoom("missing"), "expected empty room for unknown session")
}

func TestRegistryRoster(t *testing.T) {
	r := NewRegistry()

	alice := newTestSession(t, types.User{Id: 1, Username: "alice"})
	bob := newTestSession(t, types.User{Id: 2, Username: "bob"})
	carol := newTestSession(t, types.User{Id: 3, Username: "carol"})

	for _, s := range []*Session{alice, bob, carol} {
		_, err := r.Register(s)
		assert.NoError(t, err)
	}

	r.SetRoom(alice.id, "alice", "general")
	r.SetRoom(bob.id, "bob", "general")
	r.SetRoom(carol.id, "carol", "random")

	roster := r.Roster("general")
	assert.Len(t, roster, 2, "expected two sessions in general")

	names := []string{roster[0].Username, roster[1].Username}
	assert.ElementsMatch(t, []string{"alice", "bob"}, names)

	assert.Len(t, r.Roster("empty"), 0, "expected empty roster for unknown room")
	assert.Equal(t, 2, r.RoomCount(), "expected two occupied rooms")
}

func TestRegistryBroadcast(t *testing.T) {
	r := NewRegistry()

	alice := newTestSession(t, types.User{Id: 1, Username: "alice"})
	bob := newTestSession(t, types.User{Id: 2, Username: "bob"})
	carol := newTestSession(t, types.User{Id: 3, Username: "carol"})

	for _, s := range []*Session{alice, bob, carol} {
		_, err := r.Register(s)
		assert.NoError(t, err)
	}

	r.SetRoom(alice.id, "alice", "general")
	r.SetRoom(bob.id, "bob", "general")
	r.SetRoom(carol.id, "carol", "random")

	sent := r.Broadcast("general", newErrorFrame("test"), alice.id)
	assert.Equal(t, 1, sent, "expected one delivery with sender excluded")
	assert.Len(t, alice.send, 0, "expected excluded session to receive nothing")
	assert.Len(t, bob.send, 1, "expected bob to receive the frame")
	assert.Len(t, carol.send, 0, "expected other room to receive nothing")

	sent = r.Broadcast("general", newErrorFrame("test"), "")
	assert.Equal(t, 2, sent, "expected both general sessions with no exclusion")
}

func TestRegistryBroadcast_fullQueue(t *testing.T) {
	r := NewRegistry()

	alice := newTestSession(t, types.User{Id: 1, Username: "alice"})
	bob := &Session{
		log:  testutil.TestLogger(t),
		user: types.User{Id: 2, Username: "bob"},
		send: make(chan *ServerFrame, 1),
		stop: make(chan struct{}),
	}

	for _, s := range []*Session{alice, bob} {
		_, err := r.Register(s)
		assert.NoError(t, err)
	}

	r.SetRoom(alice.id, "alice", "general")
	r.SetRoom(bob.id, "bob", "general")

	bob.send <- newErrorFrame("filler")

	sent := r.Broadcast("general", newErrorFrame("test"), "")
	assert.Equal(t, 1, sent, "expected a full queue to be skipped, not to block")
	assert.Len(t, alice.send, 1, "expected delivery to the healthy session")
}

func TestRegistrySendToUser_absent(t *testing.T) {
	r := NewRegistry()

	delivered := r.SendToUser(42, newErrorFrame("test"))
	assert.False(t, delivered, "expected miss for an offline user")
}
