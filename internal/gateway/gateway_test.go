package gateway

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"github.com/talkhouse/server/internal/database"
	"github.com/talkhouse/server/internal/stats"
	"github.com/talkhouse/server/internal/testutil"
	"github.com/talkhouse/server/internal/types"
)

func newTestGateway(t *testing.T, db database.Repository, su *stats.MockStatsUpdater) *Gateway {
	t.Helper()

	su.On("RegisterMetric", mock.Anything).Times(3)
	return NewGateway(testutil.TestLogger(t), db, NewRegistry(), su, 50)
}

// register adds the session to the gateway's registry without going
// through Connect, so tests control exactly which frames are queued.
func register(t *testing.T, gw *Gateway, s *Session) {
	t.Helper()

	_, err := gw.registry.Register(s)
	assert.NoError(t, err)
}

func nextFrame(t *testing.T, s *Session) *ServerFrame {
	t.Helper()

	select {
	case frame := <-s.send:
		return frame
	case <-time.After(100 * time.Millisecond):
		t.Fatal("expected a frame, got none")
		return nil
	}
}

func assertNoFrame(t *testing.T, s *Session) {
	t.Helper()

	select {
	case frame := <-s.send:
		t.Fatalf("expected no frame, got %q", frame.Type)
	default:
	}
}

func TestConnect(t *testing.T) {
	su := &stats.MockStatsUpdater{}
	su.On("Incr", "ActiveConnections").Once()
	defer su.AssertExpectations(t)

	gw := newTestGateway(t, &database.MockRepository{}, su)

	s := newTestSession(t, types.User{Id: 1, Username: "alice"})
	err := gw.Connect(s)
	assert.NoError(t, err, "expected no error connecting session")

	frame := nextFrame(t, s)
	assert.Equal(t, FrameConnected, frame.Type)

	data, ok := frame.Data.(ConnectedData)
	assert.True(t, ok, "expected connected data payload")
	assert.Equal(t, s.id, data.SessionId)
	assert.Equal(t, 1, data.UserId)
}

func TestDispatch_badFrames(t *testing.T) {
	gw := newTestGateway(t, &database.MockRepository{}, &stats.MockStatsUpdater{})

	s := newTestSession(t, types.User{Id: 1, Username: "alice"})
	register(t, gw, s)

	t.Run("unknown type", func(t *testing.T) {
		gw.dispatch(s, []byte(`{"type":"bogus","payload":{}}`))

		frame := nextFrame(t, s)
		assert.Equal(t, FrameError, frame.Type)
		assert.Equal(t, "unknown message type", frame.Message)
	})

	t.Run("invalid json", func(t *testing.T) {
		gw.dispatch(s, []byte(`{not json`))

		frame := nextFrame(t, s)
		assert.Equal(t, FrameError, frame.Type)
		assert.Equal(t, "invalid frame", frame.Message)
	})

	t.Run("invalid payload", func(t *testing.T) {
		gw.dispatch(s, []byte(`{"type":"join","payload":"nope"}`))

		frame := nextFrame(t, s)
		assert.Equal(t, FrameError, frame.Type)
		assert.Equal(t, "invalid join payload", frame.Message)
	})
}

func TestHandleJoin(t *testing.T) {
	t.Run("missing fields", func(t *testing.T) {
		gw := newTestGateway(t, &database.MockRepository{}, &stats.MockStatsUpdater{})

		s := newTestSession(t, types.User{Id: 1, Username: "alice"})
		register(t, gw, s)

		gw.handleJoin(s, &JoinPayload{Username: "alice"})

		frame := nextFrame(t, s)
		assert.Equal(t, FrameError, frame.Type)
		assert.Equal(t, "username and room_id are required", frame.Message)

		conn, _ := gw.registry.Lookup(s.id)
		assert.Empty(t, conn.RoomId, "expected session to remain unjoined")
	})

	t.Run("successful join", func(t *testing.T) {
		db := &database.MockRepository{}
		db.On("GetRecentMessages", "general", 50).Return([]database.Message{
			{Id: 1, RoomId: "general", AccountId: 2, Username: "bob", Text: "hello"},
		}, nil)
		defer db.AssertExpectations(t)

		gw := newTestGateway(t, db, &stats.MockStatsUpdater{})

		bob := newTestSession(t, types.User{Id: 2, Username: "bob"})
		register(t, gw, bob)
		gw.registry.SetRoom(bob.id, "bob", "general")

		alice := newTestSession(t, types.User{Id: 1, Username: "alice"})
		register(t, gw, alice)

		gw.handleJoin(alice, &JoinPayload{Username: "alice", RoomId: "general"})

		joined := nextFrame(t, alice)
		assert.Equal(t, FrameJoined, joined.Type)
		data, ok := joined.Data.(JoinedData)
		assert.True(t, ok)
		assert.Equal(t, "general", data.RoomId)

		history := nextFrame(t, alice)
		assert.Equal(t, FrameHistory, history.Type)
		messages, ok := history.Data.([]types.Message)
		assert.True(t, ok)
		assert.Len(t, messages, 1)
		assert.Equal(t, "hello", messages[0].Text)

		roster := nextFrame(t, alice)
		assert.Equal(t, FrameRoomUsers, roster.Type)
		users, ok := roster.Data.([]types.RoomUser)
		assert.True(t, ok)
		assert.Len(t, users, 2, "expected both sessions in the roster")

		presence := nextFrame(t, bob)
		assert.Equal(t, FrameUserJoined, presence.Type)
		pdata, ok := presence.Data.(PresenceData)
		assert.True(t, ok)
		assert.Equal(t, "alice", pdata.Username)
		assertNoFrame(t, bob)
	})

	t.Run("room switch notifies the old room first", func(t *testing.T) {
		db := &database.MockRepository{}
		db.On("GetRecentMessages", mock.Anything, 50).Return(nil, nil)

		gw := newTestGateway(t, db, &stats.MockStatsUpdater{})

		bob := newTestSession(t, types.User{Id: 2, Username: "bob"})
		register(t, gw, bob)
		gw.registry.SetRoom(bob.id, "bob", "general")

		alice := newTestSession(t, types.User{Id: 1, Username: "alice"})
		register(t, gw, alice)
		gw.registry.SetRoom(alice.id, "alice", "general")

		gw.handleJoin(alice, &JoinPayload{Username: "alice", RoomId: "random"})

		left := nextFrame(t, bob)
		assert.Equal(t, FrameUserLeft, left.Type)
		pdata, ok := left.Data.(PresenceData)
		assert.True(t, ok)
		assert.Equal(t, "alice", pdata.Username)
		assertNoFrame(t, bob)

		conn, _ := gw.registry.Lookup(alice.id)
		assert.Equal(t, "random", conn.RoomId)
	})
}

func TestHandleMessage(t *testing.T) {
	t.Run("not joined", func(t *testing.T) {
		gw := newTestGateway(t, &database.MockRepository{}, &stats.MockStatsUpdater{})

		s := newTestSession(t, types.User{Id: 1, Username: "alice"})
		register(t, gw, s)

		gw.handleMessage(s, &MessagePayload{Text: "hi"})

		frame := nextFrame(t, s)
		assert.Equal(t, FrameError, frame.Type)
		assert.Equal(t, "you must join a room first", frame.Message)
	})

	t.Run("empty message dropped", func(t *testing.T) {
		db := &database.MockRepository{}
		defer db.AssertExpectations(t)

		gw := newTestGateway(t, db, &stats.MockStatsUpdater{})

		s := newTestSession(t, types.User{Id: 1, Username: "alice"})
		register(t, gw, s)
		gw.registry.SetRoom(s.id, "alice", "general")

		gw.handleMessage(s, &MessagePayload{Text: "   "})
		assertNoFrame(t, s)
	})

	t.Run("broadcast includes sender", func(t *testing.T) {
		db := &database.MockRepository{}
		db.On("GetAccountById", 1).Return(database.User{Id: 1, Username: "alice", Avatar: "alice.png"}, nil)

		var created database.Message
		db.On("CreateMessage", mock.AnythingOfType("database.Message")).Run(func(args mock.Arguments) {
			created = args.Get(0).(database.Message)
		}).Return(database.Message{
			Id:          7,
			RoomId:      "general",
			AccountId:   1,
			Text:        "hi all",
			MessageType: "text",
			Source:      "web",
			CreatedAt:   Now(),
		}, nil)
		defer db.AssertExpectations(t)

		su := &stats.MockStatsUpdater{}
		su.On("Incr", "MessagesRelayed").Once()
		defer su.AssertExpectations(t)

		gw := newTestGateway(t, db, su)

		alice := newTestSession(t, types.User{Id: 1, Username: "alice"})
		bob := newTestSession(t, types.User{Id: 2, Username: "bob"})
		carol := newTestSession(t, types.User{Id: 3, Username: "carol"})
		for _, s := range []*Session{alice, bob, carol} {
			register(t, gw, s)
		}
		gw.registry.SetRoom(alice.id, "alice", "general")
		gw.registry.SetRoom(bob.id, "bob", "general")
		gw.registry.SetRoom(carol.id, "carol", "random")

		gw.handleMessage(alice, &MessagePayload{Text: "hi all", Source: "mystery"})

		for _, s := range []*Session{alice, bob} {
			frame := nextFrame(t, s)
			assert.Equal(t, FrameNewMessage, frame.Type)
			msg, ok := frame.Data.(types.Message)
			assert.True(t, ok)
			assert.Equal(t, "hi all", msg.Text)
			assert.Equal(t, "alice", msg.Username)
			assert.Equal(t, "alice.png", msg.UserAvatar)
		}

		assertNoFrame(t, carol)

		assert.Equal(t, "web", created.Source, "expected unrecognized source to fall back to web")
	})

	t.Run("left room while persisting", func(t *testing.T) {
		alice := newTestSession(t, types.User{Id: 1, Username: "alice"})

		db := &database.MockRepository{}
		db.On("GetAccountById", 1).Return(database.User{Id: 1, Username: "alice"}, nil)

		var gw *Gateway
		db.On("CreateMessage", mock.AnythingOfType("database.Message")).Run(func(args mock.Arguments) {
			gw.registry.ClearRoom(alice.id)
		}).Return(database.Message{Id: 8, RoomId: "general", AccountId: 1, Text: "hi"}, nil)
		defer db.AssertExpectations(t)

		gw = newTestGateway(t, db, &stats.MockStatsUpdater{})
		register(t, gw, alice)
		gw.registry.SetRoom(alice.id, "alice", "general")

		gw.handleMessage(alice, &MessagePayload{Text: "hi"})
		assertNoFrame(t, alice)
	})
}

func TestHandleTyping(t *testing.T) {
	gw := newTestGateway(t, &database.MockRepository{}, &stats.MockStatsUpdater{})

	alice := newTestSession(t, types.User{Id: 1, Username: "alice"})
	bob := newTestSession(t, types.User{Id: 2, Username: "bob"})
	for _, s := range []*Session{alice, bob} {
		register(t, gw, s)
	}
	gw.registry.SetRoom(alice.id, "alice", "general")
	gw.registry.SetRoom(bob.id, "bob", "general")

	gw.handleTyping(alice, &TypingPayload{IsTyping: true})

	frame := nextFrame(t, bob)
	assert.Equal(t, FrameUserTyping, frame.Type)
	data, ok := frame.Data.(TypingData)
	assert.True(t, ok)
	assert.Equal(t, "alice", data.Username)
	assert.True(t, data.IsTyping)

	assertNoFrame(t, alice)
}

func TestHandleTyping_notJoined(t *testing.T) {
	gw := newTestGateway(t, &database.MockRepository{}, &stats.MockStatsUpdater{})

	s := newTestSession(t, types.User{Id: 1, Username: "alice"})
	register(t, gw, s)

	gw.handleTyping(s, &TypingPayload{IsTyping: true})
	assertNoFrame(t, s)
}

func TestHandleLeave(t *testing.T) {
	gw := newTestGateway(t, &database.MockRepository{}, &stats.MockStatsUpdater{})

	alice := newTestSession(t, types.User{Id: 1, Username: "alice"})
	bob := newTestSession(t, types.User{Id: 2, Username: "bob"})
	for _, s := range []*Session{alice, bob} {
		register(t, gw, s)
	}
	gw.registry.SetRoom(alice.id, "alice", "general")
	gw.registry.SetRoom(bob.id, "bob", "general")

	gw.handleLeave(alice)

	frame := nextFrame(t, bob)
	assert.Equal(t, FrameUserLeft, frame.Type)
	assertNoFrame(t, alice)

	conn, _ := gw.registry.Lookup(alice.id)
	assert.Empty(t, conn.RoomId, "expected session to be unjoined")
}

func TestDisconnect(t *testing.T) {
	su := &stats.MockStatsUpdater{}
	su.On("Incr", "ActiveConnections").Times(2)
	su.On("Decr", "ActiveConnections").Once()
	defer su.AssertExpectations(t)

	gw := newTestGateway(t, &database.MockRepository{}, su)

	alice := newTestSession(t, types.User{Id: 1, Username: "alice"})
	bob := newTestSession(t, types.User{Id: 2, Username: "bob"})
	for _, s := range []*Session{alice, bob} {
		assert.NoError(t, gw.Connect(s))
		nextFrame(t, s) // connected ack
	}
	gw.registry.SetRoom(alice.id, "alice", "general")
	gw.registry.SetRoom(bob.id, "bob", "general")

	gw.Disconnect(alice)

	frame := nextFrame(t, bob)
	assert.Equal(t, FrameUserLeft, frame.Type)
	assertNoFrame(t, bob)

	_, ok := gw.registry.Lookup(alice.id)
	assert.False(t, ok, "expected session to be unregistered")

	// a second disconnect for the same session is a no-op
	gw.Disconnect(alice)
	assertNoFrame(t, bob)
}

func TestCallSignaling(t *testing.T) {
	offer := json.RawMessage(`{"sdp":"v=0"}`)

	t.Run("offer relayed to recipient", func(t *testing.T) {
		su := &stats.MockStatsUpdater{}
		su.On("Incr", "SignalsRelayed").Once()
		defer su.AssertExpectations(t)

		gw := newTestGateway(t, &database.MockRepository{}, su)

		caller := newTestSession(t, types.User{Id: 1, Username: "alice"})
		recipient := newTestSession(t, types.User{Id: 2, Username: "bob"})
		register(t, gw, caller)
		register(t, gw, recipient)

		gw.handleCallOffer(caller, &CallOfferPayload{
			CallId:      "call-1",
			RecipientId: 2,
			Offer:       offer,
		})

		frame := nextFrame(t, recipient)
		assert.Equal(t, FrameCallOffer, frame.Type)
		data, ok := frame.Data.(CallOfferData)
		assert.True(t, ok)
		assert.Equal(t, "call-1", data.CallId)
		assert.Equal(t, 1, data.CallerId, "expected caller id taken from the sender's identity")
		assert.Equal(t, types.CallTypeVoice, data.CallType, "expected call type to default to voice")
	})

	t.Run("offer to offline recipient dropped", func(t *testing.T) {
		gw := newTestGateway(t, &database.MockRepository{}, &stats.MockStatsUpdater{})

		caller := newTestSession(t, types.User{Id: 1, Username: "alice"})
		register(t, gw, caller)

		gw.handleCallOffer(caller, &CallOfferPayload{
			CallId:      "call-1",
			RecipientId: 99,
			Offer:       offer,
		})

		assertNoFrame(t, caller)
	})

	t.Run("offer missing fields dropped", func(t *testing.T) {
		gw := newTestGateway(t, &database.MockRepository{}, &stats.MockStatsUpdater{})

		caller := newTestSession(t, types.User{Id: 1, Username: "alice"})
		recipient := newTestSession(t, types.User{Id: 2, Username: "bob"})
		register(t, gw, caller)
		register(t, gw, recipient)

		gw.handleCallOffer(caller, &CallOfferPayload{RecipientId: 2, Offer: offer})
		assertNoFrame(t, recipient)
		assertNoFrame(t, caller)
	})

	t.Run("answer relayed to caller", func(t *testing.T) {
		su := &stats.MockStatsUpdater{}
		su.On("Incr", "SignalsRelayed").Once()
		defer su.AssertExpectations(t)

		gw := newTestGateway(t, &database.MockRepository{}, su)

		caller := newTestSession(t, types.User{Id: 1, Username: "alice"})
		recipient := newTestSession(t, types.User{Id: 2, Username: "bob"})
		register(t, gw, caller)
		register(t, gw, recipient)

		gw.handleCallAnswer(recipient, &CallAnswerPayload{
			CallId:   "call-1",
			CallerId: 1,
			Answer:   json.RawMessage(`{"sdp":"v=0"}`),
		})

		frame := nextFrame(t, caller)
		assert.Equal(t, FrameCallAnswer, frame.Type)
		data, ok := frame.Data.(CallAnswerData)
		assert.True(t, ok)
		assert.Equal(t, 2, data.AnswererId)
	})

	t.Run("ice candidate relayed", func(t *testing.T) {
		su := &stats.MockStatsUpdater{}
		su.On("Incr", "SignalsRelayed").Once()
		defer su.AssertExpectations(t)

		gw := newTestGateway(t, &database.MockRepository{}, su)

		caller := newTestSession(t, types.User{Id: 1, Username: "alice"})
		recipient := newTestSession(t, types.User{Id: 2, Username: "bob"})
		register(t, gw, caller)
		register(t, gw, recipient)

		gw.handleCallIce(caller, &CallIcePayload{
			CallId:       "call-1",
			TargetUserId: 2,
			Candidate:    json.RawMessage(`{"candidate":"..."}`),
		})

		frame := nextFrame(t, recipient)
		assert.Equal(t, FrameCallIce, frame.Type)
		data, ok := frame.Data.(CallIceData)
		assert.True(t, ok)
		assert.Equal(t, 1, data.SenderId)
	})

	t.Run("hangup relayed", func(t *testing.T) {
		su := &stats.MockStatsUpdater{}
		su.On("Incr", "SignalsRelayed").Once()
		defer su.AssertExpectations(t)

		gw := newTestGateway(t, &database.MockRepository{}, su)

		caller := newTestSession(t, types.User{Id: 1, Username: "alice"})
		recipient := newTestSession(t, types.User{Id: 2, Username: "bob"})
		register(t, gw, caller)
		register(t, gw, recipient)

		gw.handleCallEnd(recipient, &CallEndPayload{CallId: "call-1", TargetUserId: 1})

		frame := nextFrame(t, caller)
		assert.Equal(t, FrameCallEnd, frame.Type)
		data, ok := frame.Data.(CallEndData)
		assert.True(t, ok)
		assert.Equal(t, 2, data.EndedBy)
	})
}
