package gateway

import (
	"encoding/json"
	"time"

	"github.com/talkhouse/server/internal/types"
)

// Inbound frame kinds.
const (
	FrameJoin       = "join"
	FrameMessage    = "message"
	FrameTyping     = "typing"
	FrameLeave      = "leave"
	FrameCallOffer  = "call_offer"
	FrameCallAnswer = "call_answer"
	FrameCallIce    = "call_ice"
	FrameCallEnd    = "call_end"
)

// Outbound frame kinds.
const (
	FrameConnected   = "connected"
	FrameJoined      = "joined"
	FrameUserJoined  = "user_joined"
	FrameUserLeft    = "user_left"
	FrameHistory     = "messages_history"
	FrameRoomUsers   = "room_users"
	FrameNewMessage  = "new_message"
	FrameUserTyping  = "user_typing"
	FrameError       = "error"
)

// ClientFrame is the envelope for every inbound frame: a kind tag plus a
// kind-specific payload decoded separately.
type ClientFrame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type JoinPayload struct {
	Username string `json:"username"`
	RoomId   string `json:"room_id"`
}

type MessagePayload struct {
	Text        string `json:"text"`
	FileUrl     string `json:"file_url"`
	FileType    string `json:"file_type"`
	MessageType string `json:"message_type"`
	Source      string `json:"source"`
}

type TypingPayload struct {
	IsTyping bool `json:"is_typing"`
}

type CallOfferPayload struct {
	CallId      string          `json:"call_id"`
	RecipientId int             `json:"recipient_id"`
	Offer       json.RawMessage `json:"offer"`
	CallType    string          `json:"call_type"`
}

type CallAnswerPayload struct {
	CallId   string          `json:"call_id"`
	CallerId int             `json:"caller_id"`
	Answer   json.RawMessage `json:"answer"`
}

type CallIcePayload struct {
	CallId       string          `json:"call_id"`
	TargetUserId int             `json:"target_user_id"`
	Candidate    json.RawMessage `json:"candidate"`
}

type CallEndPayload struct {
	CallId       string `json:"call_id"`
	TargetUserId int    `json:"target_user_id"`
}

// ServerFrame is the envelope for every outbound frame.
type ServerFrame struct {
	Type      string    `json:"type"`
	Data      any       `json:"data,omitempty"`
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

type ConnectedData struct {
	SessionId string `json:"session_id"`
	UserId    int    `json:"user_id"`
}

type JoinedData struct {
	SessionId string `json:"session_id"`
	Username  string `json:"username"`
	RoomId    string `json:"room_id"`
}

type PresenceData struct {
	SessionId string `json:"session_id"`
	Username  string `json:"username"`
}

type TypingData struct {
	SessionId string `json:"session_id"`
	Username  string `json:"username"`
	IsTyping  bool   `json:"is_typing"`
}

type CallOfferData struct {
	CallId   string          `json:"call_id"`
	CallerId int             `json:"caller_id"`
	Offer    json.RawMessage `json:"offer"`
	CallType string          `json:"call_type"`
}

type CallAnswerData struct {
	CallId     string          `json:"call_id"`
	AnswererId int             `json:"answerer_id"`
	Answer     json.RawMessage `json:"answer"`
}

type CallIceData struct {
	CallId    string          `json:"call_id"`
	SenderId  int             `json:"sender_id"`
	Candidate json.RawMessage `json:"candidate"`
}

type CallEndData struct {
	CallId  string `json:"call_id"`
	EndedBy int    `json:"ended_by"`
}

func newFrame(kind string, data any) *ServerFrame {
	return &ServerFrame{
		Type:      kind,
		Data:      data,
		Timestamp: Now(),
	}
}

func newErrorFrame(msg string) *ServerFrame {
	return &ServerFrame{
		Type:      FrameError,
		Message:   msg,
		Timestamp: Now(),
	}
}

func newConnectedFrame(sessionId string, userId int) *ServerFrame {
	return newFrame(FrameConnected, ConnectedData{SessionId: sessionId, UserId: userId})
}

func newJoinedFrame(sessionId, username, roomId string) *ServerFrame {
	return newFrame(FrameJoined, JoinedData{SessionId: sessionId, Username: username, RoomId: roomId})
}

func newUserJoinedFrame(sessionId, username string) *ServerFrame {
	return newFrame(FrameUserJoined, PresenceData{SessionId: sessionId, Username: username})
}

func newUserLeftFrame(sessionId, username string) *ServerFrame {
	return newFrame(FrameUserLeft, PresenceData{SessionId: sessionId, Username: username})
}

func newHistoryFrame(messages []types.Message) *ServerFrame {
	return newFrame(FrameHistory, messages)
}

func newRoomUsersFrame(users []types.RoomUser) *ServerFrame {
	return newFrame(FrameRoomUsers, users)
}

func newMessageFrame(msg types.Message) *ServerFrame {
	return newFrame(FrameNewMessage, msg)
}

func newTypingFrame(sessionId, username string, isTyping bool) *ServerFrame {
	return newFrame(FrameUserTyping, TypingData{SessionId: sessionId, Username: username, IsTyping: isTyping})
}

func Now() time.Time {
	return time.Now().UTC().Round(time.Millisecond)
}
