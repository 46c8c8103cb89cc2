package types

import (
	"time"
)

type User struct {
	Id           int       `json:"id"`
	Username     string    `json:"username"`
	EmailAddress string    `json:"email_address,omitempty"`
	Avatar       string    `json:"avatar,omitempty"`
	Password     string    `json:"-"`
	CreatedAt    time.Time `json:"created_at,omitempty"`
	UpdatedAt    time.Time `json:"updated_at,omitempty"`
}

type Message struct {
	Id          int       `json:"id"`
	RoomId      string    `json:"room_id"`
	UserId      int       `json:"user_id"`
	Username    string    `json:"username"`
	UserAvatar  string    `json:"user_avatar,omitempty"`
	Text        string    `json:"text,omitempty"`
	FileUrl     string    `json:"file_url,omitempty"`
	FileType    string    `json:"file_type,omitempty"`
	MessageType string    `json:"message_type"`
	Source      string    `json:"source"`
	CreatedAt   time.Time `json:"created_at"`
}

const (
	CallStatusRinging  = "ringing"
	CallStatusAccepted = "accepted"
	CallStatusRejected = "rejected"
	CallStatusEnded    = "ended"

	CallTypeVoice = "voice"
	CallTypeVideo = "video"
)

type Call struct {
	Id              string     `json:"call_id"`
	CallerId        int        `json:"caller_id"`
	RecipientId     int        `json:"recipient_id"`
	CallType        string     `json:"call_type"`
	Status          string     `json:"status"`
	StartedAt       time.Time  `json:"started_at"`
	AcceptedAt      *time.Time `json:"accepted_at,omitempty"`
	EndedAt         *time.Time `json:"ended_at,omitempty"`
	Duration        int        `json:"duration"`
	RejectionReason string     `json:"rejection_reason,omitempty"`
}

// IsTerminal reports whether no further status transition is allowed.
func (c Call) IsTerminal() bool {
	return c.Status == CallStatusEnded || c.Status == CallStatusRejected
}

// IsParticipant reports whether the user is the caller or the recipient.
func (c Call) IsParticipant(userId int) bool {
	return c.CallerId == userId || c.RecipientId == userId
}

// RoomUser is a roster entry for a session currently joined to a room.
type RoomUser struct {
	SessionId string `json:"session_id"`
	Username  string `json:"username"`
}
