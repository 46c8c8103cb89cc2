package database

import (
	"database/sql"
	"time"
)

type User struct {
	Id           int
	Username     string
	EmailAddress string
	Avatar       string
	PasswordHash string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

type Message struct {
	Id          int
	RoomId      string
	AccountId   int
	Username    string
	Avatar      string
	Text        string
	FileUrl     string
	FileType    string
	MessageType string
	Source      string
	CreatedAt   time.Time
}

type Call struct {
	Id              string
	CallerId        int
	RecipientId     int
	CallType        string
	Status          string
	StartedAt       time.Time
	AcceptedAt      sql.NullTime
	EndedAt         sql.NullTime
	Duration        int
	RejectionReason sql.NullString
	CreatedAt       time.Time
}

type CreateAccountParams struct {
	Username     string
	EmailAddress string
	PasswordHash string
}

// UpdateCallStatusParams describes a conditional status transition. The
// update applies only while the call's current status equals FromStatus,
// so two concurrent transitions cannot both succeed.
type UpdateCallStatusParams struct {
	Id              string
	FromStatus      string
	Status          string
	AcceptedAt      *time.Time
	EndedAt         *time.Time
	Duration        *int
	RejectionReason *string
}
