package calls

import (
	"database/sql"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/talkhouse/server/internal/database"
	"github.com/talkhouse/server/internal/stats"
	"github.com/talkhouse/server/internal/types"
)

const metricCallsInitiated = "CallsInitiated"

var (
	ErrNotFound          = errors.New("call not found")
	ErrRecipientNotFound = errors.New("recipient not found")
	ErrSelfCall          = errors.New("cannot call yourself")
	ErrNotParticipant    = errors.New("not a participant in this call")
	ErrNotRecipient      = errors.New("only the recipient can perform this action")
	ErrStateConflict     = errors.New("call is not in a state that allows this action")
)

// Service owns the durable call lifecycle. Transitions are enforced with
// conditional updates in the repository, so a call that has already been
// accepted, rejected or ended cannot be moved again.
type Service struct {
	log   *log.Logger
	db    database.Repository
	stats stats.StatsProvider
}

func NewService(logger *log.Logger, db database.Repository, sp stats.StatsProvider) *Service {
	sp.RegisterMetric(metricCallsInitiated)

	return &Service{
		log:   logger,
		db:    db,
		stats: sp,
	}
}

// Initiate creates a new call record in the ringing state. The recipient
// must exist and differ from the caller.
func (s *Service) Initiate(callerId, recipientId int, callType string) (types.Call, error) {
	if recipientId == callerId {
		return types.Call{}, ErrSelfCall
	}

	if callType != types.CallTypeVideo {
		callType = types.CallTypeVoice
	}

	if _, err := s.db.GetAccountById(recipientId); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return types.Call{}, ErrRecipientNotFound
		}
		return types.Call{}, fmt.Errorf("lookup recipient: %w", err)
	}

	call := database.Call{
		Id:          uuid.NewString(),
		CallerId:    callerId,
		RecipientId: recipientId,
		CallType:    callType,
		Status:      types.CallStatusRinging,
		StartedAt:   time.Now().UTC(),
	}

	if err := s.db.CreateCall(call); err != nil {
		return types.Call{}, fmt.Errorf("create call: %w", err)
	}

	s.stats.Incr(metricCallsInitiated)
	s.log.Printf("call %q initiated by user %d to user %d (%s)", call.Id, callerId, recipientId, callType)

	return callFromDb(call), nil
}

// Accept moves a ringing call to accepted. Only the recipient may accept.
func (s *Service) Accept(callId string, actorId int) (types.Call, error) {
	call, err := s.load(callId)
	if err != nil {
		return types.Call{}, err
	}

	if call.RecipientId != actorId {
		if call.CallerId != actorId {
			return types.Call{}, ErrNotParticipant
		}
		return types.Call{}, ErrNotRecipient
	}

	now := time.Now().UTC()
	n, err := s.db.UpdateCallStatus(database.UpdateCallStatusParams{
		Id:         callId,
		FromStatus: types.CallStatusRinging,
		Status:     types.CallStatusAccepted,
		AcceptedAt: &now,
	})
	if err != nil {
		return types.Call{}, fmt.Errorf("accept call: %w", err)
	}
	if n == 0 {
		return types.Call{}, ErrStateConflict
	}

	return s.load(callId)
}

// Reject moves a non-terminal call to rejected with an optional reason.
// Either participant may reject, which also covers the caller cancelling
// before the recipient picks up.
func (s *Service) Reject(callId string, actorId int, reason string) (types.Call, error) {
	call, err := s.load(callId)
	if err != nil {
		return types.Call{}, err
	}

	if !call.IsParticipant(actorId) {
		return types.Call{}, ErrNotParticipant
	}

	if call.IsTerminal() {
		return types.Call{}, ErrStateConflict
	}

	now := time.Now().UTC()
	// FromStatus pins the observed state so a concurrent transition
	// cannot be overwritten
	params := database.UpdateCallStatusParams{
		Id:         callId,
		FromStatus: call.Status,
		Status:     types.CallStatusRejected,
		EndedAt:    &now,
	}
	if reason != "" {
		params.RejectionReason = &reason
	}

	n, err := s.db.UpdateCallStatus(params)
	if err != nil {
		return types.Call{}, fmt.Errorf("reject call: %w", err)
	}
	if n == 0 {
		return types.Call{}, ErrStateConflict
	}

	return s.load(callId)
}

// End terminates a non-terminal call. Either participant may end it. When
// the client does not report a duration it is computed from StartedAt in
// whole seconds.
func (s *Service) End(callId string, actorId int, duration int) (types.Call, error) {
	call, err := s.load(callId)
	if err != nil {
		return types.Call{}, err
	}

	if !call.IsParticipant(actorId) {
		return types.Call{}, ErrNotParticipant
	}

	if call.IsTerminal() {
		return types.Call{}, ErrStateConflict
	}

	now := time.Now().UTC()
	if duration <= 0 {
		duration = int(now.Sub(call.StartedAt).Seconds())
		if duration < 0 {
			duration = 0
		}
	}

	// FromStatus pins the observed state so a concurrent transition
	// cannot be overwritten
	n, err := s.db.UpdateCallStatus(database.UpdateCallStatusParams{
		Id:         callId,
		FromStatus: call.Status,
		Status:     types.CallStatusEnded,
		EndedAt:    &now,
		Duration:   &duration,
	})
	if err != nil {
		return types.Call{}, fmt.Errorf("end call: %w", err)
	}
	if n == 0 {
		return types.Call{}, ErrStateConflict
	}

	return s.load(callId)
}

// Get returns a single call, visible only to its participants.
func (s *Service) Get(callId string, actorId int) (types.Call, error) {
	call, err := s.load(callId)
	if err != nil {
		return types.Call{}, err
	}

	if !call.IsParticipant(actorId) {
		return types.Call{}, ErrNotParticipant
	}

	return call, nil
}

// History lists the actor's calls, newest first.
func (s *Service) History(actorId, limit, offset int) ([]types.Call, error) {
	if limit <= 0 || limit > 50 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	dbCalls, err := s.db.ListCallsForUser(actorId, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list calls: %w", err)
	}

	calls := make([]types.Call, len(dbCalls))
	for i, c := range dbCalls {
		calls[i] = callFromDb(c)
	}

	return calls, nil
}

func (s *Service) load(callId string) (types.Call, error) {
	call, err := s.db.GetCall(callId)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return types.Call{}, ErrNotFound
		}
		return types.Call{}, fmt.Errorf("get call: %w", err)
	}

	return callFromDb(call), nil
}

func callFromDb(c database.Call) types.Call {
	call := types.Call{
		Id:          c.Id,
		CallerId:    c.CallerId,
		RecipientId: c.RecipientId,
		CallType:    c.CallType,
		Status:      c.Status,
		StartedAt:   c.StartedAt,
		Duration:    c.Duration,
	}

	if c.AcceptedAt.Valid {
		t := c.AcceptedAt.Time
		call.AcceptedAt = &t
	}
	if c.EndedAt.Valid {
		t := c.EndedAt.Time
		call.EndedAt = &t
	}
	if c.RejectionReason.Valid {
		call.RejectionReason = c.RejectionReason.String
	}

	return call
}
