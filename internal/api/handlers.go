package api

import (
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"slices"
	"strconv"

	"github.com/gorilla/websocket"
	"github.com/lib/pq"

	"github.com/talkhouse/server/internal/calls"
	"github.com/talkhouse/server/internal/database"
	"github.com/talkhouse/server/internal/gateway"
	"github.com/talkhouse/server/internal/types"
)

type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type RegisterRequest struct {
	Email    string `json:"email"`
	Username string `json:"username"`
	Password string `json:"password"`
}

type InitiateCallRequest struct {
	RecipientId int    `json:"recipient_id"`
	CallType    string `json:"call_type"`
}

type RejectCallRequest struct {
	Reason string `json:"reason"`
}

type EndCallRequest struct {
	Duration int `json:"duration"`
}

// InitiateCallResponse extends the call record with identity snapshots so
// clients can render the call screen without extra lookups.
type InitiateCallResponse struct {
	types.Call
	Caller    types.User `json:"caller"`
	Recipient types.User `json:"recipient"`
}

func (s *TalkhouseApp) writeJson(w http.ResponseWriter, statusCode int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if v == nil {
		return
	}

	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Printf("json encode: %v", err)
	}
}

func (s *TalkhouseApp) createAccount(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	if req.Username == "" || req.Email == "" || req.Password == "" {
		errResp := NewValidationError("username, email and password are required")
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	pwdHash, err := hashPassword(req.Password)
	if err != nil {
		errResp := NewInternalServerError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	newUser, err := s.db.CreateAccount(database.CreateAccountParams{
		Username:     req.Username,
		EmailAddress: req.Email,
		PasswordHash: pwdHash,
	})
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code.Name() == "unique_violation" {
			errResp := NewValidationError("an account with that email already exists")
			s.writeJson(w, errResp.StatusCode, errResp)
			return
		}

		errResp := NewInternalServerError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	s.writeJson(w, http.StatusCreated, types.User{
		Id:           newUser.Id,
		Username:     newUser.Username,
		EmailAddress: newUser.EmailAddress,
		Avatar:       newUser.Avatar,
	})
}

func (s *TalkhouseApp) login(w http.ResponseWriter, r *http.Request) {
	var lr LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&lr); err != nil {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	dbUser, err := s.db.GetAccountByEmail(lr.Email)
	if err != nil {
		var errResp *ApiError
		if errors.Is(err, sql.ErrNoRows) {
			errResp = NewNotFoundError()
		} else {
			errResp = NewInternalServerError(err)
		}
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	if !verifyPassword(dbUser.PasswordHash, lr.Password) {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	token, err := createJwtForSession(s.signingKey, dbUser.Id, defaultExp)
	if err != nil {
		errResp := NewInternalServerError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	http.SetCookie(w, createJwtCookie(token, defaultExp))

	s.writeJson(w, http.StatusOK, types.User{
		Id:           dbUser.Id,
		Username:     dbUser.Username,
		EmailAddress: dbUser.EmailAddress,
		Avatar:       dbUser.Avatar,
		CreatedAt:    dbUser.CreatedAt,
		UpdatedAt:    dbUser.UpdatedAt,
	})
}

func (s *TalkhouseApp) session(w http.ResponseWriter, r *http.Request) {
	userId, ok := UserId(r.Context())
	if !ok {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	user, err := s.db.GetAccountById(userId)
	if err != nil {
		var errResp *ApiError
		if errors.Is(err, sql.ErrNoRows) {
			errResp = NewNotFoundError()
		} else {
			errResp = NewInternalServerError(err)
		}
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	s.writeJson(w, http.StatusOK, types.User{
		Id:           user.Id,
		Username:     user.Username,
		EmailAddress: user.EmailAddress,
		Avatar:       user.Avatar,
		CreatedAt:    user.CreatedAt,
		UpdatedAt:    user.UpdatedAt,
	})
}

func (s *TalkhouseApp) logout(w http.ResponseWriter, _ *http.Request) {
	// overwrite the cookie with an expired empty token
	http.SetCookie(w, createJwtCookie("", 0))
	w.WriteHeader(http.StatusNoContent)
}

func (s *TalkhouseApp) getUser(w http.ResponseWriter, r *http.Request) {
	userId, err := strconv.Atoi(r.PathValue("userId"))
	if err != nil {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	user, err := s.db.GetAccountById(userId)
	if err != nil {
		var errResp *ApiError
		if errors.Is(err, sql.ErrNoRows) {
			errResp = NewNotFoundError()
		} else {
			errResp = NewInternalServerError(err)
		}
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	s.writeJson(w, http.StatusOK, types.User{
		Id:       user.Id,
		Username: user.Username,
		Avatar:   user.Avatar,
	})
}

func (s *TalkhouseApp) getMessages(w http.ResponseWriter, r *http.Request) {
	roomId := r.URL.Query().Get("room_id")
	if roomId == "" {
		errResp := NewValidationError("room_id is required")
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	limit := 50
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		var err error
		limit, err = strconv.Atoi(limitStr)
		if err != nil || limit <= 0 {
			errResp := NewBadRequestError()
			s.writeJson(w, errResp.StatusCode, errResp)
			return
		}
	}

	dbMessages, err := s.db.GetRecentMessages(roomId, limit)
	if err != nil {
		errResp := NewInternalServerError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	messages := make([]types.Message, 0, len(dbMessages))
	for _, m := range dbMessages {
		messages = append(messages, types.Message{
			Id:          m.Id,
			RoomId:      m.RoomId,
			UserId:      m.AccountId,
			Username:    m.Username,
			UserAvatar:  m.Avatar,
			Text:        m.Text,
			FileUrl:     m.FileUrl,
			FileType:    m.FileType,
			MessageType: m.MessageType,
			Source:      m.Source,
			CreatedAt:   m.CreatedAt,
		})
	}

	s.writeJson(w, http.StatusOK, messages)
}

func (s *TalkhouseApp) health(w http.ResponseWriter, _ *http.Request) {
	if err := s.db.Ping(); err != nil {
		errResp := NewServiceUnavailableError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	s.writeJson(w, http.StatusOK, map[string]string{"status": "ok"})
}

// callError maps call service failures onto the API error envelope.
func (s *TalkhouseApp) callError(err error) *ApiError {
	switch {
	case errors.Is(err, calls.ErrNotFound):
		return NewNotFoundError()
	case errors.Is(err, calls.ErrRecipientNotFound):
		return NewNotFoundError()
	case errors.Is(err, calls.ErrSelfCall):
		return NewValidationError(err.Error())
	case errors.Is(err, calls.ErrStateConflict):
		return NewValidationError(err.Error())
	case errors.Is(err, calls.ErrNotParticipant), errors.Is(err, calls.ErrNotRecipient):
		return NewForbiddenError(err.Error())
	default:
		return NewInternalServerError(err)
	}
}

func (s *TalkhouseApp) initiateCall(w http.ResponseWriter, r *http.Request) {
	userId, ok := UserId(r.Context())
	if !ok {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	var req InitiateCallRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	if req.RecipientId == 0 {
		errResp := NewValidationError("recipient_id is required")
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	call, err := s.calls.Initiate(userId, req.RecipientId, req.CallType)
	if err != nil {
		errResp := s.callError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	resp := InitiateCallResponse{Call: call}
	if caller, err := s.db.GetAccountById(call.CallerId); err == nil {
		resp.Caller = types.User{Id: caller.Id, Username: caller.Username, Avatar: caller.Avatar}
	}
	if recipient, err := s.db.GetAccountById(call.RecipientId); err == nil {
		resp.Recipient = types.User{Id: recipient.Id, Username: recipient.Username, Avatar: recipient.Avatar}
	}

	s.writeJson(w, http.StatusCreated, resp)
}

func (s *TalkhouseApp) getCall(w http.ResponseWriter, r *http.Request) {
	userId, ok := UserId(r.Context())
	if !ok {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	call, err := s.calls.Get(r.PathValue("callId"), userId)
	if err != nil {
		errResp := s.callError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	s.writeJson(w, http.StatusOK, call)
}

func (s *TalkhouseApp) acceptCall(w http.ResponseWriter, r *http.Request) {
	userId, ok := UserId(r.Context())
	if !ok {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	call, err := s.calls.Accept(r.PathValue("callId"), userId)
	if err != nil {
		errResp := s.callError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	s.writeJson(w, http.StatusOK, call)
}

func (s *TalkhouseApp) rejectCall(w http.ResponseWriter, r *http.Request) {
	userId, ok := UserId(r.Context())
	if !ok {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	var req RejectCallRequest
	if r.Body != nil {
		// reason is optional, an empty body is fine
		_ = json.NewDecoder(r.Body).Decode(&req)
	}

	call, err := s.calls.Reject(r.PathValue("callId"), userId, req.Reason)
	if err != nil {
		errResp := s.callError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	s.writeJson(w, http.StatusOK, call)
}

func (s *TalkhouseApp) endCall(w http.ResponseWriter, r *http.Request) {
	userId, ok := UserId(r.Context())
	if !ok {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	var req EndCallRequest
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req)
	}

	call, err := s.calls.End(r.PathValue("callId"), userId, req.Duration)
	if err != nil {
		errResp := s.callError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	s.writeJson(w, http.StatusOK, call)
}

func (s *TalkhouseApp) callHistory(w http.ResponseWriter, r *http.Request) {
	userId, ok := UserId(r.Context())
	if !ok {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	var limit, offset int
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		var err error
		limit, err = strconv.Atoi(limitStr)
		if err != nil {
			errResp := NewBadRequestError()
			s.writeJson(w, errResp.StatusCode, errResp)
			return
		}
	}
	if offsetStr := r.URL.Query().Get("offset"); offsetStr != "" {
		var err error
		offset, err = strconv.Atoi(offsetStr)
		if err != nil {
			errResp := NewBadRequestError()
			s.writeJson(w, errResp.StatusCode, errResp)
			return
		}
	}

	history, err := s.calls.History(userId, limit, offset)
	if err != nil {
		errResp := s.callError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	if history == nil {
		history = []types.Call{}
	}

	s.writeJson(w, http.StatusOK, history)
}

func (s *TalkhouseApp) serveWs(w http.ResponseWriter, r *http.Request) {
	id, ok := UserId(r.Context())
	if !ok {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	user, err := s.db.GetAccountById(id)
	if err != nil {
		var errResp *ApiError
		if errors.Is(err, sql.ErrNoRows) {
			errResp = NewNotFoundError()
		} else {
			errResp = NewInternalServerError(err)
		}
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}

			return slices.Contains(s.allowedOrigins, origin)
		},
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Println("error upgrading connection:", err)
		return
	}

	sess := gateway.NewSession(types.User{
		Id:       user.Id,
		Username: user.Username,
		Avatar:   user.Avatar,
	}, conn, s.gw, s.log)

	if err := s.gw.Connect(sess); err != nil {
		s.log.Println("error registering session:", err)
		conn.Close()
		return
	}

	go sess.Write()
	go sess.Read()
}
