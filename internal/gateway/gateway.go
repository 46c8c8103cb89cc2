package gateway

import (
	"context"
	"encoding/json"
	"log"
	"strings"

	"github.com/talkhouse/server/internal/database"
	"github.com/talkhouse/server/internal/stats"
	"github.com/talkhouse/server/internal/types"
)

const (
	metricActiveConnections = "ActiveConnections"
	metricMessagesRelayed   = "MessagesRelayed"
	metricSignalsRelayed    = "SignalsRelayed"
)

var validSources = []string{"app", "web", "api"}

const defaultSource = "web"

// Gateway drives the real-time side of the chat service: presence, room
// broadcast, message relay and call signaling. All durable state lives in
// the repository; the registry holds only live connections.
type Gateway struct {
	log          *log.Logger
	db           database.Repository
	registry     *Registry
	stats        stats.StatsProvider
	historyLimit int
}

func NewGateway(logger *log.Logger, db database.Repository, registry *Registry, sp stats.StatsProvider, historyLimit int) *Gateway {
	sp.RegisterMetric(metricActiveConnections)
	sp.RegisterMetric(metricMessagesRelayed)
	sp.RegisterMetric(metricSignalsRelayed)

	return &Gateway{
		log:          logger,
		db:           db,
		registry:     registry,
		stats:        sp,
		historyLimit: historyLimit,
	}
}

// Connect registers the session and acknowledges the connection.
func (gw *Gateway) Connect(s *Session) error {
	sid, err := gw.registry.Register(s)
	if err != nil {
		return err
	}

	gw.stats.Incr(metricActiveConnections)
	s.queueFrame(newConnectedFrame(sid, s.user.Id))
	gw.log.Printf("session %q connected for user %q", sid, s.user.Username)

	return nil
}

// Disconnect removes the session from its room and the registry. Safe to
// call for sessions that never joined or were already removed.
func (gw *Gateway) Disconnect(s *Session) {
	conn, ok := gw.registry.Lookup(s.id)
	if !ok {
		return
	}

	if conn.RoomId != "" {
		gw.registry.ClearRoom(s.id)
		gw.registry.Broadcast(conn.RoomId, newUserLeftFrame(s.id, conn.Username), s.id)
	}

	gw.registry.Unregister(s.id)
	gw.stats.Decr(metricActiveConnections)
	gw.log.Printf("session %q disconnected", s.id)
}

// Shutdown stops all live sessions.
func (gw *Gateway) Shutdown(ctx context.Context) error {
	for _, s := range gw.registry.Sessions() {
		s.stopSession()
	}

	return ctx.Err()
}

// dispatch decodes one inbound frame and routes it to its handler. Unknown
// kinds get an explicit error reply.
func (gw *Gateway) dispatch(s *Session, raw []byte) {
	var frame ClientFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		s.queueFrame(newErrorFrame("invalid frame"))
		return
	}

	switch frame.Type {
	case FrameJoin:
		var p JoinPayload
		if err := json.Unmarshal(frame.Payload, &p); err != nil {
			s.queueFrame(newErrorFrame("invalid join payload"))
			return
		}
		gw.handleJoin(s, &p)
	case FrameMessage:
		var p MessagePayload
		if err := json.Unmarshal(frame.Payload, &p); err != nil {
			s.queueFrame(newErrorFrame("invalid message payload"))
			return
		}
		gw.handleMessage(s, &p)
	case FrameTyping:
		var p TypingPayload
		if err := json.Unmarshal(frame.Payload, &p); err != nil {
			s.queueFrame(newErrorFrame("invalid typing payload"))
			return
		}
		gw.handleTyping(s, &p)
	case FrameLeave:
		gw.handleLeave(s)
	case FrameCallOffer:
		var p CallOfferPayload
		if err := json.Unmarshal(frame.Payload, &p); err != nil {
			return
		}
		gw.handleCallOffer(s, &p)
	case FrameCallAnswer:
		var p CallAnswerPayload
		if err := json.Unmarshal(frame.Payload, &p); err != nil {
			return
		}
		gw.handleCallAnswer(s, &p)
	case FrameCallIce:
		var p CallIcePayload
		if err := json.Unmarshal(frame.Payload, &p); err != nil {
			return
		}
		gw.handleCallIce(s, &p)
	case FrameCallEnd:
		var p CallEndPayload
		if err := json.Unmarshal(frame.Payload, &p); err != nil {
			return
		}
		gw.handleCallEnd(s, &p)
	default:
		s.queueFrame(newErrorFrame("unknown message type"))
	}
}

// handleJoin attaches the session to a room. Switching rooms notifies the
// old room before the new one; the joining session gets an ack, recent
// history oldest first, and the new room's roster.
func (gw *Gateway) handleJoin(s *Session, p *JoinPayload) {
	if p.Username == "" || p.RoomId == "" {
		s.queueFrame(newErrorFrame("username and room_id are required"))
		return
	}

	conn, ok := gw.registry.Lookup(s.id)
	if !ok {
		return
	}

	if conn.RoomId != "" {
		gw.registry.Broadcast(conn.RoomId, newUserLeftFrame(s.id, conn.Username), s.id)
	}

	if _, ok := gw.registry.SetRoom(s.id, p.Username, p.RoomId); !ok {
		return
	}

	s.queueFrame(newJoinedFrame(s.id, p.Username, p.RoomId))
	gw.registry.Broadcast(p.RoomId, newUserJoinedFrame(s.id, p.Username), s.id)

	history, err := gw.db.GetRecentMessages(p.RoomId, gw.historyLimit)
	if err != nil {
		gw.log.Println("GetRecentMessages:", err)
		s.queueFrame(newErrorFrame("failed to load message history"))
	} else {
		s.queueFrame(newHistoryFrame(messagesFromDb(history)))
	}

	s.queueFrame(newRoomUsersFrame(gw.registry.Roster(p.RoomId)))
	gw.log.Printf("session %q joined room %q as %q", s.id, p.RoomId, p.Username)
}

// handleMessage validates, persists and fans out one chat message. The
// sender receives its own echo.
func (gw *Gateway) handleMessage(s *Session, p *MessagePayload) {
	conn, ok := gw.registry.Lookup(s.id)
	if !ok || conn.RoomId == "" {
		s.queueFrame(newErrorFrame("you must join a room first"))
		return
	}

	text := strings.TrimSpace(p.Text)
	if text == "" && p.FileUrl == "" {
		// nothing to relay
		return
	}

	sender, err := gw.db.GetAccountById(s.user.Id)
	if err != nil {
		gw.log.Println("GetAccountById:", err)
		s.queueFrame(newErrorFrame("failed to send message"))
		return
	}

	messageType := p.MessageType
	if messageType == "" {
		if p.FileUrl != "" {
			messageType = "file"
		} else {
			messageType = "text"
		}
	}

	saved, err := gw.db.CreateMessage(database.Message{
		RoomId:      conn.RoomId,
		AccountId:   sender.Id,
		Text:        text,
		FileUrl:     p.FileUrl,
		FileType:    p.FileType,
		MessageType: messageType,
		Source:      coerceSource(p.Source),
		CreatedAt:   Now(),
	})
	if err != nil {
		gw.log.Println("CreateMessage:", err)
		s.queueFrame(newErrorFrame("failed to send message"))
		return
	}

	// the session may have left the room while the insert was in flight;
	// the persisted message stays, the broadcast is skipped
	cur, ok := gw.registry.Lookup(s.id)
	if !ok || cur.RoomId != conn.RoomId {
		return
	}

	msg := types.Message{
		Id:          saved.Id,
		RoomId:      saved.RoomId,
		UserId:      sender.Id,
		Username:    conn.Username,
		UserAvatar:  sender.Avatar,
		Text:        saved.Text,
		FileUrl:     saved.FileUrl,
		FileType:    saved.FileType,
		MessageType: saved.MessageType,
		Source:      saved.Source,
		CreatedAt:   saved.CreatedAt,
	}

	gw.registry.Broadcast(conn.RoomId, newMessageFrame(msg), "")
	gw.stats.Incr(metricMessagesRelayed)
}

// handleTyping relays ephemeral typing state to the rest of the room.
func (gw *Gateway) handleTyping(s *Session, p *TypingPayload) {
	conn, ok := gw.registry.Lookup(s.id)
	if !ok || conn.RoomId == "" {
		return
	}

	gw.registry.Broadcast(conn.RoomId, newTypingFrame(s.id, conn.Username, p.IsTyping), s.id)
}

// handleLeave detaches the session from its room and notifies the members
// left behind.
func (gw *Gateway) handleLeave(s *Session) {
	conn, ok := gw.registry.Lookup(s.id)
	if !ok || conn.RoomId == "" {
		return
	}

	gw.registry.ClearRoom(s.id)
	gw.registry.Broadcast(conn.RoomId, newUserLeftFrame(s.id, conn.Username), s.id)
	gw.log.Printf("session %q left room %q", s.id, conn.RoomId)
}

// Call signaling is point-to-point and best effort: malformed frames and
// offline targets are dropped without a reply, and the durable call record
// is never consulted or mutated here.

func (gw *Gateway) handleCallOffer(s *Session, p *CallOfferPayload) {
	if p.CallId == "" || p.RecipientId == 0 || len(p.Offer) == 0 {
		return
	}

	callType := p.CallType
	if callType != types.CallTypeVideo {
		callType = types.CallTypeVoice
	}

	if gw.registry.SendToUser(p.RecipientId, newFrame(FrameCallOffer, CallOfferData{
		CallId:   p.CallId,
		CallerId: s.user.Id,
		Offer:    p.Offer,
		CallType: callType,
	})) {
		gw.stats.Incr(metricSignalsRelayed)
	}
}

func (gw *Gateway) handleCallAnswer(s *Session, p *CallAnswerPayload) {
	if p.CallId == "" || p.CallerId == 0 || len(p.Answer) == 0 {
		return
	}

	if gw.registry.SendToUser(p.CallerId, newFrame(FrameCallAnswer, CallAnswerData{
		CallId:     p.CallId,
		AnswererId: s.user.Id,
		Answer:     p.Answer,
	})) {
		gw.stats.Incr(metricSignalsRelayed)
	}
}

func (gw *Gateway) handleCallIce(s *Session, p *CallIcePayload) {
	if p.CallId == "" || p.TargetUserId == 0 || len(p.Candidate) == 0 {
		return
	}

	if gw.registry.SendToUser(p.TargetUserId, newFrame(FrameCallIce, CallIceData{
		CallId:    p.CallId,
		SenderId:  s.user.Id,
		Candidate: p.Candidate,
	})) {
		gw.stats.Incr(metricSignalsRelayed)
	}
}

func (gw *Gateway) handleCallEnd(s *Session, p *CallEndPayload) {
	if p.CallId == "" || p.TargetUserId == 0 {
		return
	}

	if gw.registry.SendToUser(p.TargetUserId, newFrame(FrameCallEnd, CallEndData{
		CallId:  p.CallId,
		EndedBy: s.user.Id,
	})) {
		gw.stats.Incr(metricSignalsRelayed)
	}
}

func coerceSource(source string) string {
	s := strings.ToLower(source)
	for _, valid := range validSources {
		if s == valid {
			return s
		}
	}

	return defaultSource
}

func messagesFromDb(dbMessages []database.Message) []types.Message {
	messages := make([]types.Message, len(dbMessages))
	for i, m := range dbMessages {
		messages[i] = types.Message{
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
		}
	}

	return messages
}
