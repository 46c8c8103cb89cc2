package gateway

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/talkhouse/server/internal/types"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingInterval   = (pongWait * 9) / 10
	maxMessageSize = 65536
)

// Session is one live websocket connection. The registry entry owns the
// session's room state; the session only owns its socket and send queue.
type Session struct {
	id       string
	conn     *websocket.Conn
	gw       *Gateway
	log      *log.Logger
	user     types.User
	send     chan *ServerFrame
	stop     chan struct{}
	stopOnce sync.Once
}

func NewSession(user types.User, conn *websocket.Conn, gw *Gateway, l *log.Logger) *Session {
	return &Session{
		conn: conn,
		gw:   gw,
		log:  l,
		user: user,
		send: make(chan *ServerFrame, 256),
		stop: make(chan struct{}),
	}
}

func (s *Session) Write() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()

	for {
		select {
		case frame, ok := <-s.send:
			if !ok {
				return
			}

			bytes, err := json.Marshal(frame)
			if err != nil {
				s.log.Println("failed to serialize frame:", err)
				continue
			}

			if !s.writeMessage(websocket.TextMessage, bytes) {
				return
			}
		case <-s.stop:
			return
		case <-ticker.C:
			if !s.writeMessage(websocket.PingMessage, nil) {
				return
			}
		}
	}
}

func (s *Session) Read() {
	defer func() {
		s.conn.Close()
		s.gw.Disconnect(s)
		s.stopSession()
	}()

	s.conn.SetReadLimit(maxMessageSize)
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(appData string) error { s.conn.SetReadDeadline(time.Now().Add(pongWait)); return nil })
	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
				websocket.CloseNormalClosure) {
				s.log.Printf("ws: read: %v", err)
			}
			break
		}

		s.gw.dispatch(s, raw)
	}
}

// queueFrame enqueues a frame for delivery, dropping it if the session's
// send queue is full.
func (s *Session) queueFrame(frame *ServerFrame) bool {
	select {
	case s.send <- frame:
	default:
		s.log.Printf("dropping frame for session %q, send queue full", s.id)
		return false
	}

	return true
}

func (s *Session) writeMessage(msgType int, msg []byte) bool {
	s.conn.SetWriteDeadline(time.Now().Add(writeWait))

	if err := s.conn.WriteMessage(msgType, msg); err != nil {
		if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
			websocket.CloseNormalClosure) {
			s.log.Printf("write message: %s", err)
		}
		return false
	}

	return true
}

func (s *Session) stopSession() {
	s.stopOnce.Do(func() {
		close(s.stop)
	})
}
