package server

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/minutemate/platform/internal/trace"
)

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		trace.Logger(r.Context()).Error("websocket accept error", "error", err)
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "") }()

	s.mu.Lock()
	s.conns[conn] = struct{}{}
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
	}()

	ctx := r.Context()
	log := trace.Logger(ctx)
	log.Info("websocket connected", "remote", r.RemoteAddr)

	// Greet with the current state so clients need not poll first.
	if err := s.write(ctx, conn, s.statusMessage()); err != nil {
		return
	}

	rl := &rateLimiter{}
	for {
		var msg json.RawMessage
		if err := wsjson.Read(ctx, conn, &msg); err != nil {
			log.Debug("websocket read error", "error", err)
			return
		}

		if !rl.allow() {
			log.Warn("rate limit exceeded", "remote", r.RemoteAddr)
			_ = s.write(ctx, conn, textMessage{Type: MsgRateLimited, Message: "rate limit exceeded"})
			continue
		}

		var base Message
		if err := json.Unmarshal(msg, &base); err != nil {
			_ = s.write(ctx, conn, textMessage{Type: MsgError, Message: "malformed message"})
			continue
		}

		switch base.Type {
		case MsgStatus:
			_ = s.write(ctx, conn, s.statusMessage())
		default:
			_ = s.write(ctx, conn, textMessage{Type: MsgError, Message: "unknown message type " + base.Type})
		}
	}
}

func (s *Server) statusMessage() StatusResponse {
	resp := s.statusResponse()
	resp.Type = MsgStatus
	return resp
}

func (s *Server) write(ctx context.Context, conn *websocket.Conn, v any) error {
	ctx, cancel := context.WithTimeout(ctx, WSWriteTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, v)
}

// broadcastSessions fans session state changes out to every connection.
func (s *Server) broadcastSessions() {
	for evt := range s.orch.Events() {
		msg := SessionMessage{
			Type:      MsgSession,
			MeetingID: evt.ID,
			From:      evt.From,
			To:        evt.To,
			At:        evt.At,
		}

		s.mu.RLock()
		for conn := range s.conns {
			go func(c *websocket.Conn) {
				_ = s.write(context.Background(), c, msg)
			}(conn)
		}
		s.mu.RUnlock()
	}
}
