package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alicelabs/orchestrator/internal/core"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 50 * time.Second
)

// wsError mirrors the HTTP error envelope for the socket.
type wsError struct {
	Error core.APIErrorBody `json:"error"`
}

// wsFrame is one streamed message: token frames carry text increments, the
// final frame carries the metadata the HTTP surface exposes as headers.
type wsFrame struct {
	Type      string         `json:"type"` // "token" | "final"
	Text      string         `json:"text,omitempty"`
	Route     string         `json:"route,omitempty"`
	Intent    string         `json:"intent,omitempty"`
	CacheTier core.CacheTier `json:"cache_tier,omitempty"`
	TraceID   string         `json:"trace_id,omitempty"`
}

// handleWS upgrades to a WebSocket and serves chat turns over it. Each turn
// streams as token frames followed by one final frame; the session keeps
// the connection.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Printf("⚠️ ws upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	conn.SetReadLimit(s.cfg.Current().Server.MaxBodyBytes)
	conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	pingDone := make(chan struct{})
	defer close(pingDone)
	go s.wsPinger(conn, pingDone)

	for {
		var req core.ChatRequest
		if err := conn.ReadJSON(&req); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Printf("⚠️ ws read: %v", err)
			}
			return
		}

		if msg := validateChatRequest(&req); msg != "" {
			s.wsWrite(conn, wsError{Error: core.APIErrorBody{
				Code: core.ErrClassValidation, Message: msg,
			}})
			continue
		}

		// Per-session rate limit applies on the socket too.
		if !s.limiterFor(req.SessionID).Allow() {
			s.wsWrite(conn, wsError{Error: core.APIErrorBody{
				Code: core.ErrClassRateLimited, Message: "för många förfrågningar", RetryAfter: 60,
			}})
			continue
		}

		resp, turn, terr := s.d.Orch.HandleTurn(r.Context(), req)
		if terr != nil {
			s.wsWrite(conn, wsError{Error: core.APIErrorBody{
				Code: terr.Class, Message: terr.Message,
				TraceID: turn.TraceID, RetryAfter: terr.RetryAfter,
			}})
			continue
		}
		s.streamTurn(conn, resp, turn)
	}
}

// streamTurn emits the response text as token frames, then the final frame
// with the turn metadata.
func (s *Server) streamTurn(conn *websocket.Conn, resp *core.ChatResponse, turn *core.Turn) {
	words := strings.Fields(resp.Text)
	for i, word := range words {
		text := word
		if i < len(words)-1 {
			text += " "
		}
		s.wsWrite(conn, wsFrame{Type: "token", Text: text})
	}
	s.wsWrite(conn, wsFrame{
		Type:      "final",
		Route:     resp.Route,
		Intent:    turn.Intent.Intent,
		CacheTier: turn.CacheTier,
		TraceID:   turn.TraceID,
	})
}

func (s *Server) wsWrite(conn *websocket.Conn, v interface{}) {
	conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	if err := conn.WriteJSON(v); err != nil {
		s.logger.Printf("⚠️ ws write: %v", err)
	}
}

func (s *Server) wsPinger(conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}
