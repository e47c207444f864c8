package server

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/gridsense/gridsense/pkg/log"
	"github.com/gridsense/gridsense/pkg/types"
)

const (
	streamWriteWait  = 10 * time.Second
	streamPongWait   = 60 * time.Second
	streamPingPeriod = streamPongWait * 9 / 10
	streamReadLimit  = 4096
)

type streamMessage struct {
	Type string     `json:"type"`
	Data types.View `json:"data"`
}

// handleStream sends the current view and then every changed view. A slow
// client skips intermediate views and always receives the latest.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the error response
		log.Ctx(ctx).WarnContext(ctx, "failed to upgrade stream", slog.Any("error", err))
		return
	}
	defer conn.Close()

	var pushMu sync.Mutex
	latest := make(chan types.View, 1)
	push := func(v types.View) {
		pushMu.Lock()
		defer pushMu.Unlock()
		select {
		case <-latest:
		default:
		}
		latest <- v
	}
	cancel := s.sync.Subscribe(push)
	defer cancel()
	push(s.sync.View())

	done := make(chan struct{})
	go func() {
		defer close(done)
		conn.SetReadLimit(streamReadLimit)
		_ = conn.SetReadDeadline(time.Now().Add(streamPongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(streamPongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(streamPingPeriod)
	defer ping.Stop()
	log.Ctx(ctx).DebugContext(ctx, "stream opened")
	for {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
				time.Now().Add(streamWriteWait),
			)
			return
		case <-done:
			log.Ctx(ctx).DebugContext(ctx, "stream closed by client")
			return
		case v := <-latest:
			_ = conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
			if err := conn.WriteJSON(streamMessage{Type: "view", Data: v}); err != nil {
				log.Ctx(ctx).WarnContext(ctx, "failed to write stream", slog.Any("error", err))
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(streamWriteWait)); err != nil {
				return
			}
		}
	}
}
