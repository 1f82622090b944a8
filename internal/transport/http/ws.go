package http

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/micksolo/VanishVoice-sub006/internal/authz"
	"github.com/micksolo/VanishVoice-sub006/internal/observability/metrics"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 50 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Browser clients are not a target surface; native clients set no Origin.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleWS streams lifecycle events for the authenticated user. The stream is
// best effort: a dropped connection loses nothing, because the poll endpoints
// carry the same state.
func (h *Handler) handleWS(w http.ResponseWriter, r *http.Request) {
	userID, _ := authz.UserFrom(r.Context())

	events, cancel, err := h.notify.Subscribe(r.Context(), userID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		cancel()
		slog.Warn("websocket upgrade failed", "error", err, "user_id", userID)
		return
	}

	metrics.RealtimeSubscribersGauge.WithLabelValues().Inc()
	defer func() {
		metrics.RealtimeSubscribersGauge.WithLabelValues().Dec()
		cancel()
		_ = conn.Close()
	}()

	// Drain reads so pongs and close frames are processed.
	done := make(chan struct{})
	go func() {
		defer close(done)
		conn.SetReadLimit(512)
		_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(wsPongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(wsPingPeriod)
	defer ping.Stop()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			return
		case <-r.Context().Done():
			return
		}
	}
}
