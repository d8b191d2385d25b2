package handlers

import (
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/sqlshift/sqlshift/internal/core"
)

const (
	eventWriteTimeout = 10 * time.Second
	eventIdleTimeout  = 60 * time.Second
	eventPingInterval = 30 * time.Second
)

var eventUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Events streams a run's events over a websocket: the retained history
// first, then live events until the client goes away or the run is evicted.
func (h *RunsHandler) Events(w http.ResponseWriter, r *http.Request) {
	session, err := h.manager.Get(chi.URLParam(r, "runID"))
	if err != nil {
		respondWithError(w, r, runError(r.Context(), err))
		return
	}

	conn, err := eventUpgrader.Upgrade(w, r, nil)
	if err != nil {
		logDebug("Event stream upgrade failed", zap.String("run_id", session.ID), zap.Error(err))
		return
	}
	defer conn.Close() // nolint:errcheck

	history, events, unsubscribe := session.Events().Subscribe()
	defer unsubscribe()

	var writeMu sync.Mutex
	send := func(event core.Event) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		_ = conn.SetWriteDeadline(time.Now().Add(eventWriteTimeout))
		return conn.WriteJSON(event)
	}

	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(eventIdleTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(eventIdleTimeout))
	})

	// Clients never send data; reading only services control frames and
	// notices the close.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					logDebug("Event stream read error", zap.String("run_id", session.ID), zap.Error(err))
				}
				return
			}
		}
	}()

	for _, event := range history {
		if err := send(event); err != nil {
			return
		}
	}

	ticker := time.NewTicker(eventPingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-gone:
			return
		case event, ok := <-events:
			if !ok {
				writeMu.Lock()
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "stream closed"),
					time.Now().Add(eventWriteTimeout))
				writeMu.Unlock()
				return
			}
			if err := send(event); err != nil {
				return
			}
		case <-ticker.C:
			writeMu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(eventWriteTimeout))
			writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}
