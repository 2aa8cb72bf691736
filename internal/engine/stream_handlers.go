package engine

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/dbcove/dbcove/pkg/keys"
)

const (
	streamWriteWait  = 10 * time.Second
	streamPingPeriod = 30 * time.Second
)

// StreamHandlers serves live query history over WebSocket
type StreamHandlers struct {
	engine   *Engine
	upgrader websocket.Upgrader
}

func NewStreamHandlers(engine *Engine) *StreamHandlers {
	return &StreamHandlers{
		engine: engine,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				// Origin policy is enforced by the upstream gateway
				return true
			},
		},
	}
}

// StreamHistory handles GET /database/{tenant_id}/history/stream. Each
// completed execution for the tenant is pushed as one JSON message.
// Delivery is at-most-once: events published while the socket is down
// are not replayed, the durable history endpoint covers catch-up.
func (h *StreamHandlers) StreamHistory(w http.ResponseWriter, r *http.Request) {
	h.engine.TrackOperation()
	defer h.engine.UntrackOperation()

	tenantID := mux.Vars(r)["tenant_id"]

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	exists, err := h.engine.catalog.Exists(ctx, tenantID)
	cancel()
	if err != nil {
		http.Error(w, "failed to look up tenant", http.StatusInternalServerError)
		return
	}
	if !exists {
		http.Error(w, "tenant not found", http.StatusNotFound)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.engine.logger.Warnf("WebSocket upgrade failed for tenant %s: %v", tenantID, err)
		return
	}

	var writeMu sync.Mutex
	done := make(chan struct{})
	var once sync.Once
	closeDone := func() { once.Do(func() { close(done) }) }

	sub, err := h.engine.resourceStore.Subscribe(r.Context(), executionsChannel, func(payload []byte) {
		writeMu.Lock()
		defer writeMu.Unlock()
		conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
		if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			closeDone()
		}
	}, keys.WithTenant(tenantID))
	if err != nil {
		h.engine.logger.Errorf("Failed to subscribe execution stream for tenant %s: %v", tenantID, err)
		conn.Close()
		return
	}

	h.engine.logger.Infof("History stream opened for tenant %s", tenantID)

	// Reader goroutine notices client disconnects; inbound payloads are
	// ignored
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				closeDone()
				return
			}
		}
	}()

	ticker := time.NewTicker(streamPingPeriod)
	defer ticker.Stop()
	defer func() {
		sub.Cancel()
		conn.Close()
		h.engine.logger.Infof("History stream closed for tenant %s", tenantID)
	}()

	for {
		select {
		case <-done:
			return
		case <-r.Context().Done():
			return
		case <-ticker.C:
			writeMu.Lock()
			conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
			err := conn.WriteMessage(websocket.PingMessage, nil)
			writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}
