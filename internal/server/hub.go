package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/rs/zerolog"

	"github.com/vibestack/walfeed/internal/metrics"
	"github.com/vibestack/walfeed/internal/wal"
	"github.com/vibestack/walfeed/pkg/lsn"
)

// writeTimeout bounds every websocket write.
const writeTimeout = 5 * time.Second

// ClientDirectory is the registry surface the hub writes through. The hub
// is the only component that marks clients active.
type ClientDirectory interface {
	Touch(ctx context.Context, clientID string) error
	Deactivate(ctx context.Context, clientID string) error
}

// changeFrame is the JSON message pushed to sync clients.
type changeFrame struct {
	Type    string            `json:"type"`
	Changes []wal.TableChange `json:"changes"`
	LSN     string            `json:"lsn"`
}

// Hub manages websocket connections: sync clients receiving change
// frames, and metrics observers receiving snapshot broadcasts. It
// implements the notifier capability the dispatcher fans out through.
type Hub struct {
	directory ClientDirectory
	collector *metrics.Collector
	logger    zerolog.Logger

	mu        sync.Mutex
	syncConns map[string]*websocket.Conn
	observers map[*websocket.Conn]struct{}
}

// NewHub creates a Hub over the given client directory. collector may be
// nil; metrics observers then receive nothing.
func NewHub(directory ClientDirectory, collector *metrics.Collector, logger zerolog.Logger) *Hub {
	return &Hub{
		directory: directory,
		collector: collector,
		logger:    logger.With().Str("component", "ws-hub").Logger(),
		syncConns: make(map[string]*websocket.Conn),
		observers: make(map[*websocket.Conn]struct{}),
	}
}

// NotifyClient pushes a change frame to the named client's connection. A
// client known to the registry but not connected here is a delivery
// failure; the dispatcher counts it and moves on.
func (h *Hub) NotifyClient(ctx context.Context, clientID string, changes []wal.TableChange, lastLSN lsn.LSN) error {
	h.mu.Lock()
	conn, ok := h.syncConns[clientID]
	h.mu.Unlock()
	if !ok {
		return fmt.Errorf("client %q has no active connection", clientID)
	}

	data, err := json.Marshal(changeFrame{
		Type:    "changes",
		Changes: changes,
		LSN:     lastLSN.String(),
	})
	if err != nil {
		return fmt.Errorf("encode change frame: %w", err)
	}

	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	if err := conn.Write(wctx, websocket.MessageText, data); err != nil {
		h.dropSync(ctx, clientID, conn)
		return fmt.Errorf("write to client %q: %w", clientID, err)
	}
	return nil
}

// handleSync accepts a client's feed connection. The client is marked
// active on connect, refreshed on every inbound frame, and deactivated
// when the connection ends.
func (h *Hub) handleSync(w http.ResponseWriter, r *http.Request) {
	clientID := r.URL.Query().Get("client_id")
	if clientID == "" {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"success": false,
			"error":   "client_id is required",
		})
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true, // Allow cross-origin for dev.
	})
	if err != nil {
		h.logger.Err(err).Str("client_id", clientID).Msg("sync accept")
		return
	}

	if err := h.directory.Touch(r.Context(), clientID); err != nil {
		h.logger.Warn().Err(err).Str("client_id", clientID).Msg("could not activate client")
		conn.Close(websocket.StatusInternalError, "registry unavailable")
		return
	}

	h.mu.Lock()
	if old, ok := h.syncConns[clientID]; ok {
		old.Close(websocket.StatusNormalClosure, "superseded")
	}
	h.syncConns[clientID] = conn
	h.mu.Unlock()
	h.logger.Info().Str("client_id", clientID).Msg("sync client connected")

	for {
		_, _, err := conn.Read(r.Context())
		if err != nil {
			h.dropSync(r.Context(), clientID, conn)
			return
		}
		// Any inbound frame counts as a liveness signal.
		if err := h.directory.Touch(r.Context(), clientID); err != nil {
			h.logger.Warn().Err(err).Str("client_id", clientID).Msg("liveness refresh failed")
		}
	}
}

// dropSync removes a sync connection and deactivates its client, unless a
// newer connection already superseded it.
func (h *Hub) dropSync(ctx context.Context, clientID string, conn *websocket.Conn) {
	h.mu.Lock()
	current, ok := h.syncConns[clientID]
	if ok && current == conn {
		delete(h.syncConns, clientID)
	} else {
		ok = false
	}
	h.mu.Unlock()

	conn.Close(websocket.StatusNormalClosure, "")
	if !ok {
		return
	}
	if err := h.directory.Deactivate(ctx, clientID); err != nil {
		h.logger.Warn().Err(err).Str("client_id", clientID).Msg("could not deactivate client")
	}
	h.logger.Info().Str("client_id", clientID).Msg("sync client disconnected")
}

// Connected reports whether a client currently holds a sync connection.
func (h *Hub) Connected(clientID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.syncConns[clientID]
	return ok
}

// handleMetrics accepts an observer connection that receives snapshot
// broadcasts.
func (h *Hub) handleMetrics(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		h.logger.Err(err).Msg("metrics ws accept")
		return
	}

	h.mu.Lock()
	h.observers[conn] = struct{}{}
	h.mu.Unlock()

	// Send the current snapshot immediately.
	if h.collector != nil {
		if data, err := json.Marshal(h.collector.Snapshot()); err == nil {
			wctx, cancel := context.WithTimeout(r.Context(), writeTimeout)
			_ = conn.Write(wctx, websocket.MessageText, data)
			cancel()
		}
	}

	for {
		if _, _, err := conn.Read(r.Context()); err != nil {
			h.mu.Lock()
			delete(h.observers, conn)
			h.mu.Unlock()
			conn.Close(websocket.StatusNormalClosure, "")
			return
		}
	}
}

// startMetrics relays collector snapshots to every observer until the
// context ends.
func (h *Hub) startMetrics(ctx context.Context) {
	if h.collector == nil {
		return
	}
	ch := h.collector.Subscribe()
	defer h.collector.Unsubscribe(ch)

	for {
		select {
		case <-ctx.Done():
			return
		case snap, ok := <-ch:
			if !ok {
				return
			}
			h.broadcastSnapshot(snap)
		}
	}
}

func (h *Hub) broadcastSnapshot(snap metrics.Snapshot) {
	data, err := json.Marshal(snap)
	if err != nil {
		h.logger.Err(err).Msg("marshal snapshot for ws")
		return
	}

	h.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(h.observers))
	for c := range h.observers {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	for _, c := range conns {
		wctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		err := c.Write(wctx, websocket.MessageText, data)
		cancel()
		if err != nil {
			h.mu.Lock()
			delete(h.observers, c)
			h.mu.Unlock()
			c.Close(websocket.StatusNormalClosure, "")
		}
	}
}
