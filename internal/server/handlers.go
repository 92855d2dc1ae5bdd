package server

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/rs/zerolog"

	"github.com/vibestack/walfeed/pkg/lsn"
)

// maxPeekLimit caps the admin peek page size.
const maxPeekLimit = 1000

type handlers struct {
	replication Replication
	logger      zerolog.Logger
}

func (h *handlers) init(w http.ResponseWriter, r *http.Request) {
	res, err := h.replication.Init(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, res)
}

func (h *handlers) status(w http.ResponseWriter, r *http.Request) {
	rep, err := h.replication.StatusReport(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, map[string]any{
		"slot": map[string]any{
			"name":   rep.SlotName,
			"status": rep.Slot,
		},
		"phase":   rep.Phase,
		"metrics": rep.Metrics,
	})
}

func (h *handlers) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, h.replication.Health(r.Context()))
}

func (h *handlers) cleanup(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, h.replication.Cleanup(r.Context()))
}

func (h *handlers) verify(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, h.replication.Verify(r.Context()))
}

func (h *handlers) peek(w http.ResponseWriter, r *http.Request) {
	from := lsn.Zero
	if raw := r.URL.Query().Get("from_lsn"); raw != "" {
		parsed, err := lsn.Parse(raw)
		if err != nil {
			writeError(w, err)
			return
		}
		from = parsed
	}

	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, err)
			return
		}
		limit = n
	}
	if limit <= 0 {
		limit = 100
	}
	if limit > maxPeekLimit {
		limit = maxPeekLimit
	}

	res, err := h.replication.PeekHistory(r.Context(), from, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, res)
}

func (h *handlers) clients(w http.ResponseWriter, r *http.Request) {
	list, err := h.replication.Clients(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, list)
}

func (h *handlers) clientsCleanup(w http.ResponseWriter, r *http.Request) {
	removed, err := h.replication.PurgeClients(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, map[string]any{"success": true, "removed_count": removed})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func writeError(w http.ResponseWriter, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusInternalServerError)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"success": false,
		"error":   err.Error(),
	})
}
