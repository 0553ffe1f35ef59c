package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/relves/groupchain/internal/metrics"
	"github.com/relves/groupchain/pkg/chain"
	"github.com/relves/groupchain/pkg/group"
)

// HTTPHandler handles the read-only HTTP endpoints.
type HTTPHandler struct {
	groups  *group.Service
	metrics *metrics.Metrics
}

// NewHTTPHandler creates a new HTTP handler. m may be nil, in which case
// /metrics is not served.
func NewHTTPHandler(groups *group.Service, m *metrics.Metrics) *HTTPHandler {
	return &HTTPHandler{
		groups:  groups,
		metrics: m,
	}
}

// HeadResponse is the response for GET /groups/{groupID}/head.
type HeadResponse struct {
	GroupID    string `json:"group_id"`
	Name       string `json:"name"`
	Height     uint64 `json:"height"`
	HeadID     string `json:"head_id"`
	BlocksRoot string `json:"blocks_root"`
	Members    int    `json:"members"`
}

// HandleGetHead handles GET /groups/{groupID}/head.
// Returns the current head, member count and the Merkle root over block ids.
func (h *HTTPHandler) HandleGetHead(w http.ResponseWriter, r *http.Request) {
	groupID := r.PathValue("groupID")
	if !chain.ValidGroupID(groupID) {
		http.Error(w, "valid groupID required", http.StatusBadRequest)
		return
	}

	status, err := h.groups.Status(r.Context(), groupID)
	if err != nil {
		if errors.Is(err, group.ErrUnknownGroup) {
			http.Error(w, "group not found", http.StatusNotFound)
			return
		}
		slog.Error("failed to get group status", "groupID", groupID, "error", err)
		http.Error(w, "failed to get group status", http.StatusInternalServerError)
		return
	}

	resp := HeadResponse{
		GroupID:    groupID,
		Name:       status.Metadata.Name,
		Height:     status.Height,
		HeadID:     status.HeadID,
		BlocksRoot: status.BlocksRoot,
		Members:    status.Members,
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// HandleHealth handles GET /healthz.
func (h *HTTPHandler) HandleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"ok": true, "groups": len(h.groups.Groups())})
}

// Routes returns a mux with every endpoint registered.
func (h *HTTPHandler) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /groups/{groupID}/head", h.HandleGetHead)
	mux.HandleFunc("GET /healthz", h.HandleHealth)
	if h.metrics != nil {
		mux.Handle("GET /metrics", h.metrics.Handler())
	}
	return mux
}
