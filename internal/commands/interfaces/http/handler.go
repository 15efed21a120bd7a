package http

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"fhem-bridge/internal/audit"
	"fhem-bridge/internal/auth"
	bridgeapp "fhem-bridge/internal/longpoll/application"
	longpoll "fhem-bridge/internal/longpoll/domain"
	sink "fhem-bridge/internal/sink/domain"
)

const maxBodyBytes = 64 * 1024

// CommandSource is the bridge surface exposed over HTTP.
type CommandSource interface {
	ExecuteCommand(ctx context.Context, ref, cmd string) (string, error)
	ReloadConnection(ctx context.Context, ref, device string) error
	Stats() []longpoll.Stats
}

// SyncController reads and overrides the downstream sync state.
type SyncController interface {
	SyncState(ctx context.Context) (sink.SyncState, error)
	SetSyncState(ctx context.Context, active, connected bool) error
}

// CommandRequest is the body of POST /api/v1/commands.
type CommandRequest struct {
	Connection string `json:"connection"`
	Cmd        string `json:"cmd"`
}

// CommandResponse is returned for an accepted command.
type CommandResponse struct {
	RequestID string `json:"request_id"`
}

// ReloadRequest is the body of POST /api/v1/connections/reload.
type ReloadRequest struct {
	Connection string `json:"connection"`
	Device     string `json:"device,omitempty"`
}

// SyncRequest is the body of PUT /api/v1/sync.
type SyncRequest struct {
	Active    bool `json:"active"`
	Connected bool `json:"connected"`
}

// Handler provides the admin endpoints.
type Handler struct {
	source      CommandSource
	sync        SyncController
	auditLogger audit.Logger
	logger      *zap.Logger
}

// NewHandler constructs a handler.
func NewHandler(source CommandSource, sync SyncController, auditLogger audit.Logger, logger *zap.Logger) (*Handler, error) {
	if source == nil {
		return nil, errors.New("commands handler: nil source")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{source: source, sync: sync, auditLogger: auditLogger, logger: logger}, nil
}

// Register mounts the endpoints on an /api/v1 subrouter.
func (h *Handler) Register(router *mux.Router) {
	router.HandleFunc("/commands", h.handleCommand).Methods(http.MethodPost)
	router.HandleFunc("/connections", h.handleConnections).Methods(http.MethodGet)
	router.HandleFunc("/connections/reload", h.handleReload).Methods(http.MethodPost)
	if h.sync != nil {
		router.HandleFunc("/sync", h.handleGetSync).Methods(http.MethodGet)
		router.HandleFunc("/sync", h.handlePutSync).Methods(http.MethodPut)
	}
}

func (h *Handler) handleCommand(w http.ResponseWriter, r *http.Request) {
	var req CommandRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Connection == "" || req.Cmd == "" {
		http.Error(w, "connection and cmd required", http.StatusBadRequest)
		return
	}

	requestID, err := h.source.ExecuteCommand(r.Context(), req.Connection, req.Cmd)
	if err != nil {
		respondSourceError(w, err)
		return
	}
	h.logAudit(r, "command.execute", "connection", req.Connection, map[string]any{
		"cmd":        req.Cmd,
		"request_id": requestID,
	})
	writeJSON(w, http.StatusAccepted, CommandResponse{RequestID: requestID})
}

func (h *Handler) handleReload(w http.ResponseWriter, r *http.Request) {
	var req ReloadRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Connection == "" {
		http.Error(w, "connection required", http.StatusBadRequest)
		return
	}
	if err := h.source.ReloadConnection(r.Context(), req.Connection, req.Device); err != nil {
		respondSourceError(w, err)
		return
	}
	h.logAudit(r, "connection.reload", "connection", req.Connection, map[string]any{"device": req.Device})
	w.WriteHeader(http.StatusAccepted)
}

func (h *Handler) handleConnections(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.source.Stats())
}

func (h *Handler) handleGetSync(w http.ResponseWriter, r *http.Request) {
	state, err := h.sync.SyncState(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"active":     state.Active,
		"connected":  state.Connected,
		"ready":      state.Ready(),
		"updated_at": state.UpdatedAt,
	})
}

func (h *Handler) handlePutSync(w http.ResponseWriter, r *http.Request) {
	var req SyncRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := h.sync.SetSyncState(r.Context(), req.Active, req.Connected); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	h.logAudit(r, "sync.update", "sync_state", "global", map[string]any{
		"active":    req.Active,
		"connected": req.Connected,
	})
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) logAudit(r *http.Request, action, resourceType, resourceID string, meta map[string]any) {
	if h.auditLogger == nil {
		return
	}
	metadata, _ := json.Marshal(meta)
	err := h.auditLogger.Log(r.Context(), audit.Entry{
		Actor:        auth.SubjectFromContext(r.Context()),
		Role:         string(auth.RoleFromContext(r.Context())),
		Action:       action,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		Metadata:     metadata,
		IP:           audit.ClientIP(r),
		UserAgent:    r.UserAgent(),
	})
	if err != nil {
		h.logger.Warn("audit log failed", zap.String("action", action), zap.Error(err))
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, out any) bool {
	defer r.Body.Close()
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		http.Error(w, "read body error", http.StatusBadRequest)
		return false
	}
	if err := json.Unmarshal(body, out); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return false
	}
	return true
}

func respondSourceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, longpoll.ErrUnknownConnection):
		http.Error(w, "unknown connection", http.StatusNotFound)
	case errors.Is(err, bridgeapp.ErrEmptyCommand):
		http.Error(w, err.Error(), http.StatusBadRequest)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
