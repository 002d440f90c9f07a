package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/ricochet1k/wagate/internal/presentation"
	"github.com/ricochet1k/wagate/internal/realtime"
	"github.com/ricochet1k/wagate/internal/service"
	"github.com/ricochet1k/wagate/internal/storage"
	apiTypes "github.com/ricochet1k/wagate/pkg/api"
)

const (
	OwnerHeader = "X-Wagate-Owner"
	AdminHeader = "X-Wagate-Admin"
)

// IdentityFunc resolves the caller of a request. The upstream auth layer is
// trusted to have authenticated it.
type IdentityFunc func(r *http.Request) service.Caller

// HeaderIdentity reads the caller from the X-Wagate-Owner and
// X-Wagate-Admin headers.
func HeaderIdentity(r *http.Request) service.Caller {
	admin, _ := strconv.ParseBool(strings.TrimSpace(r.Header.Get(AdminHeader)))
	return service.Caller{
		Owner:   strings.TrimSpace(r.Header.Get(OwnerHeader)),
		IsAdmin: admin,
	}
}

// Handler routes REST and realtime requests to the session service.
type Handler struct {
	sessions     *service.SessionService
	orchestrator *service.Orchestrator
	realtimeHub  *realtime.Hub
	identity     IdentityFunc
	log          *logrus.Entry
}

type HandlerConfig struct {
	Sessions     *service.SessionService
	Orchestrator *service.Orchestrator
	Hub          *realtime.Hub
	Identity     IdentityFunc
	Log          *logrus.Entry
}

func NewHandler(cfg HandlerConfig) *Handler {
	identity := cfg.Identity
	if identity == nil {
		identity = HeaderIdentity
	}
	log := cfg.Log
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Handler{
		sessions:     cfg.Sessions,
		orchestrator: cfg.Orchestrator,
		realtimeHub:  cfg.Hub,
		identity:     identity,
		log:          log.WithField("component", "api"),
	}
}

// Mount registers all API routes on the provided router.
func (h *Handler) Mount(r chi.Router) {
	r.Get("/api/healthz", h.healthz)
	r.Get("/api/realtime", h.realtimeWebSocket)
	r.Get("/api/sessions", h.listSessions)
	r.Post("/api/sessions", h.createSession)
	r.Get("/api/sessions/{id}", h.getSession)
	r.Delete("/api/sessions/{id}", h.deleteSession)
	r.Post("/api/sessions/{id}/reconnect", h.reconnectSession)
	r.Post("/api/sessions/{id}/logout", h.logoutSession)
}

// caller returns the request's identity, or writes 401 and false.
func (h *Handler) caller(w http.ResponseWriter, r *http.Request) (service.Caller, bool) {
	c := h.identity(r)
	if c.Owner == "" && !c.IsAdmin {
		writeError(w, http.StatusUnauthorized, "missing caller identity", "")
		return service.Caller{}, false
	}
	return c, true
}

func (h *Handler) healthz(w http.ResponseWriter, r *http.Request) {
	resp := apiTypes.HealthResponse{Status: "ok"}
	if h.orchestrator != nil {
		resp.ActiveSessions = len(h.orchestrator.ActiveSessions())
	}
	if h.realtimeHub != nil {
		resp.RealtimeClients = h.realtimeHub.ClientCount()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) listSessions(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}

	sessions, err := h.sessions.ListSessions(r.Context(), caller)
	if err != nil {
		h.writeServiceError(w, err, "failed to list sessions")
		return
	}

	writeJSON(w, http.StatusOK, presentation.SessionListResponse(sessions))
}

func (h *Handler) createSession(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}

	var req apiTypes.CreateSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	if strings.TrimSpace(req.ID) == "" {
		writeError(w, http.StatusBadRequest, "id is required", "")
		return
	}

	sess, err := h.sessions.CreateSession(r.Context(), caller, req.ID)
	if err != nil {
		h.writeServiceError(w, err, "failed to create session")
		return
	}
	writeJSON(w, http.StatusCreated, presentation.SessionResponse(sess))
}

func (h *Handler) getSession(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}

	sess, err := h.sessions.GetSession(r.Context(), caller, chi.URLParam(r, "id"))
	if err != nil {
		h.writeServiceError(w, err, "failed to get session")
		return
	}
	writeJSON(w, http.StatusOK, presentation.SessionResponse(sess))
}

func (h *Handler) deleteSession(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}

	if err := h.sessions.DeleteSession(r.Context(), caller, chi.URLParam(r, "id")); err != nil {
		h.writeServiceError(w, err, "failed to delete session")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) reconnectSession(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}

	id := chi.URLParam(r, "id")
	triggered, err := h.sessions.TriggerReconnect(r.Context(), caller, id)
	if err != nil {
		h.writeServiceError(w, err, "failed to reconnect session")
		return
	}
	if !triggered {
		writeError(w, http.StatusNotFound, "session not found", id)
		return
	}
	writeJSON(w, http.StatusAccepted, apiTypes.ReconnectResponse{Triggered: true})
}

func (h *Handler) logoutSession(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}

	if err := h.sessions.Logout(r.Context(), caller, chi.URLParam(r, "id")); err != nil {
		h.writeServiceError(w, err, "failed to log out session")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) writeServiceError(w http.ResponseWriter, err error, message string) {
	switch {
	case errors.Is(err, storage.ErrInvalidSessionID):
		writeError(w, http.StatusBadRequest, "invalid session id", err.Error())
	case errors.Is(err, service.ErrSessionNotFound), errors.Is(err, storage.ErrSessionNotFound):
		writeError(w, http.StatusNotFound, "session not found", err.Error())
	case errors.Is(err, service.ErrForbidden):
		writeError(w, http.StatusForbidden, "forbidden", err.Error())
	case errors.Is(err, storage.ErrDuplicateSession):
		writeError(w, http.StatusConflict, "session already exists", err.Error())
	case errors.Is(err, service.ErrShutdown):
		writeError(w, http.StatusServiceUnavailable, "shutting down", "")
	default:
		h.log.WithError(err).Error(message)
		writeError(w, http.StatusInternalServerError, message, err.Error())
	}
}

func generateID() string {
	return uuid.NewString()
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, message, details string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	resp := apiTypes.ErrorResponse{Error: message}
	if details != "" {
		resp.Details = details
	}
	_ = json.NewEncoder(w).Encode(resp)
}
