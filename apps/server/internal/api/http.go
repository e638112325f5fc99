package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"ecosim/apps/server/internal/archive"
	"ecosim/apps/server/internal/auth"
	"ecosim/apps/server/internal/registry"
	"ecosim/apps/server/internal/session"
	"ecosim/econ"
)

// Handler serves the game REST API. Actions and lifecycle changes go
// through here; live events go out over the gateway websocket.
type Handler struct {
	registry *registry.Registry
	archive  archive.Service
	auth     auth.Service
}

func NewHandler(reg *registry.Registry, arch archive.Service, authSvc auth.Service) *Handler {
	return &Handler{registry: reg, archive: arch, auth: authSvc}
}

func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/game/create", h.handleCreate)
	mux.HandleFunc("GET /api/games", h.handleListGames)
	mux.HandleFunc("POST /api/game/{id}/join", h.handleJoin)
	mux.HandleFunc("POST /api/game/{id}/start", h.handleStart)
	mux.HandleFunc("GET /api/game/{id}/state", h.handleState)
	mux.HandleFunc("GET /api/game/{id}/history", h.handleHistory)
	mux.HandleFunc("GET /api/game/{id}/history/{quarter}", h.handleHistoryQuarter)
	mux.HandleFunc("POST /api/player/action", h.handlePlayerAction)
	mux.HandleFunc("POST /api/gm/action", h.handleGMAction)
}

type createRequest struct {
	Mode              string `json:"mode,omitempty"`
	QuarterDeadlineMs int64  `json:"quarterDeadlineMs,omitempty"`
	MaxQuarters       int    `json:"maxQuarters,omitempty"`
}

type createResponse struct {
	GameID string         `json:"gameId"`
	Status session.Status `json:"status"`
}

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	cfg := session.Config{MaxQuarters: req.MaxQuarters}
	switch req.Mode {
	case "":
	case string(session.PolicyBarrier), string(session.PolicyImmediate):
		cfg.Mode = session.PolicyMode(req.Mode)
	default:
		writeError(w, http.StatusBadRequest, "invalid mode")
		return
	}
	if req.QuarterDeadlineMs < 0 || req.MaxQuarters < 0 {
		writeError(w, http.StatusBadRequest, "negative durations not allowed")
		return
	}
	if req.QuarterDeadlineMs > 0 {
		cfg.QuarterDeadline = time.Duration(req.QuarterDeadlineMs) * time.Millisecond
	}

	s := h.registry.Create(cfg)
	writeJSON(w, http.StatusOK, createResponse{GameID: s.ID, Status: session.StatusLobby})
}

func (h *Handler) handleListGames(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"games": h.registry.List()})
}

type joinRequest struct {
	ID   string `json:"id,omitempty"`
	Name string `json:"name,omitempty"`
	Role string `json:"role"`
}

func (h *Handler) handleJoin(w http.ResponseWriter, r *http.Request) {
	s, ok := h.lookupGame(w, r)
	if !ok {
		return
	}

	var req joinRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	// An authenticated caller joins as their account; anonymous callers
	// may name themselves or get a generated id.
	id, name := h.identity(r)
	if id == "" {
		id = req.ID
	}
	if id == "" {
		id = uuid.NewString()
	}
	if req.Name != "" {
		name = req.Name
	}
	if name == "" {
		name = id
	}

	p := session.Participant{ID: id, Name: name, Role: session.Role(req.Role)}
	if err := s.Join(p); err != nil {
		writeGameError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"gameId":      s.ID,
		"participant": p,
	})
}

func (h *Handler) handleStart(w http.ResponseWriter, r *http.Request) {
	s, ok := h.lookupGame(w, r)
	if !ok {
		return
	}
	state, err := h.registry.Start(s.ID)
	if err != nil {
		writeGameError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"gameId": s.ID,
		"state":  state,
	})
}

func (h *Handler) handleState(w http.ResponseWriter, r *http.Request) {
	s, ok := h.lookupGame(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, s.Snapshot())
}

func (h *Handler) handleHistory(w http.ResponseWriter, r *http.Request) {
	s, ok := h.lookupGame(w, r)
	if !ok {
		return
	}
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}
	records, err := h.archive.ListQuarters(r.Context(), s.ID, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "history unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"quarters": records})
}

func (h *Handler) handleHistoryQuarter(w http.ResponseWriter, r *http.Request) {
	s, ok := h.lookupGame(w, r)
	if !ok {
		return
	}
	quarter, err := strconv.Atoi(r.PathValue("quarter"))
	if err != nil || quarter <= 0 {
		writeError(w, http.StatusBadRequest, "invalid quarter")
		return
	}
	record, err := h.archive.GetQuarter(r.Context(), s.ID, quarter)
	if err != nil {
		if errors.Is(err, archive.ErrNotFound) {
			writeError(w, http.StatusNotFound, "quarter not archived")
			return
		}
		writeError(w, http.StatusInternalServerError, "history unavailable")
		return
	}
	writeJSON(w, http.StatusOK, record)
}

type playerActionRequest struct {
	GameID      string          `json:"gameId"`
	SubmitterID string          `json:"submitterId,omitempty"`
	Action      json.RawMessage `json:"action"`
}

func (h *Handler) handlePlayerAction(w http.ResponseWriter, r *http.Request) {
	var req playerActionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	h.submit(w, r, req.GameID, req.SubmitterID, econ.KindPlayer, req.Action, false)
}

type gmActionRequest struct {
	GameID      string          `json:"gameId"`
	SubmitterID string          `json:"submitterId,omitempty"`
	Action      json.RawMessage `json:"action"`
	Urgent      bool            `json:"urgent,omitempty"`
}

func (h *Handler) handleGMAction(w http.ResponseWriter, r *http.Request) {
	var req gmActionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	h.submit(w, r, req.GameID, req.SubmitterID, econ.KindGM, req.Action, req.Urgent)
}

func (h *Handler) submit(w http.ResponseWriter, r *http.Request, gameID, submitterID string, kind econ.Kind, payload json.RawMessage, urgent bool) {
	if gameID == "" {
		writeError(w, http.StatusBadRequest, "gameId is required")
		return
	}
	if len(payload) == 0 {
		writeError(w, http.StatusBadRequest, "action is required")
		return
	}
	if id, _ := h.identity(r); id != "" {
		submitterID = id
	}
	if submitterID == "" {
		writeError(w, http.StatusForbidden, "submitter identity required")
		return
	}

	s, err := h.registry.Get(gameID)
	if err != nil {
		writeGameError(w, err)
		return
	}
	ack, err := s.Submit(submitterID, kind, payload, urgent)
	if err != nil {
		writeGameError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ack)
}

func (h *Handler) lookupGame(w http.ResponseWriter, r *http.Request) (*session.Session, bool) {
	s, err := h.registry.Get(r.PathValue("id"))
	if err != nil {
		writeGameError(w, err)
		return nil, false
	}
	return s, true
}

// identity resolves the caller's account from a bearer token, if any.
func (h *Handler) identity(r *http.Request) (id, username string) {
	if h.auth == nil {
		return "", ""
	}
	token := auth.BearerToken(r)
	if token == "" {
		return "", ""
	}
	accountID, name, ok := h.auth.ResolveSession(token)
	if !ok {
		return "", ""
	}
	return accountID, name
}

func writeGameError(w http.ResponseWriter, err error) {
	var invalidState *session.InvalidStateError
	switch {
	case errors.Is(err, registry.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.As(err, &invalidState), errors.Is(err, session.ErrGMAssigned):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, session.ErrUnauthorized), errors.Is(err, session.ErrNoParticipant):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, session.ErrCorrupt), errors.Is(err, session.ErrClosed):
		writeError(w, http.StatusConflict, err.Error())
	default:
		writeError(w, http.StatusBadRequest, err.Error())
	}
}

// decodeJSON fills dst from the request body. An empty body is not an
// error; every request type here has usable zero values.
func decodeJSON(r *http.Request, dst any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
