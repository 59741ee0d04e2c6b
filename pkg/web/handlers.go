package web

import (
	"embed"
	"encoding/json"
	stderrors "errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/go-go-golems/study-chat/pkg/identity"
	"github.com/go-go-golems/study-chat/pkg/lifecycle"
	"github.com/go-go-golems/study-chat/pkg/scenarios"
	"github.com/go-go-golems/study-chat/pkg/session"
)

// ClientCookie carries the browser key the identity cache is keyed by.
const ClientCookie = "study_client"

//go:embed static/*.html
var staticFS embed.FS

type HandlerOptions struct {
	Manager  *session.Manager
	Hub      *Hub
	Logger   zerolog.Logger
	Upgrader websocket.Upgrader
}

type handlers struct {
	mgr      *session.Manager
	hub      *Hub
	log      zerolog.Logger
	upgrader websocket.Upgrader
}

// NewHandler mounts the study API, the websocket and the terminal pages.
func NewHandler(opts HandlerOptions) http.Handler {
	h := &handlers{
		mgr:      opts.Manager,
		hub:      opts.Hub,
		log:      opts.Logger.With().Str("component", "web").Logger(),
		upgrader: opts.Upgrader,
	}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/scenarios", h.listScenarios)
	mux.HandleFunc("POST /api/sessions", h.createSession)
	mux.HandleFunc("GET /api/sessions/{id}", h.getSession)
	mux.HandleFunc("POST /api/sessions/{id}/identity", h.submitIdentity)
	mux.HandleFunc("POST /api/sessions/{id}/start", h.confirmStart)
	mux.HandleFunc("POST /api/sessions/{id}/messages", h.submitMessage)
	mux.HandleFunc("POST /api/sessions/{id}/end", h.endSession)
	mux.HandleFunc("GET /ws", h.attachWS)
	mux.HandleFunc("GET "+session.TimeoutPath, h.page("static/timeout.html"))
	mux.HandleFunc("GET "+session.CompletePath, h.page("static/complete.html"))
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	return mux
}

type errorBody struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
	Alert string `json:"alert,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, body errorBody) {
	writeJSON(w, status, body)
}

func decodeBody(r *http.Request, v any) error {
	if r.Body == nil {
		return nil
	}
	err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(v)
	if stderrors.Is(err, io.EOF) {
		return nil
	}
	return err
}

// sessionError maps controller errors onto status codes.
func (h *handlers) sessionError(w http.ResponseWriter, err error) {
	var (
		blocking   *session.BlockingError
		validation *identity.ValidationError
	)
	switch {
	case stderrors.As(err, &validation):
		writeError(w, http.StatusUnprocessableEntity, errorBody{Error: validation.Error(), Kind: validation.Kind.String()})
	case stderrors.As(err, &blocking):
		writeError(w, http.StatusServiceUnavailable, errorBody{Error: blocking.Alert, Alert: blocking.Alert})
	case stderrors.Is(err, session.ErrNotFound):
		writeError(w, http.StatusNotFound, errorBody{Error: "session not found"})
	case stderrors.Is(err, session.ErrEmptyMessage):
		writeError(w, http.StatusBadRequest, errorBody{Error: "message is empty"})
	case stderrors.Is(err, session.ErrBusy):
		writeError(w, http.StatusConflict, errorBody{Error: "a message is already being answered", Kind: "busy"})
	case stderrors.Is(err, session.ErrNotActive):
		writeError(w, http.StatusConflict, errorBody{Error: "the chat is locked", Kind: "not_active"})
	case stderrors.Is(err, session.ErrWrongState):
		writeError(w, http.StatusConflict, errorBody{Error: "not allowed in the current state", Kind: "wrong_state"})
	default:
		h.log.Error().Err(err).Msg("unhandled session error")
		writeError(w, http.StatusInternalServerError, errorBody{Error: "internal error"})
	}
}

func (h *handlers) controller(w http.ResponseWriter, r *http.Request) (*session.Controller, bool) {
	ctrl, ok := h.mgr.Get(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, errorBody{Error: "session not found"})
		return nil, false
	}
	return ctrl, true
}

func (h *handlers) listScenarios(w http.ResponseWriter, r *http.Request) {
	cat := scenarios.Category(r.URL.Query().Get("category"))
	var list []scenarios.Scenario
	if cat != "" {
		if !cat.Valid() {
			writeError(w, http.StatusBadRequest, errorBody{Error: "unknown category"})
			return
		}
		list = h.mgr.Catalog().ByCategory(cat)
	} else {
		list = h.mgr.Catalog().List()
	}
	writeJSON(w, http.StatusOK, map[string]any{"scenarios": list})
}

type createSessionRequest struct {
	ScenarioID    string `json:"scenario_id"`
	ParticipantID string `json:"PROLIFIC_PID"`
	StudyID       string `json:"STUDY_ID"`
	SessionID     string `json:"SESSION_ID"`
	ReturnURL     string `json:"return_url"`
}

// clientKey returns the browser key, issuing a cookie on first contact.
func clientKey(w http.ResponseWriter, r *http.Request) string {
	if c, err := r.Cookie(ClientCookie); err == nil && strings.TrimSpace(c.Value) != "" {
		return c.Value
	}
	key := uuid.NewString()
	http.SetCookie(w, &http.Cookie{
		Name:     ClientCookie,
		Value:    key,
		Path:     "/",
		MaxAge:   int((365 * 24 * time.Hour).Seconds()),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	return key
}

func (h *handlers) createSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, errorBody{Error: "invalid request body"})
		return
	}
	// launch parameters may also arrive on the entry URL
	q := r.URL.Query()
	fill := func(dst *string, key string) {
		if *dst == "" {
			*dst = q.Get(key)
		}
	}
	fill(&req.ScenarioID, "scenario_id")
	fill(&req.ParticipantID, "PROLIFIC_PID")
	fill(&req.StudyID, "STUDY_ID")
	fill(&req.SessionID, "SESSION_ID")
	fill(&req.ReturnURL, "return_url")

	if strings.TrimSpace(req.ScenarioID) == "" {
		writeError(w, http.StatusBadRequest, errorBody{Error: "missing scenario_id"})
		return
	}

	ctrl, err := h.mgr.Open(r.Context(), req.ScenarioID, session.Launch{
		ParticipantID: req.ParticipantID,
		ReturnURL:     req.ReturnURL,
		StudyID:       req.StudyID,
		SessionID:     req.SessionID,
		ClientKey:     clientKey(w, r),
		UserAgent:     r.UserAgent(),
	})
	if err != nil {
		if stderrors.Is(err, session.ErrNotFound) {
			writeError(w, http.StatusNotFound, errorBody{Error: "unknown scenario"})
			return
		}
		h.sessionError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, ctrl.Snapshot())
}

func (h *handlers) getSession(w http.ResponseWriter, r *http.Request) {
	ctrl, ok := h.controller(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, ctrl.Snapshot())
}

func (h *handlers) submitIdentity(w http.ResponseWriter, r *http.Request) {
	ctrl, ok := h.controller(w, r)
	if !ok {
		return
	}
	var req struct {
		ParticipantID string `json:"participant_id"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, errorBody{Error: "invalid request body"})
		return
	}
	if _, err := ctrl.SubmitIdentity(r.Context(), req.ParticipantID); err != nil {
		h.sessionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ctrl.Snapshot())
}

func (h *handlers) confirmStart(w http.ResponseWriter, r *http.Request) {
	ctrl, err := h.mgr.ConfirmStart(r.Context(), r.PathValue("id"))
	if err != nil {
		h.sessionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ctrl.Snapshot())
}

type messageResponse struct {
	Outcome session.Outcome  `json:"outcome"`
	Session session.Snapshot `json:"session"`
}

func (h *handlers) submitMessage(w http.ResponseWriter, r *http.Request) {
	ctrl, ok := h.controller(w, r)
	if !ok {
		return
	}
	var req struct {
		Content string `json:"content"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, errorBody{Error: "invalid request body"})
		return
	}
	ex, err := ctrl.Submit(r.Context(), req.Content)
	if err != nil {
		h.sessionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, messageResponse{Outcome: ex.Outcome, Session: ctrl.Snapshot()})
}

func (h *handlers) endSession(w http.ResponseWriter, r *http.Request) {
	ctrl, ok := h.controller(w, r)
	if !ok {
		return
	}
	if err := ctrl.EndEarly(r.Context()); err != nil {
		h.sessionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ctrl.Snapshot())
}

func (h *handlers) attachWS(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.URL.Query().Get("session_id"))
	if id == "" {
		http.Error(w, "missing session_id", http.StatusBadRequest)
		return
	}
	ctrl, ok := h.mgr.Get(id)
	if !ok {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	pool := h.hub.Pool(id)
	pool.Add(conn)
	h.log.Debug().Str("session_id", id).Int("connections", pool.Count()).Msg("ws attached")

	snap := ctrl.Snapshot()
	hello, _ := json.Marshal(lifecycle.Event{
		Type:           lifecycle.TypeState,
		SessionID:      id,
		ConversationID: snap.ConversationID,
		State:          string(snap.State),
		EndReason:      string(snap.EndReason),
		Remaining:      snap.Remaining,
		Redirect:       snap.Redirect,
		Alert:          snap.Alert,
		At:             time.Now().UTC(),
	})
	pool.SendToOne(conn, hello)

	// the browser never sends frames we act on; reading keeps pings answered
	// and notices the close
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	pool.Remove(conn)
	h.log.Debug().Str("session_id", id).Msg("ws detached")
}

func (h *handlers) page(name string) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		data, err := staticFS.ReadFile(name)
		if err != nil {
			http.Error(w, "page not found", http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write(data)
	}
}
