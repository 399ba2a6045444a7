package http

import (
	"encoding/json"
	"errors"
	"net/http"

	"live-quiz-service/internal/domain"
	"live-quiz-service/internal/live"
)

// APIHandler is the plain HTTP surface for hosts: session creation and
// lookups that do not need a long-lived connection.
type APIHandler struct {
	coordinator      *live.Coordinator
	defaultTimeLimit int
}

func NewAPIHandler(coordinator *live.Coordinator, defaultTimeLimit int) *APIHandler {
	return &APIHandler{coordinator: coordinator, defaultTimeLimit: defaultTimeLimit}
}

// Register mounts the API routes on mux.
func (h *APIHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("/api/sessions", h.handleSessions)
	mux.HandleFunc("/api/results", h.handleResults)
}

type createSessionRequest struct {
	QuizID            string                 `json:"quizId"`
	HostID            string                 `json:"hostId"`
	HostName          string                 `json:"hostName"`
	Settings          domain.SessionSettings `json:"settings"`
	QuestionTimeLimit int                    `json:"questionTimeLimit"`
}

// handleSessions creates a session on POST and resolves a join code on GET.
func (h *APIHandler) handleSessions(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		var req createSessionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}
		if req.QuizID == "" || req.HostID == "" {
			http.Error(w, "quizId and hostId are required", http.StatusBadRequest)
			return
		}
		limit := req.QuestionTimeLimit
		if limit <= 0 {
			limit = h.defaultTimeLimit
		}
		session, err := h.coordinator.CreateSession(r.Context(), req.QuizID, req.HostID, req.HostName, req.Settings, limit)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, session)
	case http.MethodGet:
		code := r.URL.Query().Get("code")
		if code == "" {
			http.Error(w, "missing code", http.StatusBadRequest)
			return
		}
		session, err := h.coordinator.SessionByCode(r.Context(), code)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, session)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (h *APIHandler) handleResults(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	sessionID := r.URL.Query().Get("sessionId")
	userID := r.URL.Query().Get("userId")
	if sessionID == "" || userID == "" {
		http.Error(w, "missing sessionId or userId", http.StatusBadRequest)
		return
	}
	result, err := h.coordinator.GetResult(r.Context(), sessionID, userID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrQuizNotFound),
		errors.Is(err, domain.ErrSessionNotFound),
		errors.Is(err, domain.ErrParticipantNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, domain.ErrSessionEnded),
		errors.Is(err, domain.ErrSessionStarted),
		errors.Is(err, domain.ErrInvalidPhase),
		errors.Is(err, domain.ErrEditingInProgress),
		errors.Is(err, domain.ErrConcurrentUpdate):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, domain.ErrCodeExhausted):
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
