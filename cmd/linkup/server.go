package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"linkup/internal/call"
	"linkup/internal/chatsync"
	"linkup/internal/constants"
	apperrors "linkup/internal/errors"
	"linkup/internal/metrics"
	"linkup/internal/middleware"
	"linkup/internal/session"
	"linkup/internal/validation"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
)

// Server is the local debug API over a running session
type Server struct {
	router *mux.Router
	logger *logrus.Logger
	sess   *session.Session
	server *http.Server
	addr   string
}

func NewServer(addr string, sess *session.Session, logger *logrus.Logger) *Server {
	s := &Server{
		router: mux.NewRouter(),
		logger: logger,
		sess:   sess,
		addr:   addr,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(middleware.Observability(s.logger))

	s.router.HandleFunc("/health", s.handleHealth()).Methods(http.MethodGet)
	s.router.HandleFunc("/metrics", s.handleMetrics()).Methods(http.MethodGet)

	s.router.HandleFunc("/rooms", s.handleRooms()).Methods(http.MethodGet)
	s.router.HandleFunc("/rooms/{id}/messages", s.handleMessages()).Methods(http.MethodGet)
	s.router.HandleFunc("/rooms/{id}/messages", s.handleSend()).Methods(http.MethodPost)

	s.router.HandleFunc("/call", s.handleCallState()).Methods(http.MethodGet)
	s.router.HandleFunc("/call", s.handleStartCall()).Methods(http.MethodPost)
	s.router.HandleFunc("/call", s.handleEndCall()).Methods(http.MethodDelete)
}

func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:         s.addr,
		Handler:      s.router,
		ReadTimeout:  time.Duration(constants.DefaultServerReadTimeoutSec) * time.Second,
		WriteTimeout: time.Duration(constants.DefaultServerWriteTimeoutSec) * time.Second,
		IdleTimeout:  time.Duration(constants.DefaultServerIdleTimeoutSec) * time.Second,
	}
	s.logger.WithField("addr", s.addr).Info("Starting debug server")
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.WithError(err).Error("Failed to encode debug response")
	}
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		apperrors.LogError(s.logger.WithField("status", status), err, "Debug request failed")
	}
	s.writeJSON(w, status, errorResponse{Error: err.Error(), Message: apperrors.GetUserMessage(err)})
}

// decode reads a bounded JSON body into v and reports a 400 on failure
func (s *Server) decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	validation.LimitRequestBody(w, r)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		s.writeError(w, apperrors.NewValidationError("body", "", "invalid JSON body"))
		return false
	}
	return true
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, session.ErrNotLoggedIn), errors.Is(err, chatsync.ErrOffline):
		return http.StatusServiceUnavailable
	case errors.Is(err, chatsync.ErrUnknownRoom), errors.Is(err, call.ErrNoCall):
		return http.StatusNotFound
	default:
		return apperrors.HTTPStatusCode(err)
	}
}

func (s *Server) handleHealth() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := http.StatusOK
		if !s.sess.LoggedIn() {
			status = http.StatusServiceUnavailable
		}
		s.writeJSON(w, status, map[string]interface{}{
			"logged_in": s.sess.LoggedIn(),
			"signaling": s.sess.SignalState().String(),
			"call":      s.sess.Calls().State().Name(),
		})
	}
}

func (s *Server) handleMetrics() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.writeJSON(w, http.StatusOK, metrics.GetRegistry().Snapshot())
	}
}

func (s *Server) handleRooms() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.writeJSON(w, http.StatusOK, s.sess.Chat().Rooms())
	}
}

type messagesResponse struct {
	RoomID   string      `json:"room_id"`
	Stale    bool        `json:"stale"`
	Messages interface{} `json:"messages"`
}

func (s *Server) handleMessages() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		roomID := mux.Vars(r)["id"]
		if err := validation.ValidateID("room_id", roomID); err != nil {
			s.writeError(w, err)
			return
		}
		snap, err := s.sess.Chat().OpenRoom(r.Context(), roomID)
		if err != nil {
			s.writeError(w, err)
			return
		}
		s.writeJSON(w, http.StatusOK, messagesResponse{
			RoomID:   roomID,
			Stale:    snap.Stale,
			Messages: snap.Messages,
		})
	}
}

type sendRequest struct {
	Content string `json:"content"`
}

func (s *Server) handleSend() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.sess.LoggedIn() {
			s.writeError(w, session.ErrNotLoggedIn)
			return
		}
		roomID := mux.Vars(r)["id"]
		if err := validation.ValidateID("room_id", roomID); err != nil {
			s.writeError(w, err)
			return
		}
		var req sendRequest
		if !s.decode(w, r, &req) {
			return
		}
		if err := validation.ValidateMessageContent(req.Content); err != nil {
			s.writeError(w, err)
			return
		}
		msg, err := s.sess.Chat().Send(r.Context(), roomID, req.Content, nil)
		if err != nil {
			s.writeError(w, err)
			return
		}
		s.writeJSON(w, http.StatusCreated, msg)
	}
}

type callResponse struct {
	State  string `json:"state"`
	CallID string `json:"call_id,omitempty"`
}

func (s *Server) handleCallState() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st := s.sess.Calls().State()
		s.writeJSON(w, http.StatusOK, callResponse{State: st.Name(), CallID: st.CallID()})
	}
}

type startCallRequest struct {
	RoomID   string `json:"room_id"`
	CalleeID string `json:"callee_id"`
}

func (s *Server) handleStartCall() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.sess.LoggedIn() {
			s.writeError(w, session.ErrNotLoggedIn)
			return
		}
		var req startCallRequest
		if !s.decode(w, r, &req) {
			return
		}
		roomID, calleeID := strings.TrimSpace(req.RoomID), strings.TrimSpace(req.CalleeID)
		if err := validation.ValidateID("room_id", roomID); err != nil {
			s.writeError(w, err)
			return
		}
		if err := validation.ValidateID("callee_id", calleeID); err != nil {
			s.writeError(w, err)
			return
		}
		callID, err := s.sess.Calls().StartCall(r.Context(), roomID, calleeID)
		if err != nil {
			s.writeError(w, err)
			return
		}
		s.writeJSON(w, http.StatusCreated, callResponse{State: s.sess.Calls().State().Name(), CallID: callID})
	}
}

func (s *Server) handleEndCall() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := s.sess.Calls().End(); err != nil {
			s.writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}
