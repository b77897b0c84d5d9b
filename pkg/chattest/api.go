package chattest

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"

	"github.com/mahaj/ichat/pkg/auth"
	"github.com/mahaj/ichat/pkg/model"
)

func (s *Server) router() *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/api/auth/login", s.login).Methods(http.MethodPost)
	r.HandleFunc("/api/auth/register", s.register).Methods(http.MethodPost)

	r.HandleFunc("/api/chat/group-history", s.groupHistory).Methods(http.MethodGet)
	r.HandleFunc("/api/chat/history", s.archiveList).Methods(http.MethodGet)
	r.HandleFunc("/api/chat/messages/{sessionId}", s.archiveMessages).Methods(http.MethodGet)
	r.HandleFunc("/api/chat/history/{sessionId}", s.archiveDelete).Methods(http.MethodDelete)

	r.HandleFunc("/ws", s.serveWs).Methods(http.MethodGet)
	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn().Err(err).Str("component", "chattest").Msg("failed to write response")
	}
}

func writeMessage(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"message": msg})
}

func (s *Server) login(w http.ResponseWriter, r *http.Request) {
	var req auth.LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeMessage(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	a, ok := s.store.account(strings.TrimSpace(req.Email))
	if !ok || a.password != req.Password {
		writeMessage(w, http.StatusUnauthorized, "Invalid email or password")
		return
	}
	token, err := s.signer.GenerateToken(a.username, a.email)
	if err != nil {
		writeMessage(w, http.StatusInternalServerError, "Failed to generate token")
		return
	}
	writeJSON(w, http.StatusOK, auth.LoginResponse{
		Token: token,
		User:  model.User{ID: a.username, Username: a.username, Email: a.email},
	})
}

func (s *Server) register(w http.ResponseWriter, r *http.Request) {
	var req auth.RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeMessage(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Username == "" || req.Email == "" || req.Password == "" {
		writeMessage(w, http.StatusBadRequest, "All fields are required")
		return
	}
	if !s.store.addAccount(account{username: req.Username, email: req.Email, password: req.Password}) {
		writeMessage(w, http.StatusConflict, "User already exists")
		return
	}
	writeMessage(w, http.StatusCreated, "User registered successfully")
}

func (s *Server) groupHistory(w http.ResponseWriter, r *http.Request) {
	msgs, body, gate := s.store.groupHistory()
	if gate != nil {
		select {
		case <-gate:
		case <-r.Context().Done():
			return
		}
		// Serve what the channel holds once released.
		msgs, body, _ = s.store.groupHistory()
	}
	if body != nil {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(body)
		return
	}
	writeJSON(w, http.StatusOK, msgs)
}

func (s *Server) archiveList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.store.archiveList())
}

func (s *Server) archiveMessages(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["sessionId"]
	msgs, ok := s.store.archiveSession(id)
	if !ok {
		writeMessage(w, http.StatusNotFound, "Session not found")
		return
	}
	writeJSON(w, http.StatusOK, msgs)
}

func (s *Server) archiveDelete(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["sessionId"]
	if !s.store.deleteArchive(id) {
		writeMessage(w, http.StatusNotFound, "Session not found")
		return
	}
	writeMessage(w, http.StatusOK, "Session deleted")
}
