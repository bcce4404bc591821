package api

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/tempora-io/tempora/internal/storage"
)

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.userID(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "auth_required", "missing principal")
		return
	}

	replace := r.URL.Query().Get("replace") == "true"
	if r.ContentLength > 0 {
		var body struct {
			Replace bool `json:"replace"`
		}
		if err := decode(r, &body); err != nil {
			respondErr(w, err)
			return
		}
		replace = replace || body.Replace
	}

	session, err := s.onboarding.CreateSession(r.Context(), userID, replace)
	if err != nil {
		respondErr(w, err)
		return
	}
	respond(w, http.StatusCreated, sessionViewOf(session))
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.userID(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "auth_required", "missing principal")
		return
	}
	session, err := s.onboarding.GetSession(r.Context(), userID)
	if err != nil {
		// No session is a valid answer, not an error.
		if errors.Is(err, storage.ErrNotFound) {
			respond(w, http.StatusOK, nil)
			return
		}
		respondErr(w, err)
		return
	}
	respond(w, http.StatusOK, sessionViewOf(session))
}

func (s *Server) handleResumeSession(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.userID(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "auth_required", "missing principal")
		return
	}
	var body struct {
		Token string `json:"token"`
	}
	if err := decode(r, &body); err != nil {
		respondErr(w, err)
		return
	}
	if body.Token == "" {
		respondErr(w, fmt.Errorf("%w: token required", storage.ErrInvalidArgument))
		return
	}
	session, err := s.onboarding.ResumeByToken(r.Context(), userID, body.Token, time.Now().UTC())
	if err != nil {
		respondErr(w, err)
		return
	}
	respond(w, http.StatusOK, sessionViewOf(session))
}

func (s *Server) handleAddSessionAccount(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.userID(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "auth_required", "missing principal")
		return
	}
	var account storage.SessionAccount
	if err := decode(r, &account); err != nil {
		respondErr(w, err)
		return
	}
	session, err := s.onboarding.AddAccount(r.Context(), userID, account)
	if err != nil {
		respondErr(w, err)
		return
	}
	respond(w, http.StatusOK, sessionViewOf(session))
}

func (s *Server) handleUpdateSessionAccount(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.userID(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "auth_required", "missing principal")
		return
	}
	var body struct {
		AccountID     string                       `json:"account_id"`
		Status        storage.SessionAccountStatus `json:"status"`
		CalendarCount *int                         `json:"calendar_count"`
	}
	if err := decode(r, &body); err != nil {
		respondErr(w, err)
		return
	}
	if body.AccountID == "" || body.Status == "" {
		respondErr(w, fmt.Errorf("%w: account_id and status required", storage.ErrInvalidArgument))
		return
	}
	session, err := s.onboarding.UpdateAccountStatus(r.Context(), userID, body.AccountID, body.Status, body.CalendarCount)
	if err != nil {
		respondErr(w, err)
		return
	}
	respond(w, http.StatusOK, sessionViewOf(session))
}

func (s *Server) handleCompleteSession(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.userID(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "auth_required", "missing principal")
		return
	}
	session, err := s.onboarding.Complete(r.Context(), userID, time.Now().UTC())
	if err != nil {
		respondErr(w, err)
		return
	}
	respond(w, http.StatusOK, sessionViewOf(session))
}

func (s *Server) handleOnboardingStatus(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.userID(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "auth_required", "missing principal")
		return
	}
	type status struct {
		Active       bool                     `json:"active"`
		SessionID    string                   `json:"session_id,omitempty"`
		Step         storage.SessionStep      `json:"step,omitempty"`
		AccountCount int                      `json:"account_count"`
		Accounts     []storage.SessionAccount `json:"accounts"`
	}

	session, err := s.onboarding.GetSession(r.Context(), userID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			respond(w, http.StatusOK, &status{Accounts: []storage.SessionAccount{}})
			return
		}
		respondErr(w, err)
		return
	}
	accounts := session.Accounts
	if accounts == nil {
		accounts = []storage.SessionAccount{}
	}
	respond(w, http.StatusOK, &status{
		Active:       session.CompletedAt == nil,
		SessionID:    session.ID,
		Step:         session.Step,
		AccountCount: len(accounts),
		Accounts:     accounts,
	})
}
