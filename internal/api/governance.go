package api

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/samber/lo"

	"github.com/tempora-io/tempora/internal/governance"
	"github.com/tempora-io/tempora/internal/ids"
	"github.com/tempora-io/tempora/internal/storage"
)

// participantHash normalizes an email and hashes it. Raw addresses never
// reach storage.
func participantHash(email string) string {
	normalized := strings.ToLower(strings.TrimSpace(email))
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:])
}

func (s *Server) handleCreateVipPolicy(w http.ResponseWriter, r *http.Request) {
	part, _, err := s.partition(r)
	if err != nil {
		respondErr(w, err)
		return
	}
	var body struct {
		Email           string  `json:"email"`
		DisplayName     string  `json:"display_name"`
		PriorityWeight  float64 `json:"priority_weight"`
		AllowAfterHours bool    `json:"allow_after_hours"`
		MinNoticeHours  int     `json:"min_notice_hours"`
	}
	if err := decode(r, &body); err != nil {
		respondErr(w, err)
		return
	}
	if body.Email == "" {
		respondErr(w, fmt.Errorf("%w: email required", storage.ErrInvalidArgument))
		return
	}
	if body.PriorityWeight < 0 || body.PriorityWeight > 10 {
		respondErr(w, fmt.Errorf("%w: priority_weight must be in [0, 10]", storage.ErrInvalidArgument))
		return
	}
	if body.MinNoticeHours < 0 {
		respondErr(w, fmt.Errorf("%w: min_notice_hours must not be negative", storage.ErrInvalidArgument))
		return
	}
	policy := &storage.VipPolicy{
		ID:              ids.New(ids.PrefixVip),
		ParticipantHash: participantHash(body.Email),
		DisplayName:     body.DisplayName,
		PriorityWeight:  body.PriorityWeight,
		AllowAfterHours: body.AllowAfterHours,
		MinNoticeHours:  body.MinNoticeHours,
	}
	if err := part.CreateVipPolicy(r.Context(), policy); err != nil {
		respondErr(w, err)
		return
	}
	respond(w, http.StatusCreated, vipPolicyViewOf(policy))
}

func (s *Server) handleListVipPolicies(w http.ResponseWriter, r *http.Request) {
	part, _, err := s.partition(r)
	if err != nil {
		respondErr(w, err)
		return
	}
	policies, err := part.ListVipPolicies(r.Context())
	if err != nil {
		respondErr(w, err)
		return
	}
	views := lo.Map(policies, func(v *storage.VipPolicy, _ int) *vipPolicyView {
		return vipPolicyViewOf(v)
	})
	respond(w, http.StatusOK, views)
}

func (s *Server) handleDeleteVipPolicy(w http.ResponseWriter, r *http.Request) {
	part, _, err := s.partition(r)
	if err != nil {
		respondErr(w, err)
		return
	}
	if err := part.DeleteVipPolicy(r.Context(), chi.URLParam(r, "id")); err != nil {
		respondErr(w, err)
		return
	}
	respond(w, http.StatusOK, nil)
}

func (s *Server) handleCreateCommitment(w http.ResponseWriter, r *http.Request) {
	part, _, err := s.partition(r)
	if err != nil {
		respondErr(w, err)
		return
	}
	var body struct {
		ClientID           string             `json:"client_id"`
		ClientName         string             `json:"client_name"`
		TargetHours        float64            `json:"target_hours"`
		WindowType         storage.WindowType `json:"window_type"`
		RollingWindowWeeks int                `json:"rolling_window_weeks"`
		HardMinimum        bool               `json:"hard_minimum"`
		ProofRequired      bool               `json:"proof_required"`
	}
	if err := decode(r, &body); err != nil {
		respondErr(w, err)
		return
	}
	if body.ClientID == "" {
		respondErr(w, fmt.Errorf("%w: client_id required", storage.ErrInvalidArgument))
		return
	}
	if body.TargetHours <= 0 {
		respondErr(w, fmt.Errorf("%w: target_hours must be positive", storage.ErrInvalidArgument))
		return
	}
	weeks := body.RollingWindowWeeks
	switch body.WindowType {
	case storage.WindowWeekly:
		if weeks <= 0 {
			weeks = 1
		}
	case storage.WindowMonthly:
		if weeks <= 0 {
			weeks = 4
		}
	default:
		respondErr(w, fmt.Errorf("%w: window_type %q", storage.ErrInvalidArgument, body.WindowType))
		return
	}
	commitment := &storage.Commitment{
		ID:                 ids.New(ids.PrefixCommitment),
		ClientID:           body.ClientID,
		ClientName:         body.ClientName,
		TargetHours:        body.TargetHours,
		WindowType:         body.WindowType,
		RollingWindowWeeks: weeks,
		HardMinimum:        body.HardMinimum,
		ProofRequired:      body.ProofRequired,
	}
	if err := part.CreateCommitment(r.Context(), commitment); err != nil {
		respondErr(w, err)
		return
	}
	respond(w, http.StatusCreated, commitmentViewOf(commitment))
}

func (s *Server) handleListCommitments(w http.ResponseWriter, r *http.Request) {
	part, _, err := s.partition(r)
	if err != nil {
		respondErr(w, err)
		return
	}
	commitments, err := part.ListCommitments(r.Context())
	if err != nil {
		respondErr(w, err)
		return
	}
	views := lo.Map(commitments, func(c *storage.Commitment, _ int) *commitmentView {
		return commitmentViewOf(c)
	})
	respond(w, http.StatusOK, views)
}

func (s *Server) handleDeleteCommitment(w http.ResponseWriter, r *http.Request) {
	part, _, err := s.partition(r)
	if err != nil {
		respondErr(w, err)
		return
	}
	if err := part.DeleteCommitment(r.Context(), chi.URLParam(r, "id")); err != nil {
		respondErr(w, err)
		return
	}
	respond(w, http.StatusOK, nil)
}

func (s *Server) handleCommitmentStatus(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.userID(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "auth_required", "missing principal")
		return
	}
	status, err := s.governance.CommitmentStatus(r.Context(), userID, chi.URLParam(r, "id"), time.Now().UTC())
	if err != nil {
		respondErr(w, err)
		return
	}
	respond(w, http.StatusOK, status)
}

func (s *Server) handleExportProof(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.userID(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "auth_required", "missing principal")
		return
	}
	var body struct {
		Format governance.ProofFormat `json:"format"`
	}
	if err := decode(r, &body); err != nil {
		respondErr(w, err)
		return
	}
	export, err := s.governance.ExportProof(r.Context(), userID, chi.URLParam(r, "id"), body.Format, time.Now().UTC())
	if err != nil {
		respondErr(w, err)
		return
	}
	if s.metrics != nil {
		s.metrics.ProofRenders.WithLabelValues(string(export.Format)).Inc()
	}
	respond(w, http.StatusOK, export)
}

// handleDownloadProof streams stored proof bytes. The governance layer
// rejects keys outside the caller's prefix as not found.
func (s *Server) handleDownloadProof(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.userID(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "auth_required", "missing principal")
		return
	}
	// The stored key starts with "proofs/"; accept it with or without that
	// prefix spelled out in the URL.
	key := chi.URLParam(r, "*")
	if !strings.HasPrefix(key, "proofs/") {
		key = "proofs/" + key
	}
	obj, err := s.governance.DownloadProof(r.Context(), userID, key)
	if err != nil {
		respondErr(w, err)
		return
	}
	if obj.ContentType != "" {
		w.Header().Set("Content-Type", obj.ContentType)
	}
	if hash := obj.Metadata["proof_hash"]; hash != "" {
		w.Header().Set("X-Proof-Hash", hash)
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(obj.Data)
}
