package api

import (
	"net/http"
	"strings"

	"github.com/digkill/arcano/internal/models"
)

type toolInfo struct {
	Tool      models.Tool `json:"tool"`
	Cost      int         `json:"cost"`
	Available bool        `json:"available"`
}

func (s *Server) handleListTools(w http.ResponseWriter, r *http.Request) {
	tools := make([]toolInfo, 0, len(models.Tools()))
	for _, t := range models.Tools() {
		cfg := s.cfg.Tools[t]
		tools = append(tools, toolInfo{Tool: t, Cost: cfg.Cost, Available: cfg.WorkflowID != ""})
	}
	s.writeJSON(w, http.StatusOK, tools)
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	profile, err := s.deps.Accounts.Profile(r.Context(), userFrom(r.Context()).ID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, profile)
}

type telegramLinkRequest struct {
	ChatID int64 `json:"chat_id"`
}

func (s *Server) handleLinkTelegram(w http.ResponseWriter, r *http.Request) {
	var req telegramLinkRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	if err := s.deps.Accounts.LinkTelegram(r.Context(), userFrom(r.Context()).ID, req.ChatID); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCreditHistory(w http.ResponseWriter, r *http.Request) {
	entries, err := s.deps.Accounts.History(r.Context(), userFrom(r.Context()).ID, queryLimit(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if entries == nil {
		entries = []models.CreditTransaction{}
	}
	s.writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleListActivePlans(w http.ResponseWriter, r *http.Request) {
	plans, err := s.deps.Plans.List(r.Context(), true)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if plans == nil {
		plans = []models.Plan{}
	}
	s.writeJSON(w, http.StatusOK, plans)
}

type paymentRequest struct {
	PlanID int64 `json:"plan_id"`
}

func (s *Server) handleCreatePayment(w http.ResponseWriter, r *http.Request) {
	var req paymentRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	if req.PlanID <= 0 {
		s.badRequest(w, "plan_id required")
		return
	}
	link, err := s.deps.Payments.CreatePayment(r.Context(), userFrom(r.Context()), req.PlanID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, link)
}

type codeRequest struct {
	Code string `json:"code"`
}

func (s *Server) handleApplyPromo(w http.ResponseWriter, r *http.Request) {
	var req codeRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	bonus, err := s.deps.Promos.Apply(r.Context(), userFrom(r.Context()).ID, strings.TrimSpace(req.Code))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]int{"credits_added": bonus})
}

func (s *Server) handleReferralCode(w http.ResponseWriter, r *http.Request) {
	code, err := s.deps.Referrals.Code(r.Context(), userFrom(r.Context()).ID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"code": code})
}

func (s *Server) handleApplyReferral(w http.ResponseWriter, r *http.Request) {
	var req codeRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	if err := s.deps.Referrals.Apply(r.Context(), userFrom(r.Context()).ID, req.Code); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
