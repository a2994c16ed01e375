package api

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/digkill/arcano/internal/models"
	"github.com/digkill/arcano/internal/service"
)

type broadcastRequest struct {
	Message string `json:"message"`
}

func (s *Server) handleBroadcast(w http.ResponseWriter, r *http.Request) {
	var req broadcastRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		s.badRequest(w, "message required")
		return
	}
	if s.deps.Broadcaster == nil {
		s.writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "telegram is not configured"})
		return
	}

	ctx := r.Context()
	ids, err := s.deps.Accounts.TelegramChatIDs(ctx)
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	sent := s.deps.Broadcaster.Broadcast(ctx, ids, req.Message)
	s.writeJSON(w, http.StatusOK, map[string]int{
		"sent":  sent,
		"total": len(ids),
	})
}

type cancelAllRequest struct {
	Tool string `json:"tool"`
}

func (s *Server) handleCancelAll(w http.ResponseWriter, r *http.Request) {
	var req cancelAllRequest
	if r.ContentLength != 0 && !s.decodeJSON(w, r, &req) {
		return
	}
	count, err := s.deps.Jobs.CancelAll(r.Context(), req.Tool)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.log.Info("mass cancel", "tool", req.Tool, "cancelled", count)
	s.writeJSON(w, http.StatusOK, map[string]int{"cancelled": count})
}

type grantRequest struct {
	Amount  int  `json:"amount"`
	Monthly bool `json:"monthly"`
}

func (s *Server) handleGrantCredits(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(chi.URLParam(r, "id"))
	if err != nil {
		s.badRequest(w, "invalid id")
		return
	}
	var req grantRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	user, err := s.deps.Accounts.GrantCredits(r.Context(), id, req.Amount, req.Monthly)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, user)
}

func (s *Server) handleListSweeps(w http.ResponseWriter, r *http.Request) {
	if s.deps.Sweeper == nil {
		s.writeJSON(w, http.StatusOK, []string{})
		return
	}
	s.writeJSON(w, http.StatusOK, s.deps.Sweeper.Tasks())
}

// handleRunSweep runs a scheduled task now and waits for it.
func (s *Server) handleRunSweep(w http.ResponseWriter, r *http.Request) {
	if s.deps.Sweeper == nil {
		s.writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "scheduler is not running"})
		return
	}
	name := chi.URLParam(r, "name")
	if err := s.deps.Sweeper.Run(r.Context(), name); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"task": name, "status": "done"})
}

type planRequest struct {
	Title           string          `json:"title"`
	Description     string          `json:"description"`
	Kind            models.PlanKind `json:"kind"`
	PeriodDays      int             `json:"period_days"`
	Currency        string          `json:"currency"`
	PriceMinorUnits int             `json:"price_minor_units"`
	Credits         int             `json:"credits"`
	IsActive        *bool           `json:"is_active"`
}

type planUpdateRequest struct {
	Title           *string `json:"title"`
	Description     *string `json:"description"`
	PeriodDays      *int    `json:"period_days"`
	Currency        *string `json:"currency"`
	PriceMinorUnits *int    `json:"price_minor_units"`
	Credits         *int    `json:"credits"`
	IsActive        *bool   `json:"is_active"`
}

func (s *Server) handleListPlans(w http.ResponseWriter, r *http.Request) {
	plans, err := s.deps.Plans.List(r.Context(), false)
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	if plans == nil {
		plans = []models.Plan{}
	}
	s.writeJSON(w, http.StatusOK, plans)
}

func (s *Server) handleCreatePlan(w http.ResponseWriter, r *http.Request) {
	var req planRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	plan, err := s.deps.Plans.Create(r.Context(), service.CreatePlanInput{
		Title:           req.Title,
		Description:     req.Description,
		Kind:            req.Kind,
		PeriodDays:      req.PeriodDays,
		Currency:        req.Currency,
		PriceMinorUnits: req.PriceMinorUnits,
		Credits:         req.Credits,
		IsActive:        req.IsActive,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, plan)
}

func (s *Server) handleUpdatePlan(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(chi.URLParam(r, "id"))
	if err != nil {
		s.badRequest(w, "invalid id")
		return
	}
	var req planUpdateRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	plan, err := s.deps.Plans.Update(r.Context(), id, service.UpdatePlanInput{
		Title:           req.Title,
		Description:     req.Description,
		PeriodDays:      req.PeriodDays,
		Currency:        req.Currency,
		PriceMinorUnits: req.PriceMinorUnits,
		Credits:         req.Credits,
		IsActive:        req.IsActive,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, plan)
}

func (s *Server) handleDeletePlan(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(chi.URLParam(r, "id"))
	if err != nil {
		s.badRequest(w, "invalid id")
		return
	}
	if err := s.deps.Plans.Delete(r.Context(), id); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type promoRequest struct {
	Code    string `json:"code"`
	MaxUses int    `json:"max_uses"`
}

type promoUpdateRequest struct {
	Code    *string `json:"code"`
	MaxUses *int    `json:"max_uses"`
	Uses    *int    `json:"uses"`
}

func (s *Server) handleListPromos(w http.ResponseWriter, r *http.Request) {
	promos, err := s.deps.Promos.List(r.Context())
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	if promos == nil {
		promos = []models.PromoCode{}
	}
	s.writeJSON(w, http.StatusOK, promos)
}

func (s *Server) handleCreatePromo(w http.ResponseWriter, r *http.Request) {
	var req promoRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	promo, err := s.deps.Promos.Create(r.Context(), req.Code, req.MaxUses)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, promo)
}

func (s *Server) handleUpdatePromo(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(chi.URLParam(r, "id"))
	if err != nil {
		s.badRequest(w, "invalid id")
		return
	}
	var req promoUpdateRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	existing, err := s.deps.Promos.GetByID(r.Context(), id)
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	if existing == nil {
		s.writeError(w, r, service.ErrPromoNotFound)
		return
	}
	code := existing.Code
	if req.Code != nil && *req.Code != "" {
		code = *req.Code
	}
	maxUses := existing.MaxUses
	if req.MaxUses != nil && *req.MaxUses > 0 {
		maxUses = *req.MaxUses
	}
	uses := existing.Uses
	if req.Uses != nil && *req.Uses >= 0 {
		uses = *req.Uses
	}
	promo, err := s.deps.Promos.Update(r.Context(), id, code, maxUses, uses)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, promo)
}

func (s *Server) handleDeletePromo(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(chi.URLParam(r, "id"))
	if err != nil {
		s.badRequest(w, "invalid id")
		return
	}
	if err := s.deps.Promos.Delete(r.Context(), id); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type campaignRequest struct {
	Name            string `json:"name"`
	Subject         string `json:"subject"`
	TotalRecipients int    `json:"total_recipients"`
}

func (s *Server) handleListCampaigns(w http.ResponseWriter, r *http.Request) {
	campaigns, err := s.deps.Campaigns.List(r.Context(), queryLimit(r))
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	if campaigns == nil {
		campaigns = []models.Campaign{}
	}
	s.writeJSON(w, http.StatusOK, campaigns)
}

func (s *Server) handleCreateCampaign(w http.ResponseWriter, r *http.Request) {
	var req campaignRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	campaign, err := s.deps.Campaigns.Create(r.Context(), req.Name, req.Subject, req.TotalRecipients)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, campaign)
}

func (s *Server) handleGetCampaign(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(chi.URLParam(r, "id"))
	if err != nil {
		s.badRequest(w, "invalid id")
		return
	}
	campaign, err := s.deps.Campaigns.Get(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, campaign)
}

func (s *Server) handleStartCampaign(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(chi.URLParam(r, "id"))
	if err != nil {
		s.badRequest(w, "invalid id")
		return
	}
	campaign, err := s.deps.Campaigns.Start(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, campaign)
}

type campaignProgressRequest struct {
	Sent int  `json:"sent"`
	Done bool `json:"done"`
}

// handleCampaignProgress is the sender function's heartbeat.
func (s *Server) handleCampaignProgress(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(chi.URLParam(r, "id"))
	if err != nil {
		s.badRequest(w, "invalid id")
		return
	}
	var req campaignProgressRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	campaign, err := s.deps.Campaigns.ReportProgress(r.Context(), id, req.Sent, req.Done)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, campaign)
}
