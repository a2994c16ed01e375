package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/digkill/arcano/internal/scheduler"
	"github.com/digkill/arcano/internal/service"
)

const maxJSONBody = 1 << 20

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) badRequest(w http.ResponseWriter, msg string) {
	s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: msg})
}

func (s *Server) internalError(w http.ResponseWriter, r *http.Request, err error) {
	s.log.Error("http handler error", "path", r.URL.Path, "request_id", requestID(r), "err", err)
	s.writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
}

// writeError maps service errors onto HTTP statuses. Anything unrecognised
// is logged and reported as a 500.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		s.internalError(w, r, err)
		return
	}
	s.writeJSON(w, status, errorResponse{Error: err.Error()})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, service.ErrCreditsRequired):
		return http.StatusPaymentRequired
	case errors.Is(err, service.ErrActiveJob),
		errors.Is(err, service.ErrJobNotCancellable),
		errors.Is(err, service.ErrPromoAlreadyRedeemed),
		errors.Is(err, service.ErrPromoExhausted),
		errors.Is(err, service.ErrReferralAlreadyApplied),
		errors.Is(err, service.ErrCampaignState),
		errors.Is(err, scheduler.ErrTaskBusy):
		return http.StatusConflict
	case errors.Is(err, service.ErrJobNotFound),
		errors.Is(err, service.ErrUserNotFound),
		errors.Is(err, service.ErrPlanNotFound),
		errors.Is(err, service.ErrPromoNotFound),
		errors.Is(err, service.ErrCampaignNotFound),
		errors.Is(err, service.ErrPaymentNotFound),
		errors.Is(err, scheduler.ErrUnknownTask):
		return http.StatusNotFound
	case errors.Is(err, service.ErrInvalidInput),
		errors.Is(err, service.ErrUnknownTool),
		errors.Is(err, service.ErrPromoInvalid),
		errors.Is(err, service.ErrReferralInvalid),
		errors.Is(err, service.ErrInvalidWebhook):
		return http.StatusBadRequest
	case errors.Is(err, service.ErrToolUnavailable),
		errors.Is(err, service.ErrPaymentsDisabled):
		return http.StatusServiceUnavailable
	case errors.Is(err, service.ErrDispatchFailed):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// decodeJSON reads a bounded JSON body into v and writes the 400 itself.
func (s *Server) decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxJSONBody)).Decode(v); err != nil {
		s.badRequest(w, "invalid json")
		return false
	}
	return true
}

func parseID(value string) (int64, error) {
	return strconv.ParseInt(strings.TrimSpace(value), 10, 64)
}

// queryLimit reads ?limit=, leaving range checks to the repositories.
func queryLimit(r *http.Request) int {
	limit, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil {
		return 0
	}
	return limit
}
