package api

import (
	"crypto/subtle"
	"errors"
	"io"
	"net/http"

	"github.com/digkill/arcano/internal/metrics"
	"github.com/digkill/arcano/internal/service"
)

const maxWebhookBody = 1 << 20

// handleRunningHubWebhook receives task results. The callback URL we hand
// to RunningHub carries a shared token since the payload is not signed.
func (s *Server) handleRunningHubWebhook(w http.ResponseWriter, r *http.Request) {
	if s.cfg.RunningHubHookToken != "" {
		token := r.URL.Query().Get("token")
		if subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.RunningHubHookToken)) != 1 {
			metrics.RecordWebhook("runninghub", "unauthorized")
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		http.Error(w, "read body error", http.StatusBadRequest)
		return
	}
	if err := s.deps.Jobs.HandleWebhook(r.Context(), body); err != nil {
		if errors.Is(err, service.ErrInvalidWebhook) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		// A 5xx makes RunningHub redeliver; reconcile covers us otherwise.
		s.log.Error("runninghub webhook", "request_id", requestID(r), "err", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// handleYooKassaWebhook is the public endpoint for YooKassa payment status
// updates. The status is re-read from the YooKassa API before crediting.
func (s *Server) handleYooKassaWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		http.Error(w, "read body error", http.StatusBadRequest)
		return
	}
	if err := s.deps.Payments.HandleYooKassaWebhook(r.Context(), body); err != nil {
		s.log.Error("yookassa webhook", "request_id", requestID(r), "err", err)
		switch {
		case errors.Is(err, service.ErrInvalidWebhook):
			metrics.RecordWebhook("yookassa", "invalid")
			http.Error(w, err.Error(), http.StatusBadRequest)
		case errors.Is(err, service.ErrPaymentNotFound):
			metrics.RecordWebhook("yookassa", "unknown_payment")
			http.Error(w, err.Error(), http.StatusNotFound)
		default:
			metrics.RecordWebhook("yookassa", "error")
			http.Error(w, "internal error", http.StatusInternalServerError)
		}
		return
	}
	metrics.RecordWebhook("yookassa", "applied")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}
