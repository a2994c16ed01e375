package api

import (
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/digkill/arcano/internal/models"
	"github.com/digkill/arcano/internal/service"
)

// multipartOverhead covers form fields sent next to the file.
const multipartOverhead = 1 << 20

// handleSubmitJob accepts multipart/form-data with a "file" part, a "tool"
// field and an optional "params" field holding a JSON object of
// "<nodeId>.<field>" overrides.
func (s *Server) handleSubmitJob(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxUploadBytes+multipartOverhead)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.writeJSON(w, http.StatusRequestEntityTooLarge, errorResponse{Error: "upload too large"})
			return
		}
		s.badRequest(w, "invalid multipart form")
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile("file")
	if err != nil {
		s.badRequest(w, "file is required")
		return
	}
	defer file.Close()
	if header.Size > s.cfg.MaxUploadBytes {
		s.writeJSON(w, http.StatusRequestEntityTooLarge, errorResponse{Error: "upload too large"})
		return
	}
	data, err := io.ReadAll(file)
	if err != nil {
		s.badRequest(w, "could not read file")
		return
	}

	contentType := header.Header.Get("Content-Type")
	if mt, _, err := mime.ParseMediaType(contentType); err != nil || mt == "application/octet-stream" {
		contentType = http.DetectContentType(data)
	}

	var params map[string]string
	if raw := r.FormValue("params"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &params); err != nil {
			s.badRequest(w, "params must be a JSON object of strings")
			return
		}
	}

	job, err := s.deps.Jobs.Submit(r.Context(), userFrom(r.Context()), service.SubmitRequest{
		Tool:        r.FormValue("tool"),
		Data:        data,
		ContentType: contentType,
		Params:      params,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, job)
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.deps.Jobs.List(r.Context(), userFrom(r.Context()).ID, queryLimit(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if jobs == nil {
		jobs = []models.Job{}
	}
	s.writeJSON(w, http.StatusOK, jobs)
}

// handleActiveJob backs the client's navigation guard: null when idle.
func (s *Server) handleActiveJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.deps.Jobs.Active(r.Context(), userFrom(r.Context()).ID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]*models.Job{"job": job})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.deps.Jobs.Get(r.Context(), userFrom(r.Context()).ID, chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.deps.Jobs.Cancel(r.Context(), userFrom(r.Context()).ID, chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleReconcileJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.deps.Jobs.Reconcile(r.Context(), userFrom(r.Context()).ID, chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, job)
}
