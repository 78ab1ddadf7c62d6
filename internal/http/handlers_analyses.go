// Package httpx provides the HTTP API of the analysis fan-out service.
package httpx

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/target/mmk-fanout/internal/domain/model"
	"github.com/target/mmk-fanout/internal/service"
)

// AnalysisHandlers serves job creation, status polling and retries.
type AnalysisHandlers struct {
	Svc    *service.AnalysisService
	Logger *slog.Logger
}

// createJobResponse is returned once the job is stored; launching continues in the background.
type createJobResponse struct {
	ID     string          `json:"id"`
	Status model.JobStatus `json:"status"`
}

// CreateJob handles POST /api/analyses.
func (h *AnalysisHandlers) CreateJob(w http.ResponseWriter, r *http.Request) {
	var req model.CreateJobRequest
	if !DecodeJSON(w, r, &req) {
		return
	}

	job, err := h.Svc.CreateJob(r.Context(), req)
	if err != nil {
		WriteServiceError(w, r, h.Logger, err)
		return
	}
	WriteJSON(w, http.StatusAccepted, createJobResponse{ID: job.ID, Status: job.Status})
}

// GetJob handles GET /api/analyses/{id}.
func (h *AnalysisHandlers) GetJob(w http.ResponseWriter, r *http.Request) {
	jobID, ok := pathID(w, r)
	if !ok {
		return
	}

	view, err := h.Svc.GetJobStatus(r.Context(), jobID)
	if err != nil {
		WriteServiceError(w, r, h.Logger, err)
		return
	}
	WriteJSON(w, http.StatusOK, view)
}

// Retry modes accepted by RetryJob.
const (
	retryModeAuto  = ""
	retryModeSmart = "smart"
	retryModeFull  = "full"
)

type retryRequest struct {
	Mode   string `json:"mode"`
	Reason string `json:"reason"`
}

// RetryJob handles POST /api/analyses/{id}/retry. An empty body picks the cheapest
// path; {"mode":"smart"|"full"} forces one.
func (h *AnalysisHandlers) RetryJob(w http.ResponseWriter, r *http.Request) {
	jobID, ok := pathID(w, r)
	if !ok {
		return
	}

	var req retryRequest
	if r.ContentLength != 0 && !DecodeJSON(w, r, &req) {
		return
	}
	req.Mode = strings.ToLower(strings.TrimSpace(req.Mode))

	var (
		res model.RetryResult
		err error
	)
	switch req.Mode {
	case retryModeAuto:
		res, err = h.Svc.RetryJob(r.Context(), jobID)
	case retryModeSmart:
		err = h.Svc.SmartRetry(r.Context(), jobID, req.Reason)
		res = model.RetryResult{OK: err == nil, UsedSmartRetry: true}
	case retryModeFull:
		err = h.Svc.FullRetry(r.Context(), jobID, req.Reason)
		res = model.RetryResult{OK: err == nil}
	default:
		WriteError(w, ErrorParams{
			Code:    http.StatusBadRequest,
			ErrCode: "invalid_mode",
			Err:     errors.New(`mode must be one of: "smart", "full"`),
		})
		return
	}
	if err != nil {
		WriteServiceError(w, r, h.Logger, err)
		return
	}
	WriteJSON(w, http.StatusAccepted, res)
}

func pathID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := strings.TrimSpace(r.PathValue("id"))
	if id == "" {
		WriteError(w, ErrorParams{
			Code:    http.StatusBadRequest,
			ErrCode: "invalid_path",
			Err:     errors.New("job id is required"),
		})
		return "", false
	}
	return id, true
}
