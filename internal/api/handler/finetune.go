package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	mw "github.com/kiranshivaraju/inferencehub/internal/api/middleware"
	"github.com/kiranshivaraju/inferencehub/internal/api/response"
	"github.com/kiranshivaraju/inferencehub/internal/finetune"
	"github.com/kiranshivaraju/inferencehub/internal/store"
	"github.com/kiranshivaraju/inferencehub/pkg/models"
)

const (
	defaultJobPageSize = 20
	maxJobPageSize     = 50
)

// JobScheduler defines the interface the fine-tuning handlers depend on.
type JobScheduler interface {
	Submit(ctx context.Context, req finetune.SubmitRequest) (*models.FineTuningJob, error)
	GetJob(ctx context.Context, id uuid.UUID) (*models.FineTuningJob, error)
	ListJobs(ctx context.Context, filter store.JobFilter) ([]*models.FineTuningJob, error)
	JobStatus(ctx context.Context, id uuid.UUID) (string, error)
	Cancel(ctx context.Context, id uuid.UUID) (*models.FineTuningJob, error)
}

type submitJobRequest struct {
	Name            string                  `json:"name"`
	BaseModelID     string                  `json:"base_model_id"`
	Description     *string                 `json:"description"`
	TrainingFile    string                  `json:"training_file"`
	ValidationFile  *string                 `json:"validation_file"`
	Hyperparameters *models.Hyperparameters `json:"hyperparameters"`
	OutputModelName *string                 `json:"output_model_name"`
}

// NewSubmitJobHandler returns an http.HandlerFunc for POST /api/v1/finetune/jobs.
func NewSubmitJobHandler(s JobScheduler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := mw.GetUserID(r)
		if !ok {
			response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing caller identity", nil)
			return
		}

		var req submitJobRequest
		dec := json.NewDecoder(r.Body)
		dec.DisallowUnknownFields()
		if err := dec.Decode(&req); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
			return
		}

		if strings.TrimSpace(req.Name) == "" {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "name is required", nil)
			return
		}
		if strings.TrimSpace(req.TrainingFile) == "" {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "training_file is required", nil)
			return
		}
		baseModelID, err := uuid.Parse(req.BaseModelID)
		if err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "base_model_id must be a valid UUID", nil)
			return
		}

		sub := finetune.SubmitRequest{
			Name:            req.Name,
			OwnerID:         userID,
			BaseModelID:     baseModelID,
			Description:     req.Description,
			TrainingFile:    req.TrainingFile,
			ValidationFile:  req.ValidationFile,
			OutputModelName: req.OutputModelName,
		}
		if req.Hyperparameters != nil {
			sub.Hyperparameters = *req.Hyperparameters
		}

		job, err := s.Submit(r.Context(), sub)
		if err != nil {
			writeJobError(w, err)
			return
		}
		response.Created(w, job)
	}
}

// NewListJobsHandler returns an http.HandlerFunc for GET /api/v1/finetune/jobs.
// Admins see every job; other callers see their own.
func NewListJobsHandler(s JobScheduler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := mw.GetUserID(r)
		if !ok {
			response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing caller identity", nil)
			return
		}

		q := r.URL.Query()
		page := queryInt(q.Get("page"), 1)
		if page < 1 {
			page = 1
		}
		limit := queryInt(q.Get("limit"), defaultJobPageSize)
		if limit < 1 {
			limit = 1
		}
		if limit > maxJobPageSize {
			limit = maxJobPageSize
		}

		status := q.Get("status")
		if status != "" && !validJobStatus(status) {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "unknown status filter", nil)
			return
		}

		filter := store.JobFilter{
			Status: status,
			Limit:  limit + 1,
			Offset: (page - 1) * limit,
		}
		if !mw.HasScope(r, mw.ScopeAdmin) {
			filter.OwnerID = &userID
		}

		jobs, err := s.ListJobs(r.Context(), filter)
		if err != nil {
			slog.Error("listing fine-tuning jobs failed", "error", err)
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to list jobs", nil)
			return
		}

		hasNext := len(jobs) > limit
		if hasNext {
			jobs = jobs[:limit]
		}
		if jobs == nil {
			jobs = []*models.FineTuningJob{}
		}
		response.Collection(w, jobs, response.PaginationMeta{
			Page:    page,
			Limit:   limit,
			Total:   filter.Offset + len(jobs),
			HasNext: hasNext,
		})
	}
}

// NewGetJobHandler returns an http.HandlerFunc for GET /api/v1/finetune/jobs/{jobID}.
func NewGetJobHandler(s JobScheduler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		job, ok := loadVisibleJob(w, r, s)
		if !ok {
			return
		}
		response.JSON(w, job)
	}
}

// NewJobStatusHandler returns an http.HandlerFunc for
// GET /api/v1/finetune/jobs/{jobID}/status.
func NewJobStatusHandler(s JobScheduler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		job, ok := loadVisibleJob(w, r, s)
		if !ok {
			return
		}
		status, err := s.JobStatus(r.Context(), job.ID)
		if err != nil {
			writeJobError(w, err)
			return
		}
		response.JSON(w, map[string]any{
			"job_id":   job.ID,
			"status":   status,
			"progress": job.Progress,
		})
	}
}

// NewCancelJobHandler returns an http.HandlerFunc for
// POST /api/v1/finetune/jobs/{jobID}/cancel.
func NewCancelJobHandler(s JobScheduler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		job, ok := loadVisibleJob(w, r, s)
		if !ok {
			return
		}
		cancelled, err := s.Cancel(r.Context(), job.ID)
		if err != nil {
			writeJobError(w, err)
			return
		}
		response.JSON(w, cancelled)
	}
}

// loadVisibleJob resolves {jobID} and hides jobs owned by someone else from
// non-admin callers.
func loadVisibleJob(w http.ResponseWriter, r *http.Request, s JobScheduler) (*models.FineTuningJob, bool) {
	userID, ok := mw.GetUserID(r)
	if !ok {
		response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing caller identity", nil)
		return nil, false
	}

	jobID, err := uuid.Parse(chi.URLParam(r, "jobID"))
	if err != nil {
		response.Error(w, http.StatusBadRequest, "INVALID_JOB_ID", "Invalid job ID", nil)
		return nil, false
	}

	job, err := s.GetJob(r.Context(), jobID)
	if err != nil {
		writeJobError(w, err)
		return nil, false
	}
	if job.OwnerID != userID && !mw.HasScope(r, mw.ScopeAdmin) {
		writeJobError(w, finetune.ErrJobNotFound)
		return nil, false
	}
	return job, true
}

var jobErrors = []response.ErrorRule{
	{Target: finetune.ErrJobValidation, Status: http.StatusUnprocessableEntity, Code: "INVALID_JOB"},
	{Target: finetune.ErrJobNotFound, Status: http.StatusNotFound, Code: "JOB_NOT_FOUND", Message: "Fine-tuning job not found"},
	{Target: finetune.ErrJobNotCancellable, Status: http.StatusConflict, Code: "JOB_NOT_CANCELLABLE", Message: "Job has already finished"},
}

func writeJobError(w http.ResponseWriter, err error) {
	response.FromError(w, "fine-tuning request", err, jobErrors, nil)
}

func validJobStatus(s string) bool {
	switch s {
	case models.JobStatusQueued, models.JobStatusPreparing, models.JobStatusRunning,
		models.JobStatusCompleted, models.JobStatusFailed, models.JobStatusCancelled:
		return true
	}
	return false
}

func queryInt(v string, def int) int {
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
