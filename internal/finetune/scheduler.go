// Package finetune queues fine-tuning jobs and runs them one at a time.
package finetune

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/inferencehub/internal/artifacts"
	"github.com/kiranshivaraju/inferencehub/internal/cache"
	"github.com/kiranshivaraju/inferencehub/internal/metrics"
	"github.com/kiranshivaraju/inferencehub/internal/store"
	"github.com/kiranshivaraju/inferencehub/pkg/models"
)

const statusMirrorTTL = 24 * time.Hour

// Store is the subset of the durable store the scheduler needs.
type Store interface {
	store.ModelStore
	store.JobStore
}

// SubmitRequest describes a new job.
type SubmitRequest struct {
	Name            string
	OwnerID         uuid.UUID
	BaseModelID     uuid.UUID
	Description     *string
	TrainingFile    string
	ValidationFile  *string
	Hyperparameters models.Hyperparameters
	OutputModelName *string
}

// Scheduler owns the single fine-tuning slot. At most one job is preparing
// or running at any time; the durable claim in the store enforces this
// across processes and the in-memory slot within one.
type Scheduler struct {
	store        Store
	trainer      Trainer
	artifacts    artifacts.Store
	kv           cache.Cache
	pollInterval time.Duration
	errorBackoff time.Duration
	now          func() time.Time

	mu     sync.Mutex
	active map[uuid.UUID]context.CancelFunc
	wg     sync.WaitGroup
}

type Option func(*Scheduler)

func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

func WithIntervals(poll, backoff time.Duration) Option {
	return func(s *Scheduler) {
		s.pollInterval = poll
		s.errorBackoff = backoff
	}
}

func NewScheduler(st Store, trainer Trainer, art artifacts.Store, kv cache.Cache, opts ...Option) *Scheduler {
	s := &Scheduler{
		store:        st,
		trainer:      trainer,
		artifacts:    art,
		kv:           kv,
		pollInterval: 10 * time.Second,
		errorBackoff: 30 * time.Second,
		now:          func() time.Time { return time.Now().UTC() },
		active:       make(map[uuid.UUID]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Submit validates req and queues a job. It never waits for training.
func (s *Scheduler) Submit(ctx context.Context, req SubmitRequest) (*models.FineTuningJob, error) {
	if err := s.validate(ctx, &req); err != nil {
		return nil, err
	}

	applyHyperparameterDefaults(&req.Hyperparameters)

	now := s.now()
	job := &models.FineTuningJob{
		ID:              uuid.New(),
		Name:            strings.TrimSpace(req.Name),
		OwnerID:         req.OwnerID,
		BaseModelID:     req.BaseModelID,
		Status:          models.JobStatusQueued,
		Description:     req.Description,
		TrainingFile:    req.TrainingFile,
		ValidationFile:  req.ValidationFile,
		Hyperparameters: req.Hyperparameters,
		OutputModelName: req.OutputModelName,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := s.store.CreateJob(ctx, job); err != nil {
		return nil, fmt.Errorf("creating job: %w", err)
	}

	s.mirrorStatus(ctx, job.ID, models.JobStatusQueued)
	metrics.FineTuneJob(models.JobStatusQueued)
	slog.Info("fine-tuning job queued", "job_id", job.ID, "base_model_id", job.BaseModelID)
	return job, nil
}

func (s *Scheduler) validate(ctx context.Context, req *SubmitRequest) error {
	if strings.TrimSpace(req.Name) == "" {
		return fmt.Errorf("%w: name is required", ErrJobValidation)
	}
	if req.OwnerID == uuid.Nil {
		return fmt.Errorf("%w: owner is required", ErrJobValidation)
	}
	hp := req.Hyperparameters
	if hp.Epochs < 0 || hp.BatchSize < 0 || hp.LearningRate < 0 || hp.WarmupSteps < 0 || hp.LoraRank < 0 {
		return fmt.Errorf("%w: hyperparameters must not be negative", ErrJobValidation)
	}
	if req.OutputModelName != nil && strings.TrimSpace(*req.OutputModelName) == "" {
		return fmt.Errorf("%w: output model name must not be blank", ErrJobValidation)
	}

	if _, err := s.store.GetModel(ctx, req.BaseModelID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("%w: base model %s not found", ErrJobValidation, req.BaseModelID)
		}
		return fmt.Errorf("checking base model: %w", err)
	}

	if err := s.requireFile(ctx, "training", req.TrainingFile); err != nil {
		return err
	}
	if req.ValidationFile != nil {
		if err := s.requireFile(ctx, "validation", *req.ValidationFile); err != nil {
			return err
		}
	}
	return nil
}

func applyHyperparameterDefaults(hp *models.Hyperparameters) {
	if hp.Epochs == 0 {
		hp.Epochs = 3
	}
	if hp.BatchSize == 0 {
		hp.BatchSize = 8
	}
	if hp.LearningRate == 0 {
		hp.LearningRate = 1e-4
	}
}

func (s *Scheduler) requireFile(ctx context.Context, kind, ref string) error {
	ok, err := s.artifacts.Exists(ctx, ref)
	if errors.Is(err, artifacts.ErrInvalidRef) {
		return fmt.Errorf("%w: %s file: %v", ErrJobValidation, kind, err)
	}
	if err != nil {
		return fmt.Errorf("checking %s file: %w", kind, err)
	}
	if !ok {
		return fmt.Errorf("%w: %s file %q not found", ErrJobValidation, kind, ref)
	}
	return nil
}

func (s *Scheduler) GetJob(ctx context.Context, id uuid.UUID) (*models.FineTuningJob, error) {
	job, err := s.store.GetJob(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting job: %w", err)
	}
	return job, nil
}

func (s *Scheduler) ListJobs(ctx context.Context, filter store.JobFilter) ([]*models.FineTuningJob, error) {
	jobs, err := s.store.ListJobs(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("listing jobs: %w", err)
	}
	return jobs, nil
}

// JobStatus returns a job's status, served from the key-value mirror when
// present.
func (s *Scheduler) JobStatus(ctx context.Context, id uuid.UUID) (string, error) {
	if s.kv != nil {
		status, found, err := s.kv.GetJobStatus(ctx, id)
		if err == nil && found {
			return status, nil
		}
	}
	job, err := s.GetJob(ctx, id)
	if err != nil {
		return "", err
	}
	return job.Status, nil
}

// IsRunning reports whether this process currently holds the slot for id.
func (s *Scheduler) IsRunning(id uuid.UUID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.active[id]
	return ok
}

// Cancel moves a queued, preparing or running job to cancelled and frees
// the slot if this process holds it. A running trainer stops at its next
// progress report.
func (s *Scheduler) Cancel(ctx context.Context, id uuid.UUID) (*models.FineTuningJob, error) {
	job, err := s.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	if models.IsTerminalJobStatus(job.Status) {
		return nil, fmt.Errorf("%w: job is %s", ErrJobNotCancellable, job.Status)
	}

	if err := s.store.UpdateJobStatus(ctx, id, models.JobStatusCancelled); err != nil {
		if errors.Is(err, store.ErrInvalidTransition) {
			return nil, fmt.Errorf("%w: %v", ErrJobNotCancellable, err)
		}
		return nil, fmt.Errorf("cancelling job: %w", err)
	}

	s.release(id)
	s.mirrorStatus(ctx, id, models.JobStatusCancelled)
	metrics.FineTuneJob(models.JobStatusCancelled)
	slog.Info("fine-tuning job cancelled", "job_id", id, "previous", job.Status)

	return s.GetJob(ctx, id)
}

// Recover requeues jobs left preparing or running by a previous process.
// Call it once before Run.
func (s *Scheduler) Recover(ctx context.Context) error {
	n, err := s.store.RequeueActiveJobs(ctx)
	if err != nil {
		return fmt.Errorf("requeueing jobs: %w", err)
	}
	if n > 0 {
		slog.Info("requeued interrupted fine-tuning jobs", "count", n)
	}
	return nil
}

// Run polls for queued work until ctx is done. Loop errors are logged and
// the next poll is delayed by the error backoff.
func (s *Scheduler) Run(ctx context.Context) {
	for {
		wait := s.pollInterval
		if _, err := s.ProcessNext(ctx); err != nil {
			slog.Error("fine-tuning poll failed", "error", err)
			wait = s.errorBackoff
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// ProcessNext claims the oldest queued job if the slot is free and starts
// it in the background. It reports whether a job was started.
func (s *Scheduler) ProcessNext(ctx context.Context) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.active) > 0 {
		return false, nil
	}

	job, err := s.store.ClaimNextQueuedJob(ctx, s.now())
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("claiming job: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.active[job.ID] = cancel
	metrics.SetFineTuneActive(len(s.active))
	s.mirrorStatus(ctx, job.ID, models.JobStatusPreparing)

	s.wg.Add(1)
	go s.run(runCtx, job)
	return true, nil
}

// Wait blocks until every started run has returned.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

func (s *Scheduler) release(id uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cancel, ok := s.active[id]; ok {
		cancel()
		delete(s.active, id)
	}
	metrics.SetFineTuneActive(len(s.active))
}

func (s *Scheduler) run(ctx context.Context, job *models.FineTuningJob) {
	// bookkeeping writes must land even after ctx is cancelled
	bg := context.WithoutCancel(ctx)

	defer s.wg.Done()
	defer s.release(job.ID)
	defer func() {
		if r := recover(); r != nil {
			slog.Error("panic in fine-tuning run", "error", r, "job_id", job.ID)
			s.fail(bg, job.ID, fmt.Errorf("%w: panic: %v", ErrJobRuntime, r))
		}
	}()

	slog.Info("starting fine-tuning job", "job_id", job.ID)

	base, err := s.store.GetModel(bg, job.BaseModelID)
	if err != nil {
		s.fail(bg, job.ID, fmt.Errorf("%w: loading base model: %v", ErrJobRuntime, err))
		return
	}

	if err := s.store.UpdateJobStatus(bg, job.ID, models.JobStatusRunning); err != nil {
		slog.Warn("fine-tuning job not started", "job_id", job.ID, "error", err)
		return
	}
	s.mirrorStatus(bg, job.ID, models.JobStatusRunning)
	metrics.FineTuneJob(models.JobStatusRunning)

	var last models.JobProgress
	report := func(p models.JobProgress) error {
		if err := s.store.UpdateJobProgress(bg, job.ID, p); err != nil {
			if errors.Is(err, store.ErrInvalidTransition) || errors.Is(err, store.ErrNotFound) {
				return errJobStopped
			}
			return err
		}
		last = p
		return nil
	}

	res, err := s.trainer.Train(ctx, TrainingInput{Job: job, BaseModel: base}, report)
	if err != nil {
		s.handleTrainError(bg, ctx, job.ID, err)
		return
	}

	if err := s.complete(bg, job, base, res, last); err != nil {
		s.fail(bg, job.ID, err)
	}
}

// handleTrainError decides what a trainer error means. A cancelled job is
// already final; a shutdown leaves the job for Recover; anything else fails it.
func (s *Scheduler) handleTrainError(bg, runCtx context.Context, id uuid.UUID, err error) {
	if errors.Is(err, errJobStopped) {
		slog.Info("fine-tuning job stopped", "job_id", id)
		return
	}
	if runCtx.Err() != nil {
		current, getErr := s.store.GetJob(bg, id)
		if getErr == nil && current.Status == models.JobStatusCancelled {
			slog.Info("fine-tuning job stopped", "job_id", id)
			return
		}
		slog.Warn("fine-tuning job interrupted by shutdown", "job_id", id)
		return
	}
	s.fail(bg, id, fmt.Errorf("%w: %v", ErrJobRuntime, err))
}

type cardMetrics struct {
	FinalLoss     float64 `json:"final_loss"`
	FinalAccuracy float64 `json:"final_accuracy"`
}

// modelCard is written next to the job's artifacts when training succeeds.
type modelCard struct {
	Name            string                 `json:"name"`
	BaseModel       string                 `json:"base_model"`
	JobID           uuid.UUID              `json:"fine_tuning_job_id"`
	CreatedAt       time.Time              `json:"created_at"`
	Metrics         cardMetrics            `json:"metrics"`
	Hyperparameters models.Hyperparameters `json:"hyperparameters"`
}

// complete registers the output model and marks the job completed. A job
// that left running in the meantime gets no model.
func (s *Scheduler) complete(ctx context.Context, job *models.FineTuningJob, base *models.LLMModel, res TrainingResult, last models.JobProgress) error {
	current, err := s.store.GetJob(ctx, job.ID)
	if err != nil {
		return fmt.Errorf("%w: reloading job: %v", ErrJobRuntime, err)
	}
	if current.Status != models.JobStatusRunning {
		slog.Info("fine-tuning job stopped before completion", "job_id", job.ID, "status", current.Status)
		return nil
	}

	name := outputModelName(job, base)

	card, err := json.MarshalIndent(modelCard{
		Name:            name,
		BaseModel:       base.Name,
		JobID:           job.ID,
		CreatedAt:       s.now(),
		Metrics:         cardMetrics{FinalLoss: res.FinalLoss, FinalAccuracy: res.FinalAccuracy},
		Hyperparameters: job.Hyperparameters,
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: encoding model card: %v", ErrJobRuntime, err)
	}
	if err := s.artifacts.Put(ctx, modelCardRef(job.ID), card, "application/json"); err != nil {
		return fmt.Errorf("%w: writing model card: %v", ErrJobRuntime, err)
	}

	baseName := base.Name
	out := &models.LLMModel{
		ID:           uuid.New(),
		Name:         name,
		Version:      "1.0",
		Description:  fmt.Sprintf("Fine-tuned from %s", base.Name),
		Parameters:   base.Parameters,
		Quantization: base.Quantization,
		IsFineTuned:  true,
		BaseModel:    &baseName,
		CreatedAt:    s.now(),
	}
	if err := s.store.CreateModel(ctx, out); err != nil {
		return fmt.Errorf("%w: registering model %s: %v", ErrJobRuntime, name, err)
	}

	finalLoss, finalAcc := res.FinalLoss, res.FinalAccuracy
	progress := last
	progress.FinalLoss = &finalLoss
	progress.FinalAccuracy = &finalAcc
	progress.OutputModelID = &out.ID

	if err := s.store.UpdateJobStatus(ctx, job.ID, models.JobStatusCompleted,
		store.WithProgress(progress),
		store.WithOutputModel(name),
	); err != nil {
		slog.Warn("fine-tuning job finished but could not be completed", "job_id", job.ID, "error", err)
		if delErr := s.store.DeleteModel(ctx, out.ID); delErr != nil {
			slog.Error("could not remove model of uncompleted job", "job_id", job.ID, "model", name, "error", delErr)
		}
		return nil
	}

	s.mirrorStatus(ctx, job.ID, models.JobStatusCompleted)
	metrics.FineTuneJob(models.JobStatusCompleted)
	slog.Info("fine-tuning job completed", "job_id", job.ID, "model", name)
	return nil
}

func (s *Scheduler) fail(ctx context.Context, id uuid.UUID, cause error) {
	slog.Error("fine-tuning job failed", "job_id", id, "error", cause)
	if err := s.store.UpdateJobStatus(ctx, id, models.JobStatusFailed, store.WithErrorMessage(cause.Error())); err != nil {
		slog.Warn("could not mark fine-tuning job failed", "job_id", id, "error", err)
		return
	}
	s.mirrorStatus(ctx, id, models.JobStatusFailed)
	metrics.FineTuneJob(models.JobStatusFailed)
}

func (s *Scheduler) mirrorStatus(ctx context.Context, id uuid.UUID, status string) {
	if s.kv == nil {
		return
	}
	if err := s.kv.SetJobStatus(ctx, id, status, statusMirrorTTL); err != nil {
		slog.Debug("job status mirror write failed", "job_id", id, "error", err)
	}
}

func outputModelName(job *models.FineTuningJob, base *models.LLMModel) string {
	if job.OutputModelName != nil && strings.TrimSpace(*job.OutputModelName) != "" {
		return strings.TrimSpace(*job.OutputModelName)
	}
	return fmt.Sprintf("%s-ft-%s", base.Name, job.ID.String()[:8])
}

func modelCardRef(jobID uuid.UUID) string {
	return fmt.Sprintf("jobs/%s/model_card.json", jobID)
}
