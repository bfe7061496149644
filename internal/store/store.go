package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/inferencehub/pkg/models"
)

var ErrNotFound = errors.New("resource not found")
var ErrDuplicateKey = errors.New("duplicate key violation")
var ErrInvalidTransition = errors.New("invalid status transition")

// Store is the data access interface. All database operations go through here.
type Store interface {
	Ping(ctx context.Context) error

	BackendStore
	ModelStore
	QueryStore
	CacheStore
	JobStore
	APIKeyStore
}

// BackendStore persists fleet nodes and their load history.
type BackendStore interface {
	ListActiveBackends(ctx context.Context) ([]*models.BackendNode, error)
	GetBackend(ctx context.Context, id uuid.UUID) (*models.BackendNode, error)
	UpsertBackend(ctx context.Context, node *models.BackendNode) (*models.BackendNode, error)
	UpdateBackendHealth(ctx context.Context, id uuid.UUID, status models.HealthStatus, checkedAt time.Time) error
	CreateLoadSnapshot(ctx context.Context, snap *models.LoadSnapshot) error
	ListLoadSnapshots(ctx context.Context, filter SnapshotFilter) ([]*models.LoadSnapshot, error)
	LatestLoadSnapshots(ctx context.Context) (map[uuid.UUID]*models.LoadSnapshot, error)
}

type ModelStore interface {
	GetModel(ctx context.Context, id uuid.UUID) (*models.LLMModel, error)
	GetModelByName(ctx context.Context, name string) (*models.LLMModel, error)
	ListModels(ctx context.Context) ([]*models.LLMModel, error)
	CreateModel(ctx context.Context, model *models.LLMModel) error
	UpsertModel(ctx context.Context, model *models.LLMModel) (*models.LLMModel, error)
	DeleteModel(ctx context.Context, id uuid.UUID) error
}

// QueryStore records generation requests. Status only moves forward.
type QueryStore interface {
	CreateQuery(ctx context.Context, q *models.Query) error
	GetQuery(ctx context.Context, id uuid.UUID) (*models.Query, error)
	UpdateQuery(ctx context.Context, id uuid.UUID, status string, opts ...QueryUpdateOption) error
	ListQueries(ctx context.Context, filter QueryFilter) ([]*models.Query, error)
}

// CacheStore holds response cache entries. Reads never return entries
// expired at the supplied time.
type CacheStore interface {
	CreateCacheEntry(ctx context.Context, entry *models.CacheEntry) error
	GetCacheEntryByKey(ctx context.Context, key string, modelID uuid.UUID, now time.Time) (*models.CacheEntry, error)
	ListActiveCacheEntries(ctx context.Context, modelID uuid.UUID, now time.Time) ([]*models.CacheEntry, error)
	RecordCacheHit(ctx context.Context, id uuid.UUID, cacheKey *string) error
	DeleteExpiredCacheEntries(ctx context.Context, now time.Time) (int64, error)
	CacheStats(ctx context.Context, now time.Time) (*models.CacheStats, error)
}

// JobStore holds fine-tuning jobs. At most one job is preparing or running.
type JobStore interface {
	CreateJob(ctx context.Context, job *models.FineTuningJob) error
	GetJob(ctx context.Context, id uuid.UUID) (*models.FineTuningJob, error)
	ListJobs(ctx context.Context, filter JobFilter) ([]*models.FineTuningJob, error)
	ClaimNextQueuedJob(ctx context.Context, now time.Time) (*models.FineTuningJob, error)
	UpdateJobStatus(ctx context.Context, id uuid.UUID, status string, opts ...JobUpdateOption) error
	UpdateJobProgress(ctx context.Context, id uuid.UUID, progress models.JobProgress) error
	RequeueActiveJobs(ctx context.Context) (int64, error)
	CountActiveJobs(ctx context.Context) (int, error)
}

type APIKeyStore interface {
	GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error)
	UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error
	CreateAPIKey(ctx context.Context, key *models.APIKey) error
}

type SnapshotFilter struct {
	BackendID uuid.UUID
	Since     time.Time
	Until     time.Time
	Limit     int
}

type QueryFilter struct {
	UserID *uuid.UUID
	Status string
	Since  time.Time
	Until  time.Time
	Limit  int
}

type JobFilter struct {
	OwnerID *uuid.UUID
	Status  string
	Limit   int
	Offset  int
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return 20
	}
	if limit > 100 {
		return 100
	}
	return limit
}

// --- Query transitions ---

var validQueryTransitions = map[string][]string{
	models.QueryStatusPending:    {models.QueryStatusProcessing, models.QueryStatusCompleted, models.QueryStatusFailed},
	models.QueryStatusProcessing: {models.QueryStatusCompleted, models.QueryStatusFailed},
}

type queryUpdateParams struct {
	Response         *string
	PromptTokens     *int
	CompletionTokens *int
	LatencyMS        *float64
	Cached           *bool
	CacheKey         *string
	ErrorMessage     *string
}

type QueryUpdateOption func(*queryUpdateParams)

func WithResponse(text string) QueryUpdateOption {
	return func(p *queryUpdateParams) {
		p.Response = &text
	}
}

func WithTokens(prompt, completion int) QueryUpdateOption {
	return func(p *queryUpdateParams) {
		p.PromptTokens = &prompt
		p.CompletionTokens = &completion
	}
}

func WithLatency(ms float64) QueryUpdateOption {
	return func(p *queryUpdateParams) {
		p.LatencyMS = &ms
	}
}

func WithCached(cached bool) QueryUpdateOption {
	return func(p *queryUpdateParams) {
		p.Cached = &cached
	}
}

func WithCacheKey(key string) QueryUpdateOption {
	return func(p *queryUpdateParams) {
		p.CacheKey = &key
	}
}

func WithQueryError(msg string) QueryUpdateOption {
	return func(p *queryUpdateParams) {
		p.ErrorMessage = &msg
	}
}

// --- Job transitions ---

var validJobTransitions = map[string][]string{
	models.JobStatusQueued:    {models.JobStatusPreparing, models.JobStatusCancelled},
	models.JobStatusPreparing: {models.JobStatusRunning, models.JobStatusCancelled, models.JobStatusFailed, models.JobStatusQueued},
	models.JobStatusRunning:   {models.JobStatusCompleted, models.JobStatusFailed, models.JobStatusCancelled, models.JobStatusQueued},
}

type jobUpdateParams struct {
	ErrorMessage    *string
	Progress        *models.JobProgress
	OutputModelName *string
}

type JobUpdateOption func(*jobUpdateParams)

func WithErrorMessage(msg string) JobUpdateOption {
	return func(p *jobUpdateParams) {
		p.ErrorMessage = &msg
	}
}

func WithProgress(progress models.JobProgress) JobUpdateOption {
	return func(p *jobUpdateParams) {
		p.Progress = &progress
	}
}

func WithOutputModel(name string) JobUpdateOption {
	return func(p *jobUpdateParams) {
		p.OutputModelName = &name
	}
}

func allowed(table map[string][]string, from, to string) bool {
	for _, s := range table[from] {
		if s == to {
			return true
		}
	}
	return false
}
