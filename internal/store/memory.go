package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/inferencehub/pkg/models"
)

// MemoryStore is a process-local Store. It backs STORE_BACKEND=memory and
// component tests. Records are copied in and out so callers never share
// memory with the store.
type MemoryStore struct {
	mu sync.Mutex

	backends     map[uuid.UUID]models.BackendNode
	backendOrder []uuid.UUID
	snapshots    []models.LoadSnapshot

	models map[uuid.UUID]models.LLMModel

	queries map[uuid.UUID]models.Query

	cache []models.CacheEntry

	jobs     map[uuid.UUID]models.FineTuningJob
	jobOrder []uuid.UUID

	apiKeys map[uuid.UUID]models.APIKey
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		backends: make(map[uuid.UUID]models.BackendNode),
		models:   make(map[uuid.UUID]models.LLMModel),
		queries:  make(map[uuid.UUID]models.Query),
		jobs:     make(map[uuid.UUID]models.FineTuningJob),
		apiKeys:  make(map[uuid.UUID]models.APIKey),
	}
}

var _ Store = (*MemoryStore)(nil)

func (m *MemoryStore) Ping(_ context.Context) error { return nil }

// --- Backends ---

func (m *MemoryStore) ListActiveBackends(_ context.Context) ([]*models.BackendNode, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.BackendNode
	for _, id := range m.backendOrder {
		n := m.backends[id]
		if !n.IsActive {
			continue
		}
		out = append(out, &n)
	}
	return out, nil
}

func (m *MemoryStore) GetBackend(_ context.Context, id uuid.UUID) (*models.BackendNode, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.backends[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &n, nil
}

func (m *MemoryStore) UpsertBackend(_ context.Context, node *models.BackendNode) (*models.BackendNode, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range m.backendOrder {
		existing := m.backends[id]
		if existing.Name != node.Name {
			continue
		}
		existing.Host = node.Host
		existing.Port = node.Port
		existing.APIKey = node.APIKey
		existing.GPUCount = node.GPUCount
		existing.GPUMemoryGB = node.GPUMemoryGB
		existing.IsActive = node.IsActive
		m.backends[id] = existing
		return &existing, nil
	}

	n := *node
	if n.ID == uuid.Nil {
		n.ID = uuid.New()
	}
	if n.HealthStatus == "" {
		n.HealthStatus = models.HealthUnknown
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now().UTC()
	}
	m.backends[n.ID] = n
	m.backendOrder = append(m.backendOrder, n.ID)
	return &n, nil
}

func (m *MemoryStore) UpdateBackendHealth(_ context.Context, id uuid.UUID, status models.HealthStatus, checkedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.backends[id]
	if !ok {
		return ErrNotFound
	}
	n.HealthStatus = status
	n.LastHealthCheck = &checkedAt
	m.backends[id] = n
	return nil
}

func (m *MemoryStore) CreateLoadSnapshot(_ context.Context, snap *models.LoadSnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshots = append(m.snapshots, *snap)
	return nil
}

func (m *MemoryStore) ListLoadSnapshots(_ context.Context, filter SnapshotFilter) ([]*models.LoadSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	limit := normalizeLimit(filter.Limit)
	var out []*models.LoadSnapshot
	for i := len(m.snapshots) - 1; i >= 0 && len(out) < limit; i-- {
		sn := m.snapshots[i]
		if filter.BackendID != uuid.Nil && sn.BackendID != filter.BackendID {
			continue
		}
		if !filter.Since.IsZero() && sn.Timestamp.Before(filter.Since) {
			continue
		}
		if !filter.Until.IsZero() && !sn.Timestamp.Before(filter.Until) {
			continue
		}
		out = append(out, &sn)
	}
	return out, nil
}

func (m *MemoryStore) LatestLoadSnapshots(_ context.Context) (map[uuid.UUID]*models.LoadSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[uuid.UUID]*models.LoadSnapshot)
	for i := range m.snapshots {
		sn := m.snapshots[i]
		if prev, ok := out[sn.BackendID]; ok && prev.Timestamp.After(sn.Timestamp) {
			continue
		}
		out[sn.BackendID] = &sn
	}
	return out, nil
}

// --- Models ---

func (m *MemoryStore) GetModel(_ context.Context, id uuid.UUID) (*models.LLMModel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mod, ok := m.models[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &mod, nil
}

func (m *MemoryStore) GetModelByName(_ context.Context, name string) (*models.LLMModel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, mod := range m.models {
		if mod.Name == name {
			return &mod, nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) ListModels(_ context.Context) ([]*models.LLMModel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*models.LLMModel, 0, len(m.models))
	for _, mod := range m.models {
		mod := mod
		out = append(out, &mod)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *MemoryStore) CreateModel(_ context.Context, model *models.LLMModel) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, mod := range m.models {
		if mod.Name == model.Name {
			return ErrDuplicateKey
		}
	}
	if _, ok := m.models[model.ID]; ok {
		return ErrDuplicateKey
	}
	m.models[model.ID] = *model
	return nil
}

func (m *MemoryStore) DeleteModel(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.models[id]; !ok {
		return ErrNotFound
	}
	delete(m.models, id)
	return nil
}

func (m *MemoryStore) UpsertModel(_ context.Context, model *models.LLMModel) (*models.LLMModel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, mod := range m.models {
		if mod.Name != model.Name {
			continue
		}
		mod.Version = model.Version
		mod.Description = model.Description
		mod.Parameters = model.Parameters
		mod.Quantization = model.Quantization
		m.models[id] = mod
		return &mod, nil
	}
	mod := *model
	if mod.ID == uuid.Nil {
		mod.ID = uuid.New()
	}
	m.models[mod.ID] = mod
	return &mod, nil
}

// --- Queries ---

func (m *MemoryStore) CreateQuery(_ context.Context, q *models.Query) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.queries[q.ID]; ok {
		return ErrDuplicateKey
	}
	m.queries[q.ID] = *q
	return nil
}

func (m *MemoryStore) GetQuery(_ context.Context, id uuid.UUID) (*models.Query, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.queries[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &q, nil
}

func (m *MemoryStore) UpdateQuery(_ context.Context, id uuid.UUID, status string, opts ...QueryUpdateOption) error {
	params := &queryUpdateParams{}
	for _, opt := range opts {
		opt(params)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.queries[id]
	if !ok {
		return ErrNotFound
	}
	if !allowed(validQueryTransitions, q.Status, status) {
		return fmt.Errorf("%w: query %s -> %s", ErrInvalidTransition, q.Status, status)
	}

	q.Status = status
	if status == models.QueryStatusCompleted || status == models.QueryStatusFailed {
		now := time.Now().UTC()
		q.CompletedAt = &now
	}
	if params.Response != nil {
		q.Response = params.Response
	}
	if params.PromptTokens != nil {
		q.PromptTokens = *params.PromptTokens
	}
	if params.CompletionTokens != nil {
		q.CompletionTokens = *params.CompletionTokens
	}
	if params.LatencyMS != nil {
		q.LatencyMS = *params.LatencyMS
	}
	if params.Cached != nil {
		q.Cached = *params.Cached
	}
	if params.CacheKey != nil {
		q.CacheKey = params.CacheKey
	}
	if params.ErrorMessage != nil {
		q.ErrorMessage = params.ErrorMessage
	}
	m.queries[id] = q
	return nil
}

func (m *MemoryStore) ListQueries(_ context.Context, filter QueryFilter) ([]*models.Query, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Query
	for _, q := range m.queries {
		if filter.UserID != nil && (q.UserID == nil || *q.UserID != *filter.UserID) {
			continue
		}
		if filter.Status != "" && q.Status != filter.Status {
			continue
		}
		if !filter.Since.IsZero() && q.CreatedAt.Before(filter.Since) {
			continue
		}
		if !filter.Until.IsZero() && !q.CreatedAt.Before(filter.Until) {
			continue
		}
		q := q
		out = append(out, &q)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit := normalizeLimit(filter.Limit); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// --- Cache entries ---

func copyEntry(e models.CacheEntry) *models.CacheEntry {
	e.Embedding = append([]float64(nil), e.Embedding...)
	return &e
}

func (m *MemoryStore) CreateCacheEntry(_ context.Context, entry *models.CacheEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cache = append(m.cache, *copyEntry(*entry))
	return nil
}

func (m *MemoryStore) GetCacheEntryByKey(_ context.Context, key string, modelID uuid.UUID, now time.Time) (*models.CacheEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.cache {
		if e.CacheKey == nil || *e.CacheKey != key || e.ModelID != modelID || e.Expired(now) {
			continue
		}
		return copyEntry(e), nil
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) ListActiveCacheEntries(_ context.Context, modelID uuid.UUID, now time.Time) ([]*models.CacheEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.CacheEntry
	for _, e := range m.cache {
		if e.ModelID != modelID || e.Expired(now) {
			continue
		}
		out = append(out, copyEntry(e))
	}
	return out, nil
}

func (m *MemoryStore) RecordCacheHit(_ context.Context, id uuid.UUID, cacheKey *string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.cache {
		if m.cache[i].ID != id {
			continue
		}
		m.cache[i].HitCount++
		if m.cache[i].CacheKey == nil && cacheKey != nil {
			k := *cacheKey
			m.cache[i].CacheKey = &k
		}
		return nil
	}
	return ErrNotFound
}

func (m *MemoryStore) DeleteExpiredCacheEntries(_ context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.cache[:0]
	var deleted int64
	for _, e := range m.cache {
		if e.Expired(now) {
			deleted++
			continue
		}
		kept = append(kept, e)
	}
	m.cache = kept
	return deleted, nil
}

func (m *MemoryStore) CacheStats(_ context.Context, now time.Time) (*models.CacheStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stats := &models.CacheStats{EntriesByModel: map[string]int{}}
	for _, e := range m.cache {
		stats.TotalEntries++
		stats.TotalHits += int64(e.HitCount)
		if e.Expired(now) {
			stats.ExpiredEntries++
			continue
		}
		stats.ActiveEntries++
		name := e.ModelID.String()
		if mod, ok := m.models[e.ModelID]; ok {
			name = mod.Name
		}
		stats.EntriesByModel[name]++
	}
	return stats, nil
}

// --- Fine-tuning jobs ---

func (m *MemoryStore) CreateJob(_ context.Context, job *models.FineTuningJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[job.ID]; ok {
		return ErrDuplicateKey
	}
	m.jobs[job.ID] = *job
	m.jobOrder = append(m.jobOrder, job.ID)
	return nil
}

func (m *MemoryStore) GetJob(_ context.Context, id uuid.UUID) (*models.FineTuningJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &j, nil
}

func (m *MemoryStore) ListJobs(_ context.Context, filter JobFilter) ([]*models.FineTuningJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.FineTuningJob
	for i := len(m.jobOrder) - 1; i >= 0; i-- {
		j := m.jobs[m.jobOrder[i]]
		if filter.OwnerID != nil && j.OwnerID != *filter.OwnerID {
			continue
		}
		if filter.Status != "" && j.Status != filter.Status {
			continue
		}
		out = append(out, &j)
	}
	sort.SliceStable(out, func(i, k int) bool { return out[i].CreatedAt.After(out[k].CreatedAt) })

	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}
	if offset >= len(out) {
		return nil, nil
	}
	out = out[offset:]
	if limit := normalizeLimit(filter.Limit); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) activeJobCount() int {
	n := 0
	for _, j := range m.jobs {
		if models.IsActiveJobStatus(j.Status) {
			n++
		}
	}
	return n
}

func (m *MemoryStore) ClaimNextQueuedJob(_ context.Context, now time.Time) (*models.FineTuningJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.activeJobCount() > 0 {
		return nil, ErrNotFound
	}

	var next *models.FineTuningJob
	for _, id := range m.jobOrder {
		j := m.jobs[id]
		if j.Status != models.JobStatusQueued {
			continue
		}
		if next == nil || j.CreatedAt.Before(next.CreatedAt) {
			j := j
			next = &j
		}
	}
	if next == nil {
		return nil, ErrNotFound
	}

	next.Status = models.JobStatusPreparing
	next.StartedAt = &now
	next.UpdatedAt = now
	m.jobs[next.ID] = *next
	return next, nil
}

func (m *MemoryStore) UpdateJobStatus(_ context.Context, id uuid.UUID, status string, opts ...JobUpdateOption) error {
	params := &jobUpdateParams{}
	for _, opt := range opts {
		opt(params)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return ErrNotFound
	}
	if !allowed(validJobTransitions, j.Status, status) {
		return fmt.Errorf("%w: job %s -> %s", ErrInvalidTransition, j.Status, status)
	}
	if status == models.JobStatusPreparing && m.activeJobCount() > 0 {
		return fmt.Errorf("%w: another job is active", ErrInvalidTransition)
	}

	now := time.Now().UTC()
	j.Status = status
	j.UpdatedAt = now
	switch status {
	case models.JobStatusPreparing:
		j.StartedAt = &now
	case models.JobStatusQueued:
		j.StartedAt = nil
		j.CompletedAt = nil
		j.Progress = models.JobProgress{}
	case models.JobStatusCompleted, models.JobStatusFailed, models.JobStatusCancelled:
		j.CompletedAt = &now
	}
	if params.ErrorMessage != nil {
		j.ErrorMessage = params.ErrorMessage
	}
	if params.Progress != nil {
		j.Progress = *params.Progress
	}
	if params.OutputModelName != nil {
		j.OutputModelName = params.OutputModelName
	}
	m.jobs[id] = j
	return nil
}

func (m *MemoryStore) UpdateJobProgress(_ context.Context, id uuid.UUID, progress models.JobProgress) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return ErrNotFound
	}
	if j.Status != models.JobStatusRunning {
		return fmt.Errorf("%w: job %s is not running", ErrInvalidTransition, id)
	}
	j.Progress = progress
	j.UpdatedAt = time.Now().UTC()
	m.jobs[id] = j
	return nil
}

func (m *MemoryStore) RequeueActiveJobs(_ context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	now := time.Now().UTC()
	for id, j := range m.jobs {
		if !models.IsActiveJobStatus(j.Status) {
			continue
		}
		j.Status = models.JobStatusQueued
		j.StartedAt = nil
		j.Progress = models.JobProgress{}
		j.UpdatedAt = now
		m.jobs[id] = j
		n++
	}
	return n, nil
}

func (m *MemoryStore) CountActiveJobs(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.activeJobCount(), nil
}

// --- API Keys ---

func (m *MemoryStore) GetAPIKeyByPrefix(_ context.Context, prefix string) ([]*models.APIKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.APIKey
	for _, k := range m.apiKeys {
		if k.KeyPrefix != prefix || k.DeletedAt != nil {
			continue
		}
		k := k
		out = append(out, &k)
	}
	return out, nil
}

func (m *MemoryStore) UpdateAPIKeyLastUsed(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k, ok := m.apiKeys[id]
	if !ok {
		return ErrNotFound
	}
	now := time.Now().UTC()
	k.LastUsedAt = &now
	k.UpdatedAt = now
	m.apiKeys[id] = k
	return nil
}

func (m *MemoryStore) CreateAPIKey(_ context.Context, key *models.APIKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range m.apiKeys {
		if k.KeyHash == key.KeyHash {
			return ErrDuplicateKey
		}
	}
	m.apiKeys[key.ID] = *key
	return nil
}
