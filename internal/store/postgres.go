package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/kiranshivaraju/inferencehub/pkg/models"
)

// PostgresStore implements the Store interface using pgx/v5.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

var _ Store = (*PostgresStore)(nil)

// Ping checks database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// --- Backends ---

const backendColumns = `id, name, host, port, api_key, gpu_count, gpu_memory_gb, is_active, health_status, last_health_check, created_at`

func scanBackend(row pgx.Row) (*models.BackendNode, error) {
	var n models.BackendNode
	err := row.Scan(&n.ID, &n.Name, &n.Host, &n.Port, &n.APIKey, &n.GPUCount, &n.GPUMemoryGB,
		&n.IsActive, &n.HealthStatus, &n.LastHealthCheck, &n.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &n, nil
}

func (s *PostgresStore) ListActiveBackends(ctx context.Context) ([]*models.BackendNode, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+backendColumns+` FROM backend_nodes WHERE is_active ORDER BY created_at, name`)
	if err != nil {
		return nil, fmt.Errorf("list active backends: %w", err)
	}
	defer rows.Close()

	var nodes []*models.BackendNode
	for rows.Next() {
		n, err := scanBackend(rows)
		if err != nil {
			return nil, fmt.Errorf("scan backend: %w", err)
		}
		nodes = append(nodes, n)
	}
	return nodes, rows.Err()
}

func (s *PostgresStore) GetBackend(ctx context.Context, id uuid.UUID) (*models.BackendNode, error) {
	n, err := scanBackend(s.pool.QueryRow(ctx,
		`SELECT `+backendColumns+` FROM backend_nodes WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get backend: %w", err)
	}
	return n, nil
}

// UpsertBackend inserts a node or updates its address and capacity by name.
// Health fields of an existing node are left untouched.
func (s *PostgresStore) UpsertBackend(ctx context.Context, node *models.BackendNode) (*models.BackendNode, error) {
	if node.HealthStatus == "" {
		node.HealthStatus = models.HealthUnknown
	}
	n, err := scanBackend(s.pool.QueryRow(ctx,
		`INSERT INTO backend_nodes (id, name, host, port, api_key, gpu_count, gpu_memory_gb, is_active, health_status, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 ON CONFLICT (name) DO UPDATE SET
		   host = EXCLUDED.host,
		   port = EXCLUDED.port,
		   api_key = EXCLUDED.api_key,
		   gpu_count = EXCLUDED.gpu_count,
		   gpu_memory_gb = EXCLUDED.gpu_memory_gb,
		   is_active = EXCLUDED.is_active
		 RETURNING `+backendColumns,
		node.ID, node.Name, node.Host, node.Port, node.APIKey, node.GPUCount, node.GPUMemoryGB,
		node.IsActive, node.HealthStatus, node.CreatedAt))
	if err != nil {
		return nil, fmt.Errorf("upsert backend: %w", err)
	}
	return n, nil
}

func (s *PostgresStore) UpdateBackendHealth(ctx context.Context, id uuid.UUID, status models.HealthStatus, checkedAt time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE backend_nodes SET health_status = $2, last_health_check = $3 WHERE id = $1`,
		id, status, checkedAt)
	if err != nil {
		return fmt.Errorf("update backend health: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

const snapshotColumns = `id, backend_id, gpu_utilization, gpu_memory_used, gpu_memory_total, cpu_utilization, active_requests, queue_depth, timestamp`

func scanSnapshot(row pgx.Row) (*models.LoadSnapshot, error) {
	var sn models.LoadSnapshot
	err := row.Scan(&sn.ID, &sn.BackendID, &sn.GPUUtilization, &sn.GPUMemoryUsed, &sn.GPUMemoryTotal,
		&sn.CPUUtilization, &sn.ActiveRequests, &sn.QueueDepth, &sn.Timestamp)
	if err != nil {
		return nil, err
	}
	return &sn, nil
}

func (s *PostgresStore) CreateLoadSnapshot(ctx context.Context, snap *models.LoadSnapshot) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO load_snapshots (`+snapshotColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		snap.ID, snap.BackendID, snap.GPUUtilization, snap.GPUMemoryUsed, snap.GPUMemoryTotal,
		snap.CPUUtilization, snap.ActiveRequests, snap.QueueDepth, snap.Timestamp)
	if err != nil {
		return fmt.Errorf("create load snapshot: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListLoadSnapshots(ctx context.Context, filter SnapshotFilter) ([]*models.LoadSnapshot, error) {
	conditions := []string{"TRUE"}
	args := []any{}
	argIdx := 1

	if filter.BackendID != uuid.Nil {
		conditions = append(conditions, fmt.Sprintf("backend_id = $%d", argIdx))
		args = append(args, filter.BackendID)
		argIdx++
	}
	if !filter.Since.IsZero() {
		conditions = append(conditions, fmt.Sprintf("timestamp >= $%d", argIdx))
		args = append(args, filter.Since)
		argIdx++
	}
	if !filter.Until.IsZero() {
		conditions = append(conditions, fmt.Sprintf("timestamp < $%d", argIdx))
		args = append(args, filter.Until)
		argIdx++
	}

	query := fmt.Sprintf(`SELECT %s FROM load_snapshots WHERE %s ORDER BY timestamp DESC LIMIT $%d`,
		snapshotColumns, strings.Join(conditions, " AND "), argIdx)
	args = append(args, normalizeLimit(filter.Limit))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list load snapshots: %w", err)
	}
	defer rows.Close()

	var snaps []*models.LoadSnapshot
	for rows.Next() {
		sn, err := scanSnapshot(rows)
		if err != nil {
			return nil, fmt.Errorf("scan load snapshot: %w", err)
		}
		snaps = append(snaps, sn)
	}
	return snaps, rows.Err()
}

// LatestLoadSnapshots returns the most recent snapshot per backend.
func (s *PostgresStore) LatestLoadSnapshots(ctx context.Context) (map[uuid.UUID]*models.LoadSnapshot, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT DISTINCT ON (backend_id) `+snapshotColumns+`
		 FROM load_snapshots ORDER BY backend_id, timestamp DESC`)
	if err != nil {
		return nil, fmt.Errorf("latest load snapshots: %w", err)
	}
	defer rows.Close()

	out := make(map[uuid.UUID]*models.LoadSnapshot)
	for rows.Next() {
		sn, err := scanSnapshot(rows)
		if err != nil {
			return nil, fmt.Errorf("scan load snapshot: %w", err)
		}
		out[sn.BackendID] = sn
	}
	return out, rows.Err()
}

// --- Models ---

const modelColumns = `id, name, version, description, parameters, quantization, is_fine_tuned, base_model, created_at`

func scanModel(row pgx.Row) (*models.LLMModel, error) {
	var m models.LLMModel
	err := row.Scan(&m.ID, &m.Name, &m.Version, &m.Description, &m.Parameters, &m.Quantization,
		&m.IsFineTuned, &m.BaseModel, &m.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (s *PostgresStore) GetModel(ctx context.Context, id uuid.UUID) (*models.LLMModel, error) {
	m, err := scanModel(s.pool.QueryRow(ctx, `SELECT `+modelColumns+` FROM llm_models WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get model: %w", err)
	}
	return m, nil
}

func (s *PostgresStore) GetModelByName(ctx context.Context, name string) (*models.LLMModel, error) {
	m, err := scanModel(s.pool.QueryRow(ctx, `SELECT `+modelColumns+` FROM llm_models WHERE name = $1`, name))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get model by name: %w", err)
	}
	return m, nil
}

func (s *PostgresStore) ListModels(ctx context.Context) ([]*models.LLMModel, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+modelColumns+` FROM llm_models ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list models: %w", err)
	}
	defer rows.Close()

	var out []*models.LLMModel
	for rows.Next() {
		m, err := scanModel(rows)
		if err != nil {
			return nil, fmt.Errorf("scan model: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *PostgresStore) CreateModel(ctx context.Context, model *models.LLMModel) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO llm_models (`+modelColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		model.ID, model.Name, model.Version, model.Description, model.Parameters, model.Quantization,
		model.IsFineTuned, model.BaseModel, model.CreatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create model: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteModel(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM llm_models WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete model: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) UpsertModel(ctx context.Context, model *models.LLMModel) (*models.LLMModel, error) {
	m, err := scanModel(s.pool.QueryRow(ctx,
		`INSERT INTO llm_models (`+modelColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 ON CONFLICT (name) DO UPDATE SET
		   version = EXCLUDED.version,
		   description = EXCLUDED.description,
		   parameters = EXCLUDED.parameters,
		   quantization = EXCLUDED.quantization
		 RETURNING `+modelColumns,
		model.ID, model.Name, model.Version, model.Description, model.Parameters, model.Quantization,
		model.IsFineTuned, model.BaseModel, model.CreatedAt))
	if err != nil {
		return nil, fmt.Errorf("upsert model: %w", err)
	}
	return m, nil
}

// --- Queries ---

const queryColumns = `id, user_id, model_id, source, prompt, response, status, prompt_tokens, completion_tokens,
	latency_ms, cached, cache_key, error_message, client_ip, created_at, completed_at`

func scanQuery(row pgx.Row) (*models.Query, error) {
	var q models.Query
	err := row.Scan(&q.ID, &q.UserID, &q.ModelID, &q.Source, &q.Prompt, &q.Response, &q.Status,
		&q.PromptTokens, &q.CompletionTokens, &q.LatencyMS, &q.Cached, &q.CacheKey, &q.ErrorMessage,
		&q.ClientIP, &q.CreatedAt, &q.CompletedAt)
	if err != nil {
		return nil, err
	}
	return &q, nil
}

func (s *PostgresStore) CreateQuery(ctx context.Context, q *models.Query) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO queries (id, user_id, model_id, source, prompt, status, cache_key, client_ip, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		q.ID, q.UserID, q.ModelID, q.Source, q.Prompt, q.Status, q.CacheKey, q.ClientIP, q.CreatedAt)
	if err != nil {
		return fmt.Errorf("create query: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetQuery(ctx context.Context, id uuid.UUID) (*models.Query, error) {
	q, err := scanQuery(s.pool.QueryRow(ctx, `SELECT `+queryColumns+` FROM queries WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get query: %w", err)
	}
	return q, nil
}

// UpdateQuery moves a query forward and applies the supplied fields.
// The update is conditional on the status read, so a concurrent writer
// that got there first turns this call into ErrInvalidTransition.
func (s *PostgresStore) UpdateQuery(ctx context.Context, id uuid.UUID, status string, opts ...QueryUpdateOption) error {
	params := &queryUpdateParams{}
	for _, opt := range opts {
		opt(params)
	}

	var currentStatus string
	err := s.pool.QueryRow(ctx, `SELECT status FROM queries WHERE id = $1`, id).Scan(&currentStatus)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("get query status: %w", err)
	}

	if !allowed(validQueryTransitions, currentStatus, status) {
		return fmt.Errorf("%w: query %s -> %s", ErrInvalidTransition, currentStatus, status)
	}

	query := `UPDATE queries SET status = $3`
	args := []any{id, currentStatus, status}
	argIdx := 4

	set := func(column string, value any) {
		query += fmt.Sprintf(", %s = $%d", column, argIdx)
		args = append(args, value)
		argIdx++
	}

	if status == models.QueryStatusCompleted || status == models.QueryStatusFailed {
		set("completed_at", time.Now().UTC())
	}
	if params.Response != nil {
		set("response", *params.Response)
	}
	if params.PromptTokens != nil {
		set("prompt_tokens", *params.PromptTokens)
	}
	if params.CompletionTokens != nil {
		set("completion_tokens", *params.CompletionTokens)
	}
	if params.LatencyMS != nil {
		set("latency_ms", *params.LatencyMS)
	}
	if params.Cached != nil {
		set("cached", *params.Cached)
	}
	if params.CacheKey != nil {
		set("cache_key", *params.CacheKey)
	}
	if params.ErrorMessage != nil {
		set("error_message", *params.ErrorMessage)
	}

	query += " WHERE id = $1 AND status = $2"

	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update query: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: query %s changed concurrently", ErrInvalidTransition, id)
	}
	return nil
}

func (s *PostgresStore) ListQueries(ctx context.Context, filter QueryFilter) ([]*models.Query, error) {
	conditions := []string{"TRUE"}
	args := []any{}
	argIdx := 1

	if filter.UserID != nil {
		conditions = append(conditions, fmt.Sprintf("user_id = $%d", argIdx))
		args = append(args, *filter.UserID)
		argIdx++
	}
	if filter.Status != "" {
		conditions = append(conditions, fmt.Sprintf("status = $%d", argIdx))
		args = append(args, filter.Status)
		argIdx++
	}
	if !filter.Since.IsZero() {
		conditions = append(conditions, fmt.Sprintf("created_at >= $%d", argIdx))
		args = append(args, filter.Since)
		argIdx++
	}
	if !filter.Until.IsZero() {
		conditions = append(conditions, fmt.Sprintf("created_at < $%d", argIdx))
		args = append(args, filter.Until)
		argIdx++
	}

	query := fmt.Sprintf(`SELECT %s FROM queries WHERE %s ORDER BY created_at DESC LIMIT $%d`,
		queryColumns, strings.Join(conditions, " AND "), argIdx)
	args = append(args, normalizeLimit(filter.Limit))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list queries: %w", err)
	}
	defer rows.Close()

	var out []*models.Query
	for rows.Next() {
		q, err := scanQuery(rows)
		if err != nil {
			return nil, fmt.Errorf("scan query: %w", err)
		}
		out = append(out, q)
	}
	return out, rows.Err()
}

// --- Cache entries ---

const cacheColumns = `id, prompt, embedding, response, model_id, cache_key, hit_count, created_at, expires_at`

func scanCacheEntry(row pgx.Row) (*models.CacheEntry, error) {
	var e models.CacheEntry
	err := row.Scan(&e.ID, &e.Prompt, &e.Embedding, &e.Response, &e.ModelID, &e.CacheKey,
		&e.HitCount, &e.CreatedAt, &e.ExpiresAt)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func (s *PostgresStore) CreateCacheEntry(ctx context.Context, entry *models.CacheEntry) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO cache_entries (`+cacheColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		entry.ID, entry.Prompt, entry.Embedding, entry.Response, entry.ModelID, entry.CacheKey,
		entry.HitCount, entry.CreatedAt, entry.ExpiresAt)
	if err != nil {
		return fmt.Errorf("create cache entry: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetCacheEntryByKey(ctx context.Context, key string, modelID uuid.UUID, now time.Time) (*models.CacheEntry, error) {
	e, err := scanCacheEntry(s.pool.QueryRow(ctx,
		`SELECT `+cacheColumns+` FROM cache_entries
		 WHERE cache_key = $1 AND model_id = $2 AND expires_at > $3
		 ORDER BY seq LIMIT 1`, key, modelID, now))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get cache entry by key: %w", err)
	}
	return e, nil
}

// ListActiveCacheEntries returns unexpired entries for a model in insertion order.
func (s *PostgresStore) ListActiveCacheEntries(ctx context.Context, modelID uuid.UUID, now time.Time) ([]*models.CacheEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+cacheColumns+` FROM cache_entries
		 WHERE model_id = $1 AND expires_at > $2 ORDER BY seq`, modelID, now)
	if err != nil {
		return nil, fmt.Errorf("list active cache entries: %w", err)
	}
	defer rows.Close()

	var out []*models.CacheEntry
	for rows.Next() {
		e, err := scanCacheEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan cache entry: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *PostgresStore) RecordCacheHit(ctx context.Context, id uuid.UUID, cacheKey *string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE cache_entries SET hit_count = hit_count + 1, cache_key = COALESCE(cache_key, $2)
		 WHERE id = $1`, id, cacheKey)
	if err != nil {
		return fmt.Errorf("record cache hit: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) DeleteExpiredCacheEntries(ctx context.Context, now time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM cache_entries WHERE expires_at <= $1`, now)
	if err != nil {
		return 0, fmt.Errorf("delete expired cache entries: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *PostgresStore) CacheStats(ctx context.Context, now time.Time) (*models.CacheStats, error) {
	stats := &models.CacheStats{EntriesByModel: map[string]int{}}
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*),
		        COUNT(*) FILTER (WHERE expires_at > $1),
		        COALESCE(SUM(hit_count), 0)
		 FROM cache_entries`, now,
	).Scan(&stats.TotalEntries, &stats.ActiveEntries, &stats.TotalHits)
	if err != nil {
		return nil, fmt.Errorf("cache stats: %w", err)
	}
	stats.ExpiredEntries = stats.TotalEntries - stats.ActiveEntries

	rows, err := s.pool.Query(ctx,
		`SELECT m.name, COUNT(*) FROM cache_entries c
		 JOIN llm_models m ON m.id = c.model_id
		 WHERE c.expires_at > $1 GROUP BY m.name`, now)
	if err != nil {
		return nil, fmt.Errorf("cache stats by model: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var name string
		var count int
		if err := rows.Scan(&name, &count); err != nil {
			return nil, fmt.Errorf("scan cache stats: %w", err)
		}
		stats.EntriesByModel[name] = count
	}
	return stats, rows.Err()
}

// --- Fine-tuning jobs ---

const jobColumns = `id, name, owner_id, base_model_id, status, description, training_file, validation_file,
	hyperparameters, progress, output_model_name, error_message, created_at, started_at, completed_at, updated_at`

func scanJob(row pgx.Row) (*models.FineTuningJob, error) {
	var j models.FineTuningJob
	err := row.Scan(&j.ID, &j.Name, &j.OwnerID, &j.BaseModelID, &j.Status, &j.Description,
		&j.TrainingFile, &j.ValidationFile, &j.Hyperparameters, &j.Progress, &j.OutputModelName,
		&j.ErrorMessage, &j.CreatedAt, &j.StartedAt, &j.CompletedAt, &j.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &j, nil
}

func (s *PostgresStore) CreateJob(ctx context.Context, job *models.FineTuningJob) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO finetuning_jobs (id, name, owner_id, base_model_id, status, description, training_file,
		   validation_file, hyperparameters, progress, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		job.ID, job.Name, job.OwnerID, job.BaseModelID, job.Status, job.Description, job.TrainingFile,
		job.ValidationFile, job.Hyperparameters, job.Progress, job.CreatedAt, job.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create job: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetJob(ctx context.Context, id uuid.UUID) (*models.FineTuningJob, error) {
	j, err := scanJob(s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM finetuning_jobs WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return j, nil
}

func (s *PostgresStore) ListJobs(ctx context.Context, filter JobFilter) ([]*models.FineTuningJob, error) {
	conditions := []string{"TRUE"}
	args := []any{}
	argIdx := 1

	if filter.OwnerID != nil {
		conditions = append(conditions, fmt.Sprintf("owner_id = $%d", argIdx))
		args = append(args, *filter.OwnerID)
		argIdx++
	}
	if filter.Status != "" {
		conditions = append(conditions, fmt.Sprintf("status = $%d", argIdx))
		args = append(args, filter.Status)
		argIdx++
	}

	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}
	query := fmt.Sprintf(`SELECT %s FROM finetuning_jobs WHERE %s ORDER BY created_at DESC LIMIT $%d OFFSET $%d`,
		jobColumns, strings.Join(conditions, " AND "), argIdx, argIdx+1)
	args = append(args, normalizeLimit(filter.Limit), offset)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var out []*models.FineTuningJob
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// ClaimNextQueuedJob moves the oldest queued job to preparing in a single
// statement, but only while no other job holds the slot. ErrNotFound means
// there is nothing to claim right now.
func (s *PostgresStore) ClaimNextQueuedJob(ctx context.Context, now time.Time) (*models.FineTuningJob, error) {
	j, err := scanJob(s.pool.QueryRow(ctx,
		`UPDATE finetuning_jobs SET status = 'preparing', started_at = $1, updated_at = $1
		 WHERE id = (
		   SELECT id FROM finetuning_jobs
		   WHERE status = 'queued'
		     AND NOT EXISTS (SELECT 1 FROM finetuning_jobs WHERE status IN ('preparing', 'running'))
		   ORDER BY created_at, id
		   LIMIT 1
		   FOR UPDATE SKIP LOCKED
		 )
		 RETURNING `+jobColumns, now))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		// A racing claim trips the single-active index.
		if isDuplicateKeyError(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("claim next queued job: %w", err)
	}
	return j, nil
}

func (s *PostgresStore) UpdateJobStatus(ctx context.Context, id uuid.UUID, status string, opts ...JobUpdateOption) error {
	params := &jobUpdateParams{}
	for _, opt := range opts {
		opt(params)
	}

	var currentStatus string
	err := s.pool.QueryRow(ctx, `SELECT status FROM finetuning_jobs WHERE id = $1`, id).Scan(&currentStatus)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("get job status: %w", err)
	}

	if !allowed(validJobTransitions, currentStatus, status) {
		return fmt.Errorf("%w: job %s -> %s", ErrInvalidTransition, currentStatus, status)
	}

	now := time.Now().UTC()
	query := `UPDATE finetuning_jobs SET status = $3, updated_at = $4`
	args := []any{id, currentStatus, status, now}
	argIdx := 5

	set := func(column string, value any) {
		query += fmt.Sprintf(", %s = $%d", column, argIdx)
		args = append(args, value)
		argIdx++
	}

	switch status {
	case models.JobStatusPreparing:
		set("started_at", now)
	case models.JobStatusQueued:
		query += ", started_at = NULL, completed_at = NULL"
		if params.Progress == nil {
			set("progress", models.JobProgress{})
		}
	case models.JobStatusCompleted, models.JobStatusFailed, models.JobStatusCancelled:
		set("completed_at", now)
	}
	if params.ErrorMessage != nil {
		set("error_message", *params.ErrorMessage)
	}
	if params.Progress != nil {
		set("progress", *params.Progress)
	}
	if params.OutputModelName != nil {
		set("output_model_name", *params.OutputModelName)
	}

	query += " WHERE id = $1 AND status = $2"

	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		if isDuplicateKeyError(err) {
			return fmt.Errorf("%w: another job is active", ErrInvalidTransition)
		}
		return fmt.Errorf("update job status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: job %s changed concurrently", ErrInvalidTransition, id)
	}
	return nil
}

// UpdateJobProgress writes progress only while the job is running.
func (s *PostgresStore) UpdateJobProgress(ctx context.Context, id uuid.UUID, progress models.JobProgress) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE finetuning_jobs SET progress = $2, updated_at = NOW()
		 WHERE id = $1 AND status = 'running'`, id, progress)
	if err != nil {
		return fmt.Errorf("update job progress: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	var exists bool
	if err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM finetuning_jobs WHERE id = $1)`, id).Scan(&exists); err != nil {
		return fmt.Errorf("check job: %w", err)
	}
	if !exists {
		return ErrNotFound
	}
	return fmt.Errorf("%w: job %s is not running", ErrInvalidTransition, id)
}

// RequeueActiveJobs resets preparing/running jobs to queued with cleared progress.
func (s *PostgresStore) RequeueActiveJobs(ctx context.Context) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE finetuning_jobs
		 SET status = 'queued', started_at = NULL, progress = '{}'::jsonb, updated_at = NOW()
		 WHERE status IN ('preparing', 'running')`)
	if err != nil {
		return 0, fmt.Errorf("requeue active jobs: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *PostgresStore) CountActiveJobs(ctx context.Context) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM finetuning_jobs WHERE status IN ('preparing', 'running')`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count active jobs: %w", err)
	}
	return n, nil
}

// --- API Keys ---

func (s *PostgresStore) GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, name, key_hash, key_prefix, scopes, last_used_at, deleted_at, created_at, updated_at
		 FROM api_keys WHERE key_prefix = $1 AND deleted_at IS NULL`, prefix)
	if err != nil {
		return nil, fmt.Errorf("get api key by prefix: %w", err)
	}
	defer rows.Close()

	var keys []*models.APIKey
	for rows.Next() {
		var k models.APIKey
		if err := rows.Scan(&k.ID, &k.UserID, &k.Name, &k.KeyHash, &k.KeyPrefix, &k.Scopes,
			&k.LastUsedAt, &k.DeletedAt, &k.CreatedAt, &k.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan api key: %w", err)
		}
		keys = append(keys, &k)
	}
	return keys, rows.Err()
}

func (s *PostgresStore) UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE api_keys SET last_used_at = NOW(), updated_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("update api key last used: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreateAPIKey(ctx context.Context, key *models.APIKey) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO api_keys (id, user_id, name, key_hash, key_prefix, scopes, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		key.ID, key.UserID, key.Name, key.KeyHash, key.KeyPrefix, key.Scopes, key.CreatedAt, key.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create api key: %w", err)
	}
	return nil
}

// isDuplicateKeyError checks if a pgx error is a unique constraint violation.
func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505" // unique_violation
	}
	return false
}
