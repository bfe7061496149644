// Package inference runs generation requests end to end: model resolution,
// request bookkeeping, the response cache, backend selection and dispatch.
package inference

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/inferencehub/internal/backend"
	"github.com/kiranshivaraju/inferencehub/internal/balancer"
	"github.com/kiranshivaraju/inferencehub/internal/cache"
	"github.com/kiranshivaraju/inferencehub/internal/metrics"
	"github.com/kiranshivaraju/inferencehub/internal/respcache"
	"github.com/kiranshivaraju/inferencehub/internal/store"
	"github.com/kiranshivaraju/inferencehub/pkg/models"
)

const (
	defaultMaxTokens   = 1024
	defaultTemperature = 0.7
	defaultTopP        = 1.0

	cacheWriteTimeout = 10 * time.Second
	modelListTTL      = 30 * time.Second
	maxErrorLen       = 2000
)

// Store is the subset of the durable store the orchestrator needs.
type Store interface {
	store.ModelStore
	store.QueryStore
}

// BackendSelector picks a backend for a model. Implemented by balancer.LoadBalancer.
type BackendSelector interface {
	SelectBackend(ctx context.Context, model string) (*models.BackendNode, error)
}

// ResponseCache is implemented by respcache.ResponseCache.
type ResponseCache interface {
	Lookup(ctx context.Context, prompt string, modelID uuid.UUID, cacheKey string) (*respcache.Hit, error)
	Store(ctx context.Context, prompt, response string, modelID uuid.UUID, cacheKey string) error
}

// PromptRequest is one caller's generation request. Nil sampling fields
// take the defaults.
type PromptRequest struct {
	Prompt           string
	Model            string
	MaxTokens        int
	Temperature      *float64
	TopP             *float64
	FrequencyPenalty float64
	PresencePenalty  float64
	Stop             []string
	UserID           *uuid.UUID
	Source           string
	ClientIP         string
}

// GenerationResult is returned for every recorded request. On failure
// Error is set and the error return carries the cause.
type GenerationResult struct {
	QueryID          uuid.UUID `json:"query_id"`
	Response         string    `json:"response"`
	Model            string    `json:"model"`
	PromptTokens     int       `json:"prompt_tokens"`
	CompletionTokens int       `json:"completion_tokens"`
	TotalTokens      int       `json:"total_tokens"`
	LatencyMS        float64   `json:"processing_time_ms"`
	Cached           bool      `json:"cached"`
	Error            string    `json:"error,omitempty"`
}

// Orchestrator is safe for concurrent use.
type Orchestrator struct {
	store          Store
	balancer       BackendSelector
	client         backend.Client
	cache          ResponseCache
	kv             cache.Cache
	defaultModel   string
	requestTimeout time.Duration

	writes sync.WaitGroup
}

func NewOrchestrator(st Store, lb BackendSelector, client backend.Client, rc ResponseCache, kv cache.Cache, defaultModel string, requestTimeout time.Duration) *Orchestrator {
	return &Orchestrator{
		store:          st,
		balancer:       lb,
		client:         client,
		cache:          rc,
		kv:             kv,
		defaultModel:   defaultModel,
		requestTimeout: requestTimeout,
	}
}

// Generate serves one request. A record is written for every request that
// resolves a model; cache hits complete without a backend call.
func (o *Orchestrator) Generate(ctx context.Context, req PromptRequest) (*GenerationResult, error) {
	start := time.Now()

	if strings.TrimSpace(req.Prompt) == "" {
		return nil, fmt.Errorf("%w: prompt is required", ErrInvalidRequest)
	}
	applyDefaults(&req)

	model, err := o.resolveModel(ctx, req.Model)
	if err != nil {
		if errors.Is(err, ErrModelNotFound) {
			metrics.ObserveGenerate(req.Model, metrics.OutcomeModelAbsent, time.Since(start))
		}
		return nil, err
	}

	q := &models.Query{
		ID:        uuid.New(),
		UserID:    req.UserID,
		ModelID:   model.ID,
		Source:    req.Source,
		Prompt:    req.Prompt,
		Status:    models.QueryStatusPending,
		CreatedAt: time.Now().UTC(),
	}
	if req.ClientIP != "" {
		q.ClientIP = &req.ClientIP
	}
	if err := o.store.CreateQuery(ctx, q); err != nil {
		return nil, fmt.Errorf("recording query: %w", err)
	}
	// The record must reach a terminal status even if the caller goes away.
	rec := context.WithoutCancel(ctx)

	cacheKey := respcache.ComputeCacheKey(req.Prompt, model.Name)

	if o.cache != nil {
		hit, err := o.cache.Lookup(ctx, req.Prompt, model.ID, cacheKey)
		if err != nil {
			slog.Warn("response cache lookup failed", "error", err, "query_id", q.ID)
		}
		if hit != nil {
			return o.completeFromCache(rec, q.ID, model, hit, cacheKey, start)
		}
	}

	if err := o.store.UpdateQuery(rec, q.ID, models.QueryStatusProcessing); err != nil {
		return nil, fmt.Errorf("marking query processing: %w", err)
	}

	node, err := o.balancer.SelectBackend(ctx, model.Name)
	if err != nil {
		slog.Error("no suitable server found", "model", model.Name, "error", err)
		if !errors.Is(err, balancer.ErrNoBackendAvailable) {
			err = fmt.Errorf("%w: %v", ErrNoBackendAvailable, err)
		} else {
			err = ErrNoBackendAvailable
		}
		return o.fail(rec, q.ID, model.Name, metrics.OutcomeNoBackend, err, start)
	}

	genCtx, cancel := context.WithTimeout(ctx, o.requestTimeout)
	defer cancel()

	resp, err := o.client.Generate(genCtx, node, backend.GenerateRequest{
		Prompt:           req.Prompt,
		Model:            model.Name,
		MaxTokens:        req.MaxTokens,
		Temperature:      *req.Temperature,
		TopP:             *req.TopP,
		FrequencyPenalty: req.FrequencyPenalty,
		PresencePenalty:  req.PresencePenalty,
		Stop:             req.Stop,
	})
	if err != nil {
		slog.Error("backend generation failed", "backend", node.Name, "model", model.Name, "error", err)
		switch {
		case errors.Is(ctx.Err(), context.Canceled):
			return o.fail(rec, q.ID, model.Name, metrics.OutcomeCanceled, fmt.Errorf("%w: request cancelled: %v", ErrBackend, err), start)
		case errors.Is(err, backend.ErrBackendTimeout) || errors.Is(err, context.DeadlineExceeded):
			return o.fail(rec, q.ID, model.Name, metrics.OutcomeTimeout, fmt.Errorf("%w: %v", ErrTimeout, err), start)
		}
		return o.fail(rec, q.ID, model.Name, metrics.OutcomeBackendErr, fmt.Errorf("%w: %v", ErrBackend, err), start)
	}

	latency := msSince(start)
	if err := o.store.UpdateQuery(rec, q.ID, models.QueryStatusCompleted,
		store.WithResponse(resp.Response),
		store.WithTokens(resp.PromptTokens, resp.CompletionTokens),
		store.WithLatency(latency),
		store.WithCacheKey(cacheKey),
	); err != nil {
		slog.Error("failed to record completed query", "query_id", q.ID, "error", err)
	}

	if o.cache != nil {
		o.storeAsync(req.Prompt, resp.Response, model.ID, cacheKey)
	}

	metrics.ObserveGenerate(model.Name, metrics.OutcomeSuccess, time.Since(start))
	return &GenerationResult{
		QueryID:          q.ID,
		Response:         resp.Response,
		Model:            model.Name,
		PromptTokens:     resp.PromptTokens,
		CompletionTokens: resp.CompletionTokens,
		TotalTokens:      resp.PromptTokens + resp.CompletionTokens,
		LatencyMS:        latency,
	}, nil
}

// resolveModel looks up name, falling back to the default model.
func (o *Orchestrator) resolveModel(ctx context.Context, name string) (*models.LLMModel, error) {
	if name == "" {
		name = o.defaultModel
	}
	model, err := o.store.GetModelByName(ctx, name)
	if err == nil {
		return model, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("resolving model: %w", err)
	}
	if name == o.defaultModel {
		return nil, fmt.Errorf("%w: %s", ErrModelNotFound, name)
	}

	slog.Warn("model not found, using default", "model", name, "default", o.defaultModel)
	model, err = o.store.GetModelByName(ctx, o.defaultModel)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrModelNotFound, name)
	}
	if err != nil {
		return nil, fmt.Errorf("resolving default model: %w", err)
	}
	return model, nil
}

func (o *Orchestrator) completeFromCache(ctx context.Context, queryID uuid.UUID, model *models.LLMModel, hit *respcache.Hit, cacheKey string, start time.Time) (*GenerationResult, error) {
	latency := msSince(start)
	if err := o.store.UpdateQuery(ctx, queryID, models.QueryStatusCompleted,
		store.WithResponse(hit.Response),
		store.WithTokens(0, 0),
		store.WithLatency(latency),
		store.WithCached(true),
		store.WithCacheKey(cacheKey),
	); err != nil {
		slog.Error("failed to record cached query", "query_id", queryID, "error", err)
	}

	metrics.ObserveGenerate(model.Name, metrics.OutcomeCacheHit, time.Since(start))
	return &GenerationResult{
		QueryID:   queryID,
		Response:  hit.Response,
		Model:     model.Name,
		LatencyMS: latency,
		Cached:    true,
	}, nil
}

func (o *Orchestrator) fail(ctx context.Context, queryID uuid.UUID, model, outcome string, cause error, start time.Time) (*GenerationResult, error) {
	msg := truncateString(cause.Error(), maxErrorLen)
	if err := o.store.UpdateQuery(ctx, queryID, models.QueryStatusFailed,
		store.WithQueryError(msg),
		store.WithLatency(msSince(start)),
	); err != nil {
		slog.Error("failed to record failed query", "query_id", queryID, "error", err)
	}

	metrics.ObserveGenerate(model, outcome, time.Since(start))
	return &GenerationResult{QueryID: queryID, Model: model, Error: msg}, cause
}

// storeAsync writes the cache entry off the request path. Failures are
// logged only.
func (o *Orchestrator) storeAsync(prompt, response string, modelID uuid.UUID, cacheKey string) {
	o.writes.Add(1)
	go func() {
		defer o.writes.Done()
		ctx, cancel := context.WithTimeout(context.Background(), cacheWriteTimeout)
		defer cancel()
		if err := o.cache.Store(ctx, prompt, response, modelID, cacheKey); err != nil {
			slog.Warn("failed to write response cache entry", "error", err)
		}
	}()
}

// Flush waits for in-flight cache writes to finish.
func (o *Orchestrator) Flush() {
	o.writes.Wait()
}

// ListAvailableModels returns the model catalogue. The list is cached in
// the key-value store briefly; a cache failure falls through to the store.
func (o *Orchestrator) ListAvailableModels(ctx context.Context) ([]*models.LLMModel, error) {
	if o.kv != nil {
		var cached []*models.LLMModel
		found, err := cache.GetJSON(ctx, o.kv, cache.ModelListKey(), &cached)
		if err != nil {
			slog.Warn("model list cache read failed", "error", err)
		} else if found {
			return cached, nil
		}
	}

	list, err := o.store.ListModels(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing models: %w", err)
	}

	if o.kv != nil {
		if err := cache.SetJSON(ctx, o.kv, cache.ModelListKey(), list, modelListTTL); err != nil {
			slog.Warn("model list cache write failed", "error", err)
		}
	}
	return list, nil
}

func applyDefaults(req *PromptRequest) {
	if req.MaxTokens <= 0 {
		req.MaxTokens = defaultMaxTokens
	}
	if req.Temperature == nil {
		t := defaultTemperature
		req.Temperature = &t
	}
	if req.TopP == nil {
		p := defaultTopP
		req.TopP = &p
	}
	if req.Source == "" {
		req.Source = models.QuerySourceAPI
	}
}

func msSince(start time.Time) float64 {
	return float64(time.Since(start)) / float64(time.Millisecond)
}

// truncateString truncates s to maxBytes without splitting UTF-8 runes.
func truncateString(s string, maxBytes int) string {
	if len(s) <= maxBytes {
		return s
	}
	for maxBytes > 0 && !utf8.RuneStart(s[maxBytes]) {
		maxBytes--
	}
	return s[:maxBytes]
}
