package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/kiranshivaraju/inferencehub/internal/api/response"
	"github.com/kiranshivaraju/inferencehub/pkg/models"
)

type ModelLister interface {
	ListAvailableModels(ctx context.Context) ([]*models.LLMModel, error)
}

type ServerStatusReporter interface {
	ServersStatus() []models.BackendStatus
}

type CacheStatsReader interface {
	Stats(ctx context.Context) (*models.CacheStats, error)
}

// NewListModelsHandler returns an http.HandlerFunc for GET /api/v1/models.
func NewListModelsHandler(l ModelLister) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		list, err := l.ListAvailableModels(r.Context())
		if err != nil {
			slog.Error("listing models failed", "error", err)
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to list models", nil)
			return
		}
		if list == nil {
			list = []*models.LLMModel{}
		}
		response.JSON(w, list)
	}
}

// NewServersHandler returns an http.HandlerFunc for GET /api/v1/servers.
func NewServersHandler(s ServerStatusReporter) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		status := s.ServersStatus()
		if status == nil {
			status = []models.BackendStatus{}
		}
		response.JSON(w, status)
	}
}

// NewCacheStatsHandler returns an http.HandlerFunc for GET /api/v1/cache/stats.
func NewCacheStatsHandler(c CacheStatsReader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stats, err := c.Stats(r.Context())
		if err != nil {
			slog.Error("reading cache stats failed", "error", err)
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to read cache statistics", nil)
			return
		}
		response.JSON(w, stats)
	}
}
