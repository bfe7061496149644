package models

import (
	"time"

	"github.com/google/uuid"
)

// CacheEntry stores a generated response keyed by prompt embedding.
// Only the hit counter (and a missing cache key) may change after insert.
type CacheEntry struct {
	ID        uuid.UUID `db:"id"         json:"id"`
	Prompt    string    `db:"prompt"     json:"prompt"`
	Embedding []float64 `db:"embedding"  json:"-"`
	Response  string    `db:"response"   json:"response"`
	ModelID   uuid.UUID `db:"model_id"   json:"model_id"`
	CacheKey  *string   `db:"cache_key"  json:"cache_key,omitempty"`
	HitCount  int       `db:"hit_count"  json:"hit_count"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
	ExpiresAt time.Time `db:"expires_at" json:"expires_at"`
}

// Expired reports whether the entry must no longer be served at now.
func (e *CacheEntry) Expired(now time.Time) bool {
	return !now.Before(e.ExpiresAt)
}

// CacheStats reports response cache occupancy and hit accounting.
type CacheStats struct {
	TotalEntries        int            `json:"total_entries"`
	ActiveEntries       int            `json:"active_entries"`
	ExpiredEntries      int            `json:"expired_entries"`
	TotalHits           int64          `json:"total_hits"`
	EntriesByModel      map[string]int `json:"entries_by_model"`
	SimilarityThreshold float64        `json:"similarity_threshold"`
	TTLSeconds          int            `json:"cache_expiry_seconds"`
}
