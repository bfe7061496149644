package models

import (
	"time"

	"github.com/google/uuid"
)

const (
	QueryStatusPending    = "pending"
	QueryStatusProcessing = "processing"
	QueryStatusCompleted  = "completed"
	QueryStatusFailed     = "failed"
)

const (
	QuerySourceAPI    = "api"
	QuerySourceWebUI  = "web_ui"
	QuerySourceSystem = "system"
)

// Query is the durable record of one generation request. Its status only
// moves forward: pending -> processing -> completed|failed, or pending ->
// completed on a cache hit. Records are append-only history once terminal.
type Query struct {
	ID               uuid.UUID  `db:"id"                json:"id"`
	UserID           *uuid.UUID `db:"user_id"           json:"user_id,omitempty"`
	ModelID          uuid.UUID  `db:"model_id"          json:"model_id"`
	Source           string     `db:"source"            json:"source"`
	Prompt           string     `db:"prompt"            json:"prompt"`
	Response         *string    `db:"response"          json:"response,omitempty"`
	Status           string     `db:"status"            json:"status"`
	PromptTokens     int        `db:"prompt_tokens"     json:"prompt_tokens"`
	CompletionTokens int        `db:"completion_tokens" json:"completion_tokens"`
	LatencyMS        float64    `db:"latency_ms"        json:"latency_ms"`
	Cached           bool       `db:"cached"            json:"cached"`
	CacheKey         *string    `db:"cache_key"         json:"cache_key,omitempty"`
	ErrorMessage     *string    `db:"error_message"     json:"error_message,omitempty"`
	ClientIP         *string    `db:"client_ip"         json:"client_ip,omitempty"`
	CreatedAt        time.Time  `db:"created_at"        json:"created_at"`
	CompletedAt      *time.Time `db:"completed_at"      json:"completed_at,omitempty"`
}
