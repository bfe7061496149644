package models

import (
	"time"

	"github.com/google/uuid"
)

// LLMModel is a model served by the fleet. Fine-tuned models reference
// their base model by name and are never edited after creation.
type LLMModel struct {
	ID           uuid.UUID `db:"id"            json:"id"`
	Name         string    `db:"name"          json:"name"`
	Version      string    `db:"version"       json:"version"`
	Description  string    `db:"description"   json:"description"`
	Parameters   int64     `db:"parameters"    json:"parameters"`
	Quantization *string   `db:"quantization"  json:"quantization,omitempty"`
	IsFineTuned  bool      `db:"is_fine_tuned" json:"is_fine_tuned"`
	BaseModel    *string   `db:"base_model"    json:"base_model,omitempty"`
	CreatedAt    time.Time `db:"created_at"    json:"created_at"`
}
