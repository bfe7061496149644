package models

import (
	"time"

	"github.com/google/uuid"
)

const (
	JobStatusQueued    = "queued"
	JobStatusPreparing = "preparing"
	JobStatusRunning   = "running"
	JobStatusCompleted = "completed"
	JobStatusFailed    = "failed"
	JobStatusCancelled = "cancelled"
)

// IsActiveJobStatus reports whether status holds the fine-tuning slot.
func IsActiveJobStatus(status string) bool {
	return status == JobStatusPreparing || status == JobStatusRunning
}

// IsTerminalJobStatus reports whether no further transition is allowed.
func IsTerminalJobStatus(status string) bool {
	switch status {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	}
	return false
}

// Hyperparameters are the training knobs accepted at submission.
type Hyperparameters struct {
	Epochs       int     `json:"epochs"`
	BatchSize    int     `json:"batch_size"`
	LearningRate float64 `json:"learning_rate"`
	WarmupSteps  int     `json:"warmup_steps"`
	LoraRank     int     `json:"lora_rank,omitempty"`
}

// JobProgress is written back after every training increment.
type JobProgress struct {
	CurrentStep   int        `json:"current_step"`
	TotalSteps    int        `json:"total_steps"`
	Loss          float64    `json:"loss"`
	Accuracy      float64    `json:"accuracy"`
	Fraction      float64    `json:"progress"`
	FinalLoss     *float64   `json:"final_loss,omitempty"`
	FinalAccuracy *float64   `json:"final_accuracy,omitempty"`
	OutputModelID *uuid.UUID `json:"model_id,omitempty"`
}

// FineTuningJob is a durable training request. Status transitions are owned
// by the scheduler and terminal states are final.
type FineTuningJob struct {
	ID              uuid.UUID       `db:"id"                json:"id"`
	Name            string          `db:"name"              json:"name"`
	OwnerID         uuid.UUID       `db:"owner_id"          json:"owner_id"`
	BaseModelID     uuid.UUID       `db:"base_model_id"     json:"base_model_id"`
	Status          string          `db:"status"            json:"status"`
	Description     *string         `db:"description"       json:"description,omitempty"`
	TrainingFile    string          `db:"training_file"     json:"training_file"`
	ValidationFile  *string         `db:"validation_file"   json:"validation_file,omitempty"`
	Hyperparameters Hyperparameters `db:"hyperparameters"   json:"hyperparameters"`
	Progress        JobProgress     `db:"progress"          json:"progress"`
	OutputModelName *string         `db:"output_model_name" json:"output_model_name,omitempty"`
	ErrorMessage    *string         `db:"error_message"     json:"error_message,omitempty"`
	CreatedAt       time.Time       `db:"created_at"        json:"created_at"`
	StartedAt       *time.Time      `db:"started_at"        json:"started_at,omitempty"`
	CompletedAt     *time.Time      `db:"completed_at"      json:"completed_at,omitempty"`
	UpdatedAt       time.Time       `db:"updated_at"        json:"updated_at"`
}
