package cache

import (
	"fmt"

	"github.com/google/uuid"
)

// JobStatusKey mirrors a fine-tuning job's status for cheap polling.
func JobStatusKey(jobID uuid.UUID) string {
	return fmt.Sprintf("finetune:job:%s", jobID)
}

// RateLimitKey counts one user's requests in the current window.
func RateLimitKey(userID uuid.UUID) string {
	return fmt.Sprintf("ratelimit:user:%s", userID)
}

// ModelListKey holds the serialized model catalogue.
func ModelListKey() string {
	return "models:list"
}
