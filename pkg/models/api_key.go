package models

import (
	"time"

	"github.com/google/uuid"
)

// APIKeyPrefixLen is the number of leading characters of a raw key stored in
// clear and used to look the key up before the bcrypt comparison.
const APIKeyPrefixLen = 8

// Scopes carried by API keys. ScopeRead covers inference and the caller's own
// fine-tuning jobs; ScopeAdmin adds fleet and cache administration and every
// user's jobs.
const (
	ScopeRead  = "read"
	ScopeAdmin = "admin"
)

// APIKey authenticates one user. Several keys may belong to the same user and
// share that user's rate budget and job ownership.
// Raw keys are shown once; only the bcrypt hash is stored.
type APIKey struct {
	ID         uuid.UUID  `db:"id"           json:"id"`
	UserID     uuid.UUID  `db:"user_id"      json:"user_id"`
	Name       string     `db:"name"         json:"name"`
	KeyHash    string     `db:"key_hash"     json:"-"`
	KeyPrefix  string     `db:"key_prefix"   json:"key_prefix"`
	Scopes     []string   `db:"scopes"       json:"scopes"`
	LastUsedAt *time.Time `db:"last_used_at" json:"last_used_at,omitempty"`
	DeletedAt  *time.Time `db:"deleted_at"   json:"-"`
	CreatedAt  time.Time  `db:"created_at"   json:"created_at"`
	UpdatedAt  time.Time  `db:"updated_at"   json:"updated_at"`
}

// HasScope reports whether the key grants scope.
func (k *APIKey) HasScope(scope string) bool {
	for _, s := range k.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// APIKeyPrefix returns the lookup prefix of a raw key, or false if the key is
// too short to carry one.
func APIKeyPrefix(raw string) (string, bool) {
	if len(raw) < APIKeyPrefixLen {
		return "", false
	}
	return raw[:APIKeyPrefixLen], true
}
