// Package bootstrap applies a declarative fleet file at startup: the models
// the service knows, the backends that serve them, and the API keys that may
// call it.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/inferencehub/internal/store"
	"github.com/kiranshivaraju/inferencehub/pkg/models"
	"golang.org/x/crypto/bcrypt"
	"gopkg.in/yaml.v3"
)


var ErrInvalidFleet = errors.New("invalid fleet file")

type Fleet struct {
	Models   []ModelSpec   `yaml:"models"`
	Backends []BackendSpec `yaml:"backends"`
	APIKeys  []APIKeySpec  `yaml:"api_keys"`
}

type ModelSpec struct {
	Name         string `yaml:"name"`
	Version      string `yaml:"version"`
	Description  string `yaml:"description"`
	Parameters   int64  `yaml:"parameters"`
	Quantization string `yaml:"quantization"`
}

type BackendSpec struct {
	Name        string  `yaml:"name"`
	Host        string  `yaml:"host"`
	Port        int     `yaml:"port"`
	APIKey      string  `yaml:"api_key"`
	GPUCount    int     `yaml:"gpu_count"`
	GPUMemoryGB float64 `yaml:"gpu_memory_gb"`
	Disabled    bool    `yaml:"disabled"`
}

// APIKeySpec declares a caller key. Key is the raw secret; only its bcrypt
// hash is persisted.
type APIKeySpec struct {
	Name   string    `yaml:"name"`
	Key    string    `yaml:"key"`
	UserID uuid.UUID `yaml:"user_id"`
	Scopes []string  `yaml:"scopes"`
}

// Load reads and validates a fleet file.
func Load(path string) (*Fleet, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening fleet file: %w", err)
	}
	defer f.Close()
	return Parse(f)
}

func Parse(r io.Reader) (*Fleet, error) {
	var fleet Fleet
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&fleet); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: %v", ErrInvalidFleet, err)
	}
	if err := fleet.validate(); err != nil {
		return nil, err
	}
	return &fleet, nil
}

func (f *Fleet) validate() error {
	seen := map[string]bool{}
	for i, m := range f.Models {
		if strings.TrimSpace(m.Name) == "" {
			return fmt.Errorf("%w: models[%d]: name is required", ErrInvalidFleet, i)
		}
		if seen["model:"+m.Name] {
			return fmt.Errorf("%w: duplicate model %q", ErrInvalidFleet, m.Name)
		}
		seen["model:"+m.Name] = true
	}
	for i, b := range f.Backends {
		if strings.TrimSpace(b.Name) == "" || strings.TrimSpace(b.Host) == "" {
			return fmt.Errorf("%w: backends[%d]: name and host are required", ErrInvalidFleet, i)
		}
		if b.Port <= 0 || b.Port > 65535 {
			return fmt.Errorf("%w: backend %q: port %d out of range", ErrInvalidFleet, b.Name, b.Port)
		}
		if seen["backend:"+b.Name] {
			return fmt.Errorf("%w: duplicate backend %q", ErrInvalidFleet, b.Name)
		}
		seen["backend:"+b.Name] = true
	}
	for i, k := range f.APIKeys {
		if _, ok := models.APIKeyPrefix(k.Key); !ok {
			return fmt.Errorf("%w: api_keys[%d]: key must be at least %d characters", ErrInvalidFleet, i, models.APIKeyPrefixLen)
		}
		if k.UserID == uuid.Nil {
			return fmt.Errorf("%w: api_keys[%d]: user_id is required", ErrInvalidFleet, i)
		}
	}
	return nil
}

// Result counts what Apply wrote.
type Result struct {
	Models   int
	Backends int
	APIKeys  int
}

// Apply upserts models and backends by name. API keys are inserted only when
// no existing key shares their prefix, so re-applying the same file is a no-op
// for keys.
func Apply(ctx context.Context, s store.Store, f *Fleet) (Result, error) {
	var res Result
	now := time.Now().UTC()

	for _, m := range f.Models {
		model := &models.LLMModel{
			ID:          uuid.New(),
			Name:        m.Name,
			Version:     m.Version,
			Description: m.Description,
			Parameters:  m.Parameters,
			CreatedAt:   now,
		}
		if m.Quantization != "" {
			q := m.Quantization
			model.Quantization = &q
		}
		if _, err := s.UpsertModel(ctx, model); err != nil {
			return res, fmt.Errorf("upserting model %s: %w", m.Name, err)
		}
		res.Models++
	}

	for _, b := range f.Backends {
		node := &models.BackendNode{
			ID:           uuid.New(),
			Name:         b.Name,
			Host:         b.Host,
			Port:         b.Port,
			GPUCount:     b.GPUCount,
			GPUMemoryGB:  b.GPUMemoryGB,
			IsActive:     !b.Disabled,
			HealthStatus: models.HealthUnknown,
			CreatedAt:    now,
		}
		if b.APIKey != "" {
			key := b.APIKey
			node.APIKey = &key
		}
		if _, err := s.UpsertBackend(ctx, node); err != nil {
			return res, fmt.Errorf("upserting backend %s: %w", b.Name, err)
		}
		res.Backends++
	}

	for _, k := range f.APIKeys {
		created, err := ensureAPIKey(ctx, s, k, now)
		if err != nil {
			return res, err
		}
		if created {
			res.APIKeys++
		}
	}

	slog.Info("fleet applied", "models", res.Models, "backends", res.Backends, "api_keys", res.APIKeys)
	return res, nil
}

func ensureAPIKey(ctx context.Context, s store.APIKeyStore, k APIKeySpec, now time.Time) (bool, error) {
	prefix, _ := models.APIKeyPrefix(k.Key)
	existing, err := s.GetAPIKeyByPrefix(ctx, prefix)
	if err != nil {
		return false, fmt.Errorf("looking up api key %s: %w", k.Name, err)
	}
	if len(existing) > 0 {
		return false, nil
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(k.Key), bcrypt.DefaultCost)
	if err != nil {
		return false, fmt.Errorf("hashing api key %s: %w", k.Name, err)
	}
	scopes := k.Scopes
	if len(scopes) == 0 {
		scopes = []string{models.ScopeRead}
	}
	key := &models.APIKey{
		ID:        uuid.New(),
		UserID:    k.UserID,
		Name:      k.Name,
		KeyHash:   string(hash),
		KeyPrefix: prefix,
		Scopes:    scopes,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.CreateAPIKey(ctx, key); err != nil {
		if errors.Is(err, store.ErrDuplicateKey) {
			return false, nil
		}
		return false, fmt.Errorf("creating api key %s: %w", k.Name, err)
	}
	return true, nil
}
