// Package artifacts stores training inputs and fine-tuned model outputs.
package artifacts

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/kiranshivaraju/inferencehub/internal/config"
)

var ErrInvalidRef = errors.New("invalid artifact reference")

// Store addresses artifacts by slash-separated relative references such as
// "datasets/train.jsonl".
type Store interface {
	Exists(ctx context.Context, ref string) (bool, error)
	Put(ctx context.Context, ref string, data []byte, contentType string) error
}

// New returns the store selected by cfg.Backend.
func New(ctx context.Context, cfg config.ArtifactsConfig) (Store, error) {
	switch cfg.Backend {
	case "", "local":
		return NewLocalStore(cfg.Root)
	case "minio":
		return NewMinIOStore(ctx, cfg.MinIO)
	default:
		return nil, fmt.Errorf("unsupported artifact backend %q", cfg.Backend)
	}
}

// cleanRef normalises ref and rejects anything that would escape the root.
func cleanRef(ref string) (string, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidRef)
	}
	if strings.HasPrefix(ref, "/") || strings.Contains(ref, "\\") {
		return "", fmt.Errorf("%w: %q must be relative", ErrInvalidRef, ref)
	}
	cleaned := path.Clean(ref)
	if cleaned == "." || cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", fmt.Errorf("%w: %q escapes the artifact root", ErrInvalidRef, ref)
	}
	return cleaned, nil
}
