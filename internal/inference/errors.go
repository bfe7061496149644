package inference

import "errors"

var (
	ErrInvalidRequest     = errors.New("invalid generation request")
	ErrModelNotFound      = errors.New("model not found")
	ErrNoBackendAvailable = errors.New("no suitable server available")
	ErrBackend            = errors.New("backend generation failed")
	ErrTimeout            = errors.New("backend generation timed out")
)
