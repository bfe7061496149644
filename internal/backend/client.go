// Package backend speaks the text-generation backend protocol: generation,
// health probe and metrics probe over HTTP.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"

	"github.com/kiranshivaraju/inferencehub/pkg/models"
)

// Sentinel errors for backend call failures.
var (
	ErrBackendUnreachable = errors.New("backend unreachable")
	ErrBackendError       = errors.New("backend error")
	ErrBackendTimeout     = errors.New("backend timeout")
)

// Client is the interface for talking to one backend node.
// Callers bound every call with a context deadline.
type Client interface {
	Generate(ctx context.Context, node *models.BackendNode, req GenerateRequest) (GenerateResponse, error)
	Health(ctx context.Context, node *models.BackendNode) error
	Metrics(ctx context.Context, node *models.BackendNode) (MetricsReport, error)
}

// GenerateRequest is the generation payload sent to a backend.
type GenerateRequest struct {
	Prompt           string   `json:"prompt"`
	Model            string   `json:"model"`
	MaxTokens        int      `json:"max_tokens"`
	Temperature      float64  `json:"temperature"`
	TopP             float64  `json:"top_p"`
	FrequencyPenalty float64  `json:"frequency_penalty"`
	PresencePenalty  float64  `json:"presence_penalty"`
	Stop             []string `json:"stop,omitempty"`
}

// GenerateResponse is a successful generation result.
type GenerateResponse struct {
	Response         string `json:"response"`
	PromptTokens     int    `json:"prompt_tokens"`
	CompletionTokens int    `json:"completion_tokens"`
}

// MetricsReport is the body of a backend metrics probe.
type MetricsReport struct {
	GPUUtilization float64 `json:"gpu_utilization"`
	GPUMemoryUsed  float64 `json:"gpu_memory_used"`
	GPUMemoryTotal float64 `json:"gpu_memory_total"`
	CPUUtilization float64 `json:"cpu_utilization"`
	ActiveRequests int     `json:"active_requests"`
	QueueDepth     int     `json:"queue_depth"`
}

// HTTPClient implements Client over plain HTTP.
type HTTPClient struct {
	client *http.Client
}

// NewHTTPClient creates a backend client. A nil http.Client uses a fresh
// client with no global timeout; deadlines come from the call context.
func NewHTTPClient(hc *http.Client) *HTTPClient {
	if hc == nil {
		hc = &http.Client{}
	}
	return &HTTPClient{client: hc}
}

func baseURL(node *models.BackendNode) string {
	return "http://" + net.JoinHostPort(node.Host, strconv.Itoa(node.Port))
}

func (c *HTTPClient) Generate(ctx context.Context, node *models.BackendNode, req GenerateRequest) (GenerateResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return GenerateResponse{}, fmt.Errorf("encoding request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL(node)+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return GenerateResponse{}, fmt.Errorf("building request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	setHeaders(httpReq, node)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return GenerateResponse{}, classifyError(err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return GenerateResponse{}, classifyError(err)
	}

	var out struct {
		GenerateResponse
		Error string `json:"error"`
	}
	decodeErr := json.Unmarshal(raw, &out)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		if decodeErr == nil && out.Error != "" {
			return GenerateResponse{}, fmt.Errorf("%w: status %d: %s", ErrBackendError, resp.StatusCode, out.Error)
		}
		return GenerateResponse{}, fmt.Errorf("%w: status %d", ErrBackendError, resp.StatusCode)
	}
	if decodeErr != nil {
		return GenerateResponse{}, fmt.Errorf("%w: decoding response: %v", ErrBackendError, decodeErr)
	}
	if out.Error != "" {
		return GenerateResponse{}, fmt.Errorf("%w: %s", ErrBackendError, out.Error)
	}

	return out.GenerateResponse, nil
}

func (c *HTTPClient) Health(ctx context.Context, node *models.BackendNode) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL(node)+"/health", nil)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	setHeaders(httpReq, node)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return classifyError(err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%w: health status %d", ErrBackendError, resp.StatusCode)
	}
	return nil
}

func (c *HTTPClient) Metrics(ctx context.Context, node *models.BackendNode) (MetricsReport, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL(node)+"/metrics", nil)
	if err != nil {
		return MetricsReport{}, fmt.Errorf("building request: %w", err)
	}
	httpReq.Header.Set("Accept", "application/json")
	setHeaders(httpReq, node)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return MetricsReport{}, classifyError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return MetricsReport{}, fmt.Errorf("%w: metrics status %d", ErrBackendError, resp.StatusCode)
	}

	var report MetricsReport
	if err := json.NewDecoder(resp.Body).Decode(&report); err != nil {
		return MetricsReport{}, fmt.Errorf("%w: decoding metrics: %v", ErrBackendError, err)
	}
	return report, nil
}

func setHeaders(req *http.Request, node *models.BackendNode) {
	if node.APIKey != nil && *node.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+*node.APIKey)
	}
}

// classifyError maps transport-level errors to sentinel errors. Only an
// expired deadline is a timeout; a cancelled request is not the backend's fault.
func classifyError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrBackendTimeout, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", ErrBackendTimeout, err)
	}

	if errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: request cancelled: %w", ErrBackendError, err)
	}

	return fmt.Errorf("%w: %v", ErrBackendUnreachable, err)
}

// Compile-time check that HTTPClient implements Client.
var _ Client = (*HTTPClient)(nil)
