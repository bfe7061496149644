package mock

import (
	"context"
	"sync"

	"github.com/kiranshivaraju/inferencehub/internal/backend"
	"github.com/kiranshivaraju/inferencehub/pkg/models"
)

// MockClient satisfies backend.Client for testing. Unset funcs succeed
// with zero values. Generate calls are counted per node name.
type MockClient struct {
	GenerateFunc func(ctx context.Context, node *models.BackendNode, req backend.GenerateRequest) (backend.GenerateResponse, error)
	HealthFunc   func(ctx context.Context, node *models.BackendNode) error
	MetricsFunc  func(ctx context.Context, node *models.BackendNode) (backend.MetricsReport, error)

	mu            sync.Mutex
	generateCalls map[string]int
}

func (m *MockClient) Generate(ctx context.Context, node *models.BackendNode, req backend.GenerateRequest) (backend.GenerateResponse, error) {
	m.mu.Lock()
	if m.generateCalls == nil {
		m.generateCalls = make(map[string]int)
	}
	m.generateCalls[node.Name]++
	m.mu.Unlock()

	if m.GenerateFunc != nil {
		return m.GenerateFunc(ctx, node, req)
	}
	return backend.GenerateResponse{}, nil
}

func (m *MockClient) Health(ctx context.Context, node *models.BackendNode) error {
	if m.HealthFunc != nil {
		return m.HealthFunc(ctx, node)
	}
	return nil
}

func (m *MockClient) Metrics(ctx context.Context, node *models.BackendNode) (backend.MetricsReport, error) {
	if m.MetricsFunc != nil {
		return m.MetricsFunc(ctx, node)
	}
	return backend.MetricsReport{}, nil
}

// GenerateCalls returns the total number of Generate calls across nodes.
func (m *MockClient) GenerateCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.generateCalls {
		n += c
	}
	return n
}

// GenerateCallsFor returns the Generate call count for one node.
func (m *MockClient) GenerateCallsFor(name string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.generateCalls[name]
}

// NewEchoClient returns a MockClient whose Generate answers with a fixed
// response and token counts derived from the prompt length.
func NewEchoClient(response string) *MockClient {
	return &MockClient{
		GenerateFunc: func(_ context.Context, _ *models.BackendNode, req backend.GenerateRequest) (backend.GenerateResponse, error) {
			return backend.GenerateResponse{
				Response:         response,
				PromptTokens:     len(req.Prompt) / 4,
				CompletionTokens: len(response) / 4,
			}, nil
		},
	}
}

// NewFailingClient returns a MockClient where every call fails with err.
func NewFailingClient(err error) *MockClient {
	return &MockClient{
		GenerateFunc: func(_ context.Context, _ *models.BackendNode, _ backend.GenerateRequest) (backend.GenerateResponse, error) {
			return backend.GenerateResponse{}, err
		},
		HealthFunc: func(_ context.Context, _ *models.BackendNode) error {
			return err
		},
		MetricsFunc: func(_ context.Context, _ *models.BackendNode) (backend.MetricsReport, error) {
			return backend.MetricsReport{}, err
		},
	}
}

// NewTimeoutClient returns a MockClient whose Generate blocks until the
// context is done.
func NewTimeoutClient() *MockClient {
	return &MockClient{
		GenerateFunc: func(ctx context.Context, _ *models.BackendNode, _ backend.GenerateRequest) (backend.GenerateResponse, error) {
			<-ctx.Done()
			return backend.GenerateResponse{}, backend.ErrBackendTimeout
		},
	}
}

// Compile-time check that MockClient implements backend.Client.
var _ backend.Client = (*MockClient)(nil)
