// Package balancer tracks the backend fleet and chooses a backend per request.
package balancer

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/inferencehub/internal/backend"
	"github.com/kiranshivaraju/inferencehub/internal/metrics"
	"github.com/kiranshivaraju/inferencehub/internal/store"
	"github.com/kiranshivaraju/inferencehub/pkg/models"
)

var ErrNoBackendAvailable = errors.New("no healthy backend available")

const maxConcurrentProbes = 10

// LoadBalancer selects backends and owns the health and metrics loops.
// Only those loops mutate node state.
type LoadBalancer struct {
	registry     *Registry
	policy       Policy
	client       backend.Client
	store        store.BackendStore
	probeTimeout time.Duration
	now          func() time.Time
}

type Option func(*LoadBalancer)

// WithProbeTimeout bounds each health and metrics probe.
func WithProbeTimeout(d time.Duration) Option {
	return func(lb *LoadBalancer) { lb.probeTimeout = d }
}

func WithClock(now func() time.Time) Option {
	return func(lb *LoadBalancer) { lb.now = now }
}

func New(s store.BackendStore, client backend.Client, policy Policy, opts ...Option) *LoadBalancer {
	lb := &LoadBalancer{
		registry:     NewRegistry(s),
		policy:       policy,
		client:       client,
		store:        s,
		probeTimeout: 5 * time.Second,
		now:          func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(lb)
	}
	return lb
}

func (lb *LoadBalancer) Registry() *Registry { return lb.registry }

func (lb *LoadBalancer) Policy() Policy { return lb.policy }

// SelectBackend picks a healthy node for model under the active policy.
// It never blocks or retries.
func (lb *LoadBalancer) SelectBackend(ctx context.Context, model string) (*models.BackendNode, error) {
	if len(lb.registry.Nodes()) == 0 {
		if err := lb.registry.Refresh(ctx); err != nil {
			slog.Warn("refreshing backend registry", "error", err)
		}
	}

	healthy := lb.registry.Healthy()
	if len(healthy) == 0 {
		slog.Error("no healthy backends available", "model", model)
		return nil, ErrNoBackendAvailable
	}

	node := lb.policy.Pick(healthy, lb.registry.Snapshots())
	if node == nil {
		return nil, ErrNoBackendAvailable
	}
	return node, nil
}

// RunHealthChecks probes every node immediately and then once per interval
// until ctx is done.
func (lb *LoadBalancer) RunHealthChecks(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	lb.CheckHealth(ctx)

	for {
		select {
		case <-ticker.C:
			lb.CheckHealth(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// CheckHealth runs one health sweep over all nodes, persists the results
// and reloads the registry.
func (lb *LoadBalancer) CheckHealth(ctx context.Context) {
	nodes := lb.registry.Nodes()
	if len(nodes) == 0 {
		if err := lb.registry.Refresh(ctx); err != nil {
			slog.Error("refreshing backend registry", "error", err)
			return
		}
		nodes = lb.registry.Nodes()
	}

	lb.fanOut(nodes, func(node *models.BackendNode) {
		probeCtx, cancel := context.WithTimeout(ctx, lb.probeTimeout)
		err := lb.client.Health(probeCtx, node)
		cancel()

		status := healthFromProbe(err)
		if status != node.HealthStatus {
			if status == models.HealthHealthy {
				slog.Info("backend became healthy", "backend", node.Name, "previous", node.HealthStatus)
			} else {
				slog.Warn("backend is unhealthy", "backend", node.Name, "status", status, "error", err)
			}
		}

		lb.registry.SetHealth(node.ID, status)
		metrics.SetBackendHealthy(node.Name, status == models.HealthHealthy)

		if err := lb.store.UpdateBackendHealth(ctx, node.ID, status, lb.now()); err != nil {
			slog.Warn("failed to persist backend health", "backend", node.Name, "error", err)
		}
	})

	if err := lb.registry.Refresh(ctx); err != nil {
		slog.Error("refreshing backend registry", "error", err)
	}
}

// healthFromProbe maps a probe result to a status. A node that answers with
// a bad status is degraded; one that cannot be reached is offline.
func healthFromProbe(err error) models.HealthStatus {
	switch {
	case err == nil:
		return models.HealthHealthy
	case errors.Is(err, backend.ErrBackendError):
		return models.HealthDegraded
	default:
		return models.HealthOffline
	}
}

// RunMetricsCollection samples load from healthy nodes immediately and then
// once per interval until ctx is done.
func (lb *LoadBalancer) RunMetricsCollection(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	lb.CollectMetrics(ctx)

	for {
		select {
		case <-ticker.C:
			lb.CollectMetrics(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// CollectMetrics runs one metrics sweep. A failed probe keeps the node's
// previous snapshot.
func (lb *LoadBalancer) CollectMetrics(ctx context.Context) {
	lb.fanOut(lb.registry.Healthy(), func(node *models.BackendNode) {
		probeCtx, cancel := context.WithTimeout(ctx, lb.probeTimeout)
		report, err := lb.client.Metrics(probeCtx, node)
		cancel()
		if err != nil {
			slog.Warn("failed to collect backend metrics", "backend", node.Name, "error", err)
			return
		}

		total := report.GPUMemoryTotal
		if total == 0 {
			total = node.GPUMemoryGB
		}
		snap := &models.LoadSnapshot{
			ID:             uuid.New(),
			BackendID:      node.ID,
			GPUUtilization: report.GPUUtilization,
			GPUMemoryUsed:  report.GPUMemoryUsed,
			GPUMemoryTotal: total,
			CPUUtilization: report.CPUUtilization,
			ActiveRequests: report.ActiveRequests,
			QueueDepth:     report.QueueDepth,
			Timestamp:      lb.now(),
		}
		lb.registry.SetSnapshot(snap)
		metrics.SetBackendLoad(node.Name, snap.Load())

		if err := lb.store.CreateLoadSnapshot(ctx, snap); err != nil {
			slog.Warn("failed to persist load snapshot", "backend", node.Name, "error", err)
		}
	})
}

func (lb *LoadBalancer) fanOut(nodes []*models.BackendNode, probe func(*models.BackendNode)) {
	sem := make(chan struct{}, maxConcurrentProbes)
	var wg sync.WaitGroup

	for _, node := range nodes {
		wg.Add(1)
		sem <- struct{}{}
		go func(node *models.BackendNode) {
			defer wg.Done()
			defer func() { <-sem }()
			probe(node)
		}(node)
	}
	wg.Wait()
}

// ServersStatus returns every registered node with its latest load sample.
func (lb *LoadBalancer) ServersStatus() []models.BackendStatus {
	nodes := lb.registry.Nodes()
	snapshots := lb.registry.Snapshots()

	out := make([]models.BackendStatus, 0, len(nodes))
	for _, n := range nodes {
		st := models.BackendStatus{
			ID:              n.ID,
			Name:            n.Name,
			Host:            n.Host,
			Port:            n.Port,
			GPUCount:        n.GPUCount,
			GPUMemoryGB:     n.GPUMemoryGB,
			HealthStatus:    n.HealthStatus,
			LastHealthCheck: n.LastHealthCheck,
			GPUMemoryTotal:  n.GPUMemoryGB,
		}
		if snap, ok := snapshots[n.ID]; ok {
			ts := snap.Timestamp
			st.GPUUtilization = snap.GPUUtilization
			st.GPUMemoryUsed = snap.GPUMemoryUsed
			st.GPUMemoryTotal = snap.GPUMemoryTotal
			st.ActiveRequests = snap.ActiveRequests
			st.QueueDepth = snap.QueueDepth
			st.LastMetricsUpdate = &ts
		}
		out = append(out, st)
	}
	return out
}
