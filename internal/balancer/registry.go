package balancer

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/inferencehub/internal/store"
	"github.com/kiranshivaraju/inferencehub/pkg/models"
)

// Registry holds the known backend nodes, in registration order, and the
// latest load snapshot per node. Readers get copies.
type Registry struct {
	store store.BackendStore

	mu        sync.RWMutex
	nodes     []*models.BackendNode
	snapshots map[uuid.UUID]*models.LoadSnapshot
}

func NewRegistry(s store.BackendStore) *Registry {
	return &Registry{
		store:     s,
		snapshots: make(map[uuid.UUID]*models.LoadSnapshot),
	}
}

// Refresh reloads the active node list from the store. Persisted snapshots
// fill in nodes the registry has not sampled yet, so a restart keeps the
// last known load.
func (r *Registry) Refresh(ctx context.Context) error {
	nodes, err := r.store.ListActiveBackends(ctx)
	if err != nil {
		return fmt.Errorf("listing backends: %w", err)
	}
	latest, err := r.store.LatestLoadSnapshots(ctx)
	if err != nil {
		return fmt.Errorf("loading snapshots: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.nodes = nodes
	for id, snap := range latest {
		if cur, ok := r.snapshots[id]; ok && cur.Timestamp.After(snap.Timestamp) {
			continue
		}
		r.snapshots[id] = snap
	}
	return nil
}

// Nodes returns every registered node.
func (r *Registry) Nodes() []*models.BackendNode {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*models.BackendNode, 0, len(r.nodes))
	for _, n := range r.nodes {
		c := *n
		out = append(out, &c)
	}
	return out
}

// Healthy returns nodes whose last probe succeeded, in list order.
func (r *Registry) Healthy() []*models.BackendNode {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*models.BackendNode
	for _, n := range r.nodes {
		if n.HealthStatus != models.HealthHealthy {
			continue
		}
		c := *n
		out = append(out, &c)
	}
	return out
}

// SetHealth updates the cached health of one node.
func (r *Registry) SetHealth(id uuid.UUID, status models.HealthStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, n := range r.nodes {
		if n.ID == id {
			n.HealthStatus = status
			return
		}
	}
}

func (r *Registry) SetSnapshot(snap *models.LoadSnapshot) {
	c := *snap
	r.mu.Lock()
	r.snapshots[snap.BackendID] = &c
	r.mu.Unlock()
}

func (r *Registry) Snapshot(id uuid.UUID) (*models.LoadSnapshot, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	snap, ok := r.snapshots[id]
	if !ok {
		return nil, false
	}
	c := *snap
	return &c, true
}

// Snapshots returns a copy of the latest snapshot per node.
func (r *Registry) Snapshots() map[uuid.UUID]models.LoadSnapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[uuid.UUID]models.LoadSnapshot, len(r.snapshots))
	for id, snap := range r.snapshots {
		out[id] = *snap
	}
	return out
}
