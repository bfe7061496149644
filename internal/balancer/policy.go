package balancer

import (
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/inferencehub/pkg/models"
)

const (
	PolicyRoundRobin = "round_robin"
	PolicyLeastLoad  = "least_load"
	PolicyGPUMemory  = "gpu_memory"
)

// Policy picks one node out of a non-empty healthy list.
type Policy interface {
	Name() string
	Pick(nodes []*models.BackendNode, snapshots map[uuid.UUID]models.LoadSnapshot) *models.BackendNode
}

// NewPolicy returns the named policy. Unknown names fall back to round robin.
func NewPolicy(name string) Policy {
	switch name {
	case PolicyRoundRobin:
		return &RoundRobin{}
	case PolicyLeastLoad:
		return LeastLoad{}
	case PolicyGPUMemory:
		return GPUMemory{}
	default:
		slog.Warn("unknown load balancing policy, using round_robin", "policy", name)
		return &RoundRobin{}
	}
}

// RoundRobin cycles through the healthy list. The index survives across
// calls and is taken modulo the current list length.
type RoundRobin struct {
	mu   sync.Mutex
	next int
}

func (p *RoundRobin) Name() string { return PolicyRoundRobin }

func (p *RoundRobin) Pick(nodes []*models.BackendNode, _ map[uuid.UUID]models.LoadSnapshot) *models.BackendNode {
	if len(nodes) == 0 {
		return nil
	}
	p.mu.Lock()
	idx := p.next % len(nodes)
	p.next = idx + 1
	p.mu.Unlock()
	return nodes[idx]
}

// LeastLoad picks the node with the fewest active plus queued requests.
// Ties go to the earliest node. Nodes without a snapshot are not ranked;
// when none has one, the first node wins.
type LeastLoad struct{}

func (LeastLoad) Name() string { return PolicyLeastLoad }

func (LeastLoad) Pick(nodes []*models.BackendNode, snapshots map[uuid.UUID]models.LoadSnapshot) *models.BackendNode {
	if len(nodes) == 0 {
		return nil
	}
	var best *models.BackendNode
	bestLoad := 0
	for _, n := range nodes {
		snap, ok := snapshots[n.ID]
		if !ok {
			continue
		}
		if best == nil || snap.Load() < bestLoad {
			best, bestLoad = n, snap.Load()
		}
	}
	if best == nil {
		return nodes[0]
	}
	return best
}

// GPUMemory picks the node with the most free GPU memory, with the same
// tie and fallback rules as LeastLoad.
type GPUMemory struct{}

func (GPUMemory) Name() string { return PolicyGPUMemory }

func (GPUMemory) Pick(nodes []*models.BackendNode, snapshots map[uuid.UUID]models.LoadSnapshot) *models.BackendNode {
	if len(nodes) == 0 {
		return nil
	}
	var best *models.BackendNode
	bestFree := 0.0
	for _, n := range nodes {
		snap, ok := snapshots[n.ID]
		if !ok {
			continue
		}
		if best == nil || snap.FreeMemory() > bestFree {
			best, bestFree = n, snap.FreeMemory()
		}
	}
	if best == nil {
		return nodes[0]
	}
	return best
}
