// Package models contains shared data models used across the inferencehub codebase.
package models

import (
	"time"

	"github.com/google/uuid"
)

// HealthStatus is the last-known health of a backend node.
type HealthStatus string

const (
	HealthUnknown  HealthStatus = "unknown"
	HealthHealthy  HealthStatus = "healthy"
	HealthDegraded HealthStatus = "degraded"
	HealthOffline  HealthStatus = "offline"
)

// BackendNode is a single text-generation server in the fleet.
// Health fields are mutated only by the health-check loop and operators.
type BackendNode struct {
	ID              uuid.UUID    `db:"id"                json:"id"`
	Name            string       `db:"name"              json:"name"`
	Host            string       `db:"host"              json:"host"`
	Port            int          `db:"port"              json:"port"`
	APIKey          *string      `db:"api_key"           json:"-"`
	GPUCount        int          `db:"gpu_count"         json:"gpu_count"`
	GPUMemoryGB     float64      `db:"gpu_memory_gb"     json:"gpu_memory_gb"`
	IsActive        bool         `db:"is_active"         json:"is_active"`
	HealthStatus    HealthStatus `db:"health_status"     json:"health_status"`
	LastHealthCheck *time.Time   `db:"last_health_check" json:"last_health_check,omitempty"`
	CreatedAt       time.Time    `db:"created_at"        json:"created_at"`
}

// LoadSnapshot is a point-in-time metrics sample for one backend. Append-only.
type LoadSnapshot struct {
	ID             uuid.UUID `db:"id"              json:"id"`
	BackendID      uuid.UUID `db:"backend_id"      json:"backend_id"`
	GPUUtilization float64   `db:"gpu_utilization" json:"gpu_utilization"`
	GPUMemoryUsed  float64   `db:"gpu_memory_used" json:"gpu_memory_used"`
	GPUMemoryTotal float64   `db:"gpu_memory_total" json:"gpu_memory_total"`
	CPUUtilization float64   `db:"cpu_utilization" json:"cpu_utilization"`
	ActiveRequests int       `db:"active_requests" json:"active_requests"`
	QueueDepth     int       `db:"queue_depth"     json:"queue_depth"`
	Timestamp      time.Time `db:"timestamp"       json:"timestamp"`
}

// Load is the request pressure used by the least_load policy.
func (s LoadSnapshot) Load() int {
	return s.ActiveRequests + s.QueueDepth
}

// FreeMemory is the GPU memory headroom used by the gpu_memory policy.
func (s LoadSnapshot) FreeMemory() float64 {
	return s.GPUMemoryTotal - s.GPUMemoryUsed
}

// BackendStatus is the dashboard view of a node joined with its latest metrics.
type BackendStatus struct {
	ID                uuid.UUID    `json:"id"`
	Name              string       `json:"name"`
	Host              string       `json:"host"`
	Port              int          `json:"port"`
	GPUCount          int          `json:"gpu_count"`
	GPUMemoryGB       float64      `json:"gpu_memory_gb"`
	HealthStatus      HealthStatus `json:"health_status"`
	LastHealthCheck   *time.Time   `json:"last_health_check,omitempty"`
	GPUUtilization    float64      `json:"gpu_utilization"`
	GPUMemoryUsed     float64      `json:"gpu_memory_used"`
	GPUMemoryTotal    float64      `json:"gpu_memory_total"`
	ActiveRequests    int          `json:"active_requests"`
	QueueDepth        int          `json:"queue_depth"`
	LastMetricsUpdate *time.Time   `json:"last_metrics_update,omitempty"`
}
