package model

import "time"

// HealthStatus is the classification of a probe or metric.
type HealthStatus string

const (
	HealthOK       HealthStatus = "ok"
	HealthWarning  HealthStatus = "warning"
	HealthCritical HealthStatus = "critical"
	HealthUnknown  HealthStatus = "unknown"
)

// Worse returns the more severe of two statuses.
func Worse(a, b HealthStatus) HealthStatus {
	rank := func(s HealthStatus) int {
		switch s {
		case HealthCritical:
			return 3
		case HealthWarning:
			return 2
		case HealthUnknown:
			return 1
		default:
			return 0
		}
	}
	if rank(b) > rank(a) {
		return b
	}
	return a
}

// HealthResult is the cached outcome of one probe run.
type HealthResult struct {
	Service  string                  `json:"service"`
	TenantID string                  `json:"tenant_id,omitempty"`
	Status   HealthStatus            `json:"status"`
	Metrics  map[string]float64      `json:"metrics,omitempty"`
	Checks   map[string]HealthStatus `json:"checks,omitempty"`
	Message  string                  `json:"message,omitempty"`
	CachedAt time.Time               `json:"cached_at"`
}
