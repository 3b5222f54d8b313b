package model

import (
	"time"

	"github.com/google/uuid"
)

// Severity of an alert, P1 highest.
type Severity string

const (
	SeverityP1 Severity = "p1"
	SeverityP2 Severity = "p2"
	SeverityP3 Severity = "p3"
)

// Rank orders severities, lower first.
func (s Severity) Rank() int {
	switch s {
	case SeverityP1:
		return 1
	case SeverityP2:
		return 2
	case SeverityP3:
		return 3
	default:
		return 4
	}
}

// Valid reports whether s is a known severity.
func (s Severity) Valid() bool { return s.Rank() < 4 }

// AlertStatus is the alert lifecycle state.
type AlertStatus string

const (
	AlertOpen         AlertStatus = "open"
	AlertAcknowledged AlertStatus = "acknowledged"
	AlertResolved     AlertStatus = "resolved"
)

// Delivery states of an alert notification.
const (
	DeliveryPending   = "pending"
	DeliveryDelivered = "delivered"
	DeliveryFailed    = "failed"
)

// Alert represents the alerts table. Rows are never deleted.
type Alert struct {
	ID              uuid.UUID   `json:"id"`
	Severity        Severity    `json:"severity"`
	Source          string      `json:"source"`
	Service         string      `json:"service"`
	TenantID        *string     `json:"tenant_id,omitempty"`
	Metric          *string     `json:"metric,omitempty"`
	CurrentValue    *float64    `json:"current_value,omitempty"`
	ThresholdValue  *float64    `json:"threshold_value,omitempty"`
	Title           string      `json:"title"`
	Message         string      `json:"message"`
	Status          AlertStatus `json:"status"`
	CreatedAt       time.Time   `json:"created_at"`
	UpdatedAt       time.Time   `json:"updated_at"`
	AcknowledgedAt  *time.Time  `json:"acknowledged_at,omitempty"`
	AcknowledgedBy  *string     `json:"acknowledged_by,omitempty"`
	ResolvedAt      *time.Time  `json:"resolved_at,omitempty"`
	ResolvedBy      *string     `json:"resolved_by,omitempty"`
	ResolutionNotes *string     `json:"resolution_notes,omitempty"`
	ReopenedAt      *time.Time  `json:"reopened_at,omitempty"`
	ReopenedBy      *string     `json:"reopened_by,omitempty"`
	ReopenCount     int         `json:"reopen_count"`
	DeliveryStatus  string      `json:"delivery_status"`
}

// AlertFilter narrows ListOpen. Empty fields match everything.
type AlertFilter struct {
	Service             string
	TenantID            string
	Severity            Severity
	IncludeAcknowledged bool
	Limit               int
}

// Matches applies the filter to a single alert.
func (f AlertFilter) Matches(a *Alert) bool {
	switch a.Status {
	case AlertOpen:
	case AlertAcknowledged:
		if !f.IncludeAcknowledged {
			return false
		}
	default:
		return false
	}
	if f.Service != "" && a.Service != f.Service {
		return false
	}
	if f.TenantID != "" && (a.TenantID == nil || *a.TenantID != f.TenantID) {
		return false
	}
	if f.Severity != "" && a.Severity != f.Severity {
		return false
	}
	return true
}

// AlertCounts aggregates alerts by status.
type AlertCounts struct {
	Open         int `json:"open"`
	Acknowledged int `json:"acknowledged"`
	Resolved     int `json:"resolved"`
}
