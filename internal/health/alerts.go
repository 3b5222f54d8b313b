package health

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/teresa-solution/integration-service/internal/model"
	"github.com/teresa-solution/integration-service/internal/monitoring"
)

var (
	ErrAlertNotFound   = errors.New("alert not found")
	ErrInvalidSeverity = errors.New("invalid alert severity")
)

// AlertStore persists alerts. The transition methods must be single conditional
// updates: they return (nil, nil) when the alert is not in a state the transition
// accepts, so racing callers observe a no-op instead of an error.
type AlertStore interface {
	// CreateAlert inserts alert unless it has a metric and an unresolved alert with the
	// same (service, tenant, metric) exists; the check and the insert are atomic.
	// It reports whether the alert was inserted.
	CreateAlert(ctx context.Context, alert *model.Alert) (bool, error)
	GetAlert(ctx context.Context, id uuid.UUID) (*model.Alert, error)
	// AcknowledgeAlert applies open -> acknowledged.
	AcknowledgeAlert(ctx context.Context, id uuid.UUID, userID string, at time.Time) (*model.Alert, error)
	// ResolveAlert applies open|acknowledged -> resolved.
	ResolveAlert(ctx context.Context, id uuid.UUID, userID string, notes *string, at time.Time) (*model.Alert, error)
	// ReopenAlert applies acknowledged|resolved -> open and clears the ack/resolve audit fields.
	ReopenAlert(ctx context.Context, id uuid.UUID, userID string, at time.Time) (*model.Alert, error)
	ListOpenAlerts(ctx context.Context, filter model.AlertFilter) ([]*model.Alert, error)
	CountAlerts(ctx context.Context) (model.AlertCounts, error)
	SetAlertDelivery(ctx context.Context, id uuid.UUID, status string) error
	// FindActiveAlert returns the unresolved alert for (service, tenant, metric), if any.
	FindActiveAlert(ctx context.Context, service, tenantID, metric string) (*model.Alert, error)
}

// AlertInput describes a new alert.
type AlertInput struct {
	Severity       model.Severity
	Source         string
	Service        string
	TenantID       string
	Metric         string
	CurrentValue   *float64
	ThresholdValue *float64
	Title          string
	Message        string
}

// AlertManager owns alert lifecycle transitions.
type AlertManager struct {
	store   AlertStore
	now     func() time.Time
	onRaise []func(*model.Alert)
	logger  zerolog.Logger
}

// NewAlertManager returns a manager over store.
func NewAlertManager(store AlertStore, now func() time.Time) *AlertManager {
	if now == nil {
		now = time.Now
	}
	return &AlertManager{
		store:  store,
		now:    now,
		logger: log.With().Str("component", "alerts").Logger(),
	}
}

// OnRaise registers a hook called with every newly created alert.
func (m *AlertManager) OnRaise(fn func(*model.Alert)) {
	m.onRaise = append(m.onRaise, fn)
}

// Raise creates an alert, or returns the already active one for the same
// (service, tenant, metric) when a metric is given. created reports which happened.
func (m *AlertManager) Raise(ctx context.Context, in AlertInput) (alert *model.Alert, created bool, err error) {
	if !in.Severity.Valid() {
		return nil, false, ErrInvalidSeverity
	}
	if strings.TrimSpace(in.Service) == "" || strings.TrimSpace(in.Title) == "" {
		return nil, false, errors.New("alert service and title are required")
	}

	if in.Metric != "" {
		existing, err := m.store.FindActiveAlert(ctx, in.Service, in.TenantID, in.Metric)
		if err != nil {
			return nil, false, fmt.Errorf("find active alert: %w", err)
		}
		if existing != nil {
			return existing, false, nil
		}
	}

	now := m.now().UTC()
	alert = &model.Alert{
		ID:             uuid.New(),
		Severity:       in.Severity,
		Source:         in.Source,
		Service:        in.Service,
		TenantID:       optional(in.TenantID),
		Metric:         optional(in.Metric),
		CurrentValue:   in.CurrentValue,
		ThresholdValue: in.ThresholdValue,
		Title:          in.Title,
		Message:        in.Message,
		Status:         model.AlertOpen,
		CreatedAt:      now,
		UpdatedAt:      now,
		DeliveryStatus: model.DeliveryPending,
	}
	inserted, err := m.store.CreateAlert(ctx, alert)
	if err != nil {
		return nil, false, fmt.Errorf("create alert: %w", err)
	}
	if !inserted {
		// Another caller raised the same alert between the lookup and the insert.
		existing, err := m.store.FindActiveAlert(ctx, in.Service, in.TenantID, in.Metric)
		if err != nil {
			return nil, false, fmt.Errorf("find active alert: %w", err)
		}
		if existing == nil {
			return nil, false, fmt.Errorf("alert for %s/%s resolved while raising", in.Service, in.Metric)
		}
		return existing, false, nil
	}

	monitoring.AlertTransitions.WithLabelValues("open", string(alert.Severity)).Inc()
	m.logger.Info().
		Str("alert_id", alert.ID.String()).
		Str("severity", string(alert.Severity)).
		Str("service", alert.Service).
		Msg("Alert opened")

	for _, fn := range m.onRaise {
		fn(alert)
	}
	return alert, true, nil
}

// Get returns an alert or ErrAlertNotFound.
func (m *AlertManager) Get(ctx context.Context, id uuid.UUID) (*model.Alert, error) {
	a, err := m.store.GetAlert(ctx, id)
	if err != nil {
		return nil, err
	}
	if a == nil {
		return nil, ErrAlertNotFound
	}
	return a, nil
}

// Acknowledge moves an open alert to acknowledged. It returns (nil, nil) when the
// alert has already moved past open; losing that race is not an error.
func (m *AlertManager) Acknowledge(ctx context.Context, id uuid.UUID, userID string) (*model.Alert, error) {
	a, err := m.store.AcknowledgeAlert(ctx, id, userID, m.now().UTC())
	if err != nil {
		return nil, fmt.Errorf("acknowledge alert: %w", err)
	}
	m.record("acknowledge", id, a)
	return a, nil
}

// Resolve moves an open or acknowledged alert to resolved; (nil, nil) if already resolved.
func (m *AlertManager) Resolve(ctx context.Context, id uuid.UUID, userID, notes string) (*model.Alert, error) {
	a, err := m.store.ResolveAlert(ctx, id, userID, optional(notes), m.now().UTC())
	if err != nil {
		return nil, fmt.Errorf("resolve alert: %w", err)
	}
	m.record("resolve", id, a)
	return a, nil
}

// Reopen moves an acknowledged or resolved alert back to open; (nil, nil) if it is already open.
func (m *AlertManager) Reopen(ctx context.Context, id uuid.UUID, userID string) (*model.Alert, error) {
	a, err := m.store.ReopenAlert(ctx, id, userID, m.now().UTC())
	if err != nil {
		return nil, fmt.Errorf("reopen alert: %w", err)
	}
	m.record("reopen", id, a)
	return a, nil
}

func (m *AlertManager) record(transition string, id uuid.UUID, a *model.Alert) {
	if a == nil {
		m.logger.Debug().Str("alert_id", id.String()).Str("transition", transition).Msg("Alert transition was a no-op")
		return
	}
	monitoring.AlertTransitions.WithLabelValues(transition, string(a.Severity)).Inc()
	m.logger.Info().Str("alert_id", id.String()).Str("transition", transition).Str("status", string(a.Status)).Msg("Alert transitioned")
}

// ListOpen returns unresolved alerts ordered by severity, then newest first.
func (m *AlertManager) ListOpen(ctx context.Context, filter model.AlertFilter) ([]*model.Alert, error) {
	return m.store.ListOpenAlerts(ctx, filter)
}

// Counts aggregates alerts by status straight from the store.
func (m *AlertManager) Counts(ctx context.Context) (model.AlertCounts, error) {
	return m.store.CountAlerts(ctx)
}

// MarkDelivery records the outcome of notifying about an alert.
func (m *AlertManager) MarkDelivery(ctx context.Context, id uuid.UUID, status string) error {
	return m.store.SetAlertDelivery(ctx, id, status)
}

// FindActive exposes the dedup lookup to the monitor.
func (m *AlertManager) FindActive(ctx context.Context, service, tenantID, metric string) (*model.Alert, error) {
	return m.store.FindActiveAlert(ctx, service, tenantID, metric)
}

// SeverityFor maps a breach to an alert severity.
func SeverityFor(tier Tier, status model.HealthStatus) model.Severity {
	if status == model.HealthCritical {
		if tier == TierCritical || tier == TierCore {
			return model.SeverityP1
		}
		return model.SeverityP2
	}
	return model.SeverityP3
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
