package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/teresa-solution/integration-service/internal/model"
)

const alertColumns = `id, severity, source, service, tenant_id, metric, current_value, threshold_value,
	title, message, status, created_at, updated_at, acknowledged_at, acknowledged_by,
	resolved_at, resolved_by, resolution_notes, reopened_at, reopened_by, reopen_count, delivery_status`

const uniqueViolation = "23505"

// AlertRepository stores alerts. Every transition is a single conditional UPDATE so
// concurrent operators cannot both apply the same transition.
type AlertRepository struct {
	pool *pgxpool.Pool
}

// NewAlertRepository returns a repository over db.
func NewAlertRepository(db *DB) *AlertRepository {
	return &AlertRepository{pool: db.pool}
}

func scanAlert(row pgx.Row) (*model.Alert, error) {
	var (
		a        model.Alert
		severity string
		status   string
	)
	err := row.Scan(&a.ID, &severity, &a.Source, &a.Service, &a.TenantID, &a.Metric, &a.CurrentValue,
		&a.ThresholdValue, &a.Title, &a.Message, &status, &a.CreatedAt, &a.UpdatedAt, &a.AcknowledgedAt,
		&a.AcknowledgedBy, &a.ResolvedAt, &a.ResolvedBy, &a.ResolutionNotes, &a.ReopenedAt, &a.ReopenedBy,
		&a.ReopenCount, &a.DeliveryStatus)
	if err != nil {
		return nil, err
	}
	a.Severity = model.Severity(severity)
	a.Status = model.AlertStatus(status)
	return &a, nil
}

// scanTransition maps "no row matched the WHERE clause" to (nil, nil).
func scanTransition(row pgx.Row) (*model.Alert, error) {
	a, err := scanAlert(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return a, err
}

// CreateAlert inserts a new alert. It returns false without inserting when
// idx_alerts_active already holds an unresolved alert for the same
// (service, tenant, metric).
func (r *AlertRepository) CreateAlert(ctx context.Context, a *model.Alert) (bool, error) {
	query := `INSERT INTO alerts (id, severity, source, service, tenant_id, metric, current_value, threshold_value,
		title, message, status, created_at, updated_at, delivery_status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT DO NOTHING
		RETURNING id`
	var id uuid.UUID
	err := r.pool.QueryRow(ctx, query, a.ID, string(a.Severity), a.Source, a.Service, a.TenantID, a.Metric,
		a.CurrentValue, a.ThresholdValue, a.Title, a.Message, string(a.Status), a.CreatedAt, a.UpdatedAt, a.DeliveryStatus).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// GetAlert returns (nil, nil) for an unknown id.
func (r *AlertRepository) GetAlert(ctx context.Context, id uuid.UUID) (*model.Alert, error) {
	return scanTransition(r.pool.QueryRow(ctx, `SELECT `+alertColumns+` FROM alerts WHERE id = $1`, id))
}

// AcknowledgeAlert applies open -> acknowledged.
func (r *AlertRepository) AcknowledgeAlert(ctx context.Context, id uuid.UUID, userID string, at time.Time) (*model.Alert, error) {
	return scanTransition(r.pool.QueryRow(ctx,
		`UPDATE alerts SET status = 'acknowledged', acknowledged_at = $2, acknowledged_by = $3, updated_at = $2
		WHERE id = $1 AND status = 'open'
		RETURNING `+alertColumns, id, at, userID))
}

// ResolveAlert applies open|acknowledged -> resolved.
func (r *AlertRepository) ResolveAlert(ctx context.Context, id uuid.UUID, userID string, notes *string, at time.Time) (*model.Alert, error) {
	return scanTransition(r.pool.QueryRow(ctx,
		`UPDATE alerts SET status = 'resolved', resolved_at = $2, resolved_by = $3, resolution_notes = $4, updated_at = $2
		WHERE id = $1 AND status IN ('open', 'acknowledged')
		RETURNING `+alertColumns, id, at, userID, notes))
}

// ReopenAlert applies acknowledged|resolved -> open, clearing the ack and resolve fields.
// A resolved alert whose metric has a newer unresolved alert stays resolved.
func (r *AlertRepository) ReopenAlert(ctx context.Context, id uuid.UUID, userID string, at time.Time) (*model.Alert, error) {
	a, err := scanTransition(r.pool.QueryRow(ctx,
		`UPDATE alerts SET status = 'open',
			acknowledged_at = NULL, acknowledged_by = NULL,
			resolved_at = NULL, resolved_by = NULL, resolution_notes = NULL,
			reopened_at = $2, reopened_by = $3, reopen_count = reopen_count + 1, updated_at = $2
		WHERE id = $1 AND status IN ('acknowledged', 'resolved')
		RETURNING `+alertColumns, id, at, userID))
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return nil, nil
	}
	return a, err
}

// ListOpenAlerts returns matching alerts ordered by severity, then newest first.
func (r *AlertRepository) ListOpenAlerts(ctx context.Context, f model.AlertFilter) ([]*model.Alert, error) {
	statuses := []string{string(model.AlertOpen)}
	if f.IncludeAcknowledged {
		statuses = append(statuses, string(model.AlertAcknowledged))
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 500
	}

	rows, err := r.pool.Query(ctx,
		`SELECT `+alertColumns+` FROM alerts
		WHERE status = ANY($1)
			AND ($2 = '' OR service = $2)
			AND ($3 = '' OR tenant_id = $3)
			AND ($4 = '' OR severity = $4)
		ORDER BY CASE severity WHEN 'p1' THEN 1 WHEN 'p2' THEN 2 ELSE 3 END, created_at DESC
		LIMIT $5`,
		statuses, f.Service, f.TenantID, string(f.Severity), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.Alert
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// CountAlerts aggregates by status in a single query.
func (r *AlertRepository) CountAlerts(ctx context.Context) (model.AlertCounts, error) {
	var c model.AlertCounts
	err := r.pool.QueryRow(ctx,
		`SELECT count(*) FILTER (WHERE status = 'open'),
			count(*) FILTER (WHERE status = 'acknowledged'),
			count(*) FILTER (WHERE status = 'resolved')
		FROM alerts`).Scan(&c.Open, &c.Acknowledged, &c.Resolved)
	return c, err
}

// SetAlertDelivery records the notification outcome.
func (r *AlertRepository) SetAlertDelivery(ctx context.Context, id uuid.UUID, status string) error {
	tag, err := r.pool.Exec(ctx, `UPDATE alerts SET delivery_status = $2 WHERE id = $1`, id, status)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrAlertNotFound
	}
	return nil
}

// FindActiveAlert returns the most recent unresolved alert for (service, tenant, metric).
func (r *AlertRepository) FindActiveAlert(ctx context.Context, service, tenantID, metric string) (*model.Alert, error) {
	return scanTransition(r.pool.QueryRow(ctx,
		`SELECT `+alertColumns+` FROM alerts
		WHERE service = $1 AND COALESCE(tenant_id, '') = $2 AND COALESCE(metric, '') = $3
			AND status IN ('open', 'acknowledged')
		ORDER BY created_at DESC LIMIT 1`, service, tenantID, metric))
}
