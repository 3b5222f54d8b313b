package monitoring

import (
	"context"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/teresa-solution/integration-service/internal/model"
)

// LogNotifier delivers alerts to the structured log. It is always configured so an
// alert is never silently dropped when no external channel exists.
type LogNotifier struct{}

func (LogNotifier) Name() string { return "log" }

func (LogNotifier) Notify(_ context.Context, alert *model.Alert) error {
	var ev *zerolog.Event
	switch alert.Severity {
	case model.SeverityP1:
		ev = log.Error()
	case model.SeverityP2:
		ev = log.Warn()
	default:
		ev = log.Info()
	}

	ev = ev.
		Str("alert_id", alert.ID.String()).
		Str("severity", string(alert.Severity)).
		Str("service", alert.Service).
		Str("source", alert.Source)
	if alert.TenantID != nil {
		ev = ev.Str("tenant_id", *alert.TenantID)
	}
	if alert.Metric != nil {
		ev = ev.Str("metric", *alert.Metric)
	}
	if alert.CurrentValue != nil {
		ev = ev.Float64("current_value", *alert.CurrentValue)
	}
	if alert.ThresholdValue != nil {
		ev = ev.Float64("threshold_value", *alert.ThresholdValue)
	}
	ev.Str("alert", alert.Title).Msg("ALERT: " + alert.Message)
	return nil
}
