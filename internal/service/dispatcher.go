package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/teresa-solution/integration-service/internal/health"
	"github.com/teresa-solution/integration-service/internal/model"
	"github.com/teresa-solution/integration-service/internal/monitoring"
)

// DeliveryRecorder stores the delivery outcome of an alert.
type DeliveryRecorder interface {
	MarkDelivery(ctx context.Context, id uuid.UUID, status string) error
}

// AlertDispatcher delivers newly raised alerts to every notifier from a background
// worker, so raising an alert never waits on a notification channel.
type AlertDispatcher struct {
	recorder  DeliveryRecorder
	notifiers []health.Notifier
	queue     chan *model.Alert
	timeout   time.Duration
	logger    zerolog.Logger

	mu     sync.Mutex
	closed bool
	done   chan struct{}
}

// NewAlertDispatcher starts the delivery worker.
func NewAlertDispatcher(recorder DeliveryRecorder, notifiers []health.Notifier, buffer int) *AlertDispatcher {
	if buffer < 1 {
		buffer = 64
	}
	d := &AlertDispatcher{
		recorder:  recorder,
		notifiers: notifiers,
		queue:     make(chan *model.Alert, buffer),
		timeout:   10 * time.Second,
		logger:    log.With().Str("component", "alert_dispatcher").Logger(),
		done:      make(chan struct{}),
	}
	go d.startDeliveryWorker()
	return d
}

func (d *AlertDispatcher) startDeliveryWorker() {
	defer close(d.done)
	for alert := range d.queue {
		d.deliver(alert)
	}
}

// Enqueue queues alert for delivery without blocking. When the queue is full the
// alert keeps its pending delivery status.
func (d *AlertDispatcher) Enqueue(alert *model.Alert) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		d.logger.Warn().Str("alert_id", alert.ID.String()).Msg("Dispatcher closed, alert left pending")
		return
	}
	select {
	case d.queue <- alert:
	default:
		monitoring.AlertDeliveries.WithLabelValues("queue", "dropped").Inc()
		d.logger.Warn().Str("alert_id", alert.ID.String()).Msg("Delivery queue full, alert left pending")
	}
}

// deliver sends alert through every notifier. The alert counts as delivered only
// when all of them succeed.
func (d *AlertDispatcher) deliver(alert *model.Alert) {
	var errs []error
	for _, n := range d.notifiers {
		ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
		err := n.Notify(ctx, alert)
		cancel()
		if err != nil {
			monitoring.AlertDeliveries.WithLabelValues(n.Name(), "failed").Inc()
			errs = append(errs, fmt.Errorf("%s: %w", n.Name(), err))
			continue
		}
		monitoring.AlertDeliveries.WithLabelValues(n.Name(), "delivered").Inc()
	}

	status := model.DeliveryDelivered
	if err := errors.Join(errs...); err != nil {
		status = model.DeliveryFailed
		d.logger.Error().Err(err).Str("alert_id", alert.ID.String()).Msg("Alert delivery failed")
	}

	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()
	if err := d.recorder.MarkDelivery(ctx, alert.ID, status); err != nil {
		d.logger.Warn().Err(err).Str("alert_id", alert.ID.String()).Msg("Failed to record delivery status")
	}
}

// Close stops accepting alerts and waits for queued ones to be delivered.
func (d *AlertDispatcher) Close() {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.queue)
	}
	d.mu.Unlock()
	<-d.done
}
