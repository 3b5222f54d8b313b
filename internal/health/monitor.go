package health

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/teresa-solution/integration-service/internal/model"
	"github.com/teresa-solution/integration-service/internal/monitoring"
	"golang.org/x/sync/errgroup"
)

// ErrUnknownService is returned for a service no prober is registered under.
var ErrUnknownService = errors.New("unknown health service")

const (
	availabilityMetric  = "availability"
	systemUser          = "system"
	defaultProbeTimeout = 10 * time.Second
)

// Prober measures one service. Probe returns raw metric values; classification is
// the monitor's job. An empty tenantID asks for the service-wide view.
type Prober interface {
	Name() string
	Tier() Tier
	Category() string
	Probe(ctx context.Context, tenantID string) (map[string]float64, error)
}

// Monitor runs probers, caches their results, and raises or auto-resolves alerts.
type Monitor struct {
	cache     *Cache
	evaluator *Evaluator
	alerts    *AlertManager

	mu      sync.RWMutex
	probers map[string]Prober
	order   []string

	onResult    []func(model.HealthResult)
	interval    time.Duration
	timeout     time.Duration
	concurrency int
	logger      zerolog.Logger
}

// MonitorOption configures a Monitor.
type MonitorOption func(*Monitor)

// WithProbeInterval sets the base interval used for failure backoff.
func WithProbeInterval(d time.Duration) MonitorOption {
	return func(m *Monitor) { m.interval = d }
}

// WithProbeTimeout bounds a single probe call.
func WithProbeTimeout(d time.Duration) MonitorOption {
	return func(m *Monitor) { m.timeout = d }
}

// WithProbeConcurrency bounds RunAll parallelism.
func WithProbeConcurrency(n int) MonitorOption {
	return func(m *Monitor) {
		if n > 0 {
			m.concurrency = n
		}
	}
}

// NewMonitor wires the cache, evaluator and alert manager. alerts may be nil, in
// which case breaches are only reflected in results.
func NewMonitor(cache *Cache, evaluator *Evaluator, alerts *AlertManager, opts ...MonitorOption) *Monitor {
	m := &Monitor{
		cache:       cache,
		evaluator:   evaluator,
		alerts:      alerts,
		probers:     make(map[string]Prober),
		interval:    30 * time.Second,
		timeout:     defaultProbeTimeout,
		concurrency: 4,
		logger:      log.With().Str("component", "health_monitor").Logger(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// ProbeInterval is the base interval failure backoff grows from.
func (m *Monitor) ProbeInterval() time.Duration { return m.interval }

// Register adds a prober; a later registration under the same name replaces it.
func (m *Monitor) Register(p Prober) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.probers[p.Name()]; !ok {
		m.order = append(m.order, p.Name())
	}
	m.probers[p.Name()] = p
}

// Services lists registered service names in registration order.
func (m *Monitor) Services() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string(nil), m.order...)
}

// OnResult registers a hook called with every freshly probed result.
func (m *Monitor) OnResult(fn func(model.HealthResult)) {
	m.onResult = append(m.onResult, fn)
}

func (m *Monitor) prober(service string) (Prober, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.probers[service]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownService, service)
	}
	return p, nil
}

// Check returns the cached result for service when fresh, otherwise probes it.
func (m *Monitor) Check(ctx context.Context, service, tenantID string) (*model.HealthResult, error) {
	p, err := m.prober(service)
	if err != nil {
		return nil, err
	}
	if cached := m.cache.GetCached(ctx, service, tenantID); cached != nil {
		return cached, nil
	}
	res := m.run(ctx, p, tenantID)
	return &res, nil
}

// Refresh drops any cached result and probes again.
func (m *Monitor) Refresh(ctx context.Context, service, tenantID string) (*model.HealthResult, error) {
	p, err := m.prober(service)
	if err != nil {
		return nil, err
	}
	m.cache.Invalidate(ctx, service, tenantID)
	res := m.run(ctx, p, tenantID)
	return &res, nil
}

// Snapshot returns the current result of every service, probing those without a fresh cache entry.
func (m *Monitor) Snapshot(ctx context.Context) []model.HealthResult {
	services := m.Services()
	out := make([]model.HealthResult, 0, len(services))
	for _, s := range services {
		res, err := m.Check(ctx, s, "")
		if err != nil {
			continue
		}
		out = append(out, *res)
	}
	return out
}

// RunAll probes every service that is due, skipping ones in failure backoff. One
// failing prober never prevents the others from running.
func (m *Monitor) RunAll(ctx context.Context) []model.HealthResult {
	services := m.Services()
	results := make([]*model.HealthResult, len(services))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.concurrency)
	for i, name := range services {
		p, err := m.prober(name)
		if err != nil {
			continue
		}
		if !m.cache.ShouldRun(ctx, name, m.interval) {
			m.logger.Debug().Str("service", name).Msg("Skipping probe in backoff")
			continue
		}
		g.Go(func() error {
			res := m.run(gctx, p, "")
			results[i] = &res
			return nil
		})
	}
	_ = g.Wait()

	out := make([]model.HealthResult, 0, len(services))
	for _, r := range results {
		if r != nil {
			out = append(out, *r)
		}
	}
	return out
}

func (m *Monitor) run(ctx context.Context, p Prober, tenantID string) model.HealthResult {
	service := p.Name()
	probeCtx, cancel := context.WithTimeout(ctx, m.timeout)
	start := time.Now()
	metrics, probeErr := p.Probe(probeCtx, tenantID)
	cancel()
	elapsed := time.Since(start)

	runKey := CacheKey(service, tenantID)
	m.cache.RecordRun(ctx, runKey, probeErr)

	res := model.HealthResult{
		Service:  service,
		TenantID: tenantID,
		Metrics:  metrics,
		Checks:   make(map[string]model.HealthStatus),
	}

	if probeErr != nil {
		res.Status = model.HealthCritical
		res.Message = probeErr.Error()
		res.Checks[availabilityMetric] = model.HealthCritical
		m.logger.Warn().Err(probeErr).Str("service", service).Str("tenant_id", tenantID).Msg("Probe failed")
		m.raise(ctx, p, tenantID, availabilityMetric, model.HealthCritical, nil, nil,
			fmt.Sprintf("%s unreachable", service), probeErr.Error())
	} else {
		m.autoResolve(ctx, service, tenantID, availabilityMetric)
		ev := m.evaluator.Evaluate(ctx, tenantID, p.Category(), metrics)
		res.Status = ev.Status
		for _, c := range ev.Checks {
			res.Checks[c.Metric] = c.Status
			if c.Status == model.HealthOK {
				m.autoResolve(ctx, service, tenantID, c.Metric)
				continue
			}
			value, limit := c.Value, c.Threshold.Limit(c.Status)
			m.raise(ctx, p, tenantID, c.Metric, c.Status, &value, &limit,
				fmt.Sprintf("%s %s %s", service, c.Metric, c.Status),
				fmt.Sprintf("%s is %.2f (%s threshold %.2f)", c.Metric, c.Value, c.Status, limit))
		}
	}

	monitoring.ProbeDuration.WithLabelValues(service, string(res.Status)).Observe(elapsed.Seconds())

	// breaching results are re-read sooner than the tier would allow
	res.CachedAt = m.cache.now()
	if res.Status == model.HealthOK {
		m.cache.CacheResult(ctx, service, tenantID, p.Tier(), res)
	} else {
		m.cache.CacheResult(ctx, service, tenantID, TierCritical, res)
	}

	for _, fn := range m.onResult {
		fn(res)
	}
	return res
}

func (m *Monitor) raise(ctx context.Context, p Prober, tenantID, metric string, status model.HealthStatus, value, limit *float64, title, message string) {
	if m.alerts == nil {
		return
	}
	_, _, err := m.alerts.Raise(ctx, AlertInput{
		Severity:       SeverityFor(p.Tier(), status),
		Source:         "health_monitor",
		Service:        p.Name(),
		TenantID:       tenantID,
		Metric:         metric,
		CurrentValue:   value,
		ThresholdValue: limit,
		Title:          title,
		Message:        message,
	})
	if err != nil {
		m.logger.Error().Err(err).Str("service", p.Name()).Str("metric", metric).Msg("Failed to raise alert")
	}
}

func (m *Monitor) autoResolve(ctx context.Context, service, tenantID, metric string) {
	if m.alerts == nil {
		return
	}
	active, err := m.alerts.FindActive(ctx, service, tenantID, metric)
	if err != nil {
		m.logger.Warn().Err(err).Str("service", service).Msg("Failed to look up active alert")
		return
	}
	if active == nil {
		return
	}
	if _, err := m.alerts.Resolve(ctx, active.ID, systemUser, "auto-resolved: "+metric+" recovered"); err != nil {
		m.logger.Warn().Err(err).Str("alert_id", active.ID.String()).Msg("Failed to auto-resolve alert")
	}
}
