package health

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/teresa-solution/integration-service/internal/kv"
	"github.com/teresa-solution/integration-service/internal/model"
	"github.com/teresa-solution/integration-service/internal/monitoring"
)

// Tier classifies how fresh a service's health data must be.
type Tier string

const (
	TierCritical     Tier = "critical"
	TierCore         Tier = "core"
	TierIntegrations Tier = "integrations"
	TierExternal     Tier = "external"
)

// CacheTTL is the freshness window per tier.
var CacheTTL = map[Tier]time.Duration{
	TierCritical:     30 * time.Second,
	TierCore:         120 * time.Second,
	TierIntegrations: 300 * time.Second,
	TierExternal:     600 * time.Second,
}

// TTL returns the tier's cache TTL, falling back to the core tier.
func (t Tier) TTL() time.Duration {
	if d, ok := CacheTTL[t]; ok {
		return d
	}
	return CacheTTL[TierCore]
}

const (
	resultPrefix = "health:result:"
	runPrefix    = "health:run:"
	runStateTTL  = 24 * time.Hour

	maxBackoffExponent = 6
	maxBackoff         = time.Hour
)

// CacheKey is service or service:tenantID.
func CacheKey(service, tenantID string) string {
	if tenantID == "" {
		return service
	}
	return service + ":" + tenantID
}

type cacheEnvelope struct {
	Result    model.HealthResult `json:"result"`
	ExpiresAt int64              `json:"expires_at"`
}

// RunState tracks probe executions for backoff.
type RunState struct {
	LastRun             time.Time `json:"last_run"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastError           string    `json:"last_error,omitempty"`
}

// Cache stores probe results with tier-based TTLs. Store failures are treated as
// misses; caching never decides correctness.
type Cache struct {
	store  kv.Store
	now    func() time.Time
	logger zerolog.Logger
}

// CacheOption configures a Cache.
type CacheOption func(*Cache)

// WithCacheClock injects the time source used for expiry decisions.
func WithCacheClock(now func() time.Time) CacheOption {
	return func(c *Cache) { c.now = now }
}

// NewCache wraps store. A nil store falls back to an in-process map.
func NewCache(store kv.Store, opts ...CacheOption) *Cache {
	c := &Cache{
		store:  store,
		now:    time.Now,
		logger: log.With().Str("component", "health_cache").Logger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.store == nil {
		c.store = kv.NewMemoryStore(c.now)
	}
	return c
}

// CacheResult stores result for the tier's TTL.
func (c *Cache) CacheResult(ctx context.Context, service, tenantID string, tier Tier, result model.HealthResult) {
	c.cacheFor(ctx, service, tenantID, tier.TTL(), result)
}

func (c *Cache) cacheFor(ctx context.Context, service, tenantID string, ttl time.Duration, result model.HealthResult) {
	now := c.now()
	if result.CachedAt.IsZero() {
		result.CachedAt = now
	}
	result.Service = service
	result.TenantID = tenantID

	data, err := json.Marshal(cacheEnvelope{Result: result, ExpiresAt: now.Add(ttl).UnixMilli()})
	if err != nil {
		c.logger.Warn().Err(err).Str("service", service).Msg("Failed to encode health result")
		return
	}
	if err := c.store.SetEx(ctx, resultPrefix+CacheKey(service, tenantID), data, ttl); err != nil {
		c.logger.Warn().Err(err).Str("service", service).Msg("Failed to cache health result")
	}
}

// GetCached returns the cached result, or nil on miss, expiry, store error or corrupt entry.
func (c *Cache) GetCached(ctx context.Context, service, tenantID string) *model.HealthResult {
	data, err := c.store.Get(ctx, resultPrefix+CacheKey(service, tenantID))
	if err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			monitoring.HealthCacheLookups.WithLabelValues("miss").Inc()
		} else {
			monitoring.HealthCacheLookups.WithLabelValues("error").Inc()
			c.logger.Warn().Err(err).Str("service", service).Msg("Health cache unavailable, treating as miss")
		}
		return nil
	}

	var env cacheEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		monitoring.HealthCacheLookups.WithLabelValues("corrupt").Inc()
		return nil
	}
	if !c.now().Before(time.UnixMilli(env.ExpiresAt)) {
		monitoring.HealthCacheLookups.WithLabelValues("miss").Inc()
		return nil
	}

	monitoring.HealthCacheLookups.WithLabelValues("hit").Inc()
	return &env.Result
}

// Invalidate force-expires a cached result.
func (c *Cache) Invalidate(ctx context.Context, service, tenantID string) {
	if err := c.store.Del(ctx, resultPrefix+CacheKey(service, tenantID)); err != nil {
		c.logger.Warn().Err(err).Str("service", service).Msg("Failed to invalidate health result")
	}
}

// RunState returns the recorded run state of service; zero when unknown.
func (c *Cache) RunState(ctx context.Context, service string) RunState {
	var st RunState
	data, err := c.store.Get(ctx, runPrefix+service)
	if err != nil {
		return st
	}
	if err := json.Unmarshal(data, &st); err != nil {
		return RunState{}
	}
	return st
}

// RecordRun stamps the last run time and updates the consecutive failure counter.
func (c *Cache) RecordRun(ctx context.Context, service string, runErr error) RunState {
	st := c.RunState(ctx, service)
	st.LastRun = c.now()
	if runErr != nil {
		st.ConsecutiveFailures++
		st.LastError = runErr.Error()
	} else {
		st.ConsecutiveFailures = 0
		st.LastError = ""
	}

	data, err := json.Marshal(st)
	if err == nil {
		err = c.store.SetEx(ctx, runPrefix+service, data, runStateTTL)
	}
	if err != nil {
		c.logger.Warn().Err(err).Str("service", service).Msg("Failed to record probe run")
	}
	return st
}

// ShouldRun reports whether service is due, backing off exponentially while it keeps failing.
func (c *Cache) ShouldRun(ctx context.Context, service string, interval time.Duration) bool {
	st := c.RunState(ctx, service)
	if st.LastRun.IsZero() {
		return true
	}
	return !c.now().Before(st.LastRun.Add(BackoffDelay(interval, st.ConsecutiveFailures)))
}

// BackoffDelay is interval * 2^min(failures, 6), capped at one hour but never below interval.
func BackoffDelay(interval time.Duration, failures int) time.Duration {
	if failures <= 0 || interval >= maxBackoff {
		return interval
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = interval
	b.RandomizationFactor = 0
	b.Multiplier = 2
	b.MaxInterval = maxBackoff
	b.MaxElapsedTime = 0
	b.Reset()

	// The first NextBackOff is the initial interval itself.
	d := b.NextBackOff()
	for i := 0; i < min(failures, maxBackoffExponent); i++ {
		d = b.NextBackOff()
	}
	return max(d, interval)
}
