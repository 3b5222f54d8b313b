package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/teresa-solution/integration-service/internal/health"
	"github.com/teresa-solution/integration-service/internal/kv"
)

const overrideCacheTTL = 5 * time.Minute

// ThresholdRepository reads per-tenant threshold overrides, caching them in the
// key-value store so every probe evaluation does not hit Postgres.
type ThresholdRepository struct {
	db    *DB
	cache kv.Store
}

// NewThresholdRepository returns a repository; cache may be nil.
func NewThresholdRepository(db *DB, cache kv.Store) *ThresholdRepository {
	return &ThresholdRepository{db: db, cache: cache}
}

func overrideKey(tenantID, category string) string {
	return fmt.Sprintf("thresholds:%s:%s", tenantID, category)
}

// ThresholdOverrides returns the tenant's overrides for category keyed by metric.
func (r *ThresholdRepository) ThresholdOverrides(ctx context.Context, tenantID, category string) (map[string]*health.Threshold, error) {
	key := overrideKey(tenantID, category)
	if r.cache != nil {
		if cached, err := r.cache.Get(ctx, key); err == nil {
			var out map[string]*health.Threshold
			if err := json.Unmarshal(cached, &out); err == nil {
				return out, nil
			}
		}
	}

	rows, err := r.db.pool.Query(ctx,
		`SELECT metric, warning, critical, direction FROM health_threshold_overrides
		WHERE tenant_id = $1 AND category = $2`, tenantID, category)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]*health.Threshold)
	for rows.Next() {
		var (
			metric    string
			t         health.Threshold
			direction *string
		)
		if err := rows.Scan(&metric, &t.Warning, &t.Critical, &direction); err != nil {
			return nil, err
		}
		if direction != nil {
			t.Direction = health.Direction(*direction)
		}
		out[metric] = &t
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if r.cache != nil {
		if data, err := json.Marshal(out); err == nil {
			if err := r.cache.SetEx(ctx, key, data, overrideCacheTTL); err != nil {
				log.Warn().Err(err).Str("tenant_id", tenantID).Msg("Failed to cache threshold overrides")
			}
		}
	}
	return out, nil
}

// SetThresholdOverride upserts a tenant override; a nil threshold removes it.
func (r *ThresholdRepository) SetThresholdOverride(ctx context.Context, tenantID, category, metric string, t *health.Threshold) error {
	var err error
	if t == nil {
		_, err = r.db.pool.Exec(ctx,
			`DELETE FROM health_threshold_overrides WHERE tenant_id = $1 AND category = $2 AND metric = $3`,
			tenantID, category, metric)
	} else {
		_, err = r.db.pool.Exec(ctx,
			`INSERT INTO health_threshold_overrides (tenant_id, category, metric, warning, critical, direction)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (tenant_id, category, metric) DO UPDATE SET
				warning = EXCLUDED.warning, critical = EXCLUDED.critical,
				direction = EXCLUDED.direction, updated_at = now()`,
			tenantID, category, metric, t.Warning, t.Critical, nullable(string(t.Direction)))
	}
	if err != nil {
		return err
	}
	if r.cache != nil {
		_ = r.cache.Del(ctx, overrideKey(tenantID, category))
	}
	return nil
}
