package health

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// ErrInvalidThreshold rejects an override the evaluator would ignore.
var ErrInvalidThreshold = errors.New("invalid threshold override")

// OverrideStore persists per-tenant overrides; a nil threshold removes one.
type OverrideStore interface {
	OverrideSource
	SetThresholdOverride(ctx context.Context, tenantID, category, metric string, t *Threshold) error
}

// Overrides writes tenant threshold overrides after checking them against the
// category defaults.
type Overrides struct {
	store    OverrideStore
	defaults Defaults
	logger   zerolog.Logger
}

// NewOverrides returns an override writer over store.
func NewOverrides(store OverrideStore, defaults Defaults) *Overrides {
	return &Overrides{store: store, defaults: defaults, logger: log.With().Str("component", "thresholds").Logger()}
}

// Set stores an override. An empty direction inherits the default metric's one.
func (o *Overrides) Set(ctx context.Context, tenantID, category, metric string, t Threshold) error {
	if err := requireKey(tenantID, category, metric); err != nil {
		return err
	}
	effective := t
	switch t.Direction {
	case "":
		if base, ok := o.defaults.Category(category)[metric]; ok {
			effective.Direction = base.Direction
		}
	case HigherIsWorse, LowerIsWorse:
	default:
		return fmt.Errorf("%w: unknown direction %q", ErrInvalidThreshold, t.Direction)
	}
	if !effective.Valid() {
		return fmt.Errorf("%w: warning %v must come before critical %v for %s", ErrInvalidThreshold,
			t.Warning, t.Critical, effective.direction())
	}
	if err := o.store.SetThresholdOverride(ctx, tenantID, category, metric, &t); err != nil {
		return err
	}
	o.logger.Info().Str("tenant_id", tenantID).Str("category", category).Str("metric", metric).
		Float64("warning", t.Warning).Float64("critical", t.Critical).Msg("Threshold override set")
	return nil
}

// Unset removes an override; removing a missing one is not an error.
func (o *Overrides) Unset(ctx context.Context, tenantID, category, metric string) error {
	if err := requireKey(tenantID, category, metric); err != nil {
		return err
	}
	if err := o.store.SetThresholdOverride(ctx, tenantID, category, metric, nil); err != nil {
		return err
	}
	o.logger.Info().Str("tenant_id", tenantID).Str("category", category).Str("metric", metric).Msg("Threshold override removed")
	return nil
}

// Effective returns the category defaults merged with the tenant's overrides.
func (o *Overrides) Effective(ctx context.Context, tenantID, category string) (Thresholds, error) {
	overrides, err := o.store.ThresholdOverrides(ctx, tenantID, category)
	if err != nil {
		return nil, err
	}
	return o.defaults.Merge(category, overrides), nil
}

func requireKey(tenantID, category, metric string) error {
	if strings.TrimSpace(tenantID) == "" || strings.TrimSpace(category) == "" || strings.TrimSpace(metric) == "" {
		return fmt.Errorf("%w: tenant, category and metric are required", ErrInvalidThreshold)
	}
	return nil
}
