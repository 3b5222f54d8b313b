package health

import (
	"context"
	"fmt"
	"os"
	"sort"

	"github.com/rs/zerolog/log"
	"github.com/teresa-solution/integration-service/internal/model"
	"gopkg.in/yaml.v3"
)

// Direction states which way a metric degrades.
type Direction string

const (
	// HigherIsWorse is the default: latency, error rates, queue depth.
	HigherIsWorse Direction = "higher_is_worse"
	// LowerIsWorse covers headroom metrics such as remaining rate limit or days to token expiry.
	LowerIsWorse Direction = "lower_is_worse"
)

// Threshold is the warning/critical pair of one metric.
type Threshold struct {
	Warning   float64   `yaml:"warning" json:"warning"`
	Critical  float64   `yaml:"critical" json:"critical"`
	Direction Direction `yaml:"direction,omitempty" json:"direction,omitempty"`
}

// Thresholds maps metric name to threshold within one category.
type Thresholds map[string]Threshold

// GenericThreshold is used for metrics no category knows about.
var GenericThreshold = Threshold{Warning: 80, Critical: 95, Direction: HigherIsWorse}

// builtinThresholds are the category defaults shipped with the service.
var builtinThresholds = map[string]Thresholds{
	"api": {
		"errorRate":  {Warning: 1, Critical: 5},
		"latencyP95": {Warning: 500, Critical: 2000},
	},
	"database": {
		"latencyMs":             {Warning: 100, Critical: 500},
		"connectionUtilization": {Warning: 70, Critical: 90},
	},
	"cache": {
		"latencyMs": {Warning: 50, Critical: 250},
	},
	"integrations": {
		"reauthRequired":     {Warning: 1, Critical: 3},
		"tokenExpiryDays":    {Warning: 7, Critical: 1, Direction: LowerIsWorse},
		"rateLimitRemaining": {Warning: 20, Critical: 5, Direction: LowerIsWorse},
		"errorRate":          {Warning: 2, Critical: 10},
	},
	"external": {
		"latencyMs": {Warning: 1000, Critical: 5000},
		"errorRate": {Warning: 5, Critical: 20},
	},
	"queue": {
		"depth":            {Warning: 1000, Critical: 5000},
		"oldestAgeSeconds": {Warning: 300, Critical: 900},
	},
}

func (t Threshold) direction() Direction {
	if t.Direction == "" {
		return HigherIsWorse
	}
	return t.Direction
}

// Valid reports whether warning comes before critical in the metric's direction.
func (t Threshold) Valid() bool {
	if t.direction() == LowerIsWorse {
		return t.Warning > t.Critical
	}
	return t.Warning < t.Critical
}

// Classify maps a value to ok, warning or critical.
func (t Threshold) Classify(v float64) model.HealthStatus {
	if t.direction() == LowerIsWorse {
		switch {
		case v <= t.Critical:
			return model.HealthCritical
		case v <= t.Warning:
			return model.HealthWarning
		default:
			return model.HealthOK
		}
	}
	switch {
	case v >= t.Critical:
		return model.HealthCritical
	case v >= t.Warning:
		return model.HealthWarning
	default:
		return model.HealthOK
	}
}

// Limit returns the bound crossed for status.
func (t Threshold) Limit(status model.HealthStatus) float64 {
	if status == model.HealthCritical {
		return t.Critical
	}
	return t.Warning
}

// Defaults holds category defaults. The zero value uses the built-in table.
type Defaults struct {
	categories map[string]Thresholds
}

// BuiltinDefaults returns the shipped category defaults.
func BuiltinDefaults() Defaults {
	return Defaults{categories: copyCategories(builtinThresholds)}
}

// LoadDefaults overlays a YAML file of the form category -> metric -> {warning, critical, direction}
// onto the built-in defaults. An empty path returns the built-ins.
func LoadDefaults(path string) (Defaults, error) {
	d := BuiltinDefaults()
	if path == "" {
		return d, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return Defaults{}, fmt.Errorf("read thresholds file: %w", err)
	}

	var file map[string]map[string]Threshold
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return Defaults{}, fmt.Errorf("parse thresholds file: %w", err)
	}
	for category, metrics := range file {
		for metric, t := range metrics {
			if !t.Valid() {
				return Defaults{}, fmt.Errorf("thresholds file: %s.%s: warning must come before critical", category, metric)
			}
			if d.categories[category] == nil {
				d.categories[category] = Thresholds{}
			}
			d.categories[category][metric] = t
		}
	}
	return d, nil
}

func (d Defaults) table() map[string]Thresholds {
	if d.categories == nil {
		return builtinThresholds
	}
	return d.categories
}

// Get returns the threshold for (category, metric), or GenericThreshold. It never fails.
func (d Defaults) Get(category, metric string) Threshold {
	if t, ok := d.table()[category][metric]; ok {
		return t
	}
	return GenericThreshold
}

// Category returns a copy of a category's defaults.
func (d Defaults) Category(category string) Thresholds {
	out := Thresholds{}
	for k, v := range d.table()[category] {
		out[k] = v
	}
	return out
}

// Merge layers overrides over the category defaults without touching the defaults.
// A nil override means "no override"; invalid overrides are ignored.
func (d Defaults) Merge(category string, overrides map[string]*Threshold) Thresholds {
	merged := d.Category(category)
	for metric, o := range overrides {
		if o == nil {
			continue
		}
		t := *o
		if t.Direction == "" {
			if base, ok := merged[metric]; ok {
				t.Direction = base.Direction
			}
		}
		if !t.Valid() {
			log.Warn().Str("category", category).Str("metric", metric).Msg("Ignoring threshold override with warning past critical")
			continue
		}
		merged[metric] = t
	}
	return merged
}

// GetThreshold looks up the built-in default for (category, metric).
func GetThreshold(category, metric string) Threshold {
	return Defaults{}.Get(category, metric)
}

// MergeThresholds merges overrides over the built-in category defaults.
func MergeThresholds(category string, overrides map[string]*Threshold) Thresholds {
	return Defaults{}.Merge(category, overrides)
}

func copyCategories(src map[string]Thresholds) map[string]Thresholds {
	out := make(map[string]Thresholds, len(src))
	for c, metrics := range src {
		m := make(Thresholds, len(metrics))
		for k, v := range metrics {
			m[k] = v
		}
		out[c] = m
	}
	return out
}

// OverrideSource supplies per-tenant threshold overrides.
type OverrideSource interface {
	ThresholdOverrides(ctx context.Context, tenantID, category string) (map[string]*Threshold, error)
}

// MetricCheck is the classification of one metric value.
type MetricCheck struct {
	Metric    string
	Value     float64
	Threshold Threshold
	Status    model.HealthStatus
}

// Evaluation is the outcome of classifying a probe's metrics.
type Evaluation struct {
	Status model.HealthStatus
	Checks []MetricCheck
}

// Evaluator classifies metric values against merged thresholds.
type Evaluator struct {
	defaults  Defaults
	overrides OverrideSource
}

// NewEvaluator builds an Evaluator; overrides may be nil.
func NewEvaluator(defaults Defaults, overrides OverrideSource) *Evaluator {
	return &Evaluator{defaults: defaults, overrides: overrides}
}

// Thresholds returns the effective thresholds for a tenant and category. Override lookup
// failures degrade to the defaults.
func (e *Evaluator) Thresholds(ctx context.Context, tenantID, category string) Thresholds {
	if e.overrides == nil || tenantID == "" {
		return e.defaults.Category(category)
	}
	overrides, err := e.overrides.ThresholdOverrides(ctx, tenantID, category)
	if err != nil {
		log.Warn().Err(err).Str("tenant_id", tenantID).Str("category", category).Msg("Failed to load threshold overrides, using defaults")
		return e.defaults.Category(category)
	}
	return e.defaults.Merge(category, overrides)
}

// Evaluate classifies every metric; the overall status is the worst check.
func (e *Evaluator) Evaluate(ctx context.Context, tenantID, category string, metrics map[string]float64) Evaluation {
	effective := e.Thresholds(ctx, tenantID, category)
	ev := Evaluation{Status: model.HealthOK}
	for metric, value := range metrics {
		t, ok := effective[metric]
		if !ok {
			t = GenericThreshold
		}
		status := t.Classify(value)
		ev.Checks = append(ev.Checks, MetricCheck{Metric: metric, Value: value, Threshold: t, Status: status})
		ev.Status = model.Worse(ev.Status, status)
	}
	sort.Slice(ev.Checks, func(i, j int) bool { return ev.Checks[i].Metric < ev.Checks[j].Metric })
	return ev
}
