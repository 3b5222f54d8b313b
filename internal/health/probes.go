package health

import (
	"context"
	"fmt"
	"net/http"
	"time"
)

// Pinger is anything with a reachability check: the database pool, a kv.Store.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingProbe reports latencyMs of a Ping call plus any extra gauges.
type PingProbe struct {
	ServiceName  string
	ServiceTier  Tier
	CategoryName string
	Target       Pinger
	// Extra adds gauges sampled after a successful ping, such as pool utilization.
	Extra func() map[string]float64
}

func (p *PingProbe) Name() string     { return p.ServiceName }
func (p *PingProbe) Tier() Tier       { return p.ServiceTier }
func (p *PingProbe) Category() string { return p.CategoryName }

func (p *PingProbe) Probe(ctx context.Context, _ string) (map[string]float64, error) {
	start := time.Now()
	if err := p.Target.Ping(ctx); err != nil {
		return nil, fmt.Errorf("ping %s: %w", p.ServiceName, err)
	}
	metrics := map[string]float64{"latencyMs": float64(time.Since(start).Microseconds()) / 1000}
	if p.Extra != nil {
		for k, v := range p.Extra() {
			metrics[k] = v
		}
	}
	return metrics, nil
}

// HTTPProbe checks reachability of an external API. Any response below 500 counts as
// reachable, since unauthenticated requests to provider APIs are expected to be refused.
type HTTPProbe struct {
	ServiceName string
	URL         string
	Client      *http.Client
}

func (p *HTTPProbe) Name() string     { return p.ServiceName }
func (p *HTTPProbe) Tier() Tier       { return TierExternal }
func (p *HTTPProbe) Category() string { return "external" }

func (p *HTTPProbe) Probe(ctx context.Context, _ string) (map[string]float64, error) {
	client := p.Client
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.URL, nil)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request %s: %w", p.ServiceName, err)
	}
	resp.Body.Close()

	errorRate := 0.0
	if resp.StatusCode >= http.StatusInternalServerError {
		errorRate = 100
	}
	return map[string]float64{
		"latencyMs": float64(time.Since(start).Microseconds()) / 1000,
		"errorRate": errorRate,
	}, nil
}
