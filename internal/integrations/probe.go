package integrations

import (
	"context"
	"math"

	"github.com/teresa-solution/integration-service/internal/health"
	"github.com/teresa-solution/integration-service/internal/model"
)

// ConnectionsProbe reports the state of one provider's connections as health metrics:
// the number needing re-authorization and the fewest days left before any expiring
// token runs out.
type ConnectionsProbe struct {
	svc      *Service
	provider string
}

// Probes returns a ConnectionsProbe per configured provider.
func (s *Service) Probes() []*ConnectionsProbe {
	names := s.providers.Names()
	out := make([]*ConnectionsProbe, 0, len(names))
	for _, n := range names {
		out = append(out, &ConnectionsProbe{svc: s, provider: n})
	}
	return out
}

func (p *ConnectionsProbe) Name() string      { return "integrations:" + p.provider }
func (p *ConnectionsProbe) Tier() health.Tier { return health.TierIntegrations }
func (p *ConnectionsProbe) Category() string  { return "integrations" }

// Probe summarizes every tenant when tenantID is empty, otherwise only that tenant.
func (p *ConnectionsProbe) Probe(ctx context.Context, tenantID string) (map[string]float64, error) {
	var conns []*model.Connection
	if tenantID == "" {
		all, err := p.svc.store.ListByProvider(ctx, p.provider)
		if err != nil {
			return nil, err
		}
		conns = all
	} else {
		all, err := p.svc.store.ListByTenant(ctx, tenantID)
		if err != nil {
			return nil, err
		}
		for _, c := range all {
			if c.Provider == p.provider {
				conns = append(conns, c)
			}
		}
	}

	now := p.svc.now()
	reauth := 0
	minDays := math.Inf(1)
	for _, c := range conns {
		if c.NeedsReauth {
			reauth++
			continue
		}
		// Short access tokens backed by a refresh token are renewed silently.
		if model.NonExpiring(c.TokenType) || c.TokenExpiresAt == nil || c.RefreshTokenEncrypted != "" {
			continue
		}
		days := c.TokenExpiresAt.Sub(now).Hours() / 24
		if days < minDays {
			minDays = days
		}
	}

	metrics := map[string]float64{"reauthRequired": float64(reauth)}
	if !math.IsInf(minDays, 1) {
		metrics["tokenExpiryDays"] = math.Max(0, math.Floor(minDays*10)/10)
	}
	return metrics, nil
}
