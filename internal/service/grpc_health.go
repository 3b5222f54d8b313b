package service

import (
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/teresa-solution/integration-service/internal/model"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// GRPCHealthReporter mirrors probe results into the gRPC health service. Each probed
// service gets its own entry; the overall entry ("") is NOT_SERVING while any service
// is critical.
type GRPCHealthReporter struct {
	server *grpchealth.Server

	mu       sync.Mutex
	critical map[string]bool
}

// NewGRPCHealthReporter reports into server.
func NewGRPCHealthReporter(server *grpchealth.Server) *GRPCHealthReporter {
	server.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	return &GRPCHealthReporter{server: server, critical: make(map[string]bool)}
}

// Report records a probe result. Tenant-scoped results do not affect service health.
func (r *GRPCHealthReporter) Report(res model.HealthResult) {
	if res.TenantID != "" {
		return
	}
	critical := res.Status == model.HealthCritical

	r.mu.Lock()
	defer r.mu.Unlock()
	if was, seen := r.critical[res.Service]; seen && was != critical {
		log.Info().Str("service", res.Service).Str("status", string(res.Status)).Msg("Service health changed")
	}
	r.critical[res.Service] = critical
	r.server.SetServingStatus(res.Service, servingStatus(critical))

	overall := false
	for _, c := range r.critical {
		overall = overall || c
	}
	r.server.SetServingStatus("", servingStatus(overall))
}

func servingStatus(critical bool) healthpb.HealthCheckResponse_ServingStatus {
	if critical {
		return healthpb.HealthCheckResponse_NOT_SERVING
	}
	return healthpb.HealthCheckResponse_SERVING
}
