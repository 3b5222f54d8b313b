package service

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/teresa-solution/integration-service/internal/health"
	"github.com/teresa-solution/integration-service/internal/integrations"
	"github.com/teresa-solution/integration-service/internal/model"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

type recordingRecorder struct {
	mu       sync.Mutex
	statuses map[uuid.UUID]string
}

func (r *recordingRecorder) MarkDelivery(_ context.Context, id uuid.UUID, status string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.statuses == nil {
		r.statuses = make(map[uuid.UUID]string)
	}
	r.statuses[id] = status
	return nil
}

func (r *recordingRecorder) status(id uuid.UUID) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.statuses[id]
}

type stubNotifier struct {
	name  string
	err   error
	calls atomic.Int32
	block chan struct{}
}

func (n *stubNotifier) Name() string { return n.name }

func (n *stubNotifier) Notify(context.Context, *model.Alert) error {
	if n.block != nil {
		<-n.block
	}
	n.calls.Add(1)
	return n.err
}

func TestAlertDispatcher_DeliversToAllNotifiers(t *testing.T) {
	rec := &recordingRecorder{}
	a := &stubNotifier{name: "a"}
	b := &stubNotifier{name: "b"}
	d := NewAlertDispatcher(rec, []health.Notifier{a, b}, 4)

	alert := &model.Alert{ID: uuid.New(), Severity: model.SeverityP2}
	d.Enqueue(alert)
	d.Close()

	assert.Equal(t, int32(1), a.calls.Load())
	assert.Equal(t, int32(1), b.calls.Load())
	assert.Equal(t, model.DeliveryDelivered, rec.status(alert.ID))
}

func TestAlertDispatcher_FailureMarksFailed(t *testing.T) {
	rec := &recordingRecorder{}
	ok := &stubNotifier{name: "log"}
	broken := &stubNotifier{name: "redis", err: errors.New("connection refused")}
	d := NewAlertDispatcher(rec, []health.Notifier{ok, broken}, 4)

	alert := &model.Alert{ID: uuid.New(), Severity: model.SeverityP1}
	d.Enqueue(alert)
	d.Close()

	assert.Equal(t, int32(1), ok.calls.Load())
	assert.Equal(t, model.DeliveryFailed, rec.status(alert.ID))
}

func TestAlertDispatcher_FullQueueLeavesPending(t *testing.T) {
	rec := &recordingRecorder{}
	slow := &stubNotifier{name: "slow", block: make(chan struct{})}
	d := NewAlertDispatcher(rec, []health.Notifier{slow}, 1)

	first := &model.Alert{ID: uuid.New()}
	d.Enqueue(first)
	// Wait until the worker holds the first alert so the buffer is empty again.
	require.Eventually(t, func() bool { return len(d.queue) == 0 }, time.Second, time.Millisecond)
	second := &model.Alert{ID: uuid.New()}
	third := &model.Alert{ID: uuid.New()}
	d.Enqueue(second)
	d.Enqueue(third)

	close(slow.block)
	d.Close()

	assert.Equal(t, model.DeliveryDelivered, rec.status(first.ID))
	assert.Equal(t, model.DeliveryDelivered, rec.status(second.ID))
	assert.Empty(t, rec.status(third.ID))

	// Enqueue after Close is a no-op.
	d.Enqueue(&model.Alert{ID: uuid.New()})
}

type fakeRefresher struct {
	calls atomic.Int32
	err   error
}

func (f *fakeRefresher) RefreshDue(context.Context) (*integrations.BatchResult, error) {
	f.calls.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	return &integrations.BatchResult{Attempted: 3, Succeeded: 2, Failed: 1}, nil
}

type fakeProbeRunner struct{ results []model.HealthResult }

func (f *fakeProbeRunner) RunAll(context.Context) []model.HealthResult { return f.results }

func TestScheduler(t *testing.T) {
	refresher := &fakeRefresher{}
	probes := &fakeProbeRunner{results: []model.HealthResult{{Service: "database", Status: model.HealthOK}}}

	s, err := NewScheduler(refresher, probes, SchedulerConfig{RefreshSpec: "@every 1h", ProbeSpec: "*/5 * * * *"})
	require.NoError(t, err)
	assert.Equal(t, 2, s.Jobs())

	batch := s.RunRefresh(context.Background())
	require.NotNil(t, batch)
	assert.Equal(t, 1, batch.Failed)
	assert.Equal(t, int32(1), refresher.calls.Load())

	assert.Len(t, s.RunProbes(context.Background()), 1)

	refresher.err = errors.New("db down")
	assert.Nil(t, s.RunRefresh(context.Background()))

	s.Start()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	s.Stop(ctx)
}

func TestScheduler_Specs(t *testing.T) {
	_, err := NewScheduler(&fakeRefresher{}, nil, SchedulerConfig{RefreshSpec: "every hour"})
	assert.Error(t, err)

	_, err = NewScheduler(nil, &fakeProbeRunner{}, SchedulerConfig{ProbeSpec: "61 * * * *"})
	assert.Error(t, err)

	s, err := NewScheduler(&fakeRefresher{}, &fakeProbeRunner{}, SchedulerConfig{ProbeSpec: "@every 30s"})
	require.NoError(t, err)
	assert.Equal(t, 1, s.Jobs())
}

func checkStatus(t *testing.T, srv *grpchealth.Server, service string) healthpb.HealthCheckResponse_ServingStatus {
	t.Helper()
	resp, err := srv.Check(context.Background(), &healthpb.HealthCheckRequest{Service: service})
	require.NoError(t, err)
	return resp.Status
}

func TestGRPCHealthReporter(t *testing.T) {
	srv := grpchealth.NewServer()
	r := NewGRPCHealthReporter(srv)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, checkStatus(t, srv, ""))

	r.Report(model.HealthResult{Service: "database", Status: model.HealthOK})
	r.Report(model.HealthResult{Service: "kv", Status: model.HealthWarning})
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, checkStatus(t, srv, "database"))
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, checkStatus(t, srv, "kv"))

	r.Report(model.HealthResult{Service: "database", Status: model.HealthCritical})
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, checkStatus(t, srv, "database"))
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, checkStatus(t, srv, ""))

	r.Report(model.HealthResult{Service: "database", TenantID: "t1", Status: model.HealthOK})
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, checkStatus(t, srv, "database"))

	r.Report(model.HealthResult{Service: "database", Status: model.HealthOK})
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, checkStatus(t, srv, ""))
}

func TestScheduleInterval(t *testing.T) {
	from := time.Date(2026, 6, 1, 10, 2, 0, 0, time.UTC)
	cases := map[string]time.Duration{
		"@every 5m":    5 * time.Minute,
		"@every 30s":   30 * time.Second,
		"*/10 * * * *": 10 * time.Minute,
		"0 9 * * *":    24 * time.Hour,
		"@hourly":      time.Hour,
	}
	for spec, want := range cases {
		got, err := ScheduleInterval(spec, from)
		require.NoError(t, err, spec)
		assert.Equal(t, want, got, spec)
	}

	_, err := ScheduleInterval("every hour", from)
	assert.Error(t, err)
}
