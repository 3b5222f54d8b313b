// Package app assembles the service from configuration: stores, providers, the
// health monitor, alert delivery and background jobs.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"
	"github.com/teresa-solution/integration-service/internal/api"
	"github.com/teresa-solution/integration-service/internal/config"
	"github.com/teresa-solution/integration-service/internal/crypto"
	"github.com/teresa-solution/integration-service/internal/health"
	"github.com/teresa-solution/integration-service/internal/integrations"
	"github.com/teresa-solution/integration-service/internal/kv"
	"github.com/teresa-solution/integration-service/internal/monitoring"
	"github.com/teresa-solution/integration-service/internal/oauthstate"
	"github.com/teresa-solution/integration-service/internal/service"
	"github.com/teresa-solution/integration-service/internal/store"
	grpchealth "google.golang.org/grpc/health"
)

// App is the wired service.
type App struct {
	Config       *config.Config
	Integrations *integrations.Service
	Alerts       *health.AlertManager
	Monitor      *health.Monitor
	Thresholds   *health.Overrides
	Scheduler    *service.Scheduler
	GRPCHealth   *grpchealth.Server

	dispatcher *service.AlertDispatcher
	kv         kv.Store
	db         *store.DB
}

// New builds every component. Only a database that is configured but unreachable is
// fatal; other backends degrade to in-memory ones with a warning.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	key, err := crypto.ParseKey(cfg.TokenEncryptionKey)
	if err != nil {
		return nil, fmt.Errorf("token encryption key: %w", err)
	}
	cipher, err := crypto.NewCipher(key)
	if err != nil {
		return nil, err
	}
	signer, err := oauthstate.NewSigner(cfg.OAuthStateSecret, oauthstate.WithMaxAge(cfg.OAuthStateMaxAge))
	if err != nil {
		return nil, fmt.Errorf("oauth state signer: %w", err)
	}
	defaults, err := health.LoadDefaults(cfg.ThresholdsFile)
	if err != nil {
		return nil, err
	}
	providers := buildProviders(cfg, func() *http.Client {
		return integrations.NewHTTPClient(cfg.ProviderHTTPTimeout, cfg.ProviderRateLimit, int(cfg.ProviderRateLimit)+1)
	})
	if err := checkRefreshCadence(cfg.RefreshSchedule, providers); err != nil {
		return nil, err
	}
	var monitorOpts []health.MonitorOption
	if cfg.ProbeSchedule != "" {
		interval, err := service.ScheduleInterval(cfg.ProbeSchedule, time.Now())
		if err != nil {
			return nil, fmt.Errorf("probe schedule %q: %w", cfg.ProbeSchedule, err)
		}
		monitorOpts = append(monitorOpts, health.WithProbeInterval(interval))
	}

	a := &App{Config: cfg, GRPCHealth: grpchealth.NewServer()}
	a.kv, err = openKV(ctx, cfg)
	if err != nil {
		return nil, err
	}

	var (
		connections integrations.ConnectionStore
		alertStore  health.AlertStore
		overrides   health.OverrideStore
	)
	if cfg.DatabaseURL != "" {
		a.db, err = store.Open(ctx, cfg.DatabaseURL, store.DefaultPoolConfig)
		if err != nil {
			a.kv.Close()
			return nil, err
		}
		connections = store.NewConnectionRepository(a.db)
		alertStore = store.NewAlertRepository(a.db)
		overrides = store.NewThresholdRepository(a.db, a.kv)
	} else {
		log.Warn().Msg("DATABASE_URL not set, connections and alerts are kept in memory")
		mem := store.NewMemoryStore(nil)
		connections, alertStore, overrides = mem, mem, mem
	}

	if len(providers) == 0 {
		log.Warn().Msg("No provider credentials configured")
	}
	a.Integrations = integrations.NewService(connections, signer, cipher, providers, integrations.Options{
		AllowedReturnHosts: cfg.AllowedReturnHosts,
		RefreshConcurrency: cfg.RefreshConcurrency,
	})

	a.Thresholds = health.NewOverrides(overrides, defaults)
	a.Alerts = health.NewAlertManager(alertStore, nil)
	notifiers := []health.Notifier{monitoring.LogNotifier{}}
	if rs, ok := a.kv.(*kv.RedisStore); ok && rs.Client() != nil {
		notifiers = append(notifiers, health.NewRedisNotifier(rs.Client()))
	}
	a.dispatcher = service.NewAlertDispatcher(a.Alerts, notifiers, 0)
	a.Alerts.OnRaise(a.dispatcher.Enqueue)

	a.Monitor = health.NewMonitor(health.NewCache(a.kv), health.NewEvaluator(defaults, overrides), a.Alerts, monitorOpts...)
	a.registerProbes(cfg, providers)
	a.Monitor.OnResult(service.NewGRPCHealthReporter(a.GRPCHealth).Report)

	a.Scheduler, err = service.NewScheduler(a.Integrations, a.Monitor, service.SchedulerConfig{
		RefreshSpec: cfg.RefreshSchedule,
		ProbeSpec:   cfg.ProbeSchedule,
	})
	if err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

// openKV picks the REST store, then Redis, then process memory.
func openKV(ctx context.Context, cfg *config.Config) (kv.Store, error) {
	switch {
	case cfg.KVRestURL != "":
		s, err := kv.NewRESTStore(cfg.KVRestURL, cfg.KVRestToken, &http.Client{Timeout: 5 * time.Second})
		if err != nil {
			return nil, fmt.Errorf("kv rest store: %w", err)
		}
		log.Info().Msg("Using REST key-value store")
		return s, nil
	case cfg.RedisAddr != "":
		s, err := kv.NewRedisStore(ctx, cfg.RedisAddr, cfg.RedisPassword, 0)
		if err != nil {
			log.Warn().Err(err).Msg("Redis unavailable, falling back to in-memory cache")
			return kv.NewMemoryStore(nil), nil
		}
		log.Info().Str("addr", cfg.RedisAddr).Msg("Connected to Redis")
		return s, nil
	default:
		log.Warn().Msg("No key-value store configured, health cache is per process")
		return kv.NewMemoryStore(nil), nil
	}
}

// buildProviders registers every provider with credentials. Each gets its own client
// from newClient so one provider's rate limit never throttles another.
func buildProviders(cfg *config.Config, newClient func() *http.Client) integrations.Registry {
	var list []integrations.Provider
	if cfg.Meta.Enabled() {
		list = append(list, integrations.NewMeta(integrations.MetaConfig{
			AppID:        cfg.Meta.ClientID,
			AppSecret:    cfg.Meta.ClientSecret,
			RedirectURL:  cfg.RedirectURL("meta"),
			GraphVersion: cfg.MetaGraphVersion,
			Client:       newClient(),
		}))
	}
	if cfg.Google.Enabled() {
		list = append(list, integrations.NewGoogle(integrations.GoogleConfig{
			ClientID:       cfg.Google.ClientID,
			ClientSecret:   cfg.Google.ClientSecret,
			RedirectURL:    cfg.RedirectURL("google"),
			DeveloperToken: cfg.GoogleDevToken,
			Client:         newClient(),
		}))
	}
	if cfg.TikTok.Enabled() {
		list = append(list, integrations.NewTikTok(integrations.TikTokConfig{
			AppID:       cfg.TikTok.ClientID,
			AppSecret:   cfg.TikTok.ClientSecret,
			RedirectURL: cfg.RedirectURL("tiktok"),
			Client:      newClient(),
		}))
	}
	if cfg.Klaviyo.Enabled() {
		list = append(list, integrations.NewKlaviyo(integrations.KlaviyoConfig{
			ClientID:     cfg.Klaviyo.ClientID,
			ClientSecret: cfg.Klaviyo.ClientSecret,
			RedirectURL:  cfg.RedirectURL("klaviyo"),
			Client:       newClient(),
		}))
	}
	return integrations.NewRegistry(list...)
}

// checkRefreshCadence rejects a refresh schedule whose runs can be further apart
// than a provider's refresh window, since tokens would then expire between runs.
func checkRefreshCadence(spec string, providers integrations.Registry) error {
	if spec == "" {
		return nil
	}
	interval, err := service.ScheduleInterval(spec, time.Now())
	if err != nil {
		return fmt.Errorf("refresh schedule %q: %w", spec, err)
	}
	for _, name := range providers.Names() {
		buffer := providers[name].Descriptor().RefreshBuffer
		if buffer > 0 && interval >= buffer {
			return fmt.Errorf("refresh schedule %q runs every %s, which is not shorter than the %s refresh window of %s",
				spec, interval, buffer, name)
		}
	}
	return nil
}

func (a *App) registerProbes(cfg *config.Config, providers integrations.Registry) {
	if a.db != nil {
		a.Monitor.Register(&health.PingProbe{
			ServiceName:  "database",
			ServiceTier:  health.TierCritical,
			CategoryName: "database",
			Target:       a.db,
			Extra: func() map[string]float64 {
				st := a.db.Stat()
				if st.MaxConns() == 0 {
					return nil
				}
				return map[string]float64{
					"connectionUtilization": float64(st.AcquiredConns()) / float64(st.MaxConns()) * 100,
				}
			},
		})
	}
	a.Monitor.Register(&health.PingProbe{
		ServiceName:  "kv",
		ServiceTier:  health.TierCore,
		CategoryName: "cache",
		Target:       a.kv,
	})

	probeClient := &http.Client{Timeout: cfg.ProviderHTTPTimeout}
	for _, name := range providers.Names() {
		d := providers[name].Descriptor()
		target := d.AccountsURL
		if target == "" {
			target = d.TokenURL
		}
		if target != "" {
			a.Monitor.Register(&health.HTTPProbe{ServiceName: "api:" + name, URL: target, Client: probeClient})
		}
	}
	for _, p := range a.Integrations.Probes() {
		a.Monitor.Register(p)
	}
}

// Router returns the HTTP API routes.
func (a *App) Router() *mux.Router {
	return api.NewServer(a.Integrations, a.Alerts, a.Monitor).Router()
}

// Close flushes pending alert deliveries and detached writes, then releases
// the backends.
func (a *App) Close() error {
	a.dispatcher.Close()
	a.Integrations.Drain()
	var errs []error
	if err := a.kv.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close kv store: %w", err))
	}
	if a.db != nil {
		a.db.Close()
	}
	return errors.Join(errs...)
}
