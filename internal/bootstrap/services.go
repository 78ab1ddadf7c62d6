package bootstrap

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/target/mmk-fanout/config"
	"github.com/target/mmk-fanout/internal/adapters/collector"
	"github.com/target/mmk-fanout/internal/adapters/interpreter"
	redisadapter "github.com/target/mmk-fanout/internal/adapters/redis"
	"github.com/target/mmk-fanout/internal/core"
	"github.com/target/mmk-fanout/internal/data"
	"github.com/target/mmk-fanout/internal/domain/analysis"
	httpx "github.com/target/mmk-fanout/internal/http"
	"github.com/target/mmk-fanout/internal/observability/statsd"
	"github.com/target/mmk-fanout/internal/service"
)

// ServiceContainer holds all application services.
type ServiceContainer struct {
	// Analysis is nil when the http service is disabled.
	Analysis *service.AnalysisService
	Repo     core.AnalysisRepository
	// Tasks runs shard launches and interpretation passes started by requests.
	Tasks *service.TaskGroup
	// Ready lists the backing stores pinged by /readyz.
	Ready         map[string]httpx.Pinger
	Observability ObservabilityContainer
}

// ObservabilityContainer groups shared observability dependencies.
type ObservabilityContainer struct {
	// MetricsSink is nil when metrics are disabled.
	MetricsSink   statsd.Sink
	metricsClient *statsd.Client
	MetricsConfig config.ObservabilityMetricsConfig
}

// Close flushes and closes the metrics client.
func (o ObservabilityContainer) Close() error {
	if o.metricsClient == nil {
		return nil
	}
	return o.metricsClient.Close()
}

// ServiceDeps groups dependencies for service initialization.
type ServiceDeps struct {
	Config      *config.AppConfig
	DB          *sql.DB
	RedisClient redis.UniversalClient
	Logger      *slog.Logger
}

// redisPinger adapts a Redis client to httpx.Pinger.
type redisPinger struct {
	client redis.UniversalClient
}

func (p redisPinger) PingContext(ctx context.Context) error {
	return p.client.Ping(ctx).Err()
}

// buildObservability configures the statsd sink.
func buildObservability(logger *slog.Logger, cfg config.ObservabilityConfig) ObservabilityContainer {
	out := ObservabilityContainer{MetricsConfig: cfg.Metrics}
	if !cfg.Metrics.IsEnabled() {
		return out
	}
	client, err := statsd.NewClient(context.Background(), statsd.Config{
		Address:    cfg.Metrics.StatsdAddress,
		Prefix:     cfg.Metrics.Prefix,
		Logger:     logger,
		GlobalTags: map[string]string{"service": "fanout"},
	})
	if err != nil {
		logger.Error("failed to initialise statsd client", "error", err)
		return out
	}
	out.metricsClient = client
	out.MetricsSink = client
	return out
}

// buildRepository picks the job store; no business rules here.
//
//nolint:ireturn // the storage backend is selected at runtime.
func buildRepository(cfg *config.AppConfig, db *sql.DB, logger *slog.Logger) (core.AnalysisRepository, error) {
	switch cfg.Storage {
	case config.StorageMemory:
		logger.Warn("using in-memory job storage; jobs are lost on restart")
		return data.NewMemoryAnalysisRepo(&data.RealTimeProvider{}), nil
	default:
		if db == nil {
			return nil, errors.New("postgres storage requires a database connection")
		}
		return data.NewAnalysisRepo(db, data.RepoConfig{Logger: logger}), nil
	}
}

//nolint:ireturn // the lock backend is selected at runtime.
func buildJobLocker(cfg config.RetryConfig, client redis.UniversalClient) (core.JobLocker, error) {
	if cfg.LockBackend != config.LockBackendRedis {
		return service.NewLocalJobLocker(), nil
	}
	if client == nil {
		return nil, errors.New("redis lock backend requires a redis connection")
	}
	locker, err := redisadapter.NewJobLocker(redisadapter.JobLockerOptions{Client: client, TTL: cfg.LockTTL})
	if err != nil {
		return nil, err
	}
	return locker, nil
}

func buildClassifier(cfg config.CollectionConfig) analysis.CollectionErrorClassifier {
	if len(cfg.TransientErrorPatterns) == 0 {
		return analysis.DefaultClassifier()
	}
	return analysis.NewKeywordClassifier(cfg.TransientErrorPatterns...)
}

// buildPlan applies configured shard selectors to the default plan.
func buildPlan(cfg config.InterpretationConfig) (*analysis.Plan, error) {
	selectors, err := cfg.Selectors()
	if err != nil {
		return nil, err
	}
	return analysis.DefaultPlan().WithSelectors(selectors)
}

func newAnalysisService(
	cfg *config.AppConfig,
	repo core.AnalysisRepository,
	locker core.JobLocker,
	tasks *service.TaskGroup,
	obs ObservabilityContainer,
	logger *slog.Logger,
) (*service.AnalysisService, error) {
	trigger, err := collector.NewClient(collector.Config{
		BaseURL:   cfg.Collection.BaseURL,
		DatasetID: cfg.Collection.DatasetID,
		Token:     cfg.Collection.Token,
		Timeout:   cfg.Collection.Timeout,
	})
	if err != nil {
		return nil, fmt.Errorf("create collection client: %w", err)
	}
	interp, err := interpreter.NewClient(interpreter.Config{
		URL:     cfg.Interpretation.URL,
		Token:   cfg.Interpretation.Token,
		Timeout: cfg.Interpretation.Timeout,
	})
	if err != nil {
		return nil, fmt.Errorf("create interpretation client: %w", err)
	}
	plan, err := buildPlan(cfg.Interpretation)
	if err != nil {
		return nil, fmt.Errorf("build shard plan: %w", err)
	}

	return service.NewAnalysisService(service.AnalysisServiceOptions{
		Repo:             repo,
		Trigger:          trigger,
		Interpreter:      interp,
		Plan:             plan,
		Classifier:       buildClassifier(cfg.Collection),
		Locker:           locker,
		Runner:           tasks,
		CallbackBaseURL:  cfg.Collection.CallbackBaseURL,
		LaunchDelay:      cfg.Launcher.Delay,
		Policy:           service.InterpretationPolicy{MaxFailures: cfg.Interpretation.MaxFailures},
		InterpretWorkers: cfg.Interpretation.Concurrency,
		ConflictRetries:  cfg.Retry.ConflictRetries,
		Logger:           logger,
		Metrics:          obs.MetricsSink,
	})
}

// NewServices wires repositories, adapters and the analysis service.
func NewServices(deps *ServiceDeps) (ServiceContainer, error) {
	if deps == nil || deps.Config == nil {
		return ServiceContainer{}, errors.New("service deps with config are required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	cfg := deps.Config

	obs := buildObservability(logger, cfg.Observability)
	repo, err := buildRepository(cfg, deps.DB, logger)
	if err != nil {
		return ServiceContainer{}, err
	}

	out := ServiceContainer{
		Repo:          repo,
		Tasks:         service.NewTaskGroup(logger),
		Ready:         map[string]httpx.Pinger{},
		Observability: obs,
	}
	if deps.DB != nil {
		out.Ready["postgres"] = deps.DB
	}
	if deps.RedisClient != nil {
		out.Ready["redis"] = redisPinger{client: deps.RedisClient}
	}

	if !cfg.IsHTTPServerEnabled() {
		return out, nil
	}
	locker, err := buildJobLocker(cfg.Retry, deps.RedisClient)
	if err != nil {
		return ServiceContainer{}, fmt.Errorf("create job locker: %w", err)
	}
	out.Analysis, err = newAnalysisService(cfg, repo, locker, out.Tasks, obs, logger)
	if err != nil {
		return ServiceContainer{}, fmt.Errorf("create analysis service: %w", err)
	}
	return out, nil
}

// ServiceOrchestrationConfig contains configuration for service orchestration.
type ServiceOrchestrationConfig struct {
	Config   *config.AppConfig
	Services ServiceContainer
	DB       *sql.DB
	Logger   *slog.Logger
}

// shutdownWaitTimeout bounds the wait for a background service once its context ends.
const shutdownWaitTimeout = 15 * time.Second

// serviceStartupDeps groups dependencies for service startup.
type serviceStartupDeps struct {
	ctx             context.Context
	cfg             *ServiceOrchestrationConfig
	logger          *slog.Logger
	enabledServices map[config.ServiceMode]bool
	errCh           chan error
}

// backgroundService describes a startable background component.
type backgroundService struct {
	mode  config.ServiceMode
	name  string
	start func(context.Context) error
}

// backgroundServiceHandle tracks a running background service.
type backgroundServiceHandle struct {
	name string
	done <-chan struct{}
}

func startHTTPServerIfEnabled(deps *serviceStartupDeps) *http.Server {
	if deps == nil || deps.cfg == nil || !deps.enabledServices[config.ServiceModeHTTP] {
		return nil
	}
	return StartHTTPServer(&HTTPServerConfig{
		Config:   deps.cfg.Config.HTTP,
		Services: deps.cfg.Services,
		Logger:   deps.logger,
		ErrCh:    deps.errCh,
	})
}

func launchBackground(ctx context.Context, deps *serviceStartupDeps, descriptor backgroundService) <-chan struct{} {
	if deps == nil || !deps.enabledServices[descriptor.mode] {
		return nil
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := descriptor.start(ctx); err != nil {
			errMsg := fmt.Errorf("%s failed: %w", descriptor.name, err)
			select {
			case deps.errCh <- errMsg:
			case <-ctx.Done():
			default:
				deps.logger.WarnContext(ctx, "dropping background service error",
					"service", descriptor.name, "error", errMsg)
			}
		}
	}()

	deps.logger.InfoContext(ctx, "background service started", "service", descriptor.name, "mode", descriptor.mode)
	return done
}

func newSweeperBackgroundService(deps *serviceStartupDeps) backgroundService {
	return backgroundService{
		mode: config.ServiceModeSweeper,
		name: "sweeper",
		start: func(ctx context.Context) error {
			return RunSweeper(ctx, SweeperRunConfig{
				DB:      deps.cfg.DB,
				Repo:    deps.cfg.Services.Repo,
				Config:  deps.cfg.Config.Sweeper,
				Logger:  deps.logger,
				Metrics: deps.cfg.Services.Observability.MetricsSink,
			})
		},
	}
}

func startBackgroundServices(deps *serviceStartupDeps) []backgroundServiceHandle {
	services := []backgroundService{
		newSweeperBackgroundService(deps),
	}
	handles := make([]backgroundServiceHandle, 0, len(services))
	for _, svc := range services {
		if done := launchBackground(deps.ctx, deps, svc); done != nil {
			handles = append(handles, backgroundServiceHandle{name: svc.name, done: done})
		}
	}
	return handles
}

// RunServicesWithShutdown starts all enabled services and manages their lifecycle.
// This function blocks until a shutdown signal is received or a service fails.
func RunServicesWithShutdown(cfg *ServiceOrchestrationConfig) error {
	if cfg == nil {
		return errors.New("service orchestration config is required")
	}
	if cfg.Config == nil {
		return errors.New("service orchestration config missing AppConfig")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	serviceCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	enabledServices, err := cfg.Config.GetEnabledServices()
	if err != nil {
		return fmt.Errorf("determine enabled services: %w", err)
	}
	errCh := make(chan error, errorChannelBufferSize(enabledServices))

	deps := &serviceStartupDeps{
		ctx:             serviceCtx,
		cfg:             cfg,
		logger:          logger,
		enabledServices: enabledServices,
		errCh:           errCh,
	}
	httpServer := startHTTPServerIfEnabled(deps)
	backgrounds := startBackgroundServices(deps)

	return waitForShutdown(shutdownConfig{
		cancel:      cancel,
		errCh:       errCh,
		httpServer:  httpServer,
		tasks:       cfg.Services.Tasks,
		timeout:     cfg.Config.HTTP.ShutdownTimeout,
		obs:         cfg.Services.Observability,
		logger:      logger,
		backgrounds: backgrounds,
	})
}

func errorChannelCapacity(enabled map[config.ServiceMode]bool) int {
	count := 0
	for _, mode := range config.ValidServiceModes() {
		if enabled[mode] {
			count++
		}
	}
	return count
}

func errorChannelBufferSize(enabled map[config.ServiceMode]bool) int {
	return errorChannelCapacity(enabled) + 1
}

// shutdownConfig contains dependencies for graceful shutdown.
type shutdownConfig struct {
	cancel      context.CancelFunc
	errCh       <-chan error
	httpServer  *http.Server
	tasks       *service.TaskGroup
	timeout     time.Duration
	obs         ObservabilityContainer
	logger      *slog.Logger
	backgrounds []backgroundServiceHandle
}

// waitForShutdown waits for shutdown signal or service error.
func waitForShutdown(cfg shutdownConfig) error {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case <-quit:
		cfg.logger.Info("shutting down services...")
		cfg.cancel()
		return gracefulStop(cfg)
	case err := <-cfg.errCh:
		cfg.logger.Error("service error", "error", err)
		cfg.cancel()
		if stopErr := gracefulStop(cfg); stopErr != nil {
			cfg.logger.Error("graceful stop failed", "error", stopErr)
		}
		return err
	}
}

// gracefulStop drains HTTP requests first so no new launches start, then gives
// in-flight launches and interpretation passes the remaining time.
func gracefulStop(cfg shutdownConfig) error {
	timeout := cfg.timeout
	if timeout <= 0 {
		timeout = shutdownWaitTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	var errs []error
	if err := ShutdownHTTPServer(ctx, cfg.httpServer, cfg.logger); err != nil {
		errs = append(errs, fmt.Errorf("shutdown http server: %w", err))
	}
	if cfg.tasks != nil {
		if err := cfg.tasks.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("drain background tasks: %w", err))
		}
	}
	for _, svc := range cfg.backgrounds {
		waitForService(svc.done, svc.name, cfg.logger)
	}
	if err := cfg.obs.Close(); err != nil {
		cfg.logger.Warn("close metrics client", "error", err)
	}
	return errors.Join(errs...)
}

// waitForService waits for a service to finish with timeout.
func waitForService(done <-chan struct{}, name string, logger *slog.Logger) {
	if done == nil {
		return
	}
	select {
	case <-done:
		logger.Info(name + " stopped")
	case <-time.After(shutdownWaitTimeout):
		logger.Warn("timeout waiting for " + name + " to stop")
	}
}
