// Package service assembles the replicant server from its parts: storage,
// cache, schema registry, store, broadcaster, WebSocket gateway, metrics,
// and health monitoring. It owns component lifecycle and extension loading.
package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/c360/replicant/broadcast"
	"github.com/c360/replicant/cache"
	"github.com/c360/replicant/config"
	"github.com/c360/replicant/errors"
	"github.com/c360/replicant/gateway/ws"
	"github.com/c360/replicant/health"
	"github.com/c360/replicant/metric"
	"github.com/c360/replicant/natsclient"
	"github.com/c360/replicant/replicant"
	"github.com/c360/replicant/schema"
	"github.com/c360/replicant/storage"
	"github.com/c360/replicant/storage/memstore"
	"github.com/c360/replicant/storage/natskv"
)

// Status represents the current status of the service
type Status int

// Possible service statuses
const (
	StatusStopped Status = iota
	StatusStarting
	StatusRunning
	StatusStopping
)

// String returns the string representation of Status
func (s Status) String() string {
	switch s {
	case StatusStopped:
		return "stopped"
	case StatusStarting:
		return "starting"
	case StatusRunning:
		return "running"
	case StatusStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// Info holds runtime information for the service
type Info struct {
	Name       string        `json:"name"`
	Status     Status        `json:"status"`
	Uptime     time.Duration `json:"uptime"`
	StartTime  time.Time     `json:"start_time"`
	Extensions []string      `json:"extensions,omitempty"`
}

// Option is a functional option for configuring the Service
type Option func(*Service)

// WithLogger sets a custom logger for the service
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithExtensionRegistry sets the registry consulted when loading the
// extensions named in the configuration.
func WithExtensionRegistry(registry *ExtensionRegistry) Option {
	return func(s *Service) {
		s.extensions = registry
	}
}

// Service is the assembled replicant server.
type Service struct {
	cfg        *config.Config
	logger     *slog.Logger
	extensions *ExtensionRegistry

	nats          *natsclient.Client
	gateway       storage.Gateway
	cacheBackend  cache.Backend
	schemas       *schema.Registry
	store         *replicant.Store
	broadcaster   *broadcast.Broadcaster
	wsServer      *ws.Server
	metricsReg    *metric.MetricsRegistry
	metricsServer *metric.Server
	monitor       *health.Monitor

	loaded []Extension

	status     atomic.Value // Status
	startTime  atomic.Value // time.Time
	healthStop context.CancelFunc
	eventStop  func()
	wg         sync.WaitGroup
	mu         sync.Mutex // serializes Start/Stop
}

// New validates the configuration and creates an unstarted service.
func New(cfg *config.Config, opts ...Option) (*Service, error) {
	if cfg == nil {
		return nil, errors.WrapInvalid(
			errors.ErrInvalidConfig, "Service", "New", "config is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.WrapInvalid(err, "Service", "New", "invalid configuration")
	}

	svc := &Service{
		cfg:        cfg,
		logger:     slog.Default().With("service", cfg.Service.Name),
		extensions: NewExtensionRegistry(),
		monitor:    health.NewMonitor(),
	}
	for _, opt := range opts {
		opt(svc)
	}

	svc.status.Store(StatusStopped)
	svc.startTime.Store(time.Time{})
	return svc, nil
}

// Store exposes the replicant store for extensions and embedding callers.
// Returns nil before Start.
func (s *Service) Store() *replicant.Store {
	return s.store
}

// Broadcaster exposes the broadcast fan-out. Returns nil before Start.
func (s *Service) Broadcaster() *broadcast.Broadcaster {
	return s.broadcaster
}

// Status returns the current service status
func (s *Service) Status() Status {
	return s.status.Load().(Status)
}

// GetStatus returns the current service information
func (s *Service) GetStatus() Info {
	startTime := s.startTime.Load().(time.Time)

	uptime := time.Duration(0)
	if !startTime.IsZero() && s.Status() == StatusRunning {
		uptime = time.Since(startTime)
	}

	names := make([]string, 0, len(s.loaded))
	for _, ext := range s.loaded {
		names = append(names, ext.Name())
	}

	return Info{
		Name:       s.cfg.Service.Name,
		Status:     s.Status(),
		Uptime:     uptime,
		StartTime:  startTime,
		Extensions: names,
	}
}

// Health returns the aggregated health of all service components.
func (s *Service) Health() health.Status {
	switch s.Status() {
	case StatusRunning:
		return s.monitor.AggregateHealth(s.cfg.Service.Name)
	case StatusStarting:
		return health.NewDegraded(s.cfg.Service.Name, "Service is starting")
	case StatusStopping:
		return health.NewDegraded(s.cfg.Service.Name, "Service is stopping")
	default:
		return health.NewUnhealthy(s.cfg.Service.Name, "Service is stopped")
	}
}

// Start brings up storage, cache, the store, the gateway, metrics, and
// health probing, then loads configured extensions. Start is idempotent:
// calling it on a running service is a no-op.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current := s.Status()
	if current == StatusRunning || current == StatusStarting {
		return nil
	}
	s.status.Store(StatusStarting)

	if err := s.startLocked(ctx); err != nil {
		s.teardownLocked(5 * time.Second)
		s.status.Store(StatusStopped)
		return err
	}

	s.startTime.Store(time.Now())
	s.status.Store(StatusRunning)
	s.metricsReg.CoreMetrics().RecordServiceStatus(s.cfg.Service.Name, int(StatusRunning))
	s.logger.Info("service started",
		"storage_mode", s.cfg.Storage.Mode,
		"cache_mode", s.cfg.Cache.Mode,
		"gateway_port", s.cfg.Gateway.Port,
		"extensions", len(s.loaded))
	return nil
}

func (s *Service) startLocked(ctx context.Context) error {
	s.metricsReg = metric.NewMetricsRegistry()
	s.metricsReg.CoreMetrics().RecordServiceStatus(s.cfg.Service.Name, int(StatusStarting))

	if s.cfg.Metrics.Enabled {
		s.metricsServer = metric.NewServer(s.cfg.Metrics.Port, s.cfg.Metrics.Path, s.metricsReg)
		s.metricsServer.SetHealthSource(func() (bool, []byte) {
			status := s.Health()
			body, err := json.Marshal(status)
			if err != nil {
				return false, []byte(`{"error":"health marshal failed"}`)
			}
			return status.IsHealthy(), body
		})
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := s.metricsServer.Start(); err != nil {
				s.logger.Error("metrics server failed", "error", err)
			}
		}()
	}

	gw, err := s.buildStorage(ctx)
	if err != nil {
		return err
	}
	s.gateway = gw

	backend, err := s.buildCache()
	if err != nil {
		return err
	}
	s.cacheBackend = backend

	s.schemas = schema.NewRegistry()
	s.store = replicant.New(s.gateway, s.cacheBackend, s.schemas,
		replicant.WithLogger(s.logger),
		replicant.WithMetrics(s.metricsReg.CoreMetrics()),
		replicant.WithCacheTTL(s.cfg.Cache.TTL),
		replicant.WithHistoryLimit(s.cfg.Storage.HistoryLimit),
	)
	if err := s.store.Start(ctx); err != nil {
		return err
	}

	s.broadcaster = broadcast.NewBroadcaster(s.store,
		broadcast.WithLogger(s.logger),
		broadcast.WithMetrics(s.metricsReg.CoreMetrics()),
	)

	gwServer, err := ws.NewServer(ws.Config{
		Port:            s.cfg.Gateway.Port,
		Path:            s.cfg.Gateway.Path,
		Store:           s.store,
		Broadcaster:     s.broadcaster,
		MetricsRegistry: s.metricsReg,
		Logger:          s.logger,
	})
	if err != nil {
		return err
	}
	s.wsServer = gwServer
	if err := s.wsServer.Start(ctx); err != nil {
		return err
	}

	if s.nats != nil {
		s.eventStop = s.startEventPublisher(s.nats)
	}

	s.registerHealthChecks()
	healthCtx, cancel := context.WithCancel(context.Background())
	s.healthStop = cancel
	interval := s.cfg.Health.CheckInterval
	if interval <= 0 {
		interval = 15 * time.Second
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.monitor.Run(healthCtx, interval)
	}()

	return s.loadExtensions(ctx)
}

func (s *Service) buildStorage(ctx context.Context) (storage.Gateway, error) {
	switch s.cfg.Storage.Mode {
	case config.StorageModeMemory:
		return memstore.New(), nil

	case config.StorageModeNATS:
		client, err := natsclient.NewClient(strings.Join(s.cfg.NATS.URLs, ","),
			natsclient.WithClientName(s.cfg.Service.Name),
			natsclient.WithMaxReconnects(s.cfg.NATS.MaxReconnects),
			natsclient.WithReconnectWait(s.cfg.NATS.ReconnectWait),
			natsclient.WithCredentials(s.cfg.NATS.Username, s.cfg.NATS.Password),
			natsclient.WithToken(s.cfg.NATS.Token),
			natsclient.WithLogger(natsLogAdapter{logger: s.logger}),
		)
		if err != nil {
			return nil, err
		}
		if err := client.Connect(ctx); err != nil {
			return nil, err
		}
		s.nats = client

		kvCfg := natskv.DefaultConfig()
		if s.cfg.Storage.RecordsBucket != "" {
			kvCfg.RecordsBucket = s.cfg.Storage.RecordsBucket
		}
		if s.cfg.Storage.HistoryBucket != "" {
			kvCfg.HistoryBucket = s.cfg.Storage.HistoryBucket
		}
		if s.cfg.Storage.BucketReplicas > 0 {
			kvCfg.Replicas = s.cfg.Storage.BucketReplicas
		}
		return natskv.New(ctx, client, kvCfg)

	default:
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "Service", "buildStorage",
			fmt.Sprintf("unknown storage mode %q", s.cfg.Storage.Mode))
	}
}

func (s *Service) buildCache() (cache.Backend, error) {
	local := func() (cache.Backend, error) {
		return cache.NewLocal(
			cache.WithCleanupInterval(s.cfg.Cache.CleanupInterval),
			cache.WithMetrics(s.metricsReg, "cache_local"),
			cache.WithLogger(s.logger),
		)
	}
	remote := func() (cache.Backend, error) {
		return cache.NewRedis(&redis.Options{
			Addr:     s.cfg.Cache.RedisAddr,
			Password: s.cfg.Cache.RedisPassword,
			DB:       s.cfg.Cache.RedisDB,
		},
			cache.WithMetrics(s.metricsReg, "cache_redis"),
			cache.WithLogger(s.logger),
		)
	}

	switch s.cfg.Cache.Mode {
	case config.CacheModeLocal, "":
		return local()

	case config.CacheModeRedis:
		return remote()

	case config.CacheModeFailover:
		primary, err := remote()
		if err != nil {
			return nil, err
		}
		fallback, err := local()
		if err != nil {
			return nil, err
		}
		return cache.NewFailover(primary, fallback,
			cache.WithProbeInterval(s.cfg.Cache.ProbeInterval),
			cache.WithMetrics(s.metricsReg, "cache_failover"),
			cache.WithLogger(s.logger),
		)

	default:
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "Service", "buildCache",
			fmt.Sprintf("unknown cache mode %q", s.cfg.Cache.Mode))
	}
}

func (s *Service) registerHealthChecks() {
	name := s.cfg.Service.Name
	core := s.metricsReg.CoreMetrics()

	record := func(component string, err error) error {
		core.RecordHealthCheck(component, err == nil)
		return err
	}

	s.monitor.RegisterCheck("storage", func(ctx context.Context) error {
		return record("storage", s.gateway.Ping(ctx))
	})
	s.monitor.RegisterCheck("cache", func(ctx context.Context) error {
		return record("cache", s.cacheBackend.Ping(ctx))
	})
	if s.nats != nil {
		s.monitor.RegisterCheck("nats", func(ctx context.Context) error {
			if !s.nats.IsHealthy() {
				return record("nats", natsclient.ErrNotConnected)
			}
			return record("nats", nil)
		})
	}
	s.monitor.UpdateHealthy(name, "Service starting")
}

// loadExtensions instantiates and loads every enabled extension from the
// configuration. A failing extension aborts startup.
func (s *Service) loadExtensions(ctx context.Context) error {
	for key, extCfg := range s.cfg.Extensions {
		if !extCfg.Enabled {
			continue
		}
		name := extCfg.Name
		if name == "" {
			name = key
		}

		constructor, ok := s.extensions.Constructor(name)
		if !ok {
			return errors.WrapInvalid(errors.ErrInvalidConfig, "Service", "loadExtensions",
				fmt.Sprintf("extension %q enabled but not registered", name))
		}

		ext, err := constructor(name, extCfg.Config)
		if err != nil {
			return errors.Wrap(err, "Service", "loadExtensions",
				fmt.Sprintf("constructing extension %q", name))
		}
		if err := ext.OnLoad(ctx, s.store); err != nil {
			return errors.Wrap(err, "Service", "loadExtensions",
				fmt.Sprintf("loading extension %q", name))
		}

		s.loaded = append(s.loaded, ext)
		s.logger.Info("extension loaded", "extension", name)
	}
	return nil
}

// Stop shuts the service down gracefully. Extensions unload first (reverse
// load order), then the gateway stops accepting connections, then the
// store, cache, and storage close.
func (s *Service) Stop(timeout time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current := s.Status()
	if current == StatusStopped || current == StatusStopping {
		return nil
	}
	s.status.Store(StatusStopping)
	if s.metricsReg != nil {
		s.metricsReg.CoreMetrics().RecordServiceStatus(s.cfg.Service.Name, int(StatusStopping))
	}

	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	s.teardownLocked(timeout)

	s.status.Store(StatusStopped)
	if s.metricsReg != nil {
		s.metricsReg.CoreMetrics().RecordServiceStatus(s.cfg.Service.Name, int(StatusStopped))
	}
	s.logger.Info("service stopped")
	return nil
}

func (s *Service) teardownLocked(timeout time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	for i := len(s.loaded) - 1; i >= 0; i-- {
		ext := s.loaded[i]
		if err := ext.OnUnload(ctx); err != nil {
			s.logger.Error("extension unload failed", "extension", ext.Name(), "error", err)
		}
	}
	s.loaded = nil

	if s.eventStop != nil {
		s.eventStop()
		s.eventStop = nil
	}

	if s.healthStop != nil {
		s.healthStop()
		s.healthStop = nil
	}

	if s.wsServer != nil {
		if err := s.wsServer.Stop(timeout); err != nil {
			s.logger.Error("gateway stop failed", "error", err)
		}
		s.wsServer = nil
	}

	if s.store != nil {
		if err := s.store.Stop(ctx); err != nil {
			s.logger.Error("store stop failed", "error", err)
		}
	}

	if s.cacheBackend != nil {
		if err := s.cacheBackend.Close(); err != nil {
			s.logger.Error("cache close failed", "error", err)
		}
		s.cacheBackend = nil
	}

	if s.gateway != nil {
		if err := s.gateway.Close(); err != nil {
			s.logger.Error("storage close failed", "error", err)
		}
		s.gateway = nil
	}

	if s.nats != nil {
		if err := s.nats.Close(ctx); err != nil {
			s.logger.Error("nats close failed", "error", err)
		}
		s.nats = nil
	}

	if s.metricsServer != nil {
		if err := s.metricsServer.Stop(); err != nil {
			s.logger.Error("metrics server stop failed", "error", err)
		}
		s.metricsServer = nil
	}

	s.wg.Wait()
}

// natsLogAdapter bridges the natsclient printf-style logger onto slog.
type natsLogAdapter struct {
	logger *slog.Logger
}

func (a natsLogAdapter) Printf(format string, v ...any) {
	a.logger.Info(fmt.Sprintf(format, v...))
}

func (a natsLogAdapter) Errorf(format string, v ...any) {
	a.logger.Error(fmt.Sprintf(format, v...))
}

func (a natsLogAdapter) Debugf(format string, v ...any) {
	a.logger.Debug(fmt.Sprintf(format, v...))
}

// NewLogger builds a slog logger from the logging configuration.
func NewLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Format == "text" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}
