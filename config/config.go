package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode"
)

// Storage mode constants
const (
	StorageModeMemory = "memory" // In-memory only (tests, single-node dev)
	StorageModeNATS   = "nats"   // NATS JetStream KV (recommended for production)
)

// Cache mode constants
const (
	CacheModeLocal    = "local"    // In-process cache only
	CacheModeRedis    = "redis"    // Redis only
	CacheModeFailover = "failover" // Redis primary with local fallback
)

// ExtensionConfigs holds extension bundle configurations.
// The map key is the extension name (e.g., "dashboard-defaults").
// Extensions are only loaded if both:
// 1. Their factory has been registered
// 2. They have an entry in this config map with enabled=true
type ExtensionConfigs map[string]ExtensionConfig

// ExtensionConfig describes a single extension bundle instance.
type ExtensionConfig struct {
	Name    string          `json:"name"`
	Enabled bool            `json:"enabled"`
	Config  json.RawMessage `json:"config,omitempty"`
}

// Validate checks an extension config entry.
func (e ExtensionConfig) Validate() error {
	if e.Name == "" {
		return errors.New("extension name is required")
	}
	return nil
}

// Config represents the complete application configuration
type Config struct {
	Version    string           `json:"version"` // Semantic version (e.g., "1.0.0")
	Service    ServiceConfig    `json:"service"`
	NATS       NATSConfig       `json:"nats"`
	Storage    StorageConfig    `json:"storage"`
	Cache      CacheConfig      `json:"cache"`
	Gateway    GatewayConfig    `json:"gateway"`
	Metrics    MetricsConfig    `json:"metrics"`
	Health     HealthConfig     `json:"health"`
	Logging    LoggingConfig    `json:"logging"`
	Extensions ExtensionConfigs `json:"extensions,omitempty"`
}

// SafeConfig provides thread-safe access to configuration
type SafeConfig struct {
	mu     sync.RWMutex
	config *Config
}

// NewSafeConfig creates a new thread-safe config wrapper
func NewSafeConfig(cfg *Config) *SafeConfig {
	if cfg == nil {
		cfg = &Config{}
	}
	return &SafeConfig{
		config: cfg,
	}
}

// Get returns a deep copy of the current configuration
func (sc *SafeConfig) Get() *Config {
	sc.mu.RLock()
	defer sc.mu.RUnlock()
	return sc.config.Clone()
}

// Update atomically updates the configuration after validation
func (sc *SafeConfig) Update(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config cannot be nil")
	}

	// Validate before updating
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}

	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.config = cfg
	return nil
}

// Clone creates a deep copy of the configuration
func (c *Config) Clone() *Config {
	if c == nil {
		return &Config{}
	}

	// Use JSON marshaling/unmarshaling for deep copy
	data, err := json.Marshal(c)
	if err != nil {
		// Fallback to shallow copy if marshaling fails
		copied := *c
		return &copied
	}

	var clone Config
	if err := json.Unmarshal(data, &clone); err != nil {
		// Fallback to shallow copy if unmarshaling fails
		copied := *c
		return &copied
	}

	return &clone
}

// ServiceConfig defines service identity
type ServiceConfig struct {
	Name        string `json:"name"`                  // Service identifier (e.g., "replicant1")
	InstanceID  string `json:"instance_id,omitempty"` // e.g., "west-1", "dev-local"
	Environment string `json:"environment,omitempty"` // "prod", "dev", "test"
}

// NATSConfig defines NATS connection settings
type NATSConfig struct {
	URLs          []string      `json:"urls,omitempty"`
	MaxReconnects int           `json:"max_reconnects,omitempty"`
	ReconnectWait time.Duration `json:"reconnect_wait,omitempty"`
	Username      string        `json:"username,omitempty"`
	Password      string        `json:"password,omitempty"`
	Token         string        `json:"token,omitempty"`
}

// StorageConfig defines where replicant records and history live
type StorageConfig struct {
	Mode           string `json:"mode"` // "memory" or "nats"
	RecordsBucket  string `json:"records_bucket,omitempty"`
	HistoryBucket  string `json:"history_bucket,omitempty"`
	HistoryLimit   int    `json:"history_limit,omitempty"` // Default page size for history queries
	BucketReplicas int    `json:"bucket_replicas,omitempty"`
}

// CacheConfig defines the read cache layer
type CacheConfig struct {
	Mode            string        `json:"mode"` // "local", "redis", or "failover"
	RedisAddr       string        `json:"redis_addr,omitempty"`
	RedisPassword   string        `json:"redis_password,omitempty"`
	RedisDB         int           `json:"redis_db,omitempty"`
	TTL             time.Duration `json:"ttl,omitempty"`
	CleanupInterval time.Duration `json:"cleanup_interval,omitempty"`
	ProbeInterval   time.Duration `json:"probe_interval,omitempty"`
}

// GatewayConfig defines the WebSocket gateway listener
type GatewayConfig struct {
	Port int    `json:"port"`
	Path string `json:"path,omitempty"`
}

// MetricsConfig defines the Prometheus metrics endpoint
type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Port    int    `json:"port,omitempty"`
	Path    string `json:"path,omitempty"`
}

// HealthConfig defines periodic health probing
type HealthConfig struct {
	CheckInterval time.Duration `json:"check_interval,omitempty"`
}

// LoggingConfig defines structured logging output
type LoggingConfig struct {
	Level  string `json:"level,omitempty"`  // "debug", "info", "warn", "error"
	Format string `json:"format,omitempty"` // "json" or "text"
}

// Validate checks if the config is valid
func (c *Config) Validate() error {
	if c.Service.Name == "" {
		return errors.New("service.name is required")
	}

	// Normalize service name to lowercase
	c.Service.Name = strings.ToLower(c.Service.Name)

	// Validate service name is NATS-subject compatible
	if !isValidNATSSubjectPart(c.Service.Name) {
		return fmt.Errorf(
			"service.name '%s' is not valid for NATS subjects (must be alphanumeric with dots, dashes, underscores)",
			c.Service.Name,
		)
	}

	switch c.Storage.Mode {
	case StorageModeMemory, StorageModeNATS:
	case "":
		return errors.New("storage.mode is required")
	default:
		return fmt.Errorf("storage.mode '%s' is not one of: memory, nats", c.Storage.Mode)
	}

	if c.Storage.Mode == StorageModeNATS && len(c.NATS.URLs) == 0 {
		return errors.New("nats.urls is required when storage.mode is nats")
	}

	switch c.Cache.Mode {
	case CacheModeLocal, "":
	case CacheModeRedis, CacheModeFailover:
		if c.Cache.RedisAddr == "" {
			return fmt.Errorf("cache.redis_addr is required when cache.mode is %s", c.Cache.Mode)
		}
	default:
		return fmt.Errorf("cache.mode '%s' is not one of: local, redis, failover", c.Cache.Mode)
	}

	if c.Gateway.Port < 0 || c.Gateway.Port > 65535 {
		return fmt.Errorf("gateway.port %d is out of range", c.Gateway.Port)
	}
	if c.Metrics.Enabled && (c.Metrics.Port <= 0 || c.Metrics.Port > 65535) {
		return fmt.Errorf("metrics.port %d is out of range", c.Metrics.Port)
	}

	switch c.Logging.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level '%s' is not one of: debug, info, warn, error", c.Logging.Level)
	}

	// Validate Extensions
	for name, ext := range c.Extensions {
		if name == "" {
			return errors.New("extension name cannot be empty")
		}
		if ext.Name == "" {
			ext.Name = name
		}
		if err := ext.Validate(); err != nil {
			return fmt.Errorf("extension %s: %w", name, err)
		}
	}

	return nil
}

// isValidNATSSubjectPart checks if a string is valid for use in NATS subjects.
// Valid characters are alphanumeric, dots, dashes, and underscores.
func isValidNATSSubjectPart(s string) bool {
	if len(s) == 0 {
		return false
	}

	for _, r := range s {
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) &&
			r != '-' && r != '_' && r != '.' {
			return false
		}
	}
	return true
}

// Loader handles configuration loading with layers and overrides
type Loader struct {
	layers     []string
	validation bool
	envPrefix  string
}

// NewLoader creates a new configuration loader
func NewLoader() *Loader {
	return &Loader{
		layers:     []string{},
		validation: false,
		envPrefix:  "REPLICANT",
	}
}

// AddLayer adds a configuration file layer
func (l *Loader) AddLayer(path string) {
	l.layers = append(l.layers, path)
}

// EnableValidation enables or disables configuration validation
func (l *Loader) EnableValidation(enable bool) {
	l.validation = enable
}

// LoadFile loads configuration from a single file
func (l *Loader) LoadFile(path string) (*Config, error) {
	l.layers = []string{path}
	return l.Load()
}

// Load loads and merges all configuration layers
func (l *Loader) Load() (*Config, error) {
	// Start with defaults
	cfg := l.getDefaults()

	// Load each layer and merge using map-based approach
	for _, path := range l.layers {
		rawConfig, err := l.loadRawJSON(path)
		if err != nil {
			return nil, fmt.Errorf("failed to load %s: %w", path, err)
		}
		cfg = l.mergeFromMap(cfg, rawConfig)
	}

	// Apply environment overrides
	l.applyEnvOverrides(cfg)

	// Validate if enabled
	if l.validation {
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}

	return cfg, nil
}

// getDefaults returns default configuration
func (l *Loader) getDefaults() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:        "replicant",
			Environment: "dev",
		},
		NATS: NATSConfig{
			URLs:          []string{"nats://localhost:4222"},
			MaxReconnects: -1,
			ReconnectWait: 2 * time.Second,
		},
		Storage: StorageConfig{
			Mode:         StorageModeMemory,
			HistoryLimit: 25,
		},
		Cache: CacheConfig{
			Mode:            CacheModeLocal,
			TTL:             5 * time.Minute,
			CleanupInterval: 30 * time.Second,
			ProbeInterval:   10 * time.Second,
		},
		Gateway: GatewayConfig{
			Port: 8081,
			Path: "/replicants",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Port:    9090,
			Path:    "/metrics",
		},
		Health: HealthConfig{
			CheckInterval: 15 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// loadRawJSON loads configuration from a JSON file as a map
func (l *Loader) loadRawJSON(path string) (map[string]any, error) {
	// Use secure file reading with validation
	data, err := safeReadFile(path)
	if err != nil {
		return nil, err
	}

	// Validate JSON depth to prevent DoS
	if err := validateJSONDepth(data); err != nil {
		return nil, fmt.Errorf("invalid JSON structure: %w", err)
	}

	// Unmarshal into map
	var rawConfig map[string]any
	if err := json.Unmarshal(data, &rawConfig); err != nil {
		return nil, err
	}

	// Convert duration strings
	l.parseDurations(rawConfig)

	return rawConfig, nil
}

// mergeFromMap merges configuration from a raw map, only overriding fields present in the map
func (l *Loader) mergeFromMap(base *Config, override map[string]any) *Config {
	if override == nil {
		return base
	}

	// Marshal the base config to JSON then to map
	baseJSON, err := json.Marshal(base)
	if err != nil {
		return base
	}

	var baseMap map[string]any
	if err := json.Unmarshal(baseJSON, &baseMap); err != nil {
		return base
	}

	// Deep merge the maps
	mergedMap := l.deepMergeMaps(baseMap, override)

	// Convert back to Config
	mergedJSON, err := json.Marshal(mergedMap)
	if err != nil {
		return base
	}

	var merged Config
	if err := json.Unmarshal(mergedJSON, &merged); err != nil {
		return base
	}

	return &merged
}

// deepMergeMaps recursively merges two maps, with override taking precedence
func (l *Loader) deepMergeMaps(base, override map[string]any) map[string]any {
	result := make(map[string]any)

	// Copy base values
	for k, v := range base {
		result[k] = v
	}

	// Override with values from override map
	for k, v := range override {
		if v == nil {
			continue
		}

		// If both base and override have maps at this key, merge them
		if baseMap, baseOk := base[k].(map[string]any); baseOk {
			if overrideMap, overrideOk := v.(map[string]any); overrideOk {
				result[k] = l.deepMergeMaps(baseMap, overrideMap)
				continue
			}
		}

		// Otherwise, override takes precedence
		result[k] = v
	}

	return result
}

// parseDurations converts duration strings to nanoseconds for json unmarshaling
func (l *Loader) parseDurations(data map[string]any) {
	parseField := func(section map[string]any, field string) {
		if raw, ok := section[field].(string); ok {
			if d, err := parseDurationWithDays(raw); err == nil {
				section[field] = d.Nanoseconds()
			}
		}
	}

	if nats, ok := data["nats"].(map[string]any); ok {
		parseField(nats, "reconnect_wait")
	}
	if cache, ok := data["cache"].(map[string]any); ok {
		parseField(cache, "ttl")
		parseField(cache, "cleanup_interval")
		parseField(cache, "probe_interval")
	}
	if hc, ok := data["health"].(map[string]any); ok {
		parseField(hc, "check_interval")
	}
}

// parseDurationWithDays parses durations that may include days (e.g., "14d")
func parseDurationWithDays(s string) (time.Duration, error) {
	if strings.HasSuffix(s, "d") {
		days := strings.TrimSuffix(s, "d")
		n, err := strconv.Atoi(days)
		if err != nil {
			return 0, err
		}
		return time.Duration(n) * 24 * time.Hour, nil
	}
	return time.ParseDuration(s)
}

// applyEnvOverrides applies environment variable overrides
func (l *Loader) applyEnvOverrides(cfg *Config) {
	getenv := func(suffix string) string {
		val := os.Getenv(l.envPrefix + suffix)
		if err := validateEnvVar(l.envPrefix+suffix, val); err != nil {
			return ""
		}
		return val
	}

	// Service overrides
	if val := getenv("_SERVICE_NAME"); val != "" {
		cfg.Service.Name = val
	}
	if val := getenv("_ENVIRONMENT"); val != "" {
		cfg.Service.Environment = val
	}

	// NATS overrides
	if val := getenv("_NATS_URLS"); val != "" {
		cfg.NATS.URLs = strings.Split(val, ",")
	}
	if val := getenv("_NATS_USERNAME"); val != "" {
		cfg.NATS.Username = val
	}
	if val := getenv("_NATS_PASSWORD"); val != "" {
		cfg.NATS.Password = val
	}
	if val := getenv("_NATS_TOKEN"); val != "" {
		cfg.NATS.Token = val
	}

	// Storage overrides
	if val := getenv("_STORAGE_MODE"); val != "" {
		cfg.Storage.Mode = val
	}

	// Cache overrides
	if val := getenv("_CACHE_MODE"); val != "" {
		cfg.Cache.Mode = val
	}
	if val := getenv("_REDIS_ADDR"); val != "" {
		cfg.Cache.RedisAddr = val
	}
	if val := getenv("_REDIS_PASSWORD"); val != "" {
		cfg.Cache.RedisPassword = val
	}

	// Gateway overrides
	if val := getenv("_GATEWAY_PORT"); val != "" {
		if port, err := strconv.Atoi(val); err == nil {
			cfg.Gateway.Port = port
		}
	}

	// Metrics overrides
	if val := getenv("_METRICS_PORT"); val != "" {
		if port, err := strconv.Atoi(val); err == nil {
			cfg.Metrics.Port = port
		}
	}

	// Logging overrides
	if val := getenv("_LOG_LEVEL"); val != "" {
		cfg.Logging.Level = val
	}
}
