package domain

import (
	"fmt"
	"time"
)

// Config holds the complete Sentinel configuration.
type Config struct {
	// Server settings
	Server ServerConfig `yaml:"server"`

	// Scoring pipeline
	Artifacts ArtifactsConfig `yaml:"artifacts"`
	Features  FeaturesConfig  `yaml:"features"`
	Decision  DecisionConfig  `yaml:"decision"`
	Reference ReferenceConfig `yaml:"reference"`
	History   HistoryConfig   `yaml:"history"`

	// Component configurations
	Repository RepositoryConfig `yaml:"repository"`
	Cache      CacheConfig      `yaml:"cache"`
	EventBus   EventBusConfig   `yaml:"eventbus"`
	Audit      AuditConfig      `yaml:"audit"`
	Worker     WorkerConfig     `yaml:"worker"`

	// Observability
	Logging LoggingConfig `yaml:"logging"`
	Tracing TracingConfig `yaml:"tracing"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string `yaml:"host"`
	Port         int    `yaml:"port"`
	ReadTimeout  int    `yaml:"read_timeout"`  // seconds
	WriteTimeout int    `yaml:"write_timeout"` // seconds
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// TracingConfig holds OpenTelemetry settings.
type TracingConfig struct {
	Enabled     bool   `yaml:"enabled"`
	ServiceName string `yaml:"service_name"`
	Endpoint    string `yaml:"endpoint"` // OTLP gRPC host:port
}

// ArtifactsConfig controls how the model bundle is loaded.
type ArtifactsConfig struct {
	BundlePath string `yaml:"bundle_path"`

	// LazyReload lets a request trigger a load while no bundle is serving.
	LazyReload    bool          `yaml:"lazy_reload"`
	ReloadBackoff time.Duration `yaml:"reload_backoff"`

	// RemoteTimeout bounds calls to remote model servers.
	RemoteTimeout time.Duration `yaml:"remote_timeout"`
}

// TenurePolicy decides the new-customer indicator when the signup date is unknown.
type TenurePolicy string

const (
	TenureNotNew TenurePolicy = "not_new"
	TenureNew    TenurePolicy = "new"
)

// FeatureErrorPolicy decides what happens when a vector cannot be engineered.
type FeatureErrorPolicy string

const (
	// FeatureErrorReject rejects the request as a client error.
	FeatureErrorReject FeatureErrorPolicy = "reject"

	// FeatureErrorFallback scores the safe-default vector and flags the assessment.
	FeatureErrorFallback FeatureErrorPolicy = "fallback"
)

// FeaturesConfig holds the feature engine policies.
type FeaturesConfig struct {
	UnknownTenure TenurePolicy       `yaml:"unknown_tenure"`
	OnError       FeatureErrorPolicy `yaml:"on_error"`
}

// ActionTier maps scores above a threshold to an action. The first tier is the
// base action and has no threshold.
type ActionTier struct {
	Action string   `yaml:"action" json:"action"`
	Above  *float64 `yaml:"above,omitempty" json:"above,omitempty"`
}

// OverrideRule is a CEL expression that forces an action when it evaluates to true.
type OverrideRule struct {
	Name       string `yaml:"name" json:"name"`
	Expression string `yaml:"expression" json:"expression"`
	Action     string `yaml:"action" json:"action"`
}

// DecisionConfig holds the action policy applied to the ensemble score.
type DecisionConfig struct {
	Tiers     []ActionTier   `yaml:"tiers"`
	Overrides []OverrideRule `yaml:"overrides"`
}

// ReferenceConfig selects where customer and device snapshots come from.
type ReferenceConfig struct {
	Source string `yaml:"source"` // bundle, database
}

// HistoryConfig selects the historical-transaction counter.
type HistoryConfig struct {
	Counter     string        `yaml:"counter"` // static, cache, repository
	StaticCount int64         `yaml:"static_count"`
	Window      time.Duration `yaml:"window"`
}

// AuditConfig controls the assessment audit log.
type AuditConfig struct {
	Enabled  bool          `yaml:"enabled"`
	CacheTTL time.Duration `yaml:"cache_ttl"`
}

// WorkerConfig controls the asynchronous scoring consumer.
type WorkerConfig struct {
	Enabled bool `yaml:"enabled"`
}

// Reference sources.
const (
	ReferenceFromBundle   = "bundle"
	ReferenceFromDatabase = "database"
)

// Historical counter kinds.
const (
	CounterStatic     = "static"
	CounterCache      = "cache"
	CounterRepository = "repository"
)

// PlaceholderHistoryCount stands in for the historical transaction count when no live counter exists.
const PlaceholderHistoryCount = 100

// DefaultTiers returns the ALLOW / REVIEW / BLOCK tiers.
func DefaultTiers() []ActionTier {
	review, block := 0.5, 0.8
	return []ActionTier{
		{Action: ActionAllow},
		{Action: ActionReview, Above: &review},
		{Action: ActionBlock, Above: &block},
	}
}

// DefaultConfig returns a single-node configuration: SQLite, in-memory cache, channel bus.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8000,
			ReadTimeout:  30,
			WriteTimeout: 30,
		},
		Artifacts: ArtifactsConfig{
			BundlePath:    "./models/bundle.json",
			LazyReload:    true,
			ReloadBackoff: 30 * time.Second,
			RemoteTimeout: 2 * time.Second,
		},
		Features: FeaturesConfig{
			UnknownTenure: TenureNotNew,
			OnError:       FeatureErrorReject,
		},
		Decision: DecisionConfig{
			Tiers: DefaultTiers(),
		},
		Reference: ReferenceConfig{
			Source: ReferenceFromBundle,
		},
		History: HistoryConfig{
			Counter:     CounterStatic,
			StaticCount: PlaceholderHistoryCount,
			Window:      30 * 24 * time.Hour,
		},
		Repository: RepositoryConfig{
			Driver:     "sqlite",
			SQLitePath: "./sentinel.db",
		},
		Cache: CacheConfig{
			Type:         "memory",
			LocalMaxSize: 10000,
			LocalTTL:     5 * time.Minute,
		},
		EventBus: EventBusConfig{
			Type:              "channel",
			ChannelBufferSize: 1000,
		},
		Audit: AuditConfig{
			Enabled:  true,
			CacheTTL: time.Hour,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			ServiceName: "sentinel",
		},
	}
}

// ProConfig returns a configuration backed by PostgreSQL, Redis and NATS.
func ProConfig() *Config {
	cfg := DefaultConfig()
	cfg.Repository = RepositoryConfig{
		Driver:       "postgres",
		PostgresHost: "localhost",
		PostgresPort: 5432,
		PostgresDB:   "sentinel",
	}
	cfg.Cache = CacheConfig{
		Type:           "redis",
		RedisAddr:      "localhost:6379",
		EnableTwoPhase: true,
		LocalMaxSize:   1000,
		LocalTTL:       time.Minute,
	}
	cfg.EventBus = EventBusConfig{
		Type:              "nats",
		NATSUrl:           "nats://localhost:4222",
		NATSMaxReconnects: 10,
		NATSReconnectWait: 5,
	}
	cfg.History.Counter = CounterCache
	cfg.Tracing.Enabled = true
	return cfg
}

// Validate checks the configuration for values the service cannot run with.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("%w: server.port %d", ErrInvalidInput, c.Server.Port)
	}
	switch c.Features.UnknownTenure {
	case TenureNotNew, TenureNew:
	default:
		return fmt.Errorf("%w: features.unknown_tenure %q", ErrInvalidInput, c.Features.UnknownTenure)
	}
	switch c.Features.OnError {
	case FeatureErrorReject, FeatureErrorFallback:
	default:
		return fmt.Errorf("%w: features.on_error %q", ErrInvalidInput, c.Features.OnError)
	}
	switch c.Reference.Source {
	case ReferenceFromBundle, ReferenceFromDatabase:
	default:
		return fmt.Errorf("%w: reference.source %q", ErrInvalidInput, c.Reference.Source)
	}
	switch c.History.Counter {
	case CounterStatic, CounterCache, CounterRepository:
	default:
		return fmt.Errorf("%w: history.counter %q", ErrInvalidInput, c.History.Counter)
	}
	if c.History.StaticCount < 0 {
		return fmt.Errorf("%w: history.static_count must not be negative", ErrInvalidInput)
	}
	return ValidateTiers(c.Decision.Tiers)
}

// ValidateTiers checks that tiers are non-empty, named, and have strictly increasing thresholds.
func ValidateTiers(tiers []ActionTier) error {
	if len(tiers) == 0 {
		return fmt.Errorf("%w: decision.tiers is empty", ErrInvalidInput)
	}
	prev := -1.0
	for i, t := range tiers {
		if t.Action == "" {
			return fmt.Errorf("%w: decision.tiers[%d] has no action", ErrInvalidInput, i)
		}
		if i == 0 {
			continue
		}
		if t.Above == nil {
			return fmt.Errorf("%w: decision.tiers[%d] (%s) needs a threshold", ErrInvalidInput, i, t.Action)
		}
		if *t.Above <= prev {
			return fmt.Errorf("%w: decision.tiers thresholds must increase", ErrInvalidInput)
		}
		prev = *t.Above
	}
	return nil
}
