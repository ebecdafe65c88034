// Package config assembles the service configuration. Sources are applied in
// order, each overriding the last: built-in defaults, the YAML file, a .env
// file, then SENTINEL_* environment variables.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/opensource-finance/sentinel/internal/domain"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "SENTINEL_"

// Load builds the configuration. path may be empty; SENTINEL_CONFIG is then
// used when set. SENTINEL_TIER=pro starts from the PostgreSQL/Redis/NATS
// defaults instead of the single-node ones.
func Load(path string) (*domain.Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	cfg := domain.DefaultConfig()
	if os.Getenv(EnvPrefix+"TIER") == "pro" {
		cfg = domain.ProConfig()
	}

	if path == "" {
		path = os.Getenv(EnvPrefix + "CONFIG")
	}
	if path != "" {
		if err := loadFile(path, cfg); err != nil {
			return nil, err
		}
	}

	if err := applyEnv(cfg, os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

func loadFile(path string, cfg *domain.Config) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(b, cfg); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

type lookupFunc func(key string) (string, bool)

// applyEnv overlays SENTINEL_* variables onto cfg.
func applyEnv(cfg *domain.Config, lookup lookupFunc) error {
	e := envReader{lookup: lookup}

	e.setString("HOST", &cfg.Server.Host)
	e.setInt("PORT", &cfg.Server.Port)

	e.setString("LOG_LEVEL", &cfg.Logging.Level)
	e.setString("LOG_FORMAT", &cfg.Logging.Format)
	if debug, ok := lookup(EnvPrefix + "DEBUG"); ok && debug == "true" {
		cfg.Logging.Level = "debug"
	}

	e.setBool("TRACING_ENABLED", &cfg.Tracing.Enabled)
	e.setString("TRACING_ENDPOINT", &cfg.Tracing.Endpoint)
	if v, ok := lookup("OTEL_EXPORTER_OTLP_ENDPOINT"); ok && cfg.Tracing.Endpoint == "" {
		cfg.Tracing.Endpoint = v
	}

	e.setString("BUNDLE_PATH", &cfg.Artifacts.BundlePath)
	e.setBool("LAZY_RELOAD", &cfg.Artifacts.LazyReload)
	e.setDuration("RELOAD_BACKOFF", &cfg.Artifacts.ReloadBackoff)
	e.setDuration("REMOTE_TIMEOUT", &cfg.Artifacts.RemoteTimeout)

	var tenure, onError string
	if e.setString("UNKNOWN_TENURE", &tenure) {
		cfg.Features.UnknownTenure = domain.TenurePolicy(tenure)
	}
	if e.setString("FEATURE_ON_ERROR", &onError) {
		cfg.Features.OnError = domain.FeatureErrorPolicy(onError)
	}

	e.setString("REFERENCE_SOURCE", &cfg.Reference.Source)
	e.setString("HISTORY_COUNTER", &cfg.History.Counter)
	e.setInt64("HISTORY_STATIC_COUNT", &cfg.History.StaticCount)
	e.setDuration("HISTORY_WINDOW", &cfg.History.Window)

	e.setString("DB_DRIVER", &cfg.Repository.Driver)
	e.setString("SQLITE_PATH", &cfg.Repository.SQLitePath)
	e.setString("POSTGRES_HOST", &cfg.Repository.PostgresHost)
	e.setInt("POSTGRES_PORT", &cfg.Repository.PostgresPort)
	e.setString("POSTGRES_USER", &cfg.Repository.PostgresUser)
	e.setString("POSTGRES_PASSWORD", &cfg.Repository.PostgresPassword)
	e.setString("POSTGRES_DB", &cfg.Repository.PostgresDB)
	e.setString("POSTGRES_SSLMODE", &cfg.Repository.PostgresSSLMode)

	e.setString("CACHE_TYPE", &cfg.Cache.Type)
	e.setString("REDIS_ADDR", &cfg.Cache.RedisAddr)
	e.setString("REDIS_PASSWORD", &cfg.Cache.RedisPassword)
	e.setInt("REDIS_DB", &cfg.Cache.RedisDB)

	e.setString("EVENTBUS_TYPE", &cfg.EventBus.Type)
	e.setString("NATS_URL", &cfg.EventBus.NATSUrl)
	e.setString("NATS_TOKEN", &cfg.EventBus.NATSToken)

	e.setBool("AUDIT_ENABLED", &cfg.Audit.Enabled)
	e.setBool("WORKER_ENABLED", &cfg.Worker.Enabled)

	return errors.Join(e.errs...)
}

type envReader struct {
	lookup lookupFunc
	errs   []error
}

func (e *envReader) get(name string) (string, bool) {
	v, ok := e.lookup(EnvPrefix + name)
	if !ok {
		return "", false
	}
	return strings.TrimSpace(v), true
}

func (e *envReader) fail(name, value string, err error) {
	e.errs = append(e.errs, fmt.Errorf("%w: %s%s=%q: %v", domain.ErrInvalidInput, EnvPrefix, name, value, err))
}

func (e *envReader) setString(name string, dst *string) bool {
	v, ok := e.get(name)
	if ok {
		*dst = v
	}
	return ok
}

func (e *envReader) setInt(name string, dst *int) {
	v, ok := e.get(name)
	if !ok {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		e.fail(name, v, err)
		return
	}
	*dst = n
}

func (e *envReader) setInt64(name string, dst *int64) {
	v, ok := e.get(name)
	if !ok {
		return
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		e.fail(name, v, err)
		return
	}
	*dst = n
}

func (e *envReader) setBool(name string, dst *bool) {
	v, ok := e.get(name)
	if !ok {
		return
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		e.fail(name, v, err)
		return
	}
	*dst = b
}

func (e *envReader) setDuration(name string, dst *time.Duration) {
	v, ok := e.get(name)
	if !ok {
		return
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		e.fail(name, v, err)
		return
	}
	*dst = d
}
