package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultConfigFile is the path checked for YAML configuration.
const DefaultConfigFile = "sentry-webhooks.yaml"

// Load returns a Config using the hierarchy: defaults < YAML < ENV.
// The YAML path can be overridden with SENTRY_WEBHOOKS_CONFIG.
func Load() (*Config, error) {
	path := DefaultConfigFile
	if p := os.Getenv("SENTRY_WEBHOOKS_CONFIG"); p != "" {
		path = p
	}
	return LoadFrom(path)
}

// LoadFrom returns a Config loaded from the given YAML path using the
// hierarchy: defaults < YAML < ENV. The YAML file is optional.
func LoadFrom(yamlPath string) (*Config, error) {
	cfg := Defaults()

	if err := loadYAML(&cfg, yamlPath); err != nil {
		return nil, fmt.Errorf("config yaml: %w", err)
	}

	loadEnv(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validate: %w", err)
	}

	return &cfg, nil
}

// loadYAML reads the YAML file and unmarshals it over cfg.
// Returns nil if the file does not exist.
func loadYAML(cfg *Config, path string) error {
	data, err := os.ReadFile(path) //nolint:gosec // G304: operator-supplied config path
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}

	return nil
}

// loadEnv overlays environment variables onto cfg.
// Only non-empty env values override the current config.
func loadEnv(cfg *Config) {
	setString(&cfg.Server.Port, "SENTRY_WEBHOOKS_PORT")
	setString(&cfg.Server.IngestSecret, "SENTRY_WEBHOOKS_INGEST_SECRET")
	setString(&cfg.Server.APIToken, "SENTRY_WEBHOOKS_API_TOKEN")
	setFloat(&cfg.Server.IngestRate, "SENTRY_WEBHOOKS_INGEST_RATE")
	setInt(&cfg.Server.IngestBurst, "SENTRY_WEBHOOKS_INGEST_BURST")
	setString(&cfg.Server.SecretsDir, "SENTRY_WEBHOOKS_SECRETS_DIR")
	setDuration(&cfg.Server.ReplayTTL, "SENTRY_WEBHOOKS_REPLAY_TTL")
	setString(&cfg.Postgres.DSN, "DATABASE_URL")
	setInt32(&cfg.Postgres.MaxConns, "SENTRY_WEBHOOKS_PG_MAX_CONNS")
	setInt32(&cfg.Postgres.MinConns, "SENTRY_WEBHOOKS_PG_MIN_CONNS")
	setDuration(&cfg.Postgres.MaxConnLifetime, "SENTRY_WEBHOOKS_PG_MAX_CONN_LIFETIME")
	setDuration(&cfg.Postgres.MaxConnIdleTime, "SENTRY_WEBHOOKS_PG_MAX_CONN_IDLE_TIME")
	setDuration(&cfg.Postgres.HealthCheck, "SENTRY_WEBHOOKS_PG_HEALTH_CHECK")
	setString(&cfg.NATS.URL, "NATS_URL")
	setString(&cfg.NATS.Stream, "SENTRY_WEBHOOKS_NATS_STREAM")
	setString(&cfg.NATS.Consumer, "SENTRY_WEBHOOKS_NATS_CONSUMER")
	setDuration(&cfg.NATS.AckWait, "SENTRY_WEBHOOKS_NATS_ACK_WAIT")
	setString(&cfg.Logging.Level, "SENTRY_WEBHOOKS_LOG_LEVEL")
	setString(&cfg.Logging.Service, "SENTRY_WEBHOOKS_LOG_SERVICE")
	setBool(&cfg.Logging.Async, "SENTRY_WEBHOOKS_LOG_ASYNC")
	setInt(&cfg.Breaker.MaxFailures, "SENTRY_WEBHOOKS_BREAKER_MAX_FAILURES")
	setDuration(&cfg.Breaker.Timeout, "SENTRY_WEBHOOKS_BREAKER_TIMEOUT")

	// Cache
	setInt64(&cfg.Cache.L1MaxSizeMB, "SENTRY_WEBHOOKS_CACHE_L1_SIZE_MB")
	setDuration(&cfg.Cache.TTL, "SENTRY_WEBHOOKS_CACHE_TTL")
	setDuration(&cfg.Cache.L1TTL, "SENTRY_WEBHOOKS_CACHE_L1_TTL")
	setString(&cfg.Cache.L2Bucket, "SENTRY_WEBHOOKS_CACHE_L2_BUCKET")

	// OpenTelemetry
	setString(&cfg.OTel.Endpoint, "OTEL_EXPORTER_OTLP_ENDPOINT")
	setBool(&cfg.OTel.Insecure, "OTEL_EXPORTER_OTLP_INSECURE")

	// Webhook dispatch
	setDuration(&cfg.Webhook.Timeout, "SENTRY_WEBHOOK_TIMEOUT")
	setList(&cfg.Webhook.DisallowedNetworks, "SENTRY_WEBHOOK_DISALLOWED_IPS")
	setString(&cfg.Webhook.DispatchPolicy, "SENTRY_WEBHOOK_DISPATCH_POLICY")
	setString(&cfg.Webhook.PayloadFormat, "SENTRY_WEBHOOK_PAYLOAD_FORMAT")
	setInt(&cfg.Webhook.MaxParallel, "SENTRY_WEBHOOK_MAX_PARALLEL")
	setString(&cfg.Webhook.UserAgent, "SENTRY_WEBHOOK_USER_AGENT")
}

// validate checks that required fields are set.
func validate(cfg *Config) error {
	if cfg.Server.Port == "" {
		return errors.New("server.port is required")
	}
	if cfg.Server.IngestRate <= 0 || cfg.Server.IngestBurst < 1 {
		return errors.New("server.ingest_rate must be > 0 and server.ingest_burst >= 1")
	}
	if cfg.Postgres.DSN == "" {
		return errors.New("postgres.dsn is required")
	}
	if cfg.Postgres.MaxConns < 1 {
		return errors.New("postgres.max_conns must be >= 1")
	}
	if cfg.NATS.URL != "" && (cfg.NATS.Stream == "" || cfg.NATS.Consumer == "") {
		return errors.New("nats.stream and nats.consumer are required when nats.url is set")
	}
	if cfg.NATS.URL != "" && cfg.NATS.AckWait < time.Second {
		return errors.New("nats.ack_wait must be >= 1s")
	}
	if cfg.Cache.L1TTL <= 0 || cfg.Cache.L1TTL > cfg.Cache.TTL {
		return errors.New("cache.l1_ttl must be > 0 and <= cache.ttl")
	}
	if cfg.Breaker.MaxFailures < 0 {
		return errors.New("breaker.max_failures must be >= 0")
	}
	if cfg.Webhook.Timeout <= 0 {
		return errors.New("webhook.timeout must be > 0")
	}
	if cfg.Webhook.MaxParallel < 1 {
		return errors.New("webhook.max_parallel must be >= 1")
	}
	switch cfg.Webhook.DispatchPolicy {
	case PolicyNewOnly, PolicyAlways:
	default:
		return fmt.Errorf("webhook.dispatch_policy must be %q or %q", PolicyNewOnly, PolicyAlways)
	}
	switch cfg.Webhook.PayloadFormat {
	case "slack", "group":
	default:
		return errors.New(`webhook.payload_format must be "slack" or "group"`)
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

// setList splits a comma-separated env value, dropping empty items.
func setList(dst *[]string, key string) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	var items []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			items = append(items, item)
		}
	}
	if len(items) > 0 {
		*dst = items
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt32(dst *int32, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 32); err == nil {
			*dst = int32(n)
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setFloat(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

// setDuration accepts Go durations ("3s") or bare integers as seconds, the
// form SENTRY_WEBHOOK_TIMEOUT historically used.
func setDuration(dst *time.Duration, key string) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	if d, err := time.ParseDuration(v); err == nil {
		*dst = d
		return
	}
	if n, err := strconv.Atoi(v); err == nil {
		*dst = time.Duration(n) * time.Second
	}
}
