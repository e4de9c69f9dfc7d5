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

// Config holds the application configuration. Values come from an optional
// YAML file named by CONFIG_FILE, overridden by environment variables.
type Config struct {
	Environment  string   `yaml:"environment"`
	HTTPAddr     string   `yaml:"http_addr"`
	GRPCAddr     string   `yaml:"grpc_addr"`
	StoreDriver  string   `yaml:"store_driver"`
	DatabaseURL  string   `yaml:"database_url"`
	SQLitePath   string   `yaml:"sqlite_path"`
	RedisAddr    string   `yaml:"redis_addr"`
	AuditLogPath string   `yaml:"audit_log_path"`
	MaxBodyBytes int64    `yaml:"max_body_bytes"`
	IPAllowlist  []string `yaml:"ip_allowlist"`

	Ledger    LedgerConfig    `yaml:"ledger"`
	Sweeper   SweeperConfig   `yaml:"sweeper"`
	Exemption ExemptionConfig `yaml:"exemption"`
	Auth      AuthConfig      `yaml:"auth"`
	TLS       TLSConfig       `yaml:"tls"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

type LedgerConfig struct {
	InitialGrant   int64 `yaml:"initial_grant"`
	DailyAllowance int64 `yaml:"daily_allowance"`
	MaxAttempts    int   `yaml:"max_attempts"`
}

type SweeperConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Interval      time.Duration `yaml:"interval"`
	Grace         time.Duration `yaml:"grace"`
	BatchSize     int           `yaml:"batch_size"`
	RatePerSecond float64       `yaml:"rate_per_second"`
}

type ExemptionConfig struct {
	Source       string        `yaml:"source"` // none, file or sql
	File         string        `yaml:"file"`
	DSN          string        `yaml:"dsn"`
	Query        string        `yaml:"query"`
	CacheTTL     time.Duration `yaml:"cache_ttl"`
	BypassMonths int           `yaml:"bypass_months"`
}

type AuthConfig struct {
	Issuer         string        `yaml:"issuer"`
	SigningKeyFile string        `yaml:"signing_key_file"`
	TokenTTL       time.Duration `yaml:"token_ttl"`
	// BootstrapClientID and BootstrapClientSecret register a client holding
	// every scope at startup.
	BootstrapClientID     string `yaml:"bootstrap_client_id"`
	BootstrapClientSecret string `yaml:"bootstrap_client_secret"`
}

type TLSConfig struct {
	CertFile     string `yaml:"cert_file"`
	KeyFile      string `yaml:"key_file"`
	ClientCAFile string `yaml:"client_ca_file"`
}

type RateLimitConfig struct {
	Capacity        int     `yaml:"capacity"`
	RefillPerSecond float64 `yaml:"refill_per_second"`
}

type TelemetryConfig struct {
	OTLPEndpoint string  `yaml:"otlp_endpoint"`
	Insecure     bool    `yaml:"insecure"`
	SampleRate   float64 `yaml:"sample_rate"`
}

// Default returns the settings used when nothing overrides them.
func Default() *Config {
	return &Config{
		HTTPAddr:     ":8080",
		GRPCAddr:     ":9090",
		StoreDriver:  "postgres",
		MaxBodyBytes: 1 << 20,
		Ledger: LedgerConfig{
			InitialGrant: 12,
			MaxAttempts:  5,
		},
		Sweeper: SweeperConfig{
			Enabled:   true,
			Interval:  time.Minute,
			Grace:     15 * time.Minute,
			BatchSize: 200,
		},
		Exemption: ExemptionConfig{
			Source:       "none",
			CacheTTL:     time.Minute,
			BypassMonths: 2,
		},
		Auth: AuthConfig{
			Issuer:   "credit-meter",
			TokenTTL: 15 * time.Minute,
		},
		RateLimit: RateLimitConfig{
			Capacity:        100,
			RefillPerSecond: 50,
		},
		Telemetry: TelemetryConfig{SampleRate: 1},
	}
}

// Load builds the configuration and validates it.
func Load() (*Config, error) {
	cfg := Default()

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := cfg.overlayFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.overlayEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) overlayFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(raw))), c); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) overlayEnv() error {
	var errs []error

	setString(&c.Environment, "APP_ENV")
	setString(&c.HTTPAddr, "HTTP_ADDR")
	setString(&c.GRPCAddr, "GRPC_ADDR")
	setString(&c.StoreDriver, "STORE_DRIVER")
	setString(&c.DatabaseURL, "DATABASE_URL")
	setString(&c.SQLitePath, "SQLITE_PATH")
	setString(&c.RedisAddr, "REDIS_ADDR")
	setString(&c.AuditLogPath, "AUDIT_LOG_PATH")
	if v := os.Getenv("IP_ALLOWLIST"); v != "" {
		c.IPAllowlist = splitList(v)
	}

	errs = append(errs,
		setInt64(&c.MaxBodyBytes, "MAX_BODY_BYTES"),
		setInt64(&c.Ledger.InitialGrant, "LEDGER_INITIAL_GRANT"),
		setInt64(&c.Ledger.DailyAllowance, "LEDGER_DAILY_ALLOWANCE"),
		setInt(&c.Ledger.MaxAttempts, "LEDGER_MAX_ATTEMPTS"),
		setBool(&c.Sweeper.Enabled, "SWEEPER_ENABLED"),
		setDuration(&c.Sweeper.Interval, "SWEEPER_INTERVAL"),
		setDuration(&c.Sweeper.Grace, "SWEEPER_GRACE"),
		setInt(&c.Sweeper.BatchSize, "SWEEPER_BATCH_SIZE"),
		setFloat(&c.Sweeper.RatePerSecond, "SWEEPER_RATE_PER_SECOND"),
		setDuration(&c.Exemption.CacheTTL, "EXEMPTION_CACHE_TTL"),
		setInt(&c.Exemption.BypassMonths, "EXEMPTION_BYPASS_MONTHS"),
		setDuration(&c.Auth.TokenTTL, "AUTH_TOKEN_TTL"),
		setInt(&c.RateLimit.Capacity, "RATE_LIMIT_CAPACITY"),
		setFloat(&c.RateLimit.RefillPerSecond, "RATE_LIMIT_REFILL_PER_SECOND"),
		setBool(&c.Telemetry.Insecure, "OTEL_EXPORTER_OTLP_INSECURE"),
		setFloat(&c.Telemetry.SampleRate, "OTEL_SAMPLE_RATE"),
	)

	setString(&c.Exemption.Source, "EXEMPTION_SOURCE")
	setString(&c.Exemption.File, "EXEMPTION_FILE")
	setString(&c.Exemption.DSN, "EXEMPTION_DSN")
	setString(&c.Exemption.Query, "EXEMPTION_QUERY")
	setString(&c.Auth.Issuer, "AUTH_ISSUER")
	setString(&c.Auth.SigningKeyFile, "AUTH_SIGNING_KEY_FILE")
	setString(&c.Auth.BootstrapClientID, "AUTH_BOOTSTRAP_CLIENT_ID")
	setString(&c.Auth.BootstrapClientSecret, "AUTH_BOOTSTRAP_CLIENT_SECRET")
	setString(&c.TLS.CertFile, "TLS_CERT_FILE")
	setString(&c.TLS.KeyFile, "TLS_KEY_FILE")
	setString(&c.TLS.ClientCAFile, "TLS_CLIENT_CA_FILE")
	setString(&c.Telemetry.OTLPEndpoint, "OTEL_EXPORTER_OTLP_ENDPOINT")

	return errors.Join(errs...)
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	var missing []string

	if c.Environment == "" {
		missing = append(missing, "APP_ENV")
	}
	switch c.StoreDriver {
	case "postgres":
		if c.DatabaseURL == "" {
			missing = append(missing, "DATABASE_URL")
		}
	case "sqlite":
		if c.SQLitePath == "" {
			missing = append(missing, "SQLITE_PATH")
		}
	default:
		return fmt.Errorf("STORE_DRIVER must be postgres or sqlite, got %q", c.StoreDriver)
	}
	switch c.Exemption.Source {
	case "", "none":
	case "file":
		if c.Exemption.File == "" {
			missing = append(missing, "EXEMPTION_FILE")
		}
	case "sql":
		if c.Exemption.DSN == "" {
			missing = append(missing, "EXEMPTION_DSN")
		}
	default:
		return fmt.Errorf("EXEMPTION_SOURCE must be none, file or sql, got %q", c.Exemption.Source)
	}

	if len(missing) > 0 {
		return errors.New("missing required environment variables: " + strings.Join(missing, ", "))
	}

	if c.Production() {
		if c.TLS.CertFile == "" {
			missing = append(missing, "TLS_CERT_FILE")
		}
		if c.TLS.KeyFile == "" {
			missing = append(missing, "TLS_KEY_FILE")
		}
		if c.AuditLogPath == "" {
			missing = append(missing, "AUDIT_LOG_PATH")
		}
		if c.Auth.SigningKeyFile == "" {
			missing = append(missing, "AUTH_SIGNING_KEY_FILE")
		}
		if len(missing) > 0 {
			return errors.New("missing required environment variables for " + c.Environment + ": " + strings.Join(missing, ", "))
		}
	}

	if (c.Auth.BootstrapClientID == "") != (c.Auth.BootstrapClientSecret == "") {
		return errors.New("AUTH_BOOTSTRAP_CLIENT_ID and AUTH_BOOTSTRAP_CLIENT_SECRET must be set together")
	}
	if c.Ledger.InitialGrant < 0 || c.Ledger.DailyAllowance < 0 {
		return errors.New("ledger grants must not be negative")
	}
	if c.Sweeper.Enabled && (c.Sweeper.Interval <= 0 || c.Sweeper.Grace <= 0) {
		return errors.New("SWEEPER_INTERVAL and SWEEPER_GRACE must be positive")
	}
	return nil
}

// Production reports whether the strict production checks apply.
func (c *Config) Production() bool {
	return c.Environment == "production" || c.Environment == "staging"
}

func setString(dst *string, key string) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = n
	return nil
}

func setInt64(dst *int64, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = n
	return nil
}

func setFloat(dst *float64, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = f
	return nil
}

func setBool(dst *bool, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = b
	return nil
}

func setDuration(dst *time.Duration, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = d
	return nil
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
