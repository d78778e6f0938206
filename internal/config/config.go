package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v2"
)

// Config represents the complete application configuration
type Config struct {
	Server     ServerConfig     `yaml:"server" envconfig:"SERVER"`
	Security   SecurityConfig   `yaml:"security" envconfig:"SECURITY"`
	Logging    LoggingConfig    `yaml:"logging" envconfig:"LOGGING"`
	Telemetry  TelemetryConfig  `yaml:"telemetry" envconfig:"TELEMETRY"`
	License    LicenseConfig    `yaml:"license" envconfig:"LICENSE"`
	Store      StoreConfig      `yaml:"store" envconfig:"STORE"`
	Registry   RegistryConfig   `yaml:"registry" envconfig:"REGISTRY"`
	Notify     NotifyConfig     `yaml:"notify" envconfig:"NOTIFY"`
	Classifier ClassifierConfig `yaml:"classifier" envconfig:"CLASSIFIER"`
}

// ServerConfig contains HTTP server configuration.
// Port falls back to the bare PORT variable used by older deployments.
type ServerConfig struct {
	Port            int           `yaml:"port" envconfig:"PORT"`
	ReadTimeout     time.Duration `yaml:"read_timeout" envconfig:"READ_TIMEOUT"`
	WriteTimeout    time.Duration `yaml:"write_timeout" envconfig:"WRITE_TIMEOUT"`
	IdleTimeout     time.Duration `yaml:"idle_timeout" envconfig:"IDLE_TIMEOUT"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" envconfig:"SHUTDOWN_TIMEOUT"`
	RequestTimeout  time.Duration `yaml:"request_timeout" envconfig:"REQUEST_TIMEOUT"`
	MaxBodyBytes    int64         `yaml:"max_body_bytes" envconfig:"MAX_BODY_BYTES"`
}

// SecurityConfig contains security-related configuration
type SecurityConfig struct {
	AllowedOrigins []string        `yaml:"allowed_origins" envconfig:"ALLOWED_ORIGINS"`
	EnableCORS     bool            `yaml:"enable_cors" envconfig:"ENABLE_CORS"`
	RateLimit      RateLimitConfig `yaml:"rate_limit" envconfig:"RATE_LIMIT"`
}

// RateLimitConfig limits requests per client address on the issuance routes.
type RateLimitConfig struct {
	Enabled bool    `yaml:"enabled" envconfig:"ENABLED"`
	RPS     float64 `yaml:"rps" envconfig:"RPS"`
	Burst   int     `yaml:"burst" envconfig:"BURST"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level    string `yaml:"level" envconfig:"LEVEL"`
	Format   string `yaml:"format" envconfig:"FORMAT"`
	Output   string `yaml:"output" envconfig:"OUTPUT"`
	FilePath string `yaml:"file_path" envconfig:"FILE_PATH"`
}

// TelemetryConfig controls OpenTelemetry tracing and metrics export.
type TelemetryConfig struct {
	ServiceName    string  `yaml:"service_name" envconfig:"SERVICE_NAME"`
	Environment    string  `yaml:"environment" envconfig:"ENVIRONMENT"`
	TraceExporter  string  `yaml:"trace_exporter" envconfig:"TRACE_EXPORTER"`
	MetricExporter string  `yaml:"metric_exporter" envconfig:"METRIC_EXPORTER"`
	SampleRatio    float64 `yaml:"sample_ratio" envconfig:"SAMPLE_RATIO"`
}

// LicenseConfig tunes the issuance and activation core.
type LicenseConfig struct {
	ProductName      string        `yaml:"product_name" envconfig:"PRODUCT_NAME"`
	KeyAttempts      int           `yaml:"key_attempts" envconfig:"KEY_ATTEMPTS"`
	OperationTimeout time.Duration `yaml:"operation_timeout" envconfig:"OPERATION_TIMEOUT"`
	CacheTTL         time.Duration `yaml:"cache_ttl" envconfig:"CACHE_TTL"`
	CacheSize        int           `yaml:"cache_size" envconfig:"CACHE_SIZE"`
	FoldEmailCase    bool          `yaml:"fold_email_case" envconfig:"FOLD_EMAIL_CASE"`
}

// StoreConfig selects the License Store backend.
type StoreConfig struct {
	Driver          string        `yaml:"driver" envconfig:"DRIVER"`
	PostgresDSN     string        `yaml:"postgres_dsn" envconfig:"DATABASE_URL"`
	MongoURI        string        `yaml:"mongo_uri" envconfig:"MONGO_URI"`
	MongoDatabase   string        `yaml:"mongo_database" envconfig:"MONGO_DATABASE"`
	MongoCollection string        `yaml:"mongo_collection" envconfig:"MONGO_COLLECTION"`
	ConnectTimeout  time.Duration `yaml:"connect_timeout" envconfig:"CONNECT_TIMEOUT"`
}

// RegistryConfig selects the User ID Registry backend.
type RegistryConfig struct {
	Driver       string        `yaml:"driver" envconfig:"DRIVER"`
	ValidIDsPath string        `yaml:"valid_ids_path" envconfig:"VALID_IDS_PATH"`
	UsedIDsPath  string        `yaml:"used_ids_path" envconfig:"USED_IDS_PATH"`
	RedisURL     string        `yaml:"redis_url" envconfig:"REDIS_URL"`
	KeyPrefix    string        `yaml:"key_prefix" envconfig:"KEY_PREFIX"`
	LockTTL      time.Duration `yaml:"lock_ttl" envconfig:"LOCK_TTL"`
}

// NotifyConfig selects and configures the Notification Dispatcher.
type NotifyConfig struct {
	Provider       string        `yaml:"provider" envconfig:"PROVIDER"`
	SendGridAPIKey string        `yaml:"sendgrid_api_key" envconfig:"SENDGRID_API_KEY"`
	SendGridFrom   string        `yaml:"sendgrid_from" envconfig:"SENDGRID_FROM"`
	SMTPHost       string        `yaml:"smtp_host" envconfig:"SMTP_HOST"`
	SMTPPort       int           `yaml:"smtp_port" envconfig:"SMTP_PORT"`
	SMTPUser       string        `yaml:"smtp_user" envconfig:"EMAIL_USER"`
	SMTPPass       string        `yaml:"smtp_pass" envconfig:"EMAIL_PASS"`
	Timeout        time.Duration `yaml:"timeout" envconfig:"TIMEOUT"`
}

// ClassifierConfig configures the optional content classifier.
type ClassifierConfig struct {
	GeminiAPIKey    string        `yaml:"gemini_api_key" envconfig:"GEMINI_API_KEY"`
	Model           string        `yaml:"model" envconfig:"MODEL"`
	Timeout         time.Duration `yaml:"timeout" envconfig:"TIMEOUT"`
	MaxContentBytes int           `yaml:"max_content_bytes" envconfig:"MAX_CONTENT_BYTES"`
}

// Load builds the configuration from defaults, an optional YAML file and the
// environment, in increasing order of precedence.
func Load() (*Config, error) {
	cfg := Default()

	if configFile := getConfigFilePath(); configFile != "" {
		if err := loadFromFile(configFile, cfg); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// loadFromFile overlays the YAML file onto cfg
func loadFromFile(filePath string, cfg *Config) error {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, cfg)
}

// getConfigFilePath returns the path to the config file, or "" when none exists
func getConfigFilePath() string {
	if explicit := os.Getenv(EnvPrefix + "_CONFIG"); explicit != "" {
		return explicit
	}

	locations := []string{
		"config.yaml",
		"configs/config.yaml",
	}
	for _, location := range locations {
		if _, err := os.Stat(location); err == nil {
			return location
		}
	}

	return ""
}

// validate validates the configuration and resolves "auto" selections
func (c *Config) validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Server.ReadTimeout <= 0 || c.Server.WriteTimeout <= 0 {
		return fmt.Errorf("server read and write timeouts must be positive")
	}
	if c.Server.RequestTimeout <= 0 {
		return fmt.Errorf("server request timeout must be positive")
	}

	if c.Security.RateLimit.Enabled && (c.Security.RateLimit.RPS <= 0 || c.Security.RateLimit.Burst <= 0) {
		return fmt.Errorf("rate limit rps and burst must be positive when enabled")
	}

	if c.License.KeyAttempts < 1 {
		return fmt.Errorf("license key attempts must be at least 1, got %d", c.License.KeyAttempts)
	}
	if c.License.OperationTimeout <= 0 {
		return fmt.Errorf("license operation timeout must be positive")
	}

	c.Store.Driver = c.Store.ResolveDriver()
	switch c.Store.Driver {
	case StoreMemory:
	case StorePostgres:
		if c.Store.PostgresDSN == "" {
			return fmt.Errorf("store driver %q requires a postgres DSN", c.Store.Driver)
		}
	case StoreMongo:
		if c.Store.MongoURI == "" {
			return fmt.Errorf("store driver %q requires a mongo URI", c.Store.Driver)
		}
	default:
		return fmt.Errorf("unknown store driver: %q", c.Store.Driver)
	}

	switch strings.ToLower(c.Registry.Driver) {
	case RegistryFile:
		if c.Registry.ValidIDsPath == "" || c.Registry.UsedIDsPath == "" {
			return fmt.Errorf("file registry requires both valid and used ID paths")
		}
	case RegistryRedis:
		if c.Registry.RedisURL == "" {
			return fmt.Errorf("redis registry requires a redis URL")
		}
	default:
		return fmt.Errorf("unknown registry driver: %q", c.Registry.Driver)
	}
	c.Registry.Driver = strings.ToLower(c.Registry.Driver)

	c.Notify.Provider = c.Notify.ResolveProvider()
	switch c.Notify.Provider {
	case NotifySendGrid:
		if c.Notify.SendGridAPIKey == "" {
			return fmt.Errorf("sendgrid provider requires an API key")
		}
	case NotifySMTP:
		if c.Notify.SMTPUser == "" || c.Notify.SMTPPass == "" {
			return fmt.Errorf("smtp provider requires EMAIL_USER and EMAIL_PASS")
		}
	case NotifyLog:
	default:
		return fmt.Errorf("unknown notify provider: %q", c.Notify.Provider)
	}

	if c.Logging.Format != "json" {
		c.Logging.Format = "json"
	}
	if c.Logging.FilePath == "" {
		c.Logging.FilePath = "logs/keyserver.log"
	}

	return nil
}

// ResolveDriver maps "auto" onto a concrete backend: MongoDB when a URI is set,
// PostgreSQL when a DSN is set, otherwise the in-memory store.
func (s StoreConfig) ResolveDriver() string {
	driver := strings.ToLower(strings.TrimSpace(s.Driver))
	if driver != "" && driver != DriverAuto {
		return driver
	}
	switch {
	case s.MongoURI != "":
		return StoreMongo
	case s.PostgresDSN != "":
		return StorePostgres
	default:
		return StoreMemory
	}
}

// ResolveProvider maps "auto" onto a concrete dispatcher: SendGrid when an API
// key is set, SMTP when mailbox credentials are set, otherwise log-only.
func (n NotifyConfig) ResolveProvider() string {
	provider := strings.ToLower(strings.TrimSpace(n.Provider))
	if provider != "" && provider != DriverAuto {
		return provider
	}
	switch {
	case n.SendGridAPIKey != "":
		return NotifySendGrid
	case n.SMTPUser != "" && n.SMTPPass != "":
		return NotifySMTP
	default:
		return NotifyLog
	}
}

// EmailConfigured reports whether a real delivery provider is selected.
func (n NotifyConfig) EmailConfigured() bool {
	return n.ResolveProvider() != NotifyLog
}

// Default returns default configuration
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            5000,
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    30 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			RequestTimeout:  DefaultRequestTimeout,
			MaxBodyBytes:    5 << 20,
		},
		Security: SecurityConfig{
			AllowedOrigins: []string{"*"},
			EnableCORS:     true,
			RateLimit: RateLimitConfig{
				Enabled: true,
				RPS:     2,
				Burst:   10,
			},
		},
		Logging: LoggingConfig{
			Level:    "info",
			Format:   "json",
			Output:   "console",
			FilePath: "logs/keyserver.log",
		},
		Telemetry: TelemetryConfig{
			ServiceName:    AppName,
			Environment:    "development",
			TraceExporter:  "none",
			MetricExporter: "prometheus",
			SampleRatio:    1.0,
		},
		License: LicenseConfig{
			ProductName:      ProductName,
			KeyAttempts:      DefaultKeyAttempts,
			OperationTimeout: DefaultOperationTimeout,
			CacheTTL:         10 * time.Minute,
			CacheSize:        10000,
			FoldEmailCase:    true,
		},
		Store: StoreConfig{
			Driver:          DriverAuto,
			MongoDatabase:   "vnashak",
			MongoCollection: "licenses",
			ConnectTimeout:  10 * time.Second,
		},
		Registry: RegistryConfig{
			Driver:       RegistryFile,
			ValidIDsPath: "user_ids.json",
			UsedIDsPath:  "used-user-ids.json",
			KeyPrefix:    "keyserver:userids:",
			LockTTL:      30 * time.Second,
		},
		Notify: NotifyConfig{
			Provider: DriverAuto,
			SMTPHost: "smtp.gmail.com",
			SMTPPort: 587,
			Timeout:  15 * time.Second,
		},
		Classifier: ClassifierConfig{
			Model:           "gemini-1.5-flash",
			Timeout:         20 * time.Second,
			MaxContentBytes: 200_000,
		},
	}
}
