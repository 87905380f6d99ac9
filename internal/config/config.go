package config

import (
	"fmt"
	"net/url"
	"strconv"
	"time"

	pkgconfig "github.com/martinbuergi/summit-portal-claude/pkg/config"
)

// EnvPrefix is prepended to every variable name below.
const EnvPrefix = "SUMMIT_"

// Config holds all configuration for the portal agent.
type Config struct {
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`

	// Loopback HTTP API
	HTTPAddr    string `env:"HTTP_ADDR" envDefault:"127.0.0.1"`
	HTTPPort    int    `env:"HTTP_PORT" envDefault:"9480"`
	AgentAPIKey string `env:"AGENT_API_KEY"`

	// Portal backend
	APIBaseURL  string        `env:"API_BASE_URL" envDefault:"https://runtime.adobe.io/api/v1/web/summit-portal"`
	HTTPTimeout time.Duration `env:"HTTP_TIMEOUT" envDefault:"10s"`
	AuthTimeout time.Duration `env:"AUTH_TIMEOUT" envDefault:"10s"`
	UserAgent   string        `env:"USER_AGENT" envDefault:"summit-agent/0.1.0"`

	// Identity provider
	IMSClientID  string `env:"IMS_CLIENT_ID"`
	IMSAuthURL   string `env:"IMS_AUTH_URL" envDefault:"https://ims-na1.adobelogin.com/ims/authorize/v2"`
	IMSScope     string `env:"IMS_SCOPE" envDefault:"openid,AdobeID,read_organizations"`
	RedirectURL  string `env:"REDIRECT_URL"`
	TrustedOrgID string `env:"TRUSTED_ORG_ID"`

	// Storage: Redis when RedisURL is set, else files under StorageDir.
	// An empty StorageDir means the user config directory; ":memory:"
	// keeps state in process memory.
	StorageDir     string `env:"STORAGE_DIR"`
	RedisURL       string `env:"REDIS_URL"`
	RedisNamespace string `env:"REDIS_NAMESPACE" envDefault:"summit:"`

	// Activity queue
	QueueCapacity    int           `env:"QUEUE_CAPACITY" envDefault:"100"`
	QueueBatchSize   int           `env:"QUEUE_BATCH_SIZE" envDefault:"10"`
	QueueConcurrency int           `env:"QUEUE_CONCURRENCY" envDefault:"10"`
	QueueMaxAttempts int           `env:"QUEUE_MAX_ATTEMPTS" envDefault:"10"`
	FlushInterval    time.Duration `env:"FLUSH_INTERVAL" envDefault:"30s"`
	ProbeInterval    time.Duration `env:"PROBE_INTERVAL" envDefault:"15s"`
	DirectRate       float64       `env:"DIRECT_RATE" envDefault:"5"`
	DirectBurst      int           `env:"DIRECT_BURST" envDefault:"10"`

	// Dead letters go to Kafka when brokers are configured.
	KafkaBrokers    []string `env:"KAFKA_BROKERS" envSeparator:","`
	DeadLetterTopic string   `env:"DEAD_LETTER_TOPIC" envDefault:"summit.activity.dead_lettered"`

	// OpenTelemetry
	OTELEnabled    bool    `env:"OTEL_ENABLED" envDefault:"false"`
	OTELEndpoint   string  `env:"OTEL_ENDPOINT" envDefault:"localhost:4318"`
	OTELSampleRate float64 `env:"OTEL_SAMPLE_RATE" envDefault:"1.0"`
}

// Load reads configuration from SUMMIT_* environment variables.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := pkgconfig.LoadPrefixed(cfg, EnvPrefix); err != nil {
		return nil, fmt.Errorf("load agent config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ListenAddr is the host:port the agent API binds to.
func (c *Config) ListenAddr() string {
	return c.HTTPAddr + ":" + strconv.Itoa(c.HTTPPort)
}

// CallbackURL is the redirect URI registered with the identity provider.
func (c *Config) CallbackURL() string {
	if c.RedirectURL != "" {
		return c.RedirectURL
	}
	return "http://" + c.ListenAddr() + "/auth/callback"
}

func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// validate checks configuration invariants.
func (c *Config) validate() error {
	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		return fmt.Errorf("invalid HTTP port: %d", c.HTTPPort)
	}
	if err := absoluteURL("API_BASE_URL", c.APIBaseURL); err != nil {
		return err
	}
	if err := absoluteURL("IMS_AUTH_URL", c.IMSAuthURL); err != nil {
		return err
	}
	if c.RedirectURL != "" {
		if err := absoluteURL("REDIRECT_URL", c.RedirectURL); err != nil {
			return err
		}
	}
	if c.IsProduction() && c.IMSClientID == "" {
		return fmt.Errorf("IMS_CLIENT_ID is required in production")
	}
	if c.HTTPTimeout <= 0 || c.AuthTimeout <= 0 {
		return fmt.Errorf("HTTP_TIMEOUT and AUTH_TIMEOUT must be positive")
	}
	if c.QueueCapacity < 1 {
		return fmt.Errorf("QUEUE_CAPACITY must be at least 1, got %d", c.QueueCapacity)
	}
	if c.QueueBatchSize < 1 || c.QueueBatchSize > c.QueueCapacity {
		return fmt.Errorf("QUEUE_BATCH_SIZE must be between 1 and QUEUE_CAPACITY, got %d", c.QueueBatchSize)
	}
	if c.QueueConcurrency < 1 {
		return fmt.Errorf("QUEUE_CONCURRENCY must be at least 1, got %d", c.QueueConcurrency)
	}
	if c.QueueMaxAttempts < 0 {
		return fmt.Errorf("QUEUE_MAX_ATTEMPTS must not be negative, got %d", c.QueueMaxAttempts)
	}
	if c.FlushInterval <= 0 || c.ProbeInterval <= 0 {
		return fmt.Errorf("FLUSH_INTERVAL and PROBE_INTERVAL must be positive")
	}
	if c.DirectRate <= 0 || c.DirectBurst < 1 {
		return fmt.Errorf("DIRECT_RATE and DIRECT_BURST must be positive")
	}
	if c.OTELSampleRate < 0.0 || c.OTELSampleRate > 1.0 {
		return fmt.Errorf("OTEL_SAMPLE_RATE must be between 0.0 and 1.0, got %f", c.OTELSampleRate)
	}
	return nil
}

func absoluteURL(name, raw string) error {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("%s must be an absolute URL, got %q", name, raw)
	}
	return nil
}
