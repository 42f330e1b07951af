package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type RuntimeConfig struct {
	Dev bool
}

type LogConfig struct {
	Level    string `yaml:"level"`    // trace|debug|info|warn|error
	Format   string `yaml:"format"`   // json|console
	Sampling bool   `yaml:"sampling"` // enable sampling in prod
}

type HTTPConfig struct {
	Addr           string        `yaml:"addr"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

type DatabaseConfig struct {
	Driver   string `yaml:"driver"` // postgres|sqlite
	URL      string `yaml:"url"`
	MaxConns int32  `yaml:"max_conns"`
}

type RedisConfig struct {
	URL      string `yaml:"url"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type LLMCacheConfig struct {
	Enabled bool          `yaml:"enabled"`
	TTL     time.Duration `yaml:"ttl"`
}

type LLMConfig struct {
	Provider        string            `yaml:"provider"` // openai|gemini|anthropic|fake
	Model           string            `yaml:"model"`
	Models          map[string]string `yaml:"models"` // model name -> provider, wins over prefixes
	OpenAIKey       string            `yaml:"openai_key"`
	OpenAIBaseURL   string            `yaml:"openai_base_url"`
	GeminiKey       string            `yaml:"gemini_key"`
	AnthropicKey    string            `yaml:"anthropic_key"`
	Timeout         time.Duration     `yaml:"timeout"`
	MaxRetries      int               `yaml:"max_retries"`
	ConcurrentLimit int               `yaml:"concurrent_limit"` // max concurrent provider calls
	Temperature     float64           `yaml:"temperature"`
	MaxTokens       int               `yaml:"max_tokens"`
	Cache           LLMCacheConfig    `yaml:"cache"`
}

type DecompositionConfig struct {
	TargetSteps        int           `yaml:"target_steps"`
	MaxAttempts        int           `yaml:"max_attempts"`
	LeaseTTL           time.Duration `yaml:"lease_ttl"`
	RetryBaseDelay     time.Duration `yaml:"retry_base_delay"`
	RetryMaxDelay      time.Duration `yaml:"retry_max_delay"`
	PerUserConcurrency int           `yaml:"per_user_concurrency"`
	DeferDelay         time.Duration `yaml:"defer_delay"`
}

type GoalsConfig struct {
	// MaxActivePerUser of 0 disables the limit.
	MaxActivePerUser *int `yaml:"max_active_per_user"`
}

type WorkerConfig struct {
	Concurrency       int           `yaml:"concurrency"`
	PollInterval      time.Duration `yaml:"poll_interval"`
	VisibilityTimeout time.Duration `yaml:"visibility_timeout"`
}

type SweeperConfig struct {
	Interval    time.Duration `yaml:"interval"`
	QueuedGrace time.Duration `yaml:"queued_grace"`
	BatchSize   int           `yaml:"batch_size"`
}

type APIConfig struct {
	CreateRateLimit int `yaml:"create_rate_limit"` // creates per user per minute, 0 = off
}

type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
}

type NotifyConfig struct {
	WebhookURL string        `yaml:"webhook_url"`
	Timeout    time.Duration `yaml:"timeout"`
}

type TracingConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Endpoint    string  `yaml:"endpoint"` // OTLP/HTTP host:port; stdout exporter when empty
	Insecure    bool    `yaml:"insecure"`
	SampleRatio float64 `yaml:"sample_ratio"`
	ServiceName string  `yaml:"service_name"`
}

type Config struct {
	Log           LogConfig           `yaml:"log"`
	HTTP          HTTPConfig          `yaml:"http"`
	Database      DatabaseConfig      `yaml:"database"`
	Redis         RedisConfig         `yaml:"redis"`
	LLM           LLMConfig           `yaml:"llm"`
	Decomposition DecompositionConfig `yaml:"decomposition"`
	Goals         GoalsConfig         `yaml:"goals"`
	Worker        WorkerConfig        `yaml:"worker"`
	Sweeper       SweeperConfig       `yaml:"sweeper"`
	API           APIConfig           `yaml:"api"`
	Auth          AuthConfig          `yaml:"auth"`
	Notify        NotifyConfig        `yaml:"notify"`
	Tracing       TracingConfig       `yaml:"tracing"`

	Runtime RuntimeConfig `yaml:"-"`
}

// LoadConfig reads the YAML file at path, expands ${VAR} references from the
// environment, applies defaults and validates the result.
func LoadConfig(path string, dev bool) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg, err := Parse(b)
	if err != nil {
		return nil, err
	}
	cfg.Runtime.Dev = dev
	return cfg, nil
}

func Parse(b []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(b))), &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

var defaultModels = map[string]string{
	"openai":    "gpt-4o-mini",
	"gemini":    "gemini-2.0-flash",
	"anthropic": "claude-sonnet-4-20250514",
	"fake":      "fake",
}

func (c *Config) applyDefaults() {
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	if c.HTTP.Addr == "" {
		c.HTTP.Addr = ":8080"
	}
	c.HTTP.RequestTimeout = orDuration(c.HTTP.RequestTimeout, 15*time.Second)
	if c.Database.Driver == "" {
		c.Database.Driver = "postgres"
	}
	if c.Database.MaxConns <= 0 {
		c.Database.MaxConns = 10
	}

	if c.LLM.Provider == "" {
		c.LLM.Provider = "openai"
	}
	if c.LLM.Model == "" {
		c.LLM.Model = defaultModels[strings.ToLower(c.LLM.Provider)]
	}
	c.LLM.Timeout = orDuration(c.LLM.Timeout, 45*time.Second)
	if c.LLM.MaxRetries <= 0 {
		c.LLM.MaxRetries = 3
	}
	if c.LLM.ConcurrentLimit <= 0 {
		c.LLM.ConcurrentLimit = 16
	}
	if c.LLM.Temperature == 0 {
		c.LLM.Temperature = 0.7
	}
	if c.LLM.MaxTokens <= 0 {
		c.LLM.MaxTokens = 16000
	}
	c.LLM.Cache.TTL = orDuration(c.LLM.Cache.TTL, 24*time.Hour)

	if c.Decomposition.TargetSteps <= 0 {
		c.Decomposition.TargetSteps = 100
	}
	if c.Decomposition.MaxAttempts <= 0 {
		c.Decomposition.MaxAttempts = 3
	}
	c.Decomposition.LeaseTTL = orDuration(c.Decomposition.LeaseTTL, 5*time.Minute)
	c.Decomposition.RetryBaseDelay = orDuration(c.Decomposition.RetryBaseDelay, 10*time.Second)
	c.Decomposition.RetryMaxDelay = orDuration(c.Decomposition.RetryMaxDelay, 5*time.Minute)
	if c.Decomposition.PerUserConcurrency <= 0 {
		c.Decomposition.PerUserConcurrency = 2
	}
	c.Decomposition.DeferDelay = orDuration(c.Decomposition.DeferDelay, 5*time.Second)

	if c.Goals.MaxActivePerUser == nil {
		n := 3
		c.Goals.MaxActivePerUser = &n
	}

	if c.Worker.Concurrency <= 0 {
		c.Worker.Concurrency = 4
	}
	c.Worker.PollInterval = orDuration(c.Worker.PollInterval, time.Second)
	c.Worker.VisibilityTimeout = orDuration(c.Worker.VisibilityTimeout, 10*time.Minute)

	c.Sweeper.Interval = orDuration(c.Sweeper.Interval, time.Minute)
	c.Sweeper.QueuedGrace = orDuration(c.Sweeper.QueuedGrace, 2*time.Minute)
	if c.Sweeper.BatchSize <= 0 {
		c.Sweeper.BatchSize = 100
	}

	c.Notify.Timeout = orDuration(c.Notify.Timeout, 5*time.Second)

	if c.Tracing.SampleRatio <= 0 {
		c.Tracing.SampleRatio = 1
	}
	if c.Tracing.ServiceName == "" {
		c.Tracing.ServiceName = "microwins"
	}
}

func (c *Config) validate() error {
	switch c.Database.Driver {
	case "postgres", "sqlite":
	default:
		return fmt.Errorf("database.driver %q is not supported", c.Database.Driver)
	}
	if c.Database.URL == "" {
		return errors.New("database.url is required")
	}
	if c.Redis.URL == "" {
		return errors.New("redis.url is required")
	}
	switch c.LLM.Provider {
	case "openai", "gemini", "anthropic", "fake":
	default:
		return fmt.Errorf("llm.provider %q is not supported", c.LLM.Provider)
	}
	if *c.Goals.MaxActivePerUser < 0 {
		return errors.New("goals.max_active_per_user must be >= 0")
	}
	// the lease must outlive a full retry cycle of one generation call
	if c.Decomposition.LeaseTTL <= c.LLM.Timeout {
		return errors.New("decomposition.lease_ttl must exceed llm.timeout")
	}
	return nil
}

// MaxActiveGoals returns the per-user active goal limit (0 = unlimited).
func (c *Config) MaxActiveGoals() int {
	if c.Goals.MaxActivePerUser == nil {
		return 3
	}
	return *c.Goals.MaxActivePerUser
}

func orDuration(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}
