package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"oip/dplistener/internal/framework"
)

// Backends a listener process can consume from.
const (
	BackendLmstfy   = "lmstfy"
	BackendSQS      = "sqs"
	BackendPostgres = "postgres"
)

// Listener defaults.
const (
	DefaultConcurrency       = 5
	DefaultPollingPeriod     = 2 * time.Second
	DefaultVisibilityTimeout = 30 * time.Second
	DefaultMaxBatchSize      = framework.DefaultBatchLimit
	DefaultMaxWaitTime       = 20 * time.Second
	DefaultErrorBackoff      = time.Second
)

// EnvPrefix prefixes every environment override, e.g. DPLISTENER_LMSTFY_TOKEN.
const EnvPrefix = "DPLISTENER"

// Config is the process configuration.
type Config struct {
	App       AppConfig        `mapstructure:"app"`
	Admin     AdminConfig      `mapstructure:"admin"`
	Backend   string           `mapstructure:"backend"`
	Lmstfy    LmstfyConfig     `mapstructure:"lmstfy"`
	SQS       SQSConfig        `mapstructure:"sqs"`
	Postgres  PostgresConfig   `mapstructure:"postgres"`
	Redis     RedisConfig      `mapstructure:"redis"`
	MySQL     MySQLConfig      `mapstructure:"mysql"`
	Listeners []ListenerConfig `mapstructure:"listeners"`
}

type AppConfig struct {
	Name     string `mapstructure:"name"`
	Env      string `mapstructure:"env"`
	LogLevel string `mapstructure:"log_level"`
}

// AdminConfig controls the HTTP admin API. An empty Addr disables it.
type AdminConfig struct {
	Addr string `mapstructure:"addr"`
}

type LmstfyConfig struct {
	Host      string `mapstructure:"host"`
	Port      int    `mapstructure:"port"`
	Namespace string `mapstructure:"namespace"`
	Token     string `mapstructure:"token"`
}

type SQSConfig struct {
	Region   string `mapstructure:"region"`
	Endpoint string `mapstructure:"endpoint"` // localstack / elasticmq
}

type PostgresConfig struct {
	DSN          string        `mapstructure:"dsn"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
}

// RedisConfig enables the outcome notifier when Addr is set.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Channel  string `mapstructure:"channel"`
}

// MySQLConfig enables the outcome audit table when DSN is set.
type MySQLConfig struct {
	DSN string `mapstructure:"dsn"`
}

// ListenerConfig describes one container. Zero values are replaced by ApplyDefaults,
// except concurrency and polling_period when the descriptor sets them to zero.
type ListenerConfig struct {
	ID                     string        `mapstructure:"id"`
	Queue                  string        `mapstructure:"queue"`
	Concurrency            int           `mapstructure:"concurrency"`
	TriggerCount           int           `mapstructure:"trigger_count"` // defaults to concurrency
	PollingPeriod          time.Duration `mapstructure:"polling_period"`
	VisibilityTimeout      time.Duration `mapstructure:"visibility_timeout"`
	MaxWaitTime            time.Duration `mapstructure:"max_wait_time"`
	MaxBatchSize           int           `mapstructure:"max_batch_size"`
	ErrorBackoff           time.Duration `mapstructure:"error_backoff"`
	ProcessingTimeout      time.Duration `mapstructure:"processing_timeout"`
	ReleaseUnclaimedOnStop bool          `mapstructure:"release_unclaimed_on_stop"`
	Disabled               bool          `mapstructure:"disabled"` // registered but not started

	explicit map[string]bool // keys present in the descriptor
}

// keys a listener may set to zero on purpose
const (
	keyConcurrency   = "concurrency"
	keyPollingPeriod = "polling_period"
)

func (l *ListenerConfig) isSet(key string) bool {
	return l.explicit[key]
}

// Load reads the config file, then applies environment overrides and defaults.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("app.name", "dplistener")
	v.SetDefault("app.log_level", "info")
	v.SetDefault("backend", BackendLmstfy)
	v.SetDefault("lmstfy.port", 7777)
	v.SetDefault("postgres.poll_interval", 200*time.Millisecond)
	v.SetDefault("redis.channel", "dplistener:outcomes")

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config failed: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config failed: %w", err)
	}

	markExplicit(v.Get("listeners"), cfg.Listeners)
	cfg.ApplyDefaults()
	return &cfg, nil
}

// ApplyDefaults fills unset listener fields.
func (c *Config) ApplyDefaults() {
	for i := range c.Listeners {
		l := &c.Listeners[i]
		if l.ID == "" {
			l.ID = l.Queue
		}
		if l.Concurrency == 0 && !l.isSet(keyConcurrency) {
			l.Concurrency = DefaultConcurrency
		}
		if l.TriggerCount == 0 {
			l.TriggerCount = max(l.Concurrency, 1)
		}
		if l.PollingPeriod == 0 && !l.isSet(keyPollingPeriod) {
			l.PollingPeriod = DefaultPollingPeriod
		}
		if l.VisibilityTimeout == 0 {
			l.VisibilityTimeout = DefaultVisibilityTimeout
		}
		if l.MaxWaitTime == 0 {
			l.MaxWaitTime = DefaultMaxWaitTime
		}
		if l.MaxBatchSize == 0 {
			l.MaxBatchSize = DefaultMaxBatchSize
		}
		if l.ErrorBackoff == 0 {
			l.ErrorBackoff = DefaultErrorBackoff
		}
	}
}

// markExplicit records which keys each raw listener entry carries, so an explicit zero
// survives ApplyDefaults.
func markExplicit(raw interface{}, listeners []ListenerConfig) {
	items, ok := raw.([]interface{})
	if !ok {
		return
	}
	for i, item := range items {
		if i >= len(listeners) {
			return
		}
		m, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		explicit := make(map[string]bool, len(m))
		for k := range m {
			explicit[strings.ToLower(k)] = true
		}
		listeners[i].explicit = explicit
	}
}

// Validate checks the config before anything is started.
func (c *Config) Validate() error {
	if c.App.Name == "" {
		return fmt.Errorf("app.name is required")
	}

	switch c.Backend {
	case BackendLmstfy:
		if c.Lmstfy.Host == "" {
			return fmt.Errorf("lmstfy.host is required")
		}
		if c.Lmstfy.Namespace == "" {
			return fmt.Errorf("lmstfy.namespace is required")
		}
	case BackendSQS:
		if c.SQS.Region == "" {
			return fmt.Errorf("sqs.region is required")
		}
	case BackendPostgres:
		if c.Postgres.DSN == "" {
			return fmt.Errorf("postgres.dsn is required")
		}
	default:
		return fmt.Errorf("unknown backend %q", c.Backend)
	}

	if len(c.Listeners) == 0 {
		return fmt.Errorf("at least one listener is required")
	}

	seen := make(map[string]bool, len(c.Listeners))
	for i, l := range c.Listeners {
		if l.Queue == "" {
			return fmt.Errorf("listeners[%d].queue is required", i)
		}
		if seen[l.ID] {
			return fmt.Errorf("duplicate listener id %q", l.ID)
		}
		seen[l.ID] = true

		if l.Concurrency < 0 {
			return fmt.Errorf("listener %s: concurrency must not be negative", l.ID)
		}
		cc := l.ContainerConfig()
		if err := cc.Retriever.Validate(0); err != nil {
			return fmt.Errorf("listener %s: %w", l.ID, err)
		}
		if err := cc.Broker.Validate(); err != nil {
			return fmt.Errorf("listener %s: %w", l.ID, err)
		}
	}
	return nil
}

// ContainerConfig converts the listener into framework properties.
func (l ListenerConfig) ContainerConfig() framework.ContainerConfig {
	return framework.ContainerConfig{
		Identifier: l.ID,
		Queue:      framework.QueueProperties{ID: l.Queue},
		Retriever: framework.RetrieverProperties{
			TriggerCount:           l.TriggerCount,
			PollingPeriod:          l.PollingPeriod,
			VisibilityTimeout:      l.VisibilityTimeout,
			MaxWaitTime:            l.MaxWaitTime,
			MaxBatchSize:           l.MaxBatchSize,
			ErrorBackoff:           l.ErrorBackoff,
			ReleaseUnclaimedOnStop: l.ReleaseUnclaimedOnStop,
		},
		Broker: framework.BrokerProperties{
			ConcurrencyLevel:  l.Concurrency,
			ProcessingTimeout: l.ProcessingTimeout,
		},
	}
}
