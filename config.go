package rawrqueue

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/Keksclan/rawrqueue/breaker"
	"github.com/Keksclan/rawrqueue/contextx"
	"github.com/Keksclan/rawrqueue/events/kafkasink"
	"github.com/Keksclan/rawrqueue/policy"
	"github.com/Keksclan/rawrqueue/queue"
	"github.com/Keksclan/rawrqueue/ratelimit"
	"github.com/Keksclan/rawrqueue/retry"
	"github.com/Keksclan/rawrqueue/security"
	"github.com/Keksclan/rawrqueue/store"
	"gopkg.in/yaml.v3"
)

// Store backends selectable through [StoreConfig.Type].
const (
	StoreMemory = "memory"
	StoreRedis  = "redis"
	StoreDynamo = "dynamodb"
)

// Config is the yaml configuration of a [Server]. Durations are written as
// Go duration strings ("100ms", "15m").
type Config struct {
	Queue     queue.Config      `yaml:"queue"`
	Store     StoreConfig       `yaml:"store"`
	Breaker   breaker.Config    `yaml:"breaker"`
	RateLimit RateLimitConfig   `yaml:"ratelimit"`
	Auth      AuthConfig        `yaml:"auth"`
	Kafka     kafkasink.Options `yaml:"kafka"`
	Tracing   TracingConfig     `yaml:"tracing"`
}

// StoreConfig selects and configures the key-value store behind the queue.
type StoreConfig struct {
	Type string `yaml:"type"`

	// MemoryMaxCost bounds the entries of the in-process store.
	MemoryMaxCost int64 `yaml:"memory_max_cost"`
	// FanOut caps the concurrent per-key calls against the in-process store.
	FanOut int `yaml:"fan_out"`

	Redis  store.RedisOptions  `yaml:"redis"`
	Dynamo store.DynamoOptions `yaml:"dynamodb"`

	// Retry governs the start-up ping of Redis.
	Retry retry.Config `yaml:"retry"`
}

// RateLimitConfig configures the limiter and the rate-limit interceptors.
type RateLimitConfig struct {
	Enabled bool   `yaml:"enabled"`
	Prefix  string `yaml:"prefix"`

	// Default names the preset applied to methods outside every group.
	// Empty leaves them unlimited.
	Default string               `yaml:"default"`
	Groups  []policy.GroupConfig `yaml:"groups"`

	TrustedProxies []string `yaml:"trusted_proxies"`
	HeaderPriority []string `yaml:"header_priority"`
	Exempt         []string `yaml:"exempt"`

	// GateRPS sheds load ahead of the limiter when positive.
	GateRPS   float64 `yaml:"gate_rps"`
	GateBurst int     `yaml:"gate_burst"`
}

// AuthConfig maps static bearer tokens to actors.
type AuthConfig struct {
	Tokens map[string]contextx.Actor `yaml:"tokens"`
}

// TracingConfig turns on flush and RPC spans using the global tracer
// provider. [WithTracerProvider] enables tracing on its own.
type TracingConfig struct {
	Enabled bool `yaml:"enabled"`
}

// DefaultConfig returns an in-memory setup with the default batching and
// breaker settings and rate limiting off.
func DefaultConfig() Config {
	return Config{
		Queue:   queue.DefaultConfig(),
		Breaker: breaker.DefaultConfig(),
		Store: StoreConfig{
			Type:          StoreMemory,
			MemoryMaxCost: 1 << 20,
			FanOut:        store.DefaultFanOut,
			Retry: retry.Config{
				MaxAttempts: 5,
				BaseDelay:   100 * time.Millisecond,
				MaxDelay:    2 * time.Second,
				Jitter:      0.2,
			},
		},
		RateLimit: RateLimitConfig{
			Prefix:    ratelimit.DefaultPrefix,
			GateBurst: 1,
		},
	}
}

// LoadConfig reads a yaml file on top of [DefaultConfig] and validates the
// result. Unknown fields are rejected.
func LoadConfig(path string) (Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("rawrqueue: read config: %w", err)
	}
	return ParseConfig(raw)
}

// ParseConfig is [LoadConfig] for an in-memory document.
func ParseConfig(raw []byte) (Config, error) {
	cfg := DefaultConfig()
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("rawrqueue: parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the settings that would otherwise fail later at start-up.
func (c Config) Validate() error {
	if err := c.Queue.Validate(); err != nil {
		return err
	}

	switch c.Store.Type {
	case StoreMemory:
		if c.Store.MemoryMaxCost <= 0 {
			return errors.New("rawrqueue: store.memory_max_cost must be positive")
		}
	case StoreRedis:
		if len(c.Store.Redis.Addrs) == 0 {
			return errors.New("rawrqueue: store.redis.addrs is required")
		}
	case StoreDynamo:
		if c.Store.Dynamo.Region == "" || c.Store.Dynamo.Table == "" {
			return errors.New("rawrqueue: store.dynamodb needs region and table")
		}
	default:
		return fmt.Errorf("rawrqueue: unknown store type %q", c.Store.Type)
	}

	rl := c.RateLimit
	if rl.Default != "" {
		if _, ok := ratelimit.Presets()[rl.Default]; !ok {
			return fmt.Errorf("rawrqueue: ratelimit.default: unknown preset %q", rl.Default)
		}
	}
	if _, err := policy.FromConfig(rl.Groups); err != nil {
		return fmt.Errorf("rawrqueue: ratelimit.groups: %w", err)
	}
	if _, err := security.ParsePrefixes(rl.Exempt); err != nil {
		return fmt.Errorf("rawrqueue: ratelimit.exempt: %w", err)
	}
	if _, err := security.NewClientResolver(rl.TrustedProxies, rl.HeaderPriority); err != nil {
		return fmt.Errorf("rawrqueue: ratelimit.trusted_proxies: %w", err)
	}
	if rl.GateRPS < 0 {
		return errors.New("rawrqueue: ratelimit.gate_rps must not be negative")
	}

	for token, a := range c.Auth.Tokens {
		if token == "" || a.Subject == "" {
			return errors.New("rawrqueue: auth.tokens needs a token and a subject per entry")
		}
	}

	if len(c.Kafka.Brokers) > 0 && c.Kafka.Topic == "" {
		return errors.New("rawrqueue: kafka.topic is required when brokers are set")
	}
	return nil
}
