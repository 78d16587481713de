package queue

import (
	"errors"
	"fmt"
	"time"
)

// ErrInvalidConfig is returned by [New] when a [Config] value is out of range.
var ErrInvalidConfig = errors.New("queue: invalid config")

// Config controls batching. Write settings apply to SET and DELETE, the Get
// settings to the read window.
type Config struct {
	// BatchInterval is the period of the write window's flush tick. The tick
	// runs independently of when a window opens, so an operation may be
	// flushed anywhere between immediately and one full interval later.
	BatchInterval time.Duration `yaml:"batch_interval"`
	// MaxBatchSize flushes the write window as soon as it holds this many
	// operations.
	MaxBatchSize int `yaml:"max_batch_size"`

	// GetBatchInterval is the read window's tick, with the same timing as
	// BatchInterval.
	GetBatchInterval time.Duration `yaml:"get_batch_interval"`
	GetMaxBatchSize  int           `yaml:"get_max_batch_size"`

	// OpTimeout bounds every grouped store call.
	OpTimeout time.Duration `yaml:"op_timeout"`

	// EnableMetrics turns on BatchProcessed events. Error events are
	// emitted regardless.
	EnableMetrics bool `yaml:"enable_metrics"`
}

// DefaultConfig returns the batching defaults.
func DefaultConfig() Config {
	return Config{
		BatchInterval:    100 * time.Millisecond,
		MaxBatchSize:     100,
		GetBatchInterval: 10 * time.Millisecond,
		GetMaxBatchSize:  50,
		OpTimeout:        2 * time.Second,
		EnableMetrics:    true,
	}
}

// Validate reports the first out-of-range field.
func (c Config) Validate() error {
	switch {
	case c.BatchInterval <= 0:
		return fmt.Errorf("%w: batch_interval must be positive, got %s", ErrInvalidConfig, c.BatchInterval)
	case c.MaxBatchSize <= 0:
		return fmt.Errorf("%w: max_batch_size must be positive, got %d", ErrInvalidConfig, c.MaxBatchSize)
	case c.GetBatchInterval <= 0:
		return fmt.Errorf("%w: get_batch_interval must be positive, got %s", ErrInvalidConfig, c.GetBatchInterval)
	case c.GetMaxBatchSize <= 0:
		return fmt.Errorf("%w: get_max_batch_size must be positive, got %d", ErrInvalidConfig, c.GetMaxBatchSize)
	case c.OpTimeout <= 0:
		return fmt.Errorf("%w: op_timeout must be positive, got %s", ErrInvalidConfig, c.OpTimeout)
	}
	return nil
}
