package core

import (
	"fmt"
	"strings"
	"time"
)

const (
	defaultServiceName       = "grants"
	defaultLockTTL           = 2 * time.Minute
	defaultLockRetryDelay    = 5 * time.Second
	defaultStoreRetryDelay   = 10 * time.Second
	defaultMaxAttempts       = 5
	defaultInitialBackoff    = 2 * time.Second
	defaultMaxBackoff        = 5 * time.Minute
	defaultOutboxBatchSize   = 50
	defaultOutboxConcurrency = 4
	defaultOutboxStaleAfter  = 10 * time.Minute
	defaultPollInterval      = 2 * time.Second
	defaultSweepSchedule     = "0,15,30,45 * * * *"
	defaultMeterRetryDelay   = 10 * time.Second
)

type RunnerConfig struct {
	LockTTL         time.Duration `koanf:"lock_ttl" mapstructure:"lock_ttl"`
	LockRetryDelay  time.Duration `koanf:"lock_retry_delay" mapstructure:"lock_retry_delay"`
	StoreRetryDelay time.Duration `koanf:"store_retry_delay" mapstructure:"store_retry_delay"`
}

type RetryConfig struct {
	MaxAttempts    int           `koanf:"max_attempts" mapstructure:"max_attempts"`
	InitialBackoff time.Duration `koanf:"initial_backoff" mapstructure:"initial_backoff"`
	MaxBackoff     time.Duration `koanf:"max_backoff" mapstructure:"max_backoff"`
}

type OutboxConfig struct {
	BatchSize    int           `koanf:"batch_size" mapstructure:"batch_size"`
	Concurrency  int           `koanf:"concurrency" mapstructure:"concurrency"`
	StaleAfter   time.Duration `koanf:"stale_after" mapstructure:"stale_after"`
	PollInterval time.Duration `koanf:"poll_interval" mapstructure:"poll_interval"`
}

type SweepConfig struct {
	Enabled  bool   `koanf:"enabled" mapstructure:"enabled"`
	Schedule string `koanf:"schedule" mapstructure:"schedule"`
}

type MeterCreditConfig struct {
	RetryDelay time.Duration `koanf:"retry_delay" mapstructure:"retry_delay"`
}

type Config struct {
	ServiceName string            `koanf:"service_name" mapstructure:"service_name"`
	Runner      RunnerConfig      `koanf:"runner" mapstructure:"runner"`
	Retry       RetryConfig       `koanf:"retry" mapstructure:"retry"`
	Outbox      OutboxConfig      `koanf:"outbox" mapstructure:"outbox"`
	Sweep       SweepConfig       `koanf:"sweep" mapstructure:"sweep"`
	MeterCredit MeterCreditConfig `koanf:"meter_credit" mapstructure:"meter_credit"`
}

func DefaultConfig() Config {
	return Config{
		ServiceName: defaultServiceName,
		Runner: RunnerConfig{
			LockTTL:         defaultLockTTL,
			LockRetryDelay:  defaultLockRetryDelay,
			StoreRetryDelay: defaultStoreRetryDelay,
		},
		Retry: RetryConfig{
			MaxAttempts:    defaultMaxAttempts,
			InitialBackoff: defaultInitialBackoff,
			MaxBackoff:     defaultMaxBackoff,
		},
		Outbox: OutboxConfig{
			BatchSize:    defaultOutboxBatchSize,
			Concurrency:  defaultOutboxConcurrency,
			StaleAfter:   defaultOutboxStaleAfter,
			PollInterval: defaultPollInterval,
		},
		Sweep: SweepConfig{
			Enabled:  true,
			Schedule: defaultSweepSchedule,
		},
		MeterCredit: MeterCreditConfig{
			RetryDelay: defaultMeterRetryDelay,
		},
	}
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.ServiceName) == "" {
		return fmt.Errorf("core: service_name is required")
	}
	if c.Runner.LockTTL <= 0 {
		return fmt.Errorf("core: runner.lock_ttl must be positive")
	}
	if c.Runner.LockRetryDelay < 0 || c.Runner.StoreRetryDelay < 0 {
		return fmt.Errorf("core: runner retry delays must not be negative")
	}
	if c.Retry.MaxAttempts <= 0 {
		return fmt.Errorf("core: retry.max_attempts must be positive")
	}
	if c.Retry.InitialBackoff <= 0 || c.Retry.MaxBackoff <= 0 {
		return fmt.Errorf("core: retry backoff must be positive")
	}
	if c.Retry.MaxBackoff < c.Retry.InitialBackoff {
		return fmt.Errorf("core: retry.max_backoff must be >= retry.initial_backoff")
	}
	if c.Outbox.BatchSize <= 0 || c.Outbox.Concurrency <= 0 {
		return fmt.Errorf("core: outbox batch_size and concurrency must be positive")
	}
	if c.Sweep.Enabled && strings.TrimSpace(c.Sweep.Schedule) == "" {
		return fmt.Errorf("core: sweep.schedule is required when sweeping is enabled")
	}
	if c.MeterCredit.RetryDelay < 0 {
		return fmt.Errorf("core: meter_credit.retry_delay must not be negative")
	}
	return nil
}

// RetryScheduler returns the scheduler described by the retry section.
func (c Config) RetryScheduler() RetryScheduler {
	return RetryScheduler{
		MaxAttempts:    c.Retry.MaxAttempts,
		InitialBackoff: c.Retry.InitialBackoff,
		MaxBackoff:     c.Retry.MaxBackoff,
	}
}
