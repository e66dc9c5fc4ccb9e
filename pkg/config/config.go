package config

import (
	"fmt"
	"strings"
	"time"
)

const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
	BackendEtcd   = "etcd"
)

// StoreConfig selects and tunes the shared session store.
type StoreConfig struct {
	Backend   string        `mapstructure:"backend"`
	RedisURL  string        `mapstructure:"redis_url"`
	EtcdHosts []string      `mapstructure:"etcd_hosts"`
	OpTimeout time.Duration `mapstructure:"op_timeout"`
}

type SessionConfig struct {
	// idle duration before a record may be swept, refreshed on every touch
	TTL time.Duration `mapstructure:"ttl"`
	// a new session id seen for an identity whose latest record was active
	// within this window is rebound onto that record
	ReuseWindow time.Duration `mapstructure:"reuse_window"`
}

type RecoveryConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	Window      time.Duration `mapstructure:"window"`
	Timeout     time.Duration `mapstructure:"timeout"`
}

type SweeperConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Interval time.Duration `mapstructure:"interval"`
}

type DetectorConfig struct {
	Workers       int           `mapstructure:"workers"`
	QueueSize     int           `mapstructure:"queue_size"`
	DedupInterval time.Duration `mapstructure:"dedup_interval"`
	DedupCapacity int           `mapstructure:"dedup_capacity"`
	TelemetryFile string        `mapstructure:"telemetry_file"`
}

func DefaultStore() StoreConfig {
	return StoreConfig{
		Backend:   BackendMemory,
		RedisURL:  "redis://localhost:6379",
		EtcdHosts: []string{"127.0.0.1:2379"},
		OpTimeout: 2 * time.Second,
	}
}

func DefaultSession() SessionConfig {
	return SessionConfig{
		TTL:         3600 * time.Second,
		ReuseWindow: 5 * time.Minute,
	}
}

func DefaultRecovery() RecoveryConfig {
	return RecoveryConfig{
		MaxAttempts: 3,
		Window:      5 * time.Minute,
		Timeout:     3 * time.Second,
	}
}

func DefaultSweeper() SweeperConfig {
	return SweeperConfig{
		Enabled:  true,
		Interval: 2 * time.Minute,
	}
}

func DefaultDetector() DetectorConfig {
	return DetectorConfig{
		Workers:       4,
		QueueSize:     1024,
		DedupInterval: time.Second,
		DedupCapacity: 4096,
	}
}

func (c StoreConfig) Validate() error {
	switch strings.ToLower(c.Backend) {
	case BackendMemory:
	case BackendRedis:
		if c.RedisURL == "" {
			return fmt.Errorf("store: redis backend requires redis_url")
		}
	case BackendEtcd:
		if len(c.EtcdHosts) == 0 {
			return fmt.Errorf("store: etcd backend requires etcd_hosts")
		}
	default:
		return fmt.Errorf("store: unknown backend %q", c.Backend)
	}
	if c.OpTimeout <= 0 {
		return fmt.Errorf("store: op_timeout must be positive")
	}
	return nil
}

func (c SessionConfig) Validate() error {
	if c.TTL <= 0 {
		return fmt.Errorf("session: ttl must be positive")
	}
	if c.ReuseWindow < 0 || c.ReuseWindow > c.TTL {
		return fmt.Errorf("session: reuse_window must be within [0, ttl]")
	}
	return nil
}

func (c RecoveryConfig) Validate() error {
	if c.MaxAttempts < 1 {
		return fmt.Errorf("recovery: max_attempts must be at least 1")
	}
	if c.Window <= 0 {
		return fmt.Errorf("recovery: window must be positive")
	}
	return nil
}

func (c SweeperConfig) Validate() error {
	if c.Enabled && c.Interval <= 0 {
		return fmt.Errorf("sweeper: interval must be positive")
	}
	return nil
}

func (c DetectorConfig) Validate() error {
	if c.Workers < 1 {
		return fmt.Errorf("detector: workers must be at least 1")
	}
	if c.DedupCapacity < 0 {
		return fmt.Errorf("detector: dedup_capacity must not be negative")
	}
	return nil
}
