// Package config loads the tunables named in spec.md §5 (concurrency &
// resource model) from the environment, with an optional file overlay,
// following the same viper BindEnv/AutomaticEnv idiom used across the
// example corpus's services.
package config

import (
	"time"

	"github.com/spf13/viper"
)

// Defaults mirror spec.md's explicit numbers (§4.6 maxAttempts=10, §4.8
// projection sentinel, §9 open-question decisions recorded in DESIGN.md).
const (
	DefaultFlushIntervalMs     = 50
	DefaultBatchSizeThreshold  = 100
	DefaultMaxQueueDepth       = 10000
	DefaultSweepPendingSec     = 60
	DefaultSweepDispatchedSec  = 60
	DefaultMaxAttempts         = 10
	DefaultMaxRetries          = 5
	DefaultRetryBase           = 2
	DefaultRetryUnitMs         = 1000
	DefaultHeartbeatTimeoutMs  = 10000
	DefaultHeartbeatIntervalMs = 3000
	DefaultBlockTimeMs         = 5000
	DefaultBatchSize           = 50
	DefaultPartitionCount      = 16
	DefaultPartitionDays       = 2
	DefaultStreamMaxLen        = 10000
	DefaultCompressionBytes    = 4096
	DefaultRedisPoolSize       = 20
	DefaultIdempotencyTTLSec   = 86400
	DefaultCommandDedupTTLSec  = 86400
	DefaultDispatchCatchupMs   = 5000
)

// Config is the top-level configuration struct for the core's workers.
type Config struct {
	RedisAddr     string `mapstructure:"REDIS_ADDR"`
	RedisPoolSize int    `mapstructure:"REDIS_POOL_SIZE"`

	StorePath   string `mapstructure:"STORE_PATH"`
	StoreEngine string `mapstructure:"STORE_ENGINE"` // "sqlite3" or "purego"

	FlushIntervalMs    int `mapstructure:"BATCHER_FLUSH_INTERVAL_MS"`
	BatchSizeThreshold int `mapstructure:"BATCHER_BATCH_SIZE_THRESHOLD"`
	MaxQueueDepth      int `mapstructure:"BATCHER_MAX_QUEUE_DEPTH"`

	SweepPendingThresholdSec    int `mapstructure:"SWEEPER_PENDING_THRESHOLD_SEC"`
	SweepDispatchedThresholdSec int `mapstructure:"SWEEPER_DISPATCHED_THRESHOLD_SEC"`
	MaxDispatchAttempts         int `mapstructure:"SWEEPER_MAX_ATTEMPTS"`

	// DispatchCatchupIntervalMs paces the Dispatcher's own periodic
	// claim-and-republish pass over anything still pending - the gap
	// between a Unit of Work commit and its inline DispatchOne call
	// (e.g. a crash in between) that would otherwise sit until the
	// sweeper's much longer threshold elapses.
	DispatchCatchupIntervalMs int `mapstructure:"DISPATCHER_CATCHUP_INTERVAL_MS"`

	ConsumerMaxRetries   int `mapstructure:"CONSUMER_MAX_RETRIES"`
	ConsumerRetryBase    int `mapstructure:"CONSUMER_RETRY_BASE"`
	ConsumerRetryUnitMs  int `mapstructure:"CONSUMER_RETRY_UNIT_MS"`
	ConsumerBlockTimeMs  int `mapstructure:"CONSUMER_BLOCK_TIME_MS"`
	ConsumerBatchSize    int `mapstructure:"CONSUMER_BATCH_SIZE"`

	PartitionCount int `mapstructure:"PARTITION_COUNT"`
	PartitionDays  int `mapstructure:"PARTITION_DAYS"`
	StreamMaxLen   int `mapstructure:"STREAM_MAX_LEN"`

	HeartbeatTimeoutMs  int `mapstructure:"COORDINATOR_HEARTBEAT_TIMEOUT_MS"`
	HeartbeatIntervalMs int `mapstructure:"COORDINATOR_HEARTBEAT_INTERVAL_MS"`

	CompressionThresholdBytes int    `mapstructure:"SERIALIZER_COMPRESSION_THRESHOLD_BYTES"`
	EncryptionKeyHex          string `mapstructure:"SERIALIZER_ENCRYPTION_KEY_HEX"`

	IdempotencyTTLSec  int `mapstructure:"IDEMPOTENCY_TTL_SEC"`
	CommandDedupTTLSec int `mapstructure:"COMMAND_DEDUP_TTL_SEC"`
}

// Load reads configuration from environment variables, with an optional
// config file overlay at path (ignored if absent). It always returns a
// fully-defaulted Config, even with no environment set at all.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetConfigName("core")
	v.SetConfigType("env")

	if path != "" {
		v.AddConfigPath(path)
	}

	bindEnv(v)
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return Config{}, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}

	applyDefaults(&cfg)

	return cfg, nil
}

func bindEnv(v *viper.Viper) {
	for _, key := range []string{
		"REDIS_ADDR", "REDIS_POOL_SIZE", "STORE_PATH", "STORE_ENGINE",
		"BATCHER_FLUSH_INTERVAL_MS", "BATCHER_BATCH_SIZE_THRESHOLD", "BATCHER_MAX_QUEUE_DEPTH",
		"SWEEPER_PENDING_THRESHOLD_SEC", "SWEEPER_DISPATCHED_THRESHOLD_SEC", "SWEEPER_MAX_ATTEMPTS",
		"DISPATCHER_CATCHUP_INTERVAL_MS",
		"CONSUMER_MAX_RETRIES", "CONSUMER_RETRY_BASE", "CONSUMER_RETRY_UNIT_MS",
		"CONSUMER_BLOCK_TIME_MS", "CONSUMER_BATCH_SIZE",
		"PARTITION_COUNT", "PARTITION_DAYS", "STREAM_MAX_LEN",
		"COORDINATOR_HEARTBEAT_TIMEOUT_MS", "COORDINATOR_HEARTBEAT_INTERVAL_MS",
		"SERIALIZER_COMPRESSION_THRESHOLD_BYTES", "SERIALIZER_ENCRYPTION_KEY_HEX",
		"IDEMPOTENCY_TTL_SEC", "COMMAND_DEDUP_TTL_SEC",
	} {
		_ = v.BindEnv(key)
	}
}

func applyDefaults(c *Config) {
	if c.RedisAddr == "" {
		c.RedisAddr = "redis://localhost:6379"
	}

	if c.RedisPoolSize <= 0 {
		c.RedisPoolSize = DefaultRedisPoolSize
	}

	if c.StorePath == "" {
		c.StorePath = "core.db"
	}

	if c.StoreEngine == "" {
		c.StoreEngine = "sqlite3"
	}

	if c.FlushIntervalMs <= 0 {
		c.FlushIntervalMs = DefaultFlushIntervalMs
	}

	if c.BatchSizeThreshold <= 0 {
		c.BatchSizeThreshold = DefaultBatchSizeThreshold
	}

	if c.MaxQueueDepth <= 0 {
		c.MaxQueueDepth = DefaultMaxQueueDepth
	}

	if c.SweepPendingThresholdSec <= 0 {
		c.SweepPendingThresholdSec = DefaultSweepPendingSec
	}

	if c.SweepDispatchedThresholdSec <= 0 {
		c.SweepDispatchedThresholdSec = DefaultSweepDispatchedSec
	}

	if c.MaxDispatchAttempts <= 0 {
		c.MaxDispatchAttempts = DefaultMaxAttempts
	}

	if c.DispatchCatchupIntervalMs <= 0 {
		c.DispatchCatchupIntervalMs = DefaultDispatchCatchupMs
	}

	if c.ConsumerMaxRetries <= 0 {
		c.ConsumerMaxRetries = DefaultMaxRetries
	}

	if c.ConsumerRetryBase <= 0 {
		c.ConsumerRetryBase = DefaultRetryBase
	}

	if c.ConsumerRetryUnitMs <= 0 {
		c.ConsumerRetryUnitMs = DefaultRetryUnitMs
	}

	if c.ConsumerBlockTimeMs <= 0 {
		c.ConsumerBlockTimeMs = DefaultBlockTimeMs
	}

	if c.ConsumerBatchSize <= 0 {
		c.ConsumerBatchSize = DefaultBatchSize
	}

	if c.PartitionCount <= 0 {
		c.PartitionCount = DefaultPartitionCount
	}

	if c.PartitionDays <= 0 {
		c.PartitionDays = DefaultPartitionDays
	}

	if c.StreamMaxLen <= 0 {
		c.StreamMaxLen = DefaultStreamMaxLen
	}

	if c.HeartbeatTimeoutMs <= 0 {
		c.HeartbeatTimeoutMs = DefaultHeartbeatTimeoutMs
	}

	if c.HeartbeatIntervalMs <= 0 {
		c.HeartbeatIntervalMs = DefaultHeartbeatIntervalMs
	}

	if c.CompressionThresholdBytes <= 0 {
		c.CompressionThresholdBytes = DefaultCompressionBytes
	}

	if c.IdempotencyTTLSec <= 0 {
		c.IdempotencyTTLSec = DefaultIdempotencyTTLSec
	}

	if c.CommandDedupTTLSec <= 0 {
		c.CommandDedupTTLSec = DefaultCommandDedupTTLSec
	}
}

// RetryUnit returns ConsumerRetryUnitMs as a time.Duration.
func (c Config) RetryUnit() time.Duration {
	return time.Duration(c.ConsumerRetryUnitMs) * time.Millisecond
}

// HeartbeatTimeout returns HeartbeatTimeoutMs as a time.Duration.
func (c Config) HeartbeatTimeout() time.Duration {
	return time.Duration(c.HeartbeatTimeoutMs) * time.Millisecond
}

// HeartbeatInterval returns HeartbeatIntervalMs as a time.Duration.
func (c Config) HeartbeatInterval() time.Duration {
	return time.Duration(c.HeartbeatIntervalMs) * time.Millisecond
}

// BlockTime returns ConsumerBlockTimeMs as a time.Duration.
func (c Config) BlockTime() time.Duration {
	return time.Duration(c.ConsumerBlockTimeMs) * time.Millisecond
}

// FlushInterval returns FlushIntervalMs as a time.Duration.
func (c Config) FlushInterval() time.Duration {
	return time.Duration(c.FlushIntervalMs) * time.Millisecond
}

// DispatchCatchupInterval returns DispatchCatchupIntervalMs as a
// time.Duration.
func (c Config) DispatchCatchupInterval() time.Duration {
	return time.Duration(c.DispatchCatchupIntervalMs) * time.Millisecond
}
