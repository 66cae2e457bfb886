package tsdb

import (
	"errors"
	"time"

	"github.com/BurntSushi/toml"
)

const (
	// DefaultShardDuration is the width of a shard's time range.
	DefaultShardDuration = 24 * time.Hour

	// DefaultRetentionPeriod is how long past the end of its time range a
	// shard is kept before expiring. Zero disables expiration.
	DefaultRetentionPeriod = 7 * 24 * time.Hour

	// DefaultColdDuration is how long a shard must go without writes before
	// it is considered cold and eligible for memory-reclaiming compaction.
	DefaultColdDuration = 10 * time.Minute

	// DefaultLifecycleInterval is how often shard lifecycle state is
	// evaluated.
	DefaultLifecycleInterval = time.Minute

	// DefaultCacheMaxMemorySize is the per-shard cache memory bound.
	DefaultCacheMaxMemorySize = 1024 * 1024 * 1024 // 1GB

	// DefaultCacheSnapshotMemorySize is the cache size at which a snapshot
	// compaction is triggered.
	DefaultCacheSnapshotMemorySize = 25 * 1024 * 1024 // 25MB

	// DefaultIndexCacheSize is the per-shard bound on cached inverted-index
	// entries, spread across the index buckets.
	DefaultIndexCacheSize = 1 << 16
)

// Duration is a time.Duration that can be unmarshaled from TOML strings such
// as "10m" or "24h".
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	dur, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(dur)
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Config holds the settings for a store and the shards it owns.
type Config struct {
	Dir string `toml:"dir"`

	ShardDuration     Duration `toml:"shard-duration"`
	RetentionPeriod   Duration `toml:"retention-period"`
	ColdDuration      Duration `toml:"cold-duration"`
	LifecycleInterval Duration `toml:"lifecycle-check-interval"`

	CacheMaxMemorySize      uint64 `toml:"cache-max-memory-size"`
	CacheSnapshotMemorySize uint64 `toml:"cache-snapshot-memory-size"`

	IndexCacheSize int `toml:"index-cache-size"`

	CompactionBatchSize int `toml:"compaction-batch-size"`
	MaxPointsPerBlock   int `toml:"max-points-per-block"`
}

// NewConfig returns a config with reasonable defaults.
func NewConfig() Config {
	return Config{
		ShardDuration:           Duration(DefaultShardDuration),
		RetentionPeriod:         Duration(DefaultRetentionPeriod),
		ColdDuration:            Duration(DefaultColdDuration),
		LifecycleInterval:       Duration(DefaultLifecycleInterval),
		CacheMaxMemorySize:      DefaultCacheMaxMemorySize,
		CacheSnapshotMemorySize: DefaultCacheSnapshotMemorySize,
		IndexCacheSize:          DefaultIndexCacheSize,
	}
}

// DecodeConfig reads a TOML config file at path over the defaults.
func DecodeConfig(path string) (Config, error) {
	c := NewConfig()
	if _, err := toml.DecodeFile(path, &c); err != nil {
		return Config{}, err
	}
	return c, c.Validate()
}

// Validate returns an error if the config is unusable.
func (c Config) Validate() error {
	if c.ShardDuration <= 0 {
		return errors.New("shard-duration must be positive")
	}
	if c.RetentionPeriod < 0 {
		return errors.New("retention-period must not be negative")
	}
	if c.ColdDuration <= 0 {
		return errors.New("cold-duration must be positive")
	}
	if c.LifecycleInterval <= 0 {
		return errors.New("lifecycle-check-interval must be positive")
	}
	if c.IndexCacheSize < 0 {
		return errors.New("index-cache-size must not be negative")
	}
	return nil
}
