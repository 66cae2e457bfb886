package tsdb_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/meridiandb/meridian/tsdb"
)

func TestConfig_Defaults(t *testing.T) {
	cfg := tsdb.NewConfig()
	require.NoError(t, cfg.Validate())
	require.Equal(t, tsdb.Duration(24*time.Hour), cfg.ShardDuration)
	require.Equal(t, tsdb.Duration(7*24*time.Hour), cfg.RetentionPeriod)
}

func TestDecodeConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "meridian.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
dir = "/var/lib/meridian"
shard-duration = "1h"
retention-period = "48h"
cold-duration = "5m"
cache-max-memory-size = 1048576
`), 0666))

	cfg, err := tsdb.DecodeConfig(path)
	require.NoError(t, err)
	require.Equal(t, "/var/lib/meridian", cfg.Dir)
	require.Equal(t, tsdb.Duration(time.Hour), cfg.ShardDuration)
	require.Equal(t, tsdb.Duration(48*time.Hour), cfg.RetentionPeriod)
	require.Equal(t, tsdb.Duration(5*time.Minute), cfg.ColdDuration)
	require.Equal(t, uint64(1048576), cfg.CacheMaxMemorySize)

	// Unspecified settings keep their defaults.
	require.Equal(t, tsdb.Duration(time.Minute), cfg.LifecycleInterval)
}

func TestConfig_Validate(t *testing.T) {
	cfg := tsdb.NewConfig()
	cfg.ShardDuration = 0
	require.Error(t, cfg.Validate())

	cfg = tsdb.NewConfig()
	cfg.ColdDuration = -1
	require.Error(t, cfg.Validate())
}

func TestDecodeConfig_Invalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "meridian.toml")
	require.NoError(t, os.WriteFile(path, []byte(`shard-duration = "0s"`), 0666))

	_, err := tsdb.DecodeConfig(path)
	require.Error(t, err)
}
