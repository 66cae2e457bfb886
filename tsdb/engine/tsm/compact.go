package tsm

import (
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"
)

const (
	// DefaultCompactionBatchSize is the number of (series, field) keys
	// merged per output file pass. Bounding the batch bounds compaction
	// memory during large merges.
	DefaultCompactionBatchSize = 1024

	// DefaultMaxPointsPerBlock is the maximum number of values encoded into
	// one block.
	DefaultMaxPointsPerBlock = 1000
)

// Compactor produces new immutable block files from cache snapshots and from
// existing block files. A shard runs at most one compaction at a time.
type Compactor struct {
	Dir       string
	FileStore *FileStore

	// BatchSize bounds the number of keys written per output file.
	BatchSize int

	// MaxPointsPerBlock bounds the number of values per block.
	MaxPointsPerBlock int

	codec   Codec
	logger  *zap.Logger
	shardID string
}

// NewCompactor returns a compactor writing block files into dir and swapping
// them into fs.
func NewCompactor(dir string, fs *FileStore) *Compactor {
	return &Compactor{
		Dir:               dir,
		FileStore:         fs,
		BatchSize:         DefaultCompactionBatchSize,
		MaxPointsPerBlock: DefaultMaxPointsPerBlock,
		codec:             SnappyCodec{},
		logger:            zap.NewNop(),
	}
}

// WithLogger sets the logger.
func (c *Compactor) WithLogger(log *zap.Logger) {
	c.logger = log.With(zap.String("service", "compactor"))
}

// WithCodec sets the block codec. Must match the file store's codec.
func (c *Compactor) WithCodec(codec Codec) { c.codec = codec }

// WithShardLabel sets the shard label used on metrics.
func (c *Compactor) WithShardLabel(id string) { c.shardID = id }

// WriteSnapshot writes the contents of a cache snapshot to new block files
// and returns their names. Keys are processed in sorted order in bounded
// batches; each batch becomes one file. The caller swaps the files into the
// file store and then clears the snapshot.
func (c *Compactor) WriteSnapshot(snap *Cache) ([]string, error) {
	keys := snap.Keys()
	if len(keys) == 0 {
		return nil, nil
	}

	start := time.Now()
	gen := c.FileStore.NextGeneration()

	var names []string
	var blocks int
	for seq := 1; len(keys) > 0; seq++ {
		batch := keys
		if len(batch) > c.BatchSize {
			batch = batch[:c.BatchSize]
		}
		keys = keys[len(batch):]

		name, n, err := c.writeKeys(gen, seq, batch, func(key []byte) (Values, error) {
			return snap.values(key), nil
		})
		if err != nil {
			c.removeFiles(names)
			return nil, err
		}
		names = append(names, name)
		blocks += n
	}

	trackCompaction(c.shardID, "snapshot")
	trackBlocksWritten(c.shardID, blocks)
	c.logger.Info("cache snapshot written",
		zap.Int("files", len(names)),
		zap.Int("blocks", blocks),
		zap.String("size", humanize.Bytes(uint64(snap.Size()))),
		zap.Duration("elapsed", time.Since(start)))
	return names, nil
}

// CompactFull merges every live block file into a new generation,
// deduplicating values across files. It returns the names of the replaced
// files and of the new files; the caller performs the swap. Running a full
// compaction twice with no intervening writes yields logically identical
// content.
func (c *Compactor) CompactFull() (oldNames, newNames []string, err error) {
	files := c.FileStore.Files()
	if len(files) == 0 {
		return nil, nil, nil
	}

	start := time.Now()
	keys := c.FileStore.Keys()
	gen := c.FileStore.NextGeneration()

	var blocks int
	for seq := 1; len(keys) > 0; seq++ {
		batch := keys
		if len(batch) > c.BatchSize {
			batch = batch[:c.BatchSize]
		}
		keys = keys[len(batch):]

		name, n, werr := c.writeKeys(gen, seq, batch, func(key []byte) (Values, error) {
			id, field := ParseCacheKey(key)
			var values Values
			for _, f := range files {
				v, err := f.ReadAll(id, field, math.MinInt64, math.MaxInt64)
				if err != nil {
					return nil, err
				}
				values = append(values, v...)
			}
			return values.Deduplicate(), nil
		})
		if werr != nil {
			c.removeFiles(newNames)
			return nil, nil, werr
		}
		newNames = append(newNames, name)
		blocks += n
	}

	oldNames = c.FileStore.FileNames()
	trackCompaction(c.shardID, "full")
	trackBlocksWritten(c.shardID, blocks)
	c.logger.Info("full compaction finished",
		zap.Int("files_in", len(oldNames)),
		zap.Int("files_out", len(newNames)),
		zap.Int("blocks", blocks),
		zap.Duration("elapsed", time.Since(start)))
	return oldNames, newNames, nil
}

// writeKeys writes one block file holding the values for a batch of keys.
// The file is built under a temporary name and renamed into place once its
// index is durable.
func (c *Compactor) writeKeys(gen, seq int, keys [][]byte, source func(key []byte) (Values, error)) (string, int, error) {
	name := FormatFileName(gen, seq)
	tmp := filepath.Join(c.Dir, name+".tmp")

	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0666)
	if err != nil {
		return "", 0, err
	}

	w, err := NewWriter(f, c.codec)
	if err != nil {
		f.Close()
		os.Remove(tmp)
		return "", 0, err
	}

	var blocks int
	for _, key := range keys {
		values, err := source(key)
		if err != nil {
			w.Close()
			os.Remove(tmp)
			return "", 0, err
		}
		id, field := ParseCacheKey(key)
		for len(values) > 0 {
			chunk := values
			if len(chunk) > c.MaxPointsPerBlock {
				chunk = chunk[:c.MaxPointsPerBlock]
			}
			values = values[len(chunk):]
			if err := w.WriteBlock(id, field, chunk); err != nil {
				w.Close()
				os.Remove(tmp)
				return "", 0, err
			}
			blocks++
		}
	}

	if err := w.WriteIndex(); err != nil {
		w.Close()
		os.Remove(tmp)
		return "", 0, err
	}
	if err := w.Close(); err != nil {
		os.Remove(tmp)
		return "", 0, err
	}
	if err := os.Rename(tmp, filepath.Join(c.Dir, name)); err != nil {
		os.Remove(tmp)
		return "", 0, err
	}
	return name, blocks, nil
}

func (c *Compactor) removeFiles(names []string) {
	for _, name := range names {
		if err := os.Remove(filepath.Join(c.Dir, name)); err != nil && !os.IsNotExist(err) {
			c.logger.Warn("cannot remove abandoned block file",
				zap.String("name", name), zap.Error(err))
		}
	}
}
