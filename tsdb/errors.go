package tsdb

import (
	"errors"

	"github.com/meridiandb/meridian/tsdb/index"
)

var (
	// ErrSchemaConflict is returned when a write maps an existing field name
	// to a different type. The write is rejected with no partial effect.
	ErrSchemaConflict = index.ErrSchemaConflict

	// ErrWriteFailure is returned when a durable WAL append fails. The
	// transaction is fully rolled back; the engine never retries.
	ErrWriteFailure = errors.New("tsdb: durable append failed")

	// ErrCompactionBusy is returned when a snapshot is requested while a
	// compaction is already in flight. Callers retry.
	ErrCompactionBusy = errors.New("tsdb: compaction in progress")

	// ErrShardExpired is returned for reads or writes against an expired or
	// expiring shard.
	ErrShardExpired = errors.New("tsdb: shard expired")

	// ErrShardCold is returned for writes against a cold shard. Lifecycle
	// transitions are one-way; a cold shard never becomes active again.
	ErrShardCold = errors.New("tsdb: shard cold")

	// ErrShardClosed is returned when operating on a closed shard.
	ErrShardClosed = errors.New("tsdb: shard closed")

	// ErrStoreClosed is returned when operating on a closed store.
	ErrStoreClosed = errors.New("tsdb: store closed")

	// ErrTimeOutOfRange is returned when a point's timestamp falls outside
	// the target shard's time range.
	ErrTimeOutOfRange = errors.New("tsdb: point time outside shard range")

	// ErrUnknownSeries is returned when reading a series id that does not
	// exist in the shard.
	ErrUnknownSeries = errors.New("tsdb: unknown series")
)
