// meridian-inspect dumps the on-disk structures of a shard for debugging:
// WAL stream records, block file indexes and the index snapshot.
package main

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/meridiandb/meridian/tsdb"
	"github.com/meridiandb/meridian/tsdb/engine/tsm"
)

func main() {
	if len(os.Args) < 3 {
		usage()
		os.Exit(1)
	}

	var err error
	switch os.Args[1] {
	case "wal":
		err = dumpWAL(os.Args[2])
	case "blocks":
		err = dumpBlocks(os.Args[2])
	case "snapshot":
		err = dumpSnapshot(os.Args[2])
	case "shard":
		err = dumpShard(os.Args[2])
	default:
		usage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "meridian-inspect: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: meridian-inspect <command> <path>

commands:
  wal <file>       dump the records of one WAL stream file
  blocks <file>    dump the block index of a block file
  snapshot <file>  dump an index.snapshot file
  shard <dir>      summarize the contents of a shard directory`)
}

func dumpWAL(path string) error {
	w := tabwriter.NewWriter(os.Stdout, 0, 8, 1, '\t', 0)
	defer w.Flush()

	fmt.Fprintln(w, "seq\toffset\ttype\tdetail")
	err := tsm.ForEachRecord(path, tsm.SnappyCodec{}, func(seq uint64, e tsm.Entry, offset int64) error {
		switch e := e.(type) {
		case *tsm.SeriesEntry:
			fmt.Fprintf(w, "%d\t%d\tseries\tid=%d key=%q\n", seq, offset, e.ID, e.Key)
		case *tsm.FieldEntry:
			fmt.Fprintf(w, "%d\t%d\tfield\tid=%d measurement=%q field=%q type=%v\n",
				seq, offset, e.ID, e.Measurement, e.Field, e.FieldType)
		case *tsm.DataEntry:
			fmt.Fprintf(w, "%d\t%d\tdata\tid=%d time=%s fields=%d\n",
				seq, offset, e.ID, time.Unix(0, e.Time).UTC().Format(time.RFC3339Nano), len(e.Fields))
		case *tsm.CommitEntry:
			fmt.Fprintf(w, "%d\t%d\tcommit\t\n", seq, offset)
		}
		return nil
	})
	return err
}

func dumpBlocks(path string) error {
	r, err := tsm.OpenReader(path, tsm.SnappyCodec{})
	if err != nil {
		return err
	}
	defer r.Close()

	min, max := r.TimeRange()
	fmt.Printf("file: %s\n", path)
	fmt.Printf("size: %s\n", humanize.Bytes(uint64(r.Size())))
	fmt.Printf("blocks: %d\n", r.BlockN())
	fmt.Printf("time range: [%s, %s]\n\n",
		time.Unix(0, min).UTC().Format(time.RFC3339Nano),
		time.Unix(0, max).UTC().Format(time.RFC3339Nano))

	w := tabwriter.NewWriter(os.Stdout, 0, 8, 1, '\t', 0)
	defer w.Flush()

	fmt.Fprintln(w, "series\tfield\tmin time\tmax time\toffset\tsize")
	return r.ForEachKey(func(id uint32, field string, entries []tsm.IndexEntry) error {
		for _, e := range entries {
			fmt.Fprintf(w, "%d\t%s\t%d\t%d\t%d\t%d\n",
				id, field, e.MinTime, e.MaxTime, e.Offset, e.Size)
		}
		return nil
	})
}

func dumpSnapshot(path string) error {
	snap, err := tsdb.ReadIndexSnapshot(path)
	if err != nil {
		return err
	}

	fmt.Printf("wal sequence: %d\n", snap.Seq)
	fmt.Printf("next series id: %d\n", snap.NextID)
	fmt.Printf("series: %d\n\n", len(snap.Series))

	w := tabwriter.NewWriter(os.Stdout, 0, 8, 1, '\t', 0)
	fmt.Fprintln(w, "id\tkey")
	for _, sr := range snap.Series {
		name, tags := tsdb.ParseSeriesKey(sr.Key)
		fmt.Fprintf(w, "%d\t%s,%s\n", sr.ID, name, tags.String())
	}
	w.Flush()

	names := make([]string, 0, len(snap.Fields))
	for name := range snap.Fields {
		names = append(names, name)
	}
	sort.Strings(names)

	fmt.Println()
	w = tabwriter.NewWriter(os.Stdout, 0, 8, 1, '\t', 0)
	defer w.Flush()
	fmt.Fprintln(w, "measurement\tfield\ttype")
	for _, name := range names {
		for _, f := range snap.Fields[name] {
			fmt.Fprintf(w, "%s\t%s\t%v\n", name, f.Name, f.Type)
		}
	}
	return nil
}

func dumpShard(dir string) error {
	var walSize int64
	for _, name := range []string{tsm.SeriesWALFile, tsm.IndexWALFile, tsm.DataWALFile} {
		if fi, err := os.Stat(filepath.Join(dir, name)); err == nil {
			walSize += fi.Size()
		}
	}

	blocks, err := filepath.Glob(filepath.Join(dir, "*."+tsm.BlockFileExtension))
	if err != nil {
		return err
	}
	sort.Strings(blocks)

	var blockSize int64
	for _, path := range blocks {
		if fi, err := os.Stat(path); err == nil {
			blockSize += fi.Size()
		}
	}

	snap, err := tsdb.ReadIndexSnapshot(filepath.Join(dir, tsdb.IndexSnapshotFile))
	if err != nil {
		return err
	}

	fmt.Printf("shard: %s\n", dir)
	fmt.Printf("wal size: %s\n", humanize.Bytes(uint64(walSize)))
	fmt.Printf("block files: %d (%s)\n", len(blocks), humanize.Bytes(uint64(blockSize)))
	fmt.Printf("snapshot series: %d (wal sequence %d)\n", len(snap.Series), snap.Seq)
	for _, path := range blocks {
		fmt.Printf("  %s\n", filepath.Base(path))
	}
	return nil
}
