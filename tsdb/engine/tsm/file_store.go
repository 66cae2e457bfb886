package tsm

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"
)

// ManifestFileName is the block-index file listing the live block files of a
// shard. It is replaced atomically (write-new-then-rename) so readers never
// observe a half-updated file set.
const ManifestFileName = "blocks.idx"

const manifestVersion = "v1"

// FileStore holds the set of immutable block files for a shard. The in-memory
// file set is swapped wholesale under lock so readers always see a complete,
// consistent set.
type FileStore struct {
	mu     sync.RWMutex
	dir    string
	codec  Codec
	logger *zap.Logger
	files  []*Reader // ordered oldest generation first
}

// NewFileStore returns a file store rooted at dir.
func NewFileStore(dir string) *FileStore {
	return &FileStore{dir: dir, codec: SnappyCodec{}, logger: zap.NewNop()}
}

// WithLogger sets the logger. Must be called before Open.
func (s *FileStore) WithLogger(log *zap.Logger) {
	s.logger = log.With(zap.String("service", "filestore"))
}

// WithCodec sets the block codec. Must be called before Open.
func (s *FileStore) WithCodec(codec Codec) { s.codec = codec }

// Open loads the manifest and opens every listed block file. Block indexes
// are loaded front-to-back in one pass per file.
func (s *FileStore) Open() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	names, err := s.readManifest()
	if err != nil {
		return err
	}

	files := make([]*Reader, 0, len(names))
	for _, name := range names {
		r, err := OpenReader(filepath.Join(s.dir, name), s.codec)
		if err != nil {
			for _, f := range files {
				f.Close()
			}
			return fmt.Errorf("open block file %s: %w", name, err)
		}
		files = append(files, r)
	}
	s.files = files
	return nil
}

func (s *FileStore) readManifest() ([]string, error) {
	f, err := os.Open(filepath.Join(s.dir, ManifestFileName))
	if os.IsNotExist(err) {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	defer f.Close()

	var names []string
	scanner := bufio.NewScanner(f)
	first := true
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if first {
			if line != manifestVersion {
				return nil, fmt.Errorf("unsupported manifest version %q", line)
			}
			first = false
			continue
		}
		names = append(names, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	sort.Strings(names)
	return names, nil
}

func (s *FileStore) writeManifest(names []string) error {
	sort.Strings(names)

	var buf bytes.Buffer
	buf.WriteString(manifestVersion + "\n")
	for _, name := range names {
		buf.WriteString(name + "\n")
	}

	tmp := filepath.Join(s.dir, ManifestFileName+".tmp")
	if err := os.WriteFile(tmp, buf.Bytes(), 0666); err != nil {
		return err
	}
	return os.Rename(tmp, filepath.Join(s.dir, ManifestFileName))
}

// Replace atomically swaps oldNames for newNames in the file set: new files
// are opened, the manifest is rewritten and renamed into place, the in-memory
// set is swapped, and only then are the replaced files closed and removed.
func (s *FileStore) Replace(oldNames, newNames []string) error {
	newFiles := make([]*Reader, 0, len(newNames))
	for _, name := range newNames {
		r, err := OpenReader(filepath.Join(s.dir, name), s.codec)
		if err != nil {
			for _, f := range newFiles {
				f.Close()
			}
			return err
		}
		newFiles = append(newFiles, r)
	}

	s.mu.Lock()

	old := make(map[string]bool, len(oldNames))
	for _, name := range oldNames {
		old[name] = true
	}

	var kept []*Reader
	var removed []*Reader
	names := make([]string, 0, len(s.files)+len(newFiles))
	for _, f := range s.files {
		if old[filepath.Base(f.Path())] {
			removed = append(removed, f)
			continue
		}
		kept = append(kept, f)
		names = append(names, filepath.Base(f.Path()))
	}
	kept = append(kept, newFiles...)
	for _, f := range newFiles {
		names = append(names, filepath.Base(f.Path()))
	}
	sort.Slice(kept, func(i, j int) bool { return kept[i].Path() < kept[j].Path() })

	if err := s.writeManifest(names); err != nil {
		s.mu.Unlock()
		for _, f := range newFiles {
			f.Close()
		}
		return err
	}
	s.files = kept
	s.mu.Unlock()

	var errs *multierror.Error
	for _, f := range removed {
		errs = multierror.Append(errs, f.Close())
		errs = multierror.Append(errs, os.Remove(f.Path()))
	}
	return errs.ErrorOrNil()
}

// Read returns the ordered values for (id, field) within [min, max) across
// every block file. Values from newer generations win duplicate timestamps.
func (s *FileStore) Read(id uint32, field string, min, max int64) (Values, error) {
	s.mu.RLock()
	files := s.files
	s.mu.RUnlock()

	var values Values
	for _, f := range files {
		v, err := f.ReadAll(id, field, min, max)
		if err != nil {
			return nil, err
		}
		values = append(values, v...)
	}
	return values.Deduplicate(), nil
}

// Keys returns the sorted union of composite (series id, field) keys across
// all block files.
func (s *FileStore) Keys() [][]byte {
	s.mu.RLock()
	files := s.files
	s.mu.RUnlock()

	seen := make(map[string]bool)
	var keys [][]byte
	for _, f := range files {
		f.ForEachKey(func(id uint32, field string, _ []IndexEntry) error {
			k := CacheKey(id, field)
			if !seen[string(k)] {
				seen[string(k)] = true
				keys = append(keys, k)
			}
			return nil
		})
	}
	sort.Slice(keys, func(i, j int) bool { return bytes.Compare(keys[i], keys[j]) < 0 })
	return keys
}

// Files returns the current set of readers. The slice must not be mutated.
func (s *FileStore) Files() []*Reader {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.files
}

// FileNames returns the base names of the current block files.
func (s *FileStore) FileNames() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.files))
	for _, f := range s.files {
		names = append(names, filepath.Base(f.Path()))
	}
	return names
}

// Count returns the number of live block files.
func (s *FileStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.files)
}

// TotalSize returns the combined size of all block files in bytes.
func (s *FileStore) TotalSize() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var n int64
	for _, f := range s.files {
		n += f.Size()
	}
	return n
}

// NextGeneration returns the generation number the next compaction should
// write.
func (s *FileStore) NextGeneration() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	gen := 0
	for _, f := range s.files {
		if g, _, err := ParseFileName(filepath.Base(f.Path())); err == nil && g > gen {
			gen = g
		}
	}
	return gen + 1
}

// Close closes every open block file.
func (s *FileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs *multierror.Error
	for _, f := range s.files {
		errs = multierror.Append(errs, f.Close())
	}
	s.files = nil
	return errs.ErrorOrNil()
}
