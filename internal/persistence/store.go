// Package persistence implements the rotating record files and the access
// to diagnostic log files.
package persistence

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"github.com/jellydator/ttlcache/v3"
	"github.com/m-lab/speedtracker/internal/metrics"
	"github.com/m-lab/speedtracker/pkg/model"
)

// DefaultCacheTTL is how long a serialized aggregate is reused for
// subsequent queries when no record has been appended in the meantime.
const DefaultCacheTTL = 5 * time.Second

const aggregateKey = "aggregate"

// ErrStorage is returned when a record file cannot be read or written.
var ErrStorage = errors.New("storage failure")

// Store owns the record files of a run. It is safe for concurrent use by
// one writer and any number of readers.
type Store struct {
	dataDir        string
	logDir         string
	recordsPerFile int
	maxLogBytes    int64

	// mu serializes Append's read-modify-write cycle.
	mu sync.Mutex
	// generation is incremented on every Append, so a serialized aggregate
	// built before a concurrent Append is never cached.
	generation atomic.Uint64
	cache      *ttlcache.Cache[string, []byte]
}

// New returns a Store writing record files to dataDir and reading log files
// from logDir. dataDir is created if it does not exist.
func New(dataDir, logDir string, recordsPerFile int, cacheTTL time.Duration) (*Store, error) {
	if recordsPerFile <= 0 {
		return nil, fmt.Errorf("records per file must be positive, got %d", recordsPerFile)
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorage, err)
	}
	return &Store{
		dataDir:        dataDir,
		logDir:         logDir,
		recordsPerFile: recordsPerFile,
		maxLogBytes:    MaxLogBytes,
		cache: ttlcache.New(
			ttlcache.WithTTL[string, []byte](cacheTTL),
			ttlcache.WithDisableTouchOnHit[string, []byte](),
		),
	}, nil
}

// FileIndex returns the rotation index of the file holding testID.
func (s *Store) FileIndex(testID int) int {
	return testID % s.recordsPerFile
}

// Path returns the path of the record file with the given rotation index.
func (s *Store) Path(index int) string {
	return filepath.Join(s.dataDir, recordFileName(index))
}

// Append inserts r into its record file, replacing any previous record with
// the same TestID.
func (s *Store) Append(r model.Record) error {
	if r.TestID < 0 {
		return fmt.Errorf("%w: negative test id %d", ErrStorage, r.TestID)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	rf := recordFile{index: s.FileIndex(r.TestID)}
	rf.path = s.Path(rf.index)
	records, err := rf.load()
	if err != nil {
		// The file is rewritten from scratch, like a missing one.
		log.Warn("cannot load record file, starting a new one", "file", rf.path, "error", err)
		records = map[int]model.Record{}
	}
	records[r.TestID] = r
	if err := rf.store(records); err != nil {
		metrics.StoreErrors.WithLabelValues("append").Inc()
		return fmt.Errorf("%w: cannot write %s: %v", ErrStorage, rf.path, err)
	}
	s.generation.Add(1)
	s.cache.Delete(aggregateKey)
	metrics.RecordsWritten.Inc()
	log.Debug("record written", "id", r.TestID, "file", rf.path, "records", len(records))
	return nil
}

// ReadAggregate merges the records of every record file. Files that cannot
// be read are skipped, so the result may be partial but never fails because
// of a single file.
func (s *Store) ReadAggregate() (map[int]model.Record, error) {
	files, err := listRecordFiles(s.dataDir)
	if err != nil {
		metrics.StoreErrors.WithLabelValues("list").Inc()
		return map[int]model.Record{}, fmt.Errorf("%w: %v", ErrStorage, err)
	}
	all := map[int]model.Record{}
	for _, rf := range files {
		records, err := rf.load()
		if err != nil {
			metrics.StoreErrors.WithLabelValues("read").Inc()
			log.Warn("skipping unreadable record file", "file", rf.path, "error", err)
			continue
		}
		for id, r := range records {
			all[id] = r
		}
	}
	return all, nil
}

// AggregateJSON returns the JSON serialization of ReadAggregate. The result
// is cached until the next Append or until the cache TTL expires.
func (s *Store) AggregateJSON() ([]byte, error) {
	if item := s.cache.Get(aggregateKey); item != nil {
		return item.Value(), nil
	}
	gen := s.generation.Load()
	all, err := s.ReadAggregate()
	if err != nil {
		log.Warn("aggregate is incomplete", "error", err)
	}
	data, err := json.Marshal(all)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	if s.generation.Load() == gen {
		s.cache.Set(aggregateKey, data, ttlcache.DefaultTTL)
	}
	s.mu.Unlock()
	return data, nil
}
