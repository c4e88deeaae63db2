package storage

import (
	"fmt"
	"hash/fnv"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	ldberrors "github.com/syndtr/goleveldb/leveldb/errors"
	"github.com/syndtr/goleveldb/leveldb/filter"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/util"
)

const (
	lockStripes    = 64
	deleteBatchMax = 1024
)

// Options configures the storage layer. MaxWriteBufferNumber and
// MaxBackgroundJobs are accepted for config compatibility; this engine
// sizes its own compaction workers.
type Options struct {
	Path                  string
	BlockCacheSize        int
	WriteBufferSize       int
	MaxWriteBufferNumber  int
	TargetFileSizeBase    int
	MaxBackgroundJobs     int
	EnableCompression     bool
	EnableTTLCompaction   bool
	TTLCompactionInterval time.Duration
	Logger                *slog.Logger
}

// Store adapts the LSM engine to memcached semantics: lazy expiration on
// read, a background TTL compaction pass, and key validation.
type Store struct {
	db     *leveldb.DB
	logger *slog.Logger
	closed atomic.Bool

	locks [lockStripes]sync.Mutex

	expiredRemoved    atomic.Uint64
	compactionRemoved atomic.Uint64

	compactor *ttlCompactor
}

var nowUnix = func() uint64 { return uint64(time.Now().Unix()) }

// Open opens or creates the database directory.
func Open(opts Options) (*Store, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	if dir := filepath.Dir(opts.Path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create storage directory: %w", err)
		}
	}

	o := &opt.Options{
		BlockCacheCapacity:  opts.BlockCacheSize,
		WriteBuffer:         opts.WriteBufferSize,
		CompactionTableSize: opts.TargetFileSizeBase,
		Filter:              filter.NewBloomFilter(10),
	}
	if opts.EnableCompression {
		o.Compression = opt.SnappyCompression
	} else {
		o.Compression = opt.NoCompression
	}

	db, err := leveldb.OpenFile(opts.Path, o)
	if _, corrupted := err.(*ldberrors.ErrCorrupted); corrupted {
		logger.Warn("database corrupted, attempting recovery", "path", opts.Path)
		db, err = leveldb.RecoverFile(opts.Path, o)
	}
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	s := &Store{
		db:     db,
		logger: logger,
	}

	if opts.EnableTTLCompaction {
		interval := opts.TTLCompactionInterval
		if interval <= 0 {
			interval = 5 * time.Minute
		}
		s.compactor = newTTLCompactor(s, interval)
		s.compactor.start()
	}

	logger.Info("storage opened",
		"path", opts.Path,
		"block_cache_bytes", opts.BlockCacheSize,
		"ttl_compaction", opts.EnableTTLCompaction)

	return s, nil
}

// Close stops background work and closes the database.
func (s *Store) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	if s.compactor != nil {
		s.compactor.stop()
	}
	return s.db.Close()
}

func validateKey(key []byte) error {
	if len(key) == 0 || len(key) > MaxKeyLength {
		return ErrInvalidKey
	}
	return nil
}

// Get returns the live value for key, or nil if the key is missing or
// expired. An expired entry is deleted best-effort; failure to delete is
// not reported because the read result is the same either way.
func (s *Store) Get(key []byte) (*StoredValue, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}

	raw, err := s.db.Get(key, nil)
	if err == leveldb.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("backend get: %w", err)
	}

	v, err := DecodeValue(raw)
	if err != nil {
		return nil, err
	}
	if v.IsExpired(nowUnix()) {
		s.expiredRemoved.Add(1)
		if derr := s.db.Delete(key, nil); derr != nil {
			s.logger.Debug("lazy expiration delete failed", "err", derr)
		}
		return nil, nil
	}
	return &v, nil
}

// MultiGet looks up all keys against one snapshot. The result slice is
// aligned with keys; nil marks a miss. Expired entries are dropped and
// deleted best-effort in one batch.
func (s *Store) MultiGet(keys [][]byte) ([]*StoredValue, error) {
	for _, key := range keys {
		if err := validateKey(key); err != nil {
			return nil, err
		}
	}

	snap, err := s.db.GetSnapshot()
	if err != nil {
		return nil, fmt.Errorf("backend snapshot: %w", err)
	}
	defer snap.Release()

	now := nowUnix()
	results := make([]*StoredValue, len(keys))
	var expired *leveldb.Batch

	for i, key := range keys {
		raw, err := snap.Get(key, nil)
		if err == leveldb.ErrNotFound {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("backend get: %w", err)
		}
		v, err := DecodeValue(raw)
		if err != nil {
			return nil, err
		}
		if v.IsExpired(now) {
			if expired == nil {
				expired = new(leveldb.Batch)
			}
			expired.Delete(key)
			continue
		}
		results[i] = &v
	}

	if expired != nil {
		s.expiredRemoved.Add(uint64(expired.Len()))
		if derr := s.db.Write(expired, nil); derr != nil {
			s.logger.Debug("lazy expiration batch delete failed", "err", derr)
		}
	}
	return results, nil
}

// Set stores the value, replacing any existing entry.
func (s *Store) Set(key []byte, v StoredValue) error {
	if err := validateKey(key); err != nil {
		return err
	}
	if err := s.db.Put(key, v.Encode(), nil); err != nil {
		return fmt.Errorf("backend put: %w", err)
	}
	return nil
}

// Delete removes key and reports whether a live entry existed. The delete
// is issued unconditionally; the engine's delete is idempotent, so the
// existed check racing a concurrent writer only affects the reply line.
func (s *Store) Delete(key []byte) (bool, error) {
	if err := validateKey(key); err != nil {
		return false, err
	}

	raw, err := s.db.Get(key, nil)
	existed := false
	switch {
	case err == leveldb.ErrNotFound:
	case err != nil:
		return false, fmt.Errorf("backend get: %w", err)
	default:
		if expiredHeader(raw, nowUnix()) {
			s.expiredRemoved.Add(1)
		} else {
			existed = true
		}
	}

	if err := s.db.Delete(key, nil); err != nil {
		return false, fmt.Errorf("backend delete: %w", err)
	}
	return existed, nil
}

// Incr atomically adds delta to a numeric value. Flags and expiry are kept.
func (s *Store) Incr(key []byte, delta uint64) (uint64, error) {
	return s.addDelta(key, delta, true)
}

// Decr atomically subtracts delta from a numeric value, clamping at zero.
func (s *Store) Decr(key []byte, delta uint64) (uint64, error) {
	return s.addDelta(key, delta, false)
}

func (s *Store) addDelta(key []byte, delta uint64, incr bool) (uint64, error) {
	if err := validateKey(key); err != nil {
		return 0, err
	}

	lock := s.stripe(key)
	lock.Lock()
	defer lock.Unlock()

	v, err := s.Get(key)
	if err != nil {
		return 0, err
	}
	if v == nil {
		return 0, ErrNotFound
	}

	cur, err := strconv.ParseUint(string(v.Data), 10, 64)
	if err != nil {
		return 0, ErrNonNumeric
	}

	var next uint64
	if incr {
		if cur > ^uint64(0)-delta {
			return 0, ErrOverflow
		}
		next = cur + delta
	} else {
		if delta >= cur {
			next = 0
		} else {
			next = cur - delta
		}
	}

	v.Data = []byte(strconv.FormatUint(next, 10))
	if err := s.Set(key, *v); err != nil {
		return 0, err
	}
	return next, nil
}

// Touch updates the expiry of a live entry and reports whether it existed.
func (s *Store) Touch(key []byte, exptime int64) (bool, error) {
	if err := validateKey(key); err != nil {
		return false, err
	}

	lock := s.stripe(key)
	lock.Lock()
	defer lock.Unlock()

	v, err := s.Get(key)
	if err != nil {
		return false, err
	}
	if v == nil {
		return false, nil
	}
	v.ExpireAt = ComputeExpireAt(exptime, nowUnix())
	if err := s.Set(key, *v); err != nil {
		return false, err
	}
	return true, nil
}

// FlushAll logically deletes every key. A positive delay arms a timer and
// returns immediately; the sweep itself is a snapshot iteration with
// batched deletes, so writes issued after the sweep are unaffected.
func (s *Store) FlushAll(delay time.Duration) error {
	if delay > 0 {
		time.AfterFunc(delay, func() {
			if s.closed.Load() {
				return
			}
			if err := s.flushNow(); err != nil {
				s.logger.Warn("delayed flush_all failed", "err", err)
			}
		})
		return nil
	}
	return s.flushNow()
}

func (s *Store) flushNow() error {
	snap, err := s.db.GetSnapshot()
	if err != nil {
		return fmt.Errorf("backend snapshot: %w", err)
	}
	defer snap.Release()

	iter := snap.NewIterator(nil, nil)
	defer iter.Release()

	batch := new(leveldb.Batch)
	for iter.Next() {
		batch.Delete(append([]byte(nil), iter.Key()...))
		if batch.Len() >= deleteBatchMax {
			if err := s.db.Write(batch, nil); err != nil {
				return fmt.Errorf("backend delete batch: %w", err)
			}
			batch.Reset()
		}
	}
	if err := iter.Error(); err != nil {
		return fmt.Errorf("backend iterate: %w", err)
	}
	if batch.Len() > 0 {
		if err := s.db.Write(batch, nil); err != nil {
			return fmt.Errorf("backend delete batch: %w", err)
		}
	}
	return nil
}

// Compact runs one TTL pass and then a full range compaction.
func (s *Store) Compact() error {
	if _, err := s.compactOnce(); err != nil {
		return err
	}
	if err := s.db.CompactRange(util.Range{}); err != nil {
		return fmt.Errorf("backend compact: %w", err)
	}
	return nil
}

// ExpiredRemoved reports keys removed by lazy expiration.
func (s *Store) ExpiredRemoved() uint64 { return s.expiredRemoved.Load() }

// CompactionRemoved reports keys removed by the TTL compaction pass.
func (s *Store) CompactionRemoved() uint64 { return s.compactionRemoved.Load() }

func (s *Store) stripe(key []byte) *sync.Mutex {
	h := fnv.New32a()
	h.Write(key)
	return &s.locks[h.Sum32()%lockStripes]
}
