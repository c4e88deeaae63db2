package storage

import (
	"fmt"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
)

// ttlCompactor garbage-collects expired records in the background. Each
// pass samples the clock once and decides expiry from the record header
// alone; entries that expire mid-pass survive until the next pass, and the
// read path covers them with lazy expiration. Records too short to decode
// are kept and logged.
type ttlCompactor struct {
	store    *Store
	interval time.Duration
	stopc    chan struct{}
	donec    chan struct{}
}

func newTTLCompactor(s *Store, interval time.Duration) *ttlCompactor {
	return &ttlCompactor{
		store:    s,
		interval: interval,
		stopc:    make(chan struct{}),
		donec:    make(chan struct{}),
	}
}

func (c *ttlCompactor) start() {
	go c.run()
}

func (c *ttlCompactor) stop() {
	close(c.stopc)
	<-c.donec
}

func (c *ttlCompactor) run() {
	defer close(c.donec)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopc:
			return
		case <-ticker.C:
			removed, err := c.store.compactOnce()
			if err != nil {
				c.store.logger.Warn("ttl compaction pass failed", "err", err)
				continue
			}
			if removed > 0 {
				c.store.logger.Info("ttl compaction pass", "removed", removed)
			}
		}
	}
}

func (s *Store) compactOnce() (int, error) {
	snap, err := s.db.GetSnapshot()
	if err != nil {
		return 0, fmt.Errorf("backend snapshot: %w", err)
	}
	defer snap.Release()

	// One clock sample per pass keeps the decision deterministic.
	now := nowUnix()

	iter := snap.NewIterator(nil, nil)
	defer iter.Release()

	removed := 0
	batch := new(leveldb.Batch)
	for iter.Next() {
		raw := iter.Value()
		if len(raw) < headerSize {
			s.logger.Warn("keeping undecodable record", "key_len", len(iter.Key()), "value_len", len(raw))
			continue
		}
		if !expiredHeader(raw, now) {
			continue
		}
		batch.Delete(append([]byte(nil), iter.Key()...))
		removed++
		if batch.Len() >= deleteBatchMax {
			if err := s.db.Write(batch, nil); err != nil {
				return removed, fmt.Errorf("backend delete batch: %w", err)
			}
			batch.Reset()
		}
	}
	if err := iter.Error(); err != nil {
		return removed, fmt.Errorf("backend iterate: %w", err)
	}
	if batch.Len() > 0 {
		if err := s.db.Write(batch, nil); err != nil {
			return removed, fmt.Errorf("backend delete batch: %w", err)
		}
	}

	s.compactionRemoved.Add(uint64(removed))
	return removed, nil
}
