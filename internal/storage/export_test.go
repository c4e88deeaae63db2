package storage

// SetNowUnixForTest overrides the storage clock and returns a restore function.
func SetNowUnixForTest(f func() uint64) func() {
	prev := nowUnix
	nowUnix = f
	return func() {
		nowUnix = prev
	}
}

// CompactOnceForTest runs a single TTL compaction pass.
func (s *Store) CompactOnceForTest() (int, error) {
	return s.compactOnce()
}
