package storage_test

import (
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sekido/sekido/internal/storage"
)

func openTestStore(t *testing.T) *storage.Store {
	t.Helper()

	s, err := storage.Open(storage.Options{
		Path:            filepath.Join(t.TempDir(), "db"),
		BlockCacheSize:  8 << 20,
		WriteBufferSize: 4 << 20,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSetGet(t *testing.T) {
	s := openTestStore(t)

	v := storage.StoredValue{Flags: 7, Data: []byte("payload")}
	require.NoError(t, s.Set([]byte("k"), v))

	got, err := s.Get([]byte("k"))
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, uint32(7), got.Flags)
	assert.Equal(t, []byte("payload"), got.Data)
}

func TestGetMiss(t *testing.T) {
	s := openTestStore(t)

	got, err := s.Get([]byte("absent"))
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestSetOverwrites(t *testing.T) {
	s := openTestStore(t)

	require.NoError(t, s.Set([]byte("k"), storage.StoredValue{Data: []byte("one")}))
	require.NoError(t, s.Set([]byte("k"), storage.StoredValue{Flags: 3, Data: []byte("two")}))

	got, err := s.Get([]byte("k"))
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, []byte("two"), got.Data)
	assert.Equal(t, uint32(3), got.Flags)
}

func TestInvalidKey(t *testing.T) {
	s := openTestStore(t)

	long := make([]byte, 251)
	for i := range long {
		long[i] = 'a'
	}

	_, err := s.Get(nil)
	assert.ErrorIs(t, err, storage.ErrInvalidKey)
	_, err = s.Get(long)
	assert.ErrorIs(t, err, storage.ErrInvalidKey)
	err = s.Set(long, storage.StoredValue{})
	assert.ErrorIs(t, err, storage.ErrInvalidKey)
}

func TestLazyExpiration(t *testing.T) {
	now := uint64(1_700_000_000)
	restore := storage.SetNowUnixForTest(func() uint64 { return now })
	defer restore()

	s := openTestStore(t)

	require.NoError(t, s.Set([]byte("k"), storage.StoredValue{
		ExpireAt: now + 10,
		Data:     []byte("v"),
	}))

	got, err := s.Get([]byte("k"))
	require.NoError(t, err)
	require.NotNil(t, got)

	now += 11

	got, err = s.Get([]byte("k"))
	require.NoError(t, err)
	assert.Nil(t, got)
	assert.Equal(t, uint64(1), s.ExpiredRemoved())
}

func TestDelete(t *testing.T) {
	s := openTestStore(t)

	require.NoError(t, s.Set([]byte("k"), storage.StoredValue{Data: []byte("v")}))

	existed, err := s.Delete([]byte("k"))
	require.NoError(t, err)
	assert.True(t, existed)

	existed, err = s.Delete([]byte("k"))
	require.NoError(t, err)
	assert.False(t, existed)

	got, err := s.Get([]byte("k"))
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestDeleteExpiredReportsNotFound(t *testing.T) {
	now := uint64(1_700_000_000)
	restore := storage.SetNowUnixForTest(func() uint64 { return now })
	defer restore()

	s := openTestStore(t)

	require.NoError(t, s.Set([]byte("k"), storage.StoredValue{ExpireAt: now - 1, Data: []byte("v")}))

	existed, err := s.Delete([]byte("k"))
	require.NoError(t, err)
	assert.False(t, existed)
}

func TestMultiGet(t *testing.T) {
	now := uint64(1_700_000_000)
	restore := storage.SetNowUnixForTest(func() uint64 { return now })
	defer restore()

	s := openTestStore(t)

	require.NoError(t, s.Set([]byte("a"), storage.StoredValue{Data: []byte("1")}))
	require.NoError(t, s.Set([]byte("b"), storage.StoredValue{ExpireAt: now - 1, Data: []byte("2")}))
	require.NoError(t, s.Set([]byte("c"), storage.StoredValue{Data: []byte("3")}))

	got, err := s.MultiGet([][]byte{[]byte("a"), []byte("b"), []byte("missing"), []byte("c")})
	require.NoError(t, err)
	require.Len(t, got, 4)
	require.NotNil(t, got[0])
	assert.Equal(t, []byte("1"), got[0].Data)
	assert.Nil(t, got[1], "expired entry should be a miss")
	assert.Nil(t, got[2])
	require.NotNil(t, got[3])
	assert.Equal(t, []byte("3"), got[3].Data)
}

func TestIncrDecr(t *testing.T) {
	s := openTestStore(t)

	_, err := s.Incr([]byte("missing"), 1)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	_, err = s.Decr([]byte("missing"), 1)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	require.NoError(t, s.Set([]byte("n"), storage.StoredValue{Flags: 9, Data: []byte("10")}))

	n, err := s.Incr([]byte("n"), 5)
	require.NoError(t, err)
	assert.Equal(t, uint64(15), n)

	n, err = s.Decr([]byte("n"), 20)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), n, "decr clamps at zero")

	got, err := s.Get([]byte("n"))
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, uint32(9), got.Flags, "flags survive the rewrite")
}

func TestIncrNonNumeric(t *testing.T) {
	s := openTestStore(t)

	require.NoError(t, s.Set([]byte("s"), storage.StoredValue{Data: []byte("abc")}))
	_, err := s.Incr([]byte("s"), 1)
	assert.ErrorIs(t, err, storage.ErrNonNumeric)
}

func TestIncrOverflow(t *testing.T) {
	s := openTestStore(t)

	require.NoError(t, s.Set([]byte("m"), storage.StoredValue{Data: []byte("18446744073709551615")}))
	_, err := s.Incr([]byte("m"), 1)
	assert.ErrorIs(t, err, storage.ErrOverflow)

	got, err := s.Get([]byte("m"))
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, []byte("18446744073709551615"), got.Data, "failed incr leaves value intact")
}

func TestIncrConcurrent(t *testing.T) {
	s := openTestStore(t)

	require.NoError(t, s.Set([]byte("cnt"), storage.StoredValue{Data: []byte("0")}))

	const workers = 8
	const perWorker = 50

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perWorker; j++ {
				_, err := s.Incr([]byte("cnt"), 1)
				assert.NoError(t, err)
			}
		}()
	}
	wg.Wait()

	got, err := s.Get([]byte("cnt"))
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, fmt.Sprintf("%d", workers*perWorker), string(got.Data))
}

func TestTouch(t *testing.T) {
	now := uint64(1_700_000_000)
	restore := storage.SetNowUnixForTest(func() uint64 { return now })
	defer restore()

	s := openTestStore(t)

	touched, err := s.Touch([]byte("missing"), 100)
	require.NoError(t, err)
	assert.False(t, touched)

	require.NoError(t, s.Set([]byte("k"), storage.StoredValue{ExpireAt: now + 5, Data: []byte("v")}))

	touched, err = s.Touch([]byte("k"), 1000)
	require.NoError(t, err)
	assert.True(t, touched)

	now += 100

	got, err := s.Get([]byte("k"))
	require.NoError(t, err)
	assert.NotNil(t, got, "touch should have extended the expiry")
}

func TestFlushAll(t *testing.T) {
	s := openTestStore(t)

	for i := 0; i < 10; i++ {
		key := []byte(fmt.Sprintf("k%d", i))
		require.NoError(t, s.Set(key, storage.StoredValue{Data: []byte("v")}))
	}

	require.NoError(t, s.FlushAll(0))

	for i := 0; i < 10; i++ {
		got, err := s.Get([]byte(fmt.Sprintf("k%d", i)))
		require.NoError(t, err)
		assert.Nil(t, got)
	}
}

func TestFlushAllDelayed(t *testing.T) {
	s := openTestStore(t)

	require.NoError(t, s.Set([]byte("k"), storage.StoredValue{Data: []byte("v")}))
	require.NoError(t, s.FlushAll(20*time.Millisecond))

	got, err := s.Get([]byte("k"))
	require.NoError(t, err)
	assert.NotNil(t, got, "value should survive until the delay elapses")

	assert.Eventually(t, func() bool {
		got, err := s.Get([]byte("k"))
		return err == nil && got == nil
	}, 2*time.Second, 10*time.Millisecond)
}

func TestTTLCompactionPass(t *testing.T) {
	now := uint64(1_700_000_000)
	restore := storage.SetNowUnixForTest(func() uint64 { return now })
	defer restore()

	s := openTestStore(t)

	require.NoError(t, s.Set([]byte("live"), storage.StoredValue{Data: []byte("v")}))
	require.NoError(t, s.Set([]byte("dead1"), storage.StoredValue{ExpireAt: now - 1, Data: []byte("v")}))
	require.NoError(t, s.Set([]byte("dead2"), storage.StoredValue{ExpireAt: now - 100, Data: []byte("v")}))

	removed, err := s.CompactOnceForTest()
	require.NoError(t, err)
	assert.Equal(t, 2, removed)
	assert.Equal(t, uint64(2), s.CompactionRemoved())

	got, err := s.Get([]byte("live"))
	require.NoError(t, err)
	assert.NotNil(t, got)
}

func TestReopenPersists(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "db")

	s, err := storage.Open(storage.Options{Path: dir})
	require.NoError(t, err)
	require.NoError(t, s.Set([]byte("k"), storage.StoredValue{Flags: 5, Data: []byte("durable")}))
	require.NoError(t, s.Close())

	s, err = storage.Open(storage.Options{Path: dir})
	require.NoError(t, err)
	defer s.Close()

	got, err := s.Get([]byte("k"))
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, []byte("durable"), got.Data)
	assert.Equal(t, uint32(5), got.Flags)
}

func TestCloseIdempotent(t *testing.T) {
	s, err := storage.Open(storage.Options{Path: filepath.Join(t.TempDir(), "db")})
	require.NoError(t, err)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
}
