package db

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func openTestDB(t *testing.T, opts Options) *DB {
	t.Helper()
	d, err := Open(opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Close() })
	return d
}

func testOptions(t *testing.T) Options {
	t.Helper()
	dir := t.TempDir()
	opts := DefaultOptions(filepath.Join(dir, "wal.log"), filepath.Join(dir, "sstables"))
	opts.FlushThresholdBytes = 1 << 20 // large; tests trigger flush explicitly unless noted
	return opts
}

func TestSetGetDel(t *testing.T) {
	d := openTestDB(t, testOptions(t))

	require.NoError(t, d.Set([]byte("a"), []byte("1")))
	v, ok, err := d.Get([]byte("a"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("1"), v)

	require.NoError(t, d.Del([]byte("a")))
	_, ok, err = d.Get([]byte("a"))
	require.NoError(t, err)
	require.False(t, ok)
}

func TestSet_RejectsEmptyKey(t *testing.T) {
	d := openTestDB(t, testOptions(t))
	require.ErrorIs(t, d.Set(nil, []byte("v")), ErrEmptyKey)

	_, _, err := d.Get(nil)
	require.ErrorIs(t, err, ErrEmptyKey)
}

func TestForceFlush_MovesDataIntoL0AndSurvivesReopen(t *testing.T) {
	opts := testOptions(t)

	d := openTestDB(t, opts)
	require.NoError(t, d.Set([]byte("a"), []byte("1")))
	require.NoError(t, d.Set([]byte("b"), []byte("2")))
	require.NoError(t, d.ForceFlush())
	require.Equal(t, 1, d.L0Count())
	require.NoError(t, d.Close())

	reopened, err := Open(opts)
	require.NoError(t, err)
	defer func() { _ = reopened.Close() }()
	require.Equal(t, 1, reopened.L0Count())

	v, ok, err := reopened.Get([]byte("b"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("2"), v)
}

func TestFlushThresholdTriggersAutoFlush(t *testing.T) {
	opts := testOptions(t)
	opts.FlushThresholdBytes = 1 // flush on every write

	d := openTestDB(t, opts)
	for i := 0; i < 100; i++ {
		key := []byte(fmt.Sprintf("k%02d", i))
		val := []byte(fmt.Sprintf("v%d", i))
		require.NoError(t, d.Set(key, val))
	}

	out, err := d.Scan(nil, nil)
	require.NoError(t, err)
	require.Len(t, out, 100)
	for i, kv := range out {
		require.Equal(t, fmt.Sprintf("k%02d", i), string(kv.Key))
	}
}

func TestCrashSimulation_WalReplayRecoversUnflushedWrites(t *testing.T) {
	opts := testOptions(t)

	d, err := Open(opts)
	require.NoError(t, err)
	require.NoError(t, d.Set([]byte("a"), []byte("1")))
	require.NoError(t, d.Set([]byte("b"), []byte("2")))
	// Simulate a crash: no Close, no flush.

	reopened, err := Open(opts)
	require.NoError(t, err)
	defer func() { _ = reopened.Close() }()

	v, ok, err := reopened.Get([]byte("a"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("1"), v)

	v, ok, err = reopened.Get([]byte("b"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("2"), v)

	require.GreaterOrEqual(t, reopened.Seq(), uint64(2))
}

func TestCompact_MergesLevelsAndDropsShadowedTombstones(t *testing.T) {
	opts := testOptions(t)
	d := openTestDB(t, opts)

	require.NoError(t, d.Set([]byte("a"), []byte("1")))
	require.NoError(t, d.ForceFlush())
	require.NoError(t, d.Set([]byte("a"), []byte("2")))
	require.NoError(t, d.Del([]byte("b")))
	require.NoError(t, d.ForceFlush())

	require.Equal(t, 2, d.L0Count())
	require.NoError(t, d.Compact())
	require.Equal(t, 0, d.L0Count())
	require.Equal(t, 1, d.L1Count())

	v, ok, err := d.Get([]byte("a"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("2"), v)

	_, ok, err = d.Get([]byte("b"))
	require.NoError(t, err)
	require.False(t, ok)

	// The memtable is empty, so the tombstone for "b" is not written to L1.
	_, ok, err = d.l1[0].Get([]byte("b"))
	require.NoError(t, err)
	require.False(t, ok)
}

func TestCompact_KeepsTombstoneStillShadowingMemtableEntry(t *testing.T) {
	opts := testOptions(t)
	d := openTestDB(t, opts)

	require.NoError(t, d.Set([]byte("a"), []byte("1")))
	require.NoError(t, d.ForceFlush())
	require.NoError(t, d.Del([]byte("a")))
	require.NoError(t, d.ForceFlush())
	// L0 now holds an older live "a" and a newer tombstone for "a".
	require.NoError(t, d.Set([]byte("a"), []byte("99")))
	// "a" is live again, but only in the memtable; the compaction rule
	// keeps the tombstone because its key is still referenced there.

	require.NoError(t, d.Compact())
	require.Len(t, d.l1, 1)

	rec, ok, err := d.l1[0].Get([]byte("a"))
	require.NoError(t, err)
	require.True(t, ok)
	require.False(t, rec.Present)

	v, ok, err := d.Get([]byte("a"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("99"), v)
}

func TestCorruptWalRecordSurfacesError(t *testing.T) {
	opts := testOptions(t)

	d, err := Open(opts)
	require.NoError(t, err)
	require.NoError(t, d.Set([]byte("a"), []byte("1")))
	// Corrupt before Close: Close flushes the memtable and truncates the
	// WAL, which would leave no record to corrupt.
	corruptFileByte(t, opts.WalPath, 12)

	_, err = Open(opts)
	require.Error(t, err)
	require.NoError(t, d.Close())
}

func TestScan_IsInclusiveStartExclusiveEndAndDropsTombstones(t *testing.T) {
	opts := testOptions(t)
	d := openTestDB(t, opts)

	for _, k := range []string{"a", "b", "c", "d"} {
		require.NoError(t, d.Set([]byte(k), []byte(k)))
	}
	require.NoError(t, d.ForceFlush())
	require.NoError(t, d.Del([]byte("c")))

	out, err := d.Scan([]byte("b"), []byte("d"))
	require.NoError(t, err)
	require.Len(t, out, 1)
	require.Equal(t, "b", string(out[0].Key))
}

func corruptFileByte(t *testing.T, path string, offset int64) {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	if int(offset) < len(data) {
		data[offset] ^= 0xFF
	}
	require.NoError(t, os.WriteFile(path, data, 0o644))
}
