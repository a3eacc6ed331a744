package wal

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWriter_AppendAndReplayRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "wal.log")

	w, err := Open(path, true)
	require.NoError(t, err)

	require.NoError(t, w.Append(OpPut, 1, []byte("a"), []byte("1")))
	require.NoError(t, w.Append(OpPut, 2, []byte("b"), []byte("2")))
	require.NoError(t, w.Append(OpDel, 3, []byte("a"), nil))
	require.NoError(t, w.Close())

	var got []Record
	maxSeq, err := Replay(path, func(r Record) error {
		got = append(got, r)
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, uint64(3), maxSeq)
	require.Len(t, got, 3)
	require.Equal(t, OpDel, got[2].Op)
	require.Equal(t, "a", string(got[2].Key))
}

func TestReplay_MissingFileIsEmpty(t *testing.T) {
	maxSeq, err := Replay(filepath.Join(t.TempDir(), "missing.log"), func(Record) error {
		t.Fatal("fn should not be called")
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, uint64(0), maxSeq)
}

func TestReplay_TornTailStopsSilently(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "wal.log")

	w, err := Open(path, true)
	require.NoError(t, err)
	require.NoError(t, w.Append(OpPut, 1, []byte("a"), []byte("1")))
	require.NoError(t, w.Close())

	// Truncate the file mid-record to simulate a crash during append.
	info, err := os.Stat(path)
	require.NoError(t, err)
	require.NoError(t, os.Truncate(path, info.Size()-2))

	var got []Record
	_, err = Replay(path, func(r Record) error {
		got = append(got, r)
		return nil
	})
	require.NoError(t, err)
	require.Empty(t, got)
}

func TestReplay_CRCMismatchIsCorruption(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "wal.log")

	w, err := Open(path, true)
	require.NoError(t, err)
	require.NoError(t, w.Append(OpPut, 1, []byte("a"), []byte("1")))
	require.NoError(t, w.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	// Flip a byte inside the body (after the 8-byte header).
	data[10] ^= 0xFF
	require.NoError(t, os.WriteFile(path, data, 0o644))

	_, err = Replay(path, func(Record) error { return nil })
	require.ErrorIs(t, err, ErrCorrupt)
}

func TestWriter_TruncateToZero(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "wal.log")

	w, err := Open(path, true)
	require.NoError(t, err)
	require.NoError(t, w.Append(OpPut, 1, []byte("a"), []byte("1")))
	require.NoError(t, w.TruncateToZero())

	info, err := os.Stat(path)
	require.NoError(t, err)
	require.Zero(t, info.Size())

	// Writer remains usable after truncation.
	require.NoError(t, w.Append(OpPut, 2, []byte("b"), []byte("2")))
	require.NoError(t, w.Close())

	var got []Record
	_, err = Replay(path, func(r Record) error {
		got = append(got, r)
		return nil
	})
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, "b", string(got[0].Key))
}

func TestReplay_IsIdempotent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "wal.log")

	w, err := Open(path, true)
	require.NoError(t, err)
	require.NoError(t, w.Append(OpPut, 1, []byte("a"), []byte("1")))
	require.NoError(t, w.Close())

	count := func() int {
		n := 0
		_, err := Replay(path, func(Record) error {
			n++
			return nil
		})
		require.NoError(t, err)
		return n
	}

	require.Equal(t, count(), count())
}
