// Package db implements the engine orchestrator: sequencing writes,
// flushing the memtable to L0, tracking levels through the manifest,
// compacting L0+L1 into a fresh L1, and recovering from the WAL and
// manifest on open.
package db

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/anthropics/lsmgo/internal/lock"
	"github.com/anthropics/lsmgo/manifest"
	"github.com/anthropics/lsmgo/memtable"
	"github.com/anthropics/lsmgo/sstable"
	"github.com/anthropics/lsmgo/wal"
)

var (
	// ErrInvalidArgument wraps argument errors, e.g. an empty key.
	ErrInvalidArgument = errors.New("db: invalid argument")
	// ErrClosed is returned by every operation after Close.
	ErrClosed = errors.New("db: closed")
)

// ErrEmptyKey is returned by Set/Del/Get for a zero-length key.
var ErrEmptyKey = fmt.Errorf("%w: empty key", ErrInvalidArgument)

const manifestFilename = "MANIFEST"

// DB is a single-writer embedded key-value engine.
type DB struct {
	mu     sync.Mutex
	closed bool

	opts Options

	mem *memtable.Memtable
	seq uint64

	w *wal.Writer

	l0 []*sstable.Table // newest first
	l1 []*sstable.Table // newest first (len <= 1 in this engine)

	man *manifest.Manifest

	dirLock *lock.Lock
}

// Open recovers (or creates) an engine rooted at opts.WalPath /
// opts.SSTDir.
func Open(opts Options) (*DB, error) {
	if opts.SSTDir == "" {
		opts.SSTDir = "."
	}
	if err := os.MkdirAll(opts.SSTDir, 0o755); err != nil {
		return nil, err
	}

	var dl *lock.Lock
	if opts.Lock {
		l, err := lock.Acquire(filepath.Join(opts.SSTDir, "LOCK"))
		if err != nil {
			return nil, err
		}
		dl = l
	}

	d := &DB{
		opts:    opts,
		mem:     memtable.New(),
		dirLock: dl,
	}

	if err := cleanupTmpFiles(opts.SSTDir); err != nil {
		_ = dl.Close()
		return nil, err
	}

	walMaxSeq, err := wal.Replay(opts.WalPath, func(r wal.Record) error {
		switch r.Op {
		case wal.OpPut:
			d.mem.Put(r.Key, r.Value, r.Seq)
		case wal.OpDel:
			d.mem.Delete(r.Key, r.Seq)
		default:
			return wal.ErrCorrupt
		}
		return nil
	})
	if err != nil {
		_ = dl.Close()
		return nil, err
	}

	w, err := wal.Open(opts.WalPath, opts.WalSync)
	if err != nil {
		_ = dl.Close()
		return nil, err
	}
	d.w = w

	man, err := manifest.Open(filepath.Join(opts.SSTDir, manifestFilename))
	if err != nil {
		_ = w.Close()
		_ = dl.Close()
		return nil, err
	}
	d.man = man

	var sstMaxSeq uint64
	for _, e := range man.Entries() {
		tbl, err := sstable.Open(filepath.Join(opts.SSTDir, e.File))
		if err != nil {
			_ = w.Close()
			_ = dl.Close()
			return nil, err
		}
		if tbl.MaxSeq > sstMaxSeq {
			sstMaxSeq = tbl.MaxSeq
		}
		switch e.Level {
		case 0:
			d.l0 = append(d.l0, tbl)
		case 1:
			d.l1 = append(d.l1, tbl)
		}
	}

	d.seq = walMaxSeq
	if sstMaxSeq > d.seq {
		d.seq = sstMaxSeq
	}

	return d, nil
}

func cleanupTmpFiles(dir string) error {
	ents, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	for _, e := range ents {
		if e.IsDir() {
			continue
		}
		if strings.HasSuffix(e.Name(), ".sst.tmp") {
			_ = os.Remove(filepath.Join(dir, e.Name()))
		}
	}
	return nil
}

// Set inserts or replaces value for key.
func (d *DB) Set(key, value []byte) error {
	if len(key) == 0 {
		return ErrEmptyKey
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrClosed
	}

	d.seq++
	seq := d.seq
	if err := d.w.Append(wal.OpPut, seq, key, value); err != nil {
		d.seq--
		return err
	}
	d.mem.Put(key, value, seq)
	return d.maybeFlushAndCompactLocked()
}

// Del inserts a tombstone for key.
func (d *DB) Del(key []byte) error {
	if len(key) == 0 {
		return ErrEmptyKey
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrClosed
	}

	d.seq++
	seq := d.seq
	if err := d.w.Append(wal.OpDel, seq, key, nil); err != nil {
		d.seq--
		return err
	}
	d.mem.Delete(key, seq)
	return d.maybeFlushAndCompactLocked()
}

func (d *DB) maybeFlushAndCompactLocked() error {
	if d.mem.ApproxSize() < d.opts.effectiveFlushThreshold() {
		return nil
	}
	if err := d.flushLocked(); err != nil {
		return err
	}
	if d.opts.L0CompactionTrigger > 0 && len(d.l0) >= d.opts.L0CompactionTrigger {
		return d.compactLocked()
	}
	return nil
}

// Get returns (value, true, nil) if key is live, (nil, false, nil) if
// key is absent or tombstoned, or a non-nil error on I/O failure.
func (d *DB) Get(key []byte) ([]byte, bool, error) {
	if len(key) == 0 {
		return nil, false, ErrEmptyKey
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, false, ErrClosed
	}

	if r, ok := d.mem.Get(key); ok {
		if r.Tombstone {
			return nil, false, nil
		}
		return r.Value, true, nil
	}

	for _, tbl := range d.l0 {
		value, present, found, err := getFromTable(tbl, key)
		if err != nil {
			return nil, false, err
		}
		if found {
			return value, present, nil
		}
	}
	for _, tbl := range d.l1 {
		value, present, found, err := getFromTable(tbl, key)
		if err != nil {
			return nil, false, err
		}
		if found {
			return value, present, nil
		}
	}
	return nil, false, nil
}

// getFromTable looks key up in tbl. found reports whether tbl held any
// version of key (live or tombstoned) — the caller stops searching
// older levels either way; present reports whether that version is
// live.
func getFromTable(tbl *sstable.Table, key []byte) (value []byte, present, found bool, err error) {
	if !tbl.MayContain(key) {
		return nil, false, false, nil
	}
	rec, ok, err := tbl.Get(key)
	if err != nil {
		return nil, false, false, err
	}
	if !ok {
		return nil, false, false, nil
	}
	if !rec.Present {
		return nil, false, true, nil
	}
	return rec.Value, true, true, nil
}

// KeyValue is one entry returned by Scan.
type KeyValue struct {
	Key   []byte
	Value []byte
}

// Scan returns all live entries with key in [start, end), sorted
// ascending. A nil start means -infinity; a nil end means +infinity.
func (d *DB) Scan(start, end []byte) ([]KeyValue, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, ErrClosed
	}

	var sources []sstable.Source
	sources = append(sources, sstable.NewMemtableSource(d.mem.Range(start, end)))

	var iters []*sstable.Iterator
	defer func() {
		for _, it := range iters {
			_ = it.Close()
		}
	}()

	for _, tbl := range append(append([]*sstable.Table{}, d.l0...), d.l1...) {
		it, err := tbl.RangeKeys(start, end)
		if err != nil {
			return nil, err
		}
		iters = append(iters, it)
		sources = append(sources, it)
	}

	m, err := sstable.NewMergeIterator(sources)
	if err != nil {
		return nil, err
	}

	var out []KeyValue
	for {
		rec, ok, err := m.Next()
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
		if rec.Present {
			out = append(out, KeyValue{Key: rec.Key, Value: rec.Value})
		}
	}
	return out, nil
}

// ForceFlush flushes the memtable to a new L0 SSTable. No-op if the
// memtable is empty.
func (d *DB) ForceFlush() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrClosed
	}
	return d.flushLocked()
}

func (d *DB) flushLocked() error {
	if d.mem.Len() == 0 {
		return nil
	}

	tbl, err := sstable.WriteFromMemtable(d.mem, d.opts.SSTDir)
	if err != nil {
		return err
	}

	d.l0 = append([]*sstable.Table{tbl}, d.l0...)

	if err := d.saveManifestLocked(); err != nil {
		return err
	}
	if err := d.w.TruncateToZero(); err != nil {
		return err
	}
	d.mem.Clear()
	return nil
}

// Compact merges all L0 and L1 tables into a single new L1 table,
// dropping tombstones for keys no longer present in the memtable.
// No-op if there are no SSTables.
func (d *DB) Compact() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrClosed
	}
	return d.compactLocked()
}

func (d *DB) compactLocked() error {
	inputs := append(append([]*sstable.Table{}, d.l0...), d.l1...)
	if len(inputs) == 0 {
		return nil
	}

	var sources []sstable.Source
	var iters []*sstable.Iterator
	for _, tbl := range inputs {
		it, err := tbl.Keys()
		if err != nil {
			for _, o := range iters {
				_ = o.Close()
			}
			return err
		}
		iters = append(iters, it)
		sources = append(sources, it)
	}

	m, err := sstable.NewMergeIterator(sources)
	if err != nil {
		for _, it := range iters {
			_ = it.Close()
		}
		return err
	}

	var filtered []sstable.Record
	for {
		rec, ok, err := m.Next()
		if err != nil {
			for _, it := range iters {
				_ = it.Close()
			}
			return err
		}
		if !ok {
			break
		}
		if !rec.Present {
			if _, inMem := d.mem.Get(rec.Key); !inMem {
				continue // tombstone shadows nothing still visible; drop it
			}
		}
		filtered = append(filtered, rec)
	}
	for _, it := range iters {
		_ = it.Close()
	}

	var newL1 []*sstable.Table
	if len(filtered) > 0 {
		tbl, err := sstable.WriteFromIterator(sstable.NewSliceSource(filtered), d.opts.SSTDir)
		if err != nil {
			return err
		}
		newL1 = []*sstable.Table{tbl}
	}

	oldL0, oldL1 := d.l0, d.l1
	d.l0 = nil
	d.l1 = newL1

	if err := d.saveManifestLocked(); err != nil {
		return err
	}

	for _, tbl := range oldL0 {
		_ = os.Remove(tbl.Path)
	}
	for _, tbl := range oldL1 {
		_ = os.Remove(tbl.Path)
	}
	return nil
}

func (d *DB) saveManifestLocked() error {
	entries := make([]manifest.Entry, 0, len(d.l0)+len(d.l1))
	for _, tbl := range d.l0 {
		entries = append(entries, manifest.Entry{Level: 0, File: filepath.Base(tbl.Path)})
	}
	for _, tbl := range d.l1 {
		entries = append(entries, manifest.Entry{Level: 1, File: filepath.Base(tbl.Path)})
	}
	return d.man.Replace(entries)
}

// Close performs a best-effort final flush (errors swallowed, since
// data is already durable in the WAL) and releases engine resources.
func (d *DB) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	if d.mem.Len() > 0 {
		_ = d.flushLocked()
	}
	err := d.w.Close()
	if d.dirLock != nil {
		_ = d.dirLock.Close()
	}
	d.closed = true
	return err
}

// Seq returns the last assigned sequence number.
func (d *DB) Seq() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.seq
}

// L0Count returns the number of L0 tables.
func (d *DB) L0Count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.l0)
}

// L1Count returns the number of L1 tables.
func (d *DB) L1Count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.l1)
}

// FlushThreshold returns the currently configured flush threshold.
func (d *DB) FlushThreshold() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.opts.FlushThresholdBytes
}

// L0CompactionTrigger returns the currently configured L0 compaction
// trigger.
func (d *DB) L0CompactionTrigger() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.opts.L0CompactionTrigger
}

// SetFlushThreshold reconfigures the flush threshold.
func (d *DB) SetFlushThreshold(bytes int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.opts.FlushThresholdBytes = bytes
}

// SetL0CompactionTrigger reconfigures the L0 compaction trigger; 0
// disables auto-compaction.
func (d *DB) SetL0CompactionTrigger(count int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.opts.L0CompactionTrigger = count
}
