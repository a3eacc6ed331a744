// Package sstable implements the on-disk sorted immutable file format:
// a DATA section of ascending-key records, a BLOOM filter section, a
// dense INDEX mapping every key to its data offset, and a fixed FOOTER
// naming the section boundaries and file version.
//
// Three on-disk versions are understood by the reader: SST1 (no bloom,
// no per-record CRC, no max_seq footer field), SST2 (adds bloom), and
// SST3 (adds max_seq and per-record CRC32). The writer only ever
// produces SST3.
package sstable

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/anthropics/lsmgo/bloom"
	"github.com/anthropics/lsmgo/memtable"
)

// ErrCorrupt is returned for CRC mismatches, truncated or malformed
// records, or an inconsistent footer.
var ErrCorrupt = errors.New("sstable: corrupt")

// ErrFormat is returned for an unsupported SSTable version, i.e. a
// trailing magic that is not SST1, SST2 or SST3.
var ErrFormat = errors.New("sstable: unsupported format")

var (
	magicSST1 = [4]byte{'S', 'S', 'T', '1'}
	magicSST2 = [4]byte{'S', 'S', 'T', '2'}
	magicSST3 = [4]byte{'S', 'S', 'T', '3'}
)

// Record is one entry as stored in (or merged for) an SSTable: a key
// plus the value-or-tombstone version written for it.
type Record struct {
	Key     []byte
	Seq     uint64
	Present bool // true = live value, false = tombstone
	Value   []byte
}

// Source is the minimal pull-based iteration capability both a
// streaming SSTable reader and an in-memory memtable snapshot can
// satisfy, so MergeIterator can merge across either kind uniformly.
type Source interface {
	// Next returns the next record in ascending key order, or ok=false
	// at end of input.
	Next() (rec Record, ok bool, err error)
}

// FormatFilename returns the canonical SSTable filename for a file
// whose maximum contained sequence number is maxSeq, zero-padded so
// lexicographic sort matches numeric sort.
func FormatFilename(maxSeq uint64, tsMs int64) string {
	return fmt.Sprintf("sst-%020d-%d.sst", maxSeq, tsMs)
}

// WriteFromMemtable writes a new SSTable into dir from mem's sorted
// contents and returns a reader for it. The final filename is derived
// from the maximum sequence number among the written entries.
func WriteFromMemtable(mem *memtable.Memtable, dir string) (*Table, error) {
	return writeFrom(dir, &memtableSource{recs: mem.Iter()})
}

// WriteFromIterator writes the records of src (which must yield
// strictly increasing keys) into a new SSTable in dir and returns a
// reader for it. All of src is read into memory before the file is
// written; the output is not streamed record by record.
func WriteFromIterator(src Source, dir string) (*Table, error) {
	return writeFrom(dir, src)
}

type memtableSource struct {
	recs []memtable.Record
	i    int
}

func (s *memtableSource) Next() (Record, bool, error) {
	if s.i >= len(s.recs) {
		return Record{}, false, nil
	}
	r := s.recs[s.i]
	s.i++
	return Record{Key: r.Key, Seq: r.Seq, Present: !r.Tombstone, Value: r.Value}, true, nil
}

func writeFrom(dir string, src Source) (*Table, error) {
	tmp, err := os.CreateTemp(dir, "sst-*.sst.tmp")
	if err != nil {
		return nil, err
	}
	tmpPath := tmp.Name()

	table, err := writeSections(tmp, tmpPath, src)
	if err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return nil, err
	}

	finalName := FormatFilename(table.MaxSeq, time.Now().UnixMilli())
	finalPath := filepath.Join(dir, finalName)
	if err := os.Rename(tmpPath, finalPath); err != nil {
		_ = os.Remove(tmpPath)
		return nil, err
	}

	table.Path = finalPath
	return table, nil
}

// writeSections writes DATA, BLOOM, INDEX, FOOTER to f and returns the
// in-memory Table description. Its Path is the temp file path; the
// caller replaces it after the atomic rename.
func writeSections(f *os.File, path string, src Source) (*Table, error) {
	w := bufio.NewWriterSize(f, 64*1024)

	var (
		offset uint64
		maxSeq uint64
		index  []indexEntry
	)

	// All records are buffered so the bloom filter can be sized up
	// front. A flush buffers one memtable; a compaction buffers every
	// entry that survives the merge of L0 and L1.
	var recs []Record
	for {
		r, ok, err := src.Next()
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
		recs = append(recs, r)
	}
	if len(recs) == 0 {
		return nil, errEmptySource
	}

	filter := bloom.NewForKeys(len(recs), bloom.DefaultFalsePositiveRate)
	for _, r := range recs {
		filter.Insert(r.Key)
	}

	for _, r := range recs {
		index = append(index, indexEntry{key: cloneBytes(r.Key), offset: offset})
		n, err := writeDataRecord(w, r)
		if err != nil {
			return nil, err
		}
		offset += uint64(n)
		if r.Seq > maxSeq {
			maxSeq = r.Seq
		}
	}

	bloomOffset := offset
	bloomBytes := filter.Encode()
	if _, err := w.Write(bloomBytes); err != nil {
		return nil, err
	}
	offset += uint64(len(bloomBytes))

	indexOffset := offset
	for _, e := range index {
		n, err := writeIndexEntry(w, e)
		if err != nil {
			return nil, err
		}
		offset += uint64(n)
	}

	var footer [28]byte
	binary.LittleEndian.PutUint64(footer[0:8], maxSeq)
	binary.LittleEndian.PutUint64(footer[8:16], bloomOffset)
	binary.LittleEndian.PutUint64(footer[16:24], indexOffset)
	copy(footer[24:28], magicSST3[:])
	if _, err := w.Write(footer[:]); err != nil {
		return nil, err
	}

	if err := w.Flush(); err != nil {
		return nil, err
	}
	if err := f.Sync(); err != nil {
		return nil, err
	}
	if err := f.Close(); err != nil {
		return nil, err
	}

	return &Table{
		Path:        path,
		Version:     3,
		MaxSeq:      maxSeq,
		bloomOffset: bloomOffset,
		indexOffset: indexOffset,
		dataEnd:     bloomOffset,
		index:       indexToMap(index),
		bloom:       filter,
	}, nil
}

var errEmptySource = errors.New("sstable: refusing to write an empty table")

// ErrEmptySource reports whether err indicates the source had no
// records. The db package's flush and compact check for emptiness
// themselves and never pass an empty source.
func ErrEmptySource(err error) bool {
	return errors.Is(err, errEmptySource)
}

func writeDataRecord(w io.Writer, r Record) (int, error) {
	body := encodeDataBody(r)
	crc := crc32.ChecksumIEEE(body)

	var crcBuf [4]byte
	binary.LittleEndian.PutUint32(crcBuf[:], crc)
	if _, err := w.Write(crcBuf[:]); err != nil {
		return 0, err
	}
	if _, err := w.Write(body); err != nil {
		return 0, err
	}
	return 4 + len(body), nil
}

func encodeDataBody(r Record) []byte {
	present := byte(0)
	if r.Present {
		present = 1
	}

	size := 4 + len(r.Key) + 8 + 1
	if r.Present {
		size += 4 + len(r.Value)
	}
	body := make([]byte, size)
	binary.LittleEndian.PutUint32(body[0:4], uint32(len(r.Key)))
	n := 4
	copy(body[n:], r.Key)
	n += len(r.Key)
	binary.LittleEndian.PutUint64(body[n:n+8], r.Seq)
	n += 8
	body[n] = present
	n++
	if r.Present {
		binary.LittleEndian.PutUint32(body[n:n+4], uint32(len(r.Value)))
		n += 4
		copy(body[n:], r.Value)
	}
	return body
}

func writeIndexEntry(w io.Writer, e indexEntry) (int, error) {
	var klen [4]byte
	binary.LittleEndian.PutUint32(klen[:], uint32(len(e.key)))
	if _, err := w.Write(klen[:]); err != nil {
		return 0, err
	}
	if _, err := w.Write(e.key); err != nil {
		return 0, err
	}
	var off [8]byte
	binary.LittleEndian.PutUint64(off[:], e.offset)
	if _, err := w.Write(off[:]); err != nil {
		return 0, err
	}
	return 4 + len(e.key) + 8, nil
}

type indexEntry struct {
	key    []byte
	offset uint64
}

func indexToMap(entries []indexEntry) map[string]uint64 {
	m := make(map[string]uint64, len(entries))
	for _, e := range entries {
		m[string(e.key)] = e.offset
	}
	return m
}

// Table is a read-only handle on an immutable SSTable file.
type Table struct {
	Path    string
	Version uint32
	MaxSeq  uint64

	index       map[string]uint64
	bloomOffset uint64
	indexOffset uint64
	dataEnd     uint64
	bloom       *bloom.Filter // nil on SST1
}

// Open reads path's footer and index into memory.
func Open(path string) (*Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	st, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if st.Size() < 28 {
		return nil, ErrCorrupt
	}
	size := st.Size()

	var magic [4]byte
	if _, err := f.ReadAt(magic[:], size-4); err != nil {
		return nil, err
	}

	var (
		version     uint32
		maxSeq      uint64
		bloomOffset uint64
		indexOffset uint64
		hasMaxSeq   bool
		hasBloom    bool
	)

	switch magic {
	case magicSST3:
		buf := make([]byte, 28)
		if _, err := f.ReadAt(buf, size-28); err != nil {
			return nil, err
		}
		maxSeq = binary.LittleEndian.Uint64(buf[0:8])
		bloomOffset = binary.LittleEndian.Uint64(buf[8:16])
		indexOffset = binary.LittleEndian.Uint64(buf[16:24])
		version, hasMaxSeq, hasBloom = 3, true, true
	case magicSST2:
		if size < 20 {
			return nil, ErrCorrupt
		}
		buf := make([]byte, 20)
		if _, err := f.ReadAt(buf, size-20); err != nil {
			return nil, err
		}
		bloomOffset = binary.LittleEndian.Uint64(buf[0:8])
		indexOffset = binary.LittleEndian.Uint64(buf[8:16])
		version, hasMaxSeq, hasBloom = 2, false, true
	case magicSST1:
		if size < 12 {
			return nil, ErrCorrupt
		}
		buf := make([]byte, 12)
		if _, err := f.ReadAt(buf, size-12); err != nil {
			return nil, err
		}
		indexOffset = binary.LittleEndian.Uint64(buf[0:8])
		version, hasMaxSeq, hasBloom = 1, false, false
	default:
		return nil, ErrFormat
	}

	if indexOffset > uint64(size) {
		return nil, ErrCorrupt
	}

	dataEnd := indexOffset
	if hasBloom {
		dataEnd = bloomOffset
	}

	var filter *bloom.Filter
	if hasBloom {
		if bloomOffset > indexOffset {
			return nil, ErrCorrupt
		}
		bb := make([]byte, indexOffset-bloomOffset)
		if _, err := f.ReadAt(bb, int64(bloomOffset)); err != nil {
			return nil, err
		}
		filter, err = bloom.Decode(bb)
		if err != nil {
			return nil, err
		}
	}

	footerSize := footerSizeFor(version)
	indexBytesLen := uint64(size) - uint64(footerSize) - indexOffset
	if _, err := f.Seek(int64(indexOffset), io.SeekStart); err != nil {
		return nil, err
	}
	index, err := readIndex(io.LimitReader(bufio.NewReaderSize(f, 64*1024), int64(indexBytesLen)))
	if err != nil {
		return nil, err
	}

	t := &Table{
		Path:        path,
		Version:     version,
		MaxSeq:      maxSeq,
		index:       index,
		bloomOffset: bloomOffset,
		indexOffset: indexOffset,
		dataEnd:     dataEnd,
		bloom:       filter,
	}

	if !hasMaxSeq {
		max, err := t.scanMaxSeq()
		if err != nil {
			return nil, err
		}
		t.MaxSeq = max
	}

	return t, nil
}

func footerSizeFor(version uint32) int64 {
	switch version {
	case 1:
		return 12
	case 2:
		return 20
	default:
		return 28
	}
}

func readIndex(r io.Reader) (map[string]uint64, error) {
	index := make(map[string]uint64)
	for {
		var klenBuf [4]byte
		_, err := io.ReadFull(r, klenBuf[:])
		if err != nil {
			if errors.Is(err, io.EOF) {
				return index, nil
			}
			return nil, ErrCorrupt
		}
		klen := binary.LittleEndian.Uint32(klenBuf[:])
		key := make([]byte, klen)
		if _, err := io.ReadFull(r, key); err != nil {
			return nil, ErrCorrupt
		}
		var offBuf [8]byte
		if _, err := io.ReadFull(r, offBuf[:]); err != nil {
			return nil, ErrCorrupt
		}
		index[string(key)] = binary.LittleEndian.Uint64(offBuf[:])
	}
}

func (t *Table) scanMaxSeq() (uint64, error) {
	it, err := t.Keys()
	if err != nil {
		return 0, err
	}
	defer func() { _ = it.Close() }()

	var max uint64
	for {
		r, ok, err := it.Next()
		if err != nil {
			return 0, err
		}
		if !ok {
			break
		}
		if r.Seq > max {
			max = r.Seq
		}
	}
	return max, nil
}

// MayContain reports whether key might be present, consulting the
// bloom filter when one is embedded (always true on SST1).
func (t *Table) MayContain(key []byte) bool {
	if t.bloom == nil {
		return true
	}
	return t.bloom.MayContain(key)
}

// Get looks up key, returning (record, true, nil) on a hit and
// (zero, false, nil) on a definitive miss.
func (t *Table) Get(key []byte) (Record, bool, error) {
	if !t.MayContain(key) {
		return Record{}, false, nil
	}
	offset, ok := t.index[string(key)]
	if !ok {
		return Record{}, false, nil
	}

	f, err := os.Open(t.Path)
	if err != nil {
		return Record{}, false, err
	}
	defer func() { _ = f.Close() }()

	if _, err := f.Seek(int64(offset), io.SeekStart); err != nil {
		return Record{}, false, err
	}
	r := bufio.NewReader(f)
	rec, err := readDataRecord(r, t.Version >= 3)
	if err != nil {
		return Record{}, false, err
	}
	return rec, true, nil
}

func readDataRecord(r io.Reader, hasCRC bool) (Record, error) {
	var wantCRC uint32
	if hasCRC {
		var crcBuf [4]byte
		if _, err := io.ReadFull(r, crcBuf[:]); err != nil {
			return Record{}, ErrCorrupt
		}
		wantCRC = binary.LittleEndian.Uint32(crcBuf[:])
	}

	var body bytes.Buffer
	tee := io.TeeReader(r, &body)

	var klenBuf [4]byte
	if _, err := io.ReadFull(tee, klenBuf[:]); err != nil {
		return Record{}, ErrCorrupt
	}
	klen := binary.LittleEndian.Uint32(klenBuf[:])
	key := make([]byte, klen)
	if _, err := io.ReadFull(tee, key); err != nil {
		return Record{}, ErrCorrupt
	}

	var seqBuf [8]byte
	if _, err := io.ReadFull(tee, seqBuf[:]); err != nil {
		return Record{}, ErrCorrupt
	}
	seq := binary.LittleEndian.Uint64(seqBuf[:])

	presentBuf := make([]byte, 1)
	if _, err := io.ReadFull(tee, presentBuf); err != nil {
		return Record{}, ErrCorrupt
	}
	present := presentBuf[0] == 1

	var value []byte
	if present {
		var vlenBuf [4]byte
		if _, err := io.ReadFull(tee, vlenBuf[:]); err != nil {
			return Record{}, ErrCorrupt
		}
		vlen := binary.LittleEndian.Uint32(vlenBuf[:])
		value = make([]byte, vlen)
		if _, err := io.ReadFull(tee, value); err != nil {
			return Record{}, ErrCorrupt
		}
	}

	if hasCRC {
		if crc32.ChecksumIEEE(body.Bytes()) != wantCRC {
			return Record{}, ErrCorrupt
		}
	}

	return Record{Key: key, Seq: seq, Present: present, Value: value}, nil
}

func cloneBytes(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
