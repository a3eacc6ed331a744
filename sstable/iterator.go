package sstable

import (
	"bufio"
	"bytes"
	"io"
	"os"
)

// Iterator streams records from an open SSTable in ascending key order
// without materializing the whole file. With startKey/endKey set it
// additionally restricts output to [startKey, endKey).
type Iterator struct {
	f        *os.File
	r        *bufio.Reader
	hasCRC   bool
	pos      uint64
	end      uint64
	startKey []byte
	endKey   []byte
	done     bool
}

// Keys returns a streaming iterator over the table's entire DATA
// section.
func (t *Table) Keys() (*Iterator, error) {
	return t.rangeKeys(nil, nil)
}

// RangeKeys returns a streaming iterator restricted to keys in
// [start, end); a nil start means -infinity, a nil end means
// +infinity.
func (t *Table) RangeKeys(start, end []byte) (*Iterator, error) {
	return t.rangeKeys(start, end)
}

func (t *Table) rangeKeys(start, end []byte) (*Iterator, error) {
	f, err := os.Open(t.Path)
	if err != nil {
		return nil, err
	}
	return &Iterator{
		f:        f,
		r:        bufio.NewReaderSize(f, 64*1024),
		hasCRC:   t.Version >= 3,
		end:      t.dataEnd,
		startKey: start,
		endKey:   end,
	}, nil
}

// Next returns the next record in range, or ok=false once the DATA
// section (or the configured range) is exhausted.
func (it *Iterator) Next() (Record, bool, error) {
	for {
		if it.done || it.pos >= it.end {
			return Record{}, false, nil
		}
		start := it.pos
		rec, n, err := readDataRecordCounting(it.r, it.hasCRC)
		if err != nil {
			if err == io.EOF {
				return Record{}, false, nil
			}
			return Record{}, false, err
		}
		it.pos = start + uint64(n)

		if it.endKey != nil && bytes.Compare(rec.Key, it.endKey) >= 0 {
			it.done = true
			return Record{}, false, nil
		}
		if it.startKey != nil && bytes.Compare(rec.Key, it.startKey) < 0 {
			continue
		}
		return rec, true, nil
	}
}

// Close releases the underlying file handle.
func (it *Iterator) Close() error {
	return it.f.Close()
}

func readDataRecordCounting(r *bufio.Reader, hasCRC bool) (Record, int, error) {
	counter := &countingReader{r: r}
	rec, err := readDataRecord(counter, hasCRC)
	if err != nil {
		return Record{}, 0, err
	}
	return rec, counter.n, nil
}

type countingReader struct {
	r io.Reader
	n int
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += n
	return n, err
}
