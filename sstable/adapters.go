package sstable

import "github.com/anthropics/lsmgo/memtable"

// NewMemtableSource adapts a sorted memtable snapshot (as returned by
// Memtable.Iter or Memtable.Range) into a Source for MergeIterator.
func NewMemtableSource(recs []memtable.Record) Source {
	return &memtableSource{recs: recs}
}

// NewSliceSource adapts an already-ordered, already-filtered slice of
// Records into a Source, for feeding WriteFromIterator with records
// assembled in memory (e.g. post-tombstone-filtering during compaction).
func NewSliceSource(recs []Record) Source {
	return &sliceRecordSource{recs: recs}
}

type sliceRecordSource struct {
	recs []Record
	i    int
}

func (s *sliceRecordSource) Next() (Record, bool, error) {
	if s.i >= len(s.recs) {
		return Record{}, false, nil
	}
	r := s.recs[s.i]
	s.i++
	return r, true, nil
}
