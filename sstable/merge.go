package sstable

import (
	"bytes"
	"container/heap"
)

// MergeIterator performs a k-way merge over multiple ascending-key
// Sources, yielding each distinct key once: the version with the
// highest seq wins, and any older versions of that key (from other
// inputs) are silently drained. Source precedence on a seq tie follows
// input order — earlier sources (expected to be newer levels) win.
type MergeIterator struct {
	h mergeHeap
}

// NewMergeIterator returns a MergeIterator over srcs, read in the
// given order (index 0 is highest precedence on a seq tie).
func NewMergeIterator(srcs []Source) (*MergeIterator, error) {
	m := &MergeIterator{}
	for i, s := range srcs {
		rec, ok, err := s.Next()
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		m.h = append(m.h, &mergeItem{src: s, srcIndex: i, rec: rec})
	}
	heap.Init(&m.h)
	return m, nil
}

// Next returns the next merged record in ascending key order, dropping
// shadowed older versions of each key. Tombstones are passed through
// unchanged; it is the caller's job (compaction) to decide whether a
// tombstone survives into the output.
func (m *MergeIterator) Next() (Record, bool, error) {
	if m.h.Len() == 0 {
		return Record{}, false, nil
	}

	top := m.h[0]
	winner := top.rec

	if err := m.advance(top); err != nil {
		return Record{}, false, err
	}

	// Drain any other sources currently holding the same key: they are
	// older versions (MergeIterator never multiplexes two live entries
	// for one key to the caller).
	for m.h.Len() > 0 && bytes.Equal(m.h[0].rec.Key, winner.Key) {
		next := m.h[0]
		if err := m.advance(next); err != nil {
			return Record{}, false, err
		}
	}

	return winner, true, nil
}

// advance pops item from the heap, pulls the next record from its
// source, and pushes it back if one was available.
func (m *MergeIterator) advance(item *mergeItem) error {
	idx := item.index
	heap.Remove(&m.h, idx)

	rec, ok, err := item.src.Next()
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	item.rec = rec
	heap.Push(&m.h, item)
	return nil
}

type mergeItem struct {
	src      Source
	srcIndex int
	rec      Record
	index    int
}

type mergeHeap []*mergeItem

func (h mergeHeap) Len() int { return len(h) }

func (h mergeHeap) Less(i, j int) bool {
	c := bytes.Compare(h[i].rec.Key, h[j].rec.Key)
	if c != 0 {
		return c < 0
	}
	if h[i].rec.Seq != h[j].rec.Seq {
		return h[i].rec.Seq > h[j].rec.Seq
	}
	return h[i].srcIndex < h[j].srcIndex
}

func (h mergeHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *mergeHeap) Push(x any) {
	item := x.(*mergeItem)
	item.index = len(*h)
	*h = append(*h, item)
}

func (h *mergeHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}
