// Package memtable implements the in-memory sorted write buffer: an
// ordered mapping from key to the most recent value-or-tombstone
// written for it, gated by sequence number so replaying an already
// applied WAL record is a no-op.
package memtable

import (
	"bytes"
	"sort"
)

// Memtable holds the current, unflushed write set of an engine.
type Memtable struct {
	byKey       map[string]Record
	approxBytes int
}

// New returns an empty memtable.
func New() *Memtable {
	return &Memtable{byKey: make(map[string]Record)}
}

// Put inserts or replaces the live value for key at seq. If the stored
// entry for key already carries a seq >= seq, the call is a no-op.
func (m *Memtable) Put(key, value []byte, seq uint64) {
	m.apply(Record{Key: key, Value: value, Seq: seq})
}

// Delete inserts a tombstone for key at seq, subject to the same
// seq-gating as Put.
func (m *Memtable) Delete(key []byte, seq uint64) {
	m.apply(Record{Key: key, Tombstone: true, Seq: seq})
}

func (m *Memtable) apply(r Record) {
	k := string(r.Key)
	curr, ok := m.byKey[k]
	if ok && curr.Seq >= r.Seq {
		return
	}

	if ok {
		m.approxBytes -= entrySize(curr)
	}

	entry := Record{
		Key:       cloneBytes(r.Key),
		Tombstone: r.Tombstone,
		Seq:       r.Seq,
	}
	if !r.Tombstone {
		entry.Value = cloneBytes(r.Value)
	}
	m.byKey[k] = entry
	m.approxBytes += entrySize(entry)
}

// Get returns the current record for key, if any.
func (m *Memtable) Get(key []byte) (Record, bool) {
	r, ok := m.byKey[string(key)]
	if !ok {
		return Record{}, false
	}
	r.Key = cloneBytes(r.Key)
	r.Value = cloneBytes(r.Value)
	return r, true
}

// Len reports the number of distinct keys currently held.
func (m *Memtable) Len() int {
	return len(m.byKey)
}

// ApproxSize returns the running byte-size estimate: sum of
// (keylen + valuelen_if_live + fixed_entry_overhead) over all entries.
func (m *Memtable) ApproxSize() int {
	return m.approxBytes
}

// Clear empties the memtable, as done after a successful flush.
func (m *Memtable) Clear() {
	m.byKey = make(map[string]Record)
	m.approxBytes = 0
}

// Iter returns all records in ascending key order.
func (m *Memtable) Iter() []Record {
	return m.rangeSorted(nil, nil)
}

// Range returns records with key in [start, end) in ascending key order.
// A nil start means -infinity; a nil end means +infinity.
func (m *Memtable) Range(start, end []byte) []Record {
	return m.rangeSorted(start, end)
}

func (m *Memtable) rangeSorted(start, end []byte) []Record {
	out := make([]Record, 0, len(m.byKey))
	for _, r := range m.byKey {
		if start != nil && bytes.Compare(r.Key, start) < 0 {
			continue
		}
		if end != nil && bytes.Compare(r.Key, end) >= 0 {
			continue
		}
		cp := r
		cp.Key = cloneBytes(r.Key)
		cp.Value = cloneBytes(r.Value)
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool {
		return bytes.Compare(out[i].Key, out[j].Key) < 0
	})
	return out
}

func entrySize(r Record) int {
	size := len(r.Key) + fixedEntryOverhead
	if !r.Tombstone {
		size += len(r.Value)
	}
	return size
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
