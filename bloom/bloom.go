// Package bloom implements the probabilistic set membership filter
// embedded in every SSTable: guarantees no false negatives, tolerates a
// bounded false positive rate.
package bloom

import (
	"encoding/binary"
	"errors"
	"hash/fnv"
	"math"

	"github.com/bits-and-blooms/bitset"
)

// ErrFormat is returned by Decode when the serialized filter's bit
// array length is inconsistent with its header or exceeds the bound
// this engine is willing to load.
var ErrFormat = errors.New("bloom: bad format")

const maxBitsLen = 128 << 20 // 128 MiB, per spec

// DefaultFalsePositiveRate is used when a caller does not specify one.
const DefaultFalsePositiveRate = 0.01

// Filter is a fixed-size bloom filter over an arbitrary number of keys.
type Filter struct {
	numBits   uint64
	numHashes uint32
	bits      *bitset.BitSet
}

// NewForKeys sizes a filter for n expected keys at false-positive rate p:
//
//	numBits   = ceil(-n*ln(p) / (ln2)^2), minimum 8
//	numHashes = max(1, round((numBits/n) * ln2)), capped at 30
func NewForKeys(n int, p float64) *Filter {
	if n < 1 {
		n = 1
	}
	if p <= 0 || p >= 1 {
		p = DefaultFalsePositiveRate
	}

	ln2 := math.Ln2
	numBits := uint64(math.Ceil(-float64(n) * math.Log(p) / (ln2 * ln2)))
	if numBits < 8 {
		numBits = 8
	}

	numHashes := uint32(math.Round((float64(numBits) / float64(n)) * ln2))
	if numHashes < 1 {
		numHashes = 1
	}
	if numHashes > 30 {
		numHashes = 30
	}

	return &Filter{
		numBits:   numBits,
		numHashes: numHashes,
		bits:      bitset.New(uint(numBits)),
	}
}

// Insert sets the numHashes bit positions derived from key.
func (f *Filter) Insert(key []byte) {
	h1, h2 := seeds(key)
	for i := uint32(0); i < f.numHashes; i++ {
		f.bits.Set(uint(position(h1, h2, i, f.numBits)))
	}
}

// MayContain returns false only if key is definitely absent.
func (f *Filter) MayContain(key []byte) bool {
	h1, h2 := seeds(key)
	for i := uint32(0); i < f.numHashes; i++ {
		if !f.bits.Test(uint(position(h1, h2, i, f.numBits))) {
			return false
		}
	}
	return true
}

func position(h1, h2 uint64, i uint32, numBits uint64) uint64 {
	return (h1 + uint64(i)*h2) % numBits
}

// seeds derives two independent 64-bit hashes for double hashing:
// h1 is FNV-1a over key, h2 is FNV-1a over key with a trailing 0xFF.
func seeds(key []byte) (uint64, uint64) {
	h := fnv.New64a()
	_, _ = h.Write(key)
	h1 := h.Sum64()

	h.Reset()
	_, _ = h.Write(key)
	_, _ = h.Write([]byte{0xFF})
	h2 := h.Sum64()
	if h2 == 0 {
		h2 = 1
	}

	return h1, h2
}

// Encode serializes the filter per the on-disk BLOOM section format:
//
//	num_bits:u64le | num_hashes:u32le | bits_len:u32le | bits
func (f *Filter) Encode() []byte {
	bitsLen := (f.numBits + 7) / 8
	packed := packBits(f.bits, bitsLen)

	out := make([]byte, 8+4+4+len(packed))
	binary.LittleEndian.PutUint64(out[0:8], f.numBits)
	binary.LittleEndian.PutUint32(out[8:12], f.numHashes)
	binary.LittleEndian.PutUint32(out[12:16], uint32(len(packed)))
	copy(out[16:], packed)
	return out
}

// Decode deserializes a filter from its on-disk representation. It
// rejects inputs whose declared bit array is too small for num_bits,
// or whose bit array exceeds the 128 MiB sanity bound.
func Decode(b []byte) (*Filter, error) {
	if len(b) < 16 {
		return nil, ErrFormat
	}
	numBits := binary.LittleEndian.Uint64(b[0:8])
	numHashes := binary.LittleEndian.Uint32(b[8:12])
	bitsLen := binary.LittleEndian.Uint32(b[12:16])

	if uint64(bitsLen) > maxBitsLen {
		return nil, ErrFormat
	}
	if uint64(bitsLen)*8 < numBits {
		return nil, ErrFormat
	}
	if numBits == 0 || numHashes == 0 {
		return nil, ErrFormat
	}
	if len(b) < 16+int(bitsLen) {
		return nil, ErrFormat
	}

	bits := unpackBits(b[16:16+bitsLen], numBits)

	return &Filter{numBits: numBits, numHashes: numHashes, bits: bits}, nil
}

// Size reports the encoded byte length without materializing it.
func (f *Filter) Size() int {
	bitsLen := (f.numBits + 7) / 8
	return 8 + 4 + 4 + int(bitsLen)
}

func packBits(b *bitset.BitSet, bitsLen uint64) []byte {
	out := make([]byte, bitsLen)
	for i, e := b.NextSet(0); e; i, e = b.NextSet(i + 1) {
		out[i/8] |= 1 << (i % 8)
	}
	return out
}

func unpackBits(packed []byte, numBits uint64) *bitset.BitSet {
	b := bitset.New(uint(numBits))
	for i := uint64(0); i < numBits; i++ {
		byteIdx := i / 8
		if byteIdx >= uint64(len(packed)) {
			break
		}
		if packed[byteIdx]&(1<<(i%8)) != 0 {
			b.Set(uint(i))
		}
	}
	return b
}
