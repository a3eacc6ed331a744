package bloom

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFilter_InsertedKeysNeverFalseNegative(t *testing.T) {
	f := NewForKeys(1000, 0.01)
	for i := 0; i < 1000; i++ {
		f.Insert([]byte(fmt.Sprintf("key-%d", i)))
	}
	for i := 0; i < 1000; i++ {
		if !f.MayContain([]byte(fmt.Sprintf("key-%d", i))) {
			t.Fatalf("key-%d: false negative", i)
		}
	}
}

func TestFilter_FalsePositiveRateNearTarget(t *testing.T) {
	const n = 2000
	f := NewForKeys(n, 0.01)
	for i := 0; i < n; i++ {
		f.Insert([]byte(fmt.Sprintf("present-%d", i)))
	}

	fp := 0
	for i := 0; i < n; i++ {
		if f.MayContain([]byte(fmt.Sprintf("absent-%d", i))) {
			fp++
		}
	}

	rate := float64(fp) / float64(n)
	if rate > 0.02 {
		t.Fatalf("false positive rate too high: %.4f", rate)
	}
}

func TestFilter_EncodeDecodeRoundTrip(t *testing.T) {
	f := NewForKeys(100, 0.01)
	f.Insert([]byte("alpha"))
	f.Insert([]byte("beta"))

	decoded, err := Decode(f.Encode())
	require.NoError(t, err)
	require.True(t, decoded.MayContain([]byte("alpha")))
	require.True(t, decoded.MayContain([]byte("beta")))
}

func TestDecode_RejectsTruncatedBits(t *testing.T) {
	f := NewForKeys(100, 0.01)
	enc := f.Encode()
	// Lie about bits_len being large enough when it is not.
	truncated := enc[:len(enc)-4]
	_, err := Decode(truncated)
	require.ErrorIs(t, err, ErrFormat)
}

func TestDecode_RejectsOversizedBitArray(t *testing.T) {
	bad := make([]byte, 16)
	// num_bits tiny, but bits_len claims something absurd.
	bad[0] = 8
	for i := 12; i < 16; i++ {
		bad[i] = 0xFF
	}
	_, err := Decode(bad)
	require.ErrorIs(t, err, ErrFormat)
}

func TestNewForKeys_MinimumBits(t *testing.T) {
	f := NewForKeys(1, 0.5)
	if f.numBits < 8 {
		t.Fatalf("numBits below minimum: %d", f.numBits)
	}
}

func TestNewForKeys_HashCountCapped(t *testing.T) {
	f := NewForKeys(1, 0.0000001)
	if f.numHashes > 30 {
		t.Fatalf("numHashes exceeds cap: %d", f.numHashes)
	}
	if f.numHashes < 1 {
		t.Fatalf("numHashes below minimum: %d", f.numHashes)
	}
}
