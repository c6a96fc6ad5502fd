package nibbles

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPathGetAt(t *testing.T) {
	p := FromBytes([]byte{0xab, 0xcd, 0xef})
	require.Equal(t, 6, p.Length())
	want := []byte{0xa, 0xb, 0xc, 0xd, 0xe, 0xf}
	for i, w := range want {
		require.Equal(t, w, p.GetAt(i), "nibble %d", i)
	}
	require.Equal(t, byte(0xa), p.FirstNibble())
}

func TestPathSlices(t *testing.T) {
	p := FromBytes([]byte{0x12, 0x34, 0x56})

	from := p.SliceFrom(3)
	require.Equal(t, 3, from.Length())
	require.Equal(t, byte(0x4), from.GetAt(0))
	require.Equal(t, byte(0x6), from.GetAt(2))

	to := p.SliceTo(2)
	require.Equal(t, 2, to.Length())
	require.Equal(t, byte(0x1), to.GetAt(0))
	require.Equal(t, byte(0x2), to.GetAt(1))

	mid := p.Slice(1, 5)
	require.Equal(t, 4, mid.Length())
	require.Equal(t, byte(0x2), mid.GetAt(0))
	require.Equal(t, byte(0x5), mid.GetAt(3))
}

func TestPathEqualIgnoresAlignment(t *testing.T) {
	// Same nibble sequence 0x2, 0x3, 0x4 carved at different alignments.
	a := FromBytes([]byte{0x12, 0x34}).SliceFrom(1).SliceTo(3)
	b := FromBytes([]byte{0x23, 0x40}).SliceTo(3)
	require.True(t, a.Equal(b))
	require.True(t, b.Equal(a))

	c := FromBytes([]byte{0x23, 0x50}).SliceTo(3)
	require.False(t, a.Equal(c))
}

func TestFindFirstDifferentNibble(t *testing.T) {
	tests := []struct {
		name string
		a, b Path
		want int
	}{
		{"identical", FromBytes([]byte{0xab, 0xcd}), FromBytes([]byte{0xab, 0xcd}), 4},
		{"diverge at 0", FromBytes([]byte{0xab}), FromBytes([]byte{0xbb}), 0},
		{"diverge at 1", FromBytes([]byte{0xab}), FromBytes([]byte{0xac}), 1},
		{"diverge at 2", FromBytes([]byte{0xab, 0xcd}), FromBytes([]byte{0xab, 0xdd}), 2},
		{"prefix", FromBytes([]byte{0xab}), FromBytes([]byte{0xab, 0xcd}), 2},
		{"empty", Empty(), FromBytes([]byte{0xab}), 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, tt.a.FindFirstDifferentNibble(tt.b))
			require.Equal(t, tt.want, tt.b.FindFirstDifferentNibble(tt.a))
		})
	}
}

func TestFindFirstDifferentNibbleUnaligned(t *testing.T) {
	// Odd-offset views exercise the scalar fallback rather than the
	// byte-aligned fast path.
	a := FromBytes([]byte{0x1a, 0xbc, 0xd0}).SliceFrom(1).SliceTo(4) // a b c d
	b := FromBytes([]byte{0xab, 0xcd})                               // a b c d
	require.Equal(t, 4, a.FindFirstDifferentNibble(b))

	c := FromBytes([]byte{0xab, 0xce})
	require.Equal(t, 3, a.FindFirstDifferentNibble(c))
}

func TestHasPrefix(t *testing.T) {
	p := FromBytes([]byte{0xab, 0xcd})
	require.True(t, p.HasPrefix(Empty()))
	require.True(t, p.HasPrefix(p.SliceTo(3)))
	require.True(t, p.HasPrefix(p))
	require.False(t, p.HasPrefix(FromBytes([]byte{0xac})))
	require.False(t, p.HasPrefix(FromBytes([]byte{0xab, 0xcd, 0xef})))
}

func TestBytesRoundTrip(t *testing.T) {
	p := FromBytes([]byte{0x12, 0x34, 0x56}).SliceFrom(1).SliceTo(4) // 2 3 4 5
	packed := p.Bytes()
	require.Equal(t, []byte{0x23, 0x45}, packed)

	decoded := Decode(packed, 4)
	require.True(t, p.Equal(decoded))

	odd := FromBytes([]byte{0x12, 0x34}).SliceTo(3) // 1 2 3
	require.Equal(t, []byte{0x12, 0x30}, odd.Bytes())
	require.True(t, odd.Equal(Decode(odd.Bytes(), 3)))
}

func TestConcat(t *testing.T) {
	a := FromBytes([]byte{0x12}).SliceTo(1)  // 1
	b := FromBytes([]byte{0x34, 0x50}).SliceTo(3) // 3 4 5
	c := Concat(a, b)
	require.Equal(t, 4, c.Length())
	require.Equal(t, []byte{0x13, 0x45}, c.Bytes())

	require.True(t, Concat(Empty(), b).Equal(b))
	require.True(t, Concat(a, Empty()).Equal(a))
}

func TestFromKeccakLength(t *testing.T) {
	var h [32]byte
	h[0] = 0xab
	h[31] = 0xcd
	p := FromKeccak(h)
	require.Equal(t, KeccakNibbleLength, p.Length())
	require.Equal(t, byte(0xa), p.GetAt(0))
	require.Equal(t, byte(0xd), p.GetAt(63))
}
