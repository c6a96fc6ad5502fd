package slotted

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/NethermindEth/paprika-go/nibbles"
)

func pathOf(b ...byte) nibbles.Path { return nibbles.FromBytes(b) }

func TestSetGetRoundTrip(t *testing.T) {
	a := New(make([]byte, 512))

	require.True(t, a.TrySet(pathOf(0x12, 0x34), []byte("hello")))
	require.True(t, a.TrySet(pathOf(0x56, 0x78), []byte("world")))

	v, ok := a.TryGet(pathOf(0x12, 0x34))
	require.True(t, ok)
	require.Equal(t, []byte("hello"), v)

	v, ok = a.TryGet(pathOf(0x56, 0x78))
	require.True(t, ok)
	require.Equal(t, []byte("world"), v)

	_, ok = a.TryGet(pathOf(0x9a, 0xbc))
	require.False(t, ok)
}

func TestUpdateLastWriteWins(t *testing.T) {
	a := New(make([]byte, 512))
	key := pathOf(0xab, 0xcd)

	require.True(t, a.TrySet(key, []byte("one")))
	require.True(t, a.TrySet(key, []byte("two")))
	v, ok := a.TryGet(key)
	require.True(t, ok)
	require.Equal(t, []byte("two"), v)

	// A larger value forces the tombstone-and-append path.
	require.True(t, a.TrySet(key, []byte("a much longer value")))
	v, ok = a.TryGet(key)
	require.True(t, ok)
	require.Equal(t, []byte("a much longer value"), v)
}

func TestDelete(t *testing.T) {
	a := New(make([]byte, 512))
	key := pathOf(0xab)

	require.False(t, a.Delete(key))
	require.True(t, a.TrySet(key, []byte("x")))
	require.True(t, a.Delete(key))
	_, ok := a.TryGet(key)
	require.False(t, ok)
	require.False(t, a.Delete(key))
}

func TestDeleteThenResetResurrectsKey(t *testing.T) {
	// The storage-slot 0 -> x -> 0 -> y lifecycle: re-setting a deleted key
	// must be findable again, through the same single slot.
	a := New(make([]byte, 512))
	key := pathOf(0xab, 0xcd)

	require.True(t, a.TrySet(key, []byte("x")))
	require.True(t, a.Delete(key))
	require.True(t, a.TrySet(key, []byte("y")))

	v, ok := a.TryGet(key)
	require.True(t, ok)
	require.Equal(t, []byte("y"), v)
	require.Equal(t, 1, a.Count())
}

func TestGrowingUpdateKeepsSingleSlot(t *testing.T) {
	// An update whose value outgrows the old payload must repoint the
	// existing slot, not append a duplicate that shadows lookups.
	a := New(make([]byte, 512))
	key := pathOf(0xab, 0xcd)

	require.True(t, a.TrySet(key, []byte("s")))
	require.True(t, a.TrySet(key, []byte("a value that no longer fits in place")))
	require.Equal(t, 1, a.Count())

	v, ok := a.TryGet(key)
	require.True(t, ok)
	require.Equal(t, []byte("a value that no longer fits in place"), v)

	require.True(t, a.Delete(key))
	_, ok = a.TryGet(key)
	require.False(t, ok)
}

func TestTrySetReportsFull(t *testing.T) {
	a := New(make([]byte, 64))
	i := 0
	for ; i < 100; i++ {
		if !a.TrySet(pathOf(byte(i), byte(i>>4)), []byte{byte(i)}) {
			break
		}
	}
	require.Greater(t, i, 0, "at least one entry must fit")
	require.Less(t, i, 100, "a 64-byte buffer cannot hold 100 entries")

	// Everything written before the failure is still readable.
	for j := 0; j < i; j++ {
		v, ok := a.TryGet(pathOf(byte(j), byte(j>>4)))
		require.True(t, ok, "entry %d lost", j)
		require.Equal(t, []byte{byte(j)}, v)
	}
}

func TestEnumerateAllSkipsTombstones(t *testing.T) {
	a := New(make([]byte, 512))
	for i := 0; i < 8; i++ {
		require.True(t, a.TrySet(pathOf(byte(i*16)), []byte{byte(i)}))
	}
	require.True(t, a.Delete(pathOf(0x30)))
	require.True(t, a.Delete(pathOf(0x50)))

	seen := make(map[byte]bool)
	a.EnumerateAll(func(e Entry) bool {
		seen[e.Value[0]] = true
		return true
	})
	require.Len(t, seen, 6)
	require.False(t, seen[3])
	require.False(t, seen[5])
}

func TestDeleteByPrefix(t *testing.T) {
	a := New(make([]byte, 1024))
	require.True(t, a.TrySet(pathOf(0x11, 0x22), []byte("a")))
	require.True(t, a.TrySet(pathOf(0x11, 0x33), []byte("b")))
	require.True(t, a.TrySet(pathOf(0x22, 0x22), []byte("c")))

	removed := a.DeleteByPrefix(pathOf(0x11).SliceTo(2))
	require.Equal(t, 2, removed)
	_, ok := a.TryGet(pathOf(0x11, 0x22))
	require.False(t, ok)
	v, ok := a.TryGet(pathOf(0x22, 0x22))
	require.True(t, ok)
	require.Equal(t, []byte("c"), v)
}

func TestPushDownBiggestBucket(t *testing.T) {
	a := New(make([]byte, 1024))
	// Nibble 0x7 carries the largest aggregate payload.
	require.True(t, a.TrySet(pathOf(0x71, 0x11), []byte("the biggest payload by far")))
	require.True(t, a.TrySet(pathOf(0x72, 0x22), []byte("another big one here")))
	require.True(t, a.TrySet(pathOf(0x31, 0x11), []byte("s")))

	target := New(make([]byte, 1024))
	evicted := a.PushDownBiggestBucket(target)
	require.Equal(t, byte(0x7), evicted)

	// Evicted entries live in target, sliced one nibble off.
	v, ok := target.TryGet(pathOf(0x71, 0x11).SliceFrom(1))
	require.True(t, ok)
	require.Equal(t, []byte("the biggest payload by far"), v)
	v, ok = target.TryGet(pathOf(0x72, 0x22).SliceFrom(1))
	require.True(t, ok)
	require.Equal(t, []byte("another big one here"), v)

	// The source no longer holds them but keeps the rest.
	_, ok = a.TryGet(pathOf(0x71, 0x11))
	require.False(t, ok)
	v, ok = a.TryGet(pathOf(0x31, 0x11))
	require.True(t, ok)
	require.Equal(t, []byte("s"), v)
}

func TestCompactReclaimsTombstoneSpace(t *testing.T) {
	a := New(make([]byte, 256))
	var keys []nibbles.Path
	for i := 0; ; i++ {
		k := pathOf(byte(i), byte(i>>4), byte(i>>2))
		if !a.TrySet(k, []byte(fmt.Sprintf("val-%02d", i))) {
			break
		}
		keys = append(keys, k)
	}
	// Delete half, compact, and verify the survivors plus new headroom.
	for i := 0; i < len(keys); i += 2 {
		require.True(t, a.Delete(keys[i]))
	}
	a.Compact()
	for i := 1; i < len(keys); i += 2 {
		v, ok := a.TryGet(keys[i])
		require.True(t, ok, "entry %d lost in compaction", i)
		require.Equal(t, []byte(fmt.Sprintf("val-%02d", i)), v)
	}
	require.True(t, a.TrySet(pathOf(0xff, 0xee), []byte("fits-now")))
}

func TestHashKeyStableAcrossAlignment(t *testing.T) {
	// Same nibbles, different backing alignment: must hash identically,
	// since slot hashes are persisted in pages.
	a := nibbles.FromBytes([]byte{0x12, 0x34}).SliceFrom(1).SliceTo(2)
	b := nibbles.FromBytes([]byte{0x23, 0x00}).SliceTo(2)
	require.True(t, a.Equal(b))
	require.Equal(t, hashKey(a), hashKey(b))
}

func TestResetEmpties(t *testing.T) {
	a := New(make([]byte, 256))
	require.True(t, a.TrySet(pathOf(0x12), []byte("x")))
	require.False(t, a.IsEmpty())
	a.Reset()
	require.True(t, a.IsEmpty())
	require.Equal(t, 0, a.Count())
}
