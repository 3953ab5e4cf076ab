package dupcheck

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"
)

// TestDidContainIdempotence covers the duplicate-filter invariant: the
// first submission of a hash is not a duplicate, the second is.
func TestDidContainIdempotence(t *testing.T) {
	f := New()
	hash := big.NewInt(0xdeadbeef)

	first := f.DidContain(hash)
	second := f.DidContain(hash)

	require.False(t, first)
	require.True(t, second)
}

func TestDidContainDistinctHashesIndependent(t *testing.T) {
	f := New()
	a := big.NewInt(1)
	b := big.NewInt(2)

	require.False(t, f.DidContain(a))
	require.False(t, f.DidContain(b))
	require.True(t, f.DidContain(a))
	require.True(t, f.DidContain(b))
	require.Equal(t, 2, f.Len())
}

func TestToShortHashTakesLow64Bits(t *testing.T) {
	hash, ok := new(big.Int).SetString("ff00000000000000000000000000000000000000000000000000000000ab", 16)
	require.True(t, ok)
	got := ToShortHash(hash)
	require.Equal(t, ShortHash(0x00ab), got)
}
