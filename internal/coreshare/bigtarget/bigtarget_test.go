package bigtarget

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScoreSaturatesAtWindowBound(t *testing.T) {
	diff1 := big.NewInt(10)
	hash := big.NewInt(1)
	score := Score(hash, diff1)
	assert.Equal(t, big.NewInt(WindowTotalScore), score)
}

func TestScoreZeroHashSaturates(t *testing.T) {
	diff1 := big.NewInt(1)
	score := Score(big.NewInt(0), diff1)
	assert.Equal(t, int64(WindowTotalScore), score.Int64())
}

func TestScoreGenesisExample(t *testing.T) {
	// A share hashing at exactly diff1 scores 1 share unit out of the
	// window's 5,000,000 total.
	diff1 := big.NewInt(1_000_000)
	hash := big.NewInt(1_000_000)
	score := Score(hash, diff1)
	assert.Equal(t, int64(ShareUnits), score.Int64())
}

func TestHashMeetsTarget(t *testing.T) {
	target := big.NewInt(100)
	assert.True(t, HashMeetsTarget(big.NewInt(100), target))
	assert.True(t, HashMeetsTarget(big.NewInt(99), target))
	assert.False(t, HashMeetsTarget(big.NewInt(101), target))
}

func TestScoreBitcoinBlock40000(t *testing.T) {
	hash, ok := new(big.Int).SetString("000000008cc302b834ffd229ab1a3b9649017babb0b79e83c9eee2a7049ffc00", 16)
	require.True(t, ok)
	diff1, ok := new(big.Int).SetString("00000000ffff0000000000000000000000000000000000000000000000000000", 16)
	require.True(t, ok)
	assert.Equal(t, int64(1_818_648), Score(hash, diff1).Int64())
}

func TestTargetToCompactRoundTrip(t *testing.T) {
	for _, bits := range []uint32{0x1b0404cb, 0x1d00ffff, 0x207fffff} {
		target := CompactToTarget(bits)
		got := TargetToCompact(target)
		assert.Equal(t, bits, got, "round trip for bits %08x", bits)
	}
}

func TestScoreTargetDuality(t *testing.T) {
	diff1 := big.NewInt(1_000_000)
	for _, u := range []uint64{1, 2, 1000, WindowTotalScore} {
		target := TargetFromDiffUnits(u, diff1)
		got := Score(target, diff1)
		assert.Equal(t, int64(u), got.Int64(), "duality failed for u=%d", u)
	}
}

func TestU256BytesRoundTrip(t *testing.T) {
	v, ok := new(big.Int).SetString("ff00000000000000000000000000000000000000000000000000000000ab", 16)
	require.True(t, ok)
	b := U256ToBytesBE(v)
	got := BytesToU256BE(b[:])
	assert.Equal(t, 0, v.Cmp(got))
}

func TestClamp(t *testing.T) {
	lo, hi := big.NewInt(10), big.NewInt(20)
	assert.Equal(t, int64(10), Clamp(big.NewInt(5), lo, hi).Int64())
	assert.Equal(t, int64(20), Clamp(big.NewInt(25), lo, hi).Int64())
	assert.Equal(t, int64(15), Clamp(big.NewInt(15), lo, hi).Int64())
}

func TestTargetFromDiffUnits(t *testing.T) {
	diff1 := big.NewInt(1_000_000)
	target := TargetFromDiffUnits(1, diff1)
	assert.Equal(t, int64(1_000_000*ShareUnits), target.Int64())
}
