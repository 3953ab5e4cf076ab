// Package bigtarget implements 256-bit target/score conversions for the
// share-chain. Scores and targets are modeled with math/big: the pack's only
// retrievable 256-bit integer type ships no source (see DESIGN.md), and
// djkazic/p2pool-go, a real Go implementation of the same share-chain domain,
// models sharechain targets and weights with *big.Int directly, so that is
// the idiom this package follows.
package bigtarget

import "math/big"

// ShareUnits is the fixed scaling factor giving fractional-score resolution.
const ShareUnits = 1_000_000

// WindowMultiplier is W: the PPLNS window holds WindowMultiplier*ShareUnits
// total score.
const WindowMultiplier = 5

// WindowTotalScore is W * SHARE_UNITS, the fixed sum every PPLNS window
// must maintain.
const WindowTotalScore = WindowMultiplier * ShareUnits

var (
	two256 = new(big.Int).Lsh(big.NewInt(1), 256)

	// maxU256 is 2^256 - 1.
	maxU256 = new(big.Int).Sub(two256, big.NewInt(1))

	// MaxTarget is U256::MAX / SHARE_UNITS: the easiest possible target,
	// chosen so every valid share yields at least 1 score point.
	MaxTarget = new(big.Int).Div(maxU256, big.NewInt(ShareUnits))

	windowTotalBig = big.NewInt(WindowTotalScore)
)

// NewMaxTarget returns a fresh copy of MaxTarget, safe for callers that
// mutate the result in place.
func NewMaxTarget() *big.Int {
	return new(big.Int).Set(MaxTarget)
}

// Score computes score = min((diff1*SHARE_UNITS)/hash, W*SHARE_UNITS),
// saturating at the window bound when hash is zero. Integer division
// truncates toward zero, so score is monotonic non-increasing in hash.
func Score(hash, diff1 *big.Int) *big.Int {
	if hash.Sign() == 0 {
		return new(big.Int).Set(windowTotalBig)
	}
	numerator := new(big.Int).Mul(diff1, big.NewInt(ShareUnits))
	s := new(big.Int).Div(numerator, hash)
	if s.Cmp(windowTotalBig) > 0 {
		return new(big.Int).Set(windowTotalBig)
	}
	return s
}

// TargetFromDiffUnits computes target_from_diff_units(units, diff1) =
// (diff1*SHARE_UNITS) / units.
func TargetFromDiffUnits(units uint64, diff1 *big.Int) *big.Int {
	numerator := new(big.Int).Mul(diff1, big.NewInt(ShareUnits))
	return new(big.Int).Div(numerator, new(big.Int).SetUint64(units))
}

// HashMeetsTarget reports whether hash <= target.
func HashMeetsTarget(hash, target *big.Int) bool {
	return hash.Cmp(target) <= 0
}

// Clamp returns v clamped to [lo, hi].
func Clamp(v, lo, hi *big.Int) *big.Int {
	if v.Cmp(lo) < 0 {
		return new(big.Int).Set(lo)
	}
	if v.Cmp(hi) > 0 {
		return new(big.Int).Set(hi)
	}
	return new(big.Int).Set(v)
}

// BytesToU256BE interprets a big-endian 32-byte slice as an unsigned 256-bit
// integer.
func BytesToU256BE(b []byte) *big.Int {
	return new(big.Int).SetBytes(b)
}

// U256ToBytesBE renders v as a 32-byte big-endian slice, left-padded with
// zeros.
func U256ToBytesBE(v *big.Int) [32]byte {
	var out [32]byte
	b := v.Bytes()
	if len(b) > 32 {
		b = b[len(b)-32:]
	}
	copy(out[32-len(b):], b)
	return out
}

// CompactToTarget decodes a Bitcoin-style compact "nBits" representation
// into a target.
func CompactToTarget(bits uint32) *big.Int {
	exponent := bits >> 24
	mantissa := bits & 0x007fffff
	if bits&0x00800000 != 0 {
		mantissa = 0
	}
	target := new(big.Int).SetUint64(uint64(mantissa))
	if exponent <= 3 {
		target.Rsh(target, uint(8*(3-exponent)))
	} else {
		target.Lsh(target, uint(8*(exponent-3)))
	}
	return target
}

// TargetToCompact encodes a target into Bitcoin-style compact "nBits" form.
func TargetToCompact(target *big.Int) uint32 {
	if target.Sign() == 0 {
		return 0
	}
	b := target.Bytes()
	exponent := uint32(len(b))
	var mantissa uint32
	switch {
	case exponent <= 3:
		mantissa = 0
		for _, byt := range b {
			mantissa = (mantissa << 8) | uint32(byt)
		}
		mantissa <<= 8 * (3 - exponent)
	default:
		mantissa = uint32(b[0])<<16 | uint32(b[1])<<8 | uint32(b[2])
	}
	if mantissa&0x00800000 != 0 {
		mantissa >>= 8
		exponent++
	}
	return exponent<<24 | mantissa
}
