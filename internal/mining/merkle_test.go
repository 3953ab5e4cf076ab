package mining

import (
	"crypto/sha256"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/require"
)

func txidFromSeed(t *testing.T, seed string) [32]byte {
	t.Helper()
	return sha256.Sum256([]byte(seed))
}

func hashFromHex(t *testing.T, s string) [32]byte {
	t.Helper()
	b, err := hex.DecodeString(s)
	require.NoError(t, err)
	var out [32]byte
	copy(out[:], b)
	return out
}

// TestMerkleStepsFourTxidsEven covers the even-count branch: four txids
// collapse into two steps, and replaying them against the coinbase txid
// reproduces the same root an independent two-level hash would.
func TestMerkleStepsFourTxidsEven(t *testing.T) {
	txids := [][32]byte{
		txidFromSeed(t, "tx0"),
		txidFromSeed(t, "tx1"),
		txidFromSeed(t, "tx2"),
		txidFromSeed(t, "tx3"),
	}

	b := NewMerkleBuilder()
	steps := b.BuildSteps(txids)
	require.Len(t, steps, 2)

	wantStep0 := hashFromHex(t, "709b55bd3da0f5a838125bd0ee20c5bfdd7caba173912d4281cae816b79a201b")
	wantStep1 := hashFromHex(t, "d9a0e7d7ee1aa5c93984fa2772a70102afd08b066ae114ab0e7d74e91be9c1d4")
	require.Equal(t, wantStep0, steps[0])
	require.Equal(t, wantStep1, steps[1])

	root := b.ComputeRoot(txids[0], steps)
	wantRoot := hashFromHex(t, "c05116dd36c68db8709c64fe765959c54242548c56beded17b7621017631cd5b")
	require.Equal(t, wantRoot, root)
}

// TestMerkleStepsTwoTxids covers the minimal case: two txids form one
// level, produce a single step, and the coinbase paired with it
// reproduces the root.
func TestMerkleStepsTwoTxids(t *testing.T) {
	txids := [][32]byte{
		txidFromSeed(t, "tx0"),
		txidFromSeed(t, "tx1"),
	}

	b := NewMerkleBuilder()
	steps := b.BuildSteps(txids)
	require.Len(t, steps, 1)
	require.Equal(t, txids[1], steps[0])

	root := b.ComputeRoot(txids[0], steps)
	wantRoot := hashFromHex(t, "da73db587a6f933c2ab7b6ef5c6fad220a6b7e865d212f125508b9ea879bc07a")
	require.Equal(t, wantRoot, root)
}

// TestMerkleRoundTripOddCount exercises the last-element-duplication branch
// with a three-txid list, where the builder must pad before pairing.
func TestMerkleRoundTripOddCount(t *testing.T) {
	txids := [][32]byte{
		txidFromSeed(t, "a"),
		txidFromSeed(t, "b"),
		txidFromSeed(t, "c"),
	}

	b := NewMerkleBuilder()
	steps := b.BuildSteps(txids)
	root := b.ComputeRoot(txids[0], steps)

	// Recompute independently by padding the odd level by hand.
	padded := append(append([][32]byte{}, txids...), txids[2])
	level1a := doubleSHA256Concat(padded[0], padded[1])
	level1b := doubleSHA256Concat(padded[2], padded[3])
	wantRoot := doubleSHA256Concat(level1a, level1b)
	require.Equal(t, wantRoot, root)
}

func TestMerkleSingleTxidHasNoSteps(t *testing.T) {
	b := NewMerkleBuilder()
	steps := b.BuildSteps([][32]byte{txidFromSeed(t, "only")})
	require.Nil(t, steps)
}
