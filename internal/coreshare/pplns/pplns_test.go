package pplns

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sharepool/node/internal/coreshare/bigtarget"
	"github.com/sharepool/node/internal/coreshare/coin"
	"github.com/sharepool/node/internal/coreshare/share"
)

// fakeBlock is a minimal coin.Block stand-in for window tests that never
// touch main-chain consensus fields.
type fakeBlock struct {
	hash *big.Int
	prev *big.Int
}

func (b fakeBlock) GetHash() *big.Int                     { return b.hash }
func (b fakeBlock) GetTarget() *big.Int                   { return bigtarget.MaxTarget }
func (b fakeBlock) GetPrev() *big.Int                     { return b.prev }
func (b fakeBlock) GetTime() int64                        { return 0 }
func (b fakeBlock) GetVersion() int32                     { return 1 }
func (b fakeBlock) CoinbaseOutputs() []coin.CoinbaseOutput { return nil }
func (b fakeBlock) CoinbaseScriptSig() []byte             { return nil }

func makeShare(height, round uint32, added, removed []share.AddressScore) share.ShareP2P {
	return share.ShareP2P{
		Block: fakeBlock{hash: big.NewInt(int64(height) + 1), prev: big.NewInt(int64(height))},
		Encoded: share.CoinbaseEncodedP2P{
			PrevHash: big.NewInt(int64(height)),
			Height:   height,
			RoundNum: round,
		},
		Changes: share.ScoreChanges{Added: added, Removed: removed},
	}
}

// TestGenesisWindowScoresFullWindow covers the genesis-acceptance scenario:
// a window seeded from a single donation-address genesis share holds the
// entire W*SHARE_UNITS total under that one address.
func TestGenesisWindowScoresFullWindow(t *testing.T) {
	donation := share.Address("donation-address")
	genesis := share.ShareP2P{
		Block:   fakeBlock{hash: big.NewInt(1), prev: big.NewInt(0)},
		Encoded: share.CoinbaseEncodedP2P{PrevHash: big.NewInt(0), Height: 1, RoundNum: 0},
	}

	w := NewGenesis(donation, genesis)

	require.Equal(t, int64(bigtarget.WindowTotalScore), w.PplnsSum().Int64())
	scores := w.AddressScores()
	require.Len(t, scores, 1)
	require.Equal(t, int64(bigtarget.WindowTotalScore), scores[donation].Int64())
	require.Equal(t, int64(5_000_000), w.PplnsSum().Int64())
}

// TestAddPreservesWindowSum exercises the sliding-window invariant: after
// any number of accepted shares, the window's total score is exactly
// W*SHARE_UNITS.
func TestAddPreservesWindowSum(t *testing.T) {
	donation := share.Address("donation-address")
	genesis := share.ShareP2P{
		Block:   fakeBlock{hash: big.NewInt(1), prev: big.NewInt(0)},
		Encoded: share.CoinbaseEncodedP2P{PrevHash: big.NewInt(0), Height: 1, RoundNum: 0},
	}
	w := NewGenesis(donation, genesis)

	miner := share.Address("miner-1")
	for i := uint32(0); i < 10; i++ {
		finderScore := big.NewInt(100_000)
		removed := w.PreviewRemoved(finderScore)
		added := []share.AddressScore{{Address: miner, Score: new(big.Int).Set(finderScore)}}

		require.True(t, w.VerifyChanges(share.ScoreChanges{Added: added, Removed: removed}, finderScore))

		ps := share.ProcessedShare{
			Inner: makeShare(i+2, 0, added, removed),
			Hash:  big.NewInt(int64(i) + 2),
			Score: finderScore,
		}
		require.NoError(t, w.Add(ps))
		require.Equal(t, int64(bigtarget.WindowTotalScore), w.PplnsSum().Int64())
	}
}

// TestAddressScoresSumMatchesWindowSum checks that the per-address score
// map always sums to the same total as PplnsSum, share after share.
func TestAddressScoresSumMatchesWindowSum(t *testing.T) {
	donation := share.Address("donation-address")
	genesis := share.ShareP2P{
		Block:   fakeBlock{hash: big.NewInt(1), prev: big.NewInt(0)},
		Encoded: share.CoinbaseEncodedP2P{PrevHash: big.NewInt(0), Height: 1, RoundNum: 0},
	}
	w := NewGenesis(donation, genesis)

	miners := []share.Address{"miner-a", "miner-b", "miner-c"}
	for i := uint32(0); i < 15; i++ {
		miner := miners[i%uint32(len(miners))]
		finderScore := big.NewInt(400_000)
		removed := w.PreviewRemoved(finderScore)
		added := []share.AddressScore{{Address: miner, Score: new(big.Int).Set(finderScore)}}
		ps := share.ProcessedShare{
			Inner: makeShare(i+2, 0, added, removed),
			Hash:  big.NewInt(int64(i) + 2),
			Score: finderScore,
		}
		require.NoError(t, w.Add(ps))

		sum := new(big.Int)
		for _, sc := range w.AddressScores() {
			sum.Add(sum, sc)
		}
		require.Equal(t, w.PplnsSum(), sum)
	}
}

// TestVerifyChangesRejectsWrongSum rejects a claimed ScoreChanges whose
// Added/Removed totals don't match the share's own score.
func TestVerifyChangesRejectsWrongSum(t *testing.T) {
	donation := share.Address("donation-address")
	genesis := share.ShareP2P{
		Block:   fakeBlock{hash: big.NewInt(1), prev: big.NewInt(0)},
		Encoded: share.CoinbaseEncodedP2P{PrevHash: big.NewInt(0), Height: 1, RoundNum: 0},
	}
	w := NewGenesis(donation, genesis)

	finderScore := big.NewInt(100_000)
	changes := share.ScoreChanges{
		Added:   []share.AddressScore{{Address: "miner-1", Score: big.NewInt(99_999)}},
		Removed: w.PreviewRemoved(finderScore),
	}
	require.False(t, w.VerifyChanges(changes, finderScore))
}

// TestVerifyChangesRejectsDuplicateAddress rejects a claim listing the same
// address twice within Added.
func TestVerifyChangesRejectsDuplicateAddress(t *testing.T) {
	donation := share.Address("donation-address")
	genesis := share.ShareP2P{
		Block:   fakeBlock{hash: big.NewInt(1), prev: big.NewInt(0)},
		Encoded: share.CoinbaseEncodedP2P{PrevHash: big.NewInt(0), Height: 1, RoundNum: 0},
	}
	w := NewGenesis(donation, genesis)

	finderScore := big.NewInt(100_000)
	changes := share.ScoreChanges{
		Added: []share.AddressScore{
			{Address: "miner-1", Score: big.NewInt(50_000)},
			{Address: "miner-1", Score: big.NewInt(50_000)},
		},
		Removed: w.PreviewRemoved(finderScore),
	}
	require.False(t, w.VerifyChanges(changes, finderScore))
}
