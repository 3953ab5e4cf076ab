package blockmanager

import (
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sharepool/node/internal/coreshare/bigtarget"
	"github.com/sharepool/node/internal/coreshare/coin"
	"github.com/sharepool/node/internal/coreshare/pplns"
	"github.com/sharepool/node/internal/coreshare/share"
	"github.com/sharepool/node/internal/coreshare/targetmanager"
)

type fakeBlock struct {
	hash      *big.Int
	prev      *big.Int
	scriptSig []byte
	outputs   []coin.CoinbaseOutput
}

func (b fakeBlock) GetHash() *big.Int                     { return b.hash }
func (b fakeBlock) GetTarget() *big.Int                   { return bigtarget.MaxTarget }
func (b fakeBlock) GetPrev() *big.Int                     { return b.prev }
func (b fakeBlock) GetTime() int64                        { return 0 }
func (b fakeBlock) GetVersion() int32                     { return 1 }
func (b fakeBlock) CoinbaseOutputs() []coin.CoinbaseOutput { return b.outputs }
func (b fakeBlock) CoinbaseScriptSig() []byte             { return b.scriptSig }

// stubDecoder returns a fixed (prevHash, height) pair regardless of the
// script_sig bytes handed in, letting tests drive DecodeShare's output
// directly instead of round-tripping a real encoding.
type stubDecoder struct {
	prevHash *big.Int
	height   uint32
	err      error
}

func (d stubDecoder) DecodeScriptSig(_ []byte) (*big.Int, uint32, error) {
	return d.prevHash, d.height, d.err
}

// alwaysValidVerifier satisfies coin.MainConsensusVerifier without exercising
// a concrete coin profile, so these tests stay focused on link/target/reward
// checks rather than consensus-verifier plumbing.
type alwaysValidVerifier struct{}

func (alwaysValidVerifier) VerifyMainConsensus(coin.Block, uint32) bool { return true }

func newTestFixture(t *testing.T) (*Manager, *targetmanager.Manager, *pplns.Window, share.Address) {
	t.Helper()
	dataDir := t.TempDir()
	donation := share.Address("donation-address")

	genesisBlock := fakeBlock{hash: big.NewInt(1), prev: big.NewInt(0)}
	genesisEncoded := share.CoinbaseEncodedP2P{PrevHash: big.NewInt(0), Height: 1, RoundNum: 0}
	genesisInner := share.ShareP2P{Block: genesisBlock, Encoded: genesisEncoded}
	genesisShare := share.ProcessedShare{
		Inner: genesisInner,
		Hash:  big.NewInt(1),
		Score: big.NewInt(bigtarget.WindowTotalScore),
	}

	decoder := stubDecoder{prevHash: big.NewInt(1), height: 2}
	diff1 := big.NewInt(1)

	mgr, err := New(zap.NewNop(), decoder, alwaysValidVerifier{}, diff1, dataDir, genesisShare, big.NewInt(0), 1)
	require.NoError(t, err)

	targetMgr := targetmanager.New(zap.NewNop(), 0, 30*time.Second, 10_000)
	window := pplns.NewGenesis(donation, genesisInner)

	return mgr, targetMgr, window, donation
}

// TestProcessShareChainLinearity checks both halves of the link check: a
// share whose prev_main matches the tip and whose prev_hash/height/round
// chain onto the share-chain tip is accepted; any mismatch is rejected.
func TestProcessShareChainLinearity(t *testing.T) {
	mgr, targetMgr, window, miner := newTestFixtureWithMiner(t)

	block := fakeBlock{hash: big.NewInt(2), prev: big.NewInt(0)}
	finderScore := bigtarget.Score(block.hash, mgr.Diff1())
	changes := share.ScoreChanges{
		Added:   []share.AddressScore{{Address: miner, Score: finderScore}},
		Removed: window.PreviewRemoved(finderScore),
	}

	processed, err := mgr.ProcessShare(block, changes, targetMgr, window)
	require.NoError(t, err)
	require.Equal(t, uint32(2), processed.Height())
	require.Equal(t, 0, processed.Hash.Cmp(block.hash))
}

// TestProcessShareRejectsBadMainLink rejects a share whose prev_main does
// not equal the tracked main-chain tip.
func TestProcessShareRejectsBadMainLink(t *testing.T) {
	mgr, targetMgr, window, miner := newTestFixtureWithMiner(t)

	block := fakeBlock{hash: big.NewInt(2), prev: big.NewInt(99)}
	finderScore := bigtarget.Score(block.hash, mgr.Diff1())
	changes := share.ScoreChanges{
		Added:   []share.AddressScore{{Address: miner, Score: finderScore}},
		Removed: window.PreviewRemoved(finderScore),
	}

	_, err := mgr.ProcessShare(block, changes, targetMgr, window)
	require.Error(t, err)
	verr, ok := err.(*ShareVerificationError)
	require.True(t, ok)
	require.Equal(t, ErrBadLinkMain, verr.Kind)
}

// TestProcessShareRejectsBadP2PLink rejects a share whose decoded height
// does not immediately follow the tip's height.
func TestProcessShareRejectsBadP2PLink(t *testing.T) {
	dataDir := t.TempDir()
	donation := share.Address("donation-address")

	genesisBlock := fakeBlock{hash: big.NewInt(1), prev: big.NewInt(0)}
	genesisEncoded := share.CoinbaseEncodedP2P{PrevHash: big.NewInt(0), Height: 1, RoundNum: 0}
	genesisInner := share.ShareP2P{Block: genesisBlock, Encoded: genesisEncoded}
	genesisShare := share.ProcessedShare{Inner: genesisInner, Hash: big.NewInt(1), Score: big.NewInt(bigtarget.WindowTotalScore)}

	// height 3 does not chain onto a tip at height 1.
	decoder := stubDecoder{prevHash: big.NewInt(1), height: 3}
	diff1 := big.NewInt(1)
	mgr, err := New(zap.NewNop(), decoder, alwaysValidVerifier{}, diff1, dataDir, genesisShare, big.NewInt(0), 1)
	require.NoError(t, err)

	targetMgr := targetmanager.New(zap.NewNop(), 0, 30*time.Second, 10_000)
	window := pplns.NewGenesis(donation, genesisInner)

	block := fakeBlock{hash: big.NewInt(2), prev: big.NewInt(0)}
	finderScore := bigtarget.Score(block.hash, diff1)
	changes := share.ScoreChanges{
		Added:   []share.AddressScore{{Address: "miner-1", Score: finderScore}},
		Removed: window.PreviewRemoved(finderScore),
	}

	_, err = mgr.ProcessShare(block, changes, targetMgr, window)
	require.Error(t, err)
	verr, ok := err.(*ShareVerificationError)
	require.True(t, ok)
	require.Equal(t, ErrBadLinkP2P, verr.Kind)
}

// TestProcessShareScoreConservation covers the score-conservation
// testable property: for every accepted share,
// sum(changes.Added) == sum(changes.Removed) == share.Score.
func TestProcessShareScoreConservation(t *testing.T) {
	mgr, targetMgr, window, miner := newTestFixtureWithMiner(t)

	block := fakeBlock{hash: big.NewInt(2), prev: big.NewInt(0)}
	finderScore := bigtarget.Score(block.hash, mgr.Diff1())
	changes := share.ScoreChanges{
		Added:   []share.AddressScore{{Address: miner, Score: finderScore}},
		Removed: window.PreviewRemoved(finderScore),
	}

	processed, err := mgr.ProcessShare(block, changes, targetMgr, window)
	require.NoError(t, err)

	require.Equal(t, 0, changes.SumAdded().Cmp(processed.Score))
	require.Equal(t, 0, changes.SumRemoved().Cmp(processed.Score))
}

func newTestFixtureWithMiner(t *testing.T) (*Manager, *targetmanager.Manager, *pplns.Window, share.Address) {
	t.Helper()
	mgr, targetMgr, window, _ := newTestFixture(t)
	return mgr, targetMgr, window, share.Address("miner-1")
}
