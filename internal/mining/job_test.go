package mining

import (
	"context"
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sharepool/node/internal/coreshare/bigtarget"
	"github.com/sharepool/node/internal/coreshare/btccoin"
	"github.com/sharepool/node/internal/coreshare/coin"
	"github.com/sharepool/node/internal/coreshare/share"
)

type fakeFetcher struct {
	tmpl *BlockTemplate
	err  error
}

func (f *fakeFetcher) FetchBlockTemplate(_ context.Context, _ []coin.CoinbaseOutput, _ [32]byte, _ uint32) (*BlockTemplate, error) {
	return f.tmpl, f.err
}
func (f *fakeFetcher) FetchBlock(_ context.Context, _ uint32) (coin.Block, error) { return nil, nil }
func (f *fakeFetcher) SubmitBlock(_ context.Context, _ coin.Block) error          { return nil }

func TestRewardOutputsProportional(t *testing.T) {
	scores := map[share.Address]*big.Int{
		"addr-a": big.NewInt(1_000_000),
		"addr-b": big.NewInt(4_000_000),
	}
	outputs := rewardOutputs(scores, 5_000_000_000)
	require.Len(t, outputs, 2)

	byAddr := make(map[share.Address]uint64, len(outputs))
	for _, o := range outputs {
		addr, err := (btccoin.Decoder{}).ScriptToAddress(o.Script)
		require.NoError(t, err)
		byAddr[addr] = o.Amount
	}
	// addr-a gets 1/5 of the reward, addr-b gets 4/5.
	require.Equal(t, uint64(1_000_000_000), byAddr["addr-a"])
	require.Equal(t, uint64(4_000_000_000), byAddr["addr-b"])
}

func TestRewardOutputsDropsZeroAmounts(t *testing.T) {
	scores := map[share.Address]*big.Int{
		"dust": big.NewInt(1),
	}
	outputs := rewardOutputs(scores, 1) // 1*1/5_000_000 floors to 0
	require.Empty(t, outputs)
}

func TestGetNewJobPublishesAndCaches(t *testing.T) {
	fetcher := &fakeFetcher{tmpl: &BlockTemplate{
		Version:           1,
		Height:            100,
		PreviousBlockHash: [32]byte{0xaa},
		TxHashes:          nil,
		CoinbaseValue:     5_000_000_000,
		Bits:              0x1d00ffff,
		CurTime:           1234,
	}}
	jm, err := NewJobManager(zap.NewNop(), fetcher, 4)
	require.NoError(t, err)

	job, isNew, err := jm.GetNewJob(context.Background(), [32]byte{}, 1, nil, bigtarget.MaxTarget)
	require.NoError(t, err)
	require.True(t, isNew)
	require.Equal(t, uint32(100), job.Height)
	require.True(t, job.CleanJobs)

	got, ok := jm.GetJob(job.ID)
	require.True(t, ok)
	require.Equal(t, job.ID, got.ID)

	current, ok := jm.GetCurrentJob()
	require.True(t, ok)
	require.Equal(t, job.ID, current.ID)
}

func TestGetNewJobSkipsUnchangedTemplate(t *testing.T) {
	fetcher := &fakeFetcher{tmpl: &BlockTemplate{
		Height:            200,
		PreviousBlockHash: [32]byte{0xbb},
		CoinbaseValue:     1,
		Bits:              0x1d00ffff,
	}}
	jm, err := NewJobManager(zap.NewNop(), fetcher, 4)
	require.NoError(t, err)

	first, isNew, err := jm.GetNewJob(context.Background(), [32]byte{}, 1, nil, bigtarget.MaxTarget)
	require.NoError(t, err)
	require.True(t, isNew)

	second, isNew, err := jm.GetNewJob(context.Background(), [32]byte{}, 1, nil, bigtarget.MaxTarget)
	require.NoError(t, err)
	require.False(t, isNew)
	require.Equal(t, first.ID, second.ID)
}

// TestGetNewJobRepublishesOnRewardChange guards against a template refresh
// that only changes the coinbase value (e.g. fee income shifted) being
// mistaken for an unchanged template: height and previous block hash stay
// fixed, but a new job must still be published since the reward set and
// therefore the coinbase transaction and merkle root differ.
func TestGetNewJobRepublishesOnRewardChange(t *testing.T) {
	fetcher := &fakeFetcher{tmpl: &BlockTemplate{
		Height:            300,
		PreviousBlockHash: [32]byte{0xcc},
		CoinbaseValue:     5_000_000_000,
		Bits:              0x1d00ffff,
	}}
	jm, err := NewJobManager(zap.NewNop(), fetcher, 4)
	require.NoError(t, err)

	first, isNew, err := jm.GetNewJob(context.Background(), [32]byte{}, 1, nil, bigtarget.MaxTarget)
	require.NoError(t, err)
	require.True(t, isNew)

	fetcher.tmpl = &BlockTemplate{
		Height:            300,
		PreviousBlockHash: [32]byte{0xcc},
		CoinbaseValue:     5_100_000_000,
		Bits:              0x1d00ffff,
	}

	second, isNew, err := jm.GetNewJob(context.Background(), [32]byte{}, 1, nil, bigtarget.MaxTarget)
	require.NoError(t, err)
	require.True(t, isNew)
	require.NotEqual(t, first.ID, second.ID)
}

// TestGetNewJobRepublishesOnTxSetChange mirrors the reward-change case for
// the non-coinbase transaction set: a new transaction entering the mempool
// changes the merkle root even though height, previous block hash, and
// coinbase value are unchanged.
func TestGetNewJobRepublishesOnTxSetChange(t *testing.T) {
	fetcher := &fakeFetcher{tmpl: &BlockTemplate{
		Height:            300,
		PreviousBlockHash: [32]byte{0xcc},
		CoinbaseValue:     5_000_000_000,
		Bits:              0x1d00ffff,
	}}
	jm, err := NewJobManager(zap.NewNop(), fetcher, 4)
	require.NoError(t, err)

	first, isNew, err := jm.GetNewJob(context.Background(), [32]byte{}, 1, nil, bigtarget.MaxTarget)
	require.NoError(t, err)
	require.True(t, isNew)

	fetcher.tmpl = &BlockTemplate{
		Height:            300,
		PreviousBlockHash: [32]byte{0xcc},
		CoinbaseValue:     5_000_000_000,
		Bits:              0x1d00ffff,
		TxHashes:          [][32]byte{{0x01}},
	}

	second, isNew, err := jm.GetNewJob(context.Background(), [32]byte{}, 1, nil, bigtarget.MaxTarget)
	require.NoError(t, err)
	require.True(t, isNew)
	require.NotEqual(t, first.ID, second.ID)
}
