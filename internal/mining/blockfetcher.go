package mining

import (
	"context"
	"math/big"

	"github.com/sharepool/node/internal/coreshare/coin"
)

// BlockFetcher is the opaque main-chain daemon RPC client the job manager
// and stratum intake consume. Its concrete implementation (an RPC client
// against the coin's daemon) is outside this engine's scope; only the
// interface shape is specified here.
type BlockFetcher interface {
	// FetchBlockTemplate asks the daemon for a new block template. outputs,
	// prevShareHash and shareHeight describe the coinbase the caller is
	// about to build; JobManager passes nil outputs and builds the coinbase
	// itself from the template, and daemon.Client does not send these
	// arguments to the daemon.
	FetchBlockTemplate(ctx context.Context, outputs []coin.CoinbaseOutput, prevShareHash [32]byte, shareHeight uint32) (*BlockTemplate, error)
	// FetchBlock retrieves a previously seen main-chain block by height,
	// used to re-derive main_tip state after a restart.
	FetchBlock(ctx context.Context, height uint32) (coin.Block, error)
	// SubmitBlock submits a fully assembled block to the network.
	SubmitBlock(ctx context.Context, block coin.Block) error
}

// BlockTemplate is the daemon's answer to FetchBlockTemplate: everything
// the job manager needs to assemble a coinbase and compute merkle steps.
type BlockTemplate struct {
	Version           int32
	Height            uint32
	PreviousBlockHash [32]byte
	// TxHashes lists the non-coinbase transactions' double-sha256 txids,
	// internal (little-endian) byte order, in block order.
	TxHashes      [][32]byte
	CoinbaseValue uint64
	Bits          uint32
	CurTime       uint32
	NetworkTarget *big.Int
}
