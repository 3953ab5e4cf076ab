// Package share holds the core share-chain record types: the decoded
// on-wire share, the score deltas it claims, and the processed record
// handed between the block manager and the PPLNS window.
//
// Grounded on original_source's src/lib/p2p/networking/share.rs (ShareP2P,
// CoinbaseEncodedP2P) and pplns.rs (ScoreChanges), translated from the
// bincode/Rust representation into plain Go structs over math/big.
package share

import (
	"fmt"
	"math/big"

	"github.com/sharepool/node/internal/coreshare/coin"
)

// Address is a coin payout address, already validated against the coin's
// network by the caller.
type Address string

// AddressScore pairs a payout address with a score amount.
type AddressScore struct {
	Address Address
	Score   *big.Int
}

// ScoreChanges is the claimed delta a share applies to the PPLNS window's
// per-address score map: contributions it adds (this share's own payouts)
// and contributions it evicts (shares displaced out of the window).
//
// Invariant: sum(Added) == sum(Removed) == the share's own score; no
// address appears twice within either list.
type ScoreChanges struct {
	Added   []AddressScore
	Removed []AddressScore
}

// SumAdded returns the total of the Added list.
func (c ScoreChanges) SumAdded() *big.Int {
	return sumScores(c.Added)
}

// SumRemoved returns the total of the Removed list.
func (c ScoreChanges) SumRemoved() *big.Int {
	return sumScores(c.Removed)
}

func sumScores(entries []AddressScore) *big.Int {
	total := new(big.Int)
	for _, e := range entries {
		total.Add(total, e.Score)
	}
	return total
}

// HasDuplicateAddress reports whether any address appears twice within a
// single AddressScore list.
func HasDuplicateAddress(entries []AddressScore) bool {
	seen := make(map[Address]struct{}, len(entries))
	for _, e := range entries {
		if _, ok := seen[e.Address]; ok {
			return true
		}
		seen[e.Address] = struct{}{}
	}
	return false
}

// CoinbaseEncodedP2P is the share-chain metadata embedded in a block's
// coinbase script_sig, decoded from the consensus-critical byte layout:
// push_int(height) || push_bytes(prev_share_hash, 32) ||
// push_bytes(extra_nonce, 8) || push_bytes(GRAFFITI, 32).
type CoinbaseEncodedP2P struct {
	PrevHash *big.Int
	Height   uint32
	RoundNum uint32
}

// ShareP2P is a block plus its decoded share-chain metadata and the score
// deltas it claims against the PPLNS window.
type ShareP2P struct {
	Block   coin.Block
	Encoded CoinbaseEncodedP2P
	Changes ScoreChanges
}

// PrevMain returns the main-chain hash this share's block extends.
func (s ShareP2P) PrevMain() *big.Int {
	return s.Block.GetPrev()
}

// ProcessedShare is the canonical record carried between the block manager
// and the PPLNS window once a share has been fully verified.
type ProcessedShare struct {
	Inner ShareP2P
	Hash  *big.Int
	Score *big.Int
}

// Height returns the share-chain height this processed share occupies.
func (p ProcessedShare) Height() uint32 {
	return p.Inner.Encoded.Height
}

// RoundNum returns the round number this processed share was accepted in.
func (p ProcessedShare) RoundNum() uint32 {
	return p.Inner.Encoded.RoundNum
}

// String renders a short diagnostic form, used in log fields.
func (p ProcessedShare) String() string {
	return fmt.Sprintf("share(height=%d round=%d hash=%x score=%s)",
		p.Height(), p.RoundNum(), p.Hash, p.Score.String())
}
