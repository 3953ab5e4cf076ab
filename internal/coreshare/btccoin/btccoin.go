// Package btccoin supplies the Bitcoin-like coin profile: consensus
// constants, the graffiti literal, and the PPLNS donation address.
// Grounded on original_source's src/lib/coins/bitcoin.rs Coin impl for Btc,
// reworked as a profile value rather than a trait implementation.
package btccoin

import (
	"encoding/hex"
	"math/big"
)

// Graffiti is the fixed 32-byte identifier written into every coinbase this
// pool produces, marking blocks it finds.
var Graffiti = [32]byte{}

func init() {
	copy(Graffiti[:], []byte("go-sharepool-consensus-graffiti"))
}

// Diff1 is the coin's baseline target: the lowest-difficulty target the
// coin accepts. This is Bitcoin's well-known genesis difficulty-1 target.
var Diff1 = mustHexTarget("00000000ffff0000000000000000000000000000000000000000000000000000")

func mustHexTarget(h string) *big.Int {
	b, err := hex.DecodeString(h)
	if err != nil {
		panic(err)
	}
	return new(big.Int).SetBytes(b)
}

// DefaultPorts mirrors the fixed port scheme for a Bitcoin-like coin.
const (
	DefaultDaemonPort     = 8332
	DefaultP2PPort        = 18332
	DefaultStratumPort    = 28332
	DefaultCreatePoolPort = 9999
)

// Name identifies the coin this profile targets.
const Name = "Bitcoin"

// DonationAddress is the compile-time donation address credited by the
// genesis PPLNS window entry. Treated as a config constant, not runtime
// state, per the design notes.
const DonationAddress = "bcrt1qsharepooldonationaddressplaceholder00"

// AtomicUnits is the number of atomic units per coin (satoshis per BTC).
const AtomicUnits uint64 = 100_000_000
