// block.go implements the Bitcoin-like coin.Block and the coinbase
// embedded-field codec: the consensus-critical byte layout is taken
// literally from the wire specification (push_int(height) ||
// push_bytes(prev_share_hash,32) || push_bytes(extra_nonce,8) ||
// push_bytes(GRAFFITI,32)), which differs slightly from
// original_source's src/lib/p2p/networking/bitcoin.rs (which bincode-
// serializes the remaining fields instead of pushing them individually);
// the wire specification's layout is authoritative here.
package btccoin

import (
	"bytes"
	"crypto/sha256"
	"encoding/gob"
	"errors"
	"math/big"

	"github.com/sharepool/node/internal/coreshare/bigtarget"
	"github.com/sharepool/node/internal/coreshare/coin"
	"github.com/sharepool/node/internal/coreshare/share"
)

// Header is an 80-byte Bitcoin-compatible block header.
type Header struct {
	Version       int32
	PrevBlockHash [32]byte
	MerkleRoot    [32]byte
	Time          uint32
	Bits          uint32
	Nonce         uint32
}

// CoinbaseTx is the minimal coinbase transaction shape this profile needs:
// a single input carrying the embedded script_sig, and a list of payout
// outputs.
type CoinbaseTx struct {
	ScriptSig []byte
	Outputs   []coin.CoinbaseOutput
}

// Block implements coin.Block for a Bitcoin-like chain.
type Block struct {
	Header   Header
	Coinbase CoinbaseTx
}

func doubleSHA256(b []byte) [32]byte {
	first := sha256.Sum256(b)
	return sha256.Sum256(first[:])
}

func reversed(b [32]byte) [32]byte {
	var out [32]byte
	for i := range b {
		out[i] = b[31-i]
	}
	return out
}

func serializeHeader(h Header) []byte {
	buf := make([]byte, 0, 80)
	var tmp [4]byte
	putLE32(tmp[:], uint32(h.Version))
	buf = append(buf, tmp[:]...)
	buf = append(buf, h.PrevBlockHash[:]...)
	buf = append(buf, h.MerkleRoot[:]...)
	putLE32(tmp[:], h.Time)
	buf = append(buf, tmp[:]...)
	putLE32(tmp[:], h.Bits)
	buf = append(buf, tmp[:]...)
	putLE32(tmp[:], h.Nonce)
	buf = append(buf, tmp[:]...)
	return buf
}

func putLE32(dst []byte, v uint32) {
	dst[0] = byte(v)
	dst[1] = byte(v >> 8)
	dst[2] = byte(v >> 16)
	dst[3] = byte(v >> 24)
}

// GetHash computes the block header's double-SHA256 hash, displayed in the
// conventional big-endian order (internal bytes reversed), as a U256.
func (b Block) GetHash() *big.Int {
	h := doubleSHA256(serializeHeader(b.Header))
	be := reversed(h)
	return new(big.Int).SetBytes(be[:])
}

// GetTarget expands the header's compact bits field.
func (b Block) GetTarget() *big.Int {
	return bigtarget.CompactToTarget(b.Header.Bits)
}

// GetPrev returns the main-chain hash this block extends, in the same
// big-endian display order as GetHash.
func (b Block) GetPrev() *big.Int {
	be := reversed(b.Header.PrevBlockHash)
	return new(big.Int).SetBytes(be[:])
}

// GetTime returns the header's timestamp.
func (b Block) GetTime() int64 { return int64(b.Header.Time) }

// GetVersion returns the header's version field.
func (b Block) GetVersion() int32 { return b.Header.Version }

// CoinbaseOutputs returns the coinbase's (script, amount) outputs.
func (b Block) CoinbaseOutputs() []coin.CoinbaseOutput { return b.Coinbase.Outputs }

// CoinbaseScriptSig returns the coinbase input's embedded script_sig.
func (b Block) CoinbaseScriptSig() []byte { return b.Coinbase.ScriptSig }

// Decoder implements blockmanager.ScriptDecoder and blockmanager.RawShareEncoder
// for this coin profile.
type Decoder struct{}

// ScriptToAddress decodes this profile's output scripts back into the
// payout address they encode. Output scripts are produced exclusively by
// BuildPayoutScript (see scriptcodec.go), so this is a direct inverse
// rather than general Bitcoin script parsing (full base58/bech32 address
// recovery is outside this engine's scope; see ParseAddress).
func (Decoder) ScriptToAddress(script []byte) (share.Address, error) {
	return decodeAddressScript(script)
}

// DecodeScriptSig extracts the consensus-critical embedded fields from a
// coinbase's script_sig: push_int(height), then a 32-byte push of the
// previous share-chain hash, then an 8-byte extra-nonce push, then the
// fixed 32-byte graffiti push (verified against the expected constant).
func (Decoder) DecodeScriptSig(scriptSig []byte) (*big.Int, uint32, error) {
	return decodeScriptSig(scriptSig)
}

// EncodeBlock/DecodeBlock (RawShareEncoder) use encoding/gob for the
// on-disk share store, consistent with the gob choice made for the p2p
// wire codec (see DESIGN.md).
func (Decoder) EncodeBlock(b coin.Block) ([]byte, error) {
	blk, ok := b.(Block)
	if !ok {
		return nil, errors.New("btccoin: EncodeBlock: not a btccoin.Block")
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(blk); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (Decoder) DecodeBlock(data []byte) (coin.Block, error) {
	var blk Block
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&blk); err != nil {
		return nil, err
	}
	return blk, nil
}

// ConsensusVerifier implements coin.MainConsensusVerifier for this profile.
// The daemon remains the authority on chain-level consensus (reorgs,
// script rules, soft-fork activation); what this checks is the one
// consensus fact a share-chain node can and must verify locally before
// crediting a share with a main-chain block: that the header's own
// declared proof-of-work is internally consistent, i.e. the hash the node
// just computed actually meets the target the header claims.
type ConsensusVerifier struct{}

// VerifyMainConsensus reports whether block is self-consistent proof-of-work
// for the given height. height is accepted to satisfy coin.MainConsensusVerifier;
// this profile has no height-dependent consensus rules (e.g. BIP9-style
// activations) to apply against it yet.
func (ConsensusVerifier) VerifyMainConsensus(block coin.Block, height uint32) bool {
	if block.GetVersion() < 1 {
		return false
	}
	return bigtarget.HashMeetsTarget(block.GetHash(), block.GetTarget())
}

var _ coin.MainConsensusVerifier = ConsensusVerifier{}
