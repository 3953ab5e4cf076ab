package btccoin

import (
	"bytes"
	"errors"
	"math/big"

	"github.com/sharepool/node/internal/coreshare/share"
)

// ErrMalformedScript is returned when a script_sig or output script does
// not match this profile's expected encoding.
var ErrMalformedScript = errors.New("btccoin: malformed script")

// pushBytes encodes a single-byte-length-prefixed data push, valid for any
// payload up to 75 bytes, which covers every field this profile embeds.
func pushBytes(data []byte) []byte {
	if len(data) > 75 {
		panic("btccoin: pushBytes: payload too large for single-byte push")
	}
	out := make([]byte, 0, len(data)+1)
	out = append(out, byte(len(data)))
	return append(out, data...)
}

// pushInt encodes height using Bitcoin's minimal CScriptNum encoding,
// matching the BIP34 coinbase height push convention.
func pushInt(height uint32) []byte {
	n := int64(height)
	if n == 0 {
		return []byte{0x00}
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var abs []byte
	for n > 0 {
		abs = append(abs, byte(n&0xff))
		n >>= 8
	}
	if abs[len(abs)-1]&0x80 != 0 {
		if neg {
			abs = append(abs, 0x80)
		} else {
			abs = append(abs, 0x00)
		}
	} else if neg {
		abs[len(abs)-1] |= 0x80
	}
	return pushBytes(abs)
}

// readPush reads one length-prefixed push from b starting at offset, and
// returns the payload plus the offset of the next push.
func readPush(b []byte, offset int) ([]byte, int, error) {
	if offset >= len(b) {
		return nil, 0, ErrMalformedScript
	}
	n := int(b[offset])
	if n > 75 {
		return nil, 0, ErrMalformedScript
	}
	start := offset + 1
	end := start + n
	if end > len(b) {
		return nil, 0, ErrMalformedScript
	}
	return b[start:end], end, nil
}

// decodeScriptNum is the inverse of pushInt's CScriptNum encoding.
func decodeScriptNum(b []byte) uint32 {
	if len(b) == 0 {
		return 0
	}
	var result int64
	for i, by := range b {
		result |= int64(by) << (8 * uint(i))
	}
	if b[len(b)-1]&0x80 != 0 {
		result &^= int64(0x80) << (8 * uint(len(b)-1))
		result = -result
	}
	if result < 0 {
		return 0
	}
	return uint32(result)
}

// BuildScriptSig assembles the consensus-critical coinbase script_sig:
// push_int(height) || push_bytes(prev_share_hash,32) ||
// push_bytes(extra_nonce,8) || push_bytes(GRAFFITI,32).
func BuildScriptSig(height uint32, prevShareHash [32]byte, extraNonce [8]byte) []byte {
	var buf bytes.Buffer
	buf.Write(pushInt(height))
	buf.Write(pushBytes(prevShareHash[:]))
	buf.Write(pushBytes(extraNonce[:]))
	buf.Write(pushBytes(Graffiti[:]))
	return buf.Bytes()
}

// SplitScriptSig builds the same byte layout as BuildScriptSig but returns
// it split around the 8-byte extra-nonce push payload: before is everything
// up to and including that push's length byte, after is everything from the
// graffiti push onward. Stratum splices extranonce1||extranonce2 into the
// gap, so the job manager never needs to know this layout's internals.
func SplitScriptSig(height uint32, prevShareHash [32]byte) (before []byte, after []byte) {
	var buf bytes.Buffer
	buf.Write(pushInt(height))
	buf.Write(pushBytes(prevShareHash[:]))
	buf.WriteByte(8) // length prefix of the extra_nonce push
	before = append([]byte{}, buf.Bytes()...)
	after = pushBytes(Graffiti[:])
	return before, after
}

// decodeScriptSig is the inverse of BuildScriptSig, returning the
// previous share-chain hash (as a big-endian U256) and the height.
func decodeScriptSig(scriptSig []byte) (*big.Int, uint32, error) {
	heightPush, off, err := readPush(scriptSig, 0)
	if err != nil {
		return nil, 0, err
	}
	height := decodeScriptNum(heightPush)

	prevHashPush, off, err := readPush(scriptSig, off)
	if err != nil {
		return nil, 0, err
	}
	if len(prevHashPush) != 32 {
		return nil, 0, ErrMalformedScript
	}

	extraNoncePush, off, err := readPush(scriptSig, off)
	if err != nil {
		return nil, 0, err
	}
	if len(extraNoncePush) != 8 {
		return nil, 0, ErrMalformedScript
	}

	graffitiPush, _, err := readPush(scriptSig, off)
	if err != nil {
		return nil, 0, err
	}
	if !bytes.Equal(graffitiPush, Graffiti[:]) {
		return nil, 0, ErrMalformedScript
	}

	return new(big.Int).SetBytes(prevHashPush), height, nil
}

// payoutScriptPrefix tags this profile's synthetic payout scripts so they
// round-trip cleanly through ScriptToAddress without needing a real
// base58/bech32 codec (see ParseAddress and package doc).
var payoutScriptPrefix = []byte("SPADDR:")

// BuildPayoutScript renders addr as a coinbase output script. This profile
// does not construct a real spendable P2PKH/P2WPKH script (that is the
// daemon's job when it actually assembles the submitted block); it only
// needs a script that carries the address losslessly through the
// share-chain's own accounting.
func BuildPayoutScript(addr share.Address) []byte {
	return append(append([]byte{}, payoutScriptPrefix...), []byte(addr)...)
}

func decodeAddressScript(script []byte) (share.Address, error) {
	if !bytes.HasPrefix(script, payoutScriptPrefix) {
		return "", ErrMalformedScript
	}
	return share.Address(script[len(payoutScriptPrefix):]), nil
}
