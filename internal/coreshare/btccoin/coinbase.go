package btccoin

import (
	"bytes"
	"crypto/sha256"

	"github.com/sharepool/node/internal/coreshare/coin"
)

// writeVarInt writes Bitcoin's CompactSize encoding. Every count this
// profile ever serializes (script lengths, output counts) stays well under
// 0xfd, so only the single-byte form is implemented.
func writeVarInt(buf *bytes.Buffer, n int) {
	if n >= 0xfd {
		panic("btccoin: writeVarInt: value too large for single-byte compact size")
	}
	buf.WriteByte(byte(n))
}

func putLE32Buf(buf *bytes.Buffer, v uint32) {
	buf.WriteByte(byte(v))
	buf.WriteByte(byte(v >> 8))
	buf.WriteByte(byte(v >> 16))
	buf.WriteByte(byte(v >> 24))
}

func putLE64Buf(buf *bytes.Buffer, v uint64) {
	for i := 0; i < 8; i++ {
		buf.WriteByte(byte(v >> (8 * uint(i))))
	}
}

// BuildCoinbaseParts assembles a coinbase transaction's bytes split around
// the 8-byte extra-nonce gap that SplitScriptSig leaves in the script_sig:
// coinb1 is everything up to and including the script_sig length byte, the
// height/prev-share-hash pushes and the extra-nonce push's length byte,
// coinb2 is the graffiti push through
// the rest of the transaction. A miner reconstructs the full coinbase as
// coinb1 || extranonce1 || extranonce2 || coinb2.
func BuildCoinbaseParts(height uint32, prevShareHash [32]byte, outputs []coin.CoinbaseOutput) (coinb1 []byte, coinb2 []byte) {
	before, after := SplitScriptSig(height, prevShareHash)
	scriptSigLen := len(before) + 8 + len(after)

	var head bytes.Buffer
	putLE32Buf(&head, 1) // version
	writeVarInt(&head, 1) // one input
	head.Write(make([]byte, 32)) // null prevout hash
	putLE32Buf(&head, 0xffffffff) // null prevout index
	writeVarInt(&head, scriptSigLen)
	head.Write(before)
	coinb1 = head.Bytes()

	var tail bytes.Buffer
	tail.Write(after)
	putLE32Buf(&tail, 0xffffffff) // sequence
	writeVarInt(&tail, len(outputs))
	for _, o := range outputs {
		putLE64Buf(&tail, o.Amount)
		writeVarInt(&tail, len(o.Script))
		tail.Write(o.Script)
	}
	putLE32Buf(&tail, 0) // locktime
	coinb2 = tail.Bytes()

	return coinb1, coinb2
}

// CoinbaseTxID computes the double-sha256 txid of a fully assembled
// coinbase (coinb1 || extranonce1 || extranonce2 || coinb2), internal
// (little-endian) byte order, ready to seed merkle step computation.
func CoinbaseTxID(coinb1, extranonce1, extranonce2, coinb2 []byte) [32]byte {
	var buf bytes.Buffer
	buf.Write(coinb1)
	buf.Write(extranonce1)
	buf.Write(extranonce2)
	buf.Write(coinb2)
	first := sha256.Sum256(buf.Bytes())
	return sha256.Sum256(first[:])
}
