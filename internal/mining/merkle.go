package mining

import "crypto/sha256"

// MerkleBuilder computes the per-level merkle steps a stratum job publishes
// so miners can rebuild the merkle root from a replaced coinbase txid
// without re-hashing every transaction.
//
// Grounded on chimera-pool's internal/stratum/merkle package (Builder.
// BuildBranch/ComputeRoot): given N txids including the coinbase,
// iteratively pair-concatenate-sha256d, duplicating the last element when
// the level has an odd count, and record index-1 at each level.
type MerkleBuilder struct{}

// NewMerkleBuilder returns a MerkleBuilder.
func NewMerkleBuilder() MerkleBuilder { return MerkleBuilder{} }

// BuildSteps computes the merkle steps for a transaction list where
// txHashes[0] is the coinbase txid (already double-sha256'd, internal byte
// order).
func (MerkleBuilder) BuildSteps(txHashes [][32]byte) [][32]byte {
	if len(txHashes) <= 1 {
		return nil
	}

	hashes := append([][32]byte{}, txHashes...)
	var steps [][32]byte

	for len(hashes) > 1 {
		if len(hashes)%2 == 1 {
			hashes = append(hashes, hashes[len(hashes)-1])
		}
		steps = append(steps, hashes[1])

		next := make([][32]byte, 0, len(hashes)/2)
		next = append(next, doubleSHA256Concat(hashes[0], hashes[1]))
		for i := 2; i < len(hashes); i += 2 {
			next = append(next, doubleSHA256Concat(hashes[i], hashes[i+1]))
		}
		hashes = next
	}

	return steps
}

// ComputeRoot iteratively combines coinbaseHash with each step, coinbase
// always on the left, reproducing the merkle root a miner computes after
// swapping in their own coinbase txid.
func (MerkleBuilder) ComputeRoot(coinbaseHash [32]byte, steps [][32]byte) [32]byte {
	current := coinbaseHash
	for _, step := range steps {
		current = doubleSHA256Concat(current, step)
	}
	return current
}

func doubleSHA256Concat(a, b [32]byte) [32]byte {
	buf := make([]byte, 64)
	copy(buf[:32], a[:])
	copy(buf[32:], b[:])
	first := sha256.Sum256(buf)
	return sha256.Sum256(first[:])
}
