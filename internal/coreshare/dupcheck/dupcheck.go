// Package dupcheck implements the per-session duplicate-submission filter.
package dupcheck

import (
	"math/big"
	"sync"
)

// ShortHash is the lowest 64 bits of a 256-bit hash, used as a compact
// replay-detection key. Accepts a 2^-64 false-positive rate as a deliberate
// memory tradeoff; the main-chain block check never gates on this filter.
type ShortHash uint64

// ToShortHash extracts the lowest 64 bits of a 256-bit hash.
func ToShortHash(hash *big.Int) ShortHash {
	mask := new(big.Int).SetUint64(^uint64(0))
	low := new(big.Int).And(hash, mask)
	return ShortHash(low.Uint64())
}

// Filter is a per-session hash set used to reject resubmitted shares. One
// Filter belongs to exactly one stratum client; its own mutex guards it so
// that client's read loop and any concurrent housekeeping goroutine (e.g.
// LogShare) never race on the underlying map.
type Filter struct {
	mu   sync.Mutex
	seen map[ShortHash]struct{}
}

// New returns an empty filter.
func New() *Filter {
	return &Filter{seen: make(map[ShortHash]struct{})}
}

// DidContain returns the prior membership of hash and inserts it on a miss.
// Calling DidContain twice with the same hash yields (false, true).
func (f *Filter) DidContain(hash *big.Int) bool {
	key := ToShortHash(hash)
	f.mu.Lock()
	defer f.mu.Unlock()
	_, existed := f.seen[key]
	if !existed {
		f.seen[key] = struct{}{}
	}
	return existed
}

// Len reports the number of distinct short hashes recorded.
func (f *Filter) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.seen)
}
