// Package pplns implements the PPLNS sliding-reward window: an ordered
// sequence of accepted shares whose scores always sum to exactly
// W*SHARE_UNITS, plus the per-address score totals it maintains.
//
// Grounded on original_source's src/lib/p2p/networking/pplns.rs
// (WindowPPLNS::new/add/verify_changes, ScoreChanges::new), translated from
// the Rust VecDeque-based implementation into a Go slice-as-deque, and on
// djkazic/p2pool-go's internal/pplns window (math/big weight accounting)
// for the general shape of a Go sharechain reward window.
package pplns

import (
	"errors"
	"math/big"

	"github.com/sharepool/node/internal/coreshare/bigtarget"
	"github.com/sharepool/node/internal/coreshare/share"
)

// ErrBadWindowState is returned only when an internal invariant is
// violated; this indicates a programming bug, not a user-submitted error.
var ErrBadWindowState = errors.New("pplns: bad window state")

// entry is one accepted share's contribution to the window.
type entry struct {
	inner share.ShareP2P
	score *big.Int
}

// Window is the PPLNS sliding window. Newest entries are at the front
// (index 0); eviction happens from the back.
type Window struct {
	entries       []entry
	addressScores map[share.Address]*big.Int
	pplnsSum      *big.Int
}

// NewGenesis installs a synthetic entry of score W*SHARE_UNITS crediting
// the donation address, matching WindowPPLNS::new in the source consensus
// engine.
func NewGenesis(donationAddress share.Address, genesisShare share.ShareP2P) *Window {
	full := big.NewInt(bigtarget.WindowTotalScore)
	genesisShare.Changes = share.ScoreChanges{
		Added: []share.AddressScore{{Address: donationAddress, Score: new(big.Int).Set(full)}},
	}
	w := &Window{
		entries:       []entry{{inner: genesisShare, score: new(big.Int).Set(full)}},
		addressScores: map[share.Address]*big.Int{donationAddress: new(big.Int).Set(full)},
		pplnsSum:      new(big.Int).Set(full),
	}
	return w
}

// PplnsSum returns the current total score held in the window; this always
// equals W*SHARE_UNITS after a successful Add.
func (w *Window) PplnsSum() *big.Int {
	return new(big.Int).Set(w.pplnsSum)
}

// AddressScores returns a defensive copy of the per-address score map.
func (w *Window) AddressScores() map[share.Address]*big.Int {
	out := make(map[share.Address]*big.Int, len(w.addressScores))
	for addr, sc := range w.addressScores {
		out[addr] = new(big.Int).Set(sc)
	}
	return out
}

// Len reports the number of entries currently held.
func (w *Window) Len() int {
	return len(w.entries)
}

func (w *Window) applyAddressDelta(addr share.Address, delta *big.Int) {
	cur, ok := w.addressScores[addr]
	if !ok {
		cur = new(big.Int)
		w.addressScores[addr] = cur
	}
	cur.Add(cur, delta)
	if cur.Sign() == 0 {
		delete(w.addressScores, addr)
	}
}

// Add applies a verified share's score deltas to the address map, pushes
// the share to the front of the window with its own score, then evicts
// from the back until pplnsSum returns to exactly W*SHARE_UNITS. The final
// evicted entry may be partially retained: its stored score is reduced by
// the overflow amount so the sum lands exactly on the bound.
//
// Callers must have already verified the share via VerifyChanges; Add does
// not re-validate the claimed deltas, it only applies them.
func (w *Window) Add(ps share.ProcessedShare) error {
	for _, a := range ps.Inner.Changes.Added {
		w.applyAddressDelta(a.Address, a.Score)
	}
	for _, r := range ps.Inner.Changes.Removed {
		w.applyAddressDelta(r.Address, new(big.Int).Neg(r.Score))
	}

	w.entries = append([]entry{{inner: ps.Inner, score: new(big.Int).Set(ps.Score)}}, w.entries...)
	w.pplnsSum.Add(w.pplnsSum, ps.Score)

	full := big.NewInt(bigtarget.WindowTotalScore)
	overflow := new(big.Int).Sub(w.pplnsSum, full)
	if overflow.Sign() <= 0 {
		return nil
	}

	for overflow.Sign() > 0 {
		if len(w.entries) == 0 {
			return ErrBadWindowState
		}
		tail := &w.entries[len(w.entries)-1]
		if tail.score.Cmp(overflow) <= 0 {
			overflow.Sub(overflow, tail.score)
			w.pplnsSum.Sub(w.pplnsSum, tail.score)
			w.entries = w.entries[:len(w.entries)-1]
			continue
		}
		tail.score.Sub(tail.score, overflow)
		w.pplnsSum.Sub(w.pplnsSum, overflow)
		overflow.SetInt64(0)
	}

	if w.pplnsSum.Cmp(full) != 0 {
		return ErrBadWindowState
	}
	return nil
}

// VerifyChanges is the share-chain's correctness check on a candidate
// share's claimed ScoreChanges: accept iff sum(added) == sum(removed) ==
// shareScore AND the multiset of Removed can be realized by peeling
// contributions from the oldest window entries forward until shareScore
// units have been accounted for, with addresses and magnitudes matching
// exactly.
func (w *Window) VerifyChanges(changes share.ScoreChanges, shareScore *big.Int) bool {
	if share.HasDuplicateAddress(changes.Added) || share.HasDuplicateAddress(changes.Removed) {
		return false
	}
	sumAdded := changes.SumAdded()
	sumRemoved := changes.SumRemoved()
	if sumAdded.Cmp(shareScore) != 0 || sumRemoved.Cmp(shareScore) != 0 {
		return false
	}

	expected := w.expectedRemoved(shareScore)
	if len(expected) != len(changes.Removed) {
		return false
	}
	for _, r := range changes.Removed {
		exp, ok := expected[r.Address]
		if !ok || exp.Cmp(r.Score) != 0 {
			return false
		}
	}
	return true
}

// PreviewRemoved computes the eviction set a share carrying finderScore
// would need to declare, without mutating the window. Callers assembling a
// new share (the local stratum-submission path, which does not need to
// reverse-engineer anything from wire bytes) use this to build the
// ScoreChanges they embed before calling blockmanager.ProcessShare.
func (w *Window) PreviewRemoved(finderScore *big.Int) []share.AddressScore {
	expected := w.expectedRemoved(finderScore)
	out := make([]share.AddressScore, 0, len(expected))
	for addr, amt := range expected {
		out = append(out, share.AddressScore{Address: addr, Score: amt})
	}
	return out
}

// expectedRemoved peels contributions from the oldest (back of the slice)
// window entries forward until remainder units have been accounted for,
// building the address->amount map that a valid eviction must match.
func (w *Window) expectedRemoved(remainder *big.Int) map[share.Address]*big.Int {
	remaining := new(big.Int).Set(remainder)
	expected := make(map[share.Address]*big.Int)

	for i := len(w.entries) - 1; i >= 0 && remaining.Sign() > 0; i-- {
		e := w.entries[i]
		take := new(big.Int).Set(e.score)
		if take.Cmp(remaining) > 0 {
			take = new(big.Int).Set(remaining)
		}
		remaining.Sub(remaining, take)

		entryTotal := e.inner.Changes.SumAdded()
		for _, add := range e.inner.Changes.Added {
			portion := proportionalShare(add.Score, take, entryTotal)
			if portion.Sign() == 0 {
				continue
			}
			cur, ok := expected[add.Address]
			if !ok {
				cur = new(big.Int)
				expected[add.Address] = cur
			}
			cur.Add(cur, portion)
		}
	}
	return expected
}

// proportionalShare computes floor(contribution * take / entryTotal),
// the portion of a per-address contribution evicted when only part of an
// entry's score is peeled off. entryTotal is the sum of the entry's Added
// contributions as first credited, so the ratio stays the same after an
// earlier partial retention has reduced the entry's stored score.
func proportionalShare(contribution, take, entryTotal *big.Int) *big.Int {
	if entryTotal.Sign() == 0 {
		return new(big.Int)
	}
	num := new(big.Int).Mul(contribution, take)
	return num.Div(num, entryTotal)
}
