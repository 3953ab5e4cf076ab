// Package blockmanager implements share decode, link checking, and the
// on-disk share store: the consensus engine's single point of total order
// over accepted shares.
//
// Grounded on original_source's src/lib/p2p/networking/block_manager.rs
// (BlockManager::new/decode_share/process_share/new_block/load_shares),
// translated from the Rust Mutex<Tip> design into Go's sync.Mutex idiom as
// used throughout the teacher's internal/server package.
package blockmanager

import (
	"errors"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	"github.com/sharepool/node/internal/coreshare/bigtarget"
	"github.com/sharepool/node/internal/coreshare/coin"
	"github.com/sharepool/node/internal/coreshare/pplns"
	"github.com/sharepool/node/internal/coreshare/share"
	"github.com/sharepool/node/internal/coreshare/targetmanager"
)

// ShareVerificationError classifies why process_share rejected a share.
type ShareVerificationError struct {
	Kind    string
	Message string
}

func (e *ShareVerificationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// The fixed set of ShareVerificationError kinds.
const (
	ErrBadEncoding  = "BadEncoding"
	ErrBadTarget    = "BadTarget"
	ErrBadRewards   = "BadRewards"
	ErrBadLinkMain  = "BadLinkMain"
	ErrBadLinkP2P   = "BadLinkP2P"
	ErrInvalidScrpt = "InvalidScript"
	ErrInvalidAddr  = "InvalidAddress"
	ErrDuplicateAdr = "DuplicateAddress"
)

func verificationErr(kind, msg string) error {
	return &ShareVerificationError{Kind: kind, Message: msg}
}

// mainTip is the current main-chain head this block manager expects new
// shares to extend.
type mainTip struct {
	hash *big.Int
}

// ScriptDecoder converts a coinbase's embedded script_sig bytes into the
// wire-carried share-chain fields. Coin-specific, and therefore injected
// rather than hardcoded, matching the spec's coin-profile boundary.
//
// round_num is deliberately not part of the wire layout (the consensus-
// critical coinbase byte layout carries only height, prev_hash, extra_nonce
// and graffiti); the block manager attaches the locally-tracked round
// number itself. The source implementation leaves round_num's increment
// trigger unspecified (an open design question); this implementation never
// increments it, so the round_num link check is satisfied by construction
// until that trigger is defined.
//
// ScoreChanges is not part of a block's consensus bytes (PPLNS bookkeeping
// is this engine's own invention layered on top of a real chain's coinbase,
// not something a generic Bitcoin-like script can carry); it travels
// alongside the block as a plain field on share.ShareP2P instead of being
// decoded out of scriptSig/output bytes.
type ScriptDecoder interface {
	DecodeScriptSig(scriptSig []byte) (prevHash *big.Int, height uint32, err error)
}

// Manager owns the share-chain head and the on-disk share store.
type Manager struct {
	logger   *zap.Logger
	decoder  ScriptDecoder
	verifier coin.MainConsensusVerifier
	diff1    *big.Int

	sharesDir string

	p2pTipMu sync.Mutex
	p2pTip   share.ProcessedShare

	mainTipMu sync.Mutex
	main      mainTip

	currentHeight   uint32
	roundStartHeigh uint32
	roundNum        uint32
}

// New creates a block manager rooted at genesisShare, ensuring
// dataDir/shares exists and seeding p2pTip/main from the genesis share.
func New(logger *zap.Logger, decoder ScriptDecoder, verifier coin.MainConsensusVerifier, diff1 *big.Int, dataDir string, genesis share.ProcessedShare, genesisMainHash *big.Int, genesisHeight uint32) (*Manager, error) {
	sharesDir := filepath.Join(dataDir, "shares")
	if err := os.MkdirAll(sharesDir, 0o755); err != nil {
		return nil, fmt.Errorf("blockmanager: create shares dir: %w", err)
	}
	return &Manager{
		logger:          logger,
		decoder:         decoder,
		verifier:        verifier,
		diff1:           diff1,
		sharesDir:       sharesDir,
		p2pTip:          genesis,
		main:            mainTip{hash: genesisMainHash},
		currentHeight:   genesisHeight,
		roundStartHeigh: genesisHeight,
		roundNum:        0,
	}, nil
}

// Tip returns a read-only snapshot of the current share-chain head.
func (m *Manager) Tip() share.ProcessedShare {
	m.p2pTipMu.Lock()
	defer m.p2pTipMu.Unlock()
	return m.p2pTip
}

// MainTipHash returns a snapshot of the current main-chain head hash.
func (m *Manager) MainTipHash() *big.Int {
	m.mainTipMu.Lock()
	defer m.mainTipMu.Unlock()
	return new(big.Int).Set(m.main.hash)
}

// NewBlock replaces the main-chain tip and stores the new height.
func (m *Manager) NewBlock(height uint32, mainHash *big.Int) {
	m.mainTipMu.Lock()
	m.main = mainTip{hash: mainHash}
	m.mainTipMu.Unlock()
	m.currentHeight = height
}

// DecodeShare extracts a ShareP2P from a raw block plus its claimed
// ScoreChanges (carried alongside the block on the wire or handed in
// directly by the local stratum-submission path, which computes it from
// first principles rather than needing to decode it back out of anything).
// Basic structural well-formedness (no duplicate addresses within either
// side of the claim) is checked here; the numeric correctness of the claim
// is checked later by pplns.Window.VerifyChanges, once the real score is
// known.
func (m *Manager) DecodeShare(block coin.Block, claimedChanges share.ScoreChanges) (share.ShareP2P, error) {
	prevHash, height, err := m.decoder.DecodeScriptSig(block.CoinbaseScriptSig())
	if err != nil {
		return share.ShareP2P{}, verificationErr(ErrBadEncoding, err.Error())
	}
	encoded := share.CoinbaseEncodedP2P{PrevHash: prevHash, Height: height, RoundNum: m.roundNum}

	if share.HasDuplicateAddress(claimedChanges.Added) || share.HasDuplicateAddress(claimedChanges.Removed) {
		return share.ShareP2P{}, verificationErr(ErrDuplicateAdr, "claimed score changes contain a duplicate address")
	}

	return share.ShareP2P{Block: block, Encoded: encoded, Changes: claimedChanges}, nil
}

// ProcessShare runs the full acceptance pipeline described by the
// consensus engine: link checks against main and share chain, target
// check, score computation, PPLNS verification, persistence, and tip
// publication.
func (m *Manager) ProcessShare(block coin.Block, claimedChanges share.ScoreChanges, targetMgr *targetmanager.Manager, window *pplns.Window) (share.ProcessedShare, error) {
	m.p2pTipMu.Lock()
	defer m.p2pTipMu.Unlock()

	decoded, err := m.DecodeShare(block, claimedChanges)
	if err != nil {
		return share.ProcessedShare{}, err
	}

	mainHash := m.MainTipHash()
	if decoded.PrevMain().Cmp(mainHash) != 0 {
		return share.ProcessedShare{}, verificationErr(ErrBadLinkMain, "prev_main does not match main tip")
	}

	if !m.verifier.VerifyMainConsensus(block, m.currentHeight) {
		return share.ProcessedShare{}, verificationErr(ErrBadLinkMain, "main consensus verification failed")
	}

	if decoded.Encoded.PrevHash.Cmp(m.p2pTip.Hash) != 0 ||
		decoded.Encoded.Height != m.p2pTip.Height()+1 ||
		decoded.Encoded.RoundNum != m.p2pTip.RoundNum() {
		return share.ProcessedShare{}, verificationErr(ErrBadLinkP2P, "share does not chain onto current tip")
	}

	hash := block.GetHash()
	target := targetMgr.Target()
	if !bigtarget.HashMeetsTarget(hash, target) {
		return share.ProcessedShare{}, verificationErr(ErrBadTarget, "hash does not meet share-chain target")
	}

	score := bigtarget.Score(hash, m.diff1)

	if !window.VerifyChanges(decoded.Changes, score) {
		return share.ProcessedShare{}, verificationErr(ErrBadRewards, "claimed score changes do not match window eviction")
	}

	processed := share.ProcessedShare{Inner: decoded, Hash: hash, Score: score}

	if err := m.persistShare(decoded.Encoded.Height, block); err != nil {
		m.logger.Warn("blockmanager: failed to persist share, continuing", zap.Error(err), zap.Uint32("height", decoded.Encoded.Height))
	}

	m.p2pTip = processed
	m.roundStartHeigh++

	return processed, nil
}

// RawShareEncoder renders a block to its on-disk binary form. Coin
// profiles supply this so the block manager stays block-type-agnostic.
type RawShareEncoder interface {
	EncodeBlock(b coin.Block) ([]byte, error)
	DecodeBlock(data []byte) (coin.Block, error)
}

func (m *Manager) sharePath(height uint32) string {
	return filepath.Join(m.sharesDir, fmt.Sprintf("%d.dat", height))
}

func (m *Manager) persistShare(height uint32, block coin.Block) error {
	enc, ok := m.decoder.(RawShareEncoder)
	if !ok {
		return errors.New("blockmanager: decoder does not implement RawShareEncoder")
	}
	raw, err := enc.EncodeBlock(block)
	if err != nil {
		return err
	}
	return os.WriteFile(m.sharePath(height), raw, 0o644)
}

// LoadShares performs a contiguous read of persisted shares starting at
// fromHeight for count entries. Missing files stop the read early and
// return the shares found so far.
func (m *Manager) LoadShares(fromHeight uint32, count int) ([]coin.Block, error) {
	enc, ok := m.decoder.(RawShareEncoder)
	if !ok {
		return nil, errors.New("blockmanager: decoder does not implement RawShareEncoder")
	}
	out := make([]coin.Block, 0, count)
	for i := 0; i < count; i++ {
		data, err := os.ReadFile(m.sharePath(fromHeight + uint32(i)))
		if err != nil {
			if os.IsNotExist(err) {
				break
			}
			return out, err
		}
		block, err := enc.DecodeBlock(data)
		if err != nil {
			return out, err
		}
		out = append(out, block)
	}
	return out, nil
}

// RoundNum returns the current round number.
func (m *Manager) RoundNum() uint32 {
	return m.roundNum
}

// CurrentHeight returns the current main-chain height.
func (m *Manager) CurrentHeight() uint32 {
	return m.currentHeight
}

// Diff1 returns this profile's difficulty-1 target, used to convert a
// discovered hash into its PPLNS score.
func (m *Manager) Diff1() *big.Int {
	return m.diff1
}
