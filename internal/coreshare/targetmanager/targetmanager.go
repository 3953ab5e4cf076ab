// Package targetmanager implements the share-chain difficulty retargeter.
//
// Grounded on original_source's src/lib/p2p/networking/target_manager.rs
// (TargetManager::new/target/adjust), translated into a mutex-guarded Go
// struct per the teacher's locking idiom (see internal/server for the
// comparable atomic/mutex usage this module follows).
package targetmanager

import (
	"math/big"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sharepool/node/internal/coreshare/bigtarget"
)

// MaxRetargetFactor is K: the bound on how much a single adjustment may
// move the target in either direction.
const MaxRetargetFactor = 4

// adjustment is the last retarget point recorded.
type adjustment struct {
	time   int64
	height uint32
	target *big.Int
}

// Manager tracks the share-chain's current target and retargets on a fixed
// cadence measured in share-chain height.
type Manager struct {
	mu sync.Mutex

	logger *zap.Logger

	last             adjustment
	current          *big.Int
	targetTimeMs     int64
	diffAdjustBlocks uint32
}

// New creates a target manager initialized to MAX_TARGET (the easiest
// possible target), with the last-adjustment time set to the genesis
// block's time.
func New(logger *zap.Logger, genesisBlockTime int64, targetTime time.Duration, diffAdjustBlocks uint32) *Manager {
	initial := bigtarget.NewMaxTarget()
	return &Manager{
		logger:           logger,
		current:          initial,
		targetTimeMs:     targetTime.Milliseconds(),
		diffAdjustBlocks: diffAdjustBlocks,
		last: adjustment{
			time:   genesisBlockTime,
			height: 0,
			target: new(big.Int).Set(initial),
		},
	}
}

// Target returns the current share-chain target.
func (m *Manager) Target() *big.Int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return new(big.Int).Set(m.current)
}

// Adjust is invoked once per newly accepted share, at the share's height
// and block time. When height - last.height >= diffAdjustBlocks, a new
// target is computed and installed; otherwise this is a no-op.
func (m *Manager) Adjust(height uint32, blockTime int64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if height < m.last.height || height-m.last.height < m.diffAdjustBlocks {
		return
	}

	expectedMs := m.targetTimeMs * int64(m.diffAdjustBlocks)

	var passedMs int64
	if blockTime <= m.last.time {
		passedMs = 1
	} else {
		passedMs = (blockTime - m.last.time) * 1000
	}

	minPassed := expectedMs / MaxRetargetFactor
	maxPassed := expectedMs * MaxRetargetFactor
	if passedMs < minPassed {
		passedMs = minPassed
	}
	if passedMs > maxPassed {
		passedMs = maxPassed
	}

	if expectedMs == 0 {
		m.logger.Warn("targetmanager: expected interval is zero, leaving target unchanged")
		return
	}

	newTarget := new(big.Int).Mul(m.current, big.NewInt(passedMs))
	newTarget.Div(newTarget, big.NewInt(expectedMs))

	maxTarget := bigtarget.NewMaxTarget()
	if newTarget.Cmp(maxTarget) > 0 {
		newTarget = maxTarget
	}
	if newTarget.Sign() <= 0 {
		m.logger.Warn("targetmanager: computed non-positive target, leaving target unchanged")
		return
	}

	m.current = newTarget
	m.last = adjustment{time: blockTime, height: height, target: new(big.Int).Set(newTarget)}

	if m.logger != nil {
		m.logger.Info("targetmanager: retargeted",
			zap.Uint32("height", height),
			zap.String("new_target", newTarget.String()),
		)
	}
}
