// Package mining turns share-chain state into stratum jobs: PPLNS-weighted
// coinbase construction, merkle step computation, and the job cache miners
// submit shares against.
package mining

import (
	"bytes"
	"context"
	"crypto/rand"
	"fmt"
	"math/big"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/sharepool/node/internal/coreshare/bigtarget"
	"github.com/sharepool/node/internal/coreshare/btccoin"
	"github.com/sharepool/node/internal/coreshare/coin"
	"github.com/sharepool/node/internal/coreshare/share"
)

var (
	jobsGenerated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sharepool_jobs_generated_total",
		Help: "Total number of stratum jobs generated.",
	})
	currentJobHeight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sharepool_current_job_height",
		Help: "Main-chain height of the most recently generated job.",
	})
)

// Job is an immutable stratum work unit. Coinbase1/Coinbase2 are the two
// halves around the extranonce1||extranonce2 splice point; MerkleSteps let
// a miner rebuild the merkle root after swapping in their own coinbase
// txid without re-hashing the rest of the block's transactions.
type Job struct {
	ID            uint32
	Height        uint32
	PrevBlockHash [32]byte
	Coinbase1     []byte
	Coinbase2     []byte
	Outputs       []coin.CoinbaseOutput
	MerkleSteps   [][32]byte
	Version       int32
	Bits          uint32
	Time          uint32
	// ShareTarget is the share-chain's current acceptance target (from the
	// target manager), much easier than the real network target in Bits.
	// A submission meeting ShareTarget is a valid share; one also meeting
	// the network target in Bits is additionally a found block.
	ShareTarget *big.Int
	CleanJobs   bool
	CreatedAt   time.Time
}

// NetworkDifficulty expresses Bits as a difficulty-1-relative multiple, the
// conventional value a stratum client displays.
func (j Job) NetworkDifficulty(diff1 *big.Int) float64 {
	target := bigtarget.CompactToTarget(j.Bits)
	if target.Sign() == 0 {
		return 0
	}
	ratio := new(big.Rat).SetFrac(diff1, target)
	f, _ := ratio.Float64()
	return f
}

// JobManager builds jobs from the daemon's block templates and the
// share-chain's current PPLNS payout distribution, and serves the job
// lookups the stratum layer needs to validate mining.submit.
type JobManager struct {
	logger *zap.Logger
	daemon BlockFetcher
	merkle MerkleBuilder

	currentJob atomic.Value // Job
	jobs       sync.Map     // uint32 -> Job
	jobCounter uint32

	extranonce1     [4]byte
	extranonce2Size int

	subscribersMu sync.Mutex
	subscribers   []chan Job

	mu       sync.Mutex
	lastTmpl BlockTemplate
}

// NewJobManager creates a job manager with a randomly seeded extranonce1.
func NewJobManager(logger *zap.Logger, daemon BlockFetcher, extranonce2Size int) (*JobManager, error) {
	jm := &JobManager{
		logger:          logger,
		daemon:          daemon,
		merkle:          NewMerkleBuilder(),
		extranonce2Size: extranonce2Size,
	}
	if _, err := rand.Read(jm.extranonce1[:]); err != nil {
		return nil, fmt.Errorf("mining: seed extranonce1: %w", err)
	}
	return jm, nil
}

// Extranonce1 returns this manager's fixed 4-byte extranonce1, used only as
// the placeholder when GetNewJob hashes a job's coinbase txid; stratum
// connections draw their own extranonce1 at mining.subscribe.
func (jm *JobManager) Extranonce1() [4]byte { return jm.extranonce1 }

// Extranonce2Size returns the miner-chosen extranonce2 length in bytes.
func (jm *JobManager) Extranonce2Size() int { return jm.extranonce2Size }

// GetCurrentJob returns the most recently published job, if any.
func (jm *JobManager) GetCurrentJob() (Job, bool) {
	v := jm.currentJob.Load()
	if v == nil {
		return Job{}, false
	}
	return v.(Job), true
}

// GetJob looks up a job by ID, for validating mining.submit against the
// exact job a miner was working on rather than only the latest one.
func (jm *JobManager) GetJob(id uint32) (Job, bool) {
	v, ok := jm.jobs.Load(id)
	if !ok {
		return Job{}, false
	}
	return v.(Job), true
}

// rewardOutputs converts a PPLNS address-score snapshot into coinbase
// outputs: each address's share of coinbaseValue is proportional to its
// score out of the window's total bound (W*SHARE_UNITS). Amounts are
// floored, and addresses whose amount floors to zero get no output.
func rewardOutputs(scores map[share.Address]*big.Int, coinbaseValue uint64) []coin.CoinbaseOutput {
	windowTotal := big.NewInt(bigtarget.WindowTotalScore)
	outputs := make([]coin.CoinbaseOutput, 0, len(scores))
	for addr, score := range scores {
		amount := new(big.Int).Mul(score, big.NewInt(int64(coinbaseValue)))
		amount.Div(amount, windowTotal)
		if amount.Sign() <= 0 {
			continue
		}
		outputs = append(outputs, coin.CoinbaseOutput{
			Script: btccoin.BuildPayoutScript(addr),
			Amount: amount.Uint64(),
		})
	}
	return outputs
}

// templateChanged reports whether b differs from a in any field that would
// change the job a miner needs to work against: height, previous block, the
// coinbase value (reward set), or the non-coinbase transaction set (merkle
// root). Bits/CurTime/Version drift alone does not warrant republishing.
func templateChanged(a, b BlockTemplate) bool {
	if a.Height != b.Height || a.PreviousBlockHash != b.PreviousBlockHash || a.CoinbaseValue != b.CoinbaseValue {
		return true
	}
	if len(a.TxHashes) != len(b.TxHashes) {
		return true
	}
	for i := range a.TxHashes {
		if !bytes.Equal(a.TxHashes[i][:], b.TxHashes[i][:]) {
			return true
		}
	}
	return false
}

// GetNewJob fetches a fresh block template from the daemon keyed on the
// current share-chain tip and PPLNS distribution, and publishes it as a
// new job whenever the previous block hash or reward set changed. It
// returns (job, false) when the daemon's template is unchanged from the
// one backing the current tip job (same height, previous block, coinbase
// value, and transaction set), since no new work needs announcing.
func (jm *JobManager) GetNewJob(ctx context.Context, prevShareHash [32]byte, shareHeight uint32, scores map[share.Address]*big.Int, shareTarget *big.Int) (Job, bool, error) {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	prior, hadPrior := jm.GetCurrentJob()

	tmpl, err := jm.daemon.FetchBlockTemplate(ctx, nil, prevShareHash, shareHeight)
	if err != nil {
		return Job{}, false, fmt.Errorf("mining: fetch block template: %w", err)
	}

	if hadPrior && !templateChanged(jm.lastTmpl, *tmpl) {
		return prior, false, nil
	}
	jm.lastTmpl = *tmpl

	outputs := rewardOutputs(scores, tmpl.CoinbaseValue)
	coinb1, coinb2 := btccoin.BuildCoinbaseParts(tmpl.Height, prevShareHash, outputs)

	extranonce2Placeholder := make([]byte, jm.extranonce2Size)
	coinbaseTxID := btccoin.CoinbaseTxID(coinb1, jm.extranonce1[:], extranonce2Placeholder, coinb2)

	txHashes := append([][32]byte{coinbaseTxID}, tmpl.TxHashes...)
	steps := jm.merkle.BuildSteps(txHashes)

	cleanJobs := !hadPrior || prior.PrevBlockHash != tmpl.PreviousBlockHash

	jm.jobCounter++
	job := Job{
		ID:            jm.jobCounter,
		Height:        tmpl.Height,
		PrevBlockHash: tmpl.PreviousBlockHash,
		Coinbase1:     coinb1,
		Coinbase2:     coinb2,
		Outputs:       outputs,
		MerkleSteps:   steps,
		Version:       tmpl.Version,
		Bits:          tmpl.Bits,
		Time:          tmpl.CurTime,
		ShareTarget:   shareTarget,
		CleanJobs:     cleanJobs,
		CreatedAt:     time.Now(),
	}

	jm.jobs.Store(job.ID, job)
	jm.currentJob.Store(job)
	currentJobHeight.Set(float64(job.Height))
	jobsGenerated.Inc()
	jm.cleanOldJobs()
	jm.notifySubscribers(job)

	return job, true, nil
}

// cleanOldJobs keeps only the most recent jobs reachable for mining.submit
// validation, bounding memory for long-running pools.
func (jm *JobManager) cleanOldJobs() {
	const keep = 8
	if jm.jobCounter <= keep {
		return
	}
	cutoff := jm.jobCounter - keep
	jm.jobs.Range(func(k, _ any) bool {
		if id, ok := k.(uint32); ok && id < cutoff {
			jm.jobs.Delete(id)
		}
		return true
	})
}

// Subscribe returns a channel that receives every newly published job.
func (jm *JobManager) Subscribe() <-chan Job {
	ch := make(chan Job, 4)
	jm.subscribersMu.Lock()
	jm.subscribers = append(jm.subscribers, ch)
	jm.subscribersMu.Unlock()
	return ch
}

func (jm *JobManager) notifySubscribers(job Job) {
	jm.subscribersMu.Lock()
	defer jm.subscribersMu.Unlock()
	for _, ch := range jm.subscribers {
		select {
		case ch <- job:
		default:
			jm.logger.Warn("mining: subscriber channel full, dropping job notification", zap.Uint32("job_id", job.ID))
		}
	}
}
