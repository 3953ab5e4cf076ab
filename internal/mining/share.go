// share.go implements the stratum mining.submit pipeline: rebuild the
// candidate block from a job and a worker's submitted fields, classify it
// against the share-chain and network targets, and hand accepted shares to
// the share-chain consensus engine.
package mining

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/sharepool/node/internal/config"
	"github.com/sharepool/node/internal/coreshare/bigtarget"
	"github.com/sharepool/node/internal/coreshare/btccoin"
	"github.com/sharepool/node/internal/coreshare/coin"
	"github.com/sharepool/node/internal/coreshare/dupcheck"
	"github.com/sharepool/node/internal/coreshare/share"
	"github.com/sharepool/node/internal/storage"
)

var (
	sharesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sharepool_shares_total",
		Help: "Total number of shares submitted",
	}, []string{"status"})

	shareProcessingTime = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "sharepool_share_processing_seconds",
		Help:    "Share processing time in seconds",
		Buckets: prometheus.ExponentialBuckets(0.0001, 2, 10),
	})

	blocksFound = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sharepool_blocks_found_total",
		Help: "Total number of blocks found",
	})
)

func init() {
	prometheus.MustRegister(sharesTotal)
	prometheus.MustRegister(shareProcessingTime)
	prometheus.MustRegister(blocksFound)
}

// Share is one mining.submit from a connected worker.
type Share struct {
	WorkerName  string
	Address     share.Address
	JobID       uint32
	Extranonce1 [4]byte
	Extranonce2 []byte
	Ntime       uint32
	Nonce       uint32
	// ClientTarget is the difficulty target this worker was last assigned
	// via mining.set_difficulty; shares must additionally meet it.
	ClientTarget *big.Int
	SubmittedAt  time.Time
	IPAddress    string
}

// ShareResult is the outcome of validating one Share.
type ShareResult struct {
	Valid        bool
	IsBlock      bool
	Hash         *big.Int
	RejectReason string
}

// ShareSink is the interface a validated, target-meeting share is handed
// to for consensus bookkeeping. protocol.Manager implements this.
type ShareSink interface {
	OnValidShare(address share.Address, block coin.Block, hash *big.Int, isBlock bool) error
}

// ShareValidator runs the mining.submit pipeline. It holds no per-client
// state itself: the duplicate-submission filter belongs to the calling
// stratum session (see server.Connection), since sharing one filter across
// every connected client would let one worker's replayed share mask
// another's and races the filter's map under concurrent submissions.
type ShareValidator struct {
	cfg        config.MiningConfig
	logger     *zap.Logger
	redis      *storage.RedisClient
	postgres   *storage.PostgresClient
	jobManager *JobManager
	daemon     BlockFetcher
	sink       ShareSink
	diff1      *big.Int
	merkle     MerkleBuilder
}

// NewShareValidator creates a share validator wired to the job cache, the
// daemon (for submitting found blocks), and the share-chain sink.
func NewShareValidator(cfg config.MiningConfig, logger *zap.Logger, redis *storage.RedisClient, postgres *storage.PostgresClient, jm *JobManager, daemon BlockFetcher, sink ShareSink, diff1 *big.Int) *ShareValidator {
	return &ShareValidator{
		cfg:        cfg,
		logger:     logger.Named("share"),
		redis:      redis,
		postgres:   postgres,
		jobManager: jm,
		daemon:     daemon,
		sink:       sink,
		diff1:      diff1,
		merkle:     NewMerkleBuilder(),
	}
}

// Validate runs the full mining.submit sequence: job lookup, ntime bounds,
// coinbase/merkle reassembly, duplicate check against the caller's own
// per-client filter, target comparison, and (on an accepted share) handoff
// to the share-chain sink.
func (v *ShareValidator) Validate(s *Share, dup *dupcheck.Filter) (*ShareResult, error) {
	start := time.Now()
	defer func() { shareProcessingTime.Observe(time.Since(start).Seconds()) }()

	job, ok := v.jobManager.GetJob(s.JobID)
	if !ok {
		sharesTotal.WithLabelValues("stale").Inc()
		return &ShareResult{RejectReason: "Job not found"}, nil
	}

	if !v.validateNtime(s.Ntime, job) {
		sharesTotal.WithLabelValues("invalid").Inc()
		return &ShareResult{RejectReason: "Invalid ntime"}, nil
	}

	block := v.buildBlock(s, job)
	hash := block.GetHash()

	if prior := dup.DidContain(hash); prior {
		sharesTotal.WithLabelValues("duplicate").Inc()
		return &ShareResult{RejectReason: "Duplicate share", Hash: hash}, nil
	}

	if s.ClientTarget != nil && !bigtarget.HashMeetsTarget(hash, s.ClientTarget) {
		sharesTotal.WithLabelValues("low_diff").Inc()
		return &ShareResult{RejectReason: "Low difficulty share", Hash: hash}, nil
	}

	if !bigtarget.HashMeetsTarget(hash, job.ShareTarget) {
		sharesTotal.WithLabelValues("low_diff").Inc()
		return &ShareResult{RejectReason: "Does not meet share-chain target", Hash: hash}, nil
	}

	result := &ShareResult{Valid: true, Hash: hash}
	sharesTotal.WithLabelValues("valid").Inc()

	networkTarget := bigtarget.CompactToTarget(job.Bits)
	if bigtarget.HashMeetsTarget(hash, networkTarget) {
		result.IsBlock = true
		blocksFound.Inc()
		v.logger.Info("block found",
			zap.String("worker", s.WorkerName),
			zap.Uint32("height", job.Height),
		)

		if err := v.daemon.SubmitBlock(context.Background(), block); err != nil {
			v.logger.Error("failed to submit found block to daemon",
				zap.Error(err),
				zap.String("worker", s.WorkerName),
				zap.Uint32("height", job.Height),
			)
		}
	}

	if err := v.sink.OnValidShare(s.Address, block, hash, result.IsBlock); err != nil {
		v.logger.Warn("share rejected by consensus engine", zap.Error(err), zap.String("worker", s.WorkerName))
		result.Valid = false
		result.RejectReason = err.Error()
		sharesTotal.WithLabelValues("rejected").Inc()
		return result, nil
	}

	return result, nil
}

func (v *ShareValidator) validateNtime(ntime uint32, job Job) bool {
	const tolerance = 600
	return ntime+tolerance >= job.Time && ntime <= job.Time+tolerance
}

// buildBlock reassembles the coinbase from the job's two halves and the
// worker's extranonce2, recomputes the merkle root from the job's
// precomputed steps, and assembles the full header the worker mined
// against.
func (v *ShareValidator) buildBlock(s *Share, job Job) btccoin.Block {
	coinbaseTxID := btccoin.CoinbaseTxID(job.Coinbase1, s.Extranonce1[:], s.Extranonce2, job.Coinbase2)
	merkleRoot := v.merkle.ComputeRoot(coinbaseTxID, job.MerkleSteps)

	scriptSig := coinbaseScriptSig(job.Coinbase1, s.Extranonce1, s.Extranonce2, job.Coinbase2)

	return btccoin.Block{
		Header: btccoin.Header{
			Version:       job.Version,
			PrevBlockHash: job.PrevBlockHash,
			MerkleRoot:    merkleRoot,
			Time:          s.Ntime,
			Bits:          job.Bits,
			Nonce:         s.Nonce,
		},
		Coinbase: btccoin.CoinbaseTx{
			ScriptSig: scriptSig,
			Outputs:   job.Outputs,
		},
	}
}

// coinbaseScriptSig extracts this coinbase's script_sig bytes from the
// reassembled transaction bytes: coinb1 carries a one-byte CompactSize
// script length immediately before the embedded fields begin, so the
// script's total length is always known up front from coinb1's tail byte
// position plus the fixed 8-byte extranonce gap and coinb2's graffiti push.
func coinbaseScriptSig(coinb1 []byte, extranonce1 [4]byte, extranonce2, coinb2 []byte) []byte {
	// coinb1 = version(4) || input_count(1) || null_prevout(36) ||
	// script_len(1) || script_prefix; the script_sig proper starts right
	// after this fixed 42-byte transaction preamble.
	const preamble = 4 + 1 + 36 + 1
	if len(coinb1) < preamble {
		return nil
	}
	scriptPrefix := coinb1[preamble:]

	// coinb2 = script_suffix || sequence(4) || ...; the graffiti push is a
	// fixed 33 bytes (1-byte length + 32-byte payload), the last thing the
	// script contains.
	const graffitiPushLen = 33
	if len(coinb2) < graffitiPushLen {
		return nil
	}
	scriptSuffix := coinb2[:graffitiPushLen]

	out := make([]byte, 0, len(scriptPrefix)+len(extranonce1)+len(extranonce2)+len(scriptSuffix))
	out = append(out, scriptPrefix...)
	out = append(out, extranonce1[:]...)
	out = append(out, extranonce2...)
	out = append(out, scriptSuffix...)
	return out
}

// LogShare records a share submission outcome in storage, regardless of
// disposition, for payout accounting and operator visibility.
func (v *ShareValidator) LogShare(ctx context.Context, s *Share, result *ShareResult) {
	dbShare := &storage.Share{
		WorkerName:   s.WorkerName,
		JobID:        fmt.Sprintf("%d", s.JobID),
		Valid:        result.Valid,
		IsBlock:      result.IsBlock,
		RejectReason: result.RejectReason,
		IPAddress:    s.IPAddress,
		SubmittedAt:  s.SubmittedAt,
	}
	if result.Hash != nil {
		dbShare.BlockHash = result.Hash.Text(16)
	}
	if err := v.postgres.InsertShare(ctx, dbShare); err != nil {
		v.logger.Error("failed to insert share", zap.Error(err))
	}
}
