package main

import (
	"context"
	"crypto/sha256"
	"flag"
	"fmt"
	"math/big"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/sharepool/node/internal/config"
	"github.com/sharepool/node/internal/coreshare/coin"
	"github.com/sharepool/node/internal/coreshare/share"
	"github.com/sharepool/node/internal/daemon"
	"github.com/sharepool/node/internal/mining"
	"github.com/sharepool/node/internal/server"
	"github.com/sharepool/node/internal/storage"
	"github.com/sharepool/node/internal/worker"
)

// genesisSink implements mining.ShareSink for the create-pool bootstrap
// session: it accepts every share meeting the bootstrap target, and
// signals once one of them is also a real block, the trigger for a new
// pool's genesis.
type genesisSink struct {
	found chan foundGenesis
}

type foundGenesis struct {
	block coin.Block
	hash  *big.Int
}

func newGenesisSink() *genesisSink {
	return &genesisSink{found: make(chan foundGenesis, 1)}
}

func (s *genesisSink) OnValidShare(address share.Address, block coin.Block, hash *big.Int, isBlock bool) error {
	if !isBlock {
		return nil
	}
	select {
	case s.found <- foundGenesis{block: block, hash: hash}:
	default:
	}
	return nil
}

// createPoolCmd runs a single-miner stratum session on the create-pool
// port that accepts any share meeting the requested diff1 target until one
// of those shares also satisfies the daemon's real network target, then
// records that share as the new pool's genesis and exits.
func createPoolCmd(args []string) {
	fs := flag.NewFlagSet("create-pool", flag.ExitOnError)
	dataDir := fs.String("data-dir", "./data", "Node data directory")
	name := fs.String("name", "", "Name of the new pool")
	diff1Hex := fs.String("diff1", "", "Hex-encoded difficulty-1 target for the new pool")
	blockTimeMs := fs.Int64("block-time-ms", 30000, "Target time between accepted shares, in milliseconds")
	diffAdjustBlocks := fs.Uint("diff-adjust-blocks", 2016, "Share-chain retarget window, in shares")
	fs.Parse(args)

	if *name == "" || *diff1Hex == "" {
		fmt.Fprintln(os.Stderr, "create-pool requires --name and --diff1")
		os.Exit(1)
	}

	diff1, err := hexTarget(*diff1Hex)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid --diff1: %v\n", err)
		os.Exit(1)
	}

	stratumCfg, err := config.LoadOrInitStratum(*dataDir + "/config/stratum.json")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load stratum config: %v\n", err)
		os.Exit(1)
	}

	logger, err := initLogger(stratumCfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	redisStorage, err := storage.NewRedisClient(ctx, stratumCfg.Redis, logger)
	if err != nil {
		logger.Fatal("failed to connect to redis", zap.Error(err))
	}
	defer redisStorage.Close()

	pgStorage, err := storage.NewPostgresClient(ctx, stratumCfg.Postgres, logger)
	if err != nil {
		logger.Fatal("failed to connect to postgres", zap.Error(err))
	}
	defer pgStorage.Close()

	workerManager := worker.NewManager(logger, redisStorage, pgStorage)
	daemonClient := daemon.NewClient(stratumCfg.Node, logger)

	jobManager, err := mining.NewJobManager(logger, daemonClient, stratumCfg.Mining.Extranonce2Size)
	if err != nil {
		logger.Fatal("failed to initialize job manager", zap.Error(err))
	}

	sink := newGenesisSink()
	shareValidator := mining.NewShareValidator(stratumCfg.Mining, logger, redisStorage, pgStorage, jobManager, daemonClient, sink, diff1)

	serverCfg := stratumCfg.Server
	serverCfg.Port = btccoinCreatePoolPort()
	serverCfg.Metrics.Enabled = false

	srv, err := server.New(serverCfg, logger, workerManager, jobManager, shareValidator, diff1)
	if err != nil {
		logger.Fatal("failed to create bootstrap server", zap.Error(err))
	}

	go pollBootstrapJobs(ctx, logger, jobManager, diff1)

	go func() {
		if err := srv.Start(ctx); err != nil {
			logger.Error("bootstrap server error", zap.Error(err))
		}
	}()

	logger.Info("create-pool: waiting for a share that also satisfies the network target",
		zap.String("name", *name), zap.Int("port", serverCfg.Port))

	found := <-sink.found
	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	srv.Shutdown(shutdownCtx)

	consensusHash := sha256.Sum256([]byte(*name + *diff1Hex))
	pc := &config.PoolConfig{
		Name:             *name,
		ConsensusHash:    fmt.Sprintf("%x", consensusHash),
		GenesisShareHash: fmt.Sprintf("%x", found.hash),
		GenesisMainHash:  fmt.Sprintf("%x", found.block.GetHash()),
		GenesisHeight:    0,
		Diff1Hex:         *diff1Hex,
		BlockTimeSeconds: *blockTimeMs / 1000,
		DiffAdjustBlocks: uint32(*diffAdjustBlocks),
		CreatedAt:        time.Now(),
	}
	if err := config.SavePoolConfig(*dataDir, pc); err != nil {
		logger.Fatal("failed to save pool config", zap.Error(err))
	}

	logger.Info("create-pool: genesis found, pool config written",
		zap.String("name", *name), zap.String("genesis_hash", pc.GenesisShareHash))
	os.Exit(0)
}

func btccoinCreatePoolPort() int { return 9999 }

// pollBootstrapJobs keeps the bootstrap session supplied with fresh block
// templates at the requested bootstrap target, with no PPLNS window yet to
// draw reward distribution from: the bootstrap coinbase pays its single
// miner's own address in full via the job manager's empty-scores path,
// which simply omits any payout output (acceptable for a throwaway
// genesis-mining coinbase that is immediately superseded once the pool's
// real PPLNS window takes over).
func pollBootstrapJobs(ctx context.Context, logger *zap.Logger, jm *mining.JobManager, shareTarget *big.Int) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	var height uint32
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, _, err := jm.GetNewJob(ctx, [32]byte{}, height, nil, shareTarget)
			if err != nil {
				logger.Warn("create-pool: failed to refresh bootstrap job", zap.Error(err))
			}
		}
	}
}
