// Package main is the entry point for the sharepool node: the `run` and
// `create-pool` subcommands described by the on-disk layout and CLI
// contract.
package main

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"flag"
	"fmt"
	"math/big"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"github.com/sharepool/node/internal/config"
	"github.com/sharepool/node/internal/coreshare/bigtarget"
	"github.com/sharepool/node/internal/coreshare/blockmanager"
	"github.com/sharepool/node/internal/coreshare/btccoin"
	"github.com/sharepool/node/internal/coreshare/pplns"
	"github.com/sharepool/node/internal/coreshare/share"
	"github.com/sharepool/node/internal/coreshare/targetmanager"
	"github.com/sharepool/node/internal/daemon"
	"github.com/sharepool/node/internal/mining"
	"github.com/sharepool/node/internal/p2p/peermanager"
	"github.com/sharepool/node/internal/p2p/protocol"
	"github.com/sharepool/node/internal/server"
	"github.com/sharepool/node/internal/storage"
	"github.com/sharepool/node/internal/worker"
)

var version = "1.0.0"

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "usage: sharepool <run|create-pool> [flags]")
		os.Exit(1)
	}

	switch os.Args[1] {
	case "run":
		runCmd(os.Args[2:])
	case "create-pool":
		createPoolCmd(os.Args[2:])
	default:
		fmt.Fprintf(os.Stderr, "unknown subcommand %q\n", os.Args[1])
		os.Exit(1)
	}
}

func initLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	var level zapcore.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = zapcore.InfoLevel
	}

	var encoderConfig zapcore.EncoderConfig
	if cfg.Format == "console" {
		encoderConfig = zap.NewDevelopmentEncoderConfig()
	} else {
		encoderConfig = zap.NewProductionEncoderConfig()
	}
	encoderConfig.TimeKey = "timestamp"
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	var encoder zapcore.Encoder
	if cfg.Format == "console" {
		encoder = zapcore.NewConsoleEncoder(encoderConfig)
	} else {
		encoder = zapcore.NewJSONEncoder(encoderConfig)
	}

	writeSyncer := zapcore.AddSync(os.Stdout)
	core := zapcore.NewCore(encoder, writeSyncer, level)
	return zap.New(core, zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel)), nil
}

func hexTarget(h string) (*big.Int, error) {
	b, err := hex.DecodeString(h)
	if err != nil {
		return nil, err
	}
	return new(big.Int).SetBytes(b), nil
}

// runCmd starts the stratum and p2p servers, joining the pool named by
// --pool against the genesis state create-pool previously wrote.
func runCmd(args []string) {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	dataDir := fs.String("data-dir", "./data", "Node data directory")
	poolName := fs.String("pool", "", "Name of the pool to join (data_dir/pools/<name>/p2p.json)")
	fs.Parse(args)

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

	logger.Info("starting sharepool node", zap.String("version", version), zap.String("data_dir", *dataDir))

	p2pCfg, err := config.LoadOrInitP2P(*dataDir + "/config/p2p.json")
	if err != nil {
		logger.Fatal("failed to load p2p config", zap.Error(err))
	}

	var pool *config.PoolConfig
	if *poolName != "" {
		pool, err = loadPoolConfig(*dataDir, *poolName)
		if err != nil {
			logger.Fatal("failed to load pool config", zap.Error(err))
		}
	}

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

	diff1, coinCfg := resolveCoinProfile(p2pCfg, pool)

	peerMgr, err := peermanager.New(logger, p2pCfg.Peers.DataDir)
	if err != nil {
		logger.Fatal("failed to initialize peer manager", zap.Error(err))
	}

	genesisShare, genesisMainHash, genesisHeight, consensusHash := genesisState(pool)

	blockMgr, err := blockmanager.New(logger, btccoin.Decoder{}, btccoin.ConsensusVerifier{}, diff1, *dataDir, genesisShare, genesisMainHash, genesisHeight)
	if err != nil {
		logger.Fatal("failed to initialize block manager", zap.Error(err))
	}

	window := pplns.NewGenesis(share.Address(btccoin.DonationAddress), genesisShare.Inner)

	targetMgr := targetmanager.New(logger, time.Now().Unix(), coinCfg.BlockTimeSecondsDuration(), coinCfg.DiffAdjustBlocks)

	p2pManager := protocol.New(protocol.Config{
		Logger:             logger,
		PeerManager:        peerMgr,
		BlockManager:       blockMgr,
		Encoder:            btccoin.Decoder{},
		Window:             window,
		TargetManager:      targetMgr,
		ConsensusHash:      consensusHash,
		MaxPeerConnections: p2pCfg.MaxPeerConnections,
		ListeningPort:      uint16(p2pCfg.Port),
	})

	jobManager, err := mining.NewJobManager(logger, daemonClient, stratumCfg.Mining.Extranonce2Size)
	if err != nil {
		logger.Fatal("failed to initialize job manager", zap.Error(err))
	}

	shareValidator := mining.NewShareValidator(stratumCfg.Mining, logger, redisStorage, pgStorage, jobManager, daemonClient, p2pManager, diff1)

	srv, err := server.New(stratumCfg.Server, logger, workerManager, jobManager, shareValidator, diff1)
	if err != nil {
		logger.Fatal("failed to create server", zap.Error(err))
	}

	go pollNewJobs(ctx, logger, jobManager, p2pManager, targetMgr, blockMgr)

	go func() {
		if err := srv.Start(ctx); err != nil {
			logger.Error("stratum server error", zap.Error(err))
			cancel()
		}
	}()

	if stratumCfg.Server.Metrics.Enabled {
		go func() {
			if err := srv.StartMetricsServer(); err != nil {
				logger.Error("metrics server error", zap.Error(err))
			}
		}()
	}

	go runP2PListener(ctx, logger, p2pCfg, p2pManager)

	waitForShutdown(logger, func(shutdownCtx context.Context) {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("error during shutdown", zap.Error(err))
		}
	})
}

// resolveCoinProfile merges p2p.json's coin section with the joined pool's
// consensus constants, the pool's values taking precedence since they are
// this specific share-chain's authoritative genesis parameters.
func resolveCoinProfile(p2pCfg *config.P2PConfig, pool *config.PoolConfig) (*big.Int, coinProfile) {
	diff1Hex := p2pCfg.Coin.Diff1Hex
	blockTime := p2pCfg.Coin.BlockTimeSeconds
	diffAdjust := p2pCfg.Coin.DiffAdjustBlocks
	if pool != nil {
		diff1Hex = pool.Diff1Hex
		blockTime = pool.BlockTimeSeconds
		diffAdjust = pool.DiffAdjustBlocks
	}
	diff1, err := hexTarget(diff1Hex)
	if err != nil || diff1.Sign() == 0 {
		diff1 = new(big.Int).Set(btccoin.Diff1)
	}
	return diff1, coinProfile{BlockTimeSeconds: blockTime, DiffAdjustBlocks: diffAdjust}
}

type coinProfile struct {
	BlockTimeSeconds int64
	DiffAdjustBlocks uint32
}

func (c coinProfile) BlockTimeSecondsDuration() time.Duration {
	return time.Duration(c.BlockTimeSeconds) * time.Second
}

func loadPoolConfig(dataDir, name string) (*config.PoolConfig, error) {
	path := dataDir + "/pools/" + name + "/p2p.json"
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var pc config.PoolConfig
	if err := yaml.Unmarshal(data, &pc); err != nil {
		return nil, err
	}
	return &pc, nil
}

// genesisState builds the seed state a block manager and PPLNS window
// start from: either the joined pool's recorded genesis share, or (no pool
// joined yet) a synthetic all-zero genesis matching the donation-only
// starting window described for a freshly bootstrapped chain.
func genesisState(pool *config.PoolConfig) (share.ProcessedShare, *big.Int, uint32, [32]byte) {
	var consensusHash [32]byte
	if pool == nil {
		consensusHash = sha256.Sum256([]byte("sharepool-genesis-" + btccoin.Name))
		genesis := share.ProcessedShare{
			Inner: share.ShareP2P{
				Block:   btccoin.Block{},
				Encoded: share.CoinbaseEncodedP2P{PrevHash: new(big.Int), Height: 0, RoundNum: 0},
			},
			Hash:  new(big.Int),
			Score: big.NewInt(bigtarget.WindowTotalScore),
		}
		return genesis, new(big.Int), 0, consensusHash
	}

	consensusHash = sha256.Sum256([]byte(pool.ConsensusHash))
	shareHash, _ := hexTarget(pool.GenesisShareHash)
	mainHash, _ := hexTarget(pool.GenesisMainHash)
	genesis := share.ProcessedShare{
		Inner: share.ShareP2P{
			Block:   btccoin.Block{},
			Encoded: share.CoinbaseEncodedP2P{PrevHash: new(big.Int), Height: pool.GenesisHeight, RoundNum: 0},
		},
		Hash:  shareHash,
		Score: big.NewInt(bigtarget.WindowTotalScore),
	}
	return genesis, mainHash, pool.GenesisHeight, consensusHash
}

// pollNewJobs periodically asks the job manager for fresh work keyed on
// the share-chain's current tip and PPLNS distribution, publishing a new
// stratum job whenever the daemon's template or reward set changes.
func pollNewJobs(ctx context.Context, logger *zap.Logger, jm *mining.JobManager, p2pManager *protocol.Manager, targetMgr *targetmanager.Manager, blockMgr *blockmanager.Manager) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			tip := blockMgr.Tip()
			prevShareHash := bigtarget.U256ToBytesBE(tip.Hash)
			scores := p2pManager.AddressScores()
			_, changed, err := jm.GetNewJob(ctx, prevShareHash, tip.Height()+1, scores, targetMgr.Target())
			if err != nil {
				logger.Warn("failed to refresh job", zap.Error(err))
				continue
			}
			if changed {
				logger.Debug("published new job", zap.Uint32("height", tip.Height()+1))
			}
		}
	}
}

func runP2PListener(ctx context.Context, logger *zap.Logger, cfg *config.P2PConfig, mgr *protocol.Manager) {
	listener, err := net.Listen("tcp", fmt.Sprintf("%s:%d", cfg.Host, cfg.Port))
	if err != nil {
		logger.Error("failed to start p2p listener", zap.Error(err))
		return
	}
	defer listener.Close()
	logger.Info("p2p listener started", zap.String("address", listener.Addr().String()))

	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			return
		}
		go mgr.HandleConn(conn)
	}
}

func waitForShutdown(logger *zap.Logger, shutdown func(context.Context)) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	logger.Info("received shutdown signal", zap.String("signal", sig.String()))

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	shutdown(shutdownCtx)
	logger.Info("shutdown complete")
}
