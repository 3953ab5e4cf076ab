package protocol

import (
	"bufio"
	"fmt"
	"math/big"
	"net"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/sharepool/node/internal/coreshare/bigtarget"
	"github.com/sharepool/node/internal/coreshare/blockmanager"
	"github.com/sharepool/node/internal/coreshare/coin"
	"github.com/sharepool/node/internal/coreshare/pplns"
	"github.com/sharepool/node/internal/coreshare/share"
	"github.com/sharepool/node/internal/coreshare/targetmanager"
	"github.com/sharepool/node/internal/p2p/peermanager"
)

// ShareSink is the interface the stratum layer holds to push accepted
// shares and new main-chain blocks into the share-chain consensus engine,
// without the stratum layer needing to know p2p internals.
//
// Modeled after original_source's StratumHandler trait and its
// CompleteStrartumHandler forwarder (src/lib/p2p/networking/
// stratum_handler.rs).
type ShareSink interface {
	OnValidShare(address share.Address, block coin.Block, hash *big.Int, isBlock bool) error
	OnNewBlock(height uint32, header coin.Block)
}

// Manager is the p2p protocol driver: it owns the peers table, drives
// each peer session's handshake state machine, and is the sole bridge
// between gossip traffic and the block manager / PPLNS window.
type Manager struct {
	logger *zap.Logger

	peerManager  *peermanager.Manager
	blockManager *blockmanager.Manager
	encoder      blockmanager.RawShareEncoder

	pplnsMu sync.Mutex
	window  *pplns.Window

	targetManager *targetmanager.Manager

	consensusHash      [32]byte
	maxPeerConnections int
	listeningPort      uint16

	peers     sync.Map // net.Addr.String() -> *Peer
	connCount int32

	currentHeight atomic.Uint32
}

// Peer is one live peer session.
type Peer struct {
	conn          net.Conn
	state         sessionState
	remoteVersion uint32
	remotePort    uint16
}

// Config carries the construction parameters for a protocol manager.
type Config struct {
	Logger             *zap.Logger
	PeerManager        *peermanager.Manager
	BlockManager       *blockmanager.Manager
	Encoder            blockmanager.RawShareEncoder
	Window             *pplns.Window
	TargetManager      *targetmanager.Manager
	ConsensusHash      [32]byte
	MaxPeerConnections int
	ListeningPort      uint16
}

// New constructs a protocol manager from cfg.
func New(cfg Config) *Manager {
	return &Manager{
		logger:             cfg.Logger,
		peerManager:        cfg.PeerManager,
		blockManager:       cfg.BlockManager,
		encoder:            cfg.Encoder,
		window:             cfg.Window,
		targetManager:      cfg.TargetManager,
		consensusHash:      cfg.ConsensusHash,
		maxPeerConnections: cfg.MaxPeerConnections,
		listeningPort:      cfg.ListeningPort,
	}
}

// AddressScores returns a defensive snapshot of the current PPLNS
// per-address totals, used by the job manager to build coinbase payouts.
func (m *Manager) AddressScores() map[share.Address]*big.Int {
	m.pplnsMu.Lock()
	defer m.pplnsMu.Unlock()
	return m.window.AddressScores()
}

// HandleConn drives one inbound or outbound peer connection through the
// handshake state machine. Connections beyond maxPeerConnections are
// dropped before a session is created.
func (m *Manager) HandleConn(conn net.Conn) {
	if int(atomic.AddInt32(&m.connCount, 1)) > m.maxPeerConnections {
		atomic.AddInt32(&m.connCount, -1)
		conn.Close()
		return
	}
	defer atomic.AddInt32(&m.connCount, -1)

	p := &Peer{conn: conn}
	p.state.store(StateConnecting)
	m.peers.Store(conn.RemoteAddr().String(), p)
	defer m.closePeer(conn.RemoteAddr(), p)

	reader := bufio.NewReader(conn)

	p.state.store(StateHandshaking)
	if err := WriteMessage(conn, KindHello, Hello{
		Version:           CurrentVersion,
		ListeningPort:     m.listeningPort,
		PoolConsensusHash: m.consensusHash,
	}); err != nil {
		return
	}

	if err := m.handshake(reader, conn, p); err != nil {
		m.logger.Warn("p2p: handshake failed", zap.Error(err))
		return
	}

	for {
		kind, payload, err := ReadMessage(reader)
		if err != nil {
			return
		}
		if err := m.dispatch(conn, p, kind, payload); err != nil {
			m.logger.Warn("p2p: message handling error", zap.Error(err))
			return
		}
	}
}

func (m *Manager) handshake(reader *bufio.Reader, conn net.Conn, p *Peer) error {
	kind, payload, err := ReadMessage(reader)
	if err != nil {
		return err
	}
	if kind != KindHello {
		WriteMessage(conn, KindReject, Reject{Reason: "expected Hello"})
		return fmt.Errorf("expected Hello, got kind %d", kind)
	}
	var hello Hello
	if err := DecodePayload(payload, &hello); err != nil {
		return err
	}

	if hello.Version < OldestCompatibleVersion {
		WriteMessage(conn, KindReject, Reject{Reason: "incompatible version"})
		return fmt.Errorf("peer version %d below oldest compatible %d", hello.Version, OldestCompatibleVersion)
	}
	if hello.PoolConsensusHash != m.consensusHash {
		WriteMessage(conn, KindReject, Reject{Reason: "consensus hash mismatch"})
		return fmt.Errorf("consensus hash mismatch")
	}

	p.remoteVersion = hello.Version
	p.remotePort = hello.ListeningPort

	if err := WriteMessage(conn, KindVerAck, VerAck{}); err != nil {
		return err
	}
	kind, _, err = ReadMessage(reader)
	if err != nil {
		return err
	}
	if kind != KindVerAck {
		return fmt.Errorf("expected VerAck, got kind %d", kind)
	}

	p.state.store(StateAuthorized)

	if host, _, splitErr := net.SplitHostPort(conn.RemoteAddr().String()); splitErr == nil {
		if ip := net.ParseIP(host); ip != nil {
			if err := m.peerManager.MarkAuthorized(ip, hello.Version, hello.ListeningPort); err != nil {
				m.logger.Warn("p2p: failed to persist authorized peer", zap.Error(err))
			}
		}
	}
	return nil
}

func (m *Manager) closePeer(addr net.Addr, p *Peer) {
	p.state.store(StateClosed)
	m.peers.Delete(addr.String())
	if host, _, err := net.SplitHostPort(addr.String()); err == nil {
		if ip := net.ParseIP(host); ip != nil {
			if err := m.peerManager.MarkConnectionFailed(ip); err != nil {
				m.logger.Warn("p2p: failed to persist peer close", zap.Error(err))
			}
		}
	}
	p.conn.Close()
}

func (m *Manager) dispatch(conn net.Conn, p *Peer, kind Kind, payload []byte) error {
	switch kind {
	case KindGetShares:
		var req GetShares
		if err := DecodePayload(payload, &req); err != nil {
			return err
		}
		blocks, err := m.blockManager.LoadShares(req.FromHeight, int(req.Count))
		if err != nil {
			m.logger.Warn("p2p: load shares failed", zap.Error(err))
			blocks = nil
		}
		raw := make([][]byte, 0, len(blocks))
		for _, b := range blocks {
			enc, err := m.encoder.EncodeBlock(b)
			if err != nil {
				continue
			}
			raw = append(raw, enc)
		}
		return WriteMessage(conn, KindShares, Shares{Blocks: raw})

	case KindShareSubmit:
		var msg ShareSubmit
		if err := DecodePayload(payload, &msg); err != nil {
			return err
		}
		_, err := m.HandleShareSubmit(msg.Block, msg.Changes)
		if err != nil {
			m.logger.Info("p2p: rejected gossiped share", zap.Error(err))
		}
		return nil

	case KindGetRoundInfo:
		tip := m.blockManager.Tip()
		return WriteMessage(conn, KindRoundInfo, RoundInfo{
			StartHeight:   tip.Height(),
			CurrentHeight: m.blockManager.CurrentHeight(),
		})

	case KindCreatePool:
		m.logger.Info("p2p: received out-of-band CreatePool announcement")
		return nil

	case KindReject:
		return fmt.Errorf("peer sent Reject")

	default:
		return fmt.Errorf("unexpected message kind %d", kind)
	}
}

// HandleShareSubmit decodes a raw gossiped (or locally mined) block, runs
// it through the block manager against its claimed ScoreChanges, and on
// acceptance applies it to the PPLNS window and nudges the target manager.
func (m *Manager) HandleShareSubmit(raw []byte, changes share.ScoreChanges) (share.ProcessedShare, error) {
	block, err := m.encoder.DecodeBlock(raw)
	if err != nil {
		return share.ProcessedShare{}, &ShareVerificationError{Kind: blockmanager.ErrBadEncoding}
	}

	m.pplnsMu.Lock()
	defer m.pplnsMu.Unlock()
	return m.handleShareSubmitLocked(raw, block, changes)
}

// handleShareSubmitLocked is HandleShareSubmit's body, run with pplnsMu
// already held. Split out so OnValidShare can preview and submit under a
// single critical section instead of two separately-locked calls.
func (m *Manager) handleShareSubmitLocked(raw []byte, block coin.Block, changes share.ScoreChanges) (share.ProcessedShare, error) {
	processed, err := m.blockManager.ProcessShare(block, changes, m.targetManager, m.window)
	if err != nil {
		return share.ProcessedShare{}, err
	}

	if err := m.window.Add(processed); err != nil {
		m.logger.Error("p2p: BUG pplns window invariant violated", zap.Error(err))
		return share.ProcessedShare{}, err
	}

	m.targetManager.Adjust(processed.Height(), block.GetTime())

	m.broadcastShare(raw, changes)
	return processed, nil
}

func (m *Manager) broadcastShare(raw []byte, changes share.ScoreChanges) {
	m.peers.Range(func(_, v interface{}) bool {
		p := v.(*Peer)
		if p.state.load() != StateAuthorized {
			return true
		}
		if err := WriteMessage(p.conn, KindShareSubmit, ShareSubmit{Block: raw, Changes: changes}); err != nil {
			m.logger.Warn("p2p: failed to gossip share to peer", zap.Error(err))
		}
		return true
	})
}

// PreviewChanges exposes the window's current eviction preview for a
// candidate finder score, letting the stratum layer construct a locally
// mined share's claimed ScoreChanges before calling OnValidShare.
func (m *Manager) PreviewChanges(finderAddress share.Address, finderScore *big.Int) share.ScoreChanges {
	m.pplnsMu.Lock()
	defer m.pplnsMu.Unlock()
	return m.previewChangesLocked(finderAddress, finderScore)
}

func (m *Manager) previewChangesLocked(finderAddress share.Address, finderScore *big.Int) share.ScoreChanges {
	return share.ScoreChanges{
		Added:   []share.AddressScore{{Address: finderAddress, Score: new(big.Int).Set(finderScore)}},
		Removed: m.window.PreviewRemoved(finderScore),
	}
}

// OnValidShare implements ShareSink: it builds the claimed ScoreChanges for
// this finder's score and routes it through the same acceptance path as a
// gossiped share, previewing and submitting under one pplnsMu hold so a
// concurrently gossiped share can't invalidate the preview in between.
// Every accepted share feeds the share-chain regardless of isBlock; only a
// sink that cares about actual main-chain blocks (such as the create-pool
// bootstrap sink) needs to branch on it.
func (m *Manager) OnValidShare(address share.Address, block coin.Block, hash *big.Int, isBlock bool) error {
	diff1 := m.blockManager.Diff1()
	score := bigtarget.Score(hash, diff1)

	raw, err := m.encoder.EncodeBlock(block)
	if err != nil {
		return err
	}

	m.pplnsMu.Lock()
	defer m.pplnsMu.Unlock()
	changes := m.previewChangesLocked(address, score)
	_, err = m.handleShareSubmitLocked(raw, block, changes)
	return err
}

// OnNewBlock implements ShareSink: it records the new main-chain height
// and replaces the block manager's main-chain tip; nothing is sent to
// peers.
func (m *Manager) OnNewBlock(height uint32, header coin.Block) {
	m.currentHeight.Store(height)
	m.blockManager.NewBlock(height, header.GetHash())
}
