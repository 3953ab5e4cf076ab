// Package peermanager persists peer records to a local directory and
// selects connect candidates from it. There is no peer discovery by
// rendezvous: every peer this node ever talks to must already have a
// record file on disk.
//
// Grounded on original_source's src/lib/p2p/networking/peer_manager.rs
// (PeerManager::load_peer/save_peer/get_peers_to_connect), translated from
// the Rust fs-based per-IP JSON layout into Go's os/encoding-json idiom,
// mirroring the teacher's internal/storage read/write patterns.
package peermanager

import (
	"encoding/json"
	"net"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/sharepool/node/internal/p2p/peer"
)

// ConnectCooldown is the minimum time that must elapse since a peer's last
// connection failure before it is offered again as a connect candidate.
const ConnectCooldown = 10 * time.Second

// Manager loads and persists peer records under peersDir.
type Manager struct {
	logger   *zap.Logger
	peersDir string
}

// New creates a peer manager rooted at dataDir/peers, creating the
// directory if it does not already exist.
func New(logger *zap.Logger, dataDir string) (*Manager, error) {
	peersDir := filepath.Join(dataDir, "peers")
	if err := os.MkdirAll(peersDir, 0o755); err != nil {
		return nil, err
	}
	return &Manager{logger: logger, peersDir: peersDir}, nil
}

func (m *Manager) peerPath(ip net.IP) string {
	return filepath.Join(m.peersDir, ip.String()+".json")
}

// LoadPeer reads the persisted record for ip, if any.
func (m *Manager) LoadPeer(ip net.IP) (peer.Record, bool, error) {
	data, err := os.ReadFile(m.peerPath(ip))
	if err != nil {
		if os.IsNotExist(err) {
			return peer.Record{}, false, nil
		}
		return peer.Record{}, false, err
	}
	var rec peer.Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return peer.Record{}, false, err
	}
	return rec, true, nil
}

// LoadConnectingPeer loads an existing record for ip or returns a fresh,
// unconnected record seeded with that address.
func (m *Manager) LoadConnectingPeer(ip net.IP) (peer.Record, error) {
	rec, found, err := m.LoadPeer(ip)
	if err != nil {
		return peer.Record{}, err
	}
	if !found {
		rec = peer.Record{Address: ip}
	}
	return rec, nil
}

// SavePeer persists rec as a full rewrite of its record file.
func (m *Manager) SavePeer(rec peer.Record) error {
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(m.peerPath(rec.Address), data, 0o644)
}

// GetPeersToConnect scans the peers directory and returns up to amount
// addresses that are not currently connected, whose last connection
// failure is older than ConnectCooldown (or absent), and that have a
// known listening port.
func (m *Manager) GetPeersToConnect(amount int) ([]peer.Record, error) {
	entries, err := os.ReadDir(m.peersDir)
	if err != nil {
		return nil, err
	}

	now := time.Now().UnixMilli()
	var candidates []peer.Record
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(m.peersDir, entry.Name()))
		if err != nil {
			if m.logger != nil {
				m.logger.Warn("peermanager: failed to read peer record", zap.String("file", entry.Name()), zap.Error(err))
			}
			continue
		}
		var rec peer.Record
		if err := json.Unmarshal(data, &rec); err != nil {
			continue
		}

		if rec.Connected {
			continue
		}
		if rec.HasFailed() && now-rec.LastConnectionFailMs < ConnectCooldown.Milliseconds() {
			continue
		}
		if !rec.HasListeningPort() {
			continue
		}

		candidates = append(candidates, rec)
		if len(candidates) >= amount {
			break
		}
	}
	return candidates, nil
}

// MarkConnectionFailed stamps rec's last-failure time and persists
// connected=false, matching the on-CLOSED lifecycle hook.
func (m *Manager) MarkConnectionFailed(ip net.IP) error {
	rec, err := m.LoadConnectingPeer(ip)
	if err != nil {
		return err
	}
	rec.Connected = false
	rec.LastConnectionFailMs = time.Now().UnixMilli()
	return m.SavePeer(rec)
}

// MarkAuthorized persists the peer's authorized version and listening
// port once the handshake completes, entering the AUTHORIZED state.
func (m *Manager) MarkAuthorized(ip net.IP, version uint32, listeningPort uint16) error {
	rec, err := m.LoadConnectingPeer(ip)
	if err != nil {
		return err
	}
	rec.AuthorizedVersion = version
	rec.ListeningPort = listeningPort
	rec.Connected = true
	return m.SavePeer(rec)
}
