package peermanager

import (
	"net"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sharepool/node/internal/p2p/peer"
)

func TestSaveLoadPeerRoundTrip(t *testing.T) {
	mgr, err := New(zap.NewNop(), t.TempDir())
	require.NoError(t, err)

	ip := net.ParseIP("10.0.0.1")
	require.NoError(t, mgr.MarkAuthorized(ip, 1, 18332))

	rec, found, err := mgr.LoadPeer(ip)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, uint32(1), rec.AuthorizedVersion)
	require.Equal(t, uint16(18332), rec.ListeningPort)
	require.True(t, rec.Connected)
}

func TestLoadPeerMissingReturnsNotFound(t *testing.T) {
	mgr, err := New(zap.NewNop(), t.TempDir())
	require.NoError(t, err)

	_, found, err := mgr.LoadPeer(net.ParseIP("10.0.0.2"))
	require.NoError(t, err)
	require.False(t, found)
}

func TestMarkConnectionFailedExcludesFromCandidatesDuringCooldown(t *testing.T) {
	mgr, err := New(zap.NewNop(), t.TempDir())
	require.NoError(t, err)

	ip := net.ParseIP("10.0.0.3")
	require.NoError(t, mgr.MarkAuthorized(ip, 1, 18332))
	require.NoError(t, mgr.MarkConnectionFailed(ip))

	candidates, err := mgr.GetPeersToConnect(10)
	require.NoError(t, err)
	require.Empty(t, candidates)
}

func TestGetPeersToConnectSkipsConnectedAndPortless(t *testing.T) {
	mgr, err := New(zap.NewNop(), t.TempDir())
	require.NoError(t, err)

	connected := net.ParseIP("10.0.0.4")
	require.NoError(t, mgr.MarkAuthorized(connected, 1, 18332))

	noPort := net.ParseIP("10.0.0.5")
	require.NoError(t, mgr.SavePeer(peer.Record{Address: noPort}))

	eligible := net.ParseIP("10.0.0.6")
	require.NoError(t, mgr.MarkAuthorized(eligible, 1, 18332))
	eligibleRec, _, err := mgr.LoadPeer(eligible)
	require.NoError(t, err)
	eligibleRec.Connected = false
	require.NoError(t, mgr.SavePeer(eligibleRec))

	candidates, err := mgr.GetPeersToConnect(10)
	require.NoError(t, err)
	require.Len(t, candidates, 1)
	require.True(t, candidates[0].Address.Equal(eligible))
}

func TestGetPeersToConnectRespectsAmount(t *testing.T) {
	mgr, err := New(zap.NewNop(), t.TempDir())
	require.NoError(t, err)

	for i := 1; i <= 5; i++ {
		ip := net.IPv4(10, 0, 0, byte(i))
		require.NoError(t, mgr.MarkAuthorized(ip, 1, 18332))
		rec, _, err := mgr.LoadPeer(ip)
		require.NoError(t, err)
		rec.Connected = false
		require.NoError(t, mgr.SavePeer(rec))
	}

	candidates, err := mgr.GetPeersToConnect(3)
	require.NoError(t, err)
	require.Len(t, candidates, 3)
}
