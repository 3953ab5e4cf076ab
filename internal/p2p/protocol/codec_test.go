package protocol

import (
	"bufio"
	"bytes"
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sharepool/node/internal/coreshare/share"
)

func TestWriteReadMessageRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	hello := Hello{Version: CurrentVersion, ListeningPort: 18332, PoolConsensusHash: [32]byte{0xab}}

	require.NoError(t, WriteMessage(&buf, KindHello, hello))

	kind, payload, err := ReadMessage(bufio.NewReader(&buf))
	require.NoError(t, err)
	require.Equal(t, KindHello, kind)

	var got Hello
	require.NoError(t, DecodePayload(payload, &got))
	require.Equal(t, hello, got)
}

func TestWriteReadMessageEmptyPayload(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteMessage(&buf, KindVerAck, VerAck{}))

	kind, payload, err := ReadMessage(bufio.NewReader(&buf))
	require.NoError(t, err)
	require.Equal(t, KindVerAck, kind)

	var got VerAck
	require.NoError(t, DecodePayload(payload, &got))
}

func TestReadMessageRejectsOversizedFrame(t *testing.T) {
	var buf bytes.Buffer
	var lenPrefix [4]byte
	lenPrefix[0] = 0xff // absurd size, well over MaxFrameBytes
	buf.Write(lenPrefix[:])

	_, _, err := ReadMessage(bufio.NewReader(&buf))
	require.ErrorIs(t, err, ErrFrameTooLarge)
}

func TestReadMessageRejectsMissingNewline(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteMessage(&buf, KindVerAck, VerAck{}))

	// Flip the trailing newline byte.
	raw := buf.Bytes()
	raw[len(raw)-1] = 'x'

	_, _, err := ReadMessage(bufio.NewReader(bytes.NewReader(raw)))
	require.Error(t, err)
}

func TestShareSubmitRoundTripsScoreChanges(t *testing.T) {
	var buf bytes.Buffer
	msg := ShareSubmit{
		Block: []byte{0x01, 0x02, 0x03},
		Changes: share.ScoreChanges{
			Added:   []share.AddressScore{{Address: "miner-1", Score: big.NewInt(1000)}},
			Removed: []share.AddressScore{{Address: "miner-0", Score: big.NewInt(1000)}},
		},
	}

	require.NoError(t, WriteMessage(&buf, KindShareSubmit, msg))

	kind, payload, err := ReadMessage(bufio.NewReader(&buf))
	require.NoError(t, err)
	require.Equal(t, KindShareSubmit, kind)

	var got ShareSubmit
	require.NoError(t, DecodePayload(payload, &got))
	require.Equal(t, msg.Block, got.Block)
	require.Equal(t, 0, msg.Changes.SumAdded().Cmp(got.Changes.SumAdded()))
}
