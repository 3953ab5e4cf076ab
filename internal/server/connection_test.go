package server

import (
	"encoding/hex"
	"encoding/json"
	"strconv"
	"testing"

	"github.com/stretchr/testify/require"
)

// TestSubmitParamsParsing reproduces handleSubmit's field-by-field parse of
// a mining.submit params array against a literal wire payload, verifying
// job id, extranonce2, ntime and nonce all decode to the values a miner
// would have sent.
func TestSubmitParamsParsing(t *testing.T) {
	raw := []byte(`{"id":4,"method":"mining.submit","params":["slush.miner1","000000bf","00000001","504e86ed","b2957c02"]}`)

	var envelope struct {
		ID     int             `json:"id"`
		Method string          `json:"method"`
		Params json.RawMessage `json:"params"`
	}
	require.NoError(t, json.Unmarshal(raw, &envelope))
	require.Equal(t, "mining.submit", envelope.Method)

	var params []interface{}
	require.NoError(t, json.Unmarshal(envelope.Params, &params))
	require.Len(t, params, 5)

	workerName, _ := params[0].(string)
	jobIDHex, _ := params[1].(string)
	extranonce2Hex, _ := params[2].(string)
	ntimeHex, _ := params[3].(string)
	nonceHex, _ := params[4].(string)

	require.Equal(t, "slush.miner1", workerName)

	jobID64, err := strconv.ParseUint(jobIDHex, 16, 32)
	require.NoError(t, err)
	require.Equal(t, uint32(0xbf), uint32(jobID64))

	extranonce2, err := hex.DecodeString(extranonce2Hex)
	require.NoError(t, err)
	require.Equal(t, []byte{0x00, 0x00, 0x00, 0x01}, extranonce2)

	ntimeBytes, err := hex.DecodeString(ntimeHex)
	require.NoError(t, err)
	require.Equal(t, uint32(0x504e86ed), be32(ntimeBytes))

	nonceBytes, err := hex.DecodeString(nonceHex)
	require.NoError(t, err)
	require.Equal(t, uint32(0xb2957c02), be32(nonceBytes))
}

func TestBe32(t *testing.T) {
	require.Equal(t, uint32(0x01020304), be32([]byte{0x01, 0x02, 0x03, 0x04}))
	require.Equal(t, uint32(0), be32([]byte{0x00, 0x00, 0x00, 0x00}))
}

func TestReverse32(t *testing.T) {
	var in [32]byte
	for i := range in {
		in[i] = byte(i)
	}
	out := reverse32(in)
	require.Len(t, out, 32)
	for i := range in {
		require.Equal(t, in[i], out[31-i])
	}
}

func TestDiffUnitsToInt(t *testing.T) {
	require.Equal(t, uint64(1), diffUnitsToInt(0))
	require.Equal(t, uint64(1), diffUnitsToInt(0.5))
	require.Equal(t, uint64(1), diffUnitsToInt(1))
	require.Equal(t, uint64(4096), diffUnitsToInt(4096))
}

func TestIndexByte(t *testing.T) {
	require.Equal(t, 3, indexByte("abc.def", '.'))
	require.Equal(t, -1, indexByte("abcdef", '.'))
}
