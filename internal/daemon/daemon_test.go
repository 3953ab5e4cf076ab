package daemon

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sharepool/node/internal/config"
)

// rpcServer stands up a fake JSON-RPC daemon. Errors decoding/encoding are
// written back as a 500 rather than asserted in-handler, since httptest
// handlers run on their own goroutine and testify's FailNow must run on the
// test's own goroutine.
func rpcServer(t *testing.T, handler func(method string, params []interface{}) interface{}) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ID     int64         `json:"id"`
			Method string        `json:"method"`
			Params []interface{} `json:"params"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		result := handler(req.Method, req.Params)
		resultBytes, err := json.Marshal(result)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		resp := struct {
			Result json.RawMessage `json:"result"`
			Error  interface{}     `json:"error"`
		}{Result: resultBytes}
		_ = json.NewEncoder(w).Encode(resp)
	}))
}

func TestFetchBlockTemplateParsesResponse(t *testing.T) {
	var gotMethod string
	srv := rpcServer(t, func(method string, _ []interface{}) interface{} {
		gotMethod = method
		return map[string]interface{}{
			"version":           1,
			"previousblockhash": "0000000000000000000000000000000000000000000000000000000000000001",
			"height":            100,
			"coinbasevalue":     5_000_000_000,
			"bits":              "1d00ffff",
			"curtime":           1234,
			"target":            "00000000ffff0000000000000000000000000000000000000000000000000000",
			"transactions":      []interface{}{},
		}
	})
	defer srv.Close()

	c := NewClient(config.NodeConfig{RPCURL: srv.URL}, zap.NewNop())
	tmpl, err := c.FetchBlockTemplate(context.Background(), nil, [32]byte{}, 1)
	require.NoError(t, err)
	require.Equal(t, "getblocktemplate", gotMethod)
	require.Equal(t, uint32(100), tmpl.Height)
	require.Equal(t, uint64(5_000_000_000), tmpl.CoinbaseValue)
	require.Equal(t, uint32(0x1d00ffff), tmpl.Bits)
}

func TestFetchBlockTemplateRejectsMalformedPrevHash(t *testing.T) {
	srv := rpcServer(t, func(_ string, _ []interface{}) interface{} {
		return map[string]interface{}{
			"previousblockhash": "not-hex",
			"bits":              "1d00ffff",
			"transactions":      []interface{}{},
		}
	})
	defer srv.Close()

	c := NewClient(config.NodeConfig{RPCURL: srv.URL}, zap.NewNop())
	_, err := c.FetchBlockTemplate(context.Background(), nil, [32]byte{}, 1)
	require.Error(t, err)
}

func TestFetchBlockParsesHeader(t *testing.T) {
	srv := rpcServer(t, func(method string, _ []interface{}) interface{} {
		if method == "getblockhash" {
			return "deadbeef"
		}
		// 80-byte header, all zero, hex-encoded (160 hex chars).
		return strings.Repeat("00", 80)
	})
	defer srv.Close()

	c := NewClient(config.NodeConfig{RPCURL: srv.URL}, zap.NewNop())
	blk, err := c.FetchBlock(context.Background(), 100)
	require.NoError(t, err)
	require.NotNil(t, blk)
}

func TestCallIncludesBasicAuthWhenConfigured(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		var req struct{}
		_ = json.NewDecoder(r.Body).Decode(&req)
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"result": "ok"})
	}))
	defer srv.Close()

	c := NewClient(config.NodeConfig{RPCURL: srv.URL, RPCUser: "user", RPCPassword: "pass"}, zap.NewNop())
	var out string
	err := c.call(context.Background(), "ping", nil, &out)
	require.NoError(t, err)
	require.NotEmpty(t, gotAuth)
	require.Contains(t, gotAuth, "Basic ")
}
