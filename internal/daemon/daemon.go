// Package daemon implements mining.BlockFetcher against a Bitcoin-like
// daemon's JSON-RPC interface (getblocktemplate/getblockhash/getblock/
// submitblock). No pack example ships a generic Bitcoin JSON-RPC client:
// EXCCoin-exccd's rpcclient is a Decred wallet-RPC fork wired to its own
// vendored subpackage via a local replace directive, not an importable
// general-purpose client, so this talks HTTP JSON-RPC directly with the
// standard library (see DESIGN.md).
package daemon

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sharepool/node/internal/config"
	"github.com/sharepool/node/internal/coreshare/bigtarget"
	"github.com/sharepool/node/internal/coreshare/btccoin"
	"github.com/sharepool/node/internal/coreshare/coin"
	"github.com/sharepool/node/internal/mining"
)

// Client is a minimal JSON-RPC client for a Bitcoin-like daemon.
type Client struct {
	cfg    config.NodeConfig
	logger *zap.Logger
	http   *http.Client

	reqID int64

	mu         sync.Mutex
	templateTx map[uint32]cachedTemplate
}

// cachedTemplate holds the raw non-coinbase transaction bytes and the
// coinbase's version/locktime envelope from the most recent template at a
// given height, needed to reassemble a full submittable block: coin.Block
// only carries the coinbase's script_sig and outputs, not the surrounding
// transaction bytes or the other transactions in the block.
type cachedTemplate struct {
	coinbaseVersion  uint32
	coinbaseLocktime uint32
	otherTxRaw       [][]byte
}

// NewClient creates a daemon RPC client from node configuration.
func NewClient(cfg config.NodeConfig, logger *zap.Logger) *Client {
	return &Client{
		cfg:        cfg,
		logger:     logger.Named("daemon"),
		http:       &http.Client{Timeout: 30 * time.Second},
		templateTx: make(map[uint32]cachedTemplate),
	}
}

type rpcRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      int64         `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("daemon rpc error %d: %s", e.Code, e.Message)
}

func (c *Client) call(ctx context.Context, method string, params []interface{}, out interface{}) error {
	c.mu.Lock()
	c.reqID++
	id := c.reqID
	c.mu.Unlock()

	body, err := json.Marshal(rpcRequest{JSONRPC: "1.0", ID: id, Method: method, Params: params})
	if err != nil {
		return fmt.Errorf("daemon: encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.RPCURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("daemon: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.RPCUser != "" {
		auth := base64.StdEncoding.EncodeToString([]byte(c.cfg.RPCUser + ":" + c.cfg.RPCPassword))
		req.Header.Set("Authorization", "Basic "+auth)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("daemon: %s: %w", method, err)
	}
	defer resp.Body.Close()

	var rpcResp rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return fmt.Errorf("daemon: %s: decode response: %w", method, err)
	}
	if rpcResp.Error != nil {
		return rpcResp.Error
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(rpcResp.Result, out)
}

type templateResult struct {
	Version           int32  `json:"version"`
	PreviousBlockHash string `json:"previousblockhash"`
	Height            uint32 `json:"height"`
	CoinbaseValue     uint64 `json:"coinbasevalue"`
	Bits              string `json:"bits"`
	CurTime           uint32 `json:"curtime"`
	Target            string `json:"target"`
	Transactions      []struct {
		Data string `json:"data"`
		Hash string `json:"hash"`
	} `json:"transactions"`
}

// FetchBlockTemplate asks the daemon for a fresh block template. The
// outputs parameter is unused: this pool's coinbase is constructed by
// mining.JobManager from the template's coinbase_value, not handed to the
// daemon, so the daemon never needs to know the payout split.
func (c *Client) FetchBlockTemplate(ctx context.Context, outputs []coin.CoinbaseOutput, prevShareHash [32]byte, shareHeight uint32) (*mining.BlockTemplate, error) {
	var tmpl templateResult
	params := []interface{}{map[string]interface{}{"rules": []string{"segwit"}}}
	if err := c.call(ctx, "getblocktemplate", params, &tmpl); err != nil {
		return nil, fmt.Errorf("daemon: getblocktemplate: %w", err)
	}

	prevHashBytes, err := hex.DecodeString(tmpl.PreviousBlockHash)
	if err != nil || len(prevHashBytes) != 32 {
		return nil, fmt.Errorf("daemon: malformed previousblockhash")
	}
	var prevHash [32]byte
	copy(prevHash[:], reverseBytes(prevHashBytes))

	bitsBytes, err := hex.DecodeString(tmpl.Bits)
	if err != nil || len(bitsBytes) != 4 {
		return nil, fmt.Errorf("daemon: malformed bits")
	}
	bits := binary.BigEndian.Uint32(bitsBytes)

	txHashes := make([][32]byte, 0, len(tmpl.Transactions))
	otherTxRaw := make([][]byte, 0, len(tmpl.Transactions))
	for _, tx := range tmpl.Transactions {
		raw, err := hex.DecodeString(tx.Data)
		if err != nil {
			return nil, fmt.Errorf("daemon: malformed transaction data: %w", err)
		}
		otherTxRaw = append(otherTxRaw, raw)

		hashBytes, err := hex.DecodeString(tx.Hash)
		if err != nil || len(hashBytes) != 32 {
			return nil, fmt.Errorf("daemon: malformed transaction hash")
		}
		var txid [32]byte
		copy(txid[:], reverseBytes(hashBytes))
		txHashes = append(txHashes, txid)
	}

	networkTarget := bigtarget.CompactToTarget(bits)

	c.mu.Lock()
	c.templateTx[tmpl.Height] = cachedTemplate{
		coinbaseVersion:  1,
		coinbaseLocktime: 0,
		otherTxRaw:       otherTxRaw,
	}
	c.mu.Unlock()

	return &mining.BlockTemplate{
		Version:           tmpl.Version,
		Height:            tmpl.Height,
		PreviousBlockHash: prevHash,
		TxHashes:          txHashes,
		CoinbaseValue:     tmpl.CoinbaseValue,
		Bits:              bits,
		CurTime:           tmpl.CurTime,
		NetworkTarget:     networkTarget,
	}, nil
}

// FetchBlock retrieves a confirmed block's header by height, used to
// re-derive main-chain tip state after a restart.
func (c *Client) FetchBlock(ctx context.Context, height uint32) (coin.Block, error) {
	var blockHash string
	if err := c.call(ctx, "getblockhash", []interface{}{height}, &blockHash); err != nil {
		return nil, fmt.Errorf("daemon: getblockhash: %w", err)
	}

	var raw string
	if err := c.call(ctx, "getblock", []interface{}{blockHash, 0}, &raw); err != nil {
		return nil, fmt.Errorf("daemon: getblock: %w", err)
	}

	data, err := hex.DecodeString(raw)
	if err != nil || len(data) < 80 {
		return nil, fmt.Errorf("daemon: malformed block hex")
	}

	header := btccoin.Header{
		Version:       int32(binary.LittleEndian.Uint32(data[0:4])),
		Time:          binary.LittleEndian.Uint32(data[68:72]),
		Bits:          binary.LittleEndian.Uint32(data[72:76]),
		Nonce:         binary.LittleEndian.Uint32(data[76:80]),
	}
	copy(header.PrevBlockHash[:], data[4:36])
	copy(header.MerkleRoot[:], data[36:68])

	return btccoin.Block{Header: header}, nil
}

// SubmitBlock reassembles a full serialized block from the mined coinbase
// and the non-coinbase transactions cached from the template this share's
// height was built against, then submits it to the daemon.
func (c *Client) SubmitBlock(ctx context.Context, block coin.Block) error {
	blk, ok := block.(btccoin.Block)
	if !ok {
		return fmt.Errorf("daemon: SubmitBlock: not a btccoin.Block")
	}

	height, err := extractHeight(blk.CoinbaseScriptSig())
	if err != nil {
		return fmt.Errorf("daemon: SubmitBlock: %w", err)
	}

	c.mu.Lock()
	cached, ok := c.templateTx[height]
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("daemon: SubmitBlock: no cached template for height %d", height)
	}

	coinbaseRaw := serializeCoinbase(cached, blk.Coinbase)

	var buf bytes.Buffer
	buf.Write(serializeHeaderBytes(blk.Header))
	writeVarInt(&buf, 1+len(cached.otherTxRaw))
	buf.Write(coinbaseRaw)
	for _, tx := range cached.otherTxRaw {
		buf.Write(tx)
	}

	raw := hex.EncodeToString(buf.Bytes())
	var result interface{}
	if err := c.call(ctx, "submitblock", []interface{}{raw}, &result); err != nil {
		return fmt.Errorf("daemon: submitblock: %w", err)
	}
	if s, ok := result.(string); ok && s != "" {
		return fmt.Errorf("daemon: submitblock rejected: %s", s)
	}

	c.logger.Info("submitted block", zap.Uint32("height", height))
	return nil
}

func extractHeight(scriptSig []byte) (uint32, error) {
	_, height, err := btccoin.Decoder{}.DecodeScriptSig(scriptSig)
	return height, err
}

func serializeHeaderBytes(h btccoin.Header) []byte {
	buf := make([]byte, 80)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(h.Version))
	copy(buf[4:36], h.PrevBlockHash[:])
	copy(buf[36:68], h.MerkleRoot[:])
	binary.LittleEndian.PutUint32(buf[68:72], h.Time)
	binary.LittleEndian.PutUint32(buf[72:76], h.Bits)
	binary.LittleEndian.PutUint32(buf[76:80], h.Nonce)
	return buf
}

func serializeCoinbase(cached cachedTemplate, cb btccoin.CoinbaseTx) []byte {
	var buf bytes.Buffer
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], cached.coinbaseVersion)
	buf.Write(tmp[:])
	writeVarInt(&buf, 1)
	var nullPrevoutHash [32]byte
	buf.Write(nullPrevoutHash[:])
	binary.LittleEndian.PutUint32(tmp[:], 0xffffffff)
	buf.Write(tmp[:])
	writeVarInt(&buf, len(cb.ScriptSig))
	buf.Write(cb.ScriptSig)
	binary.LittleEndian.PutUint32(tmp[:], 0xffffffff)
	buf.Write(tmp[:])
	writeVarInt(&buf, len(cb.Outputs))
	for _, out := range cb.Outputs {
		var amt [8]byte
		binary.LittleEndian.PutUint64(amt[:], out.Amount)
		buf.Write(amt[:])
		writeVarInt(&buf, len(out.Script))
		buf.Write(out.Script)
	}
	binary.LittleEndian.PutUint32(tmp[:], cached.coinbaseLocktime)
	buf.Write(tmp[:])
	return buf.Bytes()
}

func writeVarInt(buf *bytes.Buffer, n int) {
	if n < 0xfd {
		buf.WriteByte(byte(n))
		return
	}
	panic("daemon: varint value too large for this pool's transaction counts")
}

func reverseBytes(b []byte) []byte {
	out := make([]byte, len(b))
	for i := range b {
		out[i] = b[len(b)-1-i]
	}
	return out
}

var _ mining.BlockFetcher = (*Client)(nil)
