// Package server implements the TCP server for Stratum protocol connections.
package server

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sharepool/node/internal/config"
	"github.com/sharepool/node/internal/coreshare/bigtarget"
	"github.com/sharepool/node/internal/coreshare/btccoin"
	"github.com/sharepool/node/internal/coreshare/dupcheck"
	"github.com/sharepool/node/internal/coreshare/share"
	"github.com/sharepool/node/internal/mining"
	"github.com/sharepool/node/internal/protocol"
	"github.com/sharepool/node/internal/worker"

	"go.uber.org/zap"
)

// ConnectionState represents the current state of a connection.
type ConnectionState int32

const (
	StateConnected ConnectionState = iota
	StateSubscribed
	StateAuthorized
	StateMining
	StateDisconnected
)

// Connection represents a single Stratum client connection.
type Connection struct {
	id             string
	conn           net.Conn
	cfg            config.ServerConfig
	logger         *zap.Logger
	workerManager  *worker.Manager
	jobManager     *mining.JobManager
	shareValidator *mining.ShareValidator
	diff1          *big.Int

	// dupFilter rejects shares this connection has already submitted. It is
	// exclusive to this connection (never shared with another Connection's
	// goroutine), since the stratum session it replay-protects is itself
	// exclusive to one TCP connection.
	dupFilter *dupcheck.Filter

	state           int32
	workerName      string
	payoutAddress   share.Address
	extranonce1     [4]byte
	extranonce2Size int
	difficultyUnits float64

	reader    *bufio.Reader
	writeMu   sync.Mutex
	closeChan chan struct{}
	closeOnce sync.Once
}

// NewConnection creates a new connection handler.
func NewConnection(conn net.Conn, cfg config.ServerConfig, logger *zap.Logger, wm *worker.Manager, jm *mining.JobManager, sv *mining.ShareValidator, diff1 *big.Int) *Connection {
	return &Connection{
		id:              uuid.New().String()[:8],
		conn:            conn,
		cfg:             cfg,
		logger:          logger.Named("connection"),
		workerManager:   wm,
		jobManager:      jm,
		shareValidator:  sv,
		diff1:           diff1,
		dupFilter:       dupcheck.New(),
		extranonce2Size: jm.Extranonce2Size(),
		reader:          bufio.NewReader(conn),
		closeChan:       make(chan struct{}),
		difficultyUnits: 1.0,
	}
}

// ID returns the connection ID.
func (c *Connection) ID() string {
	return c.id
}

// GetWorkerName returns the worker name for this connection.
func (c *Connection) GetWorkerName() string {
	return c.workerName
}

// GetState returns the current connection state.
func (c *Connection) GetState() ConnectionState {
	return ConnectionState(atomic.LoadInt32(&c.state))
}

// Handle processes the connection's read/write loop.
func (c *Connection) Handle(ctx context.Context) error {
	defer c.Close()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.closeChan:
			return nil
		default:
			c.conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))

			line, err := c.reader.ReadString('\n')
			if err != nil {
				if err == io.EOF {
					return nil
				}
				if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
					c.logger.Debug("connection read timeout", zap.String("id", c.id))
					return nil
				}
				return fmt.Errorf("read error: %w", err)
			}

			if err := c.handleMessage(ctx, line); err != nil {
				c.logger.Error("failed to handle message",
					zap.String("id", c.id),
					zap.Error(err),
				)
			}
		}
	}
}

// handleMessage parses and routes a JSON-RPC message.
func (c *Connection) handleMessage(ctx context.Context, data string) error {
	var msg protocol.Request
	if err := json.Unmarshal([]byte(data), &msg); err != nil {
		return c.sendError(msg.ID, protocol.ErrParseError, "Parse error")
	}

	c.logger.Debug("received message",
		zap.String("id", c.id),
		zap.String("method", msg.Method),
	)

	switch msg.Method {
	case "mining.subscribe":
		return c.handleSubscribe(ctx, msg)
	case "mining.authorize":
		return c.handleAuthorize(ctx, msg)
	case "mining.submit":
		return c.handleSubmit(ctx, msg)
	case "mining.extranonce.subscribe":
		return c.handleExtranonceSubscribe(ctx, msg)
	default:
		return c.sendError(msg.ID, protocol.ErrMethodNotFound, "Method not found")
	}
}

// handleSubscribe handles mining.subscribe requests: assigns this
// connection its own extranonce1 so concurrently submitted shares from
// different workers against the same shared job never collide.
func (c *Connection) handleSubscribe(ctx context.Context, req protocol.Request) error {
	if _, err := rand.Read(c.extranonce1[:]); err != nil {
		return c.sendError(req.ID, protocol.ErrInternalError, "Failed to assign extranonce")
	}

	atomic.StoreInt32(&c.state, int32(StateSubscribed))

	subscriptions := [][]interface{}{
		{"mining.set_difficulty", c.id},
		{"mining.notify", c.id},
	}

	result := []interface{}{
		subscriptions,
		hex.EncodeToString(c.extranonce1[:]),
		c.extranonce2Size,
	}

	return c.sendResult(req.ID, result)
}

// handleAuthorize handles mining.authorize requests: validates the
// username as a payout address, registers the worker, and pushes the
// initial difficulty and job notifications.
func (c *Connection) handleAuthorize(ctx context.Context, req protocol.Request) error {
	if c.GetState() < StateSubscribed {
		return c.sendError(req.ID, protocol.ErrUnauthorized, "Not subscribed")
	}

	var params []interface{}
	if err := json.Unmarshal(req.Params, &params); err != nil || len(params) < 1 {
		return c.sendError(req.ID, protocol.ErrInvalidParams, "Invalid params")
	}

	username, ok := params[0].(string)
	if !ok {
		return c.sendError(req.ID, protocol.ErrInvalidParams, "Invalid username")
	}

	password := ""
	if len(params) > 1 {
		password, _ = params[1].(string)
	}

	addrPart := username
	if idx := indexByte(username, '.'); idx >= 0 {
		addrPart = username[:idx]
	}
	addr, err := btccoin.ParseAddress(addrPart)
	if err != nil {
		c.logger.Info("authorize rejected: invalid address", zap.String("id", c.id), zap.String("username", username))
		return c.sendResult(req.ID, false)
	}

	w, err := c.workerManager.Register(ctx, username, password, string(addr))
	if err != nil {
		c.logger.Error("worker registration failed",
			zap.String("id", c.id),
			zap.String("username", username),
			zap.Error(err),
		)
		return c.sendResult(req.ID, false)
	}

	c.workerName = username
	c.payoutAddress = share.Address(addr)
	c.difficultyUnits = w.Difficulty

	atomic.StoreInt32(&c.state, int32(StateAuthorized))

	c.logger.Info("worker authorized",
		zap.String("id", c.id),
		zap.String("worker", username),
		zap.Float64("difficulty", c.difficultyUnits),
	)

	if err := c.sendResult(req.ID, true); err != nil {
		return err
	}
	if err := c.sendDifficulty(c.difficultyUnits); err != nil {
		return err
	}

	if job, ok := c.jobManager.GetCurrentJob(); ok {
		return c.SendJob(job)
	}
	return nil
}

// handleSubmit handles mining.submit requests: [worker_name, job_id,
// extranonce2, ntime, nonce], all hex-encoded except worker_name.
func (c *Connection) handleSubmit(ctx context.Context, req protocol.Request) error {
	if c.GetState() < StateAuthorized {
		return c.sendError(req.ID, protocol.ErrUnauthorized, "Not authorized")
	}

	var params []interface{}
	if err := json.Unmarshal(req.Params, &params); err != nil || len(params) < 5 {
		return c.sendError(req.ID, protocol.ErrInvalidParams, "Invalid params")
	}

	workerName, _ := params[0].(string)
	jobIDHex, _ := params[1].(string)
	extranonce2Hex, _ := params[2].(string)
	ntimeHex, _ := params[3].(string)
	nonceHex, _ := params[4].(string)

	jobID64, err := strconv.ParseUint(jobIDHex, 16, 32)
	if err != nil {
		return c.sendError(req.ID, protocol.ErrInvalidParams, "Invalid job id")
	}
	extranonce2, err := hex.DecodeString(extranonce2Hex)
	if err != nil || len(extranonce2) != c.extranonce2Size {
		return c.sendError(req.ID, protocol.ErrInvalidParams, "Invalid extranonce2")
	}
	ntimeBytes, err := hex.DecodeString(ntimeHex)
	if err != nil || len(ntimeBytes) != 4 {
		return c.sendError(req.ID, protocol.ErrInvalidParams, "Invalid ntime")
	}
	nonceBytes, err := hex.DecodeString(nonceHex)
	if err != nil || len(nonceBytes) != 4 {
		return c.sendError(req.ID, protocol.ErrInvalidParams, "Invalid nonce")
	}

	clientTarget := bigtarget.TargetFromDiffUnits(diffUnitsToInt(c.difficultyUnits), c.diff1)

	s := &mining.Share{
		WorkerName:   workerName,
		Address:      c.payoutAddress,
		JobID:        uint32(jobID64),
		Extranonce1:  c.extranonce1,
		Extranonce2:  extranonce2,
		Ntime:        be32(ntimeBytes),
		Nonce:        be32(nonceBytes),
		ClientTarget: clientTarget,
		SubmittedAt:  time.Now(),
		IPAddress:    c.conn.RemoteAddr().String(),
	}

	result, err := c.shareValidator.Validate(s, c.dupFilter)
	if err != nil {
		c.logger.Error("share validation error", zap.String("id", c.id), zap.Error(err))
		return c.sendError(req.ID, protocol.ErrInternalError, "Internal error")
	}
	go c.shareValidator.LogShare(context.Background(), s, result)

	c.workerManager.UpdateStats(ctx, c.workerName, result)

	if !result.Valid {
		c.logger.Debug("invalid share",
			zap.String("id", c.id),
			zap.String("worker", workerName),
			zap.String("reason", result.RejectReason),
		)
		return c.sendError(req.ID, protocol.ErrLowDifficultyShare, result.RejectReason)
	}

	c.logger.Debug("valid share", zap.String("id", c.id), zap.String("worker", workerName))

	if newDiff := c.workerManager.CheckVarDiff(ctx, c.workerName); newDiff > 0 && newDiff != c.difficultyUnits {
		c.difficultyUnits = newDiff
		if err := c.sendDifficulty(newDiff); err != nil {
			c.logger.Error("failed to send difficulty update", zap.String("id", c.id), zap.Error(err))
		}
	}

	return c.sendResult(req.ID, true)
}

// handleExtranonceSubscribe handles mining.extranonce.subscribe requests.
func (c *Connection) handleExtranonceSubscribe(ctx context.Context, req protocol.Request) error {
	return c.sendResult(req.ID, true)
}

// SendJob sends a mining.notify message to the client.
func (c *Connection) SendJob(job mining.Job) error {
	if c.GetState() < StateAuthorized {
		return nil
	}

	merkleHex := make([]string, len(job.MerkleSteps))
	for i, step := range job.MerkleSteps {
		merkleHex[i] = hex.EncodeToString(step[:])
	}

	params := []interface{}{
		fmt.Sprintf("%x", job.ID),
		hex.EncodeToString(reverse32(job.PrevBlockHash)),
		hex.EncodeToString(job.Coinbase1),
		hex.EncodeToString(job.Coinbase2),
		merkleHex,
		fmt.Sprintf("%08x", uint32(job.Version)),
		fmt.Sprintf("%08x", job.Bits),
		fmt.Sprintf("%08x", job.Time),
		job.CleanJobs,
	}

	return c.sendNotification("mining.notify", params)
}

// SetDifficulty sets the connection difficulty and notifies the client.
func (c *Connection) SetDifficulty(difficultyUnits float64) error {
	c.difficultyUnits = difficultyUnits
	return c.sendDifficulty(difficultyUnits)
}

func (c *Connection) sendDifficulty(difficultyUnits float64) error {
	return c.sendNotification("mining.set_difficulty", []interface{}{difficultyUnits})
}

func (c *Connection) sendResult(id interface{}, result interface{}) error {
	response := protocol.Response{ID: id, Result: result, Error: nil}
	return c.send(response)
}

func (c *Connection) sendError(id interface{}, code int, message string) error {
	response := protocol.Response{ID: id, Result: nil, Error: []interface{}{code, message, nil}}
	return c.send(response)
}

func (c *Connection) sendNotification(method string, params interface{}) error {
	notification := protocol.Notification{ID: nil, Method: method, Params: params}
	return c.send(notification)
}

func (c *Connection) send(msg interface{}) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))

	data = append(data, '\n')
	_, err = c.conn.Write(data)
	if err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}

	return nil
}

// Close closes the connection.
func (c *Connection) Close() {
	c.closeOnce.Do(func() {
		atomic.StoreInt32(&c.state, int32(StateDisconnected))
		close(c.closeChan)
		c.conn.Close()

		if c.workerName != "" {
			c.workerManager.Disconnect(context.Background(), c.workerName)
		}
	})
}

func indexByte(s string, b byte) int {
	for i := 0; i < len(s); i++ {
		if s[i] == b {
			return i
		}
	}
	return -1
}

func be32(b []byte) uint32 {
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}

func reverse32(b [32]byte) []byte {
	out := make([]byte, 32)
	for i := range b {
		out[i] = b[31-i]
	}
	return out
}

// diffUnitsToInt converts a worker's float64 difficulty-units value (as
// vardiff tracks it) into the integer diff1-multiple unit this profile's
// target_from_diff_units expects.
func diffUnitsToInt(units float64) uint64 {
	if units < 1 {
		return 1
	}
	return uint64(units)
}
