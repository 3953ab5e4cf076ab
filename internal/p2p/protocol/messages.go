// Package protocol implements the peer gossip wire protocol: message
// types, the session state machine, and the protocol-level driver that
// feeds accepted shares into the block manager and PPLNS window.
//
// Grounded on original_source's src/lib/p2p/networking/messages.rs
// (Messages<BlockT> enum, ShareVerificationError) and protocol.rs (the
// connection-limit and on-close persistence lifecycle, State enum),
// translated from Rust's serde/bincode tagged enum into a Go byte-tagged
// envelope over encoding/gob (see codec.go; justified in DESIGN.md).
package protocol

import "github.com/sharepool/node/internal/coreshare/share"

// CurrentVersion is this node's protocol version.
const CurrentVersion uint32 = 1

// OldestCompatibleVersion is the lowest peer protocol version this node
// will exchange messages with.
const OldestCompatibleVersion uint32 = 1

// Kind tags a message's concrete type on the wire.
type Kind byte

// The fixed set of message kinds, in the order the original enum declared
// them.
const (
	KindReject Kind = iota
	KindHello
	KindVerAck
	KindGetShares
	KindShares
	KindShareSubmit
	KindGetRoundInfo
	KindRoundInfo
	KindCreatePool
)

// Hello greets a newly connected peer with this node's version, listening
// port, and consensus hash.
type Hello struct {
	Version           uint32
	ListeningPort     uint16
	PoolConsensusHash [32]byte
}

// VerAck acknowledges a compatible Hello.
type VerAck struct{}

// Reject refuses the peer; the connection is closed after sending it.
type Reject struct {
	Reason string
}

// GetShares requests a contiguous range of shares for replication.
type GetShares struct {
	FromHeight uint32
	Count      uint8
}

// Shares answers GetShares with raw-encoded blocks, coin-encoding left to
// the caller's RawShareEncoder.
type Shares struct {
	Blocks [][]byte
}

// ShareSubmit gossips a newly found share to a peer. Changes carries the
// share's claimed PPLNS score delta; it is not recoverable from Block's
// consensus bytes alone (see blockmanager.ScriptDecoder's doc comment), so
// it travels as its own field.
type ShareSubmit struct {
	Block   []byte
	Changes share.ScoreChanges
}

// GetRoundInfo asks a peer for its current round bounds, used as a sync
// hint.
type GetRoundInfo struct{}

// RoundInfo answers GetRoundInfo.
type RoundInfo struct {
	StartHeight   uint32
	CurrentHeight uint32
}

// CreatePool is an out-of-band pool-creation announcement; Config carries
// the serialized PoolConfig JSON emitted by the create-pool CLI flow.
type CreatePool struct {
	Config []byte
}

// ShareVerificationError classifies why a gossiped share was rejected at
// the protocol layer, mirroring the block manager's own error kinds for
// the cases the protocol itself can detect before decoding.
type ShareVerificationError struct {
	Kind string
}

func (e *ShareVerificationError) Error() string {
	return "p2p: share verification failed: " + e.Kind
}
