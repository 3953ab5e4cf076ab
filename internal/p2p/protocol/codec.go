package protocol

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"errors"
	"fmt"
	"io"
)

// ErrFrameTooLarge bounds a single frame's payload size to guard against a
// malformed or hostile peer forcing an unbounded allocation.
var ErrFrameTooLarge = errors.New("protocol: frame exceeds maximum size")

// MaxFrameBytes is the largest payload this codec will decode.
const MaxFrameBytes = 16 * 1024 * 1024

// envelope is the on-wire tagged union: Kind identifies which concrete
// message type Payload gob-decodes into.
type envelope struct {
	Kind    Kind
	Payload []byte
}

// WriteMessage frames and writes one message: a 4-byte big-endian length
// prefix, the gob-encoded envelope, and a trailing newline.
func WriteMessage(w io.Writer, kind Kind, msg interface{}) error {
	var payloadBuf bytes.Buffer
	if msg != nil {
		if err := gob.NewEncoder(&payloadBuf).Encode(msg); err != nil {
			return fmt.Errorf("protocol: encode payload: %w", err)
		}
	}

	var envBuf bytes.Buffer
	if err := gob.NewEncoder(&envBuf).Encode(envelope{Kind: kind, Payload: payloadBuf.Bytes()}); err != nil {
		return fmt.Errorf("protocol: encode envelope: %w", err)
	}

	var lenPrefix [4]byte
	binary.BigEndian.PutUint32(lenPrefix[:], uint32(envBuf.Len()))

	if _, err := w.Write(lenPrefix[:]); err != nil {
		return err
	}
	if _, err := w.Write(envBuf.Bytes()); err != nil {
		return err
	}
	_, err := w.Write([]byte("\n"))
	return err
}

// ReadMessage reads one framed envelope and returns its kind plus the raw
// gob-encoded payload; the caller decodes the payload into the concrete
// struct matching kind.
func ReadMessage(r *bufio.Reader) (Kind, []byte, error) {
	var lenPrefix [4]byte
	if _, err := io.ReadFull(r, lenPrefix[:]); err != nil {
		return 0, nil, err
	}
	size := binary.BigEndian.Uint32(lenPrefix[:])
	if size > MaxFrameBytes {
		return 0, nil, ErrFrameTooLarge
	}

	buf := make([]byte, size)
	if _, err := io.ReadFull(r, buf); err != nil {
		return 0, nil, err
	}

	trailer, err := r.ReadByte()
	if err != nil {
		return 0, nil, err
	}
	if trailer != '\n' {
		return 0, nil, errors.New("protocol: malformed frame, missing newline terminator")
	}

	var env envelope
	if err := gob.NewDecoder(bytes.NewReader(buf)).Decode(&env); err != nil {
		return 0, nil, fmt.Errorf("protocol: decode envelope: %w", err)
	}
	return env.Kind, env.Payload, nil
}

// DecodePayload gob-decodes a message payload into dst, which must be a
// pointer to the concrete struct matching the envelope's Kind.
func DecodePayload(payload []byte, dst interface{}) error {
	if len(payload) == 0 {
		return nil
	}
	return gob.NewDecoder(bytes.NewReader(payload)).Decode(dst)
}
