// Package streaming is the gateway's Streaming Engine (spec §4.11): it
// turns a lazy sequence of response chunks into wire frames — chunked
// JSON with sequence numbers for text/JSON, length-prefixed binary
// frames for WebSocket/IPC — and watches for the encryption session
// being invalidated out from under a producer mid-stream. Grounded on
// other_examples' goa-ai runtime/agent/stream/stream.go's Sink
// interface shape ("implementations marshal events into wire format,
// thread-safe Send"), generalized from its typed Event hierarchy to the
// gateway's plain chunk-and-sequence-number model (see DESIGN.md).
package streaming

import (
	"encoding/binary"
	"encoding/json"
	"fmt"

	ecrypto "github.com/boeni-industries/aico-gateway/internal/crypto"
	"github.com/boeni-industries/aico-gateway/internal/errs"
	"github.com/boeni-industries/aico-gateway/internal/session"
)

// Mode selects the wire framing a Sink expects.
type Mode int

const (
	ModeChunkedJSON Mode = iota
	ModeBinary
)

// Chunk is one unit a producer emits into a stream.
type Chunk struct {
	Payload  map[string]any
	Binary   []byte
	Complete bool
	Err      error
}

// Frame is the wire envelope for one chunked-JSON emission (spec
// §4.11): a sequence number, the chunk's JSON body, and a completion
// marker on the final frame.
type Frame struct {
	Seq      int             `json:"seq"`
	Data     json.RawMessage `json:"data"`
	Complete bool            `json:"complete"`
}

// Sink is where the engine writes finished wire frames; adapters
// implement this against their own transport (HTTP chunked writer,
// WebSocket connection, IPC stream).
type Sink interface {
	Write(frame []byte) error
}

// SessionExpiredError is the structured error spec §4.11 requires when
// re-encryption fails mid-stream because the session was invalidated.
// Run returns it wrapped in an errs.KindNoSession error, which
// (*errs.Error).HTTPStatus maps to 401; no protocol adapter in this repository
// runs the Engine, so none sends a close code for it.
type SessionExpiredError struct {
	ClientID string
}

func (e *SessionExpiredError) Error() string {
	return fmt.Sprintf("streaming: encryption session expired for client %s", e.ClientID)
}

// Engine emits a channel of Chunks to a Sink, encrypting each one under
// the session pinned at stream start and detecting if that session is
// invalidated behind the producer's back partway through.
type Engine struct {
	Sessions *session.Manager
}

func NewEngine(sessions *session.Manager) *Engine {
	return &Engine{Sessions: sessions}
}

// Run drains chunks, encrypting and framing each one per mode, until
// the channel closes, a chunk carries Complete, or a producer/session
// error occurs. clientID and pinnedSessionID identify the session this
// stream was authorized against; any rotation away from pinnedSessionID
// mid-stream is treated as invalidation, per spec §4.11.
func (e *Engine) Run(clientID, pinnedSessionID string, chunks <-chan Chunk, sink Sink, mode Mode) error {
	seq := 0
	for chunk := range chunks {
		if chunk.Err != nil {
			return errs.Wrap(errs.KindInternal, "stream producer error", chunk.Err)
		}

		sess, err := e.Sessions.Get(clientID)
		if err != nil || sess.SessionID != pinnedSessionID {
			return errs.Wrap(errs.KindNoSession, "encryption session expired mid-stream",
				&SessionExpiredError{ClientID: clientID})
		}

		frame, err := e.encodeFrame(sess, clientID, chunk, seq, mode)
		if err != nil {
			return errs.Internal(err)
		}
		if err := sink.Write(frame); err != nil {
			return errs.Wrap(errs.KindInternal, "sink write failed", err)
		}

		seq++
		if chunk.Complete {
			return nil
		}
	}
	return nil
}

func (e *Engine) encodeFrame(sess *session.Session, clientID string, chunk Chunk, seq int, mode Mode) ([]byte, error) {
	var plaintext []byte
	var err error
	switch mode {
	case ModeBinary:
		plaintext = chunk.Binary
	default:
		plaintext, err = json.Marshal(chunk.Payload)
		if err != nil {
			return nil, fmt.Errorf("streaming: marshal chunk payload: %w", err)
		}
	}

	env, err := ecrypto.Encrypt(sess.Key, plaintext, clientID, ecrypto.ServerToClient)
	if err != nil {
		return nil, fmt.Errorf("streaming: encrypt chunk: %w", err)
	}
	sealed, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("streaming: marshal envelope: %w", err)
	}

	switch mode {
	case ModeBinary:
		return WriteLengthPrefixed(sealed), nil
	default:
		frame := Frame{Seq: seq, Data: sealed, Complete: chunk.Complete}
		return json.Marshal(frame)
	}
}

// WriteLengthPrefixed prepends a 4-byte big-endian length, the framing
// spec §4.11 specifies for binary frames over WebSocket/IPC. Exported
// so the IPC adapter can frame its own request/reply messages with the
// same wire convention instead of a second implementation.
func WriteLengthPrefixed(payload []byte) []byte {
	out := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(out[:4], uint32(len(payload)))
	copy(out[4:], payload)
	return out
}

// ReadLengthPrefixed reads one length-prefixed frame's payload from
// buf, returning the payload and the number of bytes consumed, or
// false if buf doesn't yet contain a full frame.
func ReadLengthPrefixed(buf []byte) (payload []byte, consumed int, ok bool) {
	if len(buf) < 4 {
		return nil, 0, false
	}
	n := int(binary.BigEndian.Uint32(buf[:4]))
	if len(buf) < 4+n {
		return nil, 0, false
	}
	return buf[4 : 4+n], 4 + n, true
}
