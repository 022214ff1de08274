package wire

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

var (
	// ErrQuit is returned by Read when the peer sent the stop
	// sentinel. It signals the end of the logical session in that
	// direction, not a failure.
	ErrQuit = errors.New("wire: quit sentinel")

	// ErrEndOfStream is returned when the stream ends mid-frame, or
	// before a complete length header arrives. The channel discipline
	// flushes every frame before the next write, so a short read is
	// always an end-of-stream condition, never a partial frame to
	// resume later.
	ErrEndOfStream = errors.New("wire: end of stream")
)

// maxFrameSize bounds the payload length accepted from the peer.
// Messages are whole, reasonably small objects; a header above this
// limit means the stream is corrupt.
const maxFrameSize = 16 << 20

// sentinel is the encoded stop sentinel payload.
var sentinel = []byte("null")

// envelope is the serialized form of a message on the wire.
type envelope struct {
	Kind string          `json:"kind"`
	Data json.RawMessage `json:"data,omitempty"`
}

// UnknownKindError is returned when a frame decodes to a message kind
// that is not registered on the receiving side.
type UnknownKindError struct {
	Kind string
}

func (e *UnknownKindError) Error() string {
	return fmt.Sprintf("wire: unknown message kind %q", e.Kind)
}

// ProtocolError is returned when a well-formed frame arrives out of
// protocol, e.g. a handshake step decoded to the wrong message kind.
type ProtocolError struct {
	Want string
	Got  string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("wire: expected %s message, got %s", e.Want, e.Got)
}

// Codec reads and writes length-prefixed message frames on a byte
// stream. A frame is a 4-byte big-endian payload length followed by
// the payload. The codec keeps no state between calls and is not safe
// for concurrent writers on one stream; the channel design has exactly
// one writer per direction.
type Codec struct {
	registry *Registry
}

func NewCodec(registry *Registry) *Codec {
	return &Codec{registry: registry}
}

// Write serializes msg and writes it as one frame. A nil msg writes
// the stop sentinel.
func (c *Codec) Write(w io.Writer, msg Message) error {
	payload := sentinel

	if msg != nil {
		data, err := json.Marshal(msg)
		if err != nil {
			return fmt.Errorf("wire: encode %s: %w", msg.Kind(), err)
		}

		payload, err = json.Marshal(envelope{Kind: msg.Kind(), Data: data})
		if err != nil {
			return fmt.Errorf("wire: encode envelope: %w", err)
		}
	}

	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(payload)))

	if _, err := w.Write(header[:]); err != nil {
		return fmt.Errorf("wire: write header: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("wire: write payload: %w", err)
	}

	return nil
}

// Read reads one frame and deserializes it. It returns ErrQuit if the
// frame is the stop sentinel and ErrEndOfStream if the stream ended
// before a complete frame arrived. Callers must check for ErrQuit
// before interpreting the message.
func (c *Codec) Read(r io.Reader) (Message, error) {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, ErrEndOfStream
		}
		return nil, fmt.Errorf("wire: read header: %w", err)
	}

	size := binary.BigEndian.Uint32(header[:])
	if size > maxFrameSize {
		return nil, fmt.Errorf("wire: frame length %d exceeds limit", size)
	}

	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, ErrEndOfStream
		}
		return nil, fmt.Errorf("wire: read payload: %w", err)
	}

	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, fmt.Errorf("wire: decode envelope: %w", err)
	}

	// the sentinel decodes to an empty envelope
	if env.Kind == "" && env.Data == nil {
		return nil, ErrQuit
	}

	msg, ok := c.registry.New(env.Kind)
	if !ok {
		return nil, &UnknownKindError{Kind: env.Kind}
	}

	if len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, msg); err != nil {
			return nil, fmt.Errorf("wire: decode %s: %w", env.Kind, err)
		}
	}

	return msg, nil
}
