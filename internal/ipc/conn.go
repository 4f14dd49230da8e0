package ipc

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/vmihailenco/msgpack/v5"
)

// MaxFrameSize bounds a single frame. Chunk results and progress are
// small; anything larger indicates a corrupted stream.
const MaxFrameSize = 64 << 20

var (
	// ErrFrameTooLarge is returned when a frame exceeds MaxFrameSize.
	ErrFrameTooLarge = errors.New("ipc: frame too large")
	// ErrUnknownType is returned for envelopes with an unrecognised type.
	ErrUnknownType = errors.New("ipc: unknown message type")
)

// Conn is one end of a worker channel. Send is safe for concurrent use;
// Receive must be called from a single goroutine.
type Conn struct {
	r   *bufio.Reader
	w   io.Writer
	wmu sync.Mutex
}

// NewConn wraps a reader/writer pair (typically process stdout/stdin).
func NewConn(r io.Reader, w io.Writer) *Conn {
	return &Conn{
		r: bufio.NewReaderSize(r, 64*1024),
		w: w,
	}
}

// Send writes one framed message.
func (c *Conn) Send(m Message) error {
	env, err := toEnvelope(m)
	if err != nil {
		return err
	}
	body, err := msgpack.Marshal(&env)
	if err != nil {
		return fmt.Errorf("failed to marshal %s message: %w", env.Type, err)
	}
	if len(body) > MaxFrameSize {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(body))
	}

	frame := make([]byte, 4+len(body))
	binary.BigEndian.PutUint32(frame[:4], uint32(len(body)))
	copy(frame[4:], body)

	c.wmu.Lock()
	defer c.wmu.Unlock()
	if _, err := c.w.Write(frame); err != nil {
		return fmt.Errorf("failed to write %s message: %w", env.Type, err)
	}
	return nil
}

// Receive blocks for the next message. It returns io.EOF when the peer
// closed the stream cleanly between frames.
func (c *Conn) Receive() (Message, error) {
	var lengthBuf [4]byte
	if _, err := io.ReadFull(c.r, lengthBuf[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fmt.Errorf("truncated frame header: %w", err)
		}
		return nil, err
	}

	size := binary.BigEndian.Uint32(lengthBuf[:])
	if size > MaxFrameSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, size)
	}

	body := make([]byte, size)
	if _, err := io.ReadFull(c.r, body); err != nil {
		return nil, fmt.Errorf("failed to read frame body (%d bytes): %w", size, err)
	}

	var env envelope
	if err := msgpack.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("failed to unmarshal frame: %w", err)
	}
	return fromEnvelope(env)
}
