package protocol

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"
)

// MaxFrameSize bounds a single payload. A larger length prefix means the
// stream is corrupt, and it is treated as end-of-stream.
const MaxFrameSize = 64 << 20

// ErrFrameTooLarge is returned by ReadFrame for an oversized length prefix.
var ErrFrameTooLarge = errors.New("frame exceeds maximum size")

// WriteFrame writes payload preceded by its 4-byte big-endian length.
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) > MaxFrameSize {
		return ErrFrameTooLarge
	}
	frame := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(frame, uint32(len(payload))) //nolint:gosec // bounded by MaxFrameSize
	copy(frame[4:], payload)
	if _, err := w.Write(frame); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// ReadFrame reads one length-prefixed payload. A short read of either the
// prefix or the payload yields io.EOF or io.ErrUnexpectedEOF.
func ReadFrame(r io.Reader) ([]byte, error) {
	var prefix [4]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return nil, err //nolint:wrapcheck // callers match io.EOF
	}
	n := binary.BigEndian.Uint32(prefix[:])
	if n > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.ErrUnexpectedEOF
		}
		return nil, err //nolint:wrapcheck // callers match io errors
	}
	return payload, nil
}

// Channel is one end of a full-duplex message stream. Send may be called
// concurrently with Receive; concurrent Sends are serialized.
type Channel struct {
	rw io.ReadWriteCloser
	r  *bufio.Reader

	wmu       sync.Mutex
	closeOnce sync.Once
	closeErr  error
	closed    chan struct{}
}

// NewChannel wraps rw. The Channel takes ownership of rw.
func NewChannel(rw io.ReadWriteCloser) *Channel {
	return &Channel{rw: rw, r: bufio.NewReader(rw), closed: make(chan struct{})}
}

// Send writes m to the peer. It returns false when the message could not be
// delivered; a failed write means the peer is gone, which is not an error
// the sender can act on.
func (c *Channel) Send(m Message) bool {
	payload, err := Encode(m)
	if err != nil {
		return false
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return WriteFrame(c.rw, payload) == nil
}

// Receive blocks for the next message. It returns false at end-of-stream,
// which covers a closed or reset connection, a truncated frame, and a
// payload that does not decode.
func (c *Channel) Receive() (Message, bool) {
	payload, err := ReadFrame(c.r)
	if err != nil {
		return Message{}, false
	}
	m, err := Decode(payload)
	if err != nil {
		return Message{}, false
	}
	return m, true
}

// Close closes the underlying connection. Repeated calls are no-ops.
func (c *Channel) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.closeErr = c.rw.Close()
	})
	return c.closeErr
}

// Pump reads messages in a goroutine until end-of-stream or Close and
// delivers them on the returned channel, which is closed afterwards.
// Messages nobody reads by the time the Channel is closed are dropped. If
// wake is non-nil it receives a non-blocking signal after every delivery and
// at end-of-stream, so one goroutine can wait on many pumps at once.
func (c *Channel) Pump(buffer int, wake chan<- struct{}) <-chan Message {
	out := make(chan Message, buffer)
	notify := func() {
		if wake == nil {
			return
		}
		select {
		case wake <- struct{}{}:
		default:
		}
	}
	go func() {
		defer notify()
		defer close(out)
		for {
			m, ok := c.Receive()
			if !ok {
				return
			}
			select {
			case out <- m:
				notify()
			case <-c.closed:
				return
			}
		}
	}()
	return out
}
