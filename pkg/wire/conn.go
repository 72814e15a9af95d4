package wire

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"net"

	"google.golang.org/protobuf/encoding/protowire"
)

// Alloc returns a buffer of exactly size bytes to read a frame body into.
type Alloc func(size int) ([]byte, error)

// Conn reads and writes frames over a net.Conn.
//
// Reads are buffered. Writes go straight to the socket so callers can
// handle deadlines and short writes themselves.
type Conn struct {
	net.Conn

	rd       *bufio.Reader
	maxFrame int
	alloc    Alloc
}

// NewConn wraps c. A non-positive maxFrame means [DefaultMaxFrame], a nil
// alloc allocates on the heap.
func NewConn(c net.Conn, maxFrame int, alloc Alloc) *Conn {
	if maxFrame <= 0 {
		maxFrame = DefaultMaxFrame
	}
	if alloc == nil {
		alloc = func(size int) ([]byte, error) {
			return make([]byte, size), nil
		}
	}
	return &Conn{
		Conn:     c,
		rd:       bufio.NewReader(c),
		maxFrame: maxFrame,
		alloc:    alloc,
	}
}

// ReadFrame blocks until a complete frame is read.
//
// A clean EOF before the first byte of a frame is returned as io.EOF, an
// EOF in the middle of a frame as io.ErrUnexpectedEOF.
func (c *Conn) ReadFrame() (*Frame, error) {
	buf := make([]byte, 0, binary.MaxVarintLen64)
	for {
		b, err := c.rd.ReadByte()
		if err != nil {
			if err == io.EOF && len(buf) > 0 {
				return nil, io.ErrUnexpectedEOF
			}
			return nil, err
		}
		buf = append(buf, b)
		if b < 0x80 {
			break
		}
		if len(buf) == binary.MaxVarintLen64 {
			return nil, fmt.Errorf("%w: length prefix overflows", ErrMalformedFrame)
		}
	}

	prefix, prefixSize := protowire.ConsumeVarint(buf)
	if err := protowire.ParseError(prefixSize); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedFrame, err)
	}
	if prefix > uint64(c.maxFrame) {
		return nil, fmt.Errorf("%w: %d bytes, limit is %d", ErrFrameTooLarge, prefix, c.maxFrame)
	}

	body, err := c.alloc(int(prefix))
	if err != nil {
		return nil, err
	}
	if _, err := io.ReadFull(c.rd, body); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}

	return Decode(body)
}

// WriteControl writes a control frame.
func (c *Conn) WriteControl(ctl *Control) error {
	_, err := c.Conn.Write(EncodeControl(ctl))
	return err
}

// ExpectControl reads the next frame and checks it is a control of kind k.
func (c *Conn) ExpectControl(k Kind) (*Control, error) {
	f, err := c.ReadFrame()
	if err != nil {
		return nil, err
	}
	switch {
	case f.Kind == KindDie && k != KindDie:
		return nil, &DieError{Reason: f.Control.Reason}
	case f.Control == nil, f.Kind != k:
		return nil, fmt.Errorf("%w: expected %s, got %s", ErrUnexpectedKind, k, f.Kind)
	}
	return f.Control, nil
}
