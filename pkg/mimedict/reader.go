package mimedict

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/unicode"
)

var (
	// ErrFraming means the byte stream does not hold a complete, well formed message.
	// The channel must be treated as broken.
	ErrFraming = errors.New("mimedict: framing error")

	// ErrInvalidWidth is returned when the width byte is neither 4 nor 8
	ErrInvalidWidth = fmt.Errorf("%w: invalid integer width", ErrFraming)
)

const (
	// DefaultMaxFieldSize bounds a single key or value
	DefaultMaxFieldSize = 256 << 20

	// DefaultMaxEntries bounds the number of entries of one dictionary
	DefaultMaxEntries = 1 << 16
)

// Decoder reads MIME dictionaries from a byte stream. It never reads past the end of the
// current message, so an unbuffered pipe can be handed to it directly.
type Decoder struct {
	r            io.Reader
	text         *encoding.Decoder
	MaxFieldSize uint64
	MaxEntries   uint64
}

// NewDecoder returns a Decoder reading from r
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{
		r:            r,
		text:         unicode.UTF8.NewDecoder(),
		MaxFieldSize: DefaultMaxFieldSize,
		MaxEntries:   DefaultMaxEntries,
	}
}

// Decode reads one message from r
func Decode(r io.Reader) (Dict, error) {
	return NewDecoder(r).Decode()
}

// Decode blocks until one full message was read. It returns io.EOF if the stream ended
// before the first byte of a message, and an error wrapping ErrFraming for anything
// malformed or truncated.
func (d *Decoder) Decode() (Dict, error) {
	var head [1]byte
	if _, err := io.ReadFull(d.r, head[:]); err != nil {
		if err == io.EOF {
			return Dict{}, io.EOF
		}
		return Dict{}, framingError("width", err)
	}

	width := int(head[0])
	if width != 4 && width != 8 {
		return Dict{}, fmt.Errorf("%w: %d", ErrInvalidWidth, width)
	}

	count, err := d.readInt(width, "entry count")
	if err != nil {
		return Dict{}, err
	}
	if count > d.MaxEntries {
		return Dict{}, fmt.Errorf("%w: %d entries exceed limit %d", ErrFraming, count, d.MaxEntries)
	}

	var dict Dict
	for i := uint64(0); i < count; i++ {
		key, err := d.readField(width, "key")
		if err != nil {
			return Dict{}, fmt.Errorf("entry %d: %w", i, err)
		}
		value, err := d.readField(width, "value")
		if err != nil {
			return Dict{}, fmt.Errorf("entry %d: %w", i, err)
		}
		// The length sent by C peers includes the terminating NUL
		if n := len(value); n > 0 && value[n-1] == 0 {
			value = value[:n-1]
		}
		dict.Set(d.decodeText(key), d.decodeText(value))
	}
	return dict, nil
}

func (d *Decoder) readInt(width int, what string) (uint64, error) {
	var buf [8]byte
	if _, err := io.ReadFull(d.r, buf[:width]); err != nil {
		return 0, framingError(what, err)
	}
	if width == 4 {
		return uint64(binary.NativeEndian.Uint32(buf[:4])), nil
	}
	return binary.NativeEndian.Uint64(buf[:8]), nil
}

// readField reads a length prefixed field. The buffer grows with the data actually
// received, so a corrupt length does not allocate up front.
func (d *Decoder) readField(width int, what string) ([]byte, error) {
	n, err := d.readInt(width, what+" length")
	if err != nil {
		return nil, err
	}
	if n > d.MaxFieldSize {
		return nil, fmt.Errorf("%w: %s length %d exceeds limit %d", ErrFraming, what, n, d.MaxFieldSize)
	}
	var buf bytes.Buffer
	if _, err := io.CopyN(&buf, d.r, int64(n)); err != nil {
		return nil, framingError(what, err)
	}
	return buf.Bytes(), nil
}

func (d *Decoder) decodeText(b []byte) string {
	out, err := d.text.Bytes(b)
	if err != nil {
		// The UTF-8 decoder replaces invalid input, so this is not expected.
		return string(bytes.ToValidUTF8(b, []byte("�")))
	}
	return string(out)
}

func framingError(what string, err error) error {
	if err == io.EOF {
		err = io.ErrUnexpectedEOF
	}
	return fmt.Errorf("%w: reading %s: %w", ErrFraming, what, err)
}
