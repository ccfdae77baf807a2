package mimedict

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"strconv"
)

// NativeWidth is the length field width a peer built for this platform sends
const NativeWidth = strconv.IntSize / 8

// Encoder writes MIME dictionaries in the format the interpreter side produces.
type Encoder struct {
	w     io.Writer
	Width int
}

// NewEncoder returns an Encoder using NativeWidth
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: w, Width: NativeWidth}
}

// Encode writes dict to w using the given width
func Encode(w io.Writer, dict Dict, width int) error {
	return (&Encoder{w: w, Width: width}).Encode(dict)
}

// Encode writes one message. Every value is sent NUL terminated with the terminator
// counted in its length. The message is assembled first and handed to the writer in a
// single Write, so small messages stay atomic on a pipe.
func (e *Encoder) Encode(dict Dict) error {
	if e.Width != 4 && e.Width != 8 {
		return fmt.Errorf("%w: %d", ErrInvalidWidth, e.Width)
	}

	var buf bytes.Buffer
	buf.WriteByte(byte(e.Width))
	if err := e.putInt(&buf, uint64(dict.Len())); err != nil {
		return err
	}
	for _, entry := range dict.entries {
		if err := e.putInt(&buf, uint64(len(entry.Key))); err != nil {
			return err
		}
		buf.WriteString(entry.Key)
		if err := e.putInt(&buf, uint64(len(entry.Value))+1); err != nil {
			return err
		}
		buf.WriteString(entry.Value)
		buf.WriteByte(0)
	}

	_, err := e.w.Write(buf.Bytes())
	return err
}

func (e *Encoder) putInt(buf *bytes.Buffer, v uint64) error {
	if e.Width == 4 {
		if v > math.MaxUint32 {
			return fmt.Errorf("mimedict: %d does not fit into 4 bytes", v)
		}
		buf.Write(binary.NativeEndian.AppendUint32(nil, uint32(v)))
		return nil
	}
	buf.Write(binary.NativeEndian.AppendUint64(nil, v))
	return nil
}
