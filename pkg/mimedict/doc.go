// Package mimedict defines the binary protocol an interpreter uses to push MIME dictionaries
// (display payloads) over a pipe.
//
// # Overview
//
// Goals:
//
//  1. Transfer one display payload as an ordered set of MIME type -> data pairs
//  2. Stay trivially producible from C (sizeof(long), write(2))
//  3. Be binary safe: data can contain any byte, including NUL
//  4. Detect truncated messages instead of guessing
//
// # Format Specification
//
// All integers are unsigned and use the byte order of the sender. W is the width of
// every length field and is sent once per message.
//
//	width    1 byte   W, either 4 or 8
//	count    W bytes  number of entries N
//	N times:
//	  keylen W bytes  length of the key
//	  key    keylen   MIME type, UTF-8
//	  vallen W bytes  length of the value, including a NUL terminator if the sender used one
//	  value  vallen   payload, UTF-8
//
// # Decoding rules
//
//   - A value ending in NUL loses exactly one trailing NUL byte.
//   - Invalid UTF-8 is replaced by U+FFFD.
//   - A duplicate key replaces the value of the earlier entry in place.
//   - io.EOF before the first byte means the sender closed the channel.
//   - Any other short read is a framing error. The reader never resynchronizes: after a
//     framing error the channel is broken.
//
// # Example
//
// A dictionary {"text/plain": "hi"} sent by a 64-bit little endian peer:
//
//	08                          width
//	01 00 00 00 00 00 00 00     count
//	0a 00 00 00 00 00 00 00     key length 10
//	74 65 78 74 2f 70 6c 61 69 6e  "text/plain"
//	03 00 00 00 00 00 00 00     value length 3
//	68 69 00                    "hi\0"
package mimedict
