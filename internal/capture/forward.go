package capture

import (
	"log/slog"
	"time"
	"unicode/utf8"

	"golang.org/x/sys/unix"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

// forward moves data from the read side to the sink until all writers are gone.
func (g *Guard) forward() {
	defer close(g.done)

	dec := newTextDecoder()
	defer func() {
		if text := dec.flush(); text != "" {
			g.sink.WriteStream(g.stream, text)
		}
	}()

	buf := make([]byte, g.opts.ChunkSize)
	fds := []unix.PollFd{
		{Fd: int32(g.reader.fd), Events: unix.POLLIN},
		{Fd: int32(g.wakeR), Events: unix.POLLIN},
	}
	flushTimeout := millis(g.opts.FlushInterval)
	drainTimeout := millis(min(g.opts.FlushInterval, drainInterval))

	for {
		timeout := flushTimeout
		if g.stopping.Load() {
			timeout = drainTimeout
		}
		n, err := unix.Poll(fds, timeout)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			slog.Warn("Capture poll failed", "stream", g.stream, "error", err)
			return
		}

		if n == 0 {
			if g.stopping.Load() {
				if g.keep == nil {
					// Scope is over and nothing arrived: someone (a background child)
					// still holds the write side.
					slog.Warn("Captured stream still has writers after capture ended, detaching", "stream", g.stream)
				}
				return
			}
			// Nothing arrived: the writer may be sitting on a buffer of its own
			g.flush()
			continue
		}

		if fds[1].Revents != 0 {
			// End has begun: switch to the drain timeout, stop watching the wake pipe
			fds[1].Fd = -1
			if fds[0].Revents == 0 {
				continue
			}
		}

		nr, err := unix.Read(g.reader.fd, buf)
		if err != nil {
			if err == unix.EAGAIN || err == unix.EINTR {
				continue
			}
			// EIO from a pty master means all terminal ends are closed; any other error
			// is treated the same way.
			if err != unix.EIO {
				slog.Debug("Capture read ended", "stream", g.stream, "error", err)
			}
			return
		}
		if nr == 0 {
			return
		}

		if text := dec.decode(buf[:nr]); text != "" {
			g.sink.WriteStream(g.stream, text)
		}
	}
}

func millis(d time.Duration) int {
	ms := int(d / time.Millisecond)
	if ms < 1 {
		return 1
	}
	return ms
}

// textDecoder turns chunks into UTF-8 text. Invalid bytes become U+FFFD; a multi-byte
// character split between two reads is held back until it is complete.
type textDecoder struct {
	t       transform.Transformer
	pending []byte
}

func newTextDecoder() *textDecoder {
	return &textDecoder{t: unicode.UTF8.NewDecoder()}
}

func (d *textDecoder) decode(p []byte) string {
	src := append(d.pending, p...)
	return d.run(src, false)
}

func (d *textDecoder) flush() string {
	if len(d.pending) == 0 {
		return ""
	}
	return d.run(d.pending, true)
}

func (d *textDecoder) run(src []byte, atEOF bool) string {
	// Each invalid byte grows to the three bytes of U+FFFD
	dst := make([]byte, len(src)*3+utf8.UTFMax)
	nDst, nSrc, err := d.t.Transform(dst, src, atEOF)
	if err != nil && err != transform.ErrShortSrc {
		slog.Debug("Capture text decoding failed", "error", err)
	}
	d.pending = append([]byte(nil), src[nSrc:]...)
	return string(dst[:nDst])
}
