// Package capture redirects the process-wide standard output and standard error
// descriptors into a pipe for a bounded scope and forwards everything written to them as
// text chunks. Code writing to the descriptors (C libraries, child processes inheriting
// them) does not notice the redirection.
package capture

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"
)

// Stream names one of the captured standard streams
type Stream string

const (
	Output Stream = "output"
	Error  Stream = "error"
)

// Mode selects what the captured descriptor is pointed at while a Guard is active
type Mode string

const (
	// ModePipe redirects into a pipe. C stdio sees a non-terminal and buffers fully.
	ModePipe Mode = "pipe"
	// ModePTY redirects into a raw pseudo terminal. C stdio line-buffers.
	ModePTY Mode = "pty"
)

const (
	DefaultFlushInterval = 250 * time.Millisecond
	DefaultChunkSize     = 1024

	// drainInterval is how long the forwarder waits for more data once End has begun
	drainInterval = 50 * time.Millisecond
)

var (
	// ErrInvalidStream is returned for a stream name other than Output or Error
	ErrInvalidStream = errors.New("capture: invalid stream name")

	// ErrStreamBusy is returned when a Guard for the same stream is still active
	ErrStreamBusy = errors.New("capture: stream already captured")
)

// RedirectError reports a failed descriptor operation. The evaluation that needed the
// capture must be aborted.
type RedirectError struct {
	Stream Stream
	Op     string
	Err    error
}

func (e *RedirectError) Error() string {
	return fmt.Sprintf("capture %s: %s: %v", e.Stream, e.Op, e.Err)
}

func (e *RedirectError) Unwrap() error {
	return e.Err
}

// Sink receives the captured text. Calls for one stream come from a single goroutine
// in the order the bytes were written.
type Sink interface {
	WriteStream(stream Stream, text string)
}

// SinkFunc adapts a function to Sink
type SinkFunc func(stream Stream, text string)

func (f SinkFunc) WriteStream(stream Stream, text string) {
	f(stream, text)
}

// Options tunes a Guard. The zero value is usable.
type Options struct {
	// FlushInterval is the longest wait for data before Flush is called
	FlushInterval time.Duration

	// ChunkSize is the maximum number of bytes read per chunk
	ChunkSize int

	Mode Mode

	// Flush is called when the pipe stayed empty for FlushInterval and once more when
	// the Guard ends. It should flush buffers the writer keeps above the descriptor,
	// e.g. fflush(stdout) of a C library.
	Flush func()

	// FD overrides the captured descriptor. Zero selects 1 for Output and 2 for Error.
	FD int
}

func (o Options) withDefaults() Options {
	if o.FlushInterval <= 0 {
		o.FlushInterval = DefaultFlushInterval
	}
	if o.ChunkSize <= 0 {
		o.ChunkSize = DefaultChunkSize
	}
	if o.Mode == "" {
		o.Mode = ModePipe
	}
	return o
}

// Descriptor returns the standard descriptor of stream
func (s Stream) Descriptor() (int, error) {
	switch s {
	case Output:
		return 1, nil
	case Error:
		return 2, nil
	}
	return -1, fmt.Errorf("%w: %q (must be %q or %q)", ErrInvalidStream, string(s), Output, Error)
}

// slots makes sure only one Guard at a time repoints a stream's descriptor
var slots = struct {
	sync.Mutex
	held map[Stream]bool
}{held: make(map[Stream]bool)}

func acquire(stream Stream) error {
	slots.Lock()
	defer slots.Unlock()
	if slots.held[stream] {
		return fmt.Errorf("%w: %s", ErrStreamBusy, stream)
	}
	slots.held[stream] = true
	return nil
}

func release(stream Stream) {
	slots.Lock()
	defer slots.Unlock()
	delete(slots.held, stream)
}

// Guard is an active capture of one stream
type Guard struct {
	stream Stream
	opts   Options
	sink   Sink

	target int       // the captured descriptor
	saved  int       // close-on-exec duplicate of the original target
	reader *endpoint // read side of the pipe or pty
	keep   *endpoint // pty terminal held open until the forwarder drained it

	// wakeR is polled next to reader; End writes to wakeW once the descriptor is
	// restored. A pty never reports end of stream while keep is open.
	wakeR, wakeW int

	stopping atomic.Bool
	done     chan struct{}

	endOnce sync.Once
	endErr  error
}

// Begin starts capturing stream. Everything written to the stream's descriptor until
// End is forwarded to sink. The caller must call End, also on error paths.
func Begin(stream Stream, sink Sink, opts Options) (*Guard, error) {
	target, err := stream.Descriptor()
	if err != nil {
		return nil, err
	}
	if opts.FD != 0 {
		target = opts.FD
	}
	opts = opts.withDefaults()

	if err := acquire(stream); err != nil {
		return nil, err
	}

	g := &Guard{
		stream: stream,
		opts:   opts,
		sink:   sink,
		target: target,
		done:   make(chan struct{}),
	}
	g.wakeR, g.wakeW, err = pipeCloexec()
	if err != nil {
		release(stream)
		return nil, &RedirectError{Stream: stream, Op: "open wake pipe", Err: err}
	}
	if err := g.redirect(); err != nil {
		_ = g.closeWake()
		release(stream)
		return nil, err
	}

	go g.forward()
	return g, nil
}

// redirect points the target descriptor at a fresh pipe (or pty) and keeps a duplicate
// of the original for End.
func (g *Guard) redirect() error {
	saved, err := dupCloexec(g.target)
	if err != nil {
		return &RedirectError{Stream: g.stream, Op: "dup", Err: err}
	}

	var reader, writer *endpoint
	if g.opts.Mode == ModePTY {
		reader, writer, err = openPTY()
	} else {
		reader, writer, err = openPipe()
	}
	if err != nil {
		_ = unix.Close(saved)
		return &RedirectError{Stream: g.stream, Op: "open " + string(g.opts.Mode), Err: err}
	}

	if err := dup2(writer.fd, g.target); err != nil {
		_ = writer.close()
		_ = reader.close()
		_ = unix.Close(saved)
		return &RedirectError{Stream: g.stream, Op: "dup2", Err: err}
	}
	if g.opts.Mode == ModePTY {
		// A pty master reports EIO as soon as the last terminal descriptor is closed and
		// may drop what is still queued, so the terminal stays open until End drained it.
		g.keep = writer
	} else {
		// The target now holds the only reference to the write side
		_ = writer.close()
	}

	if err := unix.SetNonblock(reader.fd, true); err != nil {
		_ = dup2(saved, g.target)
		if g.keep != nil {
			_ = g.keep.close()
			g.keep = nil
		}
		_ = reader.close()
		_ = unix.Close(saved)
		return &RedirectError{Stream: g.stream, Op: "set non-blocking", Err: err}
	}

	g.saved = saved
	g.reader = reader
	return nil
}

// Stream returns the captured stream
func (g *Guard) Stream() Stream {
	return g.stream
}

// End flushes, restores the original descriptor and waits until all captured data has
// been handed to the sink. It is safe to call End more than once.
func (g *Guard) End() error {
	g.endOnce.Do(func() {
		g.endErr = g.end()
	})
	return g.endErr
}

func (g *Guard) end() error {
	defer release(g.stream)

	g.flush()

	var errs []error
	// dup2 replaces the write side in one step: the forwarder sees EOF once the last
	// writer is gone, and the descriptor number is never free for someone else to take.
	if err := dup2(g.saved, g.target); err != nil {
		errs = append(errs, &RedirectError{Stream: g.stream, Op: "restore", Err: err})
	}

	// Only after the restore: whatever was written before it is already queued
	g.stopping.Store(true)
	if _, err := unix.Write(g.wakeW, []byte{0}); err != nil {
		slog.Debug("Failed to wake capture forwarder", "stream", g.stream, "error", err)
	}

	<-g.done

	if g.keep != nil {
		if err := g.keep.close(); err != nil {
			errs = append(errs, &RedirectError{Stream: g.stream, Op: "close terminal", Err: err})
		}
	}
	if err := g.reader.close(); err != nil {
		errs = append(errs, &RedirectError{Stream: g.stream, Op: "close reader", Err: err})
	}
	if err := unix.Close(g.saved); err != nil {
		errs = append(errs, &RedirectError{Stream: g.stream, Op: "close saved descriptor", Err: err})
	}
	if err := g.closeWake(); err != nil {
		errs = append(errs, &RedirectError{Stream: g.stream, Op: "close wake pipe", Err: err})
	}
	return errors.Join(errs...)
}

func (g *Guard) closeWake() error {
	return errors.Join(unix.Close(g.wakeR), unix.Close(g.wakeW))
}

func (g *Guard) flush() {
	if g.opts.Flush != nil {
		g.opts.Flush()
	}
}

// DupStream returns a duplicate of the stream's current descriptor. Writes to it bypass
// any capture that starts later, which is what loggers and transcript writers need.
func DupStream(stream Stream) (*os.File, error) {
	fd, err := stream.Descriptor()
	if err != nil {
		return nil, err
	}
	dup, err := dupCloexec(fd)
	if err != nil {
		return nil, &RedirectError{Stream: stream, Op: "dup", Err: err}
	}
	return os.NewFile(uintptr(dup), "/dev/"+string(stream)+"-dup"), nil
}
