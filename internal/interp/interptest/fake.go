// Package interptest provides a scripted interpreter for tests of code that drives an
// interp.Interpreter.
package interptest

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"kernelbridge/internal/capture"
	"kernelbridge/internal/interp"
	"kernelbridge/pkg/mimedict"
)

// Fake is an in-process interpreter. Each line of a cell is one command:
//
//	print <text>             write text and a newline to the output descriptor
//	eprint <text>            the same on the error descriptor
//	buffer <text>            hold text until Flush(capture.Output) writes it out
//	display <type> <value>   send a one-entry MIME dictionary on the display channel
//	result <text>            make text the printable value
//	sleep <duration>         pause, e.g. "sleep 300ms"
//	fail                     reject the cell
//
// Blank lines are ignored. Output is written with write(2), like native code would.
type Fake struct {
	// OutputFD and ErrorFD default to 1 and 2
	OutputFD int
	ErrorFD  int

	mu       sync.Mutex
	display  *os.File
	create   interp.CreateOptions
	calls    []string
	flushes  map[capture.Stream]int
	released int
	buffered strings.Builder
	closed   bool
}

var _ interp.Interpreter = &Fake{}

// Factory returns a factory handing out f
func (f *Fake) Factory() interp.Factory {
	return func(opts interp.CreateOptions) (interp.Interpreter, error) {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.create = opts
		f.display = opts.Display
		return f, nil
	}
}

func (f *Fake) Evaluate(ctx context.Context, code string) (*interp.Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, code)
	f.mu.Unlock()

	var result string
	sc := bufio.NewScanner(strings.NewReader(code))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		cmd, arg, _ := strings.Cut(line, " ")

		var err error
		switch cmd {
		case "print":
			err = writeAll(fdOr(f.OutputFD, 1), arg+"\n")
		case "eprint":
			err = writeAll(fdOr(f.ErrorFD, 2), arg+"\n")
		case "buffer":
			f.mu.Lock()
			f.buffered.WriteString(arg)
			f.mu.Unlock()
		case "display":
			err = f.sendDisplay(arg)
		case "result":
			result = arg
		case "sleep":
			err = sleep(ctx, arg)
		case "fail":
			return nil, fmt.Errorf("%w: rejected", interp.ErrEvaluationFailed)
		default:
			return nil, fmt.Errorf("%w: unknown command %q", interp.ErrEvaluationFailed, cmd)
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", interp.ErrEvaluationFailed, cmd, err)
		}
	}
	return &interp.Result{Text: result}, nil
}

func (f *Fake) sendDisplay(arg string) error {
	mime, value, _ := strings.Cut(arg, " ")

	f.mu.Lock()
	display := f.display
	f.mu.Unlock()
	if display == nil {
		return fmt.Errorf("no display channel")
	}
	return mimedict.NewEncoder(display).Encode(mimedict.New(mime, value))
}

func sleep(ctx context.Context, arg string) error {
	d, err := time.ParseDuration(arg)
	if err != nil {
		return err
	}
	select {
	case <-time.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (f *Fake) Release(*interp.Result) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released++
}

// Flush counts the call and writes out text held by "buffer"
func (f *Fake) Flush(stream capture.Stream) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.flushes == nil {
		f.flushes = make(map[capture.Stream]int)
	}
	f.flushes[stream]++
	if stream == capture.Output && f.buffered.Len() > 0 {
		_ = writeAll(fdOr(f.OutputFD, 1), f.buffered.String())
		f.buffered.Reset()
	}
}

func (f *Fake) CompleteStart(string, int) (interp.Completion, error) {
	return interp.NoCompletion, nil
}

func (f *Fake) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

// Calls returns the evaluated cells in order
func (f *Fake) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

// Flushes returns how often Flush was called for stream
func (f *Fake) Flushes(stream capture.Stream) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.flushes[stream]
}

// Released returns how many results were released
func (f *Fake) Released() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.released
}

// Closed reports whether Close was called
func (f *Fake) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// Created returns the options the factory received
func (f *Fake) Created() interp.CreateOptions {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.create
}

func fdOr(fd, def int) int {
	if fd == 0 {
		return def
	}
	return fd
}

func writeAll(fd int, s string) error {
	data := []byte(s)
	for len(data) > 0 {
		n, err := unix.Write(fd, data)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return err
		}
		data = data[n:]
	}
	return nil
}
