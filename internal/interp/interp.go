// Package interp is the boundary between the kernel and an interpreter. The interpreter
// may be a native library or a child process; the kernel only relies on the contract
// below and on the interpreter writing its output to the standard descriptors.
package interp

import (
	"context"
	"errors"
	"os"

	"kernelbridge/internal/capture"
)

// ErrEvaluationFailed is returned by Evaluate when the interpreter rejected the code.
// Diagnostics, if any, have already been written to the output or error stream.
var ErrEvaluationFailed = errors.New("evaluation failed")

// Result is the printable value of a successful evaluation
type Result struct {
	Text string
}

// Completion yields completion candidates one at a time
type Completion interface {
	Next() (string, bool)
}

// Interpreter evaluates code. Evaluate is never called concurrently.
type Interpreter interface {
	// Evaluate runs code and blocks until it is done. Failure is reported as an error
	// wrapping ErrEvaluationFailed.
	Evaluate(ctx context.Context, code string) (*Result, error)

	// Release gives back a result once it has been published
	Release(res *Result)

	// Flush pushes out output the interpreter buffers above the descriptor level.
	// It is called from capture goroutines while Evaluate runs.
	Flush(stream capture.Stream)

	// CompleteStart begins a completion at cursor
	CompleteStart(code string, cursor int) (Completion, error)

	Close() error
}

// CreateOptions is what an interpreter receives at creation
type CreateOptions struct {
	Args        []string
	ResourceDir string

	// Display is the write end of the display channel. The interpreter sends MIME
	// dictionaries on it (see package mimedict). The kernel keeps ownership.
	Display *os.File
}

// Factory creates an interpreter
type Factory func(opts CreateOptions) (Interpreter, error)

// NoCompletion never yields a candidate
var NoCompletion Completion = noCompletion{}

type noCompletion struct{}

func (noCompletion) Next() (string, bool) {
	return "", false
}
