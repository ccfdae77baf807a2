// Package shell is an interpreter that evaluates every cell in a child process, by
// default "/bin/sh -c <cell>".
//
// The child inherits the kernel's descriptors 1 and 2, so everything it prints goes
// through the kernel's stream capture. Two more descriptors are passed:
//
//	fd 3  display channel, see package mimedict and "kernelbridge display"
//	fd 4  result channel: text written here becomes the cell's printable value
//
// A non-zero exit status is an evaluation failure.
package shell

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"kernelbridge/internal/capture"
	"kernelbridge/internal/interp"
)

// Environment variables exported to the child
const (
	DisplayFDEnv   = "KERNEL_DISPLAY_FD"
	ResultFDEnv    = "KERNEL_RESULT_FD"
	ResourceDirEnv = "KERNEL_RESOURCE_DIR"
)

const (
	displayFD = 3
	resultFD  = 4

	// resultGrace bounds the wait for the result pipe after the child exited; a
	// background grandchild may hold it open forever.
	resultGrace = 100 * time.Millisecond
)

// DefaultCommand runs each cell with the POSIX shell
var DefaultCommand = []string{"/bin/sh", "-c"}

// Options configures the interpreter
type Options struct {
	// Command is the program and leading arguments; the cell is appended
	Command []string
	Dir     string
	Env     []string

	// Stdout and Stderr default to the process's os.Stdout and os.Stderr
	Stdout *os.File
	Stderr *os.File
}

// Interpreter runs one child process per evaluation
type Interpreter struct {
	command     []string
	args        []string
	dir         string
	env         []string
	resourceDir string
	display     *os.File
	stdout      *os.File
	stderr      *os.File
}

var _ interp.Interpreter = &Interpreter{}

// Factory returns an interp.Factory creating shell interpreters with opts
func Factory(opts Options) interp.Factory {
	return func(create interp.CreateOptions) (interp.Interpreter, error) {
		return New(opts, create)
	}
}

// New creates an interpreter. Arguments in create are passed after the cell, so with
// "sh -c" the first one becomes $0.
func New(opts Options, create interp.CreateOptions) (*Interpreter, error) {
	command := opts.Command
	if len(command) == 0 {
		command = DefaultCommand
	}
	if _, err := exec.LookPath(command[0]); err != nil {
		return nil, fmt.Errorf("interpreter command not found: %w", err)
	}

	env := opts.Env
	if env == nil {
		env = os.Environ()
	}

	return &Interpreter{
		command:     append([]string(nil), command...),
		args:        append([]string(nil), create.Args...),
		dir:         opts.Dir,
		env:         env,
		resourceDir: create.ResourceDir,
		display:     create.Display,
		stdout:      opts.Stdout,
		stderr:      opts.Stderr,
	}, nil
}

// Evaluate runs code in a child process and waits for it. Cancelling ctx kills the child.
func (s *Interpreter) Evaluate(ctx context.Context, code string) (*interp.Result, error) {
	resultR, resultW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create result pipe: %w", err)
	}
	defer func() { _ = resultR.Close() }()

	args := append(append(s.command[1:len(s.command):len(s.command)], code), s.args...)
	cmd := exec.CommandContext(ctx, s.command[0], args...)
	cmd.Dir = s.dir
	cmd.Stdout = s.stdoutFile()
	cmd.Stderr = s.stderrFile()
	// A nil display entry leaves fd 3 closed in the child
	cmd.ExtraFiles = []*os.File{s.display, resultW}
	cmd.Env = append(append([]string(nil), s.env...),
		DisplayFDEnv+"="+strconv.Itoa(displayFD),
		ResultFDEnv+"="+strconv.Itoa(resultFD),
		ResourceDirEnv+"="+s.resourceDir,
	)

	if err := cmd.Start(); err != nil {
		_ = resultW.Close()
		return nil, fmt.Errorf("failed to start interpreter command: %w", err)
	}
	// Only the child may hold the write end, otherwise the read never ends
	_ = resultW.Close()

	resultCh := make(chan []byte, 1)
	go func() {
		data, _ := io.ReadAll(resultR)
		resultCh <- data
	}()

	waitErr := cmd.Wait()
	_ = resultR.SetReadDeadline(time.Now().Add(resultGrace))
	data := <-resultCh

	if waitErr != nil {
		return nil, fmt.Errorf("%w: %v", interp.ErrEvaluationFailed, waitErr)
	}
	return &interp.Result{Text: strings.TrimSuffix(string(data), "\n")}, nil
}

func (s *Interpreter) stdoutFile() *os.File {
	if s.stdout != nil {
		return s.stdout
	}
	return os.Stdout
}

func (s *Interpreter) stderrFile() *os.File {
	if s.stderr != nil {
		return s.stderr
	}
	return os.Stderr
}

// Release is a no-op: results are Go strings
func (s *Interpreter) Release(*interp.Result) {}

// Flush is a no-op: the child's buffers are flushed when it exits
func (s *Interpreter) Flush(capture.Stream) {}

// CompleteStart offers no completions
func (s *Interpreter) CompleteStart(string, int) (interp.Completion, error) {
	return interp.NoCompletion, nil
}

// Close releases nothing; the display channel belongs to the kernel
func (s *Interpreter) Close() error {
	return nil
}
