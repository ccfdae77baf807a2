// Package kernel answers front-end requests: it owns the interpreter and the display
// channel, runs evaluations with captured output and publishes everything an
// evaluation produces before its result.
package kernel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"kernelbridge/internal/capture"
	"kernelbridge/internal/display"
	"kernelbridge/internal/interp"
	"kernelbridge/internal/iopub"
	"kernelbridge/internal/sysmon"
	"kernelbridge/pkg/markdown"
	"kernelbridge/pkg/mimedict"
)

const (
	Implementation  = "kernelbridge"
	ProtocolVersion = "5.3"

	// Fixed error content of a rejected evaluation. Diagnostics reach the front-end
	// through the captured streams.
	ErrorName  = "EvaluationError"
	ErrorValue = "evaluation failed"

	// RedirectErrorName is used when the streams could not be captured
	RedirectErrorName = "RedirectionError"

	defaultSyncTimeout  = 2 * time.Second
	defaultCloseTimeout = time.Second
)

// Version is reported in kernel_info replies
var Version = "0.1.0"

// Options configures a Kernel
type Options struct {
	Factory     interp.Factory
	Args        []string
	ResourceDir string

	// Sink receives iopub messages
	Sink    iopub.Sink
	Session string

	// Capture tunes the stream capture. Flush and FD are set by the kernel.
	Capture capture.Options
	// OutputFD and ErrorFD override the captured descriptors (1 and 2)
	OutputFD int
	ErrorFD  int

	// Markdown adds a text/html rendering to text/markdown display payloads and to
	// results that look like markdown
	Markdown bool

	Language LanguageInfo
	Banner   string

	// SyncTimeout bounds the wait for the display channel to catch up after an
	// evaluation
	SyncTimeout time.Duration

	Logger *slog.Logger
}

// Kernel is safe for concurrent use; requests are handled one at a time
type Kernel struct {
	opts   Options
	logger *slog.Logger
	pub    *iopub.Publisher
	interp interp.Interpreter

	displayR     *os.File
	displayW     *os.File
	listenerDone chan struct{}
	listenerErr  error
	synced       chan string
	syncSeq      int

	mu             sync.Mutex
	executionCount int

	// parent is the header of the most recent execute request, inFlight is set while
	// it is being evaluated. Display messages are attributed to parent.
	parent   atomic.Pointer[iopub.Header]
	inFlight atomic.Bool

	closeOnce sync.Once
	closeErr  error
}

// New creates the display channel and the interpreter and starts listening for
// display messages
func New(opts Options) (*Kernel, error) {
	if opts.Factory == nil {
		return nil, errors.New("kernel: no interpreter factory")
	}
	if opts.Sink == nil {
		return nil, errors.New("kernel: no message sink")
	}
	if opts.Session == "" {
		opts.Session = uuid.NewString()
	}
	if opts.SyncTimeout <= 0 {
		opts.SyncTimeout = defaultSyncTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	displayR, displayW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create display channel: %w", err)
	}

	in, err := opts.Factory(interp.CreateOptions{
		Args:        opts.Args,
		ResourceDir: opts.ResourceDir,
		Display:     displayW,
	})
	if err != nil {
		_ = displayR.Close()
		_ = displayW.Close()
		return nil, fmt.Errorf("failed to create interpreter: %w", err)
	}

	k := &Kernel{
		opts:         opts,
		logger:       logger,
		pub:          iopub.NewPublisher(opts.Session, opts.Sink),
		interp:       in,
		displayR:     displayR,
		displayW:     displayW,
		listenerDone: make(chan struct{}),
		synced:       make(chan string, 1),
	}

	listenerOpts := []display.Option{
		display.WithLogger(logger),
		display.WithSync(k.onSync),
	}
	if opts.Markdown {
		listenerOpts = append(listenerOpts, display.WithMarkdown(markdown.Options{}))
	}
	listener := display.NewListener(displayR, k.publishDisplay, listenerOpts...)
	go func() {
		defer close(k.listenerDone)
		k.listenerErr = listener.Run()
	}()

	logger.Info("Kernel started", "session", opts.Session, "language", opts.Language.Name)
	return k, nil
}

// Session returns the session id stamped on outgoing messages
func (k *Kernel) Session() string {
	return k.opts.Session
}

// Publisher returns the publisher the kernel sends iopub messages with
func (k *Kernel) Publisher() *iopub.Publisher {
	return k.pub
}

// Execute evaluates req.Code on behalf of the request with header parent. Stream and
// display messages of the evaluation are sent before its execute_result or error
// message.
//
// The returned error is non-nil only when the streams could not be captured; the reply
// then has StatusError as well.
func (k *Kernel) Execute(ctx context.Context, parent iopub.Header, req ExecuteRequest) (ExecuteReply, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	if strings.TrimSpace(req.Code) == "" {
		return okReply(k.executionCount), nil
	}
	if !req.Silent {
		k.executionCount++
	}
	count := k.executionCount

	k.parent.Store(&parent)
	k.inFlight.Store(true)
	start := time.Now()
	res, err := k.evaluate(ctx, parent, req.Code)
	k.syncDisplay()
	k.inFlight.Store(false)
	k.logEvaluation(count, time.Since(start), err)

	if err != nil {
		if res != nil {
			k.interp.Release(res)
		}
		reply := okReply(count)
		reply.Status = StatusError
		reply.EName = ErrorName
		reply.EValue = ErrorValue
		reply.Traceback = []string{}
		if isCaptureFailure(err) {
			reply.EName = RedirectErrorName
			reply.EValue = err.Error()
			k.publishError(parent, reply)
			return reply, fmt.Errorf("failed to capture output: %w", err)
		}
		k.publishError(parent, reply)
		return reply, nil
	}

	defer k.interp.Release(res)
	if !req.Silent && res.Text != "" {
		k.pub.Publish(parent, iopub.MsgExecuteResult, iopub.ExecuteResult{
			ExecutionCount: count,
			Data:           k.resultData(res.Text),
			Metadata:       map[string]any{},
		})
	}
	return okReply(count), nil
}

func (k *Kernel) resultData(text string) map[string]string {
	data := map[string]string{"text/plain": text}
	if k.opts.Markdown && markdown.Detect(text) {
		data[display.MIMEMarkdown] = text
		data[display.MIMEHTML] = markdown.Render(text)
	}
	return data
}

func okReply(count int) ExecuteReply {
	return ExecuteReply{
		Status:          StatusOK,
		ExecutionCount:  count,
		Payload:         []any{},
		UserExpressions: map[string]any{},
	}
}

func (k *Kernel) publishError(parent iopub.Header, reply ExecuteReply) {
	k.pub.Publish(parent, iopub.MsgError, iopub.Error{
		EName:     reply.EName,
		EValue:    reply.EValue,
		Traceback: reply.Traceback,
	})
}

// Complete asks the interpreter for completions at the cursor
func (k *Kernel) Complete(req CompleteRequest) CompleteReply {
	k.mu.Lock()
	defer k.mu.Unlock()

	matches := []string{}
	c, err := k.interp.CompleteStart(req.Code, req.CursorPos)
	if err != nil {
		k.logger.Debug("Completion failed", "error", err)
	} else {
		for {
			m, ok := c.Next()
			if !ok {
				break
			}
			matches = append(matches, m)
		}
	}

	return CompleteReply{
		Status:      StatusOK,
		Matches:     matches,
		CursorStart: req.CursorPos,
		CursorEnd:   req.CursorPos,
		Metadata:    map[string]any{},
	}
}

// KernelInfo describes the kernel and its language
func (k *Kernel) KernelInfo() KernelInfoReply {
	banner := k.opts.Banner
	if banner == "" {
		banner = fmt.Sprintf("%s %s (%s)", Implementation, Version, k.opts.Language.Name)
	}
	return KernelInfoReply{
		Status:                StatusOK,
		ProtocolVersion:       ProtocolVersion,
		Implementation:        Implementation,
		ImplementationVersion: Version,
		LanguageInfo:          k.opts.Language,
		Banner:                banner,
	}
}

// ExecutionCount returns the current value of the execution counter
func (k *Kernel) ExecutionCount() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.executionCount
}

// publishDisplay runs on the listener goroutine
func (k *Kernel) publishDisplay(dict mimedict.Dict) {
	k.pub.Publish(k.displayParent(), iopub.MsgDisplayData, iopub.DisplayData{
		Data:     dict,
		Metadata: map[string]any{},
	})
}

func (k *Kernel) displayParent() iopub.Header {
	parent := k.parent.Load()
	if parent == nil {
		k.logger.Debug("Display data before any execute request")
		return iopub.Header{}
	}
	if !k.inFlight.Load() {
		k.logger.Debug("Display data outside an evaluation", "parent", parent.MsgID)
	}
	return *parent
}

// syncDisplay waits until the listener has published everything the interpreter wrote
// to the display channel so far. It writes a sync message behind that data; the
// listener reports it once it got there.
func (k *Kernel) syncDisplay() {
	select {
	case <-k.listenerDone:
		// Nobody reads anymore, a write could block once the pipe is full
		return
	default:
	}

	k.syncSeq++
	token := strconv.Itoa(k.syncSeq)
	if err := mimedict.NewEncoder(k.displayW).Encode(mimedict.New(display.SyncKey, token)); err != nil {
		k.logger.Warn("Failed to sync display channel", "error", err)
		return
	}

	timeout := time.NewTimer(k.opts.SyncTimeout)
	defer timeout.Stop()
	for {
		select {
		case got := <-k.synced:
			if got == token {
				return
			}
		case <-k.listenerDone:
			return
		case <-timeout.C:
			k.logger.Warn("Display channel did not catch up", "timeout", k.opts.SyncTimeout)
			return
		}
	}
}

func (k *Kernel) onSync(token string) {
	// Drop a stale token nobody waits for anymore
	select {
	case <-k.synced:
	default:
	}
	k.synced <- token
}

func (k *Kernel) logEvaluation(count int, elapsed time.Duration, err error) {
	if !k.logger.Enabled(context.Background(), slog.LevelDebug) {
		return
	}
	info, snapErr := sysmon.Self()
	if snapErr != nil {
		k.logger.Debug("Failed to read process info", "error", snapErr)
	}
	k.logger.Debug("Evaluation finished",
		"executionCount", count,
		"duration", elapsed,
		"failed", err != nil,
		"process", info,
	)
}

// ListenerErr returns why the display listener stopped, once it has
func (k *Kernel) ListenerErr() error {
	select {
	case <-k.listenerDone:
		return k.listenerErr
	default:
		return nil
	}
}

// Close shuts down the interpreter and the display channel
func (k *Kernel) Close() error {
	k.closeOnce.Do(func() {
		k.mu.Lock()
		defer k.mu.Unlock()

		var errs []error
		if err := k.interp.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close interpreter: %w", err))
		}
		if err := k.displayW.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close display channel: %w", err))
		}

		// A process the interpreter started may still hold the write side
		select {
		case <-k.listenerDone:
		case <-time.After(defaultCloseTimeout):
			k.logger.Warn("Display channel still open elsewhere, closing reader")
		}
		if err := k.displayR.Close(); err != nil && !errors.Is(err, os.ErrClosed) {
			errs = append(errs, fmt.Errorf("failed to close display reader: %w", err))
		}
		<-k.listenerDone

		k.closeErr = errors.Join(errs...)
		k.logger.Info("Kernel stopped", "session", k.opts.Session)
	})
	return k.closeErr
}
