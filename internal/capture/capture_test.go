package capture

import (
	"bytes"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/creack/pty"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
	"golang.org/x/text/encoding/unicode"

	"kernelbridge/internal/sysmon"
)

type collector struct {
	mu     sync.Mutex
	chunks []string
	stream []Stream
}

func (c *collector) WriteStream(stream Stream, text string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.chunks = append(c.chunks, text)
	c.stream = append(c.stream, stream)
}

func (c *collector) text() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return strings.Join(c.chunks, "")
}

// newTarget returns a descriptor standing in for stdout. It points at a temp file, so
// the test can check where writes end up without touching the real descriptor 1.
func newTarget(t *testing.T) (*os.File, int, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "target")
	f, err := os.Create(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = f.Close() })
	return f, int(f.Fd()), path
}

func write(t *testing.T, fd int, s string) {
	t.Helper()
	data := []byte(s)
	for len(data) > 0 {
		n, err := unix.Write(fd, data)
		require.NoError(t, err)
		data = data[n:]
	}
}

func TestBegin_InvalidStream(t *testing.T) {
	g, err := Begin("stdin", &collector{}, Options{})
	require.Nil(t, g)
	require.ErrorIs(t, err, ErrInvalidStream)
}

func TestGuard_ForwardsWrites(t *testing.T) {
	_, fd, _ := newTarget(t)
	c := &collector{}

	g, err := Begin(Output, c, Options{FD: fd})
	require.NoError(t, err)
	write(t, fd, "hello\n")
	write(t, fd, "world")
	require.NoError(t, g.End())

	require.Equal(t, "hello\nworld", c.text())
	for _, s := range c.stream {
		require.Equal(t, Output, s)
	}
}

func TestGuard_RestoresDescriptor(t *testing.T) {
	_, fd, path := newTarget(t)
	c := &collector{}

	write(t, fd, "before\n")
	g, err := Begin(Error, c, Options{FD: fd})
	require.NoError(t, err)
	write(t, fd, "during\n")
	require.NoError(t, g.End())
	write(t, fd, "after\n")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, "before\nafter\n", string(data))
	require.Equal(t, "during\n", c.text())
}

func TestGuard_RestoresDescriptorOnErrorPath(t *testing.T) {
	_, fd, path := newTarget(t)
	c := &collector{}
	errBoom := errors.New("boom")

	run := func() (err error) {
		g, err := Begin(Output, c, Options{FD: fd})
		if err != nil {
			return err
		}
		defer func() { err = errors.Join(err, g.End()) }()
		write(t, fd, "partial")
		return errBoom
	}
	require.ErrorIs(t, run(), errBoom)

	write(t, fd, "restored")
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, "restored", string(data))
	require.Equal(t, "partial", c.text())
}

func TestGuard_LargeOutputSpansChunks(t *testing.T) {
	_, fd, _ := newTarget(t)
	c := &collector{}

	var want strings.Builder
	for i := 0; want.Len() < 200_000; i++ {
		want.WriteString("line ")
		want.WriteString(strings.Repeat("x", i%97))
		want.WriteString("\n")
	}

	g, err := Begin(Output, c, Options{FD: fd, ChunkSize: 64})
	require.NoError(t, err)
	write(t, fd, want.String())
	require.NoError(t, g.End())

	require.Equal(t, want.String(), c.text())
	require.Greater(t, len(c.chunks), 1)
}

func TestGuard_InvalidUTF8(t *testing.T) {
	_, fd, _ := newTarget(t)
	c := &collector{}

	parts := []string{"ok ", "\xe2\x82", "\xac euro ", "\xff\xfe bad ", "\xf0\x9f", "\x98\x80", " tail\xe2"}
	g, err := Begin(Output, c, Options{FD: fd, ChunkSize: 3})
	require.NoError(t, err)
	for _, p := range parts {
		write(t, fd, p)
		time.Sleep(2 * time.Millisecond)
	}
	require.NoError(t, g.End())

	want, err := unicode.UTF8.NewDecoder().String(strings.Join(parts, ""))
	require.NoError(t, err)
	require.Equal(t, want, c.text())
	require.Contains(t, c.text(), "€ euro")
	require.Contains(t, c.text(), "😀")
}

func TestTextDecoder_CarriesSplitRune(t *testing.T) {
	d := newTextDecoder()
	require.Equal(t, "a", d.decode([]byte("a\xe2")))
	require.Equal(t, "", d.decode([]byte("\x82")))
	require.Equal(t, "€b", d.decode([]byte("\xacb")))
	require.Equal(t, "", d.flush())

	require.Equal(t, "", d.decode([]byte("\xe2\x82")))
	require.Equal(t, "��", d.flush())
}

func TestBegin_SameStreamTwice(t *testing.T) {
	_, fd, _ := newTarget(t)

	g, err := Begin(Output, &collector{}, Options{FD: fd})
	require.NoError(t, err)

	_, err = Begin(Output, &collector{}, Options{FD: fd})
	require.ErrorIs(t, err, ErrStreamBusy)

	// A different stream may be captured at the same time
	_, fd2, _ := newTarget(t)
	g2, err := Begin(Error, &collector{}, Options{FD: fd2})
	require.NoError(t, err)
	require.NoError(t, g2.End())

	require.NoError(t, g.End())

	g, err = Begin(Output, &collector{}, Options{FD: fd})
	require.NoError(t, err)
	require.NoError(t, g.End())
}

func TestGuard_EndIsIdempotent(t *testing.T) {
	_, fd, _ := newTarget(t)
	g, err := Begin(Output, &collector{}, Options{FD: fd})
	require.NoError(t, err)
	require.NoError(t, g.End())
	require.NoError(t, g.End())
}

func TestGuard_FlushWhenIdle(t *testing.T) {
	_, fd, _ := newTarget(t)
	c := &collector{}

	// Simulates a library that keeps output in its own buffer until flushed
	var mu sync.Mutex
	buffered := "from buffer"
	var flushes atomic.Int32
	flush := func() {
		flushes.Add(1)
		mu.Lock()
		defer mu.Unlock()
		if buffered != "" {
			_, _ = unix.Write(fd, []byte(buffered))
			buffered = ""
		}
	}

	g, err := Begin(Output, c, Options{FD: fd, FlushInterval: 10 * time.Millisecond, Flush: flush})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return c.text() == "from buffer"
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, g.End())
	require.GreaterOrEqual(t, flushes.Load(), int32(2))
}

func TestGuard_FinalFlushIsForwarded(t *testing.T) {
	_, fd, _ := newTarget(t)
	c := &collector{}

	var pending atomic.Bool
	pending.Store(true)
	flush := func() {
		if pending.CompareAndSwap(true, false) {
			_, _ = unix.Write(fd, []byte("tail"))
		}
	}

	// A long interval: only the flush in End can deliver the data
	g, err := Begin(Output, c, Options{FD: fd, FlushInterval: time.Hour, Flush: flush})
	require.NoError(t, err)
	require.NoError(t, g.End())
	require.Equal(t, "tail", c.text())
}

func TestGuard_ChildProcessOutput(t *testing.T) {
	target, fd, path := newTarget(t)
	c := &collector{}

	g, err := Begin(Output, c, Options{FD: fd})
	require.NoError(t, err)

	cmd := exec.Command("sh", "-c", "echo from child; printf 'no newline'")
	cmd.Stdout = target
	require.NoError(t, cmd.Run())
	require.NoError(t, g.End())

	require.Equal(t, "from child\nno newline", c.text())
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Empty(t, data)
}

func TestGuard_PTYMode(t *testing.T) {
	ptmx, tty, err := pty.Open()
	if err != nil {
		t.Skipf("no pseudo terminal available: %v", err)
	}
	_ = ptmx.Close()
	_ = tty.Close()

	_, fd, _ := newTarget(t)
	c := &collector{}

	g, err := Begin(Output, c, Options{FD: fd, Mode: ModePTY})
	require.NoError(t, err)
	require.Equal(t, 1, isTerminal(fd))
	write(t, fd, "line one\nline two\n")
	require.NoError(t, g.End())

	require.Equal(t, "line one\nline two\n", c.text())
	require.Equal(t, 0, isTerminal(fd))
}

func TestGuard_PTYModeEndDoesNotWaitForFlushInterval(t *testing.T) {
	ptmx, tty, err := pty.Open()
	if err != nil {
		t.Skipf("no pseudo terminal available: %v", err)
	}
	_ = ptmx.Close()
	_ = tty.Close()

	_, fd, _ := newTarget(t)
	c := &collector{}

	g, err := Begin(Output, c, Options{FD: fd, Mode: ModePTY, FlushInterval: 2 * time.Second})
	require.NoError(t, err)
	write(t, fd, "x")
	time.Sleep(20 * time.Millisecond)

	start := time.Now()
	require.NoError(t, g.End())
	require.Less(t, time.Since(start), 500*time.Millisecond)
	require.Equal(t, "x", c.text())
}

func TestGuard_ConcurrentWriterLosesNothing(t *testing.T) {
	const total = 2000

	for i := 0; i < 20; i++ {
		f, fd, path := newTarget(t)
		c := &collector{}

		g, err := Begin(Output, c, Options{FD: fd, FlushInterval: time.Millisecond})
		require.NoError(t, err)

		done := make(chan struct{})
		go func() {
			defer close(done)
			for j := 0; j < total; j++ {
				_, _ = unix.Write(fd, []byte{'x'})
			}
		}()
		time.Sleep(time.Millisecond)
		require.NoError(t, g.End())
		<-done

		// Every byte went either through the capture or, after the restore, to the file
		require.NoError(t, f.Sync())
		written, err := os.ReadFile(path)
		require.NoError(t, err)
		require.Equal(t, total, len(c.text())+len(written), "round %d", i)
	}
}

func isTerminal(fd int) int {
	if _, err := unix.IoctlGetTermios(fd, ioctlGetTermios); err != nil {
		return 0
	}
	return 1
}

func TestGuard_NoDescriptorLeak(t *testing.T) {
	_, fd, _ := newTarget(t)

	warmup, err := Begin(Output, &collector{}, Options{FD: fd})
	require.NoError(t, err)
	require.NoError(t, warmup.End())

	before, err := sysmon.Self()
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		g, err := Begin(Output, &collector{}, Options{FD: fd})
		require.NoError(t, err)
		write(t, fd, "x")
		require.NoError(t, g.End())
	}

	after, err := sysmon.Self()
	require.NoError(t, err)
	require.Equal(t, before.NumFDs, after.NumFDs)
}

func TestDupStream(t *testing.T) {
	f, err := DupStream(Error)
	require.NoError(t, err)
	defer func() { _ = f.Close() }()
	require.NotEqual(t, uintptr(2), f.Fd())

	_, err = DupStream(Stream("bogus"))
	require.ErrorIs(t, err, ErrInvalidStream)
}

func TestRedirectError(t *testing.T) {
	err := error(&RedirectError{Stream: Output, Op: "dup2", Err: unix.EBADF})
	require.ErrorIs(t, err, unix.EBADF)
	var re *RedirectError
	require.True(t, errors.As(err, &re))
	require.Equal(t, "dup2", re.Op)
	require.True(t, bytes.Contains([]byte(err.Error()), []byte("output")))
}
