package sysmon

import (
	"bytes"
	"log/slog"
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSelf(t *testing.T) {
	info, err := Self()
	require.NoError(t, err)
	require.Equal(t, int32(os.Getpid()), info.PID)
	// stdin, stdout and stderr at least
	require.GreaterOrEqual(t, info.NumFDs, int32(3))
	require.Greater(t, info.NumThreads, int32(0))
}

func TestSelf_CountsNewDescriptors(t *testing.T) {
	// The first os.Pipe may set up the runtime poller, which opens descriptors of its own
	r0, w0, err := os.Pipe()
	require.NoError(t, err)
	_ = r0.Close()
	_ = w0.Close()

	before, err := Self()
	require.NoError(t, err)

	r, w, err := os.Pipe()
	require.NoError(t, err)

	during, err := Self()
	require.NoError(t, err)
	require.Equal(t, before.NumFDs+2, during.NumFDs)

	require.NoError(t, r.Close())
	require.NoError(t, w.Close())

	after, err := Self()
	require.NoError(t, err)
	require.Equal(t, before.NumFDs, after.NumFDs)
}

func TestSnapshot_UnknownPID(t *testing.T) {
	_, err := Snapshot(-1)
	require.Error(t, err)
}

func TestLogValue(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	logger.Info("snapshot", "process", &ProcessInfo{PID: 7, NumFDs: 9})
	require.Contains(t, buf.String(), "process.pid=7")
	require.Contains(t, buf.String(), "process.fds=9")

	buf.Reset()
	var missing *ProcessInfo
	logger.Info("snapshot", "process", missing)
	require.Contains(t, buf.String(), "process=unavailable")
}
