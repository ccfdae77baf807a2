package kernel

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"kernelbridge/internal/interp/shell"
	"kernelbridge/internal/iopub"
	"kernelbridge/pkg/mimedict"
)

// printfDisplay returns a shell command writing dict to the display descriptor
func printfDisplay(t *testing.T, dict mimedict.Dict) string {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, mimedict.Encode(&buf, dict, 4))
	var b strings.Builder
	for _, c := range buf.Bytes() {
		fmt.Fprintf(&b, `\%03o`, c)
	}
	return fmt.Sprintf("printf '%s' >&3", b.String())
}

func TestExecute_ShellInterpreter(t *testing.T) {
	dir := t.TempDir()
	stdout, err := os.Create(filepath.Join(dir, "stdout"))
	require.NoError(t, err)
	defer func() { _ = stdout.Close() }()
	stderr, err := os.Create(filepath.Join(dir, "stderr"))
	require.NoError(t, err)
	defer func() { _ = stderr.Close() }()

	rec := &iopub.Recorder{}
	k, err := New(Options{
		Factory:  shell.Factory(shell.Options{Stdout: stdout, Stderr: stderr}),
		Sink:     rec,
		OutputFD: int(stdout.Fd()),
		ErrorFD:  int(stderr.Fd()),
	})
	require.NoError(t, err)
	defer func() { require.NoError(t, k.Close()) }()

	code := strings.Join([]string{
		"echo hello",
		printfDisplay(t, mimedict.New("text/plain", "shown")),
		"echo warning >&2",
		"echo 42 >&4",
	}, "\n")
	reply, err := k.Execute(context.Background(), request("req-1"), ExecuteRequest{Code: code})
	require.NoError(t, err)
	require.Equal(t, StatusOK, reply.Status)

	var streams []iopub.Stream
	var displays []mimedict.Dict
	for _, m := range rec.Messages() {
		switch c := m.Content.(type) {
		case iopub.Stream:
			streams = append(streams, c)
		case iopub.DisplayData:
			displays = append(displays, c.Data)
		}
	}
	require.ElementsMatch(t, []iopub.Stream{
		{Name: "output", Text: "hello\n"},
		{Name: "error", Text: "warning\n"},
	}, streams)
	require.Equal(t, []mimedict.Dict{mimedict.New("text/plain", "shown")}, displays)

	types := rec.Types()
	require.Equal(t, iopub.MsgExecuteResult, types[len(types)-1])
	result := rec.Messages()[len(types)-1].Content.(iopub.ExecuteResult)
	require.Equal(t, "42", result.Data["text/plain"])

	// Nothing leaked to the real files while captured
	data, err := os.ReadFile(stdout.Name())
	require.NoError(t, err)
	require.Empty(t, data)

	reply, err = k.Execute(context.Background(), request("req-2"), ExecuteRequest{Code: "exit 1"})
	require.NoError(t, err)
	require.Equal(t, StatusError, reply.Status)
}
