package interptest

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"kernelbridge/internal/capture"
	"kernelbridge/internal/interp"
	"kernelbridge/pkg/mimedict"
)

func TestFake_Script(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out")
	out, err := os.Create(path)
	require.NoError(t, err)
	defer func() { _ = out.Close() }()

	r, w, err := os.Pipe()
	require.NoError(t, err)
	defer func() { _ = r.Close() }()

	f := &Fake{OutputFD: int(out.Fd()), ErrorFD: int(out.Fd())}
	in, err := f.Factory()(interp.CreateOptions{Display: w})
	require.NoError(t, err)

	res, err := in.Evaluate(context.Background(), "print hello\n\neprint oops\nbuffer later\ndisplay text/plain hi there\nresult 42")
	require.NoError(t, err)
	require.Equal(t, "42", res.Text)
	in.Flush(capture.Output)
	in.Release(res)

	dict, err := mimedict.NewDecoder(r).Decode()
	require.NoError(t, err)
	require.Equal(t, mimedict.New("text/plain", "hi there"), dict)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, "hello\noops\nlater", string(data))

	require.Equal(t, 1, f.Flushes(capture.Output))
	require.Equal(t, 1, f.Released())
	require.Len(t, f.Calls(), 1)
}

func TestFake_Fail(t *testing.T) {
	f := &Fake{}
	_, err := f.Evaluate(context.Background(), "fail")
	require.ErrorIs(t, err, interp.ErrEvaluationFailed)

	_, err = f.Evaluate(context.Background(), "launch rockets")
	require.ErrorIs(t, err, interp.ErrEvaluationFailed)

	_, err = f.Evaluate(context.Background(), "display text/plain x")
	require.ErrorIs(t, err, interp.ErrEvaluationFailed)
}
