package main

import (
	"encoding/base64"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"kernelbridge/pkg/mimedict"
)

func TestBuildDisplayDict(t *testing.T) {
	dir := t.TempDir()
	png := filepath.Join(dir, "plot.png")
	require.NoError(t, os.WriteFile(png, []byte{0x89, 'P', 'N', 'G'}, 0o644))
	svg := filepath.Join(dir, "plot.svg")
	require.NoError(t, os.WriteFile(svg, []byte("<svg/>"), 0o644))

	dict, err := buildDisplayDict(
		[]string{"text/plain=a=b", "text/html=<b>x</b>"},
		[]string{"image/png=" + png, "image/svg+xml=" + svg},
	)
	require.NoError(t, err)

	require.Equal(t, mimedict.New(
		"text/plain", "a=b",
		"text/html", "<b>x</b>",
		"image/png", base64.StdEncoding.EncodeToString([]byte{0x89, 'P', 'N', 'G'}),
		"image/svg+xml", "<svg/>",
	), dict)
}

func TestBuildDisplayDict_Errors(t *testing.T) {
	tests := []struct {
		name  string
		data  []string
		files []string
	}{
		{name: "empty"},
		{name: "no separator", data: []string{"text/plain"}},
		{name: "no subtype", data: []string{"plain=x"}},
		{name: "missing file", files: []string{"image/png=/nonexistent/plot.png"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := buildDisplayDict(tt.data, tt.files)
			require.Error(t, err)
		})
	}
}

func TestCellSource(t *testing.T) {
	code, err := cellSource("echo hi", nil)
	require.NoError(t, err)
	require.Equal(t, "echo hi", code)

	code, err = cellSource("-", strings.NewReader("from stdin\n"))
	require.NoError(t, err)
	require.Equal(t, "from stdin\n", code)
}

func TestCheckRootUser(t *testing.T) {
	require.NoError(t, checkRootUser(true))
	if os.Geteuid() == 0 {
		require.Error(t, checkRootUser(false))
	} else {
		require.NoError(t, checkRootUser(false))
	}
}
