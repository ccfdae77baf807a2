package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"kernelbridge/internal/capture"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "kernelbridge.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	require.Equal(t, DefaultListen, cfg.ListenAddr())
	require.Equal(t, slog.LevelInfo, cfg.LogLevel())
	require.Equal(t, DefaultCommand, cfg.Command())
	require.Equal(t, DefaultSyncTimeout, cfg.SyncTimeout())
	require.Equal(t, DefaultLanguage, cfg.LanguageInfo())
	require.Equal(t, capture.Options{
		FlushInterval: capture.DefaultFlushInterval,
		ChunkSize:     capture.DefaultChunkSize,
		Mode:          capture.ModePipe,
	}, cfg.CaptureOptions())
}

func TestLoad_Overrides(t *testing.T) {
	path := writeConfig(t, `
listen: 0.0.0.0:9999
log_level: debug
interpreter:
  command: [python3, -c]
  args: [kernel]
  resource_dir: /opt/python
capture:
  mode: pty
  flush_interval: 100ms
  chunk_size: 4096
display:
  markdown: true
  sync_timeout: 5s
language:
  name: python
  version: "3.12"
  mimetype: text/x-python
  file_extension: .py
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	require.Equal(t, "0.0.0.0:9999", cfg.ListenAddr())
	require.Equal(t, slog.LevelDebug, cfg.LogLevel())
	require.Equal(t, []string{"python3", "-c"}, cfg.Command())
	require.Equal(t, []string{"kernel"}, cfg.Interpreter.Args)
	require.Equal(t, "/opt/python", cfg.Interpreter.ResourceDir)
	require.True(t, cfg.Display.Markdown)
	require.Equal(t, 5*time.Second, cfg.SyncTimeout())

	opts := cfg.CaptureOptions()
	require.Equal(t, capture.ModePTY, opts.Mode)
	require.Equal(t, 100*time.Millisecond, opts.FlushInterval)
	require.Equal(t, 4096, opts.ChunkSize)

	lang := cfg.LanguageInfo()
	require.Equal(t, "python", lang.Name)
	require.Equal(t, "3.12", lang.Version)
	require.Equal(t, ".py", lang.FileExtension)
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{name: "mode", content: "capture:\n  mode: socket\n"},
		{name: "flush interval", content: "capture:\n  flush_interval: soon\n"},
		{name: "negative sync timeout", content: "display:\n  sync_timeout: -1s\n"},
		{name: "log level", content: "log_level: loud\n"},
		{name: "yaml", content: "listen: [\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.content))
			require.Error(t, err)
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.ErrorIs(t, err, os.ErrNotExist)
}
