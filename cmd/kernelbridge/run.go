package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"kernelbridge/internal/auth"
	"kernelbridge/internal/config"
	"kernelbridge/internal/interp/shell"
	"kernelbridge/internal/iopub"
	"kernelbridge/internal/kernel"
	"kernelbridge/internal/transport"
)

const tokenEnv = "KERNELBRIDGE_TOKEN"

var (
	listenAddr string
	tokenFile  string
	allowRoot  bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the kernel and accept front-end connections",
	Long: `Start the kernel and serve the websocket transport on /api/kernel.

The connection token is read from $` + tokenEnv + `. Without it a token is generated;
use --token-file to store it for the front-end.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := checkRootUser(allowRoot); err != nil {
			return err
		}
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		if cmd.Flags().Changed("listen") {
			cfg.Listen = listenAddr
		}
		if cmd.Flags().Changed("token-file") {
			cfg.TokenFile = tokenFile
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return serve(ctx, cfg)
	},
}

func init() {
	runCmd.Flags().StringVarP(&listenAddr, "listen", "l", config.DefaultListen, "Address to listen on")
	runCmd.Flags().StringVar(&tokenFile, "token-file", "", "Write the connection token to this file")
	runCmd.Flags().BoolVar(&allowRoot, "allow-root", false, "Allow running as root user (not recommended for security reasons)")
}

// checkRootUser returns an error if running as root and allowRoot is false
func checkRootUser(allowRoot bool) error {
	if os.Geteuid() == 0 && !allowRoot {
		return fmt.Errorf("running as root is not allowed for security reasons. Use --allow-root to override")
	}
	return nil
}

func newKernel(cfg *config.Config, sink iopub.Sink) (*kernel.Kernel, error) {
	return kernel.New(kernel.Options{
		Factory: shell.Factory(shell.Options{
			Command: cfg.Command(),
			Dir:     cfg.Interpreter.Dir,
		}),
		Args:        cfg.Interpreter.Args,
		ResourceDir: cfg.Interpreter.ResourceDir,
		Sink:        sink,
		Capture:     cfg.CaptureOptions(),
		Markdown:    cfg.Display.Markdown,
		Language:    cfg.LanguageInfo(),
		Banner:      cfg.Banner,
		SyncTimeout: cfg.SyncTimeout(),
	})
}

func serve(ctx context.Context, cfg *config.Config) error {
	token := os.Getenv(tokenEnv)
	if token == "" {
		token = auth.GenerateToken()
	}
	a, err := auth.New(token)
	if err != nil {
		return fmt.Errorf("$%s: %w", tokenEnv, err)
	}
	if cfg.TokenFile != "" {
		if err := auth.WriteTokenFile(cfg.TokenFile, token); err != nil {
			return err
		}
		slog.Info("Connection token written", "path", cfg.TokenFile)
	}

	hub := transport.NewHub()
	k, err := newKernel(cfg, hub)
	if err != nil {
		return err
	}
	defer func() {
		if err := k.Close(); err != nil {
			slog.Error("Failed to close kernel", "error", err)
		}
	}()

	ln, err := net.Listen("tcp", cfg.ListenAddr())
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	if cfg.TokenFile == "" {
		slog.Info("Connect with token", "url", fmt.Sprintf("ws://%s%s?token=%s", ln.Addr(), transport.KernelPath, token))
	}

	s := transport.New(transport.Options{Kernel: k, Hub: hub, Auth: a})
	return s.Serve(ctx, ln)
}
