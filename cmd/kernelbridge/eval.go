package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"kernelbridge/internal/capture"
	"kernelbridge/internal/iopub"
	"kernelbridge/internal/kernel"
)

var stopOnError bool

var evalCmd = &cobra.Command{
	Use:   "eval cell [cell...]",
	Short: "Evaluate cells and print the kernel messages as JSON lines",
	Long: `Evaluate each argument as one cell, "-" reads a cell from stdin.

Every message the kernel sends, the execute replies included, is written to stdout as one
JSON document per line. The exit status is non-zero if a cell failed.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}

		// The transcript must bypass the capture of descriptor 1
		out, err := capture.DupStream(capture.Output)
		if err != nil {
			return err
		}
		defer func() { _ = out.Close() }()
		w := iopub.NewWriter(out)
		defer w.Close()

		k, err := newKernel(cfg, w)
		if err != nil {
			return err
		}
		defer func() { _ = k.Close() }()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return evalCells(ctx, k, w, args, cmd.InOrStdin())
	},
}

func init() {
	evalCmd.Flags().BoolVar(&stopOnError, "stop-on-error", false, "Skip the remaining cells after a failed one")
}

func evalCells(ctx context.Context, k *kernel.Kernel, sink iopub.Sink, cells []string, stdin io.Reader) error {
	failed := 0
	for i, cell := range cells {
		code, err := cellSource(cell, stdin)
		if err != nil {
			return err
		}

		parent := iopub.NewHeader(k.Session(), iopub.MsgExecuteRequest)
		reply, err := k.Execute(ctx, parent, kernel.ExecuteRequest{Code: code, StoreHistory: true})
		sink.Send(k.Publisher().Reply(parent, reply))
		if err != nil {
			return fmt.Errorf("cell %d: %w", i+1, err)
		}
		if reply.Status != kernel.StatusOK {
			failed++
			if stopOnError {
				break
			}
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d cells failed", failed, len(cells))
	}
	return nil
}

func cellSource(arg string, stdin io.Reader) (string, error) {
	if arg != "-" {
		return arg, nil
	}
	data, err := io.ReadAll(stdin)
	if err != nil {
		return "", fmt.Errorf("failed to read cell from stdin: %w", err)
	}
	return string(data), nil
}
