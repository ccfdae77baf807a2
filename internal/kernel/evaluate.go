package kernel

import (
	"context"
	"errors"

	"kernelbridge/internal/capture"
	"kernelbridge/internal/interp"
	"kernelbridge/internal/iopub"
)

// evaluate runs code with both standard streams captured. When it returns, the
// forwarders have finished and every captured chunk has been published.
func (k *Kernel) evaluate(ctx context.Context, parent iopub.Header, code string) (res *interp.Result, err error) {
	sink := capture.SinkFunc(func(stream capture.Stream, text string) {
		k.pub.Publish(parent, iopub.MsgStream, iopub.Stream{Name: string(stream), Text: text})
	})

	stdout, err := capture.Begin(capture.Output, sink, k.captureOptions(capture.Output))
	if err != nil {
		return nil, err
	}
	defer func() { err = endGuard(stdout, err) }()

	stderr, err := capture.Begin(capture.Error, sink, k.captureOptions(capture.Error))
	if err != nil {
		return nil, err
	}
	defer func() { err = endGuard(stderr, err) }()

	return k.interp.Evaluate(ctx, code)
}

func (k *Kernel) captureOptions(stream capture.Stream) capture.Options {
	opts := k.opts.Capture
	opts.Flush = func() { k.interp.Flush(stream) }
	if stream == capture.Output {
		opts.FD = k.opts.OutputFD
	} else {
		opts.FD = k.opts.ErrorFD
	}
	return opts
}

func endGuard(g *capture.Guard, err error) error {
	if endErr := g.End(); endErr != nil {
		return errors.Join(err, endErr)
	}
	return err
}

// isCaptureFailure reports whether err means the streams could not be captured or
// restored, as opposed to the interpreter rejecting the code
func isCaptureFailure(err error) bool {
	var redirect *capture.RedirectError
	return errors.As(err, &redirect) ||
		errors.Is(err, capture.ErrStreamBusy) ||
		errors.Is(err, capture.ErrInvalidStream)
}
