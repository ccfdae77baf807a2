// Package display reads MIME dictionaries the interpreter pushes over the display
// channel and hands them to the kernel for publication.
package display

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"kernelbridge/pkg/markdown"
	"kernelbridge/pkg/mimedict"
)

const (
	MIMEMarkdown = "text/markdown"
	MIMEHTML     = "text/html"

	// SyncKey marks a sync message: a single entry dictionary the kernel writes itself
	// to learn that everything sent before it has been published. It is never published.
	SyncKey = "application/vnd.kernelbridge.sync"
)

// Option configures a Listener
type Option func(*Listener)

// WithMarkdown adds a sanitized text/html rendering to payloads that carry
// text/markdown but no text/html
func WithMarkdown(opts markdown.Options) Option {
	return func(l *Listener) {
		l.markdown = &opts
	}
}

// WithSync registers the callback for sync messages. It receives the message's value.
func WithSync(fn func(token string)) Option {
	return func(l *Listener) {
		l.sync = fn
	}
}

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(l *Listener) {
		l.logger = logger
	}
}

// Listener decodes one dictionary after the other until the channel is closed
type Listener struct {
	dec      *mimedict.Decoder
	publish  func(mimedict.Dict)
	markdown *markdown.Options
	sync     func(string)
	logger   *slog.Logger
}

// NewListener returns a listener reading from r. publish is called from the goroutine
// running Run, in channel order.
func NewListener(r io.Reader, publish func(mimedict.Dict), opts ...Option) *Listener {
	l := &Listener{
		dec:     mimedict.NewDecoder(r),
		publish: publish,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Run blocks until the channel ends. It returns nil when the writer side was closed or
// the reader was closed under it, and the framing error when a malformed message
// arrived. The channel is never read again after a framing error.
func (l *Listener) Run() (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("display listener: panic: %v", r)
			l.logger.Error("Display listener stopped", "error", err)
		}
	}()

	count := 0
	for {
		dict, err := l.dec.Decode()
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, os.ErrClosed) {
				l.logger.Debug("Display channel closed", "messages", count)
				return nil
			}
			l.logger.Error("Display channel broken, listener stopped", "error", err, "messages", count)
			return err
		}
		if token, ok := dict.Get(SyncKey); ok && dict.Len() == 1 {
			if l.sync != nil {
				l.sync(token)
			}
			continue
		}
		count++
		if l.markdown != nil {
			dict = enrich(dict, *l.markdown)
		}
		l.publish(dict)
	}
}

// enrich returns dict with a text/html rendering of its text/markdown entry
func enrich(dict mimedict.Dict, opts markdown.Options) mimedict.Dict {
	src, ok := dict.Get(MIMEMarkdown)
	if !ok || dict.Has(MIMEHTML) {
		return dict
	}
	out := mimedict.New()
	for _, e := range dict.Entries() {
		out.Set(e.Key, e.Value)
	}
	out.Set(MIMEHTML, markdown.RenderWithOptions(src, opts))
	return out
}
