package iopub

import (
	"encoding/json"
	"io"
	"log/slog"
	"sync"
)

// Writer is a Sink that writes one JSON document per line to an io.Writer. A single
// goroutine owns the io.Writer, so Send can be called from anywhere.
type Writer struct {
	mu       sync.RWMutex
	closed   bool
	messages chan Message
	done     chan struct{}
}

var _ Sink = &Writer{}

// NewWriter starts the goroutine writing to w. It runs until Close is called.
func NewWriter(w io.Writer) *Writer {
	messages := make(chan Message, 100)
	done := make(chan struct{})

	go func() {
		defer close(done)
		enc := json.NewEncoder(w)
		for msg := range messages {
			if err := enc.Encode(msg); err != nil {
				slog.Error("Failed to write message", "msgType", msg.Header.MsgType, "error", err)
			}
		}
	}()

	return &Writer{
		messages: messages,
		done:     done,
	}
}

// Send queues msg. Messages sent after Close are dropped.
func (w *Writer) Send(msg Message) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		slog.Debug("Dropping message sent after close", "msgType", msg.Header.MsgType)
		return
	}
	w.messages <- msg
}

// Close stops accepting messages and waits until all queued ones are written
func (w *Writer) Close() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	close(w.messages)
	w.mu.Unlock()
	<-w.done
}
