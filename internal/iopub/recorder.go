package iopub

import "sync"

// Recorder is a Sink keeping every message in memory
type Recorder struct {
	mu       sync.Mutex
	messages []Message
}

var _ Sink = &Recorder{}

func (r *Recorder) Send(msg Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, msg)
}

// Messages returns a copy of the recorded messages in send order
func (r *Recorder) Messages() []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Message(nil), r.messages...)
}

// Types returns the message types in send order
func (r *Recorder) Types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	types := make([]string, 0, len(r.messages))
	for _, m := range r.messages {
		types = append(types, m.Header.MsgType)
	}
	return types
}

// Reset forgets all recorded messages
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = nil
}
