// Package iopub defines the messages the kernel sends to the front-end and the sinks
// that carry them.
package iopub

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"

	"kernelbridge/pkg/mimedict"
)

// Channel a message travels on
const (
	ChannelShell = "shell"
	ChannelIOPub = "iopub"
)

// Message types
const (
	MsgStream        = "stream"
	MsgDisplayData   = "display_data"
	MsgExecuteResult = "execute_result"
	MsgError         = "error"
	MsgStatus        = "status"

	MsgExecuteRequest    = "execute_request"
	MsgExecuteReply      = "execute_reply"
	MsgCompleteRequest   = "complete_request"
	MsgCompleteReply     = "complete_reply"
	MsgKernelInfoRequest = "kernel_info_request"
	MsgKernelInfoReply   = "kernel_info_reply"
	MsgShutdownRequest   = "shutdown_request"
	MsgShutdownReply     = "shutdown_reply"
)

// Execution states carried by Status
const (
	StateBusy     = "busy"
	StateIdle     = "idle"
	StateStarting = "starting"
)

// ReplyType returns the reply message type for a request type, e.g. execute_reply for
// execute_request.
func ReplyType(requestType string) string {
	if base, ok := strings.CutSuffix(requestType, "_request"); ok {
		return base + "_reply"
	}
	return requestType + "_reply"
}

// Header identifies a message. The header of a request is the correlation token of
// everything sent because of it.
type Header struct {
	MsgID   string `json:"msg_id,omitempty"`
	MsgType string `json:"msg_type,omitempty"`
	Session string `json:"session,omitempty"`
	Date    string `json:"date,omitempty"`
}

// NewHeader returns a header with a fresh message id
func NewHeader(session, msgType string) Header {
	return Header{
		MsgID:   uuid.NewString(),
		MsgType: msgType,
		Session: session,
		Date:    time.Now().UTC().Format(time.RFC3339Nano),
	}
}

// Message is one envelope on the wire
type Message struct {
	Channel string `json:"channel"`
	Header  Header `json:"header"`
	Parent  Header `json:"parent_header"`
	Content any    `json:"content"`
}

// Request is an inbound envelope. Content is decoded once the message type is known.
type Request struct {
	Header  Header          `json:"header"`
	Parent  Header          `json:"parent_header"`
	Content json.RawMessage `json:"content"`
}

// Stream carries captured output or error text
type Stream struct {
	Name string `json:"name"`
	Text string `json:"text"`
}

// DisplayData carries a payload the interpreter pushed over the display channel
type DisplayData struct {
	Data     mimedict.Dict  `json:"data"`
	Metadata map[string]any `json:"metadata"`
}

// ExecuteResult carries the printable value of an evaluation
type ExecuteResult struct {
	ExecutionCount int               `json:"execution_count"`
	Data           map[string]string `json:"data"`
	Metadata       map[string]any    `json:"metadata"`
}

// Error reports a failed evaluation
type Error struct {
	EName     string   `json:"ename"`
	EValue    string   `json:"evalue"`
	Traceback []string `json:"traceback"`
}

// Status reports whether the kernel is busy with a request
type Status struct {
	ExecutionState string `json:"execution_state"`
}

// Sink receives messages. Implementations must keep the order of Send calls made from
// one goroutine.
type Sink interface {
	Send(msg Message)
}

// Publisher stamps iopub messages with a header and parent before handing them to a sink
type Publisher struct {
	session string
	sink    Sink
}

// NewPublisher returns a Publisher for session
func NewPublisher(session string, sink Sink) *Publisher {
	return &Publisher{session: session, sink: sink}
}

// Session returns the session id used in headers
func (p *Publisher) Session() string {
	return p.session
}

// Publish sends content as an iopub message of msgType answering parent
func (p *Publisher) Publish(parent Header, msgType string, content any) Message {
	msg := Message{
		Channel: ChannelIOPub,
		Header:  NewHeader(p.session, msgType),
		Parent:  parent,
		Content: content,
	}
	p.sink.Send(msg)
	return msg
}

// Reply builds the shell channel answer to the request with header parent
func (p *Publisher) Reply(parent Header, content any) Message {
	return Message{
		Channel: ChannelShell,
		Header:  NewHeader(p.session, ReplyType(parent.MsgType)),
		Parent:  parent,
		Content: content,
	}
}
