package kernel

// Reply status
const (
	StatusOK    = "ok"
	StatusError = "error"
)

type ExecuteRequest struct {
	Code         string `json:"code"`
	Silent       bool   `json:"silent"`
	StoreHistory bool   `json:"store_history"`
	AllowStdin   bool   `json:"allow_stdin"`
	StopOnError  bool   `json:"stop_on_error"`
}

type ExecuteReply struct {
	Status         string `json:"status"`
	ExecutionCount int    `json:"execution_count"`

	// Set when Status is StatusError. An error reply carries an empty, non-nil
	// Traceback so it is sent as [].
	EName     string   `json:"ename,omitempty"`
	EValue    string   `json:"evalue,omitempty"`
	Traceback []string `json:"traceback,omitzero"`

	Payload         []any          `json:"payload"`
	UserExpressions map[string]any `json:"user_expressions"`
}

type CompleteRequest struct {
	Code      string `json:"code"`
	CursorPos int    `json:"cursor_pos"`
}

// CompleteReply lists strings to insert between CursorStart and CursorEnd
type CompleteReply struct {
	Status      string         `json:"status"`
	Matches     []string       `json:"matches"`
	CursorStart int            `json:"cursor_start"`
	CursorEnd   int            `json:"cursor_end"`
	Metadata    map[string]any `json:"metadata"`
}

type LanguageInfo struct {
	Name           string `json:"name" yaml:"name"`
	Version        string `json:"version" yaml:"version"`
	MimeType       string `json:"mimetype" yaml:"mimetype"`
	FileExtension  string `json:"file_extension" yaml:"file_extension"`
	CodemirrorMode string `json:"codemirror_mode,omitempty" yaml:"codemirror_mode"`
}

type KernelInfoReply struct {
	Status                string       `json:"status"`
	ProtocolVersion       string       `json:"protocol_version"`
	Implementation        string       `json:"implementation"`
	ImplementationVersion string       `json:"implementation_version"`
	LanguageInfo          LanguageInfo `json:"language_info"`
	Banner                string       `json:"banner"`
}

type ShutdownRequest struct {
	Restart bool `json:"restart"`
}

type ShutdownReply struct {
	Status  string `json:"status"`
	Restart bool   `json:"restart"`
}
