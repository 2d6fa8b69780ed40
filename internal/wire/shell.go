package wire

// Reply status values.
const (
	StatusOK    = "ok"
	StatusError = "error"
	StatusAbort = "abort"
)

// ReplyStatus is embedded in every reply. The error fields are set only when
// Status is "error".
type ReplyStatus struct {
	Status    string   `json:"status"`
	EName     string   `json:"ename,omitempty"`
	EValue    string   `json:"evalue,omitempty"`
	Traceback []string `json:"traceback,omitempty"`
}

// OK returns a successful status.
func OK() ReplyStatus { return ReplyStatus{Status: StatusOK} }

// Failed returns an error status describing exc.
func Failed(exc *Exception) ReplyStatus {
	return ReplyStatus{
		Status:    StatusError,
		EName:     exc.EName,
		EValue:    exc.EValue,
		Traceback: exc.Traceback,
	}
}

// MIMEBundle maps MIME types to representations.
type MIMEBundle map[string]any

// KernelInfoRequest asks for kernel and language metadata.
type KernelInfoRequest struct{}

func (KernelInfoRequest) MessageType() string { return MsgKernelInfoRequest }

// LanguageInfo describes the language the engine runs.
type LanguageInfo struct {
	Name              string `json:"name"`
	Version           string `json:"version"`
	MIMEType          string `json:"mimetype"`
	FileExtension     string `json:"file_extension"`
	PygmentsLexer     string `json:"pygments_lexer,omitempty"`
	CodemirrorMode    string `json:"codemirror_mode,omitempty"`
	NBConvertExporter string `json:"nbconvert_exporter,omitempty"`
}

// HelpLink is a documentation link shown by front ends.
type HelpLink struct {
	Text string `json:"text"`
	URL  string `json:"url"`
}

// KernelInfoReply answers KernelInfoRequest.
type KernelInfoReply struct {
	ReplyStatus
	ProtocolVersion       string       `json:"protocol_version"`
	Implementation        string       `json:"implementation"`
	ImplementationVersion string       `json:"implementation_version"`
	LanguageInfo          LanguageInfo `json:"language_info"`
	Banner                string       `json:"banner"`
	Debugger              bool         `json:"debugger"`
	HelpLinks             []HelpLink   `json:"help_links,omitempty"`
}

func (KernelInfoReply) MessageType() string { return MsgKernelInfoReply }

// ExecuteRequest asks the engine to run code.
type ExecuteRequest struct {
	Code            string            `json:"code"`
	Silent          bool              `json:"silent"`
	StoreHistory    bool              `json:"store_history"`
	UserExpressions map[string]string `json:"user_expressions,omitempty"`
	AllowStdin      bool              `json:"allow_stdin"`
	StopOnError     bool              `json:"stop_on_error"`
}

func (ExecuteRequest) MessageType() string { return MsgExecuteRequest }

// ExecuteReply answers ExecuteRequest.
type ExecuteReply struct {
	ReplyStatus
	ExecutionCount  int            `json:"execution_count"`
	UserExpressions map[string]any `json:"user_expressions,omitempty"`
	Payload         []any          `json:"payload,omitempty"`
}

func (ExecuteReply) MessageType() string { return MsgExecuteReply }

// CompleteRequest asks for completions at CursorPos.
type CompleteRequest struct {
	Code      string `json:"code"`
	CursorPos int    `json:"cursor_pos"`
}

func (CompleteRequest) MessageType() string { return MsgCompleteRequest }

// CompleteReply answers CompleteRequest.
type CompleteReply struct {
	ReplyStatus
	Matches     []string       `json:"matches"`
	CursorStart int            `json:"cursor_start"`
	CursorEnd   int            `json:"cursor_end"`
	Metadata    map[string]any `json:"metadata"`
}

func (CompleteReply) MessageType() string { return MsgCompleteReply }

// InspectRequest asks for information about the object at CursorPos.
type InspectRequest struct {
	Code        string `json:"code"`
	CursorPos   int    `json:"cursor_pos"`
	DetailLevel int    `json:"detail_level"`
}

func (InspectRequest) MessageType() string { return MsgInspectRequest }

// InspectReply answers InspectRequest.
type InspectReply struct {
	ReplyStatus
	Found    bool           `json:"found"`
	Data     MIMEBundle     `json:"data"`
	Metadata map[string]any `json:"metadata"`
}

func (InspectReply) MessageType() string { return MsgInspectReply }

// IsCompleteRequest asks whether Code is ready to execute.
type IsCompleteRequest struct {
	Code string `json:"code"`
}

func (IsCompleteRequest) MessageType() string { return MsgIsCompleteRequest }

// Is-complete verdicts.
const (
	CodeComplete   = "complete"
	CodeIncomplete = "incomplete"
	CodeInvalid    = "invalid"
	CodeUnknown    = "unknown"
)

// IsCompleteReply answers IsCompleteRequest. Status carries the verdict.
type IsCompleteReply struct {
	Status string `json:"status"`
	Indent string `json:"indent,omitempty"`
}

func (IsCompleteReply) MessageType() string { return MsgIsCompleteReply }

// History access types.
const (
	HistoryRange  = "range"
	HistoryTail   = "tail"
	HistorySearch = "search"
)

// HistoryRequest asks for previously executed inputs.
type HistoryRequest struct {
	Output         bool   `json:"output"`
	Raw            bool   `json:"raw"`
	HistAccessType string `json:"hist_access_type"`
	Session        int    `json:"session,omitempty"`
	Start          int    `json:"start,omitempty"`
	Stop           int    `json:"stop,omitempty"`
	N              int    `json:"n,omitempty"`
	Pattern        string `json:"pattern,omitempty"`
	Unique         bool   `json:"unique,omitempty"`
}

func (HistoryRequest) MessageType() string { return MsgHistoryRequest }

// HistoryReply answers HistoryRequest. Each entry is [session, line, input]
// or [session, line, [input, output]] when output was requested.
type HistoryReply struct {
	ReplyStatus
	History [][]any `json:"history"`
}

func (HistoryReply) MessageType() string { return MsgHistoryReply }

// CommInfoRequest lists open comms, optionally filtered by target.
type CommInfoRequest struct {
	TargetName string `json:"target_name,omitempty"`
}

func (CommInfoRequest) MessageType() string { return MsgCommInfoRequest }

// CommInfo describes one open comm.
type CommInfo struct {
	TargetName string `json:"target_name"`
}

// CommInfoReply answers CommInfoRequest.
type CommInfoReply struct {
	ReplyStatus
	Comms map[string]CommInfo `json:"comms"`
}

func (CommInfoReply) MessageType() string { return MsgCommInfoReply }

// ErrorReply is the body of any *_reply whose handler failed.
type ErrorReply struct {
	ReplyStatus
	msgType string
}

// NewErrorReply builds an error reply of msgType from exc.
func NewErrorReply(msgType string, exc *Exception) *ErrorReply {
	return &ErrorReply{ReplyStatus: Failed(exc), msgType: msgType}
}

func (r ErrorReply) MessageType() string { return r.msgType }
