package wire

// Execution states announced by Status.
const (
	StateStarting = "starting"
	StateBusy     = "busy"
	StateIdle     = "idle"
)

// Status announces the kernel's execution state on IOPub.
type Status struct {
	ExecutionState string `json:"execution_state"`
}

func (Status) MessageType() string { return MsgStatus }

// Stream names.
const (
	StreamStdout = "stdout"
	StreamStderr = "stderr"
)

// Stream is text written to stdout or stderr.
type Stream struct {
	Name string `json:"name"`
	Text string `json:"text"`
}

func (Stream) MessageType() string { return MsgStream }

// ExecuteInput re-broadcasts the code being executed.
type ExecuteInput struct {
	Code           string `json:"code"`
	ExecutionCount int    `json:"execution_count"`
}

func (ExecuteInput) MessageType() string { return MsgExecuteInput }

// ExecuteResult is the value of an execution.
type ExecuteResult struct {
	ExecutionCount int            `json:"execution_count"`
	Data           MIMEBundle     `json:"data"`
	Metadata       map[string]any `json:"metadata"`
}

func (ExecuteResult) MessageType() string { return MsgExecuteResult }

// DisplayData is rich output not tied to an execution count.
type DisplayData struct {
	Data      MIMEBundle     `json:"data"`
	Metadata  map[string]any `json:"metadata"`
	Transient map[string]any `json:"transient,omitempty"`
}

func (DisplayData) MessageType() string { return MsgDisplayData }

// ErrorOutput broadcasts an execution error ("error" on the wire).
type ErrorOutput struct {
	EName     string   `json:"ename"`
	EValue    string   `json:"evalue"`
	Traceback []string `json:"traceback"`
}

func (ErrorOutput) MessageType() string { return MsgError }
