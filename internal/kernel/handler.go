package kernel

import (
	"context"

	"github.com/codefionn/kernelwire/internal/comm"
	"github.com/codefionn/kernelwire/internal/iopub"
	"github.com/codefionn/kernelwire/internal/session"
	"github.com/codefionn/kernelwire/internal/wire"
)

// Originator identifies the front-end request that caused some work, so
// output and input requests can be routed back to it.
type Originator struct {
	Identities [][]byte
	Header     wire.Header
}

// InputRequest is posted by the engine to ask the front end for a line of
// input. The answer arrives through ShellHandler.HandleInputReply.
type InputRequest struct {
	Originator Originator
	Prompt     string
	Password   bool
	// Done, when closed, withdraws the request. A reply that arrives
	// afterwards is dropped.
	Done <-chan struct{}
}

// ShellHandler is implemented by the execution engine. Methods are called
// from the Shell goroutine, except HandleInputReply which is called from the
// Stdin goroutine, so implementations must be safe for that overlap.
type ShellHandler interface {
	HandleInfoRequest(ctx context.Context, req wire.KernelInfoRequest) (wire.KernelInfoReply, error)
	HandleExecuteRequest(ctx context.Context, orig Originator, req wire.ExecuteRequest) (wire.ExecuteReply, error)
	HandleCompleteRequest(ctx context.Context, req wire.CompleteRequest) (wire.CompleteReply, error)
	HandleInspectRequest(ctx context.Context, req wire.InspectRequest) (wire.InspectReply, error)
	HandleIsCompleteRequest(ctx context.Context, req wire.IsCompleteRequest) (wire.IsCompleteReply, error)

	// HandleCommOpen returns the comm serving target, or nil when the
	// target is unknown.
	HandleCommOpen(ctx context.Context, target string, req wire.CommOpen) (*comm.Socket, error)
	// HandleCommMsg receives front-end traffic for an open comm, including
	// the Close message when the front end closes it.
	HandleCommMsg(ctx context.Context, sock *comm.Socket, msg comm.Msg) error

	HandleInputReply(ctx context.Context, reply wire.InputReply) error
	// EstablishInputHandler hands the engine the channel on which it posts
	// input requests. It is called once before any request is served.
	EstablishInputHandler(sink chan<- InputRequest)
}

// ControlHandler handles the out-of-band control requests.
type ControlHandler interface {
	HandleShutdownRequest(ctx context.Context, req wire.ShutdownRequest) (wire.ShutdownReply, error)
	// HandleInterruptRequest must not wait for the running computation
	// to unwind.
	HandleInterruptRequest(ctx context.Context, req wire.InterruptRequest) (wire.InterruptReply, error)
}

// LspHandler starts an editor-tooling server when the connection file
// names an lsp_port.
type LspHandler interface {
	Start(ctx context.Context, address string) error
}

// Environment is the set of kernel-owned services a handler may use to
// produce output or open comms of its own.
type Environment struct {
	Session *session.Session
	IOPub   *iopub.Publisher
	Comms   *comm.Manager
}

// EnvironmentReceiver is implemented by handlers that need the Environment.
// Attach is called once from New.
type EnvironmentReceiver interface {
	Attach(env Environment)
}
