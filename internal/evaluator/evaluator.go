// Package evaluator is a small expression engine behind the kernel handler
// interfaces. Code is a sequence of expr-lang expressions, one per line,
// with "name = expression" assigning variables.
package evaluator

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/codefionn/kernelwire/internal/enginelock"
	"github.com/codefionn/kernelwire/internal/iopub"
	"github.com/codefionn/kernelwire/internal/kernel"
	"github.com/codefionn/kernelwire/internal/logger"
	"github.com/codefionn/kernelwire/internal/wire"
)

// Version is the evaluator's implementation version.
const Version = "0.1.0"

// Engine is the state only the lock holder may touch.
type Engine struct {
	vars  map[string]any
	count int
}

// Options tunes the evaluator.
type Options struct {
	PollInterval time.Duration
	CommBuffer   int
	Starvation   time.Duration
}

var (
	_ kernel.ShellHandler        = (*Evaluator)(nil)
	_ kernel.ControlHandler      = (*Evaluator)(nil)
	_ kernel.EnvironmentReceiver = (*Evaluator)(nil)
)

// Evaluator implements kernel.ShellHandler and kernel.ControlHandler.
type Evaluator struct {
	opts Options
	lock *enginelock.Lock[*Engine]
	env  kernel.Environment
	log  *slog.Logger

	inputs  chan<- kernel.InputRequest
	replies chan wire.InputReply

	mu       sync.Mutex
	cancel   context.CancelFunc
	shutdown bool
}

// New creates an evaluator with an empty namespace.
func New(opts Options) *Evaluator {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 10 * time.Millisecond
	}
	if opts.CommBuffer <= 0 {
		opts.CommBuffer = 16
	}
	engine := &Engine{vars: make(map[string]any)}
	return &Evaluator{
		opts:    opts,
		lock:    enginelock.New(engine, enginelock.WithStarvationThreshold(opts.Starvation)),
		log:     logger.Slog("engine"),
		replies: make(chan wire.InputReply, 1),
	}
}

// Attach receives the kernel services used to publish output.
func (ev *Evaluator) Attach(env kernel.Environment) {
	ev.env = env
}

// Lock exposes the engine lock.
func (ev *Evaluator) Lock() *enginelock.Lock[*Engine] {
	return ev.lock
}

// Run is the engine goroutine: it holds the lock and yields from its poll
// loop whenever another goroutine is waiting.
func (ev *Evaluator) Run(ctx context.Context) error {
	if _, err := ev.lock.Hold(ctx); err != nil {
		return err
	}
	defer ev.lock.Release()

	ticker := time.NewTicker(ev.opts.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			ev.lock.Poll()
		}
	}
}

// HandleInfoRequest describes the engine.
func (ev *Evaluator) HandleInfoRequest(ctx context.Context, req wire.KernelInfoRequest) (wire.KernelInfoReply, error) {
	return wire.KernelInfoReply{
		ReplyStatus:           wire.OK(),
		ProtocolVersion:       wire.ProtocolVersion,
		Implementation:        "kernelwire",
		ImplementationVersion: Version,
		LanguageInfo: wire.LanguageInfo{
			Name:          "expr",
			Version:       "1.17",
			MIMEType:      "text/x-expr",
			FileExtension: ".expr",
		},
		Banner: "kernelwire " + Version + " (expr-lang)",
		HelpLinks: []wire.HelpLink{
			{Text: "Expression language", URL: "https://expr-lang.org/docs/language-definition"},
		},
	}, nil
}

// HandleExecuteRequest runs code under the engine lock, publishing
// execute_input, results, streams and errors on IOPub.
func (ev *Evaluator) HandleExecuteRequest(ctx context.Context, orig kernel.Originator, req wire.ExecuteRequest) (wire.ExecuteReply, error) {
	execCtx, cancel := context.WithCancel(ctx)
	if !ev.begin(cancel) {
		cancel()
		return wire.ExecuteReply{ReplyStatus: wire.ReplyStatus{Status: wire.StatusAbort}}, nil
	}
	defer ev.end()

	var reply wire.ExecuteReply
	err := ev.lock.With(execCtx, "shell", func(e *Engine) error {
		if req.StoreHistory && !req.Silent {
			e.count++
		}
		reply.ExecutionCount = e.count

		if !req.Silent {
			ev.publish(ctx, orig, wire.ExecuteInput{Code: req.Code, ExecutionCount: e.count})
		}

		x := &execution{ev: ev, ctx: execCtx, orig: orig, allowStdin: req.AllowStdin, silent: req.Silent}
		value, ok, exc := x.run(e, req.Code)
		if exc != nil {
			if !req.Silent {
				ev.publish(ctx, orig, wire.ErrorOutput{EName: exc.EName, EValue: exc.EValue, Traceback: exc.Traceback})
			}
			reply.ReplyStatus = wire.Failed(exc)
			return nil
		}

		if ok && !req.Silent {
			ev.publish(ctx, orig, wire.ExecuteResult{
				ExecutionCount: e.count,
				Data:           wire.MIMEBundle{"text/plain": repr(value)},
				Metadata:       map[string]any{},
			})
		}
		reply.ReplyStatus = wire.OK()
		reply.UserExpressions = x.userExpressions(e, req.UserExpressions)
		return nil
	})
	if err != nil {
		if errors.Is(err, context.Canceled) && ctx.Err() == nil {
			exc := interrupted()
			return wire.ExecuteReply{ReplyStatus: wire.Failed(exc), ExecutionCount: reply.ExecutionCount}, nil
		}
		return wire.ExecuteReply{}, err
	}
	return reply, nil
}

// begin records the running execution so it can be interrupted. It fails
// once shutdown has started.
func (ev *Evaluator) begin(cancel context.CancelFunc) bool {
	ev.mu.Lock()
	defer ev.mu.Unlock()
	if ev.shutdown {
		return false
	}
	ev.cancel = cancel
	return true
}

func (ev *Evaluator) end() {
	ev.mu.Lock()
	defer ev.mu.Unlock()
	if ev.cancel != nil {
		ev.cancel()
		ev.cancel = nil
	}
}

func (ev *Evaluator) interruptRunning() bool {
	ev.mu.Lock()
	defer ev.mu.Unlock()
	if ev.cancel == nil {
		return false
	}
	ev.cancel()
	return true
}

// HandleInterruptRequest cancels the running execution, if any, without
// waiting for it to unwind.
func (ev *Evaluator) HandleInterruptRequest(ctx context.Context, req wire.InterruptRequest) (wire.InterruptReply, error) {
	if ev.interruptRunning() {
		ev.log.Info("interrupting running execution")
	}
	return wire.InterruptReply{ReplyStatus: wire.OK()}, nil
}

// HandleShutdownRequest stops accepting executions and interrupts the
// running one.
func (ev *Evaluator) HandleShutdownRequest(ctx context.Context, req wire.ShutdownRequest) (wire.ShutdownReply, error) {
	ev.mu.Lock()
	ev.shutdown = true
	ev.mu.Unlock()
	ev.interruptRunning()
	return wire.ShutdownReply{ReplyStatus: wire.OK(), Restart: req.Restart}, nil
}

// EstablishInputHandler receives the channel input requests are posted on.
func (ev *Evaluator) EstablishInputHandler(sink chan<- kernel.InputRequest) {
	ev.inputs = sink
}

// HandleInputReply delivers the front end's answer to the waiting input().
func (ev *Evaluator) HandleInputReply(ctx context.Context, reply wire.InputReply) error {
	select {
	case ev.replies <- reply:
		return nil
	default:
		return errors.New("input reply with no pending input request")
	}
}

func (ev *Evaluator) publish(ctx context.Context, orig kernel.Originator, content wire.Content) {
	if ev.env.IOPub == nil {
		return
	}
	parent := orig.Header
	if err := ev.env.IOPub.Publish(context.WithoutCancel(ctx), iopub.Message{Parent: &parent, Content: content}); err != nil {
		ev.log.Warn("failed to publish output", "msg_type", content.MessageType(), "error", err)
	}
}
