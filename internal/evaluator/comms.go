package evaluator

import (
	"context"
	"encoding/json"

	"github.com/codefionn/kernelwire/internal/comm"
	"github.com/codefionn/kernelwire/internal/enginelock"
	"github.com/codefionn/kernelwire/internal/wire"
)

// Comm targets the evaluator serves.
const (
	EchoTarget = "kernelwire.echo"
	VarsTarget = "kernelwire.vars"
)

// HandleCommOpen serves the echo and variables targets. Other targets are
// unknown.
func (ev *Evaluator) HandleCommOpen(ctx context.Context, target string, req wire.CommOpen) (*comm.Socket, error) {
	var answer func(context.Context, comm.Msg) (json.RawMessage, error)
	switch target {
	case EchoTarget:
		answer = func(_ context.Context, msg comm.Msg) (json.RawMessage, error) {
			return json.Marshal(map[string]json.RawMessage{"echo": nonEmpty(msg.Data)})
		}
	case VarsTarget:
		answer = ev.variables
	default:
		return nil, nil
	}

	sock := comm.NewSocket(req.CommID, target, comm.FrontEnd, ev.opts.CommBuffer)
	go ev.serveComm(sock, answer)
	return sock, nil
}

// HandleCommMsg hands front-end traffic to the comm's goroutine.
func (ev *Evaluator) HandleCommMsg(ctx context.Context, sock *comm.Socket, msg comm.Msg) error {
	return sock.Deliver(ctx, msg)
}

func (ev *Evaluator) serveComm(sock *comm.Socket, answer func(context.Context, comm.Msg) (json.RawMessage, error)) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-sock.Done()
		cancel()
	}()

	for {
		var msg comm.Msg
		select {
		case <-ctx.Done():
			return
		case msg = <-sock.Incoming:
		}

		switch msg.Kind {
		case comm.Close:
			return
		case comm.RPC:
			data, err := answer(ctx, msg)
			if err != nil {
				data, _ = json.Marshal(map[string]string{"error": err.Error()})
			}
			if err := sock.Send(ctx, msg.ReplyTo(data)); err != nil {
				ev.log.Debug("comm reply dropped", "comm_id", sock.ID, "error", err)
				return
			}
		default:
			ev.log.Debug("ignoring comm message", "comm_id", sock.ID, "kind", msg.Kind.String())
		}
	}
}

// variables answers with the namespace rendered as text, read under the
// engine lock.
func (ev *Evaluator) variables(ctx context.Context, _ comm.Msg) (json.RawMessage, error) {
	vars, err := enginelock.Do(ctx, ev.lock, "comm", func(e *Engine) (map[string]string, error) {
		out := make(map[string]string, len(e.vars))
		for name, v := range e.vars {
			out[name] = repr(v)
		}
		return out, nil
	})
	if err != nil {
		return nil, err
	}
	return json.Marshal(map[string]any{"variables": vars})
}

func nonEmpty(data json.RawMessage) json.RawMessage {
	if len(data) == 0 {
		return json.RawMessage(`{}`)
	}
	return data
}
