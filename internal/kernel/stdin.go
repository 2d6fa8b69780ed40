package kernel

import (
	"context"

	"github.com/codefionn/kernelwire/internal/logger"
	"github.com/codefionn/kernelwire/internal/socket"
	"github.com/codefionn/kernelwire/internal/wire"
)

// prompt is the input_request currently waiting for an answer.
type prompt struct {
	msgID string
	done  <-chan struct{}
}

// runStdin forwards the engine's input requests to the front end that
// caused them and hands each answer back to the engine. Only one prompt is
// outstanding at a time; it is given up when its request is cancelled.
func (k *Kernel) runStdin(ctx context.Context, requests <-chan InputRequest) error {
	log := logger.Slog("stdin")
	sock := k.sockets[socket.Stdin]

	replies := make(chan *wire.Message)
	failed := make(chan error, 1)
	go k.readInputReplies(ctx, sock, replies, failed)

	var pending *prompt
	for {
		// No new request is taken while a prompt is outstanding.
		incoming := requests
		var abandoned <-chan struct{}
		if pending != nil {
			incoming = nil
			abandoned = pending.done
		}

		select {
		case <-ctx.Done():
			return nil
		case err := <-failed:
			return err
		case <-abandoned:
			log.Debug("input request abandoned", "msg_id", pending.msgID)
			pending = nil
		case req := <-incoming:
			p, err := k.sendPrompt(ctx, sock, req)
			if err != nil {
				return err
			}
			pending = p
		case msg := <-replies:
			if pending == nil || msg.Parent == nil || msg.Parent.MsgID != pending.msgID {
				log.Warn("dropping input reply for a prompt that is not pending", "msg_id", msg.Header.MsgID)
				continue
			}
			typed, err := wire.AsTyped[wire.InputReply](msg)
			if err != nil {
				log.Warn("invalid input reply", "error_kind", ErrorKind(err), "error", err)
				continue
			}
			pending = nil
			if err := k.shell.HandleInputReply(ctx, typed.Content); err != nil {
				log.Error("input reply handler failed", "error_kind", KindHandler, "error", err)
			}
		}
	}
}

// sendPrompt sends req as an input_request to its originator. A nil prompt
// with a nil error means the request could not be built and was skipped or
// the kernel is stopping.
func (k *Kernel) sendPrompt(ctx context.Context, sock *socket.Socket, req InputRequest) (*prompt, error) {
	parent := req.Originator.Header
	m, err := wire.NewMessage(wire.InputRequest{Prompt: req.Prompt, Password: req.Password}, &parent, k.session)
	if err != nil {
		logger.Slog("stdin").Error("failed to build input request", "error", err)
		return nil, nil
	}
	m.Identities = req.Originator.Identities
	if err := sock.SendMessage(m); err != nil {
		if ctx.Err() != nil {
			return nil, nil
		}
		return nil, &transportError{err: err}
	}
	return &prompt{msgID: m.Header.MsgID, done: req.Done}, nil
}

// readInputReplies feeds every input_reply on sock into replies. Anything
// else is logged and discarded. A transport failure outside shutdown is
// reported on failed.
func (k *Kernel) readInputReplies(ctx context.Context, sock *socket.Socket, replies chan<- *wire.Message, failed chan<- error) {
	log := logger.Slog("stdin")
	for {
		msg, err := recvMessage(sock)
		if err != nil {
			if stop, result := loopError(ctx, log, err); stop {
				if result != nil {
					failed <- result
				}
				return
			}
			continue
		}
		if msg.MsgType() != wire.MsgInputReply {
			log.Warn("unexpected message on stdin", "msg_type", msg.MsgType())
			continue
		}
		select {
		case replies <- msg:
		case <-ctx.Done():
			return
		}
	}
}
