package kernel

import (
	"context"
	"log/slog"

	"github.com/codefionn/kernelwire/internal/logger"
	"github.com/codefionn/kernelwire/internal/socket"
	"github.com/codefionn/kernelwire/internal/wire"
)

// runControl serves shutdown and interrupt requests. Answering a shutdown
// request is the normal way for the kernel to exit.
func (k *Kernel) runControl(ctx context.Context) error {
	log := logger.Slog("control")
	sock := k.sockets[socket.Control]

	for {
		msg, err := recvMessage(sock)
		if err != nil {
			if stop, result := loopError(ctx, log, err); stop {
				return result
			}
			continue
		}
		if k.serveControl(ctx, log, msg) {
			return errShutdown
		}
	}
}

// serveControl reports whether the kernel should stop.
func (k *Kernel) serveControl(ctx context.Context, log *slog.Logger, msg *wire.Message) bool {
	content, err := wire.ParseContent(msg)
	if err != nil {
		log.Warn("dropping message", "msg_type", msg.MsgType(), "error_kind", ErrorKind(err), "error", err)
		k.replyError(log, socket.Control, msg, err)
		return false
	}

	switch req := content.(type) {
	case *wire.ShutdownRequest:
		log.Info("shutdown requested", "restart", req.Restart)
		reply, err := k.control.HandleShutdownRequest(ctx, *req)
		if err != nil {
			log.Error("shutdown handler failed", "error_kind", KindHandler, "error", err)
			reply = wire.ShutdownReply{ReplyStatus: wire.Failed(wire.AsException(err))}
		}
		if reply.Status == "" {
			reply.Status = wire.StatusOK
		}
		reply.Restart = req.Restart
		k.reply(log, socket.Control, msg, reply)
		// front ends watch IOPub for the shutdown as well
		k.publish(ctx, log, &msg.Header, reply)
		return true

	case *wire.InterruptRequest:
		reply, err := k.control.HandleInterruptRequest(ctx, *req)
		if err != nil {
			log.Error("interrupt failed", "error_kind", KindHandler, "error", err)
			k.replyError(log, socket.Control, msg, err)
			return false
		}
		if reply.Status == "" {
			reply.Status = wire.StatusOK
		}
		k.reply(log, socket.Control, msg, reply)

	case *wire.KernelInfoRequest:
		reply, err := k.kernelInfo(ctx, *req)
		if err != nil {
			k.replyError(log, socket.Control, msg, err)
			return false
		}
		k.reply(log, socket.Control, msg, reply)

	default:
		log.Warn("message not served on control", "msg_type", msg.MsgType())
	}
	return false
}
