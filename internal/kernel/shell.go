package kernel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/codefionn/kernelwire/internal/comm"
	"github.com/codefionn/kernelwire/internal/history"
	"github.com/codefionn/kernelwire/internal/iopub"
	"github.com/codefionn/kernelwire/internal/logger"
	"github.com/codefionn/kernelwire/internal/socket"
	"github.com/codefionn/kernelwire/internal/wire"
)

// recvMessage receives one message from s. Transport failures come back as
// transportError; everything else is a per-message decode error.
func recvMessage(s *socket.Socket) (*wire.Message, error) {
	frames, err := s.RecvMultipart()
	if err != nil {
		return nil, &transportError{err: err}
	}
	return wire.Decode(frames, s.Codec())
}

// loopError decides whether a receive error ends a channel loop: only
// transport failures do, and those are silent during shutdown.
func loopError(ctx context.Context, log *slog.Logger, err error) (stop bool, result error) {
	var te *transportError
	if errors.As(err, &te) {
		if ctx.Err() != nil {
			return true, nil
		}
		return true, err
	}
	log.Warn("dropping message", "error_kind", ErrorKind(err), "error", err)
	return false, nil
}

func (k *Kernel) runShell(ctx context.Context) error {
	log := logger.Slog("shell")
	sock := k.sockets[socket.Shell]

	for {
		msg, err := recvMessage(sock)
		if err != nil {
			if stop, result := loopError(ctx, log, err); stop {
				return result
			}
			continue
		}
		k.serveShell(ctx, log, msg)
	}
}

// serveShell handles one request. A busy status precedes and an idle
// status follows the handler call, both parented by the request, whatever
// the handler does.
func (k *Kernel) serveShell(ctx context.Context, log *slog.Logger, msg *wire.Message) {
	content, err := wire.ParseContent(msg)
	var unknown *wire.UnknownMessageTypeError
	if errors.As(err, &unknown) {
		log.Warn("unknown message type", "msg_type", msg.MsgType(), "error_kind", KindParse)
		return
	}

	parent := msg.Header
	k.publishStatus(ctx, log, wire.StateBusy, &parent)
	defer k.publishStatus(ctx, log, wire.StateIdle, &parent)

	defer func() {
		if r := recover(); r != nil {
			log.Error("handler panicked", "msg_type", msg.MsgType(), "panic", fmt.Sprint(r), "error_kind", KindHandler)
			k.replyError(log, socket.Shell, msg, fmt.Errorf("handler panicked: %v", r))
		}
	}()

	if err != nil {
		log.Warn("invalid content", "msg_type", msg.MsgType(), "error_kind", KindParse, "error", err)
		k.replyError(log, socket.Shell, msg, err)
		return
	}

	log.Debug("request", "msg_type", msg.MsgType(), "msg_id", msg.Header.MsgID)

	var reply wire.Content
	switch req := content.(type) {
	case *wire.KernelInfoRequest:
		reply, err = k.kernelInfo(ctx, *req)

	case *wire.ExecuteRequest:
		reply, err = k.execute(ctx, log, msg, *req)

	case *wire.CompleteRequest:
		reply, err = k.shell.HandleCompleteRequest(ctx, *req)

	case *wire.InspectRequest:
		reply, err = k.shell.HandleInspectRequest(ctx, *req)

	case *wire.IsCompleteRequest:
		reply, err = k.shell.HandleIsCompleteRequest(ctx, *req)

	case *wire.HistoryRequest:
		reply, err = k.historyReply(ctx, *req)

	case *wire.CommInfoRequest:
		reply, err = k.commInfo(ctx, *req)

	case *wire.CommOpen:
		err = k.commOpen(ctx, log, *req)

	case *wire.CommMsg:
		err = k.commMsg(ctx, msg, *req)

	case *wire.CommClose:
		err = k.commClose(ctx, *req)

	default:
		log.Warn("message not served on shell", "msg_type", msg.MsgType())
		return
	}

	if err != nil {
		log.Error("request failed", "msg_type", msg.MsgType(), "error_kind", ErrorKind(err), "error", err)
		k.replyError(log, socket.Shell, msg, err)
		return
	}
	if reply != nil {
		k.reply(log, socket.Shell, msg, reply)
	}
}

func (k *Kernel) kernelInfo(ctx context.Context, req wire.KernelInfoRequest) (wire.Content, error) {
	reply, err := k.shell.HandleInfoRequest(ctx, req)
	if err != nil {
		return nil, err
	}
	if reply.Status == "" {
		reply.Status = wire.StatusOK
	}
	if reply.ProtocolVersion == "" {
		reply.ProtocolVersion = wire.ProtocolVersion
	}
	return reply, nil
}

func (k *Kernel) execute(ctx context.Context, log *slog.Logger, msg *wire.Message, req wire.ExecuteRequest) (wire.Content, error) {
	orig := Originator{Identities: msg.Identities, Header: msg.Header}
	reply, err := k.shell.HandleExecuteRequest(ctx, orig, req)
	output, _ := k.pub.TakeResult(msg.Header.MsgID)
	if err != nil {
		return nil, err
	}
	if reply.Status == "" {
		reply.Status = wire.StatusOK
	}

	if k.history != nil && req.StoreHistory && !req.Silent && reply.ExecutionCount > 0 {
		entry := history.Entry{Session: k.histSes, Line: reply.ExecutionCount, Input: req.Code, Output: output}
		if err := k.history.Record(ctx, entry); err != nil {
			log.Warn("failed to record history", "error", err)
		}
	}
	return reply, nil
}

func (k *Kernel) historyReply(ctx context.Context, req wire.HistoryRequest) (wire.Content, error) {
	reply := wire.HistoryReply{ReplyStatus: wire.OK(), History: [][]any{}}
	if k.history == nil {
		return reply, nil
	}

	var (
		entries []history.Entry
		err     error
	)
	switch req.HistAccessType {
	case wire.HistoryTail, "":
		entries, err = k.history.Tail(ctx, req.N, req.Unique)
	case wire.HistoryRange:
		entries, err = k.history.Range(ctx, history.Resolve(k.histSes, req.Session), req.Start, req.Stop)
	case wire.HistorySearch:
		entries, err = k.history.Search(ctx, req.Pattern, req.N, req.Unique)
	default:
		return nil, &wire.Exception{EName: "ValueError", EValue: fmt.Sprintf("unknown hist_access_type %q", req.HistAccessType)}
	}
	if err != nil {
		return nil, err
	}

	for _, e := range entries {
		reply.History = append(reply.History, e.Tuple(req.Output))
	}
	return reply, nil
}

func (k *Kernel) commInfo(ctx context.Context, req wire.CommInfoRequest) (wire.Content, error) {
	snap, err := k.comms.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	comms := make(map[string]wire.CommInfo, len(snap))
	for id, info := range snap {
		if req.TargetName == "" || info.TargetName == req.TargetName {
			comms[id] = info
		}
	}
	return wire.CommInfoReply{ReplyStatus: wire.OK(), Comms: comms}, nil
}

func (k *Kernel) commOpen(ctx context.Context, log *slog.Logger, req wire.CommOpen) error {
	sock, err := k.shell.HandleCommOpen(ctx, req.TargetName, req)
	if err == nil && sock == nil {
		err = &UnknownCommError{Target: req.TargetName}
	}
	if err != nil {
		// the front end already considers the comm open; tell it otherwise
		data, _ := json.Marshal(map[string]string{"ename": "UnknownComm", "evalue": err.Error()})
		rejection := iopub.Message{Content: wire.CommClose{CommID: req.CommID, Data: data}}
		if perr := k.pub.Publish(ctx, rejection); perr != nil {
			log.Error("failed to reject comm", "comm_id", req.CommID, "error", perr)
		}
		return err
	}

	sock.ID = req.CommID
	sock.Initiator = comm.FrontEnd
	return k.comms.Opened(ctx, sock)
}

func (k *Kernel) commMsg(ctx context.Context, msg *wire.Message, req wire.CommMsg) error {
	sock, ok, err := k.comms.Lookup(ctx, req.CommID)
	if err != nil {
		return err
	}
	if !ok {
		return &UnknownCommError{ID: req.CommID}
	}

	header := msg.Header
	if err := k.comms.PendingRPC(ctx, sock.ID, &header); err != nil {
		return err
	}
	return k.shell.HandleCommMsg(ctx, sock, comm.Msg{Kind: comm.RPC, ID: header.MsgID, Data: req.Data, Header: &header})
}

func (k *Kernel) commClose(ctx context.Context, req wire.CommClose) error {
	sock, ok, err := k.comms.Lookup(ctx, req.CommID)
	if err != nil {
		return err
	}
	if !ok {
		return &UnknownCommError{ID: req.CommID}
	}
	if err := k.comms.Closed(ctx, sock.ID); err != nil {
		return err
	}
	return k.shell.HandleCommMsg(ctx, sock, comm.Msg{Kind: comm.Close, Data: req.Data})
}

func (k *Kernel) publishStatus(ctx context.Context, log *slog.Logger, state string, parent *wire.Header) {
	// the final idle of a shutdown still has to be queued
	if err := k.pub.Status(context.WithoutCancel(ctx), state, parent); err != nil {
		log.Error("failed to publish status", "state", state, "error", err)
	}
}

func (k *Kernel) reply(log *slog.Logger, ch socket.Channel, req *wire.Message, content wire.Content) {
	m, err := wire.ReplyTo(req, content, k.session)
	if err != nil {
		log.Error("failed to build reply", "msg_type", content.MessageType(), "error", err)
		return
	}
	if err := k.sockets[ch].SendMessage(m); err != nil {
		log.Error("failed to send reply", "msg_type", content.MessageType(), "error_kind", KindTransport, "error", err)
	}
}

// replyError answers req with an error reply. Messages without a reply
// type (comm traffic) get nothing.
func (k *Kernel) replyError(log *slog.Logger, ch socket.Channel, req *wire.Message, cause error) {
	if !wire.Known(wire.ReplyType(req.MsgType())) {
		return
	}
	m, err := wire.ErrorReplyTo(req, cause, k.session)
	if err != nil {
		log.Error("failed to build error reply", "msg_type", req.MsgType(), "error", err)
		return
	}
	if err := k.sockets[ch].SendMessage(m); err != nil {
		log.Error("failed to send error reply", "msg_type", req.MsgType(), "error_kind", KindTransport, "error", err)
	}
}

func (k *Kernel) publish(ctx context.Context, log *slog.Logger, parent *wire.Header, content wire.Content) {
	if err := k.pub.Publish(context.WithoutCancel(ctx), iopub.Message{Parent: parent, Content: content}); err != nil {
		log.Error("failed to publish", "msg_type", content.MessageType(), "error", err)
	}
}
