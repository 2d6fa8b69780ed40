package kernel

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/codefionn/kernelwire/internal/comm"
	"github.com/codefionn/kernelwire/internal/config"
	"github.com/codefionn/kernelwire/internal/connection"
	"github.com/codefionn/kernelwire/internal/history"
	"github.com/codefionn/kernelwire/internal/iopub"
	"github.com/codefionn/kernelwire/internal/session"
	"github.com/codefionn/kernelwire/internal/socket"
	"github.com/codefionn/kernelwire/internal/wire"
)

const waitFor = 2 * time.Second

// fakeHandler is a scripted engine: the code of an execute request picks
// the behavior.
type fakeHandler struct {
	mu      sync.Mutex
	count   int
	sink    chan<- InputRequest
	replies chan wire.InputReply
	env     Environment

	interrupts atomic.Int32
	shutdowns  atomic.Int32
}

func newFakeHandler() *fakeHandler {
	return &fakeHandler{replies: make(chan wire.InputReply, 1)}
}

func (h *fakeHandler) HandleInfoRequest(ctx context.Context, req wire.KernelInfoRequest) (wire.KernelInfoReply, error) {
	return wire.KernelInfoReply{Implementation: "fake", LanguageInfo: wire.LanguageInfo{Name: "fake"}}, nil
}

func (h *fakeHandler) HandleExecuteRequest(ctx context.Context, orig Originator, req wire.ExecuteRequest) (wire.ExecuteReply, error) {
	switch req.Code {
	case "fail":
		return wire.ExecuteReply{}, &wire.Exception{EName: "ValueError", EValue: "bad value", Traceback: []string{"frame"}}
	case "panic":
		panic("engine bug")
	case "input":
		h.sink <- InputRequest{Originator: orig, Prompt: "name? "}
		return h.awaitValue(ctx)
	case "reprompt":
		// the first prompt is withdrawn before anyone answers it
		withdrawn := make(chan struct{})
		h.sink <- InputRequest{Originator: orig, Prompt: "first? ", Done: withdrawn}
		close(withdrawn)
		h.sink <- InputRequest{Originator: orig, Prompt: "second? "}
		return h.awaitValue(ctx)
	case "result":
		parent := orig.Header
		if err := h.env.IOPub.Publish(ctx, iopub.Message{Parent: &parent, Content: wire.ExecuteResult{
			Data: wire.MIMEBundle{"text/plain": "'result'"},
		}}); err != nil {
			return wire.ExecuteReply{}, err
		}
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.count++
	return wire.ExecuteReply{ExecutionCount: h.count}, nil
}

func (h *fakeHandler) awaitValue(ctx context.Context) (wire.ExecuteReply, error) {
	select {
	case r := <-h.replies:
		h.mu.Lock()
		h.count++
		n := h.count
		h.mu.Unlock()
		return wire.ExecuteReply{ReplyStatus: wire.OK(), ExecutionCount: n, UserExpressions: map[string]any{"value": r.Value}}, nil
	case <-ctx.Done():
		return wire.ExecuteReply{}, ctx.Err()
	}
}

func (h *fakeHandler) Attach(env Environment) {
	h.env = env
}

func (h *fakeHandler) HandleCompleteRequest(ctx context.Context, req wire.CompleteRequest) (wire.CompleteReply, error) {
	return wire.CompleteReply{ReplyStatus: wire.OK(), Matches: []string{"fake"}}, nil
}

func (h *fakeHandler) HandleInspectRequest(ctx context.Context, req wire.InspectRequest) (wire.InspectReply, error) {
	return wire.InspectReply{}, errors.New("inspection unsupported")
}

func (h *fakeHandler) HandleIsCompleteRequest(ctx context.Context, req wire.IsCompleteRequest) (wire.IsCompleteReply, error) {
	return wire.IsCompleteReply{Status: wire.CodeComplete}, nil
}

func (h *fakeHandler) HandleCommOpen(ctx context.Context, target string, req wire.CommOpen) (*comm.Socket, error) {
	if target != "known" {
		return nil, nil
	}
	sock := comm.NewSocket(req.CommID, target, comm.FrontEnd, 4)
	go func() {
		for {
			select {
			case <-sock.Done():
				return
			case msg := <-sock.Incoming:
				if msg.Kind == comm.Close {
					return
				}
				if msg.Kind == comm.RPC {
					_ = sock.Send(context.Background(), msg.ReplyTo(msg.Data))
				}
			}
		}
	}()
	return sock, nil
}

func (h *fakeHandler) HandleCommMsg(ctx context.Context, sock *comm.Socket, msg comm.Msg) error {
	return sock.Deliver(ctx, msg)
}

func (h *fakeHandler) HandleInputReply(ctx context.Context, reply wire.InputReply) error {
	h.replies <- reply
	return nil
}

func (h *fakeHandler) EstablishInputHandler(sink chan<- InputRequest) {
	h.sink = sink
}

func (h *fakeHandler) HandleShutdownRequest(ctx context.Context, req wire.ShutdownRequest) (wire.ShutdownReply, error) {
	h.shutdowns.Add(1)
	return wire.ShutdownReply{ReplyStatus: wire.OK()}, nil
}

func (h *fakeHandler) HandleInterruptRequest(ctx context.Context, req wire.InterruptRequest) (wire.InterruptReply, error) {
	h.interrupts.Add(1)
	return wire.InterruptReply{ReplyStatus: wire.OK()}, nil
}

// frontEnd is the client side of every channel, each drained by a reader
// goroutine so timeouts never leave a pending receive behind.
type frontEnd struct {
	sess    *session.Session
	sockets map[socket.Channel]*socket.Socket
	inbox   map[socket.Channel]chan *wire.Message
	beats   chan [][]byte

	kernel  *Kernel
	handler *fakeHandler
	done    chan error
	cancel  context.CancelFunc
}

func startKernel(t *testing.T, extra ...Option) *frontEnd {
	t.Helper()

	sess, err := session.New("kernel-test-key", "hmac-sha256", "tester")
	require.NoError(t, err)
	t.Cleanup(sess.Close)

	store, err := history.Open("")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	fe := &frontEnd{
		sess:    sess,
		sockets: make(map[socket.Channel]*socket.Socket),
		inbox:   make(map[socket.Channel]chan *wire.Message),
		beats:   make(chan [][]byte, 16),
		handler: newFakeHandler(),
		done:    make(chan error, 1),
	}

	opts := []Option{WithSession(sess), WithHistory(store)}
	for _, ch := range socket.Channels {
		kernelEnd, clientEnd := socket.NewPipe(32)
		opts = append(opts, WithTransport(ch, kernelEnd))
		fe.sockets[ch] = socket.NewWithTransport(sess, ch, clientEnd)
	}

	lspPort := 9999
	params := &connection.Parameters{Transport: "tcp", IP: "127.0.0.1", SignatureScheme: "hmac-sha256", LSPPort: &lspPort}
	k, err := New(context.Background(), params, config.DefaultConfig(), fe.handler, fe.handler, append(opts, extra...)...)
	require.NoError(t, err)
	fe.kernel = k

	for _, ch := range []socket.Channel{socket.Shell, socket.Control, socket.Stdin, socket.IOPub} {
		fe.inbox[ch] = make(chan *wire.Message, 64)
		go fe.read(ch)
	}
	go func() {
		for {
			frames, err := fe.sockets[socket.Heartbeat].RecvMultipart()
			if err != nil {
				return
			}
			fe.beats <- frames
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	fe.cancel = cancel
	go func() { fe.done <- k.Run(ctx) }()

	t.Cleanup(func() {
		cancel()
		select {
		case <-fe.done:
		case <-time.After(waitFor):
		}
		k.Close()
		for _, s := range fe.sockets {
			s.Close()
		}
	})

	starting := fe.next(t, socket.IOPub)
	require.Equal(t, wire.MsgStatus, starting.MsgType())
	return fe
}

func (fe *frontEnd) read(ch socket.Channel) {
	for {
		m, err := fe.sockets[ch].RecvMessage()
		if err != nil {
			var te *wire.AuthError
			if errors.As(err, &te) {
				continue
			}
			return
		}
		fe.inbox[ch] <- m
	}
}

func (fe *frontEnd) send(t *testing.T, ch socket.Channel, content wire.Content) *wire.Message {
	t.Helper()
	m, err := wire.NewMessage(content, nil, fe.sess)
	require.NoError(t, err)
	if ch.Routed() {
		m.Identities = [][]byte{[]byte("front-end")}
	}
	require.NoError(t, fe.sockets[ch].SendMessage(m))
	return m
}

func (fe *frontEnd) next(t *testing.T, ch socket.Channel) *wire.Message {
	t.Helper()
	select {
	case m := <-fe.inbox[ch]:
		return m
	case <-time.After(waitFor):
		t.Fatalf("timed out waiting for a %s message", ch)
		return nil
	}
}

func (fe *frontEnd) nothing(t *testing.T, ch socket.Channel) {
	t.Helper()
	select {
	case m := <-fe.inbox[ch]:
		t.Fatalf("unexpected %s message on %s", m.MsgType(), ch)
	case <-time.After(100 * time.Millisecond):
	}
}

// statusOf returns the execution state of an IOPub status message.
func statusOf(t *testing.T, m *wire.Message) string {
	t.Helper()
	require.Equal(t, wire.MsgStatus, m.MsgType())
	st, err := wire.AsTyped[wire.Status](m)
	require.NoError(t, err)
	return st.Content.ExecutionState
}
