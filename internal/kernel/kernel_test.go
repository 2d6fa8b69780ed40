package kernel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/go-zeromq/zmq4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codefionn/kernelwire/internal/config"
	"github.com/codefionn/kernelwire/internal/connection"
	"github.com/codefionn/kernelwire/internal/session"
	"github.com/codefionn/kernelwire/internal/socket"
	"github.com/codefionn/kernelwire/internal/wire"
)

// expectBusyIdle checks the status pair around req, skipping output in
// between, and returns that output.
func expectBusyIdle(t *testing.T, fe *frontEnd, req *wire.Message) []*wire.Message {
	t.Helper()
	busy := fe.next(t, socket.IOPub)
	assert.Equal(t, wire.StateBusy, statusOf(t, busy))
	require.NotNil(t, busy.Parent)
	assert.Equal(t, req.Header.MsgID, busy.Parent.MsgID)

	var between []*wire.Message
	for {
		m := fe.next(t, socket.IOPub)
		if m.MsgType() == wire.MsgStatus {
			assert.Equal(t, wire.StateIdle, statusOf(t, m))
			require.NotNil(t, m.Parent)
			assert.Equal(t, req.Header.MsgID, m.Parent.MsgID)
			return between
		}
		between = append(between, m)
	}
}

func TestKernelInfo(t *testing.T) {
	fe := startKernel(t)

	req := fe.send(t, socket.Shell, wire.KernelInfoRequest{})
	expectBusyIdle(t, fe, req)

	reply := fe.next(t, socket.Shell)
	info, err := wire.AsTyped[wire.KernelInfoReply](reply)
	require.NoError(t, err)
	assert.Equal(t, wire.StatusOK, info.Content.Status)
	assert.Equal(t, wire.ProtocolVersion, info.Content.ProtocolVersion)
	assert.Equal(t, "fake", info.Content.Implementation)
	require.NotNil(t, reply.Parent)
	assert.Equal(t, req.Header.MsgID, reply.Parent.MsgID)
	assert.Equal(t, [][]byte{[]byte("front-end")}, reply.Identities)
}

func TestBusyIdleEvenOnHandlerFailure(t *testing.T) {
	fe := startKernel(t)

	tests := []struct {
		name    string
		content wire.Content
		ename   string
	}{
		{"exception", wire.ExecuteRequest{Code: "fail"}, "ValueError"},
		{"plain error", wire.InspectRequest{Code: "x"}, "KernelError"},
		{"panic", wire.ExecuteRequest{Code: "panic"}, "KernelError"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := fe.send(t, socket.Shell, tt.content)
			expectBusyIdle(t, fe, req)

			reply := fe.next(t, socket.Shell)
			assert.Equal(t, wire.ReplyType(req.MsgType()), reply.MsgType())
			var body map[string]any
			require.NoError(t, json.Unmarshal(reply.Content, &body))
			assert.Equal(t, wire.StatusError, body["status"])
			assert.Equal(t, tt.ename, body["ename"])
		})
	}
}

func TestUnknownMessageTypeKeepsServing(t *testing.T) {
	fe := startKernel(t)

	bogus := &wire.Message{
		Identities: [][]byte{[]byte("front-end")},
		Header:     wire.NewHeader("bogus", fe.sess),
		Content:    json.RawMessage(`{}`),
	}
	require.NoError(t, fe.sockets[socket.Shell].SendMessage(bogus))
	fe.nothing(t, socket.Shell)
	fe.nothing(t, socket.IOPub)

	req := fe.send(t, socket.Shell, wire.IsCompleteRequest{Code: "1"})
	expectBusyIdle(t, fe, req)
	assert.Equal(t, wire.MsgIsCompleteReply, fe.next(t, socket.Shell).MsgType())
}

func TestBadSignatureIsDropped(t *testing.T) {
	fe := startKernel(t)

	other, err := session.New("some-other-key", "hmac-sha256", "intruder")
	require.NoError(t, err)
	defer other.Close()

	forged, err := wire.NewMessage(wire.KernelInfoRequest{}, nil, other)
	require.NoError(t, err)
	frames, err := forged.Encode(other)
	require.NoError(t, err)
	require.NoError(t, fe.sockets[socket.Shell].SendMultipart(append([][]byte{[]byte("front-end")}, frames...)))
	fe.nothing(t, socket.IOPub)

	req := fe.send(t, socket.Shell, wire.KernelInfoRequest{})
	expectBusyIdle(t, fe, req)
	assert.Equal(t, wire.MsgKernelInfoReply, fe.next(t, socket.Shell).MsgType())
}

func TestMalformedContentGetsErrorReply(t *testing.T) {
	fe := startKernel(t)

	m := &wire.Message{
		Identities: [][]byte{[]byte("front-end")},
		Header:     wire.NewHeader(wire.MsgCompleteRequest, fe.sess),
		Content:    json.RawMessage(`{"code": 1, "cursor_pos": "x"}`),
	}
	require.NoError(t, fe.sockets[socket.Shell].SendMessage(m))
	expectBusyIdle(t, fe, m)

	reply := fe.next(t, socket.Shell)
	assert.Equal(t, wire.MsgCompleteReply, reply.MsgType())
	assert.Contains(t, string(reply.Content), `"status":"error"`)
}

func TestHeartbeatEcho(t *testing.T) {
	fe := startKernel(t)

	payloads := [][][]byte{
		{[]byte("ping")},
		{{0x00, 0xff, 0x10}},
		{[]byte("multi"), []byte("part"), {}},
	}
	for _, p := range payloads {
		require.NoError(t, fe.sockets[socket.Heartbeat].SendMultipart(p))
		select {
		case got := <-fe.beats:
			assert.Equal(t, p, got)
		case <-time.After(waitFor):
			t.Fatal("no heartbeat echo")
		}
	}
}

// flakyTransport fails the first failures receives, then yields payload
// once and blocks until closed. Echoes land on echoed.
type flakyTransport struct {
	failures int
	payload  [][]byte
	echoed   chan [][]byte
	closed   chan struct{}
	once     sync.Once

	mu       sync.Mutex
	attempts []time.Time
}

func newFlakyTransport(failures int, payload ...[]byte) *flakyTransport {
	return &flakyTransport{
		failures: failures,
		payload:  payload,
		echoed:   make(chan [][]byte, 4),
		closed:   make(chan struct{}),
	}
}

func (f *flakyTransport) Recv() (zmq4.Msg, error) {
	f.mu.Lock()
	f.attempts = append(f.attempts, time.Now())
	n := len(f.attempts)
	f.mu.Unlock()

	switch {
	case n <= f.failures:
		return zmq4.Msg{}, errors.New("connection reset")
	case n == f.failures+1:
		return zmq4.NewMsgFrom(f.payload...), nil
	}
	<-f.closed
	return zmq4.Msg{}, socket.ErrClosed
}

func (f *flakyTransport) Send(msg zmq4.Msg) error { return f.SendMulti(msg) }

func (f *flakyTransport) SendMulti(msg zmq4.Msg) error {
	f.echoed <- msg.Frames
	return nil
}

func (f *flakyTransport) SetOption(string, interface{}) error { return nil }

func (f *flakyTransport) Close() error {
	f.once.Do(func() { close(f.closed) })
	return nil
}

func (f *flakyTransport) times() []time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]time.Time(nil), f.attempts...)
}

func TestHeartbeatBacksOffAfterReceiveErrors(t *testing.T) {
	hb := newFlakyTransport(3, []byte("ping"), []byte{0x00, 0xff})
	fe := startKernel(t, WithTransport(socket.Heartbeat, hb))

	select {
	case got := <-hb.echoed:
		assert.Equal(t, [][]byte{[]byte("ping"), {0x00, 0xff}}, got)
	case <-time.After(waitFor):
		t.Fatal("no heartbeat echo after receive errors")
	}

	backoff := config.DefaultConfig().HeartbeatBackoff()
	attempts := hb.times()
	require.GreaterOrEqual(t, len(attempts), 4)
	for i := 1; i < 4; i++ {
		assert.GreaterOrEqual(t, attempts[i].Sub(attempts[i-1]), backoff, "attempt %d", i)
	}

	select {
	case err := <-fe.done:
		t.Fatalf("kernel stopped after heartbeat errors: %v", err)
	default:
	}
	req := fe.send(t, socket.Shell, wire.KernelInfoRequest{})
	expectBusyIdle(t, fe, req)
	assert.Equal(t, wire.MsgKernelInfoReply, fe.next(t, socket.Shell).MsgType())
}

func TestControlInterruptAndShutdown(t *testing.T) {
	fe := startKernel(t)

	intr := fe.send(t, socket.Control, wire.InterruptRequest{})
	reply := fe.next(t, socket.Control)
	assert.Equal(t, wire.MsgInterruptReply, reply.MsgType())
	assert.Equal(t, intr.Header.MsgID, reply.Parent.MsgID)
	assert.Equal(t, int32(1), fe.handler.interrupts.Load())

	info := fe.send(t, socket.Control, wire.KernelInfoRequest{})
	reply = fe.next(t, socket.Control)
	assert.Equal(t, wire.MsgKernelInfoReply, reply.MsgType())
	assert.Equal(t, info.Header.MsgID, reply.Parent.MsgID)

	fe.send(t, socket.Control, wire.ShutdownRequest{Restart: true})
	reply = fe.next(t, socket.Control)
	shutdown, err := wire.AsTyped[wire.ShutdownReply](reply)
	require.NoError(t, err)
	assert.Equal(t, wire.StatusOK, shutdown.Content.Status)
	assert.True(t, shutdown.Content.Restart)

	select {
	case err := <-fe.done:
		assert.NoError(t, err)
	case <-time.After(waitFor):
		t.Fatal("kernel did not stop after shutdown")
	}
	fe.done <- nil
	assert.Equal(t, int32(1), fe.handler.shutdowns.Load())

	broadcast := fe.next(t, socket.IOPub)
	assert.Equal(t, wire.MsgShutdownReply, broadcast.MsgType())
}

func TestStdinRoundTrip(t *testing.T) {
	fe := startKernel(t)

	req := fe.send(t, socket.Shell, wire.ExecuteRequest{Code: "input", AllowStdin: true})

	prompt := fe.next(t, socket.Stdin)
	ask, err := wire.AsTyped[wire.InputRequest](prompt)
	require.NoError(t, err)
	assert.Equal(t, "name? ", ask.Content.Prompt)
	require.NotNil(t, prompt.Parent)
	assert.Equal(t, req.Header.MsgID, prompt.Parent.MsgID)
	assert.Equal(t, [][]byte{[]byte("front-end")}, prompt.Identities)

	// stray traffic on stdin is discarded
	fe.send(t, socket.Stdin, wire.KernelInfoRequest{})

	// so is an answer to some other prompt
	elsewhere := wire.NewHeader(wire.MsgInputRequest, fe.sess)
	stale, err := wire.NewMessage(wire.InputReply{Value: "STALE"}, &elsewhere, fe.sess)
	require.NoError(t, err)
	stale.Identities = prompt.Identities
	require.NoError(t, fe.sockets[socket.Stdin].SendMessage(stale))

	answer, err := wire.ReplyTo(prompt, wire.InputReply{Value: "Ada"}, fe.sess)
	require.NoError(t, err)
	require.NoError(t, fe.sockets[socket.Stdin].SendMessage(answer))

	expectBusyIdle(t, fe, req)
	reply, err := wire.AsTyped[wire.ExecuteReply](fe.next(t, socket.Shell))
	require.NoError(t, err)
	assert.Equal(t, "Ada", reply.Content.UserExpressions["value"])
}

func TestStdinWithdrawnPromptIsNotAnswered(t *testing.T) {
	fe := startKernel(t)

	req := fe.send(t, socket.Shell, wire.ExecuteRequest{Code: "reprompt", AllowStdin: true})

	first := fe.next(t, socket.Stdin)
	second := fe.next(t, socket.Stdin)
	ask, err := wire.AsTyped[wire.InputRequest](second)
	require.NoError(t, err)
	assert.Equal(t, "second? ", ask.Content.Prompt)

	late, err := wire.ReplyTo(first, wire.InputReply{Value: "STALE"}, fe.sess)
	require.NoError(t, err)
	require.NoError(t, fe.sockets[socket.Stdin].SendMessage(late))
	answer, err := wire.ReplyTo(second, wire.InputReply{Value: "Grace"}, fe.sess)
	require.NoError(t, err)
	require.NoError(t, fe.sockets[socket.Stdin].SendMessage(answer))

	expectBusyIdle(t, fe, req)
	reply, err := wire.AsTyped[wire.ExecuteReply](fe.next(t, socket.Shell))
	require.NoError(t, err)
	assert.Equal(t, "Grace", reply.Content.UserExpressions["value"])
	fe.nothing(t, socket.Stdin)
}

func TestCommLifecycleThroughShell(t *testing.T) {
	fe := startKernel(t)
	ctx := context.Background()

	open := fe.send(t, socket.Shell, wire.CommOpen{CommID: "c-1", TargetName: "known", Data: json.RawMessage(`{}`)})
	expectBusyIdle(t, fe, open)

	info := fe.send(t, socket.Shell, wire.CommInfoRequest{TargetName: "known"})
	expectBusyIdle(t, fe, info)
	infoReply, err := wire.AsTyped[wire.CommInfoReply](fe.next(t, socket.Shell))
	require.NoError(t, err)
	assert.Equal(t, map[string]wire.CommInfo{"c-1": {TargetName: "known"}}, infoReply.Content.Comms)

	rpc := fe.send(t, socket.Shell, wire.CommMsg{CommID: "c-1", Data: json.RawMessage(`{"q":1}`)})
	out := expectBusyIdleOrLater(t, fe, rpc)
	require.Equal(t, wire.MsgCommMsg, out.MsgType())
	require.NotNil(t, out.Parent)
	assert.Equal(t, rpc.Header.MsgID, out.Parent.MsgID)
	assert.Contains(t, string(out.Content), `"q":1`)

	closeReq := fe.send(t, socket.Shell, wire.CommClose{CommID: "c-1", Data: json.RawMessage(`{}`)})
	assert.Empty(t, expectBusyIdle(t, fe, closeReq), "closing from the front end sends nothing back")

	snap, err := fe.kernel.Comms().Snapshot(ctx)
	require.NoError(t, err)
	assert.Empty(t, snap)

	// traffic for the closed id is a routing error, nothing is published
	late := fe.send(t, socket.Shell, wire.CommMsg{CommID: "c-1", Data: json.RawMessage(`{}`)})
	assert.Empty(t, expectBusyIdle(t, fe, late))
	fe.nothing(t, socket.IOPub)
}

// expectBusyIdleOrLater returns the first non-status IOPub message caused
// by req, whether it lands before or after the idle status.
func expectBusyIdleOrLater(t *testing.T, fe *frontEnd, req *wire.Message) *wire.Message {
	t.Helper()
	out := expectBusyIdle(t, fe, req)
	if len(out) > 0 {
		return out[0]
	}
	return fe.next(t, socket.IOPub)
}

func TestCommOpenUnknownTarget(t *testing.T) {
	fe := startKernel(t)

	open := fe.send(t, socket.Shell, wire.CommOpen{CommID: "c-2", TargetName: "nope", Data: json.RawMessage(`{}`)})
	out := expectBusyIdle(t, fe, open)
	require.Len(t, out, 1)
	closed, err := wire.AsTyped[wire.CommClose](out[0])
	require.NoError(t, err)
	assert.Equal(t, "c-2", closed.Content.CommID)
	assert.Contains(t, string(closed.Content.Data), "UnknownComm")
	fe.nothing(t, socket.Shell)
}

func TestHistoryRecordsExecutions(t *testing.T) {
	fe := startKernel(t)

	for _, code := range []string{"first", "second"} {
		req := fe.send(t, socket.Shell, wire.ExecuteRequest{Code: code, StoreHistory: true})
		expectBusyIdle(t, fe, req)
		fe.next(t, socket.Shell)
	}
	silent := fe.send(t, socket.Shell, wire.ExecuteRequest{Code: "hidden", Silent: true, StoreHistory: true})
	expectBusyIdle(t, fe, silent)
	fe.next(t, socket.Shell)

	req := fe.send(t, socket.Shell, wire.HistoryRequest{HistAccessType: wire.HistoryTail, N: 10})
	expectBusyIdle(t, fe, req)
	reply, err := wire.AsTyped[wire.HistoryReply](fe.next(t, socket.Shell))
	require.NoError(t, err)
	require.Len(t, reply.Content.History, 2)
	assert.Equal(t, "first", reply.Content.History[0][2])
	assert.Equal(t, "second", reply.Content.History[1][2])

	req = fe.send(t, socket.Shell, wire.HistoryRequest{HistAccessType: wire.HistorySearch, Pattern: "sec*", Output: true})
	expectBusyIdle(t, fe, req)
	reply, err = wire.AsTyped[wire.HistoryReply](fe.next(t, socket.Shell))
	require.NoError(t, err)
	require.Len(t, reply.Content.History, 1)
	assert.Equal(t, []any{"second", nil}, reply.Content.History[0][2])

	req = fe.send(t, socket.Shell, wire.ExecuteRequest{Code: "result", StoreHistory: true})
	out := expectBusyIdle(t, fe, req)
	require.Len(t, out, 1)
	assert.Equal(t, wire.MsgExecuteResult, out[0].MsgType())
	fe.next(t, socket.Shell)

	req = fe.send(t, socket.Shell, wire.HistoryRequest{HistAccessType: wire.HistorySearch, Pattern: "res*", Output: true})
	expectBusyIdle(t, fe, req)
	reply, err = wire.AsTyped[wire.HistoryReply](fe.next(t, socket.Shell))
	require.NoError(t, err)
	require.Len(t, reply.Content.History, 1)
	assert.Equal(t, []any{"result", "'result'"}, reply.Content.History[0][2])

	req = fe.send(t, socket.Shell, wire.HistoryRequest{HistAccessType: "bogus"})
	expectBusyIdle(t, fe, req)
	assert.Contains(t, string(fe.next(t, socket.Shell).Content), "ValueError")
}

func TestErrorKind(t *testing.T) {
	assert.Equal(t, KindAuth, ErrorKind(&wire.AuthError{Err: session.ErrBadSignature}))
	assert.Equal(t, KindParse, ErrorKind(&wire.UnknownMessageTypeError{MsgType: "bogus"}))
	assert.Equal(t, KindParse, ErrorKind(fmt.Errorf("wrapped: %w", wire.ErrTooFewFrames)))
	assert.Equal(t, KindRouting, ErrorKind(&UnknownCommError{Target: "x"}))
	assert.Equal(t, KindTransport, ErrorKind(&transportError{err: socket.ErrClosed}))
	assert.Equal(t, KindHandler, ErrorKind(&wire.Exception{EName: "ValueError"}))
}

type fakeLSP struct {
	started chan string
	env     chan Environment
}

func (l *fakeLSP) Attach(env Environment) { l.env <- env }

func (l *fakeLSP) Start(ctx context.Context, address string) error {
	l.started <- address
	<-ctx.Done()
	return nil
}

func TestLSPHandlerStarted(t *testing.T) {
	lsp := &fakeLSP{started: make(chan string, 1), env: make(chan Environment, 1)}
	fe := startKernel(t, WithLSP(lsp))

	select {
	case addr := <-lsp.started:
		assert.Equal(t, "127.0.0.1:9999", addr)
	case <-time.After(waitFor):
		t.Fatal("lsp handler was not started")
	}
	env := <-lsp.env
	assert.Same(t, fe.kernel.Comms(), env.Comms)
	assert.Same(t, fe.sess, env.Session)
}

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}

func TestZMQHeartbeatAndShell(t *testing.T) {
	params := &connection.Parameters{
		Transport:       "tcp",
		IP:              "127.0.0.1",
		ShellPort:       freePort(t),
		ControlPort:     freePort(t),
		IOPubPort:       freePort(t),
		StdinPort:       freePort(t),
		HeartbeatPort:   freePort(t),
		SignatureScheme: "hmac-sha256",
		Key:             "zmq-kernel-key",
	}
	cfg := config.DefaultConfig()
	cfg.DisableHistory = true

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	h := newFakeHandler()
	k, err := New(ctx, params, cfg, h, h)
	require.NoError(t, err)
	defer k.Close()

	done := make(chan error, 1)
	go func() { done <- k.Run(ctx) }()

	hb := zmq4.NewReq(ctx)
	defer hb.Close()
	require.NoError(t, hb.Dial(params.HeartbeatEndpoint()))
	require.NoError(t, hb.Send(zmq4.NewMsg([]byte("are you there"))))
	echo, err := hb.Recv()
	require.NoError(t, err)
	assert.Equal(t, [][]byte{[]byte("are you there")}, echo.Frames)

	client, err := socket.Connect(ctx, k.Session(), socket.Shell, params.ShellEndpoint())
	require.NoError(t, err)
	defer client.Close()

	req, err := wire.NewMessage(wire.KernelInfoRequest{}, nil, k.Session())
	require.NoError(t, err)
	require.NoError(t, client.SendMessage(req))
	reply, err := client.RecvMessage()
	require.NoError(t, err)
	assert.Equal(t, wire.MsgKernelInfoReply, reply.MsgType())

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("kernel did not stop")
	}
}

func TestNewFailsOnPortInUse(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	busy := l.Addr().(*net.TCPAddr).Port

	params := &connection.Parameters{
		Transport: "tcp", IP: "127.0.0.1",
		ShellPort: busy, ControlPort: freePort(t), IOPubPort: freePort(t),
		StdinPort: freePort(t), HeartbeatPort: freePort(t),
	}
	cfg := config.DefaultConfig()
	cfg.DisableHistory = true

	h := newFakeHandler()
	_, err = New(context.Background(), params, cfg, h, h)
	assert.Error(t, err)
}
