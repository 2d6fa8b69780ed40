// Package socket wraps one ZeroMQ socket per kernel channel and moves
// signed messages across it.
package socket

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/go-zeromq/zmq4"

	"github.com/codefionn/kernelwire/internal/logger"
	"github.com/codefionn/kernelwire/internal/wire"
)

// Channel names one of the five kernel channels.
type Channel int

const (
	Shell Channel = iota
	Control
	IOPub
	Stdin
	Heartbeat
)

// Channels lists every channel in start-up order.
var Channels = []Channel{Shell, Control, IOPub, Stdin, Heartbeat}

func (c Channel) String() string {
	switch c {
	case Shell:
		return "shell"
	case Control:
		return "control"
	case IOPub:
		return "iopub"
	case Stdin:
		return "stdin"
	case Heartbeat:
		return "heartbeat"
	default:
		return fmt.Sprintf("channel(%d)", int(c))
	}
}

// KernelKind is the socket type the kernel binds for c.
func (c Channel) KernelKind() zmq4.SocketType {
	switch c {
	case IOPub:
		return zmq4.Pub
	case Heartbeat:
		return zmq4.Rep
	default:
		return zmq4.Router
	}
}

// FrontEndKind is the socket type a front end connects with.
func (c Channel) FrontEndKind() zmq4.SocketType {
	switch c {
	case IOPub:
		return zmq4.Sub
	case Heartbeat:
		return zmq4.Req
	default:
		return zmq4.Dealer
	}
}

// Routed reports whether frames on c carry routing identities.
func (c Channel) Routed() bool {
	return c.KernelKind() == zmq4.Router
}

// Transport is the part of zmq4.Socket a Socket needs. Tests substitute
// in-memory pipes.
type Transport interface {
	Send(msg zmq4.Msg) error
	SendMulti(msg zmq4.Msg) error
	Recv() (zmq4.Msg, error)
	SetOption(name string, value interface{}) error
	Close() error
}

// Codec signs and verifies messages; *session.Session implements it.
type Codec interface {
	wire.Signer
	wire.Identity
}

// ErrClosed is returned by operations on a closed socket.
var ErrClosed = errors.New("socket closed")

// Socket is a channel-bound transport plus the session used to sign and
// verify its messages. Sends and receives are each serialized, so one
// goroutine may receive while another sends.
type Socket struct {
	channel Channel
	codec   Codec
	t       Transport

	sendMu sync.Mutex
	recvMu sync.Mutex

	closeOnce sync.Once
	closeErr  error
}

func newZMQ(ctx context.Context, kind zmq4.SocketType) (zmq4.Socket, error) {
	switch kind {
	case zmq4.Router:
		return zmq4.NewRouter(ctx), nil
	case zmq4.Pub:
		return zmq4.NewPub(ctx), nil
	case zmq4.Rep:
		return zmq4.NewRep(ctx), nil
	case zmq4.Dealer:
		return zmq4.NewDealer(ctx), nil
	case zmq4.Sub:
		return zmq4.NewSub(ctx), nil
	case zmq4.Req:
		return zmq4.NewReq(ctx), nil
	default:
		return nil, fmt.Errorf("unsupported socket type %s", kind)
	}
}

// Bind creates the kernel side of channel and binds it to endpoint. A bind
// failure (port in use, bad address) is returned, never retried.
func Bind(ctx context.Context, codec Codec, channel Channel, endpoint string) (*Socket, error) {
	zs, err := newZMQ(ctx, channel.KernelKind())
	if err != nil {
		return nil, err
	}
	if err := zs.Listen(endpoint); err != nil {
		zs.Close()
		return nil, fmt.Errorf("failed to bind %s socket to %s: %w", channel, endpoint, err)
	}
	logger.Debug("bound %s socket (%s) on %s", channel, channel.KernelKind(), endpoint)
	return NewWithTransport(codec, channel, zs), nil
}

// Connect creates the front-end side of channel and dials endpoint. It is
// used by clients and tests.
func Connect(ctx context.Context, codec Codec, channel Channel, endpoint string) (*Socket, error) {
	zs, err := newZMQ(ctx, channel.FrontEndKind())
	if err != nil {
		return nil, err
	}
	if err := zs.Dial(endpoint); err != nil {
		zs.Close()
		return nil, fmt.Errorf("failed to connect %s socket to %s: %w", channel, endpoint, err)
	}
	return NewWithTransport(codec, channel, zs), nil
}

// NewWithTransport wraps an existing transport.
func NewWithTransport(codec Codec, channel Channel, t Transport) *Socket {
	return &Socket{channel: channel, codec: codec, t: t}
}

// Channel returns the channel this socket serves.
func (s *Socket) Channel() Channel {
	return s.channel
}

// Codec returns the session signing this socket's messages.
func (s *Socket) Codec() Codec {
	return s.codec
}

// Recv receives a single-frame message (heartbeat payloads).
func (s *Socket) Recv() ([]byte, error) {
	frames, err := s.RecvMultipart()
	if err != nil {
		return nil, err
	}
	if len(frames) == 0 {
		return nil, nil
	}
	return frames[0], nil
}

// RecvMultipart receives the raw frames of one message.
func (s *Socket) RecvMultipart() ([][]byte, error) {
	s.recvMu.Lock()
	defer s.recvMu.Unlock()

	msg, err := s.t.Recv()
	if err != nil {
		return nil, fmt.Errorf("%s recv: %w", s.channel, err)
	}
	return msg.Frames, nil
}

// Send sends one single-frame message.
func (s *Socket) Send(frame []byte) error {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	if err := s.t.Send(zmq4.NewMsg(frame)); err != nil {
		return fmt.Errorf("%s send: %w", s.channel, err)
	}
	return nil
}

// SendMultipart sends frames as one atomic multi-part message.
func (s *Socket) SendMultipart(frames [][]byte) error {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	if err := s.t.SendMulti(zmq4.NewMsgFrom(frames...)); err != nil {
		return fmt.Errorf("%s send: %w", s.channel, err)
	}
	return nil
}

// RecvMessage receives and verifies one protocol message. Framing and
// signature failures are returned as wire errors; the socket stays usable.
func (s *Socket) RecvMessage() (*wire.Message, error) {
	frames, err := s.RecvMultipart()
	if err != nil {
		return nil, err
	}
	return wire.Decode(frames, s.codec)
}

// SendMessage signs and sends m.
func (s *Socket) SendMessage(m *wire.Message) error {
	frames, err := m.Encode(s.codec)
	if err != nil {
		return err
	}
	return s.SendMultipart(frames)
}

// Subscribe subscribes a SUB socket to every topic. Messages published
// before the subscription propagates are lost; callers that need the first
// message must retry or wait.
func (s *Socket) Subscribe() error {
	if err := s.t.SetOption(zmq4.OptionSubscribe, ""); err != nil {
		return fmt.Errorf("failed to subscribe %s socket: %w", s.channel, err)
	}
	return nil
}

// Close releases the transport. Blocked receives return an error.
func (s *Socket) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.t.Close()
	})
	return s.closeErr
}
