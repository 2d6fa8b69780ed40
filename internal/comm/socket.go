// Package comm multiplexes logical sub-channels ("comms") over the Shell
// and IOPub channels.
package comm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/codefionn/kernelwire/internal/wire"
)

// ErrClosed is returned when sending on a comm the manager has closed.
var ErrClosed = errors.New("comm closed")

// Initiator records which side opened a comm.
type Initiator int

const (
	FrontEnd Initiator = iota
	BackEnd
)

func (i Initiator) String() string {
	if i == BackEnd {
		return "backend"
	}
	return "frontend"
}

// MsgKind distinguishes the messages travelling over a comm.
type MsgKind int

const (
	// Data is a one-way event.
	Data MsgKind = iota
	// RPC is a request from the front end; ID is the request's msg_id.
	RPC
	// RPCReply answers the RPC with the same ID.
	RPCReply
	// Close ends the comm.
	Close
)

func (k MsgKind) String() string {
	switch k {
	case Data:
		return "data"
	case RPC:
		return "rpc"
	case RPCReply:
		return "rpc_reply"
	case Close:
		return "close"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Msg is one comm message.
type Msg struct {
	Kind   MsgKind
	ID     string
	Data   json.RawMessage
	Header *wire.Header // request header for messages from the front end
}

// ReplyTo builds the RPC reply for m.
func (m Msg) ReplyTo(data json.RawMessage) Msg {
	return Msg{Kind: RPCReply, ID: m.ID, Data: data}
}

// Socket is one open comm. Incoming carries front-end messages to the
// engine; the engine writes to Outgoing and the manager forwards to IOPub.
type Socket struct {
	ID        string
	Name      string
	Initiator Initiator
	Incoming  chan Msg
	Outgoing  chan Msg

	closed    chan struct{}
	closeOnce sync.Once
}

// NewSocket creates a comm. An empty id gets a random one.
func NewSocket(id, name string, initiator Initiator, buffer int) *Socket {
	if id == "" {
		id = uuid.NewString()
	}
	return &Socket{
		ID:        id,
		Name:      name,
		Initiator: initiator,
		Incoming:  make(chan Msg, buffer),
		Outgoing:  make(chan Msg, buffer),
		closed:    make(chan struct{}),
	}
}

// Done is closed once the manager has removed the comm.
func (s *Socket) Done() <-chan struct{} {
	return s.closed
}

func (s *Socket) markClosed() {
	s.closeOnce.Do(func() { close(s.closed) })
}

// Send queues msg for the front end.
func (s *Socket) Send(ctx context.Context, msg Msg) error {
	select {
	case <-s.closed:
		return ErrClosed
	default:
	}
	select {
	case s.Outgoing <- msg:
		return nil
	case <-s.closed:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Deliver queues msg for the engine.
func (s *Socket) Deliver(ctx context.Context, msg Msg) error {
	select {
	case s.Incoming <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
