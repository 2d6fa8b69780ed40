// Package iopub runs the broadcast channel. Every component that produces
// asynchronous output (status, streams, results, comm traffic) hands it to
// the Publisher, which owns the IOPub socket.
package iopub

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"

	"github.com/codefionn/kernelwire/internal/logger"
	"github.com/codefionn/kernelwire/internal/socket"
	"github.com/codefionn/kernelwire/internal/wire"
)

// ErrStopped is returned by Publish once the publisher has exited.
var ErrStopped = errors.New("iopub publisher stopped")

// Message is one broadcast. A nil Parent is filled in with the header of
// the most recent busy request.
type Message struct {
	Parent   *wire.Header
	Content  wire.Content
	Metadata json.RawMessage
	Buffers  [][]byte
}

// Publisher serializes all IOPub output through a single goroutine.
type Publisher struct {
	sock *socket.Socket
	in   chan Message
	done chan struct{}
	log  *slog.Logger

	// mu orders Publish against shutdown: once stopped is set no new
	// sender enters, and Run waits for the senders already inside.
	mu      sync.Mutex
	stopped bool
	senders sync.WaitGroup

	resultsMu sync.Mutex
	results   map[string]string

	// owned by Run
	parent *wire.Header
}

// New creates a publisher for sock with a queue of the given depth.
func New(sock *socket.Socket, depth int) *Publisher {
	return &Publisher{
		sock:    sock,
		in:      make(chan Message, depth),
		done:    make(chan struct{}),
		log:     logger.Slog("iopub"),
		results: make(map[string]string),
	}
}

// Publish queues msg. It blocks while the queue is full and fails once the
// publisher has stopped or ctx ends. A nil error means msg will be sent,
// even when the publisher is stopping.
func (p *Publisher) Publish(ctx context.Context, msg Message) error {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return ErrStopped
	}
	p.senders.Add(1)
	p.mu.Unlock()
	defer p.senders.Done()

	select {
	case p.in <- msg:
		p.remember(msg)
		return nil
	case <-p.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TakeResult returns and forgets the text/plain form of the last
// execute_result published in reply to the request msgID.
func (p *Publisher) TakeResult(msgID string) (string, bool) {
	p.resultsMu.Lock()
	defer p.resultsMu.Unlock()
	text, ok := p.results[msgID]
	delete(p.results, msgID)
	return text, ok
}

func (p *Publisher) remember(msg Message) {
	if msg.Parent == nil {
		return
	}
	var data wire.MIMEBundle
	switch r := msg.Content.(type) {
	case wire.ExecuteResult:
		data = r.Data
	case *wire.ExecuteResult:
		data = r.Data
	default:
		return
	}
	text, ok := data["text/plain"].(string)
	if !ok {
		return
	}
	p.resultsMu.Lock()
	p.results[msg.Parent.MsgID] = text
	p.resultsMu.Unlock()
}

// Status publishes an execution state change parented by parent.
func (p *Publisher) Status(ctx context.Context, state string, parent *wire.Header) error {
	return p.Publish(ctx, Message{Parent: parent, Content: wire.Status{ExecutionState: state}})
}

// Run announces "starting" and then broadcasts queued messages until ctx is
// cancelled. Send failures are logged and the loop continues.
func (p *Publisher) Run(ctx context.Context) error {
	p.send(Message{Content: wire.Status{ExecutionState: wire.StateStarting}})

	for {
		select {
		case <-ctx.Done():
			p.stop()
			return ctx.Err()
		case msg := <-p.in:
			p.send(msg)
		}
	}
}

// stop refuses new messages and flushes every message already accepted, so
// the final idle of a shutdown request still reaches the front end.
func (p *Publisher) stop() {
	p.mu.Lock()
	p.stopped = true
	p.mu.Unlock()
	close(p.done)

	// Senders blocked on a full queue either get through here or see done.
	settled := make(chan struct{})
	go func() {
		p.senders.Wait()
		close(settled)
	}()
	for {
		select {
		case msg := <-p.in:
			p.send(msg)
		case <-settled:
			p.drain()
			return
		}
	}
}

func (p *Publisher) drain() {
	for {
		select {
		case msg := <-p.in:
			p.send(msg)
		default:
			return
		}
	}
}

func (p *Publisher) send(msg Message) {
	if status, ok := statusOf(msg.Content); ok && status.ExecutionState == wire.StateBusy && msg.Parent != nil {
		p.parent = msg.Parent.Clone()
	}

	parent := msg.Parent
	if parent == nil {
		parent = p.parent
	}

	m, err := wire.NewMessage(msg.Content, parent, p.sock.Codec())
	if err != nil {
		p.log.Error("failed to build message", "msg_type", msg.Content.MessageType(), "error", err)
		return
	}
	if len(msg.Metadata) > 0 {
		m.Metadata = msg.Metadata
	}
	m.Buffers = msg.Buffers
	m.Identities = [][]byte{[]byte(Topic(p.sock.Codec().ID(), m.MsgType()))}

	if err := p.sock.SendMessage(m); err != nil {
		p.log.Error("publish failed", "msg_type", m.MsgType(), "error_kind", "transport", "error", err)
		return
	}
	p.log.Debug("published", "msg_type", m.MsgType())
}

// Topic is the subscription prefix frame for msgType.
func Topic(sessionID, msgType string) string {
	return "kernel." + sessionID + "." + msgType
}

func statusOf(c wire.Content) (wire.Status, bool) {
	switch s := c.(type) {
	case wire.Status:
		return s, true
	case *wire.Status:
		return *s, true
	}
	return wire.Status{}, false
}
