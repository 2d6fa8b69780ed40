package socket

import (
	"sync"

	"github.com/go-zeromq/zmq4"
)

// PipeEnd is one side of an in-memory transport pair. Frames sent on one
// end are received, in order, on the other. It does no routing: a peer
// standing in for a front end must prepend and strip identities itself.
type PipeEnd struct {
	in   <-chan zmq4.Msg
	out  chan<- zmq4.Msg
	done chan struct{}
	once *sync.Once

	subscribed bool
	mu         sync.Mutex
}

// NewPipe returns two connected ends with the given queue depth.
func NewPipe(depth int) (*PipeEnd, *PipeEnd) {
	ab := make(chan zmq4.Msg, depth)
	ba := make(chan zmq4.Msg, depth)
	done := make(chan struct{})
	once := &sync.Once{}
	a := &PipeEnd{in: ba, out: ab, done: done, once: once}
	b := &PipeEnd{in: ab, out: ba, done: done, once: once}
	return a, b
}

func (p *PipeEnd) Send(msg zmq4.Msg) error {
	return p.SendMulti(msg)
}

func (p *PipeEnd) SendMulti(msg zmq4.Msg) error {
	frames := make([][]byte, len(msg.Frames))
	for i, f := range msg.Frames {
		frames[i] = append([]byte(nil), f...)
	}
	select {
	case <-p.done:
		return ErrClosed
	case p.out <- zmq4.NewMsgFrom(frames...):
		return nil
	}
}

func (p *PipeEnd) Recv() (zmq4.Msg, error) {
	select {
	case <-p.done:
		return zmq4.Msg{}, ErrClosed
	case msg := <-p.in:
		return msg, nil
	}
}

func (p *PipeEnd) SetOption(name string, value interface{}) error {
	if name == zmq4.OptionSubscribe {
		p.mu.Lock()
		p.subscribed = true
		p.mu.Unlock()
	}
	return nil
}

// Subscribed reports whether Subscribe was called on this end.
func (p *PipeEnd) Subscribed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.subscribed
}

// Close shuts down both ends.
func (p *PipeEnd) Close() error {
	p.once.Do(func() { close(p.done) })
	return nil
}
