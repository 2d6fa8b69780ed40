package comm

import (
	"context"
	"encoding/json"
	"log/slog"
	"reflect"

	"github.com/codefionn/kernelwire/internal/iopub"
	"github.com/codefionn/kernelwire/internal/logger"
	"github.com/codefionn/kernelwire/internal/wire"
)

// Publisher is where the manager sends comm traffic; *iopub.Publisher
// implements it.
type Publisher interface {
	Publish(ctx context.Context, msg iopub.Message) error
}

type eventKind int

const (
	evOpened eventKind = iota
	evClosed
	evPendingRPC
	evLookup
	evSnapshot
)

type event struct {
	kind   eventKind
	sock   *Socket
	id     string
	header *wire.Header
	data   json.RawMessage

	announce bool
	reply    chan any
}

// Manager owns the comm table and the pending-RPC map. Other goroutines
// reach them only through the methods below, which post events to Run.
type Manager struct {
	pub    Publisher
	events chan event
	log    *slog.Logger

	// owned by Run
	comms   map[string]*Socket
	pending map[string]pendingRPC
}

type pendingRPC struct {
	commID string
	header *wire.Header
}

// NewManager creates a manager publishing through pub.
func NewManager(pub Publisher) *Manager {
	return &Manager{
		pub:     pub,
		events:  make(chan event),
		log:     logger.Slog("comm"),
		comms:   make(map[string]*Socket),
		pending: make(map[string]pendingRPC),
	}
}

func (m *Manager) post(ctx context.Context, ev event) error {
	select {
	case m.events <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) ask(ctx context.Context, ev event) (any, error) {
	ev.reply = make(chan any, 1)
	if err := m.post(ctx, ev); err != nil {
		return nil, err
	}
	select {
	case v := <-ev.reply:
		return v, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Opened registers a comm the front end opened. Nothing is published.
func (m *Manager) Opened(ctx context.Context, sock *Socket) error {
	return m.post(ctx, event{kind: evOpened, sock: sock})
}

// Open registers a comm the engine opened and announces it with comm_open.
func (m *Manager) Open(ctx context.Context, sock *Socket, data json.RawMessage) error {
	sock.Initiator = BackEnd
	return m.post(ctx, event{kind: evOpened, sock: sock, data: data, announce: true})
}

// Closed removes a comm the front end closed. No comm_close is sent back.
func (m *Manager) Closed(ctx context.Context, id string) error {
	return m.post(ctx, event{kind: evClosed, id: id})
}

// PendingRPC records that the request with header awaits a reply on comm
// id. The call returns once the manager has recorded it, so a reply the
// engine sends afterwards is always matched.
func (m *Manager) PendingRPC(ctx context.Context, id string, header *wire.Header) error {
	return m.post(ctx, event{kind: evPendingRPC, id: id, header: header})
}

// Lookup finds an open comm by id.
func (m *Manager) Lookup(ctx context.Context, id string) (*Socket, bool, error) {
	v, err := m.ask(ctx, event{kind: evLookup, id: id})
	if err != nil {
		return nil, false, err
	}
	sock, _ := v.(*Socket)
	return sock, sock != nil, nil
}

// Snapshot returns the open comms keyed by id.
func (m *Manager) Snapshot(ctx context.Context) (map[string]wire.CommInfo, error) {
	v, err := m.ask(ctx, event{kind: evSnapshot})
	if err != nil {
		return nil, err
	}
	return v.(map[string]wire.CommInfo), nil
}

// Run serves events and forwards outgoing comm messages until ctx ends.
func (m *Manager) Run(ctx context.Context) error {
	m.log.Debug("comm manager started")
	defer func() {
		for _, sock := range m.comms {
			sock.markClosed()
		}
	}()

	for {
		cases, ids := m.selectCases(ctx)
		chosen, value, ok := reflect.Select(cases)

		switch chosen {
		case 0:
			return ctx.Err()
		case 1:
			m.handleEvent(ctx, value.Interface().(event))
		default:
			id := ids[chosen-2]
			if !ok {
				// the engine dropped its end
				m.forward(ctx, m.comms[id], Msg{Kind: Close})
				continue
			}
			m.forward(ctx, m.comms[id], value.Interface().(Msg))
		}
	}
}

// selectCases builds [ctx.Done, events, comm outgoing...] with the comm ids
// in case order.
func (m *Manager) selectCases(ctx context.Context) ([]reflect.SelectCase, []string) {
	cases := make([]reflect.SelectCase, 0, len(m.comms)+2)
	ids := make([]string, 0, len(m.comms))
	cases = append(cases,
		reflect.SelectCase{Dir: reflect.SelectRecv, Chan: reflect.ValueOf(ctx.Done())},
		reflect.SelectCase{Dir: reflect.SelectRecv, Chan: reflect.ValueOf(m.events)},
	)
	for id, sock := range m.comms {
		cases = append(cases, reflect.SelectCase{Dir: reflect.SelectRecv, Chan: reflect.ValueOf(sock.Outgoing)})
		ids = append(ids, id)
	}
	return cases, ids
}

func (m *Manager) handleEvent(ctx context.Context, ev event) {
	switch ev.kind {
	case evOpened:
		if _, exists := m.comms[ev.sock.ID]; exists {
			m.log.Warn("comm already open", "comm_id", ev.sock.ID, "error_kind", "routing")
			return
		}
		if ev.announce {
			data := ev.data
			if len(data) == 0 {
				data = json.RawMessage(`{}`)
			}
			m.publish(ctx, nil, wire.CommOpen{CommID: ev.sock.ID, TargetName: ev.sock.Name, Data: data})
		}
		m.comms[ev.sock.ID] = ev.sock
		m.log.Debug("comm opened", "comm_id", ev.sock.ID, "target", ev.sock.Name, "initiator", ev.sock.Initiator.String())

	case evClosed:
		sock, ok := m.comms[ev.id]
		if !ok {
			m.log.Warn("close for unknown comm", "comm_id", ev.id, "error_kind", "routing")
			return
		}
		m.remove(sock)

	case evPendingRPC:
		if _, ok := m.comms[ev.id]; !ok {
			m.log.Warn("rpc for unknown comm", "comm_id", ev.id, "error_kind", "routing")
			return
		}
		m.pending[ev.header.MsgID] = pendingRPC{commID: ev.id, header: ev.header.Clone()}

	case evLookup:
		ev.reply <- m.comms[ev.id]

	case evSnapshot:
		snap := make(map[string]wire.CommInfo, len(m.comms))
		for id, sock := range m.comms {
			snap[id] = wire.CommInfo{TargetName: sock.Name}
		}
		ev.reply <- snap
	}
}

// forward reshapes one outgoing comm message into an IOPub payload.
func (m *Manager) forward(ctx context.Context, sock *Socket, msg Msg) {
	data := msg.Data
	if len(data) == 0 {
		data = json.RawMessage(`{}`)
	}

	switch msg.Kind {
	case Close:
		m.publish(ctx, nil, wire.CommClose{CommID: sock.ID, Data: data})
		m.remove(sock)

	case RPCReply:
		p, ok := m.pending[msg.ID]
		if !ok || p.commID != sock.ID {
			m.log.Warn("rpc reply without pending request, sending as event", "comm_id", sock.ID, "rpc_id", msg.ID)
			m.publish(ctx, nil, wire.CommMsg{CommID: sock.ID, Data: data})
			return
		}
		delete(m.pending, msg.ID)
		m.publish(ctx, p.header, wire.CommMsg{CommID: sock.ID, Data: data})

	default:
		m.publish(ctx, msg.Header, wire.CommMsg{CommID: sock.ID, Data: data})
	}
}

func (m *Manager) remove(sock *Socket) {
	delete(m.comms, sock.ID)
	for id, p := range m.pending {
		if p.commID == sock.ID {
			delete(m.pending, id)
		}
	}
	sock.markClosed()
	m.log.Debug("comm closed", "comm_id", sock.ID)
}

func (m *Manager) publish(ctx context.Context, parent *wire.Header, content wire.Content) {
	if err := m.pub.Publish(ctx, iopub.Message{Parent: parent, Content: content}); err != nil {
		m.log.Error("failed to publish comm message", "msg_type", content.MessageType(), "error", err)
	}
}
