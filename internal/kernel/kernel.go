// Package kernel wires the five channels to the engine's handlers and runs
// one goroutine per channel until a shutdown request arrives.
package kernel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/codefionn/kernelwire/internal/comm"
	"github.com/codefionn/kernelwire/internal/config"
	"github.com/codefionn/kernelwire/internal/connection"
	"github.com/codefionn/kernelwire/internal/history"
	"github.com/codefionn/kernelwire/internal/iopub"
	"github.com/codefionn/kernelwire/internal/logger"
	"github.com/codefionn/kernelwire/internal/session"
	"github.com/codefionn/kernelwire/internal/socket"
)

// errShutdown ends Run after a shutdown request was answered.
var errShutdown = errors.New("shutdown requested")

// Kernel is the application context: one session, five sockets, the IOPub
// publisher, the comm manager and the handlers.
type Kernel struct {
	cfg     *config.Config
	params  *connection.Parameters
	session *session.Session
	sockets map[socket.Channel]*socket.Socket

	shell   ShellHandler
	control ControlHandler
	lsp     LspHandler

	pub     *iopub.Publisher
	comms   *comm.Manager
	history *history.Store
	histSes int

	ownsSession bool
	ownsHistory bool

	log *slog.Logger
}

// Option customizes New.
type Option func(*options)

type options struct {
	transports map[socket.Channel]socket.Transport
	session    *session.Session
	history    *history.Store
	lsp        LspHandler
}

// WithTransport serves channel over t instead of binding a ZeroMQ socket.
func WithTransport(channel socket.Channel, t socket.Transport) Option {
	return func(o *options) {
		if o.transports == nil {
			o.transports = make(map[socket.Channel]socket.Transport)
		}
		o.transports[channel] = t
	}
}

// WithSession uses sess instead of building one from the connection key.
func WithSession(sess *session.Session) Option {
	return func(o *options) { o.session = sess }
}

// WithHistory uses store instead of opening cfg.HistoryPath.
func WithHistory(store *history.Store) Option {
	return func(o *options) { o.history = store }
}

// WithLSP starts h when the connection file names an lsp_port.
func WithLSP(h LspHandler) Option {
	return func(o *options) { o.lsp = h }
}

// New binds all five channels and prepares the kernel. Any bind failure is
// returned; the kernel cannot run without every channel.
func New(ctx context.Context, params *connection.Parameters, cfg *config.Config, shell ShellHandler, control ControlHandler, opts ...Option) (*Kernel, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	k := &Kernel{
		cfg:     cfg,
		params:  params,
		shell:   shell,
		control: control,
		lsp:     o.lsp,
		sockets: make(map[socket.Channel]*socket.Socket, len(socket.Channels)),
		log:     logger.Slog("kernel"),
	}

	k.session = o.session
	if k.session == nil {
		sess, err := session.New(params.Key, params.SignatureScheme, cfg.Username)
		if err != nil {
			return nil, fmt.Errorf("failed to create session: %w", err)
		}
		k.session = sess
		k.ownsSession = true
	}
	if !k.session.Authenticated() {
		k.log.Warn("no signing key configured, messages are not authenticated")
	}

	for _, ch := range socket.Channels {
		if t, ok := o.transports[ch]; ok {
			k.sockets[ch] = socket.NewWithTransport(k.session, ch, t)
			continue
		}
		s, err := socket.Bind(ctx, k.session, ch, endpoint(params, ch))
		if err != nil {
			k.closeSockets()
			return nil, err
		}
		k.sockets[ch] = s
	}

	if err := k.openHistory(ctx, o.history); err != nil {
		k.closeSockets()
		return nil, err
	}

	k.pub = iopub.New(k.sockets[socket.IOPub], cfg.CommBuffer)
	k.comms = comm.NewManager(k.pub)

	env := Environment{Session: k.session, IOPub: k.pub, Comms: k.comms}
	for _, h := range []any{shell, control, o.lsp} {
		if r, ok := h.(EnvironmentReceiver); ok {
			r.Attach(env)
		}
	}
	return k, nil
}

func endpoint(p *connection.Parameters, ch socket.Channel) string {
	switch ch {
	case socket.Shell:
		return p.ShellEndpoint()
	case socket.Control:
		return p.ControlEndpoint()
	case socket.IOPub:
		return p.IOPubEndpoint()
	case socket.Stdin:
		return p.StdinEndpoint()
	default:
		return p.HeartbeatEndpoint()
	}
}

func (k *Kernel) openHistory(ctx context.Context, store *history.Store) error {
	if store == nil && k.cfg.DisableHistory {
		return nil
	}
	if store == nil {
		s, err := history.Open(k.cfg.HistoryPath)
		if err != nil {
			return err
		}
		store = s
		k.ownsHistory = true
	}
	n, err := store.NewSession(ctx)
	if err != nil {
		if k.ownsHistory {
			store.Close()
		}
		return err
	}
	k.history = store
	k.histSes = n
	return nil
}

// Session returns the kernel's signing session.
func (k *Kernel) Session() *session.Session {
	return k.session
}

// Comms returns the comm manager.
func (k *Kernel) Comms() *comm.Manager {
	return k.comms
}

// Run serves every channel until a shutdown request is answered (nil) or a
// channel fails fatally (the error). Cancelling ctx also stops the kernel.
func (k *Kernel) Run(ctx context.Context) error {
	inputs := make(chan InputRequest)
	k.shell.EstablishInputHandler(inputs)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return k.pub.Run(gctx) })
	g.Go(func() error { return k.comms.Run(gctx) })
	g.Go(func() error { return k.runShell(gctx) })
	g.Go(func() error { return k.runControl(gctx) })
	g.Go(func() error { return k.runStdin(gctx, inputs) })
	g.Go(func() error { return k.runHeartbeat(gctx) })

	if addr, ok := k.params.LSPAddress(); ok {
		if k.lsp != nil {
			g.Go(func() error {
				if err := k.lsp.Start(gctx, addr); err != nil && gctx.Err() == nil {
					k.log.Error("editor tooling server failed", "address", addr, "error", err)
				}
				return nil
			})
		} else {
			k.log.Info("lsp_port given but no editor tooling handler configured", "address", addr)
		}
	}

	// blocked receives only return once their sockets close
	g.Go(func() error {
		<-gctx.Done()
		for _, ch := range []socket.Channel{socket.Shell, socket.Control, socket.Stdin, socket.Heartbeat} {
			k.sockets[ch].Close()
		}
		return nil
	})

	err := g.Wait()
	k.log.Info("kernel stopped", "reason", fmt.Sprint(err))

	if errors.Is(err, errShutdown) || (errors.Is(err, context.Canceled) && ctx.Err() != nil) {
		return nil
	}
	return err
}

// Close releases sockets, the history database and the signing key.
func (k *Kernel) Close() error {
	k.closeSockets()
	var err error
	if k.ownsHistory && k.history != nil {
		err = k.history.Close()
	}
	if k.ownsSession {
		k.session.Close()
	}
	return err
}

func (k *Kernel) closeSockets() {
	for _, s := range k.sockets {
		s.Close()
	}
}
