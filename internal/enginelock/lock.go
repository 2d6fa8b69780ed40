// Package enginelock arbitrates access to a single-threaded execution
// engine. The engine goroutine holds the lock by default and yields it from
// its poll hook when other goroutines are waiting.
package enginelock

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/codefionn/kernelwire/internal/logger"
)

// EngineOwner is the owner name used by the engine goroutine.
const EngineOwner = "engine"

// State is the lock's current phase.
type State int

const (
	Idle State = iota
	LockHeld
	Yielding
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case LockHeld:
		return "held"
	case Yielding:
		return "yielding"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Snapshot describes the lock at one instant.
type Snapshot struct {
	State   State  `json:"state"`
	Owner   string `json:"owner,omitempty"`
	Pending int    `json:"pending"`
}

// Stats accumulates wait times for starvation diagnostics.
type Stats struct {
	Acquisitions int64         `json:"acquisitions"`
	Yields       int64         `json:"yields"`
	TotalWait    time.Duration `json:"total_wait_ns"`
	MaxWait      time.Duration `json:"max_wait_ns"`
}

// Lock guards an engine handle E. Only the holder may touch the engine.
type Lock[E any] struct {
	engine E

	mu       sync.Mutex
	cond     *sync.Cond
	holder   string
	pending  int
	yielding bool
	stats    Stats

	starvation time.Duration
	log        *slog.Logger
}

// Option configures a Lock.
type Option func(*options)

type options struct {
	starvation time.Duration
}

// WithStarvationThreshold logs a warning for waits longer than d.
func WithStarvationThreshold(d time.Duration) Option {
	return func(o *options) { o.starvation = d }
}

// New wraps engine. The lock starts idle; the engine goroutine calls Hold.
func New[E any](engine E, opts ...Option) *Lock[E] {
	o := options{starvation: time.Second}
	for _, opt := range opts {
		opt(&o)
	}
	l := &Lock[E]{
		engine:     engine,
		starvation: o.starvation,
		log:        logger.Slog("lock"),
	}
	l.cond = sync.NewCond(&l.mu)
	return l
}

// Hold takes the lock for the engine goroutine and returns the engine.
func (l *Lock[E]) Hold(ctx context.Context) (E, error) {
	if err := l.acquire(ctx, EngineOwner, false); err != nil {
		var zero E
		return zero, err
	}
	return l.engine, nil
}

// Release gives up the lock held by the engine goroutine.
func (l *Lock[E]) Release() {
	l.release(EngineOwner)
}

// Poll is the engine's idle hook. When other goroutines are waiting it
// hands them the lock and blocks until they are all done. It is a no-op
// unless the engine itself holds the lock, so engine code running on
// behalf of another holder cannot re-enter the yield.
func (l *Lock[E]) Poll() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.holder != EngineOwner || l.pending == 0 {
		return
	}

	l.yielding = true
	l.holder = ""
	l.stats.Yields++
	l.cond.Broadcast()

	for l.pending > 0 || l.holder != "" {
		l.cond.Wait()
	}
	l.holder = EngineOwner
	l.yielding = false
}

// ReadConsole runs read (typically waiting for user input) with the lock
// released, then takes it back for the same owner. Any holder may call it,
// so engine calls made on behalf of another goroutine can prompt too.
func (l *Lock[E]) ReadConsole(read func() (string, error)) (string, error) {
	l.mu.Lock()
	owner := l.holder
	l.mu.Unlock()
	if owner == "" {
		return read()
	}

	l.release(owner)
	defer func() {
		_ = l.acquire(context.Background(), owner, owner != EngineOwner)
	}()
	return read()
}

// With runs fn with exclusive access to the engine on behalf of owner. It
// flags a pending task, waits for the engine to yield and always releases
// the lock afterwards, including when fn panics.
func (l *Lock[E]) With(ctx context.Context, owner string, fn func(E) error) error {
	if owner == EngineOwner {
		return fmt.Errorf("owner name %q is reserved", EngineOwner)
	}
	if err := l.acquire(ctx, owner, true); err != nil {
		return err
	}
	defer l.release(owner)
	return fn(l.engine)
}

// Do is With for callers that produce a value.
func Do[E, T any](ctx context.Context, l *Lock[E], owner string, fn func(E) (T, error)) (T, error) {
	var out T
	err := l.With(ctx, owner, func(e E) error {
		var err error
		out, err = fn(e)
		return err
	})
	return out, err
}

func (l *Lock[E]) acquire(ctx context.Context, owner string, task bool) error {
	start := time.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	if task {
		l.pending++
	}
	stop := context.AfterFunc(ctx, func() {
		l.mu.Lock()
		l.cond.Broadcast()
		l.mu.Unlock()
	})
	defer stop()

	for l.holder != "" {
		if err := ctx.Err(); err != nil {
			if task {
				l.pending--
				l.cond.Broadcast()
			}
			return err
		}
		l.cond.Wait()
	}

	l.holder = owner
	if task {
		l.pending--
	}

	wait := time.Since(start)
	l.stats.Acquisitions++
	l.stats.TotalWait += wait
	if wait > l.stats.MaxWait {
		l.stats.MaxWait = wait
	}
	if l.starvation > 0 && wait > l.starvation {
		l.log.Warn("lock wait exceeded threshold", "owner", owner, "wait", wait.String(), "error_kind", "lock")
	}
	return nil
}

func (l *Lock[E]) release(owner string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.holder != owner {
		l.log.Error("release by non-holder", "owner", owner, "holder", l.holder, "error_kind", "lock")
		return
	}
	l.holder = ""
	l.cond.Broadcast()
}

// State reports the current phase, owner and number of waiting tasks.
func (l *Lock[E]) State() Snapshot {
	l.mu.Lock()
	defer l.mu.Unlock()

	s := Snapshot{Owner: l.holder, Pending: l.pending}
	switch {
	case l.yielding:
		s.State = Yielding
	case l.holder != "":
		s.State = LockHeld
	default:
		s.State = Idle
	}
	return s
}

// TasksPending reports whether any goroutine is waiting for the lock.
func (l *Lock[E]) TasksPending() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.pending > 0
}

// Stats returns accumulated wait statistics.
func (l *Lock[E]) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stats
}
