// Package pprof serves runtime profiles and kernel state for diagnosing a
// running kernel, typically lock contention between the engine and the
// channel goroutines.
package pprof

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	netpprof "net/http/pprof"
	"os"
	"path/filepath"
	"runtime"
	"runtime/pprof"
	"sort"
	"sync"
	"time"

	"github.com/julienschmidt/httprouter"

	"github.com/codefionn/kernelwire/internal/logger"
)

// Config holds the profiling configuration
type Config struct {
	HTTPAddr     string // e.g. "localhost:6060"; empty disables the server
	CPUProfile   string // CPU profile written between Start and Stop
	MutexProfile string // mutex contention profile written on Stop
}

// Handler manages profiling and the diagnostics server.
type Handler struct {
	config   Config
	server   *http.Server
	listener net.Listener
	cpuFile  *os.File

	mu       sync.Mutex
	stopping bool
	states   map[string]func() any
}

// NewHandler creates a handler; nothing runs until Start.
func NewHandler(config Config) *Handler {
	return &Handler{config: config, states: make(map[string]func() any)}
}

// Expose publishes the JSON encoding of fn() at /debug/kernel/<name>.
func (h *Handler) Expose(name string, fn func() any) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.states[name] = fn
}

// Enabled reports whether any profiling was configured.
func (h *Handler) Enabled() bool {
	return h.config.HTTPAddr != "" || h.config.CPUProfile != "" || h.config.MutexProfile != ""
}

// Addr returns the diagnostics server's listen address, or "" if none.
func (h *Handler) Addr() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.listener == nil {
		return ""
	}
	return h.listener.Addr().String()
}

// Start begins profiling based on the configuration
func (h *Handler) Start() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.config.CPUProfile != "" {
		f, err := create(h.config.CPUProfile)
		if err != nil {
			return err
		}
		if err := pprof.StartCPUProfile(f); err != nil {
			f.Close()
			return fmt.Errorf("failed to start CPU profiling: %w", err)
		}
		h.cpuFile = f
	}

	if h.config.MutexProfile != "" || h.config.HTTPAddr != "" {
		runtime.SetMutexProfileFraction(1)
	}

	if h.config.HTTPAddr == "" {
		return nil
	}

	router := httprouter.New()
	router.GET("/debug/pprof/*item", servePprof)
	router.GET("/debug/kernel", h.serveIndex)
	router.GET("/debug/kernel/:name", h.serveState)

	ln, err := net.Listen("tcp", h.config.HTTPAddr)
	if err != nil {
		return fmt.Errorf("failed to bind pprof HTTP server: %w", err)
	}
	h.listener = ln
	h.server = &http.Server{Handler: router, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := h.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("pprof server error: %v", err)
		}
	}()
	logger.Info("diagnostics server listening on %s", ln.Addr())
	return nil
}

func servePprof(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	switch ps.ByName("item") {
	case "/cmdline":
		netpprof.Cmdline(w, r)
	case "/profile":
		netpprof.Profile(w, r)
	case "/symbol":
		netpprof.Symbol(w, r)
	case "/trace":
		netpprof.Trace(w, r)
	default:
		netpprof.Index(w, r)
	}
}

func (h *Handler) serveIndex(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	h.mu.Lock()
	names := make([]string, 0, len(h.states))
	for name := range h.states {
		names = append(names, name)
	}
	h.mu.Unlock()
	sort.Strings(names)
	writeJSON(w, map[string]any{"states": names})
}

func (h *Handler) serveState(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	h.mu.Lock()
	fn, ok := h.states[ps.ByName("name")]
	h.mu.Unlock()
	if !ok {
		http.Error(w, "unknown state "+ps.ByName("name"), http.StatusNotFound)
		return
	}
	writeJSON(w, fn())
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// Stop ends profiling, writes profile files and shuts the server down.
func (h *Handler) Stop() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.stopping {
		return nil
	}
	h.stopping = true

	var errs []error

	if h.cpuFile != nil {
		pprof.StopCPUProfile()
		if err := h.cpuFile.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close CPU profile: %w", err))
		}
		h.cpuFile = nil
	}

	if h.config.MutexProfile != "" {
		if err := writeProfile("mutex", h.config.MutexProfile); err != nil {
			errs = append(errs, err)
		}
	}
	runtime.SetMutexProfileFraction(0)

	if h.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := h.server.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to shutdown pprof server: %w", err))
		}
		h.server = nil
		h.listener = nil
	}

	return errors.Join(errs...)
}

func create(path string) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory for %s: %w", path, err)
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create profile file: %w", err)
	}
	return f, nil
}

// writeProfile writes a named profile to a file
func writeProfile(name, path string) error {
	p := pprof.Lookup(name)
	if p == nil {
		return fmt.Errorf("profile %q not found", name)
	}
	f, err := create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	if err := p.WriteTo(f, 0); err != nil {
		return fmt.Errorf("failed to write profile: %w", err)
	}
	return nil
}
