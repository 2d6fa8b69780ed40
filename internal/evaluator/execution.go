package evaluator

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/expr-lang/expr"

	"github.com/codefionn/kernelwire/internal/comm"
	"github.com/codefionn/kernelwire/internal/kernel"
	"github.com/codefionn/kernelwire/internal/wire"
)

var assignment = regexp.MustCompile(`^\s*([A-Za-z_][A-Za-z0-9_]*)\s*=([^=].*)$`)

// builtins maps the engine's own functions to their documentation.
var builtins = map[string]string{
	"print":   "print(values...) writes values to stdout",
	"input":   "input(prompt) asks the front end for a line of text",
	"sleep":   "sleep(ms) pauses; interruptible",
	"display": "display(value) publishes value as display_data",
	"notify":  "notify(target, data) opens a kernel comm, sends data and closes it",
}

// execution is the per-request state captured by builtins.
type execution struct {
	ev         *Evaluator
	ctx        context.Context
	orig       kernel.Originator
	allowStdin bool
	silent     bool

	failure *wire.Exception
}

func interrupted() *wire.Exception {
	return &wire.Exception{EName: "KeyboardInterrupt", EValue: "execution interrupted"}
}

// run executes code line by line. It returns the last expression's value
// and whether there was one.
func (x *execution) run(e *Engine, code string) (any, bool, *wire.Exception) {
	var (
		last    any
		hasLast bool
	)
	for i, line := range strings.Split(code, "\n") {
		stmt := strings.TrimSpace(line)
		if stmt == "" || strings.HasPrefix(stmt, "#") {
			continue
		}

		target := ""
		if m := assignment.FindStringSubmatch(stmt); m != nil {
			target, stmt = m[1], strings.TrimSpace(m[2])
		}

		value, exc := x.eval(e, stmt, i+1)
		if exc != nil {
			return nil, false, exc
		}
		if target != "" {
			e.vars[target] = value
			last, hasLast = nil, false
			continue
		}
		last, hasLast = value, value != nil
	}
	return last, hasLast, nil
}

func (x *execution) eval(e *Engine, src string, line int) (any, *wire.Exception) {
	program, err := expr.Compile(src, append([]expr.Option{expr.Env(e.vars)}, x.functions()...)...)
	if err != nil {
		return nil, compileError(err, line)
	}

	value, err := expr.Run(program, e.vars)
	if x.failure != nil {
		return nil, x.failure
	}
	if x.ctx.Err() != nil {
		return nil, interrupted()
	}
	if err != nil {
		return nil, &wire.Exception{
			EName:     "RuntimeError",
			EValue:    firstLine(err.Error()),
			Traceback: append([]string{fmt.Sprintf("line %d", line)}, strings.Split(err.Error(), "\n")...),
		}
	}
	return value, nil
}

func compileError(err error, line int) *wire.Exception {
	name := "SyntaxError"
	if strings.Contains(err.Error(), "unknown name") {
		name = "NameError"
	}
	return &wire.Exception{
		EName:     name,
		EValue:    firstLine(err.Error()),
		Traceback: append([]string{fmt.Sprintf("line %d", line)}, strings.Split(err.Error(), "\n")...),
	}
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

// fail records exc so the statement reports it even if expr rewraps the
// returned error.
func (x *execution) fail(exc *wire.Exception) (any, error) {
	x.failure = exc
	return nil, exc
}

func (x *execution) functions() []expr.Option {
	return []expr.Option{
		expr.Function("print", func(params ...any) (any, error) {
			parts := make([]string, len(params))
			for i, p := range params {
				parts[i] = fmt.Sprint(p)
			}
			if !x.silent {
				x.ev.publish(x.ctx, x.orig, wire.Stream{Name: wire.StreamStdout, Text: strings.Join(parts, " ") + "\n"})
			}
			return nil, nil
		}),

		expr.Function("input", func(params ...any) (any, error) {
			prompt := ""
			if len(params) > 0 {
				prompt = fmt.Sprint(params[0])
			}
			line, err := x.ev.readLine(x.ctx, x.orig, prompt, false, x.allowStdin)
			if err != nil {
				if x.ctx.Err() != nil {
					return x.fail(interrupted())
				}
				return x.fail(&wire.Exception{EName: "StdinNotImplementedError", EValue: err.Error()})
			}
			return line, nil
		}),

		expr.Function("sleep", func(params ...any) (any, error) {
			if len(params) != 1 {
				return x.fail(&wire.Exception{EName: "TypeError", EValue: "sleep takes one argument"})
			}
			ms, ok := toFloat(params[0])
			if !ok {
				return x.fail(&wire.Exception{EName: "TypeError", EValue: fmt.Sprintf("sleep: not a number: %v", params[0])})
			}
			timer := time.NewTimer(time.Duration(ms * float64(time.Millisecond)))
			defer timer.Stop()
			select {
			case <-x.ctx.Done():
				return x.fail(interrupted())
			case <-timer.C:
				return nil, nil
			}
		}),

		expr.Function("display", func(params ...any) (any, error) {
			for _, p := range params {
				x.ev.publish(x.ctx, x.orig, wire.DisplayData{
					Data:     wire.MIMEBundle{"text/plain": repr(p)},
					Metadata: map[string]any{},
				})
			}
			return nil, nil
		}),

		expr.Function("notify", func(params ...any) (any, error) {
			if len(params) != 2 {
				return x.fail(&wire.Exception{EName: "TypeError", EValue: "notify takes a target and a value"})
			}
			if err := x.ev.notify(x.ctx, fmt.Sprint(params[0]), params[1]); err != nil {
				return x.fail(&wire.Exception{EName: "CommError", EValue: err.Error()})
			}
			return nil, nil
		}),
	}
}

// userExpressions evaluates each expression without side effects on the
// namespace.
func (x *execution) userExpressions(e *Engine, exprs map[string]string) map[string]any {
	if len(exprs) == 0 {
		return nil
	}
	out := make(map[string]any, len(exprs))
	for name, src := range exprs {
		x.failure = nil
		value, exc := x.eval(e, src, 1)
		if exc != nil {
			out[name] = map[string]any{"status": wire.StatusError, "ename": exc.EName, "evalue": exc.EValue, "traceback": exc.Traceback}
			continue
		}
		out[name] = map[string]any{"status": wire.StatusOK, "data": wire.MIMEBundle{"text/plain": repr(value)}, "metadata": map[string]any{}}
	}
	return out
}

// readLine asks the front end for input with the engine lock released.
func (ev *Evaluator) readLine(ctx context.Context, orig kernel.Originator, prompt string, password, allowed bool) (string, error) {
	if !allowed || ev.inputs == nil {
		return "", fmt.Errorf("the front end does not accept input requests")
	}
	return ev.lock.ReadConsole(func() (string, error) {
		// a reply left over from an abandoned prompt must not answer this one
		select {
		case <-ev.replies:
		default:
		}

		select {
		case ev.inputs <- kernel.InputRequest{Originator: orig, Prompt: prompt, Password: password, Done: ctx.Done()}:
		case <-ctx.Done():
			return "", ctx.Err()
		}
		select {
		case reply := <-ev.replies:
			return reply.Value, nil
		case <-ctx.Done():
			return "", ctx.Err()
		}
	})
}

// notify opens a kernel-side comm, sends value on it and closes it.
func (ev *Evaluator) notify(ctx context.Context, target string, value any) error {
	if ev.env.Comms == nil {
		return fmt.Errorf("comms are not available")
	}
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	sock := comm.NewSocket("", target, comm.BackEnd, ev.opts.CommBuffer)
	if err := ev.env.Comms.Open(ctx, sock, nil); err != nil {
		return err
	}
	if err := sock.Send(ctx, comm.Msg{Kind: comm.Data, Data: data}); err != nil {
		return err
	}
	return sock.Send(ctx, comm.Msg{Kind: comm.Close})
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}

// repr renders a value for text/plain output.
func repr(v any) string {
	switch t := v.(type) {
	case nil:
		return "nil"
	case string:
		return fmt.Sprintf("%q", t)
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, len(keys))
		for i, k := range keys {
			parts[i] = fmt.Sprintf("%q: %s", k, repr(t[k]))
		}
		return "{" + strings.Join(parts, ", ") + "}"
	case []any:
		parts := make([]string, len(t))
		for i, e := range t {
			parts[i] = repr(e)
		}
		return "[" + strings.Join(parts, ", ") + "]"
	default:
		return fmt.Sprint(v)
	}
}
