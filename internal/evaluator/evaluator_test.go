package evaluator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codefionn/kernelwire/internal/enginelock"
	"github.com/codefionn/kernelwire/internal/kernel"
	"github.com/codefionn/kernelwire/internal/wire"
)

func newEvaluator(t *testing.T) *Evaluator {
	t.Helper()
	ev := New(Options{PollInterval: time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- ev.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return ev
}

func execute(t *testing.T, ev *Evaluator, code string) wire.ExecuteReply {
	t.Helper()
	reply, err := ev.HandleExecuteRequest(context.Background(), kernel.Originator{}, wire.ExecuteRequest{Code: code, StoreHistory: true})
	require.NoError(t, err)
	return reply
}

func TestExecuteAssignsAndCounts(t *testing.T) {
	ev := newEvaluator(t)

	reply := execute(t, ev, "x = 40\ny = x + 2")
	assert.Equal(t, wire.StatusOK, reply.Status)
	assert.Equal(t, 1, reply.ExecutionCount)

	reply, err := ev.HandleExecuteRequest(context.Background(), kernel.Originator{}, wire.ExecuteRequest{
		Code:            "y * 2",
		StoreHistory:    true,
		UserExpressions: map[string]string{"doubled": "y * 2", "broken": "nope + 1"},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, reply.ExecutionCount)

	doubled := reply.UserExpressions["doubled"].(map[string]any)
	assert.Equal(t, wire.StatusOK, doubled["status"])
	assert.Equal(t, wire.MIMEBundle{"text/plain": "84"}, doubled["data"])

	broken := reply.UserExpressions["broken"].(map[string]any)
	assert.Equal(t, wire.StatusError, broken["status"])
	assert.Equal(t, "NameError", broken["ename"])
}

func TestExecutionCountSkipsSilentAndUnstored(t *testing.T) {
	ev := newEvaluator(t)
	ctx := context.Background()

	execute(t, ev, "1")
	reply, err := ev.HandleExecuteRequest(ctx, kernel.Originator{}, wire.ExecuteRequest{Code: "2", Silent: true, StoreHistory: true})
	require.NoError(t, err)
	assert.Equal(t, 1, reply.ExecutionCount)

	reply, err = ev.HandleExecuteRequest(ctx, kernel.Originator{}, wire.ExecuteRequest{Code: "3"})
	require.NoError(t, err)
	assert.Equal(t, 1, reply.ExecutionCount)

	assert.Equal(t, 2, execute(t, ev, "4").ExecutionCount)
}

func TestExecuteErrors(t *testing.T) {
	ev := newEvaluator(t)

	tests := []struct {
		code  string
		ename string
	}{
		{"undefined_name + 1", "NameError"},
		{"1 +", "SyntaxError"},
		{"sleep()", "TypeError"},
		{"input('name? ')", "StdinNotImplementedError"},
	}
	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			reply := execute(t, ev, tt.code)
			assert.Equal(t, wire.StatusError, reply.Status)
			assert.Equal(t, tt.ename, reply.EName)
			assert.NotEmpty(t, reply.Traceback)
		})
	}
}

func TestInterruptStopsSleep(t *testing.T) {
	ev := newEvaluator(t)

	replies := make(chan wire.ExecuteReply, 1)
	go func() {
		reply, _ := ev.HandleExecuteRequest(context.Background(), kernel.Originator{}, wire.ExecuteRequest{Code: "sleep(60000)"})
		replies <- reply
	}()

	require.Eventually(t, func() bool {
		return ev.Lock().State().Owner == "shell"
	}, 2*time.Second, time.Millisecond)

	_, err := ev.HandleInterruptRequest(context.Background(), wire.InterruptRequest{})
	require.NoError(t, err)

	select {
	case reply := <-replies:
		assert.Equal(t, wire.StatusError, reply.Status)
		assert.Equal(t, "KeyboardInterrupt", reply.EName)
	case <-time.After(2 * time.Second):
		t.Fatal("interrupt did not stop the execution")
	}

	// the engine still serves requests afterwards
	assert.Equal(t, wire.StatusOK, execute(t, ev, "1 + 1").Status)
}

func TestShutdownAbortsExecutions(t *testing.T) {
	ev := newEvaluator(t)

	_, err := ev.HandleShutdownRequest(context.Background(), wire.ShutdownRequest{})
	require.NoError(t, err)
	assert.Equal(t, wire.StatusAbort, execute(t, ev, "1").Status)
}

func TestInputReplyWithoutRequest(t *testing.T) {
	ev := newEvaluator(t)
	require.NoError(t, ev.HandleInputReply(context.Background(), wire.InputReply{Value: "stale"}))
	assert.Error(t, ev.HandleInputReply(context.Background(), wire.InputReply{Value: "extra"}))
}

func TestIsComplete(t *testing.T) {
	tests := []struct {
		code   string
		status string
	}{
		{"1 + 1", wire.CodeComplete},
		{"", wire.CodeComplete},
		{"f(1,", wire.CodeIncomplete},
		{"[1, {\"a\": 2", wire.CodeIncomplete},
		{"\"unterminated", wire.CodeIncomplete},
		{"\"escaped \\\" quote\"", wire.CodeComplete},
		{"\")\"", wire.CodeComplete},
		{"(]", wire.CodeInvalid},
		{"1)", wire.CodeInvalid},
	}
	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			assert.Equal(t, tt.status, isComplete(tt.code).Status)
		})
	}
	assert.Equal(t, "    ", isComplete("f([").Indent)
}

func TestTokenAt(t *testing.T) {
	tok, start, end := tokenAt("x = pri", 7, true)
	assert.Equal(t, "pri", tok)
	assert.Equal(t, 4, start)
	assert.Equal(t, 7, end)

	tok, start, end = tokenAt("print(value)", 8, false)
	assert.Equal(t, "value", tok)
	assert.Equal(t, 6, start)
	assert.Equal(t, 11, end)

	// offsets count runes, not bytes
	tok, start, _ = tokenAt("é + größe", 7, true)
	assert.Equal(t, "gr", tok)
	assert.Equal(t, 4, start)

	tok, _, _ = tokenAt("abc", 99, true)
	assert.Equal(t, "abc", tok)
}

func TestCompleteAndInspect(t *testing.T) {
	ev := newEvaluator(t)
	ctx := context.Background()
	execute(t, ev, "printer = 'laser'\nprice = 3")

	reply, err := ev.HandleCompleteRequest(ctx, wire.CompleteRequest{Code: "pr", CursorPos: 2})
	require.NoError(t, err)
	assert.Equal(t, []string{"price", "print", "printer"}, reply.Matches)
	assert.Equal(t, 0, reply.CursorStart)
	assert.Equal(t, 2, reply.CursorEnd)

	inspect, err := ev.HandleInspectRequest(ctx, wire.InspectRequest{Code: "price", CursorPos: 2})
	require.NoError(t, err)
	assert.True(t, inspect.Found)
	assert.Equal(t, "price: int = 3", inspect.Data["text/plain"])

	inspect, err = ev.HandleInspectRequest(ctx, wire.InspectRequest{Code: "sleep(1)", CursorPos: 1})
	require.NoError(t, err)
	assert.True(t, inspect.Found)
	assert.Equal(t, builtins["sleep"], inspect.Data["text/plain"])

	inspect, err = ev.HandleInspectRequest(ctx, wire.InspectRequest{Code: "missing", CursorPos: 3})
	require.NoError(t, err)
	assert.False(t, inspect.Found)
}

func TestCompleteWaitsForEngine(t *testing.T) {
	ev := New(Options{PollInterval: time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// nobody polls, so the engine never yields
	_, err := ev.Lock().Hold(ctx)
	require.NoError(t, err)
	defer ev.Lock().Release()

	short, stop := context.WithTimeout(ctx, 50*time.Millisecond)
	defer stop()
	_, err = ev.HandleCompleteRequest(short, wire.CompleteRequest{Code: "p", CursorPos: 1})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, enginelock.LockHeld, ev.Lock().State().State)
}

func TestRepr(t *testing.T) {
	assert.Equal(t, "nil", repr(nil))
	assert.Equal(t, `"a"`, repr("a"))
	assert.Equal(t, `{"a": 1, "b": [true, "x"]}`, repr(map[string]any{"b": []any{true, "x"}, "a": 1}))
	assert.Equal(t, "2.5", repr(2.5))
}
