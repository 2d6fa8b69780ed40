package evaluator

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"unicode"

	"github.com/codefionn/kernelwire/internal/enginelock"
	"github.com/codefionn/kernelwire/internal/wire"
)

func isIdent(r rune) bool {
	return r == '_' || unicode.IsLetter(r) || unicode.IsDigit(r)
}

// tokenAt returns the identifier around cursor (a rune offset) and its
// bounds. With prefixOnly the token ends at the cursor.
func tokenAt(code string, cursor int, prefixOnly bool) (string, int, int) {
	runes := []rune(code)
	if cursor < 0 || cursor > len(runes) {
		cursor = len(runes)
	}
	start := cursor
	for start > 0 && isIdent(runes[start-1]) {
		start--
	}
	end := cursor
	if !prefixOnly {
		for end < len(runes) && isIdent(runes[end]) {
			end++
		}
	}
	return string(runes[start:end]), start, end
}

// HandleCompleteRequest completes variable and builtin names.
func (ev *Evaluator) HandleCompleteRequest(ctx context.Context, req wire.CompleteRequest) (wire.CompleteReply, error) {
	prefix, start, end := tokenAt(req.Code, req.CursorPos, true)

	names, err := enginelock.Do(ctx, ev.lock, "complete", func(e *Engine) ([]string, error) {
		names := make([]string, 0, len(e.vars))
		for name := range e.vars {
			names = append(names, name)
		}
		return names, nil
	})
	if err != nil {
		return wire.CompleteReply{}, err
	}
	for name := range builtins {
		names = append(names, name)
	}

	matches := []string{}
	for _, name := range names {
		if strings.HasPrefix(name, prefix) {
			matches = append(matches, name)
		}
	}
	sort.Strings(matches)

	return wire.CompleteReply{
		ReplyStatus: wire.OK(),
		Matches:     matches,
		CursorStart: start,
		CursorEnd:   end,
		Metadata:    map[string]any{},
	}, nil
}

// HandleInspectRequest describes the variable or builtin under the cursor.
func (ev *Evaluator) HandleInspectRequest(ctx context.Context, req wire.InspectRequest) (wire.InspectReply, error) {
	name, _, _ := tokenAt(req.Code, req.CursorPos, false)
	reply := wire.InspectReply{ReplyStatus: wire.OK(), Data: wire.MIMEBundle{}, Metadata: map[string]any{}}
	if name == "" {
		return reply, nil
	}

	if doc, ok := builtins[name]; ok {
		reply.Found = true
		reply.Data["text/plain"] = doc
		return reply, nil
	}

	text, err := enginelock.Do(ctx, ev.lock, "inspect", func(e *Engine) (string, error) {
		v, ok := e.vars[name]
		if !ok {
			return "", nil
		}
		desc := fmt.Sprintf("%s: %T = %s", name, v, repr(v))
		if req.DetailLevel > 0 {
			desc += fmt.Sprintf("\nexecution count: %d", e.count)
		}
		return desc, nil
	})
	if err != nil {
		return wire.InspectReply{}, err
	}
	if text != "" {
		reply.Found = true
		reply.Data["text/plain"] = text
	}
	return reply, nil
}

// HandleIsCompleteRequest checks quote and bracket balance.
func (ev *Evaluator) HandleIsCompleteRequest(ctx context.Context, req wire.IsCompleteRequest) (wire.IsCompleteReply, error) {
	return isComplete(req.Code), nil
}

func isComplete(code string) wire.IsCompleteReply {
	closers := map[rune]rune{')': '(', ']': '[', '}': '{'}
	var (
		stack   []rune
		quote   rune
		escaped bool
	)
	for _, r := range code {
		if quote != 0 {
			switch {
			case escaped:
				escaped = false
			case r == '\\':
				escaped = true
			case r == quote:
				quote = 0
			}
			continue
		}
		switch r {
		case '"', '\'', '`':
			quote = r
		case '(', '[', '{':
			stack = append(stack, r)
		case ')', ']', '}':
			if len(stack) == 0 || stack[len(stack)-1] != closers[r] {
				return wire.IsCompleteReply{Status: wire.CodeInvalid}
			}
			stack = stack[:len(stack)-1]
		}
	}
	if quote != 0 || len(stack) > 0 {
		return wire.IsCompleteReply{Status: wire.CodeIncomplete, Indent: strings.Repeat("  ", len(stack))}
	}
	return wire.IsCompleteReply{Status: wire.CodeComplete}
}
