package wire

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codefionn/kernelwire/internal/session"
)

type testIdentity struct{}

func (testIdentity) ID() string       { return "session-1" }
func (testIdentity) Username() string { return "tester" }

func newSession(t *testing.T, key string) *session.Session {
	t.Helper()
	s, err := session.New(key, "hmac-sha256", "tester")
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s
}

func TestRoundTrip(t *testing.T) {
	sess := newSession(t, "round-trip-key")
	parent := NewHeader(MsgExecuteRequest, sess)

	contents := []Content{
		ExecuteRequest{Code: "42", StoreHistory: true, UserExpressions: map[string]string{"x": "1"}},
		ExecuteReply{ReplyStatus: OK(), ExecutionCount: 3},
		KernelInfoReply{ReplyStatus: OK(), ProtocolVersion: ProtocolVersion, LanguageInfo: LanguageInfo{Name: "expr"}},
		Status{ExecutionState: StateBusy},
		Stream{Name: StreamStdout, Text: "hello\n"},
		CommOpen{CommID: "c1", TargetName: "echo", Data: json.RawMessage(`{"a":1}`)},
		InputRequest{Prompt: "name? ", Password: true},
		CompleteReply{ReplyStatus: OK(), Matches: []string{"alpha", "alps"}, CursorEnd: 2},
	}

	for _, content := range contents {
		t.Run(content.MessageType(), func(t *testing.T) {
			msg, err := NewMessage(content, &parent, sess)
			require.NoError(t, err)
			msg.Identities = [][]byte{[]byte("client-a")}

			frames, err := msg.Encode(sess)
			require.NoError(t, err)

			decoded, err := Decode(frames, sess)
			require.NoError(t, err)

			assert.Equal(t, msg.Header, decoded.Header)
			require.NotNil(t, decoded.Parent)
			assert.Equal(t, parent, *decoded.Parent)
			assert.Equal(t, [][]byte{[]byte("client-a")}, decoded.Identities)

			parsed, err := ParseContent(decoded)
			require.NoError(t, err)
			assert.Equal(t, content.MessageType(), parsed.MessageType())

			want, err := json.Marshal(content)
			require.NoError(t, err)
			got, err := json.Marshal(parsed)
			require.NoError(t, err)
			assert.JSONEq(t, string(want), string(got))
		})
	}
}

func TestTamperDetection(t *testing.T) {
	for _, key := range []string{"k", "a much longer signing key value", "0123456789abcdef"} {
		sess := newSession(t, key)
		msg, err := NewMessage(ExecuteRequest{Code: "1 + 1"}, nil, sess)
		require.NoError(t, err)

		frames, err := msg.Encode(sess)
		require.NoError(t, err)

		content := frames[len(frames)-1]
		for i := range content {
			tampered := make([][]byte, len(frames))
			for j, f := range frames {
				tampered[j] = append([]byte(nil), f...)
			}
			tampered[len(frames)-1][i] ^= 0x01

			_, err := Decode(tampered, sess)
			var authErr *AuthError
			require.ErrorAs(t, err, &authErr, "flipping content byte %d must fail verification", i)
			assert.ErrorIs(t, err, session.ErrBadSignature)
		}
	}
}

func TestMalformedSignature(t *testing.T) {
	sess := newSession(t, "key")
	msg, err := NewMessage(KernelInfoRequest{}, nil, sess)
	require.NoError(t, err)
	frames, err := msg.Encode(sess)
	require.NoError(t, err)

	frames[1] = []byte("not-hex!")
	_, err = Decode(frames, sess)
	var authErr *AuthError
	require.ErrorAs(t, err, &authErr)
	assert.ErrorIs(t, err, session.ErrMalformedSignature)
}

func TestUnauthenticatedMode(t *testing.T) {
	sess := newSession(t, "")
	msg, err := NewMessage(KernelInfoRequest{}, nil, sess)
	require.NoError(t, err)

	frames, err := msg.Encode(sess)
	require.NoError(t, err)
	assert.Empty(t, frames[1], "unauthenticated messages carry an empty signature")

	for _, sig := range []string{"", "deadbeef", "not even hex"} {
		frames[1] = []byte(sig)
		_, err := Decode(frames, sess)
		assert.NoError(t, err)
	}
}

func TestNilSignerSkipsVerification(t *testing.T) {
	msg, err := NewMessage(KernelInfoRequest{}, nil, testIdentity{})
	require.NoError(t, err)
	frames, err := msg.Encode(nil)
	require.NoError(t, err)

	decoded, err := Decode(frames, nil)
	require.NoError(t, err)
	assert.Equal(t, "session-1", decoded.Header.Session)
	assert.Equal(t, "tester", decoded.Header.Username)
}

func TestParentHeaderTriState(t *testing.T) {
	header := `{"msg_id":"m1","session":"s","username":"u","date":"","msg_type":"kernel_info_request","version":"5.3"}`

	tests := []struct {
		name      string
		parent    string
		wantNil   bool
		wantError bool
	}{
		{"empty frame", "", true, false},
		{"empty object", "{}", true, false},
		{"whitespace object", " { } ", true, false},
		{"present", `{"msg_id":"p1","session":"s","username":"u","date":"","msg_type":"execute_request","version":"5.3"}`, false, false},
		{"garbage", "{]", false, true},
		{"non-object", "[]", false, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			frames := [][]byte{
				[]byte(Delimiter), {},
				[]byte(header), []byte(tt.parent), []byte("{}"), []byte("{}"),
			}
			m, err := Decode(frames, nil)
			if tt.wantError {
				var partErr *MalformedPartError
				require.ErrorAs(t, err, &partErr)
				assert.Equal(t, "parent_header", partErr.Part)
				assert.Equal(t, tt.parent, partErr.Raw)
				return
			}
			require.NoError(t, err)
			if tt.wantNil {
				assert.Nil(t, m.Parent)
			} else {
				require.NotNil(t, m.Parent)
				assert.Equal(t, "p1", m.Parent.MsgID)
			}
		})
	}
}

func TestEncodeAbsentParentAsEmptyObject(t *testing.T) {
	msg, err := NewMessage(Status{ExecutionState: StateIdle}, nil, testIdentity{})
	require.NoError(t, err)
	frames, err := msg.Encode(nil)
	require.NoError(t, err)
	assert.Equal(t, "{}", string(frames[3]))
}

func TestMalformedParts(t *testing.T) {
	good := [][]byte{
		[]byte(`{"msg_id":"m1","msg_type":"execute_request"}`),
		[]byte(`{}`),
		[]byte(`{}`),
		[]byte(`{"code":"1"}`),
	}
	names := []string{"header", "parent_header", "metadata", "content"}

	for i, name := range names {
		t.Run(name, func(t *testing.T) {
			parts := append([][]byte(nil), good...)
			parts[i] = []byte(`{"unterminated"`)
			frames := append([][]byte{[]byte(Delimiter), {}}, parts...)

			_, err := Decode(frames, nil)
			var partErr *MalformedPartError
			require.ErrorAs(t, err, &partErr)
			assert.Equal(t, name, partErr.Part)
			assert.Equal(t, `{"unterminated"`, partErr.Raw)
		})
	}
}

func TestFramingErrors(t *testing.T) {
	_, err := Decode([][]byte{[]byte("id"), []byte("sig")}, nil)
	assert.ErrorIs(t, err, ErrMissingDelimiter)

	_, err = Decode([][]byte{[]byte(Delimiter), {}, []byte("{}")}, nil)
	assert.ErrorIs(t, err, ErrTooFewFrames)
}

func TestBuffersAreCarriedUnsigned(t *testing.T) {
	sess := newSession(t, "buffers")
	msg, err := NewMessage(CommMsg{CommID: "c1", Data: json.RawMessage(`{}`)}, nil, sess)
	require.NoError(t, err)
	msg.Buffers = [][]byte{{0x00, 0x01}, []byte("raw")}

	frames, err := msg.Encode(sess)
	require.NoError(t, err)

	// changing a buffer does not invalidate the signature
	frames[len(frames)-1] = []byte("changed")
	decoded, err := Decode(frames, sess)
	require.NoError(t, err)
	assert.Equal(t, [][]byte{{0x00, 0x01}, []byte("changed")}, decoded.Buffers)
}

func TestUnknownMessageType(t *testing.T) {
	msg := &Message{Header: Header{MsgID: "x", MsgType: "bogus"}, Content: json.RawMessage(`{}`)}

	_, err := ParseContent(msg)
	var unknown *UnknownMessageTypeError
	require.ErrorAs(t, err, &unknown)
	assert.Equal(t, "bogus", unknown.MsgType)
	assert.False(t, Known("bogus"))
	assert.True(t, Known(MsgExecuteRequest))
}

func TestContentSchemaMismatch(t *testing.T) {
	msg := &Message{
		Header:  Header{MsgID: "x", MsgType: MsgExecuteRequest},
		Content: json.RawMessage(`{"code": 42}`),
	}

	_, err := ParseContent(msg)
	var contentErr *ContentError
	require.ErrorAs(t, err, &contentErr)
	assert.Equal(t, MsgExecuteRequest, contentErr.MsgType)
}

func TestExceptionConversion(t *testing.T) {
	exc := &Exception{EName: "ZeroDivisionError", EValue: "division by zero", Traceback: []string{"line 1"}}
	wrapped := errors.Join(errors.New("context"), exc)
	assert.Same(t, exc, AsException(wrapped))

	generic := AsException(errors.New("boom"))
	assert.Equal(t, "KernelError", generic.EName)
	assert.Equal(t, "boom", generic.EValue)
}
