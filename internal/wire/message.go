// Package wire converts between multi-part socket frames and verified
// kernel protocol messages.
//
// A message on the wire is
//
//	[identity...] <IDS|MSG> signature header parent_header metadata content [buffer...]
//
// Identities appear only on request/reply sockets. The signature is the hex
// keyed hash over the four JSON parts and is empty in unauthenticated mode.
// Binary buffers trail the content and are not signed.
package wire

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Delimiter separates routing identities from the payload frames.
const Delimiter = "<IDS|MSG>"

var emptyObject = json.RawMessage(`{}`)

// Signer signs outgoing payloads and verifies incoming ones. A nil Signer
// means unauthenticated mode.
type Signer interface {
	Sign(parts [][]byte) string
	Verify(signature string, parts [][]byte) error
}

// Message is the untyped envelope: routing identities, the four JSON parts
// and optional binary buffers. Parent is nil when the message has no causal
// parent.
type Message struct {
	Identities [][]byte
	Header     Header
	Parent     *Header
	Metadata   json.RawMessage
	Content    json.RawMessage
	Buffers    [][]byte
}

// MsgType is a shorthand for m.Header.MsgType.
func (m *Message) MsgType() string {
	return m.Header.MsgType
}

// payload serializes the four signed parts.
func (m *Message) payload() ([][]byte, error) {
	header, err := json.Marshal(m.Header)
	if err != nil {
		return nil, fmt.Errorf("failed to encode header: %w", err)
	}

	parent := []byte(emptyObject)
	if m.Parent != nil {
		if parent, err = json.Marshal(m.Parent); err != nil {
			return nil, fmt.Errorf("failed to encode parent header: %w", err)
		}
	}

	metadata := []byte(m.Metadata)
	if len(bytes.TrimSpace(metadata)) == 0 {
		metadata = emptyObject
	}
	content := []byte(m.Content)
	if len(bytes.TrimSpace(content)) == 0 {
		content = emptyObject
	}

	return [][]byte{header, parent, metadata, content}, nil
}

// Encode produces the frames for one multi-part send.
func (m *Message) Encode(signer Signer) ([][]byte, error) {
	parts, err := m.payload()
	if err != nil {
		return nil, err
	}

	signature := ""
	if signer != nil {
		signature = signer.Sign(parts)
	}

	frames := make([][]byte, 0, len(m.Identities)+2+len(parts)+len(m.Buffers))
	frames = append(frames, m.Identities...)
	frames = append(frames, []byte(Delimiter), []byte(signature))
	frames = append(frames, parts...)
	frames = append(frames, m.Buffers...)
	return frames, nil
}

// Decode splits frames at the delimiter, verifies the signature and parses
// the four JSON parts. Nothing is parsed before the signature checks out.
func Decode(frames [][]byte, signer Signer) (*Message, error) {
	delim := -1
	for i, f := range frames {
		if string(f) == Delimiter {
			delim = i
			break
		}
	}
	if delim < 0 {
		return nil, ErrMissingDelimiter
	}

	rest := frames[delim+1:]
	if len(rest) < 5 {
		return nil, fmt.Errorf("%w: got %d, need 5", ErrTooFewFrames, len(rest))
	}

	signature := string(rest[0])
	parts := rest[1:5]
	if signer != nil {
		if err := signer.Verify(signature, parts); err != nil {
			return nil, &AuthError{Err: err}
		}
	}

	m := &Message{}
	if delim > 0 {
		m.Identities = cloneFrames(frames[:delim])
	}
	if len(rest) > 5 {
		m.Buffers = cloneFrames(rest[5:])
	}

	if err := json.Unmarshal(parts[0], &m.Header); err != nil {
		return nil, &MalformedPartError{Part: "header", Raw: string(parts[0]), Err: err}
	}

	parent, err := decodeParent(parts[1])
	if err != nil {
		return nil, &MalformedPartError{Part: "parent_header", Raw: string(parts[1]), Err: err}
	}
	m.Parent = parent

	if m.Metadata, err = decodeObject(parts[2]); err != nil {
		return nil, &MalformedPartError{Part: "metadata", Raw: string(parts[2]), Err: err}
	}
	if m.Content, err = decodeObject(parts[3]); err != nil {
		return nil, &MalformedPartError{Part: "content", Raw: string(parts[3]), Err: err}
	}

	return m, nil
}

// decodeParent treats an empty frame or an empty object as "no parent".
func decodeParent(frame []byte) (*Header, error) {
	if len(bytes.TrimSpace(frame)) == 0 {
		return nil, nil
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(frame, &fields); err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, nil
	}
	var h Header
	if err := json.Unmarshal(frame, &h); err != nil {
		return nil, err
	}
	return &h, nil
}

func decodeObject(frame []byte) (json.RawMessage, error) {
	trimmed := bytes.TrimSpace(frame)
	if len(trimmed) == 0 {
		return append(json.RawMessage(nil), emptyObject...), nil
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &obj); err != nil {
		return nil, err
	}
	return append(json.RawMessage(nil), trimmed...), nil
}

func cloneFrames(frames [][]byte) [][]byte {
	out := make([][]byte, len(frames))
	for i, f := range frames {
		out[i] = append([]byte(nil), f...)
	}
	return out
}
