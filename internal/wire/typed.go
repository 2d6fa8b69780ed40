package wire

import (
	"encoding/json"
	"fmt"
)

// TypedMessage pairs an envelope with its decoded content.
type TypedMessage[T Content] struct {
	Message *Message
	Content T
}

// AsTyped decodes m as T, a content struct type such as ExecuteRequest
// (not a pointer). It fails with ContentError when the msg_type does
// not name T or the content does not fit T's schema.
func AsTyped[T Content](m *Message) (*TypedMessage[T], error) {
	var content T
	if m.Header.MsgType != content.MessageType() {
		return nil, &ContentError{
			MsgType: m.Header.MsgType,
			Err:     fmt.Errorf("expected %s", content.MessageType()),
		}
	}
	if err := decodeStrict(m.Content, &content); err != nil {
		return nil, &ContentError{MsgType: m.Header.MsgType, Err: err}
	}
	return &TypedMessage[T]{Message: m, Content: content}, nil
}

// NewTyped builds a fresh typed message with a new header.
func NewTyped[T Content](content T, parent *Header, id Identity) (*TypedMessage[T], error) {
	m, err := NewMessage(content, parent, id)
	if err != nil {
		return nil, err
	}
	return &TypedMessage[T]{Message: m, Content: content}, nil
}

// Header returns the envelope header.
func (t *TypedMessage[T]) Header() Header {
	return t.Message.Header
}

// Reply builds a message answering t: parented by t's header and addressed
// to t's routing identities.
func (t *TypedMessage[T]) Reply(content Content, id Identity) (*Message, error) {
	return ReplyTo(t.Message, content, id)
}

// ErrorReply builds the error form of t's reply from err.
func (t *TypedMessage[T]) ErrorReply(err error, id Identity) (*Message, error) {
	return ErrorReplyTo(t.Message, err, id)
}

// ErrorReplyTo builds an error reply to any request message.
func ErrorReplyTo(m *Message, err error, id Identity) (*Message, error) {
	return ReplyTo(m, NewErrorReply(ReplyType(m.Header.MsgType), AsException(err)), id)
}

// ReplyTo builds a message answering m: parented by m's header and
// addressed to m's routing identities.
func ReplyTo(m *Message, content Content, id Identity) (*Message, error) {
	parent := m.Header
	reply, err := NewMessage(content, &parent, id)
	if err != nil {
		return nil, err
	}
	reply.Identities = cloneFrames(m.Identities)
	return reply, nil
}

// Untyped converts the typed message back to an envelope, re-encoding the
// content so edits to t.Content are reflected.
func (t *TypedMessage[T]) Untyped() (*Message, error) {
	body, err := json.Marshal(t.Content)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s content: %w", t.Content.MessageType(), err)
	}
	m := *t.Message
	m.Content = body
	return &m, nil
}
