package wire

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// Content is implemented by every message body the kernel understands.
// The set is closed: ParseContent only produces types registered below.
type Content interface {
	MessageType() string
}

// Message types.
const (
	MsgKernelInfoRequest = "kernel_info_request"
	MsgKernelInfoReply   = "kernel_info_reply"
	MsgExecuteRequest    = "execute_request"
	MsgExecuteReply      = "execute_reply"
	MsgCompleteRequest   = "complete_request"
	MsgCompleteReply     = "complete_reply"
	MsgInspectRequest    = "inspect_request"
	MsgInspectReply      = "inspect_reply"
	MsgIsCompleteRequest = "is_complete_request"
	MsgIsCompleteReply   = "is_complete_reply"
	MsgHistoryRequest    = "history_request"
	MsgHistoryReply      = "history_reply"
	MsgCommInfoRequest   = "comm_info_request"
	MsgCommInfoReply     = "comm_info_reply"
	MsgCommOpen          = "comm_open"
	MsgCommMsg           = "comm_msg"
	MsgCommClose         = "comm_close"
	MsgShutdownRequest   = "shutdown_request"
	MsgShutdownReply     = "shutdown_reply"
	MsgInterruptRequest  = "interrupt_request"
	MsgInterruptReply    = "interrupt_reply"
	MsgInputRequest      = "input_request"
	MsgInputReply        = "input_reply"
	MsgStatus            = "status"
	MsgStream            = "stream"
	MsgExecuteInput      = "execute_input"
	MsgExecuteResult     = "execute_result"
	MsgDisplayData       = "display_data"
	MsgError             = "error"
)

var registry = map[string]func() Content{
	MsgKernelInfoRequest: func() Content { return &KernelInfoRequest{} },
	MsgKernelInfoReply:   func() Content { return &KernelInfoReply{} },
	MsgExecuteRequest:    func() Content { return &ExecuteRequest{} },
	MsgExecuteReply:      func() Content { return &ExecuteReply{} },
	MsgCompleteRequest:   func() Content { return &CompleteRequest{} },
	MsgCompleteReply:     func() Content { return &CompleteReply{} },
	MsgInspectRequest:    func() Content { return &InspectRequest{} },
	MsgInspectReply:      func() Content { return &InspectReply{} },
	MsgIsCompleteRequest: func() Content { return &IsCompleteRequest{} },
	MsgIsCompleteReply:   func() Content { return &IsCompleteReply{} },
	MsgHistoryRequest:    func() Content { return &HistoryRequest{} },
	MsgHistoryReply:      func() Content { return &HistoryReply{} },
	MsgCommInfoRequest:   func() Content { return &CommInfoRequest{} },
	MsgCommInfoReply:     func() Content { return &CommInfoReply{} },
	MsgCommOpen:          func() Content { return &CommOpen{} },
	MsgCommMsg:           func() Content { return &CommMsg{} },
	MsgCommClose:         func() Content { return &CommClose{} },
	MsgShutdownRequest:   func() Content { return &ShutdownRequest{} },
	MsgShutdownReply:     func() Content { return &ShutdownReply{} },
	MsgInterruptRequest:  func() Content { return &InterruptRequest{} },
	MsgInterruptReply:    func() Content { return &InterruptReply{} },
	MsgInputRequest:      func() Content { return &InputRequest{} },
	MsgInputReply:        func() Content { return &InputReply{} },
	MsgStatus:            func() Content { return &Status{} },
	MsgStream:            func() Content { return &Stream{} },
	MsgExecuteInput:      func() Content { return &ExecuteInput{} },
	MsgExecuteResult:     func() Content { return &ExecuteResult{} },
	MsgDisplayData:       func() Content { return &DisplayData{} },
	MsgError:             func() Content { return &ErrorOutput{} },
}

// Known reports whether msgType belongs to the supported set.
func Known(msgType string) bool {
	_, ok := registry[msgType]
	return ok
}

// ParseContent decodes m.Content according to its msg_type. The result is a
// pointer to one of the content structs in this package.
func ParseContent(m *Message) (Content, error) {
	newContent, ok := registry[m.Header.MsgType]
	if !ok {
		return nil, &UnknownMessageTypeError{MsgType: m.Header.MsgType}
	}
	c := newContent()
	if err := decodeStrict(m.Content, c); err != nil {
		return nil, &ContentError{MsgType: m.Header.MsgType, Err: err}
	}
	return c, nil
}

// decodeStrict unmarshals data into v, rejecting JSON values of the wrong
// shape (a number where an object is expected, etc.). Unknown fields are
// tolerated; protocol minor versions add fields freely.
func decodeStrict(data json.RawMessage, v any) error {
	if len(bytes.TrimSpace(data)) == 0 {
		data = emptyObject
	}
	return json.Unmarshal(data, v)
}

// NewMessage builds an envelope for content, stamped with a fresh header.
func NewMessage(content Content, parent *Header, id Identity) (*Message, error) {
	body, err := json.Marshal(content)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s content: %w", content.MessageType(), err)
	}
	return &Message{
		Header:   NewHeader(content.MessageType(), id),
		Parent:   parent.Clone(),
		Metadata: append(json.RawMessage(nil), emptyObject...),
		Content:  body,
	}, nil
}

// ReplyType maps a request type to its reply type ("execute_request" ->
// "execute_reply").
func ReplyType(requestType string) string {
	return strings.TrimSuffix(requestType, "_request") + "_reply"
}
