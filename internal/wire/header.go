package wire

import (
	"time"

	"github.com/google/uuid"
)

// ProtocolVersion is the messaging protocol version stamped on headers.
const ProtocolVersion = "5.3"

// Identity supplies the session fields stamped on outgoing headers.
type Identity interface {
	ID() string
	Username() string
}

// Header identifies a message and its type.
type Header struct {
	MsgID    string `json:"msg_id"`
	Session  string `json:"session"`
	Username string `json:"username"`
	Date     string `json:"date"`
	MsgType  string `json:"msg_type"`
	Version  string `json:"version"`
}

// NewHeader creates a header with a fresh message id.
func NewHeader(msgType string, id Identity) Header {
	h := Header{
		MsgID:   uuid.NewString(),
		Date:    time.Now().UTC().Format(time.RFC3339Nano),
		MsgType: msgType,
		Version: ProtocolVersion,
	}
	if id != nil {
		h.Session = id.ID()
		h.Username = id.Username()
	}
	return h
}

// Clone returns a copy of h, or nil for a nil header.
func (h *Header) Clone() *Header {
	if h == nil {
		return nil
	}
	c := *h
	return &c
}
