package wire

import "encoding/json"

// ShutdownRequest asks the kernel to exit (or restart).
type ShutdownRequest struct {
	Restart bool `json:"restart"`
}

func (ShutdownRequest) MessageType() string { return MsgShutdownRequest }

// ShutdownReply answers ShutdownRequest.
type ShutdownReply struct {
	ReplyStatus
	Restart bool `json:"restart"`
}

func (ShutdownReply) MessageType() string { return MsgShutdownReply }

// InterruptRequest asks the engine to abandon the running computation.
type InterruptRequest struct{}

func (InterruptRequest) MessageType() string { return MsgInterruptRequest }

// InterruptReply answers InterruptRequest.
type InterruptReply struct {
	ReplyStatus
}

func (InterruptReply) MessageType() string { return MsgInterruptReply }

// InputRequest is sent by the kernel on stdin to ask the front end for input.
type InputRequest struct {
	Prompt   string `json:"prompt"`
	Password bool   `json:"password"`
}

func (InputRequest) MessageType() string { return MsgInputRequest }

// InputReply carries the user's answer.
type InputReply struct {
	Value string `json:"value"`
}

func (InputReply) MessageType() string { return MsgInputReply }

// CommOpen opens a comm. Either side may send it.
type CommOpen struct {
	CommID     string          `json:"comm_id"`
	TargetName string          `json:"target_name"`
	Data       json.RawMessage `json:"data"`
}

func (CommOpen) MessageType() string { return MsgCommOpen }

// CommMsg carries data on an open comm.
type CommMsg struct {
	CommID string          `json:"comm_id"`
	Data   json.RawMessage `json:"data"`
}

func (CommMsg) MessageType() string { return MsgCommMsg }

// CommClose closes a comm.
type CommClose struct {
	CommID string          `json:"comm_id"`
	Data   json.RawMessage `json:"data"`
}

func (CommClose) MessageType() string { return MsgCommClose }
