// Package protocol defines the messages exchanged between the conductor
// dispatcher and its worker processes, and the length-prefixed framing that
// carries them over a stream connection.
package protocol

import (
	"encoding/json"
	"fmt"
)

// MessageType identifies the kind of a Message.
type MessageType string

// Dispatcher to worker.
const (
	MsgAssignment MessageType = "assignment"
	MsgShutdown   MessageType = "shutdown"
)

// Worker to dispatcher.
const (
	MsgExecutionPassed  MessageType = "execution_passed"
	MsgExecutionFailed  MessageType = "execution_failed"
	MsgExecutionPending MessageType = "execution_pending"
	MsgExecutionRetried MessageType = "execution_retried"
	MsgItemComplete     MessageType = "item_complete"
	MsgItemError        MessageType = "item_error"
	MsgItemInterrupted  MessageType = "item_interrupted"
)

// Message is the tagged record sent in both directions. Only the fields
// relevant to Type are populated; the rest are omitted on the wire.
type Message struct {
	Type           MessageType `json:"type"`
	File           string      `json:"file,omitempty"`
	Description    string      `json:"description,omitempty"`
	Location       string      `json:"location,omitempty"`
	RunTime        float64     `json:"run_time,omitempty"` // seconds
	ExceptionClass string      `json:"exception_class,omitempty"`
	Message        string      `json:"message,omitempty"`
	Backtrace      []string    `json:"backtrace,omitempty"`
	Error          string      `json:"error,omitempty"`
	PendingMessage string      `json:"pending_message,omitempty"`
}

// Assignment hands item to a worker.
func Assignment(item string) Message {
	return Message{Type: MsgAssignment, File: item}
}

// Shutdown asks a worker to stop once its current item is done.
func Shutdown() Message {
	return Message{Type: MsgShutdown}
}

// ItemComplete reports that item ran to the end.
func ItemComplete(item string) Message {
	return Message{Type: MsgItemComplete, File: item}
}

// ItemError reports that the backend could not run item at all.
func ItemError(item, errMsg string, backtrace []string) Message {
	return Message{Type: MsgItemError, File: item, Error: errMsg, Backtrace: backtrace}
}

// ItemInterrupted reports that item was cut short by a shutdown request.
func ItemInterrupted(item string) Message {
	return Message{Type: MsgItemInterrupted, File: item}
}

// IsExecutionEvent reports whether t is one of the per-execution outcome
// events a backend produces while running an item.
func (t MessageType) IsExecutionEvent() bool {
	switch t {
	case MsgExecutionPassed, MsgExecutionFailed, MsgExecutionPending, MsgExecutionRetried:
		return true
	default:
		return false
	}
}

// Encode serializes m into a frame payload.
func Encode(m Message) ([]byte, error) {
	if m.Type == "" {
		return nil, fmt.Errorf("encode message: missing type")
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode %s message: %w", m.Type, err)
	}
	return b, nil
}

// Decode parses a frame payload. Unknown keys are ignored.
func Decode(payload []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(payload, &m); err != nil {
		return Message{}, fmt.Errorf("decode message: %w", err)
	}
	if m.Type == "" {
		return Message{}, fmt.Errorf("decode message: missing type")
	}
	return m, nil
}
