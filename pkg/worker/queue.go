package worker

import (
	"sync"

	"conductor/pkg/protocol"
)

// MessageQueue is a FIFO of messages that arrived while an item was running
// and must be handled after it, in arrival order. Unlike a bounded buffer it
// never drops messages: losing an assignment would strand its item.
type MessageQueue struct {
	mu   sync.Mutex
	msgs []protocol.Message
}

// NewMessageQueue returns an empty queue.
func NewMessageQueue() *MessageQueue {
	return &MessageQueue{}
}

// Push appends msg.
func (q *MessageQueue) Push(msg protocol.Message) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.msgs = append(q.msgs, msg)
}

// Pop removes and returns the oldest message.
func (q *MessageQueue) Pop() (protocol.Message, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.msgs) == 0 {
		return protocol.Message{}, false
	}
	msg := q.msgs[0]
	q.msgs[0] = protocol.Message{}
	q.msgs = q.msgs[1:]
	return msg, true
}

// Drain returns all queued messages and empties the queue.
func (q *MessageQueue) Drain() []protocol.Message {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.msgs) == 0 {
		return nil
	}
	out := q.msgs
	q.msgs = nil
	return out
}

// Len returns the number of queued messages.
func (q *MessageQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.msgs)
}
