package worker_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"conductor/pkg/backend"
	"conductor/pkg/protocol"
)

// scriptedBackend decides what to do from the item name.
//
//	"pass"  one passing example
//	"fail"  one failing example
//	"skip"  one pending example
//	"flaky" a retried example followed by a pass
//	"slow"  passes every 5ms until cancelled
//	"error" cannot run the item
//	"panic" panics
type scriptedBackend struct {
	setups, teardowns atomic.Int32
}

func (b *scriptedBackend) Setup(context.Context) error {
	b.setups.Add(1)
	return nil
}

func (b *scriptedBackend) Teardown(context.Context) error {
	b.teardowns.Add(1)
	return nil
}

func (b *scriptedBackend) Run(ctx context.Context, item string, r backend.Reporter) error {
	switch item {
	case "pass":
		r.Passed(backend.Example{Description: "works", Location: "a.go:1", RunTime: 250 * time.Millisecond})
	case "fail":
		r.Failed(backend.Example{
			Description:    "breaks",
			Location:       "a.go:2",
			ExceptionClass: "AssertionError",
			Message:        "expected 1, got 2",
			Backtrace:      []string{"a.go:2", "a.go:9"},
		})
	case "skip":
		r.Pending(backend.Example{Description: "later", PendingMessage: "not yet"})
	case "flaky":
		r.Retried(backend.Example{Description: "sometimes", Message: "timeout"})
		r.Passed(backend.Example{Description: "sometimes"})
	case "slow":
		for {
			r.Passed(backend.Example{Description: "tick"})
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(5 * time.Millisecond):
			}
		}
	case "error":
		return &backend.ItemError{Item: item, Msg: "cannot load", Backtrace: []string{"loader.go:7"}}
	case "panic":
		panic("boom")
	default:
		return errors.New("unknown item " + item)
	}
	return nil
}

// pair returns the dispatcher end and the worker end of a channel.
func pair(t *testing.T) (parent, child *protocol.Channel) {
	t.Helper()
	parent, child, err := protocol.Pair()
	if err != nil {
		t.Fatalf("Pair: %v", err)
	}
	t.Cleanup(func() {
		_ = parent.Close()
		_ = child.Close()
	})
	return parent, child
}

// receive reads one message from ch or fails the test.
func receive(t *testing.T, ch *protocol.Channel) protocol.Message {
	t.Helper()
	msg, ok := ch.Receive()
	if !ok {
		t.Fatal("channel closed unexpectedly")
	}
	return msg
}

// expectTypes reads len(want) messages and checks their types in order.
func expectTypes(t *testing.T, ch *protocol.Channel, want ...protocol.MessageType) []protocol.Message {
	t.Helper()
	got := make([]protocol.Message, 0, len(want))
	for i, w := range want {
		msg := receive(t, ch)
		if msg.Type != w {
			t.Fatalf("message %d: type = %q, want %q (%+v)", i, msg.Type, w, msg)
		}
		got = append(got, msg)
	}
	return got
}

// waitFor polls condition every tick until it returns true or timeout expires.
func waitFor(t *testing.T, condition func() bool, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("waitFor: condition not met within %v", timeout)
}
