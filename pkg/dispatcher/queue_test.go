package dispatcher_test

import (
	"fmt"
	"slices"
	"testing"

	"conductor/pkg/dispatcher"
)

func TestOrder_DeterministicPerSeed(t *testing.T) {
	t.Parallel()
	items := make([]string, 20)
	for i := range items {
		items[i] = fmt.Sprintf("./pkg/p%02d", i)
	}

	a := dispatcher.Order(items, 42)
	if !slices.Equal(a, dispatcher.Order(items, 42)) {
		t.Fatal("same seed should give the same order")
	}
	if slices.Equal(a, dispatcher.Order(items, 43)) {
		t.Fatal("different seeds should give different orders")
	}

	reversed := slices.Clone(items)
	slices.Reverse(reversed)
	if !slices.Equal(a, dispatcher.Order(reversed, 42)) {
		t.Fatal("the order should depend only on the seed and the set of items")
	}

	sorted := slices.Clone(a)
	slices.Sort(sorted)
	if !slices.Equal(sorted, items) {
		t.Fatalf("order %v is not a permutation of the items", a)
	}
}

func TestOrder_DropsDuplicates(t *testing.T) {
	t.Parallel()
	got := dispatcher.Order([]string{"b", "a", "b", "c", "a"}, 1)
	slices.Sort(got)
	if !slices.Equal(got, []string{"a", "b", "c"}) {
		t.Fatalf("got %v", got)
	}
	if len(dispatcher.Order(nil, 1)) != 0 {
		t.Fatal("empty input should give an empty order")
	}
}

func TestShutdownState_String(t *testing.T) {
	t.Parallel()
	tests := map[dispatcher.ShutdownState]string{
		dispatcher.ShutdownNone:              "none",
		dispatcher.ShutdownGracefulInitiated: "graceful_initiated",
		dispatcher.ShutdownMessagesSent:      "shutdown_messages_sent",
		dispatcher.ShutdownForced:            "forced",
	}
	for s, want := range tests {
		if s.String() != want {
			t.Errorf("%d.String() = %q, want %q", int(s), s.String(), want)
		}
	}
}
