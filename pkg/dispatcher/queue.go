package dispatcher

import (
	"math/rand/v2"
	"slices"
)

// workQueue hands out each item at most once, in an order fixed by the
// seed and the set of items.
type workQueue struct {
	items []string
}

func newWorkQueue(items []string, seed uint64) *workQueue {
	q := slices.Clone(items)
	slices.Sort(q)
	q = slices.Compact(q)
	rng := rand.New(rand.NewPCG(seed, 0)) //nolint:gosec // reproducible order, not security
	rng.Shuffle(len(q), func(i, j int) { q[i], q[j] = q[j], q[i] })
	return &workQueue{items: q}
}

func (q *workQueue) pop() (string, bool) {
	if len(q.items) == 0 {
		return "", false
	}
	item := q.items[0]
	q.items = q.items[1:]
	return item, true
}

func (q *workQueue) len() int { return len(q.items) }

// Order returns the order in which items would be handed out for seed.
func Order(items []string, seed uint64) []string {
	return slices.Clone(newWorkQueue(items, seed).items)
}
