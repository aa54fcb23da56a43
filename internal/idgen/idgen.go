// Package idgen allocates WAMP identifiers.
//
// Ids are drawn at random from [1, 2^53) so that they survive a round trip through
// JSON numbers. The allocator remembers every id it handed out until it is released,
// so two live objects never share an id.
package idgen

import (
	"math/rand/v2"
	"sync"

	"github.com/rapidmidiex/wampx/internal/wamp"
)

// Max is the exclusive upper bound of every allocated id.
const Max = 1 << 53

type Allocator struct {
	mu   sync.Mutex
	live map[wamp.ID]struct{}
	draw func() uint64
}

func New() *Allocator {
	return NewWithSource(func() uint64 { return rand.Uint64N(Max-1) + 1 })
}

// NewWithSource uses draw as the source of candidate ids. Candidates outside
// [1, Max) are discarded.
func NewWithSource(draw func() uint64) *Allocator {
	return &Allocator{live: make(map[wamp.ID]struct{}), draw: draw}
}

// Next returns an id that is not currently live and marks it live.
func (a *Allocator) Next() wamp.ID {
	a.mu.Lock()
	defer a.mu.Unlock()

	for {
		n := a.draw()
		if n == 0 || n >= Max {
			continue
		}
		id := wamp.ID(n)
		if _, ok := a.live[id]; ok {
			continue
		}
		a.live[id] = struct{}{}
		return id
	}
}

// Release makes id available again. Releasing an unknown id is a no-op.
func (a *Allocator) Release(id wamp.ID) {
	a.mu.Lock()
	delete(a.live, id)
	a.mu.Unlock()
}

// Len is the number of live ids.
func (a *Allocator) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.live)
}
