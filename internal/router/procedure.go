package router

import (
	"sync"

	"github.com/rapidmidiex/wampx/internal/wamp"
)

// Invocation is a call forwarded to a callee and not yet answered.
type Invocation struct {
	ID     wamp.ID
	CallID wamp.ID
	Caller *Session
}

// Procedure is the single registration of one URI inside a realm.
type Procedure struct {
	uri    wamp.URI
	id     wamp.ID
	callee *Session

	mu      sync.Mutex
	pending map[wamp.ID]Invocation
}

func newProcedure(uri wamp.URI, id wamp.ID, callee *Session) *Procedure {
	return &Procedure{
		uri:     uri,
		id:      id,
		callee:  callee,
		pending: make(map[wamp.ID]Invocation),
	}
}

func (p *Procedure) ID() wamp.ID { return p.id }

func (p *Procedure) URI() wamp.URI { return p.uri }

func (p *Procedure) Callee() *Session { return p.callee }

// Pending is the number of invocations waiting for the callee.
func (p *Procedure) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}

func (p *Procedure) invoke(inv Invocation) {
	p.mu.Lock()
	p.pending[inv.ID] = inv
	p.mu.Unlock()
}

func (p *Procedure) yield(id wamp.ID) (Invocation, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	inv, ok := p.pending[id]
	if ok {
		delete(p.pending, id)
	}
	return inv, ok
}

// drain empties the pending table and returns what it held.
func (p *Procedure) drain() []Invocation {
	p.mu.Lock()
	defer p.mu.Unlock()

	invs := make([]Invocation, 0, len(p.pending))
	for id, inv := range p.pending {
		invs = append(invs, inv)
		delete(p.pending, id)
	}
	return invs
}

// dropCaller forgets every invocation made by caller.
func (p *Procedure) dropCaller(caller *Session) []wamp.ID {
	p.mu.Lock()
	defer p.mu.Unlock()

	var ids []wamp.ID
	for id, inv := range p.pending {
		if inv.Caller == caller {
			ids = append(ids, id)
			delete(p.pending, id)
		}
	}
	return ids
}
