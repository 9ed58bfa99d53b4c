package conversation

import (
	"context"
	"sync"

	"github.com/iishyfishyy/chatterm/internal/domain"
)

// Pool maps conversation ids to engines. Calls for the same id are
// serialized; calls for different ids run in parallel.
type Pool struct {
	mu      sync.Mutex
	entries map[string]*entry
}

type entry struct {
	// sem is a one-slot semaphore so Do can give up when ctx is done.
	sem    chan struct{}
	engine *Engine
}

func NewPool() *Pool {
	return &Pool{entries: make(map[string]*entry)}
}

// Init registers engine under id. It fails with an InvalidStateError if the
// id is taken.
func (p *Pool) Init(id string, engine *Engine) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.entries[id]; ok {
		return domain.NewInvalidStateError("conversation '%s' already exists", id)
	}
	p.entries[id] = &entry{sem: make(chan struct{}, 1), engine: engine}
	return nil
}

// Do runs fn with exclusive access to the engine registered under id.
func (p *Pool) Do(ctx context.Context, id string, fn func(*Engine) error) error {
	p.mu.Lock()
	e, ok := p.entries[id]
	p.mu.Unlock()
	if !ok {
		return domain.NewInvalidStateError("conversation '%s' does not exist", id)
	}

	select {
	case e.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-e.sem }()

	return fn(e.engine)
}

// Remove drops the conversation. It reports whether the id existed. A
// call already inside Do for the id finishes normally.
func (p *Pool) Remove(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.entries[id]; !ok {
		return false
	}
	delete(p.entries, id)
	return true
}

func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}
