package ibmsclient

import (
	"context"
	"sync"
)

// ActionGate disables a control while its request is in flight. Keys name
// controls, e.g. "bed:<id>" or "admission:<id>".
type ActionGate struct {
	mu       sync.Mutex
	inFlight map[string]struct{}
}

func NewActionGate() *ActionGate {
	return &ActionGate{inFlight: make(map[string]struct{})}
}

// Do runs fn while holding key. A second Do for the same key fails with
// ErrActionInFlight until the first settles.
func (g *ActionGate) Do(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	if !g.acquire(key) {
		return ErrActionInFlight
	}
	defer g.release(key)
	return fn(ctx)
}

// InFlight reports whether key is held.
func (g *ActionGate) InFlight(key string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.inFlight[key]
	return ok
}

func (g *ActionGate) acquire(key string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.inFlight[key]; ok {
		return false
	}
	g.inFlight[key] = struct{}{}
	return true
}

func (g *ActionGate) release(key string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.inFlight, key)
}
