package server

import (
	"fmt"
	"sync"

	"github.com/desertthunder/ledgersync/internal/shared"
)

// RunGuard admits at most one sync run per entity and scope.
type RunGuard struct {
	mu      sync.Mutex
	running map[string]struct{}
}

// NewRunGuard creates an empty guard.
func NewRunGuard() *RunGuard {
	return &RunGuard{running: make(map[string]struct{})}
}

func guardKey(entity, scope string) string {
	return entity + "/" + scope
}

// Acquire marks entity/scope as running and returns the release func.
// It fails with [shared.ErrRunInProgress] when the key is already held.
func (g *RunGuard) Acquire(entity, scope string) (func(), error) {
	key := guardKey(entity, scope)

	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.running[key]; ok {
		return nil, fmt.Errorf("%w: %s", shared.ErrRunInProgress, key)
	}
	g.running[key] = struct{}{}

	var once sync.Once
	return func() {
		once.Do(func() {
			g.mu.Lock()
			delete(g.running, key)
			g.mu.Unlock()
		})
	}, nil
}

// Running returns the number of held keys.
func (g *RunGuard) Running() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.running)
}
