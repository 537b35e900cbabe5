package automation

import (
	"context"
	"sync"
)

// GuardKey identifies one automation running against one post.
type GuardKey struct {
	AutomationID uint
	PostID       uint
}

// ExecutionGuard tracks in-flight executions of a call tree so that an
// action's own side effects cannot re-trigger the same automation on the
// same post.
type ExecutionGuard struct {
	mu       sync.Mutex
	inflight map[GuardKey]int
}

func NewExecutionGuard() *ExecutionGuard {
	return &ExecutionGuard{inflight: make(map[GuardKey]int)}
}

// Enter pushes key and reports whether it was not already in flight.
func (g *ExecutionGuard) Enter(key GuardKey) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := g.inflight[key]
	g.inflight[key] = n + 1
	return n == 0
}

// Leave pops one entry for key.
func (g *ExecutionGuard) Leave(key GuardKey) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.inflight[key] <= 1 {
		delete(g.inflight, key)
		return
	}
	g.inflight[key]--
}

func (g *ExecutionGuard) Active(key GuardKey) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.inflight[key] > 0
}

// Len is the number of distinct keys in flight.
func (g *ExecutionGuard) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.inflight)
}

type guardCtxKey struct{}

// WithExecutionGuard returns ctx carrying a guard, reusing an existing one.
func WithExecutionGuard(ctx context.Context) context.Context {
	ctx, _ = ensureGuard(ctx)
	return ctx
}

// GuardFrom returns the guard stored in ctx, or nil.
func GuardFrom(ctx context.Context) *ExecutionGuard {
	g, _ := ctx.Value(guardCtxKey{}).(*ExecutionGuard)
	return g
}

func ensureGuard(ctx context.Context) (context.Context, *ExecutionGuard) {
	if g := GuardFrom(ctx); g != nil {
		return ctx, g
	}
	g := NewExecutionGuard()
	return context.WithValue(ctx, guardCtxKey{}, g), g
}
