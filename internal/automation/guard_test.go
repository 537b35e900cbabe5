package automation

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExecutionGuard_Nesting(t *testing.T) {
	g := NewExecutionGuard()
	key := GuardKey{AutomationID: 1, PostID: 2}
	other := GuardKey{AutomationID: 1, PostID: 3}

	assert.True(t, g.Enter(key))
	assert.False(t, g.Enter(key))
	assert.True(t, g.Active(key))
	assert.False(t, g.Active(other))
	assert.Equal(t, 1, g.Len())

	g.Leave(key)
	assert.True(t, g.Active(key), "one entry still held")
	g.Leave(key)
	assert.False(t, g.Active(key))
	assert.Equal(t, 0, g.Len())

	g.Leave(key)
	assert.Equal(t, 0, g.Len())
}

func TestWithExecutionGuard_ReusesExisting(t *testing.T) {
	ctx := context.Background()
	assert.Nil(t, GuardFrom(ctx))

	ctx = WithExecutionGuard(ctx)
	g := GuardFrom(ctx)
	assert.NotNil(t, g)
	assert.Same(t, g, GuardFrom(WithExecutionGuard(ctx)))
}

func TestExecutionGuard_Concurrent(t *testing.T) {
	g := NewExecutionGuard()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(id uint) {
			defer wg.Done()
			key := GuardKey{AutomationID: 1, PostID: id % 5}
			g.Enter(key)
			g.Leave(key)
		}(uint(i))
	}
	wg.Wait()
	assert.Equal(t, 0, g.Len())
}

func TestExecute_SeparateCallTreesDoNotShareGuard(t *testing.T) {
	a := realtimeAutomation(1, updateField("touched", "yes"))
	e := newTestEngine(a)
	post := samplePost()

	first := e.orch.MaybeExecute(context.Background(), a, post, updateEvent)
	second := e.orch.MaybeExecute(context.Background(), a, post, updateEvent)
	assert.Equal(t, StatusSuccess, first.Status)
	assert.Equal(t, StatusSuccess, second.Status)
}
