package services

import (
	"context"
	"testing"
	"time"

	"postflow/internal/automation"
	"postflow/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScheduler_TickAndRun(t *testing.T) {
	st, _ := newTestStack(t)
	db := st.Posts.db
	ctx := context.Background()

	p := createPost(t, db, &models.Post{Title: "due"})
	setMetaRow(t, db, p.ID, "due_date", "2024-03-15")
	_, err := st.Automations.Create(ctx, &AutomationRequest{
		Name:    "Due today",
		Trigger: automation.Trigger{Type: automation.TriggerDateEqualsToday, Field: "due_date"},
		Actions: mustActions(t, `[{"type":"update_field","field":"seen","value":"yes"}]`),
	})
	require.NoError(t, err)

	s := NewScheduler(st.Automations, 0, quietLogger())
	status := s.Status()
	assert.False(t, status.Running)
	assert.Equal(t, "5m0s", status.Interval)
	assert.Nil(t, status.LastRunAt)

	s.Tick(ctx)
	status = s.Status()
	assert.EqualValues(t, 1, status.Passes)
	assert.NotNil(t, status.LastRunAt)
	assert.Empty(t, status.LastError)
	v, ok := metaRow(t, db, p.ID, "seen")
	require.True(t, ok)
	assert.Equal(t, "yes", v)

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		s.Run(runCtx)
		close(done)
	}()
	require.Eventually(t, func() bool { return s.Status().Passes >= 2 }, time.Second, 10*time.Millisecond)
	assert.True(t, s.Status().Running)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop")
	}
	assert.False(t, s.Status().Running)
}
