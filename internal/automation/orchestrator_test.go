package automation

import (
	"context"
	"errors"
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func realtimeAutomation(id uint, actions ...Action) *Automation {
	return &Automation{
		ID:       id,
		Name:     "Realtime",
		Enabled:  true,
		PostType: "post",
		Trigger:  Trigger{Type: TriggerPostUpdated},
		Actions:  actions,
		Settings: DefaultSettings(),
	}
}

var updateEvent = ExecutionContext{KeyIsUpdate: true}

func TestMaybeExecute_SkipsDisabledAndUnmatched(t *testing.T) {
	a := realtimeAutomation(1, updateField("touched", "yes"))
	e := newTestEngine(a)
	post := samplePost()

	a.Enabled = false
	assert.Nil(t, e.orch.MaybeExecute(context.Background(), a, post, updateEvent))

	a.Enabled = true
	assert.Nil(t, e.orch.MaybeExecute(context.Background(), a, post, ExecutionContext{KeyIsNew: true}))
	assert.Nil(t, e.orch.MaybeExecute(context.Background(), nil, post, updateEvent))
	assert.Nil(t, e.orch.MaybeExecute(context.Background(), a, nil, updateEvent))

	assert.Equal(t, 0, e.fields.writeCount())
	assert.Equal(t, 0, e.history.logCount())
	assert.Zero(t, e.store.runs[a.ID])
}

func TestMaybeExecute_Success(t *testing.T) {
	a := realtimeAutomation(1, updateField("touched", "{{automation_name}}"))
	e := newTestEngine(a)
	post := samplePost()

	var hooked []*ExecutionResult
	e.orch.OnExecuted(func(_ context.Context, _ *Automation, _ *Post, r *ExecutionResult) { hooked = append(hooked, r) })
	e.orch.OnExecuted(func(context.Context, *Automation, *Post, *ExecutionResult) { panic("bad hook") })

	res := e.orch.MaybeExecute(context.Background(), a, post, updateEvent)
	require.NotNil(t, res)
	assert.Equal(t, StatusSuccess, res.Status)
	assert.NotEmpty(t, res.ID)
	assert.Equal(t, a.ID, res.AutomationID)
	assert.Equal(t, post.ID, res.PostID)
	assert.Equal(t, fixedNow, res.TriggeredAt)
	require.Len(t, res.ActionsExecuted, 1)

	assert.Equal(t, "{{automation_name}}", e.fields.get(post.ID, "touched"), "static values are written verbatim")
	assert.Equal(t, 1, e.history.logCount())
	assert.Equal(t, 1, e.store.runs[a.ID])
	require.Len(t, hooked, 1)
	assert.Same(t, res, hooked[0])
}

func TestExecute_PartialFailure(t *testing.T) {
	a := realtimeAutomation(2, updateField("locked", 1), updateField("open", 1))
	e := newTestEngine(a)
	e.fields.forbidden["locked"] = true

	res := e.orch.Execute(context.Background(), a, samplePost(), nil)
	assert.Equal(t, StatusPartial, res.Status)
	assert.Equal(t, "1 action(s) failed", res.Message)
	assert.Equal(t, 1, res.Errors())
	assert.Equal(t, 1, e.fields.get(1, "open"))
}

func TestExecute_PanicBecomesError(t *testing.T) {
	a := realtimeAutomation(3, updateField("boom", 1))
	e := newTestEngine(a)
	e.fields.panicOn["boom"] = true
	post := samplePost()

	var res *ExecutionResult
	require.NotPanics(t, func() { res = e.orch.Execute(context.Background(), a, post, nil) })
	assert.Equal(t, StatusError, res.Status)
	assert.Contains(t, res.Message, "automation panicked: field store exploded")
	assert.Empty(t, res.ActionsExecuted)
	assert.Equal(t, 1, e.history.logCount())

	delete(e.fields.panicOn, "boom")
	res = e.orch.Execute(context.Background(), a, post, nil)
	assert.Equal(t, StatusSuccess, res.Status)
}

func TestMaybeExecute_PreventsLoops(t *testing.T) {
	a := &Automation{
		ID:       4,
		Name:     "Escalate",
		Enabled:  true,
		Trigger:  Trigger{Type: TriggerFieldChanged, Field: "priority"},
		Actions:  []Action{updateField("priority", "urgent")},
		Settings: DefaultSettings(),
	}
	e := newTestEngine(a)
	post := samplePost()
	e.fields.put(post.ID, "priority", "high")

	var nested []*ExecutionResult
	e.fields.onSet = func(ctx context.Context, postID uint, key string, old, value any) {
		ec := ExecutionContext{KeyChangedField: key, KeyOldValue: old, KeyNewValue: value}
		if r := e.orch.MaybeExecute(ctx, a, post, ec); r != nil {
			nested = append(nested, r)
		}
	}

	res := e.orch.MaybeExecute(context.Background(), a, post, ExecutionContext{
		KeyChangedField: "priority",
		KeyOldValue:     "low",
		KeyNewValue:     "high",
	})
	require.NotNil(t, res)
	assert.Equal(t, StatusSuccess, res.Status)
	require.Len(t, nested, 1)
	assert.Equal(t, StatusWarning, nested[0].Status)
	assert.Contains(t, nested[0].Message, "loop prevented")
	assert.Equal(t, 1, e.fields.writeCount())
	assert.Equal(t, 2, e.history.logCount())
	assert.Equal(t, 1, e.store.runs[a.ID], "a prevented loop is not a run")
}

func TestMaybeExecute_LoopsAllowedWhenPreventionOff(t *testing.T) {
	a := &Automation{
		ID:      5,
		Name:    "Counter",
		Enabled: true,
		Trigger: Trigger{Type: TriggerFieldChanged, Field: "hits"},
		Actions: []Action{{Type: ActionIncrementField, IncrementField: &IncrementFieldConfig{Field: "hits"}}},
	}
	e := newTestEngine(a)
	post := samplePost()

	depth := 0
	e.fields.onSet = func(ctx context.Context, _ uint, key string, old, value any) {
		if depth >= 2 {
			return
		}
		depth++
		e.orch.MaybeExecute(ctx, a, post, ExecutionContext{KeyChangedField: key, KeyOldValue: old, KeyNewValue: value})
	}

	e.orch.MaybeExecute(context.Background(), a, post, ExecutionContext{KeyChangedField: "hits", KeyOldValue: 0, KeyNewValue: 1})
	assert.Equal(t, int64(3), e.fields.get(post.ID, "hits"))
	assert.Equal(t, 0, e.history.logCount(), "logging is off without settings")
}

func TestMaybeExecute_RunOncePerPost(t *testing.T) {
	a := &Automation{
		ID:       6,
		Name:     "Reminder",
		Enabled:  true,
		Trigger:  Trigger{Type: TriggerDateDaysBefore, Field: "due_date", Days: 3},
		Actions:  []Action{updateField("reminded", "yes")},
		Settings: Settings{RunOncePerPost: true, LogExecutions: true},
	}
	e := newTestEngine(a)
	post := samplePost()
	e.fields.put(post.ID, "due_date", "2024-03-18")
	ctx := context.Background()

	require.NotNil(t, e.orch.MaybeExecute(ctx, a, post, nil))
	assert.True(t, e.history.marks[trackingKey(a.ID, post.ID, "2024-03-18")])
	assert.Nil(t, e.orch.MaybeExecute(ctx, a, post, nil))

	require.NoError(t, e.history.ClearTracking(ctx, &a.ID))
	assert.NotNil(t, e.orch.MaybeExecute(ctx, a, post, nil))
	assert.Equal(t, 2, e.store.runs[a.ID])
}

func TestTestAutomation_IsSideEffectFree(t *testing.T) {
	a := realtimeAutomation(7,
		updateField("reviewed", "yes"),
		emailTo("{{author_email}}", "Updated: {{post_title}}", "Body"),
	)
	a.Trigger.Conditions = And(Rule{Field: "status", Operator: OpEquals, Value: "draft"})
	e := newTestEngine(a)
	post := samplePost()

	report := e.orch.TestAutomation(context.Background(), a, post, updateEvent)
	assert.True(t, report.TriggerMatched)
	assert.True(t, report.ConditionsPassed)
	assert.True(t, report.WouldExecute)
	assert.False(t, report.Scheduled)
	require.Len(t, report.Actions, 2)
	assert.Equal(t, "Updated: Hello World", report.Actions[1].Preview["subject"])
	assert.Equal(t, a.Name, report.Context[KeyAutomationName])

	a.Enabled = false
	report = e.orch.TestAutomation(context.Background(), a, post, nil)
	assert.False(t, report.TriggerMatched)
	assert.False(t, report.WouldExecute)

	assert.Equal(t, 0, e.fields.writeCount())
	assert.Equal(t, 0, e.mailer.count())
	assert.Equal(t, 0, e.history.logCount())
	assert.Zero(t, e.store.runs[a.ID])

	assert.NotEmpty(t, e.orch.TestAutomation(context.Background(), a, nil, nil).Message)
}

func TestTestAutomation_ScheduledUsesBulkQuery(t *testing.T) {
	a := &Automation{
		ID:       8,
		Name:     "Due soon",
		Enabled:  true,
		PostType: "post",
		Trigger:  Trigger{Type: TriggerDateDaysBefore, Field: "due_date", Days: 3},
		Actions:  []Action{updateField("reminded", "yes")},
	}
	e := newTestEngine(a)
	due := e.addPost(samplePost())
	other := e.addPost(&Post{ID: 2, Type: "post", Title: "Later"})
	e.fields.put(due.ID, "due_date", "2024-03-18")
	e.fields.put(other.ID, "due_date", "2024-04-01")

	report := e.orch.TestAutomation(context.Background(), a, due, nil)
	assert.True(t, report.Scheduled)
	assert.True(t, report.TriggerMatched)
	assert.True(t, report.WouldExecute)
	assert.Equal(t, 3, report.Context[KeyDaysUntil])

	report = e.orch.TestAutomation(context.Background(), a, other, nil)
	assert.False(t, report.TriggerMatched)
	assert.Equal(t, 0, e.fields.writeCount())
}

func TestShouldRunNow(t *testing.T) {
	e := newTestEngine()
	at := func(h, m int) time.Time { return time.Date(2024, 3, 15, h, m, 0, 0, time.UTC) }
	daily := func(hm string) *Automation {
		return &Automation{Schedule: &Schedule{Frequency: FrequencyDaily, Time: hm}}
	}

	tests := []struct {
		name string
		a    *Automation
		now  time.Time
		want bool
	}{
		{"inside window after target", daily("09:00"), at(9, 4), true},
		{"inside lead before target", daily("09:00"), at(8, 49), true},
		{"lead boundary", daily("09:00"), at(8, 45), true},
		{"too late", daily("09:00"), at(9, 15), false},
		{"too early", daily("09:00"), at(8, 30), false},
		{"window across midnight", daily("23:55"), time.Date(2024, 3, 16, 0, 3, 0, 0, time.UTC), true},
		{"no schedule", &Automation{}, at(3, 0), true},
		{"hourly ignores time", &Automation{Schedule: &Schedule{Frequency: FrequencyHourly, Time: "09:00"}}, at(3, 0), true},
		{"daily without time", &Automation{Schedule: &Schedule{Frequency: FrequencyDaily}}, at(3, 0), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, e.orch.ShouldRunNow(tt.a, tt.now))
		})
	}

	future := at(12, 0)
	a := daily("09:00")
	a.NextRunAt = &future
	assert.False(t, e.orch.ShouldRunNow(a, at(9, 0)))

	past := at(8, 0)
	a.NextRunAt = &past
	assert.True(t, e.orch.ShouldRunNow(a, at(9, 0)))
}

func TestShouldRunNow_ScheduleTimezone(t *testing.T) {
	e := newTestEngine()
	a := &Automation{Schedule: &Schedule{Frequency: FrequencyDaily, Time: "09:00", Timezone: "Asia/Tokyo"}}

	assert.True(t, e.orch.ShouldRunNow(a, time.Date(2024, 3, 15, 0, 5, 0, 0, time.UTC)))
	assert.False(t, e.orch.ShouldRunNow(a, time.Date(2024, 3, 15, 9, 0, 0, 0, time.UTC)))
}

func TestNextRun(t *testing.T) {
	e := newTestEngine()
	now := fixedNow

	tests := []struct {
		name string
		s    *Schedule
		want time.Time
	}{
		{"no schedule", nil, now.Add(time.Hour)},
		{"hourly", &Schedule{Frequency: FrequencyHourly}, now.Add(time.Hour)},
		{"twice daily", &Schedule{Frequency: FrequencyTwiceDaily}, now.Add(12 * time.Hour)},
		{"daily without time", &Schedule{Frequency: FrequencyDaily}, now.AddDate(0, 0, 1)},
		{"weekly without time", &Schedule{Frequency: FrequencyWeekly}, now.AddDate(0, 0, 7)},
		{"daily time passed", &Schedule{Frequency: FrequencyDaily, Time: "09:00"}, time.Date(2024, 3, 16, 8, 45, 0, 0, time.UTC)},
		{"daily time ahead", &Schedule{Frequency: FrequencyDaily, Time: "18:00"}, time.Date(2024, 3, 15, 17, 45, 0, 0, time.UTC)},
		{"weekly time passed", &Schedule{Frequency: FrequencyWeekly, Time: "09:00"}, time.Date(2024, 3, 22, 8, 45, 0, 0, time.UTC)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := e.orch.NextRun(tt.s, now)
			assert.True(t, tt.want.Equal(got), "want %s got %s", tt.want, got)
		})
	}

	// A run inside the window must not be repeated later the same day.
	a := &Automation{Schedule: &Schedule{Frequency: FrequencyDaily, Time: "09:00"}}
	ranAt := time.Date(2024, 3, 15, 9, 4, 0, 0, time.UTC)
	next := e.orch.NextRun(a.Schedule, ranAt)
	a.NextRunAt = &next
	assert.False(t, e.orch.ShouldRunNow(a, ranAt.Add(5*time.Minute)))
	assert.True(t, e.orch.ShouldRunNow(a, ranAt.AddDate(0, 0, 1)))
}

func scheduledAutomation(id uint) *Automation {
	return &Automation{
		ID:       id,
		Name:     "Deadline reminder",
		Enabled:  true,
		PostType: "post",
		Trigger:  Trigger{Type: TriggerDateDaysBefore, Field: "due_date", Days: 3},
		Actions:  []Action{updateField("reminded", "yes")},
		Settings: DefaultSettings(),
	}
}

func seedDuePosts(e *testEngine) {
	e.addPost(samplePost())
	e.addPost(&Post{ID: 2, Type: "post", Title: "Second Story", Status: "draft", URL: "https://news.example.com/second"})
	e.addPost(&Post{ID: 3, Type: "post", Title: "Far Away", Status: "draft"})
	e.fields.put(1, "due_date", "2024-03-18")
	e.fields.put(2, "due_date", "2024-03-18")
	e.fields.put(3, "due_date", "2024-03-25")
}

func TestRunScheduledAutomations(t *testing.T) {
	sched := scheduledAutomation(10)
	realtime := realtimeAutomation(11, updateField("x", 1))
	disabled := scheduledAutomation(12)
	disabled.Enabled = false
	later := scheduledAutomation(13)
	later.Schedule = &Schedule{Frequency: FrequencyDaily, Time: "18:00"}

	e := newTestEngine(sched, realtime, disabled, later)
	seedDuePosts(e)

	report, err := e.orch.RunScheduledAutomations(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, report.Checked)
	assert.Equal(t, []uint{10}, report.Ran)
	require.Len(t, report.Results, 2)
	assert.Empty(t, report.Errors)

	assert.Equal(t, "yes", e.fields.get(1, "reminded"))
	assert.Equal(t, "yes", e.fields.get(2, "reminded"))
	assert.Nil(t, e.fields.get(3, "reminded"))
	assert.Nil(t, e.fields.get(1, "x"))
	assert.Equal(t, fixedNow.Add(time.Hour), e.store.next[10])
	_, saved := e.store.next[13]
	assert.False(t, saved)
}

func TestRunScheduledAutomations_Consolidated(t *testing.T) {
	a := scheduledAutomation(20)
	a.Settings.Consolidate = true
	a.Settings.ConsolidateThreshold = 2
	a.Actions = []Action{emailTo("admin@example.com", "{{count}} posts due", "{{items_list}}")}

	e := newTestEngine(a)
	seedDuePosts(e)

	report, err := e.orch.RunScheduledAutomations(context.Background())
	require.NoError(t, err)
	require.Len(t, report.Results, 1)
	assert.Equal(t, StatusSuccess, report.Results[0].Status)
	require.Equal(t, 1, e.mailer.count())
	assert.Equal(t, "2 posts due", e.mailer.sent[0].Subject)
	assert.Contains(t, e.mailer.sent[0].Body, "Second Story")

	a.Settings.ConsolidateThreshold = 5
	e.store.next = map[uint]time.Time{}
	_, err = e.orch.RunScheduledAutomations(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, e.mailer.count(), "below the threshold every post gets its own email")
}

func TestRunScheduledAutomations_ConsolidatedHonoursConditionsAndRunOnce(t *testing.T) {
	a := scheduledAutomation(21)
	a.Settings.Consolidate = true
	a.Settings.RunOncePerPost = true
	digest := emailTo("admin@example.com", "{{count}} posts due", "{{items_list}}")
	digest.Conditions = And(Rule{Field: "post_title", Operator: OpNotEquals, Value: "Second Story"})
	a.Actions = []Action{digest}

	e := newTestEngine(a)
	seedDuePosts(e)

	report, err := e.orch.RunScheduledAutomations(context.Background())
	require.NoError(t, err)
	require.Len(t, report.Results, 1)
	require.Equal(t, 1, e.mailer.count())
	assert.Equal(t, "1 posts due", e.mailer.sent[0].Subject)
	assert.NotContains(t, e.mailer.sent[0].Body, "Second Story")

	e.store.next = map[uint]time.Time{}
	report, err = e.orch.RunScheduledAutomations(context.Background())
	require.NoError(t, err)
	assert.Empty(t, report.Results)
	assert.Equal(t, 1, e.mailer.count(), "posts already included are not mailed again")
}

func TestRunScheduledAutomations_StoreErrors(t *testing.T) {
	e := newTestEngine()
	e.store.err = errors.New("db down")
	_, err := e.orch.RunScheduledAutomations(context.Background())
	assert.Error(t, err)

	bare := NewOrchestrator(Dependencies{}, Options{Logger: quietLogger()})
	_, err = bare.RunScheduledAutomations(context.Background())
	assert.Error(t, err)
}
