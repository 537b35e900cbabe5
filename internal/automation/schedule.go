package automation

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
)

// A daily schedule may start this long before its time of day and finish
// this long after it.
const (
	scheduleLead = 15 * time.Minute
	scheduleLag  = 10 * time.Minute
)

// ScheduleReport summarises one scheduled pass.
type ScheduleReport struct {
	StartedAt time.Time          `json:"started_at"`
	Checked   int                `json:"checked"`
	Ran       []uint             `json:"ran"`
	Results   []*ExecutionResult `json:"results"`
	Errors    []string           `json:"errors,omitempty"`
}

// RunScheduledAutomations evaluates every enabled automation with a
// scheduled trigger whose time gate is open.
func (o *Orchestrator) RunScheduledAutomations(ctx context.Context) (*ScheduleReport, error) {
	ctx, span := o.tracer.Start(ctx, "automation.run_scheduled")
	defer span.End()

	if o.deps.Store == nil {
		return nil, fmt.Errorf("no automation store configured")
	}
	list, err := o.deps.Store.ListEnabled(ctx)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("list automations: %w", err)
	}

	now := o.clock.Now()
	report := &ScheduleReport{StartedAt: now, Ran: []uint{}, Results: []*ExecutionResult{}}
	for _, a := range list {
		if a == nil || !a.Enabled || !a.Trigger.Type.IsScheduled() {
			continue
		}
		report.Checked++
		if !o.ShouldRunNow(a, now) {
			continue
		}
		report.Ran = append(report.Ran, a.ID)
		results, err := o.runScheduled(ctx, a)
		if err != nil {
			o.logger.Errorf("automation: scheduled run of %d failed: %v", a.ID, err)
			report.Errors = append(report.Errors, fmt.Sprintf("automation %d: %v", a.ID, err))
		}
		report.Results = append(report.Results, results...)
		if err := o.deps.Store.SaveNextRun(ctx, a.ID, o.NextRun(a.Schedule, now)); err != nil {
			o.logger.Warnf("automation: save next run for %d failed: %v", a.ID, err)
		}
	}
	span.SetAttributes(
		attribute.Int("automation.checked", report.Checked),
		attribute.Int("automation.ran", len(report.Ran)),
	)
	o.logger.Infof("automation: scheduled pass checked %d, ran %d, executions %d", report.Checked, len(report.Ran), len(report.Results))
	return report, nil
}

func (o *Orchestrator) runScheduled(ctx context.Context, a *Automation) ([]*ExecutionResult, error) {
	ids, err := o.triggers.FindMatchingPosts(ctx, a.Trigger, a.PostType)
	if err != nil {
		return nil, err
	}
	if o.deps.Records == nil {
		return nil, fmt.Errorf("no record store configured")
	}
	posts := make([]*Post, 0, len(ids))
	for _, id := range ids {
		p, err := o.deps.Records.GetPost(ctx, id)
		if err != nil {
			o.logger.Warnf("automation: load post %d failed: %v", id, err)
			continue
		}
		posts = append(posts, p)
	}

	if act, ok := consolidationAction(a); ok && len(posts) >= consolidationThreshold(a) {
		if res := o.executeConsolidated(ctx, a, act, posts); res != nil {
			return []*ExecutionResult{res}, nil
		}
		return nil, nil
	}

	var results []*ExecutionResult
	for _, p := range posts {
		if res := o.MaybeExecute(ctx, a, p, ExecutionContext{}); res != nil {
			results = append(results, res)
		}
	}
	return results, nil
}

func consolidationAction(a *Automation) (Action, bool) {
	if !a.Settings.Consolidate {
		return Action{}, false
	}
	for _, act := range a.Actions {
		if act.Type == ActionSendEmail && act.Email != nil {
			return act, true
		}
	}
	return Action{}, false
}

func consolidationThreshold(a *Automation) int {
	if a.Settings.ConsolidateThreshold > 0 {
		return a.Settings.ConsolidateThreshold
	}
	return 1
}

// executeConsolidated sends one email for every post whose trigger still
// holds, whose email conditions pass and whose run-once slot is unused.
// Run-once slots are only taken when the email goes out.
func (o *Orchestrator) executeConsolidated(ctx context.Context, a *Automation, act Action, posts []*Post) *ExecutionResult {
	type pick struct {
		post        *Post
		fingerprint string
	}
	runOnce := a.Settings.RunOncePerPost && o.deps.History != nil
	picked := make([]pick, 0, len(posts))
	var base ExecutionContext
	for _, p := range posts {
		enriched, ok := o.triggers.Check(ctx, a.Trigger, p, ExecutionContext{})
		if !ok {
			continue
		}
		enriched = withAutomation(enriched, a)
		if !o.eval.Evaluate(ctx, act.Conditions, p, enriched) {
			continue
		}
		fingerprint := enriched.String(KeyTriggerDate)
		if runOnce {
			ran, err := o.deps.History.HasRun(ctx, a.ID, p.ID, fingerprint)
			if err != nil {
				o.logger.Warnf("automation: run-once lookup failed for automation %d post %d: %v", a.ID, p.ID, err)
			} else if ran {
				continue
			}
		}
		if base == nil {
			base = enriched
		}
		picked = append(picked, pick{post: p, fingerprint: fingerprint})
	}
	if len(picked) == 0 {
		return nil
	}
	matched := make([]*Post, len(picked))
	for i, pk := range picked {
		matched[i] = pk.post
	}
	result := o.run(ctx, a, matched[0], func(ctx context.Context) []ActionResult {
		return []ActionResult{o.actions.SendConsolidatedEmail(ctx, act, matched, base, a)}
	})
	if runOnce && result.Status == StatusSuccess {
		for _, pk := range picked {
			if err := o.deps.History.MarkRun(ctx, a.ID, pk.post.ID, pk.fingerprint); err != nil {
				o.logger.Warnf("automation: mark run failed for automation %d post %d: %v", a.ID, pk.post.ID, err)
			}
		}
	}
	return result
}

func (o *Orchestrator) scheduleLocation(s *Schedule) *time.Location {
	if s != nil && s.Timezone != "" {
		if loc, err := time.LoadLocation(s.Timezone); err == nil {
			return loc
		}
	}
	return o.clock.Location()
}

// ShouldRunNow is the time gate for scheduled automations: the persisted
// next run must have passed and daily schedules must be near their time of
// day.
func (o *Orchestrator) ShouldRunNow(a *Automation, now time.Time) bool {
	if a.NextRunAt != nil && a.NextRunAt.After(now) {
		return false
	}
	s := a.Schedule
	if s == nil || s.Frequency != FrequencyDaily || s.Time == "" {
		return true
	}
	hm, err := time.Parse("15:04", s.Time)
	if err != nil {
		return true
	}
	local := now.In(o.scheduleLocation(s))
	target := time.Date(local.Year(), local.Month(), local.Day(), hm.Hour(), hm.Minute(), 0, 0, local.Location())
	for _, t := range []time.Time{target.AddDate(0, 0, -1), target, target.AddDate(0, 0, 1)} {
		d := local.Sub(t)
		if d >= -scheduleLead && d <= scheduleLag {
			return true
		}
	}
	return false
}

// NextRun computes when a schedule may run again after a run at now. Daily
// and weekly schedules with a time of day return the opening of their next
// window.
func (o *Orchestrator) NextRun(s *Schedule, now time.Time) time.Time {
	if s == nil {
		return now.Add(time.Hour)
	}
	switch s.Frequency {
	case FrequencyTwiceDaily:
		return now.Add(12 * time.Hour)
	case FrequencyDaily, FrequencyWeekly:
		step := 1
		if s.Frequency == FrequencyWeekly {
			step = 7
		}
		hm, err := time.Parse("15:04", s.Time)
		if s.Time == "" || err != nil {
			return now.AddDate(0, 0, step)
		}
		local := now.In(o.scheduleLocation(s))
		next := time.Date(local.Year(), local.Month(), local.Day(), hm.Hour(), hm.Minute(), 0, 0, local.Location())
		for !next.Add(-scheduleLead).After(now) {
			next = next.AddDate(0, 0, step)
		}
		return next.Add(-scheduleLead)
	}
	return now.Add(time.Hour)
}
