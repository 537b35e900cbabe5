package automation

import (
	"context"
	"fmt"
)

// TriggerType names when an automation is eligible to run.
type TriggerType string

const (
	TriggerPostCreated      TriggerType = "post_created"
	TriggerPostUpdated      TriggerType = "post_updated"
	TriggerPostPublished    TriggerType = "post_published"
	TriggerFieldChanged     TriggerType = "field_changed"
	TriggerFieldChangedTo   TriggerType = "field_changed_to"
	TriggerFieldChangedFrom TriggerType = "field_changed_from"
	TriggerFieldTransition  TriggerType = "field_transition"
	TriggerStatusChanged    TriggerType = "status_changed"
	TriggerDateEqualsToday  TriggerType = "date_equals_today"
	TriggerDateDaysBefore   TriggerType = "date_days_before"
	TriggerDateDaysAfter    TriggerType = "date_days_after"
	TriggerDateIsOverdue    TriggerType = "date_is_overdue"
	TriggerDateIsUpcoming   TriggerType = "date_is_upcoming"
	TriggerFieldMatches     TriggerType = "field_matches"
)

// TriggerClass partitions trigger types by how they are fired.
type TriggerClass int

const (
	Realtime TriggerClass = iota + 1
	Scheduled
)

var triggerClasses = map[TriggerType]TriggerClass{
	TriggerPostCreated:      Realtime,
	TriggerPostUpdated:      Realtime,
	TriggerPostPublished:    Realtime,
	TriggerFieldChanged:     Realtime,
	TriggerFieldChangedTo:   Realtime,
	TriggerFieldChangedFrom: Realtime,
	TriggerFieldTransition:  Realtime,
	TriggerStatusChanged:    Realtime,
	TriggerFieldMatches:     Realtime,
	TriggerDateEqualsToday:  Scheduled,
	TriggerDateDaysBefore:   Scheduled,
	TriggerDateDaysAfter:    Scheduled,
	TriggerDateIsOverdue:    Scheduled,
	TriggerDateIsUpcoming:   Scheduled,
}

// TriggerTypes lists every known trigger type.
func TriggerTypes() []TriggerType {
	out := make([]TriggerType, 0, len(triggerClasses))
	for t := range triggerClasses {
		out = append(out, t)
	}
	return out
}

func (t TriggerType) Valid() bool {
	_, ok := triggerClasses[t]
	return ok
}

func (t TriggerType) Class() TriggerClass { return triggerClasses[t] }

func (t TriggerType) IsScheduled() bool { return triggerClasses[t] == Scheduled }

func (t TriggerType) IsRealtime() bool { return triggerClasses[t] == Realtime }

const defaultUpcomingDays = 7

// Trigger is the typed trigger configuration of an automation.
type Trigger struct {
	Type       TriggerType `json:"type"`
	Field      string      `json:"field,omitempty"`
	Operator   Operator    `json:"operator,omitempty"`
	Value      any         `json:"value,omitempty"`
	FromValue  any         `json:"from_value,omitempty"`
	ToValue    any         `json:"to_value,omitempty"`
	Days       int         `json:"days,omitempty"`
	Source     Source      `json:"source,omitempty"`
	Conditions *Group      `json:"conditions,omitempty"`
}

type triggerFunc func(m *TriggerMatcher, ctx context.Context, t Trigger, post *Post, ec ExecutionContext) (ExecutionContext, bool)

// TriggerMatcher decides whether a trigger fires for a post.
type TriggerMatcher struct {
	fields   FieldAccessor
	records  RecordStore
	eval     *Evaluator
	clock    *Clock
	handlers map[TriggerType]triggerFunc
}

func NewTriggerMatcher(fields FieldAccessor, records RecordStore, eval *Evaluator, clock *Clock) *TriggerMatcher {
	if clock == nil {
		clock = NewClock(nil, nil)
	}
	if eval == nil {
		eval = NewEvaluator(fields, clock)
	}
	return &TriggerMatcher{
		fields:  fields,
		records: records,
		eval:    eval,
		clock:   clock,
		handlers: map[TriggerType]triggerFunc{
			TriggerPostCreated:      matchCreated,
			TriggerPostUpdated:      matchUpdated,
			TriggerPostPublished:    matchPublished,
			TriggerFieldChanged:     matchFieldChanged,
			TriggerFieldChangedTo:   matchChangedTo,
			TriggerFieldChangedFrom: matchChangedFrom,
			TriggerFieldTransition:  matchTransition,
			TriggerStatusChanged:    matchStatusChanged,
			TriggerFieldMatches:     matchField,
			TriggerDateEqualsToday:  matchDate(func(t Trigger, diff int) (ExecutionContext, bool) { return nil, diff == 0 }),
			TriggerDateDaysBefore: matchDate(func(t Trigger, diff int) (ExecutionContext, bool) {
				return ExecutionContext{KeyDaysUntil: diff}, diff == t.Days
			}),
			TriggerDateDaysAfter: matchDate(func(t Trigger, diff int) (ExecutionContext, bool) {
				return ExecutionContext{KeyDaysSince: -diff}, -diff == t.Days
			}),
			TriggerDateIsOverdue: matchDate(func(t Trigger, diff int) (ExecutionContext, bool) {
				return ExecutionContext{KeyDaysOverdue: -diff}, diff < 0
			}),
			TriggerDateIsUpcoming: matchDate(func(t Trigger, diff int) (ExecutionContext, bool) {
				return ExecutionContext{KeyDaysUntil: diff}, diff >= 0 && diff <= upcomingDays(t)
			}),
		},
	}
}

// Check runs the type-specific match and then the supplementary conditions
// over the enriched context. The enriched context is returned on a match.
func (m *TriggerMatcher) Check(ctx context.Context, t Trigger, post *Post, ec ExecutionContext) (ExecutionContext, bool) {
	enriched, ok := m.Match(ctx, t, post, ec)
	if !ok {
		return nil, false
	}
	if !m.eval.Evaluate(ctx, t.Conditions, post, enriched) {
		return nil, false
	}
	return enriched, true
}

// Match runs only the type-specific part of Check.
func (m *TriggerMatcher) Match(ctx context.Context, t Trigger, post *Post, ec ExecutionContext) (ExecutionContext, bool) {
	fn, ok := m.handlers[t.Type]
	if !ok {
		return nil, false
	}
	extra, ok := fn(m, ctx, t, post, ec)
	if !ok {
		return nil, false
	}
	return ec.Merge(extra), true
}

func matchCreated(_ *TriggerMatcher, _ context.Context, _ Trigger, _ *Post, ec ExecutionContext) (ExecutionContext, bool) {
	return nil, ec.Bool(KeyIsNew)
}

func matchUpdated(_ *TriggerMatcher, _ context.Context, _ Trigger, _ *Post, ec ExecutionContext) (ExecutionContext, bool) {
	return nil, ec.Bool(KeyIsUpdate) && !ec.Bool(KeyIsNew)
}

func matchPublished(_ *TriggerMatcher, _ context.Context, _ Trigger, _ *Post, ec ExecutionContext) (ExecutionContext, bool) {
	return nil, ec.Bool(KeyIsPublished)
}

// changeFor returns the old and new values when ec describes a change of field.
func changeFor(ec ExecutionContext, field string) (any, any, bool) {
	changed := ec.String(KeyChangedField)
	if changed == "" || field == "" || !sameField(changed, field) {
		return nil, nil, false
	}
	if !ec.Has(KeyOldValue) || !ec.Has(KeyNewValue) {
		return nil, nil, false
	}
	return ec[KeyOldValue], ec[KeyNewValue], true
}

func matchFieldChanged(m *TriggerMatcher, _ context.Context, t Trigger, _ *Post, ec ExecutionContext) (ExecutionContext, bool) {
	oldV, newV, ok := changeFor(ec, t.Field)
	return nil, ok && m.eval.Compare(oldV, OpNotEquals, newV, ec)
}

func matchChangedTo(m *TriggerMatcher, _ context.Context, t Trigger, _ *Post, ec ExecutionContext) (ExecutionContext, bool) {
	oldV, newV, ok := changeFor(ec, t.Field)
	if !ok || m.eval.Compare(oldV, OpEquals, newV, ec) {
		return nil, false
	}
	return nil, m.eval.Compare(newV, OpEquals, firstSet(t.Value, t.ToValue), ec)
}

func matchChangedFrom(m *TriggerMatcher, _ context.Context, t Trigger, _ *Post, ec ExecutionContext) (ExecutionContext, bool) {
	oldV, newV, ok := changeFor(ec, t.Field)
	if !ok || m.eval.Compare(oldV, OpEquals, newV, ec) {
		return nil, false
	}
	return nil, m.eval.Compare(oldV, OpEquals, firstSet(t.Value, t.FromValue), ec)
}

func matchTransition(m *TriggerMatcher, _ context.Context, t Trigger, _ *Post, ec ExecutionContext) (ExecutionContext, bool) {
	oldV, newV, ok := changeFor(ec, t.Field)
	if !ok {
		return nil, false
	}
	return nil, m.eval.Compare(oldV, OpEquals, t.FromValue, ec) && m.eval.Compare(newV, OpEquals, t.ToValue, ec)
}

func matchStatusChanged(m *TriggerMatcher, _ context.Context, t Trigger, _ *Post, ec ExecutionContext) (ExecutionContext, bool) {
	oldV, newV, ok := changeFor(ec, "post_status")
	if !ok || m.eval.Compare(oldV, OpEquals, newV, ec) {
		return nil, false
	}
	if to := firstSet(t.ToValue, t.Value); !isEmpty(to) && !m.eval.Compare(newV, OpEquals, to, ec) {
		return nil, false
	}
	if !isEmpty(t.FromValue) && !m.eval.Compare(oldV, OpEquals, t.FromValue, ec) {
		return nil, false
	}
	return nil, true
}

func matchField(m *TriggerMatcher, ctx context.Context, t Trigger, post *Post, ec ExecutionContext) (ExecutionContext, bool) {
	op := t.Operator
	if op == "" {
		op = OpEquals
	}
	actual := m.eval.fieldValue(ctx, t.Field, t.Source, post, ec)
	return nil, m.eval.Compare(actual, op, t.Value, ec)
}

// matchDate reads the trigger's date field and hands the calendar-day
// distance from today (positive in the future) to decide.
func matchDate(decide func(t Trigger, diff int) (ExecutionContext, bool)) triggerFunc {
	return func(m *TriggerMatcher, ctx context.Context, t Trigger, post *Post, ec ExecutionContext) (ExecutionContext, bool) {
		if post == nil || m.fields == nil {
			return nil, false
		}
		src := t.Source
		if src == "" {
			src = SourceAuto
		}
		raw, err := m.fields.GetField(ctx, post, t.Field, src)
		if err != nil {
			return nil, false
		}
		when, ok := m.clock.ParseDate(raw)
		if !ok {
			return nil, false
		}
		day := m.clock.Day(when)
		diff := daysBetween(m.clock.Today(), day)
		extra, ok := decide(t, diff)
		if !ok {
			return nil, false
		}
		return ExecutionContext{KeyTriggerDate: day.Format(isoDateLayout)}.Merge(extra), true
	}
}

func upcomingDays(t Trigger) int {
	if t.Days > 0 {
		return t.Days
	}
	return defaultUpcomingDays
}

func firstSet(vals ...any) any {
	for _, v := range vals {
		if v != nil {
			return v
		}
	}
	return nil
}

// Window translates a scheduled trigger into the day range it matches.
func (m *TriggerMatcher) Window(t Trigger) (DateWindow, error) {
	today := m.clock.Today()
	switch t.Type {
	case TriggerDateEqualsToday:
		return DateWindow{From: today, To: today}, nil
	case TriggerDateDaysBefore:
		d := today.AddDate(0, 0, t.Days)
		return DateWindow{From: d, To: d}, nil
	case TriggerDateDaysAfter:
		d := today.AddDate(0, 0, -t.Days)
		return DateWindow{From: d, To: d}, nil
	case TriggerDateIsOverdue:
		return DateWindow{To: today.AddDate(0, 0, -1)}, nil
	case TriggerDateIsUpcoming:
		return DateWindow{From: today, To: today.AddDate(0, 0, upcomingDays(t))}, nil
	}
	return DateWindow{}, fmt.Errorf("trigger type %s is not scheduled", t.Type)
}

// FindMatchingPosts bulk-queries posts whose date field falls in the
// trigger's window.
func (m *TriggerMatcher) FindMatchingPosts(ctx context.Context, t Trigger, postType string) ([]uint, error) {
	if !t.Type.IsScheduled() {
		return nil, fmt.Errorf("trigger type %s is not scheduled", t.Type)
	}
	if m.records == nil {
		return nil, fmt.Errorf("no record store configured")
	}
	w, err := m.Window(t)
	if err != nil {
		return nil, err
	}
	return m.records.FindMatching(ctx, postType, t.Field, w)
}
