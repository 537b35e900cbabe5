package automation

import (
	"context"
	"fmt"
	"math"
	"strings"
)

func sourceOrAuto(s Source) Source {
	if s == "" {
		return SourceAuto
	}
	return s
}

// refreshPost reloads run.post after a write that may have touched a post
// column, so later actions in the list read the stored values.
func (x *ActionExecutor) refreshPost(ctx context.Context, run *actionRun, src Source) {
	if x.records == nil || run.post == nil || src == SourceMeta || src == SourceTaxonomy {
		return
	}
	fresh, err := x.records.GetPost(ctx, run.post.ID)
	if err != nil {
		x.logger.Debugf("automation: reload post %d: %v", run.post.ID, err)
		return
	}
	if fresh != run.post {
		*run.post = *fresh
	}
}

// current reads a field for reporting; a read failure is reported as nil.
func (x *ActionExecutor) current(ctx context.Context, post *Post, field string, src Source) any {
	v, err := x.fields.GetField(ctx, post, field, src)
	if err != nil {
		return nil
	}
	return v
}

func (x *ActionExecutor) updateField(ctx context.Context, act Action, run *actionRun) ActionResult {
	cfg := act.UpdateField
	if cfg == nil || cfg.Field == "" {
		return missingPayload(act)
	}
	src := sourceOrAuto(cfg.Source)
	old := x.current(ctx, run.post, cfg.Field, src)
	val, ok := x.ResolveFieldValue(ctx, cfg.FieldValue, run.post, run.ec)
	if !ok {
		return ActionResult{Status: ActionSkipped, Field: cfg.Field, Message: "no conditional value matched"}
	}
	if err := x.fields.SetField(ctx, run.post.ID, cfg.Field, val, src); err != nil {
		return ActionResult{Status: ActionError, Field: cfg.Field, OldValue: old, Message: err.Error()}
	}
	x.refreshPost(ctx, run, src)
	return ActionResult{
		Status:   ActionSuccess,
		Field:    cfg.Field,
		OldValue: old,
		NewValue: val,
		Message:  fmt.Sprintf("updated %s", cfg.Field),
	}
}

func (x *ActionExecutor) copyField(ctx context.Context, act Action, run *actionRun) ActionResult {
	cfg := act.CopyField
	if cfg == nil || cfg.SourceField == "" || cfg.TargetField == "" {
		return missingPayload(act)
	}
	val, err := x.fields.GetField(ctx, run.post, cfg.SourceField, sourceOrAuto(cfg.SourceSource))
	if err != nil {
		return ActionResult{Status: ActionError, Field: cfg.TargetField, Message: err.Error()}
	}
	dst := sourceOrAuto(cfg.TargetSource)
	old := x.current(ctx, run.post, cfg.TargetField, dst)
	if err := x.fields.SetField(ctx, run.post.ID, cfg.TargetField, val, dst); err != nil {
		return ActionResult{Status: ActionError, Field: cfg.TargetField, OldValue: old, Message: err.Error()}
	}
	x.refreshPost(ctx, run, dst)
	return ActionResult{
		Status:   ActionSuccess,
		Field:    cfg.TargetField,
		OldValue: old,
		NewValue: val,
		Message:  fmt.Sprintf("copied %s to %s", cfg.SourceField, cfg.TargetField),
	}
}

func (x *ActionExecutor) clearField(ctx context.Context, act Action, run *actionRun) ActionResult {
	cfg := act.ClearField
	if cfg == nil || cfg.Field == "" {
		return missingPayload(act)
	}
	src := sourceOrAuto(cfg.Source)
	old := x.current(ctx, run.post, cfg.Field, src)
	if err := x.fields.SetField(ctx, run.post.ID, cfg.Field, nil, src); err != nil {
		return ActionResult{Status: ActionError, Field: cfg.Field, OldValue: old, Message: err.Error()}
	}
	x.refreshPost(ctx, run, src)
	return ActionResult{Status: ActionSuccess, Field: cfg.Field, OldValue: old, Message: fmt.Sprintf("cleared %s", cfg.Field)}
}

func (x *ActionExecutor) incrementField(ctx context.Context, act Action, run *actionRun) ActionResult {
	cfg := act.IncrementField
	if cfg == nil || cfg.Field == "" {
		return missingPayload(act)
	}
	src := sourceOrAuto(cfg.Source)
	old := x.current(ctx, run.post, cfg.Field, src)
	next := numberValue(lenientFloat(old) + x.incrementAmount(ctx, cfg, run))
	if err := x.fields.SetField(ctx, run.post.ID, cfg.Field, next, src); err != nil {
		return ActionResult{Status: ActionError, Field: cfg.Field, OldValue: old, Message: err.Error()}
	}
	x.refreshPost(ctx, run, src)
	return ActionResult{
		Status:   ActionSuccess,
		Field:    cfg.Field,
		OldValue: old,
		NewValue: next,
		Message:  fmt.Sprintf("incremented %s", cfg.Field),
	}
}

func (x *ActionExecutor) incrementAmount(ctx context.Context, cfg *IncrementFieldConfig, run *actionRun) float64 {
	if isEmpty(cfg.Amount) {
		return 1
	}
	if s, ok := cfg.Amount.(string); ok && strings.Contains(s, "{{") {
		return lenientFloat(x.resolver.Parse(ctx, s, run.post, run.ec))
	}
	return lenientFloat(cfg.Amount)
}

// numberValue keeps whole numbers integral.
func numberValue(f float64) any {
	if f == math.Trunc(f) && math.Abs(f) < 1e15 {
		return int64(f)
	}
	return f
}

func (x *ActionExecutor) changeStatus(ctx context.Context, act Action, run *actionRun) ActionResult {
	if act.ChangeStatus == nil {
		return missingPayload(act)
	}
	status := strings.TrimSpace(x.resolver.Parse(ctx, act.ChangeStatus.Status, run.post, run.ec))
	if status == "" {
		return ActionResult{Status: ActionError, Field: "post_status", Message: "invalid status: empty"}
	}
	old := run.post.Status
	if err := x.fields.SetField(ctx, run.post.ID, "post_status", status, SourcePost); err != nil {
		return ActionResult{Status: ActionError, Field: "post_status", OldValue: old, Message: err.Error()}
	}
	run.post.Status = status
	x.refreshPost(ctx, run, SourcePost)
	return ActionResult{
		Status:   ActionSuccess,
		Field:    "post_status",
		OldValue: old,
		NewValue: status,
		Message:  fmt.Sprintf("status changed from %s to %s", old, status),
	}
}

// ResolveFieldValue produces the value update_field writes. ok is false
// when a conditional value has no matching branch and no else.
func (x *ActionExecutor) ResolveFieldValue(ctx context.Context, fv FieldValue, post *Post, ec ExecutionContext) (any, bool) {
	switch fv.Mode {
	case "", ValueStatic:
		return fv.Value, true
	case ValueDynamic:
		return x.resolver.Value(ctx, stripBraces(stringify(fv.Value)), post, ec), true
	case ValueFormula:
		expr := strings.TrimSpace(stringify(fv.Value))
		switch strings.ToUpper(expr) {
		case "NOW()":
			return x.clock.Now().Format(isoDateTimeFmt), true
		case "TODAY()":
			return x.clock.Now().Format(isoDateLayout), true
		}
		return x.resolver.Parse(ctx, expr, post, ec), true
	case ValueConditional:
		for _, rule := range fv.ConditionalValues {
			if x.eval.Evaluate(ctx, rule.If, post, ec) {
				return x.resolver.Parse(ctx, rule.Then, post, ec), true
			}
		}
		if fv.ElseValue != nil {
			return x.resolver.Parse(ctx, *fv.ElseValue, post, ec), true
		}
		return nil, false
	}
	return fv.Value, true
}
