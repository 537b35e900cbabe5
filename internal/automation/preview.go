package automation

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"
)

// ActionPreview describes what an action would do, without doing it.
type ActionPreview struct {
	Index          int             `json:"index"`
	Type           ActionType      `json:"type"`
	ConditionsPass bool            `json:"conditions_pass"`
	Preview        map[string]any  `json:"preview,omitempty"`
	Branches       []ActionPreview `json:"branches,omitempty"`
	Error          string          `json:"error,omitempty"`
}

// PreviewActions resolves every action for display. It only reads fields and
// never writes or sends.
func (x *ActionExecutor) PreviewActions(ctx context.Context, actions []Action, post *Post, ec ExecutionContext) []ActionPreview {
	out := make([]ActionPreview, 0, len(actions))
	for i, act := range actions {
		p := ActionPreview{
			Index:          i,
			Type:           act.Type,
			ConditionsPass: x.eval.Evaluate(ctx, act.Conditions, post, ec),
		}
		if _, known := x.handlers[act.Type]; !known {
			p.Error = fmt.Sprintf("unknown action type: %s", act.Type)
			out = append(out, p)
			continue
		}
		p.Preview, p.Branches = x.preview(ctx, act, post, ec)
		out = append(out, p)
	}
	return out
}

func (x *ActionExecutor) preview(ctx context.Context, act Action, post *Post, ec ExecutionContext) (map[string]any, []ActionPreview) {
	switch {
	case act.Email != nil:
		msg := x.buildEmail(ctx, act.Email, post, ec)
		return map[string]any{
			"to":      msg.To,
			"cc":      msg.CC,
			"bcc":     msg.BCC,
			"subject": msg.Subject,
			"body":    truncate(x.resolver.plainText(x.text(ctx, act.Email.Body, post, ec)), previewBodyLength),
			"html":    msg.HTML,
		}, nil
	case act.UpdateField != nil:
		cfg := act.UpdateField
		val, ok := x.ResolveFieldValue(ctx, cfg.FieldValue, post, ec)
		return map[string]any{
			"field":         cfg.Field,
			"current_value": x.current(ctx, post, cfg.Field, sourceOrAuto(cfg.Source)),
			"value":         val,
			"will_update":   ok,
		}, nil
	case act.CopyField != nil:
		cfg := act.CopyField
		return map[string]any{
			"source_field": cfg.SourceField,
			"target_field": cfg.TargetField,
			"value":        x.current(ctx, post, cfg.SourceField, sourceOrAuto(cfg.SourceSource)),
		}, nil
	case act.ClearField != nil:
		return map[string]any{
			"field":         act.ClearField.Field,
			"current_value": x.current(ctx, post, act.ClearField.Field, sourceOrAuto(act.ClearField.Source)),
		}, nil
	case act.IncrementField != nil:
		cfg := act.IncrementField
		cur := x.current(ctx, post, cfg.Field, sourceOrAuto(cfg.Source))
		return map[string]any{
			"field":         cfg.Field,
			"current_value": cur,
			"new_value":     numberValue(lenientFloat(cur) + x.incrementAmount(ctx, cfg, &actionRun{post: post, ec: ec})),
		}, nil
	case act.ChangeStatus != nil:
		return map[string]any{
			"from": post.Status,
			"to":   strings.TrimSpace(x.resolver.Parse(ctx, act.ChangeStatus.Status, post, ec)),
		}, nil
	case act.Conditional != nil:
		for i, br := range act.Conditional.Branches {
			if x.eval.Evaluate(ctx, br.Conditions, post, ec) {
				return map[string]any{"branch_index": i, "branch_type": branchKind(i, br)},
					x.PreviewActions(ctx, br.Actions, post, ec)
			}
		}
		return map[string]any{"branch_index": -1}, nil
	case act.Stop != nil:
		return map[string]any{"reason": act.Stop.Reason}, nil
	}
	return nil, nil
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n]) + "..."
}
