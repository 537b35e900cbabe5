package automation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"
)

// ActionType names what an action does.
type ActionType string

const (
	ActionSendEmail      ActionType = "send_email"
	ActionUpdateField    ActionType = "update_field"
	ActionCopyField      ActionType = "copy_field"
	ActionClearField     ActionType = "clear_field"
	ActionIncrementField ActionType = "increment_field"
	ActionChangeStatus   ActionType = "change_status"
	ActionConditional    ActionType = "conditional"
	ActionStop           ActionType = "stop"
)

// ValueRule selects Then when If holds.
type ValueRule struct {
	If   *Group `json:"if,omitempty"`
	Then string `json:"then"`
}

// TextValue is either plain text or a conditional choice between texts.
type TextValue struct {
	Text       string
	Conditions []ValueRule
	Else       *string
}

// Plain wraps a literal string as a TextValue.
func Plain(s string) TextValue { return TextValue{Text: s} }

func (v *TextValue) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*v = TextValue{}
		return nil
	}
	if data[0] != '{' {
		var raw any
		if err := json.Unmarshal(data, &raw); err != nil {
			return err
		}
		*v = TextValue{Text: stringify(raw)}
		return nil
	}
	var obj struct {
		Value      string      `json:"value"`
		Conditions []ValueRule `json:"conditions"`
		Else       *string     `json:"else"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	*v = TextValue{Text: obj.Value, Conditions: obj.Conditions, Else: obj.Else}
	return nil
}

func (v TextValue) MarshalJSON() ([]byte, error) {
	if len(v.Conditions) == 0 && v.Else == nil {
		return json.Marshal(v.Text)
	}
	return json.Marshal(struct {
		Value      string      `json:"value,omitempty"`
		Conditions []ValueRule `json:"conditions"`
		Else       *string     `json:"else,omitempty"`
	}{v.Text, v.Conditions, v.Else})
}

// EmailConfig is the payload of send_email.
type EmailConfig struct {
	To        TextValue `json:"to"`
	CC        TextValue `json:"cc,omitempty"`
	BCC       TextValue `json:"bcc,omitempty"`
	ReplyTo   TextValue `json:"reply_to,omitempty"`
	FromName  TextValue `json:"from_name,omitempty"`
	FromEmail TextValue `json:"from_email,omitempty"`
	Subject   TextValue `json:"subject"`
	Body      TextValue `json:"body"`
}

// ValueMode selects how a field value is produced.
type ValueMode string

const (
	ValueStatic      ValueMode = "static"
	ValueDynamic     ValueMode = "dynamic"
	ValueFormula     ValueMode = "formula"
	ValueConditional ValueMode = "conditional"
)

// FieldValue describes the value written by update_field.
type FieldValue struct {
	Mode              ValueMode   `json:"value_type,omitempty"`
	Value             any         `json:"value,omitempty"`
	ConditionalValues []ValueRule `json:"conditional_values,omitempty"`
	ElseValue         *string     `json:"else_value,omitempty"`
}

type UpdateFieldConfig struct {
	Field  string `json:"field"`
	Source Source `json:"source,omitempty"`
	FieldValue
}

type CopyFieldConfig struct {
	SourceField  string `json:"source_field"`
	SourceSource Source `json:"source_field_source,omitempty"`
	TargetField  string `json:"target_field"`
	TargetSource Source `json:"target_field_source,omitempty"`
}

type ClearFieldConfig struct {
	Field  string `json:"field"`
	Source Source `json:"source,omitempty"`
}

// IncrementFieldConfig adds Amount (default 1) to a numeric field.
type IncrementFieldConfig struct {
	Field  string `json:"field"`
	Source Source `json:"source,omitempty"`
	Amount any    `json:"amount,omitempty"`
}

type ChangeStatusConfig struct {
	Status string `json:"status"`
}

// Branch is one arm of a conditional action. Empty conditions always match.
type Branch struct {
	Conditions *Group   `json:"conditions,omitempty"`
	Actions    []Action `json:"actions"`
}

type ConditionalConfig struct {
	Branches []Branch `json:"branches"`
}

type StopConfig struct {
	Reason string `json:"reason,omitempty"`
}

// Action is one step of an automation: a type, optional gating conditions
// and the payload matching the type.
type Action struct {
	Type           ActionType
	Conditions     *Group
	Email          *EmailConfig
	UpdateField    *UpdateFieldConfig
	CopyField      *CopyFieldConfig
	ClearField     *ClearFieldConfig
	IncrementField *IncrementFieldConfig
	ChangeStatus   *ChangeStatusConfig
	Conditional    *ConditionalConfig
	Stop           *StopConfig
}

func (a *Action) UnmarshalJSON(data []byte) error {
	var head struct {
		Type       ActionType `json:"type"`
		Conditions *Group     `json:"conditions"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return fmt.Errorf("decode action: %w", err)
	}
	*a = Action{Type: head.Type, Conditions: head.Conditions}
	var payload any
	switch head.Type {
	case ActionSendEmail:
		a.Email = &EmailConfig{}
		payload = a.Email
	case ActionUpdateField:
		a.UpdateField = &UpdateFieldConfig{}
		payload = a.UpdateField
	case ActionCopyField:
		a.CopyField = &CopyFieldConfig{}
		payload = a.CopyField
	case ActionClearField:
		a.ClearField = &ClearFieldConfig{}
		payload = a.ClearField
	case ActionIncrementField:
		a.IncrementField = &IncrementFieldConfig{}
		payload = a.IncrementField
	case ActionChangeStatus:
		a.ChangeStatus = &ChangeStatusConfig{}
		payload = a.ChangeStatus
	case ActionConditional:
		a.Conditional = &ConditionalConfig{}
		payload = a.Conditional
	case ActionStop:
		a.Stop = &StopConfig{}
		payload = a.Stop
	default:
		return nil
	}
	if err := json.Unmarshal(data, payload); err != nil {
		return fmt.Errorf("decode %s action: %w", head.Type, err)
	}
	return nil
}

func (a Action) MarshalJSON() ([]byte, error) {
	out := map[string]any{}
	if p := a.payload(); p != nil {
		b, err := json.Marshal(p)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(b, &out); err != nil {
			return nil, err
		}
	}
	out["type"] = a.Type
	if a.Conditions != nil {
		out["conditions"] = a.Conditions
	}
	return json.Marshal(out)
}

func (a Action) payload() any {
	switch {
	case a.Email != nil:
		return a.Email
	case a.UpdateField != nil:
		return a.UpdateField
	case a.CopyField != nil:
		return a.CopyField
	case a.ClearField != nil:
		return a.ClearField
	case a.IncrementField != nil:
		return a.IncrementField
	case a.ChangeStatus != nil:
		return a.ChangeStatus
	case a.Conditional != nil:
		return a.Conditional
	case a.Stop != nil:
		return a.Stop
	}
	return nil
}

// actionRun is the state shared by the actions of one invocation.
type actionRun struct {
	post       *Post
	ec         ExecutionContext
	automation *Automation
}

type actionHandler func(x *ActionExecutor, ctx context.Context, a Action, run *actionRun) ActionResult

// ActionExecutor runs action lists against a post.
type ActionExecutor struct {
	fields   FieldAccessor
	records  RecordStore
	mailer   Mailer
	resolver *Resolver
	eval     *Evaluator
	clock    *Clock
	validate *validator.Validate
	logger   *logrus.Logger
	handlers map[ActionType]actionHandler
}

// records may be nil; post columns written by an action are then only
// visible to later actions through the accessor.
func NewActionExecutor(fields FieldAccessor, records RecordStore, mailer Mailer, resolver *Resolver, eval *Evaluator, clock *Clock, logger *logrus.Logger) *ActionExecutor {
	if logger == nil {
		logger = logrus.New()
	}
	return &ActionExecutor{
		fields:   fields,
		records:  records,
		mailer:   mailer,
		resolver: resolver,
		eval:     eval,
		clock:    clock,
		validate: validator.New(),
		logger:   logger,
		handlers: map[ActionType]actionHandler{
			ActionSendEmail:      (*ActionExecutor).sendEmail,
			ActionUpdateField:    (*ActionExecutor).updateField,
			ActionCopyField:      (*ActionExecutor).copyField,
			ActionClearField:     (*ActionExecutor).clearField,
			ActionIncrementField: (*ActionExecutor).incrementField,
			ActionChangeStatus:   (*ActionExecutor).changeStatus,
			ActionConditional:    (*ActionExecutor).conditional,
			ActionStop:           (*ActionExecutor).stop,
		},
	}
}

// ExecuteActions runs actions in order. Failed conditions skip an action,
// errors do not abort the list, stop truncates it.
func (x *ActionExecutor) ExecuteActions(ctx context.Context, actions []Action, post *Post, ec ExecutionContext, a *Automation) []ActionResult {
	run := &actionRun{post: post, ec: ec, automation: a}
	results := make([]ActionResult, 0, len(actions))
	for i, act := range actions {
		if !x.eval.Evaluate(ctx, act.Conditions, post, ec) {
			results = append(results, ActionResult{
				Index:   i,
				Type:    act.Type,
				Status:  ActionSkipped,
				Message: "action conditions not met",
			})
			continue
		}
		res := x.execute(ctx, act, run)
		res.Index = i
		results = append(results, res)
		if act.Type == ActionStop || res.Stop {
			break
		}
	}
	return results
}

func (x *ActionExecutor) execute(ctx context.Context, act Action, run *actionRun) ActionResult {
	h, ok := x.handlers[act.Type]
	if !ok {
		return ActionResult{Type: act.Type, Status: ActionError, Message: fmt.Sprintf("unknown action type: %s", act.Type)}
	}
	if run.post == nil && act.Type != ActionStop {
		return ActionResult{Type: act.Type, Status: ActionError, Message: "no post to act on"}
	}
	res := h(x, ctx, act, run)
	res.Type = act.Type
	if res.Status == ActionError {
		x.logger.WithFields(logrus.Fields{
			"action":  act.Type,
			"post_id": run.post.ID,
		}).Warnf("automation: action failed: %s", res.Message)
	}
	return res
}

func (x *ActionExecutor) conditional(ctx context.Context, act Action, run *actionRun) ActionResult {
	if act.Conditional == nil {
		return missingPayload(act)
	}
	for i, br := range act.Conditional.Branches {
		if !x.eval.Evaluate(ctx, br.Conditions, run.post, run.ec) {
			continue
		}
		idx := i
		kind := branchKind(i, br)
		nested := x.ExecuteActions(ctx, br.Actions, run.post, run.ec, run.automation)
		res := ActionResult{
			Status:      ActionSuccess,
			Message:     fmt.Sprintf("executed %s branch %d", kind, i),
			BranchIndex: &idx,
			BranchType:  kind,
			Results:     nested,
		}
		if n := countErrors(nested); n > 0 {
			res.Status = ActionError
			res.Message = fmt.Sprintf("%d nested action(s) failed in %s branch %d", n, kind, i)
		}
		for _, r := range nested {
			if r.Stop {
				res.Stop = true
			}
		}
		return res
	}
	none := -1
	return ActionResult{Status: ActionSuccess, Message: "no branch matched", BranchIndex: &none}
}

func branchKind(i int, br Branch) string {
	switch {
	case i == 0:
		return "if"
	case br.Conditions.Empty():
		return "else"
	}
	return "else_if"
}

func (x *ActionExecutor) stop(_ context.Context, act Action, _ *actionRun) ActionResult {
	msg := "execution stopped"
	if act.Stop != nil && act.Stop.Reason != "" {
		msg = act.Stop.Reason
	}
	return ActionResult{Status: ActionSuccess, Message: msg, Stop: true}
}

func missingPayload(act Action) ActionResult {
	return ActionResult{Type: act.Type, Status: ActionError, Message: fmt.Sprintf("%s action has no configuration", act.Type)}
}
