package automation

import (
	"context"

	"github.com/spf13/cast"
)

// Keys carried in an ExecutionContext.
const (
	KeyIsNew          = "is_new"
	KeyIsUpdate       = "is_update"
	KeyIsPublished    = "is_published"
	KeyOldValue       = "old_value"
	KeyNewValue       = "new_value"
	KeyChangedField   = "changed_field"
	KeyChangedBy      = "changed_by"
	KeyTriggerDate    = "trigger_date"
	KeyDaysUntil      = "days_until"
	KeyDaysSince      = "days_since"
	KeyDaysOverdue    = "days_overdue"
	KeyCount          = "count"
	KeyItemsList      = "items_list"
	KeyItemsTable     = "items_table"
	KeyAutomationID   = "automation_id"
	KeyAutomationName = "automation_name"
)

// contextTokens are read from the execution context before any record field.
var contextTokens = map[string]bool{
	KeyOldValue:       true,
	KeyNewValue:       true,
	KeyChangedField:   true,
	KeyChangedBy:      true,
	KeyTriggerDate:    true,
	KeyDaysUntil:      true,
	KeyDaysSince:      true,
	KeyDaysOverdue:    true,
	KeyCount:          true,
	KeyItemsList:      true,
	KeyItemsTable:     true,
	KeyAutomationID:   true,
	KeyAutomationName: true,
}

// ExecutionContext carries event facts for the lifetime of one execution.
type ExecutionContext map[string]any

// Has reports whether key is present, even with a nil value.
func (ec ExecutionContext) Has(key string) bool {
	_, ok := ec[key]
	return ok
}

func (ec ExecutionContext) Get(key string) (any, bool) {
	v, ok := ec[key]
	return v, ok
}

func (ec ExecutionContext) String(key string) string {
	return stringify(ec[key])
}

func (ec ExecutionContext) Bool(key string) bool {
	return cast.ToBool(ec[key])
}

// Merge returns a copy of ec with other laid over it.
func (ec ExecutionContext) Merge(other ExecutionContext) ExecutionContext {
	out := make(ExecutionContext, len(ec)+len(other))
	for k, v := range ec {
		out[k] = v
	}
	for k, v := range other {
		out[k] = v
	}
	return out
}

// Clone returns a shallow copy that is safe to extend.
func (ec ExecutionContext) Clone() ExecutionContext {
	return ec.Merge(nil)
}

type currentUserKey struct{}

// WithCurrentUser attaches the acting user to ctx for CURRENT_USER tokens.
func WithCurrentUser(ctx context.Context, u *User) context.Context {
	return context.WithValue(ctx, currentUserKey{}, u)
}

// CurrentUser returns the acting user stored in ctx, if any.
func CurrentUser(ctx context.Context) *User {
	u, _ := ctx.Value(currentUserKey{}).(*User)
	return u
}
