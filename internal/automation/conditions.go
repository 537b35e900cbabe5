package automation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"
)

// Operator is a comparison understood by the evaluator.
type Operator string

const (
	OpEquals         Operator = "equals"
	OpNotEquals      Operator = "not_equals"
	OpGreaterThan    Operator = "greater_than"
	OpLessThan       Operator = "less_than"
	OpGreaterOrEqual Operator = "greater_or_equal"
	OpLessOrEqual    Operator = "less_or_equal"
	OpBetween        Operator = "between"
	OpContains       Operator = "contains"
	OpNotContains    Operator = "not_contains"
	OpStartsWith     Operator = "starts_with"
	OpEndsWith       Operator = "ends_with"
	OpMatchesRegex   Operator = "matches_regex"
	OpIsEmpty        Operator = "is_empty"
	OpIsNotEmpty     Operator = "is_not_empty"
	OpIsTrue         Operator = "is_true"
	OpIsFalse        Operator = "is_false"
	OpIn             Operator = "in"
	OpNotIn          Operator = "not_in"
	OpIsToday        Operator = "is_today"
	OpIsPast         Operator = "is_past"
	OpIsFuture       Operator = "is_future"
	OpIsWithinDays   Operator = "is_within_days"
	OpDateEquals     Operator = "date_equals"
	OpDateBefore     Operator = "date_before"
	OpDateAfter      Operator = "date_after"
	OpChanged        Operator = "changed"
	OpChangedTo      Operator = "changed_to"
	OpChangedFrom    Operator = "changed_from"
)

var operatorAliases = map[string]Operator{
	"=":  OpEquals,
	"==": OpEquals,
	"!=": OpNotEquals,
	"<>": OpNotEquals,
	">":  OpGreaterThan,
	"<":  OpLessThan,
	">=": OpGreaterOrEqual,
	"<=": OpLessOrEqual,
}

// canonical resolves symbol aliases.
func (o Operator) canonical() Operator {
	if op, ok := operatorAliases[string(o)]; ok {
		return op
	}
	return Operator(strings.ToLower(strings.TrimSpace(string(o))))
}

func (o Operator) isChange() bool {
	switch o.canonical() {
	case OpChanged, OpChangedTo, OpChangedFrom:
		return true
	}
	return false
}

// Logic joins the members of a group.
type Logic string

const (
	LogicAnd Logic = "AND"
	LogicOr  Logic = "OR"
)

// Node is either a Rule or a *Group.
type Node interface {
	node()
}

// Rule compares one field against an expected value.
type Rule struct {
	Field    string   `json:"field"`
	Operator Operator `json:"operator"`
	Value    any      `json:"value,omitempty"`
	Source   Source   `json:"source,omitempty"`
}

func (Rule) node() {}

// Group is a boolean combination of rules and groups. An empty group is true.
type Group struct {
	Logic Logic  `json:"logic"`
	Rules []Node `json:"rules"`
}

func (*Group) node() {}

// And builds an AND group.
func And(nodes ...Node) *Group { return &Group{Logic: LogicAnd, Rules: nodes} }

// Or builds an OR group.
func Or(nodes ...Node) *Group { return &Group{Logic: LogicOr, Rules: nodes} }

// Empty reports whether the group has no members.
func (g *Group) Empty() bool { return g == nil || len(g.Rules) == 0 }

// UnmarshalJSON accepts {"logic":..,"rules":[..]} or a bare array, which is
// an AND group.
func (g *Group) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*g = Group{Logic: LogicAnd}
		return nil
	}
	var raw struct {
		Logic string            `json:"logic"`
		Rules []json.RawMessage `json:"rules"`
	}
	if len(data) > 0 && data[0] == '[' {
		if err := json.Unmarshal(data, &raw.Rules); err != nil {
			return err
		}
	} else if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	g.Logic = LogicAnd
	if strings.EqualFold(raw.Logic, string(LogicOr)) {
		g.Logic = LogicOr
	}
	g.Rules = make([]Node, 0, len(raw.Rules))
	for _, item := range raw.Rules {
		n, err := decodeNode(item)
		if err != nil {
			return err
		}
		g.Rules = append(g.Rules, n)
	}
	return nil
}

func decodeNode(data json.RawMessage) (Node, error) {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '[' {
		g := &Group{}
		return g, g.UnmarshalJSON(data)
	}
	var keys map[string]json.RawMessage
	if err := json.Unmarshal(data, &keys); err != nil {
		return nil, fmt.Errorf("decode condition: %w", err)
	}
	if _, ok := keys["rules"]; ok {
		g := &Group{}
		return g, g.UnmarshalJSON(data)
	}
	var r Rule
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("decode condition rule: %w", err)
	}
	return r, nil
}

type compareFunc func(e *Evaluator, actual, expected any, ec ExecutionContext) bool

// Evaluator decides condition trees and single comparisons.
type Evaluator struct {
	fields FieldAccessor
	clock  *Clock
	ops    map[Operator]compareFunc
}

func NewEvaluator(fields FieldAccessor, clock *Clock) *Evaluator {
	if clock == nil {
		clock = NewClock(nil, nil)
	}
	return &Evaluator{fields: fields, clock: clock, ops: operatorTable()}
}

// Evaluate walks a condition tree. A nil or empty group is true.
func (e *Evaluator) Evaluate(ctx context.Context, g *Group, post *Post, ec ExecutionContext) bool {
	if g.Empty() {
		return true
	}
	or := g.Logic == LogicOr
	for _, n := range g.Rules {
		var ok bool
		switch v := n.(type) {
		case Rule:
			ok = e.evaluateRule(ctx, v, post, ec)
		case *Rule:
			ok = v != nil && e.evaluateRule(ctx, *v, post, ec)
		case *Group:
			ok = e.Evaluate(ctx, v, post, ec)
		}
		if or && ok {
			return true
		}
		if !or && !ok {
			return false
		}
	}
	return !or
}

func (e *Evaluator) evaluateRule(ctx context.Context, r Rule, post *Post, ec ExecutionContext) bool {
	op := r.Operator.canonical()
	if op.isChange() {
		if r.Field != "" && ec.Has(KeyChangedField) && !sameField(ec.String(KeyChangedField), r.Field) {
			return false
		}
		return e.Compare(nil, op, r.Value, ec)
	}
	return e.Compare(e.fieldValue(ctx, r.Field, r.Source, post, ec), op, r.Value, ec)
}

// fieldValue reads a rule's actual value: context keys first, then the
// field accessor.
func (e *Evaluator) fieldValue(ctx context.Context, field string, src Source, post *Post, ec ExecutionContext) any {
	if contextTokens[field] {
		if v, ok := ec[field]; ok {
			return v
		}
	}
	if post == nil || e.fields == nil {
		return ec[field]
	}
	if src == "" {
		src = SourceAuto
	}
	v, err := e.fields.GetField(ctx, post, field, src)
	if err != nil {
		return nil
	}
	return v
}

// Compare applies op. Unknown operators are false.
func (e *Evaluator) Compare(actual any, op Operator, expected any, ec ExecutionContext) bool {
	fn, ok := e.ops[op.canonical()]
	if !ok {
		return false
	}
	return fn(e, normalize(actual), normalize(expected), ec)
}

func sameField(a, b string) bool {
	return strings.EqualFold(strings.TrimPrefix(a, "post_"), strings.TrimPrefix(b, "post_"))
}

func operatorTable() map[Operator]compareFunc {
	return map[Operator]compareFunc{
		OpEquals:         func(_ *Evaluator, a, b any, _ ExecutionContext) bool { return looseEqual(a, b) },
		OpNotEquals:      func(_ *Evaluator, a, b any, _ ExecutionContext) bool { return !looseEqual(a, b) },
		OpGreaterThan:    numeric(func(a, b float64) bool { return a > b }),
		OpLessThan:       numeric(func(a, b float64) bool { return a < b }),
		OpGreaterOrEqual: numeric(func(a, b float64) bool { return a >= b }),
		OpLessOrEqual:    numeric(func(a, b float64) bool { return a <= b }),
		OpBetween:        compareBetween,
		OpContains: func(_ *Evaluator, a, b any, _ ExecutionContext) bool {
			return containsFold(a, b)
		},
		OpNotContains: func(_ *Evaluator, a, b any, _ ExecutionContext) bool {
			return !containsFold(a, b)
		},
		OpStartsWith: func(_ *Evaluator, a, b any, _ ExecutionContext) bool {
			return strings.HasPrefix(strings.ToLower(stringify(a)), strings.ToLower(stringify(b)))
		},
		OpEndsWith: func(_ *Evaluator, a, b any, _ ExecutionContext) bool {
			return strings.HasSuffix(strings.ToLower(stringify(a)), strings.ToLower(stringify(b)))
		},
		OpMatchesRegex: compareRegex,
		OpIsEmpty:      func(_ *Evaluator, a, _ any, _ ExecutionContext) bool { return isEmpty(a) },
		OpIsNotEmpty:   func(_ *Evaluator, a, _ any, _ ExecutionContext) bool { return !isEmpty(a) },
		OpIsTrue:       func(_ *Evaluator, a, _ any, _ ExecutionContext) bool { return toBool(a) },
		OpIsFalse:      func(_ *Evaluator, a, _ any, _ ExecutionContext) bool { return !toBool(a) },
		OpIn:           func(_ *Evaluator, a, b any, _ ExecutionContext) bool { return inList(a, b) },
		OpNotIn:        func(_ *Evaluator, a, b any, _ ExecutionContext) bool { return !inList(a, b) },
		OpIsToday: dateOp(func(e *Evaluator, d time.Time, _ any) bool {
			return d.Equal(e.clock.Today())
		}),
		OpIsPast: dateOp(func(e *Evaluator, d time.Time, _ any) bool {
			return d.Before(e.clock.Today())
		}),
		OpIsFuture: dateOp(func(e *Evaluator, d time.Time, _ any) bool {
			return d.After(e.clock.Today())
		}),
		OpIsWithinDays: dateOp(withinDays),
		OpDateEquals:   dateCmp(func(a, b time.Time) bool { return a.Equal(b) }),
		OpDateBefore:   dateCmp(func(a, b time.Time) bool { return a.Before(b) }),
		OpDateAfter:    dateCmp(func(a, b time.Time) bool { return a.After(b) }),
		OpChanged: func(_ *Evaluator, _, _ any, ec ExecutionContext) bool {
			return hasChange(ec)
		},
		OpChangedTo: func(_ *Evaluator, _, b any, ec ExecutionContext) bool {
			return hasChange(ec) && looseEqual(normalize(ec[KeyNewValue]), b)
		},
		OpChangedFrom: func(_ *Evaluator, _, b any, ec ExecutionContext) bool {
			return hasChange(ec) && looseEqual(normalize(ec[KeyOldValue]), b)
		},
	}
}

// looseEqual is null-aware, numeric when both sides are numeric and
// case-insensitive otherwise. A list matches if any element does.
func looseEqual(a, b any) bool {
	if a == nil || b == nil {
		return isEmpty(a) && isEmpty(b)
	}
	if list, ok := a.([]any); ok {
		if other, ok := b.([]any); ok {
			return strings.EqualFold(stringify(list), stringify(other))
		}
		for _, el := range list {
			if looseEqual(normalize(el), b) {
				return true
			}
		}
		return false
	}
	if _, isBool := a.(bool); !isBool {
		if fa, ok := toFloat(a); ok {
			if fb, ok := toFloat(b); ok {
				return fa == fb
			}
		}
	}
	if ba, ok := a.(bool); ok {
		return ba == toBool(b)
	}
	if bb, ok := b.(bool); ok {
		return bb == toBool(a)
	}
	return strings.EqualFold(strings.TrimSpace(stringify(a)), strings.TrimSpace(stringify(b)))
}

func numeric(cmp func(a, b float64) bool) compareFunc {
	return func(_ *Evaluator, a, b any, _ ExecutionContext) bool {
		return cmp(lenientFloat(a), lenientFloat(b))
	}
}

func compareBetween(_ *Evaluator, a, b any, _ ExecutionContext) bool {
	lo, hi, ok := bounds(b)
	if !ok {
		return false
	}
	v := lenientFloat(a)
	return v >= lo && v <= hi
}

// bounds reads a pair from [min,max], "min,max" or {min,max}.
func bounds(v any) (float64, float64, bool) {
	if m, ok := v.(map[string]any); ok {
		lo, okLo := toFloat(m["min"])
		hi, okHi := toFloat(m["max"])
		return lo, hi, okLo && okHi
	}
	list := toList(v)
	if len(list) != 2 {
		return 0, 0, false
	}
	lo, okLo := toFloat(list[0])
	hi, okHi := toFloat(list[1])
	if lo > hi {
		lo, hi = hi, lo
	}
	return lo, hi, okLo && okHi
}

func containsFold(a, b any) bool {
	needle := strings.ToLower(stringify(b))
	if list, ok := a.([]any); ok {
		for _, el := range list {
			if strings.EqualFold(stringify(el), needle) || strings.Contains(strings.ToLower(stringify(el)), needle) {
				return true
			}
		}
		return false
	}
	return strings.Contains(strings.ToLower(stringify(a)), needle)
}

var regexFlags = regexp.MustCompile(`^([/#~!@%|])(.*)([/#~!@%|])([imsxuU]*)$`)

// compileLoose accepts plain patterns and delimited ones such as /abc/i.
func compileLoose(pattern string) (*regexp.Regexp, error) {
	if m := regexFlags.FindStringSubmatch(pattern); m != nil && m[1] == m[3] {
		flags := strings.Map(func(r rune) rune {
			if strings.ContainsRune("ims", r) {
				return r
			}
			return -1
		}, m[4])
		pattern = m[2]
		if flags != "" {
			pattern = "(?" + flags + ")" + pattern
		}
	}
	return regexp.Compile(pattern)
}

func compareRegex(_ *Evaluator, a, b any, _ ExecutionContext) bool {
	pattern := stringify(b)
	if pattern == "" {
		return false
	}
	re, err := compileLoose(pattern)
	if err != nil {
		return false
	}
	return re.MatchString(stringify(a))
}

func inList(a, b any) bool {
	set := toList(b)
	values := []any{a}
	if list, ok := a.([]any); ok {
		values = list
	}
	for _, v := range values {
		sv := strings.TrimSpace(stringify(v))
		for _, s := range set {
			if strings.EqualFold(sv, strings.TrimSpace(stringify(s))) {
				return true
			}
		}
	}
	return false
}

func hasChange(ec ExecutionContext) bool {
	if !ec.Has(KeyOldValue) || !ec.Has(KeyNewValue) {
		return false
	}
	return !looseEqual(normalize(ec[KeyOldValue]), normalize(ec[KeyNewValue]))
}

func dateOp(fn func(e *Evaluator, day time.Time, expected any) bool) compareFunc {
	return func(e *Evaluator, a, b any, _ ExecutionContext) bool {
		t, ok := e.clock.ParseDate(a)
		if !ok {
			return false
		}
		return fn(e, e.clock.Day(t), b)
	}
}

func dateCmp(fn func(a, b time.Time) bool) compareFunc {
	return func(e *Evaluator, a, b any, _ ExecutionContext) bool {
		ta, ok := e.clock.ParseDate(a)
		if !ok {
			return false
		}
		tb, ok := e.clock.ParseDate(b)
		if !ok {
			return false
		}
		return fn(e.clock.Day(ta), e.clock.Day(tb))
	}
}

// withinDays covers today through today+N; a negative N looks back instead.
func withinDays(e *Evaluator, day time.Time, expected any) bool {
	n := int(lenientFloat(expected))
	today := e.clock.Today()
	edge := today.AddDate(0, 0, n)
	if n < 0 {
		return !day.Before(edge) && !day.After(today)
	}
	return !day.Before(today) && !day.After(edge)
}
