package automation

import (
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cast"
)

// labelKeys are checked in order when a rich value collapses to a label.
var labelKeys = []string{"label", "display_name", "name", "title", "post_title", "value"}

// normalize unwraps identity-carrying references down to their identity and
// turns any slice into []any.
func normalize(v any) any {
	switch t := v.(type) {
	case nil:
		return nil
	case *Post:
		if t == nil {
			return nil
		}
		return t.ID
	case *User:
		if t == nil {
			return nil
		}
		return t.ID
	case map[string]any:
		for _, k := range []string{"ID", "id"} {
			if id, ok := t[k]; ok {
				return id
			}
		}
		return t
	case json.Number:
		if f, err := t.Float64(); err == nil {
			return f
		}
		return t.String()
	case string, []byte:
		return t
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.Slice || rv.Kind() == reflect.Array {
		out := make([]any, rv.Len())
		for i := range out {
			out[i] = normalize(rv.Index(i).Interface())
		}
		return out
	}
	return v
}

// stringify renders a value the way placeholders and string operators see it.
func stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case []byte:
		return string(t)
	case bool:
		if t {
			return "1"
		}
		return "0"
	case float64:
		return formatNumber(t)
	case float32:
		return formatNumber(float64(t))
	case json.Number:
		return t.String()
	case time.Time:
		if t.IsZero() {
			return ""
		}
		return t.Format("2006-01-02 15:04:05")
	case *time.Time:
		if t == nil {
			return ""
		}
		return stringify(*t)
	case *Post:
		if t == nil {
			return ""
		}
		return t.Title
	case *User:
		if t == nil {
			return ""
		}
		if t.DisplayName != "" {
			return t.DisplayName
		}
		return t.Login
	case map[string]any:
		for _, k := range labelKeys {
			if l, ok := t[k]; ok && !isEmpty(l) {
				return stringify(l)
			}
		}
		for _, k := range []string{"ID", "id"} {
			if id, ok := t[k]; ok {
				return stringify(id)
			}
		}
		if len(t) == 0 {
			return ""
		}
		b, err := json.Marshal(t)
		if err != nil {
			return ""
		}
		return string(b)
	case fmt.Stringer:
		return t.String()
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.Slice || rv.Kind() == reflect.Array {
		parts := make([]string, 0, rv.Len())
		for i := 0; i < rv.Len(); i++ {
			s := stringify(rv.Index(i).Interface())
			if s != "" {
				parts = append(parts, s)
			}
		}
		return strings.Join(parts, ", ")
	}
	s, err := cast.ToStringE(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return s
}

// formatNumber prints whole numbers without decimals and everything else
// with at most two.
func formatNumber(f float64) string {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return "0"
	}
	if f == math.Trunc(f) && math.Abs(f) < 1e15 {
		return strconv.FormatInt(int64(f), 10)
	}
	return strconv.FormatFloat(math.Round(f*100)/100, 'f', -1, 64)
}

// toFloat coerces v to a number. ok is false when v is not numeric.
func toFloat(v any) (float64, bool) {
	switch t := normalize(v).(type) {
	case nil:
		return 0, false
	case bool:
		if t {
			return 1, true
		}
		return 0, true
	case string:
		s := strings.TrimSpace(t)
		if s == "" {
			return 0, false
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0, false
		}
		return f, true
	case []any:
		if len(t) == 1 {
			return toFloat(t[0])
		}
		return 0, false
	default:
		f, err := cast.ToFloat64E(t)
		if err != nil {
			return 0, false
		}
		return f, true
	}
}

// lenientFloat is toFloat with non-numeric values counted as 0.
func lenientFloat(v any) float64 {
	f, _ := toFloat(v)
	return f
}

func isNumeric(v any) bool {
	_, ok := toFloat(v)
	return ok
}

var truthy = map[string]bool{"1": true, "true": true, "yes": true, "on": true}

// toBool is the lenient truthiness used by is_true/is_false.
func toBool(v any) bool {
	switch t := normalize(v).(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return truthy[strings.ToLower(strings.TrimSpace(t))]
	case []any:
		return !isEmpty(t)
	default:
		if f, ok := toFloat(t); ok {
			return f != 0
		}
		return truthy[strings.ToLower(stringify(t))]
	}
}

func isEmpty(v any) bool {
	switch t := normalize(v).(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(t) == ""
	case []any:
		for _, e := range t {
			if !isEmpty(e) {
				return false
			}
		}
		return true
	case map[string]any:
		return len(t) == 0
	}
	return false
}

// toList expands v into its elements. Strings are split on commas.
func toList(v any) []any {
	switch t := normalize(v).(type) {
	case nil:
		return nil
	case []any:
		return t
	case string:
		parts := strings.Split(t, ",")
		out := make([]any, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		return out
	default:
		return []any{t}
	}
}

// truthValue decides an inline condition with no operator.
func truthValue(v any) bool {
	if isEmpty(v) {
		return false
	}
	if s, ok := normalize(v).(string); ok {
		switch strings.ToLower(strings.TrimSpace(s)) {
		case "0", "false", "no", "off":
			return false
		}
	}
	if f, ok := toFloat(v); ok {
		return f != 0
	}
	return true
}
