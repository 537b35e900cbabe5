package automation

import (
	"encoding/json"
	"html"
	"net/url"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/cases"
	"golang.org/x/text/number"
)

// format applies a {{token:modifier}} modifier.
func (r *Resolver) format(v any, mod string) string {
	switch strings.ToLower(mod) {
	case "raw":
		return stringify(v)
	case "formatted", "display", "label":
		return displayValue(v)
	case "date":
		return r.formatTime(v, r.dateFormat)
	case "datetime":
		return r.formatTime(v, r.dateFormat+" "+r.timeFormat)
	case "time":
		return r.formatTime(v, r.timeFormat)
	case "upper", "uppercase":
		return cases.Upper(r.lang).String(stringify(v))
	case "lower", "lowercase":
		return cases.Lower(r.lang).String(stringify(v))
	case "title", "ucwords":
		return cases.Title(r.lang).String(stringify(v))
	case "ucfirst", "capitalize":
		return upperFirst(stringify(v))
	case "number":
		return r.printer.Sprint(number.Decimal(lenientFloat(v), number.MaxFractionDigits(2)))
	case "currency":
		return "$" + r.printer.Sprint(number.Decimal(lenientFloat(v), number.MinFractionDigits(2), number.MaxFractionDigits(2)))
	case "percentage", "percent":
		return r.printer.Sprint(number.Decimal(lenientFloat(v), number.MaxFractionDigits(2))) + "%"
	case "html", "sanitize":
		return r.sanitizer.Sanitize(stringify(v))
	case "strip", "strip_tags", "text":
		return r.plainText(stringify(v))
	case "escape", "esc_html":
		return html.EscapeString(stringify(v))
	case "url", "urlencode":
		return url.QueryEscape(stringify(v))
	case "json":
		b, err := json.Marshal(v)
		if err != nil {
			return ""
		}
		return string(b)
	}
	if looksLikeDatePattern(mod) {
		return r.formatTime(v, mod)
	}
	return stringify(v)
}

func (r *Resolver) formatTime(v any, pattern string) string {
	t, ok := r.clock.ParseDate(v)
	if !ok {
		return stringify(v)
	}
	return formatDatePattern(t, pattern)
}

// plainText strips markup and decodes entities.
func (r *Resolver) plainText(s string) string {
	return strings.TrimSpace(html.UnescapeString(r.stripper.Sanitize(s)))
}

// displayValue is stringify with human booleans.
func displayValue(v any) string {
	switch t := v.(type) {
	case bool:
		if t {
			return "Yes"
		}
		return "No"
	case []any:
		parts := make([]string, 0, len(t))
		for _, el := range t {
			if s := displayValue(el); s != "" {
				parts = append(parts, s)
			}
		}
		return strings.Join(parts, ", ")
	}
	return stringify(v)
}

func upperFirst(s string) string {
	r, size := utf8.DecodeRuneInString(s)
	if r == utf8.RuneError {
		return s
	}
	return string(unicode.ToUpper(r)) + s[size:]
}
