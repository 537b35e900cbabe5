package automation

import (
	"context"
	"regexp"
	"strconv"
	"strings"

	"github.com/microcosm-cc/bluemonday"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

const (
	maxParseDepth   = 8
	excerptWords    = 55
	defaultDateFmt  = "F j, Y"
	defaultTimeFmt  = "g:i a"
	isoDateLayout   = "2006-01-02"
	isoDateTimeFmt  = "2006-01-02 15:04:05"
	conditionalOpen = "{{IF:"
)

var (
	dateFormulaRe = regexp.MustCompile(`(?i)\{\{\s*([A-Za-z0-9_.\-]+?)\s*([+-])\s*(\d+)\s*(days?|weeks?|months?|years?)\s*(?::\s*([^{}]+?))?\s*\}\}`)
	arithmeticRe  = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_.]+)\s*([+\-*/])\s*([A-Za-z0-9_.]+)\s*\}\}`)
	tokenRe       = regexp.MustCompile(`\{\{\s*([^{}:]+?)\s*(?::([^{}]*))?\}\}`)
)

// inlineOperators are scanned in this order inside {{IF:...}}.
var inlineOperators = []string{">=", "<=", "!=", "=", ">", "<"}

// ResolverOptions configures locale-dependent output.
type ResolverOptions struct {
	Site       Site
	DateFormat string
	TimeFormat string
	Language   language.Tag
}

// Resolver substitutes {{...}} placeholders in text.
type Resolver struct {
	fields     FieldAccessor
	users      UserDirectory
	eval       *Evaluator
	clock      *Clock
	site       Site
	dateFormat string
	timeFormat string
	lang       language.Tag
	printer    *message.Printer
	sanitizer  *bluemonday.Policy
	stripper   *bluemonday.Policy
}

func NewResolver(fields FieldAccessor, users UserDirectory, eval *Evaluator, clock *Clock, opts ResolverOptions) *Resolver {
	if clock == nil {
		clock = NewClock(nil, nil)
	}
	if eval == nil {
		eval = NewEvaluator(fields, clock)
	}
	if opts.DateFormat == "" {
		opts.DateFormat = defaultDateFmt
	}
	if opts.TimeFormat == "" {
		opts.TimeFormat = defaultTimeFmt
	}
	if opts.Language == language.Und {
		opts.Language = language.English
	}
	return &Resolver{
		fields:     fields,
		users:      users,
		eval:       eval,
		clock:      clock,
		site:       opts.Site,
		dateFormat: opts.DateFormat,
		timeFormat: opts.TimeFormat,
		lang:       opts.Language,
		printer:    message.NewPrinter(opts.Language),
		sanitizer:  bluemonday.UGCPolicy(),
		stripper:   bluemonday.StrictPolicy(),
	}
}

// Parse resolves conditionals, then formulas, then simple tokens. It never
// fails: anything it cannot resolve becomes an empty string.
func (r *Resolver) Parse(ctx context.Context, text string, post *Post, ec ExecutionContext) string {
	return r.parse(ctx, text, post, ec, 0)
}

func (r *Resolver) parse(ctx context.Context, text string, post *Post, ec ExecutionContext, depth int) (out string) {
	if !strings.Contains(text, "{{") || depth > maxParseDepth {
		return text
	}
	defer func() {
		if rec := recover(); rec != nil {
			out = text
		}
	}()
	text = r.resolveConditionals(ctx, text, post, ec, depth)
	text = r.resolveFormulas(ctx, text, post, ec)
	return r.resolveTokens(ctx, text, post, ec)
}

func (r *Resolver) resolveConditionals(ctx context.Context, text string, post *Post, ec ExecutionContext, depth int) string {
	var b strings.Builder
	rest := text
	for {
		i := indexConditional(rest)
		if i < 0 {
			b.WriteString(rest)
			break
		}
		end := closingBraces(rest, i)
		if end < 0 {
			b.WriteString(rest)
			break
		}
		b.WriteString(rest[:i])
		parts := splitTopLevel(rest[i+len(conditionalOpen):end-2], 3)
		var then, otherwise string
		if len(parts) > 1 {
			then = parts[1]
		}
		if len(parts) > 2 {
			otherwise = parts[2]
		}
		branch := otherwise
		if r.inlineCondition(ctx, parts[0], post, ec, depth) {
			branch = then
		}
		b.WriteString(r.parse(ctx, branch, post, ec, depth+1))
		rest = rest[end:]
	}
	return b.String()
}

func indexConditional(s string) int {
	upper := strings.Index(s, conditionalOpen)
	lower := strings.Index(s, "{{if:")
	switch {
	case upper < 0:
		return lower
	case lower < 0:
		return upper
	case lower < upper:
		return lower
	}
	return upper
}

// closingBraces returns the index just past the "}}" closing the "{{" at
// start, honouring nested pairs.
func closingBraces(s string, start int) int {
	depth := 0
	for j := start; j < len(s)-1; {
		switch s[j : j+2] {
		case "{{":
			depth++
			j += 2
		case "}}":
			depth--
			j += 2
			if depth == 0 {
				return j
			}
		default:
			j++
		}
	}
	return -1
}

// splitTopLevel splits on ':' outside nested braces into at most n parts.
// Quoted text in the first part is kept whole, so a condition can compare
// against a value such as "10:00".
func splitTopLevel(s string, n int) []string {
	var parts []string
	var quote byte
	depth, last := 0, 0
	for j := 0; j < len(s); j++ {
		switch {
		case quote != 0:
			if s[j] == quote {
				quote = 0
			}
		case (s[j] == '"' || s[j] == '\'') && len(parts) == 0 && depth == 0:
			quote = s[j]
		case strings.HasPrefix(s[j:], "{{"):
			depth++
			j++
		case strings.HasPrefix(s[j:], "}}"):
			depth--
			j++
		case s[j] == ':' && depth == 0 && len(parts) < n-1:
			parts = append(parts, s[last:j])
			last = j + 1
		}
	}
	return append(parts, s[last:])
}

func (r *Resolver) inlineCondition(ctx context.Context, cond string, post *Post, ec ExecutionContext, depth int) bool {
	cond = strings.TrimSpace(cond)
	for _, sym := range inlineOperators {
		idx := strings.Index(cond, sym)
		if idx <= 0 {
			continue
		}
		left := strings.TrimSpace(cond[:idx])
		right := strings.TrimSpace(cond[idx+len(sym):])
		if sym == "=" {
			right = strings.TrimSpace(strings.TrimPrefix(right, "="))
		}
		right = trimQuotes(right)
		if strings.Contains(right, "{{") {
			right = r.parse(ctx, right, post, ec, depth+1)
		}
		actual := r.Value(ctx, stripBraces(left), post, ec)
		return r.eval.Compare(actual, Operator(sym), right, ec)
	}
	return truthValue(r.Value(ctx, stripBraces(cond), post, ec))
}

func stripBraces(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "{{")
	s = strings.TrimSuffix(s, "}}")
	return strings.TrimSpace(s)
}

func trimQuotes(s string) string {
	if len(s) >= 2 && (s[0] == '"' || s[0] == '\'') && s[len(s)-1] == s[0] {
		return s[1 : len(s)-1]
	}
	return s
}

func (r *Resolver) resolveFormulas(ctx context.Context, text string, post *Post, ec ExecutionContext) string {
	text = replaceSubmatches(dateFormulaRe, text, func(m []string) string {
		return r.dateFormula(ctx, m[1], m[2], m[3], m[4], m[5], post, ec)
	})
	return replaceSubmatches(arithmeticRe, text, func(m []string) string {
		return r.arithmetic(ctx, m[1], m[2], m[3], post, ec)
	})
}

func (r *Resolver) dateFormula(ctx context.Context, field, sign, amount, unit, format string, post *Post, ec ExecutionContext) string {
	base := strings.ToLower(field)
	var t = r.clock.Now()
	switch base {
	case "today":
		t = r.clock.Today()
	case "now":
	default:
		parsed, ok := r.clock.ParseDate(r.Value(ctx, field, post, ec))
		if !ok {
			return ""
		}
		t = parsed
	}
	n, _ := strconv.Atoi(amount)
	if sign == "-" {
		n = -n
	}
	t = addUnit(t, n, unit)
	if format = strings.TrimSpace(format); format != "" {
		return r.format(t, format)
	}
	if base == "now" {
		return t.Format(isoDateTimeFmt)
	}
	return t.Format(isoDateLayout)
}

func (r *Resolver) arithmetic(ctx context.Context, left, op, right string, post *Post, ec ExecutionContext) string {
	a := r.operand(ctx, left, post, ec)
	b := r.operand(ctx, right, post, ec)
	var res float64
	switch op {
	case "+":
		res = a + b
	case "-":
		res = a - b
	case "*":
		res = a * b
	case "/":
		if b != 0 {
			res = a / b
		}
	}
	return formatNumber(res)
}

func (r *Resolver) operand(ctx context.Context, s string, post *Post, ec ExecutionContext) float64 {
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	return lenientFloat(r.Value(ctx, s, post, ec))
}

func (r *Resolver) resolveTokens(ctx context.Context, text string, post *Post, ec ExecutionContext) string {
	return replaceSubmatches(tokenRe, text, func(m []string) string {
		v := r.Value(ctx, strings.TrimSpace(m[1]), post, ec)
		if mod := strings.TrimSpace(m[2]); mod != "" {
			return r.format(v, mod)
		}
		return stringify(v)
	})
}

func replaceSubmatches(re *regexp.Regexp, s string, fn func([]string) string) string {
	idx := re.FindAllStringSubmatchIndex(s, -1)
	if len(idx) == 0 {
		return s
	}
	var b strings.Builder
	last := 0
	for _, loc := range idx {
		groups := make([]string, len(loc)/2)
		for g := range groups {
			if loc[2*g] >= 0 {
				groups[g] = s[loc[2*g]:loc[2*g+1]]
			}
		}
		b.WriteString(s[last:loc[0]])
		b.WriteString(fn(groups))
		last = loc[1]
	}
	b.WriteString(s[last:])
	return b.String()
}

// Value resolves one token: system tokens, context tokens, intrinsic post
// fields, <x>_email, then the field accessor.
func (r *Resolver) Value(ctx context.Context, token string, post *Post, ec ExecutionContext) any {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil
	}
	if v, ok := r.systemValue(ctx, token); ok {
		return v
	}
	if contextTokens[token] {
		if v, ok := ec[token]; ok {
			return v
		}
	}
	if post != nil {
		if v, ok := r.intrinsicValue(ctx, token, post); ok {
			return v
		}
		if prefix, ok := strings.CutSuffix(token, "_email"); ok && prefix != "" {
			if email, ok := r.userEmail(ctx, prefix, post, ec); ok {
				return email
			}
		}
		if r.fields != nil {
			if v, err := r.fields.GetField(ctx, post, token, SourceAuto); err == nil && v != nil {
				return v
			}
		}
	}
	return ec[token]
}

func (r *Resolver) systemValue(ctx context.Context, token string) (any, bool) {
	switch strings.ToUpper(token) {
	case "NOW":
		return r.clock.Now().Format(isoDateTimeFmt), true
	case "TODAY", "CURRENT_DATE":
		return r.clock.Now().Format(isoDateLayout), true
	case "CURRENT_TIME":
		return r.clock.Now().Format("15:04"), true
	case "CURRENT_USER":
		if u := CurrentUser(ctx); u != nil {
			return stringify(u), true
		}
		return "", true
	case "CURRENT_USER_ID":
		if u := CurrentUser(ctx); u != nil {
			return u.ID, true
		}
		return "", true
	case "CURRENT_USER_EMAIL":
		if u := CurrentUser(ctx); u != nil {
			return u.Email, true
		}
		return "", true
	case "SITE_NAME":
		return r.site.Name, true
	case "SITE_URL":
		return r.site.URL, true
	case "ADMIN_EMAIL":
		return r.site.AdminEmail, true
	}
	return nil, false
}

func (r *Resolver) intrinsicValue(ctx context.Context, token string, post *Post) (any, bool) {
	switch strings.ToLower(token) {
	case "id", "post_id":
		return post.ID, true
	case "title", "post_title":
		return post.Title, true
	case "content", "post_content":
		return post.Content, true
	case "excerpt", "post_excerpt":
		return r.excerpt(post), true
	case "date", "post_date":
		return timeOrEmpty(post.Date), true
	case "modified", "post_modified":
		return timeOrEmpty(post.Modified), true
	case "status", "post_status":
		return post.Status, true
	case "url", "post_url", "permalink", "link":
		return post.URL, true
	case "slug", "post_name":
		return post.Slug, true
	case "post_type", "type":
		return post.Type, true
	case "thumbnail", "featured_image", "post_thumbnail":
		return post.Thumbnail, true
	case "author_id":
		return post.AuthorID, true
	case "author", "post_author", "author_name":
		if u := r.author(ctx, post); u != nil {
			return stringify(u), true
		}
		return "", true
	case "author_email":
		if u := r.author(ctx, post); u != nil {
			return u.Email, true
		}
		return "", true
	}
	return nil, false
}

func timeOrEmpty(t interface{ IsZero() bool }) any {
	if t.IsZero() {
		return ""
	}
	return t
}

func (r *Resolver) author(ctx context.Context, post *Post) *User {
	if r.users == nil || post.AuthorID == 0 {
		return nil
	}
	u, err := r.users.FindUser(ctx, strconv.FormatUint(uint64(post.AuthorID), 10))
	if err != nil {
		return nil
	}
	return u
}

// userEmail treats prefix as a field holding a user reference.
func (r *Resolver) userEmail(ctx context.Context, prefix string, post *Post, ec ExecutionContext) (string, bool) {
	ref := r.Value(ctx, prefix, post, ec)
	if isEmpty(ref) {
		return "", false
	}
	if u, ok := ref.(*User); ok && u != nil {
		return u.Email, u.Email != ""
	}
	s := stringify(normalize(ref))
	if strings.Contains(s, "@") {
		return s, true
	}
	if r.users == nil {
		return "", false
	}
	u, err := r.users.FindUser(ctx, s)
	if err != nil || u == nil || u.Email == "" {
		return "", false
	}
	return u.Email, true
}

func (r *Resolver) excerpt(post *Post) string {
	if strings.TrimSpace(post.Excerpt) != "" {
		return post.Excerpt
	}
	words := strings.Fields(r.plainText(post.Content))
	if len(words) <= excerptWords {
		return strings.Join(words, " ")
	}
	return strings.Join(words[:excerptWords], " ") + "..."
}
