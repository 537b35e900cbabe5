package automation

import (
	"context"
	"fmt"
	"html"
	"regexp"
	"strings"

	"golang.org/x/text/cases"
)

const (
	defaultItemTemplate = "{{post_title}} - {{post_url}}"
	previewBodyLength   = 200
)

var (
	defaultTableColumns = []string{"post_title", "post_status", "post_date"}
	recipientSplit      = regexp.MustCompile(`[,;\s]+`)
	markupRe            = regexp.MustCompile(`(?i)<(p|br|div|span|table|ul|ol|li|a|h[1-6]|strong|em|b|i|img|html|body)\b[^>]*>`)
)

const emailTemplate = `<!DOCTYPE html>
<html>
<head><meta charset="utf-8"><title>%s</title></head>
<body style="margin:0;padding:0;background:#f5f5f5;">
<div style="max-width:600px;margin:0 auto;padding:24px;background:#ffffff;font-family:-apple-system,Segoe UI,Helvetica,Arial,sans-serif;font-size:15px;line-height:1.6;color:#333333;">
%s
</div>
</body>
</html>`

func (x *ActionExecutor) sendEmail(ctx context.Context, act Action, run *actionRun) ActionResult {
	if act.Email == nil {
		return missingPayload(act)
	}
	msg := x.buildEmail(ctx, act.Email, run.post, run.ec)
	if len(msg.To) == 0 {
		return ActionResult{Status: ActionError, Message: "no valid recipients"}
	}
	if x.mailer == nil {
		return ActionResult{Status: ActionError, Recipients: msg.To, Message: "no mailer configured"}
	}
	if err := x.mailer.Send(ctx, msg); err != nil {
		return ActionResult{Status: ActionError, Recipients: msg.To, Message: fmt.Sprintf("send failed: %v", err)}
	}
	return ActionResult{
		Status:     ActionSuccess,
		Recipients: msg.To,
		Message:    fmt.Sprintf("email sent to %d recipient(s)", len(msg.To)),
	}
}

func (x *ActionExecutor) buildEmail(ctx context.Context, cfg *EmailConfig, post *Post, ec ExecutionContext) *Email {
	msg := &Email{
		To:       x.recipients(x.text(ctx, cfg.To, post, ec)),
		CC:       x.recipients(x.text(ctx, cfg.CC, post, ec)),
		BCC:      x.recipients(x.text(ctx, cfg.BCC, post, ec)),
		FromName: strings.TrimSpace(x.text(ctx, cfg.FromName, post, ec)),
		Subject:  strings.TrimSpace(x.text(ctx, cfg.Subject, post, ec)),
		Body:     x.text(ctx, cfg.Body, post, ec),
	}
	if r := x.recipients(x.text(ctx, cfg.ReplyTo, post, ec)); len(r) > 0 {
		msg.ReplyTo = r[0]
	}
	if r := x.recipients(x.text(ctx, cfg.FromEmail, post, ec)); len(r) > 0 {
		msg.From = r[0]
	}
	if markupRe.MatchString(msg.Body) {
		msg.HTML = true
		msg.Body = fmt.Sprintf(emailTemplate, html.EscapeString(msg.Subject), msg.Body)
	}
	return msg
}

// text selects a conditional variant, then resolves placeholders.
func (x *ActionExecutor) text(ctx context.Context, v TextValue, post *Post, ec ExecutionContext) string {
	raw := v.Text
	if len(v.Conditions) > 0 || v.Else != nil {
		raw = x.selectText(ctx, v, post, ec)
	}
	return x.resolver.Parse(ctx, raw, post, ec)
}

func (x *ActionExecutor) selectText(ctx context.Context, v TextValue, post *Post, ec ExecutionContext) string {
	for _, rule := range v.Conditions {
		if x.eval.Evaluate(ctx, rule.If, post, ec) {
			return rule.Then
		}
	}
	if v.Else != nil {
		return *v.Else
	}
	return v.Text
}

// recipients splits a resolved address list and keeps plausible, distinct
// addresses.
func (x *ActionExecutor) recipients(s string) []string {
	var out []string
	seen := map[string]bool{}
	for _, part := range recipientSplit.Split(s, -1) {
		addr := strings.Trim(strings.TrimSpace(part), "<>\"'")
		if addr == "" {
			continue
		}
		if x.validate.Var(addr, "required,email") != nil {
			continue
		}
		key := strings.ToLower(addr)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, addr)
	}
	return out
}

// SendConsolidatedEmail sends one email summarising posts. The first post is
// the base for ordinary placeholders.
func (x *ActionExecutor) SendConsolidatedEmail(ctx context.Context, act Action, posts []*Post, ec ExecutionContext, a *Automation) ActionResult {
	if len(posts) == 0 {
		return ActionResult{Type: act.Type, Status: ActionSkipped, Message: "no posts to consolidate"}
	}
	if act.Type != ActionSendEmail || act.Email == nil {
		return ActionResult{Type: act.Type, Status: ActionError, Message: "consolidation requires a send_email action"}
	}
	var settings Settings
	if a != nil {
		settings = a.Settings
	}
	tmpl := settings.ItemTemplate
	if tmpl == "" {
		tmpl = defaultItemTemplate
	}
	items := make([]string, 0, len(posts))
	for _, p := range posts {
		items = append(items, "• "+x.resolver.Parse(ctx, tmpl, p, ec))
	}
	columns := settings.TableColumns
	if len(columns) == 0 {
		columns = defaultTableColumns
	}
	merged := ec.Merge(ExecutionContext{
		KeyCount:      len(posts),
		KeyItemsList:  strings.Join(items, "\n"),
		KeyItemsTable: x.itemsTable(ctx, columns, posts, ec),
	})
	res := x.sendEmail(ctx, act, &actionRun{post: posts[0], ec: merged, automation: a})
	res.Type = act.Type
	if res.Status == ActionSuccess {
		res.Message = fmt.Sprintf("consolidated email for %d post(s) sent to %d recipient(s)", len(posts), len(res.Recipients))
	}
	return res
}

func (x *ActionExecutor) itemsTable(ctx context.Context, columns []string, posts []*Post, ec ExecutionContext) string {
	title := cases.Title(x.resolver.lang)
	var b strings.Builder
	b.WriteString(`<table style="width:100%;border-collapse:collapse;" cellpadding="6"><thead><tr>`)
	for _, c := range columns {
		label := strings.ReplaceAll(strings.TrimPrefix(c, "post_"), "_", " ")
		fmt.Fprintf(&b, `<th style="text-align:left;border-bottom:2px solid #dddddd;">%s</th>`, html.EscapeString(title.String(label)))
	}
	b.WriteString(`</tr></thead><tbody>`)
	for _, p := range posts {
		b.WriteString("<tr>")
		for _, c := range columns {
			cell := x.resolver.Parse(ctx, "{{"+c+"}}", p, ec)
			fmt.Fprintf(&b, `<td style="border-bottom:1px solid #eeeeee;">%s</td>`, html.EscapeString(cell))
		}
		b.WriteString("</tr>")
	}
	b.WriteString(`</tbody></table>`)
	return b.String()
}
