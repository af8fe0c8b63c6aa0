package message

import (
	"fmt"
	"html"
	"strings"
)

// accent colors by level, matching the intensity escalation.
var levelColors = map[int]string{
	1: "#007bff",
	2: "#fd7e14",
	3: "#dc3545",
}

// BuildHTML wraps rendered content in the escalation email layout. The
// custom message, when present, appears between body and call to action.
func BuildHTML(c Content, ctx Context) string {
	color := levelColors[clampLevel(c.Level)]

	var b strings.Builder
	b.WriteString(`<div style="font-family: Arial, sans-serif; max-width: 600px; margin: 0 auto;">`)
	fmt.Fprintf(&b, `<div style="background: %s; color: white; padding: 16px 24px; border-radius: 8px 8px 0 0;">`, color)
	fmt.Fprintf(&b, `<strong>AccountaList</strong> &middot; escalation level %d (%s)`, c.Level, html.EscapeString(c.Intensity))
	b.WriteString(`</div>`)
	b.WriteString(`<div style="border: 1px solid #e9ecef; border-top: none; padding: 24px; border-radius: 0 0 8px 8px;">`)
	fmt.Fprintf(&b, `<p>%s</p>`, html.EscapeString(c.Opening))
	fmt.Fprintf(&b, `<p style="white-space: pre-line;">%s</p>`, html.EscapeString(c.Body))
	if ctx.CustomMessage != "" {
		fmt.Fprintf(&b, `<blockquote style="border-left: 4px solid %s; margin: 16px 0; padding: 8px 16px; background: #f8f9fa;">%s</blockquote>`,
			color, html.EscapeString(ctx.CustomMessage))
	}
	fmt.Fprintf(&b, `<p><strong>%s</strong></p>`, html.EscapeString(c.CallToAction))
	fmt.Fprintf(&b, `<p style="color: #6c757d; font-size: 12px;">Task: %s &middot; Owner: %s &middot; Due: %s &middot; Overdue by %s</p>`,
		html.EscapeString(ctx.TaskTitle),
		html.EscapeString(ctx.OwnerName),
		ctx.DueDate.Format("Monday, January 2, 2006"),
		FormatOverdue(ctx.OverdueMinutes))
	b.WriteString(`</div></div>`)
	return b.String()
}
