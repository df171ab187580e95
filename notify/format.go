package notify

import (
	"fmt"
	"html"
	"strings"
)

// markdownV2Special lists the characters Telegram requires escaped in MarkdownV2.
const markdownV2Special = "_*[]()~`>#+-=|{}.!\\"

// EscapeMarkdownV2 escapes text for Telegram's MarkdownV2 parse mode.
func EscapeMarkdownV2(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if strings.ContainsRune(markdownV2Special, r) {
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

// FormatMarkdown renders msg for Telegram.
func FormatMarkdown(msg Message) string {
	if r := msg.Record; r != nil {
		var b strings.Builder
		b.WriteString("🔔 *New OTP received*\n\n")
		fmt.Fprintf(&b, "Time: `%s`\n", EscapeMarkdownV2(r.Timestamp))
		fmt.Fprintf(&b, "From: `%s`\n", EscapeMarkdownV2(r.Sender))
		fmt.Fprintf(&b, "Message: `%s`\n", EscapeMarkdownV2(r.Body))
		if r.Service != "" {
			fmt.Fprintf(&b, "Source: `%s`\n", EscapeMarkdownV2(r.Service))
		}
		return b.String()
	}
	return statusEmoji(msg.IsError) + " " + EscapeMarkdownV2(msg.Text)
}

// FormatText renders msg as plain text.
func FormatText(msg Message) string {
	if r := msg.Record; r != nil {
		var b strings.Builder
		b.WriteString("🔔 New OTP received\n\n")
		fmt.Fprintf(&b, "Time: %s\n", r.Timestamp)
		fmt.Fprintf(&b, "From: %s\n", r.Sender)
		fmt.Fprintf(&b, "Message: %s\n", r.Body)
		if r.Service != "" {
			fmt.Fprintf(&b, "Source: %s\n", r.Service)
		}
		return b.String()
	}
	return statusEmoji(msg.IsError) + " " + msg.Text
}

func statusEmoji(isError bool) string {
	if isError {
		return "❌"
	}
	return "ℹ️"
}

// FormatHTML renders msg as a self-contained HTML email body.
func FormatHTML(msg Message) string {
	var b strings.Builder

	b.WriteString("<!DOCTYPE html>\n<html lang=\"en\">\n<head>\n")
	b.WriteString("<meta charset=\"utf-8\">\n")
	b.WriteString("<meta name=\"viewport\" content=\"width=device-width, initial-scale=1\">\n")
	b.WriteString("<style>\n")
	b.WriteString("body { font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; line-height: 1.6; color: #333; max-width: 600px; margin: 0 auto; padding: 20px; background: #fff; }\n")
	b.WriteString("table { border-collapse: collapse; }\n")
	b.WriteString("td { padding: 4px 12px 4px 0; vertical-align: top; }\n")
	b.WriteString(".label { color: #7f8c8d; }\n")
	b.WriteString(".code { font-family: ui-monospace, Menlo, monospace; font-size: 1.2em; }\n")
	b.WriteString(".error { color: #c0392b; }\n")
	b.WriteString("@media (prefers-color-scheme: dark) {\n")
	b.WriteString("body { background: #1a1a1a; color: #e0e0e0; }\n")
	b.WriteString(".label { color: #a0a0a0; }\n")
	b.WriteString("}\n")
	b.WriteString("</style>\n</head>\n<body>\n")

	if r := msg.Record; r != nil {
		b.WriteString("<h2>New OTP received</h2>\n<table>\n")
		row := func(label, value, class string) {
			fmt.Fprintf(&b, "<tr><td class=\"label\">%s</td><td class=\"%s\">%s</td></tr>\n", label, class, html.EscapeString(value))
		}
		row("Time", r.Timestamp, "")
		row("From", r.Sender, "")
		row("Message", r.Body, "code")
		if r.Service != "" {
			row("Source", r.Service, "")
		}
		b.WriteString("</table>\n")
	} else {
		class := ""
		if msg.IsError {
			class = " class=\"error\""
		}
		fmt.Fprintf(&b, "<p%s>%s</p>\n", class, html.EscapeString(msg.Text))
	}

	b.WriteString("</body>\n</html>\n")
	return b.String()
}
