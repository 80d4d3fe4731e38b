package orchestrator

import (
	"html"
	"strings"
	"time"
)

// FormatMessages renders a batch of inbound messages as the agent prompt:
//
//	<messages>
//	<message sender="Ana" time="2026-03-10T10:00:00Z">hello</message>
//	</messages>
//
// Sender names and text are escaped, so message content cannot close or
// forge elements.
func FormatMessages(msgs []Inbound, loc *time.Location) string {
	if loc == nil {
		loc = time.UTC
	}
	var b strings.Builder
	b.WriteString("<messages>\n")
	for _, m := range msgs {
		b.WriteString(`<message sender="`)
		b.WriteString(html.EscapeString(m.Sender))
		b.WriteString(`" time="`)
		b.WriteString(m.Timestamp.In(loc).Format(time.RFC3339))
		b.WriteString(`">`)
		b.WriteString(html.EscapeString(m.Text))
		b.WriteString("</message>\n")
	}
	b.WriteString("</messages>")
	return b.String()
}
