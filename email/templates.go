package email

import (
	"dispenser-watch/pkg/schedule"
	"fmt"
	"strings"
)

const styles = "body { font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; line-height: 1.6; color: #333; max-width: 800px; margin: 0 auto; padding: 20px; background: #fff; }\n" +
	".header { border-bottom: 2px solid #e67e22; padding-bottom: 10px; margin-bottom: 20px; }\n" +
	".section { margin-bottom: 24px; }\n" +
	".section h3 { margin: 0 0 8px 0; font-size: 1.05em; }\n" +
	".change { padding: 8px 12px; margin: 6px 0; border-left: 4px solid #bdc3c7; background: #f8f9fa; border-radius: 4px; }\n" +
	".change.critical { border-left-color: #c0392b; }\n" +
	".change.high { border-left-color: #e67e22; }\n" +
	".kind { font-weight: 600; }\n" +
	".detail { color: #555; }\n" +
	".footer { margin-top: 30px; padding-top: 15px; border-top: 1px solid #ddd; font-size: 0.9em; color: #7f8c8d; }\n" +
	"@media (prefers-color-scheme: dark) {\n" +
	"body { background: #1a1a1a; color: #e0e0e0; }\n" +
	".header { border-bottom-color: #ff8c42; }\n" +
	".change { background: #2a2a2a; }\n" +
	".detail { color: #b0b0b0; }\n" +
	".footer { border-top-color: #444; color: #a0a0a0; }\n" +
	"}\n"

// Row is one change as shown in an email.
type Row struct {
	Kind     schedule.Kind
	Severity schedule.Severity
	Detail   string
}

// Document is one email part.
type Document struct {
	Title  string
	Intro  string
	Rows   []Row // already ordered by severity, then kind
	Part   int
	Parts  int
	Footer string
}

// Render produces the HTML body. Rows are grouped into one section per severity.
func Render(d Document) string {
	var b strings.Builder

	b.WriteString("<!DOCTYPE html>\n<html lang=\"en\">\n<head>\n")
	b.WriteString("<meta charset=\"utf-8\">\n")
	b.WriteString("<meta name=\"viewport\" content=\"width=device-width, initial-scale=1\">\n")
	b.WriteString("<style>\n")
	b.WriteString(styles)
	b.WriteString("</style>\n</head>\n<body>\n")

	b.WriteString("<div class=\"header\">\n")
	b.WriteString(fmt.Sprintf("<h2>%s</h2>\n", escapeHTML(d.Title)))
	if d.Intro != "" {
		b.WriteString(fmt.Sprintf("<p>%s</p>\n", escapeHTML(d.Intro)))
	}
	b.WriteString("</div>\n")

	var open schedule.Severity
	for _, r := range d.Rows {
		if r.Severity != open {
			if open != "" {
				b.WriteString(sectionClose)
			}
			b.WriteString(sectionOpen(r.Severity))
			open = r.Severity
		}
		b.WriteString(RenderRow(r))
	}
	if open != "" {
		b.WriteString(sectionClose)
	}

	b.WriteString("<div class=\"footer\">\n")
	if d.Parts > 1 {
		b.WriteString(fmt.Sprintf("<span class=\"part\">Part %d of %d</span>\n", d.Part, d.Parts))
	}
	if d.Footer != "" {
		b.WriteString(escapeHTML(d.Footer))
		b.WriteString("\n")
	}
	b.WriteString("</div>\n")

	b.WriteString("</body>\n</html>")
	return b.String()
}

// RenderRow renders a single change.
func RenderRow(r Row) string {
	return fmt.Sprintf("<div class=\"change %s\" data-kind=\"%s\" data-severity=\"%s\"><span class=\"kind\">%s</span> <span class=\"detail\">%s</span></div>\n",
		escapeHTML(string(r.Severity)),
		escapeHTML(string(r.Kind)),
		escapeHTML(string(r.Severity)),
		escapeHTML(r.Kind.Label()),
		escapeHTML(r.Detail))
}

const sectionClose = "</div>\n"

func sectionOpen(sev schedule.Severity) string {
	return fmt.Sprintf("<div class=\"section\" data-section=\"%s\">\n<h3>%s</h3>\n", sev, severityTitle(sev))
}

// SectionOverhead is the most markup a severity section adds around its rows.
func SectionOverhead() int {
	widest := 0
	for _, sev := range schedule.Severities {
		if n := len(sectionOpen(sev)) + len(sectionClose); n > widest {
			widest = n
		}
	}
	return widest
}

func severityTitle(sev schedule.Severity) string {
	switch sev {
	case schedule.SeverityCritical:
		return "Critical"
	case schedule.SeverityHigh:
		return "High"
	}
	return "Normal"
}

func escapeHTML(s string) string {
	s = strings.ReplaceAll(s, "&", "&amp;")
	s = strings.ReplaceAll(s, "<", "&lt;")
	s = strings.ReplaceAll(s, ">", "&gt;")
	s = strings.ReplaceAll(s, "\"", "&quot;")
	s = strings.ReplaceAll(s, "'", "&#39;")
	return s
}
