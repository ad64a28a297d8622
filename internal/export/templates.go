package export

import (
	"bytes"
	"html/template"
	"strings"
)

var reportTemplate = template.Must(template.New("report").Funcs(template.FuncMap{
	"title": func(s string) string {
		if s == "" {
			return s
		}
		return strings.ToUpper(s[:1]) + s[1:]
	},
	"nl2br": func(s string) template.HTML {
		escaped := template.HTMLEscapeString(s)
		return template.HTML(strings.ReplaceAll(escaped, "\n", "<br>"))
	},
}).Parse(reportTemplateHTML))

// RenderReportHTML renders the annotated report template.
func RenderReportHTML(report Report) (string, error) {
	var buf bytes.Buffer
	if err := reportTemplate.Execute(&buf, report); err != nil {
		return "", err
	}
	return buf.String(), nil
}

const reportTemplateHTML = `<!DOCTYPE html>
<html>
<head>
  <meta charset="UTF-8">
  <title>{{.Title}}</title>
  <style>
    body { font-family: Georgia, serif; line-height: 1.6; max-width: 800px; margin: 2rem auto; color: #222; }
    h1 { border-bottom: 2px solid #333; padding-bottom: 0.5rem; }
    h2 { margin-top: 2rem; border-bottom: 1px solid #ccc; padding-bottom: 0.25rem; }
    .meta { color: #666; font-size: 0.9em; margin-bottom: 2rem; }
    .abstract { font-style: italic; color: #444; }
    .highlight { background: #fff8dc; padding: 0.75rem 1rem; margin: 0.75rem 0; border-left: 3px solid #e0b000; }
    .highlight .page { color: #888; font-size: 0.85em; }
    .note { background: #f0f7ff; padding: 0.75rem 1rem; margin: 0.75rem 0; border-left: 3px solid #4a90d9; }
    .note .anchor { color: #888; font-size: 0.85em; font-style: italic; }
    .thread { background: #f5f5f5; padding: 1rem; margin: 1rem 0; border-left: 3px solid #333; }
    .thread .selection { font-style: italic; color: #555; margin-bottom: 0.5rem; }
    .message { margin: 0.5rem 0; }
    .message .role { font-weight: bold; }
  </style>
</head>
<body>
  <h1>{{.Title}}</h1>
  <div class="meta">
    {{if .Authors}}{{.Authors}} | {{end}}Exported {{.ExportedAt.Format "Jan 2, 2006"}}
  </div>
  {{if .Abstract}}<p class="abstract">{{.Abstract}}</p>{{end}}

  {{if .Highlights}}
  <h2>Highlights</h2>
  {{range .Highlights}}
  <div class="highlight">
    <div class="page">Page {{.PageNumber}}</div>
    {{nl2br .Text}}
  </div>
  {{end}}
  {{end}}

  {{if .Notes}}
  <h2>Notes</h2>
  {{range .Notes}}
  <div class="note">
    {{if .HighlightedText}}<div class="anchor">On: {{.HighlightedText}}</div>{{end}}
    {{nl2br .Content}}
  </div>
  {{end}}
  {{end}}

  {{if .Threads}}
  <h2>Discussions</h2>
  {{range .Threads}}
  <div class="thread">
    <div class="selection">&ldquo;{{.SelectedText}}&rdquo;</div>
    {{range .Messages}}
    <div class="message"><span class="role">{{title .Role}}:</span> {{nl2br .Content}}</div>
    {{end}}
  </div>
  {{end}}
  {{end}}
</body>
</html>`
