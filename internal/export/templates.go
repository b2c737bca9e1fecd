package export

import (
	"bytes"
	"html/template"
	"time"
)

// SafeHTML is a template function that marks a string as safe HTML
func SafeHTML(s interface{}) template.HTML {
	switch v := s.(type) {
	case string:
		return template.HTML(v)
	case template.HTML:
		return v
	default:
		return template.HTML("")
	}
}

var memorandumTemplate *template.Template

func init() {
	funcMap := template.FuncMap{
		"formatDate": func(t time.Time, layout string) string {
			return t.Format(layout)
		},
		"safeHTML": SafeHTML,
	}
	memorandumTemplate = template.Must(template.New("memorandum").Funcs(funcMap).Parse(memorandumHTML))
}

// RenderMemorandumHTML renders the signing memorandum template
func RenderMemorandumHTML(data Memorandum) (string, error) {
	var buf bytes.Buffer
	if err := memorandumTemplate.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

const memorandumHTML = `<!DOCTYPE html>
<html>
<head>
  <meta charset="UTF-8">
  <title>Audit Sign-Off Memorandum - {{.CompanyName}}</title>
  <style>
    body { font-family: Arial, sans-serif; line-height: 1.6; max-width: 800px; margin: 2rem auto; }
    h1 { border-bottom: 2px solid #333; padding-bottom: 0.5rem; }
    .meta { color: #666; font-size: 0.9em; margin-bottom: 2rem; }
    .meta td { padding: 0.15rem 1rem 0.15rem 0; }
    .content { margin-top: 1.5rem; }
    .signature { margin-top: 4rem; border-top: 1px solid #333; width: 280px; padding-top: 0.25rem; }
  </style>
</head>
<body>
  <h1>Audit Sign-Off Memorandum</h1>
  <table class="meta">
    <tr><td>Company</td><td>{{.CompanyName}}</td></tr>
    <tr><td>Organization number</td><td>{{.OrganizationNumber}}</td></tr>
    {{if .OrganizationType}}<tr><td>Organization type</td><td>{{.OrganizationType}}</td></tr>{{end}}
    {{if .ResponsiblePartner}}<tr><td>Responsible partner</td><td>{{.ResponsiblePartner}}</td></tr>{{end}}
    <tr><td>Audit stage</td><td>{{.AuditStage}}</td></tr>
    <tr><td>Generated</td><td>{{formatDate .GeneratedAt "Jan 2, 2006"}}</td></tr>
  </table>
  <div class="content">{{.Content | safeHTML}}</div>
  <div class="signature">Responsible partner signature</div>
</body>
</html>`
