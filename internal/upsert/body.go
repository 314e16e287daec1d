package upsert

import (
	"bytes"
	"strings"
	"text/template"

	"github.com/agentworkforce/activitysync/internal/item"
)

var funcs = template.FuncMap{
	"join": strings.Join,
	"int": func(p *int) int {
		if p == nil {
			return 0
		}
		return *p
	},
	"date": func(it item.Item) string {
		if it.OccurredAt.IsZero() {
			return ""
		}
		return it.OccurredAt.UTC().Format("Jan 2, 2006")
	},
}

var bodyTemplates = map[item.Kind]*template.Template{
	item.KindListen: template.Must(template.New("listen").Funcs(funcs).Parse(
		`Listened to {{or .Track .Episode .Title}}{{with .Artist}} by {{.}}{{end}}{{with .Album}} from {{.}}{{end}}{{with date .}} on {{.}}{{end}}.`)),
	item.KindWatch: template.Must(template.New("watch").Funcs(funcs).Parse(
		`Watched {{if .Show}}{{.Show}}{{with .Episode}}: {{.}}{{end}}{{else}}{{.Title}}{{end}}{{with .Year}} ({{int .}}){{end}}{{with date .}} on {{.}}{{end}}.`)),
	item.KindRead: template.Must(template.New("read").Funcs(funcs).Parse(
		`Read {{.Title}}{{with .Author}} by {{.}}{{end}}.{{range .Highlights}}

> {{.}}{{end}}`)),
	item.KindCheckin: template.Must(template.New("checkin").Funcs(funcs).Parse(
		`Checked in at {{.VenueName}}{{with date .}} on {{.}}{{end}}.`)),
	item.KindBookmark: template.Must(template.New("bookmark").Funcs(funcs).Parse(
		`[{{or .Title .URL}}]({{.URL}}){{with .Tags}}

Tags: {{join . ", "}}{{end}}`)),
	item.KindNote: template.Must(template.New("note").Funcs(funcs).Parse(`{{.Body}}`)),
}

// RenderBody builds the record body for it from its kind's template.
func RenderBody(it item.Item) string {
	tmpl, ok := bodyTemplates[it.Kind]
	if !ok {
		return ""
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, it); err != nil {
		return ""
	}
	return strings.TrimSpace(buf.String())
}
