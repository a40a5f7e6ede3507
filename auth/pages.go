package auth

import "html/template"

// resultPage is where the callback redirects the browser once the flow has
// finished, so the redirect always terminates.
var resultPage = template.Must(template.New("result").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>{{if eq .Status "complete"}}Flow complete{{else}}Flow failed{{end}}</title>
<style>
body { font-family: system-ui, sans-serif; max-width: 40rem; margin: 3rem auto; padding: 0 1rem; }
.ok { color: #17622d; } .err { color: #9b1c1c; }
code { background: #f2f2f2; padding: 0 .25rem; }
</style>
</head>
<body>
{{if eq .Status "complete"}}
<h1 class="ok">Authorization complete</h1>
{{else}}
<h1 class="err">Authorization failed</h1>
{{if .Error}}<p>Error: <code>{{.Error}}</code></p>{{end}}
{{end}}
{{if .FlowID}}<p>Flow <code>{{.FlowID}}</code>{{if .Score}}, security score <strong>{{.Score}}</strong> ({{.Level}}){{end}}.</p>
<p>Details: <a href="{{.FlowURL}}">{{.FlowURL}}</a></p>{{end}}
<p>You can close this window.</p>
</body>
</html>
`))

type resultValues struct {
	FlowID  string
	FlowURL string
	Status  string
	Error   string
	Score   int
	Level   string
}
