package server

import (
	"html/template"
	"net/http"
)

type loginProvider struct {
	ID   string
	Name string
}

type loginView struct {
	Providers  []loginProvider
	Error      string
	Next       string
	SignedInAs string
}

var loginTemplate = template.Must(template.New("login").Parse(`<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>Sign in to Digital Traces</title>
<style>
body { font-family: Arial, sans-serif; margin: 4rem auto; max-width: 420px; color: #1d1d1f; }
h1 { font-size: 1.6rem; margin-bottom: 1.5rem; }
a.provider { display: block; margin-bottom: 0.75rem; padding: 0.75rem 1rem; border: 1px solid #d0d0d5; border-radius: 8px; text-decoration: none; color: inherit; }
a.provider:hover { border-color: #1976d2; background: #e7f1fb; }
.error { border: 1px solid #d32f2f; background: #fbeaea; border-radius: 8px; padding: 0.75rem 1rem; margin-bottom: 1.5rem; }
small { color: #555; }
</style>
</head>
<body>
<h1>Sign in to Digital Traces</h1>
{{if .Error}}<p class="error">{{.Error}}</p>{{end}}
{{if .SignedInAs}}<p><small>Currently signed in as {{.SignedInAs}}.</small></p>{{end}}
{{range .Providers}}
<a class="provider" href="/login/{{.ID}}{{if $.Next}}?next={{$.Next}}{{end}}">Continue with {{.Name}}</a>
{{end}}
<p><small>Browsing and searching the catalogue does not require an account.</small></p>
</body>
</html>`))

func (a *App) renderLogin(w http.ResponseWriter, view loginView) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := loginTemplate.Execute(w, view); err != nil {
		a.Logger.Error("render login page", "error", err)
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
	}
}
