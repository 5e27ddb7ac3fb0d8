package server

import (
	"html/template"
	"net/http"
)

// portalTemplate is the local page shown while an interactive OAuth flow
// runs. It fills in whatever detail the query string carries; the device
// flow probes this route for readiness before prompting the user.
var portalTemplate = template.Must(template.New("portal").Parse(`<!doctype html>
<html>
<head>
  <meta charset="utf-8">
  <title>RouteCodex Authorization</title>
  <style>
    body { font-family: sans-serif; max-width: 40rem; margin: 4rem auto; }
    code { background: #f0f0f0; padding: 0.1rem 0.3rem; }
    a.button { display: inline-block; padding: 0.5rem 1rem; background: #2255cc;
               color: #fff; text-decoration: none; border-radius: 4px; }
  </style>
</head>
<body>
  <h1>Authorize upstream access</h1>
  {{if .Provider}}<p>Provider: <code>{{.Provider}}</code>{{if .Alias}} (credential <code>{{.Alias}}</code>){{end}}</p>{{end}}
  {{if .OAuthURL}}
  <p><a class="button" href="{{.OAuthURL}}">Continue to provider sign-in</a></p>
  {{else}}
  <p>Waiting for an authorization flow to start. Follow the instructions
  printed by the gateway process.</p>
  {{end}}
  {{if .TokenFile}}<p>Tokens will be saved to <code>{{.TokenFile}}</code>.</p>{{end}}
  {{if .SessionID}}<p>Session: <code>{{.SessionID}}</code></p>{{end}}
</body>
</html>
`))

func (s *Server) handleAuthPortal(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	data := struct {
		Provider  string
		Alias     string
		TokenFile string
		OAuthURL  string
		SessionID string
	}{
		Provider:  q.Get("provider"),
		Alias:     q.Get("alias"),
		TokenFile: q.Get("tokenFile"),
		OAuthURL:  q.Get("oauthUrl"),
		SessionID: q.Get("sessionId"),
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := portalTemplate.Execute(w, data); err != nil {
		s.log.Warn("portal render failed", "error", err)
	}
}
