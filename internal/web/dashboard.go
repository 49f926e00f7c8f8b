package web

import (
	"bytes"
	_ "embed"
	"html/template"
	"net/http"
)

//go:embed dashboard.html
var dashboardHTML string

var dashboardTemplate = template.Must(template.New("dashboard").Parse(dashboardHTML))

// DashboardHandler serves the live run dashboard, which subscribes to the
// event stream at wsPath
func DashboardHandler(wsPath string) (http.HandlerFunc, error) {
	var buf bytes.Buffer
	if err := dashboardTemplate.Execute(&buf, struct{ WebSocketPath string }{wsPath}); err != nil {
		return nil, err
	}
	page := buf.Bytes()

	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
		w.Header().Set("Pragma", "no-cache")
		w.Header().Set("Expires", "0")
		w.Write(page)
	}, nil
}
