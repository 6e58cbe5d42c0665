package handlers

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"
	"html/template"
	"io/fs"
	"net/http"

	"github.com/isdelr/secretboard/internal/models"
	"github.com/rs/zerolog/log"
)

//go:embed templates/*.html
var templateFS embed.FS

//go:embed static
var staticFS embed.FS

// MaxSecretLength bounds a submitted secret, in bytes.
const MaxSecretLength = 1000

var pages = []string{"home", "register", "login", "secrets", "submit", "error"}

// Views renders the HTML pages.
type Views struct {
	pages map[string]*template.Template
}

// viewData is the data available to every page.
type viewData struct {
	User            *models.User
	Flash           string
	ProviderEnabled bool
	Secrets         []models.SecretEntry
	MaxSecretLength int
}

// NewViews parses the embedded page templates.
func NewViews() (*Views, error) {
	v := &Views{pages: make(map[string]*template.Template, len(pages))}
	for _, name := range pages {
		t, err := template.ParseFS(templateFS, "templates/layout.html", "templates/"+name+".html")
		if err != nil {
			return nil, fmt.Errorf("parse %s template: %w", name, err)
		}
		v.pages[name] = t
	}
	return v, nil
}

// Static serves the embedded stylesheet.
func Static() http.Handler {
	sub, err := fs.Sub(staticFS, "static")
	if err != nil {
		panic(err)
	}
	return http.FileServer(http.FS(sub))
}

func (v *Views) render(w http.ResponseWriter, status int, name string, data viewData) {
	t, ok := v.pages[name]
	if !ok {
		log.Error().Str("template", name).Msg("Unknown template")
		http.Error(w, "Something went wrong. Please try again.", http.StatusInternalServerError)
		return
	}
	data.MaxSecretLength = MaxSecretLength

	var buf bytes.Buffer
	if err := t.ExecuteTemplate(&buf, "layout", data); err != nil {
		log.Error().Err(err).Str("template", name).Msg("Failed to render template")
		http.Error(w, "Something went wrong. Please try again.", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	buf.WriteTo(w)
}

// serverError logs err and renders the generic error page. Error details
// never reach the client.
func (v *Views) serverError(w http.ResponseWriter, r *http.Request, err error, msg string) {
	log.Error().Err(err).Str("path", r.URL.Path).Msg(msg)
	v.render(w, http.StatusInternalServerError, "error", viewData{})
}

// Unavailable renders the generic error page. The cause has already been logged.
func (v *Views) Unavailable() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		v.render(w, http.StatusInternalServerError, "error", viewData{})
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
