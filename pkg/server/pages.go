package server

import (
	"errors"
	"html/template"
	"io/fs"
	"net/http"
	"os"
)

var indexTemplate = template.Must(template.New("index").Parse(`<!doctype html>
<html>
<head>
<meta charset="utf-8">
<title>sheetsmith</title>
</head>
<body>
<h1>sheetsmith</h1>
<p>Document: {{if .Document}}{{.Document}}{{else}}none selected{{end}}</p>
<p>{{.Selected}} of {{.Total}} subsections selected.</p>
<ol>
{{- range .Sections}}
<li>{{.Label}} <small>({{.State}})</small>
<ul>
{{- range .Children}}
<li>{{if .Included}}&#9745;{{else}}&#9744;{{end}} {{.Label}}</li>
{{- end}}
</ul>
</li>
{{- end}}
</ol>
<p><a href="/preview">Last preview</a> &middot; <a href="/api/layout">Layout JSON</a></p>
</body>
</html>
`))

const previewPlaceholder = `<!doctype html>
<html>
<head><meta charset="utf-8"><title>Preview</title></head>
<body><p>No preview yet. Run a preview to see it here.</p></body>
</html>
`

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := indexTemplate.Execute(w, s.sess.View()); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to render index")
	}
}

// handlePreviewPage serves the last preview, or a placeholder when there is
// none or the file has been removed.
func (s *Server) handlePreviewPage(w http.ResponseWriter, r *http.Request) {
	path := s.sess.Preview()
	if path != "" {
		info, err := os.Stat(path)
		if err == nil && !info.IsDir() {
			http.ServeFile(w, r, path)
			return
		}
		if !errors.Is(err, fs.ErrNotExist) && err != nil {
			s.logger.Warn().Err(err).Str("path", path).Msg("Preview unavailable")
		}
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write([]byte(previewPlaceholder))
}
