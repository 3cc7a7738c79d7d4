package render

import (
	"bytes"
	"html/template"
	"io/fs"
	"net/http"
	"os"
	"path"
	"sync"
	"time"

	"sharebin/svc/util"
	"sharebin/web"

	"github.com/pkg/errors"
)

const layout = "base.html"

// Pages are parsed together with the layout into one set each.
var Pages = []string{"index.html", "paste.html", "error.html"}

var funcs = template.FuncMap{
	"formatTime": func(t time.Time) string {
		return t.UTC().Format("2006-01-02 15:04 UTC")
	},
}

type IndexPage struct {
	MaxTitle int
}

type PastePage struct {
	Token     string
	Title     string
	Content   string
	CreatedAt time.Time
}

type ErrorPage struct {
	StatusCode int
	Error      string
}

type Renderer struct {
	mu    sync.RWMutex
	sets  map[string]*template.Template
	src   fs.FS
	dir   string
	watch *watcher
}

// New loads templates from dir, or from the embedded set when dir is empty.
func New(dir string) (*Renderer, error) {
	r := &Renderer{dir: dir, src: web.Templates()}
	if dir != "" {
		r.src = os.DirFS(dir)
	}
	if err := r.Reload(); err != nil {
		return nil, err
	}
	return r, nil
}

// Reload parses every page again. The previous set stays active on failure.
func (r *Renderer) Reload() error {
	sets := make(map[string]*template.Template, len(Pages))
	for _, name := range Pages {
		t, err := template.New(name).Funcs(funcs).ParseFS(r.src, layout, name)
		if err != nil {
			return errors.Wrapf(err, "parse %s", name)
		}
		sets[name] = t
	}
	r.mu.Lock()
	r.sets = sets
	r.mu.Unlock()
	return nil
}

// Render executes name into a buffer and only writes on success.
func (r *Renderer) Render(w http.ResponseWriter, status int, name string, data any) error {
	r.mu.RLock()
	t, ok := r.sets[name]
	r.mu.RUnlock()
	if !ok {
		return errors.Errorf("template %q not loaded", name)
	}
	var buf bytes.Buffer
	if err := t.ExecuteTemplate(&buf, layout, data); err != nil {
		return errors.Wrapf(err, "render %s", name)
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	_, err := buf.WriteTo(w)
	return err
}

// RenderError shows error.html, or msg as plain text if that fails.
func (r *Renderer) RenderError(w http.ResponseWriter, status int, msg string) {
	err := r.Render(w, status, "error.html", ErrorPage{StatusCode: status, Error: msg})
	if err == nil {
		return
	}
	util.Error().Err(err).Int("status", status).Msg("error template failed, falling back to text")
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(msg))
}

// Watch reloads templates whenever a file in the template directory changes.
func (r *Renderer) Watch() error {
	if r.dir == "" {
		return errors.New("autoreload needs a template directory")
	}
	if r.watch != nil {
		return nil
	}
	wt, err := newWatcher(r.dir, func(name string) {
		if path.Ext(name) != ".html" {
			return
		}
		r.reloadOnChange(name)
	})
	if err != nil {
		return err
	}
	r.watch = wt
	go wt.run()
	return nil
}
func (r *Renderer) Close() error {
	if r.watch == nil {
		return nil
	}
	return r.watch.stop()
}
