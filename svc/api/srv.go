package api

import (
	"context"
	"io/fs"
	"net/http"
	"os"
	"strings"
	"time"

	"sharebin/cfg"
	"sharebin/svc/db"
	"sharebin/svc/lim"
	"sharebin/svc/render"
	"sharebin/svc/svc"
	"sharebin/svc/util"
	"sharebin/web"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/hlog"
)

type Server struct {
	router     *chi.Mux
	cfg        *cfg.Cfg
	db         *db.SQLite
	rdb        *db.Redis
	httpServer *http.Server
}

func NewServer(c *cfg.Cfg, p *svc.Paste, l *lim.Limiter, rnd *render.Renderer, sqlDB *db.SQLite, rdb *db.Redis) *Server {
	r := chi.NewRouter()
	mw := NewMw(l, c, rnd)
	s := &Server{
		router: r,
		cfg:    c,
		db:     sqlDB,
		rdb:    rdb,
	}
	r.Group(func(r chi.Router) {
		r.Use(mw.Recoverer)
		r.Get("/health", s.Health)
		r.Get("/ready", s.Ready)
	})
	r.Group(func(r chi.Router) {
		r.Use(mw.Recoverer)
		r.Handle("/metrics", mw.BasicAuthMetrics(promhttp.Handler()))
	})
	if c.Environment == "development" {
		r.Mount("/debug", middleware.Profiler())
	}

	hdl := &Hdl{paste: p, cfg: c, rnd: rnd}
	// edge runs in front of every page, including the 404 and 405 pages.
	edge := chi.Chain(
		mw.Recoverer,
		mw.RequestID,
		hlog.NewHandler(util.GetLogger()),
		hlog.AccessHandler(func(req *http.Request, status, size int, dur time.Duration) {
			hlog.FromRequest(req).Info().
				Str("method", req.Method).
				Str("path", redactPath(req.URL.Path)).
				Int("status", status).
				Int("size", size).
				Dur("duration", dur).
				Str("request_id", util.GetRequestID(req.Context())).
				Msg("http request")
		}),
	)
	if len(c.TrustedProxies) > 0 {
		edge = append(edge, mw.RealIP)
	}
	r.NotFound(chi.Chain(append(edge[:len(edge):len(edge)], mw.SecurityHeaders)...).HandlerFunc(hdl.NotFound).ServeHTTP)
	r.MethodNotAllowed(chi.Chain(append(edge[:len(edge):len(edge)], mw.SecurityHeaders)...).HandlerFunc(hdl.MethodNotAllowed).ServeHTTP)
	r.Group(func(r chi.Router) {
		r.Use(edge...)
		r.Use(mw.Metrics)
		r.Use(mw.ContextTimeout)
		r.Use(mw.SecurityHeaders)
		r.Use(mw.AnomalyDetection)

		r.With(mw.RateLimitRead).Get("/", hdl.Index)
		r.With(mw.RateLimitCreate).Post("/submit", hdl.Submit)
		r.With(mw.RateLimitRead).Get("/share/{token}", hdl.Share)
		r.With(mw.RateLimitRead).Get("/share/{token}/raw", hdl.Raw)
		r.Handle("/static/*", http.StripPrefix("/static/", staticHandler(c.StaticDir, hdl)))
	})
	s.httpServer = &http.Server{
		Addr:           ":" + c.Port,
		Handler:        r,
		ReadTimeout:    15 * time.Second,
		WriteTimeout:   15 * time.Second,
		IdleTimeout:    60 * time.Second,
		MaxHeaderBytes: 256 * 1024,
	}
	return s
}

// staticHandler serves files only; directory paths get the 404 page.
func staticHandler(dir string, hdl *Hdl) http.Handler {
	var files fs.FS = web.Static()
	if dir != "" {
		files = os.DirFS(dir)
	}
	fileServer := http.FileServer(http.FS(files))
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "" || strings.HasSuffix(r.URL.Path, "/") {
			hdl.NotFound(w, r)
			return
		}
		fileServer.ServeHTTP(w, r)
	})
}

// redactPath keeps tokens out of access logs.
func redactPath(p string) string {
	rest, ok := strings.CutPrefix(p, "/share/")
	if !ok {
		return p
	}
	token, suffix, _ := strings.Cut(rest, "/")
	if suffix != "" {
		suffix = "/" + suffix
	}
	return "/share/" + util.RedactToken(token) + suffix
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}
func (s *Server) Start() error {
	util.Info().Str("port", s.cfg.Port).Msg("starting server")
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		util.Error().Err(err).Str("port", s.cfg.Port).Msg("server failed to start")
		return err
	}
	return nil
}
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}
