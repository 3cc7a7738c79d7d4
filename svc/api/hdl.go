package api

import (
	"mime"
	"net/http"
	"strings"
	"unicode"
	"unicode/utf8"

	"sharebin/cfg"
	"sharebin/pkg/domain"
	"sharebin/svc/render"
	"sharebin/svc/svc"
	"sharebin/svc/util"

	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/hlog"
	"golang.org/x/text/unicode/norm"
)

const (
	msgNotFound     = "Not found"
	msgPageNotFound = "Page not found"
	msgSaveFailed   = "Failed to save paste"
	rawNotFound     = "404 not found"
)

type Hdl struct {
	paste *svc.Paste
	cfg   *cfg.Cfg
	rnd   *render.Renderer
}

func (h *Hdl) Index(w http.ResponseWriter, r *http.Request) {
	if err := h.rnd.Render(w, http.StatusOK, "index.html", render.IndexPage{MaxTitle: h.cfg.MaxTitleSize}); err != nil {
		hlog.FromRequest(r).Error().Err(err).Msg("failed to render index")
		h.rnd.RenderError(w, http.StatusInternalServerError, "Something went wrong")
	}
}

// maxFormBytes bounds the encoded request body. Percent-encoding can grow a
// byte to three, so the limit leaves room for that plus field names.
func (h *Hdl) maxFormBytes() int64 {
	return 3*(h.cfg.MaxPasteSize+int64(h.cfg.MaxTitleSize)*utf8.UTFMax) + 4096
}

func (h *Hdl) Submit(w http.ResponseWriter, r *http.Request) {
	log := hlog.FromRequest(r)
	limit := h.maxFormBytes()
	if r.ContentLength > limit {
		log.Warn().Int64("content_length", r.ContentLength).Msg("form exceeds maximum size")
		h.rnd.RenderError(w, http.StatusRequestEntityTooLarge, "Paste too large")
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, limit)

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	var err error
	switch mediaType {
	case "application/x-www-form-urlencoded":
		err = r.ParseForm()
	case "multipart/form-data":
		err = r.ParseMultipartForm(limit)
	default:
		log.Warn().Str("content_type", mediaType).Msg("unsupported form encoding")
		h.rnd.RenderError(w, http.StatusUnsupportedMediaType, "Unsupported form encoding")
		return
	}
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			log.Warn().Int64("limit", tooLarge.Limit).Msg("form exceeds maximum size")
			h.rnd.RenderError(w, http.StatusRequestEntityTooLarge, "Paste too large")
			return
		}
		log.Warn().Err(err).Msg("invalid form")
		h.rnd.RenderError(w, domain.Status(domain.ErrInvalidRequest), "Invalid request")
		return
	}

	params := domain.CreateParams{
		Title:   sanitizeTitle(r.PostForm.Get("title")),
		Content: r.PostForm.Get("content"),
	}
	paste, err := h.paste.Create(r.Context(), params)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrPasteTooLarge):
			log.Warn().Int("content_length", len(params.Content)).Msg("content exceeds maximum size")
			h.rnd.RenderError(w, http.StatusRequestEntityTooLarge, "Paste too large")
		case errors.Is(err, domain.ErrTitleTooLong):
			log.Warn().Int("title_length", utf8.RuneCountInString(params.Title)).Msg("title exceeds maximum size")
			h.rnd.RenderError(w, http.StatusRequestEntityTooLarge, "Title too long")
		case errors.Is(err, svc.ErrShuttingDown):
			h.rnd.RenderError(w, http.StatusServiceUnavailable, "Service unavailable")
		default:
			log.Error().Err(err).Msg("failed to create paste")
			h.rnd.RenderError(w, http.StatusInternalServerError, msgSaveFailed)
		}
		return
	}
	log.Info().
		Str("token", util.RedactToken(paste.Token)).
		Int("size", len(paste.Content)).
		Msg("paste created")
	http.Redirect(w, r, "/share/"+paste.Token, http.StatusSeeOther)
}

func (h *Hdl) Share(w http.ResponseWriter, r *http.Request) {
	log := hlog.FromRequest(r)
	token := chi.URLParam(r, "token")
	paste, err := h.paste.Get(r.Context(), token)
	if err != nil {
		if errors.Is(err, domain.ErrPasteNotFound) {
			h.rnd.RenderError(w, http.StatusNotFound, msgNotFound)
			return
		}
		log.Error().Err(err).Str("token", util.RedactToken(token)).Msg("failed to load paste")
		h.rnd.RenderError(w, http.StatusInternalServerError, "Failed to load paste")
		return
	}
	page := render.PastePage{
		Token:     paste.Token,
		Title:     paste.Title,
		Content:   paste.Content,
		CreatedAt: paste.CreatedAt,
	}
	if err := h.rnd.Render(w, http.StatusOK, "paste.html", page); err != nil {
		log.Error().Err(err).Msg("failed to render paste")
		h.rnd.RenderError(w, http.StatusInternalServerError, "Something went wrong")
	}
}

func (h *Hdl) Raw(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")
	content, err := h.paste.GetRaw(r.Context(), token)
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	if err != nil {
		if errors.Is(err, domain.ErrPasteNotFound) {
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(rawNotFound))
			return
		}
		hlog.FromRequest(r).Error().Err(err).Str("token", util.RedactToken(token)).Msg("failed to load raw paste")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("internal server error"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(content))
}

func (h *Hdl) NotFound(w http.ResponseWriter, r *http.Request) {
	h.rnd.RenderError(w, http.StatusNotFound, msgPageNotFound)
}
func (h *Hdl) MethodNotAllowed(w http.ResponseWriter, r *http.Request) {
	h.rnd.RenderError(w, http.StatusMethodNotAllowed, "Method not allowed")
}

// sanitizeTitle normalizes to NFC and drops control characters, including
// newlines; a title is a single line.
func sanitizeTitle(s string) string {
	s = strings.ToValidUTF8(s, "")
	s = norm.NFC.String(s)
	s = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, s)
	return strings.TrimSpace(s)
}
