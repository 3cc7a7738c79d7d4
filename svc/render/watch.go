package render

import (
	"path/filepath"
	"sync"

	"sharebin/metrics"
	"sharebin/svc/util"

	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"
)

type watcher struct {
	fsw      *fsnotify.Watcher
	onChange func(string)
	done     chan struct{}
	stopped  chan struct{}
	once     sync.Once
}

// newWatcher watches the directory itself so editors that save via rename
// are still picked up.
func newWatcher(dir string, onChange func(string)) (*watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Wrap(err, "create template watcher")
	}
	if err := fsw.Add(dir); err != nil {
		fsw.Close()
		return nil, errors.Wrapf(err, "watch %s", dir)
	}
	util.Debug().Str("dir", dir).Msg("watching templates for changes")
	return &watcher{
		fsw:      fsw,
		onChange: onChange,
		done:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}, nil
}
func (w *watcher) run() {
	defer close(w.stopped)
	for {
		select {
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) ||
				ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename) {
				w.onChange(filepath.Base(ev.Name))
			}
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			util.Error().Err(err).Msg("template watcher error")
		case <-w.done:
			return
		}
	}
}
func (w *watcher) stop() error {
	var err error
	w.once.Do(func() {
		close(w.done)
		err = w.fsw.Close()
		<-w.stopped
	})
	return err
}

func (r *Renderer) reloadOnChange(name string) {
	if err := r.Reload(); err != nil {
		metrics.TemplateReloads.WithLabelValues("error").Inc()
		util.Warn().Err(err).Str("file", name).Msg("template reload failed, keeping previous set")
		return
	}
	metrics.TemplateReloads.WithLabelValues("ok").Inc()
	util.Info().Str("file", name).Msg("templates reloaded")
}
