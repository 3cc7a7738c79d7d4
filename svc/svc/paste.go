package svc

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"sharebin/cfg"
	"sharebin/metrics"
	"sharebin/pkg/domain"
	"sharebin/svc/cache"
	"sharebin/svc/db"
	"sharebin/svc/util"

	"github.com/pkg/errors"
	"golang.org/x/sync/singleflight"
)

var ErrShuttingDown = errors.New("service shutting down")

// Store is the persistence contract the service needs; *db.SQLite satisfies it.
type Store interface {
	Create(ctx context.Context, token, title, content string) error
	GetContentByToken(ctx context.Context, token string) (string, error)
	Lookup(ctx context.Context, token string) (*domain.Paste, error)
}

type Paste struct {
	store    Store
	lru      *cache.LRU
	rdb      *db.Redis
	cfg      *cfg.Cfg
	genToken func(n int) (string, error)
	group    singleflight.Group
	shutdown atomic.Bool
	opWg     sync.WaitGroup
}

func NewPaste(store Store, lru *cache.LRU, rdb *db.Redis, c *cfg.Cfg) *Paste {
	if store == nil || lru == nil || c == nil {
		panic("paste service: nil dependency (store, lru, or cfg)")
	}
	return &Paste{
		store:    store,
		lru:      lru,
		rdb:      rdb,
		cfg:      c,
		genToken: util.GenToken,
	}
}

// Shutdown rejects new creates and waits for in-flight ones.
func (p *Paste) Shutdown() {
	p.shutdown.Store(true)
	done := make(chan struct{})
	go func() {
		p.opWg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		util.Warn().Msg("in-flight creates didn't finish in time")
	}
	util.Debug().Msg("paste service shutdown complete")
}

// Create stores a new paste under a fresh token. A token collision is retried
// with a new token up to cfg.TokenRetries times; storage faults are not retried.
func (p *Paste) Create(ctx context.Context, params domain.CreateParams) (*domain.Paste, error) {
	if p.shutdown.Load() {
		return nil, ErrShuttingDown
	}
	p.opWg.Add(1)
	defer p.opWg.Done()
	if int64(len(params.Content)) > p.cfg.MaxPasteSize {
		return nil, domain.ErrPasteTooLarge
	}
	if utf8.RuneCountInString(params.Title) > p.cfg.MaxTitleSize {
		return nil, domain.ErrTitleTooLong
	}
	for attempt := 0; attempt <= p.cfg.TokenRetries; attempt++ {
		token, err := p.genToken(p.cfg.TokenLength)
		if err != nil {
			return nil, errors.Wrap(err, "gen token")
		}
		err = p.store.Create(ctx, token, params.Title, params.Content)
		if err == nil {
			metrics.PasteCreated.Inc()
			return &domain.Paste{
				Token:     token,
				Title:     params.Title,
				Content:   params.Content,
				CreatedAt: time.Now().UTC(),
			}, nil
		}
		if !errors.Is(err, domain.ErrTokenConflict) {
			metrics.StorageErrors.WithLabelValues("create").Inc()
			return nil, errors.Wrap(err, "create paste")
		}
		metrics.TokenConflicts.Inc()
		util.Warn().
			Str("token", util.RedactToken(token)).
			Int("attempt", attempt+1).
			Msg("token collision, retrying with a fresh token")
	}
	return nil, domain.ErrTokenGenerationFailed
}

// Get resolves a token through the LRU, then Redis, then the store.
// Concurrent misses for one token share a single store read.
func (p *Paste) Get(ctx context.Context, token string) (*domain.Paste, error) {
	if !util.ValidToken(token) {
		metrics.PasteNotFound.Inc()
		return nil, domain.ErrPasteNotFound
	}
	if paste := p.lru.Get(ctx, token); paste != nil {
		metrics.CacheHits.WithLabelValues("lru").Inc()
		metrics.PasteRetrieved.WithLabelValues("rendered").Inc()
		return paste, nil
	}
	v, err, _ := p.group.Do(token, func() (interface{}, error) {
		return p.load(ctx, token)
	})
	if err != nil {
		if errors.Is(err, domain.ErrPasteNotFound) {
			metrics.PasteNotFound.Inc()
			return nil, domain.ErrPasteNotFound
		}
		metrics.StorageErrors.WithLabelValues("get").Inc()
		return nil, errors.Wrap(err, "get paste")
	}
	metrics.PasteRetrieved.WithLabelValues("rendered").Inc()
	cp := *v.(*domain.Paste)
	return &cp, nil
}
func (p *Paste) load(ctx context.Context, token string) (*domain.Paste, error) {
	if p.rdb != nil {
		paste, err := p.rdb.GetPaste(ctx, token)
		if err != nil {
			util.Warn().Err(err).Str("token", util.RedactToken(token)).Msg("redis lookup failed")
		} else if paste != nil {
			metrics.CacheHits.WithLabelValues("redis").Inc()
			p.lru.Set(paste)
			return paste, nil
		}
	}
	metrics.CacheMisses.Inc()
	paste, err := p.store.Lookup(ctx, token)
	if err != nil {
		return nil, err
	}
	p.lru.Set(paste)
	if p.rdb != nil {
		if err := p.rdb.CachePaste(ctx, paste, p.cfg.CacheTTL); err != nil {
			util.Warn().Err(err).Str("token", util.RedactToken(token)).Msg("failed to cache in Redis")
		}
	}
	return paste, nil
}

// GetRaw returns only the content. A warm LRU entry is used when present;
// otherwise the store's content-only query runs and nothing is cached.
func (p *Paste) GetRaw(ctx context.Context, token string) (string, error) {
	if !util.ValidToken(token) {
		metrics.PasteNotFound.Inc()
		return "", domain.ErrPasteNotFound
	}
	if paste := p.lru.Get(ctx, token); paste != nil {
		metrics.CacheHits.WithLabelValues("lru").Inc()
		metrics.PasteRetrieved.WithLabelValues("raw").Inc()
		return paste.Content, nil
	}
	metrics.CacheMisses.Inc()
	content, err := p.store.GetContentByToken(ctx, token)
	if err != nil {
		if errors.Is(err, domain.ErrPasteNotFound) {
			metrics.PasteNotFound.Inc()
			return "", domain.ErrPasteNotFound
		}
		metrics.StorageErrors.WithLabelValues("get_raw").Inc()
		return "", errors.Wrap(err, "get raw paste")
	}
	metrics.PasteRetrieved.WithLabelValues("raw").Inc()
	return content, nil
}
