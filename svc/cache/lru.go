package cache

import (
	"context"
	"errors"
	"sync"
	"time"

	"sharebin/pkg/domain"

	lru "github.com/hashicorp/golang-lru/v2"
)

// LRU holds recently served pastes by token. Pastes are immutable, so an
// entry is never stale; exp only bounds how long a cold entry lingers.
type LRU struct {
	c   *lru.Cache[string, item]
	mu  sync.Mutex
	ttl time.Duration
}
type item struct {
	paste *domain.Paste
	exp   time.Time
}

func NewLRU(size int, ttl time.Duration) (*LRU, error) {
	if size <= 0 {
		return nil, errors.New("cache size must be positive")
	}
	if size > 100000 {
		return nil, errors.New("cache size too large")
	}
	if ttl <= 0 {
		return nil, errors.New("cache ttl must be positive")
	}
	c, err := lru.New[string, item](size)
	if err != nil {
		return nil, err
	}
	return &LRU{c: c, ttl: ttl}, nil
}

// Get returns a copy so callers cannot mutate the cached paste.
func (l *LRU) Get(ctx context.Context, token string) *domain.Paste {
	select {
	case <-ctx.Done():
		return nil
	default:
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	it, ok := l.c.Get(token)
	if !ok {
		return nil
	}
	if time.Now().After(it.exp) {
		l.c.Remove(token)
		return nil
	}
	p := *it.paste
	return &p
}
func (l *LRU) Set(p *domain.Paste) {
	if p == nil || p.Token == "" {
		return
	}
	cp := *p
	l.mu.Lock()
	defer l.mu.Unlock()
	l.c.Add(p.Token, item{
		paste: &cp,
		exp:   time.Now().Add(l.ttl),
	})
}
func (l *LRU) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.c.Len()
}
