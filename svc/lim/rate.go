package lim

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"sharebin/svc/db"
	"sharebin/svc/util"

	"golang.org/x/time/rate"
)

const (
	maxLimiters     = 10000
	cleanupInterval = 5 * time.Minute
	limiterTTL      = 30 * time.Minute
)

const (
	EndpointCreate = "create"
	EndpointView   = "view"
)

type Limiter struct {
	rdb               *db.Redis
	trustedProxies    []string
	detector          *AnomalyDetector
	adaptiveModeUntil int64
	localLimiters     map[string]*limiterEntry
	mu                sync.Mutex
	viewRPM           int
	createRPM         int
	burst             int
	quit              chan struct{}
	stopOnce          sync.Once
	evictionSem       chan struct{}
}
type limiterEntry struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}
type RateLimitResult struct {
	Allowed   bool
	Limit     int
	Remaining int
	Reset     time.Time
}

// New builds a per-client limiter. viewRPM applies to reads, createRPM to
// submissions; burst caps the local token bucket. With rdb set, counters are
// shared across instances and the local buckets are only a fallback.
func New(viewRPM, burst, createRPM int, rdb *db.Redis, trustedProxies []string) *Limiter {
	for _, proxy := range trustedProxies {
		if strings.Contains(proxy, "/") {
			if _, _, err := net.ParseCIDR(proxy); err != nil {
				panic(fmt.Sprintf("invalid CIDR in trustedProxies: %s: %v", proxy, err))
			}
		} else if net.ParseIP(proxy) == nil {
			panic(fmt.Sprintf("invalid IP in trustedProxies: %s", proxy))
		}
	}
	l := &Limiter{
		rdb:            rdb,
		trustedProxies: trustedProxies,
		localLimiters:  make(map[string]*limiterEntry),
		viewRPM:        viewRPM,
		createRPM:      createRPM,
		burst:          burst,
		quit:           make(chan struct{}),
		evictionSem:    make(chan struct{}, 1),
	}
	l.detector = NewAnomalyDetector(l.TriggerAdaptiveMode)
	l.detector.Start()
	go l.cleanupLoop()
	return l
}
func (l *Limiter) cleanupLoop() {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.evictExpiredLimiters()
		case <-l.quit:
			return
		}
	}
}
func (l *Limiter) evictExpiredLimiters() {
	now := time.Now()
	toDelete := make([]string, 0, 100)
	l.mu.Lock()
	for key, entry := range l.localLimiters {
		if now.Sub(entry.lastAccess) > limiterTTL {
			toDelete = append(toDelete, key)
		}
	}
	for _, key := range toDelete {
		delete(l.localLimiters, key)
	}
	evicted := len(toDelete)
	remaining := len(l.localLimiters)
	l.mu.Unlock()
	if evicted > 0 {
		util.Debug().Int("evicted", evicted).Int("remaining", remaining).Msg("rate limiter cleanup")
	}
}
func (l *Limiter) Stop() {
	l.stopOnce.Do(func() {
		close(l.quit)
		l.detector.Stop()
	})
}
func (l *Limiter) TriggerAdaptiveMode() {
	atomic.StoreInt64(&l.adaptiveModeUntil, time.Now().Add(60*time.Second).Unix())
}
func (l *Limiter) isAdaptiveMode() bool {
	until := atomic.LoadInt64(&l.adaptiveModeUntil)
	return time.Now().Unix() < until
}
func (l *Limiter) RecordRequest() {
	l.detector.RecordRequest()
}
func (l *Limiter) RecordError() {
	l.detector.RecordError()
}

// limitFor returns the per-minute budget for endpoint, halved while the
// anomaly detector has the limiter in adaptive mode.
func (l *Limiter) limitFor(endpoint string) int {
	limit := l.viewRPM
	if endpoint == EndpointCreate {
		limit = l.createRPM
	}
	if l.isAdaptiveMode() {
		limit = limit / 2
		if limit < 1 {
			limit = 1
		}
	}
	return limit
}
func (l *Limiter) CheckLimit(r *http.Request, endpoint string) *RateLimitResult {
	ip := GetRealIP(r, l.trustedProxies)
	limit := l.limitFor(endpoint)
	now := time.Now()
	if l.rdb != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 100*time.Millisecond)
		defer cancel()
		usage, err := l.rdb.RateLimit(ctx, endpoint+":"+ip, limit, time.Minute)
		if err != nil {
			util.Warn().Err(err).Msg("redis rate limit unavailable, using local fallback")
			return l.checkLocal(ip, endpoint, limit)
		}
		remaining := limit - usage
		if remaining < 0 {
			remaining = 0
		}
		return &RateLimitResult{
			Allowed:   usage <= limit,
			Limit:     limit,
			Remaining: remaining,
			Reset:     now.Add(time.Minute),
		}
	}
	return l.checkLocal(ip, endpoint, limit)
}
func (l *Limiter) checkLocal(ip, endpoint string, limit int) *RateLimitResult {
	l.mu.Lock()
	defer l.mu.Unlock()
	threshold := (maxLimiters * 9) / 10
	if len(l.localLimiters) >= threshold {
		toEvict := len(l.localLimiters) / 10
		if toEvict > 0 {
			select {
			case l.evictionSem <- struct{}{}:
				go func() {
					defer func() { <-l.evictionSem }()
					l.asyncEvictOldest(toEvict)
				}()
			default:
			}
		}
	}
	key := ip + ":" + endpoint
	entry, exists := l.localLimiters[key]
	if !exists && len(l.localLimiters) >= maxLimiters {
		util.Warn().
			Int("limiters", len(l.localLimiters)).
			Str("ip", util.RedactIP(ip)).
			Msg("rate limiter at capacity, rejecting request")
		return &RateLimitResult{
			Allowed:   false,
			Limit:     limit,
			Remaining: 0,
			Reset:     time.Now().Add(time.Minute),
		}
	}
	burst := l.burst
	if burst > limit {
		burst = limit
	}
	every := rate.Limit(float64(limit) / 60.0)
	if !exists {
		entry = &limiterEntry{
			limiter: rate.NewLimiter(every, burst),
		}
		l.localLimiters[key] = entry
	} else {
		// adaptive mode moves the limit in both directions
		if entry.limiter.Limit() != every {
			entry.limiter.SetLimit(every)
		}
		if entry.limiter.Burst() != burst {
			entry.limiter.SetBurst(burst)
		}
	}
	entry.lastAccess = time.Now()
	if !entry.limiter.Allow() {
		return &RateLimitResult{
			Allowed:   false,
			Limit:     limit,
			Remaining: 0,
			Reset:     time.Now().Add(time.Minute),
		}
	}
	remaining := int(entry.limiter.Tokens())
	if remaining < 0 {
		remaining = 0
	}
	return &RateLimitResult{
		Allowed:   true,
		Limit:     limit,
		Remaining: remaining,
		Reset:     time.Now().Add(time.Minute),
	}
}
func (l *Limiter) asyncEvictOldest(count int) {
	l.mu.Lock()
	if len(l.localLimiters) < (maxLimiters*8)/10 {
		l.mu.Unlock()
		return
	}
	type kv struct {
		key        string
		lastAccess time.Time
	}
	entries := make([]kv, 0, len(l.localLimiters))
	for k, v := range l.localLimiters {
		entries = append(entries, kv{k, v.lastAccess})
	}
	l.mu.Unlock()
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].lastAccess.Before(entries[j].lastAccess)
	})
	l.mu.Lock()
	defer l.mu.Unlock()
	evicted := 0
	for i := 0; i < count && i < len(entries); i++ {
		if _, exists := l.localLimiters[entries[i].key]; exists {
			delete(l.localLimiters, entries[i].key)
			evicted++
		}
	}
	if evicted > 0 {
		util.Debug().
			Int("evicted", evicted).
			Msg("async limiter eviction completed")
	}
}

// GetRealIP returns the client address. X-Forwarded-For is only consulted
// when the direct peer is a trusted proxy, and is walked right to left until
// the first hop that is not itself trusted.
func GetRealIP(r *http.Request, trustedProxies []string) string {
	remoteIP := stripPort(r.RemoteAddr)
	if len(trustedProxies) == 0 || !isTrustedProxy(remoteIP, trustedProxies) {
		return remoteIP
	}
	xff := r.Header.Get("X-Forwarded-For")
	if xff == "" {
		return remoteIP
	}
	const maxIPsToParse = 100
	parsed := 0
	remaining := xff
	// walk from the right without splitting; the header is client controlled
	for len(remaining) > 0 && parsed < maxIPsToParse {
		var ipStr string
		if i := strings.LastIndexByte(remaining, ','); i >= 0 {
			ipStr = strings.TrimSpace(remaining[i+1:])
			remaining = remaining[:i]
		} else {
			ipStr = strings.TrimSpace(remaining)
			remaining = ""
		}
		if ipStr == "" {
			continue
		}
		parsed++
		if net.ParseIP(ipStr) == nil {
			util.Debug().Str("ip", ipStr).Msg("invalid IP in X-Forwarded-For, skipping")
			continue
		}
		if !isTrustedProxy(ipStr, trustedProxies) {
			return ipStr
		}
	}
	if parsed >= maxIPsToParse {
		util.Warn().Int("parsed", parsed).Str("remote", util.RedactIP(remoteIP)).Msg("XFF header excessive, truncated parsing")
	}
	return remoteIP
}
func isTrustedProxy(ip string, trustedProxies []string) bool {
	parsedIP := net.ParseIP(ip)
	for _, proxy := range trustedProxies {
		if ip == proxy {
			return true
		}
		if strings.Contains(proxy, "/") && parsedIP != nil {
			if _, subnet, err := net.ParseCIDR(proxy); err == nil && subnet.Contains(parsedIP) {
				return true
			}
		}
	}
	return false
}
func stripPort(ip string) string {
	if host, _, err := net.SplitHostPort(ip); err == nil {
		return host
	}
	return ip
}
