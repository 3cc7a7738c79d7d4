package api

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestInjectionPayloadsStoredVerbatim(t *testing.T) {
	e := newTestEnv(t, nil, nil)
	payloads := []string{
		"'; DROP TABLE pastes; --",
		"' OR '1'='1",
		"1' UNION SELECT * FROM pastes--",
		"$(whoami)",
		"`id`",
		";rm -rf /",
	}
	for _, payload := range payloads {
		rec := e.submit(payload, payload)
		require.Equal(t, http.StatusSeeOther, rec.Code, "payload %q", payload)
		rec = e.get(rec.Header().Get("Location") + "/raw")
		require.Equal(t, http.StatusOK, rec.Code)
		require.Equal(t, payload, rec.Body.String())
	}
	require.Equal(t, http.StatusOK, e.get("/ready").Code)
}

func TestHostileTokensNotFound(t *testing.T) {
	e := newTestEnv(t, nil, nil)
	require.NoError(t, e.store.Create(context.Background(), "abc1234567", "t", "c"))
	for _, tok := range []string{"' OR '1'='1", "abc%", "..%2F..%2Fetc%2Fpasswd", "$(whoami)", strings.Repeat("a", 500)} {
		rec := e.get("/share/" + url.PathEscape(tok))
		require.Equal(t, http.StatusNotFound, rec.Code, "token %q", tok)
		rec = e.get("/share/" + url.PathEscape(tok) + "/raw")
		require.Equal(t, http.StatusNotFound, rec.Code, "token %q", tok)
	}
}

func TestXSSEscapedOnSharePage(t *testing.T) {
	e := newTestEnv(t, nil, nil)
	payloads := []string{
		"<script>alert('XSS')</script>",
		"<img src=x onerror=alert('XSS')>",
		"<svg/onload=alert('XSS')>",
		"\"><script>alert(String.fromCharCode(88,83,83))</script>",
		"<iframe src=javascript:alert('XSS')>",
	}
	for _, payload := range payloads {
		rec := e.submit(payload, payload)
		require.Equal(t, http.StatusSeeOther, rec.Code)
		loc := rec.Header().Get("Location")

		rec = e.get(loc)
		require.Equal(t, http.StatusOK, rec.Code)
		body := rec.Body.String()
		require.NotContains(t, body, payload)
		require.NotContains(t, body, "<script>alert")

		// raw is plain text and never sniffed as HTML
		rec = e.get(loc + "/raw")
		require.Equal(t, payload, rec.Body.String())
		require.Equal(t, "text/plain; charset=utf-8", rec.Header().Get("Content-Type"))
		require.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	}
}

func TestConcurrentSubmitAndRead(t *testing.T) {
	e := newTestEnv(t, nil, nil)
	const n = 30
	var wg sync.WaitGroup
	locs := make(chan string, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rec := e.submit("title", "shared body")
			if rec.Code != http.StatusSeeOther {
				t.Errorf("submit status = %d", rec.Code)
				return
			}
			locs <- rec.Header().Get("Location")
		}()
	}
	wg.Wait()
	close(locs)

	seen := map[string]bool{}
	for loc := range locs {
		require.False(t, seen[loc], "duplicate location %s", loc)
		seen[loc] = true
		wg.Add(1)
		go func(loc string) {
			defer wg.Done()
			rec := e.get(loc + "/raw")
			if rec.Code != http.StatusOK || rec.Body.String() != "shared body" {
				t.Errorf("raw %s: %d %q", loc, rec.Code, rec.Body.String())
			}
		}(loc)
	}
	wg.Wait()
	require.Len(t, seen, n)
}
