package svc

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"sharebin/cfg"
	"sharebin/pkg/domain"
	"sharebin/svc/cache"
	"sharebin/svc/db"

	"github.com/alicebob/miniredis/v2"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func testCfg() *cfg.Cfg {
	return &cfg.Cfg{
		TokenLength:  10,
		TokenRetries: 3,
		MaxTitleSize: 16,
		MaxPasteSize: 64,
		CacheTTL:     time.Minute,
	}
}

func newTestService(t *testing.T, store Store) *Paste {
	t.Helper()
	if store == nil {
		s, err := db.NewSQLite(filepath.Join(t.TempDir(), "svc.db"))
		require.NoError(t, err)
		t.Cleanup(func() { _ = s.Close() })
		store = s
	}
	lru, err := cache.NewLRU(100, time.Minute)
	require.NoError(t, err)
	return NewPaste(store, lru, nil, testCfg())
}

// countingStore wraps a Store and counts reads.
type countingStore struct {
	Store
	lookups  atomic.Int32
	contents atomic.Int32
	creates  atomic.Int32
	createFn func(token string) error
	delay    time.Duration
}

func (c *countingStore) Create(ctx context.Context, token, title, content string) error {
	c.creates.Add(1)
	if c.createFn != nil {
		if err := c.createFn(token); err != nil {
			return err
		}
	}
	return c.Store.Create(ctx, token, title, content)
}
func (c *countingStore) Lookup(ctx context.Context, token string) (*domain.Paste, error) {
	c.lookups.Add(1)
	time.Sleep(c.delay)
	return c.Store.Lookup(ctx, token)
}
func (c *countingStore) GetContentByToken(ctx context.Context, token string) (string, error) {
	c.contents.Add(1)
	return c.Store.GetContentByToken(ctx, token)
}

func sqliteStore(t *testing.T) *db.SQLite {
	t.Helper()
	s, err := db.NewSQLite(filepath.Join(t.TempDir(), "svc.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestCreateAndGet(t *testing.T) {
	p := newTestService(t, nil)
	ctx := context.Background()

	created, err := p.Create(ctx, domain.CreateParams{Title: "Hello", Content: "World body"})
	require.NoError(t, err)
	require.Len(t, created.Token, 10)

	got, err := p.Get(ctx, created.Token)
	require.NoError(t, err)
	require.Equal(t, "Hello", got.Title)
	require.Equal(t, "World body", got.Content)
	require.Equal(t, created.Token, got.Token)

	raw, err := p.GetRaw(ctx, created.Token)
	require.NoError(t, err)
	require.Equal(t, got.Content, raw)
}

func TestGetUnknownAndMalformedTokens(t *testing.T) {
	p := newTestService(t, nil)
	ctx := context.Background()
	for _, tok := range []string{"nonexistent", "", "../../etc", "a b", strings.Repeat("x", 100)} {
		_, err := p.Get(ctx, tok)
		require.ErrorIs(t, err, domain.ErrPasteNotFound, "token %q", tok)
		_, err = p.GetRaw(ctx, tok)
		require.ErrorIs(t, err, domain.ErrPasteNotFound, "token %q", tok)
	}
}

func TestCreateSizeLimits(t *testing.T) {
	p := newTestService(t, nil)
	ctx := context.Background()

	_, err := p.Create(ctx, domain.CreateParams{Title: "t", Content: strings.Repeat("a", 65)})
	require.ErrorIs(t, err, domain.ErrPasteTooLarge)

	_, err = p.Create(ctx, domain.CreateParams{Title: strings.Repeat("é", 17), Content: "x"})
	require.ErrorIs(t, err, domain.ErrTitleTooLong)

	_, err = p.Create(ctx, domain.CreateParams{Title: strings.Repeat("é", 16), Content: strings.Repeat("a", 64)})
	require.NoError(t, err)

	_, err = p.Create(ctx, domain.CreateParams{})
	require.NoError(t, err)
}

func TestCreateRetriesOnConflict(t *testing.T) {
	store := &countingStore{Store: sqliteStore(t)}
	p := newTestService(t, store)
	ctx := context.Background()

	require.NoError(t, store.Store.Create(ctx, "taken00001", "old", "old body"))
	tokens := []string{"taken00001", "taken00001", "fresh00001"}
	var i int
	p.genToken = func(int) (string, error) {
		tok := tokens[i]
		i++
		return tok, nil
	}

	created, err := p.Create(ctx, domain.CreateParams{Title: "new", Content: "new body"})
	require.NoError(t, err)
	require.Equal(t, "fresh00001", created.Token)
	require.Equal(t, int32(3), store.creates.Load())

	old, err := p.Get(ctx, "taken00001")
	require.NoError(t, err)
	require.Equal(t, "old body", old.Content)
}

func TestCreateGivesUpAfterRetries(t *testing.T) {
	store := &countingStore{Store: sqliteStore(t)}
	p := newTestService(t, store)
	ctx := context.Background()

	require.NoError(t, store.Store.Create(ctx, "always0001", "old", "old"))
	p.genToken = func(int) (string, error) { return "always0001", nil }

	_, err := p.Create(ctx, domain.CreateParams{Title: "t", Content: "c"})
	require.ErrorIs(t, err, domain.ErrTokenGenerationFailed)
	require.Equal(t, int32(testCfg().TokenRetries+1), store.creates.Load())
}

func TestCreateDoesNotRetryStorageFaults(t *testing.T) {
	store := &countingStore{
		Store:    sqliteStore(t),
		createFn: func(string) error { return domain.Storage("db create", errors.New("disk I/O error")) },
	}
	p := newTestService(t, store)

	_, err := p.Create(context.Background(), domain.CreateParams{Title: "t", Content: "c"})
	require.ErrorIs(t, err, domain.ErrStorage)
	require.Equal(t, 500, domain.Status(err))
	require.Equal(t, int32(1), store.creates.Load())
}

func TestGetUsesCache(t *testing.T) {
	store := &countingStore{Store: sqliteStore(t)}
	p := newTestService(t, store)
	ctx := context.Background()

	created, err := p.Create(ctx, domain.CreateParams{Title: "t", Content: "c"})
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		got, err := p.Get(ctx, created.Token)
		require.NoError(t, err)
		require.Equal(t, "c", got.Content)
	}
	require.Equal(t, int32(1), store.lookups.Load())

	raw, err := p.GetRaw(ctx, created.Token)
	require.NoError(t, err)
	require.Equal(t, "c", raw)
	require.Equal(t, int32(0), store.contents.Load())
}

func TestGetRawColdUsesContentQuery(t *testing.T) {
	store := &countingStore{Store: sqliteStore(t)}
	p := newTestService(t, store)
	ctx := context.Background()

	created, err := p.Create(ctx, domain.CreateParams{Title: "t", Content: "raw body"})
	require.NoError(t, err)

	raw, err := p.GetRaw(ctx, created.Token)
	require.NoError(t, err)
	require.Equal(t, "raw body", raw)
	require.Equal(t, int32(1), store.contents.Load())
	require.Equal(t, int32(0), store.lookups.Load())
}

func TestConcurrentGetsCollapse(t *testing.T) {
	store := &countingStore{Store: sqliteStore(t), delay: 50 * time.Millisecond}
	p := newTestService(t, store)
	ctx := context.Background()

	created, err := p.Create(ctx, domain.CreateParams{Title: "t", Content: "c"})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := p.Get(ctx, created.Token)
			if err != nil {
				t.Error(err)
				return
			}
			if got.Content != "c" {
				t.Errorf("content = %q", got.Content)
			}
		}()
	}
	wg.Wait()
	require.LessOrEqual(t, store.lookups.Load(), int32(2))
}

func TestConcurrentCreates(t *testing.T) {
	p := newTestService(t, nil)
	ctx := context.Background()

	const n = 40
	tokens := make(chan string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			created, err := p.Create(ctx, domain.CreateParams{Title: "t", Content: "c"})
			if err != nil {
				t.Error(err)
				return
			}
			tokens <- created.Token
		}()
	}
	wg.Wait()
	close(tokens)
	seen := map[string]bool{}
	for tok := range tokens {
		require.False(t, seen[tok])
		seen[tok] = true
		_, err := p.Get(ctx, tok)
		require.NoError(t, err)
	}
	require.Len(t, seen, n)
}

func TestShutdownRejectsCreates(t *testing.T) {
	p := newTestService(t, nil)
	p.Shutdown()
	_, err := p.Create(context.Background(), domain.CreateParams{Title: "t", Content: "c"})
	require.ErrorIs(t, err, ErrShuttingDown)
}

func TestStoreFailureAfterWarmCache(t *testing.T) {
	store := sqliteStore(t)
	p := newTestService(t, store)
	ctx := context.Background()

	warm, err := p.Create(ctx, domain.CreateParams{Title: "warm", Content: "cached"})
	require.NoError(t, err)
	_, err = p.Get(ctx, warm.Token)
	require.NoError(t, err)
	cold, err := p.Create(ctx, domain.CreateParams{Title: "cold", Content: "not cached"})
	require.NoError(t, err)

	require.NoError(t, store.DB().Close())

	got, err := p.Get(ctx, warm.Token)
	require.NoError(t, err)
	require.Equal(t, "cached", got.Content)

	_, err = p.Get(ctx, cold.Token)
	require.ErrorIs(t, err, domain.ErrStorage)
	require.NotErrorIs(t, err, domain.ErrPasteNotFound)

	_, err = p.GetRaw(ctx, cold.Token)
	require.ErrorIs(t, err, domain.ErrStorage)

	_, err = p.Create(ctx, domain.CreateParams{Title: "t", Content: "c"})
	require.ErrorIs(t, err, domain.ErrStorage)
}

func newRedisService(t *testing.T) (*Paste, *countingStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb, err := db.NewRedis("redis://"+mr.Addr(), &cfg.Cfg{RedisTimeout: time.Second})
	require.NoError(t, err)
	t.Cleanup(func() { _ = rdb.Close() })
	lru, err := cache.NewLRU(100, time.Minute)
	require.NoError(t, err)
	store := &countingStore{Store: sqliteStore(t)}
	return NewPaste(store, lru, rdb, testCfg()), store, mr
}

func TestGetMissFillsRedis(t *testing.T) {
	svc, store, mr := newRedisService(t)
	ctx := context.Background()
	p, err := svc.Create(ctx, domain.CreateParams{Title: "t", Content: "shared"})
	require.NoError(t, err)
	require.False(t, mr.Exists("sharebin:paste:"+p.Token), "creating does not cache")

	got, err := svc.Get(ctx, p.Token)
	require.NoError(t, err)
	require.Equal(t, "shared", got.Content)
	require.Equal(t, int32(1), store.lookups.Load())
	require.True(t, mr.Exists("sharebin:paste:"+p.Token))
	require.Equal(t, testCfg().CacheTTL, mr.TTL("sharebin:paste:"+p.Token))
}

func TestGetRedisHitSkipsStore(t *testing.T) {
	svc, store, mr := newRedisService(t)
	ctx := context.Background()
	p, err := svc.Create(ctx, domain.CreateParams{Title: "t", Content: "from the store"})
	require.NoError(t, err)

	// another instance already cached this paste
	require.NoError(t, mr.Set("sharebin:paste:"+p.Token,
		`{"token":"`+p.Token+`","title":"t","content":"from redis","created_at":"2026-01-02T03:04:05Z"}`))

	got, err := svc.Get(ctx, p.Token)
	require.NoError(t, err)
	require.Equal(t, "from redis", got.Content)
	require.Zero(t, store.lookups.Load())

	// the hit was copied into the LRU
	mr.FlushAll()
	got, err = svc.Get(ctx, p.Token)
	require.NoError(t, err)
	require.Equal(t, "from redis", got.Content)
	require.Zero(t, store.lookups.Load())
}

func TestGetFallsBackToStoreWhenRedisDown(t *testing.T) {
	svc, store, mr := newRedisService(t)
	ctx := context.Background()
	p, err := svc.Create(ctx, domain.CreateParams{Title: "t", Content: "still here"})
	require.NoError(t, err)
	mr.Close()

	got, err := svc.Get(ctx, p.Token)
	require.NoError(t, err)
	require.Equal(t, "still here", got.Content)
	require.Equal(t, int32(1), store.lookups.Load())

	_, err = svc.Get(ctx, "zzzzzzzzzz")
	require.ErrorIs(t, err, domain.ErrPasteNotFound)
}
