package db

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"sharebin/pkg/domain"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *SQLite {
	t.Helper()
	s, err := NewSQLiteWithConfig(filepath.Join(t.TempDir(), "pastes.db"), 5*time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestCreateThenGet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Create(ctx, "abc1234567", "Hello", "World body"))

	content, title, err := s.GetByToken(ctx, "abc1234567")
	require.NoError(t, err)
	require.Equal(t, "World body", content)
	require.Equal(t, "Hello", title)

	raw, err := s.GetContentByToken(ctx, "abc1234567")
	require.NoError(t, err)
	require.Equal(t, "World body", raw)

	_, _, err = s.GetByToken(ctx, "nonexistent")
	require.ErrorIs(t, err, domain.ErrPasteNotFound)
}

func TestEmptyTitleAndContentAccepted(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, "empty00001", "", ""))
	content, title, err := s.GetByToken(ctx, "empty00001")
	require.NoError(t, err)
	require.Empty(t, content)
	require.Empty(t, title)
}

func TestContentStoredVerbatim(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	body := "<script>alert(1)</script>\r\n\ttabs 'quotes' \"dq\" ünïcödé 🚀"
	require.NoError(t, s.Create(ctx, "verbatim01", "t", body))
	got, err := s.GetContentByToken(ctx, "verbatim01")
	require.NoError(t, err)
	require.Equal(t, body, got)
}

func TestUnknownTokenNotFound(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, "abc1234567", "Hello", "World body"))

	for _, tok := range []string{"", "abc123456", "abc12345678", "ABC1234567", "' OR '1'='1", "abc%"} {
		_, _, err := s.GetByToken(ctx, tok)
		require.ErrorIs(t, err, domain.ErrPasteNotFound, "token %q", tok)
		_, err = s.GetContentByToken(ctx, tok)
		require.ErrorIs(t, err, domain.ErrPasteNotFound, "token %q", tok)
		_, err = s.Lookup(ctx, tok)
		require.ErrorIs(t, err, domain.ErrPasteNotFound, "token %q", tok)
	}
}

func TestDuplicateTokenConflict(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, "dup0000001", "first", "first body"))

	err := s.Create(ctx, "dup0000001", "second", "second body")
	require.ErrorIs(t, err, domain.ErrTokenConflict)
	require.Equal(t, 409, domain.Status(err))

	content, title, err := s.GetByToken(ctx, "dup0000001")
	require.NoError(t, err)
	require.Equal(t, "first body", content)
	require.Equal(t, "first", title)

	// a conflict is an answer, not a storage fault
	for i := 0; i < maxFailures+1; i++ {
		_ = s.Create(ctx, "dup0000001", "again", "again")
	}
	require.NoError(t, s.checkCircuit())
}

func TestLookupsAreIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, "idem000001", "title", "content"))

	first, err := s.Lookup(ctx, "idem000001")
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		again, err := s.Lookup(ctx, "idem000001")
		require.NoError(t, err)
		require.Equal(t, first, again)

		content, title, err := s.GetByToken(ctx, "idem000001")
		require.NoError(t, err)
		require.Equal(t, first.Content, content)
		require.Equal(t, first.Title, title)
	}
}

func TestLookupFillsStorageFields(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	before := time.Now().UTC().Add(-2 * time.Second)
	require.NoError(t, s.Create(ctx, "first00001", "a", "a"))
	require.NoError(t, s.Create(ctx, "second0001", "b", "b"))

	a, err := s.Lookup(ctx, "first00001")
	require.NoError(t, err)
	b, err := s.Lookup(ctx, "second0001")
	require.NoError(t, err)

	require.Greater(t, b.ID, a.ID)
	require.Equal(t, "first00001", a.Token)
	require.False(t, a.CreatedAt.IsZero())
	require.True(t, a.CreatedAt.After(before), "created_at %v before %v", a.CreatedAt, before)
}

func TestIDsNeverReused(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, "reuse00001", "a", "a"))
	first, err := s.Lookup(ctx, "reuse00001")
	require.NoError(t, err)

	// simulate an out-of-band removal: AUTOINCREMENT must not hand the id out again
	_, err = s.DB().Exec(`DELETE FROM pastes WHERE token = ?`, "reuse00001")
	require.NoError(t, err)
	require.NoError(t, s.Create(ctx, "reuse00002", "b", "b"))
	second, err := s.Lookup(ctx, "reuse00002")
	require.NoError(t, err)
	require.Greater(t, second.ID, first.ID)
}

func TestConcurrentCreatesDistinctTokens(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	const n = 50

	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tok := fmt.Sprintf("conc%06d", i)
			errs <- s.Create(ctx, tok, "title "+tok, "body "+tok)
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
	for i := 0; i < n; i++ {
		tok := fmt.Sprintf("conc%06d", i)
		content, title, err := s.GetByToken(ctx, tok)
		require.NoError(t, err)
		require.Equal(t, "body "+tok, content)
		require.Equal(t, "title "+tok, title)
	}
}

func TestConcurrentCreatesSameToken(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	const n = 20

	var wg sync.WaitGroup
	results := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results <- s.Create(ctx, "samesame01", fmt.Sprint(i), fmt.Sprint(i))
		}(i)
	}
	wg.Wait()
	close(results)
	ok, conflicts := 0, 0
	for err := range results {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, domain.ErrTokenConflict):
			conflicts++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	require.Equal(t, 1, ok)
	require.Equal(t, n-1, conflicts)
}

func TestCanceledCallerStillCompletes(t *testing.T) {
	s := newTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, s.Create(ctx, "cancel0001", "t", "c"))
	content, err := s.GetContentByToken(context.Background(), "cancel0001")
	require.NoError(t, err)
	require.Equal(t, "c", content)
}

func TestStorageFailureIsIO(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.DB().Close())

	err := s.Create(ctx, "closed0001", "t", "c")
	require.Error(t, err)
	require.ErrorIs(t, err, domain.ErrStorage)
	require.NotErrorIs(t, err, domain.ErrTokenConflict)
	require.Equal(t, 500, domain.Status(err))

	_, _, err = s.GetByToken(ctx, "closed0001")
	require.ErrorIs(t, err, domain.ErrStorage)
	require.NotErrorIs(t, err, domain.ErrPasteNotFound)
}

func TestCircuitOpensAfterRepeatedFaults(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.DB().Close())

	for i := 0; i < maxFailures; i++ {
		_ = s.Create(ctx, fmt.Sprintf("fault%05d", i), "t", "c")
	}
	err := s.Create(ctx, "fault99999", "t", "c")
	require.ErrorIs(t, err, ErrCircuitOpen)
	require.ErrorIs(t, err, domain.ErrStorage)
}

func TestSchemaCreatedIdempotently(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reopen.db")
	s, err := NewSQLite(path)
	require.NoError(t, err)
	require.NoError(t, s.Create(context.Background(), "persist001", "kept", "across restarts"))
	require.NoError(t, s.Close())

	s, err = NewSQLite(path)
	require.NoError(t, err)
	defer s.Close()
	content, title, err := s.GetByToken(context.Background(), "persist001")
	require.NoError(t, err)
	require.Equal(t, "across restarts", content)
	require.Equal(t, "kept", title)
}

func TestCheckpointAndPing(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Ping(ctx))
	for i := 0; i < 10; i++ {
		require.NoError(t, s.Create(ctx, fmt.Sprintf("wal%07d", i), "t", "c"))
	}
	_, err := s.Checkpoint(ctx)
	require.NoError(t, err)
}

func TestWALMaintenanceStopsOnCancel(t *testing.T) {
	s := newTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		StartWALMaintenance(ctx, s, 10*time.Millisecond)
		close(done)
	}()
	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("WAL maintenance did not stop")
	}
}

func TestCorruptedFileRejected(t *testing.T) {
	path := filepath.Join(t.TempDir(), "corrupt.db")
	s, err := NewSQLite(path)
	require.NoError(t, err)
	require.NoError(t, s.Create(context.Background(), "corrupt001", "t", "c"))
	require.NoError(t, s.Close())

	f, err := os.OpenFile(path, os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteAt([]byte("CORRUPTED HEADER"), 0)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	_, err = NewSQLite(path)
	require.Error(t, err)
}

func TestIntegrityCheckDoesNotTakeStoreLock(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, "integ00001", "t", "c"))

	s.mu.Lock()
	defer s.mu.Unlock()
	done := make(chan error, 1)
	go func() { done <- s.verifyIntegrity(ctx) }()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("integrity check blocked on the store mutex")
	}
}

func TestPingFile(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	require.NoError(t, s.Create(ctx, "pingfile01", "t", "c"))
	require.NoError(t, PingFile(ctx, s.path))

	missing := filepath.Join(t.TempDir(), "missing.db")
	require.Error(t, PingFile(ctx, missing))
	_, err := os.Stat(missing)
	require.True(t, os.IsNotExist(err), "read-only ping must not create the file")

	empty := filepath.Join(t.TempDir(), "empty.db")
	require.NoError(t, os.WriteFile(empty, nil, 0o600))
	require.Error(t, PingFile(ctx, empty))
}
