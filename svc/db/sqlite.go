package db

import (
	"context"
	"database/sql"
	"sync"
	"sync/atomic"
	"time"

	"sharebin/pkg/domain"

	"github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
)

var ErrCircuitOpen = errors.New("database circuit breaker open")

const (
	circuitClosed   = 0
	circuitOpen     = 1
	circuitHalfOpen = 2
	maxFailures     = 5
	cooldownSeconds = 30
)

const defaultQueryTimeout = 5 * time.Second

// SQLite is the paste store. Every statement runs while holding mu, so the
// single connection never sees more than one in-flight read or write.
type SQLite struct {
	mu            sync.Mutex
	db            *sql.DB
	failures      int32
	circuitState  int32
	circuitOpened int64
	queryTimeout  time.Duration
	path          string
}

func (s *SQLite) DB() *sql.DB {
	return s.db
}
func NewSQLite(path string) (*SQLite, error) {
	return NewSQLiteWithConfig(path, defaultQueryTimeout)
}

func NewSQLiteWithConfig(path string, queryTimeout time.Duration) (*SQLite, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open db")
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "failed to ping db")
	}
	if queryTimeout <= 0 {
		queryTimeout = defaultQueryTimeout
	}
	s := &SQLite{
		db:           db,
		queryTimeout: queryTimeout,
		path:         path,
	}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "migration failed")
	}
	return s, nil
}
func (s *SQLite) checkCircuit() error {
	state := atomic.LoadInt32(&s.circuitState)
	switch state {
	case circuitOpen:
		opened := atomic.LoadInt64(&s.circuitOpened)
		if time.Now().Unix()-opened >= cooldownSeconds {
			if atomic.CompareAndSwapInt32(&s.circuitState, circuitOpen, circuitHalfOpen) {
				return nil
			}
		}
		return ErrCircuitOpen
	default:
		return nil
	}
}

// recordError feeds the breaker. Only storage faults count; a missing row or
// a duplicate token is a normal answer.
func (s *SQLite) recordError(err error) {
	if err == nil || errors.Is(err, sql.ErrNoRows) || isUniqueViolation(err) {
		atomic.StoreInt32(&s.failures, 0)
		atomic.StoreInt32(&s.circuitState, circuitClosed)
		return
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return
	}
	failures := atomic.AddInt32(&s.failures, 1)
	if atomic.LoadInt32(&s.circuitState) == circuitHalfOpen {
		atomic.StoreInt32(&s.circuitState, circuitOpen)
		atomic.StoreInt64(&s.circuitOpened, time.Now().Unix())
		atomic.StoreInt32(&s.failures, 0)
		return
	}
	if failures >= maxFailures && atomic.LoadInt32(&s.circuitState) == circuitClosed {
		atomic.StoreInt32(&s.circuitState, circuitOpen)
		atomic.StoreInt64(&s.circuitOpened, time.Now().Unix())
	}
}
func (s *SQLite) migrate() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return errors.Wrap(err, "enable WAL mode")
	}
	if _, err := s.db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		return errors.Wrap(err, "set busy timeout")
	}
	if _, err := s.db.Exec("PRAGMA synchronous=FULL"); err != nil {
		return errors.Wrap(err, "set synchronous mode")
	}
	query := `
	CREATE TABLE IF NOT EXISTS pastes (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		token TEXT NOT NULL UNIQUE,
		title TEXT NOT NULL,
		content TEXT NOT NULL,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);
	`
	_, err := s.db.Exec(query)
	return err
}

// queryContext detaches from caller cancellation: an aborted request does not
// interrupt a statement, its result is just discarded. The store's own
// timeout still applies.
func (s *SQLite) queryContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), s.queryTimeout)
}

// Create inserts a paste under a caller-chosen token. It returns
// domain.ErrTokenConflict when the token is taken and an error matching
// domain.ErrStorage for anything else that goes wrong.
func (s *SQLite) Create(ctx context.Context, token, title, content string) error {
	if err := s.checkCircuit(); err != nil {
		return domain.Storage("db create", err)
	}
	queryCtx, cancel := s.queryContext(ctx)
	defer cancel()
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(queryCtx,
		`INSERT INTO pastes (token, title, content) VALUES (?, ?, ?)`,
		token, title, content,
	)
	s.recordError(err)
	if err == nil {
		return nil
	}
	if isUniqueViolation(err) {
		return domain.ErrTokenConflict
	}
	return domain.Storage("db create", err)
}

// GetByToken returns the stored content and title for an exact token match.
func (s *SQLite) GetByToken(ctx context.Context, token string) (string, string, error) {
	var content, title string
	err := s.queryRow(ctx, "db get", `SELECT content, title FROM pastes WHERE token = ?`,
		[]any{token}, &content, &title)
	if err != nil {
		return "", "", err
	}
	return content, title, nil
}

// GetContentByToken reads only the content column.
func (s *SQLite) GetContentByToken(ctx context.Context, token string) (string, error) {
	var content string
	err := s.queryRow(ctx, "db get content", `SELECT content FROM pastes WHERE token = ?`,
		[]any{token}, &content)
	if err != nil {
		return "", err
	}
	return content, nil
}

// Lookup returns the whole row for rendering.
func (s *SQLite) Lookup(ctx context.Context, token string) (*domain.Paste, error) {
	var p domain.Paste
	var createdAt sql.NullTime
	err := s.queryRow(ctx, "db lookup",
		`SELECT id, token, title, content, created_at FROM pastes WHERE token = ?`,
		[]any{token}, &p.ID, &p.Token, &p.Title, &p.Content, &createdAt)
	if err != nil {
		return nil, err
	}
	if createdAt.Valid {
		p.CreatedAt = createdAt.Time.UTC()
	}
	return &p, nil
}
func (s *SQLite) queryRow(ctx context.Context, op, q string, args []any, dest ...any) error {
	if err := s.checkCircuit(); err != nil {
		return domain.Storage(op, err)
	}
	queryCtx, cancel := s.queryContext(ctx)
	defer cancel()
	s.mu.Lock()
	defer s.mu.Unlock()
	err := s.db.QueryRowContext(queryCtx, q, args...).Scan(dest...)
	s.recordError(err)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ErrPasteNotFound
	}
	return domain.Storage(op, err)
}
func (s *SQLite) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}
func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}
