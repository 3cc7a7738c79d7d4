package db

import (
	"context"
	"database/sql"

	"github.com/pkg/errors"
)

func (s *SQLite) Ping(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var result int
	return s.db.QueryRowContext(ctx, "SELECT 1").Scan(&result)
}

// openReadOnly opens path without creating it and without running the schema
// migration. SQLite rejects writes on the returned handle.
func openReadOnly(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", "file:"+path+"?mode=ro")
	if err != nil {
		return nil, errors.Wrap(err, "open read-only")
	}
	db.SetMaxOpenConns(1)
	return db, nil
}

// PingFile checks that path is a readable paste database. It never creates
// the file or touches the schema, so it is safe against a live server.
func PingFile(ctx context.Context, path string) error {
	db, err := openReadOnly(path)
	if err != nil {
		return err
	}
	defer db.Close()
	var n int
	err = db.QueryRowContext(ctx, `SELECT count(*) FROM sqlite_master WHERE type = 'table' AND name = 'pastes'`).Scan(&n)
	if err != nil {
		return errors.Wrap(err, "query schema")
	}
	if n == 0 {
		return errors.New("pastes table missing")
	}
	return nil
}
