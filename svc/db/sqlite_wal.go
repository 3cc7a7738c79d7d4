package db

import (
	"context"
	"fmt"
	"time"

	"sharebin/svc/util"
)

const truncateThresholdPages = 1000

type CheckpointResult struct {
	Busy         int
	Log          int
	Checkpointed int
	Truncated    bool
}

// StartWALMaintenance checkpoints the WAL every interval until ctx is done,
// then runs one final checkpoint before returning.
func StartWALMaintenance(ctx context.Context, s *SQLite, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if _, err := s.Checkpoint(ctx); err != nil {
				util.Error().Err(err).Msg("WAL checkpoint failed")
			}
		case <-ctx.Done():
			finalCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			if _, err := s.Checkpoint(finalCtx); err != nil {
				util.Error().Err(err).Msg("final WAL checkpoint failed")
			}
			cancel()
			return
		}
	}
}

// Checkpoint runs a PASSIVE checkpoint, escalates to TRUNCATE when the log
// has grown or readers held pages back, and verifies integrity afterwards.
func (s *SQLite) Checkpoint(ctx context.Context) (CheckpointResult, error) {
	start := time.Now()
	res, err := s.checkpointLocked(ctx)
	if err != nil {
		return res, err
	}
	if err := s.verifyIntegrity(ctx); err != nil {
		util.Error().Err(err).Msg("CRITICAL: database integrity check failed after checkpoint")
		return res, fmt.Errorf("integrity check failed: %w", err)
	}
	util.Debug().Dur("duration", time.Since(start)).Msg("WAL checkpoint completed")
	return res, nil
}

func (s *SQLite) checkpointLocked(ctx context.Context) (CheckpointResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var res CheckpointResult
	err := s.db.QueryRowContext(ctx, "PRAGMA wal_checkpoint(PASSIVE)").Scan(&res.Busy, &res.Log, &res.Checkpointed)
	if err != nil {
		return res, fmt.Errorf("PASSIVE checkpoint failed: %w", err)
	}
	util.Debug().
		Int("busy", res.Busy).
		Int("log", res.Log).
		Int("checkpointed", res.Checkpointed).
		Msg("PASSIVE checkpoint result")
	if res.Log > truncateThresholdPages || res.Busy > 0 {
		util.Info().Msg("escalating to TRUNCATE checkpoint")
		err = s.db.QueryRowContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE)").Scan(&res.Busy, &res.Log, &res.Checkpointed)
		if err != nil {
			return res, fmt.Errorf("TRUNCATE checkpoint failed: %w", err)
		}
		res.Truncated = true
	}
	return res, nil
}

const integrityTimeout = 10 * time.Second

// verifyIntegrity runs quick_check on its own read-only connection so that
// request traffic keeps flowing through the store's mutex meanwhile.
func (s *SQLite) verifyIntegrity(ctx context.Context) error {
	if s.path == "" || s.path == ":memory:" {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, integrityTimeout)
	defer cancel()
	ro, err := openReadOnly(s.path)
	if err != nil {
		return fmt.Errorf("open read-only: %w", err)
	}
	defer ro.Close()
	var result string
	if err := ro.QueryRowContext(ctx, "PRAGMA quick_check").Scan(&result); err != nil {
		return fmt.Errorf("quick_check query failed: %w", err)
	}
	if result != "ok" {
		return fmt.Errorf("quick_check returned: %s", result)
	}
	return nil
}
