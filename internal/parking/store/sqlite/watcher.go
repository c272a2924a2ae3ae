package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"
)

// Watcher tails change_log so subscribers also see writes committed by
// other processes sharing the database file. It also prunes old entries.
type Watcher struct {
	store     *Store
	interval  time.Duration
	retention time.Duration
	logger    *slog.Logger
	lastID    int64
	ready     bool
}

func NewWatcher(s *Store, interval, retention time.Duration, logger *slog.Logger) *Watcher {
	if interval <= 0 {
		interval = time.Second
	}
	if retention <= 0 {
		retention = time.Hour
	}
	return &Watcher{store: s, interval: interval, retention: retention, logger: logger}
}

// Init positions the cursor at the newest change. Run calls it when the
// caller has not.
func (w *Watcher) Init(ctx context.Context) error {
	if err := w.store.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(id), 0) FROM change_log;`).Scan(&w.lastID); err != nil {
		return fmt.Errorf("change_log cursor: %w", err)
	}
	w.ready = true
	return nil
}

// Run blocks until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	if !w.ready {
		if err := w.Init(ctx); err != nil {
			return err
		}
	}

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	pruneEvery := int(w.retention/w.interval) + 1
	ticks := 0

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		if err := w.poll(ctx); err != nil {
			w.logger.Warn("change_log poll failed", "err", err)
		}
		if ticks++; ticks%pruneEvery == 0 {
			cutoff := w.store.now().Add(-w.retention)
			if n, err := w.store.PruneChangesOlderThan(ctx, cutoff); err != nil {
				w.logger.Warn("change_log prune failed", "err", err)
			} else if n > 0 {
				w.logger.Debug("change_log pruned", "rows", n)
			}
		}
	}
}

func (w *Watcher) poll(ctx context.Context) error {
	rows, err := w.store.db.QueryContext(ctx,
		`SELECT id, path FROM change_log WHERE id > ? ORDER BY id;`, w.lastID)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			id   int64
			path string
		)
		if err := rows.Scan(&id, &path); err != nil {
			return err
		}
		w.lastID = id
		w.store.hub.Publish(path)
	}
	return rows.Err()
}

// PruneChangesOlderThan deletes change_log rows before cutoff and returns
// how many were removed.
func (s *Store) PruneChangesOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	var deleted int64
	err := s.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`DELETE FROM change_log WHERE changed_at_ms < ?;`, cutoff.UTC().UnixMilli())
		if err != nil {
			return fmt.Errorf("PruneChangesOlderThan: %w", err)
		}
		deleted, _ = res.RowsAffected()
		return nil
	})
	return deleted, err
}
