package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	dbpkg "github.com/BrandonDHaskell/parkwatch/internal/db"
	"github.com/BrandonDHaskell/parkwatch/internal/parking/store"
)

// Store persists leaves in the nodes table. Reads use the pool directly,
// every mutation goes through the single-writer Worker.
type Store struct {
	db     *sql.DB
	writer *dbpkg.Worker
	hub    *store.Hub
	now    func() time.Time
}

func New(db *sql.DB, writer *dbpkg.Worker) *Store {
	return &Store{
		db:     db,
		writer: writer,
		hub:    store.NewHub(),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func (s *Store) Read(ctx context.Context, path string) (json.RawMessage, error) {
	p, err := store.CleanPath(path)
	if err != nil {
		return nil, err
	}
	return readPath(ctx, s.db, p)
}

func readPath(ctx context.Context, q querier, p string) (json.RawMessage, error) {
	leaves, err := loadLeaves(ctx, q, p, false)
	if err != nil {
		return nil, err
	}
	v, ok, err := store.Assemble(p, leaves)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%s: %w", p, store.ErrNotFound)
	}
	return v, nil
}

// loadLeaves selects rows at and under p, and the ancestors of p when
// withAncestors is set.
func loadLeaves(ctx context.Context, q querier, p string, withAncestors bool) (store.Leaves, error) {
	lo, hi := store.ChildRange(p)
	query := `SELECT path, value FROM nodes WHERE path = ? OR (path >= ? AND path < ?)`
	args := []any{p, lo, hi}
	if anc := store.Ancestors(p); withAncestors && len(anc) > 0 {
		query += ` OR path IN (` + strings.TrimSuffix(strings.Repeat("?,", len(anc)), ",") + `)`
		for _, a := range anc {
			args = append(args, a)
		}
	}

	rows, err := q.QueryContext(ctx, query+";", args...)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", p, err)
	}
	defer rows.Close()

	leaves := store.Leaves{}
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("scan %s: %w", p, err)
		}
		leaves[k] = json.RawMessage(v)
	}
	return leaves, rows.Err()
}

func (s *Store) Write(ctx context.Context, path string, v any) error {
	p, err := store.CleanPath(path)
	if err != nil {
		return err
	}
	return s.mutate(ctx, p, func(existing []string) (store.Plan, error) {
		return store.PlanWrite(p, v, existing)
	})
}

func (s *Store) Update(ctx context.Context, path string, fields map[string]any) error {
	p, err := store.CleanPath(path)
	if err != nil {
		return err
	}
	return s.mutate(ctx, p, func(existing []string) (store.Plan, error) {
		return store.PlanUpdate(p, fields, existing)
	})
}

func (s *Store) Append(ctx context.Context, path string, v any) (string, error) {
	p, err := store.CleanPath(path)
	if err != nil {
		return "", err
	}
	id, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	child := store.Join(p, id.String())
	if err := s.mutate(ctx, child, func(existing []string) (store.Plan, error) {
		return store.PlanWrite(child, v, existing)
	}); err != nil {
		return "", err
	}
	return id.String(), nil
}

// Transact reads and writes inside one Worker transaction. The Worker is
// the only writer, so nothing else can commit between the two.
func (s *Store) Transact(ctx context.Context, path string, fn store.TxnFunc) error {
	p, err := store.CleanPath(path)
	if err != nil {
		return err
	}
	err = s.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		cur, err := readPath(ctx, tx, p)
		if err != nil && !store.IsNotFound(err) {
			return err
		}
		next, err := fn(cur)
		if err != nil {
			return err
		}
		return s.applyTx(ctx, tx, p, func(existing []string) (store.Plan, error) {
			return store.PlanWrite(p, next, existing)
		})
	})
	if err == nil {
		s.hub.Publish(p)
	}
	return err
}

func (s *Store) Subscribe(ctx context.Context, path string) (<-chan json.RawMessage, error) {
	p, err := store.CleanPath(path)
	if err != nil {
		return nil, err
	}
	return s.hub.Subscribe(ctx, p, func(ctx context.Context) (json.RawMessage, error) {
		return readPath(ctx, s.db, p)
	}), nil
}

func (s *Store) mutate(ctx context.Context, p string, plan func(existing []string) (store.Plan, error)) error {
	err := s.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		return s.applyTx(ctx, tx, p, plan)
	})
	if err == nil {
		s.hub.Publish(p)
	}
	return err
}

func (s *Store) applyTx(ctx context.Context, tx *sql.Tx, p string, plan func(existing []string) (store.Plan, error)) error {
	leaves, err := loadLeaves(ctx, tx, p, true)
	if err != nil {
		return err
	}
	existing := make([]string, 0, len(leaves))
	for k := range leaves {
		existing = append(existing, k)
	}
	pl, err := plan(existing)
	if err != nil {
		return err
	}

	nowMs := s.now().UnixMilli()
	for _, k := range pl.Delete {
		if _, err := tx.ExecContext(ctx, `DELETE FROM nodes WHERE path = ?;`, k); err != nil {
			return fmt.Errorf("delete %s: %w", k, err)
		}
	}
	for k, v := range pl.Put {
		if _, err := tx.ExecContext(ctx, `
INSERT INTO nodes(path, value, version, updated_at_ms) VALUES (?, ?, 1, ?)
ON CONFLICT(path) DO UPDATE SET
  value = excluded.value,
  version = nodes.version + 1,
  updated_at_ms = excluded.updated_at_ms;
`, k, string(v), nowMs); err != nil {
			return fmt.Errorf("put %s: %w", k, err)
		}
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO change_log(path, changed_at_ms) VALUES (?, ?);`, p, nowMs,
	); err != nil {
		return fmt.Errorf("change_log %s: %w", p, err)
	}
	return nil
}
