package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/BrandonDHaskell/parkwatch/internal/parking/store"
)

// Op is one mutating call recorded by the store.
type Op struct {
	Kind string // "write" | "update" | "append" | "transact"
	Path string
}

// FaultFunc lets tests fail individual calls. kind is "read" or one of
// the Op kinds.
type FaultFunc func(kind, path string) error

// Store is an in-memory key-path store. It implements store.Store and
// store.Transactor and is intended for tests, simulation and the dev
// server.
type Store struct {
	mu     sync.RWMutex
	leaves store.Leaves
	ops    []Op
	fault  FaultFunc
	hub    *store.Hub
}

func New() *Store {
	return &Store{
		leaves: store.Leaves{},
		hub:    store.NewHub(),
	}
}

// SetFault installs (or clears, with nil) a fault hook.
func (s *Store) SetFault(f FaultFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fault = f
}

// Ops returns a copy of every committed mutation. Test-only helper.
func (s *Store) Ops() []Op {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Op, len(s.ops))
	copy(out, s.ops)
	return out
}

func (s *Store) check(kind, path string) error {
	if s.fault == nil {
		return nil
	}
	return s.fault(kind, path)
}

func (s *Store) Read(_ context.Context, path string) (json.RawMessage, error) {
	p, err := store.CleanPath(path)
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check("read", p); err != nil {
		return nil, err
	}
	return s.readLocked(p)
}

func (s *Store) readLocked(p string) (json.RawMessage, error) {
	v, ok, err := store.Assemble(p, s.leaves)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%s: %w", p, store.ErrNotFound)
	}
	return v, nil
}

func (s *Store) Write(_ context.Context, path string, v any) error {
	p, err := store.CleanPath(path)
	if err != nil {
		return err
	}
	s.mu.Lock()
	if err := s.check("write", p); err != nil {
		s.mu.Unlock()
		return err
	}
	err = s.writeLocked(p, v)
	if err == nil {
		s.ops = append(s.ops, Op{Kind: "write", Path: p})
	}
	s.mu.Unlock()
	if err == nil {
		s.hub.Publish(p)
	}
	return err
}

func (s *Store) writeLocked(p string, v any) error {
	plan, err := store.PlanWrite(p, v, s.relatedKeys(p))
	if err != nil {
		return err
	}
	s.leaves.Apply(plan)
	return nil
}

func (s *Store) Update(_ context.Context, path string, fields map[string]any) error {
	p, err := store.CleanPath(path)
	if err != nil {
		return err
	}
	s.mu.Lock()
	if err := s.check("update", p); err != nil {
		s.mu.Unlock()
		return err
	}
	plan, err := store.PlanUpdate(p, fields, s.relatedKeys(p))
	if err == nil {
		s.leaves.Apply(plan)
		s.ops = append(s.ops, Op{Kind: "update", Path: p})
	}
	s.mu.Unlock()
	if err == nil {
		s.hub.Publish(p)
	}
	return err
}

func (s *Store) Append(_ context.Context, path string, v any) (string, error) {
	p, err := store.CleanPath(path)
	if err != nil {
		return "", err
	}
	id, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	key := id.String()
	child := store.Join(p, key)

	s.mu.Lock()
	if err := s.check("append", p); err != nil {
		s.mu.Unlock()
		return "", err
	}
	err = s.writeLocked(child, v)
	if err == nil {
		s.ops = append(s.ops, Op{Kind: "append", Path: p})
	}
	s.mu.Unlock()
	if err != nil {
		return "", err
	}
	s.hub.Publish(child)
	return key, nil
}

// Transact runs fn under the store lock, so no other writer can interleave
// between its read and its write.
func (s *Store) Transact(_ context.Context, path string, fn store.TxnFunc) error {
	p, err := store.CleanPath(path)
	if err != nil {
		return err
	}
	s.mu.Lock()
	if err := s.check("transact", p); err != nil {
		s.mu.Unlock()
		return err
	}
	cur, err := s.readLocked(p)
	if err != nil && !store.IsNotFound(err) {
		s.mu.Unlock()
		return err
	}
	next, err := fn(cur)
	if err == nil {
		err = s.writeLocked(p, next)
	}
	if err == nil {
		s.ops = append(s.ops, Op{Kind: "transact", Path: p})
	}
	s.mu.Unlock()
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
		return s.Read(ctx, p)
	}), nil
}

// relatedKeys returns keys at, under or above p. Caller holds mu.
func (s *Store) relatedKeys(p string) []string {
	anc := map[string]bool{}
	for _, a := range store.Ancestors(p) {
		anc[a] = true
	}
	var out []string
	for k := range s.leaves {
		if store.Under(k, p) || anc[k] {
			out = append(out, k)
		}
	}
	return out
}
