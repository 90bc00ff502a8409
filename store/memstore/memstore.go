// Package memstore is a reference in-memory implementation of store.Store.
// It exists so the engine is runnable and testable standalone; it is
// explicitly not the production persistence layer, which is expected to be
// a real database behind the REST API.
package memstore

import (
	"context"
	"sort"

	"github.com/mirrorbot/repo-mirror/internal/lock"
	"github.com/mirrorbot/repo-mirror/store"
)

// Store is a map-backed, concurrency-safe store.Store.
type Store struct {
	mu    lock.RWMutex
	pairs map[string]store.RepoPair
	logs  []store.SyncLogEntry
}

// New returns an empty Store.
func New() *Store {
	return &Store{pairs: make(map[string]store.RepoPair)}
}

// Seed registers a pair directly, bypassing any REST-layer validation. Used
// by tests and by standalone-mode bootstrapping from a config file.
func (s *Store) Seed(pair store.RepoPair) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pairs[pair.ID] = pair
}

// Remove deletes a pair, as the REST layer's delete endpoint would.
func (s *Store) Remove(pairID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pairs, pairID)
}

func (s *Store) GetAllRepoPairs(ctx context.Context) ([]store.RepoPair, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]store.RepoPair, 0, len(s.pairs))
	for _, p := range s.pairs {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) GetRepoPair(ctx context.Context, pairID string) (store.RepoPair, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.pairs[pairID]
	if !ok {
		return store.RepoPair{}, &store.Error{Op: "GetRepoPair", PairID: pairID, NotFound: true, Err: store.ErrNotFound}
	}
	return p, nil
}

func (s *Store) UpdateSyncStatus(ctx context.Context, pairID string, update store.StatusUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.pairs[pairID]
	if !ok {
		// the pair may have been deleted while the sync was running; not an error.
		return nil
	}
	p.LastSyncStatus = update.Status
	p.LastSyncError = update.Error
	p.LastSyncAt = update.SyncedAt
	p.SyncCount = update.SyncCount
	s.pairs[pairID] = p
	return nil
}

func (s *Store) AddSyncLog(ctx context.Context, entry store.SyncLogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logs = append(s.logs, entry)
	return nil
}

// Logs returns a copy of every log entry recorded so far, oldest first. Test
// helper; not part of store.Store.
func (s *Store) Logs() []store.SyncLogEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]store.SyncLogEntry, len(s.logs))
	copy(out, s.logs)
	return out
}

var _ store.Store = (*Store)(nil)
