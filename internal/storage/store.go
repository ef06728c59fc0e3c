// Package storage persists the recorded path as an append-only JSON log
// under a single key-value entry, so a restarted process can rebuild the
// in-flight session from its last flushed state.
package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"

	"github.com/kevinpatel18/location-tracker/internal/db"
	"github.com/kevinpatel18/location-tracker/internal/position"
)

// Store mirrors the durable log in memory and rewrites the whole entry on
// every append. A failed write leaves the previous durable entry intact:
// a crash loses at most the points not yet flushed, and never duplicates
// one.
type Store struct {
	kv  db.KV
	key string

	mu  sync.Mutex
	log []position.Fix
}

func NewStore(kv db.KV, key string) *Store {
	return &Store{kv: kv, key: key}
}

// LoadAll returns the durable log in stored order and resets the mirror to
// it. A missing entry is an empty log; a malformed one is treated as empty
// rather than poisoning the session.
func (s *Store) LoadAll(ctx context.Context) ([]position.Fix, error) {
	raw, ok, err := s.kv.Get(ctx, s.key)
	if err != nil {
		return nil, fmt.Errorf("path log read: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !ok || len(raw) == 0 {
		s.log = nil
		return nil, nil
	}

	var fixes []position.Fix
	if err := json.Unmarshal(raw, &fixes); err != nil {
		log.Printf("storage: discarding malformed path log under %q: %v", s.key, err)
		s.log = nil
		return nil, nil
	}
	s.log = fixes
	return append([]position.Fix(nil), fixes...), nil
}

// Append records one fix. The mirror gains the fix even when the flush
// fails, so a later append retries the whole log.
func (s *Store) Append(ctx context.Context, fix position.Fix) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.log = append(s.log, fix)
	raw, err := json.Marshal(s.log)
	if err != nil {
		return fmt.Errorf("path log encode: %w", err)
	}
	if err := s.kv.Set(ctx, s.key, raw); err != nil {
		return fmt.Errorf("path log write: %w", err)
	}
	return nil
}

// Clear erases the durable log. Reserved for explicit operator action; the
// session lifecycle never clears on its own.
func (s *Store) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.log = nil
	if err := s.kv.Delete(ctx, s.key); err != nil {
		return fmt.Errorf("path log clear: %w", err)
	}
	return nil
}

// Len reports the mirror size, including fixes not yet flushed.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.log)
}
