package history

import (
	"context"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/vyvo/bundlecdn/pkg/bundle"
)

// MemStore keeps the most recent records in memory, bounded in count.
type MemStore struct {
	byID  *lru.Cache[string, Record]
	byKey *lru.Cache[bundle.Key, Record]
}

// NewMemStore keeps at most size records.
func NewMemStore(size int) (*MemStore, error) {
	byID, err := lru.New[string, Record](size)
	if err != nil {
		return nil, fmt.Errorf("create history cache: %w", err)
	}
	byKey, err := lru.New[bundle.Key, Record](size)
	if err != nil {
		return nil, fmt.Errorf("create history cache: %w", err)
	}
	return &MemStore{byID: byID, byKey: byKey}, nil
}

func (s *MemStore) Record(_ context.Context, rec Record) error {
	s.byID.Add(rec.ID, rec)
	s.byKey.Add(rec.Key, rec)
	return nil
}

func (s *MemStore) Last(_ context.Context, key bundle.Key) (Record, error) {
	rec, ok := s.byKey.Peek(key)
	if !ok {
		return Record{}, ErrNotFound
	}
	return rec, nil
}

func (s *MemStore) List(_ context.Context, limit int) ([]Record, error) {
	// Values are ordered oldest to newest.
	values := s.byID.Values()
	out := make([]Record, 0, len(values))
	for i := len(values) - 1; i >= 0; i-- {
		if limit > 0 && len(out) == limit {
			break
		}
		out = append(out, values[i])
	}
	return out, nil
}

func (s *MemStore) Close() error {
	s.byID.Purge()
	s.byKey.Purge()
	return nil
}
