// Package cache stores compiled bundles under their cache key.
//
// The Store keeps artifacts in a sharded in-memory map bounded by a byte
// budget and evicts least-recently-used entries lazily after insertion. An
// optional Backend adds a persistent or shared tier: writes go through to it
// and memory misses fall back to it.
package cache

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vyvo/bundlecdn/pkg/bundle"
)

const shardCount = 32

// ErrMiss reports that no artifact is stored for a key.
var ErrMiss = errors.New("cache: miss")

// Tier names reported in entry summaries.
const (
	TierMemory = "memory"
)

// Backend is a persistent or shared artifact tier behind the memory store.
type Backend interface {
	// Name identifies the tier in summaries and logs.
	Name() string
	// Get returns ErrMiss when nothing is stored and a CacheCorruption
	// error when the stored entry is unreadable.
	Get(ctx context.Context, key bundle.Key) (bundle.Artifact, error)
	Put(ctx context.Context, art bundle.Artifact) error
	Delete(ctx context.Context, key bundle.Key) error
	List(ctx context.Context) ([]EntrySummary, error)
	Close() error
}

// EntrySummary describes a stored artifact without its body.
type EntrySummary struct {
	Key          bundle.Key `json:"key" yaml:"key"`
	Size         int64      `json:"size" yaml:"size"`
	ContentType  string     `json:"content_type" yaml:"content_type"`
	ETag         string     `json:"etag" yaml:"etag"`
	BuiltAt      time.Time  `json:"built_at" yaml:"built_at"`
	LastAccessed time.Time  `json:"last_accessed,omitempty" yaml:"last_accessed,omitempty"`
	Tier         string     `json:"tier" yaml:"tier"`
	Compression  string     `json:"compression,omitempty" yaml:"compression,omitempty"`
}

// Stats are cumulative counters for a Store.
type Stats struct {
	Entries     int   `json:"entries" yaml:"entries"`
	Bytes       int64 `json:"bytes" yaml:"bytes"`
	Budget      int64 `json:"budget" yaml:"budget"`
	Hits        int64 `json:"hits" yaml:"hits"`
	Misses      int64 `json:"misses" yaml:"misses"`
	Evictions   int64 `json:"evictions" yaml:"evictions"`
	Corruptions int64 `json:"corruptions" yaml:"corruptions"`
}

// Config configures a Store.
type Config struct {
	// Budget bounds the total body size held in memory, in bytes.
	Budget  int64
	Backend Backend
	Logger  *slog.Logger
	Now     func() time.Time
}

// Store is a size-bounded LRU artifact cache, safe for concurrent use.
type Store struct {
	shards  [shardCount]*shard
	budget  int64
	backend Backend
	logger  *slog.Logger
	now     func() time.Time

	size    atomic.Int64
	tick    atomic.Int64
	evictMu sync.Mutex

	hits        atomic.Int64
	misses      atomic.Int64
	evictions   atomic.Int64
	corruptions atomic.Int64
}

type shard struct {
	mu      sync.RWMutex
	entries map[bundle.Key]*entry
}

type entry struct {
	artifact bundle.Artifact
	// lastUse orders entries for eviction; lastAccess is reported.
	lastUse    atomic.Int64
	lastAccess atomic.Int64
}

func (e *entry) summary() EntrySummary {
	return EntrySummary{
		Key:          e.artifact.Key,
		Size:         e.artifact.Size,
		ContentType:  e.artifact.ContentType,
		ETag:         e.artifact.ETag,
		BuiltAt:      e.artifact.BuiltAt,
		LastAccessed: time.Unix(0, e.lastAccess.Load()).UTC(),
		Tier:         TierMemory,
	}
}

func (s *Store) touch(e *entry) {
	e.lastUse.Store(s.tick.Add(1))
	e.lastAccess.Store(s.now().UnixNano())
}

// New returns an empty store.
func New(cfg Config) (*Store, error) {
	if cfg.Budget <= 0 {
		return nil, fmt.Errorf("cache budget must be positive, got %d", cfg.Budget)
	}
	s := &Store{
		budget:  cfg.Budget,
		backend: cfg.Backend,
		logger:  cfg.Logger,
		now:     cfg.Now,
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.now == nil {
		s.now = time.Now
	}
	for i := range s.shards {
		s.shards[i] = &shard{entries: make(map[bundle.Key]*entry)}
	}
	return s, nil
}

func (s *Store) shardFor(key bundle.Key) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return s.shards[h.Sum32()%shardCount]
}

// Get returns the artifact stored for key or ErrMiss. Unreadable backend
// entries are deleted and reported as misses so the caller rebuilds.
func (s *Store) Get(ctx context.Context, key bundle.Key) (bundle.Artifact, error) {
	sh := s.shardFor(key)
	sh.mu.RLock()
	e, ok := sh.entries[key]
	sh.mu.RUnlock()
	if ok {
		s.touch(e)
		s.hits.Add(1)
		return e.artifact, nil
	}

	if s.backend == nil {
		s.misses.Add(1)
		return bundle.Artifact{}, ErrMiss
	}

	art, err := s.backend.Get(ctx, key)
	switch {
	case err == nil:
		s.hits.Add(1)
		s.putMemory(art)
		s.EvictIfNeeded()
		return art, nil
	case errors.Is(err, ErrMiss):
	case errors.Is(err, bundle.ErrCacheCorruption):
		s.corruptions.Add(1)
		s.logger.Warn("evicting corrupted cache entry", "key", key, "tier", s.backend.Name(), "error", err)
		if derr := s.backend.Delete(ctx, key); derr != nil {
			s.logger.Error("delete corrupted cache entry", "key", key, "error", derr)
		}
	default:
		s.logger.Error("cache backend read failed", "key", key, "tier", s.backend.Name(), "error", err)
	}
	s.misses.Add(1)
	return bundle.Artifact{}, ErrMiss
}

// Peek reports the summary of the artifact stored for key without updating
// recency, promoting backend entries or counting a hit or miss.
func (s *Store) Peek(ctx context.Context, key bundle.Key) (EntrySummary, bool) {
	sh := s.shardFor(key)
	sh.mu.RLock()
	e, ok := sh.entries[key]
	sh.mu.RUnlock()
	if ok {
		return e.summary(), true
	}
	if s.backend == nil {
		return EntrySummary{}, false
	}
	art, err := s.backend.Get(ctx, key)
	if err != nil {
		return EntrySummary{}, false
	}
	return EntrySummary{
		Key:         key,
		Size:        art.Size,
		ContentType: art.ContentType,
		ETag:        art.ETag,
		BuiltAt:     art.BuiltAt,
		Tier:        s.backend.Name(),
	}, true
}

// Put stores art under its key, replacing any previous artifact, then
// evicts if the budget is exceeded. Artifacts larger than the whole budget
// are only written to the backend.
func (s *Store) Put(ctx context.Context, art bundle.Artifact) error {
	if art.Key == "" {
		return bundle.Internal("cache put without a key", nil)
	}
	s.putMemory(art)
	s.EvictIfNeeded()

	if s.backend != nil {
		if err := s.backend.Put(ctx, art); err != nil {
			return fmt.Errorf("cache backend %s put: %w", s.backend.Name(), err)
		}
	}
	return nil
}

func (s *Store) putMemory(art bundle.Artifact) {
	if art.Size > s.budget {
		s.logger.Warn("artifact exceeds cache budget, not kept in memory",
			"key", art.Key, "size", art.Size, "budget", s.budget)
		s.Delete(context.Background(), art.Key)
		return
	}

	e := &entry{artifact: art}
	s.touch(e)

	sh := s.shardFor(art.Key)
	sh.mu.Lock()
	if old, ok := sh.entries[art.Key]; ok {
		s.size.Add(-old.artifact.Size)
	}
	sh.entries[art.Key] = e
	s.size.Add(art.Size)
	sh.mu.Unlock()
}

// EvictIfNeeded removes least-recently-used memory entries until the held
// bytes fit the budget. It returns the number of entries evicted.
func (s *Store) EvictIfNeeded() int {
	if s.size.Load() <= s.budget {
		return 0
	}

	s.evictMu.Lock()
	defer s.evictMu.Unlock()

	if s.size.Load() <= s.budget {
		return 0
	}

	type candidate struct {
		key     bundle.Key
		entry   *entry
		lastUse int64
	}
	var candidates []candidate
	for _, sh := range s.shards {
		sh.mu.RLock()
		for key, e := range sh.entries {
			candidates = append(candidates, candidate{key: key, entry: e, lastUse: e.lastUse.Load()})
		}
		sh.mu.RUnlock()
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].lastUse < candidates[j].lastUse
	})

	evicted := 0
	for _, c := range candidates {
		if s.size.Load() <= s.budget {
			break
		}
		sh := s.shardFor(c.key)
		sh.mu.Lock()
		// Skip entries replaced or removed since the snapshot.
		if cur, ok := sh.entries[c.key]; ok && cur == c.entry {
			delete(sh.entries, c.key)
			s.size.Add(-cur.artifact.Size)
			evicted++
		}
		sh.mu.Unlock()
	}

	if evicted > 0 {
		s.evictions.Add(int64(evicted))
		s.logger.Debug("evicted cache entries", "count", evicted, "bytes", s.size.Load(), "budget", s.budget)
	}
	return evicted
}

// Delete removes key from memory and reports whether it was present there.
// It does not touch the backend.
func (s *Store) Delete(_ context.Context, key bundle.Key) bool {
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	e, ok := sh.entries[key]
	if !ok {
		return false
	}
	delete(sh.entries, key)
	s.size.Add(-e.artifact.Size)
	return true
}

// Purge removes every entry whose key matches from memory and the backend.
// It returns the number of distinct keys removed.
func (s *Store) Purge(ctx context.Context, match func(bundle.Key) bool) (int, error) {
	removed := make(map[bundle.Key]struct{})

	for _, sh := range s.shards {
		sh.mu.Lock()
		for key, e := range sh.entries {
			if match(key) {
				delete(sh.entries, key)
				s.size.Add(-e.artifact.Size)
				removed[key] = struct{}{}
			}
		}
		sh.mu.Unlock()
	}

	if s.backend != nil {
		stored, err := s.backend.List(ctx)
		if err != nil {
			return len(removed), fmt.Errorf("list cache backend %s: %w", s.backend.Name(), err)
		}
		for _, sum := range stored {
			if !match(sum.Key) {
				continue
			}
			if err := s.backend.Delete(ctx, sum.Key); err != nil {
				return len(removed), fmt.Errorf("delete %s from cache backend %s: %w", sum.Key, s.backend.Name(), err)
			}
			removed[sum.Key] = struct{}{}
		}
	}
	return len(removed), nil
}

// Entries lists every stored artifact, sorted by key. Keys held in memory
// are reported once with the memory tier.
func (s *Store) Entries(ctx context.Context) ([]EntrySummary, error) {
	seen := make(map[bundle.Key]struct{})
	var out []EntrySummary
	for _, sh := range s.shards {
		sh.mu.RLock()
		for key, e := range sh.entries {
			seen[key] = struct{}{}
			out = append(out, e.summary())
		}
		sh.mu.RUnlock()
	}

	if s.backend != nil {
		stored, err := s.backend.List(ctx)
		if err != nil {
			return nil, fmt.Errorf("list cache backend %s: %w", s.backend.Name(), err)
		}
		for _, sum := range stored {
			if _, ok := seen[sum.Key]; ok {
				continue
			}
			sum.Tier = s.backend.Name()
			out = append(out, sum)
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

// Stats returns a snapshot of the memory tier and the cumulative counters.
func (s *Store) Stats() Stats {
	return Stats{
		Entries:     s.Len(),
		Bytes:       s.size.Load(),
		Budget:      s.budget,
		Hits:        s.hits.Load(),
		Misses:      s.misses.Load(),
		Evictions:   s.evictions.Load(),
		Corruptions: s.corruptions.Load(),
	}
}

// Len returns the number of artifacts held in memory.
func (s *Store) Len() int {
	n := 0
	for _, sh := range s.shards {
		sh.mu.RLock()
		n += len(sh.entries)
		sh.mu.RUnlock()
	}
	return n
}

// Close releases the backend.
func (s *Store) Close() error {
	if s.backend == nil {
		return nil
	}
	return s.backend.Close()
}
