// Package registry tracks in-flight bundle builds per cache key.
//
// The registry is the deduplication authority: AcquireOrJoin checks for and
// inserts an entry in one step under the key's shard lock, so concurrent
// requests for the same key produce exactly one owner. Terminal outcomes are
// broadcast by closing a per-build channel and the entry is removed in the
// same critical section; failures are never remembered here.
package registry

import (
	"errors"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vyvo/bundlecdn/pkg/bundle"
)

const shardCount = 32

var (
	// ErrStaleTicket reports a transition on a build the registry no longer
	// tracks. It indicates a broken invariant in the caller.
	ErrStaleTicket = errors.New("registry: ticket does not match the current build")
	// ErrFinished reports a transition on a build that already reached a
	// terminal state, typically because it was force-failed on timeout.
	ErrFinished = errors.New("registry: build already finished")
	// ErrNotOwner reports a transition attempted through a joined ticket.
	ErrNotOwner = errors.New("registry: only the owning ticket may drive a build")
	// ErrInvalidTransition reports a transition not allowed from the
	// current state.
	ErrInvalidTransition = errors.New("registry: invalid state transition")
)

// Config configures a Registry.
type Config struct {
	// MaxDuration force-fails builds that stay in Building longer than this.
	// Zero disables the limit.
	MaxDuration time.Duration
	Logger      *slog.Logger
	Now         func() time.Time
}

// Registry offers a sharded, threadsafe table of in-flight builds.
type Registry struct {
	shards      [shardCount]*shard
	maxDuration time.Duration
	logger      *slog.Logger
	now         func() time.Time
}

type shard struct {
	mu      sync.RWMutex
	entries map[bundle.Key]*entry
}

// New returns an empty registry.
func New(cfg Config) *Registry {
	r := &Registry{
		maxDuration: cfg.MaxDuration,
		logger:      cfg.Logger,
		now:         cfg.Now,
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	if r.now == nil {
		r.now = time.Now
	}
	for i := range r.shards {
		r.shards[i] = &shard{entries: make(map[bundle.Key]*entry)}
	}
	return r
}

func (r *Registry) shardFor(key bundle.Key) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return r.shards[h.Sum32()%shardCount]
}

// AcquireOrJoin returns a ticket for key. When no build is tracked the
// registry creates one in Queued and returns isNew=true: the caller owns the
// build and must drive it to Complete or Fail. Otherwise the caller joins the
// existing build and may only wait on the ticket. Every ticket, the owner's
// included, counts as a waiter until it is released.
func (r *Registry) AcquireOrJoin(key bundle.Key) (ticket *Ticket, isNew bool) {
	s := r.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.entries[key]; ok {
		e.waiters++
		return &Ticket{registry: r, key: key, entry: e}, false
	}

	e := &entry{
		id:        uuid.NewString(),
		status:    bundle.StatusQueued,
		createdAt: r.now().UTC(),
		waiters:   1,
		done:      make(chan struct{}),
	}
	s.entries[key] = e
	return &Ticket{registry: r, key: key, entry: e, owner: true}, true
}

// Status reports the state of the build tracked for key. The boolean is
// false when no build is in flight.
func (r *Registry) Status(key bundle.Key) (bundle.BuildState, bool) {
	s := r.shardFor(key)
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.entries[key]
	if !ok {
		return bundle.BuildState{}, false
	}
	return e.snapshot(key), true
}

// List returns the state of every in-flight build.
func (r *Registry) List() []bundle.BuildState {
	var states []bundle.BuildState
	for _, s := range r.shards {
		s.mu.RLock()
		for key, e := range s.entries {
			states = append(states, e.snapshot(key))
		}
		s.mu.RUnlock()
	}
	return states
}

// Len returns the number of in-flight builds.
func (r *Registry) Len() int {
	n := 0
	for _, s := range r.shards {
		s.mu.RLock()
		n += len(s.entries)
		s.mu.RUnlock()
	}
	return n
}

func (r *Registry) markBuilding(t *Ticket) error {
	s := r.shardFor(t.key)
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := r.checkCurrent(s, t); err != nil {
		return err
	}
	e := t.entry
	if e.status != bundle.StatusQueued {
		return ErrInvalidTransition
	}
	e.status = bundle.StatusBuilding
	e.startedAt = r.now().UTC()
	if r.maxDuration > 0 {
		e.timer = time.AfterFunc(r.maxDuration, func() { r.expire(t.key, e) })
	}
	return nil
}

func (r *Registry) finish(t *Ticket, status bundle.Status, out Outcome) error {
	s := r.shardFor(t.key)
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := r.checkCurrent(s, t); err != nil {
		return err
	}
	r.publish(s, t.key, t.entry, status, out)
	return nil
}

// expire force-fails e if it is still the tracked build for key.
func (r *Registry) expire(key bundle.Key, e *entry) {
	s := r.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.entries[key] != e {
		return
	}
	r.logger.Warn("build exceeded maximum duration",
		"key", key, "buildID", e.id, "limit", r.maxDuration, "waiters", e.waiters)
	r.publish(s, key, e, bundle.StatusFailed, Outcome{Err: bundle.TimedOut(key, r.maxDuration)})
}

// publish records the terminal outcome, removes the entry and wakes every
// waiter. Callers hold the shard lock.
func (r *Registry) publish(s *shard, key bundle.Key, e *entry, status bundle.Status, out Outcome) {
	if e.timer != nil {
		e.timer.Stop()
	}
	e.status = status
	e.finishedAt = r.now().UTC()
	e.outcome = out
	delete(s.entries, key)
	close(e.done)
}

// checkCurrent verifies t owns the build currently tracked for its key.
// Callers hold the shard lock.
func (r *Registry) checkCurrent(s *shard, t *Ticket) error {
	if !t.owner {
		return ErrNotOwner
	}
	select {
	case <-t.entry.done:
		return ErrFinished
	default:
	}
	if s.entries[t.key] != t.entry {
		r.logger.Error("registry invariant violated: build entry missing",
			"key", t.key, "buildID", t.entry.id)
		return ErrStaleTicket
	}
	return nil
}

func (r *Registry) leave(t *Ticket) {
	s := r.shardFor(t.key)
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.entries[t.key] == t.entry && t.entry.waiters > 0 {
		t.entry.waiters--
	}
}
