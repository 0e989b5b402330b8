package registry

import (
	"context"
	"sync"
	"time"

	"github.com/vyvo/bundlecdn/pkg/bundle"
)

// Outcome is the terminal result of a build. Exactly one of Artifact and Err
// is set.
type Outcome struct {
	Artifact *bundle.Artifact
	Err      *bundle.Error
}

type entry struct {
	id         string
	status     bundle.Status
	createdAt  time.Time
	startedAt  time.Time
	finishedAt time.Time
	waiters    int
	timer      *time.Timer

	// done is closed exactly once, after outcome is set.
	done    chan struct{}
	outcome Outcome
}

func (e *entry) snapshot(key bundle.Key) bundle.BuildState {
	return bundle.BuildState{
		Key:       key,
		BuildID:   e.id,
		Status:    e.status,
		CreatedAt: e.createdAt,
		StartedAt: e.startedAt,
		Waiters:   e.waiters,
	}
}

// Ticket is a caller's handle on one build. The owning ticket drives the
// state machine; joined tickets can only wait.
type Ticket struct {
	registry *Registry
	key      bundle.Key
	entry    *entry
	owner    bool
	leave    sync.Once
}

// Key returns the cache key of the build.
func (t *Ticket) Key() bundle.Key { return t.key }

// BuildID returns the unique identifier of this build attempt.
func (t *Ticket) BuildID() string { return t.entry.id }

// Owner reports whether this ticket drives the build.
func (t *Ticket) Owner() bool { return t.owner }

// Done is closed once the build reaches a terminal state.
func (t *Ticket) Done() <-chan struct{} { return t.entry.done }

// Outcome returns the terminal outcome. It must only be called after Done
// is closed.
func (t *Ticket) Outcome() Outcome {
	<-t.entry.done
	return t.entry.outcome
}

// Wait blocks until the build finishes or ctx is done. When ctx ends first
// the ticket stops counting as a waiter; the build itself continues.
func (t *Ticket) Wait(ctx context.Context) (Outcome, error) {
	select {
	case <-t.entry.done:
		return t.entry.outcome, nil
	case <-ctx.Done():
		t.Release()
		return Outcome{}, ctx.Err()
	}
}

// Release stops counting the ticket as a waiter. It is safe to call more
// than once. Releasing the owner's ticket does not stop it from driving the
// build.
func (t *Ticket) Release() {
	t.leave.Do(func() { t.registry.leave(t) })
}

// MarkBuilding moves the build from Queued to Building and arms the
// maximum duration timer.
func (t *Ticket) MarkBuilding() error {
	return t.registry.markBuilding(t)
}

// Complete publishes a successful build to every waiter.
func (t *Ticket) Complete(artifact bundle.Artifact) error {
	return t.registry.finish(t, bundle.StatusReady, Outcome{Artifact: &artifact})
}

// Fail publishes a failed build to every waiter. The registry keeps no
// record of the failure, so the next request for the key starts afresh.
func (t *Ticket) Fail(err *bundle.Error) error {
	if err == nil {
		err = bundle.Internal("build failed without an error", nil)
	}
	return t.registry.finish(t, bundle.StatusFailed, Outcome{Err: err})
}
