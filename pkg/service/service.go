// Package service composes the normalizer, artifact cache, build registry
// and compiler into the bundle operations exposed over HTTP.
//
// A request is normalized to a cache key and served from the cache when
// possible. On a miss the registry either joins the caller to the running
// build for that key or makes it the owner of a new one; the owner compiles
// in a goroutine detached from any request so departing clients never
// cancel work that other waiters depend on. A successful artifact is written
// to the cache before the registry wakes the waiters.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/gobwas/glob"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	"github.com/vyvo/bundlecdn/pkg/bundle"
	"github.com/vyvo/bundlecdn/pkg/cache"
	"github.com/vyvo/bundlecdn/pkg/compiler"
	"github.com/vyvo/bundlecdn/pkg/history"
	"github.com/vyvo/bundlecdn/pkg/normalize"
	"github.com/vyvo/bundlecdn/pkg/registry"
)

const tracerName = "github.com/vyvo/bundlecdn/pkg/service"

// Config wires a Service. Normalizer, Cache, Registry and Compiler are
// required.
type Config struct {
	Normalizer *normalize.Normalizer
	Cache      *cache.Store
	Registry   *registry.Registry
	Compiler   compiler.Compiler
	// History is optional; without it failed builds report Unknown once
	// they leave the registry.
	History history.Store

	// MaxDuration bounds a single compile. It should match the registry's
	// limit so the compiler is stopped when waiters are released.
	MaxDuration time.Duration
	// MaxConcurrent limits simultaneous compiles; builds beyond it stay
	// Queued. Zero means unlimited.
	MaxConcurrent int
	// AutoRetryTimeouts is how many times a timed-out build is started
	// again without an external request.
	AutoRetryTimeouts int

	Logger *slog.Logger
	Tracer trace.Tracer
	Now    func() time.Time
}

// Service implements the bundle operations.
type Service struct {
	normalizer *normalize.Normalizer
	cache      *cache.Store
	registry   *registry.Registry
	compiler   compiler.Compiler
	history    history.Store

	maxDuration time.Duration
	autoRetry   int
	sem         *semaphore.Weighted

	logger *slog.Logger
	tracer trace.Tracer
	now    func() time.Time

	builds sync.WaitGroup
}

// Result is the outcome of a bundle request.
type Result struct {
	Key bundle.Key
	// Artifact is set when the bundle is ready.
	Artifact *bundle.Artifact
	// State is set instead of Artifact for deferred requests whose build
	// is still running.
	State    bundle.BuildState
	CacheHit bool
	Joined   bool
}

// New validates cfg and returns a Service.
func New(cfg Config) (*Service, error) {
	switch {
	case cfg.Normalizer == nil:
		return nil, errors.New("service: normalizer is required")
	case cfg.Cache == nil:
		return nil, errors.New("service: cache is required")
	case cfg.Registry == nil:
		return nil, errors.New("service: registry is required")
	case cfg.Compiler == nil:
		return nil, errors.New("service: compiler is required")
	}

	s := &Service{
		normalizer:  cfg.Normalizer,
		cache:       cfg.Cache,
		registry:    cfg.Registry,
		compiler:    cfg.Compiler,
		history:     cfg.History,
		maxDuration: cfg.MaxDuration,
		autoRetry:   cfg.AutoRetryTimeouts,
		logger:      cfg.Logger,
		tracer:      cfg.Tracer,
		now:         cfg.Now,
	}
	if cfg.MaxConcurrent > 0 {
		s.sem = semaphore.NewWeighted(int64(cfg.MaxConcurrent))
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.tracer == nil {
		s.tracer = otel.Tracer(tracerName)
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s, nil
}

// RequestBundle returns the artifact for req, building it when needed. It
// blocks until the build finishes or ctx ends; ending ctx abandons the wait
// but never the build.
func (s *Service) RequestBundle(ctx context.Context, req normalize.Request) (Result, error) {
	ctx, span := s.tracer.Start(ctx, "bundle.request")
	defer span.End()

	spec, err := s.normalizer.Normalize(req)
	if err != nil {
		recordError(span, err)
		return Result{}, err
	}
	key := spec.Key()
	span.SetAttributes(attribute.String("bundle.key", string(key)))

	if art, err := s.cache.Get(ctx, key); err == nil {
		span.SetAttributes(attribute.Bool("bundle.cache_hit", true))
		return Result{Key: key, Artifact: &art, CacheHit: true}, nil
	}

	ticket, isNew := s.registry.AcquireOrJoin(key)
	if isNew {
		s.startBuild(ctx, ticket, spec, 0)
	}
	span.SetAttributes(attribute.Bool("bundle.joined", !isNew), attribute.String("bundle.build_id", ticket.BuildID()))

	out, err := ticket.Wait(ctx)
	if err != nil {
		s.logger.Info("client stopped waiting for build", "key", key, "buildID", ticket.BuildID(), "error", err)
		return Result{}, err
	}
	if out.Err != nil {
		recordError(span, out.Err)
		return Result{}, out.Err
	}
	return Result{Key: key, Artifact: out.Artifact, Joined: !isNew}, nil
}

// Submit starts or joins the build for req without waiting for it. A ready
// bundle is returned directly; otherwise Result.State reports progress.
func (s *Service) Submit(ctx context.Context, req normalize.Request) (Result, error) {
	spec, err := s.normalizer.Normalize(req)
	if err != nil {
		return Result{}, err
	}
	key := spec.Key()

	if art, err := s.cache.Get(ctx, key); err == nil {
		return Result{Key: key, Artifact: &art, CacheHit: true}, nil
	}

	ticket, isNew := s.registry.AcquireOrJoin(key)
	ticket.Release()
	if isNew {
		s.startBuild(ctx, ticket, spec, 0)
	}

	select {
	case <-ticket.Done():
		out := ticket.Outcome()
		if out.Err != nil {
			return Result{}, out.Err
		}
		return Result{Key: key, Artifact: out.Artifact, Joined: !isNew}, nil
	default:
	}
	return Result{Key: key, State: s.Status(ctx, key), Joined: !isNew}, nil
}

// StatusFor normalizes req and reports the state of its build.
func (s *Service) StatusFor(ctx context.Context, req normalize.Request) (bundle.BuildState, error) {
	key, err := s.normalizer.Key(req)
	if err != nil {
		return bundle.BuildState{}, err
	}
	return s.Status(ctx, key), nil
}

// Status reports the state of key without blocking on its build. A key
// with no running build, no cached artifact and no recorded failure is
// Unknown.
func (s *Service) Status(ctx context.Context, key bundle.Key) bundle.BuildState {
	if state, ok := s.registry.Status(key); ok {
		return state
	}
	if sum, ok := s.cache.Peek(ctx, key); ok {
		return bundle.BuildState{Key: key, Status: bundle.StatusReady, FinishedAt: sum.BuiltAt}
	}
	if s.history != nil {
		rec, err := s.history.Last(ctx, key)
		switch {
		case err == nil && rec.Status == bundle.StatusFailed:
			return rec.State()
		case err != nil && !errors.Is(err, history.ErrNotFound):
			s.logger.Error("read build history", "key", key, "error", err)
		}
	}
	return bundle.BuildState{Key: key, Status: bundle.StatusUnknown}
}

// Purge removes cached artifacts whose key matches the glob pattern. Builds
// in flight for matching keys are left alone and cache normally.
func (s *Service) Purge(ctx context.Context, pattern string) (int, error) {
	if pattern == "" {
		return 0, bundle.Invalid("purge pattern is required")
	}
	g, err := glob.Compile(pattern)
	if err != nil {
		return 0, bundle.Invalid("invalid purge pattern %q: %v", pattern, err)
	}
	removed, err := s.cache.Purge(ctx, func(k bundle.Key) bool { return g.Match(string(k)) })
	if err != nil {
		return removed, err
	}
	s.logger.Info("purged cache entries", "pattern", pattern, "removed", removed)
	return removed, nil
}

// Inspect lists the cached artifacts.
func (s *Service) Inspect(ctx context.Context) ([]cache.EntrySummary, error) {
	return s.cache.Entries(ctx)
}

// CacheStats returns the cache counters.
func (s *Service) CacheStats() cache.Stats {
	return s.cache.Stats()
}

// InFlight lists the builds currently tracked by the registry.
func (s *Service) InFlight() []bundle.BuildState {
	return s.registry.List()
}

// Builds lists recorded build outcomes, newest first.
func (s *Service) Builds(ctx context.Context, limit int) ([]history.Record, error) {
	if s.history == nil {
		return nil, nil
	}
	return s.history.List(ctx, limit)
}

// Shutdown waits for running builds to finish or ctx to end.
func (s *Service) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.builds.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("builds still running: %w", ctx.Err())
	}
}

func recordError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, string(bundle.KindOf(err)))
}

// safeCompile runs the compiler, converting a panic into an Internal error
// for this build only.
func (s *Service) safeCompile(ctx context.Context, spec bundle.BuildSpec) (art bundle.Artifact, err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("compiler panicked", "key", spec.Key(), "panic", r, "stack", string(debug.Stack()))
			err = bundle.Internal(fmt.Sprintf("compiler panic: %v", r), nil)
		}
	}()
	return s.compiler.Compile(ctx, spec)
}
