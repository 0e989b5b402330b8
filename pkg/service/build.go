package service

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/vyvo/bundlecdn/pkg/bundle"
	"github.com/vyvo/bundlecdn/pkg/history"
	"github.com/vyvo/bundlecdn/pkg/registry"
)

// startBuild drives an owned ticket to a terminal state in the background.
// reqCtx only links the build span to the request; its cancellation has no
// effect on the build.
func (s *Service) startBuild(reqCtx context.Context, ticket *registry.Ticket, spec bundle.BuildSpec, attempt int) {
	link := trace.LinkFromContext(reqCtx)
	createdAt := s.now()

	s.builds.Add(1)
	go func() {
		defer s.builds.Done()
		s.runBuild(link, ticket, spec, createdAt, attempt)
	}()
}

func (s *Service) runBuild(link trace.Link, ticket *registry.Ticket, spec bundle.BuildSpec, createdAt time.Time, attempt int) {
	key := ticket.Key()
	ctx, span := s.tracer.Start(context.Background(), "bundle.build",
		trace.WithLinks(link),
		trace.WithAttributes(
			attribute.String("bundle.key", string(key)),
			attribute.String("bundle.build_id", ticket.BuildID()),
			attribute.Int("bundle.attempt", attempt),
		))
	defer span.End()

	// A build that finished between the caller's cache miss and its
	// acquire has already stored its artifact.
	if art, err := s.cache.Get(ctx, key); err == nil {
		s.complete(ticket, art)
		return
	}

	if s.sem != nil {
		if err := s.sem.Acquire(ctx, 1); err != nil {
			s.fail(ticket, bundle.Internal("acquire build slot", err))
			return
		}
		defer s.sem.Release(1)
	}

	if err := ticket.MarkBuilding(); err != nil {
		s.logger.Error("mark build as building", "key", key, "buildID", ticket.BuildID(), "error", err)
		s.fail(ticket, bundle.Internal("build state transition failed", err))
		return
	}
	startedAt := s.now()
	s.logger.Info("build started", "key", key, "buildID", ticket.BuildID(), "attempt", attempt)

	compileCtx := ctx
	if s.maxDuration > 0 {
		var cancel context.CancelFunc
		compileCtx, cancel = context.WithTimeout(ctx, s.maxDuration)
		defer cancel()
	}
	art, err := s.safeCompile(compileCtx, spec)
	finishedAt := s.now()

	// History is written before waiters wake so a status poll that follows
	// the response already sees the outcome.
	if err != nil {
		berr := s.classify(compileCtx, key, err)
		recordError(span, berr)
		s.logger.Warn("build failed", "key", key, "buildID", ticket.BuildID(),
			"kind", berr.Kind, "package", berr.Package, "error", berr.Message, "duration", finishedAt.Sub(startedAt))
		s.record(ctx, history.NewRecord(ticket.BuildID(), key, createdAt, startedAt, finishedAt, berr))
		s.fail(ticket, berr)
		if berr.Kind == bundle.KindTimeout && attempt < s.autoRetry {
			s.retry(ctx, spec, attempt+1)
		}
		return
	}

	if art.Key != key || art.ETag == "" {
		art = bundle.NewArtifact(key, art.Body, art.ContentType, art.BuiltAt)
	}
	if err := s.cache.Put(ctx, art); err != nil {
		s.logger.Error("store artifact", "key", key, "error", err)
	}
	s.record(ctx, history.NewRecord(ticket.BuildID(), key, createdAt, startedAt, finishedAt, nil))
	s.complete(ticket, art)
	s.logger.Info("build finished", "key", key, "buildID", ticket.BuildID(), "size", art.Size, "duration", finishedAt.Sub(startedAt))
}

// classify maps a compiler error onto the bundle error taxonomy.
func (s *Service) classify(compileCtx context.Context, key bundle.Key, err error) *bundle.Error {
	if errors.Is(err, context.DeadlineExceeded) && compileCtx.Err() != nil {
		return bundle.TimedOut(key, s.maxDuration)
	}
	return bundle.AsError(err)
}

func (s *Service) complete(ticket *registry.Ticket, art bundle.Artifact) {
	err := ticket.Complete(art)
	switch {
	case err == nil:
	case errors.Is(err, registry.ErrFinished):
		// Force-failed on timeout; the artifact is cached for the next request.
		s.logger.Info("build finished after its waiters were released", "key", ticket.Key(), "buildID", ticket.BuildID())
	default:
		s.logger.Error("publish build result", "key", ticket.Key(), "buildID", ticket.BuildID(), "error", err)
	}
}

func (s *Service) fail(ticket *registry.Ticket, berr *bundle.Error) {
	err := ticket.Fail(berr)
	if err != nil && !errors.Is(err, registry.ErrFinished) {
		s.logger.Error("publish build failure", "key", ticket.Key(), "buildID", ticket.BuildID(), "error", err)
	}
}

func (s *Service) retry(ctx context.Context, spec bundle.BuildSpec, attempt int) {
	ticket, isNew := s.registry.AcquireOrJoin(spec.Key())
	ticket.Release()
	if !isNew {
		// Someone already asked again; their build covers the retry.
		return
	}
	s.logger.Info("retrying timed out build", "key", spec.Key(), "attempt", attempt)
	s.startBuild(ctx, ticket, spec, attempt)
}

func (s *Service) record(ctx context.Context, rec history.Record) {
	if s.history == nil {
		return
	}
	if err := s.history.Record(ctx, rec); err != nil {
		s.logger.Error("record build history", "key", rec.Key, "buildID", rec.ID, "error", err)
	}
}
