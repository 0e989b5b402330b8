package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/vyvo/bundlecdn/pkg/api"
	"github.com/vyvo/bundlecdn/pkg/bundle"
	"github.com/vyvo/bundlecdn/pkg/cache"
	"github.com/vyvo/bundlecdn/pkg/history"
	"github.com/vyvo/bundlecdn/pkg/normalize"
	"github.com/vyvo/bundlecdn/pkg/service"
)

const (
	maxMultiBody      = 1 << 20
	eventPollInterval = 250 * time.Millisecond
)

type server struct {
	svc          *service.Service
	logger       *slog.Logger
	waitTimeout  time.Duration
	pollInterval time.Duration
}

func newServer(svc *service.Service, logger *slog.Logger, waitTimeout time.Duration) *server {
	if logger == nil {
		logger = slog.Default()
	}
	if waitTimeout <= 0 {
		waitTimeout = 60 * time.Second
	}
	return &server{svc: svc, logger: logger, waitTimeout: waitTimeout, pollInterval: eventPollInterval}
}

func (s *server) routes() http.Handler {
	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middleware.Logger)
	router.Use(middleware.Recoverer)

	router.Get("/healthz", healthzHandler)
	router.Get(api.PathStandalone+"*", s.handleStandalone(false))
	router.Get(api.PathDebugStandalone+"*", s.handleStandalone(true))
	router.Post(api.PathMulti, s.handleMulti)
	router.Get(api.PathStatus, s.handleStatusByKey)
	router.Get(api.PathStatus+"/*", s.handleStatus)
	router.Get(api.PathEvents, s.handleEvents)
	return router
}

// adminRoutes serves the administrative API. Authentication is left to the
// network in front of admin_listen_addr.
func (s *server) adminRoutes() http.Handler {
	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.Logger)
	router.Use(middleware.Recoverer)

	router.Get("/healthz", healthzHandler)
	router.Post(api.PathPurge, s.handlePurge)
	router.Get(api.PathCache, s.handleCache)
	router.Get(api.PathBuilds, s.handleBuilds)
	return router
}

func healthzHandler(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, map[string]string{"status": "ok"}, http.StatusOK)
}

func (s *server) handleStandalone(debug bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		modules, ok := modulesFromPath(chi.URLParam(r, "*"))
		if !ok {
			respondError(w, http.StatusBadRequest, "module is required")
			return
		}
		opts := optionsFromQuery(r.URL.Query())
		if debug {
			opts[normalize.OptionDebug] = "true"
		}
		s.serveBundle(w, r, normalize.Request{Modules: modules, Options: opts})
	}
}

func (s *server) handleMulti(w http.ResponseWriter, r *http.Request) {
	var payload api.MultiRequest
	dec := json.NewDecoder(io.LimitReader(r.Body, maxMultiBody))
	if err := dec.Decode(&payload); err != nil {
		respondError(w, http.StatusBadRequest, fmt.Sprintf("invalid body: %v", err))
		return
	}

	opts := optionsFromQuery(r.URL.Query())
	for name, value := range payload.Options {
		switch v := value.(type) {
		case string:
			opts[name] = v
		case bool:
			opts[name] = strconv.FormatBool(v)
		case nil:
		default:
			respondError(w, http.StatusBadRequest, fmt.Sprintf("option %s must be a string or boolean", name))
			return
		}
	}
	s.serveBundle(w, r, normalize.Request{Versions: payload.Dependencies, Options: opts})
}

// serveBundle answers with the artifact, or with the build status when the
// client asked not to wait or the wait timed out.
func (s *server) serveBundle(w http.ResponseWriter, r *http.Request, req normalize.Request) {
	if wait, err := strconv.ParseBool(r.URL.Query().Get("wait")); err == nil && !wait {
		res, err := s.svc.Submit(r.Context(), req)
		if err != nil {
			s.respondBundleError(w, r, err)
			return
		}
		if res.Artifact == nil {
			respondPending(w, res.State)
			return
		}
		writeArtifact(w, r, *res.Artifact, cacheStatus(res))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.waitTimeout)
	defer cancel()

	res, err := s.svc.RequestBundle(ctx, req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && r.Context().Err() == nil {
			state, serr := s.svc.StatusFor(r.Context(), req)
			if serr != nil {
				s.respondBundleError(w, r, serr)
				return
			}
			respondPending(w, state)
			return
		}
		s.respondBundleError(w, r, err)
		return
	}
	writeArtifact(w, r, *res.Artifact, cacheStatus(res))
}

func (s *server) handleStatus(w http.ResponseWriter, r *http.Request) {
	modules, ok := modulesFromPath(chi.URLParam(r, "*"))
	if !ok {
		respondError(w, http.StatusBadRequest, "module is required")
		return
	}
	state, err := s.svc.StatusFor(r.Context(), normalize.Request{
		Modules: modules,
		Options: optionsFromQuery(r.URL.Query()),
	})
	if err != nil {
		s.respondBundleError(w, r, err)
		return
	}
	respondJSON(w, state, http.StatusOK)
}

func (s *server) handleStatusByKey(w http.ResponseWriter, r *http.Request) {
	key := strings.TrimSpace(r.URL.Query().Get("key"))
	if key == "" {
		respondError(w, http.StatusBadRequest, "key is required")
		return
	}
	respondJSON(w, s.svc.Status(r.Context(), bundle.Key(key)), http.StatusOK)
}

// handleEvents streams the state of ?key= as server-sent events until the
// build leaves Queued and Building or the client goes away.
func (s *server) handleEvents(w http.ResponseWriter, r *http.Request) {
	key := bundle.Key(strings.TrimSpace(r.URL.Query().Get("key")))
	if key == "" {
		respondError(w, http.StatusBadRequest, "key is required")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		respondError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	writer := bufio.NewWriter(w)
	var last *bundle.BuildState
	for {
		state := s.svc.Status(r.Context(), key)
		if last == nil || state.Status != last.Status || state.Waiters != last.Waiters {
			if err := writeEvent(writer, state); err != nil {
				s.logger.Warn("status stream write failed", "key", key, "error", err)
				return
			}
			flusher.Flush()
			last = &state
		}
		if state.Status != bundle.StatusQueued && state.Status != bundle.StatusBuilding {
			return
		}
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
		}
	}
}

func writeEvent(writer *bufio.Writer, state bundle.BuildState) error {
	payload, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal status: %w", err)
	}
	if _, err := writer.WriteString("data: "); err != nil {
		return err
	}
	if _, err := writer.Write(payload); err != nil {
		return err
	}
	if _, err := writer.WriteString("\n\n"); err != nil {
		return err
	}
	return writer.Flush()
}

func (s *server) handlePurge(w http.ResponseWriter, r *http.Request) {
	pattern := r.URL.Query().Get("pattern")
	removed, err := s.svc.Purge(r.Context(), pattern)
	if err != nil {
		s.respondBundleError(w, r, err)
		return
	}
	respondJSON(w, api.PurgeResponse{Pattern: pattern, Removed: removed}, http.StatusOK)
}

func (s *server) handleCache(w http.ResponseWriter, r *http.Request) {
	entries, err := s.svc.Inspect(r.Context())
	if err != nil {
		s.respondBundleError(w, r, err)
		return
	}
	if entries == nil {
		entries = []cache.EntrySummary{}
	}
	respondJSON(w, api.CacheResponse{Stats: s.svc.CacheStats(), Entries: entries}, http.StatusOK)
}

func (s *server) handleBuilds(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			respondError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	records, err := s.svc.Builds(r.Context(), limit)
	if err != nil {
		s.respondBundleError(w, r, err)
		return
	}
	if records == nil {
		records = []history.Record{}
	}
	inFlight := s.svc.InFlight()
	if inFlight == nil {
		inFlight = []bundle.BuildState{}
	}
	respondJSON(w, api.BuildsResponse{InFlight: inFlight, History: records}, http.StatusOK)
}

func (s *server) respondBundleError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, context.Canceled) && r.Context().Err() != nil {
		// The client is gone; nobody reads the response.
		return
	}
	berr := bundle.AsError(err)
	status := statusForKind(berr.Kind)
	if status == http.StatusInternalServerError {
		s.logger.Error("bundle request failed", "path", r.URL.Path, "requestID", middleware.GetReqID(r.Context()), "error", err)
	}
	respondJSON(w, api.ErrorResponse{Error: berr.Message, Kind: berr.Kind, Package: berr.Package}, status)
}

func statusForKind(kind bundle.Kind) int {
	switch kind {
	case bundle.KindInvalidRequest:
		return http.StatusBadRequest
	case bundle.KindCompile:
		return http.StatusUnprocessableEntity
	case bundle.KindTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func cacheStatus(res service.Result) string {
	switch {
	case res.CacheHit:
		return "HIT"
	case res.Joined:
		return "JOINED"
	default:
		return "MISS"
	}
}

func writeArtifact(w http.ResponseWriter, r *http.Request, art bundle.Artifact, cacheState string) {
	etag := art.ETag
	w.Header().Set("ETag", etag)
	w.Header().Set(api.HeaderBundleKey, string(art.Key))
	w.Header().Set(api.HeaderCache, cacheState)
	if !art.BuiltAt.IsZero() {
		w.Header().Set("Last-Modified", art.BuiltAt.UTC().Format(http.TimeFormat))
	}
	if etagMatches(r.Header.Get("If-None-Match"), etag) {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	contentType := art.ContentType
	if contentType == "" {
		contentType = bundle.DefaultContentType
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(art.Body)))
	w.WriteHeader(http.StatusOK)
	if r.Method != http.MethodHead {
		_, _ = w.Write(art.Body)
	}
}

func etagMatches(header, etag string) bool {
	if header == "" {
		return false
	}
	for _, candidate := range strings.Split(header, ",") {
		candidate = strings.TrimPrefix(strings.TrimSpace(candidate), "W/")
		if candidate == "*" || candidate == etag {
			return true
		}
	}
	return false
}

func respondPending(w http.ResponseWriter, state bundle.BuildState) {
	w.Header().Set("Location", api.PathStatus+"?key="+url.QueryEscape(string(state.Key)))
	w.Header().Set("Retry-After", "1")
	respondJSON(w, state, http.StatusAccepted)
}

// modulesFromPath splits "react@18,react-dom@18" into package entries.
func modulesFromPath(raw string) ([]string, bool) {
	raw = strings.Trim(raw, "/")
	if raw == "" {
		return nil, false
	}
	if unescaped, err := url.PathUnescape(raw); err == nil {
		raw = unescaped
	}
	var modules []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			modules = append(modules, part)
		}
	}
	return modules, len(modules) > 0
}

func optionsFromQuery(q url.Values) map[string]string {
	opts := make(map[string]string, 4)
	for _, name := range []string{
		normalize.OptionFormat,
		normalize.OptionMinify,
		normalize.OptionDebug,
		normalize.OptionStandalone,
	} {
		if v := q.Get(name); v != "" {
			opts[name] = v
		}
	}
	return opts
}

func respondJSON(w http.ResponseWriter, payload any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, api.ErrorResponse{Error: message}, status)
}
