package server

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/packrat-io/packrat/pkg/auth"
	"github.com/packrat-io/packrat/pkg/blob"
	"github.com/packrat-io/packrat/pkg/clock"
	"github.com/packrat-io/packrat/pkg/kv"
	"github.com/packrat-io/packrat/pkg/log"
	"github.com/packrat-io/packrat/pkg/metadata"
	"github.com/packrat-io/packrat/pkg/metrics"
	"github.com/packrat-io/packrat/pkg/mirror"
	"github.com/packrat-io/packrat/pkg/security"
	"github.com/packrat-io/packrat/pkg/storage"
	"github.com/packrat-io/packrat/pkg/types"
)

// Enqueuer defers background work; satisfied by the job processor
type Enqueuer interface {
	Enqueue(ctx context.Context, job types.Job) error
}

// Syncer runs the repository sync engine; satisfied by reposync.Engine
type Syncer interface {
	Sync(ctx context.Context, repoID string) *types.SyncResult
}

// Options wires the server to its collaborators. Cache, Box, Jobs,
// Auth and Limiter may be nil; the matching features degrade.
type Options struct {
	Store    storage.Store
	Cache    kv.Cache
	Box      *security.Box
	Resolver *metadata.Resolver
	Mirror   *mirror.Mirror
	Syncer   Syncer
	Jobs     Enqueuer
	Auth     *auth.Authenticator
	Limiter  *auth.RateLimiter
	Clock    clock.Clock

	// BaseURL is the public origin clients reach the proxy on. Empty
	// means derive it per request from Host and X-Forwarded-Proto.
	BaseURL string
}

// Server is the HTTP front for the Composer protocol and the admin API
type Server struct {
	opts Options
	mux  *http.ServeMux
	srv  *http.Server
	bg   sync.WaitGroup
}

// NewServer assembles the router and middleware chain
func NewServer(opts Options) *Server {
	if opts.Clock == nil {
		opts.Clock = clock.Real{}
	}
	s := &Server{opts: opts, mux: http.NewServeMux()}
	s.routes()
	return s
}

func (s *Server) routes() {
	// Composer protocol
	s.mux.HandleFunc("GET /packages.json", s.composer(s.handleIndex))
	s.mux.HandleFunc("GET /p2/{vendor}/{file}", s.composer(s.handlePackageMetadata))
	s.mux.HandleFunc("GET /dist/m/{vendor}/{package}/{file}", s.composer(func(w http.ResponseWriter, r *http.Request) {
		s.serveDist(w, r, "")
	}))
	s.mux.HandleFunc("GET /dist/{repo}/{vendor}/{package}/{file}", s.composer(func(w http.ResponseWriter, r *http.Request) {
		s.serveDist(w, r, r.PathValue("repo"))
	}))

	// Package documentation
	s.mux.HandleFunc("GET /api/packages/{vendor}/{package}/{version}/readme", s.sideDoc(blob.SideReadme))
	s.mux.HandleFunc("GET /api/packages/{vendor}/{package}/{version}/changelog", s.sideDoc(blob.SideChangelog))

	// Admin API
	s.mux.HandleFunc("GET /api/repositories", s.handleListRepositories)
	s.mux.HandleFunc("POST /api/repositories", s.handleCreateRepository)
	s.mux.HandleFunc("GET /api/repositories/{id}", s.handleGetRepository)
	s.mux.HandleFunc("PUT /api/repositories/{id}", s.handleUpdateRepository)
	s.mux.HandleFunc("DELETE /api/repositories/{id}", s.handleDeleteRepository)
	s.mux.HandleFunc("POST /api/repositories/{id}/sync", s.handleSyncRepository)
	s.mux.HandleFunc("GET /api/tokens", s.handleListTokens)
	s.mux.HandleFunc("POST /api/tokens", s.handleCreateToken)
	s.mux.HandleFunc("DELETE /api/tokens/{id}", s.handleDeleteToken)
	s.mux.HandleFunc("GET /api/packages", s.handleListPackages)
	s.mux.HandleFunc("GET /api/stats", s.handleStats)
	s.mux.HandleFunc("GET /api/settings", s.handleGetSettings)
	s.mux.HandleFunc("PUT /api/settings", s.handleUpdateSettings)

	// Operational
	s.mux.Handle("GET /metrics", metrics.Handler())
	s.mux.Handle("GET /healthz", metrics.HealthHandler())
}

// Handler returns the full middleware chain, outermost first
func (s *Server) Handler() http.Handler {
	var h http.Handler = s.mux
	h = s.withAfterExecutor(h)
	h = s.withObservability(h)
	h = s.withRecovery(h)
	h = withRequestID(h)
	return h
}

// Start serves until the listener fails or Shutdown is called
func (s *Server) Start(addr string) error {
	s.srv = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	log.WithComponent("server").Info().Str("addr", addr).Msg("listening")
	err := s.srv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests and waits for background
// persistence tasks
func (s *Server) Shutdown(ctx context.Context) error {
	var err error
	if s.srv != nil {
		err = s.srv.Shutdown(ctx)
	}
	done := make(chan struct{})
	go func() {
		s.bg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return err
}

// baseURL resolves the public origin used when rewriting dist URLs
func (s *Server) baseURL(r *http.Request) string {
	if s.opts.BaseURL != "" {
		return strings.TrimSuffix(s.opts.BaseURL, "/")
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		scheme = proto
	}
	return scheme + "://" + r.Host
}

// composer gates a Composer-protocol handler: Composer 1.x clients
// are rejected because v1 provider semantics are not served.
func (s *Server) composer(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.UserAgent(), "Composer/1.") {
			writeError(w, r, &HTTPError{
				Status:  http.StatusNotAcceptable,
				Code:    "Not Acceptable",
				Message: "Composer 1.x is not supported, please upgrade to Composer 2",
			})
			return
		}
		next(w, r)
	}
}

// principal authenticates the request. Absent credentials yield a nil
// principal; presented-but-invalid credentials are an error.
func (s *Server) principal(r *http.Request) (auth.Principal, error) {
	if s.opts.Auth == nil {
		return nil, nil
	}
	p, err := s.opts.Auth.Authenticate(r.Context(), r)
	if err != nil {
		if err == auth.ErrNoCredentials {
			return nil, nil
		}
		return nil, err
	}
	return p, nil
}

// checkRate applies the hourly token budget. Sessions and anonymous
// requests are not limited.
func (s *Server) checkRate(ctx context.Context, p auth.Principal) error {
	tp, ok := p.(auth.TokenPrincipal)
	if !ok || s.opts.Limiter == nil {
		return nil
	}
	if !s.opts.Limiter.Allow(ctx, tp.TokenID, tp.RateLimitMax) {
		metrics.RateLimitRejections.Inc()
		return tooManyRequests()
	}
	return nil
}

// requireRead admits anonymous callers but rejects bad credentials
func (s *Server) requireRead(r *http.Request) (auth.Principal, error) {
	p, err := s.principal(r)
	if err != nil {
		return nil, err
	}
	if err := s.checkRate(r.Context(), p); err != nil {
		return nil, err
	}
	return p, nil
}

// requireAuth admits any valid principal
func (s *Server) requireAuth(r *http.Request) (auth.Principal, error) {
	p, err := s.requireRead(r)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, unauthorized("Authentication required")
	}
	return p, nil
}

// requireWrite admits principals allowed to mutate state
func (s *Server) requireWrite(r *http.Request) (auth.Principal, error) {
	p, err := s.requireAuth(r)
	if err != nil {
		return nil, err
	}
	if !auth.CanWrite(p) {
		return nil, forbidden("Write permission required")
	}
	return p, nil
}

// invalidateIndex drops the cached /packages.json so the next request
// rebuilds it from current repository state
func (s *Server) invalidateIndex(ctx context.Context) {
	if s.opts.Cache == nil {
		return
	}
	for _, key := range []string{kv.IndexKey, kv.IndexMetaKey} {
		if err := s.opts.Cache.Delete(ctx, key); err != nil {
			log.WithComponent("server").Warn().Err(err).Msg("failed to invalidate index cache")
		}
	}
}
