// Package api exposes the HTTP surface: onboarding, feeds, events,
// allocations, governance, and analytics, all behind bearer auth under the
// configured base path.
package api

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/tempora-io/tempora/internal/auth"
	"github.com/tempora-io/tempora/internal/config"
	"github.com/tempora-io/tempora/internal/governance"
	"github.com/tempora-io/tempora/internal/ics"
	"github.com/tempora-io/tempora/internal/onboarding"
	"github.com/tempora-io/tempora/internal/storage"
	"github.com/tempora-io/tempora/internal/telemetry"
)

type Server struct {
	cfg        *config.Config
	store      storage.Store
	onboarding *onboarding.Service
	feeds      *ics.Service
	scheduler  *ics.Scheduler
	governance *governance.Service
	metrics    *telemetry.Metrics
	logger     zerolog.Logger

	authMW func(http.Handler) http.Handler
}

func New(
	cfg *config.Config,
	store storage.Store,
	bearer *auth.BearerAuth,
	onboardingSvc *onboarding.Service,
	feedSvc *ics.Service,
	scheduler *ics.Scheduler,
	governanceSvc *governance.Service,
	metrics *telemetry.Metrics,
	logger zerolog.Logger,
) *Server {
	return &Server{
		cfg:        cfg,
		store:      store,
		onboarding: onboardingSvc,
		feeds:      feedSvc,
		scheduler:  scheduler,
		governance: governanceSvc,
		metrics:    metrics,
		logger:     logger.With().Str("component", "api").Logger(),
		authMW:     bearer.Middleware,
	}
}

func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.RequestID)
	r.Use(s.logRequests)
	r.Use(chimiddleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	}

	base := s.cfg.HTTP.BasePath
	if base == "" || base[0] != '/' {
		base = "/v1"
	}
	base = strings.TrimSuffix(base, "/")

	r.Route(base, func(r chi.Router) {
		r.Use(s.authMW)
		r.Use(s.countRequests)

		r.Route("/onboarding", func(r chi.Router) {
			r.Post("/session", s.handleCreateSession)
			r.Get("/session", s.handleGetSession)
			r.Post("/session/resume", s.handleResumeSession)
			r.Post("/session/account", s.handleAddSessionAccount)
			r.Patch("/session/account", s.handleUpdateSessionAccount)
			r.Post("/session/complete", s.handleCompleteSession)
			r.Get("/status", s.handleOnboardingStatus)
		})

		r.Route("/feeds", func(r chi.Router) {
			r.Post("/", s.handleAddFeed)
			r.Get("/", s.handleListFeeds)
			r.Post("/{id}/refresh", s.handleRefreshFeed)
			r.Get("/{id}/health", s.handleFeedHealth)
			r.Post("/{id}/upgrade", s.handleUpgradeFeed)
			r.Post("/downgrade", s.handleDowngradeFeed)
		})

		r.Get("/events", s.handleListEvents)
		r.Post("/events/{id}/allocation", s.handleCreateAllocation)
		r.Get("/events/{id}/allocation", s.handleGetAllocation)

		r.Post("/constraints", s.handleAddConstraint)
		r.Get("/constraints", s.handleListConstraints)
		r.Delete("/constraints/{id}", s.handleDeleteConstraint)

		r.Get("/sync/health", s.handleSyncHealth)

		r.Get("/cognitive-load", s.handleCognitiveLoad)
		r.Get("/context-switches", s.handleContextSwitches)
		r.Get("/deep-work", s.handleDeepWork)
		r.Get("/risk-scores", s.handleRiskScores)
		r.Get("/probabilistic-availability", s.handleAvailability)

		// Premium surfaces.
		r.Group(func(r chi.Router) {
			r.Use(requirePremium)

			r.Post("/vip-policies", s.handleCreateVipPolicy)
			r.Get("/vip-policies", s.handleListVipPolicies)
			r.Delete("/vip-policies/{id}", s.handleDeleteVipPolicy)

			r.Post("/commitments", s.handleCreateCommitment)
			r.Get("/commitments", s.handleListCommitments)
			r.Delete("/commitments/{id}", s.handleDeleteCommitment)
			r.Get("/commitments/{id}/status", s.handleCommitmentStatus)
			r.Post("/commitments/{id}/export", s.handleExportProof)

			r.Get("/proofs/*", s.handleDownloadProof)
		})
	})

	return r
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)

		ev := s.logger.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Dur("duration", time.Since(start)).
			Str("ip", r.RemoteAddr).
			Str("user_agent", r.UserAgent())
		if p, ok := auth.PrincipalFrom(r.Context()); ok {
			ev = ev.Str("user", p.UserID)
		}
		ev.Msg("request")
	})
}

func (s *Server) countRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.metrics == nil {
			next.ServeHTTP(w, r)
			return
		}
		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		route := chi.RouteContext(r.Context()).RoutePattern()
		s.metrics.HTTPRequests.WithLabelValues(r.Method, route, strconv.Itoa(ww.Status())).Inc()
	})
}

func requirePremium(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, ok := auth.PrincipalFrom(r.Context())
		if !ok || !p.Tier.Meets(auth.TierPremium) {
			writeError(w, http.StatusForbidden, "forbidden", "premium tier required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// partition resolves the caller's partition from the authenticated principal.
func (s *Server) partition(r *http.Request) (storage.Partition, string, error) {
	p, ok := auth.PrincipalFrom(r.Context())
	if !ok {
		return nil, "", fmt.Errorf("%w: no principal", storage.ErrInvalidArgument)
	}
	part, err := s.store.Partition(r.Context(), p.UserID)
	if err != nil {
		return nil, "", err
	}
	return part, p.UserID, nil
}

func (s *Server) userID(r *http.Request) (string, bool) {
	p, ok := auth.PrincipalFrom(r.Context())
	if !ok {
		return "", false
	}
	return p.UserID, true
}
