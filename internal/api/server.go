// Package api exposes the HTTP surface the mobile app talks to: push token
// registration, call credential resolution and call teardown. The surface is
// stateless; everything it returns comes from the orchestrator and the
// realtime store.
package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	mw "github.com/intercomd/intercomd/internal/api/middleware"
	"github.com/intercomd/intercomd/internal/session"
)

// CallService is the orchestrator surface the handlers call.
type CallService interface {
	Credentials(ctx context.Context, callToken string) (*session.CallRecord, error)
	EndCall(ctx context.Context, callToken string) error
	OutgoingCredentials(ctx context.Context) (string, *session.OutgoingRecord, error)
	OutgoingCleanup(ctx context.Context, outgoingToken string) error
}

// Registry is the push-registration surface backed by the realtime store.
type Registry interface {
	EnsureUser(ctx context.Context, id string) error
	SavePushToken(ctx context.Context, userID, token, platform, deviceID string) error
}

// Server holds HTTP handler dependencies and the chi router.
type Server struct {
	router   *chi.Mux
	calls    CallService
	registry Registry

	serviceName string
	baseURL     string
}

// NewServer creates the HTTP handler with all routes mounted. limiter may be
// nil to disable rate limiting (tests).
func NewServer(calls CallService, registry Registry, serviceName, baseURL string, limiter *mw.IPRateLimiter) *Server {
	s := &Server{
		router:      chi.NewRouter(),
		calls:       calls,
		registry:    registry,
		serviceName: serviceName,
		baseURL:     baseURL,
	}
	s.routes(limiter)
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes(limiter *mw.IPRateLimiter) {
	r := s.router

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(mw.StructuredLogger)
	if limiter != nil {
		r.Use(mw.RateLimit(limiter))
	}

	r.Get("/health", s.handleHealth)

	r.Post("/push/register", s.handlePushRegister)

	r.Route("/calls", func(r chi.Router) {
		r.Get("/credentials", s.handleCallCredentials)
		r.Post("/end", s.handleCallEnd)
		r.Post("/reject", s.handleCallEnd) // alias: the client treats both the same
		r.Post("/outgoing-credentials", s.handleOutgoingCredentials)
		r.Post("/outgoing-cleanup", s.handleOutgoingCleanup)
	})
}

// handleHealth reports liveness plus the base URL clients should use.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":      true,
		"service": s.serviceName,
		"config":  map[string]string{"baseUrl": s.baseURL},
	})
}
