// Package server implements the node's XRPC surface: the fixed set of
// com.atproto methods a single-actor repository exposes, plus its two
// well-known identity documents. Unlike the teacher's multi-tenant
// router — which resolved a repo parameter to one of many pools and
// gated the whole management API behind one admin key — this router
// always operates against the single local Repository, and
// distinguishes writes naming a non-local repo (forwarded to the
// Dispatcher, per spec) from reads naming one (rejected as RepoNotFound).
package server

import (
	"context"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/harborlight/pds/internal/auth"
	"github.com/harborlight/pds/internal/blob"
	"github.com/harborlight/pds/internal/config"
	"github.com/harborlight/pds/internal/dispatcher"
	"github.com/harborlight/pds/internal/firehose"
	"github.com/harborlight/pds/internal/identity"
	"github.com/harborlight/pds/internal/keystore"
	"github.com/harborlight/pds/internal/metrics"
	"github.com/harborlight/pds/internal/ratelimit"
	"github.com/harborlight/pds/internal/repo"
)

// mutationRateLimit bounds each remote address to this many mutating
// XRPC calls (createRecord/putRecord/deleteRecord/uploadBlob/
// subscribeRepos) per window.
const (
	mutationRateLimit  = 60
	mutationRateWindow = time.Minute
)

// Server wires the single repository, its firehose, its blob store,
// and the Dispatcher behind an Echo router.
type Server struct {
	echo *echo.Echo
	cfg  *config.Config

	did   string
	repos *repo.Repository
	keys  *keystore.KeyStore
	fh    *firehose.Manager
	blobs *blob.Store
	disp  *dispatcher.Dispatcher
	verif auth.Verifier

	mutationLimiter *ratelimit.Limiter
}

// New constructs a Server for the node identified by did, ready to
// register routes and start serving.
func New(cfg *config.Config, did string, repos *repo.Repository, keys *keystore.KeyStore, fh *firehose.Manager, blobs *blob.Store, disp *dispatcher.Dispatcher, verif auth.Verifier) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.Logger())
	e.Use(requestMetricsMiddleware)

	s := &Server{
		echo:            e,
		cfg:             cfg,
		did:             did,
		repos:           repos,
		keys:            keys,
		fh:              fh,
		blobs:           blobs,
		disp:            disp,
		verif:           verif,
		mutationLimiter: ratelimit.New(mutationRateLimit, mutationRateWindow),
	}
	s.registerRoutes()
	return s
}

// requestMetricsMiddleware records a Prometheus counter for every XRPC
// request, labeled by the matched route (the NSID segment of the
// path) and the resulting HTTP status.
func requestMetricsMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		err := next(c)
		nsid := strings.TrimPrefix(c.Path(), "/xrpc/")
		metrics.Requests.WithLabelValues(nsid, http.StatusText(c.Response().Status)).Inc()
		return err
	}
}

// Start begins listening for HTTP requests. It blocks until the context
// is cancelled, then performs a graceful shutdown allowing in-flight
// requests to complete.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		log.Printf("Listening on %s", s.cfg.ListenAddr)
		if err := s.echo.Start(s.cfg.ListenAddr); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		log.Println("Shutting down HTTP server...")
		return s.echo.Shutdown(context.Background())
	}
}

// authContextKey is the Echo context key under which the authorized
// subject DID is stashed by requireAuth.
const authContextKey = "auth"

func getAuthDID(c echo.Context) string {
	did, _ := c.Get(authContextKey).(string)
	return did
}

// requireAuth validates a bearer credential — either the node's static
// service token (cfg.BearerToken) or a JWT access token issued by the
// Verifier — and stashes the authorized DID in the request context.
// There is only ever one DID this node will authorize: its own.
func (s *Server) requireAuth(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		token := extractBearer(c)
		if token == "" {
			return errEnvelope(c, http.StatusUnauthorized, "AuthenticationRequired", "missing bearer token")
		}
		if token == s.cfg.BearerToken {
			c.Set(authContextKey, s.did)
			return next(c)
		}
		did, err := s.verif.Authorize(c.Request().Context(), token)
		if err != nil {
			return errEnvelope(c, http.StatusUnauthorized, "InvalidToken", "invalid or expired token")
		}
		c.Set(authContextKey, did)
		return next(c)
	}
}

// extractBearer extracts the Bearer token from the Authorization header.
func extractBearer(c echo.Context) string {
	h := c.Request().Header.Get("Authorization")
	const prefix = "Bearer "
	if len(h) > len(prefix) && strings.EqualFold(h[:len(prefix)], prefix) {
		return h[len(prefix):]
	}
	return ""
}

// errEnvelope writes the uniform {error, message} JSON body used by
// every XRPC error response.
func errEnvelope(c echo.Context, status int, code, message string) error {
	return c.JSON(status, map[string]string{
		"error":   code,
		"message": message,
	})
}

// logInternal logs an unexpected error and returns a generic 500
// envelope — internal failure detail is never surfaced over the wire.
func logInternal(c echo.Context, context string, err error) error {
	log.Printf("server: %s: %v", context, err)
	return errEnvelope(c, http.StatusInternalServerError, "WriteFailed", "internal error")
}

// announceRelay fires a best-effort requestCrawl at a relay in the
// background; it never blocks or fails the calling request.
func (s *Server) announceRelay(relayURL string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := identity.AnnounceToRelay(ctx, relayURL, s.cfg.Origin); err != nil {
			log.Printf("server: relay announce: %v", err)
		}
	}()
}
