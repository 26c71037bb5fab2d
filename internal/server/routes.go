package server

import (
	"encoding/json"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/harborlight/pds/internal/identity"
)

// registerRoutes sets up the node's public well-known documents and
// its XRPC surface. There is no management API: this node hosts
// exactly one repository, provisioned at startup, not created here.
func (s *Server) registerRoutes() {
	s.echo.GET("/xrpc/_health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
	s.echo.GET("/.well-known/did.json", s.handleDIDDocument)
	s.echo.GET("/.well-known/atproto-did", s.handleAtprotoDID)

	s.echo.GET("/xrpc/com.atproto.identity.resolveHandle", s.handleResolveHandle)
	s.echo.GET("/xrpc/com.atproto.server.describeServer", s.handleDescribeServer)

	s.echo.GET("/xrpc/com.atproto.repo.describeRepo", s.handleDescribeRepo)
	s.echo.GET("/xrpc/com.atproto.repo.getRecord", s.handleGetRecord)
	s.echo.GET("/xrpc/com.atproto.repo.listRecords", s.handleListRecords)
	s.echo.POST("/xrpc/com.atproto.repo.createRecord", s.requireAuth(s.mutationLimiter.Middleware(s.handleCreateRecord)))
	s.echo.POST("/xrpc/com.atproto.repo.putRecord", s.requireAuth(s.mutationLimiter.Middleware(s.handlePutRecord)))
	s.echo.POST("/xrpc/com.atproto.repo.deleteRecord", s.requireAuth(s.mutationLimiter.Middleware(s.handleDeleteRecord)))
	s.echo.POST("/xrpc/com.atproto.repo.uploadBlob", s.requireAuth(s.mutationLimiter.Middleware(s.handleUploadBlob)))

	s.echo.GET("/xrpc/com.atproto.sync.getRepo", s.handleGetRepo)
	s.echo.GET("/xrpc/com.atproto.sync.getLatestCommit", s.handleGetLatestCommit)
	s.echo.GET("/xrpc/com.atproto.sync.getBlob", s.handleGetBlob)
	s.echo.GET("/xrpc/com.atproto.sync.subscribeRepos", s.mutationLimiter.Middleware(s.handleSubscribeRepos))
	s.echo.POST("/xrpc/com.atproto.sync.requestCrawl", s.requireAuth(s.handleRequestCrawl))

	s.echo.POST("/xrpc/com.atproto.server.createSession", s.handleCreateSession)
	s.echo.POST("/xrpc/com.atproto.server.refreshSession", s.handleRefreshSession)
	s.echo.GET("/xrpc/com.atproto.server.getSession", s.requireAuth(s.handleGetSession))
	s.echo.POST("/xrpc/com.atproto.server.deleteSession", s.requireAuth(s.handleDeleteSession))
}

// handleHealth returns basic server health information.
func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"version": "0.1.0",
		"did":     s.did,
	})
}

// handleDIDDocument serves the node's DID document.
func (s *Server) handleDIDDocument(c echo.Context) error {
	pub, err := s.keys.PrivateKey().PublicKey()
	if err != nil {
		return logInternal(c, "did document: derive public key", err)
	}
	doc := identity.BuildDIDDocument(s.did, s.cfg.Handle, pub, s.cfg.Origin)
	body, err := json.Marshal(doc)
	if err != nil {
		return logInternal(c, "did document: marshal", err)
	}
	return c.Blob(http.StatusOK, "application/did+json", body)
}

// handleAtprotoDID serves the plaintext DID fallback document.
func (s *Server) handleAtprotoDID(c echo.Context) error {
	return c.String(http.StatusOK, s.did)
}
