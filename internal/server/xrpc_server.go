package server

import (
	"net/http"
	"strings"

	"github.com/earthboundkid/versioninfo/v2"
	"github.com/labstack/echo/v4"

	"github.com/harborlight/pds/internal/identity"
)

// handleDescribeServer returns server metadata: the node's did:web
// identity and the single handle it serves. There are no other user
// domains to advertise — this node hosts exactly one account.
// GET /xrpc/com.atproto.server.describeServer
func (s *Server) handleDescribeServer(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"did":                  s.did,
		"availableUserDomains": []string{},
		"inviteCodeRequired":   false,
		"version":              versioninfo.Short(),
	})
}

// handleCreateSession authenticates the node's single actor by
// password and returns a JWT token pair. identifier is accepted for
// wire compatibility but not checked against anything beyond the
// password — there is only one account this node will ever log in as.
// POST /xrpc/com.atproto.server.createSession
func (s *Server) handleCreateSession(c echo.Context) error {
	var req struct {
		Identifier string `json:"identifier"`
		Password   string `json:"password"`
	}
	if err := c.Bind(&req); err != nil {
		return errEnvelope(c, http.StatusBadRequest, "InvalidRequest", "invalid JSON body")
	}
	if req.Password == "" {
		return errEnvelope(c, http.StatusBadRequest, "InvalidRequest", "password is required")
	}

	tokens, err := s.verif.Login(c.Request().Context(), req.Password)
	if err != nil {
		return errEnvelope(c, http.StatusUnauthorized, "AuthenticationRequired", "invalid identifier or password")
	}

	return c.JSON(http.StatusOK, map[string]any{
		"did":        s.did,
		"handle":     s.cfg.Handle,
		"accessJwt":  tokens.AccessJwt,
		"refreshJwt": tokens.RefreshJwt,
	})
}

// handleRefreshSession issues a new token pair from a valid refresh token.
// POST /xrpc/com.atproto.server.refreshSession
func (s *Server) handleRefreshSession(c echo.Context) error {
	token := extractBearer(c)
	if token == "" {
		return errEnvelope(c, http.StatusUnauthorized, "AuthenticationRequired", "missing refresh token")
	}

	tokens, err := s.verif.Refresh(c.Request().Context(), token)
	if err != nil {
		return errEnvelope(c, http.StatusUnauthorized, "InvalidToken", "invalid or expired refresh token")
	}

	return c.JSON(http.StatusOK, map[string]any{
		"did":        s.did,
		"handle":     s.cfg.Handle,
		"accessJwt":  tokens.AccessJwt,
		"refreshJwt": tokens.RefreshJwt,
	})
}

// handleGetSession returns the current session's identity and DID document.
// GET /xrpc/com.atproto.server.getSession
func (s *Server) handleGetSession(c echo.Context) error {
	resp := map[string]any{
		"did":    s.did,
		"handle": s.cfg.Handle,
	}

	if pub, err := s.keys.PrivateKey().PublicKey(); err == nil {
		doc := identity.BuildDIDDocument(s.did, s.cfg.Handle, pub, s.cfg.Origin)
		resp["didDoc"] = doc
	}

	return c.JSON(http.StatusOK, resp)
}

// handleDeleteSession is a no-op for the stateless JWT session model.
// Clients should discard tokens locally.
// POST /xrpc/com.atproto.server.deleteSession
func (s *Server) handleDeleteSession(c echo.Context) error {
	return c.NoContent(http.StatusOK)
}

// handleResolveHandle answers resolveHandle for the node's one handle.
// GET /xrpc/com.atproto.identity.resolveHandle?handle=...
func (s *Server) handleResolveHandle(c echo.Context) error {
	handle := strings.ToLower(strings.TrimSpace(c.QueryParam("handle")))
	if handle == "" {
		return errEnvelope(c, http.StatusBadRequest, "InvalidRequest", "handle query parameter is required")
	}
	if handle != strings.ToLower(s.cfg.Handle) {
		return errEnvelope(c, http.StatusNotFound, "HandleNotFound", "no repository for handle: "+handle)
	}
	return c.JSON(http.StatusOK, map[string]string{"did": s.did})
}
