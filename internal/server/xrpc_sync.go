package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
)

// wsUpgrader allows any origin — the firehose is a public endpoint.
var wsUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// subscriberWriteDeadline bounds how long a single frame write to a
// subscriber may block; a subscriber that can't keep up is dropped
// rather than allowed to stall the writer.
const subscriberWriteDeadline = 5 * time.Second

// handleGetRepo streams the full repository as a CAR v1 archive.
// GET /xrpc/com.atproto.sync.getRepo?did=...
func (s *Server) handleGetRepo(c echo.Context) error {
	did := c.QueryParam("did")
	if did == "" {
		return errEnvelope(c, http.StatusBadRequest, "InvalidRequest", "did query parameter is required")
	}
	if did != s.did {
		return errEnvelope(c, http.StatusNotFound, "RepoNotFound", "repository not found: "+did)
	}

	ctx := c.Request().Context()
	c.Response().Header().Set("Content-Type", "application/vnd.ipld.car")
	c.Response().WriteHeader(http.StatusOK)

	if err := s.repos.ExportRepo(ctx, c.Response().Writer); err != nil {
		// Headers are already on the wire — nothing left to do but log.
		logInternal(c, "export repo", err)
		return nil
	}
	return nil
}

// handleGetLatestCommit returns the current commit CID and rev.
// GET /xrpc/com.atproto.sync.getLatestCommit?did=...
func (s *Server) handleGetLatestCommit(c echo.Context) error {
	did := c.QueryParam("did")
	if did == "" {
		return errEnvelope(c, http.StatusBadRequest, "InvalidRequest", "did query parameter is required")
	}
	if did != s.did {
		return errEnvelope(c, http.StatusNotFound, "RepoNotFound", "repository not found: "+did)
	}

	commitCID, rev, err := s.repos.GetRoot(c.Request().Context())
	if err != nil {
		return logInternal(c, "get latest commit", err)
	}
	return c.JSON(http.StatusOK, map[string]string{
		"cid": commitCID,
		"rev": rev,
	})
}

// handleSubscribeRepos is the AT Protocol firehose WebSocket endpoint.
// It upgrades to WebSocket, subscribes to the firehose Manager, and
// streams pre-serialized CBOR frames. An optional cursor query
// parameter enables replay of historical events.
// GET /xrpc/com.atproto.sync.subscribeRepos?cursor=...
func (s *Server) handleSubscribeRepos(c echo.Context) error {
	if s.fh == nil {
		return errEnvelope(c, http.StatusNotImplemented, "MethodNotImplemented", "firehose not available")
	}

	var since *int64
	if cursorStr := c.QueryParam("cursor"); cursorStr != "" {
		n, err := strconv.ParseInt(cursorStr, 10, 64)
		if err != nil {
			return errEnvelope(c, http.StatusBadRequest, "InvalidRequest", "cursor must be an integer")
		}
		since = &n
	}

	ws, err := wsUpgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		logInternal(c, "websocket upgrade", err)
		return nil
	}
	defer ws.Close()

	ctx := c.Request().Context()

	ch, cancel, err := s.fh.Subscribe(ctx, since)
	if err != nil {
		logInternal(c, "firehose subscribe", err)
		return nil
	}
	defer cancel()

	// Read goroutine: detects client disconnect (subscribeRepos is a
	// one-way stream, but a closed/broken socket still has to unblock us).
	disconnected := make(chan struct{})
	go func() {
		defer close(disconnected)
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case frame, ok := <-ch:
			if !ok {
				return nil
			}
			ws.SetWriteDeadline(time.Now().Add(subscriberWriteDeadline))
			if err := ws.WriteMessage(websocket.BinaryMessage, frame); err != nil {
				// Slow or gone — drop this subscriber, the others are unaffected.
				return nil
			}
		case <-disconnected:
			return nil
		case <-ctx.Done():
			return nil
		}
	}
}

// handleRequestCrawl accepts a relay crawl request and announces this
// node to the named relay. POST /xrpc/com.atproto.sync.requestCrawl
func (s *Server) handleRequestCrawl(c echo.Context) error {
	var req struct {
		Hostname string `json:"hostname"`
	}
	if err := c.Bind(&req); err != nil {
		return errEnvelope(c, http.StatusBadRequest, "InvalidRequest", "invalid JSON body")
	}
	if req.Hostname == "" {
		return errEnvelope(c, http.StatusBadRequest, "InvalidRequest", "hostname is required")
	}

	s.announceRelay("https://" + req.Hostname)
	return c.NoContent(http.StatusOK)
}
