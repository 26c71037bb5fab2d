package server

import (
	"context"
	"errors"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/harborlight/pds/internal/contentsrc"
	"github.com/harborlight/pds/internal/firehose"
	"github.com/harborlight/pds/internal/metrics"
	"github.com/harborlight/pds/internal/repo"
)

// --- createRecord ---

type createRecordRequest struct {
	Repo       string         `json:"repo"`
	Collection string         `json:"collection"`
	RKey       string         `json:"rkey"`
	Record     map[string]any `json:"record"`
	SwapCommit *string        `json:"swapCommit"`
	SwapRecord *string        `json:"swapRecord"`
}

func (s *Server) handleCreateRecord(c echo.Context) error {
	var req createRecordRequest
	if err := c.Bind(&req); err != nil {
		return errEnvelope(c, http.StatusBadRequest, "InvalidRequest", "invalid JSON body")
	}
	if req.Repo == "" || req.Collection == "" || req.Record == nil {
		return errEnvelope(c, http.StatusBadRequest, "InvalidRequest", "repo, collection, and record are required")
	}
	if req.SwapRecord != nil {
		// A create has no prior record to swap against.
		return errEnvelope(c, http.StatusBadRequest, "InvalidRequest", "swapRecord is not accepted by createRecord")
	}

	ctx := c.Request().Context()

	if req.Repo != s.did {
		// A write against a non-local repo is a federated record this
		// node is being handed, not a mutation to apply locally.
		return s.forwardWrite(c, req.Repo, req.Collection, req.RKey, req.Record)
	}

	rkey := req.RKey
	var uri string
	var result *repo.CommitResult
	var err error

	s.repos.Lock()
	defer s.repos.Unlock()

	if rkey != "" {
		uri, result, err = s.repos.PutRecord(ctx, req.Collection, rkey, req.Record, nil)
	} else {
		uri, result, err = s.repos.CreateRecord(ctx, req.Collection, req.Record, req.SwapCommit)
	}
	if err != nil {
		return writeErr(c, err)
	}

	s.emitCommitEvent(ctx, result)
	return c.JSON(http.StatusOK, map[string]any{
		"uri": uri,
		"cid": recordCID(result),
		"commit": map[string]string{
			"cid": result.CommitCID,
			"rev": result.Rev,
		},
	})
}

// --- getRecord ---

func (s *Server) handleGetRecord(c echo.Context) error {
	repoID := c.QueryParam("repo")
	collection := c.QueryParam("collection")
	rkey := c.QueryParam("rkey")
	if repoID == "" || collection == "" || rkey == "" {
		return errEnvelope(c, http.StatusBadRequest, "InvalidRequest", "repo, collection, and rkey query parameters are required")
	}
	if repoID != s.did {
		return errEnvelope(c, http.StatusNotFound, "RepoNotFound", "repository not found: "+repoID)
	}

	cidStr, record, err := s.repos.GetRecord(c.Request().Context(), collection, rkey)
	if err != nil {
		if errors.Is(err, repo.ErrRecordNotFound) {
			return errEnvelope(c, http.StatusNotFound, "RecordNotFound", "record not found")
		}
		return logInternal(c, "get record", err)
	}

	return c.JSON(http.StatusOK, map[string]any{
		"uri":   "at://" + s.did + "/" + collection + "/" + rkey,
		"cid":   cidStr,
		"value": record,
	})
}

// --- deleteRecord ---

type deleteRecordRequest struct {
	Repo       string  `json:"repo"`
	Collection string  `json:"collection"`
	RKey       string  `json:"rkey"`
	SwapRecord *string `json:"swapRecord"`
}

func (s *Server) handleDeleteRecord(c echo.Context) error {
	var req deleteRecordRequest
	if err := c.Bind(&req); err != nil {
		return errEnvelope(c, http.StatusBadRequest, "InvalidRequest", "invalid JSON body")
	}
	if req.Repo == "" || req.Collection == "" || req.RKey == "" {
		return errEnvelope(c, http.StatusBadRequest, "InvalidRequest", "repo, collection, and rkey are required")
	}

	ctx := c.Request().Context()

	if req.Repo != s.did {
		recordURI := "at://" + req.Repo + "/" + req.Collection + "/" + req.RKey
		if s.disp != nil {
			if err := s.disp.DispatchDelete(ctx, req.Collection, recordURI); err != nil {
				return logInternal(c, "dispatch delete", err)
			}
		}
		return c.JSON(http.StatusOK, map[string]any{"commit": nil})
	}

	s.repos.Lock()
	defer s.repos.Unlock()

	result, err := s.repos.DeleteRecord(ctx, req.Collection, req.RKey, req.SwapRecord)
	if err != nil {
		return writeErr(c, err)
	}

	s.emitCommitEvent(ctx, result)
	return c.JSON(http.StatusOK, map[string]any{
		"commit": map[string]string{
			"cid": result.CommitCID,
			"rev": result.Rev,
		},
	})
}

// --- putRecord ---

type putRecordRequest struct {
	Repo       string         `json:"repo"`
	Collection string         `json:"collection"`
	RKey       string         `json:"rkey"`
	Record     map[string]any `json:"record"`
	SwapRecord *string        `json:"swapRecord"`
}

func (s *Server) handlePutRecord(c echo.Context) error {
	var req putRecordRequest
	if err := c.Bind(&req); err != nil {
		return errEnvelope(c, http.StatusBadRequest, "InvalidRequest", "invalid JSON body")
	}
	if req.Repo == "" || req.Collection == "" || req.RKey == "" || req.Record == nil {
		return errEnvelope(c, http.StatusBadRequest, "InvalidRequest", "repo, collection, rkey, and record are required")
	}

	ctx := c.Request().Context()

	if req.Repo != s.did {
		return s.forwardWrite(c, req.Repo, req.Collection, req.RKey, req.Record)
	}

	s.repos.Lock()
	defer s.repos.Unlock()

	uri, result, err := s.repos.PutRecord(ctx, req.Collection, req.RKey, req.Record, req.SwapRecord)
	if err != nil {
		return writeErr(c, err)
	}

	s.emitCommitEvent(ctx, result)
	return c.JSON(http.StatusOK, map[string]any{
		"uri": uri,
		"cid": recordCID(result),
		"commit": map[string]string{
			"cid": result.CommitCID,
			"rev": result.Rev,
		},
	})
}

// --- listRecords ---

func (s *Server) handleListRecords(c echo.Context) error {
	repoID := c.QueryParam("repo")
	collection := c.QueryParam("collection")
	if repoID == "" || collection == "" {
		return errEnvelope(c, http.StatusBadRequest, "InvalidRequest", "repo and collection query parameters are required")
	}
	if repoID != s.did {
		return errEnvelope(c, http.StatusNotFound, "RepoNotFound", "repository not found: "+repoID)
	}

	limit := 50
	if l := c.QueryParam("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil && n > 0 && n <= 100 {
			limit = n
		}
	}
	cursor := c.QueryParam("cursor")
	reverse := c.QueryParam("reverse") == "true"

	records, nextCursor, err := s.repos.ListRecords(c.Request().Context(), collection, limit, cursor, reverse)
	if err != nil {
		return logInternal(c, "list records", err)
	}

	resp := map[string]any{"records": records}
	if nextCursor != "" {
		resp["cursor"] = nextCursor
	}
	return c.JSON(http.StatusOK, resp)
}

// --- describeRepo ---

func (s *Server) handleDescribeRepo(c echo.Context) error {
	repoID := c.QueryParam("repo")
	if repoID == "" {
		return errEnvelope(c, http.StatusBadRequest, "InvalidRequest", "repo query parameter is required")
	}
	if repoID != s.did {
		return errEnvelope(c, http.StatusNotFound, "RepoNotFound", "repository not found: "+repoID)
	}

	collections, err := s.repos.DescribeRepo(c.Request().Context())
	if err != nil {
		return logInternal(c, "describe repo", err)
	}

	return c.JSON(http.StatusOK, map[string]any{
		"handle":          s.cfg.Handle,
		"did":             s.did,
		"collections":     collections,
		"handleIsCorrect": true,
	})
}

// forwardWrite treats a write naming a non-local repo as an incoming
// federated record: it is routed to the Dispatcher with a synthetic
// ack, never stored locally and never published on this node's own
// firehose. rkey may be empty (createRecord without one); the
// Dispatcher only relies on the record's own fields to route, so a
// placeholder segment is fine when the caller didn't supply one.
func (s *Server) forwardWrite(c echo.Context, repoDID, collection, rkey string, record map[string]any) error {
	ctx := c.Request().Context()
	if rkey == "" {
		rkey = "forwarded"
	}
	recordURI := "at://" + repoDID + "/" + collection + "/" + rkey
	if s.disp != nil {
		actor := contentsrc.Actor{DID: repoDID}
		if v, ok := record["$type"]; !ok || v == nil {
			record["$type"] = collection
		}
		if err := s.disp.Dispatch(ctx, actor, recordURI, record); err != nil {
			return logInternal(c, "dispatch write", err)
		}
	}
	return c.JSON(http.StatusOK, map[string]any{
		"uri": recordURI,
		"cid": "",
	})
}

// recordCID returns the CID of the record a createRecord/putRecord call
// just wrote, as opposed to the commit's own CID — the two are
// distinct, and clients use the former as a swapRecord precondition on
// a later write. The write op is always the last one applied in the
// commit.
func recordCID(result *repo.CommitResult) string {
	if result == nil || len(result.Ops) == 0 {
		return ""
	}
	op := result.Ops[len(result.Ops)-1]
	if op.CID == nil {
		return ""
	}
	return op.CID.String()
}

// writeErr maps repo package sentinel errors to XRPC error envelopes.
func writeErr(c echo.Context, err error) error {
	switch {
	case errors.Is(err, repo.ErrInvalidSwap):
		return errEnvelope(c, http.StatusBadRequest, "InvalidSwap", err.Error())
	case errors.Is(err, repo.ErrRecordNotFound):
		return errEnvelope(c, http.StatusNotFound, "RecordNotFound", "record not found")
	default:
		return logInternal(c, "repo write", err)
	}
}

// emitCommitEvent converts a CommitResult into firehose.CommitInfo and
// emits it. Must be called while the caller still holds the repo's
// write lock, so the commit and the event it produces are never
// observed out of order by a concurrent reader or subscriber. Emission
// failures are logged but never fail the mutation — the commit already
// succeeded.
func (s *Server) emitCommitEvent(ctx context.Context, result *repo.CommitResult) {
	if s.fh == nil || result == nil {
		return
	}

	ops := make([]firehose.OpInfo, len(result.Ops))
	for i, op := range result.Ops {
		ops[i] = firehose.OpInfo{
			Action: op.Action,
			Path:   op.Path,
			CID:    op.CID,
			Prev:   op.Prev,
		}
		metrics.Commits.WithLabelValues(op.Action).Inc()
	}

	info := &firehose.CommitInfo{
		DID:       s.did,
		Rev:       result.Rev,
		PrevRev:   result.PrevRev,
		CommitCID: result.CommitCID,
		PrevData:  result.PrevData,
		DiffCAR:   result.DiffCAR,
		Ops:       ops,
		Time:      time.Now(),
	}

	if err := s.fh.EmitCommit(ctx, info); err != nil {
		log.Printf("server: emit commit event: %v", err)
	}
}
