package server

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/harborlight/pds/internal/blob"
)

// handleUploadBlob handles media uploads and returns a blob reference.
// Every blob belongs to the node's single repository, so there is no
// per-caller repo to resolve — the bearer credential only needs to
// prove the caller is authorized to write at all.
// POST /xrpc/com.atproto.repo.uploadBlob
func (s *Server) handleUploadBlob(c echo.Context) error {
	mimeType := c.Request().Header.Get("Content-Type")
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}

	ref, err := s.blobs.Put(c.Request().Context(), mimeType, c.Request().Body)
	if err != nil {
		if errors.Is(err, blob.ErrTooLarge) {
			return errEnvelope(c, http.StatusBadRequest, "BlobTooLarge", err.Error())
		}
		return logInternal(c, "upload blob", err)
	}

	return c.JSON(http.StatusOK, map[string]any{
		"blob": map[string]any{
			"$type":    "blob",
			"ref":      map[string]string{"$link": ref.CID},
			"mimeType": ref.MimeType,
			"size":     ref.Size,
		},
	})
}

// handleGetBlob retrieves a blob by CID. The did query parameter is
// accepted for wire compatibility with the standard method signature
// but otherwise ignored — every blob on this node belongs to its one
// repository.
// GET /xrpc/com.atproto.sync.getBlob?did=...&cid=...
func (s *Server) handleGetBlob(c echo.Context) error {
	cidStr := c.QueryParam("cid")
	if cidStr == "" {
		return errEnvelope(c, http.StatusBadRequest, "InvalidRequest", "cid query parameter is required")
	}

	data, mimeType, err := s.blobs.Get(c.Request().Context(), cidStr)
	if err != nil {
		if errors.Is(err, blob.ErrNotFound) {
			return errEnvelope(c, http.StatusNotFound, "BlobNotFound", "blob not found")
		}
		return logInternal(c, "get blob", err)
	}

	return c.Blob(http.StatusOK, mimeType, data)
}
