package server

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/require"
)

func newTestContext(authHeader string) (echo.Context, *httptest.ResponseRecorder) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if authHeader != "" {
		req.Header.Set("Authorization", authHeader)
	}
	rec := httptest.NewRecorder()
	return e.NewContext(req, rec), rec
}

func TestExtractBearerParsesToken(t *testing.T) {
	c, _ := newTestContext("Bearer abc123")
	require.Equal(t, "abc123", extractBearer(c))
}

func TestExtractBearerCaseInsensitivePrefix(t *testing.T) {
	c, _ := newTestContext("bearer abc123")
	require.Equal(t, "abc123", extractBearer(c))
}

func TestExtractBearerMissingHeader(t *testing.T) {
	c, _ := newTestContext("")
	require.Equal(t, "", extractBearer(c))
}

func TestExtractBearerRejectsOtherSchemes(t *testing.T) {
	c, _ := newTestContext("Basic dXNlcjpwYXNz")
	require.Equal(t, "", extractBearer(c))
}

func TestErrEnvelopeShape(t *testing.T) {
	c, rec := newTestContext("")
	err := errEnvelope(c, http.StatusBadRequest, "InvalidRequest", "bad stuff")
	require.NoError(t, err)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.JSONEq(t, `{"error":"InvalidRequest","message":"bad stuff"}`, rec.Body.String())
}

func TestGetAuthDIDReturnsEmptyWhenUnset(t *testing.T) {
	c, _ := newTestContext("")
	require.Equal(t, "", getAuthDID(c))
}
