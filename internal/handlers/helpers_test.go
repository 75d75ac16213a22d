package handlers

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/require"

	"github.com/socialdeskhq/socialdesk/internal/auth"
)

const testJWTSecret = "handler-test-secret"

func adminIdentity() auth.Identity {
	return auth.Identity{OperatorID: "op-admin", Role: auth.RoleAdmin, DisplayName: "Admin"}
}

func operatorIdentity(id, name string) auth.Identity {
	return auth.Identity{OperatorID: id, Role: auth.RoleOperator, DisplayName: name}
}

// authedContext builds an echo context carrying a parsed JWT for id, the
// same shape the JWT middleware leaves behind in production.
func authedContext(t *testing.T, e *echo.Echo, method, target string, body io.Reader, id auth.Identity) (echo.Context, *httptest.ResponseRecorder) {
	t.Helper()

	req := httptest.NewRequest(method, target, body)
	if body != nil {
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	tokenStr, _, err := auth.GenerateToken(id, testJWTSecret, time.Minute)
	require.NoError(t, err)
	setParsedToken(t, c, tokenStr)

	return c, rec
}

func setParsedToken(t *testing.T, c echo.Context, tokenStr string) {
	t.Helper()
	token, err := jwt.Parse(tokenStr, func(*jwt.Token) (interface{}, error) {
		return []byte(testJWTSecret), nil
	})
	require.NoError(t, err)
	c.Set("user", token)
}

func httpStatus(t *testing.T, err error) int {
	t.Helper()
	he, ok := err.(*echo.HTTPError)
	require.True(t, ok, "expected *echo.HTTPError, got %v", err)
	return he.Code
}
