package auth

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	echojwt "github.com/labstack/echo-jwt/v4"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

const (
	claimSubject    = "sub"
	claimOperatorID = "operator_id"
	claimRole       = "role"
	claimName       = "name"

	RoleAdmin    = "admin"
	RoleOperator = "operator"
)

// JWTMiddleware returns a JWT auth middleware configured for HS256 tokens.
func JWTMiddleware(secret string, skipper middleware.Skipper) echo.MiddlewareFunc {
	return echojwt.WithConfig(echojwt.Config{
		SigningKey:    []byte(secret),
		SigningMethod: "HS256",
		TokenLookup:   "header:Authorization:Bearer ,query:token",
		Skipper:       skipper,
		NewClaimsFunc: func(c echo.Context) jwt.Claims {
			return jwt.MapClaims{}
		},
	})
}

// Identity is the authenticated principal carried by a token.
type Identity struct {
	OperatorID  string
	Role        string
	DisplayName string
}

// IsAdmin reports whether the principal holds the administrative role.
func (i Identity) IsAdmin() bool {
	return i.Role == RoleAdmin
}

// GenerateToken creates a signed JWT for the operator.
func GenerateToken(id Identity, secret string, expiresIn time.Duration) (string, time.Time, error) {
	if strings.TrimSpace(id.OperatorID) == "" {
		return "", time.Time{}, fmt.Errorf("operator id is required")
	}
	if id.Role != RoleAdmin && id.Role != RoleOperator {
		return "", time.Time{}, fmt.Errorf("unknown role %q", id.Role)
	}
	if strings.TrimSpace(secret) == "" {
		return "", time.Time{}, fmt.Errorf("jwt secret is required")
	}
	if expiresIn <= 0 {
		return "", time.Time{}, fmt.Errorf("jwt expires in must be positive")
	}

	now := time.Now().UTC()
	expiresAt := now.Add(expiresIn)
	claims := jwt.MapClaims{
		claimSubject:    id.OperatorID,
		claimOperatorID: id.OperatorID,
		claimRole:       id.Role,
		claimName:       id.DisplayName,
		"iat":           now.Unix(),
		"exp":           expiresAt.Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, expiresAt, nil
}

// IdentityFromContext extracts the authenticated principal from JWT claims.
func IdentityFromContext(c echo.Context) (Identity, error) {
	token, ok := c.Get("user").(*jwt.Token)
	if !ok || token == nil || !token.Valid {
		return Identity{}, echo.NewHTTPError(http.StatusUnauthorized, "invalid token")
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return Identity{}, echo.NewHTTPError(http.StatusUnauthorized, "invalid token claims")
	}
	id := Identity{
		OperatorID:  claimString(claims, claimOperatorID),
		Role:        claimString(claims, claimRole),
		DisplayName: claimString(claims, claimName),
	}
	if id.OperatorID == "" {
		id.OperatorID = claimString(claims, claimSubject)
	}
	if id.OperatorID == "" {
		return Identity{}, echo.NewHTTPError(http.StatusUnauthorized, "operator id missing")
	}
	if id.Role != RoleAdmin && id.Role != RoleOperator {
		return Identity{}, echo.NewHTTPError(http.StatusUnauthorized, "role missing")
	}
	return id, nil
}

func claimString(claims jwt.MapClaims, key string) string {
	raw, ok := claims[key]
	if !ok || raw == nil {
		return ""
	}
	switch v := raw.(type) {
	case string:
		return v
	case fmt.Stringer:
		return v.String()
	default:
		return fmt.Sprint(raw)
	}
}
