package handlers

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"

	"github.com/socialdeskhq/socialdesk/internal/auth"
	"github.com/socialdeskhq/socialdesk/internal/operators"
)

type AuthHandler struct {
	logger    *slog.Logger
	operators *operators.Service
	jwtSecret string
	expiresIn time.Duration
	validate  *validator.Validate
}

func NewAuthHandler(log *slog.Logger, svc *operators.Service, jwtSecret string, expiresIn time.Duration) *AuthHandler {
	if expiresIn <= 0 {
		expiresIn = 24 * time.Hour
	}
	return &AuthHandler{
		logger:    log.With(slog.String("handler", "auth")),
		operators: svc,
		jwtSecret: jwtSecret,
		expiresIn: expiresIn,
		validate:  validator.New(validator.WithRequiredStructEnabled()),
	}
}

func (h *AuthHandler) Register(e *echo.Echo) {
	e.POST("/api/auth/login", h.Login)
}

type loginRequest struct {
	Username string `json:"username" validate:"required"`
	Password string `json:"password" validate:"required"`
}

type loginResponse struct {
	Token     string             `json:"token"`
	ExpiresAt time.Time          `json:"expiresAt"`
	Operator  operators.Operator `json:"operator"`
}

func (h *AuthHandler) Login(c echo.Context) error {
	var req loginRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := h.validate.Struct(req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "username and password are required")
	}

	op, err := h.operators.Authenticate(c.Request().Context(), req.Username, req.Password)
	if err != nil {
		if errors.Is(err, operators.ErrInvalidCredentials) {
			return echo.NewHTTPError(http.StatusUnauthorized, "invalid username or password")
		}
		h.logger.Error("login failed", slog.Any("error", err))
		return echo.NewHTTPError(http.StatusInternalServerError, "login failed")
	}

	token, expiresAt, err := auth.GenerateToken(op.Identity(), h.jwtSecret, h.expiresIn)
	if err != nil {
		h.logger.Error("token generation failed", slog.Any("error", err))
		return echo.NewHTTPError(http.StatusInternalServerError, "login failed")
	}

	return c.JSON(http.StatusOK, loginResponse{Token: token, ExpiresAt: expiresAt, Operator: op})
}
