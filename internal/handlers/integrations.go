package handlers

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"

	"github.com/socialdeskhq/socialdesk/internal/auth"
	"github.com/socialdeskhq/socialdesk/internal/channel/credentials"
)

// IntegrationsHandler manages per-channel outbound credentials. Writes are
// visible to the next lookup without a restart; tokens are masked on read.
type IntegrationsHandler struct {
	logger   *slog.Logger
	creds    *credentials.Store
	validate *validator.Validate
}

func NewIntegrationsHandler(log *slog.Logger, creds *credentials.Store) *IntegrationsHandler {
	return &IntegrationsHandler{
		logger:   log.With(slog.String("handler", "integrations")),
		creds:    creds,
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}
}

func (h *IntegrationsHandler) Register(e *echo.Echo) {
	e.GET("/api/integrations", h.List)
	e.PUT("/api/integrations/:channelId", h.Upsert)
}

type integrationView struct {
	ChannelID   string    `json:"channelId"`
	Kind        string    `json:"kind"`
	MaskedToken string    `json:"maskedToken"`
	IsActive    bool      `json:"isActive"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

func maskIntegration(in credentials.Integration) integrationView {
	return integrationView{
		ChannelID:   in.ChannelID,
		Kind:        in.Kind,
		MaskedToken: in.MaskedToken(),
		IsActive:    in.IsActive,
		UpdatedAt:   in.UpdatedAt,
	}
}

func (h *IntegrationsHandler) List(c echo.Context) error {
	id, err := auth.IdentityFromContext(c)
	if err != nil {
		return err
	}
	if !id.IsAdmin() {
		return echo.NewHTTPError(http.StatusForbidden, "admin only")
	}

	items, err := h.creds.List(c.Request().Context())
	if err != nil {
		h.logger.Error("list integrations", slog.Any("error", err))
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to load integrations")
	}

	views := make([]integrationView, 0, len(items))
	for _, item := range items {
		views = append(views, maskIntegration(item))
	}
	return c.JSON(http.StatusOK, views)
}

type upsertIntegrationRequest struct {
	Kind        string `json:"kind" validate:"required,oneof=messenger instagram"`
	AccessToken string `json:"accessToken" validate:"required"`
	IsActive    *bool  `json:"isActive"`
}

func (h *IntegrationsHandler) Upsert(c echo.Context) error {
	id, err := auth.IdentityFromContext(c)
	if err != nil {
		return err
	}
	if !id.IsAdmin() {
		return echo.NewHTTPError(http.StatusForbidden, "admin only")
	}
	channelID := c.Param("channelId")
	if channelID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "channel id is required")
	}

	var req upsertIntegrationRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := h.validate.Struct(req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "kind and accessToken are required")
	}

	active := true
	if req.IsActive != nil {
		active = *req.IsActive
	}
	saved, err := h.creds.Upsert(c.Request().Context(), credentials.Integration{
		ChannelID:   channelID,
		Kind:        req.Kind,
		AccessToken: req.AccessToken,
		IsActive:    active,
	})
	if err != nil {
		h.logger.Error("upsert integration", slog.Any("error", err))
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to save integration")
	}
	return c.JSON(http.StatusOK, maskIntegration(saved))
}
