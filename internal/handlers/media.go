package handlers

import (
	"log/slog"
	"mime"
	"net/http"
	"path"

	"github.com/labstack/echo/v4"

	"github.com/socialdeskhq/socialdesk/internal/media"
)

// MediaHandler serves stored attachments. The route is public: platforms
// fetch these URLs to deliver URL-based attachments, and names are
// unguessable content hashes.
type MediaHandler struct {
	logger *slog.Logger
	relay  *media.Relay
}

func NewMediaHandler(log *slog.Logger, relay *media.Relay) *MediaHandler {
	return &MediaHandler{
		logger: log.With(slog.String("handler", "media")),
		relay:  relay,
	}
}

func (h *MediaHandler) Register(e *echo.Echo) {
	e.GET("/media/:name", h.Serve)
}

func (h *MediaHandler) Serve(c echo.Context) error {
	reader, name, err := h.relay.Open(c.Request().Context(), c.Param("name"))
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, "media not found")
	}
	defer reader.Close()

	contentType := mime.TypeByExtension(path.Ext(name))
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	return c.Stream(http.StatusOK, contentType, reader)
}
