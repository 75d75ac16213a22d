package handlers

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/socialdeskhq/socialdesk/internal/ingest"
)

// webhookAck is returned for every event delivery regardless of per-event
// outcome, so the platform never retry-storms us.
const webhookAck = "EVENT_RECEIVED"

type WebhookHandler struct {
	logger      *slog.Logger
	verifyToken string
	pipeline    *ingest.Pipeline
}

func NewWebhookHandler(log *slog.Logger, verifyToken string, pipeline *ingest.Pipeline) *WebhookHandler {
	return &WebhookHandler{
		logger:      log.With(slog.String("handler", "webhook")),
		verifyToken: verifyToken,
		pipeline:    pipeline,
	}
}

func (h *WebhookHandler) Register(e *echo.Echo) {
	e.GET("/webhook", h.Verify)
	e.POST("/webhook", h.Receive)
}

// Verify answers the platform's subscription handshake.
func (h *WebhookHandler) Verify(c echo.Context) error {
	mode := c.QueryParam("hub.mode")
	token := c.QueryParam("hub.verify_token")
	if mode == "subscribe" && token != "" && token == h.verifyToken {
		return c.String(http.StatusOK, c.QueryParam("hub.challenge"))
	}
	h.logger.Warn("webhook verification rejected", slog.String("mode", mode))
	return c.NoContent(http.StatusForbidden)
}

// Receive acknowledges the batch immediately and processes it in the
// background. Acknowledgment is never gated on reply generation or sending.
func (h *WebhookHandler) Receive(c echo.Context) error {
	var batch ingest.Batch
	if err := c.Bind(&batch); err != nil {
		h.logger.Warn("unparseable webhook body", slog.Any("error", err))
		return c.String(http.StatusOK, webhookAck)
	}

	go h.pipeline.Process(context.WithoutCancel(c.Request().Context()), batch)

	return c.String(http.StatusOK, webhookAck)
}
