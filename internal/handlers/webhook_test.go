package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/socialdeskhq/socialdesk/internal/channel/credentials"
	"github.com/socialdeskhq/socialdesk/internal/ingest"
)

type recordingCreds struct {
	mu    sync.Mutex
	seen  []string
	found map[string]credentials.Integration
}

func (c *recordingCreds) Lookup(_ context.Context, channelID string) (credentials.Integration, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seen = append(c.seen, channelID)
	if in, ok := c.found[channelID]; ok {
		return in, nil
	}
	return credentials.Integration{}, credentials.ErrNoCredential
}

func (c *recordingCreds) channels() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.seen...)
}

func newWebhookFixture(creds *recordingCreds) *WebhookHandler {
	pipe := ingest.NewPipeline(slog.Default(), ingest.PipelineParams{Creds: creds})
	return NewWebhookHandler(slog.Default(), "verify-me", pipe)
}

func TestWebhookVerifyChallenge(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/webhook?hub.mode=subscribe&hub.verify_token=verify-me&hub.challenge=12345", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	h := newWebhookFixture(&recordingCreds{})
	require.NoError(t, h.Verify(c))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "12345", rec.Body.String())
}

func TestWebhookVerifyWrongTokenForbidden(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/webhook?hub.mode=subscribe&hub.verify_token=wrong&hub.challenge=12345", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	h := newWebhookFixture(&recordingCreds{})
	require.NoError(t, h.Verify(c))
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestWebhookReceiveAcksUnconditionally(t *testing.T) {
	e := echo.New()
	body := `{"object":"page","entry":[{"id":"104223","messaging":[{"sender":{"id":"88441122"},"message":{"text":"hi"}}]}]}`
	req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	creds := &recordingCreds{}
	h := newWebhookFixture(creds)
	require.NoError(t, h.Receive(c))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "EVENT_RECEIVED", rec.Body.String())

	// Processing happens after the ack, in the background.
	assert.Eventually(t, func() bool {
		chans := creds.channels()
		return len(chans) == 1 && chans[0] == "104223"
	}, time.Second, 10*time.Millisecond)
}

func TestWebhookReceiveBadBodyStillAcks(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader("{not json"))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	h := newWebhookFixture(&recordingCreds{})
	require.NoError(t, h.Receive(c))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "EVENT_RECEIVED", rec.Body.String())
}
