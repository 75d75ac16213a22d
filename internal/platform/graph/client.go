// Package graph is the Meta Graph API client used for outbound sends,
// attachment uploads, and profile lookups on both supported channel kinds.
package graph

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Channel kinds understood by the client.
const (
	KindMessenger = "messenger"
	KindInstagram = "instagram"
)

const (
	defaultFacebookBase  = "https://graph.facebook.com/v18.0"
	defaultInstagramBase = "https://graph.instagram.com"
	defaultSendTimeout   = 20 * time.Second
	profileTimeout       = 12 * time.Second
)

// Profile is the result of a profile lookup.
type Profile struct {
	Name      string `json:"name"`
	AvatarURL string `json:"profile_pic"`
	Username  string `json:"username,omitempty"`
}

// Client talks to the Graph API endpoints.
type Client struct {
	facebookBase  string
	instagramBase string
	httpClient    *http.Client
	profileClient *http.Client
	logger        *slog.Logger
}

// NewClient creates a Graph client with default endpoints and timeouts.
func NewClient(log *slog.Logger) *Client {
	if log == nil {
		log = slog.Default()
	}
	return &Client{
		facebookBase:  defaultFacebookBase,
		instagramBase: defaultInstagramBase,
		httpClient:    &http.Client{Timeout: defaultSendTimeout},
		profileClient: &http.Client{Timeout: profileTimeout},
		logger:        log.With(slog.String("service", "graph")),
	}
}

// SetBaseURLs overrides the API endpoints. Used by tests.
func (c *Client) SetBaseURLs(facebook, instagram string) {
	if strings.TrimSpace(facebook) != "" {
		c.facebookBase = strings.TrimRight(facebook, "/")
	}
	if strings.TrimSpace(instagram) != "" {
		c.instagramBase = strings.TrimRight(instagram, "/")
	}
}

type sendRequest struct {
	Recipient recipient      `json:"recipient"`
	Message   map[string]any `json:"message"`
}

type recipient struct {
	ID string `json:"id"`
}

// SendText delivers a plain text message to the recipient.
func (c *Client) SendText(ctx context.Context, token, recipientID, text string) error {
	return c.send(ctx, token, sendRequest{
		Recipient: recipient{ID: recipientID},
		Message:   map[string]any{"text": text},
	})
}

// SendAttachmentByID delivers a previously uploaded reusable attachment.
func (c *Client) SendAttachmentByID(ctx context.Context, token, recipientID, attachmentID string) error {
	return c.send(ctx, token, sendRequest{
		Recipient: recipient{ID: recipientID},
		Message: map[string]any{
			"attachment": map[string]any{
				"type":    "image",
				"payload": map[string]any{"attachment_id": attachmentID},
			},
		},
	})
}

// SendAttachmentByURL delivers an attachment referenced by a public URL.
// Required for channel kinds whose send API does not accept uploaded
// attachment handles.
func (c *Client) SendAttachmentByURL(ctx context.Context, token, recipientID, mediaURL string) error {
	return c.send(ctx, token, sendRequest{
		Recipient: recipient{ID: recipientID},
		Message: map[string]any{
			"attachment": map[string]any{
				"type":    "image",
				"payload": map[string]any{"url": mediaURL, "is_reusable": true},
			},
		},
	})
}

func (c *Client) send(ctx context.Context, token string, payload sendRequest) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	endpoint := c.facebookBase + "/me/messages?access_token=" + url.QueryEscape(token)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("platform send: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("platform send: status %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}
	return nil
}

// UploadAttachment streams local bytes to the attachment-upload endpoint and
// returns a reusable attachment id.
func (c *Client) UploadAttachment(ctx context.Context, token, filename, mime string, data io.Reader) (string, error) {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	messageJSON := `{"attachment":{"type":"image","payload":{"is_reusable":true}}}`
	if err := writer.WriteField("message", messageJSON); err != nil {
		return "", err
	}
	part, err := writer.CreateFormFile("filedata", filename)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(part, data); err != nil {
		return "", fmt.Errorf("copy attachment: %w", err)
	}
	if err := writer.Close(); err != nil {
		return "", err
	}

	endpoint := c.facebookBase + "/me/message_attachments?access_token=" + url.QueryEscape(token)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, &buf)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("attachment upload: %w", err)
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return "", err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("attachment upload: status %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}
	var parsed struct {
		AttachmentID string `json:"attachment_id"`
	}
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return "", fmt.Errorf("parse upload response: %w", err)
	}
	if parsed.AttachmentID == "" {
		return "", fmt.Errorf("attachment upload: no attachment id in response")
	}
	return parsed.AttachmentID, nil
}

// FetchProfile looks up a counterparty's display profile through the
// channel-appropriate endpoint.
func (c *Client) FetchProfile(ctx context.Context, token, kind, userID string) (Profile, error) {
	var endpoint string
	switch kind {
	case KindInstagram:
		endpoint = fmt.Sprintf("%s/%s?fields=name,profile_pic,username&access_token=%s",
			c.instagramBase, url.PathEscape(userID), url.QueryEscape(token))
	default:
		endpoint = fmt.Sprintf("%s/%s?fields=name,profile_pic&access_token=%s",
			c.facebookBase, url.PathEscape(userID), url.QueryEscape(token))
	}
	return c.fetchProfile(ctx, endpoint)
}

// FetchProfileFallback is the secondary generic lookup tried when the
// dedicated endpoint produced nothing usable.
func (c *Client) FetchProfileFallback(ctx context.Context, token, userID string) (Profile, error) {
	endpoint := fmt.Sprintf("%s/%s?fields=name&access_token=%s",
		c.facebookBase, url.PathEscape(userID), url.QueryEscape(token))
	return c.fetchProfile(ctx, endpoint)
}

func (c *Client) fetchProfile(ctx context.Context, endpoint string) (Profile, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return Profile{}, err
	}
	resp, err := c.profileClient.Do(req)
	if err != nil {
		return Profile{}, fmt.Errorf("profile lookup: %w", err)
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return Profile{}, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Profile{}, fmt.Errorf("profile lookup: status %d", resp.StatusCode)
	}
	var profile Profile
	if err := json.Unmarshal(respBody, &profile); err != nil {
		return Profile{}, fmt.Errorf("parse profile: %w", err)
	}
	return profile, nil
}
