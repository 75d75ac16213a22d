package media

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path"
	"strings"
	"time"
)

const (
	// RefPrefix is the path convention marking a message-body line as a
	// local media reference rather than plain text containing a URL.
	RefPrefix = "/media/"

	// MaxDownloadBytes caps a single attachment download.
	MaxDownloadBytes int64 = 50 * 1024 * 1024

	downloadTimeout = 20 * time.Second
)

// Relay downloads remote attachments into the content store and publishes
// stored attachments back out to a platform.
type Relay struct {
	provider      StorageProvider
	uploader      Uploader
	publicBaseURL string
	maxBytes      int64
	httpClient    *http.Client
	logger        *slog.Logger
}

// NewRelay creates a media relay. publicBaseURL is the externally reachable
// base of this service, used to build attachment URLs platforms can fetch.
func NewRelay(log *slog.Logger, provider StorageProvider, uploader Uploader, publicBaseURL string, maxBytes int64) *Relay {
	if log == nil {
		log = slog.Default()
	}
	if maxBytes <= 0 {
		maxBytes = MaxDownloadBytes
	}
	return &Relay{
		provider:      provider,
		uploader:      uploader,
		publicBaseURL: strings.TrimRight(publicBaseURL, "/"),
		maxBytes:      maxBytes,
		httpClient:    &http.Client{Timeout: downloadTimeout},
		logger:        log.With(slog.String("service", "media")),
	}
}

// IsLocalRef reports whether a body line is a local media reference.
func IsLocalRef(line string) bool {
	return strings.HasPrefix(strings.TrimSpace(line), RefPrefix)
}

// Ingest downloads a remote attachment into the content store and returns
// its local reference ("/media/<name>"). The object name is the content hash
// so repeated downloads of the same bytes collapse to one object.
func (r *Relay) Ingest(ctx context.Context, remoteURL string) (string, error) {
	if strings.TrimSpace(remoteURL) == "" {
		return "", fmt.Errorf("remote url is required")
	}
	ctx, cancel := context.WithTimeout(ctx, downloadTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, remoteURL, nil)
	if err != nil {
		return "", fmt.Errorf("build download request: %w", err)
	}
	resp, err := r.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("download attachment: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("download attachment: status %d", resp.StatusCode)
	}

	hash, _, tempPath, err := spoolAndHashWithLimit(resp.Body, r.maxBytes)
	if err != nil {
		return "", fmt.Errorf("read attachment: %w", err)
	}
	defer func() {
		_ = os.Remove(tempPath)
	}()

	ext := extensionFor(resp.Header.Get("Content-Type"), remoteURL)
	name := hash + ext

	tempFile, err := os.Open(tempPath)
	if err != nil {
		return "", fmt.Errorf("open temp file: %w", err)
	}
	defer func() {
		_ = tempFile.Close()
	}()
	if err := r.provider.Put(ctx, name, tempFile); err != nil {
		return "", fmt.Errorf("store attachment: %w", err)
	}
	return RefPrefix + name, nil
}

// StoreUpload writes operator-uploaded bytes into the content store and
// returns the local reference. Naming follows the same content-hash scheme
// as Ingest.
func (r *Relay) StoreUpload(ctx context.Context, filename, contentType string, reader io.Reader) (string, error) {
	hash, _, tempPath, err := spoolAndHashWithLimit(reader, r.maxBytes)
	if err != nil {
		return "", fmt.Errorf("read upload: %w", err)
	}
	defer func() {
		_ = os.Remove(tempPath)
	}()

	name := hash + extensionFor(contentType, filename)
	tempFile, err := os.Open(tempPath)
	if err != nil {
		return "", fmt.Errorf("open temp file: %w", err)
	}
	defer func() {
		_ = tempFile.Close()
	}()
	if err := r.provider.Put(ctx, name, tempFile); err != nil {
		return "", fmt.Errorf("store upload: %w", err)
	}
	return RefPrefix + name, nil
}

// Open returns the stored bytes for a local reference or bare object name.
func (r *Relay) Open(ctx context.Context, ref string) (io.ReadCloser, string, error) {
	name := strings.TrimPrefix(strings.TrimSpace(ref), RefPrefix)
	if name == "" || strings.Contains(name, "/") {
		return nil, "", ErrAssetNotFound
	}
	reader, err := r.provider.Open(ctx, name)
	if err != nil {
		return nil, "", ErrAssetNotFound
	}
	return reader, name, nil
}

// PublicURL returns the externally reachable URL for a local reference.
func (r *Relay) PublicURL(ref string) string {
	name := strings.TrimPrefix(strings.TrimSpace(ref), RefPrefix)
	return r.publicBaseURL + RefPrefix + name
}

// Publish delivers a stored attachment to a recipient. Messenger requires a
// binary upload for a reusable handle; instagram takes the public URL.
func (r *Relay) Publish(ctx context.Context, token, channelKind, recipientID, ref string) error {
	if r.uploader == nil {
		return fmt.Errorf("uploader not configured")
	}
	switch channelKind {
	case "instagram":
		return r.uploader.SendAttachmentByURL(ctx, token, recipientID, r.PublicURL(ref))
	default:
		reader, name, err := r.Open(ctx, ref)
		if err != nil {
			return err
		}
		defer reader.Close()
		attachmentID, err := r.uploader.UploadAttachment(ctx, token, name, mime.TypeByExtension(path.Ext(name)), reader)
		if err != nil {
			return fmt.Errorf("upload attachment: %w", err)
		}
		return r.uploader.SendAttachmentByID(ctx, token, recipientID, attachmentID)
	}
}

// extensionFor infers a file extension from the response content type first,
// then the URL path, then a generic image default.
func extensionFor(contentType, remoteURL string) string {
	if ext := extensionFromMime(contentType); ext != "" {
		return ext
	}
	if u, err := url.Parse(remoteURL); err == nil {
		if ext := strings.ToLower(path.Ext(u.Path)); ext != "" && len(ext) <= 5 {
			return ext
		}
	}
	return ".jpg"
}

func extensionFromMime(contentType string) string {
	mediaType := contentType
	if parsed, _, err := mime.ParseMediaType(contentType); err == nil {
		mediaType = parsed
	}
	switch strings.ToLower(strings.TrimSpace(mediaType)) {
	case "image/png":
		return ".png"
	case "image/jpeg", "image/jpg":
		return ".jpg"
	case "image/gif":
		return ".gif"
	case "image/webp":
		return ".webp"
	case "audio/mpeg", "audio/mp3":
		return ".mp3"
	case "audio/ogg":
		return ".ogg"
	case "video/mp4":
		return ".mp4"
	case "application/pdf":
		return ".pdf"
	default:
		return ""
	}
}

func spoolAndHashWithLimit(reader io.Reader, maxBytes int64) (string, int64, string, error) {
	if reader == nil {
		return "", 0, "", fmt.Errorf("reader is required")
	}
	if maxBytes <= 0 {
		return "", 0, "", fmt.Errorf("max bytes must be greater than 0")
	}
	tempFile, err := os.CreateTemp("", "socialdesk-media-*")
	if err != nil {
		return "", 0, "", fmt.Errorf("create temp file: %w", err)
	}
	tempPath := tempFile.Name()
	keepFile := false
	defer func() {
		_ = tempFile.Close()
		if !keepFile {
			_ = os.Remove(tempPath)
		}
	}()

	hasher := sha256.New()
	limited := &io.LimitedReader{R: reader, N: maxBytes + 1}
	written, err := io.Copy(io.MultiWriter(tempFile, hasher), limited)
	if err != nil {
		return "", 0, "", fmt.Errorf("copy to temp file: %w", err)
	}
	if written > maxBytes {
		return "", 0, "", fmt.Errorf("%w: max %d bytes", ErrAssetTooLarge, maxBytes)
	}
	if written == 0 {
		return "", 0, "", fmt.Errorf("attachment payload is empty")
	}
	keepFile = true
	return hex.EncodeToString(hasher.Sum(nil)), written, tempPath, nil
}
