// Package media moves attachment bytes between remote platform URLs and the
// local content store, in both directions.
package media

import (
	"context"
	"errors"
	"io"
)

var (
	// ErrAssetNotFound indicates the requested media object does not exist.
	ErrAssetNotFound = errors.New("media asset not found")
	// ErrAssetTooLarge indicates a download exceeded the configured byte cap.
	ErrAssetTooLarge = errors.New("media asset too large")
	// ErrPathTraversal indicates a storage key attempted directory traversal.
	ErrPathTraversal = errors.New("path traversal is forbidden")
)

// StorageProvider abstracts object storage operations.
type StorageProvider interface {
	// Put writes data to storage under the given key.
	Put(ctx context.Context, key string, reader io.Reader) error
	// Open returns a reader for the given storage key.
	Open(ctx context.Context, key string) (io.ReadCloser, error)
	// Delete removes the object at key.
	Delete(ctx context.Context, key string) error
	// AccessPath returns a consumer-accessible reference for a storage key.
	AccessPath(key string) string
}

// Uploader is the outbound side of the relay: the platform operations needed
// to deliver a locally stored attachment.
type Uploader interface {
	UploadAttachment(ctx context.Context, token, filename, mime string, data io.Reader) (string, error)
	SendAttachmentByID(ctx context.Context, token, recipientID, attachmentID string) error
	SendAttachmentByURL(ctx context.Context, token, recipientID, mediaURL string) error
}
