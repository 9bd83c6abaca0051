package port

import "context"

// MediaStorage stages inputs and persists artifacts in the media bucket.
type MediaStorage interface {
	Download(ctx context.Context, objectKey, destPath string) error
	UploadFile(ctx context.Context, objectKey, filePath, contentType string) error
	ReadObject(ctx context.Context, objectKey string) ([]byte, error)
	ListPrefix(ctx context.Context, prefix string) ([]string, error)
	Exists(ctx context.Context, objectKey string) (bool, error)

	// Publish writes data under a staging key and promotes it to objectKey
	// with a server-side copy, so readers never observe a partial object.
	Publish(ctx context.Context, objectKey string, data []byte, contentType string) error
}
