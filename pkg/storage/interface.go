package storage

import (
	"context"
	"io"
	"time"
)

// FileInfo describes one archived recording.
type FileInfo struct {
	Key          string
	Size         int64
	LastModified time.Time
	ContentType  string
}

// Storage is the recording archive. Finished recordings are written under
// keys shaped like recordings/<type>/<examId>/<batchId>/<candidateId>/<file>,
// and the same keys drive listing and URL generation for review.
type Storage interface {
	// Write archives the reader's content under key. Size is the expected
	// content length (-1 if unknown), contentType its MIME type.
	Write(ctx context.Context, key string, r io.Reader, size int64, contentType string) error

	// Read opens the recording archived under key.
	// The caller closes the returned ReadCloser.
	Read(ctx context.Context, key string) (io.ReadCloser, error)

	// Delete removes a single archived recording.
	Delete(ctx context.Context, key string) error

	// DeletePrefix removes every recording under a key prefix.
	DeletePrefix(ctx context.Context, prefix string) error

	// List returns metadata for archived recordings under a key prefix.
	List(ctx context.Context, prefix string) ([]FileInfo, error)

	// Exists reports whether a recording is archived under key.
	Exists(ctx context.Context, key string) (bool, error)

	// GetURL returns a URL through which the recording can be fetched.
	// The S3 backend presigns for the given duration; the local backend
	// returns a server-relative path and ignores expires.
	GetURL(ctx context.Context, key string, expires time.Duration) (string, error)
}
