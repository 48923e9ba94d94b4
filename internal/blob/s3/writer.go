package s3blob

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/alanyoungcy/rafflebot/internal/domain"
)

// minPartSize is the minimum allowed part size for S3 multipart uploads (5 MiB).
const minPartSize int64 = 5 * 1024 * 1024

// putObjectAPI is the subset of *s3.Client the writer needs.
type putObjectAPI interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Writer implements domain.BlobWriter using an S3-compatible backend.
type Writer struct {
	api      putObjectAPI
	uploader manager.UploadAPIClient
	bucket   string
	path     func(string) string
}

// NewWriter creates a new Writer that uploads objects to the given client's
// configured bucket under its prefix.
func NewWriter(c *Client) *Writer {
	return &Writer{
		api:      c.S3(),
		uploader: c.S3(),
		bucket:   c.Bucket(),
		path:     c.Path,
	}
}

// Put uploads data as a single PutObject request.
func (w *Writer) Put(ctx context.Context, path string, data io.Reader, contentType string) error {
	key := w.path(path)
	_, err := w.api.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(w.bucket),
		Key:         aws.String(key),
		Body:        data,
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return fmt.Errorf("s3blob: put object %s: %w", key, err)
	}
	return nil
}

// PutMultipart uploads data through the multipart upload manager, which
// splits the payload into parts and uploads them concurrently. partSize is
// clamped to the S3 minimum of 5 MiB.
func (w *Writer) PutMultipart(ctx context.Context, path string, data io.Reader, partSize int64) error {
	if partSize < minPartSize {
		partSize = minPartSize
	}

	uploader := manager.NewUploader(w.uploader, func(u *manager.Uploader) {
		u.PartSize = partSize
	})

	key := w.path(path)
	_, err := uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String(w.bucket),
		Key:    aws.String(key),
		Body:   data,
	})
	if err != nil {
		return fmt.Errorf("s3blob: multipart upload %s: %w", key, err)
	}
	return nil
}

// PutLarge picks Put or PutMultipart by payload size.
func (w *Writer) PutLarge(ctx context.Context, path string, data []byte, contentType string) error {
	if int64(len(data)) < minPartSize {
		return w.Put(ctx, path, bytes.NewReader(data), contentType)
	}
	return w.PutMultipart(ctx, path, bytes.NewReader(data), minPartSize)
}

// Compile-time interface check.
var _ domain.BlobWriter = (*Writer)(nil)
