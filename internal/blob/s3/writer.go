package s3blob

import (
	"context"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/tranchess/contract-exchange/internal/domain"
)

// archivePartSize is the upload part size, the S3 minimum of 5 MiB. Most
// epoch archives fit in a single part; a heavy epoch simply spans several.
const archivePartSize int64 = 5 * 1024 * 1024

// Writer implements domain.BlobWriter on the archive bucket. Uploads go
// through the SDK's upload manager, which streams the reader and switches to
// multipart on its own once the payload exceeds one part.
type Writer struct {
	uploader *manager.Uploader
	bucket   string
}

// NewWriter creates a Writer targeting the client's configured bucket.
func NewWriter(c *Client) *Writer {
	return &Writer{
		uploader: manager.NewUploader(c.api, func(u *manager.Uploader) {
			u.PartSize = archivePartSize
		}),
		bucket: c.bucket,
	}
}

// Put uploads one archive object under the given key.
func (w *Writer) Put(ctx context.Context, path string, data io.Reader, contentType string) error {
	_, err := w.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(w.bucket),
		Key:         aws.String(path),
		Body:        data,
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return fmt.Errorf("s3blob: upload %s: %w", path, err)
	}
	return nil
}

var _ domain.BlobWriter = (*Writer)(nil)
