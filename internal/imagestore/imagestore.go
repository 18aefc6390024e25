// Package imagestore decides how image copies are kept on verification
// records: inline as data URIs, or in an S3 bucket.
package imagestore

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
	"github.com/gabriel-vasile/mimetype"

	"github.com/example/ekyc/internal/dataurl"
	"github.com/example/ekyc/internal/logging"
)

// Store keeps an image and returns the reference written to the record.
type Store interface {
	Put(ctx context.Context, key, dataURI string) (string, error)
}

// Inline keeps the data URI itself as the reference.
type Inline struct{}

func (Inline) Put(_ context.Context, _ string, dataURI string) (string, error) {
	return dataURI, nil
}

// S3Options configures the S3 store.
type S3Options struct {
	Bucket    string
	Region    string
	Endpoint  string
	KeyPrefix string
}

type uploader interface {
	UploadWithContext(ctx aws.Context, input *s3manager.UploadInput, opts ...func(*s3manager.Uploader)) (*s3manager.UploadOutput, error)
}

// S3 uploads the decoded image bytes and returns an s3:// reference.
type S3 struct {
	uploader  uploader
	bucket    string
	keyPrefix string
}

// NewS3 creates an S3 store. Credentials come from the default AWS chain.
func NewS3(opts S3Options) (*S3, error) {
	cfg := &aws.Config{Region: aws.String(opts.Region)}
	if opts.Endpoint != "" {
		cfg.Endpoint = aws.String(opts.Endpoint)
		cfg.S3ForcePathStyle = aws.Bool(true)
	}
	sess, err := session.NewSession(cfg)
	if err != nil {
		return nil, fmt.Errorf("create aws session: %w", err)
	}
	return &S3{
		uploader:  s3manager.NewUploader(sess),
		bucket:    opts.Bucket,
		keyPrefix: strings.Trim(opts.KeyPrefix, "/"),
	}, nil
}

func (s *S3) Put(ctx context.Context, key, dataURI string) (string, error) {
	img, err := dataurl.Decode(dataURI)
	if err != nil {
		return "", logging.NewOperationError("imagestore.put", key, logging.WithKind(logging.ErrValidation, err))
	}

	objectKey := s.objectKey(key, img.MediaType)
	_, err = s.uploader.UploadWithContext(ctx, &s3manager.UploadInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(objectKey),
		Body:        bytes.NewReader(img.Data),
		ContentType: aws.String(img.MediaType),
	})
	if err != nil {
		return "", logging.NewOperationError("imagestore.put", key, logging.WithKind(logging.ErrPersistence, err))
	}
	return fmt.Sprintf("s3://%s/%s", s.bucket, objectKey), nil
}

func (s *S3) objectKey(key, mediaType string) string {
	name := key
	if mt := mimetype.Lookup(mediaType); mt != nil {
		name += mt.Extension()
	}
	if s.keyPrefix == "" {
		return name
	}
	return path.Join(s.keyPrefix, name)
}
